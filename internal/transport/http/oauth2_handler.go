// Copyright 2026 The Heimdall Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/heimdall-iam/heimdall/internal/oauth2"
	"github.com/heimdall-iam/heimdall/internal/observability/logger"
)

func authorizeRequestFromValues(values url.Values) *oauth2.AuthorizeRequest {
	return &oauth2.AuthorizeRequest{
		ClientID:            values.Get("client_id"),
		RedirectURI:         values.Get("redirect_uri"),
		ResponseType:        values.Get("response_type"),
		Scope:               values.Get("scope"),
		State:               values.Get("state"),
		Nonce:               values.Get("nonce"),
		CodeChallenge:       values.Get("code_challenge"),
		CodeChallengeMethod: values.Get("code_challenge_method"),
	}
}

// Authorize starts the authorization code flow (RFC 6749 Section 4.1.1).
// The session middleware has already mapped the cookie to a user.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	req := authorizeRequestFromValues(r.URL.Query())

	client, err := h.oauth2Service.ValidateAuthorizeRequest(r.Context(), req)
	if err != nil {
		h.authorizeError(w, r, req, err)
		return
	}

	userID := GetUserID(r.Context())

	// Trusted first-party clients and clients registered without a consent
	// requirement skip the prompt entirely
	if client.RequireConsent && !client.IsTrusted {
		consent, err := h.oauth2Service.CheckConsent(r.Context(), userID, req.ClientID, req.Scopes())
		if err != nil {
			h.authorizeError(w, r, req, oauth2.NewError(oauth2.ErrServerError, "consent lookup failed"))
			return
		}
		if consent == nil {
			respondJSON(w, http.StatusOK, map[string]any{
				"consent_required": true,
				"client_name":      client.ClientName,
				"client_uri":       client.ClientURI,
				"scopes":           req.Scopes(),
			})
			return
		}
	}

	h.issueCodeAndRedirect(w, r, req, userID)
}

// ApproveAuthorize records consent for the submitted request and completes
// the flow. The form carries the same parameters as the GET plus the
// user's decision.
func (h *Handler) ApproveAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request")
		return
	}
	req := authorizeRequestFromValues(r.Form)

	if _, err := h.oauth2Service.ValidateAuthorizeRequest(r.Context(), req); err != nil {
		h.authorizeError(w, r, req, err)
		return
	}

	userID := GetUserID(r.Context())

	if r.Form.Get("decision") != "approve" {
		h.redirectWithError(w, r, req, oauth2.NewError(oauth2.ErrAccessDenied, "user denied the request"))
		return
	}

	if err := h.oauth2Service.RecordUserConsent(r.Context(), userID, req.ClientID, req.Scopes()); err != nil {
		h.authorizeError(w, r, req, oauth2.NewError(oauth2.ErrServerError, "failed to record consent"))
		return
	}

	h.issueCodeAndRedirect(w, r, req, userID)
}

func (h *Handler) issueCodeAndRedirect(w http.ResponseWriter, r *http.Request, req *oauth2.AuthorizeRequest, userID string) {
	code, err := h.oauth2Service.GenerateAuthorizationCode(r.Context(), req, userID)
	if err != nil {
		h.redirectWithError(w, r, req, oauth2.NewError(oauth2.ErrServerError, "failed to issue code"))
		return
	}

	redirect := addQueryParams(req.RedirectURI, map[string]string{
		"code":  code.Code,
		"state": req.State,
	})
	http.Redirect(w, r, redirect, http.StatusFound)
}

// authorizeError routes a protocol error either back to the client's
// redirect URI or, when the client or redirect URI itself could not be
// trusted, directly to the user agent (RFC 6749 Section 4.1.2.1).
func (h *Handler) authorizeError(w http.ResponseWriter, r *http.Request, req *oauth2.AuthorizeRequest, err error) {
	slog.WarnContext(r.Context(), "authorize request rejected",
		logger.Error(err),
		logger.ClientID(req.ClientID),
		logger.RedirectURI(req.RedirectURI),
	)

	var oe *oauth2.Error
	if !errors.As(err, &oe) {
		oe = oauth2.NewError(oauth2.ErrServerError, "internal error")
	}

	// Never redirect to an unverified destination
	if oe.NoRedirect {
		respondJSON(w, oe.HTTPStatus(), oe)
		return
	}

	h.redirectWithError(w, r, req, oe)
}

func (h *Handler) redirectWithError(w http.ResponseWriter, r *http.Request, req *oauth2.AuthorizeRequest, oe *oauth2.Error) {
	redirect := addQueryParams(req.RedirectURI, map[string]string{
		"error":             oe.Code,
		"error_description": oe.Description,
		"state":             req.State,
	})
	http.Redirect(w, r, redirect, http.StatusFound)
}

// Token is the token endpoint (RFC 6749 Section 3.2). It dispatches on
// grant_type and authenticates the client by Basic auth or form fields.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.respondOAuthError(w, oauth2.NewError(oauth2.ErrInvalidRequest, "invalid request"))
		return
	}

	clientID, clientSecret := clientCredentials(r)

	client, err := h.oauth2Service.ValidateClientCredentials(r.Context(), clientID, clientSecret)
	if err != nil {
		h.respondOAuthError(w, err)
		return
	}

	grantType := r.Form.Get("grant_type")
	switch grantType {
	case "authorization_code":
		h.tokenAuthorizationCode(w, r, client)
	case "refresh_token":
		h.tokenRefresh(w, r, client)
	case "client_credentials":
		h.tokenClientCredentials(w, r, client)
	default:
		h.respondOAuthError(w, oauth2.NewError(oauth2.ErrUnsupportedGrantType, "unsupported grant_type"))
	}
}

func (h *Handler) tokenAuthorizationCode(w http.ResponseWriter, r *http.Request, client *oauth2.Client) {
	code, err := h.oauth2Service.ValidateAndConsumeCode(
		r.Context(),
		r.Form.Get("code"),
		client.ClientID,
		r.Form.Get("redirect_uri"),
		r.Form.Get("code_verifier"),
	)
	if err != nil {
		// All code failures collapse into invalid_grant; detail stays in
		// the server log (RFC 6749 Section 5.2)
		h.respondOAuthError(w, oauth2.NewError(oauth2.ErrInvalidGrant, "invalid authorization code"))
		return
	}

	pair, err := h.tokenService.GenerateTokenPair(r.Context(), client.ClientID, code.UserID, client.TenantID, code.Scope, code.Nonce)
	if err != nil {
		h.respondOAuthError(w, err)
		return
	}
	respondTokenPair(w, pair)
}

func (h *Handler) tokenRefresh(w http.ResponseWriter, r *http.Request, client *oauth2.Client) {
	refreshToken := r.Form.Get("refresh_token")
	if refreshToken == "" {
		h.respondOAuthError(w, oauth2.NewError(oauth2.ErrInvalidRequest, "missing refresh_token"))
		return
	}

	pair, err := h.tokenService.RefreshToken(r.Context(), refreshToken, client.ClientID, r.Form.Get("scope"))
	if err != nil {
		h.respondOAuthError(w, err)
		return
	}
	respondTokenPair(w, pair)
}

func (h *Handler) tokenClientCredentials(w http.ResponseWriter, r *http.Request, client *oauth2.Client) {
	// Public clients cannot use this grant (RFC 6749 Section 4.4)
	if client.ClientSecretHash == "" {
		h.respondOAuthError(w, oauth2.NewError(oauth2.ErrUnauthorizedClient, "client_credentials requires a confidential client"))
		return
	}

	scope := r.Form.Get("scope")
	if scope == "" {
		scope = strings.Join(client.AllowedScopes, " ")
	} else if !client.AllowsScopes(strings.Fields(scope)) {
		h.respondOAuthError(w, oauth2.NewError(oauth2.ErrInvalidScope, "scope not allowed for client"))
		return
	}

	pair, err := h.tokenService.GenerateTokenPair(r.Context(), client.ClientID, "", client.TenantID, scope, "")
	if err != nil {
		h.respondOAuthError(w, err)
		return
	}
	respondTokenPair(w, pair)
}

// Introspect is the introspection endpoint (RFC 7662). Callers must
// authenticate; unknown or foreign tokens come back {"active": false}.
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.respondOAuthError(w, oauth2.NewError(oauth2.ErrInvalidRequest, "invalid request"))
		return
	}

	clientID, clientSecret := clientCredentials(r)
	client, err := h.oauth2Service.ValidateClientCredentials(r.Context(), clientID, clientSecret)
	if err != nil {
		h.respondOAuthError(w, err)
		return
	}

	resp := h.tokenService.IntrospectToken(r.Context(), r.Form.Get("token"), client.ClientID, r.Form.Get("token_type_hint"))
	respondJSON(w, http.StatusOK, resp)
}

// Revoke is the revocation endpoint (RFC 7009). Responds 200 whether or
// not the token was live, so callers learn nothing about token state.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.respondOAuthError(w, oauth2.NewError(oauth2.ErrInvalidRequest, "invalid request"))
		return
	}

	clientID, clientSecret := clientCredentials(r)
	client, err := h.oauth2Service.ValidateClientCredentials(r.Context(), clientID, clientSecret)
	if err != nil {
		h.respondOAuthError(w, err)
		return
	}

	if token := r.Form.Get("token"); token != "" {
		h.tokenService.RevokeToken(r.Context(), token, client.ClientID, r.Form.Get("token_type_hint"))
	}

	w.WriteHeader(http.StatusOK)
}

// Userinfo returns claims for the access token's subject (OIDC Core
// Section 5.3). The token must carry the openid scope.
func (h *Handler) Userinfo(w http.ResponseWriter, r *http.Request) {
	raw := bearerToken(r)
	if raw == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="heimdall"`)
		respondError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	claims, err := h.tokenService.ParseAccessToken(r.Context(), raw)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		respondError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	if !claims.HasScope("openid") {
		w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
		respondError(w, http.StatusForbidden, "openid scope required")
		return
	}

	user, err := h.identityService.GetUser(r.Context(), claims.Subject)
	if err != nil {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}

	out := map[string]any{"sub": claims.Subject}
	if claims.HasScope("email") {
		out["email"] = user.Email
		out["email_verified"] = user.EmailVerified
	}
	if claims.HasScope("profile") {
		if user.Profile.Name != "" {
			out["name"] = user.Profile.Name
		}
		if user.Profile.Picture != "" {
			out["picture"] = user.Profile.Picture
		}
		if user.Profile.Locale != "" {
			out["locale"] = user.Profile.Locale
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func respondTokenPair(w http.ResponseWriter, pair any) {
	// RFC 6749 Section 5.1 forbids caching token responses
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	respondJSON(w, http.StatusOK, pair)
}

func clientCredentials(r *http.Request) (string, string) {
	if username, password, ok := r.BasicAuth(); ok {
		return username, password
	}
	return r.Form.Get("client_id"), r.Form.Get("client_secret")
}

func addQueryParams(rawURL string, params map[string]string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// respondOAuthError serializes a protocol error into an HTTP response
func (h *Handler) respondOAuthError(w http.ResponseWriter, err error) {
	var oe *oauth2.Error
	if errors.As(err, &oe) {
		respondJSON(w, oe.HTTPStatus(), oe)
		return
	}
	respondJSON(w, http.StatusInternalServerError, oauth2.NewError(oauth2.ErrServerError, "internal server error"))
}
