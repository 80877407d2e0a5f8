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
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdall-iam/heimdall/internal/audit"
	"github.com/heimdall-iam/heimdall/internal/identity"
	"github.com/heimdall-iam/heimdall/internal/observability/logger"
	"github.com/heimdall-iam/heimdall/internal/provider"
	"github.com/heimdall-iam/heimdall/internal/session"
)

const (
	fedStateCookie  = "heimdall_fed_state"
	fedTenantCookie = "heimdall_fed_tenant"
	fedStateMaxAge  = 600
)

// RegisterProvider makes an upstream identity provider available for
// federated login under its Name()
func (h *Handler) RegisterProvider(p provider.OAuthProvider) {
	if h.providers == nil {
		h.providers = make(map[string]provider.OAuthProvider)
	}
	h.providers[p.Name()] = p
}

// FederatedLogin redirects the browser to the upstream provider's
// authorization endpoint. The state round-trips through a short-lived
// cookie and is checked on callback.
func (h *Handler) FederatedLogin(w http.ResponseWriter, r *http.Request) {
	p, ok := h.providers[chi.URLParam(r, "provider")]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown provider")
		return
	}

	tenantSlug := r.URL.Query().Get("tenant_slug")
	if tenantSlug == "" {
		respondError(w, http.StatusBadRequest, "tenant_slug is required")
		return
	}
	if _, err := h.tenantService.GetTenantBySlug(r.Context(), tenantSlug); err != nil {
		respondError(w, http.StatusBadRequest, "unknown tenant")
		return
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate state")
		return
	}
	state := base64.RawURLEncoding.EncodeToString(buf)

	h.setFederatedCookie(w, fedStateCookie, state)
	h.setFederatedCookie(w, fedTenantCookie, tenantSlug)

	http.Redirect(w, r, p.AuthorizationURL(provider.AuthRequest{State: state}), http.StatusFound)
}

// FederatedCallback finishes the upstream flow: it checks state, trades
// the code for tokens, loads the profile, provisions the user on first
// login, and opens a local session.
func (h *Handler) FederatedCallback(w http.ResponseWriter, r *http.Request) {
	p, ok := h.providers[chi.URLParam(r, "provider")]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown provider")
		return
	}

	stateCookie, err := r.Cookie(fedStateCookie)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != r.URL.Query().Get("state") {
		respondError(w, http.StatusBadRequest, "state mismatch")
		return
	}
	tenantCookie, err := r.Cookie(fedTenantCookie)
	if err != nil || tenantCookie.Value == "" {
		respondError(w, http.StatusBadRequest, "missing tenant context")
		return
	}
	h.clearFederatedCookie(w, fedStateCookie)
	h.clearFederatedCookie(w, fedTenantCookie)

	code := r.URL.Query().Get("code")
	if code == "" {
		respondError(w, http.StatusBadRequest, "missing code")
		return
	}

	tokens, err := p.ExchangeCode(r.Context(), code, "", "")
	if err != nil {
		slog.ErrorContext(r.Context(), "federated code exchange failed", logger.Error(err))
		respondError(w, http.StatusBadGateway, "upstream exchange failed")
		return
	}
	profile, err := p.FetchProfile(r.Context(), tokens.AccessToken)
	if err != nil {
		slog.ErrorContext(r.Context(), "federated profile fetch failed", logger.Error(err))
		respondError(w, http.StatusBadGateway, "upstream profile fetch failed")
		return
	}
	if profile.Email == "" {
		respondError(w, http.StatusBadGateway, "upstream profile has no email")
		return
	}

	t, err := h.tenantService.GetTenantBySlug(r.Context(), tenantCookie.Value)
	if err != nil {
		respondError(w, http.StatusBadRequest, "unknown tenant")
		return
	}

	user, err := h.identityService.GetByEmail(r.Context(), t.ID, profile.Email)
	if errors.Is(err, identity.ErrUserNotFound) {
		user, err = h.identityService.ProvisionUser(r.Context(), t.ID, profile.Email, "", identity.Profile{
			Name:    profile.Name,
			Picture: profile.Picture,
		})
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "federated user provisioning failed", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to provision user")
		return
	}

	sess, err := h.sessionService.Create(r.Context(), user.ID, user.TenantID, session.DeviceInfo{
		UserAgent:  r.UserAgent(),
		IPAddress:  getIPAddress(r),
		DeviceName: p.Name(),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	h.auditLogger.Log(r.Context(), audit.Event{
		Type:      audit.TypeLoginSuccess,
		TenantID:  user.TenantID,
		ActorID:   user.ID,
		Resource:  "session:" + sess.ID,
		Metadata:  map[string]any{"provider": p.Name()},
		IPAddress: getIPAddress(r),
		UserAgent: r.UserAgent(),
	})

	h.setSessionCookie(w, sess.ID, int(time.Until(sess.ExpiresAt).Seconds()))
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":    user.ID,
		"tenant_id":  user.TenantID,
		"session_id": sess.ID,
		"expires_at": sess.ExpiresAt,
	})
}

func (h *Handler) setFederatedCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   fedStateMaxAge,
		Secure:   h.sessionConfig.CookieSecure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearFederatedCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}
