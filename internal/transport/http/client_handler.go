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
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/heimdall-iam/heimdall/internal/oauth2"
	"github.com/heimdall-iam/heimdall/internal/observability/logger"
	"github.com/heimdall-iam/heimdall/internal/permission"
)

// RegisterClientRequest carries the registration parameters for a new
// OAuth2 client
type RegisterClientRequest struct {
	ClientName     string   `json:"client_name"`
	ClientURI      string   `json:"client_uri,omitempty"`
	RedirectURIs   []string `json:"redirect_uris"`
	AllowedScopes  []string `json:"allowed_scopes"`
	Public         bool     `json:"public"`
	RequirePKCE    *bool    `json:"require_pkce,omitempty"`
	RequireConsent *bool    `json:"require_consent,omitempty"`
	IsTrusted      bool     `json:"is_trusted,omitempty"`
}

// RegisterClient registers an OAuth2 client under a tenant. The secret is
// returned exactly once.
func (h *Handler) RegisterClient(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if !h.requirePermission(w, r, tenantID, permission.ResourceClients, "register") {
		return
	}

	var req RegisterClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	requirePKCE := req.Public
	if req.RequirePKCE != nil {
		requirePKCE = *req.RequirePKCE
	}
	requireConsent := true
	if req.RequireConsent != nil {
		requireConsent = *req.RequireConsent
	}

	client := &oauth2.Client{
		TenantID:       tenantID,
		ClientName:     req.ClientName,
		ClientURI:      req.ClientURI,
		RedirectURIs:   req.RedirectURIs,
		AllowedScopes:  req.AllowedScopes,
		RequirePKCE:    requirePKCE,
		RequireConsent: requireConsent,
		IsTrusted:      req.IsTrusted,
		OwnerID:        GetUserID(r.Context()),
	}

	secret, err := h.oauth2Service.CreateClient(r.Context(), client)
	if err != nil {
		var oe *oauth2.Error
		if errors.As(err, &oe) {
			respondJSON(w, oe.HTTPStatus(), oe)
			return
		}
		slog.ErrorContext(r.Context(), "failed to create client", logger.Error(err), logger.TenantID(tenantID))
		respondError(w, http.StatusInternalServerError, "failed to create client")
		return
	}

	resp := map[string]any{"client": client}
	if secret != "" {
		resp["client_secret"] = secret
	}
	respondJSON(w, http.StatusCreated, resp)
}

// ListClients lists a tenant's clients
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if !h.requirePermission(w, r, tenantID, permission.ResourceClients, "read") {
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	clients, err := h.oauth2Service.ListClients(r.Context(), tenantID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list clients")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

// GetClient returns a single client
func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	client, err := h.oauth2Service.GetClient(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		respondError(w, http.StatusNotFound, "client not found")
		return
	}
	if !h.requirePermission(w, r, client.TenantID, permission.ResourceClients, "read") {
		return
	}
	respondJSON(w, http.StatusOK, client)
}

// UpdateClientRequest carries mutable client fields
type UpdateClientRequest struct {
	ClientName    *string  `json:"client_name,omitempty"`
	ClientURI     *string  `json:"client_uri,omitempty"`
	RedirectURIs  []string `json:"redirect_uris,omitempty"`
	AllowedScopes []string `json:"allowed_scopes,omitempty"`
	Status        *string  `json:"status,omitempty"`
}

// UpdateClient updates a client's registration
func (h *Handler) UpdateClient(w http.ResponseWriter, r *http.Request) {
	client, err := h.oauth2Service.GetClient(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		respondError(w, http.StatusNotFound, "client not found")
		return
	}
	if !h.requirePermission(w, r, client.TenantID, permission.ResourceClients, "manage") {
		return
	}

	var req UpdateClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ClientName != nil {
		client.ClientName = *req.ClientName
	}
	if req.ClientURI != nil {
		client.ClientURI = *req.ClientURI
	}
	if req.RedirectURIs != nil {
		client.RedirectURIs = req.RedirectURIs
	}
	if req.AllowedScopes != nil {
		client.AllowedScopes = req.AllowedScopes
	}
	if req.Status != nil {
		client.Status = *req.Status
	}

	if err := h.oauth2Service.UpdateClient(r.Context(), client); err != nil {
		var oe *oauth2.Error
		if errors.As(err, &oe) {
			respondJSON(w, oe.HTTPStatus(), oe)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to update client")
		return
	}
	respondJSON(w, http.StatusOK, client)
}

// RevokeClient revokes a client and cascades to its issued tokens
func (h *Handler) RevokeClient(w http.ResponseWriter, r *http.Request) {
	client, err := h.oauth2Service.GetClient(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		respondError(w, http.StatusNotFound, "client not found")
		return
	}
	if !h.requirePermission(w, r, client.TenantID, permission.ResourceClients, "revoke") {
		return
	}

	if _, err := h.oauth2Service.RevokeClient(r.Context(), client.ClientID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to revoke client")
		return
	}

	revoked, err := h.tokenService.RevokeClientTokens(r.Context(), client.ClientID)
	if err != nil {
		slog.ErrorContext(r.Context(), "client token cascade failed", logger.Error(err), logger.ClientID(client.ClientID))
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"message":        "client revoked",
		"tokens_revoked": revoked,
	})
}

// RotateClientSecret issues a new secret for a confidential client. The
// old secret stops working immediately.
func (h *Handler) RotateClientSecret(w http.ResponseWriter, r *http.Request) {
	client, err := h.oauth2Service.GetClient(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		respondError(w, http.StatusNotFound, "client not found")
		return
	}
	if !h.requirePermission(w, r, client.TenantID, permission.ResourceClients, "manage") {
		return
	}

	secret, err := h.oauth2Service.RegenerateSecret(r.Context(), client.ClientID)
	if err != nil {
		var oe *oauth2.Error
		if errors.As(err, &oe) {
			respondJSON(w, oe.HTTPStatus(), oe)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to rotate secret")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"client_secret": secret})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
