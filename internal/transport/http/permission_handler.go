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
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdall-iam/heimdall/internal/permission"
)

// CheckPermissionRequest asks whether a user may act on a resource type
// at a tenant
type CheckPermissionRequest struct {
	UserID       string            `json:"user_id"`
	TenantID     string            `json:"tenant_id"`
	ResourceType string            `json:"resource_type"`
	Action       string            `json:"action"`
	Context      map[string]string `json:"context,omitempty"`
}

// CheckPermission evaluates a permission decision. The caller needs read
// access to the users resource at the target tenant.
func (h *Handler) CheckPermission(w http.ResponseWriter, r *http.Request) {
	var req CheckPermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.requirePermission(w, r, req.TenantID, permission.ResourceUsers, "read") {
		return
	}

	decision, err := h.permissionService.HasPermission(r.Context(), req.UserID, req.TenantID, req.ResourceType, req.Action, req.Context)
	if err != nil {
		// The engine fails closed; surface the deny without detail
		respondJSON(w, http.StatusOK, map[string]any{"allowed": false})
		return
	}

	out := map[string]any{
		"allowed": decision.Allowed,
		"source":  decision.Source,
	}
	if decision.SourceTenantID != "" {
		out["source_tenant_id"] = decision.SourceTenantID
	}
	respondJSON(w, http.StatusOK, out)
}

// GrantPermissionRequest creates or widens a grant
type GrantPermissionRequest struct {
	UserID       string            `json:"user_id"`
	TenantID     string            `json:"tenant_id"`
	ResourceType string            `json:"resource_type"`
	Actions      []string          `json:"actions"`
	Conditions   map[string]string `json:"conditions,omitempty"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
}

// GrantPermission grants actions on a resource type to a user at a tenant
func (h *Handler) GrantPermission(w http.ResponseWriter, r *http.Request) {
	var req GrantPermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.requirePermission(w, r, req.TenantID, permission.ResourceUsers, "manage") {
		return
	}

	grantedBy := GetUserID(r.Context())
	var grant *permission.Grant
	var err error
	switch {
	case len(req.Conditions) > 0:
		grant, err = h.permissionService.GrantPermissionWithConditions(r.Context(), req.UserID, req.TenantID, req.ResourceType, req.Actions, req.Conditions, grantedBy)
	case req.ExpiresAt != nil:
		grant, err = h.permissionService.GrantPermissionWithExpiry(r.Context(), req.UserID, req.TenantID, req.ResourceType, req.Actions, *req.ExpiresAt, grantedBy)
	default:
		grant, err = h.permissionService.GrantPermission(r.Context(), req.UserID, req.TenantID, req.ResourceType, req.Actions, grantedBy)
	}
	if err != nil {
		h.respondPermissionError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, grant)
}

// BulkGrantBody wraps the entries of a bulk grant
type BulkGrantBody struct {
	Grants []struct {
		UserID       string   `json:"user_id"`
		TenantID     string   `json:"tenant_id"`
		ResourceType string   `json:"resource_type"`
		Actions      []string `json:"actions"`
	} `json:"grants"`
}

// BulkGrantPermissions grants a batch atomically
func (h *Handler) BulkGrantPermissions(w http.ResponseWriter, r *http.Request) {
	var body BulkGrantBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reqs := make([]permission.BulkGrantRequest, 0, len(body.Grants))
	seen := make(map[string]bool)
	for _, g := range body.Grants {
		if !seen[g.TenantID] {
			if !h.requirePermission(w, r, g.TenantID, permission.ResourceUsers, "manage") {
				return
			}
			seen[g.TenantID] = true
		}
		reqs = append(reqs, permission.BulkGrantRequest{
			UserID:       g.UserID,
			TenantID:     g.TenantID,
			ResourceType: g.ResourceType,
			Actions:      g.Actions,
		})
	}

	grants, err := h.permissionService.BulkGrantPermissions(r.Context(), reqs, GetUserID(r.Context()))
	if err != nil {
		h.respondPermissionError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"granted": len(grants)})
}

// RevokePermissionRequest narrows or removes a grant
type RevokePermissionRequest struct {
	UserID       string   `json:"user_id"`
	TenantID     string   `json:"tenant_id"`
	ResourceType string   `json:"resource_type"`
	Actions      []string `json:"actions,omitempty"`
}

// RevokePermission removes actions from a grant, or the whole grant when
// no actions remain
func (h *Handler) RevokePermission(w http.ResponseWriter, r *http.Request) {
	var req RevokePermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.requirePermission(w, r, req.TenantID, permission.ResourceUsers, "manage") {
		return
	}

	result, err := h.permissionService.RevokePermission(r.Context(), req.UserID, req.TenantID, req.ResourceType, req.Actions, GetUserID(r.Context()))
	if err != nil {
		h.respondPermissionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ListEffectivePermissions returns a user's direct and inherited grants
// at a tenant
func (h *Handler) ListEffectivePermissions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	tenantID := chi.URLParam(r, "tenantID")
	if !h.requirePermission(w, r, tenantID, permission.ResourceUsers, "read") {
		return
	}

	grants, err := h.permissionService.GetInheritedPermissions(r.Context(), userID, tenantID)
	if err != nil {
		h.respondPermissionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

func (h *Handler) respondPermissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, permission.ErrGrantNotFound):
		respondError(w, http.StatusNotFound, "grant not found")
	case errors.Is(err, permission.ErrInvalidResource), errors.Is(err, permission.ErrInvalidAction),
		errors.Is(err, permission.ErrEmptyActions), errors.Is(err, permission.ErrExpiryInPast):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, permission.ErrBatchTooLarge):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "permission operation failed")
	}
}
