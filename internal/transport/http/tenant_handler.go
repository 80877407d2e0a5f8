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

	"github.com/go-chi/chi/v5"

	"github.com/heimdall-iam/heimdall/internal/permission"
	"github.com/heimdall-iam/heimdall/internal/tenant"
)

// CreateTenantRequest carries the parameters for a new tenant
type CreateTenantRequest struct {
	Slug     string  `json:"slug"`
	Name     string  `json:"name"`
	Plan     string  `json:"plan,omitempty"`
	ParentID *string `json:"parent_id,omitempty"`
}

// CreateTenant creates a tenant, optionally under a parent. Creating a
// child needs the create action at the parent; creating a root needs it
// at the caller's own tenant.
func (h *Handler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	scopeTenant := GetTenantID(r.Context())
	if req.ParentID != nil {
		scopeTenant = *req.ParentID
	}
	if !h.requirePermission(w, r, scopeTenant, permission.ResourceTenants, "create") {
		return
	}

	t, err := h.tenantService.CreateTenant(r.Context(), req.Slug, req.Name, req.Plan, req.ParentID)
	if err != nil {
		h.respondTenantError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

// GetTenant returns a tenant by ID
func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if !h.requirePermission(w, r, tenantID, permission.ResourceTenants, "read") {
		return
	}

	t, err := h.tenantService.GetTenant(r.Context(), tenantID)
	if err != nil {
		h.respondTenantError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// ListTenants lists tenants in path order
func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	if !h.requirePermission(w, r, GetTenantID(r.Context()), permission.ResourceTenants, "read") {
		return
	}

	tenants, err := h.tenantService.ListTenants(r.Context(), queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tenants")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

// ListTenantChildren returns a tenant's direct children
func (h *Handler) ListTenantChildren(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if !h.requirePermission(w, r, tenantID, permission.ResourceTenants, "read") {
		return
	}

	children, err := h.tenantService.ListChildren(r.Context(), tenantID)
	if err != nil {
		h.respondTenantError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"children": children})
}

// UpdateTenantRequest carries mutable tenant fields
type UpdateTenantRequest struct {
	Name   *string `json:"name,omitempty"`
	Plan   *string `json:"plan,omitempty"`
	Status *string `json:"status,omitempty"`
}

// UpdateTenant updates name, plan, or status
func (h *Handler) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if !h.requirePermission(w, r, tenantID, permission.ResourceTenants, "create") {
		return
	}

	var req UpdateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := h.tenantService.UpdateTenant(r.Context(), tenantID, req.Name, req.Plan, req.Status)
	if err != nil {
		h.respondTenantError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// MoveTenantRequest names the new parent; nil makes the tenant a root
type MoveTenantRequest struct {
	NewParentID *string `json:"new_parent_id"`
}

// MoveTenant reparents a subtree. Cycle and depth violations reject the
// whole move before any path is rewritten.
func (h *Handler) MoveTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if !h.requirePermission(w, r, tenantID, permission.ResourceTenants, "move") {
		return
	}

	var req MoveTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.NewParentID != nil {
		if !h.requirePermission(w, r, *req.NewParentID, permission.ResourceTenants, "move") {
			return
		}
	}

	t, err := h.tenantService.MoveTenant(r.Context(), tenantID, req.NewParentID)
	if err != nil {
		h.respondTenantError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// DeleteTenant deletes a leaf tenant
func (h *Handler) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if !h.requirePermission(w, r, tenantID, permission.ResourceTenants, "delete") {
		return
	}

	if err := h.tenantService.DeleteTenant(r.Context(), tenantID); err != nil {
		h.respondTenantError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "tenant deleted"})
}

func (h *Handler) respondTenantError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound):
		respondError(w, http.StatusNotFound, "tenant not found")
	case errors.Is(err, tenant.ErrDuplicateSlug):
		respondError(w, http.StatusConflict, "slug already in use")
	case errors.Is(err, tenant.ErrCycleDetected):
		respondError(w, http.StatusConflict, "move would create a cycle")
	case errors.Is(err, tenant.ErrDepthExceeded):
		respondError(w, http.StatusUnprocessableEntity, "hierarchy depth limit exceeded")
	case errors.Is(err, tenant.ErrHasChildren):
		respondError(w, http.StatusConflict, "tenant has children")
	case errors.Is(err, tenant.ErrVersionConflict):
		respondError(w, http.StatusConflict, "concurrent modification, retry")
	default:
		respondError(w, http.StatusBadRequest, err.Error())
	}
}
