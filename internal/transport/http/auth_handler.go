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

	"github.com/go-chi/chi/v5"

	"github.com/heimdall-iam/heimdall/internal/identity"
	"github.com/heimdall-iam/heimdall/internal/observability/logger"
	"github.com/heimdall-iam/heimdall/internal/session"
)

// RegisterRequest represents registration data
type RegisterRequest struct {
	TenantSlug string `json:"tenant_slug"`
	Email      string `json:"email"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password"`
	Name       string `json:"name,omitempty"`
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := h.tenantService.GetTenantBySlug(r.Context(), req.TenantSlug)
	if err != nil {
		respondError(w, http.StatusBadRequest, "unknown tenant")
		return
	}

	user, err := h.identityService.ProvisionUser(r.Context(), t.ID, req.Email, req.Username, identity.Profile{Name: req.Name})
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrUserAlreadyExists):
			respondError(w, http.StatusConflict, "user already exists")
		case errors.Is(err, identity.ErrInvalidEmail):
			respondError(w, http.StatusBadRequest, "invalid email address")
		default:
			slog.ErrorContext(r.Context(), "failed to provision user", logger.Error(err))
			respondError(w, http.StatusInternalServerError, "failed to create user")
		}
		return
	}

	if err := h.identityService.AddPassword(r.Context(), user.ID, req.Password); err != nil {
		if errors.Is(err, identity.ErrWeakPassword) {
			respondError(w, http.StatusBadRequest, "password does not meet security requirements")
			return
		}
		slog.ErrorContext(r.Context(), "failed to set password", logger.Error(err), logger.UserID(user.ID))
		respondError(w, http.StatusInternalServerError, "failed to set password")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"user_id":   user.ID,
		"tenant_id": user.TenantID,
		"email":     user.Email,
	})
}

// LoginRequest represents login credentials
type LoginRequest struct {
	TenantSlug string `json:"tenant_slug"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceName string `json:"device_name,omitempty"`
}

// Login authenticates the user and opens a session. Authentication
// failures are uniform; lockout is the one state the caller may learn.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := h.tenantService.GetTenantBySlug(r.Context(), req.TenantSlug)
	if err != nil {
		// Uniform response: an unknown tenant must look like bad credentials
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	user, err := h.identityService.Authenticate(r.Context(), t.ID, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrAccountLocked) {
			respondError(w, http.StatusTooManyRequests, "account temporarily locked")
			return
		}
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	device := session.DeviceInfo{
		IPAddress:  getIPAddress(r),
		UserAgent:  r.UserAgent(),
		DeviceName: req.DeviceName,
	}
	sess, err := h.sessionService.Create(r.Context(), user.ID, user.TenantID, device)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to create session", logger.Error(err), logger.UserID(user.ID))
		respondError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	h.setSessionCookie(w, sess.ID, int(sess.ExpiresAt.Sub(sess.CreatedAt).Seconds()))

	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":    user.ID,
		"tenant_id":  user.TenantID,
		"email":      user.Email,
		"session_id": sess.ID,
		"expires_at": sess.ExpiresAt,
	})
}

// Logout destroys the current session
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID := GetSessionID(r.Context())
	if err := h.sessionService.Revoke(r.Context(), sessionID); err != nil {
		slog.WarnContext(r.Context(), "logout revoke failed", logger.Error(err), logger.SessionID(sessionID))
	}
	h.clearSessionCookie(w)

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "logged out",
	})
}

// GetCurrentUser returns the authenticated user identity
func (h *Handler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.identityService.GetUser(r.Context(), GetUserID(r.Context()))
	if err != nil {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":        user.ID,
		"tenant_id":      user.TenantID,
		"email":          user.Email,
		"email_verified": user.EmailVerified,
		"username":       user.Username,
		"profile":        user.Profile,
	})
}

// GetProfile returns the user profile
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	user, err := h.identityService.GetUser(r.Context(), GetUserID(r.Context()))
	if err != nil {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}
	respondJSON(w, http.StatusOK, user.Profile)
}

// UpdateProfile updates the user profile
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var profile identity.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.identityService.UpdateProfile(r.Context(), GetUserID(r.Context()), profile); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update profile")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "profile updated",
	})
}

// ChangePasswordRequest represents password change data
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// ChangePassword changes the user password
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.identityService.ChangePassword(r.Context(), GetUserID(r.Context()), req.OldPassword, req.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidCredentials):
			respondError(w, http.StatusUnauthorized, "invalid old password")
		case errors.Is(err, identity.ErrWeakPassword):
			respondError(w, http.StatusBadRequest, "new password does not meet security requirements")
		default:
			respondError(w, http.StatusInternalServerError, "failed to change password")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "password changed",
	})
}

// ListSessions returns the caller's active sessions, newest first
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessionService.ListActive(r.Context(), GetUserID(r.Context()))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	current := GetSessionID(r.Context())
	out := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, map[string]any{
			"session_id":     s.ID,
			"device_name":    s.Device.DeviceName,
			"ip_address":     s.Device.IPAddress,
			"user_agent":     s.Device.UserAgent,
			"created_at":     s.CreatedAt,
			"last_active_at": s.LastActiveAt,
			"expires_at":     s.ExpiresAt,
			"current":        s.ID == current,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// RevokeSession revokes one of the caller's sessions
func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	// A user may only revoke their own sessions
	sess, err := h.sessionService.ListActive(r.Context(), GetUserID(r.Context()))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to revoke session")
		return
	}
	owned := false
	for _, s := range sess {
		if s.ID == sessionID {
			owned = true
			break
		}
	}
	if !owned {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}

	if err := h.sessionService.Revoke(r.Context(), sessionID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to revoke session")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "session revoked"})
}

// RevokeAllSessions revokes every session of the caller, including the
// current one
func (h *Handler) RevokeAllSessions(w http.ResponseWriter, r *http.Request) {
	count, err := h.sessionService.RevokeAll(r.Context(), GetUserID(r.Context()))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to revoke sessions")
		return
	}
	h.clearSessionCookie(w)
	respondJSON(w, http.StatusOK, map[string]any{"revoked": count})
}
