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
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/heimdall-iam/heimdall/internal/audit"
	"github.com/heimdall-iam/heimdall/internal/identity"
	"github.com/heimdall-iam/heimdall/internal/oauth2"
	"github.com/heimdall-iam/heimdall/internal/oidc"
	"github.com/heimdall-iam/heimdall/internal/permission"
	"github.com/heimdall-iam/heimdall/internal/provider"
	"github.com/heimdall-iam/heimdall/internal/session"
	"github.com/heimdall-iam/heimdall/internal/tenant"
	"github.com/heimdall-iam/heimdall/internal/token"
)

// Handler holds HTTP handlers and dependencies
type Handler struct {
	identityService   *identity.Service
	sessionService    *session.Service
	oauth2Service     *oauth2.Service
	tokenService      *token.Service
	tenantService     *tenant.Service
	permissionService *permission.Service
	auditLogger       audit.Logger
	discovery         oidc.DiscoveryMetadata
	sessionConfig     SessionConfig
	providers         map[string]provider.OAuthProvider
}

// SessionConfig holds session cookie configuration
type SessionConfig struct {
	CookieName     string
	CookieDomain   string
	CookiePath     string
	CookieSecure   bool
	CookieHTTPOnly bool
	CookieSameSite http.SameSite
}

// NewHandler creates a new HTTP handler
func NewHandler(
	identityService *identity.Service,
	sessionService *session.Service,
	oauth2Service *oauth2.Service,
	tokenService *token.Service,
	tenantService *tenant.Service,
	permissionService *permission.Service,
	auditLogger audit.Logger,
	issuer string,
	sessionConfig SessionConfig,
) *Handler {
	if sessionConfig.CookieName == "" {
		sessionConfig.CookieName = "heimdall_session"
	}
	if sessionConfig.CookiePath == "" {
		sessionConfig.CookiePath = "/"
	}
	return &Handler{
		identityService:   identityService,
		sessionService:    sessionService,
		oauth2Service:     oauth2Service,
		tokenService:      tokenService,
		tenantService:     tenantService,
		permissionService: permissionService,
		auditLogger:       auditLogger,
		discovery:         oidc.NewDiscoveryMetadata(issuer),
		sessionConfig:     sessionConfig,
	}
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, rateLimiter *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RateLimitMiddleware(rateLimiter))
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.HealthCheck)

	// Discovery is served under both well-known names so plain OAuth2
	// clients and OIDC clients find the same document (RFC 8414, OIDC
	// Discovery Section 4).
	r.Get("/.well-known/openid-configuration", h.Discovery)
	r.Get("/.well-known/oauth-authorization-server", h.Discovery)
	r.Get("/jwks.json", h.JWKS)

	r.Route("/oauth2", func(r chi.Router) {
		// Authorize needs a logged-in user; the session middleware maps
		// cookie to user context (RFC 6749 Section 4.1.1)
		r.With(h.SessionMiddleware).Get("/authorize", h.Authorize)
		r.With(h.SessionMiddleware).Post("/authorize", h.ApproveAuthorize)

		r.Post("/token", h.Token)
		r.Post("/introspect", h.Introspect)
		r.Post("/revoke", h.Revoke)
		r.Get("/userinfo", h.Userinfo)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)

		r.Get("/auth/federated/{provider}", h.FederatedLogin)
		r.Get("/auth/federated/{provider}/callback", h.FederatedCallback)

		// Session-authenticated account endpoints
		r.Group(func(r chi.Router) {
			r.Use(h.SessionMiddleware)

			r.Post("/auth/logout", h.Logout)
			r.Get("/auth/me", h.GetCurrentUser)

			r.Get("/user/profile", h.GetProfile)
			r.Put("/user/profile", h.UpdateProfile)
			r.Post("/user/change-password", h.ChangePassword)

			r.Get("/sessions", h.ListSessions)
			r.Delete("/sessions/{sessionID}", h.RevokeSession)
			r.Delete("/sessions", h.RevokeAllSessions)
		})

		// Bearer-authenticated management endpoints; fine-grained access
		// comes from the permission engine, not the transport.
		r.Group(func(r chi.Router) {
			r.Use(h.BearerMiddleware)

			r.Route("/tenants", func(r chi.Router) {
				r.Post("/", h.CreateTenant)
				r.Get("/", h.ListTenants)
				r.Route("/{tenantID}", func(r chi.Router) {
					r.Get("/", h.GetTenant)
					r.Patch("/", h.UpdateTenant)
					r.Delete("/", h.DeleteTenant)
					r.Get("/children", h.ListTenantChildren)
					r.Post("/move", h.MoveTenant)

					r.Post("/clients", h.RegisterClient)
					r.Get("/clients", h.ListClients)
				})
			})

			r.Route("/clients/{clientID}", func(r chi.Router) {
				r.Get("/", h.GetClient)
				r.Patch("/", h.UpdateClient)
				r.Delete("/", h.RevokeClient)
				r.Post("/rotate-secret", h.RotateClientSecret)
			})

			r.Route("/permissions", func(r chi.Router) {
				r.Post("/check", h.CheckPermission)
				r.Post("/grants", h.GrantPermission)
				r.Post("/grants/bulk", h.BulkGrantPermissions)
				r.Delete("/grants", h.RevokePermission)
				r.Get("/users/{userID}/tenants/{tenantID}", h.ListEffectivePermissions)
			})
		})
	})

	return r
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "heimdall",
	})
}

// Discovery returns the provider metadata (OIDC Discovery Section 4)
func (h *Handler) Discovery(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.discovery)
}

// JWKS returns the JSON Web Key Set (RFC 7517)
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	set, err := h.tokenService.Keys().JWKS()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to build key set")
		return
	}
	respondJSON(w, http.StatusOK, set)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

func getIPAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
