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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/heimdall-iam/heimdall/internal/audit"
	"github.com/heimdall-iam/heimdall/internal/identity"
	"github.com/heimdall-iam/heimdall/internal/oauth2"
	"github.com/heimdall-iam/heimdall/internal/permission"
	"github.com/heimdall-iam/heimdall/internal/session"
	"github.com/heimdall-iam/heimdall/internal/tenant"
	"github.com/heimdall-iam/heimdall/internal/token"
)

const (
	testIssuer   = "https://auth.example.com"
	testPassword = "correct-horse-battery-staple-9"
	testRedirect = "https://app.example.com/callback"
)

type testEnv struct {
	router  http.Handler
	handler *Handler

	tokenService      *token.Service
	permissionService *permission.Service

	tenantID string
	userID   string

	// Confidential client created through the service, secret captured
	confClientID     string
	confClientSecret string

	// Public PKCE client seeded directly
	publicClientID string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	auditLogger := audit.NewSlogLogger()

	clients := newMemClients()
	codes := newMemCodes()
	consents := newMemConsents()
	tokens := newMemTokens()
	blacklist := newMemBlacklist()
	sessions := newMemSessions()
	users := newMemUsers()
	tenants := newMemTenants()
	grants := newMemGrants()
	permCache := newMemCache()

	keys, err := token.NewKeyManager()
	if err != nil {
		t.Fatalf("NewKeyManager() error = %v", err)
	}

	// Argon2 parameters are deliberately weak to keep the suite fast
	hasher := identity.NewPasswordHasher(8*1024, 1, 1, 16, 32)

	identityService := identity.NewService(users, hasher, auditLogger, 5, 15*time.Minute)
	tenantService := tenant.NewService(tenants, auditLogger, 10)
	sessionService := session.NewService(sessions, tenantService, auditLogger, session.Config{
		Lifetime:      time.Hour,
		IdleTimeout:   30 * time.Minute,
		SlidingExpiry: true,
		MaxConcurrent: 5,
	})
	oauth2Service := oauth2.NewService(clients, codes, consents, auditLogger, 10*time.Minute)
	tokenService := token.NewService(tokens, blacklist, keys, auditLogger, token.Config{
		Issuer:               testIssuer,
		Audience:             testIssuer,
		AccessTokenLifetime:  15 * time.Minute,
		RefreshTokenLifetime: 24 * time.Hour,
	}, nil)
	permissionService := permission.NewService(grants, tenants, permCache, auditLogger, permission.Config{
		CacheTTL:     5 * time.Second,
		MaxBulkGrant: 100,
	})

	h := NewHandler(identityService, sessionService, oauth2Service, tokenService,
		tenantService, permissionService, auditLogger, testIssuer, SessionConfig{})

	env := &testEnv{
		router:            NewRouter(h, NewRateLimiter(1000, 1000)),
		handler:           h,
		tokenService:      tokenService,
		permissionService: permissionService,
	}

	ctx := context.Background()

	root, err := tenantService.CreateTenant(ctx, "acme", "Acme Corp", "enterprise", nil)
	if err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	env.tenantID = root.ID

	user, err := identityService.ProvisionUser(ctx, root.ID, "alice@acme.test", "alice", identity.Profile{
		Name:   "Alice Smith",
		Locale: "en-US",
	})
	if err != nil {
		t.Fatalf("ProvisionUser() error = %v", err)
	}
	if err := identityService.AddPassword(ctx, user.ID, testPassword); err != nil {
		t.Fatalf("AddPassword() error = %v", err)
	}
	env.userID = user.ID

	confClient := &oauth2.Client{
		TenantID:      root.ID,
		ClientName:    "Acme Backend",
		RedirectURIs:  []string{testRedirect},
		AllowedScopes: []string{"openid", "profile", "email", "offline_access", "api:read"},
		IsTrusted:     true,
	}
	secret, err := oauth2Service.CreateClient(ctx, confClient)
	if err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}
	env.confClientID = confClient.ClientID
	env.confClientSecret = secret

	// A public PKCE client has no secret; the service always mints one,
	// so seed the repository directly.
	now := time.Now()
	publicClient := &oauth2.Client{
		ID:            uuid.NewString(),
		ClientID:      "hc_" + uuid.NewString(),
		TenantID:      root.ID,
		ClientName:    "Acme SPA",
		RedirectURIs:  []string{testRedirect},
		AllowedScopes: []string{"openid", "profile", "email", "offline_access"},
		RequirePKCE:   true,
		IsTrusted:     true,
		Status:        oauth2.ClientStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := clients.Create(ctx, publicClient); err != nil {
		t.Fatalf("seed public client: %v", err)
	}
	env.publicClientID = publicClient.ClientID

	return env
}

// grantAdmin gives the seeded user full management rights on the root tenant
func (env *testEnv) grantAdmin(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for resource, actions := range map[string][]string{
		permission.ResourceTenants: {"read", "create", "move", "delete"},
		permission.ResourceClients: {"read", "register", "manage", "revoke"},
		permission.ResourceUsers:   {"read", "invite", "manage", "deactivate"},
	} {
		// Going through the service rather than the repository keeps the
		// decision cache coherent with the new grants
		if _, err := env.permissionService.GrantPermission(ctx, env.userID, env.tenantID, resource, actions, "system"); err != nil {
			t.Fatalf("seed grant for %s: %v", resource, err)
		}
	}
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) doJSON(method, path string, body any, cookie *http.Cookie) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return env.do(req)
}

// login authenticates the seeded user and returns the session cookie
func (env *testEnv) login(t *testing.T) *http.Cookie {
	t.Helper()
	rec := env.doJSON(http.MethodPost, "/api/v1/auth/login", map[string]string{
		"tenant_slug": "acme",
		"email":       "alice@acme.test",
		"password":    testPassword,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == "heimdall_session" && c.Value != "" {
			return c
		}
	}
	t.Fatal("login response has no session cookie")
	return nil
}

// bearerToken mints an access token for the seeded user without going
// through the full authorization flow
func (env *testEnv) bearerToken(t *testing.T) string {
	t.Helper()
	pair, err := env.tokenService.GenerateTokenPair(context.Background(),
		env.confClientID, env.userID, env.tenantID, "openid profile email", "")
	if err != nil {
		t.Fatalf("GenerateTokenPair() error = %v", err)
	}
	return pair.AccessToken
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response body %q: %v", rec.Body.String(), err)
	}
	return body
}
