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

package identity

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/heimdall-iam/heimdall/internal/audit"
	"github.com/heimdall-iam/heimdall/internal/oauth2"
	"github.com/heimdall-iam/heimdall/internal/permission"
	"github.com/heimdall-iam/heimdall/internal/tenant"
)

const (
	EnvBootstrapAdminEmail  = "BOOTSTRAP_ADMIN_EMAIL"
	EnvBootstrapTenantSlug  = "BOOTSTRAP_TENANT_SLUG"
	EnvBootstrapAdminPasswd = "BOOTSTRAP_ADMIN_PASSWORD"
	EnvBootstrapClientName  = "BOOTSTRAP_CLIENT_NAME"
	EnvBootstrapRedirectURI = "BOOTSTRAP_CLIENT_REDIRECT_URI"
)

// BootstrapService seeds the first tenant, administrator, and optionally
// a first-party OAuth client on an empty deployment. It is a no-op
// unless BOOTSTRAP_ADMIN_EMAIL is set, and idempotent when the admin
// already exists.
type BootstrapService struct {
	identity    *Service
	tenants     *tenant.Service
	permissions *permission.Service
	clients     *oauth2.Service
	auditLogger audit.Logger
}

// NewBootstrapService creates a new bootstrap service. clients may be
// nil, which disables client seeding.
func NewBootstrapService(identity *Service, tenants *tenant.Service, permissions *permission.Service, clients *oauth2.Service, auditLogger audit.Logger) *BootstrapService {
	return &BootstrapService{
		identity:    identity,
		tenants:     tenants,
		permissions: permissions,
		clients:     clients,
		auditLogger: auditLogger,
	}
}

// Bootstrap checks for bootstrap configuration and executes it if needed
func (s *BootstrapService) Bootstrap(ctx context.Context) error {
	email := os.Getenv(EnvBootstrapAdminEmail)
	if email == "" {
		return nil
	}
	slug := os.Getenv(EnvBootstrapTenantSlug)
	if slug == "" {
		slug = tenant.DefaultTenantID
	}
	password := os.Getenv(EnvBootstrapAdminPasswd)

	root, err := s.tenants.GetTenantBySlug(ctx, slug)
	if err != nil {
		root, err = s.tenants.CreateTenant(ctx, slug, slug, tenant.PlanEnterprise, nil)
		if err != nil {
			return fmt.Errorf("failed to create bootstrap tenant: %w", err)
		}
	}

	if existing, err := s.identity.GetByEmail(ctx, root.ID, email); err == nil && existing != nil {
		return nil
	}

	user, err := s.identity.ProvisionUser(ctx, root.ID, email, "admin", Profile{Name: "Administrator"})
	if err != nil {
		return fmt.Errorf("failed to provision bootstrap admin: %w", err)
	}
	if password != "" {
		if err := s.identity.AddPassword(ctx, user.ID, password); err != nil {
			return fmt.Errorf("failed to set bootstrap password: %w", err)
		}
	}

	// Full grant on every registered resource type at the root tenant
	for _, resourceType := range []string{
		permission.ResourceDocuments,
		permission.ResourceProjects,
		permission.ResourceUsers,
		permission.ResourceClients,
		permission.ResourceTenants,
		permission.ResourceReports,
		permission.ResourceSettings,
	} {
		if _, err := s.permissions.GrantPermission(ctx, user.ID, root.ID, resourceType,
			permission.ActionsFor(resourceType), "system:bootstrap"); err != nil {
			return fmt.Errorf("failed to grant %s to bootstrap admin: %w", resourceType, err)
		}
	}

	slog.InfoContext(ctx, "bootstrapped initial administrator",
		slog.String("email", email), slog.String("tenant", root.ID))

	if err := s.seedClient(ctx, root.ID, user.ID); err != nil {
		return err
	}
	return nil
}

// seedClient registers a first-party confidential client so the first
// access token does not require one to already exist. The secret is
// printed exactly once; it is not recoverable afterwards.
func (s *BootstrapService) seedClient(ctx context.Context, tenantID, ownerID string) error {
	name := os.Getenv(EnvBootstrapClientName)
	if name == "" || s.clients == nil {
		return nil
	}
	redirectURI := os.Getenv(EnvBootstrapRedirectURI)
	if redirectURI == "" {
		redirectURI = "http://localhost:3000/callback"
	}

	client := &oauth2.Client{
		TenantID:      tenantID,
		ClientName:    name,
		RedirectURIs:  []string{redirectURI},
		AllowedScopes: []string{"openid", "profile", "email", "offline_access"},
		IsTrusted:     true,
		OwnerID:       ownerID,
	}
	secret, err := s.clients.CreateClient(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to seed bootstrap client: %w", err)
	}

	fmt.Printf("bootstrap client_id=%s client_secret=%s\n", client.ClientID, secret)
	slog.InfoContext(ctx, "bootstrapped first-party client",
		slog.String("client_id", client.ClientID), slog.String("tenant", tenantID))
	return nil
}
