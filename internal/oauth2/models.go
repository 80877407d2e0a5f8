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

package oauth2

import (
	"context"
	"errors"
	"time"
)

// Domain errors (Internal)
var (
	ErrClientNotFound      = errors.New("client not found")
	ErrClientAlreadyExists = errors.New("client already exists")
	ErrClientInactive      = errors.New("client is not active")
	ErrCodeNotFound        = errors.New("authorization code not found")
	// ErrInvalidCode is deliberately the only error returned to callers of
	// ValidateAndConsumeCode. Distinguishing expired/used/mismatched codes
	// would give attackers a validity oracle.
	ErrInvalidCode      = errors.New("invalid authorization code")
	ErrConsentNotFound  = errors.New("consent not found")
	ErrDomainBadRequest = errors.New("invalid request")
)

// Client status values
const (
	ClientStatusActive    = "active"
	ClientStatusSuspended = "suspended"
	ClientStatusRevoked   = "revoked"
)

// PKCE code challenge methods (RFC 7636 Section 4.2)
const (
	ChallengeMethodS256  = "S256"
	ChallengeMethodPlain = "plain"
)

// Client represents a registered OAuth2 client application
type Client struct {
	ID               string     `json:"id"`
	ClientID         string     `json:"client_id"`
	TenantID         string     `json:"tenant_id"`
	ClientSecretHash string     `json:"-"`
	ClientName       string     `json:"client_name"`
	ClientURI        string     `json:"client_uri,omitempty"`
	RedirectURIs     []string   `json:"redirect_uris"`
	AllowedScopes    []string   `json:"allowed_scopes"`
	RequirePKCE      bool       `json:"require_pkce"`
	RequireConsent   bool       `json:"require_consent"`
	IsTrusted        bool       `json:"is_trusted"`
	Status           string     `json:"status"`
	OwnerID          string     `json:"owner_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

// IsActive reports whether the client may participate in any flow.
// Suspended and revoked clients fail fast everywhere.
func (c *Client) IsActive() bool {
	return c.Status == ClientStatusActive && c.DeletedAt == nil
}

// ValidateRedirectURI checks the redirect URI against the registered set.
// Matching is exact; no prefix or wildcard matching (open-redirect prevention).
func (c *Client) ValidateRedirectURI(redirectURI string) bool {
	for _, uri := range c.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

// AllowsScopes checks that every requested scope is registered for the client
func (c *Client) AllowsScopes(requested []string) bool {
	for _, reqScope := range requested {
		allowed := false
		for _, allowedScope := range c.AllowedScopes {
			if allowedScope == reqScope {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return true
}

// AuthorizationCode represents a short-lived, single-use authorization code
type AuthorizationCode struct {
	ID                  string
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	UsedAt              *time.Time
	CreatedAt           time.Time
}

// IsExpired checks if the authorization code has expired
func (a *AuthorizationCode) IsExpired() bool {
	return time.Now().After(a.ExpiresAt)
}

// ConsentRecord represents a user's standing decision to let a client hold
// a scope set. A request whose scopes are a subset of GrantedScopes needs
// no new prompt.
type ConsentRecord struct {
	ID            string
	UserID        string
	ClientID      string
	GrantedScopes []string
	GrantedAt     time.Time
	UpdatedAt     time.Time
	RevokedAt     *time.Time
}

// Covers reports whether this consent covers all requested scopes
func (c *ConsentRecord) Covers(requested []string) bool {
	if c.RevokedAt != nil {
		return false
	}
	for _, scope := range requested {
		found := false
		for _, granted := range c.GrantedScopes {
			if granted == scope {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ClientRepository defines the interface for OAuth2 client persistence
type ClientRepository interface {
	Create(ctx context.Context, client *Client) error
	GetByClientID(ctx context.Context, clientID string) (*Client, error)
	GetByID(ctx context.Context, id string) (*Client, error)
	Update(ctx context.Context, client *Client) error

	// Revoke soft-deletes a client and marks it revoked. Token and code
	// cascade is handled by the callers that own those tables.
	Revoke(ctx context.Context, id string) error

	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*Client, error)
}

// AuthorizationCodeRepository defines the interface for code persistence
type AuthorizationCodeRepository interface {
	Create(ctx context.Context, code *AuthorizationCode) error
	GetByCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// Consume marks the code used with a single conditional write
	// (UPDATE .. WHERE used_at IS NULL). Exactly one concurrent caller
	// wins; the rest get ErrCodeNotFound.
	Consume(ctx context.Context, code string, usedAt time.Time) error

	// DeleteExpired removes codes past expiry, used or not, and returns
	// the number deleted. Used codes inside their lifetime are retained
	// for audit.
	DeleteExpired(ctx context.Context) (int64, error)
}

// ConsentRepository defines the interface for consent persistence
type ConsentRepository interface {
	Upsert(ctx context.Context, consent *ConsentRecord) error
	GetByUserAndClient(ctx context.Context, userID, clientID string) (*ConsentRecord, error)
	Delete(ctx context.Context, userID, clientID string) error
}
