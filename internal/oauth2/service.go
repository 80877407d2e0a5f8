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
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/heimdall-iam/heimdall/internal/audit"
	"github.com/heimdall-iam/heimdall/internal/observability/logger"
)

// scopePattern restricts scope tokens to a safe vocabulary (RFC 6749 Section 3.3
// allows more, but anything outside this set is rejected before it reaches storage).
var scopePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Service provides authorization-server and client-registry business logic
type Service struct {
	clientRepo  ClientRepository
	codeRepo    AuthorizationCodeRepository
	consentRepo ConsentRepository
	auditLogger audit.Logger

	authCodeLifetime time.Duration
}

// NewService creates a new authorization server service
func NewService(
	clientRepo ClientRepository,
	codeRepo AuthorizationCodeRepository,
	consentRepo ConsentRepository,
	auditLogger audit.Logger,
	authCodeLifetime time.Duration,
) *Service {
	if authCodeLifetime <= 0 {
		authCodeLifetime = 10 * time.Minute
	}
	return &Service{
		clientRepo:       clientRepo,
		codeRepo:         codeRepo,
		consentRepo:      consentRepo,
		auditLogger:      auditLogger,
		authCodeLifetime: authCodeLifetime,
	}
}

// AuthorizeRequest represents an OAuth2 authorization request (RFC 6749 Section 4.1.1)
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Scopes returns the space-separated scope parameter split into tokens
func (r *AuthorizeRequest) Scopes() []string {
	return strings.Fields(r.Scope)
}

// ValidateAuthorizeRequest validates an authorization request and resolves
// the client. Protocol violations are rejected before any state mutation.
func (s *Service) ValidateAuthorizeRequest(ctx context.Context, req *AuthorizeRequest) (*Client, error) {
	client, err := s.clientRepo.GetByClientID(ctx, req.ClientID)
	if err != nil {
		return nil, NewError(ErrInvalidRequest, "invalid client_id").WithoutRedirect()
	}

	if !client.IsActive() {
		return nil, NewError(ErrInvalidRequest, "client is not active").WithoutRedirect()
	}

	// Redirect URI must match a registered URI exactly (RFC 6749 Section 3.1.2).
	// Checked before anything that could cause a redirect.
	if !client.ValidateRedirectURI(req.RedirectURI) {
		return nil, NewError(ErrInvalidRequest, "invalid redirect_uri").WithoutRedirect()
	}

	if req.ResponseType != "code" {
		return nil, NewError(ErrUnsupportedGrantType, "response_type must be 'code'")
	}

	// State binds the callback to the initiating user agent (CSRF).
	if req.State == "" {
		return nil, NewError(ErrInvalidRequest, "state is required")
	}

	scopes := req.Scopes()
	for _, scope := range scopes {
		if !scopePattern.MatchString(scope) {
			return nil, NewError(ErrInvalidScope, "malformed scope value")
		}
	}
	if !client.AllowsScopes(scopes) {
		return nil, NewError(ErrInvalidScope, "scope not allowed for client")
	}

	// PKCE (RFC 7636). Clients that require PKCE must name the method
	// explicitly; an omitted method would silently downgrade to plain.
	if req.CodeChallenge != "" {
		method := req.CodeChallengeMethod
		if method == "" && client.RequirePKCE {
			return nil, NewError(ErrInvalidRequest, "code_challenge_method is required for this client")
		}
		if method != "" && method != ChallengeMethodPlain && method != ChallengeMethodS256 {
			return nil, NewError(ErrInvalidRequest, "transform algorithm not supported")
		}
	} else if client.RequirePKCE {
		return nil, NewError(ErrInvalidRequest, "code_challenge is required for this client")
	}

	return client, nil
}

// CheckConsent returns the stored consent covering the requested scopes, or
// nil when a new prompt is needed
func (s *Service) CheckConsent(ctx context.Context, userID, clientID string, scopes []string) (*ConsentRecord, error) {
	consent, err := s.consentRepo.GetByUserAndClient(ctx, userID, clientID)
	if err != nil {
		if err == ErrConsentNotFound {
			return nil, nil
		}
		return nil, err
	}
	if !consent.Covers(scopes) {
		return nil, nil
	}
	return consent, nil
}

// RecordUserConsent stores or widens a user's consent for a client
func (s *Service) RecordUserConsent(ctx context.Context, userID, clientID string, scopes []string) error {
	now := time.Now()
	consent := &ConsentRecord{
		ID:            uuid.NewString(),
		UserID:        userID,
		ClientID:      clientID,
		GrantedScopes: scopes,
		GrantedAt:     now,
		UpdatedAt:     now,
	}

	if existing, err := s.consentRepo.GetByUserAndClient(ctx, userID, clientID); err == nil {
		consent.ID = existing.ID
		consent.GrantedAt = existing.GrantedAt
		consent.GrantedScopes = mergeScopes(existing.GrantedScopes, scopes)
	}

	if err := s.consentRepo.Upsert(ctx, consent); err != nil {
		return err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeConsentGranted,
		ActorID:  userID,
		Resource: clientID,
		Metadata: map[string]any{"scopes": scopes},
	})
	return nil
}

// RevokeUserConsent deletes a user's consent for a client. Already-issued
// tokens are untouched; revoking consent only affects future authorizations.
func (s *Service) RevokeUserConsent(ctx context.Context, userID, clientID string) error {
	if err := s.consentRepo.Delete(ctx, userID, clientID); err != nil {
		return err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeConsentRevoked,
		ActorID:  userID,
		Resource: clientID,
	})
	return nil
}

// GenerateAuthorizationCode mints and persists a single-use code bound to
// the request's PKCE challenge
func (s *Service) GenerateAuthorizationCode(ctx context.Context, req *AuthorizeRequest, userID string) (*AuthorizationCode, error) {
	code := &AuthorizationCode{
		ID:                  uuid.NewString(),
		Code:                generateAuthorizationCode(),
		ClientID:            req.ClientID,
		UserID:              userID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           time.Now().Add(s.authCodeLifetime),
		CreatedAt:           time.Now(),
	}

	if err := s.codeRepo.Create(ctx, code); err != nil {
		return nil, NewError(ErrServerError, "failed to persist authorization code")
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeCodeIssued,
		TenantID: "",
		ActorID:  userID,
		Resource: req.ClientID,
		Metadata: map[string]any{"scope": req.Scope},
	})

	return code, nil
}

// ValidateAndConsumeCode validates an authorization code and atomically
// marks it used. All failures collapse into ErrInvalidCode; the detail is
// logged server-side only.
func (s *Service) ValidateAndConsumeCode(ctx context.Context, codeStr, clientID, redirectURI, codeVerifier string) (*AuthorizationCode, error) {
	code, err := s.codeRepo.GetByCode(ctx, codeStr)
	if err != nil {
		slog.DebugContext(ctx, "code lookup failed", logger.ClientID(clientID), logger.Error(err))
		return nil, ErrInvalidCode
	}

	if code.IsExpired() {
		slog.InfoContext(ctx, "expired authorization code presented", logger.ClientID(clientID))
		return nil, ErrInvalidCode
	}
	if code.UsedAt != nil {
		slog.WarnContext(ctx, "used authorization code re-presented", logger.ClientID(clientID))
		return nil, ErrInvalidCode
	}
	if code.ClientID != clientID {
		slog.WarnContext(ctx, "authorization code client mismatch", logger.ClientID(clientID))
		return nil, ErrInvalidCode
	}
	if code.RedirectURI != redirectURI {
		slog.WarnContext(ctx, "authorization code redirect_uri mismatch", logger.ClientID(clientID))
		return nil, ErrInvalidCode
	}

	if code.CodeChallenge != "" {
		if !verifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, codeVerifier) {
			slog.WarnContext(ctx, "PKCE verification failed", logger.ClientID(clientID))
			return nil, ErrInvalidCode
		}
	}

	// Single conditional write: concurrent consumers race here and exactly
	// one wins.
	usedAt := time.Now()
	if err := s.codeRepo.Consume(ctx, codeStr, usedAt); err != nil {
		slog.WarnContext(ctx, "code consumption lost race or failed", logger.ClientID(clientID), logger.Error(err))
		return nil, ErrInvalidCode
	}
	code.UsedAt = &usedAt

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeCodeConsumed,
		ActorID:  code.UserID,
		Resource: clientID,
		Metadata: map[string]any{"scope": code.Scope},
	})

	return code, nil
}

// verifyPKCE compares the stored challenge against the presented verifier
// (RFC 7636 Section 4.6). Both methods use constant-time equality.
func verifyPKCE(challenge, method, verifier string) bool {
	if verifier == "" {
		return false
	}

	switch method {
	case ChallengeMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(hash[:])
		return subtle.ConstantTimeCompare([]byte(challenge), []byte(computed)) == 1
	case ChallengeMethodPlain, "":
		return subtle.ConstantTimeCompare([]byte(challenge), []byte(verifier)) == 1
	default:
		return false
	}
}

// ValidateClientCredentials authenticates a client (RFC 6749 Section 3.2.1)
func (s *Service) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) (*Client, error) {
	client, err := s.clientRepo.GetByClientID(ctx, clientID)
	if err != nil {
		return nil, NewError(ErrInvalidClient, "invalid client credentials")
	}

	if !client.IsActive() {
		return nil, NewError(ErrInvalidClient, "invalid client credentials")
	}

	// Public clients carry no secret
	if client.ClientSecretHash == "" {
		return client, nil
	}

	secretHash := hashClientSecret(clientSecret)
	if subtle.ConstantTimeCompare([]byte(secretHash), []byte(client.ClientSecretHash)) != 1 {
		return nil, NewError(ErrInvalidClient, "invalid client credentials")
	}

	return client, nil
}

// CleanupExpiredCodes deletes codes past expiry and returns the count removed
func (s *Service) CleanupExpiredCodes(ctx context.Context) (int64, error) {
	return s.codeRepo.DeleteExpired(ctx)
}

// CreateClient registers a new OAuth2 client. The plaintext secret is
// returned exactly once.
func (s *Service) CreateClient(ctx context.Context, client *Client) (secret string, err error) {
	if client.ClientName == "" {
		return "", NewError(ErrInvalidRequest, "client_name is required")
	}
	if len(client.RedirectURIs) == 0 {
		return "", NewError(ErrInvalidRequest, "at least one redirect_uri is required")
	}
	for _, scope := range client.AllowedScopes {
		if !scopePattern.MatchString(scope) {
			return "", NewError(ErrInvalidScope, "malformed scope value")
		}
	}

	if client.ID == "" {
		client.ID = uuid.NewString()
	}
	if client.ClientID == "" {
		client.ClientID = generateClientID()
	}
	client.Status = ClientStatusActive

	secret = generateClientSecret()
	client.ClientSecretHash = hashClientSecret(secret)

	now := time.Now()
	client.CreatedAt = now
	client.UpdatedAt = now

	if err := s.clientRepo.Create(ctx, client); err != nil {
		return "", err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeClientCreated,
		TenantID: client.TenantID,
		ActorID:  client.OwnerID,
		Resource: client.ClientID,
	})

	return secret, nil
}

// GetClient retrieves a client by public client id
func (s *Service) GetClient(ctx context.Context, clientID string) (*Client, error) {
	return s.clientRepo.GetByClientID(ctx, clientID)
}

// ListClients lists a tenant's clients with pagination
func (s *Service) ListClients(ctx context.Context, tenantID string, limit, offset int) ([]*Client, error) {
	return s.clientRepo.ListByTenant(ctx, tenantID, limit, offset)
}

// UpdateClient mutates settings on an existing client. Identity fields
// (id, client_id, tenant_id) never change.
func (s *Service) UpdateClient(ctx context.Context, client *Client) error {
	existing, err := s.clientRepo.GetByClientID(ctx, client.ClientID)
	if err != nil {
		return err
	}

	client.ID = existing.ID
	client.TenantID = existing.TenantID
	client.ClientSecretHash = existing.ClientSecretHash
	client.CreatedAt = existing.CreatedAt
	client.UpdatedAt = time.Now()

	if err := s.clientRepo.Update(ctx, client); err != nil {
		return err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeClientUpdated,
		TenantID: client.TenantID,
		Resource: client.ClientID,
	})
	return nil
}

// RevokeClient soft-deletes a client. Cascading revocation of the client's
// tokens is driven by the caller that owns the token service.
func (s *Service) RevokeClient(ctx context.Context, clientID string) (*Client, error) {
	client, err := s.clientRepo.GetByClientID(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if err := s.clientRepo.Revoke(ctx, client.ID); err != nil {
		return nil, err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeClientRevoked,
		TenantID: client.TenantID,
		Resource: client.ClientID,
	})
	return client, nil
}

// RegenerateSecret replaces a client's secret, returning the new plaintext
// exactly once
func (s *Service) RegenerateSecret(ctx context.Context, clientID string) (string, error) {
	client, err := s.clientRepo.GetByClientID(ctx, clientID)
	if err != nil {
		return "", err
	}

	secret := generateClientSecret()
	client.ClientSecretHash = hashClientSecret(secret)
	client.UpdatedAt = time.Now()

	if err := s.clientRepo.Update(ctx, client); err != nil {
		return "", err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeSecretRotated,
		TenantID: client.TenantID,
		Resource: client.ClientID,
	})
	return secret, nil
}

func mergeScopes(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			merged = append(merged, s)
		}
	}
	return merged
}

// Opaque secret generation. Prefixes make leaked credentials discoverable
// in logs and scanners.

func generateAuthorizationCode() string {
	return "ac_" + randomToken(32)
}

func generateClientID() string {
	return "hc_" + randomToken(16)
}

func generateClientSecret() string {
	return "hs_" + randomToken(32)
}

func randomToken(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func hashClientSecret(secret string) string {
	hash := sha256.Sum256([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// HashClientSecret hashes a client secret for storage
func HashClientSecret(secret string) string {
	return hashClientSecret(secret)
}
