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

package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/heimdall-iam/heimdall/internal/audit"
	"github.com/heimdall-iam/heimdall/internal/oauth2"
	"github.com/heimdall-iam/heimdall/internal/observability/logger"
	"github.com/heimdall-iam/heimdall/internal/observability/metrics"
)

// Config holds token issuance policy
type Config struct {
	Issuer               string
	Audience             string
	AccessTokenLifetime  time.Duration
	RefreshTokenLifetime time.Duration
	// RotationGrace is the window after a rotation during which re-presenting
	// the consumed token is treated as a client retry, not theft. The family
	// survives; the retry still gets invalid_grant. Zero disables the window.
	RotationGrace time.Duration
}

// Service manages the token lifecycle: issuance, rotation, reuse detection,
// introspection and revocation.
type Service struct {
	repo        Repository
	blacklist   Blacklist
	keys        *KeyManager
	auditLogger audit.Logger
	cfg         Config

	issuedCounter  metric.Int64Counter
	reuseCounter   metric.Int64Counter
	refreshCounter metric.Int64Counter
}

// NewService creates a new token lifecycle service
func NewService(repo Repository, blacklist Blacklist, keys *KeyManager, auditLogger audit.Logger, cfg Config, meter *metrics.Meter) *Service {
	if cfg.AccessTokenLifetime <= 0 {
		cfg.AccessTokenLifetime = 15 * time.Minute
	}
	if cfg.RefreshTokenLifetime <= 0 {
		cfg.RefreshTokenLifetime = 7 * 24 * time.Hour
	}

	s := &Service{
		repo:        repo,
		blacklist:   blacklist,
		keys:        keys,
		auditLogger: auditLogger,
		cfg:         cfg,
	}

	if meter != nil {
		s.issuedCounter, _ = meter.CreateCounter("tokens_issued_total", "Access/refresh pairs issued")
		s.refreshCounter, _ = meter.CreateCounter("tokens_refreshed_total", "Successful refresh rotations")
		s.reuseCounter, _ = meter.CreateCounter("token_reuse_detected_total", "Refresh token reuse detections")
	}

	return s
}

// Keys exposes the signing key manager for the JWKS endpoint
func (s *Service) Keys() *KeyManager {
	return s.keys
}

// GenerateTokenPair mints a signed access token and an opaque refresh token,
// starting a new token family. userID is empty for client-credentials grants.
func (s *Service) GenerateTokenPair(ctx context.Context, clientID, userID, tenantID, scope, nonce string) (*TokenPair, error) {
	return s.issuePair(ctx, uuid.NewString(), nil, clientID, userID, tenantID, scope, nonce)
}

func (s *Service) issuePair(ctx context.Context, familyID string, rotatedFrom *TokenRecord, clientID, userID, tenantID, scope, nonce string) (*TokenPair, error) {
	now := time.Now()
	jti := uuid.NewString()

	accessToken, err := s.signAccessToken(jti, clientID, userID, tenantID, scope, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshToken := "rt_" + randomToken(32)
	record := &TokenRecord{
		ID:          jti,
		FamilyID:    familyID,
		TenantID:    tenantID,
		ClientID:    clientID,
		UserID:      userID,
		Scope:       scope,
		RefreshHash: hashToken(refreshToken),
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.cfg.RefreshTokenLifetime),
	}

	if rotatedFrom != nil {
		record.RotatedFromID = &rotatedFrom.ID
		// Rotate consumes the old record and inserts the new one in one
		// transaction; either both happen or neither does.
		if err := s.repo.Rotate(ctx, rotatedFrom.ID, now, record); err != nil {
			return nil, err
		}
	} else {
		if err := s.repo.Create(ctx, record); err != nil {
			return nil, err
		}
	}

	pair := &TokenPair{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenLifetime.Seconds()),
		RefreshToken: refreshToken,
		Scope:        scope,
	}

	if userID != "" && containsScope(scope, "openid") {
		idToken, err := s.signIDToken(clientID, userID, tenantID, nonce, accessToken, now)
		if err != nil {
			// The OAuth2 issuance stands even if the OIDC layer fails
			slog.ErrorContext(ctx, "failed to sign id token", logger.ClientID(clientID), logger.Error(err))
		} else {
			pair.IDToken = idToken
		}
	}

	if s.issuedCounter != nil {
		s.issuedCounter.Add(ctx, 1)
	}

	return pair, nil
}

// RefreshToken rotates a refresh token (RFC 6749 Section 6 with OAuth 2.1
// single-use semantics). Presenting a consumed or revoked token outside the
// grace window revokes the entire family.
func (s *Service) RefreshToken(ctx context.Context, refreshToken, clientID, requestedScope string) (*TokenPair, error) {
	record, err := s.repo.GetByRefreshHash(ctx, hashToken(refreshToken))
	if err != nil {
		return nil, oauth2.NewError(oauth2.ErrInvalidGrant, "invalid refresh token")
	}

	if record.RevokedAt != nil {
		s.handleReuse(ctx, record)
		return nil, oauth2.NewError(oauth2.ErrInvalidGrant, "invalid refresh token")
	}

	if record.IsConsumed() {
		if s.withinGrace(record) {
			// Legitimate retransmission race: the client re-sent the
			// request before seeing the first response. Refuse without
			// punishing the family.
			slog.InfoContext(ctx, "refresh retry within rotation grace",
				logger.TokenID(record.ID), logger.FamilyID(record.FamilyID))
			return nil, oauth2.NewError(oauth2.ErrInvalidGrant, "invalid refresh token")
		}
		s.handleReuse(ctx, record)
		return nil, oauth2.NewError(oauth2.ErrInvalidGrant, "invalid refresh token")
	}

	if record.IsExpired() {
		return nil, oauth2.NewError(oauth2.ErrInvalidGrant, "invalid refresh token")
	}

	if record.ClientID != clientID {
		return nil, oauth2.NewError(oauth2.ErrInvalidGrant, "invalid refresh token")
	}

	// Scope may narrow but never widen (RFC 6749 Section 6)
	scope := record.Scope
	if requestedScope != "" {
		if !scopeSubset(requestedScope, record.Scope) {
			return nil, oauth2.NewError(oauth2.ErrInvalidScope, "requested scope exceeds original grant")
		}
		scope = requestedScope
	}

	pair, err := s.issuePair(ctx, record.FamilyID, record, clientID, record.UserID, record.TenantID, scope, "")
	if err != nil {
		if err == ErrTokenConsumed {
			// Lost the rotation race to a concurrent request
			return nil, oauth2.NewError(oauth2.ErrInvalidGrant, "invalid refresh token")
		}
		return nil, oauth2.NewError(oauth2.ErrServerError, "token rotation failed")
	}

	if s.refreshCounter != nil {
		s.refreshCounter.Add(ctx, 1)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTokenRefreshed,
		TenantID: record.TenantID,
		ActorID:  record.UserID,
		Resource: clientID,
		Metadata: map[string]any{"family_id": record.FamilyID},
	})

	return pair, nil
}

// handleReuse is the theft-response policy: any presentation of a consumed
// or revoked refresh token kills every descendant in the family.
func (s *Service) handleReuse(ctx context.Context, record *TokenRecord) {
	n, err := s.repo.RevokeFamily(ctx, record.FamilyID, ReasonReuseDetected, time.Now())
	if err != nil {
		slog.ErrorContext(ctx, "failed to revoke token family",
			logger.FamilyID(record.FamilyID), logger.Error(err))
		return
	}

	if s.reuseCounter != nil {
		s.reuseCounter.Add(ctx, 1)
	}

	// The triggering token id is logged for forensic replay
	slog.WarnContext(ctx, "refresh token reuse detected, family revoked",
		logger.TokenID(record.ID),
		logger.FamilyID(record.FamilyID),
		logger.ClientID(record.ClientID),
		slog.Int64("revoked_count", n),
	)

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTokenReuseDetected,
		TenantID: record.TenantID,
		ActorID:  record.UserID,
		Resource: record.ClientID,
		Metadata: map[string]any{
			"family_id":        record.FamilyID,
			"triggering_token": record.ID,
		},
	})
}

func (s *Service) withinGrace(record *TokenRecord) bool {
	if s.cfg.RotationGrace <= 0 || record.RotatedAt == nil {
		return false
	}
	return time.Since(*record.RotatedAt) <= s.cfg.RotationGrace
}

// IntrospectToken implements RFC 7662. It never fails: any invalid, expired,
// revoked or foreign token yields {"active": false}. Internal errors are
// logged and swallowed for the same reason.
func (s *Service) IntrospectToken(ctx context.Context, tokenStr, clientID, tokenTypeHint string) *IntrospectionResponse {
	inactive := &IntrospectionResponse{Active: false}

	if tokenTypeHint != "refresh_token" {
		if claims, err := s.ParseAccessToken(ctx, tokenStr); err == nil {
			if claims.ClientID != clientID {
				return inactive
			}
			var iat int64
			if claims.IssuedAt != nil {
				iat = claims.IssuedAt.Unix()
			}
			return &IntrospectionResponse{
				Active:    true,
				Scope:     claims.Scope,
				ClientID:  claims.ClientID,
				Sub:       claims.Subject,
				TokenType: "Bearer",
				Exp:       claims.ExpiresAt.Unix(),
				Iat:       iat,
				Jti:       claims.ID,
			}
		}
	}

	record, err := s.repo.GetByRefreshHash(ctx, hashToken(tokenStr))
	if err != nil {
		return inactive
	}
	if record.RevokedAt != nil || record.IsConsumed() || record.IsExpired() || record.ClientID != clientID {
		return inactive
	}

	sub := record.UserID
	if sub == "" {
		sub = record.ClientID
	}
	return &IntrospectionResponse{
		Active:    true,
		Scope:     record.Scope,
		ClientID:  record.ClientID,
		Sub:       sub,
		TokenType: "refresh_token",
		Exp:       record.ExpiresAt.Unix(),
		Iat:       record.IssuedAt.Unix(),
		Jti:       record.ID,
	}
}

// RevokeToken implements RFC 7009: it reports success whether or not the
// token existed, was valid, or was already revoked. Revoking an access token
// blacklists only its JTI; revoking a refresh token revokes its family.
func (s *Service) RevokeToken(ctx context.Context, tokenStr, clientID, tokenTypeHint string) {
	now := time.Now()

	if tokenTypeHint != "refresh_token" {
		if claims, err := s.parseAccessTokenUnchecked(tokenStr); err == nil {
			if claims.ClientID != clientID {
				return
			}
			var ttl time.Duration
			if claims.ExpiresAt != nil {
				ttl = time.Until(claims.ExpiresAt.Time)
			}
			if ttl > 0 {
				if err := s.blacklist.Add(ctx, claims.ID, ttl); err != nil {
					slog.ErrorContext(ctx, "failed to blacklist jti", logger.TokenID(claims.ID), logger.Error(err))
				}
			}

			s.auditLogger.Log(ctx, audit.Event{
				Type:     audit.TypeTokenRevoked,
				ActorID:  claims.Subject,
				Resource: clientID,
				Metadata: map[string]any{"jti": claims.ID, "kind": "access"},
			})
			return
		}
	}

	record, err := s.repo.GetByRefreshHash(ctx, hashToken(tokenStr))
	if err != nil || record.ClientID != clientID {
		// Unknown token: swallow, per RFC 7009 Section 2.2
		return
	}

	if _, err := s.repo.RevokeFamily(ctx, record.FamilyID, ReasonUserRequest, now); err != nil {
		slog.ErrorContext(ctx, "failed to revoke token family",
			logger.FamilyID(record.FamilyID), logger.Error(err))
		return
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTokenRevoked,
		TenantID: record.TenantID,
		ActorID:  record.UserID,
		Resource: clientID,
		Metadata: map[string]any{"family_id": record.FamilyID, "kind": "refresh"},
	})
}

// RevokeClientTokens revokes every live token belonging to a client.
// Used when the client registration itself is revoked.
func (s *Service) RevokeClientTokens(ctx context.Context, clientID string) (int64, error) {
	return s.repo.RevokeByClient(ctx, clientID, ReasonClientRevoked, time.Now())
}

// CleanupExpired deletes token records past refresh expiry
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx)
}

// AccessClaims are the verified claims of an access token
type AccessClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	TenantID string `json:"tid,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token carries the given scope
func (c *AccessClaims) HasScope(scope string) bool {
	return containsScope(c.Scope, scope)
}

// ParseAccessToken verifies signature, expiry, issuer, audience and the JTI
// blacklist
func (s *Service) ParseAccessToken(ctx context.Context, tokenStr string) (*AccessClaims, error) {
	claims, err := s.parseAccessTokenUnchecked(tokenStr)
	if err != nil {
		return nil, err
	}

	if claims.ExpiresAt == nil || claims.ExpiresAt.Before(time.Now()) {
		return nil, ErrTokenExpired
	}

	revoked, err := s.blacklist.Contains(ctx, claims.ID)
	if err != nil {
		// Fail closed: an unreachable blacklist must not admit tokens
		return nil, fmt.Errorf("blacklist check failed: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	return claims, nil
}

// parseAccessTokenUnchecked verifies the signature, issuer and audience but
// tolerates expiry, so already-expired tokens can still be revoked
func (s *Service) parseAccessTokenUnchecked(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		return s.keys.PublicKey(kid)
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, err
	}

	if claims.Issuer != s.cfg.Issuer {
		return nil, fmt.Errorf("unexpected issuer")
	}
	audOK := false
	for _, aud := range claims.Audience {
		if aud == s.cfg.Audience {
			audOK = true
			break
		}
	}
	if !audOK {
		return nil, fmt.Errorf("unexpected audience")
	}

	return claims, nil
}

func (s *Service) signAccessToken(jti, clientID, userID, tenantID, scope string, now time.Time) (string, error) {
	sub := userID
	if sub == "" {
		sub = clientID
	}

	claims := AccessClaims{
		Scope:    scope,
		ClientID: clientID,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   sub,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenLifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
	}

	key, kid := s.keys.SigningKey()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	return tok.SignedString(key)
}

// signIDToken mints an OIDC id_token with nonce and at_hash
func (s *Service) signIDToken(clientID, userID, tenantID, nonce, accessToken string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss": s.cfg.Issuer,
		"sub": userID,
		"aud": clientID,
		"exp": now.Add(s.cfg.AccessTokenLifetime).Unix(),
		"iat": now.Unix(),
	}
	if tenantID != "" {
		claims["tid"] = tenantID
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	if accessToken != "" {
		// at_hash: base64url of the left half of SHA-256(access_token)
		// (OIDC Core Section 3.1.3.6)
		hash := sha256.Sum256([]byte(accessToken))
		claims["at_hash"] = base64.RawURLEncoding.EncodeToString(hash[:16])
	}

	key, kid := s.keys.SigningKey()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	return tok.SignedString(key)
}

func containsScope(scope, target string) bool {
	for _, part := range strings.Fields(scope) {
		if part == target {
			return true
		}
	}
	return false
}

// scopeSubset reports whether every scope in requested appears in granted
func scopeSubset(requested, granted string) bool {
	for _, part := range strings.Fields(requested) {
		if !containsScope(granted, part) {
			return false
		}
	}
	return true
}

func randomToken(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}
