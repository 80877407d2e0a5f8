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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/heimdall-iam/heimdall/internal/audit"
	"github.com/heimdall-iam/heimdall/internal/oauth2"
)

// In-memory repository honoring the conditional-rotation contract

type memRepo struct {
	mu      sync.Mutex
	records map[string]*TokenRecord
}

func newMemRepo() *memRepo {
	return &memRepo{records: map[string]*TokenRecord{}}
}

func (m *memRepo) Create(ctx context.Context, record *TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *record
	m.records[record.ID] = &cp
	return nil
}

func (m *memRepo) GetByID(ctx context.Context, id string) (*TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRepo) GetByRefreshHash(ctx context.Context, hash string) (*TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.RefreshHash == hash {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrTokenNotFound
}

func (m *memRepo) Rotate(ctx context.Context, oldID string, rotatedAt time.Time, replacement *TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.records[oldID]
	if !ok || old.RotatedToID != nil || old.RevokedAt != nil {
		return ErrTokenConsumed
	}
	old.RotatedToID = &replacement.ID
	old.RotatedAt = &rotatedAt
	cp := *replacement
	m.records[replacement.ID] = &cp
	return nil
}

func (m *memRepo) Revoke(ctx context.Context, id, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok && r.RevokedAt == nil {
		r.RevokedAt = &at
		r.RevokedReason = reason
	}
	return nil
}

func (m *memRepo) RevokeFamily(ctx context.Context, familyID, reason string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.records {
		if r.FamilyID == familyID && r.RevokedAt == nil {
			r.RevokedAt = &at
			r.RevokedReason = reason
			n++
		}
	}
	return n, nil
}

func (m *memRepo) RevokeByClient(ctx context.Context, clientID, reason string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.records {
		if r.ClientID == clientID && r.RevokedAt == nil {
			r.RevokedAt = &at
			r.RevokedReason = reason
			n++
		}
	}
	return n, nil
}

func (m *memRepo) DeleteExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.records {
		if r.IsExpired() {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

type memBlacklist struct {
	mu   sync.Mutex
	jtis map[string]time.Time
}

func newMemBlacklist() *memBlacklist {
	return &memBlacklist{jtis: map[string]time.Time{}}
}

func (b *memBlacklist) Add(ctx context.Context, jti string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jtis[jti] = time.Now().Add(ttl)
	return nil
}

func (b *memBlacklist) Contains(ctx context.Context, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	exp, ok := b.jtis[jti]
	return ok && exp.After(time.Now()), nil
}

func newTestService(t *testing.T, grace time.Duration) (*Service, *memRepo, *memBlacklist) {
	t.Helper()
	keys, err := NewKeyManager()
	if err != nil {
		t.Fatalf("key manager: %v", err)
	}
	repo := newMemRepo()
	bl := newMemBlacklist()
	svc := NewService(repo, bl, keys, audit.NewSlogLogger(), Config{
		Issuer:               "https://auth.example.com",
		Audience:             "heimdall-api",
		AccessTokenLifetime:  15 * time.Minute,
		RefreshTokenLifetime: 7 * 24 * time.Hour,
		RotationGrace:        grace,
	}, nil)
	return svc, repo, bl
}

func TestToken_GenerateTokenPair(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	ctx := context.Background()

	pair, err := svc.GenerateTokenPair(ctx, "hc_client1", "user-1", "tenant-1", "openid profile", "nonce-1")
	if err != nil {
		t.Fatalf("generate pair: %v", err)
	}

	if pair.TokenType != "Bearer" {
		t.Errorf("token_type = %s, want Bearer", pair.TokenType)
	}
	if pair.ExpiresIn != 900 {
		t.Errorf("expires_in = %d, want 900", pair.ExpiresIn)
	}
	if !strings.HasPrefix(pair.RefreshToken, "rt_") {
		t.Errorf("refresh token missing rt_ prefix: %s", pair.RefreshToken)
	}
	if pair.IDToken == "" {
		t.Error("openid scope with a user should yield an id_token")
	}

	claims, err := svc.ParseAccessToken(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("parse access token: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("sub = %s, want user-1", claims.Subject)
	}
	if claims.ClientID != "hc_client1" {
		t.Errorf("client_id = %s, want hc_client1", claims.ClientID)
	}
	if !claims.HasScope("profile") {
		t.Error("scope claim missing profile")
	}
	if claims.ID == "" {
		t.Error("jti must be set")
	}
}

func TestToken_ClientCredentialsSubject(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	ctx := context.Background()

	pair, err := svc.GenerateTokenPair(ctx, "hc_m2m", "", "", "documents_read", "")
	if err != nil {
		t.Fatalf("generate pair: %v", err)
	}
	if pair.IDToken != "" {
		t.Error("client-credentials grant must not carry an id_token")
	}

	claims, err := svc.ParseAccessToken(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "hc_m2m" {
		t.Errorf("sub = %s, want client id for client-credentials", claims.Subject)
	}
}

func TestToken_RefreshRotation(t *testing.T) {
	svc, repo, _ := newTestService(t, 0)
	ctx := context.Background()

	pair, err := svc.GenerateTokenPair(ctx, "hc_client1", "user-1", "tenant-1", "openid", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	rotated, err := svc.RefreshToken(ctx, pair.RefreshToken, "hc_client1", "")
	if err != nil {
		t.Fatalf("first rotation: %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatal("rotation must mint a new refresh token")
	}

	// Re-presenting the consumed token is reuse: the whole family dies,
	// including the fresh replacement.
	if _, err := svc.RefreshToken(ctx, pair.RefreshToken, "hc_client1", ""); err == nil {
		t.Fatal("replayed refresh token must fail")
	}

	if _, err := svc.RefreshToken(ctx, rotated.RefreshToken, "hc_client1", ""); err == nil {
		t.Fatal("family revocation must kill the replacement token too")
	}

	rec, err := repo.GetByRefreshHash(ctx, hashToken(rotated.RefreshToken))
	if err != nil {
		t.Fatalf("lookup replacement: %v", err)
	}
	if rec.RevokedAt == nil || rec.RevokedReason != ReasonReuseDetected {
		t.Fatalf("replacement should be revoked for reuse, got %+v", rec)
	}
}

func TestToken_RotationGraceWindow(t *testing.T) {
	svc, repo, _ := newTestService(t, 10*time.Second)
	ctx := context.Background()

	pair, _ := svc.GenerateTokenPair(ctx, "hc_client1", "user-1", "", "openid", "")
	rotated, err := svc.RefreshToken(ctx, pair.RefreshToken, "hc_client1", "")
	if err != nil {
		t.Fatalf("rotation: %v", err)
	}

	// An immediate retransmission of the consumed token fails but is not
	// treated as theft.
	if _, err := svc.RefreshToken(ctx, pair.RefreshToken, "hc_client1", ""); err == nil {
		t.Fatal("retry must still get invalid_grant")
	}

	if _, err := svc.RefreshToken(ctx, rotated.RefreshToken, "hc_client1", ""); err != nil {
		t.Fatalf("family must survive a retry inside the grace window: %v", err)
	}

	rec, _ := repo.GetByRefreshHash(ctx, hashToken(pair.RefreshToken))
	if rec.RevokedAt != nil {
		t.Fatal("grace-window retry must not revoke the family")
	}
}

func TestToken_RefreshScopeNarrowing(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	ctx := context.Background()

	pair, _ := svc.GenerateTokenPair(ctx, "hc_client1", "user-1", "", "openid profile email", "")

	narrowed, err := svc.RefreshToken(ctx, pair.RefreshToken, "hc_client1", "openid email")
	if err != nil {
		t.Fatalf("narrowing should succeed: %v", err)
	}
	if narrowed.Scope != "openid email" {
		t.Errorf("scope = %q, want narrowed set", narrowed.Scope)
	}

	if _, err := svc.RefreshToken(ctx, narrowed.RefreshToken, "hc_client1", "openid profile email admin"); err == nil {
		t.Fatal("widening the scope must fail")
	}
}

func TestToken_RefreshWrongClient(t *testing.T) {
	svc, repo, _ := newTestService(t, 0)
	ctx := context.Background()

	pair, _ := svc.GenerateTokenPair(ctx, "hc_client1", "user-1", "", "openid", "")
	if _, err := svc.RefreshToken(ctx, pair.RefreshToken, "hc_other", ""); err == nil {
		t.Fatal("refresh with a different client must fail")
	}

	// A client mismatch is not reuse; the family stays alive.
	rec, _ := repo.GetByRefreshHash(ctx, hashToken(pair.RefreshToken))
	if rec.RevokedAt != nil {
		t.Fatal("client mismatch must not revoke the family")
	}
}

func TestToken_Introspection(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	ctx := context.Background()

	pair, _ := svc.GenerateTokenPair(ctx, "hc_client1", "user-1", "", "openid profile", "")

	resp := svc.IntrospectToken(ctx, pair.AccessToken, "hc_client1", "")
	if !resp.Active {
		t.Fatal("fresh access token must introspect active")
	}
	if resp.Sub != "user-1" || resp.ClientID != "hc_client1" || resp.Jti == "" {
		t.Errorf("incomplete introspection response: %+v", resp)
	}

	if resp := svc.IntrospectToken(ctx, pair.AccessToken, "hc_other", ""); resp.Active {
		t.Fatal("foreign client must see active:false")
	}

	if resp := svc.IntrospectToken(ctx, "garbage", "hc_client1", ""); resp.Active {
		t.Fatal("garbage must introspect inactive, never error")
	}

	if resp := svc.IntrospectToken(ctx, pair.RefreshToken, "hc_client1", "refresh_token"); !resp.Active {
		t.Fatal("live refresh token must introspect active")
	}

	svc.RevokeToken(ctx, pair.RefreshToken, "hc_client1", "refresh_token")
	if resp := svc.IntrospectToken(ctx, pair.RefreshToken, "hc_client1", "refresh_token"); resp.Active {
		t.Fatal("revoked refresh token must introspect inactive")
	}
}

func TestToken_RevokeAccessBlacklistsJTI(t *testing.T) {
	svc, _, bl := newTestService(t, 0)
	ctx := context.Background()

	pair, _ := svc.GenerateTokenPair(ctx, "hc_client1", "user-1", "", "openid", "")
	claims, _ := svc.ParseAccessToken(ctx, pair.AccessToken)

	svc.RevokeToken(ctx, pair.AccessToken, "hc_client1", "")

	listed, _ := bl.Contains(ctx, claims.ID)
	if !listed {
		t.Fatal("revoked access token's jti must be blacklisted")
	}
	if _, err := svc.ParseAccessToken(ctx, pair.AccessToken); err != ErrTokenRevoked {
		t.Fatalf("blacklisted token must not parse, got %v", err)
	}

	// Revoking an access token must not touch the refresh family
	if _, err := svc.RefreshToken(ctx, pair.RefreshToken, "hc_client1", ""); err != nil {
		t.Fatalf("refresh family should survive access-token revocation: %v", err)
	}
}

func TestToken_RevocationIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	ctx := context.Background()

	// Unknown tokens: swallowed both times, per RFC 7009
	svc.RevokeToken(ctx, "rt_never_issued", "hc_client1", "refresh_token")
	svc.RevokeToken(ctx, "rt_never_issued", "hc_client1", "refresh_token")

	pair, _ := svc.GenerateTokenPair(ctx, "hc_client1", "user-1", "", "openid", "")
	svc.RevokeToken(ctx, pair.RefreshToken, "hc_client1", "refresh_token")
	svc.RevokeToken(ctx, pair.RefreshToken, "hc_client1", "refresh_token")

	if resp := svc.IntrospectToken(ctx, pair.RefreshToken, "hc_client1", "refresh_token"); resp.Active {
		t.Fatal("token must stay revoked")
	}
}

func TestToken_ConcurrentRotationSingleWinner(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	ctx := context.Background()

	pair, _ := svc.GenerateTokenPair(ctx, "hc_client1", "user-1", "", "openid", "")

	const n = 8
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RefreshToken(ctx, pair.RefreshToken, "hc_client1", "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins int
	for err := range results {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("exactly one concurrent rotation must win, got %d", wins)
	}
}

func TestToken_KeyRotationKeepsOldTokensVerifiable(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	ctx := context.Background()

	pair, _ := svc.GenerateTokenPair(ctx, "hc_client1", "user-1", "", "openid", "")

	if err := svc.keys.Rotate(time.Hour); err != nil {
		t.Fatalf("rotate keys: %v", err)
	}

	if _, err := svc.ParseAccessToken(ctx, pair.AccessToken); err != nil {
		t.Fatalf("token signed before rotation must verify during grace: %v", err)
	}

	fresh, _ := svc.GenerateTokenPair(ctx, "hc_client1", "user-1", "", "openid", "")
	if _, err := svc.ParseAccessToken(ctx, fresh.AccessToken); err != nil {
		t.Fatalf("token signed after rotation must verify: %v", err)
	}
}

func TestToken_InvalidGrantIsProtocolError(t *testing.T) {
	svc, _, _ := newTestService(t, 0)
	ctx := context.Background()

	_, err := svc.RefreshToken(ctx, "rt_unknown", "hc_client1", "")
	oe, ok := err.(*oauth2.Error)
	if !ok {
		t.Fatalf("expected protocol error, got %T", err)
	}
	if oe.Code != oauth2.ErrInvalidGrant {
		t.Errorf("code = %s, want invalid_grant", oe.Code)
	}
}
