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
	"context"
	"sync"
	"time"

	"github.com/heimdall-iam/heimdall/internal/identity"
	"github.com/heimdall-iam/heimdall/internal/oauth2"
	"github.com/heimdall-iam/heimdall/internal/permission"
	"github.com/heimdall-iam/heimdall/internal/session"
	"github.com/heimdall-iam/heimdall/internal/tenant"
	"github.com/heimdall-iam/heimdall/internal/token"
)

// In-memory repositories backing the handler tests. Each mirrors the
// conditional-write semantics of the Postgres layer where the service
// under test depends on them.

type memClients struct {
	mu      sync.Mutex
	clients map[string]*oauth2.Client // by ClientID
}

func newMemClients() *memClients {
	return &memClients{clients: make(map[string]*oauth2.Client)}
}

func (m *memClients) Create(_ context.Context, c *oauth2.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[c.ClientID]; ok {
		return oauth2.ErrClientAlreadyExists
	}
	cp := *c
	m.clients[c.ClientID] = &cp
	return nil
}

func (m *memClients) GetByClientID(_ context.Context, clientID string) (*oauth2.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok || c.DeletedAt != nil {
		return nil, oauth2.ErrClientNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memClients) GetByID(_ context.Context, id string) (*oauth2.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		if c.ID == id && c.DeletedAt == nil {
			cp := *c
			return &cp, nil
		}
	}
	return nil, oauth2.ErrClientNotFound
}

func (m *memClients) Update(_ context.Context, c *oauth2.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[c.ClientID]; !ok {
		return oauth2.ErrClientNotFound
	}
	cp := *c
	m.clients[c.ClientID] = &cp
	return nil
}

func (m *memClients) Revoke(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		if c.ID == id {
			now := time.Now()
			c.Status = oauth2.ClientStatusRevoked
			c.DeletedAt = &now
			return nil
		}
	}
	return oauth2.ErrClientNotFound
}

func (m *memClients) ListByTenant(_ context.Context, tenantID string, limit, offset int) ([]*oauth2.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*oauth2.Client
	for _, c := range m.clients {
		if c.TenantID == tenantID && c.DeletedAt == nil {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memCodes struct {
	mu    sync.Mutex
	codes map[string]*oauth2.AuthorizationCode
}

func newMemCodes() *memCodes {
	return &memCodes{codes: make(map[string]*oauth2.AuthorizationCode)}
}

func (m *memCodes) Create(_ context.Context, c *oauth2.AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.codes[c.Code] = &cp
	return nil
}

func (m *memCodes) GetByCode(_ context.Context, code string) (*oauth2.AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok {
		return nil, oauth2.ErrCodeNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memCodes) Consume(_ context.Context, code string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok || c.UsedAt != nil {
		return oauth2.ErrCodeNotFound
	}
	c.UsedAt = &usedAt
	return nil
}

func (m *memCodes) DeleteExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, c := range m.codes {
		if time.Now().After(c.ExpiresAt) {
			delete(m.codes, k)
			n++
		}
	}
	return n, nil
}

type memConsents struct {
	mu       sync.Mutex
	consents map[string]*oauth2.ConsentRecord // userID+"/"+clientID
}

func newMemConsents() *memConsents {
	return &memConsents{consents: make(map[string]*oauth2.ConsentRecord)}
}

func (m *memConsents) Upsert(_ context.Context, c *oauth2.ConsentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.consents[c.UserID+"/"+c.ClientID] = &cp
	return nil
}

func (m *memConsents) GetByUserAndClient(_ context.Context, userID, clientID string) (*oauth2.ConsentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consents[userID+"/"+clientID]
	if !ok {
		return nil, oauth2.ErrConsentNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memConsents) Delete(_ context.Context, userID, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userID + "/" + clientID
	if _, ok := m.consents[key]; !ok {
		return oauth2.ErrConsentNotFound
	}
	delete(m.consents, key)
	return nil
}

type memTokens struct {
	mu      sync.Mutex
	byID    map[string]*token.TokenRecord
	byHash  map[string]string
}

func newMemTokens() *memTokens {
	return &memTokens{byID: make(map[string]*token.TokenRecord), byHash: make(map[string]string)}
}

func (m *memTokens) Create(_ context.Context, rec *token.TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.byID[rec.ID] = &cp
	m.byHash[rec.RefreshHash] = rec.ID
	return nil
}

func (m *memTokens) GetByID(_ context.Context, id string) (*token.TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return nil, token.ErrTokenNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memTokens) GetByRefreshHash(_ context.Context, hash string) (*token.TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHash[hash]
	if !ok {
		return nil, token.ErrTokenNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *memTokens) Rotate(_ context.Context, oldID string, rotatedAt time.Time, replacement *token.TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.byID[oldID]
	if !ok {
		return token.ErrTokenNotFound
	}
	if old.RotatedToID != nil || old.RevokedAt != nil {
		return token.ErrTokenConsumed
	}
	old.RotatedToID = &replacement.ID
	old.RotatedAt = &rotatedAt
	cp := *replacement
	m.byID[replacement.ID] = &cp
	m.byHash[replacement.RefreshHash] = replacement.ID
	return nil
}

func (m *memTokens) Revoke(_ context.Context, id, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return token.ErrTokenNotFound
	}
	if rec.RevokedAt == nil {
		rec.RevokedAt = &at
		rec.RevokedReason = reason
	}
	return nil
}

func (m *memTokens) RevokeFamily(_ context.Context, familyID, reason string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, rec := range m.byID {
		if rec.FamilyID == familyID && rec.RevokedAt == nil {
			rec.RevokedAt = &at
			rec.RevokedReason = reason
			n++
		}
	}
	return n, nil
}

func (m *memTokens) RevokeByClient(_ context.Context, clientID, reason string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, rec := range m.byID {
		if rec.ClientID == clientID && rec.RevokedAt == nil {
			rec.RevokedAt = &at
			rec.RevokedReason = reason
			n++
		}
	}
	return n, nil
}

func (m *memTokens) DeleteExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.byID {
		if time.Now().After(rec.ExpiresAt) {
			delete(m.byHash, rec.RefreshHash)
			delete(m.byID, id)
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
	return &memBlacklist{jtis: make(map[string]time.Time)}
}

func (m *memBlacklist) Add(_ context.Context, jti string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jtis[jti] = time.Now().Add(ttl)
	return nil
}

func (m *memBlacklist) Contains(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.jtis[jti]
	return ok && time.Now().Before(exp), nil
}

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[string]*session.Session)}
}

func (m *memSessions) Create(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessions) GetByID(_ context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) ListActiveByUser(_ context.Context, userID string) ([]*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*session.Session
	now := time.Now()
	for _, s := range m.sessions {
		if s.UserID == userID && s.RevokedAt == nil && now.Before(s.ExpiresAt) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memSessions) Touch(_ context.Context, id string, lastActiveAt, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	s.LastActiveAt = lastActiveAt
	s.ExpiresAt = expiresAt
	return nil
}

func (m *memSessions) Revoke(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	s.RevokedAt = &at
	return nil
}

func (m *memSessions) RevokeByUser(_ context.Context, userID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			s.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

func (m *memSessions) DeleteExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if time.Now().After(s.ExpiresAt) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

type memUsers struct {
	mu    sync.Mutex
	users map[string]*identity.User
	creds map[string]*identity.Credentials
}

func newMemUsers() *memUsers {
	return &memUsers{users: make(map[string]*identity.User), creds: make(map[string]*identity.Credentials)}
}

func (m *memUsers) Create(_ context.Context, u *identity.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) GetByID(_ context.Context, id string) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.DeletedAt != nil {
		return nil, identity.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) GetByEmail(_ context.Context, tenantID, email string) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.TenantID == tenantID && u.Email == email && u.DeletedAt == nil {
			cp := *u
			return &cp, nil
		}
	}
	return nil, identity.ErrUserNotFound
}

func (m *memUsers) Update(_ context.Context, u *identity.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return identity.ErrUserNotFound
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) UpdateLockout(_ context.Context, userID string, attempts int, lockedUntil *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return identity.ErrUserNotFound
	}
	u.FailedLoginAttempts = attempts
	u.LockedUntil = lockedUntil
	return nil
}

func (m *memUsers) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return identity.ErrUserNotFound
	}
	now := time.Now()
	u.DeletedAt = &now
	return nil
}

func (m *memUsers) AddCredentials(_ context.Context, c *identity.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.creds[c.UserID] = &cp
	return nil
}

func (m *memUsers) GetCredentials(_ context.Context, userID string) (*identity.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[userID]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memUsers) UpdatePassword(_ context.Context, userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[userID]
	if !ok {
		return identity.ErrUserNotFound
	}
	c.PasswordHash = hash
	return nil
}

type memTenants struct {
	mu      sync.Mutex
	tenants map[string]*tenant.Tenant
}

func newMemTenants() *memTenants {
	return &memTenants{tenants: make(map[string]*tenant.Tenant)}
}

func cloneTenant(t *tenant.Tenant) *tenant.Tenant {
	cp := *t
	cp.Path = append([]string(nil), t.Path...)
	return &cp
}

func (m *memTenants) Create(_ context.Context, t *tenant.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.tenants {
		if e.Slug == t.Slug {
			return tenant.ErrDuplicateSlug
		}
	}
	m.tenants[t.ID] = cloneTenant(t)
	return nil
}

func (m *memTenants) GetByID(_ context.Context, id string) (*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, tenant.ErrTenantNotFound
	}
	return cloneTenant(t), nil
}

func (m *memTenants) GetBySlug(_ context.Context, slug string) (*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.Slug == slug {
			return cloneTenant(t), nil
		}
	}
	return nil, tenant.ErrTenantNotFound
}

func (m *memTenants) Update(_ context.Context, t *tenant.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[t.ID]; !ok {
		return tenant.ErrTenantNotFound
	}
	cp := cloneTenant(t)
	cp.Version++
	m.tenants[t.ID] = cp
	t.Version++
	return nil
}

func (m *memTenants) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[id]; !ok {
		return tenant.ErrTenantNotFound
	}
	delete(m.tenants, id)
	return nil
}

func (m *memTenants) List(_ context.Context, limit, offset int) ([]*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*tenant.Tenant
	for _, t := range m.tenants {
		out = append(out, cloneTenant(t))
	}
	return out, nil
}

func (m *memTenants) ListChildren(_ context.Context, id string) ([]*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*tenant.Tenant
	for _, t := range m.tenants {
		if t.ParentID != nil && *t.ParentID == id {
			out = append(out, cloneTenant(t))
		}
	}
	return out, nil
}

func (m *memTenants) ListDescendants(_ context.Context, id string) ([]*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*tenant.Tenant
	for _, t := range m.tenants {
		if t.ID == id {
			continue
		}
		for _, p := range t.Path {
			if p == id {
				out = append(out, cloneTenant(t))
				break
			}
		}
	}
	return out, nil
}

func (m *memTenants) SaveSubtree(_ context.Context, tenants []*tenant.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tenants {
		cp := cloneTenant(t)
		cp.Version++
		m.tenants[t.ID] = cp
	}
	return nil
}

type memGrants struct {
	mu     sync.Mutex
	grants map[string]*permission.Grant // userID/tenantID/resourceType
}

func newMemGrants() *memGrants {
	return &memGrants{grants: make(map[string]*permission.Grant)}
}

func grantKey(userID, tenantID, resourceType string) string {
	return userID + "/" + tenantID + "/" + resourceType
}

func cloneGrant(g *permission.Grant) *permission.Grant {
	cp := *g
	cp.Actions = append([]string(nil), g.Actions...)
	return &cp
}

func (m *memGrants) Create(_ context.Context, g *permission.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[grantKey(g.UserID, g.TenantID, g.ResourceType)] = cloneGrant(g)
	return nil
}

func (m *memGrants) GetByTuple(_ context.Context, userID, tenantID, resourceType string) (*permission.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[grantKey(userID, tenantID, resourceType)]
	if !ok {
		return nil, permission.ErrGrantNotFound
	}
	return cloneGrant(g), nil
}

func (m *memGrants) ListByUserTenant(_ context.Context, userID, tenantID string) ([]*permission.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*permission.Grant
	for _, g := range m.grants {
		if g.UserID == userID && g.TenantID == tenantID {
			out = append(out, cloneGrant(g))
		}
	}
	return out, nil
}

func (m *memGrants) Update(_ context.Context, g *permission.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[grantKey(g.UserID, g.TenantID, g.ResourceType)] = cloneGrant(g)
	return nil
}

func (m *memGrants) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, g := range m.grants {
		if g.ID == id {
			delete(m.grants, k)
			return nil
		}
	}
	return permission.ErrGrantNotFound
}

func (m *memGrants) CreateBatch(_ context.Context, grants []*permission.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range grants {
		m.grants[grantKey(g.UserID, g.TenantID, g.ResourceType)] = cloneGrant(g)
	}
	return nil
}

func (m *memGrants) DeleteExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now()
	for k, g := range m.grants {
		if g.ExpiresAt != nil && now.After(*g.ExpiresAt) {
			delete(m.grants, k)
			n++
		}
	}
	return n, nil
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]*permission.Decision
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]*permission.Decision)}
}

func (m *memCache) Get(_ context.Context, key string) (*permission.Decision, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	cp := *d
	return &cp, true, nil
}

func (m *memCache) Set(_ context.Context, key string, d *permission.Decision, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.entries[key] = &cp
	return nil
}

func (m *memCache) Invalidate(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}
