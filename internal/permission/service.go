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

package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/heimdall-iam/heimdall/internal/audit"
	"github.com/heimdall-iam/heimdall/internal/observability/logger"
	"github.com/heimdall-iam/heimdall/internal/tenant"
)

// TenantSource resolves tenants for ancestry walks. tenant.Repository
// satisfies it.
type TenantSource interface {
	GetByID(ctx context.Context, id string) (*tenant.Tenant, error)
}

// Config controls cache freshness and batch limits
type Config struct {
	CacheTTL     time.Duration
	MaxBulkGrant int
}

// Service evaluates and manages tenant-scoped permissions. Checks fail
// closed: any uncertainty (store error, missing tenant, cache trouble)
// denies.
type Service struct {
	grants      Repository
	tenants     TenantSource
	cache       Cache
	auditLogger audit.Logger
	cfg         Config
}

// NewService creates a new permission service. cache may be nil, which
// disables caching entirely.
func NewService(grants Repository, tenants TenantSource, cache Cache, auditLogger audit.Logger, cfg Config) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Second
	}
	if cfg.MaxBulkGrant <= 0 {
		cfg.MaxBulkGrant = 100
	}
	return &Service{
		grants:      grants,
		tenants:     tenants,
		cache:       cache,
		auditLogger: auditLogger,
		cfg:         cfg,
	}
}

// cacheKey builds the decision cache key. The tenant ID is part of the
// key so a decision computed for one tenant can never answer a check in
// another.
func cacheKey(userID, tenantID, resourceType, action string) string {
	return fmt.Sprintf("perm:%s:%s:%s:%s", userID, tenantID, resourceType, action)
}

// HasPermission decides whether a user may perform an action on a
// resource type within a tenant, consulting direct grants first and
// then grants at every ancestor on the tenant's path.
func (s *Service) HasPermission(ctx context.Context, userID, tenantID, resourceType, action string, reqCtx map[string]string) (*Decision, error) {
	deny := &Decision{Allowed: false, Source: SourceNone}

	if !ValidResourceType(resourceType) || !ValidAction(resourceType, action) {
		return deny, nil
	}

	key := cacheKey(userID, tenantID, resourceType, action)
	// Conditional grants depend on the request context, which is not
	// part of the cache key; only unconditional decisions are cached.
	cacheable := true

	if s.cache != nil {
		if cached, ok, err := s.cache.Get(ctx, key); err != nil {
			slog.WarnContext(ctx, "permission cache read failed", logger.Error(err))
		} else if ok {
			return cached, nil
		}
	}

	t, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return deny, fmt.Errorf("resolve tenant: %w", err)
	}

	now := time.Now()

	direct, err := s.grants.GetByTuple(ctx, userID, tenantID, resourceType)
	if err != nil && err != ErrGrantNotFound {
		return deny, fmt.Errorf("load direct grant: %w", err)
	}
	if direct != nil && !direct.IsExpired(now) && direct.HasAction(action) {
		if len(direct.Conditions) > 0 {
			cacheable = false
		}
		if direct.ConditionsMatch(reqCtx) {
			d := &Decision{Allowed: true, Source: SourceDirect, MatchedGrant: direct}
			s.cacheDecision(ctx, key, d, cacheable)
			return d, nil
		}
	}

	// Root-first over ancestors; the nearest matching ancestor wins the
	// MatchedGrant slot, so walk is ordered but exhaustive.
	var matched *Decision
	for _, ancestorID := range t.Ancestors() {
		g, err := s.grants.GetByTuple(ctx, userID, ancestorID, resourceType)
		if err == ErrGrantNotFound {
			continue
		}
		if err != nil {
			return deny, fmt.Errorf("load inherited grant: %w", err)
		}
		if g.IsExpired(now) || !g.HasAction(action) {
			continue
		}
		if len(g.Conditions) > 0 {
			cacheable = false
		}
		if g.ConditionsMatch(reqCtx) {
			matched = &Decision{
				Allowed:        true,
				Source:         SourceInherited,
				MatchedGrant:   g,
				SourceTenantID: ancestorID,
			}
		}
	}
	if matched != nil {
		s.cacheDecision(ctx, key, matched, cacheable)
		return matched, nil
	}

	s.cacheDecision(ctx, key, deny, cacheable)
	return deny, nil
}

func (s *Service) cacheDecision(ctx context.Context, key string, d *Decision, cacheable bool) {
	if s.cache == nil || !cacheable {
		return
	}
	if err := s.cache.Set(ctx, key, d, s.cfg.CacheTTL); err != nil {
		slog.WarnContext(ctx, "permission cache write failed", logger.Error(err))
	}
}

// GrantPermission grants actions without conditions or expiry
func (s *Service) GrantPermission(ctx context.Context, userID, tenantID, resourceType string, actions []string, grantedBy string) (*Grant, error) {
	return s.grant(ctx, userID, tenantID, resourceType, actions, nil, nil, grantedBy)
}

// GrantPermissionWithConditions grants actions gated by request-context
// conditions
func (s *Service) GrantPermissionWithConditions(ctx context.Context, userID, tenantID, resourceType string, actions []string, conditions map[string]string, grantedBy string) (*Grant, error) {
	return s.grant(ctx, userID, tenantID, resourceType, actions, conditions, nil, grantedBy)
}

// GrantPermissionWithExpiry grants actions that lapse at expiresAt,
// which must be strictly in the future
func (s *Service) GrantPermissionWithExpiry(ctx context.Context, userID, tenantID, resourceType string, actions []string, expiresAt time.Time, grantedBy string) (*Grant, error) {
	if !expiresAt.After(time.Now()) {
		return nil, ErrExpiryInPast
	}
	return s.grant(ctx, userID, tenantID, resourceType, actions, nil, &expiresAt, grantedBy)
}

func (s *Service) grant(ctx context.Context, userID, tenantID, resourceType string, actions []string, conditions map[string]string, expiresAt *time.Time, grantedBy string) (*Grant, error) {
	if err := validateGrantInput(resourceType, actions); err != nil {
		return nil, err
	}
	if _, err := s.tenants.GetByID(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("resolve tenant: %w", err)
	}

	now := time.Now()
	existing, err := s.grants.GetByTuple(ctx, userID, tenantID, resourceType)
	if err != nil && err != ErrGrantNotFound {
		return nil, err
	}

	var g *Grant
	if existing != nil {
		existing.Actions = mergeActions(existing.Actions, actions)
		existing.Conditions = conditions
		existing.ExpiresAt = expiresAt
		existing.UpdatedAt = now
		if err := s.grants.Update(ctx, existing); err != nil {
			return nil, err
		}
		g = existing
	} else {
		g = &Grant{
			ID:           uuid.NewString(),
			UserID:       userID,
			TenantID:     tenantID,
			ResourceType: resourceType,
			Actions:      mergeActions(nil, actions),
			Conditions:   conditions,
			ExpiresAt:    expiresAt,
			GrantedBy:    grantedBy,
			GrantedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.grants.Create(ctx, g); err != nil {
			return nil, err
		}
	}

	s.invalidate(ctx, userID, tenantID, resourceType)
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypePermissionGranted,
		TenantID: tenantID,
		ActorID:  grantedBy,
		Resource: resourceType,
		Metadata: map[string]any{"user_id": userID, "actions": g.Actions},
	})
	return g, nil
}

// RevokePermission removes actions from a grant. When nothing remains
// the grant row is deleted.
func (s *Service) RevokePermission(ctx context.Context, userID, tenantID, resourceType string, actions []string, revokedBy string) (*RevocationResult, error) {
	if err := validateGrantInput(resourceType, actions); err != nil {
		return nil, err
	}

	g, err := s.grants.GetByTuple(ctx, userID, tenantID, resourceType)
	if err != nil {
		return nil, err
	}

	toRevoke := map[string]bool{}
	for _, a := range actions {
		toRevoke[a] = true
	}

	var revoked, remaining []string
	for _, a := range g.Actions {
		if toRevoke[a] {
			revoked = append(revoked, a)
		} else {
			remaining = append(remaining, a)
		}
	}

	result := &RevocationResult{Revoked: revoked, Remaining: remaining}
	if len(remaining) == 0 {
		if err := s.grants.Delete(ctx, g.ID); err != nil {
			return nil, err
		}
		result.PermissionRemoved = true
	} else {
		g.Actions = remaining
		g.UpdatedAt = time.Now()
		if err := s.grants.Update(ctx, g); err != nil {
			return nil, err
		}
	}

	s.invalidate(ctx, userID, tenantID, resourceType)
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypePermissionRevoked,
		TenantID: tenantID,
		ActorID:  revokedBy,
		Resource: resourceType,
		Metadata: map[string]any{"user_id": userID, "revoked": revoked, "remaining": remaining},
	})
	return result, nil
}

// BulkGrantRequest is one entry of a bulk grant
type BulkGrantRequest struct {
	UserID       string
	TenantID     string
	ResourceType string
	Actions      []string
}

// BulkGrantPermissions grants a batch atomically. The batch is validated
// and capped before any transaction opens; one bad entry fails the lot.
func (s *Service) BulkGrantPermissions(ctx context.Context, reqs []BulkGrantRequest, grantedBy string) ([]*Grant, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyActions
	}
	if len(reqs) > s.cfg.MaxBulkGrant {
		return nil, ErrBatchTooLarge
	}
	for _, r := range reqs {
		if err := validateGrantInput(r.ResourceType, r.Actions); err != nil {
			return nil, fmt.Errorf("grant for user %s: %w", r.UserID, err)
		}
		if _, err := s.tenants.GetByID(ctx, r.TenantID); err != nil {
			return nil, fmt.Errorf("resolve tenant %s: %w", r.TenantID, err)
		}
	}

	now := time.Now()
	grants := make([]*Grant, 0, len(reqs))
	for _, r := range reqs {
		grants = append(grants, &Grant{
			ID:           uuid.NewString(),
			UserID:       r.UserID,
			TenantID:     r.TenantID,
			ResourceType: r.ResourceType,
			Actions:      mergeActions(nil, r.Actions),
			GrantedBy:    grantedBy,
			GrantedAt:    now,
			UpdatedAt:    now,
		})
	}

	if err := s.grants.CreateBatch(ctx, grants); err != nil {
		return nil, err
	}

	for _, g := range grants {
		s.invalidate(ctx, g.UserID, g.TenantID, g.ResourceType)
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypePermissionGranted,
		ActorID:  grantedBy,
		Metadata: map[string]any{"bulk": len(grants)},
	})
	return grants, nil
}

// GetInheritedPermissions returns the grants a user holds at every
// ancestor of a tenant, root first. A root tenant inherits nothing.
func (s *Service) GetInheritedPermissions(ctx context.Context, userID, tenantID string) ([]*InheritedGrant, error) {
	t, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve tenant: %w", err)
	}

	var out []*InheritedGrant
	now := time.Now()
	for _, ancestorID := range t.Ancestors() {
		grants, err := s.grants.ListByUserTenant(ctx, userID, ancestorID)
		if err != nil {
			return nil, fmt.Errorf("list grants at %s: %w", ancestorID, err)
		}
		sort.Slice(grants, func(i, j int) bool {
			return grants[i].ResourceType < grants[j].ResourceType
		})
		for _, g := range grants {
			if g.IsExpired(now) {
				continue
			}
			out = append(out, &InheritedGrant{
				Grant:          *g,
				Inherited:      true,
				SourceTenantID: ancestorID,
			})
		}
	}
	return out, nil
}

// ListUserGrants returns a user's direct grants at one tenant
func (s *Service) ListUserGrants(ctx context.Context, userID, tenantID string) ([]*Grant, error) {
	return s.grants.ListByUserTenant(ctx, userID, tenantID)
}

// CleanupExpired deletes grants past their expiry
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return s.grants.DeleteExpired(ctx)
}

// invalidate drops every cached decision the grant tuple could have fed
func (s *Service) invalidate(ctx context.Context, userID, tenantID, resourceType string) {
	if s.cache == nil {
		return
	}
	keys := make([]string, 0, len(registry[resourceType]))
	for _, action := range registry[resourceType] {
		keys = append(keys, cacheKey(userID, tenantID, resourceType, action))
	}
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		slog.WarnContext(ctx, "permission cache invalidation failed", logger.Error(err))
	}
}

func validateGrantInput(resourceType string, actions []string) error {
	if !ValidResourceType(resourceType) {
		return ErrInvalidResource
	}
	if len(actions) == 0 {
		return ErrEmptyActions
	}
	for _, a := range actions {
		if !ValidAction(resourceType, a) {
			return fmt.Errorf("%w: %s on %s", ErrInvalidAction, a, resourceType)
		}
	}
	return nil
}

// mergeActions unions two action sets, sorted for stable comparisons
func mergeActions(existing, added []string) []string {
	set := map[string]bool{}
	for _, a := range existing {
		set[a] = true
	}
	for _, a := range added {
		set[a] = true
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
