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

package tenant

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/heimdall-iam/heimdall/internal/audit"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Service provides tenant hierarchy management. All path and level
// maintenance lives here rather than in database triggers so the
// invariants are unit-testable.
type Service struct {
	repo        Repository
	auditLogger audit.Logger
	maxDepth    int
}

// NewService creates a new tenant service. maxDepth caps the hierarchy
// level; a root tenant sits at level 0.
func NewService(repo Repository, auditLogger audit.Logger, maxDepth int) *Service {
	if maxDepth <= 0 {
		maxDepth = 5
	}
	return &Service{repo: repo, auditLogger: auditLogger, maxDepth: maxDepth}
}

// CreateTenant creates a tenant, optionally under a parent. The new
// tenant's path is its parent's path plus itself.
func (s *Service) CreateTenant(ctx context.Context, slug, name, plan string, parentID *string) (*Tenant, error) {
	if !slugPattern.MatchString(slug) {
		return nil, fmt.Errorf("invalid tenant slug: %q", slug)
	}
	if name == "" {
		return nil, fmt.Errorf("tenant name is required")
	}
	if plan == "" {
		plan = PlanFree
	}

	if _, err := s.repo.GetBySlug(ctx, slug); err == nil {
		return nil, ErrDuplicateSlug
	}

	id := uuid.NewString()
	path := []string{id}
	if parentID != nil {
		parent, err := s.repo.GetByID(ctx, *parentID)
		if err != nil {
			return nil, fmt.Errorf("parent tenant: %w", err)
		}
		if len(parent.Path) >= s.maxDepth+1 {
			return nil, ErrDepthExceeded
		}
		path = append(append([]string{}, parent.Path...), id)
	}

	now := time.Now()
	t := &Tenant{
		ID:        id,
		Slug:      slug,
		Name:      name,
		ParentID:  parentID,
		Path:      path,
		Level:     len(path) - 1,
		Plan:      plan,
		Status:    StatusActive,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTenantCreated,
		TenantID: t.ID,
		Resource: slug,
		Metadata: map[string]any{"level": t.Level},
	})
	return t, nil
}

// GetTenant retrieves a tenant by ID
func (s *Service) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	return s.repo.GetByID(ctx, id)
}

// Plan reports the tenant's plan. The session service consumes this to
// size the per-user concurrency cap.
func (s *Service) Plan(ctx context.Context, id string) (string, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return t.Plan, nil
}

// GetTenantBySlug retrieves a tenant by slug
func (s *Service) GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error) {
	return s.repo.GetBySlug(ctx, slug)
}

// ListTenants lists tenants with pagination
func (s *Service) ListTenants(ctx context.Context, limit, offset int) ([]*Tenant, error) {
	return s.repo.List(ctx, limit, offset)
}

// ListChildren returns a tenant's direct children
func (s *Service) ListChildren(ctx context.Context, id string) ([]*Tenant, error) {
	return s.repo.ListChildren(ctx, id)
}

// MoveTenant reparents a tenant and rewrites the materialized path of
// every descendant in one transaction. Moving under itself or one of
// its own descendants fails with ErrCycleDetected.
func (s *Service) MoveTenant(ctx context.Context, id string, newParentID *string) (*Tenant, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var newBase []string
	if newParentID != nil {
		if *newParentID == id {
			return nil, ErrCycleDetected
		}
		parent, err := s.repo.GetByID(ctx, *newParentID)
		if err != nil {
			return nil, fmt.Errorf("new parent tenant: %w", err)
		}
		if t.IsAncestorOf(parent) {
			return nil, ErrCycleDetected
		}
		newBase = parent.Path
	}

	descendants, err := s.repo.ListDescendants(ctx, id)
	if err != nil {
		return nil, err
	}

	// The subtree keeps its shape; only the prefix above t changes.
	// Depth is checked against the deepest node after the move.
	subtreeHeight := 0
	for _, d := range descendants {
		if h := d.Level - t.Level; h > subtreeHeight {
			subtreeHeight = h
		}
	}
	newLevel := len(newBase)
	if newLevel+subtreeHeight > s.maxDepth {
		return nil, ErrDepthExceeded
	}

	oldLevel := t.Level
	now := time.Now()
	t.ParentID = newParentID
	t.Path = append(append([]string{}, newBase...), id)
	t.Level = newLevel
	t.UpdatedAt = now

	// Breadth-first by level so every node's parent is rewritten before
	// the node itself, leaving no stale intermediate paths.
	byID := map[string]*Tenant{t.ID: t}
	pending := append([]*Tenant{}, descendants...)
	for level := oldLevel + 1; len(pending) > 0; level++ {
		var rest []*Tenant
		progressed := false
		for _, d := range pending {
			if d.Level != level {
				rest = append(rest, d)
				continue
			}
			parent := byID[*d.ParentID]
			d.Path = append(append([]string{}, parent.Path...), d.ID)
			d.Level = parent.Level + 1
			d.UpdatedAt = now
			byID[d.ID] = d
			progressed = true
		}
		pending = rest
		if !progressed && len(pending) > 0 {
			return nil, fmt.Errorf("inconsistent subtree under tenant %s", id)
		}
	}

	batch := make([]*Tenant, 0, len(descendants)+1)
	batch = append(batch, t)
	batch = append(batch, descendants...)
	if err := s.repo.SaveSubtree(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to move tenant: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTenantMoved,
		TenantID: t.ID,
		Metadata: map[string]any{"descendants": len(descendants), "new_level": t.Level},
	})
	return t, nil
}

// UpdateTenant changes mutable fields. Slug, parent, and path are
// immutable here; use MoveTenant to reparent.
func (s *Service) UpdateTenant(ctx context.Context, id string, name, plan, status *string) (*Tenant, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if name != nil {
		t.Name = *name
	}
	if plan != nil {
		t.Plan = *plan
	}
	if status != nil {
		if *status != StatusActive && *status != StatusInactive {
			return nil, fmt.Errorf("invalid tenant status: %s", *status)
		}
		t.Status = *status
	}
	t.UpdatedAt = time.Now()
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// DeleteTenant removes a leaf tenant. Tenants with children cannot be
// deleted; move or delete the children first.
func (s *Service) DeleteTenant(ctx context.Context, id string) error {
	children, err := s.repo.ListChildren(ctx, id)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return ErrHasChildren
	}
	return s.repo.Delete(ctx, id)
}
