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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdall-iam/heimdall/internal/audit"
)

type memRepo struct {
	mu      sync.Mutex
	tenants map[string]*Tenant
}

func newMemRepo() *memRepo {
	return &memRepo{tenants: map[string]*Tenant{}}
}

func clone(t *Tenant) *Tenant {
	cp := *t
	cp.Path = append([]string{}, t.Path...)
	return &cp
}

func (m *memRepo) Create(ctx context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tenants {
		if existing.Slug == t.Slug {
			return ErrDuplicateSlug
		}
	}
	m.tenants[t.ID] = clone(t)
	return nil
}

func (m *memRepo) GetByID(ctx context.Context, id string) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return clone(t), nil
}

func (m *memRepo) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.Slug == slug {
			return clone(t), nil
		}
	}
	return nil, ErrTenantNotFound
}

func (m *memRepo) Update(ctx context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.tenants[t.ID]
	if !ok {
		return ErrTenantNotFound
	}
	if existing.Version != t.Version {
		return ErrVersionConflict
	}
	t.Version++
	m.tenants[t.ID] = clone(t)
	return nil
}

func (m *memRepo) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[id]; !ok {
		return ErrTenantNotFound
	}
	delete(m.tenants, id)
	return nil
}

func (m *memRepo) List(ctx context.Context, limit, offset int) ([]*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Tenant
	for _, t := range m.tenants {
		out = append(out, clone(t))
	}
	return out, nil
}

func (m *memRepo) ListChildren(ctx context.Context, id string) ([]*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Tenant
	for _, t := range m.tenants {
		if t.ParentID != nil && *t.ParentID == id {
			out = append(out, clone(t))
		}
	}
	return out, nil
}

func (m *memRepo) ListDescendants(ctx context.Context, id string) ([]*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Tenant
	for _, t := range m.tenants {
		if t.ID == id {
			continue
		}
		for _, p := range t.Path {
			if p == id {
				out = append(out, clone(t))
				break
			}
		}
	}
	return out, nil
}

func (m *memRepo) SaveSubtree(ctx context.Context, tenants []*Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tenants {
		if _, ok := m.tenants[t.ID]; !ok {
			return ErrTenantNotFound
		}
	}
	for _, t := range tenants {
		cp := clone(t)
		cp.Version = m.tenants[t.ID].Version + 1
		m.tenants[t.ID] = cp
	}
	return nil
}

func newTestService(repo Repository) *Service {
	return NewService(repo, audit.NewSlogLogger(), 5)
}

// mustCreate builds a small tree and fails the test on any error
func mustCreate(t *testing.T, svc *Service, slug string, parent *Tenant) *Tenant {
	t.Helper()
	var parentID *string
	if parent != nil {
		parentID = &parent.ID
	}
	created, err := svc.CreateTenant(context.Background(), slug, slug, PlanTeam, parentID)
	require.NoError(t, err)
	return created
}

func TestTenant_CreatePaths(t *testing.T) {
	svc := newTestService(newMemRepo())

	root := mustCreate(t, svc, "acme", nil)
	assert.Equal(t, []string{root.ID}, root.Path)
	assert.Equal(t, 0, root.Level)
	assert.True(t, root.IsRoot())
	assert.Empty(t, root.Ancestors())

	child := mustCreate(t, svc, "acme-eu", root)
	assert.Equal(t, []string{root.ID, child.ID}, child.Path)
	assert.Equal(t, 1, child.Level)
	assert.Equal(t, []string{root.ID}, child.Ancestors())

	grand := mustCreate(t, svc, "acme-eu-de", child)
	assert.Equal(t, []string{root.ID, child.ID, grand.ID}, grand.Path)
	assert.Equal(t, 2, grand.Level)
}

func TestTenant_CreateValidation(t *testing.T) {
	svc := newTestService(newMemRepo())
	ctx := context.Background()

	mustCreate(t, svc, "acme", nil)

	_, err := svc.CreateTenant(ctx, "acme", "Duplicate", PlanFree, nil)
	assert.ErrorIs(t, err, ErrDuplicateSlug)

	for _, slug := range []string{"", "Acme", "has space", "-leading", "trailing-", "under_score"} {
		_, err := svc.CreateTenant(ctx, slug, "Bad Slug", PlanFree, nil)
		assert.Error(t, err, "slug %q should be rejected", slug)
	}

	missing := "no-such-id"
	_, err = svc.CreateTenant(ctx, "orphan", "Orphan", PlanFree, &missing)
	assert.Error(t, err)
}

func TestTenant_DepthLimit(t *testing.T) {
	svc := NewService(newMemRepo(), audit.NewSlogLogger(), 2)

	a := mustCreate(t, svc, "a", nil)
	b := mustCreate(t, svc, "b", a)
	c := mustCreate(t, svc, "c", b)

	_, err := svc.CreateTenant(context.Background(), "d", "d", PlanFree, &c.ID)
	assert.ErrorIs(t, err, ErrDepthExceeded)
}

func TestTenant_MoveRewritesDescendantPaths(t *testing.T) {
	svc := newTestService(newMemRepo())
	ctx := context.Background()

	root := mustCreate(t, svc, "root", nil)
	branchA := mustCreate(t, svc, "branch-a", root)
	branchB := mustCreate(t, svc, "branch-b", root)
	leaf := mustCreate(t, svc, "leaf", branchA)
	deepLeaf := mustCreate(t, svc, "deep-leaf", leaf)

	// Move branch-a (with its two descendants) under branch-b
	moved, err := svc.MoveTenant(ctx, branchA.ID, &branchB.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{root.ID, branchB.ID, branchA.ID}, moved.Path)
	assert.Equal(t, 2, moved.Level)

	gotLeaf, err := svc.GetTenant(ctx, leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{root.ID, branchB.ID, branchA.ID, leaf.ID}, gotLeaf.Path)
	assert.Equal(t, 3, gotLeaf.Level)

	gotDeep, err := svc.GetTenant(ctx, deepLeaf.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{root.ID, branchB.ID, branchA.ID, leaf.ID, deepLeaf.ID}, gotDeep.Path)
	assert.Equal(t, 4, gotDeep.Level)
}

func TestTenant_MoveToRoot(t *testing.T) {
	svc := newTestService(newMemRepo())
	ctx := context.Background()

	root := mustCreate(t, svc, "root", nil)
	child := mustCreate(t, svc, "child", root)
	grand := mustCreate(t, svc, "grand", child)

	moved, err := svc.MoveTenant(ctx, child.ID, nil)
	require.NoError(t, err)
	assert.True(t, moved.IsRoot())
	assert.Equal(t, []string{child.ID}, moved.Path)

	gotGrand, _ := svc.GetTenant(ctx, grand.ID)
	assert.Equal(t, []string{child.ID, grand.ID}, gotGrand.Path)
	assert.Equal(t, 1, gotGrand.Level)
}

func TestTenant_MoveCycleRejected(t *testing.T) {
	svc := newTestService(newMemRepo())
	ctx := context.Background()

	root := mustCreate(t, svc, "root", nil)
	child := mustCreate(t, svc, "child", root)
	grand := mustCreate(t, svc, "grand", child)

	_, err := svc.MoveTenant(ctx, root.ID, &grand.ID)
	assert.ErrorIs(t, err, ErrCycleDetected)

	_, err = svc.MoveTenant(ctx, child.ID, &child.ID)
	assert.ErrorIs(t, err, ErrCycleDetected)

	// Paths must be untouched after a rejected move
	gotGrand, _ := svc.GetTenant(ctx, grand.ID)
	assert.Equal(t, []string{root.ID, child.ID, grand.ID}, gotGrand.Path)
}

func TestTenant_MoveDepthRejected(t *testing.T) {
	svc := NewService(newMemRepo(), audit.NewSlogLogger(), 2)
	ctx := context.Background()

	a := mustCreate(t, svc, "a", nil)
	b := mustCreate(t, svc, "b", a)
	c := mustCreate(t, svc, "c", b)

	other := mustCreate(t, svc, "other", nil)
	otherChild := mustCreate(t, svc, "other-child", other)

	// b's subtree is one level tall; under other-child its deepest node
	// would land at level 3, past the cap of 2
	_, err := svc.MoveTenant(ctx, b.ID, &otherChild.ID)
	assert.ErrorIs(t, err, ErrDepthExceeded)

	gotC, _ := svc.GetTenant(ctx, c.ID)
	assert.Equal(t, 2, gotC.Level)
}

func TestTenant_PathNoDuplicates(t *testing.T) {
	svc := newTestService(newMemRepo())
	ctx := context.Background()

	root := mustCreate(t, svc, "root", nil)
	a := mustCreate(t, svc, "a", root)
	b := mustCreate(t, svc, "b", a)
	_, err := svc.MoveTenant(ctx, a.ID, &root.ID)
	require.NoError(t, err)

	for _, id := range []string{root.ID, a.ID, b.ID} {
		got, err := svc.GetTenant(ctx, id)
		require.NoError(t, err)
		seen := map[string]bool{}
		for _, p := range got.Path {
			assert.False(t, seen[p], "duplicate %s in path of %s", p, got.Slug)
			seen[p] = true
		}
		assert.Equal(t, got.ID, got.Path[len(got.Path)-1], "path must end at self")
		assert.Equal(t, len(got.Path)-1, got.Level)
	}
}

func TestTenant_DeleteLeafOnly(t *testing.T) {
	svc := newTestService(newMemRepo())
	ctx := context.Background()

	root := mustCreate(t, svc, "root", nil)
	child := mustCreate(t, svc, "child", root)

	err := svc.DeleteTenant(ctx, root.ID)
	assert.ErrorIs(t, err, ErrHasChildren)

	require.NoError(t, svc.DeleteTenant(ctx, child.ID))
	require.NoError(t, svc.DeleteTenant(ctx, root.ID))
}

func TestTenant_UpdateFields(t *testing.T) {
	svc := newTestService(newMemRepo())
	ctx := context.Background()

	created := mustCreate(t, svc, "acme", nil)

	name := "Acme Corp"
	plan := PlanEnterprise
	updated, err := svc.UpdateTenant(ctx, created.ID, &name, &plan, nil)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", updated.Name)
	assert.Equal(t, PlanEnterprise, updated.Plan)

	bad := "suspended"
	_, err = svc.UpdateTenant(ctx, created.ID, nil, nil, &bad)
	assert.Error(t, err)
}
