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

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/heimdall-iam/heimdall/internal/tenant"
)

// TenantRepository implements tenant.Repository
type TenantRepository struct {
	db *DB
}

// NewTenantRepository creates a new tenant repository
func NewTenantRepository(db *DB) *TenantRepository {
	return &TenantRepository{db: db}
}

const tenantColumns = `
	id, slug, name, parent_id, path, level, plan, status, version,
	created_at, updated_at`

// Create inserts a new tenant
func (r *TenantRepository) Create(ctx context.Context, t *tenant.Tenant) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO tenants (
			id, slug, name, parent_id, path, level, plan, status, version,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		t.ID, t.Slug, t.Name, t.ParentID, t.Path, t.Level, t.Plan, t.Status,
		t.Version, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return tenant.ErrDuplicateSlug
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// GetByID retrieves a tenant by ID
func (r *TenantRepository) GetByID(ctx context.Context, id string) (*tenant.Tenant, error) {
	row := r.db.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	return scanTenant(row)
}

// GetBySlug retrieves a tenant by slug
func (r *TenantRepository) GetBySlug(ctx context.Context, slug string) (*tenant.Tenant, error) {
	row := r.db.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug)
	return scanTenant(row)
}

// Update rewrites mutable fields under an optimistic version check
func (r *TenantRepository) Update(ctx context.Context, t *tenant.Tenant) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE tenants
		SET name = $1, plan = $2, status = $3, updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6
	`, t.Name, t.Plan, t.Status, t.UpdatedAt, t.ID, t.Version)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM tenants WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check tenant: %w", err)
		}
		if !exists {
			return tenant.ErrTenantNotFound
		}
		return tenant.ErrVersionConflict
	}
	t.Version++
	return nil
}

// Delete removes a tenant. Callers enforce the leaf-only rule; a foreign
// key from a surviving child surfaces here as ErrHasChildren.
func (r *TenantRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return tenant.ErrHasChildren
		}
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenant.ErrTenantNotFound
	}
	return nil
}

// List returns tenants ordered by path for stable tree traversal
func (r *TenantRepository) List(ctx context.Context, limit, offset int) ([]*tenant.Tenant, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT `+tenantColumns+` FROM tenants ORDER BY path LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()
	return collectTenants(rows)
}

// ListChildren returns direct children of a tenant
func (r *TenantRepository) ListChildren(ctx context.Context, id string) ([]*tenant.Tenant, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE parent_id = $1 ORDER BY slug`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer rows.Close()
	return collectTenants(rows)
}

// ListDescendants returns every tenant under id, excluding id itself
func (r *TenantRepository) ListDescendants(ctx context.Context, id string) ([]*tenant.Tenant, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE $1 = ANY(path) AND id <> $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list descendants: %w", err)
	}
	defer rows.Close()
	return collectTenants(rows)
}

// SaveSubtree persists path, level, and parent for all given tenants in a
// single transaction. Version checks make a concurrent move of the same
// subtree fail as a conflict instead of silently interleaving.
func (r *TenantRepository) SaveSubtree(ctx context.Context, tenants []*tenant.Tenant) error {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin subtree save: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, t := range tenants {
		tag, err := tx.Exec(ctx, `
			UPDATE tenants
			SET parent_id = $1, path = $2, level = $3, updated_at = $4, version = version + 1
			WHERE id = $5 AND version = $6
		`, t.ParentID, t.Path, t.Level, t.UpdatedAt, t.ID, t.Version)
		if err != nil {
			return fmt.Errorf("failed to save tenant %s: %w", t.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return tenant.ErrVersionConflict
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit subtree save: %w", err)
	}
	for _, t := range tenants {
		t.Version++
	}
	return nil
}

func scanTenant(row pgx.Row) (*tenant.Tenant, error) {
	var t tenant.Tenant
	err := row.Scan(
		&t.ID, &t.Slug, &t.Name, &t.ParentID, &t.Path, &t.Level,
		&t.Plan, &t.Status, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tenant.ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}

func collectTenants(rows pgx.Rows) ([]*tenant.Tenant, error) {
	var tenants []*tenant.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
