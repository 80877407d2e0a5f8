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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/heimdall-iam/heimdall/internal/permission"
)

// GrantRepository implements permission.Repository
type GrantRepository struct {
	db *DB
}

// NewGrantRepository creates a new permission grant repository
func NewGrantRepository(db *DB) *GrantRepository {
	return &GrantRepository{db: db}
}

const grantColumns = `
	id, user_id, tenant_id, resource_type, actions, conditions, expires_at,
	granted_by, granted_at, updated_at`

// Create inserts a new grant
func (r *GrantRepository) Create(ctx context.Context, grant *permission.Grant) error {
	conditions, err := marshalConditions(grant.Conditions)
	if err != nil {
		return err
	}
	_, err = r.db.pool.Exec(ctx, `
		INSERT INTO permission_grants (
			id, user_id, tenant_id, resource_type, actions, conditions, expires_at,
			granted_by, granted_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		grant.ID, grant.UserID, grant.TenantID, grant.ResourceType, grant.Actions,
		conditions, nullTimePtr(grant.ExpiresAt), grant.GrantedBy,
		grant.GrantedAt, grant.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create grant: %w", err)
	}
	return nil
}

// GetByTuple fetches the grant for (user, tenant, resourceType)
func (r *GrantRepository) GetByTuple(ctx context.Context, userID, tenantID, resourceType string) (*permission.Grant, error) {
	row := r.db.pool.QueryRow(ctx,
		`SELECT `+grantColumns+` FROM permission_grants
		 WHERE user_id = $1 AND tenant_id = $2 AND resource_type = $3`,
		userID, tenantID, resourceType)
	return scanGrant(row)
}

// ListByUserTenant fetches all grants for a user at a tenant
func (r *GrantRepository) ListByUserTenant(ctx context.Context, userID, tenantID string) ([]*permission.Grant, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT `+grantColumns+` FROM permission_grants
		 WHERE user_id = $1 AND tenant_id = $2
		 ORDER BY resource_type`,
		userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var grants []*permission.Grant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

// Update rewrites a grant's actions, conditions, and expiry
func (r *GrantRepository) Update(ctx context.Context, grant *permission.Grant) error {
	conditions, err := marshalConditions(grant.Conditions)
	if err != nil {
		return err
	}
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE permission_grants
		SET actions = $1, conditions = $2, expires_at = $3, updated_at = $4
		WHERE id = $5
	`, grant.Actions, conditions, nullTimePtr(grant.ExpiresAt), grant.UpdatedAt, grant.ID)
	if err != nil {
		return fmt.Errorf("failed to update grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return permission.ErrGrantNotFound
	}
	return nil
}

// Delete removes a grant row
func (r *GrantRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.pool.Exec(ctx,
		`DELETE FROM permission_grants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return permission.ErrGrantNotFound
	}
	return nil
}

// CreateBatch inserts all grants in one transaction
func (r *GrantRepository) CreateBatch(ctx context.Context, grants []*permission.Grant) error {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin batch grant: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, grant := range grants {
		conditions, err := marshalConditions(grant.Conditions)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO permission_grants (
				id, user_id, tenant_id, resource_type, actions, conditions, expires_at,
				granted_by, granted_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			grant.ID, grant.UserID, grant.TenantID, grant.ResourceType, grant.Actions,
			conditions, nullTimePtr(grant.ExpiresAt), grant.GrantedBy,
			grant.GrantedAt, grant.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create grant for %s/%s: %w", grant.TenantID, grant.ResourceType, err)
		}
	}

	return tx.Commit(ctx)
}

// DeleteExpired removes grants past their expiry
func (r *GrantRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.pool.Exec(ctx,
		`DELETE FROM permission_grants WHERE expires_at IS NOT NULL AND expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired grants: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanGrant(row pgx.Row) (*permission.Grant, error) {
	var grant permission.Grant
	var conditions []byte
	var expiresAt sql.NullTime

	err := row.Scan(
		&grant.ID, &grant.UserID, &grant.TenantID, &grant.ResourceType,
		&grant.Actions, &conditions, &expiresAt,
		&grant.GrantedBy, &grant.GrantedAt, &grant.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, permission.ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}

	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &grant.Conditions); err != nil {
			return nil, fmt.Errorf("failed to decode grant conditions: %w", err)
		}
	}
	grant.ExpiresAt = timePtr(expiresAt)
	return &grant, nil
}

func marshalConditions(conditions map[string]string) ([]byte, error) {
	if len(conditions) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(conditions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode grant conditions: %w", err)
	}
	return data, nil
}
