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
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/heimdall-iam/heimdall/internal/token"
)

// TokenRepository implements token.Repository
type TokenRepository struct {
	db *DB
}

// NewTokenRepository creates a new token repository
func NewTokenRepository(db *DB) *TokenRepository {
	return &TokenRepository{db: db}
}

const tokenColumns = `
	id, family_id, tenant_id, client_id, user_id, scope, refresh_hash,
	issued_at, expires_at, rotated_from_id, rotated_to_id, rotated_at,
	revoked_at, revoked_reason`

// Create inserts a new token record
func (r *TokenRepository) Create(ctx context.Context, record *token.TokenRecord) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO token_records (
			id, family_id, tenant_id, client_id, user_id, scope, refresh_hash,
			issued_at, expires_at, rotated_from_id, rotated_to_id, rotated_at,
			revoked_at, revoked_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		record.ID, record.FamilyID, record.TenantID, record.ClientID, nullString(record.UserID),
		record.Scope, record.RefreshHash, record.IssuedAt, record.ExpiresAt,
		record.RotatedFromID, record.RotatedToID, nullTimePtr(record.RotatedAt),
		nullTimePtr(record.RevokedAt), record.RevokedReason,
	)
	if err != nil {
		return fmt.Errorf("failed to create token record: %w", err)
	}
	return nil
}

// GetByID retrieves a token record by its ID
func (r *TokenRepository) GetByID(ctx context.Context, id string) (*token.TokenRecord, error) {
	row := r.db.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM token_records WHERE id = $1`, id)
	return scanTokenRecord(row)
}

// GetByRefreshHash retrieves a token record by the hash of its refresh token
func (r *TokenRepository) GetByRefreshHash(ctx context.Context, hash string) (*token.TokenRecord, error) {
	row := r.db.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM token_records WHERE refresh_hash = $1`, hash)
	return scanTokenRecord(row)
}

// Rotate atomically consumes the old record and inserts its replacement.
// The consume is conditional on the record being unrotated and unrevoked,
// so of two concurrent rotations exactly one commits.
func (r *TokenRepository) Rotate(ctx context.Context, oldID string, rotatedAt time.Time, replacement *token.TokenRecord) error {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin rotation: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE token_records
		SET rotated_to_id = $1, rotated_at = $2
		WHERE id = $3 AND rotated_to_id IS NULL AND revoked_at IS NULL
	`, replacement.ID, rotatedAt, oldID)
	if err != nil {
		return fmt.Errorf("failed to consume token record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return token.ErrTokenConsumed
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO token_records (
			id, family_id, tenant_id, client_id, user_id, scope, refresh_hash,
			issued_at, expires_at, rotated_from_id, rotated_to_id, rotated_at,
			revoked_at, revoked_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		replacement.ID, replacement.FamilyID, replacement.TenantID, replacement.ClientID,
		nullString(replacement.UserID), replacement.Scope, replacement.RefreshHash,
		replacement.IssuedAt, replacement.ExpiresAt, replacement.RotatedFromID,
		replacement.RotatedToID, nullTimePtr(replacement.RotatedAt),
		nullTimePtr(replacement.RevokedAt), replacement.RevokedReason,
	)
	if err != nil {
		return fmt.Errorf("failed to insert replacement record: %w", err)
	}

	return tx.Commit(ctx)
}

// Revoke marks a single token record revoked
func (r *TokenRepository) Revoke(ctx context.Context, id, reason string, at time.Time) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE token_records
		SET revoked_at = $1, revoked_reason = $2
		WHERE id = $3 AND revoked_at IS NULL
	`, at, reason, id)
	if err != nil {
		return fmt.Errorf("failed to revoke token record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already revoked or unknown; revocation is idempotent either way
		var exists bool
		if err := r.db.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM token_records WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check token record: %w", err)
		}
		if !exists {
			return token.ErrTokenNotFound
		}
	}
	return nil
}

// RevokeFamily revokes every unrevoked member of a family
func (r *TokenRepository) RevokeFamily(ctx context.Context, familyID, reason string, at time.Time) (int64, error) {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE token_records
		SET revoked_at = $1, revoked_reason = $2
		WHERE family_id = $3 AND revoked_at IS NULL
	`, at, reason, familyID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke token family: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RevokeByClient revokes every unrevoked record issued to a client
func (r *TokenRepository) RevokeByClient(ctx context.Context, clientID, reason string, at time.Time) (int64, error) {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE token_records
		SET revoked_at = $1, revoked_reason = $2
		WHERE client_id = $3 AND revoked_at IS NULL
	`, at, reason, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke client tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired removes token records past their refresh expiry
func (r *TokenRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.pool.Exec(ctx,
		`DELETE FROM token_records WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired token records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanTokenRecord(row pgx.Row) (*token.TokenRecord, error) {
	var rec token.TokenRecord
	var userID sql.NullString
	var rotatedAt, revokedAt sql.NullTime

	err := row.Scan(
		&rec.ID, &rec.FamilyID, &rec.TenantID, &rec.ClientID, &userID,
		&rec.Scope, &rec.RefreshHash, &rec.IssuedAt, &rec.ExpiresAt,
		&rec.RotatedFromID, &rec.RotatedToID, &rotatedAt,
		&revokedAt, &rec.RevokedReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, token.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token record: %w", err)
	}

	if userID.Valid {
		rec.UserID = userID.String
	}
	if rotatedAt.Valid {
		rec.RotatedAt = &rotatedAt.Time
	}
	if revokedAt.Valid {
		rec.RevokedAt = &revokedAt.Time
	}
	return &rec, nil
}
