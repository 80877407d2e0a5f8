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

	"github.com/heimdall-iam/heimdall/internal/session"
)

// SessionRepository implements session.Repository
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create creates a new session
func (r *SessionRepository) Create(ctx context.Context, s *session.Session) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO sessions (
			id, user_id, tenant_id, ip_address, user_agent, device_name,
			created_at, last_active_at, expires_at, revoked_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		s.ID, s.UserID, s.TenantID,
		nullString(s.Device.IPAddress), nullString(s.Device.UserAgent), nullString(s.Device.DeviceName),
		s.CreatedAt, s.LastActiveAt, s.ExpiresAt, nullTimePtr(s.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetByID retrieves a session
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*session.Session, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT id, user_id, tenant_id, ip_address, user_agent, device_name,
		       created_at, last_active_at, expires_at, revoked_at
		FROM sessions
		WHERE id = $1
	`, id)
	return scanSession(row)
}

// ListActiveByUser returns all live sessions for a user
func (r *SessionRepository) ListActiveByUser(ctx context.Context, userID string) ([]*session.Session, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, user_id, tenant_id, ip_address, user_agent, device_name,
		       created_at, last_active_at, expires_at, revoked_at
		FROM sessions
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > now()
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Touch updates activity and the expiry deadline
func (r *SessionRepository) Touch(ctx context.Context, id string, lastActiveAt, expiresAt time.Time) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE sessions
		SET last_active_at = $1, expires_at = $2
		WHERE id = $3 AND revoked_at IS NULL
	`, lastActiveAt, expiresAt, id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// Revoke marks a session revoked
func (r *SessionRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE sessions SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL
	`, at, id)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// RevokeByUser revokes all live sessions for a user
func (r *SessionRepository) RevokeByUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE sessions SET revoked_at = $1 WHERE user_id = $2 AND revoked_at IS NULL
	`, at, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired removes sessions past their deadline
func (r *SessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.pool.Exec(ctx,
		`DELETE FROM sessions WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSession(row pgx.Row) (*session.Session, error) {
	var s session.Session
	var ip, ua, device sql.NullString
	var revokedAt sql.NullTime

	err := row.Scan(
		&s.ID, &s.UserID, &s.TenantID, &ip, &ua, &device,
		&s.CreatedAt, &s.LastActiveAt, &s.ExpiresAt, &revokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, session.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	s.Device = session.DeviceInfo{
		IPAddress:  ip.String,
		UserAgent:  ua.String,
		DeviceName: device.String,
	}
	s.RevokedAt = timePtr(revokedAt)
	return &s, nil
}
