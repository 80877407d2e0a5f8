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

	"github.com/jackc/pgx/v5"

	"github.com/heimdall-iam/heimdall/internal/oauth2"
)

// ConsentRepository implements oauth2.ConsentRepository
type ConsentRepository struct {
	db *DB
}

// NewConsentRepository creates a new consent repository
func NewConsentRepository(db *DB) *ConsentRepository {
	return &ConsentRepository{db: db}
}

// Upsert stores or replaces a user's standing consent for a client
func (r *ConsentRepository) Upsert(ctx context.Context, consent *oauth2.ConsentRecord) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO consents (id, user_id, client_id, granted_scopes, granted_at, updated_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, client_id) DO UPDATE
		SET granted_scopes = EXCLUDED.granted_scopes,
		    updated_at = EXCLUDED.updated_at,
		    revoked_at = EXCLUDED.revoked_at
	`,
		consent.ID, consent.UserID, consent.ClientID, consent.GrantedScopes,
		consent.GrantedAt, consent.UpdatedAt, nullTimePtr(consent.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert consent: %w", err)
	}
	return nil
}

// GetByUserAndClient retrieves a user's consent for a client
func (r *ConsentRepository) GetByUserAndClient(ctx context.Context, userID, clientID string) (*oauth2.ConsentRecord, error) {
	var consent oauth2.ConsentRecord
	var revokedAt sql.NullTime

	err := r.db.pool.QueryRow(ctx, `
		SELECT id, user_id, client_id, granted_scopes, granted_at, updated_at, revoked_at
		FROM consents
		WHERE user_id = $1 AND client_id = $2
	`, userID, clientID).Scan(
		&consent.ID, &consent.UserID, &consent.ClientID, &consent.GrantedScopes,
		&consent.GrantedAt, &consent.UpdatedAt, &revokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, oauth2.ErrConsentNotFound
		}
		return nil, fmt.Errorf("failed to get consent: %w", err)
	}

	consent.RevokedAt = timePtr(revokedAt)
	return &consent, nil
}

// Delete removes a user's consent for a client
func (r *ConsentRepository) Delete(ctx context.Context, userID, clientID string) error {
	tag, err := r.db.pool.Exec(ctx,
		`DELETE FROM consents WHERE user_id = $1 AND client_id = $2`,
		userID, clientID)
	if err != nil {
		return fmt.Errorf("failed to delete consent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return oauth2.ErrConsentNotFound
	}
	return nil
}
