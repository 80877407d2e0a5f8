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

	"github.com/heimdall-iam/heimdall/internal/oauth2"
)

// AuthorizationCodeRepository implements oauth2.AuthorizationCodeRepository on pgx
type AuthorizationCodeRepository struct {
	db *DB
}

// NewAuthorizationCodeRepository creates a new authorization code repository
func NewAuthorizationCodeRepository(db *DB) *AuthorizationCodeRepository {
	return &AuthorizationCodeRepository{db: db}
}

// Create stores a new authorization code
func (r *AuthorizationCodeRepository) Create(ctx context.Context, code *oauth2.AuthorizationCode) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO authorization_codes (
			id, code, client_id, user_id, redirect_uri, scope, state, nonce,
			code_challenge, code_challenge_method, expires_at, used_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		code.ID, code.Code, code.ClientID, code.UserID, code.RedirectURI,
		code.Scope, nullString(code.State), nullString(code.Nonce),
		nullString(code.CodeChallenge), nullString(code.CodeChallengeMethod),
		code.ExpiresAt, nullTimePtr(code.UsedAt), code.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create authorization code: %w", err)
	}
	return nil
}

// GetByCode retrieves an authorization code
func (r *AuthorizationCodeRepository) GetByCode(ctx context.Context, codeStr string) (*oauth2.AuthorizationCode, error) {
	var code oauth2.AuthorizationCode
	var state, nonce, challenge, method sql.NullString
	var usedAt sql.NullTime

	err := r.db.pool.QueryRow(ctx, `
		SELECT id, code, client_id, user_id, redirect_uri, scope, state, nonce,
		       code_challenge, code_challenge_method, expires_at, used_at, created_at
		FROM authorization_codes
		WHERE code = $1
	`, codeStr).Scan(
		&code.ID, &code.Code, &code.ClientID, &code.UserID, &code.RedirectURI,
		&code.Scope, &state, &nonce, &challenge, &method,
		&code.ExpiresAt, &usedAt, &code.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, oauth2.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	code.State = state.String
	code.Nonce = nonce.String
	code.CodeChallenge = challenge.String
	code.CodeChallengeMethod = method.String
	code.UsedAt = timePtr(usedAt)
	return &code, nil
}

// Consume marks the code used with a single conditional write so a code
// presented twice fails on the second attempt regardless of interleaving
func (r *AuthorizationCodeRepository) Consume(ctx context.Context, codeStr string, usedAt time.Time) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE authorization_codes
		SET used_at = $1
		WHERE code = $2 AND used_at IS NULL
	`, usedAt, codeStr)
	if err != nil {
		return fmt.Errorf("failed to consume authorization code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return oauth2.ErrCodeNotFound
	}
	return nil
}

// DeleteExpired removes codes past their expiry
func (r *AuthorizationCodeRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.pool.Exec(ctx,
		`DELETE FROM authorization_codes WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired codes: %w", err)
	}
	return tag.RowsAffected(), nil
}
