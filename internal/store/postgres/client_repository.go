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

// ClientRepository implements oauth2.ClientRepository
type ClientRepository struct {
	db *DB
}

// NewClientRepository creates a new client repository
func NewClientRepository(db *DB) *ClientRepository {
	return &ClientRepository{db: db}
}

const clientColumns = `
	id, client_id, tenant_id, client_secret_hash, client_name, client_uri,
	redirect_uris, allowed_scopes, require_pkce, require_consent, is_trusted,
	status, owner_id, created_at, updated_at, deleted_at`

// Create registers a new client
func (r *ClientRepository) Create(ctx context.Context, client *oauth2.Client) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO oauth_clients (
			id, client_id, tenant_id, client_secret_hash, client_name, client_uri,
			redirect_uris, allowed_scopes, require_pkce, require_consent, is_trusted,
			status, owner_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		client.ID, client.ClientID, client.TenantID, client.ClientSecretHash,
		client.ClientName, nullString(client.ClientURI), client.RedirectURIs,
		client.AllowedScopes, client.RequirePKCE, client.RequireConsent,
		client.IsTrusted, client.Status, nullString(client.OwnerID),
		client.CreatedAt, client.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

// GetByClientID retrieves a client by its public client_id
func (r *ClientRepository) GetByClientID(ctx context.Context, clientID string) (*oauth2.Client, error) {
	row := r.db.pool.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients WHERE client_id = $1 AND deleted_at IS NULL`,
		clientID)
	return scanClient(row)
}

// GetByID retrieves a client by its internal ID
func (r *ClientRepository) GetByID(ctx context.Context, id string) (*oauth2.Client, error) {
	row := r.db.pool.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients WHERE id = $1 AND deleted_at IS NULL`,
		id)
	return scanClient(row)
}

// Update rewrites the client's mutable fields
func (r *ClientRepository) Update(ctx context.Context, client *oauth2.Client) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE oauth_clients
		SET client_name = $1, client_uri = $2, redirect_uris = $3,
		    allowed_scopes = $4, require_pkce = $5, require_consent = $6,
		    is_trusted = $7, status = $8, client_secret_hash = $9, updated_at = $10
		WHERE id = $11 AND deleted_at IS NULL
	`,
		client.ClientName, nullString(client.ClientURI), client.RedirectURIs,
		client.AllowedScopes, client.RequirePKCE, client.RequireConsent,
		client.IsTrusted, client.Status, client.ClientSecretHash, client.UpdatedAt,
		client.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return oauth2.ErrClientNotFound
	}
	return nil
}

// Revoke soft-deletes a client and marks it revoked
func (r *ClientRepository) Revoke(ctx context.Context, id string) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE oauth_clients
		SET status = $1, deleted_at = now(), updated_at = now()
		WHERE id = $2 AND deleted_at IS NULL
	`, oauth2.ClientStatusRevoked, id)
	if err != nil {
		return fmt.Errorf("failed to revoke client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return oauth2.ErrClientNotFound
	}
	return nil
}

// ListByTenant returns a tenant's clients, newest first
func (r *ClientRepository) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*oauth2.Client, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients
		 WHERE tenant_id = $1 AND deleted_at IS NULL
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []*oauth2.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	return clients, rows.Err()
}

func scanClient(row pgx.Row) (*oauth2.Client, error) {
	var client oauth2.Client
	var clientURI, ownerID sql.NullString
	var deletedAt sql.NullTime

	err := row.Scan(
		&client.ID, &client.ClientID, &client.TenantID, &client.ClientSecretHash,
		&client.ClientName, &clientURI, &client.RedirectURIs, &client.AllowedScopes,
		&client.RequirePKCE, &client.RequireConsent, &client.IsTrusted,
		&client.Status, &ownerID, &client.CreatedAt, &client.UpdatedAt, &deletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, oauth2.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	client.ClientURI = clientURI.String
	client.OwnerID = ownerID.String
	client.DeletedAt = timePtr(deletedAt)
	return &client, nil
}
