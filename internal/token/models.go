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

package token

import (
	"context"
	"errors"
	"time"
)

// Domain errors (Internal)
var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenRevoked  = errors.New("token revoked")
	// ErrTokenConsumed means the presented refresh token has already been
	// rotated: either a benign retransmission or a replay of a stolen token.
	ErrTokenConsumed = errors.New("token already consumed")
)

// Revocation reasons recorded on TokenRecord.RevokedReason
const (
	ReasonReuseDetected = "reuse_detected"
	ReasonUserRequest   = "user_request"
	ReasonClientRevoked = "client_revoked"
	ReasonLogout        = "logout"
)

// TokenRecord represents one access/refresh pair. ID doubles as the access
// token's JTI. FamilyID groups every refresh token descended from one
// original grant; revoking any member revokes the family.
type TokenRecord struct {
	ID              string
	FamilyID        string
	TenantID        string
	ClientID        string
	UserID          string // empty for client-credentials grants
	Scope           string
	RefreshHash     string
	IssuedAt        time.Time
	ExpiresAt       time.Time // refresh expiry; access expiry lives in the JWT
	RotatedFromID   *string
	RotatedToID     *string
	RotatedAt       *time.Time
	RevokedAt       *time.Time
	RevokedReason   string
}

// IsExpired checks if the refresh token has expired
func (t *TokenRecord) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// IsConsumed reports whether this record has been superseded by a rotation
func (t *TokenRecord) IsConsumed() bool {
	return t.RotatedToID != nil
}

// TokenPair is the issuance result returned to clients
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// IntrospectionResponse follows RFC 7662 Section 2.2. Inactive tokens get
// only {"active": false}.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Sub       string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Jti       string `json:"jti,omitempty"`
}

// Repository defines the interface for token record persistence
type Repository interface {
	Create(ctx context.Context, record *TokenRecord) error
	GetByID(ctx context.Context, id string) (*TokenRecord, error)
	GetByRefreshHash(ctx context.Context, hash string) (*TokenRecord, error)

	// Rotate atomically consumes oldID and inserts replacement in one
	// transaction. The consume is conditional (rotated_to IS NULL AND
	// revoked_at IS NULL) so two concurrent legitimate rotations cannot
	// both succeed and fork the family; the loser gets ErrTokenConsumed.
	Rotate(ctx context.Context, oldID string, rotatedAt time.Time, replacement *TokenRecord) error

	Revoke(ctx context.Context, id, reason string, at time.Time) error

	// RevokeFamily revokes every unrevoked member of a family and returns
	// how many records were touched. Idempotent.
	RevokeFamily(ctx context.Context, familyID, reason string, at time.Time) (int64, error)

	RevokeByClient(ctx context.Context, clientID, reason string, at time.Time) (int64, error)

	DeleteExpired(ctx context.Context) (int64, error)
}

// Blacklist tracks revoked access-token JTIs until their natural expiry
type Blacklist interface {
	Add(ctx context.Context, jti string, ttl time.Duration) error
	Contains(ctx context.Context, jti string) (bool, error)
}
