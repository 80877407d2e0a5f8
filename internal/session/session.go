package session

import (
	"context"
	"errors"
	"time"
)

// Domain errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionRevoked  = errors.New("session revoked")
)

// DeviceInfo describes the client that opened a session. It feeds the
// eviction score and is shown to the user in session listings.
type DeviceInfo struct {
	IPAddress  string
	UserAgent  string
	DeviceName string
}

// Session represents an authenticated user session
type Session struct {
	ID           string
	UserID       string
	TenantID     string
	Device       DeviceInfo
	CreatedAt    time.Time
	LastActiveAt time.Time
	ExpiresAt    time.Time
	RevokedAt    *time.Time
}

// IsExpired checks if the session has expired
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// IsActive reports whether the session is neither revoked nor expired
func (s *Session) IsActive() bool {
	return s.RevokedAt == nil && !s.IsExpired()
}

// IsIdle checks if the session has been idle for too long
func (s *Session) IsIdle(idleTimeout time.Duration) bool {
	return time.Since(s.LastActiveAt) > idleTimeout
}

// Repository defines the interface for session persistence
type Repository interface {
	// Create creates a new session
	Create(ctx context.Context, session *Session) error

	// GetByID retrieves a session by ID
	GetByID(ctx context.Context, id string) (*Session, error)

	// ListActiveByUser returns all live sessions for a user
	ListActiveByUser(ctx context.Context, userID string) ([]*Session, error)

	// Touch updates activity and, when sliding expiry is on, the deadline
	Touch(ctx context.Context, id string, lastActiveAt, expiresAt time.Time) error

	// Revoke marks a session revoked
	Revoke(ctx context.Context, id string, at time.Time) error

	// RevokeByUser revokes all sessions for a user, returning the count
	RevokeByUser(ctx context.Context, userID string, at time.Time) (int64, error)

	// DeleteExpired removes sessions past their deadline
	DeleteExpired(ctx context.Context) (int64, error)
}
