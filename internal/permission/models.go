package permission

import (
	"context"
	"errors"
	"time"
)

// Domain errors
var (
	ErrGrantNotFound   = errors.New("permission grant not found")
	ErrInvalidResource = errors.New("unknown resource type")
	ErrInvalidAction   = errors.New("action not in resource vocabulary")
	ErrExpiryInPast    = errors.New("grant expiry must be in the future")
	ErrBatchTooLarge   = errors.New("bulk grant batch exceeds the cap")
	ErrEmptyActions    = errors.New("grant requires at least one action")
)

// Grant is a set of allowed actions on a resource type for one user in
// one tenant. Conditions, when present, must all hold against the
// request context for the grant to match. A nil ExpiresAt never expires.
type Grant struct {
	ID           string
	UserID       string
	TenantID     string
	ResourceType string
	Actions      []string
	Conditions   map[string]string
	ExpiresAt    *time.Time
	GrantedBy    string
	GrantedAt    time.Time
	UpdatedAt    time.Time
}

// IsExpired reports whether the grant is past its expiry
func (g *Grant) IsExpired(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// HasAction reports whether the grant covers an action
func (g *Grant) HasAction(action string) bool {
	for _, a := range g.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// ConditionsMatch evaluates the grant's conditions against the request
// context. Every condition key must be present with an equal value; a
// grant with no conditions always matches.
func (g *Grant) ConditionsMatch(reqCtx map[string]string) bool {
	for k, v := range g.Conditions {
		if reqCtx[k] != v {
			return false
		}
	}
	return true
}

// Decision sources
const (
	SourceDirect    = "direct"
	SourceInherited = "inherited"
	SourceNone      = "none"
)

// Decision is the outcome of a permission check
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Source       string `json:"source"`
	MatchedGrant *Grant `json:"matched_grant,omitempty"`
	// SourceTenantID is set for inherited decisions: the ancestor tenant
	// whose grant matched
	SourceTenantID string `json:"source_tenant_id,omitempty"`
}

// InheritedGrant is a grant seen from a descendant tenant
type InheritedGrant struct {
	Grant
	Inherited      bool   `json:"inherited"`
	SourceTenantID string `json:"source_tenant_id"`
}

// RevocationResult reports what a revoke call removed and what remains
type RevocationResult struct {
	Revoked           []string `json:"revoked"`
	Remaining         []string `json:"remaining"`
	PermissionRemoved bool     `json:"permission_removed"`
}

// Repository defines the interface for grant persistence
type Repository interface {
	// Create inserts a new grant
	Create(ctx context.Context, grant *Grant) error

	// GetByTuple fetches the grant for (user, tenant, resourceType)
	GetByTuple(ctx context.Context, userID, tenantID, resourceType string) (*Grant, error)

	// ListByUserTenant fetches all grants for a user at a tenant
	ListByUserTenant(ctx context.Context, userID, tenantID string) ([]*Grant, error)

	// Update rewrites a grant's actions, conditions, and expiry
	Update(ctx context.Context, grant *Grant) error

	// Delete removes a grant row
	Delete(ctx context.Context, id string) error

	// CreateBatch inserts all grants in one transaction; any failure
	// rolls back the whole batch
	CreateBatch(ctx context.Context, grants []*Grant) error

	// DeleteExpired removes grants past their expiry
	DeleteExpired(ctx context.Context) (int64, error)
}

// Cache is a short-TTL decision cache. Implementations must treat keys
// as opaque; the service owns key construction so tenant isolation is
// decided in exactly one place.
type Cache interface {
	Get(ctx context.Context, key string) (*Decision, bool, error)
	Set(ctx context.Context, key string, decision *Decision, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}
