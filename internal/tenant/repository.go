package tenant

import (
	"context"
	"errors"
)

var (
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrDuplicateSlug   = errors.New("tenant slug already exists")
	ErrCycleDetected   = errors.New("tenant hierarchy cycle detected")
	ErrDepthExceeded   = errors.New("tenant hierarchy depth exceeded")
	ErrHasChildren     = errors.New("tenant has child tenants")
	ErrVersionConflict = errors.New("tenant was modified concurrently")
)

// Repository defines the interface for tenant storage. Update and
// SaveSubtree perform optimistic version checks; a stale Version yields
// ErrVersionConflict.
type Repository interface {
	Create(ctx context.Context, tenant *Tenant) error
	GetByID(ctx context.Context, id string) (*Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)
	Update(ctx context.Context, tenant *Tenant) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit, offset int) ([]*Tenant, error)

	// ListChildren returns direct children of a tenant
	ListChildren(ctx context.Context, id string) ([]*Tenant, error)

	// ListDescendants returns every tenant whose path contains id,
	// excluding the tenant itself, in no particular order
	ListDescendants(ctx context.Context, id string) ([]*Tenant, error)

	// SaveSubtree persists path and level for all given tenants in a
	// single transaction; either every row moves or none does
	SaveSubtree(ctx context.Context, tenants []*Tenant) error
}
