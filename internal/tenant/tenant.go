package tenant

import (
	"time"
)

// Tenant is a node in the organization hierarchy. Path is materialized
// root-to-self inclusive, so Level is always len(Path)-1 and ancestry
// checks never need a recursive query.
type Tenant struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	ParentID  *string   `json:"parent_id,omitempty"`
	Path      []string  `json:"path"`
	Level     int       `json:"level"`
	Plan      string    `json:"plan"`
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultTenantID is the ID of the default root tenant
const DefaultTenantID = "default"

// Status constants
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Plan constants. The plan caps concurrent sessions per user.
const (
	PlanFree       = "free"
	PlanTeam       = "team"
	PlanEnterprise = "enterprise"
)

// IsRoot reports whether the tenant has no parent
func (t *Tenant) IsRoot() bool {
	return t.ParentID == nil
}

// IsAncestorOf reports whether t appears on other's materialized path,
// excluding other itself.
func (t *Tenant) IsAncestorOf(other *Tenant) bool {
	for _, id := range other.Path {
		if id == other.ID {
			continue
		}
		if id == t.ID {
			return true
		}
	}
	return false
}

// Ancestors returns the path excluding self, root first. A root tenant
// has none.
func (t *Tenant) Ancestors() []string {
	if len(t.Path) <= 1 {
		return nil
	}
	return t.Path[:len(t.Path)-1]
}
