package rbac

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role is a rank in the fixed platform hierarchy
type Role string

const (
	RoleGuest      Role = "guest"
	RoleUser       Role = "user"
	RoleModerator  Role = "moderator"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// roleOrder lists roles from lowest to highest rank
var roleOrder = []Role{RoleGuest, RoleUser, RoleModerator, RoleAdmin, RoleSuperAdmin}

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidRole       = errors.New("invalid role")
	ErrInvalidPermission = errors.New("invalid permission")
	ErrDuplicate         = errors.New("already exists")
)

// Roles returns every known role ordered from lowest to highest rank
func Roles() []Role {
	out := make([]Role, len(roleOrder))
	copy(out, roleOrder)
	return out
}

// Rank returns the position of the role in the hierarchy, or -1 for unknown roles
func (r Role) Rank() int {
	for i, role := range roleOrder {
		if role == r {
			return i
		}
	}
	return -1
}

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r.Rank() >= 0
}

// AtLeast reports whether r ranks at or above min. Unknown roles never satisfy a check.
func (r Role) AtLeast(min Role) bool {
	if !r.Valid() || !min.Valid() {
		return false
	}
	return r.Rank() >= min.Rank()
}

// ParseRole converts a string to a Role
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// PermissionName builds the canonical "resource:action" name
func PermissionName(resource, action string) string {
	return resource + ":" + action
}

// SplitPermissionName parses a "resource:action" name
func SplitPermissionName(name string) (resource, action string, err error) {
	parts := strings.SplitN(name, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q must be resource:action", ErrInvalidPermission, name)
	}
	return parts[0], parts[1], nil
}

// Permission is a named resource:action capability
type Permission struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UserRoleAssignment binds a single role to a user, optionally until ExpiresAt
type UserRoleAssignment struct {
	UserID     int64      `json:"user_id"`
	Role       Role       `json:"role"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	AssignedBy *int64     `json:"assigned_by,omitempty"`
	AssignedAt time.Time  `json:"assigned_at"`
}

// ActiveAt reports whether the assignment is in force at now.
// An assignment whose expiry has passed is treated as absent.
func (a *UserRoleAssignment) ActiveAt(now time.Time) bool {
	if a == nil || !a.Role.Valid() {
		return false
	}
	return a.ExpiresAt == nil || now.Before(*a.ExpiresAt)
}

// RolePermission maps a permission into a role's default set
type RolePermission struct {
	Role         Role      `json:"role"`
	PermissionID int64     `json:"permission_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// ResourceGrant lets one user perform one permission on one resource instance regardless of role
type ResourceGrant struct {
	ResourceID     string    `json:"resource_id"`
	UserID         int64     `json:"user_id"`
	PermissionName string    `json:"permission_name"`
	GrantedBy      *int64    `json:"granted_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ResourceContext narrows a permission check to a specific object.
// The set of implementations is closed; see ResourceInstance.
type ResourceContext interface {
	resourceContext()
}

// ResourceInstance identifies one resource by id
type ResourceInstance struct {
	ResourceID string
}

func (ResourceInstance) resourceContext() {}

// resourceIDOf returns the instance id carried by rc, or "" when rc does not
// name an instance. Both the value and pointer forms are accepted.
func resourceIDOf(rc ResourceContext) string {
	switch v := rc.(type) {
	case ResourceInstance:
		return v.ResourceID
	case *ResourceInstance:
		if v != nil {
			return v.ResourceID
		}
	}
	return ""
}

// DecisionSource records which path allowed a check
type DecisionSource string

const (
	SourceNone          DecisionSource = ""
	SourceRole          DecisionSource = "role"
	SourceResourceGrant DecisionSource = "resource_grant"
)

// Decision is the outcome of a permission or role check
type Decision struct {
	Allowed   bool           `json:"allowed"`
	Reason    string         `json:"reason"`
	Source    DecisionSource `json:"source,omitempty"`
	CacheHit  bool           `json:"cache_hit"`
	CheckedAt time.Time      `json:"checked_at"`
}

// IdentitySnapshot is the resolved role and permission set of one user
type IdentitySnapshot struct {
	UserID        int64      `json:"user_id"`
	Role          *Role      `json:"role"`
	RoleExpiresAt *time.Time `json:"role_expires_at,omitempty"`
	Permissions   []string   `json:"permissions"`
	CachedAt      time.Time  `json:"cached_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

// HasPermission reports whether name is in the snapshot's permission set
func (s *IdentitySnapshot) HasPermission(name string) bool {
	if s == nil {
		return false
	}
	for _, p := range s.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

// EffectiveRole returns the snapshot role if it is still active at now
func (s *IdentitySnapshot) EffectiveRole(now time.Time) (Role, bool) {
	if s == nil || s.Role == nil {
		return "", false
	}
	if s.RoleExpiresAt != nil && !now.Before(*s.RoleExpiresAt) {
		return "", false
	}
	return *s.Role, true
}
