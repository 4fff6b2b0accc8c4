package audit

import (
	"time"
)

// Action identifies an authorization mutation recorded in the trail
type Action string

const (
	// Permission definition and role mapping mutations
	ActionPermissionCreated  Action = "PERMISSION_CREATED"
	ActionPermissionUpdated  Action = "PERMISSION_UPDATED"
	ActionPermissionDeleted  Action = "PERMISSION_DELETED"
	ActionPermissionAssigned Action = "PERMISSION_ASSIGNED"
	ActionPermissionRevoked  Action = "PERMISSION_REVOKED"

	// User role and resource grant mutations
	ActionRoleAssigned    Action = "ROLE_ASSIGNED"
	ActionRoleRevoked     Action = "ROLE_REVOKED"
	ActionResourceGranted Action = "RESOURCE_GRANTED"
	ActionResourceRevoked Action = "RESOURCE_REVOKED"
)

// Valid reports whether a is a known action
func (a Action) Valid() bool {
	switch a {
	case ActionPermissionCreated, ActionPermissionUpdated, ActionPermissionDeleted,
		ActionPermissionAssigned, ActionPermissionRevoked,
		ActionRoleAssigned, ActionRoleRevoked,
		ActionResourceGranted, ActionResourceRevoked:
		return true
	}
	return false
}

// Entry is one append-only audit record
type Entry struct {
	ID             int64                  `json:"id"`
	ActorUserID    *int64                 `json:"actorUserId"`
	Action         Action                 `json:"action"`
	TargetRole     *string                `json:"targetRole"`
	PermissionID   *int64                 `json:"permissionId"`
	PermissionName *string                `json:"permissionName"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// Payload describes an action to record
type Payload struct {
	ActorUserID    *int64
	Action         Action
	TargetRole     string
	PermissionID   *int64
	PermissionName string
	Metadata       map[string]interface{}
}

const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100

	// MaxPage bounds page numbers so the row offset stays small
	MaxPage = 1_000_000
)

// ListFilter selects entries by exact match. Zero values are not applied.
type ListFilter struct {
	Page        int
	Limit       int
	Action      Action
	TargetRole  string
	ActorUserID *int64
}

// Normalize applies the default page, caps it at MaxPage and clamps the
// limit to [1, MaxLimit]
func (f ListFilter) Normalize() ListFilter {
	switch {
	case f.Page < 1:
		f.Page = DefaultPage
	case f.Page > MaxPage:
		f.Page = MaxPage
	}
	switch {
	case f.Limit == 0:
		f.Limit = DefaultLimit
	case f.Limit < 1:
		f.Limit = 1
	case f.Limit > MaxLimit:
		f.Limit = MaxLimit
	}
	return f
}

// Offset returns the row offset of the filter's page
func (f ListFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// Meta carries pagination details
type Meta struct {
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	TotalPages int   `json:"totalPages"`
}

// Page is one page of entries, newest first
type Page struct {
	Data []Entry `json:"data"`
	Meta Meta    `json:"meta"`
}

// TotalPages returns the number of pages of size limit needed for total rows
func TotalPages(total int64, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(limit) - 1) / int64(limit))
}
