package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/sharehub/pkg/audit"
)

// ErrInvalidation is returned when a mutation committed but the affected
// identities could not be invalidated. The audit entry has been written.
var ErrInvalidation = errors.New("cache invalidation failed")

// Publisher delivers identity events
type Publisher interface {
	Publish(ctx context.Context, events ...IdentityEvent) error
}

// Admin performs privileged authorization mutations. Each successful
// mutation writes one audit entry after commit and publishes the
// identity events it causes.
type Admin struct {
	store  Store
	audit  audit.Logger
	events Publisher
	logger logrus.FieldLogger
}

// NewAdmin creates the mutation service
func NewAdmin(store Store, auditLogger audit.Logger, events Publisher, logger logrus.FieldLogger) *Admin {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Admin{store: store, audit: auditLogger, events: events, logger: logger}
}

// CreatePermission defines a new resource:action permission
func (a *Admin) CreatePermission(ctx context.Context, actor *int64, resource, action, description string) (*Permission, error) {
	resource, action = strings.TrimSpace(resource), strings.TrimSpace(action)
	if resource == "" || action == "" {
		return nil, fmt.Errorf("%w: resource and action are required", ErrInvalidPermission)
	}
	if strings.Contains(resource, ":") {
		return nil, fmt.Errorf("%w: resource %q must not contain ':'", ErrInvalidPermission, resource)
	}

	perm := &Permission{Resource: resource, Action: action, Description: description}
	if err := a.store.CreatePermission(ctx, perm); err != nil {
		return nil, err
	}

	a.record(ctx, audit.Payload{
		ActorUserID:    actor,
		Action:         audit.ActionPermissionCreated,
		PermissionID:   &perm.ID,
		PermissionName: perm.Name,
		Metadata:       map[string]interface{}{"description": perm.Description},
	})
	return perm, nil
}

// UpdatePermission changes a permission's description. Decisions are unaffected
// so no identity event is published.
func (a *Admin) UpdatePermission(ctx context.Context, actor *int64, id int64, description string) (*Permission, error) {
	before, err := a.store.GetPermission(ctx, id)
	if err != nil {
		return nil, err
	}

	perm, err := a.store.UpdatePermissionDescription(ctx, id, description)
	if err != nil {
		return nil, err
	}

	a.record(ctx, audit.Payload{
		ActorUserID:    actor,
		Action:         audit.ActionPermissionUpdated,
		PermissionID:   &perm.ID,
		PermissionName: perm.Name,
		Metadata: map[string]interface{}{
			"previousDescription": before.Description,
			"description":         perm.Description,
		},
	})
	return perm, nil
}

// DeletePermission removes a permission and its role mappings and
// invalidates every holder of the affected roles.
func (a *Admin) DeletePermission(ctx context.Context, actor *int64, id int64) error {
	perm, err := a.store.GetPermission(ctx, id)
	if err != nil {
		return err
	}

	roles, err := a.store.DeletePermission(ctx, id)
	if err != nil {
		return err
	}

	roleNames := make([]string, len(roles))
	for i, r := range roles {
		roleNames[i] = string(r)
	}
	a.record(ctx, audit.Payload{
		ActorUserID:    actor,
		Action:         audit.ActionPermissionDeleted,
		PermissionID:   &perm.ID,
		PermissionName: perm.Name,
		Metadata:       map[string]interface{}{"roles": roleNames},
	})

	events := make([]IdentityEvent, len(roles))
	for i, r := range roles {
		events[i] = RoleAffected(r, string(audit.ActionPermissionDeleted))
	}
	return a.publish(ctx, events...)
}

// AssignPermission maps a permission into a role. It reports false, with no
// audit entry and no event, when the mapping already existed.
func (a *Admin) AssignPermission(ctx context.Context, actor *int64, role Role, permissionID int64) (bool, error) {
	if !role.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	perm, err := a.store.GetPermission(ctx, permissionID)
	if err != nil {
		return false, err
	}

	changed, err := a.store.AssignPermissionToRole(ctx, role, permissionID)
	if err != nil || !changed {
		return false, err
	}

	a.record(ctx, audit.Payload{
		ActorUserID:    actor,
		Action:         audit.ActionPermissionAssigned,
		TargetRole:     string(role),
		PermissionID:   &perm.ID,
		PermissionName: perm.Name,
	})
	return true, a.publish(ctx, RoleAffected(role, string(audit.ActionPermissionAssigned)))
}

// RevokePermission removes a permission from a role
func (a *Admin) RevokePermission(ctx context.Context, actor *int64, role Role, permissionID int64) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	perm, err := a.store.GetPermission(ctx, permissionID)
	if err != nil {
		return err
	}

	changed, err := a.store.RevokePermissionFromRole(ctx, role, permissionID)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("role %s does not hold %s: %w", role, perm.Name, ErrNotFound)
	}

	a.record(ctx, audit.Payload{
		ActorUserID:    actor,
		Action:         audit.ActionPermissionRevoked,
		TargetRole:     string(role),
		PermissionID:   &perm.ID,
		PermissionName: perm.Name,
	})
	return a.publish(ctx, RoleAffected(role, string(audit.ActionPermissionRevoked)))
}

// SetUserRole replaces the user's role. A nil expiresAt never expires.
func (a *Admin) SetUserRole(ctx context.Context, actor *int64, userID int64, role Role, expiresAt *time.Time) (*UserRoleAssignment, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	var previous string
	if current, err := a.store.GetUserRole(ctx, userID); err == nil {
		previous = string(current.Role)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	assignment := &UserRoleAssignment{
		UserID:     userID,
		Role:       role,
		ExpiresAt:  expiresAt,
		AssignedBy: actor,
	}
	if err := a.store.SetUserRole(ctx, assignment); err != nil {
		return nil, err
	}

	metadata := map[string]interface{}{"userId": userID}
	if previous != "" {
		metadata["previousRole"] = previous
	}
	if expiresAt != nil {
		metadata["expiresAt"] = expiresAt.UTC().Format(time.RFC3339)
	}
	a.record(ctx, audit.Payload{
		ActorUserID: actor,
		Action:      audit.ActionRoleAssigned,
		TargetRole:  string(role),
		Metadata:    metadata,
	})
	return assignment, a.publish(ctx, UserAffected(userID, string(audit.ActionRoleAssigned)))
}

// RemoveUserRole deletes the user's role assignment
func (a *Admin) RemoveUserRole(ctx context.Context, actor *int64, userID int64) error {
	current, err := a.store.GetUserRole(ctx, userID)
	if err != nil {
		return err
	}
	if err := a.store.RemoveUserRole(ctx, userID); err != nil {
		return err
	}

	a.record(ctx, audit.Payload{
		ActorUserID: actor,
		Action:      audit.ActionRoleRevoked,
		TargetRole:  string(current.Role),
		Metadata:    map[string]interface{}{"userId": userID},
	})
	return a.publish(ctx, UserAffected(userID, string(audit.ActionRoleRevoked)))
}

// GrantResource lets userID perform permissionName on one resource
func (a *Admin) GrantResource(ctx context.Context, actor *int64, resourceID string, userID int64, permissionName string) (*ResourceGrant, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, fmt.Errorf("%w: resource id is required", ErrInvalidPermission)
	}

	grant := &ResourceGrant{
		ResourceID:     resourceID,
		UserID:         userID,
		PermissionName: permissionName,
		GrantedBy:      actor,
	}

	exists, err := a.store.HasResourceGrant(ctx, resourceID, userID, permissionName)
	if err != nil {
		return nil, err
	}
	if exists {
		return grant, nil
	}
	if err := a.store.GrantResourcePermission(ctx, grant); err != nil {
		return nil, err
	}

	a.record(ctx, audit.Payload{
		ActorUserID:    actor,
		Action:         audit.ActionResourceGranted,
		PermissionName: permissionName,
		Metadata:       map[string]interface{}{"resourceId": resourceID, "userId": userID},
	})
	return grant, a.publish(ctx, UserAffected(userID, string(audit.ActionResourceGranted)))
}

// RevokeResource deletes a resource grant
func (a *Admin) RevokeResource(ctx context.Context, actor *int64, resourceID string, userID int64, permissionName string) error {
	changed, err := a.store.RevokeResourcePermission(ctx, resourceID, userID, permissionName)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("grant of %s on %s to user %d: %w", permissionName, resourceID, userID, ErrNotFound)
	}

	a.record(ctx, audit.Payload{
		ActorUserID:    actor,
		Action:         audit.ActionResourceRevoked,
		PermissionName: permissionName,
		Metadata:       map[string]interface{}{"resourceId": resourceID, "userId": userID},
	})
	return a.publish(ctx, UserAffected(userID, string(audit.ActionResourceRevoked)))
}

// ListPermissions returns every permission definition
func (a *Admin) ListPermissions(ctx context.Context) ([]Permission, error) {
	return a.store.ListPermissions(ctx)
}

// ListResourceGrants returns the grants recorded on one resource
func (a *Admin) ListResourceGrants(ctx context.Context, resourceID string) ([]ResourceGrant, error) {
	return a.store.ListResourceGrants(ctx, resourceID)
}

func (a *Admin) record(ctx context.Context, payload audit.Payload) {
	if entry := a.audit.LogAction(ctx, payload); entry == nil {
		a.logger.WithField("action", string(payload.Action)).Debug("audit entry not recorded")
	}
}

func (a *Admin) publish(ctx context.Context, events ...IdentityEvent) error {
	if a.events == nil || len(events) == 0 {
		return nil
	}
	if err := a.events.Publish(ctx, events...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidation, err)
	}
	return nil
}
