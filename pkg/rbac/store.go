package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store is the durable source of truth for role assignments, permission
// definitions, role mappings and resource grants.
type Store interface {
	GetUserRole(ctx context.Context, userID int64) (*UserRoleAssignment, error)
	SetUserRole(ctx context.Context, assignment *UserRoleAssignment) error
	RemoveUserRole(ctx context.Context, userID int64) error
	ListUsersWithRole(ctx context.Context, role Role) ([]int64, error)
	DeleteExpiredRoles(ctx context.Context, before time.Time) ([]int64, error)

	CreatePermission(ctx context.Context, perm *Permission) error
	GetPermission(ctx context.Context, id int64) (*Permission, error)
	GetPermissionByName(ctx context.Context, name string) (*Permission, error)
	UpdatePermissionDescription(ctx context.Context, id int64, description string) (*Permission, error)
	DeletePermission(ctx context.Context, id int64) ([]Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)

	AssignPermissionToRole(ctx context.Context, role Role, permissionID int64) (bool, error)
	RevokePermissionFromRole(ctx context.Context, role Role, permissionID int64) (bool, error)
	PermissionNamesForRole(ctx context.Context, role Role) ([]string, error)
	RolesWithPermission(ctx context.Context, permissionID int64) ([]Role, error)

	GrantResourcePermission(ctx context.Context, grant *ResourceGrant) error
	RevokeResourcePermission(ctx context.Context, resourceID string, userID int64, permissionName string) (bool, error)
	HasResourceGrant(ctx context.Context, resourceID string, userID int64, permissionName string) (bool, error)
	ListResourceGrants(ctx context.Context, resourceID string) ([]ResourceGrant, error)
}

// SQLStore implements Store on database/sql. Queries use $n placeholders,
// which both lib/pq and go-sqlite3 accept.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore creates a new SQL-backed store
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// GetUserRole returns the stored assignment, including expired ones.
// Returns ErrNotFound when the user has no assignment.
func (s *SQLStore) GetUserRole(ctx context.Context, userID int64) (*UserRoleAssignment, error) {
	query := `
		SELECT user_id, role, expires_at, assigned_by, assigned_at
		FROM authz_user_roles
		WHERE user_id = $1
	`

	var a UserRoleAssignment
	var role string
	var expiresAt sql.NullTime
	var assignedBy sql.NullInt64

	err := s.db.QueryRowContext(ctx, query, userID).Scan(&a.UserID, &role, &expiresAt, &assignedBy, &a.AssignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role assignment for user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user role: %w", err)
	}

	a.Role = Role(role)
	if expiresAt.Valid {
		t := expiresAt.Time
		a.ExpiresAt = &t
	}
	if assignedBy.Valid {
		id := assignedBy.Int64
		a.AssignedBy = &id
	}
	return &a, nil
}

// SetUserRole replaces the user's single role assignment
func (s *SQLStore) SetUserRole(ctx context.Context, assignment *UserRoleAssignment) error {
	if !assignment.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, assignment.Role)
	}

	query := `
		INSERT INTO authz_user_roles (user_id, role, expires_at, assigned_by, assigned_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			role = excluded.role,
			expires_at = excluded.expires_at,
			assigned_by = excluded.assigned_by,
			assigned_at = excluded.assigned_at
	`

	now := s.now()
	var expiresAt interface{}
	if assignment.ExpiresAt != nil {
		expiresAt = assignment.ExpiresAt.UTC()
	}
	if _, err := s.db.ExecContext(ctx, query,
		assignment.UserID,
		string(assignment.Role),
		expiresAt,
		assignment.AssignedBy,
		now,
	); err != nil {
		return fmt.Errorf("failed to set user role: %w", err)
	}

	assignment.AssignedAt = now
	return nil
}

// RemoveUserRole deletes the user's assignment
func (s *SQLStore) RemoveUserRole(ctx context.Context, userID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM authz_user_roles WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to remove user role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("role assignment for user %d: %w", userID, ErrNotFound)
	}
	return nil
}

// ListUsersWithRole returns every user holding role, expired or not
func (s *SQLStore) ListUsersWithRole(ctx context.Context, role Role) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM authz_user_roles WHERE role = $1 ORDER BY user_id`, string(role))
	if err != nil {
		return nil, fmt.Errorf("failed to list users with role: %w", err)
	}
	return scanIDs(rows)
}

// DeleteExpiredRoles removes assignments that expired before the given time
// and returns the affected users.
func (s *SQLStore) DeleteExpiredRoles(ctx context.Context, before time.Time) ([]int64, error) {
	var userIDs []int64
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT user_id FROM authz_user_roles WHERE expires_at IS NOT NULL AND expires_at <= $1`, before.UTC())
		if err != nil {
			return fmt.Errorf("failed to find expired roles: %w", err)
		}
		userIDs, err = scanIDs(rows)
		if err != nil {
			return err
		}
		if len(userIDs) == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM authz_user_roles WHERE expires_at IS NOT NULL AND expires_at <= $1`, before.UTC()); err != nil {
			return fmt.Errorf("failed to delete expired roles: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return userIDs, nil
}

// CreatePermission inserts a permission definition. Name is derived from
// resource and action when empty.
func (s *SQLStore) CreatePermission(ctx context.Context, perm *Permission) error {
	if perm.Name == "" {
		perm.Name = PermissionName(perm.Resource, perm.Action)
	}
	resource, action, err := SplitPermissionName(perm.Name)
	if err != nil {
		return err
	}
	if perm.Resource == "" {
		perm.Resource = resource
	}
	if perm.Action == "" {
		perm.Action = action
	}

	now := s.now()
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM authz_permissions WHERE name = $1`, perm.Name).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check permission: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("permission %q: %w", perm.Name, ErrDuplicate)
		}

		query := `
			INSERT INTO authz_permissions (name, resource, action, description, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`
		if err := tx.QueryRowContext(ctx, query,
			perm.Name, perm.Resource, perm.Action, perm.Description, now, now,
		).Scan(&perm.ID); err != nil {
			return fmt.Errorf("failed to create permission: %w", err)
		}
		perm.CreatedAt = now
		perm.UpdatedAt = now
		return nil
	})
}

// GetPermission retrieves a permission by ID
func (s *SQLStore) GetPermission(ctx context.Context, id int64) (*Permission, error) {
	return s.getPermission(ctx, "id = $1", id)
}

// GetPermissionByName retrieves a permission by its resource:action name
func (s *SQLStore) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	return s.getPermission(ctx, "name = $1", name)
}

func (s *SQLStore) getPermission(ctx context.Context, where string, arg interface{}) (*Permission, error) {
	query := `
		SELECT id, name, resource, action, description, created_at, updated_at
		FROM authz_permissions
		WHERE ` + where

	perm, err := scanPermission(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("permission %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return perm, nil
}

// UpdatePermissionDescription changes the only mutable field of a permission
func (s *SQLStore) UpdatePermissionDescription(ctx context.Context, id int64, description string) (*Permission, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE authz_permissions SET description = $1, updated_at = $2 WHERE id = $3`,
		description, s.now(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update permission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("permission %d: %w", id, ErrNotFound)
	}
	return s.GetPermission(ctx, id)
}

// DeletePermission removes a permission and its role mappings in one
// transaction. It returns the roles that held the permission.
func (s *SQLStore) DeletePermission(ctx context.Context, id int64) ([]Role, error) {
	var roles []Role
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT role FROM authz_role_permissions WHERE permission_id = $1 ORDER BY role`, id)
		if err != nil {
			return fmt.Errorf("failed to load role mappings: %w", err)
		}
		roles, err = scanRoles(rows)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM authz_role_permissions WHERE permission_id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete role mappings: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM authz_permissions WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete permission: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("permission %d: %w", id, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return roles, nil
}

// ListPermissions returns every permission definition ordered by name
func (s *SQLStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, resource, action, description, created_at, updated_at
		FROM authz_permissions
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, *perm)
	}
	return perms, rows.Err()
}

// AssignPermissionToRole maps a permission into a role. It reports false
// when the mapping already existed.
func (s *SQLStore) AssignPermissionToRole(ctx context.Context, role Role, permissionID int64) (bool, error) {
	if !role.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if _, err := s.GetPermission(ctx, permissionID); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO authz_role_permissions (role, permission_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (role, permission_id) DO NOTHING
	`, string(role), permissionID, s.now())
	if err != nil {
		return false, fmt.Errorf("failed to assign permission to role: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RevokePermissionFromRole removes a mapping. It reports false when no mapping existed.
func (s *SQLStore) RevokePermissionFromRole(ctx context.Context, role Role, permissionID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM authz_role_permissions WHERE role = $1 AND permission_id = $2`,
		string(role), permissionID)
	if err != nil {
		return false, fmt.Errorf("failed to revoke permission from role: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PermissionNamesForRole returns the names of all permissions mapped to role
func (s *SQLStore) PermissionNamesForRole(ctx context.Context, role Role) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.name
		FROM authz_role_permissions rp
		JOIN authz_permissions p ON p.id = rp.permission_id
		WHERE rp.role = $1
		ORDER BY p.name
	`, string(role))
	if err != nil {
		return nil, fmt.Errorf("failed to load role permissions: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan permission name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// RolesWithPermission returns the roles a permission is mapped to
func (s *SQLStore) RolesWithPermission(ctx context.Context, permissionID int64) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role FROM authz_role_permissions WHERE permission_id = $1 ORDER BY role`, permissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load roles for permission: %w", err)
	}
	return scanRoles(rows)
}

// GrantResourcePermission records a per-resource override. Granting twice is a no-op.
func (s *SQLStore) GrantResourcePermission(ctx context.Context, grant *ResourceGrant) error {
	if _, _, err := SplitPermissionName(grant.PermissionName); err != nil {
		return err
	}

	now := s.now()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO authz_resource_grants (resource_id, user_id, permission_name, granted_by, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (resource_id, user_id, permission_name) DO NOTHING
	`, grant.ResourceID, grant.UserID, grant.PermissionName, grant.GrantedBy, now); err != nil {
		return fmt.Errorf("failed to grant resource permission: %w", err)
	}
	grant.CreatedAt = now
	return nil
}

// RevokeResourcePermission deletes an override. It reports false when none existed.
func (s *SQLStore) RevokeResourcePermission(ctx context.Context, resourceID string, userID int64, permissionName string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM authz_resource_grants
		WHERE resource_id = $1 AND user_id = $2 AND permission_name = $3
	`, resourceID, userID, permissionName)
	if err != nil {
		return false, fmt.Errorf("failed to revoke resource permission: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HasResourceGrant reports whether the override exists
func (s *SQLStore) HasResourceGrant(ctx context.Context, resourceID string, userID int64, permissionName string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM authz_resource_grants
		WHERE resource_id = $1 AND user_id = $2 AND permission_name = $3
	`, resourceID, userID, permissionName).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check resource grant: %w", err)
	}
	return count > 0, nil
}

// ListResourceGrants returns every override recorded for one resource
func (s *SQLStore) ListResourceGrants(ctx context.Context, resourceID string) ([]ResourceGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_id, user_id, permission_name, granted_by, created_at
		FROM authz_resource_grants
		WHERE resource_id = $1
		ORDER BY user_id, permission_name
	`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource grants: %w", err)
	}
	defer rows.Close()

	var grants []ResourceGrant
	for rows.Next() {
		var g ResourceGrant
		var grantedBy sql.NullInt64
		if err := rows.Scan(&g.ResourceID, &g.UserID, &g.PermissionName, &grantedBy, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource grant: %w", err)
		}
		if grantedBy.Valid {
			id := grantedBy.Int64
			g.GrantedBy = &id
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func scanPermission(scanner interface {
	Scan(dest ...interface{}) error
}) (*Permission, error) {
	var p Permission
	if err := scanner.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRoles(rows *sql.Rows) ([]Role, error) {
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, Role(role))
	}
	return roles, rows.Err()
}
