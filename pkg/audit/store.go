package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when an entry does not exist
var ErrNotFound = errors.New("audit entry not found")

// Store persists audit entries. Implementations never update or delete rows.
type Store interface {
	// Insert appends an entry and sets its ID
	Insert(ctx context.Context, entry *Entry) error

	// List returns one page of entries matching filter, newest first, and the total match count
	List(ctx context.Context, filter ListFilter) ([]Entry, int64, error)

	// Get retrieves a single entry
	Get(ctx context.Context, id int64) (*Entry, error)
}

// SQLStore implements Store on database/sql
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQL-backed audit store
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &SQLStore{db: db}, nil
}

// EnsureTable creates the authz_audit_logs table if it doesn't exist.
// driverName selects the id column type.
func (s *SQLStore) EnsureTable(ctx context.Context, driverName string) error {
	idColumn := "id BIGSERIAL PRIMARY KEY"
	metadataColumn := "metadata JSONB"
	if driverName == "sqlite3" {
		idColumn = "id INTEGER PRIMARY KEY AUTOINCREMENT"
		metadataColumn = "metadata TEXT"
	}

	query := `
	CREATE TABLE IF NOT EXISTS authz_audit_logs (
		` + idColumn + `,
		actor_user_id BIGINT,
		action VARCHAR(64) NOT NULL,
		target_role VARCHAR(32),
		permission_id BIGINT,
		permission_name VARCHAR(255),
		` + metadataColumn + `,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_authz_audit_logs_created_at ON authz_audit_logs(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_authz_audit_logs_action ON authz_audit_logs(action);
	CREATE INDEX IF NOT EXISTS idx_authz_audit_logs_target_role ON authz_audit_logs(target_role);
	CREATE INDEX IF NOT EXISTS idx_authz_audit_logs_actor ON authz_audit_logs(actor_user_id);
	`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure authz_audit_logs table: %w", err)
	}
	return nil
}

// Insert implements Store
func (s *SQLStore) Insert(ctx context.Context, entry *Entry) error {
	var metadataJSON interface{}
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadataJSON = string(raw)
	}

	query := `
		INSERT INTO authz_audit_logs (
			actor_user_id, action, target_role,
			permission_id, permission_name, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query,
		entry.ActorUserID, string(entry.Action), entry.TargetRole,
		entry.PermissionID, entry.PermissionName, metadataJSON, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// List implements Store. A page past the end returns no rows and the real total.
func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]Entry, int64, error) {
	filter = filter.Normalize()

	var conds []string
	var args []interface{}
	argCount := 1

	if filter.Action != "" {
		conds = append(conds, fmt.Sprintf("action = $%d", argCount))
		args = append(args, string(filter.Action))
		argCount++
	}
	if filter.TargetRole != "" {
		conds = append(conds, fmt.Sprintf("target_role = $%d", argCount))
		args = append(args, filter.TargetRole)
		argCount++
	}
	if filter.ActorUserID != nil {
		conds = append(conds, fmt.Sprintf("actor_user_id = $%d", argCount))
		args = append(args, *filter.ActorUserID)
		argCount++
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM authz_audit_logs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	query := `SELECT id, actor_user_id, action, target_role, permission_id, permission_name, metadata, created_at
		FROM authz_audit_logs` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argCount, argCount+1)
	pageArgs := append(append([]interface{}{}, args...), filter.Limit, filter.Offset())

	rows, err := s.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, filter.Limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return entries, total, nil
}

// Get implements Store
func (s *SQLStore) Get(ctx context.Context, id int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, actor_user_id, action, target_role, permission_id, permission_name, metadata, created_at
		FROM authz_audit_logs
		WHERE id = $1
	`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	return entry, err
}

func scanEntry(scanner interface {
	Scan(dest ...interface{}) error
}) (*Entry, error) {
	var (
		e              Entry
		action         string
		actor, permID  sql.NullInt64
		role, permName sql.NullString
		metadata       []byte
	)

	if err := scanner.Scan(&e.ID, &actor, &action, &role, &permID, &permName, &metadata, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}

	e.Action = Action(action)
	if actor.Valid {
		v := actor.Int64
		e.ActorUserID = &v
	}
	if permID.Valid {
		v := permID.Int64
		e.PermissionID = &v
	}
	if role.Valid {
		v := role.String
		e.TargetRole = &v
	}
	if permName.Valid {
		v := permName.String
		e.PermissionName = &v
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &e, nil
}
