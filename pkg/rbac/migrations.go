package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Dialect selects the column types used by the schema
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the authorization schema for dialect
func GetMigrations(dialect Dialect) []Migration {
	serial := "BIGSERIAL PRIMARY KEY"
	if dialect == DialectSQLite {
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	migrations := []Migration{
		{
			Version:     1,
			Description: "Create authz_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS authz_permissions (
					id {{serial}},
					name VARCHAR(255) NOT NULL UNIQUE,
					resource VARCHAR(128) NOT NULL,
					action VARCHAR(128) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
		{
			Version:     2,
			Description: "Create authz_role_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS authz_role_permissions (
					role VARCHAR(32) NOT NULL,
					permission_id BIGINT NOT NULL REFERENCES authz_permissions(id) ON DELETE CASCADE,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (role, permission_id)
				);

				CREATE INDEX IF NOT EXISTS idx_authz_role_permissions_permission ON authz_role_permissions(permission_id);
			`,
		},
		{
			Version:     3,
			Description: "Create authz_user_roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS authz_user_roles (
					user_id BIGINT PRIMARY KEY,
					role VARCHAR(32) NOT NULL,
					expires_at TIMESTAMP,
					assigned_by BIGINT,
					assigned_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_authz_user_roles_role ON authz_user_roles(role);
				CREATE INDEX IF NOT EXISTS idx_authz_user_roles_expires_at ON authz_user_roles(expires_at);
			`,
		},
		{
			Version:     4,
			Description: "Create authz_resource_grants table",
			SQL: `
				CREATE TABLE IF NOT EXISTS authz_resource_grants (
					resource_id VARCHAR(255) NOT NULL,
					user_id BIGINT NOT NULL,
					permission_name VARCHAR(255) NOT NULL,
					granted_by BIGINT,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (resource_id, user_id, permission_name)
				);

				CREATE INDEX IF NOT EXISTS idx_authz_resource_grants_user ON authz_resource_grants(user_id);
			`,
		},
	}

	for i := range migrations {
		migrations[i].SQL = strings.ReplaceAll(migrations[i].SQL, "{{serial}}", serial)
	}
	return migrations
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB, dialect Dialect, logger logrus.FieldLogger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS authz_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM authz_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations(dialect) {
		if applied[migration.Version] {
			continue
		}

		logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Running authorization migration")

		err := withTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO authz_migrations (version, description) VALUES ($1, $2)",
				migration.Version, migration.Description,
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// withTx runs fn inside a transaction, committing only when fn succeeds
func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
