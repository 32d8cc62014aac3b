package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Users table",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Per-user flags scoped by namespace",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
	{
		Version:     3,
		Description: "Index flags by name for cross-user scans",
		Up:          migrationV3Up,
		Down:        migrationV3Down,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS users (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    is_admin    INTEGER NOT NULL DEFAULT 0,
    active      INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL
);
`

const migrationV1Down = `
DROP TABLE IF EXISTS users;
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS user_flags (
    user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    namespace   TEXT NOT NULL,
    name        TEXT NOT NULL,
    value       TEXT NOT NULL,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (user_id, namespace, name)
);
`

const migrationV2Down = `
DROP TABLE IF EXISTS user_flags;
`

const migrationV3Up = `
CREATE INDEX IF NOT EXISTS idx_user_flags_name ON user_flags(namespace, name);
`

const migrationV3Down = `
DROP INDEX IF EXISTS idx_user_flags_name;
`

// MigrateDB brings db up to the latest schema version.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := currentVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func currentVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

// RollbackMigration reverts the most recent migration.
func RollbackMigration(db *sql.DB) error {
	current, err := currentVersion(db)
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	var m *Migration
	for i := range migrations {
		if migrations[i].Version == current {
			m = &migrations[i]
			break
		}
	}
	if m == nil {
		return fmt.Errorf("migration %d not found", current)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.Exec(m.Down); err != nil {
		tx.Rollback()
		return fmt.Errorf("rollback migration %d: %w", current, err)
	}
	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		tx.Rollback()
		return fmt.Errorf("remove migration record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}
	return nil
}

// MigrationStatus describes which migrations have run.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
}

// GetMigrationStatus reports applied and pending migrations.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{LatestVersion: migrations[len(migrations)-1].Version}

	current, err := currentVersion(db)
	if err != nil {
		// Table might not exist yet.
		status.Pending = migrations
		return status, nil
	}
	status.CurrentVersion = current
	for _, m := range migrations {
		if m.Version > current {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}
