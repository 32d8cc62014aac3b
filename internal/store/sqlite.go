// Package store provides SQLite-backed user records and per-user flags.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"playersync/internal/host"
)

// DefaultNamespace scopes flags when none is chosen.
const DefaultNamespace = "playersync"

// Store holds users and their flags. Flag operations are scoped to a
// namespace; see InNamespace.
type Store struct {
	db        *sql.DB
	namespace string
}

// DefaultBusyTimeout bounds how long a write waits on a locked database.
const DefaultBusyTimeout = 5 * time.Second

// Open opens or creates the SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	return OpenWithTimeout(path, DefaultBusyTimeout)
}

// OpenWithTimeout is Open with a custom busy timeout.
func OpenWithTimeout(path string, busy time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Store{db: db, namespace: DefaultNamespace}, nil
}

// InNamespace returns a view of the store whose flags live under ns. The
// views share one connection; close only the original.
func (s *Store) InNamespace(ns string) *Store {
	return &Store{db: s.db, namespace: ns}
}

// Namespace returns the flag namespace of this view.
func (s *Store) Namespace() string {
	return s.namespace
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the connection for migrations tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// PutUser inserts a user or updates the existing record.
func (s *Store) PutUser(ctx context.Context, u host.User) error {
	if u.ID == "" {
		return errors.New("user ID is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, is_admin, active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			is_admin = excluded.is_admin,
			active = excluded.active`,
		u.ID, u.Name, u.IsAdmin, u.Active, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// SetActive marks a user as connected or not.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET active = ? WHERE id = ?", active, id)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	return requireRow(res, id)
}

// DeleteUser removes a user and every flag stored for them.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", host.ErrUnknownUser, id)
	}
	return nil
}

// User implements host.Directory.
func (s *Store) User(ctx context.Context, id string) (host.User, error) {
	var u host.User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, is_admin, active FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Name, &u.IsAdmin, &u.Active)
	if err == sql.ErrNoRows {
		return host.User{}, fmt.Errorf("%w: %s", host.ErrUnknownUser, id)
	}
	if err != nil {
		return host.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// Users implements host.Directory. Users are ordered by name.
func (s *Store) Users(ctx context.Context) ([]host.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, is_admin, active FROM users ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []host.User
	for rows.Next() {
		var u host.User
		if err := rows.Scan(&u.ID, &u.Name, &u.IsAdmin, &u.Active); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetFlag implements host.FlagStore.
func (s *Store) GetFlag(ctx context.Context, userID, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM user_flags WHERE user_id = ? AND namespace = ? AND name = ?",
		userID, s.namespace, name,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get flag: %w", err)
	}
	return value, true, nil
}

// SetFlag implements host.FlagStore. The user must exist.
func (s *Store) SetFlag(ctx context.Context, userID, name, value string) error {
	if _, err := s.User(ctx, userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_flags (user_id, namespace, name, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, namespace, name) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		userID, s.namespace, name, value, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("set flag: %w", err)
	}
	return nil
}

// UnsetFlag implements host.FlagStore. Unsetting an absent flag is not an
// error.
func (s *Store) UnsetFlag(ctx context.Context, userID, name string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM user_flags WHERE user_id = ? AND namespace = ? AND name = ?",
		userID, s.namespace, name,
	)
	if err != nil {
		return fmt.Errorf("unset flag: %w", err)
	}
	return nil
}

// Flags returns every flag a user has in this namespace.
func (s *Store) Flags(ctx context.Context, userID string) (map[string]Flag, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, value, updated_at FROM user_flags WHERE user_id = ? AND namespace = ?",
		userID, s.namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("query flags: %w", err)
	}
	defer rows.Close()

	flags := make(map[string]Flag)
	for rows.Next() {
		var (
			f       Flag
			updated int64
		)
		if err := rows.Scan(&f.Name, &f.Value, &updated); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		f.UpdatedAt = time.Unix(0, updated)
		flags[f.Name] = f
	}
	return flags, rows.Err()
}

// UsersWithFlag lists the IDs of users holding the named flag.
func (s *Store) UsersWithFlag(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM user_flags WHERE namespace = ? AND name = ? ORDER BY user_id",
		s.namespace, name,
	)
	if err != nil {
		return nil, fmt.Errorf("query flag holders: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan flag holder: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var (
	_ host.FlagStore = (*Store)(nil)
	_ host.Directory = (*Store)(nil)
)
