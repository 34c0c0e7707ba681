// Package store owns the on-disk directory cache: connection lifecycle,
// schema, and every SQL statement the cache layer runs.
//
// The database is a single SQLite file shared by any number of chatdir
// processes. WAL mode is a hard requirement, not a tuning choice: the sync
// protocol relies on readers never blocking behind a writer, and on a
// full-table replace transaction being invisible to readers until it
// commits. The sync_meta table doubles as the cross-process lock; see the
// cache package for the protocol that drives it.
//
// Layout:
//   - channels, users, groups: {id, label, synced_at} entity tables
//   - sync_meta: one row per entity table, started_at/completed_at pair
//
// All timestamps are Unix milliseconds.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DefaultPath returns the store location used when CHATDIR_DB is not set:
// a chatdir subdirectory of the per-user cache directory.
func DefaultPath() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine user cache directory: %w", err)
	}
	return filepath.Join(base, "chatdir", "directory.db"), nil
}

// Store wraps the SQLite connection for the directory cache.
// Construct with Open; the caller MUST call Close when done.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates (or opens) the cache database at the specified path.
//
// The parent directory is created if absent, the schema is created if
// absent, and the three sync_meta rows are seeded idempotently, so several
// processes opening a brand-new store concurrently do not clobber each
// other's progress. Any failure here is fatal to the caller; no recovery
// is attempted.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
	}

	// WAL is required for the cross-process guarantees, not optional.
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the location of the database file.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection after checkpointing the WAL.
// Safe to call more than once.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache database: %w", err)
	}

	s.conn = nil
	return nil
}

// initSchema creates the entity tables, label indexes, and sync_meta rows.
// Idempotent; INSERT OR IGNORE keeps a concurrent first-opener from
// resetting another process's sync progress.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		synced_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		synced_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS groups (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		synced_at INTEGER NOT NULL
	);

	-- Labels are the lookup key but not unique across refreshes.
	CREATE INDEX IF NOT EXISTS idx_channels_label ON channels(label);
	CREATE INDEX IF NOT EXISTS idx_users_label ON users(label);
	CREATE INDEX IF NOT EXISTS idx_groups_label ON groups(label);

	-- One row per entity table; the timestamp pair is the sync lock.
	CREATE TABLE IF NOT EXISTS sync_meta (
		table_name TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER NOT NULL DEFAULT 0
	);

	INSERT OR IGNORE INTO sync_meta (table_name) VALUES ('channels');
	INSERT OR IGNORE INTO sync_meta (table_name) VALUES ('users');
	INSERT OR IGNORE INTO sync_meta (table_name) VALUES ('groups');
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}
