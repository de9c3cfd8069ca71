// Package primary provides access to the clinic-side SQLite database: the
// durable change queue consumed by forward sync, point reads of business
// rows, and the landing tables for reverse-synced portal edits.
//
// The database file is owned by the clinic operations software. This package
// opens it in WAL mode with a busy timeout so queue processing tolerates the
// clinic software's own writes.
package primary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("record not found")

// Store wraps the SQLite connection to the primary database.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens (creating if necessary) the primary database at path.
// The caller must call Close when done.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	// WAL keeps queue reads from blocking the clinic software's writes.
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	if _, err := s.conn.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds())); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Ping verifies the database file is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// EnsureSchema creates any tables this service needs that do not exist yet.
// Against the clinic's live database everything except doctor_notes already
// exists and this is a no-op; a fresh file (local development, tests) gets
// the full layout. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		record_id INTEGER NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT,
		status TEXT NOT NULL DEFAULT 'Pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt TEXT,
		last_error TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_queue_drain
	    ON sync_queue(status, attempts, id);

	CREATE TABLE IF NOT EXISTS patients (
		id INTEGER PRIMARY KEY,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS work_orders (
		id INTEGER PRIMARY KEY,
		patient_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		created_at TEXT NOT NULL,
		FOREIGN KEY (patient_id) REFERENCES patients(id)
	);

	CREATE TABLE IF NOT EXISTS aligner_sets (
		id INTEGER PRIMARY KEY,
		work_order_id INTEGER NOT NULL,
		label TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (work_order_id) REFERENCES work_orders(id)
	);

	CREATE TABLE IF NOT EXISTS aligner_batches (
		id INTEGER PRIMARY KEY,
		set_id INTEGER NOT NULL,
		sequence_no INTEGER NOT NULL DEFAULT 1,
		wear_days INTEGER NOT NULL DEFAULT 14,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (set_id) REFERENCES aligner_sets(id)
	);

	CREATE TABLE IF NOT EXISTS notes (
		id INTEGER PRIMARY KEY,
		set_id INTEGER NOT NULL,
		author_role TEXT NOT NULL DEFAULT 'staff',
		body TEXT NOT NULL,
		created_at TEXT NOT NULL,
		edited_at TEXT,
		FOREIGN KEY (set_id) REFERENCES aligner_sets(id)
	);

	CREATE TABLE IF NOT EXISTS doctor_notes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		portal_note_id INTEGER NOT NULL UNIQUE,
		set_id INTEGER NOT NULL,
		author_role TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at TEXT NOT NULL,
		edited_at TEXT,
		received_at TEXT NOT NULL
	);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	return nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
