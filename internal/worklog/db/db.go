// Package db is the relational side of the worklog sync engine.
//
// It stores log records and the outbox that queues their delivery to the
// archive, together with the per-direction sync cursors, the idempotency
// bindings used by the create operation and the named leases that keep two
// processes from running the same sync direction at once.
//
// The database is an embedded SQLite file opened in WAL mode:
//   - every transaction begins IMMEDIATE, so writers are serialized and a
//     claim never observes a row another claimer already flipped;
//   - busy_timeout and foreign_keys are applied to every pooled connection;
//   - instants are stored as INTEGER unix milliseconds (UTC).
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sql.DB
	path string

	clockMu sync.RWMutex
	clock   func() time.Time
}

// Open opens (creating if needed) the database at path.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open("data/worklogs.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	path = strings.TrimPrefix(path, "file:")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite3", connStr)
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

	db := &DB{
		conn:  conn,
		path:  path,
		clock: time.Now,
	}

	// WAL is persistent in the file, one connection is enough.
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// SetClock replaces the time source used for every timestamp the store writes
// or compares against. Tests use it to age claims and leases.
func (db *DB) SetClock(clock func() time.Time) {
	db.clockMu.Lock()
	defer db.clockMu.Unlock()
	if clock == nil {
		clock = time.Now
	}
	db.clock = clock
}

// Now returns the store's current time.
func (db *DB) Now() time.Time {
	db.clockMu.RLock()
	defer db.clockMu.RUnlock()
	return db.clock()
}

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

// InitSchema creates the schema if it doesn't exist. Safe to call repeatedly.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS logs (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		start_at INTEGER NOT NULL,
		end_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL CHECK (duration_ms > 0),
		timezone TEXT NOT NULL,
		text TEXT NOT NULL,
		content_sha256 TEXT NOT NULL,
		source TEXT NOT NULL CHECK (source IN ('api', 'remote')),
		remote_path TEXT UNIQUE,
		remote_blob_id TEXT,
		remote_revision TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		log_id TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending'
			CHECK (state IN ('pending', 'inflight', 'done', 'failed', 'dead')),
		retries INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL,
		last_error TEXT,
		batch_id TEXT,
		worker_id TEXT,
		locked_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (log_id) REFERENCES logs(id) ON DELETE CASCADE
	);

	-- One cursor row per sync direction
	CREATE TABLE IF NOT EXISTS sync_state (
		name TEXT PRIMARY KEY,
		revision TEXT,
		updated_at INTEGER,
		last_run_at INTEGER,
		last_run TEXT  -- JSON stats of the last run
	);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		owner TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		log_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (owner, idempotency_key),
		FOREIGN KEY (log_id) REFERENCES logs(id) ON DELETE CASCADE
	);

	-- Named leases standing in for advisory locks
	CREATE TABLE IF NOT EXISTS sync_locks (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_logs_owner_span ON logs(owner, start_at, end_at);

	-- At most one live delivery per record
	CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_live
		ON sync_outbox(log_id) WHERE state NOT IN ('done', 'dead');

	CREATE INDEX IF NOT EXISTS idx_outbox_claim ON sync_outbox(state, next_retry_at, id);
	CREATE INDEX IF NOT EXISTS idx_outbox_locked ON sync_outbox(locked_at) WHERE state = 'inflight';
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// SchemaVersion reports PRAGMA user_version.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := db.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
