package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/studiovibi/worklogs/internal/worklog/schema"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setCursor(ctx context.Context, e execer, name, revision string, nowMs int64) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO sync_state (name, revision, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			revision = excluded.revision,
			updated_at = excluded.updated_at`,
		name, revision, nowMs)
	if err != nil {
		return fmt.Errorf("failed to set %s cursor: %w", name, err)
	}
	return nil
}

// GetCursor returns the last revision recorded for a direction, or "" when
// the direction has never completed a run.
func (db *DB) GetCursor(ctx context.Context, name string) (string, error) {
	var rev sql.NullString
	err := db.conn.QueryRowContext(ctx, "SELECT revision FROM sync_state WHERE name = ?", name).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s cursor: %w", name, err)
	}
	return rev.String, nil
}

// SetCursor records revision as fully processed by a direction.
func (db *DB) SetCursor(ctx context.Context, name, revision string) error {
	return setCursor(ctx, db.conn, name, revision, toMillis(db.Now()))
}

// RecordRun stores the JSON-encoded stats of a direction's latest run.
func (db *DB) RecordRun(ctx context.Context, name string, stats any) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to encode run stats: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO sync_state (name, last_run_at, last_run) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			last_run_at = excluded.last_run_at,
			last_run = excluded.last_run`,
		name, toMillis(db.Now()), string(data))
	if err != nil {
		return fmt.Errorf("failed to record %s run: %w", name, err)
	}
	return nil
}

// ListCursors returns every sync_state row ordered by name.
func (db *DB) ListCursors(ctx context.Context) ([]schema.SyncCursor, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT name, revision, updated_at, last_run_at, last_run FROM sync_state ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	defer rows.Close()

	var out []schema.SyncCursor
	for rows.Next() {
		var (
			c                  schema.SyncCursor
			rev, lastRun       sql.NullString
			updatedMs, lastRan sql.NullInt64
		)
		if err := rows.Scan(&c.Name, &rev, &updatedMs, &lastRan, &lastRun); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		c.Revision = rev.String
		c.UpdatedAt = nullMillis(updatedMs)
		c.LastRunAt = nullMillis(lastRan)
		if lastRun.Valid && json.Valid([]byte(lastRun.String)) {
			c.LastRun = json.RawMessage(lastRun.String)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
