package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/studiovibi/worklogs/internal/worklog/schema"
)

// recentDeadLimit caps Status.RecentDead.
const recentDeadLimit = 20

// Status summarizes the sync engine for dashboards.
type Status struct {
	// Counts has an entry for every outbox state, zero included.
	Counts map[schema.OutboxState]int `json:"counts" yaml:"counts"`
	// OldestPendingAge is the age in seconds of the oldest entry still
	// awaiting delivery (pending, failed or inflight); nil when none.
	OldestPendingAge *int64                `json:"oldest_pending_age_seconds" yaml:"oldest_pending_age_seconds"`
	Cursors          []schema.SyncCursor   `json:"cursors" yaml:"cursors"`
	RecentDead       []*schema.OutboxEntry `json:"recent_dead,omitempty" yaml:"recent_dead,omitempty"`
	Logs             int                   `json:"logs" yaml:"logs"`
	// RemoteEnabled is filled in by callers that know the archive backend.
	RemoteEnabled bool      `json:"remote_enabled" yaml:"remote_enabled"`
	GeneratedAt   time.Time `json:"generated_at" yaml:"generated_at"`
}

// Status reads the current outbox and cursor state.
func (db *DB) Status(ctx context.Context) (*Status, error) {
	now := db.Now()
	st := &Status{
		Counts:      make(map[schema.OutboxState]int, len(schema.OutboxStates)),
		GeneratedAt: now.UTC(),
	}
	for _, s := range schema.OutboxStates {
		st.Counts[s] = 0
	}

	rows, err := db.conn.QueryContext(ctx, "SELECT state, COUNT(*) FROM sync_outbox GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox: %w", err)
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan outbox count: %w", err)
		}
		st.Counts[schema.OutboxState(state)] = n
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("failed to count outbox: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("failed to count outbox: %w", err)
	}

	var oldest sql.NullInt64
	if err := db.conn.QueryRowContext(ctx, `
		SELECT MIN(created_at) FROM sync_outbox
		WHERE state IN ('pending', 'failed', 'inflight')`).Scan(&oldest); err != nil {
		return nil, fmt.Errorf("failed to read oldest pending entry: %w", err)
	}
	if oldest.Valid {
		age := (toMillis(now) - oldest.Int64) / 1000
		if age < 0 {
			age = 0
		}
		st.OldestPendingAge = &age
	}

	if st.Cursors, err = db.ListCursors(ctx); err != nil {
		return nil, err
	}
	if st.Counts[schema.OutboxDead] > 0 {
		if st.RecentDead, err = db.recentDead(ctx); err != nil {
			return nil, err
		}
	}
	if st.Logs, err = db.CountLogs(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// recentDead returns the most recently dead-lettered entries.
func (db *DB) recentDead(ctx context.Context) ([]*schema.OutboxEntry, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+outboxColumns+" FROM sync_outbox WHERE state = 'dead' ORDER BY updated_at DESC, id DESC LIMIT ?",
		recentDeadLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead entries: %w", err)
	}
	defer rows.Close()

	var out []*schema.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TotalPending is the number of entries still awaiting delivery.
func (s *Status) TotalPending() int {
	return s.Counts[schema.OutboxPending] + s.Counts[schema.OutboxFailed] + s.Counts[schema.OutboxInflight]
}
