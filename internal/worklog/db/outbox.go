package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/studiovibi/worklogs/internal/worklog/schema"
)

// MaxErrorLength bounds the last_error column.
const MaxErrorLength = 4000

// StaleRecoveredError is recorded on entries reclaimed from a crashed worker.
const StaleRecoveredError = "stale inflight lock recovered"

const outboxColumns = `id, log_id, state, retries, next_retry_at, last_error,
	batch_id, worker_id, locked_at, created_at, updated_at`

func scanOutbox(row rowScanner) (*schema.OutboxEntry, error) {
	var (
		e                        schema.OutboxEntry
		state                    string
		nextMs, createdMs, updMs int64
		lastErr, batchID, worker sql.NullString
		lockedMs                 sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.LogID, &state, &e.Retries, &nextMs, &lastErr,
		&batchID, &worker, &lockedMs, &createdMs, &updMs); err != nil {
		return nil, err
	}
	e.State = schema.OutboxState(state)
	e.NextRetryAt = fromMillis(nextMs)
	e.LastError = lastErr.String
	e.BatchID = batchID.String
	e.WorkerID = worker.String
	e.LockedAt = nullMillis(lockedMs)
	e.CreatedAt = fromMillis(createdMs)
	e.UpdatedAt = fromMillis(updMs)
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// ReapStaleInflight moves inflight entries whose claim is older than
// staleAfter back to failed, clearing the claim. They become claimable at
// once. Returns the number of entries recovered.
func (db *DB) ReapStaleInflight(ctx context.Context, staleAfter time.Duration) (int, error) {
	now := db.Now()
	res, err := db.conn.ExecContext(ctx, `
		UPDATE sync_outbox SET
			state = 'failed',
			next_retry_at = ?,
			last_error = ?,
			batch_id = NULL,
			worker_id = NULL,
			locked_at = NULL,
			updated_at = ?
		WHERE state = 'inflight' AND (locked_at IS NULL OR locked_at < ?)`,
		toMillis(now), StaleRecoveredError, toMillis(now), toMillis(now.Add(-staleAfter)))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale inflight entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered entries: %w", err)
	}
	return int(n), nil
}

// ClaimOutbox flips up to limit eligible entries (pending, or failed with an
// elapsed retry time) to inflight, tagged with batchID and workerID, and
// returns them joined with their records in ascending id order.
//
// The UPDATE runs inside one IMMEDIATE transaction. SQLite admits a single
// writer at a time, so a concurrent claimer only ever sees rows that are
// still pending; nothing is claimed twice.
//
// Entries whose record fails validation are dead-lettered in the same
// transaction instead of being returned.
func (db *DB) ClaimOutbox(ctx context.Context, limit int, batchID, workerID string) ([]schema.ClaimedLog, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := toMillis(db.Now())

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		UPDATE sync_outbox SET
			state = 'inflight',
			batch_id = ?,
			worker_id = ?,
			locked_at = ?,
			updated_at = ?
		WHERE id IN (
			SELECT id FROM sync_outbox
			WHERE state IN ('pending', 'failed') AND next_retry_at <= ?
			ORDER BY id
			LIMIT ?
		)
		RETURNING `+outboxColumns,
		batchID, workerID, now, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox entries: %w", err)
	}

	var entries []*schema.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan claimed entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("failed to read claimed entries: %w", err)
	}
	_ = rows.Close()

	if len(entries) == 0 {
		return nil, tx.Commit()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	claimed := make([]schema.ClaimedLog, 0, len(entries))
	for _, e := range entries {
		rec, err := getLog(ctx, tx, "id = ?", e.LogID)
		if err != nil && !errors.Is(err, schema.ErrInvalid) && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if err != nil {
			msg := truncateError(fmt.Sprintf("record cannot be delivered: %v", err))
			if _, uerr := tx.ExecContext(ctx, `
				UPDATE sync_outbox SET state = 'dead', last_error = ?, batch_id = NULL,
					worker_id = NULL, locked_at = NULL, updated_at = ?
				WHERE id = ?`, msg, now, e.ID); uerr != nil {
				return nil, fmt.Errorf("failed to dead-letter entry %d: %w", e.ID, uerr)
			}
			continue
		}
		claimed = append(claimed, schema.ClaimedLog{Entry: *e, Record: *rec})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claimed, nil
}

// ReleaseClaims returns inflight entries to pending without touching their
// retry count or backoff. Used for claimed rows that did not fit a batch.
func (db *DB) ReleaseClaims(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{toMillis(db.Now())}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := db.conn.ExecContext(ctx, `
		UPDATE sync_outbox SET
			state = 'pending',
			batch_id = NULL,
			worker_id = NULL,
			locked_at = NULL,
			updated_at = ?
		WHERE state = 'inflight' AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to release claims: %w", err)
	}
	return nil
}

// Delivery is one record that landed in an archive revision.
type Delivery struct {
	EntryID int64
	LogID   string
	Path    string
	BlobID  string
}

// SettleDelivered records a successful commit in one transaction: the records
// get their archive linkage, the entries become done and the outbound cursor
// moves to revision. It returns how many entries were marked done; an entry
// that is no longer inflight in batchID, e.g. because it was reaped as stale,
// is left alone and not counted.
func (db *DB) SettleDelivered(ctx context.Context, batchID, revision string, deliveries []Delivery) (int, error) {
	now := toMillis(db.Now())

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin settlement: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	settled := 0

	for _, d := range deliveries {
		if _, err := tx.ExecContext(ctx, `
			UPDATE logs SET
				remote_path = COALESCE(?, remote_path),
				remote_blob_id = COALESCE(?, remote_blob_id),
				remote_revision = ?,
				updated_at = ?
			WHERE id = ?`,
			nullString(d.Path), nullString(d.BlobID), revision, now, d.LogID); err != nil {
			return 0, fmt.Errorf("failed to link log %s: %w", d.LogID, err)
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE sync_outbox SET
				state = 'done',
				last_error = NULL,
				worker_id = NULL,
				locked_at = NULL,
				updated_at = ?
			WHERE id = ? AND state = 'inflight' AND batch_id = ?`,
			now, d.EntryID, batchID)
		if err != nil {
			return 0, fmt.Errorf("failed to mark entry %d done: %w", d.EntryID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to mark entry %d done: %w", d.EntryID, err)
		}
		settled += int(n)
	}

	if err := setCursor(ctx, tx, schema.CursorOutbound, revision, now); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit settlement: %w", err)
	}
	return settled, nil
}

// FailureOutcome counts how a failed batch was settled.
type FailureOutcome struct {
	Failed int
	Dead   int
}

// SettleFailed marks every claimed entry of a failed batch as failed with a
// retry time of now + delay(nextRetries), or dead once nextRetries reaches
// maxRetries.
func (db *DB) SettleFailed(ctx context.Context, claims []schema.ClaimedLog, cause string, maxRetries int, delay func(nextRetries int) time.Duration) (FailureOutcome, error) {
	var out FailureOutcome
	now := db.Now()
	msg := truncateError(cause)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return out, fmt.Errorf("failed to begin failure settlement: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range claims {
		next := c.Entry.Retries + 1
		state := schema.OutboxFailed
		if next >= maxRetries {
			state = schema.OutboxDead
		}
		retryAt := now.Add(delay(next))

		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_outbox SET
				state = ?,
				retries = ?,
				next_retry_at = ?,
				last_error = ?,
				batch_id = NULL,
				worker_id = NULL,
				locked_at = NULL,
				updated_at = ?
			WHERE id = ? AND state = 'inflight' AND batch_id = ?`,
			string(state), next, toMillis(retryAt), msg, toMillis(now), c.Entry.ID, c.Entry.BatchID); err != nil {
			return out, fmt.Errorf("failed to settle entry %d: %w", c.Entry.ID, err)
		}
		if state == schema.OutboxDead {
			out.Dead++
		} else {
			out.Failed++
		}
	}

	if err := tx.Commit(); err != nil {
		return out, fmt.Errorf("failed to commit failure settlement: %w", err)
	}
	return out, nil
}

// RequeueDead moves dead entries back to pending with a fresh retry budget.
// An empty ids slice requeues every dead entry. Returns the number moved.
func (db *DB) RequeueDead(ctx context.Context, ids []int64) (int, error) {
	now := toMillis(db.Now())
	query := `
		UPDATE sync_outbox SET
			state = 'pending',
			retries = 0,
			next_retry_at = ?,
			last_error = NULL,
			updated_at = ?
		WHERE state = 'dead'`
	args := []any{now, now}
	if len(ids) > 0 {
		query += " AND id IN (" + placeholders(len(ids)) + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue dead entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetOutboxEntry returns one entry by id.
func (db *DB) GetOutboxEntry(ctx context.Context, id int64) (*schema.OutboxEntry, error) {
	e, err := scanOutbox(db.conn.QueryRowContext(ctx, "SELECT "+outboxColumns+" FROM sync_outbox WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox entry: %w", err)
	}
	return e, nil
}

// ListOutbox returns entries in a state, oldest first. limit <= 0 means all.
func (db *DB) ListOutbox(ctx context.Context, state schema.OutboxState, limit int) ([]*schema.OutboxEntry, error) {
	query := "SELECT " + outboxColumns + " FROM sync_outbox WHERE state = ? ORDER BY id"
	args := []any{string(state)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer rows.Close()

	var out []*schema.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func truncateError(msg string) string {
	if len(msg) <= MaxErrorLength {
		return msg
	}
	return msg[:MaxErrorLength]
}
