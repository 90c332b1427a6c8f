package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/studiovibi/worklogs/internal/worklog/logpath"
	"github.com/studiovibi/worklogs/internal/worklog/schema"
)

// ErrOverlap is matched (via errors.Is) by every *OverlapError.
var ErrOverlap = errors.New("timespan overlaps an existing worklog from the same owner")

// OverlapError names the record a new timespan collides with.
type OverlapError struct {
	LogID string
	Path  string
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("%s (log %s, path %s)", ErrOverlap.Error(), e.LogID, e.Path)
}

// Is makes errors.Is(err, ErrOverlap) true.
func (e *OverlapError) Is(target error) bool {
	return target == ErrOverlap
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const logColumns = `id, owner, start_at, end_at, duration_ms, timezone, text, content_sha256,
	source, remote_path, remote_blob_id, remote_revision, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanLog maps one logs row field by field and rejects rows that do not
// describe a valid record.
func scanLog(row rowScanner) (*schema.LogRecord, error) {
	var (
		r                      schema.LogRecord
		startMs, endMs, durMs  int64
		createdMs              int64
		source                 string
		path, blobID, revision sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Owner, &startMs, &endMs, &durMs, &r.TimeZone, &r.Text,
		&r.ContentSHA256, &source, &path, &blobID, &revision, &createdMs); err != nil {
		return nil, err
	}

	r.StartAt = fromMillis(startMs)
	r.EndAt = fromMillis(endMs)
	r.Source = schema.Source(source)
	r.RemotePath = path.String
	r.RemoteBlobID = blobID.String
	r.RemoteRevision = revision.String
	r.CreatedAt = fromMillis(createdMs)

	if err := r.Validate(); err != nil {
		return nil, err
	}
	if endMs-startMs != durMs {
		return nil, fmt.Errorf("%w: log %s duration_ms %d disagrees with its span", schema.ErrInvalid, r.ID, durMs)
	}
	return &r, nil
}

// CreateLogParams is the input of CreateLog.
type CreateLogParams struct {
	// ID is optional; a uuid is generated when empty.
	ID             string
	Owner          string
	EndAt          time.Time
	Duration       time.Duration
	Text           string
	TimeZone       string
	IdempotencyKey string
}

// CreateLogResult is the outcome of CreateLog.
type CreateLogResult struct {
	Record *schema.LogRecord
	// Reused is true when the idempotency key was already bound and the
	// existing record was returned without writing anything.
	Reused bool
}

// Validate checks the create input and normalizes the owner in place.
func (p *CreateLogParams) Validate() error {
	p.Owner = schema.NormalizeOwner(p.Owner)
	if p.Owner == "" {
		return fmt.Errorf("%w: owner is required", schema.ErrInvalid)
	}
	p.Text = strings.TrimSpace(p.Text)
	if p.Text == "" {
		return fmt.Errorf("%w: text is required", schema.ErrInvalid)
	}
	if n := utf8.RuneCountInString(p.Text); n > schema.MaxTextLength {
		return fmt.Errorf("%w: text must be %d characters or less (got %d)", schema.ErrInvalid, schema.MaxTextLength, n)
	}
	if p.EndAt.IsZero() {
		return fmt.Errorf("%w: end time is required", schema.ErrInvalid)
	}
	if p.Duration < schema.MinDuration {
		return fmt.Errorf("%w: duration must be at least %v (got %v)", schema.ErrInvalid, schema.MinDuration, p.Duration)
	}
	if _, err := time.LoadLocation(p.TimeZone); err != nil || p.TimeZone == "" {
		return fmt.Errorf("%w: unknown timezone %q", schema.ErrInvalid, p.TimeZone)
	}
	return nil
}

// CreateLog inserts a record and its pending outbox entry in one transaction.
//
// When IdempotencyKey is already bound for the owner the bound record is
// returned unchanged. A timespan that overlaps another record of the same
// owner ([start, end) intervals) fails with an *OverlapError.
func (db *DB) CreateLog(ctx context.Context, p CreateLogParams) (*CreateLogResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	loc, _ := time.LoadLocation(p.TimeZone)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if p.IdempotencyKey != "" {
		var boundID string
		err := tx.QueryRowContext(ctx,
			`SELECT log_id FROM idempotency_keys WHERE owner = ? AND idempotency_key = ?`,
			p.Owner, p.IdempotencyKey).Scan(&boundID)
		switch {
		case err == nil:
			rec, err := getLog(ctx, tx, "id = ?", boundID)
			if err != nil {
				return nil, fmt.Errorf("failed to load idempotent log %s: %w", boundID, err)
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit transaction: %w", err)
			}
			return &CreateLogResult{Record: rec, Reused: true}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
		}
	}

	now := db.Now()
	end := p.EndAt.Truncate(time.Second)
	start := end.Add(-p.Duration.Truncate(time.Second))

	var overlapID string
	var overlapPath sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id, remote_path FROM logs
		WHERE owner = ? AND start_at < ? AND end_at > ?
		ORDER BY start_at
		LIMIT 1`,
		p.Owner, toMillis(end), toMillis(start)).Scan(&overlapID, &overlapPath)
	if err == nil {
		return nil, &OverlapError{LogID: overlapID, Path: overlapPath.String}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check overlap: %w", err)
	}

	rec := &schema.LogRecord{
		ID:            p.ID,
		Owner:         p.Owner,
		StartAt:       start.UTC(),
		EndAt:         end.UTC(),
		TimeZone:      p.TimeZone,
		Text:          p.Text,
		ContentSHA256: logpath.ContentHash(p.Text),
		Source:        schema.SourceAPI,
		CreatedAt:     fromMillis(toMillis(now)),
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.RemotePath = logpath.Encode(rec.ID, rec.EndAt, rec.Duration(), rec.Owner, loc)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO logs (
			id, owner, start_at, end_at, duration_ms, timezone, text, content_sha256,
			source, remote_path, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Owner, toMillis(rec.StartAt), toMillis(rec.EndAt), rec.Duration().Milliseconds(),
		rec.TimeZone, rec.Text, rec.ContentSHA256, string(rec.Source), rec.RemotePath,
		toMillis(now), toMillis(now),
	); err != nil {
		return nil, fmt.Errorf("failed to insert log: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_outbox (log_id, state, retries, next_retry_at, created_at, updated_at)
		VALUES (?, 'pending', 0, ?, ?, ?)`,
		rec.ID, toMillis(now), toMillis(now), toMillis(now),
	); err != nil {
		return nil, fmt.Errorf("failed to enqueue log: %w", err)
	}

	if p.IdempotencyKey != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_keys (owner, idempotency_key, log_id, created_at)
			VALUES (?, ?, ?, ?)`,
			p.Owner, p.IdempotencyKey, rec.ID, toMillis(now),
		); err != nil {
			return nil, fmt.Errorf("failed to bind idempotency key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &CreateLogResult{Record: rec}, nil
}

func getLog(ctx context.Context, q querier, where string, args ...any) (*schema.LogRecord, error) {
	row := q.QueryRowContext(ctx, "SELECT "+logColumns+" FROM logs WHERE "+where, args...)
	rec, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get log: %w", err)
	}
	return rec, nil
}

// GetLog returns the record with the given id.
func (db *DB) GetLog(ctx context.Context, id string) (*schema.LogRecord, error) {
	return getLog(ctx, db.conn, "id = ?", id)
}

// GetLogByPath returns the record linked to an archive path.
func (db *DB) GetLogByPath(ctx context.Context, path string) (*schema.LogRecord, error) {
	return getLog(ctx, db.conn, "remote_path = ?", path)
}

// ListLogsFilter narrows ListLogs.
type ListLogsFilter struct {
	Owner string
	// From and To bound end_at (inclusive from, exclusive to) when non-zero.
	From  time.Time
	To    time.Time
	Limit int
}

// ListLogs returns records ordered by end time.
func (db *DB) ListLogs(ctx context.Context, filter ListLogsFilter) ([]*schema.LogRecord, error) {
	query := "SELECT " + logColumns + " FROM logs WHERE 1=1"
	var args []any

	if filter.Owner != "" {
		query += " AND owner = ?"
		args = append(args, schema.NormalizeOwner(filter.Owner))
	}
	if !filter.From.IsZero() {
		query += " AND end_at >= ?"
		args = append(args, toMillis(filter.From))
	}
	if !filter.To.IsZero() {
		query += " AND end_at < ?"
		args = append(args, toMillis(filter.To))
	}
	query += " ORDER BY end_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var out []*schema.LogRecord
	for rows.Next() {
		rec, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountLogs returns the number of records.
func (db *DB) CountLogs(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM logs").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count logs: %w", err)
	}
	return n, nil
}

// RemoteLog is a record as found in the archive.
type RemoteLog struct {
	Path     string
	BlobID   string
	Revision string
	Owner    string
	StartAt  time.Time
	EndAt    time.Time
	TimeZone string
	Text     string
}

// UpsertResult describes what UpsertRemoteLog wrote.
type UpsertResult struct {
	ID string
	// Inserted is true for a first sighting of the path.
	Inserted bool
	// Changed is true when a row was written (inserted or updated).
	Changed bool
	// Overlaps counts other records of the same owner whose span intersects
	// a newly inserted record.
	Overlaps int
}

// UpsertRemoteLog inserts the record behind an archive path, or updates an
// existing one only when its content hash, blob id or revision differ.
func (db *DB) UpsertRemoteLog(ctx context.Context, in RemoteLog) (*UpsertResult, error) {
	if in.Path == "" {
		return nil, fmt.Errorf("%w: remote log has no path", schema.ErrInvalid)
	}
	if !in.EndAt.After(in.StartAt) {
		return nil, fmt.Errorf("%w: remote log %s has a non-positive duration", schema.ErrInvalid, in.Path)
	}

	now := toMillis(db.Now())
	newID := uuid.NewString()
	hash := logpath.ContentHash(in.Text)

	var id string
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO logs (
			id, owner, start_at, end_at, duration_ms, timezone, text, content_sha256,
			source, remote_path, remote_blob_id, remote_revision, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'remote', ?, ?, ?, ?, ?)
		ON CONFLICT(remote_path) DO UPDATE SET
			text = excluded.text,
			content_sha256 = excluded.content_sha256,
			remote_blob_id = excluded.remote_blob_id,
			remote_revision = excluded.remote_revision,
			updated_at = excluded.updated_at
		WHERE logs.content_sha256 IS NOT excluded.content_sha256
			OR logs.remote_blob_id IS NOT excluded.remote_blob_id
			OR logs.remote_revision IS NOT excluded.remote_revision
		RETURNING id`,
		newID, in.Owner, toMillis(in.StartAt), toMillis(in.EndAt), in.EndAt.Sub(in.StartAt).Milliseconds(),
		in.TimeZone, in.Text, hash, in.Path, nullString(in.BlobID), nullString(in.Revision), now, now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return &UpsertResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert remote log %s: %w", in.Path, err)
	}

	res := &UpsertResult{ID: id, Changed: true, Inserted: id == newID}
	if res.Inserted {
		err := db.conn.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM logs
			WHERE owner = ? AND id != ? AND start_at < ? AND end_at > ?`,
			in.Owner, id, toMillis(in.EndAt), toMillis(in.StartAt)).Scan(&res.Overlaps)
		if err != nil {
			return nil, fmt.Errorf("failed to check overlap for %s: %w", in.Path, err)
		}
	}
	return res, nil
}
