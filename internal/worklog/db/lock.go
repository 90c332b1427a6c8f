package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Lease names, one per sync direction.
const (
	LockOutbound = "outbound-sync"
	LockInbound  = "inbound-sync"
)

// TryLock takes the named lease for holder without blocking.
//
// The lease is granted when nobody holds it or the previous holder's lease
// expired; it then lasts ttl. ok is false when someone else holds a live
// lease, which is an expected outcome and not an error.
func (db *DB) TryLock(ctx context.Context, name, holder string, ttl time.Duration) (ok bool, err error) {
	now := db.Now()
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_locks (name, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE sync_locks.expires_at <= excluded.acquired_at`,
		name, holder, toMillis(now), toMillis(now.Add(ttl)))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lock result %s: %w", name, err)
	}
	return n == 1, nil
}

// Unlock releases the named lease if holder still owns it.
func (db *DB) Unlock(ctx context.Context, name, holder string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM sync_locks WHERE name = ? AND holder = ?", name, holder)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}

// LockHolder returns the current live holder of a lease, or "" when free.
func (db *DB) LockHolder(ctx context.Context, name string) (string, error) {
	var holder string
	err := db.conn.QueryRowContext(ctx,
		"SELECT holder FROM sync_locks WHERE name = ? AND expires_at > ?", name, toMillis(db.Now())).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lock %s: %w", name, err)
	}
	return holder, nil
}
