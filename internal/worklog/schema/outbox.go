package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutboxState is the delivery state of an OutboxEntry.
type OutboxState string

const (
	OutboxPending  OutboxState = "pending"
	OutboxInflight OutboxState = "inflight"
	OutboxDone     OutboxState = "done"
	OutboxFailed   OutboxState = "failed"
	OutboxDead     OutboxState = "dead"
)

// OutboxStates lists every state in lifecycle order.
var OutboxStates = []OutboxState{OutboxPending, OutboxInflight, OutboxDone, OutboxFailed, OutboxDead}

// Terminal reports whether no further transition happens on its own.
func (s OutboxState) Terminal() bool {
	return s == OutboxDone || s == OutboxDead
}

// Valid reports whether s is a known state.
func (s OutboxState) Valid() bool {
	for _, known := range OutboxStates {
		if s == known {
			return true
		}
	}
	return false
}

// OutboxEntry tracks the delivery of one LogRecord to the archive.
type OutboxEntry struct {
	ID          int64       `json:"id" yaml:"id"`
	LogID       string      `json:"log_id" yaml:"log_id"`
	State       OutboxState `json:"state" yaml:"state"`
	Retries     int         `json:"retries" yaml:"retries"`
	NextRetryAt time.Time   `json:"next_retry_at" yaml:"next_retry_at"`
	LastError   string      `json:"last_error,omitempty" yaml:"last_error,omitempty"`

	// Claim metadata, set while inflight.
	BatchID  string     `json:"batch_id,omitempty" yaml:"batch_id,omitempty"`
	WorkerID string     `json:"worker_id,omitempty" yaml:"worker_id,omitempty"`
	LockedAt *time.Time `json:"locked_at,omitempty" yaml:"locked_at,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Validate checks the fields every stored entry must carry.
func (e *OutboxEntry) Validate() error {
	if e.ID <= 0 {
		return fmt.Errorf("%w: outbox id is required", ErrInvalid)
	}
	if e.LogID == "" {
		return fmt.Errorf("%w: outbox entry %d has no log id", ErrInvalid, e.ID)
	}
	if !e.State.Valid() {
		return fmt.Errorf("%w: outbox entry %d has unknown state %q", ErrInvalid, e.ID, e.State)
	}
	if e.State == OutboxInflight && e.LockedAt == nil {
		return fmt.Errorf("%w: inflight outbox entry %d has no claim timestamp", ErrInvalid, e.ID)
	}
	return nil
}

// ClaimedLog is an inflight OutboxEntry joined with the record it delivers.
type ClaimedLog struct {
	Entry  OutboxEntry
	Record LogRecord
}

// Size is the number of bytes the record contributes to a batch.
func (c *ClaimedLog) Size() int {
	return len(c.Record.Text)
}

// Cursor names, one per sync direction.
const (
	CursorOutbound = "outbound"
	CursorInbound  = "inbound"
)

// SyncCursor is the last archive revision a direction fully processed.
type SyncCursor struct {
	Name      string          `json:"name" yaml:"name"`
	Revision  string          `json:"revision" yaml:"revision"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	LastRun   json.RawMessage `json:"last_run,omitempty" yaml:"-"`
}
