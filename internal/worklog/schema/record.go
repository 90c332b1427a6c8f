// Package schema provides the data structures shared by the worklog store and
// the sync engine.
package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/studiovibi/worklogs/internal/worklog/logpath"
)

// ErrInvalid is wrapped by every validation failure in this package.
var ErrInvalid = errors.New("invalid record")

// Source records where a LogRecord was first seen.
type Source string

const (
	// SourceAPI marks records created locally through the create operation.
	SourceAPI Source = "api"
	// SourceRemote marks records discovered in the archive by the reconciler.
	SourceRemote Source = "remote"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	return s == SourceAPI || s == SourceRemote
}

// MaxTextLength is the longest text accepted by the create operation, in runes.
const MaxTextLength = 5000

// MinDuration is the shortest span accepted by the create operation.
const MinDuration = time.Minute

// LogRecord is one block of logged work.
type LogRecord struct {
	// ===== Identity =====
	ID    string `json:"id"`
	Owner string `json:"owner"`

	// ===== Timespan =====
	StartAt  time.Time `json:"start_at"`
	EndAt    time.Time `json:"end_at"`
	TimeZone string    `json:"timezone"`

	// ===== Content =====
	Text          string `json:"text"`
	ContentSHA256 string `json:"content_sha256"`
	Source        Source `json:"source"`

	// ===== Archive linkage (empty until synced) =====
	RemotePath     string `json:"remote_path,omitempty"`
	RemoteBlobID   string `json:"remote_blob_id,omitempty"`
	RemoteRevision string `json:"remote_revision,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Duration is EndAt - StartAt.
func (r *LogRecord) Duration() time.Duration {
	return r.EndAt.Sub(r.StartAt)
}

// Validate checks the fields every stored record must carry.
func (r *LogRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if r.Owner == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalid)
	}
	if r.StartAt.IsZero() || r.EndAt.IsZero() {
		return fmt.Errorf("%w: start_at and end_at are required", ErrInvalid)
	}
	if r.Duration() <= 0 {
		return fmt.Errorf("%w: duration must be positive (got %v)", ErrInvalid, r.Duration())
	}
	if !r.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrInvalid, r.Source)
	}
	return nil
}

// Path returns the persisted archive path, or encodes one when none exists yet.
func (r *LogRecord) Path(fallback *time.Location) string {
	if r.RemotePath != "" {
		return r.RemotePath
	}
	loc := logpath.ResolveLocation(r.TimeZone, fallback)
	return logpath.Encode(r.ID, r.EndAt, r.Duration(), r.Owner, loc)
}

var ownerInvalid = regexp.MustCompile(`[^a-z0-9_-]`)
var dashRuns = regexp.MustCompile(`-+`)

// NormalizeOwner lowercases a login and restricts it to [a-z0-9_-].
// It returns "" when nothing usable is left.
func NormalizeOwner(raw string) string {
	s := strings.ToLower(strings.TrimLeft(strings.TrimSpace(raw), "@"))
	s = dashRuns.ReplaceAllString(ownerInvalid.ReplaceAllString(s, "-"), "-")
	if s == "-" {
		return ""
	}
	return s
}
