package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/studiovibi/worklogs/internal/worklog/db"
	"github.com/studiovibi/worklogs/internal/worklog/logpath"
	"github.com/studiovibi/worklogs/internal/worklog/remote"
	"github.com/studiovibi/worklogs/internal/worklog/schema"
)

// Inbound modes.
const (
	ModeFullInitial  = "full_initial"
	ModeNoop         = "noop"
	ModeIncremental  = "incremental"
	ModeFullFallback = "full_fallback"
)

// ReconcilerConfig holds the inbound tuning knobs.
type ReconcilerConfig struct {
	// Branch to follow; empty means the archive's default branch.
	Branch string
	// FullScanThreshold is the largest diff trusted for an incremental run.
	FullScanThreshold int
	// DefaultDuration is assumed for legacy paths without a duration token.
	DefaultDuration time.Duration
	// Location is the zone path timestamps are written in.
	Location *time.Location
	LockTTL  time.Duration
	Holder   string
	Logger   *log.Logger
}

// DefaultReconcilerConfig returns the production defaults.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		FullScanThreshold: 300,
		DefaultDuration:   logpath.DefaultDuration,
		Location:          time.UTC,
		LockTTL:           time.Hour,
		Logger:            log.New(os.Stderr, "[sync:inbound] ", log.LstdFlags),
	}
}

func (c *ReconcilerConfig) normalize() {
	if c.FullScanThreshold < 1 {
		c.FullScanThreshold = 1
	}
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = logpath.DefaultDuration
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.LockTTL <= 0 {
		c.LockTTL = time.Hour
	}
	if c.Holder == "" {
		c.Holder = NewHolderID()
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[sync:inbound] ", log.LstdFlags)
	}
}

// InboundResult describes one reconciler run.
type InboundResult struct {
	Skipped      string `json:"skipped,omitempty"`
	Mode         string `json:"mode,omitempty"`
	Head         string `json:"head,omitempty"`
	Processed    int    `json:"processed"`
	Imported     int    `json:"imported"`
	Unchanged    int    `json:"unchanged"`
	SkippedFiles int    `json:"skipped_files"`
	Failed       int    `json:"failed"`
	Overlapping  int    `json:"overlapping"`
	// FallbackReason says why an incremental run became a full scan.
	FallbackReason string `json:"fallback_reason,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Summary implements Report.
func (r *InboundResult) Summary() string {
	if r.Skipped != "" {
		return "skipped: " + r.Skipped
	}
	s := fmt.Sprintf("mode=%s processed=%d imported=%d unchanged=%d skipped=%d failed=%d",
		r.Mode, r.Processed, r.Imported, r.Unchanged, r.SkippedFiles, r.Failed)
	if r.Overlapping > 0 {
		s += fmt.Sprintf(" overlapping=%d", r.Overlapping)
	}
	if r.Head != "" {
		s += " head=" + shortRev(r.Head)
	}
	return s
}

// SkipReason implements Report.
func (r *InboundResult) SkipReason() string { return r.Skipped }

// Reconciler imports archive changes into the local store.
type Reconciler struct {
	db     *db.DB
	store  remote.Store
	cfg    ReconcilerConfig
	logger *log.Logger
}

var _ Runner = (*Reconciler)(nil)

// NewReconciler creates a Reconciler. Out-of-range settings are clamped.
func NewReconciler(database *db.DB, store remote.Store, cfg ReconcilerConfig) *Reconciler {
	cfg.normalize()
	return &Reconciler{db: database, store: store, cfg: cfg, logger: cfg.Logger}
}

// Name implements Runner.
func (r *Reconciler) Name() string { return schema.CursorInbound }

// RunOnce implements Runner.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	res, err := r.Run(ctx)
	if res == nil {
		return nil, err
	}
	return res, err
}

// Run performs one inbound pass. Per-file failures are counted and logged;
// the cursor still advances to the head that was processed. A returned
// error means the head, the file list or the store could not be read.
func (r *Reconciler) Run(ctx context.Context) (*InboundResult, error) {
	res := &InboundResult{}
	if !r.store.Enabled() {
		res.Skipped = SkipRemoteDisabled
		return res, nil
	}

	ok, err := r.db.TryLock(ctx, db.LockInbound, r.cfg.Holder, r.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		res.Skipped = SkipLockUnavailable
		return res, nil
	}
	defer func() {
		if err := r.db.Unlock(context.WithoutCancel(ctx), db.LockInbound, r.cfg.Holder); err != nil {
			r.logger.Printf("WARNING: %v", err)
		}
	}()

	err = r.run(ctx, res)
	if err != nil {
		res.Error = err.Error()
	}
	if res.Skipped == "" {
		if rerr := r.db.RecordRun(context.WithoutCancel(ctx), schema.CursorInbound, res); rerr != nil {
			r.logger.Printf("WARNING: %v", rerr)
		}
	}
	return res, err
}

func (r *Reconciler) run(ctx context.Context, res *InboundResult) error {
	head, err := r.store.HeadRevision(ctx, r.cfg.Branch)
	if err != nil {
		return fmt.Errorf("failed to read archive head: %w", err)
	}
	if head.Revision == "" {
		res.Skipped = SkipNoHead
		return nil
	}
	res.Head = head.Revision

	cursor, err := r.db.GetCursor(ctx, schema.CursorInbound)
	if err != nil {
		return err
	}

	var candidates []remote.Entry
	switch {
	case cursor == "":
		res.Mode = ModeFullInitial
	case cursor == head.Revision:
		res.Mode = ModeNoop
		return nil
	default:
		res.Mode = ModeIncremental
		candidates, res.FallbackReason = r.incremental(ctx, cursor, head.Revision)
		if res.FallbackReason != "" {
			res.Mode = ModeFullFallback
			r.logger.Printf("Falling back to a full scan: %s", res.FallbackReason)
		}
	}

	if res.Mode != ModeIncremental {
		if candidates, err = r.store.ListEntries(ctx, head.Branch, logpath.Prefix); err != nil {
			return fmt.Errorf("failed to list archive entries: %w", err)
		}
	}

	r.importAll(ctx, head.Revision, candidates, res)

	if err := r.db.SetCursor(ctx, schema.CursorInbound, head.Revision); err != nil {
		return err
	}
	r.logger.Printf("Reconciled %s: %s", shortRev(head.Revision), res.Summary())
	return nil
}

// incremental returns the files to import between cursor and head, or a
// non-empty reason when the diff cannot be trusted.
func (r *Reconciler) incremental(ctx context.Context, cursor, head string) ([]remote.Entry, string) {
	diff, err := r.store.Diff(ctx, cursor, head)
	switch {
	case err != nil:
		return nil, fmt.Sprintf("diff failed: %v", err)
	case !diff.Status.Linear():
		return nil, fmt.Sprintf("history is %s", diff.Status)
	case diff.Truncated:
		return nil, fmt.Sprintf("diff listing was truncated at %d files", len(diff.Files))
	case len(diff.Files) > r.cfg.FullScanThreshold:
		return nil, fmt.Sprintf("%d changed files exceed the threshold of %d", len(diff.Files), r.cfg.FullScanThreshold)
	}

	var out []remote.Entry
	for _, f := range diff.Files {
		if f.Status == remote.FileRemoved || f.BlobID == "" || !logpath.InNamespace(f.Path) {
			continue
		}
		out = append(out, remote.Entry{Path: f.Path, BlobID: f.BlobID})
	}
	return out, ""
}

func (r *Reconciler) importAll(ctx context.Context, revision string, entries []remote.Entry, res *InboundResult) {
	opts := logpath.DecodeOptions{DefaultDuration: r.cfg.DefaultDuration, Location: r.cfg.Location}

	for _, e := range entries {
		if !logpath.InNamespace(e.Path) || e.BlobID == "" {
			continue
		}
		res.Processed++

		decoded, err := logpath.Decode(e.Path, opts)
		if err != nil {
			res.SkippedFiles++
			continue
		}

		up, err := r.importOne(ctx, revision, e, decoded)
		if err != nil {
			res.Failed++
			r.logger.Printf("WARNING: failed importing %s: %v", e.Path, err)
			continue
		}
		if !up.Changed {
			res.Unchanged++
			continue
		}
		res.Imported++
		if up.Overlaps > 0 {
			res.Overlapping++
			r.logger.Printf("WARNING: %s overlaps %d existing logs of %s", e.Path, up.Overlaps, decoded.Owner)
		}
	}
}

func (r *Reconciler) importOne(ctx context.Context, revision string, e remote.Entry, decoded logpath.Decoded) (*db.UpsertResult, error) {
	data, err := r.store.ReadBlob(ctx, e.BlobID)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", e.BlobID, err)
	}

	owner := schema.NormalizeOwner(decoded.Owner)
	if owner == "" {
		owner = "unknown"
	}

	up, err := r.db.UpsertRemoteLog(ctx, db.RemoteLog{
		Path:     e.Path,
		BlobID:   e.BlobID,
		Revision: revision,
		Owner:    owner,
		StartAt:  decoded.StartAt,
		EndAt:    decoded.EndAt,
		TimeZone: r.cfg.Location.String(),
		Text:     string(data),
	})
	if errors.Is(err, schema.ErrInvalid) {
		return nil, fmt.Errorf("rejected: %w", err)
	}
	return up, err
}
