package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/studiovibi/worklogs/internal/worklog/db"
	"github.com/studiovibi/worklogs/internal/worklog/logpath"
	"github.com/studiovibi/worklogs/internal/worklog/remote"
	"github.com/studiovibi/worklogs/internal/worklog/schema"
)

// minBatchBytes is the lowest accepted MaxBatchBytes.
const minBatchBytes = 1024

// DispatcherConfig holds the outbound tuning knobs.
type DispatcherConfig struct {
	// MaxBatchLogs caps the number of records per commit.
	MaxBatchLogs int
	// MaxBatchBytes caps the summed text size per commit. The first record
	// of a batch is always admitted.
	MaxBatchBytes int
	// RateLimitFloor is the request quota kept in reserve for other clients.
	RateLimitFloor int
	// MaxRetries is the attempt count at which an entry is dead-lettered.
	MaxRetries int
	// StaleAfter is how long an inflight claim may live before it is
	// considered abandoned by a crashed worker.
	StaleAfter  time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// LockTTL bounds how long a crashed holder can block the direction.
	LockTTL time.Duration
	// Location encodes paths for records whose own zone cannot be loaded.
	Location *time.Location
	// Holder identifies this process in leases and claims.
	Holder string
	Logger *log.Logger
}

// DefaultDispatcherConfig returns the production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxBatchLogs:   200,
		MaxBatchBytes:  2_000_000,
		RateLimitFloor: 500,
		MaxRetries:     15,
		StaleAfter:     30 * time.Minute,
		BaseBackoff:    30 * time.Second,
		MaxBackoff:     6 * time.Hour,
		LockTTL:        time.Hour,
		Location:       time.UTC,
		Logger:         log.New(os.Stderr, "[sync:outbound] ", log.LstdFlags),
	}
}

func (c *DispatcherConfig) normalize() {
	if c.MaxBatchLogs < 1 {
		c.MaxBatchLogs = 1
	}
	if c.MaxBatchBytes < minBatchBytes {
		c.MaxBatchBytes = minBatchBytes
	}
	if c.RateLimitFloor < 0 {
		c.RateLimitFloor = 0
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 1
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 30 * time.Second
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.LockTTL <= 0 {
		c.LockTTL = time.Hour
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Holder == "" {
		c.Holder = NewHolderID()
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[sync:outbound] ", log.LstdFlags)
	}
}

// NewHolderID returns a lease holder id unique to this process.
func NewHolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// OutboundResult describes one dispatcher run.
type OutboundResult struct {
	Skipped   string `json:"skipped,omitempty"`
	Recovered int    `json:"recovered"`
	// Budget is the remaining remote quota seen before claiming, or
	// remote.Unlimited.
	Budget   int    `json:"budget"`
	Claimed  int    `json:"claimed"`
	Sent     int    `json:"sent"`
	Released int    `json:"released"`
	Bytes    int    `json:"bytes"`
	Revision string `json:"revision,omitempty"`
	BatchID  string `json:"batch_id,omitempty"`
	Failed   int    `json:"failed"`
	Dead     int    `json:"dead"`
	Error    string `json:"error,omitempty"`
}

// Summary implements Report.
func (r *OutboundResult) Summary() string {
	if r.Skipped != "" {
		return "skipped: " + r.Skipped
	}
	s := fmt.Sprintf("claimed=%d sent=%d released=%d recovered=%d bytes=%d", r.Claimed, r.Sent, r.Released, r.Recovered, r.Bytes)
	if r.Revision != "" {
		s += " revision=" + shortRev(r.Revision)
	}
	if r.Failed > 0 || r.Dead > 0 {
		s += fmt.Sprintf(" failed=%d dead=%d", r.Failed, r.Dead)
	}
	return s
}

// SkipReason implements Report.
func (r *OutboundResult) SkipReason() string { return r.Skipped }

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// Dispatcher delivers pending outbox entries to the archive.
type Dispatcher struct {
	db     *db.DB
	store  remote.Store
	cfg    DispatcherConfig
	logger *log.Logger
}

var _ Runner = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher. Out-of-range settings are clamped.
func NewDispatcher(database *db.DB, store remote.Store, cfg DispatcherConfig) *Dispatcher {
	cfg.normalize()
	return &Dispatcher{db: database, store: store, cfg: cfg, logger: cfg.Logger}
}

// Name implements Runner.
func (d *Dispatcher) Name() string { return schema.CursorOutbound }

// RunOnce implements Runner.
func (d *Dispatcher) RunOnce(ctx context.Context) (Report, error) {
	res, err := d.Run(ctx)
	if res == nil {
		return nil, err
	}
	return res, err
}

// Run performs one outbound pass: lease, stale recovery, rate-aware claim,
// batch shaping, a single commit and settlement. The lease is released on
// every path. A non-nil error means the batch could not be delivered or the
// store failed; the entries are settled as failed or dead before returning.
func (d *Dispatcher) Run(ctx context.Context) (*OutboundResult, error) {
	res := &OutboundResult{Budget: remote.Unlimited}
	if !d.store.Enabled() {
		res.Skipped = SkipRemoteDisabled
		return res, nil
	}

	ok, err := d.db.TryLock(ctx, db.LockOutbound, d.cfg.Holder, d.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		res.Skipped = SkipLockUnavailable
		return res, nil
	}
	defer func() {
		if err := d.db.Unlock(context.WithoutCancel(ctx), db.LockOutbound, d.cfg.Holder); err != nil {
			d.logger.Printf("WARNING: %v", err)
		}
	}()

	err = d.run(ctx, res)
	if err != nil {
		res.Error = err.Error()
	}
	if res.Skipped == "" {
		if rerr := d.db.RecordRun(context.WithoutCancel(ctx), schema.CursorOutbound, res); rerr != nil {
			d.logger.Printf("WARNING: %v", rerr)
		}
	}
	return res, err
}

func (d *Dispatcher) run(ctx context.Context, res *OutboundResult) error {
	recovered, err := d.db.ReapStaleInflight(ctx, d.cfg.StaleAfter)
	if err != nil {
		return err
	}
	res.Recovered = recovered
	if recovered > 0 {
		d.logger.Printf("Recovered %d stale inflight entries", recovered)
	}

	limit := d.claimLimit(ctx, res)
	if limit <= 0 {
		res.Skipped = SkipRateBudget
		d.logger.Printf("Skipping run: remaining quota %d is at or below the floor %d", res.Budget, d.cfg.RateLimitFloor)
		return nil
	}

	res.BatchID = uuid.NewString()
	claimed, err := d.db.ClaimOutbox(ctx, limit, res.BatchID, d.cfg.Holder)
	if err != nil {
		return err
	}
	res.Claimed = len(claimed)
	if len(claimed) == 0 {
		return nil
	}

	batch, postponed := shapeBatch(claimed, d.cfg.MaxBatchLogs, d.cfg.MaxBatchBytes)
	if len(postponed) > 0 {
		ids := make([]int64, len(postponed))
		for i, c := range postponed {
			ids[i] = c.Entry.ID
		}
		if err := d.db.ReleaseClaims(ctx, ids); err != nil {
			// Nothing was sent; settle the whole claim so no row stays inflight.
			return d.settleFailure(ctx, res, claimed, err)
		}
		res.Released = len(postponed)
	}

	files := make([]remote.File, len(batch))
	for i, c := range batch {
		files[i] = remote.File{Path: d.pathFor(&c.Record), Content: []byte(c.Record.Text)}
		res.Bytes += c.Size()
	}

	now := d.db.Now()
	message := fmt.Sprintf("worklog batch %s (%d logs)", now.UTC().Format(time.RFC3339), len(batch))
	commit, err := d.store.CommitFiles(ctx, files, message)
	if err != nil {
		return d.settleFailure(ctx, res, batch, err)
	}

	deliveries := make([]db.Delivery, len(batch))
	for i, c := range batch {
		deliveries[i] = db.Delivery{
			EntryID: c.Entry.ID,
			LogID:   c.Record.ID,
			Path:    files[i].Path,
			BlobID:  commit.BlobIDs[files[i].Path],
		}
	}
	settled, err := d.db.SettleDelivered(ctx, res.BatchID, commit.Revision, deliveries)
	if err != nil {
		return fmt.Errorf("failed to settle delivered batch %s at %s: %w", res.BatchID, commit.Revision, err)
	}
	if settled < len(deliveries) {
		d.logger.Printf("WARNING: batch %s lost %d of %d claims before settling; those entries will be delivered again",
			res.BatchID, len(deliveries)-settled, len(deliveries))
	}
	res.Sent = len(batch)
	res.Revision = commit.Revision
	d.logger.Printf("Delivered %d logs (%d bytes) in %s", res.Sent, res.Bytes, shortRev(commit.Revision))
	return nil
}

// claimLimit sizes the claim from the remote quota. A quota lookup failure
// is not fatal: the run proceeds with the configured batch size.
func (d *Dispatcher) claimLimit(ctx context.Context, res *OutboundResult) int {
	budget, err := d.store.RateBudget(ctx)
	if err != nil {
		d.logger.Printf("WARNING: rate budget unavailable, using batch size %d: %v", d.cfg.MaxBatchLogs, err)
		return d.cfg.MaxBatchLogs
	}
	res.Budget = budget.Remaining
	if budget.Remaining < 0 {
		return d.cfg.MaxBatchLogs
	}
	return min(d.cfg.MaxBatchLogs, budget.Remaining-d.cfg.RateLimitFloor)
}

// pathFor returns the persisted archive path, or encodes one.
func (d *Dispatcher) pathFor(rec *schema.LogRecord) string {
	if rec.RemotePath != "" {
		return rec.RemotePath
	}
	loc := logpath.ResolveLocation(rec.TimeZone, d.cfg.Location)
	return logpath.Encode(rec.ID, rec.EndAt, rec.Duration(), rec.Owner, loc)
}

func (d *Dispatcher) settleFailure(ctx context.Context, res *OutboundResult, batch []schema.ClaimedLog, cause error) error {
	now := d.db.Now()
	delay := func(next int) time.Duration {
		return Backoff(next, cause, d.cfg.BaseBackoff, d.cfg.MaxBackoff, now)
	}

	outcome, err := d.db.SettleFailed(context.WithoutCancel(ctx), batch, cause.Error(), d.cfg.MaxRetries, delay)
	res.Failed, res.Dead = outcome.Failed, outcome.Dead
	d.logger.Printf("WARNING: batch %s of %d logs failed (failed=%d dead=%d): %v",
		res.BatchID, len(batch), outcome.Failed, outcome.Dead, cause)

	deliverErr := fmt.Errorf("failed to deliver batch %s: %w", res.BatchID, cause)
	if err != nil {
		return errors.Join(deliverErr, err)
	}
	return deliverErr
}

// shapeBatch admits claimed rows in order while the batch stays within
// maxLogs records and maxBytes of text. The first row is always admitted so
// an oversized record still makes progress; rows that do not fit are
// returned as postponed.
func shapeBatch(claimed []schema.ClaimedLog, maxLogs, maxBytes int) (batch, postponed []schema.ClaimedLog) {
	bytes := 0
	for _, c := range claimed {
		size := c.Size()
		if len(batch)+1 > maxLogs || (len(batch) > 0 && bytes+size > maxBytes) {
			postponed = append(postponed, c)
			continue
		}
		batch = append(batch, c)
		bytes += size
	}
	return batch, postponed
}
