package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/studiovibi/worklogs/internal/worklog/schema"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var baseTime = time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

// setupTestDB creates a schema-initialized database in a temp dir.
func setupTestDB(t *testing.T) (*DB, *fakeClock) {
	t.Helper()

	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	if err := database.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	clock := &fakeClock{t: baseTime}
	database.SetClock(clock.Now)
	return database, clock
}

// createLogs inserts n non-overlapping one-hour records for owner.
func createLogs(t *testing.T, database *DB, owner string, n int) []*schema.LogRecord {
	t.Helper()

	out := make([]*schema.LogRecord, 0, n)
	for i := 0; i < n; i++ {
		res, err := database.CreateLog(context.Background(), CreateLogParams{
			Owner:    owner,
			EndAt:    baseTime.Add(time.Duration(i) * 2 * time.Hour),
			Duration: time.Hour,
			Text:     fmt.Sprintf("work item %d", i),
			TimeZone: "UTC",
		})
		if err != nil {
			t.Fatalf("CreateLog(%d) failed: %v", i, err)
		}
		out = append(out, res.Record)
	}
	return out
}

func TestOpenCreatesDirectoryAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "worklogs.db")

	database, err := Open("file:" + path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer database.Close()

	if database.Path() != path {
		t.Errorf("Path() = %q, want %q", database.Path(), path)
	}
	if err := database.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	if err := database.InitSchema(); err != nil {
		t.Fatalf("second InitSchema() failed: %v", err)
	}

	v, err := database.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion() failed: %v", err)
	}
	if v != schemaVersion {
		t.Errorf("SchemaVersion() = %d, want %d", v, schemaVersion)
	}
}

func TestCreateLog(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()

	res, err := database.CreateLog(ctx, CreateLogParams{
		Owner:    "@Alice",
		EndAt:    time.Date(2024, 3, 10, 2, 30, 0, 0, time.UTC),
		Duration: time.Hour,
		Text:     "  reviewed the exporter  ",
		TimeZone: "America/Sao_Paulo",
	})
	if err != nil {
		t.Fatalf("CreateLog() failed: %v", err)
	}
	rec := res.Record

	if res.Reused {
		t.Error("first create reported Reused")
	}
	if rec.Owner != "alice" {
		t.Errorf("Owner = %q, want alice", rec.Owner)
	}
	if rec.Text != "reviewed the exporter" {
		t.Errorf("Text = %q", rec.Text)
	}
	wantPath := "logs/2024-03-09.23h30m00s.60m00s.alice." + rec.ID + ".txt"
	if rec.RemotePath != wantPath {
		t.Errorf("RemotePath = %q, want %q", rec.RemotePath, wantPath)
	}

	got, err := database.GetLog(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetLog() failed: %v", err)
	}
	if got.Source != schema.SourceAPI || got.Duration() != time.Hour || got.ContentSHA256 != rec.ContentSHA256 {
		t.Errorf("GetLog() = %+v", got)
	}

	pending, err := database.ListOutbox(ctx, schema.OutboxPending, 0)
	if err != nil {
		t.Fatalf("ListOutbox() failed: %v", err)
	}
	if len(pending) != 1 || pending[0].LogID != rec.ID {
		t.Fatalf("pending outbox = %+v, want one entry for %s", pending, rec.ID)
	}
}

func TestCreateLogIdempotency(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()

	params := CreateLogParams{
		Owner:          "bob",
		EndAt:          baseTime,
		Duration:       30 * time.Minute,
		Text:           "standup",
		TimeZone:       "UTC",
		IdempotencyKey: "req-42",
	}

	first, err := database.CreateLog(ctx, params)
	if err != nil {
		t.Fatalf("CreateLog() failed: %v", err)
	}
	second, err := database.CreateLog(ctx, params)
	if err != nil {
		t.Fatalf("repeated CreateLog() failed: %v", err)
	}

	if !second.Reused {
		t.Error("repeated create did not report Reused")
	}
	if second.Record.ID != first.Record.ID {
		t.Errorf("repeated create returned %s, want %s", second.Record.ID, first.Record.ID)
	}
	if n, _ := database.CountLogs(ctx); n != 1 {
		t.Errorf("CountLogs() = %d, want 1", n)
	}
}

func TestCreateLogOverlap(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()

	mk := func(owner string, end time.Time) error {
		_, err := database.CreateLog(ctx, CreateLogParams{
			Owner: owner, EndAt: end, Duration: time.Hour, Text: "x", TimeZone: "UTC",
		})
		return err
	}

	if err := mk("carol", baseTime); err != nil {
		t.Fatalf("first CreateLog() failed: %v", err)
	}

	err := mk("carol", baseTime.Add(30*time.Minute))
	if !errors.Is(err, ErrOverlap) {
		t.Fatalf("overlapping CreateLog() error = %v, want ErrOverlap", err)
	}
	var overlap *OverlapError
	if !errors.As(err, &overlap) || overlap.LogID == "" || !strings.HasPrefix(overlap.Path, "logs/") {
		t.Errorf("OverlapError = %+v", overlap)
	}

	if err := mk("carol", baseTime.Add(time.Hour)); err != nil {
		t.Errorf("adjacent span rejected: %v", err)
	}
	if err := mk("dave", baseTime.Add(30*time.Minute)); err != nil {
		t.Errorf("other owner rejected: %v", err)
	}
}

func TestCreateLogValidation(t *testing.T) {
	database, _ := setupTestDB(t)

	tests := []struct {
		name   string
		params CreateLogParams
	}{
		{"no owner", CreateLogParams{Owner: "@", EndAt: baseTime, Duration: time.Hour, Text: "x", TimeZone: "UTC"}},
		{"no text", CreateLogParams{Owner: "a", EndAt: baseTime, Duration: time.Hour, Text: "   ", TimeZone: "UTC"}},
		{"long text", CreateLogParams{Owner: "a", EndAt: baseTime, Duration: time.Hour, Text: strings.Repeat("é", schema.MaxTextLength+1), TimeZone: "UTC"}},
		{"short", CreateLogParams{Owner: "a", EndAt: baseTime, Duration: 59 * time.Second, Text: "x", TimeZone: "UTC"}},
		{"no end", CreateLogParams{Owner: "a", Duration: time.Hour, Text: "x", TimeZone: "UTC"}},
		{"bad zone", CreateLogParams{Owner: "a", EndAt: baseTime, Duration: time.Hour, Text: "x", TimeZone: "Mars/Olympus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := database.CreateLog(context.Background(), tt.params)
			if !errors.Is(err, schema.ErrInvalid) {
				t.Errorf("CreateLog() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestClaimOutboxOrdersAndTags(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()
	createLogs(t, database, "alice", 5)

	claimed, err := database.ClaimOutbox(ctx, 3, "batch-1", "worker-1")
	if err != nil {
		t.Fatalf("ClaimOutbox() failed: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("ClaimOutbox() returned %d entries, want 3", len(claimed))
	}
	for i, c := range claimed {
		if i > 0 && c.Entry.ID <= claimed[i-1].Entry.ID {
			t.Errorf("claims not in ascending id order: %d after %d", c.Entry.ID, claimed[i-1].Entry.ID)
		}
		if c.Entry.State != schema.OutboxInflight || c.Entry.BatchID != "batch-1" || c.Entry.WorkerID != "worker-1" || c.Entry.LockedAt == nil {
			t.Errorf("claimed entry = %+v", c.Entry)
		}
		if c.Record.ID != c.Entry.LogID {
			t.Errorf("record %s joined to entry for %s", c.Record.ID, c.Entry.LogID)
		}
	}

	// Inflight rows are invisible to the next claimer.
	rest, err := database.ClaimOutbox(ctx, 10, "batch-2", "worker-2")
	if err != nil {
		t.Fatalf("second ClaimOutbox() failed: %v", err)
	}
	if len(rest) != 2 {
		t.Errorf("second claim got %d entries, want 2", len(rest))
	}

	if err := database.ReleaseClaims(ctx, []int64{claimed[0].Entry.ID}); err != nil {
		t.Fatalf("ReleaseClaims() failed: %v", err)
	}
	e, err := database.GetOutboxEntry(ctx, claimed[0].Entry.ID)
	if err != nil {
		t.Fatalf("GetOutboxEntry() failed: %v", err)
	}
	if e.State != schema.OutboxPending || e.LockedAt != nil || e.BatchID != "" || e.Retries != 0 {
		t.Errorf("released entry = %+v", e)
	}
}

func TestConcurrentClaimersNeverShareRows(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()
	const total = 120
	createLogs(t, database, "alice", total)

	var (
		mu   sync.Mutex
		seen = make(map[int64]string)
		dups []int64
		wg   sync.WaitGroup
		errs = make(chan error, 8)
	)

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			batch := fmt.Sprintf("batch-%d", worker)
			for {
				claimed, err := database.ClaimOutbox(ctx, 7, batch, batch)
				if err != nil {
					errs <- err
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, c := range claimed {
					if _, ok := seen[c.Entry.ID]; ok {
						dups = append(dups, c.Entry.ID)
					}
					seen[c.Entry.ID] = batch
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("claimer failed: %v", err)
	}
	if len(dups) > 0 {
		t.Fatalf("rows claimed twice: %v", dups)
	}
	if len(seen) != total {
		t.Errorf("claimed %d distinct rows, want %d", len(seen), total)
	}
}

func TestReapStaleInflight(t *testing.T) {
	database, clock := setupTestDB(t)
	ctx := context.Background()
	createLogs(t, database, "alice", 1)

	claimed, err := database.ClaimOutbox(ctx, 10, "b", "w")
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimOutbox() = %d entries, %v", len(claimed), err)
	}

	clock.Advance(10 * time.Minute)
	if n, err := database.ReapStaleInflight(ctx, 30*time.Minute); err != nil || n != 0 {
		t.Fatalf("fresh claim reaped: n=%d err=%v", n, err)
	}

	clock.Advance(21 * time.Minute)
	n, err := database.ReapStaleInflight(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("ReapStaleInflight() failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("ReapStaleInflight() = %d, want 1", n)
	}

	e, _ := database.GetOutboxEntry(ctx, claimed[0].Entry.ID)
	if e.State != schema.OutboxFailed || e.LastError != StaleRecoveredError || e.LockedAt != nil || e.WorkerID != "" {
		t.Errorf("recovered entry = %+v", e)
	}

	again, err := database.ClaimOutbox(ctx, 10, "b2", "w2")
	if err != nil || len(again) != 1 {
		t.Fatalf("recovered entry not claimable: %d entries, %v", len(again), err)
	}
}

func TestSettleFailedDeadLetters(t *testing.T) {
	database, clock := setupTestDB(t)
	ctx := context.Background()
	createLogs(t, database, "alice", 1)

	const maxRetries = 3
	var delays []int
	delay := func(next int) time.Duration {
		delays = append(delays, next)
		return time.Minute
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		claimed, err := database.ClaimOutbox(ctx, 10, fmt.Sprintf("b%d", attempt), "w")
		if err != nil || len(claimed) != 1 {
			t.Fatalf("attempt %d: ClaimOutbox() = %d entries, %v", attempt, len(claimed), err)
		}

		out, err := database.SettleFailed(ctx, claimed, "remote exploded", maxRetries, delay)
		if err != nil {
			t.Fatalf("SettleFailed() failed: %v", err)
		}

		e, _ := database.GetOutboxEntry(ctx, claimed[0].Entry.ID)
		if e.Retries != attempt {
			t.Errorf("attempt %d: retries = %d", attempt, e.Retries)
		}
		if attempt < maxRetries {
			if out.Failed != 1 || e.State != schema.OutboxFailed {
				t.Fatalf("attempt %d: state = %s, outcome %+v", attempt, e.State, out)
			}
			// Not eligible before the backoff elapses.
			if early, _ := database.ClaimOutbox(ctx, 10, "early", "w"); len(early) != 0 {
				t.Fatalf("attempt %d: entry claimable before next_retry_at", attempt)
			}
		} else if out.Dead != 1 || e.State != schema.OutboxDead {
			t.Fatalf("final attempt: state = %s, outcome %+v", e.State, out)
		}
		clock.Advance(time.Hour)
	}

	if fmt.Sprint(delays) != "[1 2 3]" {
		t.Errorf("backoff called with %v, want [1 2 3]", delays)
	}

	clock.Advance(365 * 24 * time.Hour)
	if claimed, _ := database.ClaimOutbox(ctx, 10, "late", "w"); len(claimed) != 0 {
		t.Fatalf("dead entry claimed again: %+v", claimed)
	}

	n, err := database.RequeueDead(ctx, nil)
	if err != nil || n != 1 {
		t.Fatalf("RequeueDead() = %d, %v", n, err)
	}
	claimed, _ := database.ClaimOutbox(ctx, 10, "requeued", "w")
	if len(claimed) != 1 || claimed[0].Entry.Retries != 0 {
		t.Fatalf("requeued entry = %+v", claimed)
	}
}

func TestSettleDelivered(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()
	recs := createLogs(t, database, "alice", 2)

	claimed, err := database.ClaimOutbox(ctx, 10, "batch", "w")
	if err != nil || len(claimed) != 2 {
		t.Fatalf("ClaimOutbox() = %d entries, %v", len(claimed), err)
	}

	var deliveries []Delivery
	for i, c := range claimed {
		deliveries = append(deliveries, Delivery{
			EntryID: c.Entry.ID,
			LogID:   c.Record.ID,
			Path:    c.Record.RemotePath,
			BlobID:  fmt.Sprintf("blob-%d", i),
		})
	}
	settled, err := database.SettleDelivered(ctx, "batch", "rev-1", deliveries)
	if err != nil {
		t.Fatalf("SettleDelivered() failed: %v", err)
	}
	if settled != 2 {
		t.Errorf("SettleDelivered() settled %d, want 2", settled)
	}

	for i, r := range recs {
		got, _ := database.GetLog(ctx, r.ID)
		if got.RemoteRevision != "rev-1" || got.RemoteBlobID != fmt.Sprintf("blob-%d", i) || got.RemotePath != r.RemotePath {
			t.Errorf("linkage for %s = %+v", r.ID, got)
		}
	}

	st, err := database.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.Counts[schema.OutboxDone] != 2 || st.TotalPending() != 0 {
		t.Errorf("counts = %v", st.Counts)
	}
	if rev, _ := database.GetCursor(ctx, schema.CursorOutbound); rev != "rev-1" {
		t.Errorf("outbound cursor = %q, want rev-1", rev)
	}
}

func TestSettleDeliveredSkipsReapedEntries(t *testing.T) {
	database, clock := setupTestDB(t)
	ctx := context.Background()
	createLogs(t, database, "alice", 2)

	claimed, err := database.ClaimOutbox(ctx, 10, "slow", "w")
	if err != nil || len(claimed) != 2 {
		t.Fatalf("ClaimOutbox() = %d entries, %v", len(claimed), err)
	}

	// The commit outlives the stale window and another run reaps the claim.
	clock.Advance(31 * time.Minute)
	if n, err := database.ReapStaleInflight(ctx, 30*time.Minute); err != nil || n != 2 {
		t.Fatalf("ReapStaleInflight() = %d, %v", n, err)
	}

	deliveries := make([]Delivery, len(claimed))
	for i, c := range claimed {
		deliveries[i] = Delivery{EntryID: c.Entry.ID, LogID: c.Record.ID, BlobID: "blob"}
	}
	settled, err := database.SettleDelivered(ctx, "slow", "rev-1", deliveries)
	if err != nil {
		t.Fatalf("SettleDelivered() failed: %v", err)
	}
	if settled != 0 {
		t.Errorf("SettleDelivered() settled %d reaped entries, want 0", settled)
	}

	st, err := database.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.Counts[schema.OutboxDone] != 0 || st.Counts[schema.OutboxFailed] != 2 {
		t.Errorf("counts = %v", st.Counts)
	}
}

func TestUpsertRemoteLog(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()

	in := RemoteLog{
		Path:     "logs/2024-05-02.12h00m00s.60m00s.erin.txt",
		BlobID:   "blob-a",
		Revision: "rev-1",
		Owner:    "erin",
		StartAt:  baseTime.Add(-time.Hour),
		EndAt:    baseTime,
		TimeZone: "UTC",
		Text:     "imported",
	}

	res, err := database.UpsertRemoteLog(ctx, in)
	if err != nil {
		t.Fatalf("UpsertRemoteLog() failed: %v", err)
	}
	if !res.Inserted || !res.Changed || res.ID == "" {
		t.Fatalf("first upsert = %+v", res)
	}

	res, err = database.UpsertRemoteLog(ctx, in)
	if err != nil {
		t.Fatalf("replayed UpsertRemoteLog() failed: %v", err)
	}
	if res.Changed || res.Inserted {
		t.Errorf("replayed upsert wrote: %+v", res)
	}

	in.BlobID = "blob-b"
	in.Text = "edited upstream"
	res, err = database.UpsertRemoteLog(ctx, in)
	if err != nil {
		t.Fatalf("changed UpsertRemoteLog() failed: %v", err)
	}
	if !res.Changed || res.Inserted {
		t.Errorf("changed upsert = %+v", res)
	}

	got, err := database.GetLogByPath(ctx, in.Path)
	if err != nil {
		t.Fatalf("GetLogByPath() failed: %v", err)
	}
	if got.Text != "edited upstream" || got.RemoteBlobID != "blob-b" || got.Source != schema.SourceRemote {
		t.Errorf("GetLogByPath() = %+v", got)
	}
	if n, _ := database.CountLogs(ctx); n != 1 {
		t.Errorf("CountLogs() = %d, want 1", n)
	}

	// Overlapping import is kept and reported.
	overlapping := in
	overlapping.Path = "logs/2024-05-02.11h30m00s.60m00s.erin.txt"
	overlapping.StartAt = baseTime.Add(-90 * time.Minute)
	overlapping.EndAt = baseTime.Add(-30 * time.Minute)
	res, err = database.UpsertRemoteLog(ctx, overlapping)
	if err != nil {
		t.Fatalf("overlapping UpsertRemoteLog() failed: %v", err)
	}
	if !res.Inserted || res.Overlaps != 1 {
		t.Errorf("overlapping upsert = %+v", res)
	}
}

func TestTryLock(t *testing.T) {
	database, clock := setupTestDB(t)
	ctx := context.Background()

	ok, err := database.TryLock(ctx, LockOutbound, "holder-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryLock(holder-1) = %v, %v", ok, err)
	}
	if ok, _ := database.TryLock(ctx, LockOutbound, "holder-2", time.Minute); ok {
		t.Fatal("second holder acquired a live lease")
	}
	if ok, _ := database.TryLock(ctx, LockInbound, "holder-2", time.Minute); !ok {
		t.Fatal("leases for different directions interfere")
	}

	clock.Advance(2 * time.Minute)
	if ok, _ := database.TryLock(ctx, LockOutbound, "holder-2", time.Minute); !ok {
		t.Fatal("expired lease was not taken over")
	}

	// A stale holder cannot release someone else's lease.
	if err := database.Unlock(ctx, LockOutbound, "holder-1"); err != nil {
		t.Fatalf("Unlock() failed: %v", err)
	}
	if holder, _ := database.LockHolder(ctx, LockOutbound); holder != "holder-2" {
		t.Errorf("LockHolder() = %q, want holder-2", holder)
	}

	if err := database.Unlock(ctx, LockOutbound, "holder-2"); err != nil {
		t.Fatalf("Unlock() failed: %v", err)
	}
	if ok, _ := database.TryLock(ctx, LockOutbound, "holder-3", time.Minute); !ok {
		t.Fatal("released lease not available")
	}
}

func TestStatus(t *testing.T) {
	database, clock := setupTestDB(t)
	ctx := context.Background()

	st, err := database.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	for _, s := range schema.OutboxStates {
		if _, ok := st.Counts[s]; !ok {
			t.Errorf("Counts missing %s", s)
		}
	}
	if st.OldestPendingAge != nil {
		t.Errorf("OldestPendingAge = %d on an empty outbox", *st.OldestPendingAge)
	}

	createLogs(t, database, "alice", 3)
	clock.Advance(90 * time.Second)
	if err := database.SetCursor(ctx, schema.CursorInbound, "rev-9"); err != nil {
		t.Fatalf("SetCursor() failed: %v", err)
	}
	if err := database.RecordRun(ctx, schema.CursorInbound, map[string]int{"imported": 4}); err != nil {
		t.Fatalf("RecordRun() failed: %v", err)
	}

	st, err = database.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.Counts[schema.OutboxPending] != 3 {
		t.Errorf("pending = %d, want 3", st.Counts[schema.OutboxPending])
	}
	if st.OldestPendingAge == nil || *st.OldestPendingAge != 90 {
		t.Errorf("OldestPendingAge = %v, want 90", st.OldestPendingAge)
	}
	if len(st.Cursors) != 1 || st.Cursors[0].Revision != "rev-9" || string(st.Cursors[0].LastRun) != `{"imported":4}` {
		t.Errorf("Cursors = %+v", st.Cursors)
	}
	if st.Logs != 3 {
		t.Errorf("Logs = %d, want 3", st.Logs)
	}
}

func TestRequeueDead(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()
	createLogs(t, database, "alice", 2)

	claimed, err := database.ClaimOutbox(ctx, 10, "b1", "w")
	if err != nil || len(claimed) != 2 {
		t.Fatalf("ClaimOutbox() = %d entries, %v", len(claimed), err)
	}
	out, err := database.SettleFailed(ctx, claimed, "rejected", 1, func(int) time.Duration { return time.Minute })
	if err != nil || out.Dead != 2 {
		t.Fatalf("SettleFailed() = %+v, %v", out, err)
	}

	first := claimed[0].Entry.ID
	n, err := database.RequeueDead(ctx, []int64{first})
	if err != nil || n != 1 {
		t.Fatalf("RequeueDead(one) = %d, %v", n, err)
	}
	e, _ := database.GetOutboxEntry(ctx, first)
	if e.State != schema.OutboxPending || e.Retries != 0 || e.LastError != "" {
		t.Errorf("requeued entry = state %s retries %d error %q", e.State, e.Retries, e.LastError)
	}

	if n, err = database.RequeueDead(ctx, nil); err != nil || n != 1 {
		t.Fatalf("RequeueDead(all) = %d, %v", n, err)
	}
	if n, err = database.RequeueDead(ctx, nil); err != nil || n != 0 {
		t.Fatalf("RequeueDead(none left) = %d, %v", n, err)
	}

	again, err := database.ClaimOutbox(ctx, 10, "b2", "w")
	if err != nil || len(again) != 2 {
		t.Errorf("requeued entries claimable = %d, %v", len(again), err)
	}
}

func TestListLogs(t *testing.T) {
	database, _ := setupTestDB(t)
	ctx := context.Background()
	createLogs(t, database, "alice", 3)
	createLogs(t, database, "bob", 1)

	tests := []struct {
		name   string
		filter ListLogsFilter
		want   int
	}{
		{"all", ListLogsFilter{}, 4},
		{"owner is normalized", ListLogsFilter{Owner: "@Alice"}, 3},
		{"from is inclusive", ListLogsFilter{Owner: "alice", From: baseTime.Add(2 * time.Hour)}, 2},
		{"to is exclusive", ListLogsFilter{Owner: "alice", To: baseTime.Add(2 * time.Hour)}, 1},
		{"limit", ListLogsFilter{Limit: 2}, 2},
		{"unknown owner", ListLogsFilter{Owner: "carol"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs, err := database.ListLogs(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListLogs() failed: %v", err)
			}
			if len(logs) != tt.want {
				t.Fatalf("ListLogs() = %d logs, want %d", len(logs), tt.want)
			}
			for i := 1; i < len(logs); i++ {
				if logs[i].EndAt.Before(logs[i-1].EndAt) {
					t.Errorf("logs not ordered by end time at %d", i)
				}
			}
		})
	}
}
