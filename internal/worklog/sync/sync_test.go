package sync

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"

	"github.com/studiovibi/worklogs/internal/worklog/db"
	"github.com/studiovibi/worklogs/internal/worklog/schema"
)

var t0 = time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu gosync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func setupStore(t *testing.T) (*db.DB, *testClock) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "worklogs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.InitSchema())

	clock := &testClock{t: t0}
	database.SetClock(clock.Now)
	return database, clock
}

func testDispatcherConfig() DispatcherConfig {
	cfg := DefaultDispatcherConfig()
	cfg.Logger = quietLogger()
	cfg.Holder = "test-dispatcher"
	return cfg
}

func testReconcilerConfig() ReconcilerConfig {
	cfg := DefaultReconcilerConfig()
	cfg.Logger = quietLogger()
	cfg.Holder = "test-reconciler"
	return cfg
}

// seedLogs creates n non-overlapping one-hour records for owner.
func seedLogs(t *testing.T, database *db.DB, owner string, n int, text func(i int) string) []*schema.LogRecord {
	t.Helper()
	out := make([]*schema.LogRecord, 0, n)
	for i := 0; i < n; i++ {
		res, err := database.CreateLog(context.Background(), db.CreateLogParams{
			Owner:    owner,
			EndAt:    t0.Add(-time.Duration(n-i) * 2 * time.Hour),
			Duration: time.Hour,
			Text:     text(i),
			TimeZone: "UTC",
		})
		require.NoError(t, err)
		out = append(out, res.Record)
	}
	return out
}

func numbered(i int) string { return fmt.Sprintf("task %d", i) }

func countState(t *testing.T, database *db.DB, state schema.OutboxState) int {
	t.Helper()
	st, err := database.Status(context.Background())
	require.NoError(t, err)
	return st.Counts[state]
}
