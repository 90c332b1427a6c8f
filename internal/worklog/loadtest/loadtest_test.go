package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiovibi/worklogs/internal/worklog/db"
	"github.com/studiovibi/worklogs/internal/worklog/schema"
)

func openStore(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "load.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.InitSchema())
	return database
}

func TestRunClaimsEveryRecordOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}
	database := openStore(t)

	report, err := Run(context.Background(), database, Options{Claimers: 8, Records: 300, BatchSize: 7, Owners: 4})
	require.NoError(t, err)

	assert.Equal(t, 300, report.Seeded)
	assert.Equal(t, 300, report.Claimed)
	assert.Zero(t, report.Duplicates)
	assert.Zero(t, report.Errors)
	assert.GreaterOrEqual(t, report.Latency.Calls, 300/7+8)
	assert.LessOrEqual(t, report.Latency.Min, report.Latency.P50)
	assert.LessOrEqual(t, report.Latency.P50, report.Latency.P99)
	assert.LessOrEqual(t, report.Latency.P99, report.Latency.Max)

	st, err := database.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 300, st.Counts[schema.OutboxInflight])
	assert.Zero(t, st.Counts[schema.OutboxPending])

	var buf bytes.Buffer
	report.Print(&buf)
	assert.Contains(t, buf.String(), "Duplicates:    0")
}

func TestComputeLatencyStats(t *testing.T) {
	assert.Equal(t, LatencyStats{}, computeLatencyStats(nil))

	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	s := computeLatencyStats(ds)
	assert.Equal(t, time.Millisecond, s.Min)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 51*time.Millisecond, s.P50)
	assert.Equal(t, 96*time.Millisecond, s.P95)
	assert.Equal(t, 100*time.Millisecond, s.P99)
	assert.Equal(t, 50500*time.Microsecond, s.Mean)
	assert.Equal(t, 100, s.Calls)
}

func TestOptionsNormalize(t *testing.T) {
	o := Options{}
	o.normalize()
	assert.Equal(t, Options{Claimers: 1, BatchSize: 1, Owners: 1}, o)
}
