package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiovibi/worklogs/internal/config"
	"github.com/studiovibi/worklogs/internal/worklog/db"
	"github.com/studiovibi/worklogs/internal/worklog/schema"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestParseEnd(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	now := time.Date(2024, 3, 9, 14, 20, 0, 0, loc)

	got, err := parseEnd("", now)
	require.NoError(t, err)
	assert.Equal(t, now, got)

	got, err = parseEnd("2024-03-01T08:00:00Z", now)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)))

	got, err = parseEnd("18:00", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 9, 18, 0, 0, 0, loc), got)

	got, err = parseEnd("today 5pm", now)
	require.NoError(t, err)
	assert.Equal(t, 17, got.Hour())
	assert.Equal(t, 9, got.Day())

	_, err = parseEnd("whenever", now)
	assert.Error(t, err)
}

func TestParseBound(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 20, 0, 0, time.UTC)

	got, err := parseBound("", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = parseBound("2024-03-01", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestWriteStatusFormats(t *testing.T) {
	cfg = config.Default()
	st := &db.Status{
		Counts:        map[schema.OutboxState]int{schema.OutboxPending: 1},
		Logs:          1,
		RemoteEnabled: true,
	}

	var buf bytes.Buffer
	require.NoError(t, writeStatus(&buf, st, "json"))
	assert.Contains(t, buf.String(), `"pending": 1`)
	assert.Contains(t, buf.String(), `"remote_enabled": true`)

	buf.Reset()
	require.NoError(t, writeStatus(&buf, st, "yaml"))
	assert.Contains(t, buf.String(), "pending: 1")
	assert.Contains(t, buf.String(), "remote_enabled: true")

	buf.Reset()
	require.NoError(t, writeStatus(&buf, st, "text"))
	assert.Contains(t, buf.String(), "github (enabled)")

	assert.Error(t, writeStatus(&buf, st, "xml"))
}

func TestCommandsAgainstLocalStore(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GITHUB_PAT", "")
	t.Setenv("WORKLOGS_REMOTE_GITHUB_TOKEN", "")

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "worklogs.db")
	cfgPath := filepath.Join(dir, config.FileName)
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
timezone = "America/Sao_Paulo"

[remote]
backend = "none"
`), 0o600))

	require.NoError(t, execute(t, "--config", cfgPath, "--db", dbPath,
		"add", "--user", "Alice", "--text", "Reviewed the parser",
		"--end", "2024-03-09T18:00:00-03:00", "--duration", "45m"))

	err := execute(t, "--config", cfgPath, "--db", dbPath,
		"add", "--user", "alice", "--text", "Overlapping",
		"--end", "2024-03-09T17:30:00-03:00", "--duration", "15")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlaps log")

	// Remote disabled: the run is skipped, not failed.
	require.NoError(t, execute(t, "--config", cfgPath, "--db", dbPath, "sync", "outbound"))

	database, err := db.Open(dbPath)
	require.NoError(t, err)
	defer database.Close()

	logs, err := database.ListLogs(context.Background(), db.ListLogsFilter{Owner: "alice"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 45*time.Minute, logs[0].Duration())
	assert.Equal(t, "America/Sao_Paulo", logs[0].TimeZone)

	st, err := database.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Counts[schema.OutboxPending])
}
