package sync

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiovibi/worklogs/internal/worklog/db"
	"github.com/studiovibi/worklogs/internal/worklog/remote"
	"github.com/studiovibi/worklogs/internal/worklog/remote/remotetest"
	"github.com/studiovibi/worklogs/internal/worklog/schema"
)

// Two stores exchange records through the fake GitHub API.
func TestRoundTripThroughGitHub(t *testing.T) {
	ctx := context.Background()
	saoPaulo, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)

	srv := remotetest.NewGitHubServer(t, remotetest.NewMemory())
	cfg := srv.ClientConfig()
	cfg.Logger = quietLogger()
	client, err := remote.NewGitHub(cfg)
	require.NoError(t, err)

	writer, _ := setupStore(t)
	end := time.Date(2024, 3, 10, 2, 30, 0, 0, time.UTC)
	created, err := writer.CreateLog(ctx, db.CreateLogParams{
		Owner:    "Alice",
		EndAt:    end,
		Duration: time.Hour,
		Text:     "late night deploy",
		TimeZone: "America/Sao_Paulo",
	})
	require.NoError(t, err)
	wantPath := "logs/2024-03-09.23h30m00s.60m00s.alice." + created.Record.ID + ".txt"
	assert.Equal(t, wantPath, created.Record.RemotePath)

	out, err := NewDispatcher(writer, client, testDispatcherConfig()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Sent)
	assert.Positive(t, out.Budget)
	assert.Equal(t, "late night deploy", srv.Memory.Files()[wantPath])

	reader, _ := setupStore(t)
	rcfg := testReconcilerConfig()
	rcfg.Location = saoPaulo
	in, err := NewReconciler(reader, client, rcfg).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeFullInitial, in.Mode)
	assert.Equal(t, 1, in.Imported)

	got, err := reader.GetLogByPath(ctx, wantPath)
	require.NoError(t, err)
	assert.True(t, got.EndAt.Equal(end), "end %s", got.EndAt)
	assert.True(t, got.StartAt.Equal(end.Add(-time.Hour)), "start %s", got.StartAt)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, "America/Sao_Paulo", got.TimeZone)
	assert.Equal(t, out.Revision, got.RemoteRevision)

	// A second delivery is picked up incrementally through the compare API.
	_, err = writer.CreateLog(ctx, db.CreateLogParams{
		Owner: "alice", EndAt: end.Add(3 * time.Hour), Duration: 45 * time.Minute, Text: "follow-up", TimeZone: "America/Sao_Paulo",
	})
	require.NoError(t, err)
	out, err = NewDispatcher(writer, client, testDispatcherConfig()).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, out.Sent)

	in, err = NewReconciler(reader, client, rcfg).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, in.Mode)
	assert.Equal(t, 1, in.Processed)
	assert.Equal(t, 1, in.Imported)
	assert.Positive(t, srv.Count("GET /repos/acme/worklogs/compare/"))

	recs, err := reader.ListLogs(ctx, db.ListLogsFilter{Owner: "alice"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "follow-up", recs[1].Text)
	assert.Equal(t, 45*time.Minute, recs[1].Duration())
}

func TestDispatcherSurfacesThrottling(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.NewGitHubServer(t, remotetest.NewMemory())
	cfg := srv.ClientConfig()
	cfg.Logger = quietLogger()
	client, err := remote.NewGitHub(cfg)
	require.NoError(t, err)

	database, clock := setupStore(t)
	seedLogs(t, database, "alice", 2, numbered)
	srv.Fail(remotetest.Response{
		Match:   "POST /repos/acme/worklogs/git/blobs",
		Status:  403,
		Header:  map[string]string{"Retry-After": "120"},
		Message: "You have exceeded a secondary rate limit",
	})

	res, err := NewDispatcher(database, client, testDispatcherConfig()).Run(ctx)
	require.Error(t, err)
	assert.True(t, remote.IsThrottled(err))
	assert.Equal(t, 2, res.Failed)

	entries, err := database.ListOutbox(ctx, "failed", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, clock.Now().Add(2*time.Minute), e.NextRetryAt)
		assert.True(t, strings.Contains(e.LastError, "secondary rate limit"), e.LastError)
	}
}

func TestDispatcherHonorsRetryAfterOnServerErrors(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.NewGitHubServer(t, remotetest.NewMemory())
	cfg := srv.ClientConfig()
	cfg.Logger = quietLogger()
	client, err := remote.NewGitHub(cfg)
	require.NoError(t, err)

	database, clock := setupStore(t)
	seedLogs(t, database, "alice", 1, numbered)
	srv.Fail(remotetest.Response{
		Match:   "POST /repos/acme/worklogs/git/blobs",
		Status:  503,
		Header:  map[string]string{"Retry-After": "600"},
		Message: "try later",
	})

	res, err := NewDispatcher(database, client, testDispatcherConfig()).Run(ctx)
	require.Error(t, err)
	assert.True(t, remote.IsThrottled(err))
	assert.Equal(t, 1, res.Failed)

	entries, err := database.ListOutbox(ctx, "failed", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].NextRetryAt.Before(clock.Now().Add(10*time.Minute)),
		"next retry %s is earlier than the server asked", entries[0].NextRetryAt)
}

func TestReconcilerDistrustsTruncatedGitHubListings(t *testing.T) {
	ctx := context.Background()
	mem := remotetest.NewMemory()
	seedArchive(mem)
	srv := remotetest.NewGitHubServer(t, mem)
	ccfg := srv.ClientConfig()
	ccfg.Logger = quietLogger()
	client, err := remote.NewGitHub(ccfg)
	require.NoError(t, err)

	database, _ := setupStore(t)
	cfg := testReconcilerConfig()
	cfg.FullScanThreshold = 1000
	first, err := NewReconciler(database, client, cfg).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, ModeFullInitial, first.Mode)

	// One push that touches more files than the compare API lists.
	const bulk = 350
	files := make([]remote.File, bulk)
	for i := range files {
		files[i] = remote.File{
			Path:    fmt.Sprintf("logs/2024-05-03.10h00m00s.60m00s.user%03d.b%d.txt", i, i),
			Content: []byte(fmt.Sprintf("bulk %d", i)),
		}
	}
	_, err = mem.CommitFiles(ctx, files, "bulk import")
	require.NoError(t, err)

	res, err := NewReconciler(database, client, cfg).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeFullFallback, res.Mode)
	assert.Contains(t, res.FallbackReason, "truncated")
	assert.Equal(t, bulk, res.Imported)
	assert.Equal(t, 0, res.Failed)

	recs, err := database.ListLogs(ctx, db.ListLogsFilter{})
	require.NoError(t, err)
	assert.Len(t, recs, bulk+2)

	// A truncated tree listing fails the run and leaves the cursor alone.
	before, err := database.GetCursor(ctx, schema.CursorInbound)
	require.NoError(t, err)
	require.NoError(t, database.SetCursor(ctx, schema.CursorInbound, ""))
	srv.SetTreeLimit(10)

	_, err = NewReconciler(database, client, cfg).Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrTruncated)
	cursor, err := database.GetCursor(ctx, schema.CursorInbound)
	require.NoError(t, err)
	assert.Empty(t, cursor, "cursor stays put after a truncated listing")
	assert.NotEmpty(t, before)
}
