// Package sync moves worklogs between the local store and the archive.
//
// Overview
//
// Two directions run independently, each guarded by its own named lease in
// the store so that only one process works a direction at a time:
//
//	local store                         archive (git)
//	  logs + sync_outbox  --Dispatcher-->  logs/<path>.txt   (outbound)
//	  logs               <--Reconciler--   commits since cursor (inbound)
//
// The Dispatcher claims pending outbox entries, shapes them into one batch,
// writes the batch as a single commit and settles every entry as done, failed
// (with exponential backoff) or dead. The Reconciler diffs the archive head
// against its cursor, falls back to a full tree scan when the diff cannot be
// trusted, and upserts every changed file by path.
//
// Usage
//
//	store, _ := remote.NewGitHub(remote.GitHubConfig{Owner: "acme", Repo: "worklogs", Token: pat})
//	out := sync.NewDispatcher(database, store, sync.DefaultDispatcherConfig())
//	res, err := out.Run(ctx)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(res.Summary())
//
// Both directions report skipped runs (lease held elsewhere, no rate budget,
// no remote configured) through the result's Skipped field, never as errors.
package sync
