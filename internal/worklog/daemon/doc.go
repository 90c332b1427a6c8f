// Package daemon schedules the outbound and inbound sync directions.
//
// # Architecture
//
// The daemon consists of two kinds of components:
//
//   - Loop: runs one sync.Runner on a jittered interval
//   - RefWatcher: fsnotify monitoring of a bare repository's branch refs,
//     used to request an early inbound run when the archive moves
//
// Daemon wires one Loop per direction and, for a git directory archive, a
// RefWatcher whose events trigger the inbound loop.
//
// # Scheduling
//
// Each loop waits InitialDelay before its first run and Interval plus a
// random amount below Jitter between runs:
//
//	loop := daemon.NewLoop(dispatcher, daemon.LoopConfig{
//	    InitialDelay: 1500 * time.Millisecond,
//	    Interval:     15 * time.Minute,
//	    Jitter:       2 * time.Minute,
//	})
//	loop.Start()
//	defer loop.Stop()
//
// A run executes on its own goroutine with a context that is not cancelled
// by shutdown, so a batch that reached the archive is always settled. When
// the previous run of a loop is still going the tick is skipped and the next
// attempt comes one Interval later. Run errors are logged and reported to
// OnRun; they never stop the loop.
//
// # Graceful Shutdown
//
// Stop() will:
//  1. Cancel the scheduling goroutines so no new run starts
//  2. Stop the ref watcher, if any
//  3. Wait for in-flight runs to finish
package daemon
