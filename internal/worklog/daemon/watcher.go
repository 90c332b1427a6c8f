package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of ref update.
type EventOp int

const (
	// OpCreate indicates a new branch ref appeared.
	OpCreate EventOp = iota
	// OpModify indicates an existing ref was rewritten.
	OpModify
	// OpDelete indicates a ref was removed.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// RefEvent is a change to a branch ref of a bare repository.
type RefEvent struct {
	// Ref is the branch name, or "packed-refs" for the packed ref file.
	Ref string
	Op  EventOp
}

const packedRefs = "packed-refs"

// RefWatcher watches the branch refs of a bare git repository.
//
// Git updates a ref by writing <name>.lock and renaming it into place, so
// the rename target shows up as a create; lock files themselves are ignored.
// Branches nested in sub-directories (refs/heads/feature/x) are not watched.
type RefWatcher struct {
	watcher  *fsnotify.Watcher
	events   chan RefEvent
	errors   chan error
	done     chan struct{}
	wg       gosync.WaitGroup
	mu       gosync.Mutex
	running  bool
	gitDir   string
	headsDir string
}

// NewRefWatcher creates a RefWatcher for the bare repository at gitDir.
// The watcher must be started with Start() before it will emit events.
func NewRefWatcher(gitDir string) (*RefWatcher, error) {
	abs, err := filepath.Abs(gitDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", gitDir, err)
	}
	heads := filepath.Join(abs, "refs", "heads")
	if info, err := os.Stat(heads); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%s does not look like a bare repository: missing refs/heads", gitDir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &RefWatcher{
		watcher:  watcher,
		events:   make(chan RefEvent, 100),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
		gitDir:   abs,
		headsDir: heads,
	}, nil
}

// Start begins watching refs/heads and the repository root (for
// packed-refs).
func (rw *RefWatcher) Start() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.running {
		return fmt.Errorf("watcher already running")
	}

	if err := rw.watcher.Add(rw.headsDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", rw.headsDir, err)
	}
	if err := rw.watcher.Add(rw.gitDir); err != nil {
		_ = rw.watcher.Remove(rw.headsDir)
		return fmt.Errorf("failed to watch %s: %w", rw.gitDir, err)
	}

	rw.running = true
	rw.wg.Add(1)
	go rw.processEvents()

	return nil
}

// Stop stops watching and closes the Events() and Errors() channels.
// It blocks until the event processing goroutine has exited.
func (rw *RefWatcher) Stop() error {
	rw.mu.Lock()
	if !rw.running {
		rw.mu.Unlock()
		return nil
	}
	rw.running = false
	rw.mu.Unlock()

	close(rw.done)

	if err := rw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	rw.wg.Wait()

	close(rw.events)
	close(rw.errors)

	return nil
}

// Events returns the channel that emits RefEvent notifications.
func (rw *RefWatcher) Events() <-chan RefEvent {
	return rw.events
}

// Errors returns the channel that emits watcher errors.
func (rw *RefWatcher) Errors() <-chan error {
	return rw.errors
}

// IsRunning returns true if the watcher is currently running.
func (rw *RefWatcher) IsRunning() bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.running
}

func (rw *RefWatcher) processEvents() {
	defer rw.wg.Done()

	for {
		select {
		case <-rw.done:
			return

		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if refEvent, ok := rw.convertEvent(event); ok {
				select {
				case rw.events <- refEvent:
				case <-rw.done:
					return
				}
			}

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case rw.errors <- err:
			case <-rw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to a RefEvent. Events outside
// refs/heads other than packed-refs, lock files and chmods are dropped.
func (rw *RefWatcher) convertEvent(event fsnotify.Event) (RefEvent, bool) {
	name := filepath.Base(event.Name)
	if strings.HasSuffix(name, ".lock") {
		return RefEvent{}, false
	}

	dir := filepath.Dir(event.Name)
	switch {
	case dir == rw.headsDir:
	case dir == rw.gitDir && name == packedRefs:
	default:
		return RefEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return RefEvent{}, false
	}

	return RefEvent{Ref: name, Op: op}, true
}
