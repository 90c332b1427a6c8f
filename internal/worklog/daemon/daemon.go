package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"time"

	"github.com/studiovibi/worklogs/internal/worklog/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	Outbound LoopConfig
	Inbound  LoopConfig

	// WatchGitDir, when set, is a bare repository whose branch updates
	// trigger an early inbound run.
	WatchGitDir string

	// DebounceInterval batches bursts of ref updates into one trigger.
	DebounceInterval time.Duration

	// OnRun is called after every run of either loop.
	OnRun func(RunEvent)

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		Outbound:         LoopConfig{InitialDelay: 1500 * time.Millisecond, Interval: 15 * time.Minute, Jitter: 2 * time.Minute},
		Inbound:          LoopConfig{InitialDelay: 1500 * time.Millisecond, Interval: 10 * time.Minute, Jitter: time.Minute},
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[scheduler] ", log.LstdFlags),
	}
}

// Daemon runs the outbound and inbound loops.
type Daemon struct {
	config   Config
	outbound *Loop
	inbound  *Loop
	watcher  *RefWatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
	once   gosync.Once
}

// New creates a Daemon. Either runner may be nil to disable that direction.
func New(outbound, inbound sync.Runner, config Config) (*Daemon, error) {
	if outbound == nil && inbound == nil {
		return nil, fmt.Errorf("at least one runner is required")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 500 * time.Millisecond
	}

	d := &Daemon{config: config}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	if outbound != nil {
		d.outbound = NewLoop(outbound, config.Outbound, config.Logger)
		d.outbound.OnRun = config.OnRun
	}
	if inbound != nil {
		d.inbound = NewLoop(inbound, config.Inbound, config.Logger)
		d.inbound.OnRun = config.OnRun
	}

	if config.WatchGitDir != "" && d.inbound != nil {
		w, err := NewRefWatcher(config.WatchGitDir)
		if err != nil {
			return nil, err
		}
		d.watcher = w
	}
	return d, nil
}

// Start launches the loops and the ref watcher without blocking.
func (d *Daemon) Start() error {
	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			return err
		}
		d.config.Logger.Printf("Watching refs of %s", d.config.WatchGitDir)
		d.wg.Add(1)
		go d.watchRefs()
	}
	for _, l := range d.loops() {
		l.Start()
	}
	return nil
}

// Run starts the daemon and blocks until ctx is cancelled, then stops it.
func (d *Daemon) Run(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")
	if err := d.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
	case <-d.ctx.Done():
	}
	return d.Stop()
}

// Stop prevents new runs and waits for in-flight ones.
func (d *Daemon) Stop() error {
	var err error
	d.once.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()
		if d.watcher != nil {
			if werr := d.watcher.Stop(); werr != nil {
				err = werr
			}
		}
		d.wg.Wait()
		for _, l := range d.loops() {
			l.Stop()
		}
		d.config.Logger.Println("Daemon stopped")
	})
	return err
}

// Trigger requests an early run of the named direction ("outbound" or
// "inbound"). It reports whether such a loop exists.
func (d *Daemon) Trigger(name string) bool {
	for _, l := range d.loops() {
		if l.Name() == name {
			l.Trigger()
			return true
		}
	}
	return false
}

func (d *Daemon) loops() []*Loop {
	var out []*Loop
	if d.outbound != nil {
		out = append(out, d.outbound)
	}
	if d.inbound != nil {
		out = append(out, d.inbound)
	}
	return out
}

// watchRefs debounces ref events into inbound triggers.
func (d *Daemon) watchRefs() {
	defer d.wg.Done()

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.config.Logger.Printf("Ref event: %s %s", ev.Op, ev.Ref)
			debounce.Reset(d.config.DebounceInterval)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)

		case <-debounce.C:
			d.inbound.Trigger()
		}
	}
}
