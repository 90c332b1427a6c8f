package daemon

import (
	"context"
	"log"
	"math/rand/v2"
	"os"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/studiovibi/worklogs/internal/worklog/sync"
)

// LoopConfig controls the cadence of one Loop.
type LoopConfig struct {
	// InitialDelay is the wait before the first run.
	InitialDelay time.Duration
	// Interval is the base wait between runs.
	Interval time.Duration
	// Jitter is the upper bound of a random extra wait added to Interval.
	Jitter time.Duration
}

// RunEvent describes one finished run.
type RunEvent struct {
	Loop     string
	Report   sync.Report
	Err      error
	Started  time.Time
	Duration time.Duration
}

// Loop runs a sync.Runner periodically. At most one run of a Loop is in
// flight at any time.
type Loop struct {
	runner sync.Runner
	cfg    LoopConfig
	logger *log.Logger

	// OnRun, when set before Start, is called after every run.
	OnRun func(RunEvent)

	jitter  func(max time.Duration) time.Duration
	running atomic.Bool
	trigger chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup // scheduling goroutine
	runs   gosync.WaitGroup // in-flight runs

	mu      gosync.Mutex
	started bool
	stopped bool
}

// NewLoop creates a stopped Loop. A non-positive Interval is replaced by one
// hour.
func NewLoop(runner sync.Runner, cfg LoopConfig, logger *log.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		runner:  runner,
		cfg:     cfg,
		logger:  logger,
		jitter:  randomJitter,
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// Name is the runner's name.
func (l *Loop) Name() string { return l.runner.Name() }

// Start begins scheduling. It is a no-op on a started or stopped Loop.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return
	}
	l.started = true

	l.wg.Add(1)
	go l.schedule()
	l.logger.Printf("Scheduled %s every %s (+ up to %s jitter)", l.Name(), l.cfg.Interval, l.cfg.Jitter)
}

// Stop cancels scheduling and waits for an in-flight run to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
	l.runs.Wait()
}

// Trigger requests a run as soon as possible. Requests made while one is
// already pending are coalesced.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Running reports whether a run is in flight.
func (l *Loop) Running() bool { return l.running.Load() }

// nextDelay is the wait after a successfully launched run.
func (l *Loop) nextDelay() time.Duration {
	return l.cfg.Interval + l.jitter(l.cfg.Jitter)
}

func (l *Loop) schedule() {
	defer l.wg.Done()

	timer := time.NewTimer(l.cfg.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.trigger:
			timer.Stop()
		case <-timer.C:
		}

		next := l.nextDelay()
		if !l.launch() {
			next = l.cfg.Interval
			l.logger.Printf("%s run still in progress, next attempt in %s", l.Name(), next)
		}
		timer.Reset(next)
	}
}

// launch starts a run unless one is in flight.
func (l *Loop) launch() bool {
	if !l.running.CompareAndSwap(false, true) {
		return false
	}
	l.runs.Add(1)
	go func() {
		defer l.runs.Done()
		defer l.running.Store(false)
		l.runOnce(context.WithoutCancel(l.ctx))
	}()
	return true
}

func (l *Loop) runOnce(ctx context.Context) {
	started := time.Now()
	report, err := l.runner.RunOnce(ctx)
	ev := RunEvent{Loop: l.Name(), Report: report, Err: err, Started: started, Duration: time.Since(started)}

	switch {
	case err != nil:
		l.logger.Printf("WARNING: %s run failed after %s: %v", ev.Loop, ev.Duration.Round(time.Millisecond), err)
	case report != nil && report.SkipReason() != "":
		l.logger.Printf("%s run skipped: %s", ev.Loop, report.SkipReason())
	case report != nil:
		l.logger.Printf("%s run finished in %s: %s", ev.Loop, ev.Duration.Round(time.Millisecond), report.Summary())
	}

	if l.OnRun != nil {
		l.OnRun(ev)
	}
}
