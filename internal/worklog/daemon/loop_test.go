package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiovibi/worklogs/internal/worklog/sync"
)

type fakeReport struct{ skip string }

func (r fakeReport) Summary() string    { return "ok" }
func (r fakeReport) SkipReason() string { return r.skip }

// fakeRunner counts runs and optionally blocks until released.
type fakeRunner struct {
	name    string
	err     error
	block   chan struct{}
	started chan context.Context

	calls      atomic.Int32
	active     atomic.Int32
	maxActive  atomic.Int32
	cancelSeen atomic.Bool
}

func newFakeRunner(name string) *fakeRunner {
	return &fakeRunner{name: name, started: make(chan context.Context, 64)}
}

func (f *fakeRunner) Name() string { return f.name }

func (f *fakeRunner) RunOnce(ctx context.Context) (sync.Report, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	select {
	case f.started <- ctx:
	default:
	}
	if f.block != nil {
		<-f.block
	}
	if ctx.Err() != nil {
		f.cancelSeen.Store(true)
	}
	return fakeReport{}, f.err
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func waitStarted(t *testing.T, f *fakeRunner) context.Context {
	t.Helper()
	select {
	case ctx := <-f.started:
		return ctx
	case <-time.After(5 * time.Second):
		t.Fatalf("%s never ran", f.name)
		return nil
	}
}

func TestLoopRunsRepeatedly(t *testing.T) {
	runner := newFakeRunner("outbound")
	runner.err = errors.New("remote unavailable")

	var mu gosync.Mutex
	var events []RunEvent
	loop := NewLoop(runner, LoopConfig{InitialDelay: time.Millisecond, Interval: 5 * time.Millisecond}, quietLogger())
	loop.OnRun = func(ev RunEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	loop.Start()

	for i := 0; i < 3; i++ {
		waitStarted(t, runner)
	}
	loop.Stop()

	assert.GreaterOrEqual(t, runner.calls.Load(), int32(3), "errors do not stop the loop")
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, "outbound", events[0].Loop)
	assert.EqualError(t, events[0].Err, "remote unavailable")
}

func TestLoopNeverOverlapsRuns(t *testing.T) {
	runner := newFakeRunner("inbound")
	runner.block = make(chan struct{})

	loop := NewLoop(runner, LoopConfig{Interval: time.Millisecond}, quietLogger())
	loop.Start()
	waitStarted(t, runner)

	// Many ticks pass while the first run is held.
	time.Sleep(30 * time.Millisecond)
	assert.True(t, loop.Running())
	assert.Equal(t, int32(1), runner.calls.Load())

	close(runner.block)
	waitStarted(t, runner)
	loop.Stop()

	assert.Equal(t, int32(1), runner.maxActive.Load())
}

func TestLoopTrigger(t *testing.T) {
	runner := newFakeRunner("inbound")
	loop := NewLoop(runner, LoopConfig{InitialDelay: time.Hour, Interval: time.Hour}, quietLogger())
	loop.Start()
	defer loop.Stop()

	loop.Trigger()
	loop.Trigger()
	waitStarted(t, runner)
}

func TestLoopStopWaitsForInflightRun(t *testing.T) {
	runner := newFakeRunner("outbound")
	runner.block = make(chan struct{})

	loop := NewLoop(runner, LoopConfig{Interval: time.Hour}, quietLogger())
	loop.Start()
	ctx := waitStarted(t, runner)

	stopped := make(chan struct{})
	go func() {
		loop.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.NoError(t, ctx.Err(), "shutdown does not cancel a running batch")

	close(runner.block)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, runner.cancelSeen.Load())

	// No run starts after Stop.
	loop.Trigger()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestLoopJitterBounds(t *testing.T) {
	loop := NewLoop(newFakeRunner("x"), LoopConfig{Interval: time.Minute, Jitter: 10 * time.Second}, quietLogger())
	for i := 0; i < 200; i++ {
		d := loop.nextDelay()
		assert.GreaterOrEqual(t, d, time.Minute)
		assert.Less(t, d, time.Minute+10*time.Second)
	}

	loop.jitter = func(time.Duration) time.Duration { return 0 }
	assert.Equal(t, time.Minute, loop.nextDelay())
	assert.Equal(t, time.Duration(0), randomJitter(0))
}

func TestNewLoopDefaults(t *testing.T) {
	loop := NewLoop(newFakeRunner("x"), LoopConfig{Interval: -1, InitialDelay: -1, Jitter: -1}, nil)
	assert.Equal(t, time.Hour, loop.cfg.Interval)
	assert.Zero(t, loop.cfg.InitialDelay)
	assert.Zero(t, loop.cfg.Jitter)
	assert.NotNil(t, loop.logger)
}
