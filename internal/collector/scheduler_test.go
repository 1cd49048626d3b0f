package collector

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// blockingRunner blocks each pass until released
type blockingRunner struct {
	started atomic.Int64
	release chan struct{}
}

func (r *blockingRunner) Collect(ctx context.Context) {
	r.started.Add(1)
	select {
	case <-r.release:
	case <-ctx.Done():
	}
}

type countingRecorder struct {
	skipped atomic.Int64
}

func (r *countingRecorder) RecordSkippedTick(ctx context.Context) {
	r.skipped.Add(1)
}

func TestSchedulerRunsImmediately(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	close(runner.release)

	s := NewScheduler(time.Hour, time.Second, runner, nil)
	s.Start()
	defer s.Stop()

	deadline := time.After(time.Second)
	for runner.started.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first pass did not fire immediately")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSchedulerSkipsOverlappingTicks(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	recorder := &countingRecorder{}

	s := NewScheduler(10*time.Millisecond, time.Second, runner, recorder)
	s.Start()

	// The first pass is stuck; several ticks should arrive and be skipped
	deadline := time.After(2 * time.Second)
	for recorder.skipped.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("skipped = %d, want at least 3", recorder.skipped.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	if got := runner.started.Load(); got != 1 {
		t.Errorf("started passes = %d, want 1 while blocked", got)
	}

	close(runner.release)
	s.Stop()
}

func TestSchedulerStopWaitsForPass(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}

	s := NewScheduler(time.Hour, time.Second, runner, nil)
	s.Start()

	deadline := time.After(time.Second)
	for runner.started.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("pass never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Stop cancels the pass context, so the blocked pass exits promptly
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestSchedulerStopGraceExpires(t *testing.T) {
	// A pass that ignores cancellation: Stop must give up after the grace
	// period instead of hanging.
	stuck := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context) { <-stuck })
	defer close(stuck)

	s := NewScheduler(time.Hour, 50*time.Millisecond, runner, nil)
	s.Start()
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not respect the grace period")
	}
}

type runnerFunc func(ctx context.Context)

func (f runnerFunc) Collect(ctx context.Context) { f(ctx) }
