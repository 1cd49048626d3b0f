package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/p2pool-tools/p2pool-exporter/internal/util"
)

// Runner is the work a Scheduler fires on each tick
type Runner interface {
	Collect(ctx context.Context)
}

// TickRecorder counts skipped ticks; may be nil
type TickRecorder interface {
	RecordSkippedTick(ctx context.Context)
}

// Scheduler fires the collector at a fixed interval. At most one pass runs at
// a time: a tick arriving while a pass is still in flight is skipped and
// logged, never queued.
type Scheduler struct {
	interval time.Duration
	grace    time.Duration
	runner   Runner
	recorder TickRecorder

	busy   atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. grace bounds how long Stop waits for an
// in-flight pass after cancelling it.
func NewScheduler(interval, grace time.Duration, runner Runner, recorder TickRecorder) *Scheduler {
	return &Scheduler{
		interval: interval,
		grace:    grace,
		runner:   runner,
		recorder: recorder,
	}
}

// Start begins firing passes. The first pass runs immediately.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)

	util.Infof("Scheduler started, interval %s", s.interval)
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	s.firePass(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.firePass(ctx)
		}
	}
}

// firePass starts a pass unless one is still running
func (s *Scheduler) firePass(ctx context.Context) {
	if !s.busy.CompareAndSwap(false, true) {
		util.Warn("Previous collection pass still running, skipping tick")
		if s.recorder != nil {
			s.recorder.RecordSkippedTick(ctx)
		}
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)
		s.runner.Collect(ctx)
	}()
}

// Stop cancels the tick loop and any in-flight pass, waiting up to the grace
// period before giving up on it.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		util.Info("Scheduler stopped")
	case <-time.After(s.grace):
		util.Warn("Collection pass did not finish within grace period, abandoning it")
	}
}
