package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/payment-verifier/internal/logging"
)

// ErrCycleInProgress is returned by TriggerNow when a cycle is already running
var ErrCycleInProgress = fmt.Errorf("verification cycle already in progress")

// CycleRunner runs one verification-and-expiration cycle
type CycleRunner interface {
	RunCycle(ctx context.Context) error
	Stats() *StatsTracker
}

// Scheduler invokes verification cycles on a fixed interval, once
// immediately at startup. Ticks that fire while a cycle is still executing
// are skipped, never queued: at most one cycle runs at a time.
type Scheduler struct {
	runner   CycleRunner
	interval time.Duration
	logger   *logging.Logger

	inFlight atomic.Bool
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewScheduler creates a scheduler running cycles every interval
// (default 2 minutes)
func NewScheduler(runner CycleRunner, interval time.Duration, logger *logging.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("cycle runner cannot be nil")
	}
	if interval == 0 {
		interval = 2 * time.Minute
	}
	if interval < 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", interval)
	}

	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins scheduling. The first cycle runs immediately; subsequent
// cycles fire on the interval until Stop is called or the context is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.WithField("interval", s.interval.String()).Info("starting verification scheduler")

	go s.loop(ctx)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	defer s.wg.Wait()

	// Immediate first run at startup
	s.dispatch(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("verification scheduler stopped by context")
			return
		case <-s.stopCh:
			s.logger.Info("verification scheduler stopped")
			return
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// dispatch runs a guarded cycle off the tick loop. Running cycles inline
// would park the loop and let a mid-cycle tick sit in the ticker's buffer,
// starting a back-to-back cycle instead of being skipped; dispatching keeps
// the loop consuming ticks so the reentrancy guard sees and drops them.
func (s *Scheduler) dispatch(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runGuarded(ctx)
	}()
}

// Stop halts future scheduling without interrupting an in-flight cycle
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
}

// Done returns a channel closed when the scheduling loop has exited and all
// dispatched cycles have finished
func (s *Scheduler) Done() <-chan struct{} {
	return s.doneCh
}

// TriggerNow runs a cycle on demand, obeying the same reentrancy rule as
// scheduled ticks: if a cycle is already executing it returns
// ErrCycleInProgress instead of queueing.
func (s *Scheduler) TriggerNow(ctx context.Context) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		return ErrCycleInProgress
	}
	defer s.inFlight.Store(false)

	return s.runCycle(ctx)
}

// runGuarded runs a cycle if none is in flight, otherwise records a skip
func (s *Scheduler) runGuarded(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Warn("skipped: previous cycle still running")
		s.runner.Stats().CycleSkipped()
		return
	}
	defer s.inFlight.Store(false)

	if err := s.runCycle(ctx); err != nil {
		s.logger.WithError(err).Error("verification cycle failed")
	}
}

// runCycle executes one cycle, converting a panic into a recorded error so
// a bad cycle never kills the scheduler
func (s *Scheduler) runCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("verification cycle panicked: %v", r)
			s.runner.Stats().RecordError("cycle", err)
		}
	}()

	return s.runner.RunCycle(ctx)
}
