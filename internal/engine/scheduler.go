package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs the engine's maintenance pass on a fixed interval:
// pattern decay and pruning, a throttled metric collection, and an
// insight generation pass.
//
// Start and Stop are safe for concurrent use. A panicking pass is
// logged and the schedule continues.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewScheduler creates a stopped scheduler over eng. Call Start to
// begin ticking.
func NewScheduler(eng *Engine, interval time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0, got %v", interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		engine:   eng,
		interval: interval,
		logger:   logger.Named("scheduler"),
	}, nil
}

// Start launches the background loop. Starting a running scheduler is
// an error.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	s.logger.Info("maintenance scheduler started",
		zap.Duration("interval", s.interval))
	go s.run(s.stopCh, s.done)
	return nil
}

// Stop signals the loop to exit and waits for the in-flight pass, if
// any, to finish. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) run(stopCh, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-stopCh:
			return
		}
	}
}

// RunNow executes one maintenance pass immediately, outside the
// ticker.
func (s *Scheduler) RunNow(ctx context.Context) error {
	return s.engine.RunMaintenance(ctx)
}

func (s *Scheduler) tick() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("maintenance pass panicked, continuing",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	start := time.Now()
	if err := s.engine.RunMaintenance(ctx); err != nil {
		s.logger.Error("maintenance pass finished with errors",
			zap.Error(err),
			zap.Duration("elapsed", time.Since(start)))
		return
	}
	s.logger.Info("maintenance pass complete",
		zap.Duration("elapsed", time.Since(start)))
}
