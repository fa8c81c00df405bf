package consolidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs consolidation cycles on an interval in the background.
//
// Thread safety: all public methods are safe for concurrent use; the
// running state is guarded by a mutex.
type Scheduler struct {
	manager  *Manager
	interval time.Duration
	timeout  time.Duration
	tenants  []string
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the time between runs. Defaults to 24 hours.
func WithInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = interval }
}

// WithRunTimeout bounds a single run across all tenants. Defaults to one
// hour. The deadline aborts a tenant's cycle between atomic writes.
func WithRunTimeout(timeout time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.timeout = timeout }
}

// WithTenants sets the tenants consolidated on each run.
func WithTenants(tenants []string) SchedulerOption {
	return func(s *Scheduler) { s.tenants = tenants }
}

// NewScheduler creates a scheduler. It does not start automatically;
// call Start.
func NewScheduler(manager *Manager, logger *zap.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if manager == nil {
		return nil, fmt.Errorf("manager cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	s := &Scheduler{
		manager:  manager,
		interval: 24 * time.Hour,
		timeout:  time.Hour,
		logger:   logger.Named("consolidation.scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins the background loop. Calling Start on a running scheduler
// returns an error without starting a second goroutine.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	s.logger.Info("consolidation scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("tenants", len(s.tenants)),
	)
	go s.run(s.stopCh, s.done)
	return nil
}

// Stop signals the loop to exit and waits for the in-flight run, if any,
// to finish. Stopping a stopped scheduler is a no-op.
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
	s.logger.Info("consolidation scheduler stopped")
}

func (s *Scheduler) run(stopCh, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeRun()
		case <-stopCh:
			return
		}
	}
}

// safeRun executes one run with panic recovery so a single bad cycle
// cannot take down the scheduler.
func (s *Scheduler) safeRun() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("consolidation run panicked, continuing scheduler",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.manager.RunAll(ctx, s.tenants); err != nil {
		s.logger.Error("scheduled consolidation run failed", zap.Error(err))
	}
}
