package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one recurring unit of background work.
type Task func(ctx context.Context) error

// Scheduler is the port the saga sweeps register against.
type Scheduler interface {
	RegisterRecurring(name string, interval time.Duration, task Task) error
}

type job struct {
	name     string
	interval time.Duration
	task     Task
}

// TickerScheduler runs every registered task on its own ticker goroutine.
// A task that returns an error or panics is logged and runs again on the
// next tick.
type TickerScheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	jobs    []job
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(logger *zap.Logger) *TickerScheduler {
	return &TickerScheduler{logger: logger}
}

func (s *TickerScheduler) RegisterRecurring(name string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: interval for %q must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler: cannot register %q after start", name)
	}
	s.jobs = append(s.jobs, job{name: name, interval: interval, task: task})
	return nil
}

// Start launches the registered jobs. It returns immediately.
func (s *TickerScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.logger.Info("⏰ Scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (s *TickerScheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *TickerScheduler) loop(ctx context.Context, j job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, j.name, j.task)
		}
	}
}

// RunOnce executes a task with panic isolation.
func (s *TickerScheduler) RunOnce(ctx context.Context, name string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("❌ Scheduled task panicked", zap.String("task", name), zap.Any("panic", r))
		}
	}()

	started := time.Now()
	if err := task(ctx); err != nil {
		s.logger.Error("❌ Scheduled task failed", zap.String("task", name), zap.Error(err))
		return
	}
	s.logger.Debug("✅ Scheduled task finished", zap.String("task", name), zap.Duration("took", time.Since(started)))
}
