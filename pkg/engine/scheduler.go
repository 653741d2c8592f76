package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrSchedulerClosed is returned when a task is submitted after Shutdown.
var ErrSchedulerClosed = errors.New("scheduler is shut down")

// Task is a unit of asynchronous work. The context is detached from the
// request that scheduled it.
type Task func(ctx context.Context) error

// SchedulerConfig configures the task scheduler.
type SchedulerConfig struct {
	// MaxConcurrent bounds the number of tasks running at once.
	MaxConcurrent int

	// StartDelay postpones each task after it is accepted.
	StartDelay time.Duration
}

// Scheduler runs tasks in supervised goroutines. Each task's start, finish,
// failure, and panic are logged; panics are recovered and reported to the
// task's panic handler.
type Scheduler struct {
	sem     chan struct{}
	delay   time.Duration
	logger  zerolog.Logger
	metrics MetricsRecorder

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewScheduler creates a new scheduler.
func NewScheduler(cfg SchedulerConfig, logger zerolog.Logger, metrics MetricsRecorder) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10 // Default to 10 concurrent pipelines
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}

	return &Scheduler{
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		delay:   cfg.StartDelay,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		metrics: metrics,
	}
}

// Go accepts a task and returns immediately. onPanic, if non-nil, runs after
// a recovered panic with the panic value.
func (s *Scheduler) Go(name string, task Task, onPanic func(recovered interface{})) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.supervise(name, task, onPanic)
	return nil
}

func (s *Scheduler) supervise(name string, task Task, onPanic func(interface{})) {
	defer s.wg.Done()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	s.metrics.SetActiveTasks(float64(s.active.Add(1)))
	defer func() { s.metrics.SetActiveTasks(float64(s.active.Add(-1))) }()

	logger := s.logger.With().Str("task", name).Logger()
	start := time.Now()
	logger.Debug().Msg("Task started")

	defer func() {
		if r := recover(); r != nil {
			s.metrics.RecordTaskPanic()
			logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Dur("duration", time.Since(start)).
				Msg("Task panicked")
			if onPanic != nil {
				s.recoverHandler(logger, onPanic, r)
			}
		}
	}()

	if err := task(context.Background()); err != nil {
		logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("Task finished with error")
		return
	}
	logger.Debug().Dur("duration", time.Since(start)).Msg("Task finished")
}

func (s *Scheduler) recoverHandler(logger zerolog.Logger, onPanic func(interface{}), r interface{}) {
	defer func() {
		if r2 := recover(); r2 != nil {
			logger.Error().Interface("panic", r2).Msg("Panic handler panicked")
		}
	}()
	onPanic(r)
}

// Active returns the number of tasks currently executing.
func (s *Scheduler) Active() int {
	return int(s.active.Load())
}

// Shutdown stops accepting tasks and waits for accepted ones to finish or
// for ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Scheduler drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}
