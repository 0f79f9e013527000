// Package worker runs fire-and-forget background tasks on behalf of the client.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by Shutdown when called twice.
var ErrClosed = errors.New("task set closed")

// TaskSetConfig holds configuration for a TaskSet.
type TaskSetConfig struct {
	Logger zerolog.Logger

	// Timeout bounds each task (optional). Zero means no per-task deadline.
	Timeout time.Duration
}

// TaskSet tracks detached goroutines so callers can wait for or cancel them.
// Task failures are logged and counted, never returned to the submitter.
type TaskSet struct {
	logger  zerolog.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool

	metrics *TaskMetrics
}

// TaskMetrics tracks task statistics.
type TaskMetrics struct {
	mu sync.RWMutex

	Started   int64
	Succeeded int64
	Failed    int64
	Panicked  int64
	Rejected  int64

	LastFinishedAt time.Time
	LastError      string
}

// TaskStats is a point-in-time copy of TaskMetrics.
type TaskStats struct {
	Started        int64
	Succeeded      int64
	Failed         int64
	Panicked       int64
	Rejected       int64
	Running        int64
	LastFinishedAt time.Time
	LastError      string
}

// NewTaskSet creates an empty task set.
func NewTaskSet(cfg TaskSetConfig) *TaskSet {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskSet{
		logger:  cfg.Logger.With().Str("component", "tasks").Logger(),
		timeout: cfg.Timeout,
		ctx:     ctx,
		cancel:  cancel,
		metrics: &TaskMetrics{},
	}
}

// Go starts fn in its own goroutine. The context passed to fn is cancelled
// when the set shuts down. Returns false if the set is already closed.
func (s *TaskSet) Go(name string, fn func(ctx context.Context) error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.metrics.mu.Lock()
		s.metrics.Rejected++
		s.metrics.mu.Unlock()
		s.logger.Warn().Str("task", name).Msg("task rejected, set is closed")
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.mu.Lock()
	s.metrics.Started++
	s.metrics.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.run(name, fn)
	}()
	return true
}

func (s *TaskSet) run(name string, fn func(ctx context.Context) error) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	var err error
	panicked := false

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				panicked = true
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		err = fn(ctx)
	}()

	duration := time.Since(start)
	s.record(err, panicked)

	if err != nil {
		s.logger.Error().
			Err(err).
			Str("task", name).
			Bool("panic", panicked).
			Dur("duration", duration).
			Msg("task failed")
		return
	}

	s.logger.Debug().
		Str("task", name).
		Dur("duration", duration).
		Msg("task completed")
}

func (s *TaskSet) record(err error, panicked bool) {
	s.metrics.mu.Lock()
	defer s.metrics.mu.Unlock()

	s.metrics.LastFinishedAt = time.Now()
	switch {
	case panicked:
		s.metrics.Panicked++
		s.metrics.Failed++
		s.metrics.LastError = err.Error()
	case err != nil:
		s.metrics.Failed++
		s.metrics.LastError = err.Error()
	default:
		s.metrics.Succeeded++
	}
}

// Wait blocks until every task started so far has returned.
func (s *TaskSet) Wait() {
	s.wg.Wait()
}

// Shutdown stops accepting tasks and waits for running ones. If ctx expires
// first, running tasks are cancelled and ctx.Err() is returned.
func (s *TaskSet) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats returns a copy of the current metrics.
func (s *TaskSet) Stats() TaskStats {
	s.metrics.mu.RLock()
	defer s.metrics.mu.RUnlock()

	return TaskStats{
		Started:        s.metrics.Started,
		Succeeded:      s.metrics.Succeeded,
		Failed:         s.metrics.Failed,
		Panicked:       s.metrics.Panicked,
		Rejected:       s.metrics.Rejected,
		Running:        s.metrics.Started - s.metrics.Succeeded - s.metrics.Failed,
		LastFinishedAt: s.metrics.LastFinishedAt,
		LastError:      s.metrics.LastError,
	}
}
