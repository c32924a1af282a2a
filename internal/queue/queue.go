// Package queue decouples trigger surfaces from the long-running work they
// enqueue, like the nightly feature sweep.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// JobKind names the kind of work a job carries.
type JobKind string

const (
	// KindFeatureSweep generates breaks and buffer times for one user and
	// day.
	KindFeatureSweep JobKind = "feature_sweep"
	// KindCalendarPull runs an incremental pull for one calendar.
	KindCalendarPull JobKind = "calendar_pull"
)

// Job is one unit of queued work. Pull jobs triggered by a provider push
// carry the channel id and resource state instead of a calendar id; the
// worker resolves the channel back to its calendar.
type Job struct {
	Kind       JobKind
	UserID     string
	CalendarID string
	Date       time.Time

	ChannelID     string
	ResourceState string

	EnqueuedAt time.Time
}

// Publisher enqueues jobs without waiting for them to run.
type Publisher interface {
	Publish(ctx context.Context, job Job) error
}

// Handler processes one job. Returned errors are logged, never retried by
// the queue itself; handlers own their retry policy.
type Handler func(ctx context.Context, job Job) error

// ErrQueueFull is returned when the buffer is saturated. Callers treat it
// as backpressure and drop or defer the trigger.
var ErrQueueFull = errors.New("queue full")

// ErrClosed is returned for publishes after Close.
var ErrClosed = errors.New("queue closed")

// InProcess is a buffered in-memory queue with a fixed worker pool. It
// provides at-most-once delivery inside one process; jobs are lost on
// restart, which is acceptable because every producer re-derives its jobs
// from stored state.
type InProcess struct {
	jobs    chan Job
	workers int
	logger  *slog.Logger

	// mu orders Publish sends against Close: a send only happens under the
	// read lock while closed is false, so the jobs channel is never closed
	// with a send in flight.
	mu     sync.RWMutex
	closed bool
}

// NewInProcess creates a queue with the given buffer size and worker count.
func NewInProcess(buffer, workers int, logger *slog.Logger) *InProcess {
	if buffer <= 0 {
		buffer = 256
	}
	if workers <= 0 {
		workers = 4
	}
	return &InProcess{
		jobs:    make(chan Job, buffer),
		workers: workers,
		logger:  logger,
	}
}

// Publish enqueues without blocking. A full buffer is reported, not waited
// on.
func (q *InProcess) Publish(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	job.EnqueuedAt = time.Now().UTC()
	select {
	case q.jobs <- job:
		q.logger.Debug("Enqueued job", "kind", string(job.Kind), "userId", job.UserID, "calendarId", job.CalendarID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Run consumes jobs with the worker pool until ctx is cancelled and the
// queue is drained. It blocks; callers run it in its own goroutine.
func (q *InProcess) Run(ctx context.Context, handler Handler) error {
	g, gctx := errgroup.WithContext(context.Background())
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case job, ok := <-q.jobs:
					if !ok {
						return nil
					}
					start := time.Now()
					if err := handler(gctx, job); err != nil {
						q.logger.Error("Job failed", "kind", string(job.Kind), "userId", job.UserID, "error", err)
						continue
					}
					q.logger.Info("Job done", "kind", string(job.Kind), "userId", job.UserID, "elapsed", time.Since(start).Round(time.Millisecond).String())
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}

	<-ctx.Done()
	q.Close()
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops accepting new jobs and lets workers drain the buffer. It
// waits for publishes in flight before closing the channel.
func (q *InProcess) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.jobs)
}
