// Package queue runs tasks on a fixed pool of workers fed by a bounded
// channel.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Handler processes one task.
type Handler[T any] func(ctx context.Context, task T) error

// Report describes the outcome of one task.
type Report[T any] struct {
	Seq      int
	Task     T
	Attempts int
	Err      error
	Duration time.Duration
}

// Summary aggregates every report since Start.
type Summary struct {
	Succeeded int
	Failed    int
	// Err combines every task failure.
	Err error
}

// Config tunes the pool and retry policy.
type Config struct {
	Workers        int
	Capacity       int
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Retryable selects errors worth another attempt. Nil retries nothing.
	Retryable func(error) bool
}

type job[T any] struct {
	seq  int
	task T
}

// Queue is a bounded task queue.
type Queue[T any] struct {
	cfg    Config
	handle Handler[T]
	report func(Report[T])

	tasks chan job[T]
	g     *errgroup.Group

	mu      sync.RWMutex
	closed  bool
	seq     int
	summary Summary
	summMu  sync.Mutex
}

// New creates a Queue. report, when not nil, is called once per task from
// the worker that ran it.
func New[T any](cfg Config, handle Handler[T], report func(Report[T])) *Queue[T] {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Capacity < 0 {
		cfg.Capacity = 0
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Queue[T]{
		cfg:    cfg,
		handle: handle,
		report: report,
		tasks:  make(chan job[T], cfg.Capacity),
	}
}

// Start launches the workers. Tasks run with ctx.
func (q *Queue[T]) Start(ctx context.Context) {
	q.g = &errgroup.Group{}
	for i := 0; i < q.cfg.Workers; i++ {
		q.g.Go(func() error {
			for j := range q.tasks {
				q.run(ctx, j)
			}
			return nil
		})
	}
}

// Enqueue blocks while the queue is full.
func (q *Queue[T]) Enqueue(ctx context.Context, task T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	q.summMu.Lock()
	q.seq++
	seq := q.seq
	q.summMu.Unlock()

	select {
	case q.tasks <- job[T]{seq: seq, task: task}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, waits for queued ones to finish and returns
// the summary.
func (q *Queue[T]) Close() Summary {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	if q.g != nil {
		_ = q.g.Wait()
	}

	q.summMu.Lock()
	defer q.summMu.Unlock()
	return q.summary
}

// Len returns the number of tasks waiting for a worker.
func (q *Queue[T]) Len() int {
	return len(q.tasks)
}

func (q *Queue[T]) run(ctx context.Context, j job[T]) {
	start := time.Now()
	attempts := 0

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.InitialBackoff
	bo.MaxInterval = q.cfg.MaxBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := q.handle(ctx, j.task)
		if err != nil && (q.cfg.Retryable == nil || !q.cfg.Retryable(err)) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(q.cfg.MaxAttempts))

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}

	q.summMu.Lock()
	if err != nil {
		q.summary.Failed++
		q.summary.Err = multierr.Append(q.summary.Err, fmt.Errorf("task %d: %w", j.seq, err))
	} else {
		q.summary.Succeeded++
	}
	q.summMu.Unlock()

	if q.report != nil {
		q.report(Report[T]{
			Seq:      j.seq,
			Task:     j.task,
			Attempts: attempts,
			Err:      err,
			Duration: time.Since(start),
		})
	}
}
