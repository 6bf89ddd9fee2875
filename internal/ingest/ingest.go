// Package ingest accepts device signals and hands analyze_signal tasks to an
// executor, either the local worker pool or a Kafka task topic.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"blockremote/internal/worker"
)

// Dispatcher queues a task for asynchronous analysis.
type Dispatcher interface {
	Dispatch(ctx context.Context, task worker.Task) error
	Close() error
}

// PoolDispatcher feeds the in-process worker pool.
type PoolDispatcher struct {
	pool *worker.Pool
}

func NewPoolDispatcher(pool *worker.Pool) *PoolDispatcher {
	return &PoolDispatcher{pool: pool}
}

func (d *PoolDispatcher) Dispatch(_ context.Context, task worker.Task) error {
	return d.pool.Dispatch(task)
}

// Close is a no-op; the pool's owner closes it.
func (d *PoolDispatcher) Close() error { return nil }

// DispatchWithBackoff retries a full queue until it drains or ctx ends.
// Any other error is returned immediately.
func DispatchWithBackoff(ctx context.Context, d Dispatcher, task worker.Task, backoff time.Duration, logger *slog.Logger) error {
	warned := false
	for {
		err := d.Dispatch(ctx, task)
		if !errors.Is(err, worker.ErrQueueFull) {
			return err
		}
		if !warned && logger != nil {
			logger.Warn("task queue full, waiting", "device_id", task.DeviceID)
			warned = true
		}
		if !BackoffSleep(ctx, backoff) {
			return ctx.Err()
		}
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
