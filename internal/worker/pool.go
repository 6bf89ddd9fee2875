package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"blockremote/internal/config"
	"blockremote/internal/metrics"
)

var (
	ErrQueueFull  = errors.New("worker queue full")
	ErrPoolClosed = errors.New("worker pool closed")
)

const maxRetryBackoff = 30 * time.Second

// Handler executes one task.
type Handler interface {
	AnalyzeSignal(ctx context.Context, task Task) error
}

type HandlerFunc func(ctx context.Context, task Task) error

func (f HandlerFunc) AnalyzeSignal(ctx context.Context, task Task) error { return f(ctx, task) }

// Pool runs tasks on a fixed number of goroutines fed from a bounded queue.
// A failed task is retried in place with exponential backoff.
type Pool struct {
	handler     Handler
	queue       chan Task
	concurrency int
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(h Handler, cfg config.WorkerConfig, logger *slog.Logger, m *metrics.Metrics) *Pool {
	if m == nil {
		m = metrics.New()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Pool{
		handler:     h,
		queue:       make(chan Task, cfg.QueueSize),
		concurrency: cfg.Concurrency,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.RetryBackoff,
		logger:      logger,
		metrics:     m,
	}
}

// Start launches the worker goroutines. Cancelling ctx aborts pending
// retries; queued tasks still run until Close.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.queue {
				p.metrics.QueueDepth.Set(float64(len(p.queue)))
				p.run(ctx, task)
			}
		}()
	}
}

// Dispatch enqueues task without blocking.
func (p *Pool) Dispatch(task Task) error {
	task = WithTaskID(task)
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- task:
		p.metrics.QueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		if p.logger != nil {
			p.logger.Warn("task queue full, rejecting task", "device_id", task.DeviceID)
		}
		return ErrQueueFull
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, task Task) {
	for attempt := 1; ; attempt++ {
		err := p.handler.AnalyzeSignal(ctx, task)
		if err == nil {
			return
		}
		if attempt >= p.maxAttempts || errors.Is(err, ErrInvalidTask) {
			p.metrics.TaskFailures.Inc()
			if p.logger != nil {
				p.logger.Error("task failed", "device_id", task.DeviceID, "attempts", attempt, "err", err)
			}
			return
		}
		delay := retryDelay(p.backoff, attempt)
		p.metrics.TaskRetries.Inc()
		if p.logger != nil {
			p.logger.Warn("task failed, retrying", "device_id", task.DeviceID, "attempt", attempt, "backoff", delay, "err", err)
		}
		if !sleep(ctx, delay) {
			p.metrics.TaskFailures.Inc()
			if p.logger != nil {
				p.logger.Warn("task abandoned on shutdown", "device_id", task.DeviceID, "attempts", attempt)
			}
			return
		}
	}
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
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
