package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryConfig configures an in-memory queue.
type MemoryConfig struct {
	Name    string
	Workers int
	Buffer  int
	Logger  *slog.Logger
}

const (
	defaultWorkers = 4
	defaultBuffer  = 256
)

// NewMemoryQueue initialises a process-local queue with the same retry
// semantics as the Redis implementation.
func NewMemoryQueue(cfg MemoryConfig) *MemoryQueue {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{
		name:    cfg.Name,
		workers: workers,
		logger:  logger,
		ready:   make(chan *envelope, buffer),
		done:    make(chan struct{}),
	}
}

// MemoryQueue is a channel-backed Queue. Delayed retries are scheduled with
// timers rather than a promotion loop.
type MemoryQueue struct {
	name    string
	workers int
	logger  *slog.Logger

	ready chan *envelope

	closeOnce sync.Once
	done      chan struct{}
}

func (q *MemoryQueue) Name() string { return q.name }

// Close stops retry timers from re-queuing jobs. Pending ready jobs are
// discarded once consumers stop.
func (q *MemoryQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *MemoryQueue) Enqueue(ctx context.Context, payload any, opts Options) (string, error) {
	env, err := newEnvelope(uuid.NewString(), payload, opts)
	if err != nil {
		return "", err
	}
	select {
	case q.ready <- env:
		return env.ID, nil
	case <-q.done:
		return "", context.Canceled
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case env := <-q.ready:
					q.process(ctx, env, handler)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) process(ctx context.Context, env *envelope, handler Handler) {
	err := handler(ctx, env.job())
	if err == nil {
		return
	}
	if ctx.Err() != nil && !IsRejected(err) {
		// Interrupted by consumer shutdown; put the job back unchanged so a
		// later Consume sees the same attempt number.
		go func() {
			select {
			case q.ready <- env:
			case <-q.done:
			}
		}()
		return
	}
	env.Attempt++
	env.LastError = err.Error()
	if IsRejected(err) {
		q.logger.Error("job rejected", "queue", q.name, "job_id", env.ID, "error", err)
		return
	}
	if env.Attempt >= env.Opts.Attempts {
		q.logger.Error("job failed permanently",
			"queue", q.name, "job_id", env.ID, "attempts", env.Attempt, "error", err)
		return
	}
	delay := env.Opts.delayFor(env.Attempt)
	q.logger.Warn("job failed, scheduling retry",
		"queue", q.name, "job_id", env.ID, "attempt", env.Attempt, "delay", delay, "error", err)
	retry := env
	time.AfterFunc(delay, func() {
		select {
		case q.ready <- retry:
		case <-q.done:
		}
	})
}
