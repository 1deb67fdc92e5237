// Package queue provides the durable job queues that connect the pipeline
// stages. Jobs are FIFO with a per-job attempt budget and exponential
// backoff between retries; terminal jobs are removed from the queue. A
// Redis-backed implementation serves multi-process deployments and an
// in-memory implementation serves tests and single-node runs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// BackoffExponential doubles the retry delay on every failed attempt.
const BackoffExponential = "exponential"

// BackoffFixed applies the same delay between every retry.
const BackoffFixed = "fixed"

// Backoff describes the delay growth strategy between retry attempts.
type Backoff struct {
	Type    string `json:"type"`
	DelayMs int64  `json:"delayMs"`
}

// Exponential builds an exponential backoff with the given base delay.
func Exponential(base time.Duration) Backoff {
	return Backoff{Type: BackoffExponential, DelayMs: base.Milliseconds()}
}

// Options mirror the enqueue contract: attempt budget, backoff strategy,
// and terminal-state cleanup flags.
type Options struct {
	Attempts         int     `json:"attempts"`
	Backoff          Backoff `json:"backoff"`
	RemoveOnComplete bool    `json:"removeOnComplete"`
	RemoveOnFail     bool    `json:"removeOnFail"`
}

func (o Options) normalized() Options {
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.Backoff.DelayMs < 0 {
		o.Backoff.DelayMs = 0
	}
	return o
}

// delayFor computes the delay before the next attempt. failed is the number
// of attempts already consumed (>= 1).
func (o Options) delayFor(failed int) time.Duration {
	base := time.Duration(o.Backoff.DelayMs) * time.Millisecond
	if base <= 0 {
		return 0
	}
	if o.Backoff.Type != BackoffExponential {
		return base
	}
	delay := base
	for i := 1; i < failed; i++ {
		delay *= 2
	}
	return delay
}

// Job is the unit of work handed to a consumer. Attempt is 1-based.
type Job struct {
	ID          string
	Payload     []byte
	Attempt     int
	MaxAttempts int
}

// Handler processes a claimed job. A nil return completes the job; an error
// schedules a retry unless the error is wrapped with Reject or the attempt
// budget is exhausted.
type Handler func(ctx context.Context, job Job) error

// Queue is a named durable FIFO job queue.
type Queue interface {
	// Enqueue appends a job and returns its assigned ID. The payload is
	// serialised as JSON.
	Enqueue(ctx context.Context, payload any, opts Options) (string, error)
	// Consume claims jobs and runs the handler with the queue's configured
	// worker bound until the context is cancelled.
	Consume(ctx context.Context, handler Handler) error
	// Name returns the queue name.
	Name() string
}

// envelope is the wire form of a queued job.
type envelope struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	LastError  string          `json:"lastError,omitempty"`
	Opts       Options         `json:"opts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

func newEnvelope(id string, payload any, opts Options) (*envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	return &envelope{
		ID:         id,
		Payload:    data,
		Opts:       opts.normalized(),
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

func (e *envelope) job() Job {
	return Job{
		ID:          e.ID,
		Payload:     append([]byte(nil), e.Payload...),
		Attempt:     e.Attempt + 1,
		MaxAttempts: e.Opts.Attempts,
	}
}

type rejectError struct {
	err error
}

func (e *rejectError) Error() string { return e.err.Error() }

func (e *rejectError) Unwrap() error { return e.err }

// Reject wraps a handler error so the job is dropped immediately instead of
// retried. Used for malformed payloads.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &rejectError{err: err}
}

// IsRejected reports whether the error carries a Reject marker.
func IsRejected(err error) bool {
	var r *rejectError
	return errors.As(err, &r)
}
