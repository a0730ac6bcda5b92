// Package queue runs durable jobs on a bounded worker pool, dispatching each
// job to the first manager that claims it and enforcing admission rules for
// grouped and non-concurrent job classes.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/rebalancer/internal/domain"
)

// Handle is the view of a reserved job given to a Manager. Data updates made
// through UpdateData are persisted immediately.
type Handle struct {
	job   domain.Job
	queue domain.JobQueue
	delay time.Duration
}

// NewHandle wraps job for direct manager calls outside a Worker.
func NewHandle(job domain.Job, q domain.JobQueue) *Handle {
	return &Handle{job: job, queue: q}
}

func (h *Handle) Job() domain.Job   { return h.job }
func (h *Handle) ID() string        { return h.job.ID }
func (h *Handle) Name() string      { return h.job.Name }
func (h *Handle) AttemptsMade() int { return h.job.AttemptsMade }

// IsFinalAttempt reports whether a failure now would exhaust the job.
func (h *Handle) IsFinalAttempt() bool {
	return h.job.AttemptsMade+1 >= maxAttempts(h.job)
}

// Decode unmarshals the job data into v.
func (h *Handle) Decode(v any) error {
	if err := json.Unmarshal(h.job.Data, v); err != nil {
		return fmt.Errorf("queue: decode %s data: %w", h.job.Name, err)
	}
	return nil
}

// UpdateData replaces the job data and persists it before returning.
func (h *Handle) UpdateData(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("queue: encode %s data: %w", h.job.Name, err)
	}
	h.job.Data = b
	if h.queue == nil {
		return nil
	}
	if err := h.queue.Save(ctx, h.job); err != nil {
		return fmt.Errorf("queue: save %s: %w", h.job.ID, err)
	}
	return nil
}

// MoveToDelayed asks the worker to run the job again after d without
// consuming an attempt. It takes effect when Process returns without error.
func (h *Handle) MoveToDelayed(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	h.delay = d
}

// Delayed returns the requested delay, if any.
func (h *Handle) Delayed() (time.Duration, bool) {
	return h.delay, h.delay > 0
}

// Manager owns processing and lifecycle hooks for one class of jobs.
type Manager interface {
	Is(job domain.Job) bool
	Process(ctx context.Context, h *Handle) (any, error)
	OnComplete(ctx context.Context, h *Handle, result any)
	// OnFailed runs once, when the job fails for good.
	OnFailed(ctx context.Context, h *Handle, err error)
}

// Named is a type guard matching jobs by name. Embed it in managers.
type Named string

func (n Named) Is(job domain.Job) bool { return job.Name == string(n) }

type unrecoverableError struct{ err error }

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks err so the worker fails the job without retrying.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err was marked with Unrecoverable.
func IsUnrecoverable(err error) bool {
	var u *unrecoverableError
	return errors.As(err, &u)
}

// Enqueue marshals data and adds it to q.
func Enqueue(ctx context.Context, q domain.JobQueue, name string, data any, opts domain.JobOptions) (domain.Job, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return domain.Job{}, fmt.Errorf("queue: encode %s: %w", name, err)
	}
	return q.Add(ctx, name, b, opts)
}

// Spec builds a JobSpec with JSON-encoded data.
func Spec(name string, data any, jobID, groupKey string) (domain.JobSpec, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return domain.JobSpec{}, fmt.Errorf("queue: encode %s: %w", name, err)
	}
	return domain.JobSpec{Name: name, Data: b, JobID: jobID, GroupKey: groupKey}, nil
}

func maxAttempts(j domain.Job) int {
	if j.MaxAttempts < 1 {
		return 1
	}
	return j.MaxAttempts
}
