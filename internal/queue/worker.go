package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/rebalancer/internal/domain"
)

// Outcome labels how one job run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDelayed   Outcome = "delayed"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
	OutcomeDeferred  Outcome = "deferred"
)

// Observer receives one call per job run. Implementations must not block.
type Observer interface {
	JobFinished(name string, outcome Outcome, took time.Duration)
}

// Leaser is a JobQueue whose reservations lapse unless renewed. A lapsed job
// goes back to waiting so another worker picks it up after a crash.
type Leaser interface {
	Lease() time.Duration
	Extend(ctx context.Context, id string) error
}

// WorkerConfig tunes a Worker.
type WorkerConfig struct {
	Name         string
	Concurrency  int
	PollInterval time.Duration
	// DeferDelay is how long a job denied admission waits before it is
	// offered again.
	DeferDelay time.Duration
}

// Worker pulls jobs from a JobQueue on a fixed pool of goroutines and
// dispatches each to the first matching Manager.
type Worker struct {
	cfg       WorkerConfig
	queue     domain.JobQueue
	admission *Admission
	managers  []Manager
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
}

// NewWorker creates a Worker. A nil admission admits everything.
func NewWorker(cfg WorkerConfig, q domain.JobQueue, admission *Admission, logger *slog.Logger, managers ...Manager) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = time.Second
	}
	if admission == nil {
		admission = NewAdmission(AdmissionConfig{})
	}
	return &Worker{
		cfg:       cfg,
		queue:     q,
		admission: admission,
		managers:  managers,
		logger:    logger.With(slog.String("component", "worker"), slog.String("queue", cfg.Name)),
		now:       time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (w *Worker) SetClock(now func() time.Time) { w.now = now }

// SetObserver attaches an outcome observer, e.g. metrics.
func (w *Worker) SetObserver(o Observer) { w.observer = o }

// Register appends managers. Dispatch order is registration order.
func (w *Worker) Register(managers ...Manager) {
	w.managers = append(w.managers, managers...)
}

// Run starts the pool and blocks until ctx is cancelled and every in-flight
// job has returned.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", slog.Int("concurrency", w.cfg.Concurrency))
	defer w.logger.Info("worker stopped")

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		ran, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Warn("reserve failed", slog.String("error", err.Error()))
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce reserves and handles at most one job. It reports whether a job was
// reserved.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.Reserve(ctx)
	if err != nil {
		return false, fmt.Errorf("queue: reserve: %w", err)
	}
	if job == nil {
		return false, nil
	}
	w.handle(ctx, *job)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, job domain.Job) {
	// Bookkeeping must land even if ctx is cancelled mid-job.
	bg := context.WithoutCancel(ctx)
	start := w.now()
	log := w.logger.With(slog.String("job_id", job.ID), slog.String("job", job.Name))

	release, ok := w.admission.TryAcquire(job)
	if !ok {
		job.ProcessAt = w.now().Add(w.cfg.DeferDelay)
		if err := w.queue.Retry(bg, job); err != nil {
			log.Error("defer failed", slog.String("error", err.Error()))
		}
		log.Debug("job deferred by admission")
		w.observe(job.Name, OutcomeDeferred, start)
		return
	}
	defer release()

	m := w.dispatch(job)
	if m == nil {
		job.FailedReason = domain.ErrNoManager.Error()
		if err := w.queue.Fail(bg, job); err != nil {
			log.Error("fail job failed", slog.String("error", err.Error()))
		}
		log.Error("no manager for job")
		w.observe(job.Name, OutcomeFailed, start)
		return
	}

	h := &Handle{job: job, queue: w.queue}
	stop := w.keepAlive(bg, job.ID, log)
	result, err := safeProcess(ctx, m, h)
	stop()

	switch {
	case err == nil:
		if d, delayed := h.Delayed(); delayed {
			next := h.job
			next.ProcessAt = w.now().Add(d)
			if err := w.queue.Retry(bg, next); err != nil {
				log.Error("delay job failed", slog.String("error", err.Error()))
			}
			w.observe(job.Name, OutcomeDelayed, start)
			return
		}
		if err := w.queue.Complete(bg, job.ID); err != nil {
			log.Error("complete job failed", slog.String("error", err.Error()))
		}
		m.OnComplete(bg, h, result)
		w.observe(job.Name, OutcomeCompleted, start)

	case ctx.Err() != nil && !IsUnrecoverable(err):
		// Shutdown interrupted the job; put it back without spending an attempt.
		next := h.job
		next.ProcessAt = w.now()
		if rerr := w.queue.Retry(bg, next); rerr != nil {
			log.Error("requeue on shutdown failed", slog.String("error", rerr.Error()))
		}

	default:
		next := h.job
		next.AttemptsMade++
		h.job = next
		final := IsUnrecoverable(err) || next.AttemptsMade >= maxAttempts(next)
		if final {
			next.FailedReason = err.Error()
			h.job = next
			if ferr := w.queue.Fail(bg, next); ferr != nil {
				log.Error("fail job failed", slog.String("error", ferr.Error()))
			}
			log.Warn("job failed",
				slog.Int("attempts", next.AttemptsMade),
				slog.Bool("unrecoverable", IsUnrecoverable(err)),
				slog.String("error", err.Error()),
			)
			m.OnFailed(bg, h, err)
			w.observe(job.Name, OutcomeFailed, start)
			return
		}
		next.ProcessAt = w.now().Add(next.Backoff.After(next.AttemptsMade))
		if rerr := w.queue.Retry(bg, next); rerr != nil {
			log.Error("retry job failed", slog.String("error", rerr.Error()))
		}
		log.Info("job retry scheduled",
			slog.Int("attempts", next.AttemptsMade),
			slog.Time("process_at", next.ProcessAt),
			slog.String("error", err.Error()),
		)
		w.observe(job.Name, OutcomeRetried, start)
	}
}

// keepAlive renews the lease of job id at a third of the lease period until
// the returned func is called.
func (w *Worker) keepAlive(ctx context.Context, id string, log *slog.Logger) func() {
	l, ok := w.queue.(Leaser)
	if !ok || l.Lease() <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(l.Lease() / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := l.Extend(ctx, id); err != nil {
					log.Warn("extend lease failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (w *Worker) dispatch(job domain.Job) Manager {
	for _, m := range w.managers {
		if m.Is(job) {
			return m
		}
	}
	return nil
}

func (w *Worker) observe(name string, o Outcome, start time.Time) {
	if w.observer != nil {
		w.observer.JobFinished(name, o, w.now().Sub(start))
	}
}

func safeProcess(ctx context.Context, m Manager, h *Handle) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: %s panicked: %v", h.Name(), r)
		}
	}()
	return m.Process(ctx, h)
}
