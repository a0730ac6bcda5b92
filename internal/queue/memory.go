package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/rebalancer/internal/domain"
)

type schedule struct {
	every time.Duration
	next  time.Time
	spec  domain.JobSpec
	opts  domain.JobOptions
}

// Memory is an in-process JobQueue. Completed jobs are dropped, so a JobID
// only deduplicates while the job is waiting, delayed, active or failed.
type Memory struct {
	mu         sync.Mutex
	now        func() time.Time
	lease      time.Duration
	defaults   domain.JobOptions
	jobs       map[string]*domain.Job
	waiting    []string
	delayed    map[string]struct{}
	// active maps reserved ids to their lease deadline.
	active     map[string]time.Time
	failed     map[string]struct{}
	schedulers map[string]*schedule
}

var (
	_ domain.JobQueue = (*Memory)(nil)
	_ Leaser          = (*Memory)(nil)
)

// NewMemory creates an empty in-memory queue. defaults fill Attempts and
// Backoff when a caller leaves them unset.
func NewMemory(defaults domain.JobOptions) *Memory {
	return &Memory{
		now:        time.Now,
		defaults:   defaults,
		jobs:       make(map[string]*domain.Job),
		delayed:    make(map[string]struct{}),
		active:     make(map[string]time.Time),
		failed:     make(map[string]struct{}),
		schedulers: make(map[string]*schedule),
	}
}

// SetClock replaces the time source. Intended for tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetLease makes reservations lapse after d unless extended. Zero, the
// default, keeps reservations until the job is settled.
func (m *Memory) SetLease(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lease = d
}

func (m *Memory) Lease() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lease
}

// Extend pushes the lease deadline of an active job. Settled jobs are left
// alone.
func (m *Memory) Extend(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; ok && m.lease > 0 {
		m.active[id] = m.now().Add(m.lease)
	}
	return nil
}

func (m *Memory) Add(_ context.Context, name string, data []byte, opts domain.JobOptions) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(name, data, opts), nil
}

func (m *Memory) AddBulk(_ context.Context, specs []domain.JobSpec, opts domain.JobOptions) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Job, 0, len(specs))
	for _, s := range specs {
		o := opts
		o.JobID = s.JobID
		if s.GroupKey != "" {
			o.GroupKey = s.GroupKey
		}
		out = append(out, m.addLocked(s.Name, s.Data, o))
	}
	return out, nil
}

func (m *Memory) addLocked(name string, data []byte, opts domain.JobOptions) domain.Job {
	if opts.JobID != "" {
		if existing, ok := m.jobs[opts.JobID]; ok {
			return *existing
		}
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	now := m.now()
	job := NewJob(id, name, data, opts, m.defaults, now)
	m.jobs[id] = &job
	if opts.Delay > 0 {
		m.delayed[id] = struct{}{}
	} else {
		m.waiting = append(m.waiting, id)
	}
	return job
}

// NewJob builds a job, filling Attempts and Backoff from defaults when opts
// leaves them unset. Backends share it so jobs look the same everywhere.
func NewJob(id, name string, data []byte, opts, defaults domain.JobOptions, now time.Time) domain.Job {
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = defaults.Attempts
	}
	if attempts <= 0 {
		attempts = 1
	}
	backoff := opts.Backoff
	if backoff.Delay <= 0 {
		backoff = defaults.Backoff
	}
	return domain.Job{
		ID:          id,
		Name:        name,
		GroupKey:    opts.GroupKey,
		Data:        append([]byte(nil), data...),
		MaxAttempts: attempts,
		Backoff:     backoff,
		ProcessAt:   now.Add(opts.Delay),
		CreatedAt:   now,
	}
}

func (m *Memory) Reserve(_ context.Context) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.reclaimLocked(now)
	m.promoteLocked(now)

	if len(m.waiting) == 0 {
		return nil, nil
	}
	id := m.waiting[0]
	m.waiting = m.waiting[1:]
	job, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	var deadline time.Time
	if m.lease > 0 {
		deadline = now.Add(m.lease)
	}
	m.active[id] = deadline
	out := *job
	return &out, nil
}

// reclaimLocked puts active jobs whose lease lapsed back in waiting. Their
// attempt count is untouched.
func (m *Memory) reclaimLocked(now time.Time) {
	var stalled []string
	for id, deadline := range m.active {
		if !deadline.IsZero() && !deadline.After(now) {
			stalled = append(stalled, id)
		}
	}
	sort.Strings(stalled)
	for _, id := range stalled {
		delete(m.active, id)
		m.waiting = append(m.waiting, id)
	}
}

func (m *Memory) promoteLocked(now time.Time) {
	var due []*domain.Job
	for id := range m.delayed {
		if j := m.jobs[id]; j != nil && !j.ProcessAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].ProcessAt.Before(due[k].ProcessAt) })
	for _, j := range due {
		delete(m.delayed, j.ID)
		m.waiting = append(m.waiting, j.ID)
	}

	ids := make([]string, 0, len(m.schedulers))
	for id := range m.schedulers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := m.schedulers[id]
		if s.next.After(now) {
			continue
		}
		o := s.opts
		o.JobID = SchedulerJobID(id, s.next)
		if s.spec.GroupKey != "" {
			o.GroupKey = s.spec.GroupKey
		}
		m.addLocked(s.spec.Name, s.spec.Data, o)
		s.next = s.next.Add(s.every)
		if !s.next.After(now) {
			s.next = now.Add(s.every)
		}
	}
}

func (m *Memory) Save(_ context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[job.ID]
	if !ok {
		return fmt.Errorf("queue: save %s: %w", job.ID, domain.ErrNotFound)
	}
	j.Data = append([]byte(nil), job.Data...)
	j.AttemptsMade = job.AttemptsMade
	return nil
}

func (m *Memory) Complete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return fmt.Errorf("queue: complete %s: %w", id, domain.ErrNotFound)
	}
	delete(m.active, id)
	delete(m.jobs, id)
	return nil
}

func (m *Memory) Retry(_ context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[job.ID]
	if !ok {
		return fmt.Errorf("queue: retry %s: %w", job.ID, domain.ErrNotFound)
	}
	*j = job
	delete(m.active, job.ID)
	m.delayed[job.ID] = struct{}{}
	return nil
}

func (m *Memory) Fail(_ context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[job.ID]
	if !ok {
		return fmt.Errorf("queue: fail %s: %w", job.ID, domain.ErrNotFound)
	}
	*j = job
	delete(m.active, job.ID)
	m.failed[job.ID] = struct{}{}
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("queue: get %s: %w", id, domain.ErrNotFound)
	}
	return *j, nil
}

func (m *Memory) UpsertScheduler(_ context.Context, schedulerID string, every time.Duration, spec domain.JobSpec) error {
	if every <= 0 {
		return fmt.Errorf("queue: scheduler %s: interval must be positive", schedulerID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.schedulers[schedulerID]; ok {
		s.every = every
		s.spec = spec
		return nil
	}
	m.schedulers[schedulerID] = &schedule{
		every: every,
		next:  m.now(),
		spec:  spec,
		opts:  m.defaults,
	}
	return nil
}

func (m *Memory) RemoveScheduler(_ context.Context, schedulerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedulers, schedulerID)
	return nil
}

func (m *Memory) Counts(_ context.Context) (domain.QueueCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.QueueCounts{
		Waiting: len(m.waiting),
		Delayed: len(m.delayed),
		Active:  len(m.active),
		Failed:  len(m.failed),
	}, nil
}

// SchedulerJobID is the deduplicating id of the job a scheduler fires at at.
func SchedulerJobID(schedulerID string, at time.Time) string {
	return fmt.Sprintf("repeat:%s:%d", schedulerID, at.UnixMilli())
}
