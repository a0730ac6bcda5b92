package queue

import (
	"sync"

	"github.com/alanyoungcy/rebalancer/internal/domain"
)

// AdmissionConfig configures which jobs may run side by side.
type AdmissionConfig struct {
	// MaxActive bounds active jobs across the process. Zero means no bound
	// beyond the worker count.
	MaxActive int
	// NonConcurrent names job classes of which at most one may be active at
	// any time, counted across the whole set.
	NonConcurrent []string
	// GroupLimit bounds active jobs sharing a non-empty GroupKey. Zero means 1.
	GroupLimit int
}

// Admission decides whether a reserved job may start now. It tracks in-flight
// jobs in memory, so its limits hold per worker process, not across processes
// sharing a redis queue. A denied job is deferred by the worker, not dropped.
type Admission struct {
	mu            sync.Mutex
	maxActive     int
	groupLimit    int
	nonConcurrent map[string]bool

	active          int
	exclusiveActive int
	groups          map[string]int
}

// NewAdmission builds an admission policy from cfg.
func NewAdmission(cfg AdmissionConfig) *Admission {
	nc := make(map[string]bool, len(cfg.NonConcurrent))
	for _, n := range cfg.NonConcurrent {
		nc[n] = true
	}
	limit := cfg.GroupLimit
	if limit <= 0 {
		limit = 1
	}
	return &Admission{
		maxActive:     cfg.MaxActive,
		groupLimit:    limit,
		nonConcurrent: nc,
		groups:        make(map[string]int),
	}
}

// TryAcquire admits job if no rule would be violated. The returned release
// must be called exactly once when the job stops being active.
func (a *Admission) TryAcquire(job domain.Job) (release func(), ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	exclusive := a.nonConcurrent[job.Name]
	if a.maxActive > 0 && a.active >= a.maxActive {
		return nil, false
	}
	if exclusive && a.exclusiveActive > 0 {
		return nil, false
	}
	if job.GroupKey != "" && a.groups[job.GroupKey] >= a.groupLimit {
		return nil, false
	}

	a.active++
	if exclusive {
		a.exclusiveActive++
	}
	if job.GroupKey != "" {
		a.groups[job.GroupKey]++
	}

	var once sync.Once
	return func() {
		once.Do(func() { a.release(job.GroupKey, exclusive) })
	}, true
}

func (a *Admission) release(group string, exclusive bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active--
	if exclusive {
		a.exclusiveActive--
	}
	if group != "" {
		a.groups[group]--
		if a.groups[group] <= 0 {
			delete(a.groups, group)
		}
	}
}

// NonConcurrent reports whether name belongs to the non-concurrent set.
func (a *Admission) NonConcurrent(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonConcurrent[name]
}

// Active returns the number of admitted, unreleased jobs.
func (a *Admission) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}
