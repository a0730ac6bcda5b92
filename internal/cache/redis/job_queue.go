package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/queue"
)

var (
	//go:embed scripts/enqueue.lua
	enqueueLua string
	//go:embed scripts/reserve.lua
	reserveLua string
	//go:embed scripts/claim_scheduler.lua
	claimSchedulerLua string
)

// JobQueue is a durable, multi-process domain.JobQueue.
//
// Layout under the client prefix and queue name:
//
//	job:<id>      job JSON
//	waiting       list of ready ids
//	delayed       zset of ids by processAt (ms)
//	active        zset of reserved ids by lease deadline (ms)
//	failed        set of failed ids
//	schedulers    hash of scheduler id to its template
//	sched:next    zset of scheduler ids by next run (ms)
//
// Enqueue and reserve run as Lua scripts so dedup and the delayed-to-waiting
// promotion are atomic across workers. A reserved job whose lease lapses,
// because its worker died, goes back to waiting on the next Reserve.
type JobQueue struct {
	c        *Client
	name     string
	defaults domain.JobOptions
	lease    time.Duration
	now      func() time.Time

	enqueue        *redis.Script
	reserve        *redis.Script
	claimScheduler *redis.Script
}

// DefaultLease is how long a reservation lasts without renewal.
const DefaultLease = 30 * time.Second

var (
	_ domain.JobQueue = (*JobQueue)(nil)
	_ queue.Leaser    = (*JobQueue)(nil)
)

type schedulerTemplate struct {
	Every time.Duration  `json:"every"`
	Spec  domain.JobSpec `json:"spec"`
}

// NewJobQueue creates the queue called name. defaults fill Attempts and
// Backoff when a caller leaves them unset.
func NewJobQueue(c *Client, name string, defaults domain.JobOptions) *JobQueue {
	if name == "" {
		name = "jobs"
	}
	return &JobQueue{
		c:              c,
		name:           name,
		defaults:       defaults,
		lease:          DefaultLease,
		now:            time.Now,
		enqueue:        redis.NewScript(enqueueLua),
		reserve:        redis.NewScript(reserveLua),
		claimScheduler: redis.NewScript(claimSchedulerLua),
	}
}

// SetLease changes the reservation lease. Non-positive values are ignored.
func (q *JobQueue) SetLease(d time.Duration) {
	if d > 0 {
		q.lease = d
	}
}

func (q *JobQueue) Lease() time.Duration { return q.lease }

// Extend renews the lease of an active job. XX keeps a job settled in the
// meantime from reappearing in active.
func (q *JobQueue) Extend(ctx context.Context, id string) error {
	deadline := q.now().Add(q.lease).UnixMilli()
	if err := q.c.rdb.ZAddXX(ctx, q.key("active"), redis.Z{Score: float64(deadline), Member: id}).Err(); err != nil {
		return fmt.Errorf("redis: extend %s: %w", id, err)
	}
	return nil
}

func (q *JobQueue) key(parts ...string) string {
	return q.c.key(append([]string{"queue", q.name}, parts...)...)
}

func (q *JobQueue) jobKey(id string) string { return q.key("job", id) }

func (q *JobQueue) Add(ctx context.Context, name string, data []byte, opts domain.JobOptions) (domain.Job, error) {
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	job := queue.NewJob(id, name, data, opts, q.defaults, q.now())
	raw, err := json.Marshal(job)
	if err != nil {
		return domain.Job{}, fmt.Errorf("redis: encode job %s: %w", id, err)
	}
	delayed := "0"
	if opts.Delay > 0 {
		delayed = "1"
	}
	stored, err := q.enqueue.Run(ctx, q.c.rdb,
		[]string{q.jobKey(id), q.key("waiting"), q.key("delayed")},
		string(raw), id, job.ProcessAt.UnixMilli(), delayed,
	).Text()
	if err != nil {
		return domain.Job{}, fmt.Errorf("redis: enqueue %s: %w", name, err)
	}
	return decodeJob(stored)
}

func (q *JobQueue) AddBulk(ctx context.Context, specs []domain.JobSpec, opts domain.JobOptions) ([]domain.Job, error) {
	out := make([]domain.Job, 0, len(specs))
	for _, s := range specs {
		o := opts
		o.JobID = s.JobID
		if s.GroupKey != "" {
			o.GroupKey = s.GroupKey
		}
		job, err := q.Add(ctx, s.Name, s.Data, o)
		if err != nil {
			return out, err
		}
		out = append(out, job)
	}
	return out, nil
}

// Reserve fires due schedulers, promotes due delayed jobs and pops the next
// waiting job. It returns nil when nothing is ready.
func (q *JobQueue) Reserve(ctx context.Context) (*domain.Job, error) {
	now := q.now()
	if err := q.fireSchedulers(ctx, now); err != nil {
		return nil, err
	}
	raw, err := q.reserve.Run(ctx, q.c.rdb,
		[]string{q.key("waiting"), q.key("delayed"), q.key("active")},
		now.UnixMilli(), q.jobKey(""), q.lease.Milliseconds(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: reserve: %w", err)
	}
	job, err := decodeJob(raw)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *JobQueue) fireSchedulers(ctx context.Context, now time.Time) error {
	ids, err := q.c.rdb.ZRangeByScore(ctx, q.key("sched", "next"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("redis: due schedulers: %w", err)
	}
	for _, id := range ids {
		raw, err := q.c.rdb.HGet(ctx, q.key("schedulers"), id).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis: scheduler %s: %w", id, err)
		}
		var tpl schedulerTemplate
		if err := json.Unmarshal([]byte(raw), &tpl); err != nil {
			return fmt.Errorf("redis: decode scheduler %s: %w", id, err)
		}
		due, err := q.claimScheduler.Run(ctx, q.c.rdb,
			[]string{q.key("sched", "next")},
			id, now.UnixMilli(), tpl.Every.Milliseconds(),
		).Int64()
		if errors.Is(err, redis.Nil) {
			// Another worker fired it.
			continue
		}
		if err != nil {
			return fmt.Errorf("redis: claim scheduler %s: %w", id, err)
		}
		opts := q.defaults
		opts.JobID = queue.SchedulerJobID(id, time.UnixMilli(due))
		opts.GroupKey = tpl.Spec.GroupKey
		if _, err := q.Add(ctx, tpl.Spec.Name, tpl.Spec.Data, opts); err != nil {
			return err
		}
	}
	return nil
}

// Save persists the mutable fields of an active job.
func (q *JobQueue) Save(ctx context.Context, job domain.Job) error {
	stored, err := q.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	stored.Data = job.Data
	stored.AttemptsMade = job.AttemptsMade
	return q.put(ctx, q.c.rdb, stored)
}

func (q *JobQueue) Complete(ctx context.Context, id string) error {
	_, err := q.c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, q.jobKey(id))
		p.ZRem(ctx, q.key("active"), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: complete %s: %w", id, err)
	}
	return nil
}

func (q *JobQueue) Retry(ctx context.Context, job domain.Job) error {
	_, err := q.c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if err := q.put(ctx, p, job); err != nil {
			return err
		}
		p.ZRem(ctx, q.key("active"), job.ID)
		p.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(job.ProcessAt.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: retry %s: %w", job.ID, err)
	}
	return nil
}

func (q *JobQueue) Fail(ctx context.Context, job domain.Job) error {
	_, err := q.c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if err := q.put(ctx, p, job); err != nil {
			return err
		}
		p.ZRem(ctx, q.key("active"), job.ID)
		p.SAdd(ctx, q.key("failed"), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: fail %s: %w", job.ID, err)
	}
	return nil
}

func (q *JobQueue) Get(ctx context.Context, id string) (domain.Job, error) {
	raw, err := q.c.rdb.Get(ctx, q.jobKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Job{}, fmt.Errorf("redis: job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("redis: get job %s: %w", id, err)
	}
	return decodeJob(raw)
}

// UpsertScheduler installs or updates a recurring job. A new scheduler fires
// on the next Reserve; an existing one keeps its next run time.
func (q *JobQueue) UpsertScheduler(ctx context.Context, schedulerID string, every time.Duration, spec domain.JobSpec) error {
	if every <= 0 {
		return fmt.Errorf("redis: scheduler %s: interval must be positive", schedulerID)
	}
	raw, err := json.Marshal(schedulerTemplate{Every: every, Spec: spec})
	if err != nil {
		return fmt.Errorf("redis: encode scheduler %s: %w", schedulerID, err)
	}
	_, err = q.c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.key("schedulers"), schedulerID, raw)
		p.ZAddNX(ctx, q.key("sched", "next"), redis.Z{Score: float64(q.now().UnixMilli()), Member: schedulerID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: upsert scheduler %s: %w", schedulerID, err)
	}
	return nil
}

func (q *JobQueue) RemoveScheduler(ctx context.Context, schedulerID string) error {
	_, err := q.c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, q.key("schedulers"), schedulerID)
		p.ZRem(ctx, q.key("sched", "next"), schedulerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: remove scheduler %s: %w", schedulerID, err)
	}
	return nil
}

func (q *JobQueue) Counts(ctx context.Context) (domain.QueueCounts, error) {
	var waiting, delayed, active, failed *redis.IntCmd
	_, err := q.c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		waiting = p.LLen(ctx, q.key("waiting"))
		delayed = p.ZCard(ctx, q.key("delayed"))
		active = p.ZCard(ctx, q.key("active"))
		failed = p.SCard(ctx, q.key("failed"))
		return nil
	})
	if err != nil {
		return domain.QueueCounts{}, fmt.Errorf("redis: counts: %w", err)
	}
	return domain.QueueCounts{
		Waiting: int(waiting.Val()),
		Delayed: int(delayed.Val()),
		Active:  int(active.Val()),
		Failed:  int(failed.Val()),
	}, nil
}

func (q *JobQueue) put(ctx context.Context, c redis.Cmdable, job domain.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis: encode job %s: %w", job.ID, err)
	}
	return c.Set(ctx, q.jobKey(job.ID), raw, 0).Err()
}

func decodeJob(raw string) (domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return domain.Job{}, fmt.Errorf("redis: decode job: %w", err)
	}
	return job, nil
}
