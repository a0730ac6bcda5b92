package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rebalancer/internal/domain"
)

func TestMemoryDeduplicatesByJobID(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(domain.JobOptions{Attempts: 3})

	first, err := q.Add(ctx, "fulfill", []byte(`{"n":1}`), domain.JobOptions{JobID: "fulfill:0xabc"})
	require.NoError(t, err)
	second, err := q.Add(ctx, "fulfill", []byte(`{"n":2}`), domain.JobOptions{JobID: "fulfill:0xabc"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.JSONEq(t, `{"n":1}`, string(second.Data))
	assert.Equal(t, 3, second.MaxAttempts)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Waiting)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.ID))

	// Completed jobs are dropped, so the ID can be reused.
	_, err = q.Add(ctx, "fulfill", nil, domain.JobOptions{JobID: "fulfill:0xabc"})
	require.NoError(t, err)
	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Waiting)
}

func TestMemoryDelayedJobsPromoteWhenDue(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewMemory(domain.JobOptions{})
	q.SetClock(clock.Now)

	_, err := q.Add(ctx, "check", nil, domain.JobOptions{Delay: 30 * time.Second})
	require.NoError(t, err)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	clock.Advance(30 * time.Second)
	job, err = q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "check", job.Name)
}

func TestMemorySaveAndRetryPersistData(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(domain.JobOptions{})

	_, err := q.Add(ctx, "check", []byte(`{}`), domain.JobOptions{})
	require.NoError(t, err)
	job, err := q.Reserve(ctx)
	require.NoError(t, err)

	job.Data = []byte(`{"pollCount":1}`)
	require.NoError(t, q.Save(ctx, *job))

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pollCount":1}`, string(stored.Data))
}

func TestMemoryLapsedLeaseReturnsJobToWaiting(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewMemory(domain.JobOptions{Attempts: 3})
	q.SetClock(clock.Now)
	q.SetLease(30 * time.Second)

	_, err := q.Add(ctx, "check_lifi_status", []byte(`{}`), domain.JobOptions{JobID: "watch-1"})
	require.NoError(t, err)
	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	clock.Advance(20 * time.Second)
	require.NoError(t, q.Extend(ctx, job.ID))
	clock.Advance(20 * time.Second)
	again, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Nil(t, again, "an extended lease is still held")

	// The worker died: no more extensions.
	clock.Advance(11 * time.Second)
	again, err = q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "watch-1", again.ID)
	assert.Zero(t, again.AttemptsMade)

	require.NoError(t, q.Complete(ctx, again.ID))
	require.NoError(t, q.Extend(ctx, again.ID))
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Active, "extending a settled job does not revive it")
	assert.Zero(t, counts.Waiting)
}

func TestMemoryWithoutLeaseKeepsReservations(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewMemory(domain.JobOptions{})
	q.SetClock(clock.Now)

	_, err := q.Add(ctx, "check", nil, domain.JobOptions{})
	require.NoError(t, err)
	_, err = q.Reserve(ctx)
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestMemorySchedulerFiresEachInterval(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewMemory(domain.JobOptions{})
	q.SetClock(clock.Now)

	spec := domain.JobSpec{Name: "check_balances", Data: []byte(`{"wallet":"0x1"}`), GroupKey: "0x1"}
	require.NoError(t, q.UpsertScheduler(ctx, "check_balances:0x1", time.Minute, spec))
	// Upserting again does not reset the schedule or add a second one.
	require.NoError(t, q.UpsertScheduler(ctx, "check_balances:0x1", time.Minute, spec))

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "check_balances", job.Name)
	assert.Equal(t, "0x1", job.GroupKey)
	require.NoError(t, q.Complete(ctx, job.ID))

	job, err = q.Reserve(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	clock.Advance(time.Minute)
	job, err = q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.RemoveScheduler(ctx, "check_balances:0x1"))
	clock.Advance(time.Hour)
	next, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestMemoryAddBulk(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(domain.JobOptions{})

	jobs, err := q.AddBulk(ctx, []domain.JobSpec{
		{Name: "rebalance", JobID: "g1", GroupKey: "w"},
		{Name: "rebalance", JobID: "g2", GroupKey: "w"},
		{Name: "rebalance", JobID: "g1", GroupKey: "w"},
	}, domain.JobOptions{Attempts: 2})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "g1", jobs[2].ID)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Waiting)
}

func TestBackoffAfter(t *testing.T) {
	exp := domain.Backoff{Type: domain.BackoffExponential, Delay: 10 * time.Second}
	assert.Equal(t, 10*time.Second, exp.After(1))
	assert.Equal(t, 20*time.Second, exp.After(2))
	assert.Equal(t, 40*time.Second, exp.After(3))

	fixed := domain.Backoff{Type: domain.BackoffFixed, Delay: 5 * time.Second}
	assert.Equal(t, 5*time.Second, fixed.After(4))
	assert.Zero(t, domain.Backoff{}.After(1))
}
