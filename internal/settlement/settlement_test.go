package settlement_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/queue"
	"github.com/alanyoungcy/rebalancer/internal/settlement"
	"github.com/alanyoungcy/rebalancer/internal/store/memstore"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func u64(v uint64) *uint64 { return &v }

func TestResolveFromBlock(t *testing.T) {
	from, changed := settlement.ResolveFromBlock(settlement.Checkpoint{}, 1000, 100)
	assert.Equal(t, uint64(900), from)
	assert.True(t, changed)

	from, changed = settlement.ResolveFromBlock(settlement.Checkpoint{}, 40, 100)
	assert.Equal(t, uint64(0), from)
	assert.True(t, changed)

	from, changed = settlement.ResolveFromBlock(settlement.Checkpoint{FromBlockNumber: u64(123)}, 5000, 100)
	assert.Equal(t, uint64(123), from)
	assert.False(t, changed)
}

func TestAdvance(t *testing.T) {
	cp := settlement.Checkpoint{PollCount: 1}

	next, out := settlement.Advance(cp, settlement.StatusSuccess, 3)
	assert.Equal(t, settlement.OutcomeComplete, out)
	assert.Equal(t, 1, next.PollCount)

	next, out = settlement.Advance(cp, settlement.StatusFailure, 3)
	assert.Equal(t, settlement.OutcomeDeliveryFailed, out)
	assert.Equal(t, 1, next.PollCount)

	next, out = settlement.Advance(cp, settlement.StatusPending, 3)
	assert.Equal(t, settlement.OutcomePending, out)
	assert.Equal(t, 2, next.PollCount)

	next, out = settlement.Advance(next, settlement.StatusPending, 3)
	assert.Equal(t, settlement.OutcomeExhausted, out)
	assert.Equal(t, 3, next.PollCount)
}

type scriptedSource struct {
	mu       sync.Mutex
	statuses []settlement.Status
	errs     []error
	froms    []uint64
}

func (s *scriptedSource) Check(_ context.Context, _ settlement.Delivery, fromBlock uint64) (settlement.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.froms)
	s.froms = append(s.froms, fromBlock)
	if i < len(s.errs) && s.errs[i] != nil {
		return settlement.Result{}, s.errs[i]
	}
	if i < len(s.statuses) {
		return settlement.Result{Status: s.statuses[i]}, nil
	}
	return settlement.Result{Status: settlement.StatusPending}, nil
}

type blockSeq struct {
	mu    sync.Mutex
	calls int
	next  uint64
}

func (b *blockSeq) BlockNumber(context.Context, int64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.next += 10
	return b.next, nil
}

type notifyRecorder struct{ events []string }

func (n *notifyRecorder) Notify(_ context.Context, event, _, _ string) error {
	n.events = append(n.events, event)
	return nil
}

type harness struct {
	q        *queue.Memory
	store    *memstore.RebalanceStore
	source   *scriptedSource
	blocks   *blockSeq
	notifier *notifyRecorder
	manager  *settlement.Manager
	worker   *queue.Worker
	clock    time.Time
}

func newHarness(t *testing.T, source *scriptedSource, maxAttempts int) *harness {
	t.Helper()
	h := &harness{
		q:        queue.NewMemory(domain.JobOptions{Attempts: 10}),
		store:    memstore.NewRebalanceStore(),
		source:   source,
		blocks:   &blockSeq{next: 1000},
		notifier: &notifyRecorder{},
		clock:    time.Unix(1_700_000_000, 0),
	}
	h.q.SetClock(func() time.Time { return h.clock })
	h.manager = settlement.NewManager(settlement.Config{
		Name:        "check_ccip_delivery",
		MaxAttempts: maxAttempts,
		Backoff:     domain.Backoff{Type: domain.BackoffFixed, Delay: 30 * time.Second},
		Lookback:    100,
	}, source, h.blocks, h.q, h.store, h.notifier, discard)
	h.worker = queue.NewWorker(queue.WorkerConfig{Name: "test"}, h.q, nil, discard, h.manager)
	h.worker.SetClock(func() time.Time { return h.clock })

	require.NoError(t, h.store.Create(context.Background(), domain.Rebalance{
		ID:        "rb-1",
		GroupID:   "g-1",
		Status:    domain.RebalancePending,
		AmountIn:  big.NewInt(1),
		AmountOut: big.NewInt(1),
	}))
	return h
}

func (h *harness) enqueue(t *testing.T, d settlement.Delivery) domain.Job {
	t.Helper()
	job, err := queue.Enqueue(context.Background(), h.q, "check_ccip_delivery", d, domain.JobOptions{})
	require.NoError(t, err)
	return job
}

// tick runs every job that is due, then moves the clock past the poll delay.
func (h *harness) tick(t *testing.T) {
	t.Helper()
	for {
		ran, err := h.worker.RunOnce(context.Background())
		require.NoError(t, err)
		if !ran {
			break
		}
	}
	h.clock = h.clock.Add(time.Minute)
}

func TestDeliveryCompletesAfterPendingPolls(t *testing.T) {
	ctx := context.Background()
	src := &scriptedSource{statuses: []settlement.Status{settlement.StatusPending, settlement.StatusPending, settlement.StatusSuccess}}
	h := newHarness(t, src, 3)
	job := h.enqueue(t, settlement.Delivery{RebalanceID: "rb-1", Ref: "0xmsg", DestinationChainID: 10})

	h.tick(t)
	stored, err := h.q.Get(ctx, job.ID)
	require.NoError(t, err)
	var d settlement.Delivery
	require.NoError(t, queue.NewHandle(stored, nil).Decode(&d))
	assert.Equal(t, 1, d.PollCount)
	require.NotNil(t, d.FromBlockNumber)
	assert.Equal(t, uint64(910), *d.FromBlockNumber)

	h.tick(t)
	stored, err = h.q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, queue.NewHandle(stored, nil).Decode(&d))
	assert.Equal(t, 2, d.PollCount)

	h.tick(t)
	_, err = h.q.Get(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "completed job is dropped")

	r, err := h.store.Get(ctx, "rb-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RebalanceCompleted, r.Status)

	// The block checkpoint was resolved once and reused on every poll.
	assert.Equal(t, 1, h.blocks.calls)
	assert.Equal(t, []uint64{910, 910, 910}, src.froms)
	assert.Empty(t, h.notifier.events)
}

func TestDeliveryExhaustsPollBudget(t *testing.T) {
	ctx := context.Background()
	src := &scriptedSource{}
	h := newHarness(t, src, 2)
	job := h.enqueue(t, settlement.Delivery{RebalanceID: "rb-1", Ref: "0xmsg", DestinationChainID: 10})

	h.tick(t)
	h.tick(t)
	h.tick(t)

	assert.Len(t, src.froms, 2)
	stored, err := h.q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.FailedReason, domain.ErrAttemptBudgetExhausted.Error())

	r, err := h.store.Get(ctx, "rb-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RebalanceFailed, r.Status)
	assert.Equal(t, []string{"rebalance_failed"}, h.notifier.events)
}

func TestDeliveryFailureIsUnrecoverable(t *testing.T) {
	ctx := context.Background()
	src := &scriptedSource{statuses: []settlement.Status{settlement.StatusFailure}}
	h := newHarness(t, src, 10)
	h.enqueue(t, settlement.Delivery{RebalanceID: "rb-1", Ref: "0xmsg"})

	h.tick(t)
	h.tick(t)

	assert.Len(t, src.froms, 1)
	r, err := h.store.Get(ctx, "rb-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RebalanceFailed, r.Status)
}

func TestTransientSourceErrorCountsAsPending(t *testing.T) {
	ctx := context.Background()
	src := &scriptedSource{
		errs:     []error{errors.New("rpc timeout")},
		statuses: []settlement.Status{"", settlement.StatusSuccess},
	}
	h := newHarness(t, src, 5)
	h.enqueue(t, settlement.Delivery{RebalanceID: "rb-1", Ref: "0xmsg"})

	h.tick(t)
	h.tick(t)

	assert.Len(t, src.froms, 2)
	r, err := h.store.Get(ctx, "rb-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RebalanceCompleted, r.Status)
}

func TestDeliveryEnqueuesNextLeg(t *testing.T) {
	ctx := context.Background()
	src := &scriptedSource{statuses: []settlement.Status{settlement.StatusSuccess}}
	h := newHarness(t, src, 5)

	next := &domain.JobSpec{Name: "cctp_mint", Data: []byte(`{"rebalanceId":"rb-1"}`), JobID: "mint:rb-1"}
	h.enqueue(t, settlement.Delivery{
		Checkpoint:  settlement.Checkpoint{FromBlockNumber: u64(42)},
		RebalanceID: "rb-1",
		Ref:         "0xhash",
		Wallet:      common.HexToAddress("0x01"),
		Next:        next,
	})

	h.tick(t)

	assert.Equal(t, 0, h.blocks.calls)
	assert.Equal(t, []uint64{42}, src.froms)

	mint, err := h.q.Get(ctx, "mint:rb-1")
	require.NoError(t, err)
	assert.Equal(t, "cctp_mint", mint.Name)

	r, err := h.store.Get(ctx, "rb-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RebalancePending, r.Status, "rebalance stays pending until the last leg")
}
