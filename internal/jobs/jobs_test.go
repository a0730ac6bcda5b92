package jobs_test

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/alanyoungcy/rebalancer/internal/jobs"
	"github.com/alanyoungcy/rebalancer/internal/provider/cctp"
	"github.com/alanyoungcy/rebalancer/internal/provider/negintent"
	"github.com/alanyoungcy/rebalancer/internal/queue"
	"github.com/alanyoungcy/rebalancer/internal/service"
	"github.com/alanyoungcy/rebalancer/internal/store/memstore"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	wallet  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	usdcOP  = common.HexToAddress("0x0b2c639c533813f4aa9d7837caf62653d097ff85")
	usdtOP  = common.HexToAddress("0x94b008aa00579c1307b0ef2c499ad98a8ce58e58")
)

// reserve enqueues data under name and hands back the reserved job.
func reserve(t *testing.T, q *queue.Memory, name string, data any, opts domain.JobOptions) *queue.Handle {
	t.Helper()
	ctx := context.Background()
	_, err := queue.Enqueue(ctx, q, name, data, opts)
	require.NoError(t, err)
	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	return queue.NewHandle(*job, q)
}

func pending(t *testing.T, store *memstore.RebalanceStore, id string) {
	t.Helper()
	q := domain.Quote{
		TokenIn:     domain.TokenPosition{ChainID: 10, Address: usdcOP, Decimals: 6},
		TokenOut:    domain.TokenPosition{ChainID: 8453, Address: usdcOP, Decimals: 6},
		AmountIn:    big.NewInt(1_000_000),
		AmountOut:   big.NewInt(1_000_000),
		Strategy:    domain.StrategyCCTP,
		GroupID:     "group-1",
		RebalanceID: id,
	}
	require.NoError(t, store.Create(context.Background(), domain.RebalanceFromQuote(wallet, q)))
}

func status(t *testing.T, store *memstore.RebalanceStore, id string) domain.RebalanceStatus {
	t.Helper()
	r, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return r.Status
}

type fakeRebalancer struct {
	mu    sync.Mutex
	calls []common.Address
	err   error
}

func (f *fakeRebalancer) Rebalance(_ context.Context, w common.Address) ([]domain.RebalanceRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, w)
	return []domain.RebalanceRequest{{}, {}}, f.err
}

type fakeLocks struct {
	held     map[string]bool
	released int
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		delete(l.held, key)
		l.released++
	}, nil
}

func TestCheckBalancesRunsCycleUnderLock(t *testing.T) {
	q := queue.NewMemory(domain.JobOptions{})
	svc := &fakeRebalancer{}
	locks := &fakeLocks{held: map[string]bool{}}
	m := jobs.NewCheckBalancesManager(svc, locks, time.Minute, discard)

	h := reserve(t, q, domain.JobCheckBalances, jobs.CheckBalancesJob{Wallet: wallet}, domain.JobOptions{})
	assert.True(t, m.Is(h.Job()))
	res, err := m.Process(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, 2, res)
	assert.Equal(t, []common.Address{wallet}, svc.calls)
	assert.Equal(t, 1, locks.released)
	assert.Empty(t, locks.held)
}

func TestCheckBalancesSkipsWhenCycleLockHeld(t *testing.T) {
	q := queue.NewMemory(domain.JobOptions{})
	svc := &fakeRebalancer{}
	locks := &fakeLocks{held: map[string]bool{jobs.CycleLockKey(wallet): true}}
	m := jobs.NewCheckBalancesManager(svc, locks, time.Minute, discard)

	h := reserve(t, q, domain.JobCheckBalances, jobs.CheckBalancesJob{Wallet: wallet}, domain.JobOptions{})
	res, err := m.Process(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, 0, res)
	assert.Empty(t, svc.calls)
}

func TestCheckBalancesPropagatesCycleErrors(t *testing.T) {
	q := queue.NewMemory(domain.JobOptions{})
	svc := &fakeRebalancer{err: errors.New("rpc down")}
	m := jobs.NewCheckBalancesManager(svc, nil, 0, discard)

	h := reserve(t, q, domain.JobCheckBalances, jobs.CheckBalancesJob{Wallet: wallet}, domain.JobOptions{})
	_, err := m.Process(context.Background(), h)
	require.Error(t, err)
	assert.False(t, queue.IsUnrecoverable(err))
}

func TestScheduleCheckBalancesInstallsOneSchedulerPerWallet(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(domain.JobOptions{})
	other := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	require.NoError(t, jobs.ScheduleCheckBalances(ctx, q, []common.Address{wallet, other}, time.Minute))
	require.NoError(t, jobs.ScheduleCheckBalances(ctx, q, []common.Address{wallet, other}, time.Minute))

	seen := map[common.Address]bool{}
	for {
		job, err := q.Reserve(ctx)
		require.NoError(t, err)
		if job == nil {
			break
		}
		assert.Equal(t, domain.JobCheckBalances, job.Name)
		var data jobs.CheckBalancesJob
		require.NoError(t, queue.NewHandle(*job, q).Decode(&data))
		assert.False(t, seen[data.Wallet], "duplicate cycle for %s", data.Wallet.Hex())
		seen[data.Wallet] = true
	}
	assert.Len(t, seen, 2)
}

type fakeExecutor struct{ err error }

func (f fakeExecutor) ExecuteRebalancing(context.Context, common.Address, []domain.Quote, bool) error {
	return f.err
}

// flakyExecutor fails its first calls, then succeeds.
type flakyExecutor struct {
	errs   []error
	finals []bool
}

func (f *flakyExecutor) ExecuteRebalancing(_ context.Context, _ common.Address, _ []domain.Quote, final bool) error {
	f.finals = append(f.finals, final)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func TestRebalanceManagerFailuresAreUnrecoverable(t *testing.T) {
	q := queue.NewMemory(domain.JobOptions{})
	notifier := &fakeNotifier{}
	m := jobs.NewRebalanceManager(fakeExecutor{err: errors.New("boom")}, notifier, discard)

	job := service.RebalanceJob{Wallet: wallet, Request: domain.RebalanceRequest{Quotes: []domain.Quote{{}}}}
	h := reserve(t, q, domain.JobRebalance, job, domain.JobOptions{JobID: "group-1"})
	_, err := m.Process(context.Background(), h)
	require.Error(t, err)
	assert.True(t, queue.IsUnrecoverable(err))

	m.OnFailed(context.Background(), h, err)
	assert.Equal(t, []string{"rebalance_failed"}, notifier.events)
}

func TestRebalanceManagerRetriesExternalAPIErrorBeforeAnythingSent(t *testing.T) {
	ctx := context.Background()
	clock := time.Unix(1_700_000_000, 0)
	q := queue.NewMemory(domain.JobOptions{})
	q.SetClock(func() time.Time { return clock })
	notifier := &fakeNotifier{}
	apiErr := &service.ExecutionError{RebalanceID: "r-1", Strategy: domain.StrategyLiFi, Err: fmt.Errorf("lifi: quote: %w", domain.ErrExternalAPI)}
	exec := &flakyExecutor{errs: []error{apiErr}}
	m := jobs.NewRebalanceManager(exec, notifier, discard)
	w := queue.NewWorker(queue.WorkerConfig{}, q, queue.NewAdmission(queue.AdmissionConfig{}), discard, m)
	w.SetClock(func() time.Time { return clock })

	job := service.RebalanceJob{Wallet: wallet, Request: domain.RebalanceRequest{Quotes: []domain.Quote{{}}}}
	_, err := queue.Enqueue(ctx, q, domain.JobRebalance, job, domain.JobOptions{
		JobID: "group-1", Attempts: 3, Backoff: domain.Backoff{Type: domain.BackoffFixed, Delay: time.Second},
	})
	require.NoError(t, err)

	for range 3 {
		_, err := w.RunOnce(ctx)
		require.NoError(t, err)
		clock = clock.Add(time.Minute)
	}

	assert.Equal(t, []bool{false, false}, exec.finals, "retried once, then succeeded")
	assert.Empty(t, notifier.events)
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Failed)
	assert.Zero(t, counts.Delayed)

	sent := &service.ExecutionError{Index: 1, Err: fmt.Errorf("lifi: %w", domain.ErrExternalAPI)}
	h := reserve(t, q, domain.JobRebalance, job, domain.JobOptions{Attempts: 3})
	_, err = jobs.NewRebalanceManager(fakeExecutor{err: sent}, nil, discard).Process(ctx, h)
	assert.True(t, queue.IsUnrecoverable(err), "a later quote failing cannot replay the earlier ones")
}

func TestRebalanceManagerReturnsQuoteCount(t *testing.T) {
	q := queue.NewMemory(domain.JobOptions{})
	m := jobs.NewRebalanceManager(fakeExecutor{}, nil, discard)

	job := service.RebalanceJob{Wallet: wallet, Request: domain.RebalanceRequest{Quotes: []domain.Quote{{}, {}, {}}}}
	h := reserve(t, q, domain.JobRebalance, job, domain.JobOptions{})
	res, err := m.Process(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, 3, res)
}

type fakeMinter struct {
	err   error
	calls int
}

func (f *fakeMinter) ReceiveMessage(_ context.Context, _ common.Address, _ int64, _, _ []byte) (common.Hash, error) {
	f.calls++
	if f.err != nil {
		return common.Hash{}, f.err
	}
	return common.HexToHash("0x01"), nil
}

func mintJob(swap *domain.Quote) cctp.MintJob {
	return cctp.MintJob{
		RebalanceID:        "r-1",
		GroupID:            "group-1",
		Wallet:             wallet,
		DestinationChainID: 8453,
		MessageHash:        "0xabc",
		Message:            []byte{1, 2, 3},
		Attestation:        []byte{4, 5, 6},
		DestinationSwap:    swap,
	}
}

func TestCCTPMintCompletesRebalanceWithoutDestinationSwap(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(domain.JobOptions{})
	store := memstore.NewRebalanceStore()
	pending(t, store, "r-1")
	minter := &fakeMinter{}
	m := jobs.NewCCTPMintManager(minter, q, store, discard)

	h := reserve(t, q, domain.JobCCTPMint, mintJob(nil), domain.JobOptions{})
	res, err := m.Process(ctx, h)
	require.NoError(t, err)
	m.OnComplete(ctx, h, res)

	assert.Equal(t, 1, minter.calls)
	assert.Equal(t, domain.RebalanceCompleted, status(t, store, "r-1"))
}

func TestCCTPMintEnqueuesDestinationSwap(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(domain.JobOptions{})
	store := memstore.NewRebalanceStore()
	pending(t, store, "r-1")
	m := jobs.NewCCTPMintManager(&fakeMinter{}, q, store, discard)

	swap := &domain.Quote{
		TokenIn:   domain.TokenPosition{ChainID: 8453, Address: usdcOP, Decimals: 6},
		TokenOut:  domain.TokenPosition{ChainID: 8453, Address: usdtOP, Decimals: 6},
		AmountIn:  big.NewInt(1_000_000),
		AmountOut: big.NewInt(999_000),
		Strategy:  domain.StrategyLiFi,
	}
	h := reserve(t, q, domain.JobCCTPMint, mintJob(swap), domain.JobOptions{})
	res, err := m.Process(ctx, h)
	require.NoError(t, err)
	m.OnComplete(ctx, h, res)
	require.NoError(t, q.Complete(ctx, h.ID()))

	assert.Equal(t, domain.RebalancePending, status(t, store, "r-1"))
	job, err := q.Get(ctx, "destination_swap:0xabc")
	require.NoError(t, err)
	assert.Equal(t, domain.JobDestinationSwap, job.Name)
	assert.Equal(t, jobs.DestinationSwapAttempts, job.MaxAttempts)
	assert.Equal(t, domain.BackoffExponential, job.Backoff.Type)
	assert.Equal(t, jobs.DestinationSwapBackoff, job.Backoff.Delay)

	var data jobs.DestinationSwapJob
	require.NoError(t, queue.NewHandle(job, q).Decode(&data))
	assert.Equal(t, "r-1", data.RebalanceID)
	assert.Equal(t, "r-1", data.Quote.RebalanceID)
	assert.Equal(t, "group-1", data.Quote.GroupID)
	assert.Equal(t, usdtOP, data.Quote.TokenOut.Address)
}

func TestCCTPMintFailureMarksRebalanceFailed(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(domain.JobOptions{})
	store := memstore.NewRebalanceStore()
	pending(t, store, "r-1")
	m := jobs.NewCCTPMintManager(&fakeMinter{err: errors.New("reverted")}, q, store, discard)

	h := reserve(t, q, domain.JobCCTPMint, mintJob(nil), domain.JobOptions{})
	_, err := m.Process(ctx, h)
	require.Error(t, err)
	assert.False(t, queue.IsUnrecoverable(err))
	m.OnFailed(ctx, h, err)
	assert.Equal(t, domain.RebalanceFailed, status(t, store, "r-1"))
}

type fakeSwapper struct {
	errs  []error
	calls int
}

func (f *fakeSwapper) Execute(context.Context, common.Address, domain.Quote) (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) {
		return "", f.errs[i]
	}
	return "0xswap", nil
}

func swapJob() jobs.DestinationSwapJob {
	return jobs.DestinationSwapJob{
		RebalanceID: "r-1",
		Wallet:      wallet,
		MessageHash: "0xabc",
		Quote: domain.Quote{
			TokenIn:   domain.TokenPosition{ChainID: 8453, Address: usdcOP, Decimals: 6},
			TokenOut:  domain.TokenPosition{ChainID: 8453, Address: usdtOP, Decimals: 6},
			AmountIn:  big.NewInt(1_000_000),
			AmountOut: big.NewInt(999_000),
			Strategy:  domain.StrategyLiFi,
		},
	}
}

func TestDestinationSwapCompletesRebalance(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(domain.JobOptions{})
	store := memstore.NewRebalanceStore()
	pending(t, store, "r-1")
	m := jobs.NewDestinationSwapManager(&fakeSwapper{}, store, nil, discard)

	h := reserve(t, q, domain.JobDestinationSwap, swapJob(), domain.JobOptions{})
	res, err := m.Process(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "0xswap", res)
	m.OnComplete(ctx, h, res)
	assert.Equal(t, domain.RebalanceCompleted, status(t, store, "r-1"))
}

func TestDestinationSwapRetriesThenAlertsStrandedFunds(t *testing.T) {
	ctx := context.Background()
	clock := time.Unix(1_700_000_000, 0)
	q := queue.NewMemory(domain.JobOptions{})
	q.SetClock(func() time.Time { return clock })
	store := memstore.NewRebalanceStore()
	pending(t, store, "r-1")
	notifier := &fakeNotifier{}
	fail := errors.New("no liquidity")
	swapper := &fakeSwapper{errs: []error{fail, fail, fail}}
	m := jobs.NewDestinationSwapManager(swapper, store, notifier, discard)

	w := queue.NewWorker(queue.WorkerConfig{}, q, queue.NewAdmission(queue.AdmissionConfig{}), discard, m)
	w.SetClock(func() time.Time { return clock })
	_, err := queue.Enqueue(ctx, q, domain.JobDestinationSwap, swapJob(), domain.JobOptions{
		Attempts: jobs.DestinationSwapAttempts,
		Backoff:  domain.Backoff{Type: domain.BackoffExponential, Delay: jobs.DestinationSwapBackoff},
	})
	require.NoError(t, err)

	for range 10 {
		_, err := w.RunOnce(ctx)
		require.NoError(t, err)
		clock = clock.Add(time.Minute)
	}

	assert.Equal(t, 3, swapper.calls)
	assert.Equal(t, []string{"stranded_funds"}, notifier.events)
	assert.Equal(t, domain.RebalanceFailed, status(t, store, "r-1"))
}

type fakeSolver struct {
	// store, when set, sees fulfilled intents move to FULFILLED.
	store     *memstore.IntentStore
	err       error
	fulfilled []common.Hash
	withdrawn []common.Hash
}

func (s *fakeSolver) Fulfill(ctx context.Context, _ common.Address, in domain.Intent) (common.Hash, error) {
	if s.err != nil {
		return common.Hash{}, s.err
	}
	s.fulfilled = append(s.fulfilled, in.Hash)
	if s.store != nil {
		if err := s.store.UpdateStatus(ctx, in.Hash, domain.IntentFulfilled); err != nil {
			return common.Hash{}, err
		}
	}
	return common.HexToHash("0xf1"), nil
}

func (s *fakeSolver) Withdraw(_ context.Context, _ common.Address, in domain.Intent) (common.Hash, error) {
	s.withdrawn = append(s.withdrawn, in.Hash)
	return common.HexToHash("0xf2"), nil
}

func storedIntent(t *testing.T, store *memstore.IntentStore, hash string, st domain.IntentStatus) common.Hash {
	t.Helper()
	h := common.HexToHash(hash)
	require.NoError(t, store.Upsert(context.Background(), domain.Intent{
		Hash:          h,
		SourceChainID: 10, DestinationChainID: 8453,
		RouteToken: usdcOP, RouteAmount: big.NewInt(1),
		RewardToken: usdcOP, RewardAmount: big.NewInt(2),
		Negative: true,
		Status:   st,
	}))
	return h
}

func TestFulfillManager(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(domain.JobOptions{})
	intents := memstore.NewIntentStore()
	open := storedIntent(t, intents, "0x11", domain.IntentPending)
	done := storedIntent(t, intents, "0x22", domain.IntentFulfilled)
	solver := &fakeSolver{}
	m := jobs.NewFulfillManager(intents, memstore.NewRebalanceStore(), solver, discard)

	for _, hash := range []common.Hash{open, done, common.HexToHash("0x33")} {
		h := reserve(t, q, domain.JobFulfillNegativeIntent, negintent.FulfillJob{IntentHash: hash, Wallet: wallet}, domain.JobOptions{})
		_, err := m.Process(ctx, h)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, h.ID()))
	}
	assert.Equal(t, []common.Hash{open}, solver.fulfilled)
}

func TestFulfillManagerCompletesRebalanceAfterLastSibling(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(domain.JobOptions{})
	intents := memstore.NewIntentStore()
	a := storedIntent(t, intents, "0x11", domain.IntentPending)
	b := storedIntent(t, intents, "0x12", domain.IntentPending)
	store := memstore.NewRebalanceStore()
	pending(t, store, "r-1")
	m := jobs.NewFulfillManager(intents, store, &fakeSolver{store: intents}, discard)
	w := queue.NewWorker(queue.WorkerConfig{}, q, queue.NewAdmission(queue.AdmissionConfig{}), discard, m)

	for _, hash := range []common.Hash{a, b} {
		_, err := queue.Enqueue(ctx, q, domain.JobFulfillNegativeIntent, negintent.FulfillJob{
			IntentHash: hash, Wallet: wallet, RebalanceID: "r-1", Siblings: []common.Hash{a, b},
		}, domain.JobOptions{JobID: "fulfill:" + hash.Hex()})
		require.NoError(t, err)
	}

	ran, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, domain.RebalancePending, status(t, store, "r-1"), "one sibling is still open")

	ran, err = w.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, domain.RebalanceCompleted, status(t, store, "r-1"))
}

func TestFulfillManagerFailureMarksRebalanceFailed(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(domain.JobOptions{})
	intents := memstore.NewIntentStore()
	a := storedIntent(t, intents, "0x11", domain.IntentPending)
	store := memstore.NewRebalanceStore()
	pending(t, store, "r-1")
	m := jobs.NewFulfillManager(intents, store, &fakeSolver{err: errors.New("reverted")}, discard)
	w := queue.NewWorker(queue.WorkerConfig{}, q, queue.NewAdmission(queue.AdmissionConfig{}), discard, m)

	_, err := queue.Enqueue(ctx, q, domain.JobFulfillNegativeIntent, negintent.FulfillJob{
		IntentHash: a, Wallet: wallet, RebalanceID: "r-1", Siblings: []common.Hash{a},
	}, domain.JobOptions{Attempts: 1})
	require.NoError(t, err)

	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, domain.RebalanceFailed, status(t, store, "r-1"))
}

func TestWithdrawManager(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(domain.JobOptions{})
	intents := memstore.NewIntentStore()
	proven := storedIntent(t, intents, "0x11", domain.IntentProven)
	withdrawn := storedIntent(t, intents, "0x22", domain.IntentWithdrawn)
	solver := &fakeSolver{}
	m := jobs.NewWithdrawManager(intents, solver, discard)

	for _, hash := range []common.Hash{proven, withdrawn} {
		h := reserve(t, q, domain.JobWithdrawNegIntent, negintent.WithdrawJob{IntentHash: hash, Wallet: wallet}, domain.JobOptions{})
		_, err := m.Process(ctx, h)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, h.ID()))
	}
	assert.Equal(t, []common.Hash{proven}, solver.withdrawn)

	h := reserve(t, q, domain.JobWithdrawNegIntent, negintent.WithdrawJob{IntentHash: common.HexToHash("0x99"), Wallet: wallet}, domain.JobOptions{})
	_, err := m.Process(ctx, h)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.True(t, queue.IsUnrecoverable(err))
}
