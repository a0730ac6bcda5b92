package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rebalancer/internal/analyzer"
	"github.com/alanyoungcy/rebalancer/internal/decimals"
	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/provider"
	"github.com/alanyoungcy/rebalancer/internal/queue"
	"github.com/alanyoungcy/rebalancer/internal/service"
	"github.com/alanyoungcy/rebalancer/internal/store/memstore"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	wallet  = common.HexToAddress("0x00000000000000000000000000000000000000aa")

	tokA  = domain.TokenConfig{ChainID: 10, Address: common.HexToAddress("0xa0"), Decimals: 6, Symbol: "A", TargetBalance: 100}
	tokD1 = domain.TokenConfig{ChainID: 10, Address: common.HexToAddress("0xd1"), Decimals: 6, Symbol: "D1", TargetBalance: 100}
	tokD2 = domain.TokenConfig{ChainID: 8453, Address: common.HexToAddress("0xd2"), Decimals: 6, Symbol: "D2", TargetBalance: 100}
)

func e6(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), decimals.Pow10(6)) }

type balances map[common.Address]*big.Int

func (b balances) Positions(_ context.Context, _ common.Address, tokens []domain.TokenConfig) ([]domain.TokenPosition, error) {
	var out []domain.TokenPosition
	for _, t := range tokens {
		bal := b[t.Address]
		if bal == nil {
			bal = new(big.Int)
		}
		out = append(out, domain.TokenPosition{
			ChainID: t.ChainID, Address: t.Address, Decimals: t.Decimals, Symbol: t.Symbol,
			Balance:       new(big.Int).Set(bal),
			MinBalance:    decimals.FromFloat(t.MinBalance, t.Decimals),
			TargetBalance: decimals.FromFloat(t.TargetBalance, t.Decimals),
		})
	}
	return out, nil
}

// planner moves 80 tokens from the first surplus into each deficit and
// remembers the surplus it was offered.
type planner struct {
	offered []*big.Int
	extra   []domain.Quote
}

func (p *planner) Optimized(_ context.Context, _ common.Address, deficit domain.TokenAnalysis, surplus []domain.TokenAnalysis) []domain.Quote {
	p.offered = append(p.offered, new(big.Int).Set(surplus[0].Diff))
	q := domain.Quote{
		TokenIn: surplus[0].Position, TokenOut: deficit.Position,
		AmountIn: e6(80), AmountOut: e6(80), Strategy: "sync",
	}
	return append([]domain.Quote{q}, p.extra...)
}

type fakeProvider struct {
	strategy domain.Strategy
	async    bool
	err      error
	executed []string
}

func (f *fakeProvider) Strategy() domain.Strategy { return f.strategy }
func (f *fakeProvider) Quote(context.Context, domain.TokenPosition, domain.TokenPosition, *big.Int, string) ([]domain.Quote, error) {
	return nil, domain.ErrRouteUnavailable
}
func (f *fakeProvider) Execute(_ context.Context, _ common.Address, q domain.Quote) (string, error) {
	f.executed = append(f.executed, q.RebalanceID)
	if f.err != nil {
		return "", f.err
	}
	return "0xabc", nil
}
func (f *fakeProvider) SettlesAsync(domain.Quote) bool { return f.async }

type fixture struct {
	svc     *service.LiquidityService
	store   *memstore.RebalanceStore
	jobs    *queue.Memory
	planner *planner
	reg     *provider.Registry
}

func newFixture(bals balances, tokens ...domain.TokenConfig) *fixture {
	f := &fixture{
		store:   memstore.NewRebalanceStore(),
		jobs:    queue.NewMemory(domain.JobOptions{}),
		planner: &planner{},
		reg:     provider.NewRegistry(),
	}
	cfg := service.LiquidityConfig{
		Thresholds: analyzer.Thresholds{Surplus: 0.1, Deficit: 0.1},
		Tokens:     map[common.Address][]domain.TokenConfig{wallet: tokens},
	}
	f.svc = service.NewLiquidityService(cfg, bals, f.store, f.planner, f.reg, f.jobs, nil, nil, discard)
	return f
}

func TestAnalyzeTokensNetsOutPendingRebalances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(balances{tokA.Address: e6(150)}, tokA)

	res, err := f.svc.AnalyzeTokens(ctx, wallet)
	require.NoError(t, err)
	require.Len(t, res.Surplus, 1)

	posA, _ := balances{tokA.Address: e6(150)}.Positions(ctx, wallet, []domain.TokenConfig{tokA})
	require.NoError(t, f.store.Create(ctx, domain.Rebalance{
		ID: "r1", Wallet: wallet, TokenIn: posA[0], TokenOut: posA[0],
		AmountIn: e6(70), AmountOut: big.NewInt(0), Status: domain.RebalancePending,
	}))

	res, err = f.svc.AnalyzeTokens(ctx, wallet)
	require.NoError(t, err)
	require.Len(t, res.Deficit, 1, "150 - 70 reserved is below the band")

	_, err = f.svc.AnalyzeTokens(ctx, common.HexToAddress("0x01"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRebalanceStoresAndStartsRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(balances{tokA.Address: e6(300), tokD2.Address: e6(10)}, tokA, tokD1, tokD2)
	f.planner.extra = []domain.Quote{{AmountIn: big.NewInt(0), AmountOut: e6(1), Strategy: "sync"}}

	requests, err := f.svc.Rebalance(ctx, wallet)
	require.NoError(t, err)
	require.Len(t, requests, 2)

	require.Len(t, f.planner.offered, 2)
	assert.Equal(t, new(big.Int).Mul(big.NewInt(200), decimals.Pow10(18)), f.planner.offered[0])
	assert.Equal(t, new(big.Int).Mul(big.NewInt(120), decimals.Pow10(18)), f.planner.offered[1], "second deficit sees the surplus left by the first")

	first := requests[0]
	assert.Equal(t, tokD1.Address, first.Token.Position.Address, "largest shortfall first")
	require.Len(t, first.Quotes, 1, "zero-amount quote is not stored")
	q := first.Quotes[0]
	assert.NotEmpty(t, q.GroupID)
	assert.NotEmpty(t, q.RebalanceID)

	stored, err := f.store.Get(ctx, q.RebalanceID)
	require.NoError(t, err)
	assert.Equal(t, domain.RebalancePending, stored.Status)
	assert.Equal(t, q.GroupID, stored.GroupID)

	job, err := f.jobs.Get(ctx, q.GroupID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobRebalance, job.Name)
	var data service.RebalanceJob
	require.NoError(t, json.Unmarshal(job.Data, &data))
	assert.Equal(t, wallet, data.Wallet)
	assert.Equal(t, q.RebalanceID, data.Request.Quotes[0].RebalanceID)
}

func TestRebalanceWithoutDeficitDoesNothing(t *testing.T) {
	f := newFixture(balances{tokA.Address: e6(100)}, tokA)
	requests, err := f.svc.Rebalance(context.Background(), wallet)
	require.NoError(t, err)
	assert.Empty(t, requests)
	counts, _ := f.jobs.Counts(context.Background())
	assert.Zero(t, counts.Waiting)
}

func TestExecuteRebalancingStopsAtFirstError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(balances{}, tokA)
	syncP := &fakeProvider{strategy: "sync"}
	asyncP := &fakeProvider{strategy: "async", async: true}
	badP := &fakeProvider{strategy: "bad", err: errors.New("reverted")}
	f.reg.Register(syncP)
	f.reg.Register(asyncP)
	f.reg.Register(badP)

	pos, _ := balances{}.Positions(ctx, wallet, []domain.TokenConfig{tokA})
	mk := func(s domain.Strategy) domain.Quote {
		return domain.Quote{TokenIn: pos[0], TokenOut: pos[0], AmountIn: e6(1), AmountOut: e6(1), Strategy: s}
	}
	req, err := f.svc.StoreRebalancing(ctx, wallet, domain.RebalanceRequest{
		Quotes: []domain.Quote{mk("sync"), mk("async"), mk("bad"), mk("sync")},
	})
	require.NoError(t, err)
	require.Len(t, req.Quotes, 4)

	err = f.svc.ExecuteRebalancing(ctx, wallet, req.Quotes, false)
	require.Error(t, err)

	want := []domain.RebalanceStatus{domain.RebalanceCompleted, domain.RebalancePending, domain.RebalanceFailed, domain.RebalanceFailed}
	for i, q := range req.Quotes {
		r, err := f.store.Get(ctx, q.RebalanceID)
		require.NoError(t, err)
		assert.Equal(t, want[i], r.Status, "quote %d", i)
	}
	assert.Len(t, syncP.executed, 1, "quotes after the failure are not executed")
}

func TestExecuteRebalancingLeavesRetryableFailurePending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(balances{}, tokA)
	apiP := &fakeProvider{strategy: "api", err: fmt.Errorf("quote: %w", domain.ErrExternalAPI)}
	f.reg.Register(apiP)

	pos, _ := balances{}.Positions(ctx, wallet, []domain.TokenConfig{tokA})
	req, err := f.svc.StoreRebalancing(ctx, wallet, domain.RebalanceRequest{
		Quotes: []domain.Quote{{TokenIn: pos[0], TokenOut: pos[0], AmountIn: e6(1), AmountOut: e6(1), Strategy: "api"}},
	})
	require.NoError(t, err)
	id := req.Quotes[0].RebalanceID

	err = f.svc.ExecuteRebalancing(ctx, wallet, req.Quotes, false)
	var xe *service.ExecutionError
	require.ErrorAs(t, err, &xe)
	assert.True(t, xe.Retryable())
	assert.ErrorIs(t, err, domain.ErrExternalAPI)
	r, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RebalancePending, r.Status)

	err = f.svc.ExecuteRebalancing(ctx, wallet, req.Quotes, true)
	require.Error(t, err)
	r, err = f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RebalanceFailed, r.Status, "the final attempt settles the row")
}
