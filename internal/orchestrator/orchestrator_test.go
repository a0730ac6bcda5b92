package orchestrator_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rebalancer/internal/analytics"
	"github.com/alanyoungcy/rebalancer/internal/decimals"
	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/orchestrator"
	"github.com/alanyoungcy/rebalancer/internal/provider"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	wallet  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func tok(chain int64, addr string) domain.TokenPosition {
	return domain.TokenPosition{ChainID: chain, Address: common.HexToAddress(addr), Decimals: 6, Symbol: addr}
}

func e18(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), decimals.Pow10(18)) }
func e6(n int64) *big.Int  { return new(big.Int).Mul(big.NewInt(n), decimals.Pow10(6)) }

var (
	deficitTok = tok(10, "0xd0")
	sameA      = tok(10, "0xa0")
	crossB     = tok(8453, "0xb0")
	crossC     = tok(137, "0xc0")
)

func deficit(current int64) domain.TokenAnalysis {
	return domain.TokenAnalysis{
		Position: deficitTok,
		State:    domain.TokenDeficit,
		Current:  e18(current),
		Target:   e18(110),
		Diff:     e18(current - 110),
		Band:     domain.Band{Min: e18(100), Max: e18(120)},
	}
}

func surplus(p domain.TokenPosition, diff int64) domain.TokenAnalysis {
	return domain.TokenAnalysis{Position: p, State: domain.TokenSurplus, Current: e18(diff + 100), Target: e18(100), Diff: e18(diff)}
}

type fakeProvider struct {
	strategy domain.Strategy
	rate     float64
	allow    func(in, out domain.TokenPosition) bool
	err      error

	mu    sync.Mutex
	calls []string
}

func (f *fakeProvider) Strategy() domain.Strategy { return f.strategy }

func (f *fakeProvider) Quote(_ context.Context, in, out domain.TokenPosition, amountIn *big.Int, id string) ([]domain.Quote, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in.Symbol+">"+out.Symbol)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.allow != nil && !f.allow(in, out) {
		return nil, domain.ErrRouteUnavailable
	}
	amountOut := decimals.MulFraction(decimals.Convert(amountIn, in.Decimals, out.Decimals), f.rate)
	return []domain.Quote{{
		ID: id, TokenIn: in, TokenOut: out, AmountIn: amountIn, AmountOut: amountOut,
		Slippage: provider.Slippage(in, amountIn, out, amountOut), Strategy: f.strategy,
	}}, nil
}

func (f *fakeProvider) Execute(context.Context, common.Address, domain.Quote) (string, error) {
	return "", nil
}

func (f *fakeProvider) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type counter struct {
	mu   sync.Mutex
	seen map[string]int
}

func (c *counter) QuoteObserved(s domain.Strategy, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = map[string]int{}
	}
	c.seen[string(s)+"/"+result]++
}

type balances struct{}

func (balances) Positions(_ context.Context, _ common.Address, tokens []domain.TokenConfig) ([]domain.TokenPosition, error) {
	out := make([]domain.TokenPosition, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, domain.TokenPosition{ChainID: t.ChainID, Address: t.Address, Decimals: t.Decimals, Symbol: t.Symbol, Balance: new(big.Int)})
	}
	return out, nil
}

type sink struct {
	mu    sync.Mutex
	names []string
}

func (s *sink) Track(e analytics.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, e.Name)
}

func newOrchestrator(cfg orchestrator.Config, rec orchestrator.QuoteRecorder, events analytics.Sink, providers ...provider.Provider) *orchestrator.Orchestrator {
	reg := provider.NewRegistry()
	for _, p := range providers {
		reg.Register(p)
	}
	if cfg.MaxQuoteSlippage == 0 {
		cfg.MaxQuoteSlippage = 0.05
	}
	return orchestrator.New(cfg, reg, balances{}, rec, events, discard)
}

func TestRebalancingQuotesMovesRemainingOnly(t *testing.T) {
	core := domain.TokenConfig{ChainID: 10, Address: common.HexToAddress("0xc1"), Decimals: 6, Symbol: "0xc1"}
	p := &fakeProvider{strategy: "A", rate: 1}
	o := newOrchestrator(orchestrator.Config{CoreTokens: []domain.TokenConfig{core}}, nil, nil, p)

	quotes := o.RebalancingQuotes(context.Background(), wallet, deficit(0),
		[]domain.TokenAnalysis{surplus(sameA, 60), surplus(crossB, 80), surplus(crossC, 500)}, nil)

	require.Len(t, quotes, 2)
	assert.Equal(t, e6(60), quotes[0].AmountIn)
	assert.Equal(t, e6(40), quotes[1].AmountIn, "only the remainder up to the band minimum is moved")
	assert.Equal(t, []string{"0xa0>0xd0", "0xb0>0xd0"}, p.Calls(), "the third candidate is never quoted")
	for _, call := range p.Calls() {
		assert.NotContains(t, call, core.Symbol, "direct routes never search core tokens")
	}
}

// planProvider returns a fixed multi-hop plan for every request.
type planProvider struct {
	strategy domain.Strategy
	plan     func(in, out domain.TokenPosition, amountIn *big.Int) []domain.Quote
}

func (p *planProvider) Strategy() domain.Strategy { return p.strategy }
func (p *planProvider) Quote(_ context.Context, in, out domain.TokenPosition, amountIn *big.Int, _ string) ([]domain.Quote, error) {
	return p.plan(in, out, amountIn), nil
}
func (p *planProvider) Execute(context.Context, common.Address, domain.Quote) (string, error) {
	return "", nil
}

func TestRebalancingQuotesKeepsWholePlan(t *testing.T) {
	other := tok(10, "0xe0")
	p := &planProvider{strategy: "multi", plan: func(in, out domain.TokenPosition, amountIn *big.Int) []domain.Quote {
		return []domain.Quote{
			{TokenIn: in, TokenOut: out, AmountIn: amountIn, AmountOut: amountIn, Strategy: "multi"},
			{TokenIn: out, TokenOut: other, AmountIn: e6(1), AmountOut: e6(1), Strategy: "multi"},
		}
	}}
	o := newOrchestrator(orchestrator.Config{}, nil, nil, p)

	quotes := o.RebalancingQuotes(context.Background(), wallet, deficit(0),
		[]domain.TokenAnalysis{surplus(sameA, 500), surplus(crossB, 500)}, nil)

	require.Len(t, quotes, 2, "the first hop covers the deficit but the plan is not cut")
	assert.Equal(t, deficitTok, quotes[0].TokenOut)
	assert.Equal(t, other, quotes[1].TokenOut)
	assert.Equal(t, sameA, quotes[0].TokenIn, "no further candidate is quoted once covered")
}

func TestBestQuoteRejectsGainWithReportedLoss(t *testing.T) {
	rec := &counter{}
	odd := &planProvider{strategy: "odd", plan: func(in, out domain.TokenPosition, amountIn *big.Int) []domain.Quote {
		return []domain.Quote{{
			TokenIn: in, TokenOut: out, AmountIn: amountIn,
			AmountOut: decimals.MulFraction(amountIn, 1.002), Slippage: 0.01, Strategy: "odd",
		}}
	}}
	fair := &fakeProvider{strategy: "fair", rate: 0.99}
	o := newOrchestrator(orchestrator.Config{}, rec, nil, odd, fair)

	plan, err := o.BestQuote(context.Background(), wallet, sameA, deficitTok, e6(100))
	require.NoError(t, err)
	assert.Equal(t, domain.Strategy("fair"), plan[0].Strategy)
	assert.Equal(t, 1, rec.seen["odd/rejected"])
}

func TestRebalancingQuotesHonoursStartBalanceAndMinTrade(t *testing.T) {
	p := &fakeProvider{strategy: "A", rate: 1}
	o := newOrchestrator(orchestrator.Config{MinTrade: e18(5)}, nil, nil, p)

	quotes := o.RebalancingQuotes(context.Background(), wallet, deficit(0),
		[]domain.TokenAnalysis{surplus(sameA, 3), surplus(crossB, 80)}, e18(90))

	require.Len(t, quotes, 1)
	assert.Equal(t, e6(10), quotes[0].AmountIn)
	assert.Equal(t, []string{"0xb0>0xd0"}, p.Calls())
}

func TestBestQuotePicksHighestOutputWithinSlippage(t *testing.T) {
	rec := &counter{}
	cheap := &fakeProvider{strategy: "cheap", rate: 0.97}
	best := &fakeProvider{strategy: "best", rate: 0.99}
	greedy := &fakeProvider{strategy: "greedy", rate: 0.5}
	broken := &fakeProvider{strategy: "broken", err: fmt.Errorf("http 500")}
	events := &sink{}
	o := newOrchestrator(orchestrator.Config{MaxQuoteSlippage: 0.05}, rec, events, cheap, best, greedy, broken)

	plan, err := o.BestQuote(context.Background(), wallet, sameA, deficitTok, e6(100))
	require.NoError(t, err)
	assert.Equal(t, domain.Strategy("best"), plan[0].Strategy)

	assert.Equal(t, 1, rec.seen["cheap/ok"])
	assert.Equal(t, 1, rec.seen["best/ok"])
	assert.Equal(t, 1, rec.seen["greedy/rejected"])
	assert.Equal(t, 1, rec.seen["broken/error"])
	assert.Equal(t, []string{analytics.EventStrategyQuoteError}, events.names)
}

func TestFallbackUsesFirstWorkingCoreToken(t *testing.T) {
	core1 := domain.TokenConfig{ChainID: 10, Address: common.HexToAddress("0xc1"), Decimals: 6, Symbol: "0xc1"}
	core2 := domain.TokenConfig{ChainID: 10, Address: common.HexToAddress("0xc2"), Decimals: 6, Symbol: "0xc2"}
	core3 := domain.TokenConfig{ChainID: 10, Address: common.HexToAddress("0xc3"), Decimals: 6, Symbol: "0xc3"}

	p := &fakeProvider{strategy: "A", rate: 0.99, allow: func(in, out domain.TokenPosition) bool {
		switch in.Symbol + ">" + out.Symbol {
		case "0xa0>0xc2", "0xc2>0xd0", "0xa0>0xc3", "0xc3>0xd0":
			return true
		}
		return false
	}}
	events := &sink{}
	o := newOrchestrator(orchestrator.Config{CoreTokens: []domain.TokenConfig{core1, core2, core3}}, nil, events, p)

	quotes := o.RebalancingQuotes(context.Background(), wallet, deficit(0), []domain.TokenAnalysis{surplus(sameA, 50)}, nil)

	require.Len(t, quotes, 2)
	assert.Equal(t, "0xc2", quotes[0].TokenOut.Symbol)
	assert.Equal(t, quotes[0].AmountOut, quotes[1].AmountIn, "second hop spends what the first guarantees")
	assert.Equal(t, []string{"0xa0>0xd0", "0xa0>0xc1", "0xa0>0xc2", "0xc2>0xd0"}, p.Calls())
	assert.Equal(t, []string{analytics.EventQuoteRouteError}, events.names)
}

func TestNoRouteYieldsEmptyList(t *testing.T) {
	p := &fakeProvider{strategy: "A", allow: func(domain.TokenPosition, domain.TokenPosition) bool { return false }}
	events := &sink{}
	o := newOrchestrator(orchestrator.Config{}, nil, events, p)

	quotes := o.RebalancingQuotes(context.Background(), wallet, deficit(0), []domain.TokenAnalysis{surplus(sameA, 50)}, nil)
	assert.Empty(t, quotes)
	assert.Equal(t, []string{analytics.EventQuoteRouteError, analytics.EventFallbackRouteError}, events.names)
}

func TestOptimizedPrefersSameChain(t *testing.T) {
	p := &fakeProvider{strategy: "A", rate: 1}
	o := newOrchestrator(orchestrator.Config{}, nil, nil, p)

	quotes := o.Optimized(context.Background(), wallet, deficit(20),
		[]domain.TokenAnalysis{surplus(crossB, 200), surplus(sameA, 100)})
	require.Len(t, quotes, 1)
	assert.Equal(t, sameA, quotes[0].TokenIn)
	assert.Equal(t, e6(80), quotes[0].AmountIn)

	p = &fakeProvider{strategy: "A", rate: 1}
	o = newOrchestrator(orchestrator.Config{}, nil, nil, p)
	quotes = o.Optimized(context.Background(), wallet, deficit(20),
		[]domain.TokenAnalysis{surplus(crossB, 200), surplus(sameA, 30)})
	require.Len(t, quotes, 2)
	assert.Equal(t, crossB, quotes[1].TokenIn)
	assert.Equal(t, e6(50), quotes[1].AmountIn, "cross-chain covers only what same-chain left")
}

func TestExpectedEffects(t *testing.T) {
	s := []domain.TokenAnalysis{surplus(sameA, 60)}
	q := domain.Quote{TokenIn: sameA, TokenOut: deficitTok, AmountIn: e6(40), AmountOut: e6(39)}

	after, d := orchestrator.ExpectedEffects(s, deficit(0), []domain.Quote{q})
	assert.Equal(t, e18(20), after[0].Diff)
	assert.Equal(t, e18(60), s[0].Diff, "input is not mutated")
	assert.Equal(t, e18(39), d.Current)
}
