package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rebalancer/internal/analytics"
	"github.com/alanyoungcy/rebalancer/internal/chain"
	"github.com/alanyoungcy/rebalancer/internal/config"
	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/metrics"
	"github.com/alanyoungcy/rebalancer/internal/notify"
	"github.com/alanyoungcy/rebalancer/internal/queue"
	"github.com/alanyoungcy/rebalancer/internal/server/handler"
	"github.com/alanyoungcy/rebalancer/internal/store/memstore"
)

const (
	walletA = "0x1111111111111111111111111111111111111111"
	usdcEth = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	usdcArb = "0xaf88d065e77c8cC2239327C5EDb3A432268e5831"
)

type staticBalances map[common.Address]*big.Int

func (s staticBalances) Positions(_ context.Context, _ common.Address, tokens []domain.TokenConfig) ([]domain.TokenPosition, error) {
	out := make([]domain.TokenPosition, 0, len(tokens))
	for _, t := range tokens {
		bal := s[t.Address]
		if bal == nil {
			bal = new(big.Int)
		}
		out = append(out, domain.TokenPosition{
			ChainID:       t.ChainID,
			Address:       t.Address,
			Decimals:      t.Decimals,
			Symbol:        t.Symbol,
			Balance:       bal,
			MinBalance:    big.NewInt(int64(t.MinBalance * 1e6)),
			TargetBalance: big.NewInt(int64(t.TargetBalance * 1e6)),
		})
	}
	return out, nil
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	domainEth, domainArb := uint32(0), uint32(3)
	cfg.Wallets.Addresses = []string{walletA}
	cfg.Wallets.Pool = walletA
	cfg.Chains = []config.ChainConfig{
		{ChainID: 1, Name: "ethereum", RPCURL: "http://eth", CCIPRouter: "0x80226fc0Ee2b096224EeAc085Bb9a8cba1146f7D", CCIPSelector: 5009297550715157269,
			CCTPDomain: &domainEth, CCTPUSDC: usdcEth, Inbox: "0x2222222222222222222222222222222222222222"},
		{ChainID: 42161, Name: "arbitrum", RPCURL: "http://arb", CCIPRouter: "0x141fa059441E0ca23ce184B6A78bafD2A517DdE8", CCIPSelector: 4949039107694359620,
			CCTPDomain: &domainArb, CCTPUSDC: usdcArb, Inbox: "0x3333333333333333333333333333333333333333"},
	}
	cfg.Tokens = []config.TokenConfig{
		{ChainID: 1, Address: usdcEth, Symbol: "USDC", Decimals: 6, MinBalance: 100, TargetBalance: 200, CCIP: true},
		{ChainID: 42161, Address: usdcArb, Symbol: "USDC", Decimals: 6, MinBalance: 100, TargetBalance: 200, CCIP: true},
	}
	cfg.Liquidity.CoreTokens = []config.TokenRef{{ChainID: 1, Address: usdcEth}}
	cfg.Liquidity.WalletStrategies = map[string][]string{walletA: {"CCTP", "LiFi"}}
	cfg.LiFi.Enabled = true
	cfg.CCIP.Enabled = true
	cfg.CCTP.Enabled = true
	cfg.NegativeIntent.Enabled = true
	return &cfg
}

func testDeps(balances domain.BalanceSource) *Dependencies {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Dependencies{
		Chain:      chain.NewMultiClient(map[int64]chain.Backend{}, logger),
		Signers:    chain.Transactors{},
		Balances:   balances,
		Rebalances: memstore.NewRebalanceStore(),
		Intents:    memstore.NewIntentStore(),
		Queue:      queue.NewMemory(domain.JobOptions{}),
		Analytics:  analytics.Nop{},
		Notifier:   notify.NewNotifier(nil, nil, 0, logger),
		Metrics:    metrics.New(),
		Checks:     map[string]handler.Pinger{},
	}
}

func newTestApp(cfg *config.Config) *App {
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBuildClaimsEveryJob(t *testing.T) {
	a := newTestApp(testConfig())
	c := build(a.cfg, testDeps(staticBalances{}), a.logger)

	names := []string{
		domain.JobCheckBalances,
		domain.JobRebalance,
		domain.JobCheckLiFiStatus,
		domain.JobCheckCCIPDelivery,
		domain.JobCheckCCTPAttestation,
		domain.JobCCTPMint,
		domain.JobDestinationSwap,
		domain.JobFulfillNegativeIntent,
		domain.JobWithdrawNegIntent,
	}
	for _, name := range names {
		claimed := 0
		for _, m := range c.managers {
			if m.Is(domain.Job{Name: name}) {
				claimed++
			}
		}
		assert.Equal(t, 1, claimed, name)
	}
	assert.Len(t, c.managers, len(names))
	assert.NotNil(t, c.monitor)

	assert.Equal(t, []domain.Strategy{
		domain.StrategyLiFi,
		domain.StrategyCCIP,
		domain.StrategyCCTP,
		domain.StrategyNegativeIntent,
		domain.StrategyPublicNegativeIntent,
	}, c.registry.Strategies())

	var allowed []domain.Strategy
	for _, p := range c.registry.ForWallet(common.HexToAddress(walletA)) {
		allowed = append(allowed, p.Strategy())
	}
	assert.ElementsMatch(t, []domain.Strategy{domain.StrategyCCTP, domain.StrategyLiFi}, allowed)
}

func TestBuildWithoutOptionalPathways(t *testing.T) {
	cfg := testConfig()
	cfg.LiFi.Enabled = false
	cfg.CCIP.Enabled = false
	cfg.NegativeIntent.Enabled = false
	a := newTestApp(cfg)

	c := build(cfg, testDeps(staticBalances{}), a.logger)

	assert.Equal(t, []domain.Strategy{domain.StrategyCCTP}, c.registry.Strategies())
	assert.Nil(t, c.monitor)
	for _, m := range c.managers {
		assert.False(t, m.Is(domain.Job{Name: domain.JobDestinationSwap}))
		assert.False(t, m.Is(domain.Job{Name: domain.JobFulfillNegativeIntent}))
	}
}

func TestAnalyzeReportsEachWallet(t *testing.T) {
	cfg := testConfig()
	a := newTestApp(cfg)
	deps := testDeps(staticBalances{
		common.HexToAddress(usdcEth): big.NewInt(500_000_000),
		common.HexToAddress(usdcArb): big.NewInt(10_000_000),
	})

	var buf bytes.Buffer
	require.NoError(t, a.analyze(context.Background(), &buf, build(cfg, deps, a.logger)))

	out := buf.String()
	assert.Contains(t, out, "wallet "+common.HexToAddress(walletA).Hex())
	assert.Contains(t, out, string(domain.TokenSurplus))
	assert.Contains(t, out, string(domain.TokenDeficit))
}

func TestSchedulersInstalledPerWallet(t *testing.T) {
	cfg := testConfig()
	cfg.NegativeIntent.Enabled = false
	cfg.Liquidity.Interval = config.Duration{Duration: time.Minute}
	a := newTestApp(cfg)
	deps := testDeps(staticBalances{})
	mem := queue.NewMemory(domain.JobOptions{})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mem.SetClock(func() time.Time { return now })
	deps.Queue = mem
	c := build(cfg, deps, a.logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.startSchedulers(ctx, func(func() error) {}, deps, c))

	now = now.Add(2 * time.Minute)
	job, err := mem.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, domain.JobCheckBalances, job.Name)
}
