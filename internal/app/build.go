package app

import (
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rebalancer/internal/analyzer"
	"github.com/alanyoungcy/rebalancer/internal/config"
	"github.com/alanyoungcy/rebalancer/internal/decimals"
	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/jobs"
	"github.com/alanyoungcy/rebalancer/internal/orchestrator"
	"github.com/alanyoungcy/rebalancer/internal/provider"
	"github.com/alanyoungcy/rebalancer/internal/provider/ccip"
	"github.com/alanyoungcy/rebalancer/internal/provider/cctp"
	"github.com/alanyoungcy/rebalancer/internal/provider/lifi"
	"github.com/alanyoungcy/rebalancer/internal/provider/negintent"
	"github.com/alanyoungcy/rebalancer/internal/queue"
	"github.com/alanyoungcy/rebalancer/internal/service"
	"github.com/alanyoungcy/rebalancer/internal/settlement"
)

// components are the domain services built on top of Dependencies.
type components struct {
	registry  *provider.Registry
	liquidity *service.LiquidityService
	managers  []queue.Manager
	// monitor is nil unless negative intents are enabled.
	monitor *negintent.Monitor
}

// build constructs providers, the orchestrator, the liquidity service and
// every job manager.
func build(cfg *config.Config, deps *Dependencies, logger *slog.Logger) *components {
	c := &components{registry: provider.NewRegistry()}
	wallets := wallets(cfg)
	primary := wallets[0]

	var (
		lifiProvider *lifi.Provider
		cctpProvider *cctp.Provider
	)

	if cfg.LiFi.Enabled {
		client := lifi.NewClient(lifi.ClientConfig{
			BaseURL:           cfg.LiFi.BaseURL,
			APIKey:            cfg.LiFi.APIKey,
			Integrator:        cfg.LiFi.Integrator,
			RequestsPerSecond: cfg.LiFi.RequestsPerSecond,
			Timeout:           cfg.LiFi.Timeout.Duration,
		}, deps.Limiter, logger)
		lifiProvider = lifi.New(lifi.Config{
			Wallet:       primary,
			SwapSlippage: cfg.LiFi.SwapSlippage,
		}, client, deps.Chain, deps.Signers, deps.Queue, logger)
		c.registry.Register(lifiProvider)
		c.managers = append(c.managers,
			deliveryManager(domain.JobCheckLiFiStatus, cfg.LiFi.Check, lifi.NewStatusSource(client), deps, logger))
	}

	if cfg.CCIP.Enabled {
		p := ccip.New(ccip.Config{
			Wallet:   primary,
			Chains:   ccipChains(cfg),
			Lookback: cfg.CCIP.Check.Lookback,
		}, deps.Chain, deps.Signers, deps.Queue, logger)
		c.registry.Register(p)
		c.managers = append(c.managers,
			deliveryManager(domain.JobCheckCCIPDelivery, cfg.CCIP.Check, ccip.NewStatusSource(deps.Chain), deps, logger))
	}

	if cfg.CCTP.Enabled {
		var swapper cctp.Swapper
		if lifiProvider != nil {
			swapper = lifiProvider
		}
		cctpProvider = cctp.New(cctp.Config{
			Wallet: primary,
			Chains: cctpChains(cfg),
		}, deps.Chain, deps.Signers, deps.Queue, swapper, logger)
		c.registry.Register(cctpProvider)

		iris := cctp.NewIrisClient(cctp.IrisConfig{
			BaseURL:           cfg.CCTP.IrisURL,
			RequestsPerSecond: cfg.CCTP.RequestsPerSecond,
			Timeout:           cfg.CCTP.Timeout.Duration,
		}, logger)
		attest := deliveryManager(domain.JobCheckCCTPAttestation, cfg.CCTP.Check, cctp.NewAttestationSource(iris), deps, logger)
		attest.SetChain(cctp.MintChain)
		c.managers = append(c.managers,
			attest,
			jobs.NewCCTPMintManager(cctpProvider, deps.Queue, deps.Rebalances, logger),
		)
		if lifiProvider != nil {
			c.managers = append(c.managers,
				jobs.NewDestinationSwapManager(lifiProvider, deps.Rebalances, deps.Notifier, logger))
		}
	}

	if cfg.NegativeIntent.Enabled {
		portals := intentPortals(cfg)
		pool := common.HexToAddress(cfg.Wallets.Pool)
		c.registry.Register(negintent.NewPublisher(negintent.PublisherConfig{
			Pool:       pool,
			Percentage: cfg.NegativeIntent.Percentage,
			Deadline:   cfg.NegativeIntent.Deadline.Duration,
			Portals:    portals,
		}, deps.Chain, deps.Signers, deps.Intents, logger))
		c.registry.Register(negintent.NewSelector(deps.Intents, deps.Queue,
			negintent.SlippageRanker{MaxSlippage: cfg.Liquidity.MaxQuoteSlippage}, logger))

		solver := negintent.NewSolver(portals, deps.Chain, deps.Signers, deps.Intents, logger)
		c.managers = append(c.managers,
			jobs.NewFulfillManager(deps.Intents, deps.Rebalances, solver, logger),
			jobs.NewWithdrawManager(deps.Intents, solver, logger),
		)
		c.monitor = negintent.NewMonitor(deps.Intents, deps.Queue, pool, logger)
	}

	for wallet, strategies := range cfg.Liquidity.WalletStrategies {
		allowed := make([]domain.Strategy, 0, len(strategies))
		for _, s := range strategies {
			allowed = append(allowed, domain.Strategy(s))
		}
		c.registry.AllowWallet(common.HexToAddress(wallet), allowed...)
	}

	var minTrade *big.Int
	if cfg.Liquidity.MinTrade > 0 {
		minTrade = decimals.FromFloat(cfg.Liquidity.MinTrade, decimals.Canonical)
	}
	var core []domain.TokenConfig
	for _, ref := range cfg.Liquidity.CoreTokens {
		if t, ok := cfg.FindToken(ref); ok {
			core = append(core, tokenConfig(t))
		}
	}
	orch := orchestrator.New(orchestrator.Config{
		MaxQuoteSlippage: cfg.Liquidity.MaxQuoteSlippage,
		MinTrade:         minTrade,
		CoreTokens:       core,
	}, c.registry, deps.Balances, deps.Metrics, deps.Analytics, logger)

	tracked := make(map[common.Address][]domain.TokenConfig, len(wallets))
	for _, w := range wallets {
		for _, t := range cfg.TokensFor(w.Hex()) {
			tracked[w] = append(tracked[w], tokenConfig(t))
		}
	}
	c.liquidity = service.NewLiquidityService(service.LiquidityConfig{
		Thresholds: analyzer.Thresholds{
			Surplus:        cfg.Liquidity.SurplusThreshold,
			Deficit:        cfg.Liquidity.DeficitThreshold,
			TargetSlippage: cfg.Liquidity.TargetSlippage,
		},
		Tokens: tracked,
	}, deps.Balances, deps.Rebalances, orch, c.registry, deps.Queue, deps.Analytics, deps.Metrics, logger)

	c.managers = append(c.managers,
		jobs.NewCheckBalancesManager(c.liquidity, deps.Locks, cfg.Liquidity.LockTTL.Duration, logger),
		jobs.NewRebalanceManager(c.liquidity, deps.Notifier, logger),
	)
	return c
}

func deliveryManager(name string, check config.DeliveryCheckConfig, source settlement.Source, deps *Dependencies, logger *slog.Logger) *settlement.Manager {
	backoff := domain.Backoff{Type: domain.BackoffFixed, Delay: check.Backoff.Duration}
	if check.BackoffType == "exponential" {
		backoff.Type = domain.BackoffExponential
	}
	m := settlement.NewManager(settlement.Config{
		Name:        name,
		MaxAttempts: check.MaxAttempts,
		Backoff:     backoff,
		Lookback:    check.Lookback,
	}, source, deps.Chain, deps.Queue, deps.Rebalances, deps.Notifier, logger)
	m.SetRecorder(deps.Metrics)
	return m
}

func tokenConfig(t config.TokenConfig) domain.TokenConfig {
	return domain.TokenConfig{
		ChainID:       t.ChainID,
		Address:       common.HexToAddress(t.Address),
		Decimals:      t.Decimals,
		Symbol:        t.Symbol,
		MinBalance:    t.MinBalance,
		TargetBalance: t.TargetBalance,
	}
}

func ccipChains(cfg *config.Config) []ccip.Chain {
	var out []ccip.Chain
	for _, ch := range cfg.Chains {
		if ch.CCIPRouter == "" {
			continue
		}
		c := ccip.Chain{
			ChainID:  ch.ChainID,
			Selector: ch.CCIPSelector,
			Router:   common.HexToAddress(ch.CCIPRouter),
		}
		if ch.CCIPFeeToken != "" {
			c.FeeToken = common.HexToAddress(ch.CCIPFeeToken)
		}
		for _, t := range cfg.Tokens {
			if t.ChainID != ch.ChainID || !t.CCIP {
				continue
			}
			c.Tokens = append(c.Tokens, ccip.Token{
				Symbol:             t.Symbol,
				Address:            common.HexToAddress(t.Address),
				DeniedDestinations: t.CCIPDeniedDestinations,
			})
		}
		out = append(out, c)
	}
	return out
}

func cctpChains(cfg *config.Config) []cctp.Chain {
	var out []cctp.Chain
	for _, ch := range cfg.Chains {
		if ch.CCTPDomain == nil {
			continue
		}
		out = append(out, cctp.Chain{
			ChainID:            ch.ChainID,
			Domain:             *ch.CCTPDomain,
			USDC:               common.HexToAddress(ch.CCTPUSDC),
			TokenMessenger:     common.HexToAddress(ch.CCTPTokenMessenger),
			MessageTransmitter: common.HexToAddress(ch.CCTPMessageTransmitter),
		})
	}
	return out
}

func intentPortals(cfg *config.Config) negintent.Portals {
	out := make(negintent.Portals)
	for _, ch := range cfg.Chains {
		if ch.IntentSource == "" && ch.Inbox == "" {
			continue
		}
		out[ch.ChainID] = negintent.Portal{
			ChainID:      ch.ChainID,
			IntentSource: common.HexToAddress(ch.IntentSource),
			Inbox:        common.HexToAddress(ch.Inbox),
			Prover:       common.HexToAddress(ch.Prover),
		}
	}
	return out
}
