// Package orchestrator turns one deficit token and its surplus candidates
// into an ordered list of provider quotes, falling back to routes through a
// core token when no direct route exists.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/rebalancer/internal/analytics"
	"github.com/alanyoungcy/rebalancer/internal/decimals"
	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/provider"
)

// Quote result labels.
const (
	ResultOK          = "ok"
	ResultUnavailable = "unavailable"
	ResultRejected    = "rejected"
	ResultError       = "error"
)

// Providers yields the providers a wallet may use.
type Providers interface {
	ForWallet(wallet common.Address) []provider.Provider
}

// QuoteRecorder counts provider quote calls.
type QuoteRecorder interface {
	QuoteObserved(strategy domain.Strategy, result string)
}

// Config tunes quote acceptance.
type Config struct {
	// MaxQuoteSlippage rejects plans whose compounded slippage exceeds it.
	MaxQuoteSlippage float64
	// MinTrade is the smallest normalized amount worth quoting. Nil disables.
	MinTrade *big.Int
	// CoreTokens are tried in order as intermediaries when no direct route
	// exists.
	CoreTokens []domain.TokenConfig
}

// Orchestrator builds rebalancing quotes.
type Orchestrator struct {
	cfg       Config
	providers Providers
	balances  domain.BalanceSource
	recorder  QuoteRecorder
	events    analytics.Sink
	logger    *slog.Logger
}

// New creates an Orchestrator. recorder and events may be nil.
func New(cfg Config, providers Providers, balances domain.BalanceSource, recorder QuoteRecorder, events analytics.Sink, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		providers: providers,
		balances:  balances,
		recorder:  recorder,
		events:    analytics.OrNop(events),
		logger:    logger.With(slog.String("component", "orchestrator")),
	}
}

// Optimized quotes same-chain candidates first and only uses cross-chain
// candidates for what is still missing afterwards.
func (o *Orchestrator) Optimized(ctx context.Context, wallet common.Address, deficit domain.TokenAnalysis, surplus []domain.TokenAnalysis) []domain.Quote {
	var same, cross []domain.TokenAnalysis
	for _, s := range surplus {
		if s.Position.ChainID == deficit.Position.ChainID {
			same = append(same, s)
		} else {
			cross = append(cross, s)
		}
	}

	quotes := o.RebalancingQuotes(ctx, wallet, deficit, same, nil)
	current := new(big.Int).Add(deficit.Current, incoming(quotes, deficit.Position))
	if current.Cmp(deficit.Band.Min) >= 0 {
		return quotes
	}
	return append(quotes, o.RebalancingQuotes(ctx, wallet, deficit, cross, current)...)
}

// RebalancingQuotes walks surplus in the given order, moving
// min(remaining, candidate surplus) from each until the deficit reaches its
// band minimum. startBalance overrides deficit.Current when non-nil. Route
// errors are logged and tracked, never returned; an empty result means
// nothing can be done this cycle.
func (o *Orchestrator) RebalancingQuotes(ctx context.Context, wallet common.Address, deficit domain.TokenAnalysis, surplus []domain.TokenAnalysis, startBalance *big.Int) []domain.Quote {
	current := deficit.Current
	if startBalance != nil {
		current = startBalance
	}
	current = new(big.Int).Set(current)
	targetMin := deficit.Band.Min

	var quotes []domain.Quote
	for _, candidate := range surplus {
		if current.Cmp(targetMin) >= 0 {
			break
		}
		if candidate.Position.Same(deficit.Position) {
			continue
		}
		remaining := new(big.Int).Sub(targetMin, current)
		move := remaining
		if candidate.Diff.Cmp(move) < 0 {
			move = candidate.Diff
		}
		if move.Sign() <= 0 {
			o.logger.Debug("skipping zero swap amount",
				slog.String("surplus", candidate.Position.String()),
				slog.String("deficit", deficit.Position.String()),
			)
			continue
		}
		if o.cfg.MinTrade != nil && move.Cmp(o.cfg.MinTrade) < 0 {
			o.logger.Debug("skipping swap below minimum trade",
				slog.String("surplus", candidate.Position.String()),
				slog.String("amount", move.String()),
			)
			continue
		}
		amountIn := decimals.Denormalize(move, candidate.Position.Decimals)
		if amountIn.Sign() == 0 {
			continue
		}

		plan, err := o.BestQuote(ctx, wallet, candidate.Position, deficit.Position, amountIn)
		if err != nil {
			o.trackRouteError(analytics.EventQuoteRouteError, wallet, candidate.Position, deficit.Position, amountIn, err)
			plan, err = o.Fallback(ctx, wallet, candidate.Position, deficit.Position, amountIn)
			if err != nil {
				o.trackRouteError(analytics.EventFallbackRouteError, wallet, candidate.Position, deficit.Position, amountIn, err)
				continue
			}
		}

		// A plan runs whole or not at all.
		quotes = append(quotes, plan...)
		current.Add(current, incoming(plan, deficit.Position))
	}
	return quotes
}

// BestQuote asks every provider allowed for wallet concurrently and returns
// the accepted plan with the highest final normalized amount out. Ties go to
// the earlier registered provider.
func (o *Orchestrator) BestQuote(ctx context.Context, wallet common.Address, tokenIn, tokenOut domain.TokenPosition, amountIn *big.Int) ([]domain.Quote, error) {
	providers := o.providers.ForWallet(wallet)
	if len(providers) == 0 {
		return nil, fmt.Errorf("orchestrator: no providers for wallet %s: %w", wallet.Hex(), domain.ErrUnsupportedWallet)
	}
	id := uuid.NewString()
	plans := make([][]domain.Quote, len(providers))

	var g errgroup.Group
	for i, p := range providers {
		g.Go(func() error {
			plans[i] = o.quote(ctx, p, tokenIn, tokenOut, amountIn, id)
			return nil
		})
	}
	_ = g.Wait()

	var best []domain.Quote
	for _, plan := range plans {
		if plan == nil {
			continue
		}
		if best == nil || provider.FinalAmountOut(plan).Cmp(provider.FinalAmountOut(best)) > 0 {
			best = plan
		}
	}
	if best == nil {
		return nil, fmt.Errorf("orchestrator: %s -> %s: %w", tokenIn, tokenOut, domain.ErrRouteUnavailable)
	}
	o.logger.Info("best quote",
		slog.String("id", id),
		slog.String("strategy", string(best[0].Strategy)),
		slog.String("token_in", tokenIn.String()),
		slog.String("token_out", tokenOut.String()),
		slog.String("amount_in", amountIn.String()),
		slog.String("amount_out", best[len(best)-1].AmountOut.String()),
		slog.Int("hops", len(best)),
	)
	return best, nil
}

func (o *Orchestrator) quote(ctx context.Context, p provider.Provider, tokenIn, tokenOut domain.TokenPosition, amountIn *big.Int, id string) []domain.Quote {
	strategy := p.Strategy()
	plan, err := p.Quote(ctx, tokenIn, tokenOut, amountIn, id)
	switch {
	case errors.Is(err, domain.ErrRouteUnavailable):
		o.observe(strategy, ResultUnavailable)
		return nil
	case err != nil:
		o.observe(strategy, ResultError)
		o.events.Track(analytics.NewEvent(analytics.EventStrategyQuoteError, err, map[string]any{
			"strategy":  string(strategy),
			"tokenIn":   tokenIn.Key(),
			"tokenOut":  tokenOut.Key(),
			"amountIn":  amountIn.String(),
			"operation": "strategy_quote",
		}))
		o.logger.Warn("strategy quote failed",
			slog.String("id", id),
			slog.String("strategy", string(strategy)),
			slog.String("error", err.Error()),
		)
		return nil
	case len(plan) == 0:
		o.observe(strategy, ResultUnavailable)
		return nil
	}

	for _, q := range plan {
		if err := provider.CheckSlippage(q); err != nil {
			o.observe(strategy, ResultRejected)
			o.logger.Warn("quote rejected as inconsistent",
				slog.String("id", id),
				slog.String("strategy", string(strategy)),
				slog.String("error", err.Error()),
			)
			return nil
		}
	}
	if slippage := provider.TotalSlippage(plan); slippage > o.cfg.MaxQuoteSlippage {
		o.observe(strategy, ResultRejected)
		o.logger.Warn("quote rejected due to excessive slippage",
			slog.String("id", id),
			slog.String("strategy", string(strategy)),
			slog.Float64("slippage", slippage),
			slog.Float64("max_slippage", o.cfg.MaxQuoteSlippage),
		)
		return nil
	}
	o.observe(strategy, ResultOK)
	return plan
}

// Fallback routes tokenIn -> core -> tokenOut through the configured core
// tokens in order. The first core token for which both hops quote wins; if
// the compounded plan then exceeds the slippage limit no other core token is
// tried.
func (o *Orchestrator) Fallback(ctx context.Context, wallet common.Address, tokenIn, tokenOut domain.TokenPosition, amountIn *big.Int) ([]domain.Quote, error) {
	var errs []error
	for _, core := range o.cfg.CoreTokens {
		if (core.ChainID == tokenIn.ChainID && core.Address == tokenIn.Address) ||
			(core.ChainID == tokenOut.ChainID && core.Address == tokenOut.Address) {
			continue
		}
		positions, err := o.balances.Positions(ctx, wallet, []domain.TokenConfig{core})
		if err != nil || len(positions) == 0 {
			errs = append(errs, fmt.Errorf("core token %s@%d: resolve: %w", core.Address.Hex(), core.ChainID, err))
			continue
		}
		corePos := positions[0]

		hop1, err := o.BestQuote(ctx, wallet, tokenIn, corePos, amountIn)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		last := hop1[len(hop1)-1]
		hop2, err := o.BestQuote(ctx, wallet, corePos, tokenOut, last.Guaranteed())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		plan := append(append([]domain.Quote{}, hop1...), hop2...)
		if slippage := provider.TotalSlippage(plan); slippage > o.cfg.MaxQuoteSlippage {
			return nil, fmt.Errorf("orchestrator: fallback through %s: slippage %.4f: %w", corePos, slippage, domain.ErrSlippageTooHigh)
		}
		o.logger.Info("fallback route found",
			slog.String("core", corePos.String()),
			slog.String("token_in", tokenIn.String()),
			slog.String("token_out", tokenOut.String()),
		)
		return plan, nil
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("orchestrator: fallback %s -> %s: no core tokens: %w", tokenIn, tokenOut, domain.ErrRouteUnavailable)
	}
	return nil, fmt.Errorf("orchestrator: fallback %s -> %s: %w", tokenIn, tokenOut, errors.Join(append(errs, domain.ErrRouteUnavailable)...))
}

func (o *Orchestrator) observe(s domain.Strategy, result string) {
	if o.recorder != nil {
		o.recorder.QuoteObserved(s, result)
	}
}

func (o *Orchestrator) trackRouteError(event string, wallet common.Address, tokenIn, tokenOut domain.TokenPosition, amountIn *big.Int, err error) {
	o.events.Track(analytics.NewEvent(event, err, map[string]any{
		"wallet":   wallet.Hex(),
		"tokenIn":  tokenIn.Key(),
		"tokenOut": tokenOut.Key(),
		"amountIn": amountIn.String(),
	}))
	o.logger.Debug("route failed",
		slog.String("event", event),
		slog.String("token_in", tokenIn.String()),
		slog.String("token_out", tokenOut.String()),
		slog.String("error", err.Error()),
	)
}

// incoming sums the normalized output of quotes delivering into tok.
func incoming(quotes []domain.Quote, tok domain.TokenPosition) *big.Int {
	sum := new(big.Int)
	for _, q := range quotes {
		if q.TargetsToken(tok) {
			sum.Add(sum, decimals.Normalize(q.AmountOut, q.TokenOut.Decimals))
		}
	}
	return sum
}

// ExpectedEffects applies the quotes to a copy of the analysis: the deficit
// gains what the quotes deliver and each surplus loses what is taken from it.
// Later deficits of the same cycle then see the reduced surplus.
func ExpectedEffects(surplus []domain.TokenAnalysis, deficit domain.TokenAnalysis, quotes []domain.Quote) ([]domain.TokenAnalysis, domain.TokenAnalysis) {
	out := make([]domain.TokenAnalysis, len(surplus))
	copy(out, surplus)
	for _, q := range quotes {
		for i := range out {
			if out[i].Position.Same(q.TokenIn) {
				taken := decimals.Normalize(q.AmountIn, q.TokenIn.Decimals)
				out[i].Diff = new(big.Int).Sub(out[i].Diff, taken)
				out[i].Current = new(big.Int).Sub(out[i].Current, taken)
			}
		}
	}
	add := incoming(quotes, deficit.Position)
	deficit.Current = new(big.Int).Add(deficit.Current, add)
	deficit.Diff = new(big.Int).Add(deficit.Diff, add)
	return out, deficit
}
