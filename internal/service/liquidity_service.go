package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/rebalancer/internal/analytics"
	"github.com/alanyoungcy/rebalancer/internal/analyzer"
	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/orchestrator"
	"github.com/alanyoungcy/rebalancer/internal/provider"
	"github.com/alanyoungcy/rebalancer/internal/queue"
)

// Planner produces the quotes that bring one deficit token back into range.
type Planner interface {
	Optimized(ctx context.Context, wallet common.Address, deficit domain.TokenAnalysis, surplus []domain.TokenAnalysis) []domain.Quote
}

// ProviderLookup resolves the provider that produced a quote.
type ProviderLookup interface {
	Get(s domain.Strategy) (provider.Provider, error)
}

// StatusRecorder observes analysis sizes and rebalance outcomes.
type StatusRecorder interface {
	Analyzed(wallet string, surplus, deficit, inRange int)
	RebalanceStatus(strategy domain.Strategy, status domain.RebalanceStatus)
}

// LiquidityConfig holds the tracked tokens per wallet and the analysis
// thresholds.
type LiquidityConfig struct {
	Thresholds analyzer.Thresholds
	Tokens     map[common.Address][]domain.TokenConfig
}

// RebalanceJob is the data of a rebalance job.
type RebalanceJob struct {
	Wallet  common.Address          `json:"wallet"`
	Request domain.RebalanceRequest `json:"request"`
}

// LiquidityService runs the check-balances cycle: analyze, plan, store and
// start rebalances, and later execute them from the rebalance job.
type LiquidityService struct {
	cfg       LiquidityConfig
	balances  domain.BalanceSource
	store     domain.RebalanceStore
	planner   Planner
	providers ProviderLookup
	jobs      domain.JobQueue
	events    analytics.Sink
	recorder  StatusRecorder
	logger    *slog.Logger
}

// NewLiquidityService creates a LiquidityService. events and recorder may be
// nil.
func NewLiquidityService(
	cfg LiquidityConfig,
	balances domain.BalanceSource,
	store domain.RebalanceStore,
	planner Planner,
	providers ProviderLookup,
	jobs domain.JobQueue,
	events analytics.Sink,
	recorder StatusRecorder,
	logger *slog.Logger,
) *LiquidityService {
	return &LiquidityService{
		cfg:       cfg,
		balances:  balances,
		store:     store,
		planner:   planner,
		providers: providers,
		jobs:      jobs,
		events:    analytics.OrNop(events),
		recorder:  recorder,
		logger:    logger.With(slog.String("component", "liquidity_service")),
	}
}

// Wallets lists the wallets with tracked tokens.
func (s *LiquidityService) Wallets() []common.Address {
	out := make([]common.Address, 0, len(s.cfg.Tokens))
	for w := range s.cfg.Tokens {
		out = append(out, w)
	}
	return out
}

// AnalyzeTokens fetches live balances, nets out what pending rebalances have
// reserved or will deliver, and classifies every tracked token.
func (s *LiquidityService) AnalyzeTokens(ctx context.Context, wallet common.Address) (analyzer.Result, error) {
	tokens, ok := s.cfg.Tokens[wallet]
	if !ok {
		return analyzer.Result{}, fmt.Errorf("liquidity_service: wallet %s: %w", wallet.Hex(), domain.ErrNotFound)
	}
	positions, err := s.balances.Positions(ctx, wallet, tokens)
	if err != nil {
		return analyzer.Result{}, fmt.Errorf("liquidity_service: balances for %s: %w", wallet.Hex(), err)
	}

	reserved, err := s.store.PendingReservedByToken(ctx, wallet)
	if err != nil {
		s.logger.Debug("no reservations applied", slog.String("wallet", wallet.Hex()), slog.String("error", err.Error()))
		reserved = nil
	}
	incoming, err := s.store.PendingIncomingByToken(ctx, wallet)
	if err != nil {
		s.logger.Debug("no incoming applied", slog.String("wallet", wallet.Hex()), slog.String("error", err.Error()))
		incoming = nil
	}
	if len(reserved) > 0 || len(incoming) > 0 {
		s.logger.Debug("reservation-aware analysis",
			slog.String("wallet", wallet.Hex()),
			slog.Int("reserved_tokens", len(reserved)),
			slog.Int("incoming_tokens", len(incoming)),
		)
	}

	res := analyzer.Analyze(analyzer.AdjustForReservations(positions, reserved, incoming), s.cfg.Thresholds)
	if s.recorder != nil {
		s.recorder.Analyzed(wallet.Hex(), len(res.Surplus), len(res.Deficit), len(res.InRange))
	}
	return res, nil
}

// Rebalance runs one check-balances cycle for wallet and returns the
// requests it started.
func (s *LiquidityService) Rebalance(ctx context.Context, wallet common.Address) ([]domain.RebalanceRequest, error) {
	res, err := s.AnalyzeTokens(ctx, wallet)
	if err != nil {
		return nil, err
	}
	var table bytes.Buffer
	if err := analyzer.Report(&table, res); err == nil {
		s.logger.Info("token analysis",
			slog.String("wallet", wallet.Hex()),
			slog.Int("surplus", len(res.Surplus)),
			slog.Int("deficit", len(res.Deficit)),
			slog.Int("in_range", len(res.InRange)),
			slog.String("report", strings.TrimSpace(table.String())),
		)
	}
	if len(res.Deficit) == 0 || len(res.Surplus) == 0 {
		return nil, nil
	}

	surplus := res.Surplus
	var requests []domain.RebalanceRequest
	for _, deficit := range res.Deficit {
		quotes := s.planner.Optimized(ctx, wallet, deficit, surplus)
		if len(quotes) == 0 {
			s.logger.Info("no rebalancing quotes", slog.String("deficit", deficit.Position.String()))
			continue
		}
		surplus, _ = orchestrator.ExpectedEffects(surplus, deficit, quotes)

		req := domain.RebalanceRequest{Token: deficit, Quotes: quotes}
		stored, err := s.StoreRebalancing(ctx, wallet, req)
		if err != nil {
			return requests, err
		}
		if len(stored.Quotes) > 0 {
			requests = append(requests, stored)
		}
	}

	if err := s.StartRebalancing(ctx, wallet, requests); err != nil {
		return requests, err
	}
	return requests, nil
}

// StoreRebalancing persists every valid quote of req as a PENDING rebalance
// sharing one group id. Quotes with a non-positive amount are dropped.
func (s *LiquidityService) StoreRebalancing(ctx context.Context, wallet common.Address, req domain.RebalanceRequest) (domain.RebalanceRequest, error) {
	groupID := uuid.NewString()
	out := domain.RebalanceRequest{Token: req.Token}
	for _, q := range req.Quotes {
		if !positive(q.AmountIn) || !positive(q.AmountOut) {
			s.logger.Warn("skipping invalid rebalance quote",
				slog.String("wallet", wallet.Hex()),
				slog.String("strategy", string(q.Strategy)),
			)
			continue
		}
		q.GroupID = groupID
		q.RebalanceID = uuid.NewString()
		if err := s.store.Create(ctx, domain.RebalanceFromQuote(wallet, q)); err != nil {
			return out, fmt.Errorf("liquidity_service: store rebalance: %w", err)
		}
		s.events.Track(analytics.NewEvent(analytics.EventRebalanceStored, nil, map[string]any{
			"wallet":      wallet.Hex(),
			"groupId":     groupID,
			"rebalanceId": q.RebalanceID,
			"strategy":    string(q.Strategy),
		}))
		out.Quotes = append(out.Quotes, q)
	}
	return out, nil
}

// StartRebalancing enqueues one rebalance job per request. The group id is
// the job id and jobs of one wallet share a group key.
func (s *LiquidityService) StartRebalancing(ctx context.Context, wallet common.Address, requests []domain.RebalanceRequest) error {
	if len(requests) == 0 {
		return nil
	}
	specs := make([]domain.JobSpec, 0, len(requests))
	for _, r := range requests {
		spec, err := queue.Spec(domain.JobRebalance, RebalanceJob{Wallet: wallet, Request: r}, r.Quotes[0].GroupID, strings.ToLower(wallet.Hex()))
		if err != nil {
			return fmt.Errorf("liquidity_service: %w", err)
		}
		specs = append(specs, spec)
	}
	if _, err := s.jobs.AddBulk(ctx, specs, domain.JobOptions{}); err != nil {
		return fmt.Errorf("liquidity_service: enqueue rebalances: %w", err)
	}
	s.logger.Info("rebalances started", slog.String("wallet", wallet.Hex()), slog.Int("count", len(specs)))
	return nil
}

// ExecutionError reports which quote of a rebalance request failed.
type ExecutionError struct {
	RebalanceID string
	Strategy    domain.Strategy
	// Index is the position of the failing quote; the quotes before it were
	// executed.
	Index int
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("liquidity_service: execute %s (%s): %v", e.RebalanceID, e.Strategy, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Retryable reports whether the whole request may run again: an external API
// rejected the first quote, so nothing was sent.
func (e *ExecutionError) Retryable() bool {
	return e.Index == 0 && errors.Is(e.Err, domain.ErrExternalAPI)
}

// ExecuteRebalancing runs quotes in order and stops at the first error. The
// failing rebalance and those after it are marked FAILED, unless the error is
// retryable and final is false. Synchronous pathways are COMPLETED right
// away; asynchronous ones stay PENDING for their delivery check.
func (s *LiquidityService) ExecuteRebalancing(ctx context.Context, wallet common.Address, quotes []domain.Quote, final bool) error {
	for i, q := range quotes {
		ref, err := s.execute(ctx, wallet, q)
		if err != nil {
			xe := &ExecutionError{RebalanceID: q.RebalanceID, Strategy: q.Strategy, Index: i, Err: err}
			if xe.Retryable() && !final {
				s.logger.Warn("rebalance execution will be retried",
					slog.String("rebalance_id", q.RebalanceID),
					slog.String("strategy", string(q.Strategy)),
					slog.String("error", err.Error()),
				)
				return xe
			}
			s.events.Track(analytics.NewEvent(analytics.EventRebalanceFailed, err, map[string]any{
				"wallet":      wallet.Hex(),
				"rebalanceId": q.RebalanceID,
				"strategy":    string(q.Strategy),
			}))
			for _, rest := range quotes[i:] {
				s.setStatus(ctx, rest, domain.RebalanceFailed)
			}
			return xe
		}
		s.logger.Info("quote executed",
			slog.String("rebalance_id", q.RebalanceID),
			slog.String("strategy", string(q.Strategy)),
			slog.String("ref", ref),
		)
	}
	return nil
}

func (s *LiquidityService) execute(ctx context.Context, wallet common.Address, q domain.Quote) (string, error) {
	p, err := s.providers.Get(q.Strategy)
	if err != nil {
		return "", err
	}
	ref, err := p.Execute(ctx, wallet, q)
	if err != nil {
		return "", err
	}
	if !provider.SettlesAsync(p, q) {
		s.setStatus(ctx, q, domain.RebalanceCompleted)
	}
	return ref, nil
}

func (s *LiquidityService) setStatus(ctx context.Context, q domain.Quote, status domain.RebalanceStatus) {
	if q.RebalanceID == "" {
		return
	}
	if err := s.store.UpdateStatus(ctx, q.RebalanceID, status); err != nil {
		s.logger.Warn("update rebalance status",
			slog.String("rebalance_id", q.RebalanceID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		return
	}
	if s.recorder != nil {
		s.recorder.RebalanceStatus(q.Strategy, status)
	}
	if status == domain.RebalanceCompleted {
		s.events.Track(analytics.NewEvent(analytics.EventRebalanceCompleted, nil, map[string]any{
			"rebalanceId": q.RebalanceID,
			"strategy":    string(q.Strategy),
		}))
	}
}

func positive(x *big.Int) bool { return x != nil && x.Sign() > 0 }
