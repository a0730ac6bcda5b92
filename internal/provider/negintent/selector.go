package negintent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rebalancer/internal/decimals"
	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/provider"
	"github.com/alanyoungcy/rebalancer/internal/queue"
)

// Ranker orders candidate intents, best first. It may drop candidates.
type Ranker interface {
	Rank(intents []domain.Intent) []domain.Intent
}

// DefaultMaxSlippage is the largest loss the default ranker accepts.
const DefaultMaxSlippage = 0.2

// SlippageRanker keeps negative intents whose loss is at most MaxSlippage
// and orders them by loss ascending, then by reward descending.
type SlippageRanker struct {
	MaxSlippage float64
}

// IntentSlippage is 1 - reward/route on raw amounts. Both sides of a
// candidate are the same token pair, so raw amounts compare directly.
func IntentSlippage(i domain.Intent) float64 {
	if i.RouteAmount == nil || i.RouteAmount.Sign() == 0 {
		return 1
	}
	return 1 - decimals.Ratio(i.RewardAmount, i.RouteAmount)
}

// IsNegative reports whether i is a single ERC20 transfer whose reward is
// smaller than what fulfilling it costs.
func IsNegative(i domain.Intent) bool {
	if len(i.Calls) != 1 || !isTransferCall(i.Calls[0]) {
		return false
	}
	if i.RouteAmount == nil || i.RewardAmount == nil {
		return false
	}
	return i.RewardAmount.Cmp(i.RouteAmount) < 0
}

func (r SlippageRanker) Rank(intents []domain.Intent) []domain.Intent {
	limit := r.MaxSlippage
	if limit <= 0 {
		limit = DefaultMaxSlippage
	}
	type scored struct {
		intent   domain.Intent
		slippage float64
	}
	var kept []scored
	for _, i := range intents {
		if !IsNegative(i) || i.RouteAmount.Sign() == 0 {
			continue
		}
		s := IntentSlippage(i)
		if s > limit {
			continue
		}
		kept = append(kept, scored{intent: i, slippage: s})
	}
	sort.SliceStable(kept, func(a, b int) bool {
		if kept[a].slippage != kept[b].slippage {
			return kept[a].slippage < kept[b].slippage
		}
		return kept[a].intent.RewardAmount.Cmp(kept[b].intent.RewardAmount) > 0
	})
	out := make([]domain.Intent, len(kept))
	for n, k := range kept {
		out[n] = k.intent
	}
	return out
}

// SelectorContext is stored in Quote.Context.
type SelectorContext struct {
	IntentHashes []common.Hash `json:"intentHashes"`
}

// FulfillJob is the data of a fulfill_negative_intent job. Siblings lists
// every intent enqueued for the same rebalance, this one included.
type FulfillJob struct {
	IntentHash  common.Hash    `json:"intentHash"`
	Wallet      common.Address `json:"wallet"`
	RebalanceID string         `json:"rebalanceId,omitempty"`
	Siblings    []common.Hash  `json:"siblings,omitempty"`
}

// Selector rebalances by fulfilling open negative intents that spend the
// surplus token and pay out in the deficit token.
type Selector struct {
	intents domain.IntentStore
	jobs    domain.JobQueue
	ranker  Ranker
	now     func() time.Time
	logger  *slog.Logger
}

var (
	_ provider.Provider = (*Selector)(nil)
	_ provider.Settler  = (*Selector)(nil)
)

// NewSelector creates a Selector. A nil ranker uses SlippageRanker defaults.
func NewSelector(intents domain.IntentStore, jobs domain.JobQueue, ranker Ranker, logger *slog.Logger) *Selector {
	if ranker == nil {
		ranker = SlippageRanker{MaxSlippage: DefaultMaxSlippage}
	}
	return &Selector{
		intents: intents,
		jobs:    jobs,
		ranker:  ranker,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "negintent_selector")),
	}
}

func (s *Selector) Strategy() domain.Strategy { return domain.StrategyPublicNegativeIntent }

// SettlesAsync is always true: the rebalance is settled by its fulfill jobs.
func (s *Selector) SettlesAsync(domain.Quote) bool { return true }

func eligible(i domain.Intent, tokenIn, tokenOut domain.TokenPosition, now time.Time) bool {
	if i.Status != domain.IntentPending || i.Expired(now) {
		return false
	}
	if i.DestinationChainID != tokenIn.ChainID || i.RouteToken != tokenIn.Address {
		return false
	}
	if i.SourceChainID != tokenOut.ChainID || i.RewardToken != tokenOut.Address {
		return false
	}
	if len(i.Calls) != 1 || !isTransferCall(i.Calls[0]) {
		return false
	}
	if i.NativeValue != nil && i.NativeValue.Sign() != 0 {
		return false
	}
	return i.Calls[0].Value == nil || i.Calls[0].Value.Sign() == 0
}

// Quote selects ranked intents until their route amounts cover amountIn.
// The last selected intent may overshoot; it is not trimmed.
func (s *Selector) Quote(ctx context.Context, tokenIn, tokenOut domain.TokenPosition, amountIn *big.Int, id string) ([]domain.Quote, error) {
	open, err := s.intents.ListOpen(ctx, domain.IntentFilter{
		RouteChainID:  tokenIn.ChainID,
		RouteToken:    tokenIn.Address,
		RewardChainID: tokenOut.ChainID,
		RewardToken:   tokenOut.Address,
	})
	if err != nil {
		return nil, fmt.Errorf("negintent: list open intents: %w", err)
	}
	now := s.now()
	candidates := open[:0:0]
	for _, i := range open {
		if eligible(i, tokenIn, tokenOut, now) {
			candidates = append(candidates, i)
		}
	}

	totalIn, totalOut := new(big.Int), new(big.Int)
	var hashes []common.Hash
	for _, i := range s.ranker.Rank(candidates) {
		if totalIn.Cmp(amountIn) >= 0 {
			break
		}
		totalIn.Add(totalIn, i.RouteAmount)
		totalOut.Add(totalOut, i.RewardAmount)
		hashes = append(hashes, i.Hash)
	}
	if len(hashes) == 0 {
		return nil, fmt.Errorf("negintent: no negative intents for %s -> %s: %w", tokenIn, tokenOut, domain.ErrRouteUnavailable)
	}

	raw, err := json.Marshal(SelectorContext{IntentHashes: hashes})
	if err != nil {
		return nil, fmt.Errorf("negintent: encode context: %w", err)
	}
	s.logger.Debug("intents selected",
		slog.String("id", id),
		slog.Int("count", len(hashes)),
		slog.String("amount_in", totalIn.String()),
		slog.String("amount_out", totalOut.String()),
	)
	return []domain.Quote{{
		ID:        id,
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  totalIn,
		AmountOut: totalOut,
		Slippage:  provider.Slippage(tokenIn, totalIn, tokenOut, totalOut),
		Strategy:  domain.StrategyPublicNegativeIntent,
		Context:   raw,
	}}, nil
}

// Execute enqueues one fulfill job per selected intent. Intents that have
// disappeared since the quote are skipped. It returns the number of jobs.
func (s *Selector) Execute(ctx context.Context, wallet common.Address, q domain.Quote) (string, error) {
	var c SelectorContext
	if err := json.Unmarshal(q.Context, &c); err != nil {
		return "", fmt.Errorf("negintent: decode context: %w", err)
	}
	hashes := make([]common.Hash, 0, len(c.IntentHashes))
	for _, hash := range c.IntentHashes {
		if _, err := s.intents.Get(ctx, hash); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				s.logger.Warn("intent not found, skipping", slog.String("intent_hash", hash.Hex()))
				continue
			}
			return "0", fmt.Errorf("negintent: get intent %s: %w", hash.Hex(), err)
		}
		hashes = append(hashes, hash)
	}
	if len(hashes) == 0 {
		return "0", fmt.Errorf("negintent: selected intents are gone: %w", domain.ErrRouteUnavailable)
	}

	n := 0
	for _, hash := range hashes {
		_, err := queue.Enqueue(ctx, s.jobs, domain.JobFulfillNegativeIntent,
			FulfillJob{IntentHash: hash, Wallet: wallet, RebalanceID: q.RebalanceID, Siblings: hashes},
			domain.JobOptions{JobID: "fulfill:" + hash.Hex()})
		if err != nil {
			return strconv.Itoa(n), fmt.Errorf("negintent: enqueue fulfill %s: %w", hash.Hex(), err)
		}
		n++
	}
	s.logger.Info("fulfill jobs enqueued", slog.String("id", q.ID), slog.Int("count", n))
	return strconv.Itoa(n), nil
}
