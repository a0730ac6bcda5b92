// Package negintent rebalances through intents whose reward is smaller than
// their route: publishing such intents to shed inventory, and fulfilling
// other users' intents of that kind.
package negintent

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rebalancer/internal/chain"
	"github.com/alanyoungcy/rebalancer/internal/decimals"
	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/provider"
)

const (
	bpsScale = 100_000
	// DefaultPercentage is the loss a published intent offers to fulfillers.
	DefaultPercentage = 0.05
	// DefaultDeadline is how long a published reward stays claimable.
	DefaultDeadline = 5400 * time.Second
)

// Portal is the intent protocol deployment on one chain.
type Portal struct {
	ChainID      int64
	IntentSource common.Address
	Inbox        common.Address
	Prover       common.Address
}

// Portals indexes deployments by chain id.
type Portals map[int64]Portal

// PublisherConfig configures the intent publisher.
type PublisherConfig struct {
	// Pool is the crowd-liquidity pool, the only wallet allowed to publish.
	Pool       common.Address
	Percentage float64
	Deadline   time.Duration
	Portals    Portals
}

// PublisherContext is stored in Quote.Context.
type PublisherContext struct {
	Percentage float64 `json:"rebalancingPercentage"`
}

// Publisher offloads surplus by publishing an intent that pays slightly less
// on the deficit side than it asks on the surplus side.
type Publisher struct {
	cfg     PublisherConfig
	client  domain.ChainClient
	signers provider.Signers
	intents domain.IntentStore
	now     func() time.Time
	logger  *slog.Logger
}

var _ provider.Provider = (*Publisher)(nil)

func NewPublisher(cfg PublisherConfig, client domain.ChainClient, signers provider.Signers, intents domain.IntentStore, logger *slog.Logger) *Publisher {
	if cfg.Percentage <= 0 {
		cfg.Percentage = DefaultPercentage
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	return &Publisher{
		cfg:     cfg,
		client:  client,
		signers: signers,
		intents: intents,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "negintent_publisher")),
	}
}

func (p *Publisher) Strategy() domain.Strategy { return domain.StrategyNegativeIntent }

// Quote gives away Percentage of amountIn. The amount is first expressed in
// tokenOut's decimals, then
// amountOut = converted * (100000 - floor(pct*100000)) / 100000.
func (p *Publisher) Quote(_ context.Context, tokenIn, tokenOut domain.TokenPosition, amountIn *big.Int, id string) ([]domain.Quote, error) {
	if _, ok := p.cfg.Portals[tokenIn.ChainID]; !ok {
		return nil, fmt.Errorf("negintent: no intent source on %d: %w", tokenIn.ChainID, domain.ErrRouteUnavailable)
	}
	bps := int64(math.Floor(p.cfg.Percentage * bpsScale))
	amountOut := decimals.Convert(amountIn, tokenIn.Decimals, tokenOut.Decimals)
	amountOut.Mul(amountOut, big.NewInt(bpsScale-bps))
	amountOut.Quo(amountOut, big.NewInt(bpsScale))

	raw, err := json.Marshal(PublisherContext{Percentage: p.cfg.Percentage})
	if err != nil {
		return nil, fmt.Errorf("negintent: encode context: %w", err)
	}
	return []domain.Quote{{
		ID:        id,
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  new(big.Int).Set(amountIn),
		AmountOut: amountOut,
		Slippage:  p.cfg.Percentage,
		Strategy:  domain.StrategyNegativeIntent,
		Context:   raw,
	}}, nil
}

// Execute publishes and funds the intent from the pool and records it as
// negative so the monitor withdraws the reward once it is proven.
func (p *Publisher) Execute(ctx context.Context, wallet common.Address, q domain.Quote) (string, error) {
	if wallet != p.cfg.Pool {
		return "", fmt.Errorf("negintent: only the crowd-liquidity pool may publish: %w", domain.ErrUnsupportedWallet)
	}
	if decimals.Normalize(q.AmountOut, q.TokenOut.Decimals).Cmp(decimals.Normalize(q.AmountIn, q.TokenIn.Decimals)) >= 0 {
		return "", fmt.Errorf("negintent: amountOut %s must be below amountIn %s", q.AmountOut, q.AmountIn)
	}
	portal, ok := p.cfg.Portals[q.TokenIn.ChainID]
	if !ok {
		return "", fmt.Errorf("negintent: no intent source on %d: %w", q.TokenIn.ChainID, domain.ErrRouteUnavailable)
	}
	tx, err := p.signers.For(wallet)
	if err != nil {
		return "", err
	}

	var salt common.Hash
	if _, err := rand.Read(salt[:]); err != nil {
		return "", fmt.Errorf("negintent: salt: %w", err)
	}
	transfer, err := chain.ERC20ABI.Pack("transfer", p.cfg.Pool, q.AmountIn)
	if err != nil {
		return "", fmt.Errorf("negintent: pack transfer: %w", err)
	}
	now := p.now()
	intent := domain.Intent{
		Salt:               salt,
		SourceChainID:      q.TokenIn.ChainID,
		DestinationChainID: q.TokenOut.ChainID,
		Inbox:              portal.Inbox,
		Creator:            wallet,
		Prover:             portal.Prover,
		RouteToken:         q.TokenIn.Address,
		RouteAmount:        new(big.Int).Set(q.AmountIn),
		RewardToken:        q.TokenOut.Address,
		RewardAmount:       new(big.Int).Set(q.AmountOut),
		NativeValue:        new(big.Int),
		Calls:              []domain.IntentCall{{Target: q.TokenIn.Address, Data: transfer, Value: new(big.Int)}},
		Deadline:           now.Add(p.cfg.Deadline).Truncate(time.Second),
		Negative:           true,
		Status:             domain.IntentPending,
		CreatedAt:          now,
	}
	_, _, hash, err := Hashes(intent)
	if err != nil {
		return "", err
	}
	intent.Hash = hash

	if err := chain.EnsureAllowance(ctx, p.client, tx, portal.ChainID, intent.RewardToken, portal.IntentSource, intent.RewardAmount); err != nil {
		return "", fmt.Errorf("negintent: %w", err)
	}
	data, err := intentSourceABI.Pack("publishAndFund", intentTuple{Route: routeOf(intent), Reward: rewardOf(intent)}, false)
	if err != nil {
		return "", fmt.Errorf("negintent: pack publishAndFund: %w", err)
	}
	txHash, err := tx.Send(ctx, domain.TxRequest{ChainID: portal.ChainID, To: portal.IntentSource, Data: data, Value: new(big.Int)})
	if err != nil {
		return "", fmt.Errorf("negintent: publish: %w", err)
	}
	if _, err := tx.WaitMined(ctx, portal.ChainID, txHash); err != nil {
		return txHash.Hex(), fmt.Errorf("negintent: publish: %w", err)
	}
	if err := p.intents.Upsert(ctx, intent); err != nil {
		return txHash.Hex(), fmt.Errorf("negintent: record intent %s: %w", hash.Hex(), err)
	}

	p.logger.Info("negative intent published",
		slog.String("id", q.ID),
		slog.String("intent_hash", hash.Hex()),
		slog.String("tx", txHash.Hex()),
		slog.String("amount_in", q.AmountIn.String()),
		slog.String("amount_out", q.AmountOut.String()),
	)
	return txHash.Hex(), nil
}
