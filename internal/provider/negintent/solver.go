package negintent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rebalancer/internal/chain"
	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/provider"
)

// Solver fulfills intents on their destination Inbox and withdraws proven
// rewards from their source IntentSource.
type Solver struct {
	portals Portals
	client  domain.ChainClient
	signers provider.Signers
	intents domain.IntentStore
	logger  *slog.Logger
}

func NewSolver(portals Portals, client domain.ChainClient, signers provider.Signers, intents domain.IntentStore, logger *slog.Logger) *Solver {
	return &Solver{
		portals: portals,
		client:  client,
		signers: signers,
		intents: intents,
		logger:  logger.With(slog.String("component", "negintent_solver")),
	}
}

// Fulfill spends the route tokens through the destination Inbox with wallet
// as the claimant and marks the intent FULFILLED.
func (s *Solver) Fulfill(ctx context.Context, wallet common.Address, intent domain.Intent) (common.Hash, error) {
	portal, ok := s.portals[intent.DestinationChainID]
	if !ok {
		return common.Hash{}, fmt.Errorf("negintent: no inbox on %d: %w", intent.DestinationChainID, domain.ErrNotFound)
	}
	tx, err := s.signers.For(wallet)
	if err != nil {
		return common.Hash{}, err
	}
	_, rewardHash, hash, err := Hashes(intent)
	if err != nil {
		return common.Hash{}, err
	}
	if hash != intent.Hash {
		return common.Hash{}, fmt.Errorf("negintent: intent hash mismatch: stored %s, computed %s", intent.Hash.Hex(), hash.Hex())
	}

	if err := chain.EnsureAllowance(ctx, s.client, tx, portal.ChainID, intent.RouteToken, portal.Inbox, intent.RouteAmount); err != nil {
		return common.Hash{}, fmt.Errorf("negintent: %w", err)
	}
	data, err := inboxABI.Pack("fulfillStorage", routeOf(intent), rewardHash, wallet, hash)
	if err != nil {
		return common.Hash{}, fmt.Errorf("negintent: pack fulfillStorage: %w", err)
	}
	txHash, err := tx.Send(ctx, domain.TxRequest{ChainID: portal.ChainID, To: portal.Inbox, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("negintent: fulfill %s: %w", hash.Hex(), err)
	}
	if _, err := tx.WaitMined(ctx, portal.ChainID, txHash); err != nil {
		return txHash, fmt.Errorf("negintent: fulfill %s: %w", hash.Hex(), err)
	}
	if err := s.intents.UpdateStatus(ctx, hash, domain.IntentFulfilled); err != nil {
		s.logger.Warn("mark intent fulfilled", slog.String("intent_hash", hash.Hex()), slog.String("error", err.Error()))
	}
	s.logger.Info("intent fulfilled", slog.String("intent_hash", hash.Hex()), slog.String("tx", txHash.Hex()))
	return txHash, nil
}

// Withdraw claims the reward of a proven intent and marks it WITHDRAWN.
func (s *Solver) Withdraw(ctx context.Context, wallet common.Address, intent domain.Intent) (common.Hash, error) {
	portal, ok := s.portals[intent.SourceChainID]
	if !ok {
		return common.Hash{}, fmt.Errorf("negintent: no intent source on %d: %w", intent.SourceChainID, domain.ErrNotFound)
	}
	tx, err := s.signers.For(wallet)
	if err != nil {
		return common.Hash{}, err
	}
	routeHash, _, hash, err := Hashes(intent)
	if err != nil {
		return common.Hash{}, err
	}
	data, err := intentSourceABI.Pack("withdrawRewards", routeHash, rewardOf(intent))
	if err != nil {
		return common.Hash{}, fmt.Errorf("negintent: pack withdrawRewards: %w", err)
	}
	txHash, err := tx.Send(ctx, domain.TxRequest{ChainID: portal.ChainID, To: portal.IntentSource, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("negintent: withdraw %s: %w", hash.Hex(), err)
	}
	if _, err := tx.WaitMined(ctx, portal.ChainID, txHash); err != nil {
		return txHash, fmt.Errorf("negintent: withdraw %s: %w", hash.Hex(), err)
	}
	if err := s.intents.UpdateStatus(ctx, intent.Hash, domain.IntentWithdrawn); err != nil {
		s.logger.Warn("mark intent withdrawn", slog.String("intent_hash", hash.Hex()), slog.String("error", err.Error()))
	}
	s.logger.Info("reward withdrawn", slog.String("intent_hash", hash.Hex()), slog.String("tx", txHash.Hex()))
	return txHash, nil
}
