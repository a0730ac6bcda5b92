package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/provider/negintent"
	"github.com/alanyoungcy/rebalancer/internal/queue"
)

// IntentSolver fulfills intents and withdraws their rewards.
type IntentSolver interface {
	Fulfill(ctx context.Context, wallet common.Address, intent domain.Intent) (common.Hash, error)
	Withdraw(ctx context.Context, wallet common.Address, intent domain.Intent) (common.Hash, error)
}

// FulfillManager fulfills one selected negative intent. The intent is read
// again because it may have been fulfilled or removed since it was quoted.
// The rebalance is COMPLETED once none of its sibling intents is pending and
// FAILED as soon as one fulfill job fails for good.
type FulfillManager struct {
	queue.Named
	intents    domain.IntentStore
	rebalances domain.RebalanceStore
	solver     IntentSolver
	logger     *slog.Logger
}

var _ queue.Manager = (*FulfillManager)(nil)

func NewFulfillManager(intents domain.IntentStore, rebalances domain.RebalanceStore, solver IntentSolver, logger *slog.Logger) *FulfillManager {
	return &FulfillManager{
		Named:      queue.Named(domain.JobFulfillNegativeIntent),
		intents:    intents,
		rebalances: rebalances,
		solver:     solver,
		logger:     logger.With(slog.String("component", "fulfill_intent")),
	}
}

func (m *FulfillManager) Process(ctx context.Context, h *queue.Handle) (any, error) {
	var data negintent.FulfillJob
	if err := h.Decode(&data); err != nil {
		return nil, queue.Unrecoverable(err)
	}
	intent, ok, err := lookupIntent(ctx, m.intents, data.IntentHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.logger.Warn("intent not found, skipping", slog.String("intent_hash", data.IntentHash.Hex()))
		return nil, nil
	}
	if intent.Status != domain.IntentPending {
		m.logger.Info("intent no longer pending, skipping",
			slog.String("intent_hash", data.IntentHash.Hex()),
			slog.String("status", string(intent.Status)),
		)
		return nil, nil
	}
	tx, err := m.solver.Fulfill(ctx, data.Wallet, intent)
	if err != nil {
		return nil, fmt.Errorf("fulfill_intent: %s: %w", data.IntentHash.Hex(), err)
	}
	return tx.Hex(), nil
}

func (m *FulfillManager) OnComplete(ctx context.Context, h *queue.Handle, _ any) {
	var data negintent.FulfillJob
	if err := h.Decode(&data); err != nil || data.RebalanceID == "" {
		return
	}
	siblings := data.Siblings
	if len(siblings) == 0 {
		siblings = []common.Hash{data.IntentHash}
	}
	for _, hash := range siblings {
		intent, ok, err := lookupIntent(ctx, m.intents, hash)
		if err != nil {
			m.logger.Warn("check sibling intent",
				slog.String("rebalance_id", data.RebalanceID),
				slog.String("intent_hash", hash.Hex()),
				slog.String("error", err.Error()),
			)
			return
		}
		if ok && intent.Status == domain.IntentPending {
			return
		}
	}
	setStatus(ctx, m.rebalances, m.logger, data.RebalanceID, domain.RebalanceCompleted)
}

func (m *FulfillManager) OnFailed(ctx context.Context, h *queue.Handle, err error) {
	m.logger.Error("fulfill failed", slog.String("job_id", h.ID()), slog.String("error", err.Error()))
	var data negintent.FulfillJob
	if h.Decode(&data) != nil {
		return
	}
	setStatus(ctx, m.rebalances, m.logger, data.RebalanceID, domain.RebalanceFailed)
}

// WithdrawManager claims the reward of a proven negative intent.
type WithdrawManager struct {
	queue.Named
	intents domain.IntentStore
	solver  IntentSolver
	logger  *slog.Logger
}

var _ queue.Manager = (*WithdrawManager)(nil)

func NewWithdrawManager(intents domain.IntentStore, solver IntentSolver, logger *slog.Logger) *WithdrawManager {
	return &WithdrawManager{
		Named:   queue.Named(domain.JobWithdrawNegIntent),
		intents: intents,
		solver:  solver,
		logger:  logger.With(slog.String("component", "withdraw_intent")),
	}
}

func (m *WithdrawManager) Process(ctx context.Context, h *queue.Handle) (any, error) {
	var data negintent.WithdrawJob
	if err := h.Decode(&data); err != nil {
		return nil, queue.Unrecoverable(err)
	}
	intent, ok, err := lookupIntent(ctx, m.intents, data.IntentHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, queue.Unrecoverable(fmt.Errorf("withdraw_intent: %s: %w", data.IntentHash.Hex(), domain.ErrNotFound))
	}
	if intent.Status == domain.IntentWithdrawn {
		return nil, nil
	}
	tx, err := m.solver.Withdraw(ctx, data.Wallet, intent)
	if err != nil {
		return nil, fmt.Errorf("withdraw_intent: %s: %w", data.IntentHash.Hex(), err)
	}
	return tx.Hex(), nil
}

func (m *WithdrawManager) OnComplete(context.Context, *queue.Handle, any) {}

func (m *WithdrawManager) OnFailed(_ context.Context, h *queue.Handle, err error) {
	m.logger.Error("withdraw failed", slog.String("job_id", h.ID()), slog.String("error", err.Error()))
}

func lookupIntent(ctx context.Context, store domain.IntentStore, hash common.Hash) (domain.Intent, bool, error) {
	intent, err := store.Get(ctx, hash)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Intent{}, false, nil
	}
	if err != nil {
		return domain.Intent{}, false, fmt.Errorf("intents: get %s: %w", hash.Hex(), err)
	}
	return intent, true, nil
}

func amountString(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}
