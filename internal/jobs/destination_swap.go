package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/queue"
)

// Swapper executes a same-chain swap quote.
type Swapper interface {
	Execute(ctx context.Context, wallet common.Address, q domain.Quote) (string, error)
}

// DestinationSwapManager swaps bridged funds into the token the rebalance
// targeted. A final failure leaves bridged USDC on the destination chain and
// is escalated.
type DestinationSwapManager struct {
	queue.Named
	swapper  Swapper
	store    domain.RebalanceStore
	notifier Notifier
	logger   *slog.Logger
}

var _ queue.Manager = (*DestinationSwapManager)(nil)

func NewDestinationSwapManager(swapper Swapper, store domain.RebalanceStore, notifier Notifier, logger *slog.Logger) *DestinationSwapManager {
	return &DestinationSwapManager{
		Named:    queue.Named(domain.JobDestinationSwap),
		swapper:  swapper,
		store:    store,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "destination_swap")),
	}
}

func (m *DestinationSwapManager) Process(ctx context.Context, h *queue.Handle) (any, error) {
	var data DestinationSwapJob
	if err := h.Decode(&data); err != nil {
		return nil, queue.Unrecoverable(err)
	}
	ref, err := m.swapper.Execute(ctx, data.Wallet, data.Quote)
	if err != nil {
		m.logger.Warn("destination swap attempt failed",
			slog.String("rebalance_id", data.RebalanceID),
			slog.Int("attempt", h.AttemptsMade()+1),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("destination_swap: %s: %w", data.RebalanceID, err)
	}
	return ref, nil
}

func (m *DestinationSwapManager) OnComplete(ctx context.Context, h *queue.Handle, result any) {
	var data DestinationSwapJob
	if err := h.Decode(&data); err != nil {
		m.logger.Error("decode completed job", slog.String("error", err.Error()))
		return
	}
	m.logger.Info("destination swap completed", slog.String("rebalance_id", data.RebalanceID), slog.Any("tx", result))
	setStatus(ctx, m.store, m.logger, data.RebalanceID, domain.RebalanceCompleted)
}

func (m *DestinationSwapManager) OnFailed(ctx context.Context, h *queue.Handle, err error) {
	var data DestinationSwapJob
	if derr := h.Decode(&data); derr != nil {
		m.logger.Error("decode failed job", slog.String("error", derr.Error()))
		return
	}
	m.logger.Error("stranded funds: destination swap failed",
		slog.String("rebalance_id", data.RebalanceID),
		slog.String("wallet", data.Wallet.Hex()),
		slog.Int64("chain_id", data.Quote.TokenIn.ChainID),
		slog.String("token", data.Quote.TokenIn.Address.Hex()),
		slog.String("amount", amountString(data.Quote.AmountIn)),
		slog.String("message_hash", data.MessageHash),
		slog.String("error", err.Error()),
	)
	setStatus(ctx, m.store, m.logger, data.RebalanceID, domain.RebalanceFailed)
	notify(ctx, m.notifier, m.logger, "stranded_funds", "Destination swap failed",
		fmt.Sprintf("rebalance %s: %s of %s left on chain %d: %v",
			data.RebalanceID, amountString(data.Quote.AmountIn), data.Quote.TokenIn.Address.Hex(), data.Quote.TokenIn.ChainID, err))
}
