package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/provider/cctp"
	"github.com/alanyoungcy/rebalancer/internal/queue"
)

// Minter redeems an attested CCTP message on its destination chain.
type Minter interface {
	ReceiveMessage(ctx context.Context, wallet common.Address, chainID int64, message, attestation []byte) (common.Hash, error)
}

// DestinationSwapJob is the data of a destination_swap job.
type DestinationSwapJob struct {
	RebalanceID string         `json:"rebalanceId"`
	Wallet      common.Address `json:"wallet"`
	MessageHash string         `json:"messageHash,omitempty"`
	Quote       domain.Quote   `json:"quote"`
}

// Destination swap retry policy.
const (
	DestinationSwapAttempts = 3
	DestinationSwapBackoff  = 15 * time.Second
)

// CCTPMintManager mints attested USDC and either completes the rebalance or
// hands off to the destination swap.
type CCTPMintManager struct {
	queue.Named
	minter Minter
	jobs   domain.JobQueue
	store  domain.RebalanceStore
	logger *slog.Logger
}

var _ queue.Manager = (*CCTPMintManager)(nil)

func NewCCTPMintManager(minter Minter, jobs domain.JobQueue, store domain.RebalanceStore, logger *slog.Logger) *CCTPMintManager {
	return &CCTPMintManager{
		Named:  queue.Named(domain.JobCCTPMint),
		minter: minter,
		jobs:   jobs,
		store:  store,
		logger: logger.With(slog.String("component", "cctp_mint")),
	}
}

func (m *CCTPMintManager) Process(ctx context.Context, h *queue.Handle) (any, error) {
	var data cctp.MintJob
	if err := h.Decode(&data); err != nil {
		return nil, queue.Unrecoverable(err)
	}
	tx, err := m.minter.ReceiveMessage(ctx, data.Wallet, data.DestinationChainID, data.Message, data.Attestation)
	if err != nil {
		return nil, fmt.Errorf("cctp_mint: %s: %w", data.MessageHash, err)
	}
	m.logger.Info("usdc minted",
		slog.String("message_hash", data.MessageHash),
		slog.String("tx", tx.Hex()),
		slog.Int64("chain_id", data.DestinationChainID),
	)
	return tx.Hex(), nil
}

func (m *CCTPMintManager) OnComplete(ctx context.Context, h *queue.Handle, _ any) {
	var data cctp.MintJob
	if err := h.Decode(&data); err != nil {
		m.logger.Error("decode completed job", slog.String("error", err.Error()))
		return
	}
	if data.DestinationSwap == nil {
		setStatus(ctx, m.store, m.logger, data.RebalanceID, domain.RebalanceCompleted)
		return
	}
	swap := *data.DestinationSwap
	swap.RebalanceID = data.RebalanceID
	swap.GroupID = data.GroupID
	_, err := queue.Enqueue(ctx, m.jobs, domain.JobDestinationSwap,
		DestinationSwapJob{RebalanceID: data.RebalanceID, Wallet: data.Wallet, MessageHash: data.MessageHash, Quote: swap},
		domain.JobOptions{
			JobID:    "destination_swap:" + data.MessageHash,
			GroupKey: strings.ToLower(data.Wallet.Hex()),
			Attempts: DestinationSwapAttempts,
			Backoff:  domain.Backoff{Type: domain.BackoffExponential, Delay: DestinationSwapBackoff},
		})
	if err != nil {
		m.logger.Error("enqueue destination swap", slog.String("message_hash", data.MessageHash), slog.String("error", err.Error()))
		setStatus(ctx, m.store, m.logger, data.RebalanceID, domain.RebalanceFailed)
		return
	}
	m.logger.Info("destination swap enqueued", slog.String("message_hash", data.MessageHash))
}

func (m *CCTPMintManager) OnFailed(ctx context.Context, h *queue.Handle, err error) {
	var data cctp.MintJob
	if derr := h.Decode(&data); derr != nil {
		m.logger.Error("decode failed job", slog.String("error", derr.Error()))
		return
	}
	m.logger.Error("mint failed", slog.String("message_hash", data.MessageHash), slog.String("error", err.Error()))
	setStatus(ctx, m.store, m.logger, data.RebalanceID, domain.RebalanceFailed)
}
