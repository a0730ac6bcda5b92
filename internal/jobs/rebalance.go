package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/queue"
	"github.com/alanyoungcy/rebalancer/internal/service"
)

// Executor runs the quotes of one stored rebalance request.
type Executor interface {
	ExecuteRebalancing(ctx context.Context, wallet common.Address, quotes []domain.Quote, final bool) error
}

// Notifier alerts operators.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// RebalanceManager executes a rebalance request. A failed execution is only
// retried when nothing was sent; quotes already sent cannot be replayed
// safely.
type RebalanceManager struct {
	queue.Named
	exec     Executor
	notifier Notifier
	logger   *slog.Logger
}

var _ queue.Manager = (*RebalanceManager)(nil)

func NewRebalanceManager(exec Executor, notifier Notifier, logger *slog.Logger) *RebalanceManager {
	return &RebalanceManager{
		Named:    queue.Named(domain.JobRebalance),
		exec:     exec,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "rebalance_job")),
	}
}

func (m *RebalanceManager) Process(ctx context.Context, h *queue.Handle) (any, error) {
	var data service.RebalanceJob
	if err := h.Decode(&data); err != nil {
		return nil, queue.Unrecoverable(err)
	}
	if err := m.exec.ExecuteRebalancing(ctx, data.Wallet, data.Request.Quotes, h.IsFinalAttempt()); err != nil {
		var xe *service.ExecutionError
		if errors.As(err, &xe) && xe.Retryable() {
			return nil, err
		}
		return nil, queue.Unrecoverable(err)
	}
	return len(data.Request.Quotes), nil
}

func (m *RebalanceManager) OnComplete(_ context.Context, h *queue.Handle, result any) {
	m.logger.Info("rebalance executed", slog.String("group_id", h.ID()), slog.Any("quotes", result))
}

func (m *RebalanceManager) OnFailed(ctx context.Context, h *queue.Handle, err error) {
	m.logger.Error("rebalance failed", slog.String("group_id", h.ID()), slog.String("error", err.Error()))
	notify(ctx, m.notifier, m.logger, "rebalance_failed", "Rebalance failed",
		fmt.Sprintf("rebalance group %s failed: %v", h.ID(), err))
}

func notify(ctx context.Context, n Notifier, logger *slog.Logger, event, title, msg string) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, event, title, msg); err != nil {
		logger.Warn("notify failed", slog.String("error", err.Error()))
	}
}

// setStatus moves a rebalance to a terminal status, ignoring rows that are
// already terminal.
func setStatus(ctx context.Context, store domain.RebalanceStore, logger *slog.Logger, id string, status domain.RebalanceStatus) {
	if id == "" {
		return
	}
	if err := store.UpdateStatus(ctx, id, status); err != nil {
		logger.Warn("update rebalance status",
			slog.String("rebalance_id", id),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("rebalance status updated", slog.String("rebalance_id", id), slog.String("status", string(status)))
}
