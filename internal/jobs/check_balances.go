// Package jobs holds the queue managers of the liquidity manager: the
// recurring balance check, rebalance execution and the follow-up legs of
// multi-step pathways.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/queue"
)

// CheckBalancesJob is the data of a check_balances job.
type CheckBalancesJob struct {
	Wallet common.Address `json:"wallet"`
}

// Rebalancer runs one check-balances cycle for a wallet.
type Rebalancer interface {
	Rebalance(ctx context.Context, wallet common.Address) ([]domain.RebalanceRequest, error)
}

// CheckBalancesManager runs the rebalance cycle of one wallet while holding
// the wallet's cycle lock, so overlapping cycles across processes are
// skipped.
type CheckBalancesManager struct {
	queue.Named
	svc     Rebalancer
	locks   domain.LockManager
	lockTTL time.Duration
	logger  *slog.Logger
}

var _ queue.Manager = (*CheckBalancesManager)(nil)

// NewCheckBalancesManager creates the manager. locks may be nil, in which
// case cycles are only serialized by the queue's admission policy.
func NewCheckBalancesManager(svc Rebalancer, locks domain.LockManager, lockTTL time.Duration, logger *slog.Logger) *CheckBalancesManager {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &CheckBalancesManager{
		Named:   queue.Named(domain.JobCheckBalances),
		svc:     svc,
		locks:   locks,
		lockTTL: lockTTL,
		logger:  logger.With(slog.String("component", "check_balances")),
	}
}

// CycleLockKey is the lock held while a wallet's cycle runs.
func CycleLockKey(wallet common.Address) string {
	return "rebalancer:cycle:" + strings.ToLower(wallet.Hex())
}

func (m *CheckBalancesManager) Process(ctx context.Context, h *queue.Handle) (any, error) {
	var data CheckBalancesJob
	if err := h.Decode(&data); err != nil {
		return nil, queue.Unrecoverable(err)
	}
	if m.locks != nil {
		unlock, err := m.locks.Acquire(ctx, CycleLockKey(data.Wallet), m.lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			m.logger.Info("cycle already running, skipping", slog.String("wallet", data.Wallet.Hex()))
			return 0, nil
		}
		if err != nil {
			return nil, fmt.Errorf("check_balances: cycle lock: %w", err)
		}
		defer unlock()
	}

	start := time.Now()
	requests, err := m.svc.Rebalance(ctx, data.Wallet)
	if err != nil {
		return nil, fmt.Errorf("check_balances: %s: %w", data.Wallet.Hex(), err)
	}
	m.logger.Info("cycle finished",
		slog.String("wallet", data.Wallet.Hex()),
		slog.Int("rebalances", len(requests)),
		slog.Duration("took", time.Since(start)),
	)
	return len(requests), nil
}

func (m *CheckBalancesManager) OnComplete(context.Context, *queue.Handle, any) {}

func (m *CheckBalancesManager) OnFailed(_ context.Context, h *queue.Handle, err error) {
	m.logger.Error("check balances failed", slog.String("job_id", h.ID()), slog.String("error", err.Error()))
}

// SchedulerID names the recurring check_balances scheduler of a wallet.
func SchedulerID(wallet common.Address) string {
	return domain.JobCheckBalances + ":" + strings.ToLower(wallet.Hex())
}

// ScheduleCheckBalances (re)installs one recurring check_balances scheduler
// per wallet.
func ScheduleCheckBalances(ctx context.Context, q domain.JobQueue, wallets []common.Address, every time.Duration) error {
	for _, w := range wallets {
		spec, err := queue.Spec(domain.JobCheckBalances, CheckBalancesJob{Wallet: w}, "", strings.ToLower(w.Hex()))
		if err != nil {
			return err
		}
		if err := q.UpsertScheduler(ctx, SchedulerID(w), every, spec); err != nil {
			return fmt.Errorf("check_balances: schedule %s: %w", w.Hex(), err)
		}
	}
	return nil
}
