package negintent

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

// ProvenStream is the event stream proven intent hashes are appended to.
const ProvenStream = "intents:proven"

// WithdrawJob is the data of a withdraw_negative_intent job.
type WithdrawJob struct {
	IntentHash common.Hash    `json:"intentHash"`
	Wallet     common.Address `json:"wallet"`
}

// Monitor reacts to proven intents by scheduling the reward withdrawal of
// the negative ones.
type Monitor struct {
	intents domain.IntentStore
	jobs    domain.JobQueue
	wallet  common.Address
	logger  *slog.Logger
}

// NewMonitor creates a Monitor. wallet is the claimant that withdraws.
func NewMonitor(intents domain.IntentStore, jobs domain.JobQueue, wallet common.Address, logger *slog.Logger) *Monitor {
	return &Monitor{
		intents: intents,
		jobs:    jobs,
		wallet:  wallet,
		logger:  logger.With(slog.String("component", "negintent_monitor")),
	}
}

// OnIntentProven enqueues withdraw_negative_intent for a proven negative
// intent. Unknown or non-negative intents are ignored.
func (m *Monitor) OnIntentProven(ctx context.Context, hash common.Hash) error {
	intent, err := m.intents.Get(ctx, hash)
	if errors.Is(err, domain.ErrNotFound) {
		m.logger.Warn("proven intent not found", slog.String("intent_hash", hash.Hex()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("negintent: get intent %s: %w", hash.Hex(), err)
	}
	if !intent.Negative && !IsNegative(intent) {
		m.logger.Debug("proven intent is not negative", slog.String("intent_hash", hash.Hex()))
		return nil
	}
	if err := m.intents.UpdateStatus(ctx, hash, domain.IntentProven); err != nil {
		m.logger.Warn("mark intent proven", slog.String("intent_hash", hash.Hex()), slog.String("error", err.Error()))
	}
	_, err = queue.Enqueue(ctx, m.jobs, domain.JobWithdrawNegIntent,
		WithdrawJob{IntentHash: hash, Wallet: m.wallet},
		domain.JobOptions{JobID: "withdraw:" + hash.Hex()})
	if err != nil {
		return fmt.Errorf("negintent: enqueue withdraw %s: %w", hash.Hex(), err)
	}
	m.logger.Info("withdraw scheduled", slog.String("intent_hash", hash.Hex()))
	return nil
}

// Consume reads proven intent hashes from stream and hands each to
// OnIntentProven until ctx is done.
func (m *Monitor) Consume(ctx context.Context, stream domain.EventStream, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	lastID := "0"
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		msgs, err := stream.StreamRead(ctx, ProvenStream, lastID, 100)
		if err != nil && ctx.Err() == nil {
			m.logger.Warn("read proven stream", slog.String("error", err.Error()))
		}
		for _, msg := range msgs {
			lastID = msg.ID
			raw := strings.TrimSpace(string(msg.Payload))
			if !strings.HasPrefix(raw, "0x") || len(raw) != 66 {
				m.logger.Warn("malformed proven event", slog.String("id", msg.ID))
				continue
			}
			if err := m.OnIntentProven(ctx, common.HexToHash(raw)); err != nil {
				m.logger.Error("handle proven intent", slog.String("id", msg.ID), slog.String("error", err.Error()))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
