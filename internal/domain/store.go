package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RebalanceStore persists rebalance attempts. UpdateStatus must reject any
// transition out of a terminal state with ErrInvalidTransition.
type RebalanceStore interface {
	Create(ctx context.Context, r Rebalance) error
	Get(ctx context.Context, id string) (Rebalance, error)
	UpdateStatus(ctx context.Context, id string, status RebalanceStatus) error
	ListByGroup(ctx context.Context, groupID string) ([]Rebalance, error)
	// PendingReservedByToken sums AmountIn of PENDING attempts per TokenKey of
	// TokenIn for wallet.
	PendingReservedByToken(ctx context.Context, wallet common.Address) (map[string]*big.Int, error)
	// PendingIncomingByToken sums AmountOut of PENDING attempts per TokenKey
	// of TokenOut for wallet.
	PendingIncomingByToken(ctx context.Context, wallet common.Address) (map[string]*big.Int, error)
}

// IntentStore persists intents observed on-protocol or published by us.
type IntentStore interface {
	Upsert(ctx context.Context, intent Intent) error
	Get(ctx context.Context, hash common.Hash) (Intent, error)
	// ListOpen returns PENDING intents whose route token sits on
	// f.RouteChainID (the intent's destination) and whose reward token sits
	// on f.RewardChainID (the intent's source).
	ListOpen(ctx context.Context, f IntentFilter) ([]Intent, error)
	UpdateStatus(ctx context.Context, hash common.Hash, status IntentStatus) error
}

// BalanceSource returns live positions for a wallet.
type BalanceSource interface {
	Positions(ctx context.Context, wallet common.Address, tokens []TokenConfig) ([]TokenPosition, error)
}

// JobQueue is the durable queue backend the scheduler runs on.
type JobQueue interface {
	// Add enqueues a job. If opts.JobID already exists the existing job is
	// returned unchanged.
	Add(ctx context.Context, name string, data []byte, opts JobOptions) (Job, error)
	AddBulk(ctx context.Context, specs []JobSpec, opts JobOptions) ([]Job, error)
	// Reserve moves due delayed jobs and due schedulers to waiting, then pops
	// the next waiting job as active. It returns nil when nothing is ready.
	Reserve(ctx context.Context) (*Job, error)
	// Save persists the job's mutable fields (Data, AttemptsMade).
	Save(ctx context.Context, job Job) error
	Complete(ctx context.Context, id string) error
	// Retry moves an active job to delayed until processAt.
	Retry(ctx context.Context, job Job) error
	Fail(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	UpsertScheduler(ctx context.Context, schedulerID string, every time.Duration, spec JobSpec) error
	RemoveScheduler(ctx context.Context, schedulerID string) error
	Counts(ctx context.Context) (QueueCounts, error)
}
