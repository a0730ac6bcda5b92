package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/queue"
)

// Delivery is the job data of every delivery check.
type Delivery struct {
	Checkpoint

	RebalanceID        string         `json:"rebalanceId"`
	GroupID            string         `json:"groupId,omitempty"`
	Wallet             common.Address `json:"wallet"`
	SourceChainID      int64          `json:"sourceChainId"`
	DestinationChainID int64          `json:"destinationChainId"`
	// Ref identifies the transfer to the status source: a CCIP message id,
	// a CCTP message hash or a source transaction hash.
	Ref string `json:"ref"`
	// Payload carries source-specific data, e.g. the raw CCTP message.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Next is enqueued once the delivery succeeds instead of completing the
	// rebalance.
	Next *domain.JobSpec `json:"next,omitempty"`
}

// Result is one answer from a status source.
type Result struct {
	Status Status
	// Payload is handed to the chain function on success.
	Payload json.RawMessage
}

// Source reports the delivery status of a transfer, scanning from fromBlock.
type Source interface {
	Check(ctx context.Context, d Delivery, fromBlock uint64) (Result, error)
}

// BlockReader is the slice of the chain client a Manager needs.
type BlockReader interface {
	BlockNumber(ctx context.Context, chainID int64) (uint64, error)
}

// Notifier is told about deliveries that failed for good.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Recorder counts polls by job and status.
type Recorder interface {
	SettlementPolled(job string, status Status)
}

// ChainFunc decides which job, if any, follows a successful delivery.
type ChainFunc func(d Delivery, r Result) (*domain.JobSpec, error)

// Config tunes one delivery-check job class.
type Config struct {
	// Name is the job name this manager claims.
	Name string
	// MaxAttempts bounds pending polls before the check gives up.
	MaxAttempts int
	// Backoff spaces pending polls. Exponential backoff grows with PollCount.
	Backoff domain.Backoff
	// Lookback is how many blocks before the current one to scan from.
	Lookback uint64
}

// Manager runs delivery checks for one status source.
type Manager struct {
	queue.Named
	cfg      Config
	source   Source
	blocks   BlockReader
	jobs     domain.JobQueue
	store    domain.RebalanceStore
	notifier Notifier
	recorder Recorder
	chain    ChainFunc
	logger   *slog.Logger
}

var _ queue.Manager = (*Manager)(nil)

// NewManager builds a Manager. notifier may be nil.
func NewManager(cfg Config, source Source, blocks BlockReader, jobs domain.JobQueue, store domain.RebalanceStore, notifier Notifier, logger *slog.Logger) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Backoff.Delay <= 0 {
		cfg.Backoff = domain.Backoff{Type: domain.BackoffExponential, Delay: 10 * time.Second}
	}
	if cfg.Lookback == 0 {
		cfg.Lookback = 100
	}
	return &Manager{
		Named:    queue.Named(cfg.Name),
		cfg:      cfg,
		source:   source,
		blocks:   blocks,
		jobs:     jobs,
		store:    store,
		notifier: notifier,
		chain:    nextFromDelivery,
		logger:   logger.With(slog.String("component", "settlement"), slog.String("job", cfg.Name)),
	}
}

// SetChain replaces how the follow-up job is derived on success.
func (m *Manager) SetChain(fn ChainFunc) { m.chain = fn }

// SetRecorder attaches a poll recorder.
func (m *Manager) SetRecorder(r Recorder) { m.recorder = r }

func nextFromDelivery(d Delivery, _ Result) (*domain.JobSpec, error) {
	return d.Next, nil
}

// Process runs one poll.
func (m *Manager) Process(ctx context.Context, h *queue.Handle) (any, error) {
	var d Delivery
	if err := h.Decode(&d); err != nil {
		return nil, queue.Unrecoverable(err)
	}
	log := m.logger.With(slog.String("ref", d.Ref), slog.String("rebalance_id", d.RebalanceID))

	if d.FromBlockNumber == nil {
		current, err := m.blocks.BlockNumber(ctx, d.DestinationChainID)
		if err != nil {
			return nil, fmt.Errorf("settlement: %s: block number on %d: %w", m.cfg.Name, d.DestinationChainID, err)
		}
		from, _ := ResolveFromBlock(d.Checkpoint, current, m.cfg.Lookback)
		d.FromBlockNumber = &from
		if err := h.UpdateData(ctx, d); err != nil {
			return nil, err
		}
	}

	res, err := m.source.Check(ctx, d, *d.FromBlockNumber)
	if err != nil {
		log.Warn("status check failed, treating as pending", slog.String("error", err.Error()))
		res = Result{Status: StatusPending}
	}
	if m.recorder != nil {
		m.recorder.SettlementPolled(m.cfg.Name, res.Status)
	}

	next, outcome := Advance(d.Checkpoint, res.Status, m.cfg.MaxAttempts)
	d.Checkpoint = next

	switch outcome {
	case OutcomeComplete:
		log.Info("delivery confirmed", slog.Int("polls", d.PollCount))
		return res, nil
	case OutcomeDeliveryFailed:
		return nil, queue.Unrecoverable(fmt.Errorf("settlement: %s %s: %w", m.cfg.Name, d.Ref, domain.ErrDeliveryFailed))
	}

	if err := h.UpdateData(ctx, d); err != nil {
		return nil, err
	}
	if outcome == OutcomeExhausted {
		return nil, queue.Unrecoverable(fmt.Errorf("settlement: %s %s after %d polls: %w",
			m.cfg.Name, d.Ref, d.PollCount, domain.ErrAttemptBudgetExhausted))
	}

	delay := m.cfg.Backoff.After(d.PollCount)
	log.Debug("delivery pending", slog.Int("poll_count", d.PollCount), slog.Duration("next_in", delay))
	h.MoveToDelayed(delay)
	return nil, nil
}

// OnComplete enqueues the follow-up leg, or completes the rebalance when
// there is none.
func (m *Manager) OnComplete(ctx context.Context, h *queue.Handle, result any) {
	var d Delivery
	if err := h.Decode(&d); err != nil {
		m.logger.Error("decode completed job", slog.String("error", err.Error()))
		return
	}
	res, _ := result.(Result)

	spec, err := m.chain(d, res)
	if err != nil {
		m.logger.Error("build follow-up job", slog.String("ref", d.Ref), slog.String("error", err.Error()))
		m.fail(ctx, d, err)
		return
	}
	if spec == nil {
		m.setStatus(ctx, d.RebalanceID, domain.RebalanceCompleted)
		return
	}
	if _, err := m.jobs.Add(ctx, spec.Name, spec.Data, domain.JobOptions{JobID: spec.JobID, GroupKey: spec.GroupKey}); err != nil {
		m.logger.Error("enqueue follow-up job",
			slog.String("ref", d.Ref),
			slog.String("next", spec.Name),
			slog.String("error", err.Error()),
		)
		m.fail(ctx, d, err)
		return
	}
	m.logger.Info("follow-up job enqueued", slog.String("ref", d.Ref), slog.String("next", spec.Name))
}

// OnFailed marks the rebalance FAILED.
func (m *Manager) OnFailed(ctx context.Context, h *queue.Handle, err error) {
	var d Delivery
	if derr := h.Decode(&d); derr != nil {
		m.logger.Error("decode failed job", slog.String("error", derr.Error()))
		return
	}
	m.fail(ctx, d, err)
}

func (m *Manager) fail(ctx context.Context, d Delivery, cause error) {
	m.setStatus(ctx, d.RebalanceID, domain.RebalanceFailed)
	if m.notifier == nil {
		return
	}
	msg := fmt.Sprintf("rebalance %s (%s) failed: %v", d.RebalanceID, d.Ref, cause)
	if err := m.notifier.Notify(ctx, "rebalance_failed", "Rebalance failed", msg); err != nil {
		m.logger.Warn("notify failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) setStatus(ctx context.Context, id string, status domain.RebalanceStatus) {
	if id == "" {
		return
	}
	err := m.store.UpdateStatus(ctx, id, status)
	switch {
	case err == nil:
		m.logger.Info("rebalance status updated", slog.String("rebalance_id", id), slog.String("status", string(status)))
	case errors.Is(err, domain.ErrInvalidTransition):
		m.logger.Debug("rebalance already terminal", slog.String("rebalance_id", id))
	default:
		m.logger.Error("update rebalance status",
			slog.String("rebalance_id", id),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

// DefaultDelay is how long a new delivery check waits before its first poll.
const DefaultDelay = 30 * time.Second

// Enqueue schedules a delivery check for d under job name. The job id is
// derived from name and Ref, so executing the same transfer twice does not
// start a second check.
func Enqueue(ctx context.Context, q domain.JobQueue, name string, d Delivery, delay time.Duration) (domain.Job, error) {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return queue.Enqueue(ctx, q, name, d, domain.JobOptions{JobID: name + ":" + d.Ref, Delay: delay})
}
