// Package settlement confirms asynchronous cross-chain deliveries. A delivery
// check is a queued job that polls a status source from a fixed block
// checkpoint until the transfer succeeds, fails, or runs out of polls.
package settlement

// Status is what a status source reports for one delivery.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Outcome is the decision taken after one poll.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeComplete
	OutcomeDeliveryFailed
	OutcomeExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeComplete:
		return "complete"
	case OutcomeDeliveryFailed:
		return "delivery_failed"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "pending"
	}
}

// Checkpoint is the progress a delivery check carries between polls. It is
// stored inside the job data so a restarted worker resumes where it stopped.
type Checkpoint struct {
	FromBlockNumber *uint64 `json:"fromBlockNumber,omitempty"`
	PollCount       int     `json:"pollCount"`
}

// ResolveFromBlock returns the block to scan from. A checkpoint that already
// has one keeps it; otherwise it is current-lookback, saturating at zero, and
// changed is true so the caller persists it.
func ResolveFromBlock(cp Checkpoint, current, lookback uint64) (from uint64, changed bool) {
	if cp.FromBlockNumber != nil {
		return *cp.FromBlockNumber, false
	}
	if current < lookback {
		return 0, true
	}
	return current - lookback, true
}

// Advance applies one poll result. Only a pending poll consumes the budget.
func Advance(cp Checkpoint, status Status, maxAttempts int) (Checkpoint, Outcome) {
	switch status {
	case StatusSuccess:
		return cp, OutcomeComplete
	case StatusFailure:
		return cp, OutcomeDeliveryFailed
	}
	cp.PollCount++
	if cp.PollCount >= maxAttempts {
		return cp, OutcomeExhausted
	}
	return cp, OutcomePending
}
