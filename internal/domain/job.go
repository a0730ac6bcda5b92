package domain

import (
	"encoding/json"
	"math"
	"time"
)

// BackoffType selects how retry delays grow.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff describes the retry delay policy for a job.
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// After returns the delay before retry number attempt (1-based).
func (b Backoff) After(attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential || attempt <= 1 {
		return b.Delay
	}
	mult := math.Pow(2, float64(attempt-1))
	d := time.Duration(float64(b.Delay) * mult)
	if d <= 0 || d > 24*time.Hour {
		return 24 * time.Hour
	}
	return d
}

// Job is a durable unit of queued work. Data is mutated in place across
// retries through the queue's Save.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	GroupKey     string          `json:"groupKey,omitempty"`
	Data         json.RawMessage `json:"data"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	Backoff      Backoff         `json:"backoff"`
	ProcessAt    time.Time       `json:"processAt"`
	CreatedAt    time.Time       `json:"createdAt"`
	FailedReason string          `json:"failedReason,omitempty"`
}

// JobOptions are per-job enqueue options.
type JobOptions struct {
	// JobID deduplicates: adding a job whose ID already exists is a no-op.
	JobID    string
	Delay    time.Duration
	Attempts int
	Backoff  Backoff
	GroupKey string
}

// JobSpec is a job to enqueue later, e.g. the next leg of a compound pathway.
type JobSpec struct {
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data"`
	JobID    string          `json:"jobId,omitempty"`
	GroupKey string          `json:"groupKey,omitempty"`
}

// QueueCounts is a point-in-time snapshot of queue depth.
type QueueCounts struct {
	Waiting int
	Delayed int
	Active  int
	Failed  int
}

// Job names. Each is claimed by exactly one manager.
const (
	JobCheckBalances         = "check_balances"
	JobRebalance             = "rebalance"
	JobCheckCCIPDelivery     = "check_ccip_delivery"
	JobCheckCCTPAttestation  = "check_cctp_attestation"
	JobCheckLiFiStatus       = "check_lifi_status"
	JobCCTPMint              = "cctp_mint"
	JobDestinationSwap       = "destination_swap"
	JobFulfillNegativeIntent = "fulfill_negative_intent"
	JobWithdrawNegIntent     = "withdraw_negative_intent"
)
