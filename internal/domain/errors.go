package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrSigningFailed     = errors.New("signing failed")
	ErrLockHeld          = errors.New("lock already held")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRouteUnavailable means a provider cannot connect two tokens. It drives
	// fallback and is never surfaced past the orchestrator.
	ErrRouteUnavailable = errors.New("route unavailable")
	// ErrUnsupportedWallet means the wallet is not allowed to use a pathway.
	ErrUnsupportedWallet = errors.New("unsupported wallet")
	ErrSlippageTooHigh   = errors.New("slippage above maximum")
	// ErrExternalAPI wraps non-success responses from bridge or chain APIs.
	ErrExternalAPI = errors.New("external api error")

	ErrDeliveryFailed         = errors.New("delivery failed")
	ErrAttemptBudgetExhausted = errors.New("attempt budget exhausted")
	ErrNoManager              = errors.New("no job manager")
)
