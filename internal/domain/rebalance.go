package domain

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RebalanceStatus is the lifecycle of one persisted rebalance attempt.
type RebalanceStatus string

const (
	RebalancePending   RebalanceStatus = "PENDING"
	RebalanceCompleted RebalanceStatus = "COMPLETED"
	RebalanceFailed    RebalanceStatus = "FAILED"
)

// Terminal reports whether s can no longer change.
func (s RebalanceStatus) Terminal() bool {
	return s == RebalanceCompleted || s == RebalanceFailed
}

// CanTransition reports whether from -> to is allowed. Only PENDING may move,
// and only to a terminal state.
func CanTransition(from, to RebalanceStatus) bool {
	return from == RebalancePending && to.Terminal()
}

// Rebalance is one persisted rebalance attempt, created per stored quote.
type Rebalance struct {
	ID        string          `json:"id"`
	GroupID   string          `json:"groupId"`
	Wallet    common.Address  `json:"wallet"`
	Strategy  Strategy        `json:"strategy"`
	TokenIn   TokenPosition   `json:"tokenIn"`
	TokenOut  TokenPosition   `json:"tokenOut"`
	AmountIn  *big.Int        `json:"amountIn"`
	AmountOut *big.Int        `json:"amountOut"`
	Slippage  float64         `json:"slippage"`
	Context   json.RawMessage `json:"context,omitempty"`
	Status    RebalanceStatus `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// RebalanceFromQuote builds a PENDING attempt record from a stored quote.
func RebalanceFromQuote(wallet common.Address, q Quote) Rebalance {
	now := time.Now().UTC()
	return Rebalance{
		ID:        q.RebalanceID,
		GroupID:   q.GroupID,
		Wallet:    wallet,
		Strategy:  q.Strategy,
		TokenIn:   q.TokenIn,
		TokenOut:  q.TokenOut,
		AmountIn:  new(big.Int).Set(q.AmountIn),
		AmountOut: new(big.Int).Set(q.AmountOut),
		Slippage:  q.Slippage,
		Context:   q.Context,
		Status:    RebalancePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
