package domain

import (
	"encoding/json"
	"math/big"
)

// Strategy identifies the provider that produced a quote. It routes execution
// and labels logs and metrics.
type Strategy string

const (
	StrategyLiFi                 Strategy = "LiFi"
	StrategyCCIP                 Strategy = "CCIP"
	StrategyCCTP                 Strategy = "CCTP"
	StrategyNegativeIntent       Strategy = "NegativeIntent"
	StrategyPublicNegativeIntent Strategy = "PublicNegativeIntent"
)

// Quote is one priced hop from TokenIn to TokenOut. AmountIn and AmountOut
// are in each token's own base units.
type Quote struct {
	ID       string        `json:"id,omitempty"`
	TokenIn  TokenPosition `json:"tokenIn"`
	TokenOut TokenPosition `json:"tokenOut"`
	AmountIn *big.Int      `json:"amountIn"`
	// AmountOut is the expected output.
	AmountOut *big.Int `json:"amountOut"`
	// MinAmountOut is the guaranteed output after slippage. Nil means AmountOut.
	MinAmountOut *big.Int        `json:"minAmountOut,omitempty"`
	Slippage     float64         `json:"slippage"`
	Strategy     Strategy        `json:"strategy"`
	Context      json.RawMessage `json:"context,omitempty"`

	GroupID     string `json:"groupId,omitempty"`
	RebalanceID string `json:"rebalanceId,omitempty"`
}

// Guaranteed returns MinAmountOut when set and AmountOut otherwise.
func (q Quote) Guaranteed() *big.Int {
	if q.MinAmountOut != nil {
		return q.MinAmountOut
	}
	return q.AmountOut
}

// TargetsToken reports whether the quote delivers into tok.
func (q Quote) TargetsToken(tok TokenPosition) bool {
	return q.TokenOut.Same(tok)
}

// RebalanceRequest is the set of quotes chosen for one deficit token.
type RebalanceRequest struct {
	Token  TokenAnalysis `json:"token"`
	Quotes []Quote       `json:"quotes"`
}
