package domain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TokenConfig is the static per-token configuration tracked for a wallet.
// MinBalance and TargetBalance are whole-token amounts (not base units).
type TokenConfig struct {
	ChainID       int64
	Address       common.Address
	Decimals      uint8
	Symbol        string
	MinBalance    float64
	TargetBalance float64
}

// TokenPosition is a balance snapshot taken at analysis time. It is never
// mutated once built; each cycle fetches a fresh one.
type TokenPosition struct {
	ChainID  int64          `json:"chainId"`
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
	Symbol   string         `json:"symbol,omitempty"`
	// Balance is in the token's base units.
	Balance *big.Int `json:"balance"`
	// MinBalance and TargetBalance are in the token's base units.
	MinBalance    *big.Int `json:"minBalance"`
	TargetBalance *big.Int `json:"targetBalance"`
}

// Key returns the "chainID:addressLower" key used by reservation maps.
func (p TokenPosition) Key() string {
	return TokenKey(p.ChainID, p.Address)
}

// Same reports whether two positions refer to the same token on the same chain.
func (p TokenPosition) Same(o TokenPosition) bool {
	return p.ChainID == o.ChainID && p.Address == o.Address
}

// WithBalance returns a copy of p with a replaced balance.
func (p TokenPosition) WithBalance(balance *big.Int) TokenPosition {
	p.Balance = new(big.Int).Set(balance)
	return p
}

func (p TokenPosition) String() string {
	if p.Symbol != "" {
		return fmt.Sprintf("%s@%d", p.Symbol, p.ChainID)
	}
	return fmt.Sprintf("%s@%d", p.Address.Hex(), p.ChainID)
}

// TokenKey builds the reservation-map key for a token.
func TokenKey(chainID int64, addr common.Address) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToLower(addr.Hex()))
}

// TokenState classifies a position against its target band.
type TokenState string

const (
	TokenSurplus TokenState = "SURPLUS"
	TokenDeficit TokenState = "DEFICIT"
	TokenInRange TokenState = "IN_RANGE"
)

// Band is the acceptable normalized balance range after rebalancing.
type Band struct {
	Min *big.Int `json:"min"`
	Max *big.Int `json:"max"`
}

// TokenAnalysis is a classified position. Current, Target, Diff and Band are
// all normalized to 18 decimals.
type TokenAnalysis struct {
	Position TokenPosition `json:"position"`
	State    TokenState    `json:"state"`
	Current  *big.Int      `json:"current"`
	Target   *big.Int      `json:"target"`
	// Diff is Current - Target. Positive for surplus, negative for deficit.
	Diff *big.Int `json:"diff"`
	Band Band     `json:"band"`
}
