// Package provider defines the pluggable rebalancing pathway and the registry
// the orchestrator queries.
package provider

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rebalancer/internal/decimals"
	"github.com/alanyoungcy/rebalancer/internal/domain"
)

// Provider quotes and executes one rebalancing pathway.
//
// Quote returns one quote per hop; a single-hop pathway returns one element.
// It fails with domain.ErrRouteUnavailable when the pathway cannot connect
// the two tokens. Execute returns a transaction hash or provider reference.
// Asynchronous pathways enqueue a delivery check and return without waiting.
type Provider interface {
	Strategy() domain.Strategy
	Quote(ctx context.Context, tokenIn, tokenOut domain.TokenPosition, amountIn *big.Int, id string) ([]domain.Quote, error)
	Execute(ctx context.Context, wallet common.Address, quote domain.Quote) (string, error)
}

// Slippage is 1 - out/in on normalized amounts. It is 0 when in is zero.
func Slippage(tokenIn domain.TokenPosition, amountIn *big.Int, tokenOut domain.TokenPosition, amountOut *big.Int) float64 {
	in := decimals.Normalize(amountIn, tokenIn.Decimals)
	if in.Sign() == 0 {
		return 0
	}
	out := decimals.Normalize(amountOut, tokenOut.Decimals)
	return 1 - decimals.Ratio(out, in)
}

// CheckSlippage rejects a quote that reports a loss while paying out at
// least what it takes in. The error wraps domain.ErrRouteUnavailable.
func CheckSlippage(q domain.Quote) error {
	if q.Slippage <= 0 {
		return nil
	}
	in := decimals.Normalize(q.AmountIn, q.TokenIn.Decimals)
	out := decimals.Normalize(q.AmountOut, q.TokenOut.Decimals)
	if out.Cmp(in) < 0 {
		return nil
	}
	return fmt.Errorf("provider: %s quote %s: slippage %.4f with amountOut %s >= amountIn %s: %w",
		q.Strategy, q.ID, q.Slippage, q.AmountOut, q.AmountIn, domain.ErrRouteUnavailable)
}

// TotalSlippage compounds per-hop slippage across a plan.
func TotalSlippage(quotes []domain.Quote) float64 {
	kept := 1.0
	for _, q := range quotes {
		kept *= 1 - q.Slippage
	}
	return 1 - kept
}

// FinalAmountOut returns the normalized guaranteed output of the last hop.
func FinalAmountOut(quotes []domain.Quote) *big.Int {
	if len(quotes) == 0 {
		return new(big.Int)
	}
	last := quotes[len(quotes)-1]
	return decimals.Normalize(last.AmountOut, last.TokenOut.Decimals)
}

// Signers resolves the transactor for a wallet. It fails with
// domain.ErrUnsupportedWallet for wallets without a key.
type Signers interface {
	For(wallet common.Address) (domain.Transactor, error)
}

// Settler is implemented by providers whose Execute returns before the funds
// arrive. Such quotes stay PENDING until their delivery check finishes.
type Settler interface {
	SettlesAsync(q domain.Quote) bool
}

// SettlesAsync reports whether p leaves q pending after Execute.
func SettlesAsync(p Provider, q domain.Quote) bool {
	s, ok := p.(Settler)
	return ok && s.SettlesAsync(q)
}
