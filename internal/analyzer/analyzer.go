// Package analyzer classifies token positions against their target balance
// band as surplus, deficit or in range.
package analyzer

import (
	"math/big"
	"sort"

	"github.com/alanyoungcy/rebalancer/internal/decimals"
	"github.com/alanyoungcy/rebalancer/internal/domain"
)

// Thresholds are fractions of the target balance.
type Thresholds struct {
	// Surplus is how far above target a balance may go before it is surplus.
	Surplus float64
	// Deficit is how far below target a balance may go before it is deficit.
	Deficit float64
	// TargetSlippage, when positive, overrides the band used as the
	// post-rebalance goal: target*(1 +/- TargetSlippage).
	TargetSlippage float64
}

// Result holds the three disjoint partitions of one analysis cycle.
type Result struct {
	Items   []domain.TokenAnalysis
	Surplus []domain.TokenAnalysis
	Deficit []domain.TokenAnalysis
	InRange []domain.TokenAnalysis
}

// Analyze classifies every position into exactly one partition. Surplus is
// sorted by largest excess first, deficit by largest shortfall first.
func Analyze(positions []domain.TokenPosition, th Thresholds) Result {
	var res Result
	for _, p := range positions {
		a := AnalyzePosition(p, th)
		res.Items = append(res.Items, a)
		switch a.State {
		case domain.TokenSurplus:
			res.Surplus = append(res.Surplus, a)
		case domain.TokenDeficit:
			res.Deficit = append(res.Deficit, a)
		default:
			res.InRange = append(res.InRange, a)
		}
	}
	sort.SliceStable(res.Surplus, func(i, j int) bool {
		return res.Surplus[i].Diff.Cmp(res.Surplus[j].Diff) > 0
	})
	sort.SliceStable(res.Deficit, func(i, j int) bool {
		return res.Deficit[i].Diff.Cmp(res.Deficit[j].Diff) < 0
	})
	return res
}

// AnalyzePosition classifies a single position. A zero target is always in
// range with a zero band; a zero balance with a positive target is deficit.
func AnalyzePosition(p domain.TokenPosition, th Thresholds) domain.TokenAnalysis {
	current := decimals.Normalize(nonNil(p.Balance), p.Decimals)
	target := decimals.Normalize(nonNil(p.TargetBalance), p.Decimals)

	a := domain.TokenAnalysis{
		Position: p,
		Current:  current,
		Target:   target,
		Diff:     new(big.Int).Sub(current, target),
		State:    domain.TokenInRange,
	}

	if target.Sign() <= 0 {
		a.Band = domain.Band{Min: new(big.Int), Max: new(big.Int)}
		return a
	}

	lower := decimals.MulFraction(target, 1-th.Deficit)
	upper := decimals.MulFraction(target, 1+th.Surplus)

	switch {
	case current.Cmp(lower) < 0:
		a.State = domain.TokenDeficit
	case current.Cmp(upper) > 0:
		a.State = domain.TokenSurplus
	}

	if th.TargetSlippage > 0 {
		a.Band = domain.Band{
			Min: decimals.MulFraction(target, 1-th.TargetSlippage),
			Max: decimals.MulFraction(target, 1+th.TargetSlippage),
		}
	} else {
		a.Band = domain.Band{Min: lower, Max: upper}
	}
	return a
}

// AdjustForReservations returns copies of positions with amounts already
// committed to pending rebalances subtracted and in-flight amounts added.
// Both maps are keyed by TokenPosition.Key and hold base units.
func AdjustForReservations(positions []domain.TokenPosition, reserved, incoming map[string]*big.Int) []domain.TokenPosition {
	out := make([]domain.TokenPosition, 0, len(positions))
	for _, p := range positions {
		bal := new(big.Int).Set(nonNil(p.Balance))
		if r, ok := reserved[p.Key()]; ok && r != nil {
			bal.Sub(bal, r)
		}
		if in, ok := incoming[p.Key()]; ok && in != nil {
			bal.Add(bal, in)
		}
		if bal.Sign() < 0 {
			bal.SetInt64(0)
		}
		out = append(out, p.WithBalance(bal))
	}
	return out
}

// Surplus returns the excess of a surplus analysis in the token's own base
// units, or zero for any other state.
func Surplus(a domain.TokenAnalysis) *big.Int {
	if a.Diff == nil || a.Diff.Sign() <= 0 {
		return new(big.Int)
	}
	return decimals.Denormalize(a.Diff, a.Position.Decimals)
}

func nonNil(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
