// Package decimals converts token amounts to and from the canonical 18-decimal
// fixed-point form used whenever amounts of different tokens are compared,
// summed or thresholded.
package decimals

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Canonical is the number of decimals every amount is normalized to.
const Canonical = 18

// fracScale is the precision used when applying float fractions to amounts.
var fracScale = big.NewInt(1_000_000_000)

var pow10Cache [78]*big.Int

func init() {
	p := big.NewInt(1)
	for i := range pow10Cache {
		pow10Cache[i] = new(big.Int).Set(p)
		p.Mul(p, big.NewInt(10))
	}
}

// Pow10 returns 10^n. The result must not be mutated.
func Pow10(n int) *big.Int {
	if n >= 0 && n < len(pow10Cache) {
		return pow10Cache[n]
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Normalize scales amount from decimals to 18 decimals. Tokens with more than
// 18 decimals are truncated. The input is never modified.
func Normalize(amount *big.Int, decimals uint8) *big.Int {
	return rescale(amount, int(decimals), Canonical)
}

// Denormalize scales an 18-decimal amount to decimals, truncating.
func Denormalize(amount18 *big.Int, decimals uint8) *big.Int {
	return rescale(amount18, Canonical, int(decimals))
}

// Convert rescales amount between two decimal precisions.
func Convert(amount *big.Int, from, to uint8) *big.Int {
	return rescale(amount, int(from), int(to))
}

func rescale(amount *big.Int, from, to int) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	switch {
	case from == to:
		return new(big.Int).Set(amount)
	case from < to:
		return new(big.Int).Mul(amount, Pow10(to-from))
	default:
		return new(big.Int).Quo(amount, Pow10(from-to))
	}
}

// Sum returns the 18-decimal sum of amounts, each with its own decimals.
func Sum(amounts []*big.Int, decs []uint8) *big.Int {
	total := new(big.Int)
	for i, a := range amounts {
		total.Add(total, Normalize(a, decs[i]))
	}
	return total
}

// MulFraction returns x*f with f applied at 1e-9 precision. Negative or NaN
// fractions yield zero.
func MulFraction(x *big.Int, f float64) *big.Int {
	if x == nil || f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return new(big.Int)
	}
	scaled := new(big.Float).Mul(big.NewFloat(f), new(big.Float).SetInt(fracScale))
	scaled.Add(scaled, big.NewFloat(0.5))
	fi, _ := scaled.Int(nil)
	out := new(big.Int).Mul(x, fi)
	return out.Quo(out, fracScale)
}

// Ratio returns num/den as a float64, or 0 when den is zero.
func Ratio(num, den *big.Int) float64 {
	if den == nil || den.Sign() == 0 || num == nil {
		return 0
	}
	r, _ := new(big.Rat).SetFrac(num, den).Float64()
	return r
}

// FromUnits parses a decimal string such as "1500.25" into base units with
// the given decimals. Extra fractional digits are truncated.
func FromUnits(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("decimals: empty amount")
	}
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > int(decimals) {
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))
	if whole == "" {
		whole = "0"
	}
	out, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("decimals: invalid amount %q", s)
	}
	if neg {
		out.Neg(out)
	}
	return out, nil
}

// FromFloat converts a whole-token float (as found in config) to base units.
func FromFloat(v float64, decimals uint8) *big.Int {
	out, err := FromUnits(strconv.FormatFloat(v, 'f', -1, 64), decimals)
	if err != nil {
		return new(big.Int)
	}
	return out
}

// ToUnits formats base units as a decimal string with the given decimals,
// trimming trailing zeros.
func ToUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	abs := new(big.Int).Abs(amount)
	q, r := new(big.Int).QuoRem(abs, Pow10(int(decimals)), new(big.Int))
	sign := ""
	if amount.Sign() < 0 {
		sign = "-"
	}
	if r.Sign() == 0 {
		return sign + q.String()
	}
	digits := r.String()
	frac := strings.Repeat("0", int(decimals)-len(digits)) + digits
	return sign + q.String() + "." + strings.TrimRight(frac, "0")
}
