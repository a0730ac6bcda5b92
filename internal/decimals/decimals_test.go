package decimals_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rebalancer/internal/decimals"
)

func mustInt(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok, s)
	return v
}

func TestNormalizeDenormalizeRoundTrip(t *testing.T) {
	for _, d := range []uint8{0, 6, 8, 9, 17, 18} {
		x := big.NewInt(123456789)
		n := decimals.Normalize(x, d)
		assert.Equal(t, 0, decimals.Denormalize(n, d).Cmp(x), "decimals %d", d)

		y := decimals.Normalize(decimals.Denormalize(n, d), d)
		assert.Equal(t, 0, y.Cmp(n), "decimals %d", d)
	}
}

func TestNormalizeSumAcrossDecimals(t *testing.T) {
	usdc := big.NewInt(10_000000)
	dai := mustInt(t, "20000000000000000000")

	got := new(big.Int).Add(decimals.Normalize(usdc, 6), decimals.Normalize(dai, 18))
	assert.Equal(t, "30000000000000000000", got.String())

	assert.Equal(t, got.String(), decimals.Sum([]*big.Int{usdc, dai}, []uint8{6, 18}).String())
}

func TestNormalizeNoOverflowAt256Bits(t *testing.T) {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	n := decimals.Normalize(max, 6)
	assert.Equal(t, 0, decimals.Denormalize(n, 6).Cmp(max))
}

func TestNormalizeAbove18Truncates(t *testing.T) {
	x := mustInt(t, "1234567890123456789012") // 24 decimals
	assert.Equal(t, "1234567890123456", decimals.Normalize(x, 24).String())
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	x := big.NewInt(42)
	_ = decimals.Normalize(x, 6)
	_ = decimals.Denormalize(x, 6)
	assert.Equal(t, int64(42), x.Int64())
}

func TestNormalizeNil(t *testing.T) {
	assert.Equal(t, 0, decimals.Normalize(nil, 6).Sign())
}

func TestMulFraction(t *testing.T) {
	target := mustInt(t, "1000000000000000000000") // 1000e18

	assert.Equal(t, "900000000000000000000", decimals.MulFraction(target, 0.9).String())
	assert.Equal(t, "1100000000000000000000", decimals.MulFraction(target, 1.1).String())
	assert.Equal(t, "290000000000000000000", decimals.MulFraction(target, 0.29).String())
	assert.Equal(t, 0, decimals.MulFraction(target, -1).Sign())
}

func TestUnits(t *testing.T) {
	v, err := decimals.FromUnits("1500.25", 6)
	require.NoError(t, err)
	assert.Equal(t, "1500250000", v.String())
	assert.Equal(t, "1500.25", decimals.ToUnits(v, 6))

	v, err = decimals.FromUnits("0.1234567", 6)
	require.NoError(t, err)
	assert.Equal(t, "123456", v.String())

	_, err = decimals.FromUnits("abc", 6)
	assert.Error(t, err)

	assert.Equal(t, "100000", decimals.FromFloat(0.1, 6).String())
	assert.Equal(t, "-0.5", decimals.ToUnits(big.NewInt(-500000), 6))
	assert.Equal(t, "0.000001", decimals.ToUnits(big.NewInt(1), 6))
}

func TestRatio(t *testing.T) {
	assert.InDelta(t, 0.5, decimals.Ratio(big.NewInt(1), big.NewInt(2)), 1e-12)
	assert.Zero(t, decimals.Ratio(big.NewInt(1), big.NewInt(0)))
}
