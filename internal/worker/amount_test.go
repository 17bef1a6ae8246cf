package worker

import (
	"testing"

	"bitmex-fleet-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpenOrderSizeGolden pins the documented sizing formula: 0.01 BTC at
// 10x leverage and 20000 USD gives 0.1 tradeable, 0.09975 margin after the
// fee cushion, and 1915 contracts after the slippage factor and round-down.
func TestOpenOrderSizeGolden(t *testing.T) {
	balance := decimal.NewFromFloat(0.01)

	amount, margin := openOrderSize(balance, 10, 20000)

	assert.Equal(t, int64(1915), amount)
	assert.True(t, margin.Equal(decimal.NewFromFloat(0.09975)),
		"margin should be 0.09975, got %s", margin)
}

// TestOpenOrderSizeRoundsDown verifies the contract amount is always floored,
// never rounded to nearest.
func TestOpenOrderSizeRoundsDown(t *testing.T) {
	balance := decimal.NewFromFloat(0.01)

	// 0.09975 * 19990 * 0.96 = 1914.2424, must floor to 1914.
	amount, _ := openOrderSize(balance, 10, 19990)
	assert.Equal(t, int64(1914), amount)

	// Exact raw value always stays an integer after flooring.
	amount, _ = openOrderSize(balance, 10, 20001)
	raw := decimal.NewFromFloat(0.09975).
		Mul(decimal.NewFromInt(20001)).
		Mul(models.SlippageFactor)
	assert.LessOrEqual(t, decimal.NewFromInt(amount).Cmp(raw), 0,
		"floored amount must never exceed the raw value")
}

func TestOpenOrderSizeZeroBalance(t *testing.T) {
	amount, margin := openOrderSize(decimal.Zero, 10, 20000)
	assert.Equal(t, int64(0), amount)
	assert.True(t, margin.IsZero())
}

// TestCalculateFeesDirection checks the delta direction: closing grows the
// balance, opening shrinks it, and both produce a positive fee.
func TestCalculateFeesDirection(t *testing.T) {
	pre := decimal.NewFromFloat(0.010)
	post := decimal.NewFromFloat(0.008)

	opening := calculateFees(pre, post, 10, models.FeeTypeTaker, false)
	expected := decimal.NewFromFloat(0.002).
		Mul(decimal.NewFromInt(10)).
		Mul(models.TakerFeeRate)
	require.True(t, opening.Equal(expected), "opening fee %s != %s", opening, expected)

	closing := calculateFees(post, pre, 10, models.FeeTypeTaker, true)
	assert.True(t, closing.Equal(expected), "closing fee %s != %s", closing, expected)
}

// TestCalculateFeesMonotonicInLeverage: for a fixed balance delta and rate,
// more leverage means more fee.
func TestCalculateFeesMonotonicInLeverage(t *testing.T) {
	pre := decimal.NewFromFloat(0.010)
	post := decimal.NewFromFloat(0.009)

	prev := decimal.Zero
	for _, lev := range []int{1, 2, 5, 10, 25, 100} {
		fee := calculateFees(pre, post, lev, models.FeeTypeMaker, false)
		assert.True(t, fee.GreaterThan(prev),
			"fee at %dx (%s) should exceed fee at lower leverage (%s)", lev, fee, prev)
		prev = fee
	}
}

func TestCalculateFeesRateByType(t *testing.T) {
	pre := decimal.NewFromFloat(0.010)
	post := decimal.NewFromFloat(0.009)

	maker := calculateFees(pre, post, 10, models.FeeTypeMaker, false)
	taker := calculateFees(pre, post, 10, models.FeeTypeTaker, false)
	assert.True(t, taker.GreaterThan(maker), "taker fee should exceed maker fee")

	// Unknown fee types fall back to the taker rate.
	unknown := calculateFees(pre, post, 10, models.FeeType("vip0"), false)
	assert.True(t, unknown.Equal(taker))
}
