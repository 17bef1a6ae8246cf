package worker

import (
	"testing"

	"bitmex-fleet-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
)

// The reference book from the sizing docs: best bid 100 with 0.5, next bid
// 99 with 1.0. Asks mirror it above the price.
func refBook() *models.Orderbook {
	return &models.Orderbook{
		Bids: []models.OrderbookLevel{
			{Price: 100, Amount: 0.5},
			{Price: 99, Amount: 1.0},
		},
		Asks: []models.OrderbookLevel{
			{Price: 100, Amount: 0.5},
			{Price: 101, Amount: 1.0},
		},
	}
}

func TestLiquidityTopOfBookPass(t *testing.T) {
	// 0.3 fits in the 0.5 top level outright, no walking needed.
	assert.True(t, hasLiquidity(refBook(), models.Sell, 0.3, 100, 1))
	assert.True(t, hasLiquidity(refBook(), models.Buy, 0.3, 100, 1))
}

func TestLiquidityWalksWithinThreshold(t *testing.T) {
	// 0.7 exceeds the top level, but 0.5 + 1.0 within one point of the
	// reference price covers it.
	assert.True(t, hasLiquidity(refBook(), models.Sell, 0.7, 100, 1))
	assert.True(t, hasLiquidity(refBook(), models.Buy, 0.7, 100, 1))
}

func TestLiquidityRejectsBeyondThreshold(t *testing.T) {
	// With a 0.5 threshold the second level at 99 is out of range, leaving
	// only 0.5 of usable depth.
	assert.False(t, hasLiquidity(refBook(), models.Sell, 0.7, 100, 0.5))
	assert.False(t, hasLiquidity(refBook(), models.Buy, 0.7, 100, 0.5))
}

func TestLiquidityRejectsWhenDepthExhausted(t *testing.T) {
	// Even with a generous threshold the whole book holds only 1.5.
	assert.False(t, hasLiquidity(refBook(), models.Sell, 2.0, 100, 50))
}

func TestLiquidityConsumesOppositeSide(t *testing.T) {
	book := &models.Orderbook{
		Bids: []models.OrderbookLevel{{Price: 100, Amount: 5}},
		Asks: []models.OrderbookLevel{{Price: 100, Amount: 0.1}},
	}
	// A buy consumes asks: only 0.1 there.
	assert.False(t, hasLiquidity(book, models.Buy, 1, 100, 1))
	// A sell consumes bids: 5 available.
	assert.True(t, hasLiquidity(book, models.Sell, 1, 100, 1))
}

func TestLiquidityEmptyBook(t *testing.T) {
	assert.False(t, hasLiquidity(&models.Orderbook{}, models.Buy, 1, 100, 1))
	assert.False(t, hasLiquidity(&models.Orderbook{}, models.Sell, 1, 100, 1))
}
