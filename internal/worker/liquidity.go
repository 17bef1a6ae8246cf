package worker

import (
	"bitmex-fleet-bot-go/internal/models"
)

// hasLiquidity reports whether the book side a side-order would consume can
// absorb amount contracts without the price moving more than threshold away
// from the reference price. A buy consumes asks, a sell consumes bids.
//
// If the top level alone covers the amount the check passes outright.
// Otherwise levels are walked best-first, accumulating size only while each
// level's price stays within threshold of the reference; the check passes
// only if the accumulated in-threshold depth covers the amount.
func hasLiquidity(book *models.Orderbook, side models.Side, need float64, price, threshold float64) bool {
	var levels []models.OrderbookLevel
	if side == models.Buy {
		levels = book.Asks
	} else {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return false
	}

	if need <= levels[0].Amount {
		return true
	}

	var depth float64
	for _, l := range levels {
		within := false
		if side == models.Buy {
			within = price+threshold >= l.Price
		} else {
			within = price-threshold <= l.Price
		}
		if !within {
			break
		}
		depth += l.Amount
		if depth >= need {
			return true
		}
	}
	return false
}
