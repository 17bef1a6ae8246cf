package worker

import (
	"bitmex-fleet-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// calculateFees derives the execution fee from the wallet balance delta
// around the order. Closing an open position grows the balance, opening one
// shrinks it, so the delta is taken in the direction that makes it positive
// for the happy path. The delta is amplified by leverage because the wallet
// only moves by the margin share of the notional the fee was charged on.
func calculateFees(pre, post decimal.Decimal, leverage int, feeType models.FeeType, closing bool) decimal.Decimal {
	var delta decimal.Decimal
	if closing {
		delta = post.Sub(pre)
	} else {
		delta = pre.Sub(post)
	}
	return delta.
		Mul(decimal.NewFromInt(int64(leverage))).
		Mul(feeType.Rate())
}
