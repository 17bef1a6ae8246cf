package worker

import (
	"bitmex-fleet-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// openOrderSize sizes a position-opening market order. The tradeable balance
// is the wallet balance times leverage minus a fee cushion; the contract
// amount is that margin converted at the current price, shrunk by the
// slippage factor and rounded down to whole contracts.
func openOrderSize(balance decimal.Decimal, leverage int, price float64) (int64, decimal.Decimal) {
	tradeable := balance.Mul(decimal.NewFromInt(int64(leverage)))
	margin := tradeable.Sub(tradeable.Mul(models.FeeCushion))
	amount := margin.
		Mul(decimal.NewFromFloat(price)).
		Mul(models.SlippageFactor).
		Floor().
		IntPart()
	return amount, margin
}
