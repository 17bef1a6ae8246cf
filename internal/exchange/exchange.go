package exchange

import (
	"context"
	"fmt"
	"strings"

	"bitmex-fleet-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// Trader is the per-exchange order execution adapter used by a worker. One
// Trader is bound to a single pair and account.
type Trader interface {
	GetOrderbook(ctx context.Context, pair string, depth int) (*models.Orderbook, error)
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	SetLeverage(ctx context.Context, leverage int, pair string) error
	CreateMarketOrder(ctx context.Context, side models.Side, amount int64) (*models.ExecutedOrder, error)
	CreateLimitOrder(ctx context.Context, side models.Side, amount int64, price float64) (*models.ExecutedOrder, error)
	CloseOpenPositions(ctx context.Context, pair string) error
	GetOrder(ctx context.Context, id string) (*models.ExecutedOrder, error)
}

// OrderListener receives fill-progress updates from the private order stream.
type OrderListener func(update models.OrderUpdate)

// PositionListener receives margin/size/PnL updates from the private
// position stream.
type PositionListener func(update models.PositionUpdate)

// MarketEvents is the per-exchange private event stream adapter. Listeners
// may be replaced or cleared (nil) at any time; Exit tears the connection
// down and is safe to call more than once.
type MarketEvents interface {
	SetOrderListener(l OrderListener)
	SetPositionListener(l PositionListener)
	Exit()
}

// Credentials carry what an adapter needs to sign requests.
type Credentials struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

const (
	ExchangeBitmex  = "bitmex"
	ExchangeBinance = "binance"
)

// NewTrader builds the Trader for an account's exchange.
func NewTrader(exchange, pair string, creds Credentials) (Trader, error) {
	switch strings.ToLower(exchange) {
	case ExchangeBitmex:
		return NewBitmexTrader(pair, creds), nil
	case ExchangeBinance:
		return NewBinanceTrader(pair, creds), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", exchange)
	}
}

// NewMarketEvents builds the private stream adapter for an account's
// exchange and starts it.
func NewMarketEvents(exchange, pair string, creds Credentials) (MarketEvents, error) {
	switch strings.ToLower(exchange) {
	case ExchangeBitmex:
		return NewBitmexEvents(pair, creds)
	case ExchangeBinance:
		return NewBinanceEvents(pair, creds)
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", exchange)
	}
}

// ProjectLiquidation estimates the liquidation and bankrupt prices of a
// position opened at price with the given leverage, using the inverse
// contract margin model. The exchange's position stream later reports the
// authoritative values; this projection is only staged on the bot until then.
func ProjectLiquidation(price float64, leverage int, dir models.Direction) (liquidation, bankrupt float64) {
	if price <= 0 || leverage <= 0 {
		return 0, 0
	}
	lev := float64(leverage)
	mmr := models.MaintenanceMarginRate
	if dir == models.Long {
		liquidation = price * lev / (lev + 1 - mmr*lev)
		bankrupt = price * lev / (lev + 1)
	} else {
		liquidation = price * lev / (lev - 1 + mmr*lev)
		bankrupt = price * lev / (lev - 1)
	}
	return liquidation, bankrupt
}
