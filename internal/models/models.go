package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is an order side as sent to the exchange.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Direction is the direction of a leveraged position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Mode identifies the operating mode of a bot within a config, e.g. "l1" or
// "s2". The leading letter encodes the position direction; the session keeps
// entry/exit price records keyed by mode.
type Mode string

// IsLong reports whether the mode opens long positions.
func (m Mode) IsLong() bool {
	return len(m) > 0 && m[0] == 'l'
}

// Direction returns the position direction the mode trades in.
func (m Mode) Direction() Direction {
	if m.IsLong() {
		return Long
	}
	return Short
}

// FeeType selects the fee tier applied to a bot's executions.
type FeeType string

const (
	FeeTypeMaker FeeType = "maker"
	FeeTypeTaker FeeType = "taker"
)

// Rate returns the exchange fee rate for the fee type. Unknown types fall
// back to the taker rate, the more conservative of the two.
func (f FeeType) Rate() decimal.Decimal {
	if f == FeeTypeMaker {
		return MakerFeeRate
	}
	return TakerFeeRate
}

var (
	// MakerFeeRate and TakerFeeRate are the BitMEX perpetual fee tiers.
	MakerFeeRate = decimal.NewFromFloat(0.00025)
	TakerFeeRate = decimal.NewFromFloat(0.00075)

	// FeeCushion is subtracted from the tradeable balance before sizing an
	// order so that entry and exit fees never eat into the margin itself.
	FeeCushion = decimal.NewFromFloat(0.0025)

	// SlippageFactor shrinks a freshly sized order to reduce the chance of
	// rejection when the book moves between sizing and execution.
	SlippageFactor = decimal.NewFromFloat(0.96)
)

// MaintenanceMarginRate is used when projecting a liquidation price ahead of
// order placement. The exchange reports the authoritative value afterwards
// through the position stream.
const MaintenanceMarginRate = 0.005

// OrderStatus mirrors the exchange's order lifecycle states.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "New"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "Filled"
	OrderStatusCanceled        OrderStatus = "Canceled"
	OrderStatusRejected        OrderStatus = "Rejected"
)

// Bot is the desired configuration plus the mutable runtime state of one
// automated strategy instance. The persisted document is the source of truth
// across worker restarts.
type Bot struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id"`
	ConfigID  string `json:"config_id"`
	SessionID string `json:"session_id"`

	Exchange string  `json:"exchange"`
	Symbol   string  `json:"symbol"`
	Pair     string  `json:"pair"`
	Mode     Mode    `json:"mode"`
	Strategy string  `json:"strategy"`
	Leverage int     `json:"leverage"`
	FeeType  FeeType `json:"fee_type"`

	// Strategy trigger levels. EntryTrigger opens, ExitTrigger closes and
	// TargetPrice ends the bot's one-shot run.
	EntryTrigger float64 `json:"entry_trigger"`
	ExitTrigger  float64 `json:"exit_trigger"`
	TargetPrice  float64 `json:"target_price"`

	// MarketThreshold is the acceptable price impact when walking order-book
	// depth; OrderbookDepth is how many levels to fetch for the check.
	MarketThreshold float64 `json:"market_threshold"`
	OrderbookDepth  int     `json:"orderbook_depth"`

	Enabled            bool `json:"enabled"`
	Active             bool `json:"active"`
	PositionOpen       bool `json:"position_open"`
	Liquidated         bool `json:"liquidated"`
	PriceTargetReached bool `json:"price_target_reached"`

	Balance          decimal.Decimal `json:"balance"`
	RealizedPnl      decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
	EntryPrice       float64         `json:"entry_price"`
	LastPrice        float64         `json:"last_price"`
	LiquidationPrice float64         `json:"liquidation_price"`
	PrevOrderID      string          `json:"prev_order_id"`
}

// Account holds exchange credentials and a cached balance. Bots reference
// accounts by id and never own them.
type Account struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Exchange string `json:"exchange"`

	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	Testnet   bool   `json:"testnet"`

	// Type decides how buy/sell signals map to order sides: a short account
	// sells to open and buys to close.
	Type Direction `json:"type"`

	Balance decimal.Decimal `json:"balance"`
}

// Order is the immutable record of one execution, including fill progress as
// reported by the exchange afterwards.
type Order struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	BotID     string `json:"bot_id"`
	ConfigID  string `json:"config_id"`
	SessionID string `json:"session_id"`
	AccountID string `json:"account_id"`

	ExchangeOrderID string `json:"exchange_order_id"`

	Side     Side            `json:"side"`
	Price    float64         `json:"price"`
	Amount   int64           `json:"amount"`
	Cost     decimal.Decimal `json:"cost"`
	Fees     decimal.Decimal `json:"fees"`
	Status   OrderStatus     `json:"status"`
	BotMode  Mode            `json:"bot_mode"`
	Leverage int             `json:"leverage"`
	FeeType  FeeType         `json:"fee_type"`
	IsExit   bool            `json:"is_exit"`

	TotalQuantity  float64 `json:"total_quantity"`
	FilledQuantity float64 `json:"filled_quantity"`
	RemainQuantity float64 `json:"remain_quantity"`
	AveragePrice   float64 `json:"average_price"`

	Exchange      string    `json:"exchange"`
	Symbol        string    `json:"symbol"`
	Pair          string    `json:"pair"`
	OrderSequence int64     `json:"order_sequence"`
	Timestamp     time.Time `json:"timestamp"`
}

// Position is one open-or-closed leveraged trade. At most one open position
// exists per (bot, session) at any time.
type Position struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	BotID     string `json:"bot_id"`
	ConfigID  string `json:"config_id"`
	SessionID string `json:"session_id"`
	AccountID string `json:"account_id"`

	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`

	IsOpen     bool      `json:"is_open"`
	Liquidated bool      `json:"liquidated"`
	Side       Direction `json:"side"`

	EntryPrice       float64         `json:"entry_price"`
	ExitPrice        float64         `json:"exit_price"`
	Margin           decimal.Decimal `json:"margin"`
	Size             float64         `json:"size"`
	LiquidationPrice float64         `json:"liquidation_price"`
	BankruptPrice    float64         `json:"bankrupt_price"`
	RealizedPnl      decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`

	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Pair     string `json:"pair"`
	Leverage int    `json:"leverage"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Session groups a bot's repeated order/position cycles. Sequence counters
// only ever increase; entry/exit prices are recorded per mode.
type Session struct {
	ID       string `json:"id"`
	ConfigID string `json:"config_id"`

	// MultiLeg marks sessions shared by several bots; stopping one leg of a
	// multi-leg session must not force-close the shared position.
	MultiLeg bool `json:"multi_leg"`

	OrderSequence    int64 `json:"order_sequence"`
	PositionSequence int64 `json:"position_sequence"`

	ActualEntryPrice map[Mode]float64 `json:"actual_entry_price"`
	ExitPrice        map[Mode]float64 `json:"exit_price"`
}

// User owns accounts and bots and carries notification preferences resolved
// by the coordinator when relaying notify events.
type User struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	NotificationEnabled    bool     `json:"notification_enabled"`
	NotificationRecipients []string `json:"notification_recipients"`
}

// OrderbookLevel is one price level of an order book side.
type OrderbookLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// Orderbook is a depth snapshot, best levels first.
type Orderbook struct {
	Bids []OrderbookLevel `json:"bids"`
	Asks []OrderbookLevel `json:"asks"`
}

// ExecutedOrder is the exchange's response to an order placement.
type ExecutedOrder struct {
	ExchangeOrderID string      `json:"exchange_order_id"`
	Status          OrderStatus `json:"status"`
	Amount          float64     `json:"amount"`
	Filled          float64     `json:"filled"`
	Remaining       float64     `json:"remaining"`
	AveragePrice    float64     `json:"average_price"`
	Timestamp       time.Time   `json:"timestamp"`
}

// OrderUpdate is a fill-progress event from the private order stream.
type OrderUpdate struct {
	Exchange        string      `json:"exchange"`
	Pair            string      `json:"pair"`
	ExchangeOrderID string      `json:"exchange_order_id"`
	Status          OrderStatus `json:"status"`
	TotalQuantity   float64     `json:"total_quantity"`
	FilledQuantity  float64     `json:"filled_quantity"`
	RemainQuantity  float64     `json:"remain_quantity"`
}

// PositionUpdate is a margin/size/PnL event from the private position stream.
type PositionUpdate struct {
	Pair             string          `json:"pair"`
	IsOpen           bool            `json:"is_open"`
	Margin           decimal.Decimal `json:"margin"`
	Size             float64         `json:"size"`
	LiquidationPrice float64         `json:"liquidation_price"`
	BankruptPrice    float64         `json:"bankrupt_price"`
	RealizedPnl      decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
}
