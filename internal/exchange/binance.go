package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"bitmex-fleet-bot-go/internal/logger"
	"bitmex-fleet-bot-go/internal/models"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// BinanceTrader implements Trader against Binance USD-M futures.
type BinanceTrader struct {
	pair   string
	client *futures.Client
}

// NewBinanceTrader builds a trader bound to one pair.
func NewBinanceTrader(pair string, creds Credentials) *BinanceTrader {
	futures.UseTestnet = creds.Testnet
	return &BinanceTrader{
		pair:   pair,
		client: futures.NewClient(creds.APIKey, creds.APISecret),
	}
}

// GetOrderbook fetches a depth snapshot.
func (t *BinanceTrader) GetOrderbook(ctx context.Context, pair string, depth int) (*models.Orderbook, error) {
	res, err := t.client.NewDepthService().Symbol(pair).Limit(depth).Do(ctx)
	if err != nil {
		return nil, err
	}

	book := &models.Orderbook{}
	for _, b := range res.Bids {
		price, _ := strconv.ParseFloat(b.Price, 64)
		qty, _ := strconv.ParseFloat(b.Quantity, 64)
		book.Bids = append(book.Bids, models.OrderbookLevel{Price: price, Amount: qty})
	}
	for _, a := range res.Asks {
		price, _ := strconv.ParseFloat(a.Price, 64)
		qty, _ := strconv.ParseFloat(a.Quantity, 64)
		book.Asks = append(book.Asks, models.OrderbookLevel{Price: price, Amount: qty})
	}
	return book, nil
}

// GetBalance returns the available USDT futures wallet balance.
func (t *BinanceTrader) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	balances, err := t.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, b := range balances {
		if b.Asset == "USDT" {
			return decimal.NewFromString(b.AvailableBalance)
		}
	}
	return decimal.Zero, nil
}

// SetLeverage sets the pair's leverage.
func (t *BinanceTrader) SetLeverage(ctx context.Context, leverage int, pair string) error {
	_, err := t.client.NewChangeLeverageService().Symbol(pair).Leverage(leverage).Do(ctx)
	return err
}

func binanceSide(side models.Side) futures.SideType {
	if side == models.Buy {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func binanceExecuted(orderID int64, status string, origQty, executedQty, avgPrice string, ts int64) *models.ExecutedOrder {
	amount, _ := strconv.ParseFloat(origQty, 64)
	filled, _ := strconv.ParseFloat(executedQty, 64)
	avg, _ := strconv.ParseFloat(avgPrice, 64)
	return &models.ExecutedOrder{
		ExchangeOrderID: strconv.FormatInt(orderID, 10),
		Status:          normalizeBinanceStatus(status),
		Amount:          amount,
		Filled:          filled,
		Remaining:       amount - filled,
		AveragePrice:    avg,
		Timestamp:       time.UnixMilli(ts),
	}
}

// CreateMarketOrder places a market order for amount contracts.
func (t *BinanceTrader) CreateMarketOrder(ctx context.Context, side models.Side, amount int64) (*models.ExecutedOrder, error) {
	res, err := t.client.NewCreateOrderService().
		Symbol(t.pair).
		Side(binanceSide(side)).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatInt(amount, 10)).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	return binanceExecuted(res.OrderID, string(res.Status), res.OrigQuantity, res.ExecutedQuantity, res.AvgPrice, res.UpdateTime), nil
}

// CreateLimitOrder places a GTC limit order.
func (t *BinanceTrader) CreateLimitOrder(ctx context.Context, side models.Side, amount int64, price float64) (*models.ExecutedOrder, error) {
	res, err := t.client.NewCreateOrderService().
		Symbol(t.pair).
		Side(binanceSide(side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(strconv.FormatInt(amount, 10)).
		Price(strconv.FormatFloat(price, 'f', -1, 64)).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	return binanceExecuted(res.OrderID, string(res.Status), res.OrigQuantity, res.ExecutedQuantity, res.AvgPrice, res.UpdateTime), nil
}

// CloseOpenPositions flattens the pair's position with a reduce-only market
// order opposite to its direction.
func (t *BinanceTrader) CloseOpenPositions(ctx context.Context, pair string) error {
	positions, err := t.client.NewGetPositionRiskService().Symbol(pair).Do(ctx)
	if err != nil {
		return err
	}
	for _, p := range positions {
		amt, err := strconv.ParseFloat(p.PositionAmt, 64)
		if err != nil || amt == 0 {
			continue
		}
		side := futures.SideTypeSell
		if amt < 0 {
			side = futures.SideTypeBuy
			amt = -amt
		}
		_, err = t.client.NewCreateOrderService().
			Symbol(pair).
			Side(side).
			Type(futures.OrderTypeMarket).
			Quantity(strconv.FormatFloat(amt, 'f', -1, 64)).
			ReduceOnly(true).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to close %s position: %w", pair, err)
		}
	}
	return nil
}

// GetOrder loads one order by exchange order id.
func (t *BinanceTrader) GetOrder(ctx context.Context, id string) (*models.ExecutedOrder, error) {
	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid binance order id %q: %w", id, err)
	}
	res, err := t.client.NewGetOrderService().Symbol(t.pair).OrderID(orderID).Do(ctx)
	if err != nil {
		return nil, err
	}
	return binanceExecuted(res.OrderID, string(res.Status), res.OrigQuantity, res.ExecutedQuantity, res.AvgPrice, res.UpdateTime), nil
}

func normalizeBinanceStatus(status string) models.OrderStatus {
	switch futures.OrderStatusType(status) {
	case futures.OrderStatusTypeNew:
		return models.OrderStatusNew
	case futures.OrderStatusTypePartiallyFilled:
		return models.OrderStatusPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return models.OrderStatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return models.OrderStatusCanceled
	case futures.OrderStatusTypeRejected:
		return models.OrderStatusRejected
	default:
		return models.OrderStatus(status)
	}
}

// BinanceEvents implements MarketEvents over the futures user data stream.
type BinanceEvents struct {
	pair   string
	client *futures.Client

	mu               sync.RWMutex
	orderListener    OrderListener
	positionListener PositionListener

	listenKey string
	stopC     chan struct{}
	exitOnce  sync.Once
	done      chan struct{}
}

// NewBinanceEvents opens the user data stream and starts dispatching.
func NewBinanceEvents(pair string, creds Credentials) (*BinanceEvents, error) {
	futures.UseTestnet = creds.Testnet
	e := &BinanceEvents{
		pair:   pair,
		client: futures.NewClient(creds.APIKey, creds.APISecret),
		done:   make(chan struct{}),
	}

	listenKey, err := e.client.NewStartUserStreamService().Do(context.Background())
	if err != nil {
		return nil, models.NewPipelineError(models.FailureAuth,
			fmt.Errorf("failed to open binance user stream: %w", err))
	}
	e.listenKey = listenKey

	doneC, stopC, err := futures.WsUserDataServe(listenKey, e.handleEvent, func(err error) {
		logger.S().Warnf("binance user stream for %s: %v", pair, err)
	})
	if err != nil {
		return nil, err
	}
	e.stopC = stopC

	go e.keepAlive(doneC)
	return e, nil
}

// keepAlive refreshes the listen key until the stream ends.
func (e *BinanceEvents) keepAlive(doneC chan struct{}) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := e.client.NewKeepaliveUserStreamService().ListenKey(e.listenKey).Do(ctx)
			cancel()
			if err != nil {
				logger.S().Warnf("binance listen key keepalive failed: %v", err)
			}
		case <-doneC:
			return
		case <-e.done:
			return
		}
	}
}

func (e *BinanceEvents) handleEvent(event *futures.WsUserDataEvent) {
	switch event.Event {
	case futures.UserDataEventTypeOrderTradeUpdate:
		u := event.OrderTradeUpdate
		if u.Symbol != e.pair {
			return
		}
		e.mu.RLock()
		l := e.orderListener
		e.mu.RUnlock()
		if l == nil {
			return
		}
		total, _ := strconv.ParseFloat(u.OriginalQty, 64)
		filled, _ := strconv.ParseFloat(u.AccumulatedFilledQty, 64)
		l(models.OrderUpdate{
			Exchange:        ExchangeBinance,
			Pair:            u.Symbol,
			ExchangeOrderID: strconv.FormatInt(u.ID, 10),
			Status:          normalizeBinanceStatus(string(u.Status)),
			TotalQuantity:   total,
			FilledQuantity:  filled,
			RemainQuantity:  total - filled,
		})
	case futures.UserDataEventTypeAccountUpdate:
		for _, p := range event.AccountUpdate.Positions {
			if p.Symbol != e.pair {
				continue
			}
			e.mu.RLock()
			l := e.positionListener
			e.mu.RUnlock()
			if l == nil {
				continue
			}
			size, _ := strconv.ParseFloat(p.Amount, 64)
			margin, _ := decimal.NewFromString(p.IsolatedWallet)
			unrealized, _ := decimal.NewFromString(p.UnrealizedPnL)
			realized, _ := decimal.NewFromString(p.AccumulatedRealized)
			l(models.PositionUpdate{
				Pair:          p.Symbol,
				IsOpen:        size != 0,
				Margin:        margin,
				Size:          size,
				RealizedPnl:   realized,
				UnrealizedPnl: unrealized,
			})
		}
	}
}

// SetOrderListener replaces the order-update listener. Pass nil to detach.
func (e *BinanceEvents) SetOrderListener(l OrderListener) {
	e.mu.Lock()
	e.orderListener = l
	e.mu.Unlock()
}

// SetPositionListener replaces the position-update listener. Pass nil to detach.
func (e *BinanceEvents) SetPositionListener(l PositionListener) {
	e.mu.Lock()
	e.positionListener = l
	e.mu.Unlock()
}

// Exit stops the stream. Safe to call repeatedly.
func (e *BinanceEvents) Exit() {
	e.exitOnce.Do(func() {
		close(e.done)
		if e.stopC != nil {
			close(e.stopC)
		}
	})
}
