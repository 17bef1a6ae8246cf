package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"bitmex-fleet-bot-go/internal/bus"
	"bitmex-fleet-bot-go/internal/logger"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"
)

// PriceFeed streams public trade prices for one exchange+pair onto the bus.
type PriceFeed interface {
	Stop()
}

// NewPriceFeed starts the public price stream for an exchange+pair.
func NewPriceFeed(exchange, pair string, testnet bool, b *bus.Bus) (PriceFeed, error) {
	switch strings.ToLower(exchange) {
	case ExchangeBitmex:
		return newBitmexPriceFeed(pair, testnet, b), nil
	case ExchangeBinance:
		return newBinancePriceFeed(pair, testnet, b)
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", exchange)
	}
}

// bitmexPriceFeed subscribes to the public trade table. No auth needed.
type bitmexPriceFeed struct {
	pair     string
	wsURL    string
	b        *bus.Bus
	stopChan chan struct{}
	stopOnce sync.Once
}

func newBitmexPriceFeed(pair string, testnet bool, b *bus.Bus) *bitmexPriceFeed {
	wsURL := bitmexLiveWS
	if testnet {
		wsURL = bitmexTestnetWS
	}
	f := &bitmexPriceFeed{
		pair:     pair,
		wsURL:    wsURL,
		b:        b,
		stopChan: make(chan struct{}),
	}
	go f.connectLoop()
	return f
}

func (f *bitmexPriceFeed) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopChan)
	})
}

func (f *bitmexPriceFeed) connectLoop() {
	for {
		select {
		case <-f.stopChan:
			return
		default:
			if err := f.run(); err != nil {
				logger.S().Warnf("bitmex price feed for %s: %v, reconnecting in 5s", f.pair, err)
			}
			select {
			case <-f.stopChan:
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

type bitmexTradeRow struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

func (f *bitmexPriceFeed) run() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]any{
		"op":   "subscribe",
		"args": []string{"trade:" + f.pair},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe write failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	pingTicker := time.NewTicker(wsPingPeriod)
	defer pingTicker.Stop()
	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-f.stopChan:
				return
			}
		}
	}()

	for {
		select {
		case <-f.stopChan:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("read failed: %w", err)
			}
			var msg struct {
				Table string           `json:"table"`
				Data  []bitmexTradeRow `json:"data"`
			}
			if err := json.Unmarshal(message, &msg); err != nil || msg.Table != "trade" {
				continue
			}
			for _, row := range msg.Data {
				if row.Symbol != f.pair || row.Price <= 0 {
					continue
				}
				f.b.PublishPrice(ExchangeBitmex, f.pair, bus.PriceTick{
					Price:     row.Price,
					Timestamp: row.Timestamp,
				})
			}
		}
	}
}

// binancePriceFeed streams futures aggregate trades.
type binancePriceFeed struct {
	pair     string
	stopC    chan struct{}
	stopOnce sync.Once
}

func newBinancePriceFeed(pair string, testnet bool, b *bus.Bus) (*binancePriceFeed, error) {
	futures.UseTestnet = testnet

	handler := func(event *futures.WsAggTradeEvent) {
		price, err := strconv.ParseFloat(event.Price, 64)
		if err != nil || price <= 0 {
			return
		}
		b.PublishPrice(ExchangeBinance, pair, bus.PriceTick{
			Price:     price,
			Timestamp: time.UnixMilli(event.Time),
		})
	}
	errHandler := func(err error) {
		logger.S().Warnf("binance price feed for %s: %v", pair, err)
	}

	_, stopC, err := futures.WsAggTradeServe(pair, handler, errHandler)
	if err != nil {
		return nil, err
	}
	return &binancePriceFeed{pair: pair, stopC: stopC}, nil
}

func (f *binancePriceFeed) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopC)
	})
}
