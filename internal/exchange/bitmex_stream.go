package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"bitmex-fleet-bot-go/internal/logger"
	"bitmex-fleet-bot-go/internal/models"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	bitmexLiveWS    = "wss://ws.bitmex.com/realtime"
	bitmexTestnetWS = "wss://testnet.bitmex.com/realtime"

	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// BitmexEvents implements MarketEvents over the BitMEX realtime websocket.
// It authenticates, subscribes to the pair's private order and position
// tables and keeps the connection alive until Exit.
type BitmexEvents struct {
	pair  string
	creds Credentials
	wsURL string

	mu               sync.RWMutex
	orderListener    OrderListener
	positionListener PositionListener

	conn     *websocket.Conn
	stopChan chan struct{}
	exitOnce sync.Once
}

// NewBitmexEvents connects and starts the stream loop.
func NewBitmexEvents(pair string, creds Credentials) (*BitmexEvents, error) {
	wsURL := bitmexLiveWS
	if creds.Testnet {
		wsURL = bitmexTestnetWS
	}
	e := &BitmexEvents{
		pair:     pair,
		creds:    creds,
		wsURL:    wsURL,
		stopChan: make(chan struct{}),
	}
	go e.connectLoop()
	return e, nil
}

// SetOrderListener replaces the order-update listener. Pass nil to detach.
func (e *BitmexEvents) SetOrderListener(l OrderListener) {
	e.mu.Lock()
	e.orderListener = l
	e.mu.Unlock()
}

// SetPositionListener replaces the position-update listener. Pass nil to detach.
func (e *BitmexEvents) SetPositionListener(l PositionListener) {
	e.mu.Lock()
	e.positionListener = l
	e.mu.Unlock()
}

// Exit tears down the connection. Safe to call repeatedly.
func (e *BitmexEvents) Exit() {
	e.exitOnce.Do(func() {
		close(e.stopChan)
	})
}

// connectLoop keeps the websocket connected until Exit, reconnecting with a
// fixed backoff on any failure.
func (e *BitmexEvents) connectLoop() {
	for {
		select {
		case <-e.stopChan:
			return
		default:
			if err := e.connect(); err != nil {
				logger.S().Warnf("bitmex stream for %s: connect failed: %v, retrying in 5s", e.pair, err)
				time.Sleep(5 * time.Second)
				continue
			}
			if err := e.readMessages(); err != nil {
				logger.S().Warnf("bitmex stream for %s: %v, reconnecting", e.pair, err)
			}
			if e.conn != nil {
				e.conn.Close()
			}
			select {
			case <-e.stopChan:
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (e *BitmexEvents) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL, nil)
	if err != nil {
		return err
	}
	e.conn = conn

	// Authenticate, then subscribe to the private tables for our pair.
	expires := time.Now().Add(15 * time.Second).Unix()
	mac := hmac.New(sha256.New, []byte(e.creds.APISecret))
	mac.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
	signature := hex.EncodeToString(mac.Sum(nil))

	auth := map[string]any{
		"op":   "authKeyExpires",
		"args": []any{e.creds.APIKey, expires, signature},
	}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("auth write failed: %w", err)
	}

	sub := map[string]any{
		"op":   "subscribe",
		"args": []string{"order:" + e.pair, "position:" + e.pair},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe write failed: %w", err)
	}
	return nil
}

type bitmexStreamMessage struct {
	Table string            `json:"table"`
	Data  []json.RawMessage `json:"data"`
}

type bitmexOrderRow struct {
	OrderID   string  `json:"orderID"`
	Symbol    string  `json:"symbol"`
	OrdStatus string  `json:"ordStatus"`
	OrderQty  float64 `json:"orderQty"`
	CumQty    float64 `json:"cumQty"`
	LeavesQty float64 `json:"leavesQty"`
}

type bitmexPositionRow struct {
	Symbol           string  `json:"symbol"`
	IsOpen           bool    `json:"isOpen"`
	CurrentQty       float64 `json:"currentQty"`
	PosMargin        int64   `json:"posMargin"`
	LiquidationPrice float64 `json:"liquidationPrice"`
	BankruptPrice    float64 `json:"bankruptPrice"`
	RealisedPnl      int64   `json:"realisedPnl"`
	UnrealisedPnl    int64   `json:"unrealisedPnl"`
}

// readMessages pumps the connection until it breaks or Exit is called,
// keeping it alive with ping frames.
func (e *BitmexEvents) readMessages() error {
	conn := e.conn
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
			case <-e.stopChan:
				return
			}
		}
	}()

	for {
		select {
		case <-e.stopChan:
			err := conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				return fmt.Errorf("failed to send close frame: %w", err)
			}
			return nil
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("read failed: %w", err)
			}
			e.handleMessage(message)
		}
	}
}

func (e *BitmexEvents) handleMessage(message []byte) {
	var msg bitmexStreamMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		logger.S().Debugf("bitmex stream: unparseable message: %v", err)
		return
	}

	switch msg.Table {
	case "order":
		for _, raw := range msg.Data {
			var row bitmexOrderRow
			if err := json.Unmarshal(raw, &row); err != nil {
				continue
			}
			if row.OrderID == "" {
				continue
			}
			e.mu.RLock()
			l := e.orderListener
			e.mu.RUnlock()
			if l != nil {
				l(models.OrderUpdate{
					Exchange:        ExchangeBitmex,
					Pair:            row.Symbol,
					ExchangeOrderID: row.OrderID,
					Status:          normalizeBitmexStatus(row.OrdStatus),
					TotalQuantity:   row.OrderQty,
					FilledQuantity:  row.CumQty,
					RemainQuantity:  row.LeavesQty,
				})
			}
		}
	case "position":
		for _, raw := range msg.Data {
			var row bitmexPositionRow
			if err := json.Unmarshal(raw, &row); err != nil {
				continue
			}
			e.mu.RLock()
			l := e.positionListener
			e.mu.RUnlock()
			if l != nil {
				sats := decimal.NewFromInt(satoshisPerBTC)
				l(models.PositionUpdate{
					Pair:             row.Symbol,
					IsOpen:           row.IsOpen,
					Margin:           decimal.NewFromInt(row.PosMargin).Div(sats),
					Size:             row.CurrentQty,
					LiquidationPrice: row.LiquidationPrice,
					BankruptPrice:    row.BankruptPrice,
					RealizedPnl:      decimal.NewFromInt(row.RealisedPnl).Div(sats),
					UnrealizedPnl:    decimal.NewFromInt(row.UnrealisedPnl).Div(sats),
				})
			}
		}
	}
}
