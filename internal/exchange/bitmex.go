package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bitmex-fleet-bot-go/internal/logger"
	"bitmex-fleet-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

const (
	bitmexLiveAPI    = "https://www.bitmex.com"
	bitmexTestnetAPI = "https://testnet.bitmex.com"

	// Wallet amounts are reported in satoshis.
	satoshisPerBTC = 1e8
)

// BitmexTrader implements Trader against the BitMEX REST API.
type BitmexTrader struct {
	pair       string
	creds      Credentials
	baseURL    string
	httpClient *http.Client
}

// NewBitmexTrader builds a trader bound to one pair.
func NewBitmexTrader(pair string, creds Credentials) *BitmexTrader {
	baseURL := bitmexLiveAPI
	if creds.Testnet {
		baseURL = bitmexTestnetAPI
	}
	return &BitmexTrader{
		pair:       pair,
		creds:      creds,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// sign produces the api-signature header value for a request.
func (t *BitmexTrader) sign(verb, path, expires, body string) string {
	mac := hmac.New(sha256.New, []byte(t.creds.APISecret))
	mac.Write([]byte(verb + path + expires + body))
	return hex.EncodeToString(mac.Sum(nil))
}

// doRequest sends a signed request and decodes the JSON response into out.
func (t *BitmexTrader) doRequest(ctx context.Context, method, endpoint string, params url.Values, body any, out any) error {
	path := "/api/v1" + endpoint
	var bodyStr string
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyStr = string(data)
	}
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, strings.NewReader(bodyStr))
	if err != nil {
		return err
	}

	expires := strconv.FormatInt(time.Now().Add(15*time.Second).Unix(), 10)
	req.Header.Set("api-key", t.creds.APIKey)
	req.Header.Set("api-expires", expires)
	req.Header.Set("api-signature", t.sign(method, path, expires, bodyStr))
	if bodyStr != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return models.NewPipelineError(models.FailureAuth,
			fmt.Errorf("bitmex rejected credentials: %s", string(data)))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("bitmex %s %s: status %d: %s", method, endpoint, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

type bitmexBookLevel struct {
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Size   float64 `json:"size"`
	Price  float64 `json:"price"`
}

// GetOrderbook fetches an L2 depth snapshot, best levels first per side.
func (t *BitmexTrader) GetOrderbook(ctx context.Context, pair string, depth int) (*models.Orderbook, error) {
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("depth", strconv.Itoa(depth))

	var levels []bitmexBookLevel
	if err := t.doRequest(ctx, http.MethodGet, "/orderBook/L2", params, nil, &levels); err != nil {
		return nil, err
	}

	book := &models.Orderbook{}
	// BitMEX returns sells first, descending price, then buys. Asks must end
	// up ascending so index 0 is top of book on both sides.
	for _, l := range levels {
		level := models.OrderbookLevel{Price: l.Price, Amount: l.Size}
		if strings.EqualFold(l.Side, "Sell") {
			book.Asks = append([]models.OrderbookLevel{level}, book.Asks...)
		} else {
			book.Bids = append(book.Bids, level)
		}
	}
	return book, nil
}

type bitmexMargin struct {
	AvailableMargin int64 `json:"availableMargin"`
	WalletBalance   int64 `json:"walletBalance"`
}

// GetBalance returns the available wallet balance in BTC.
func (t *BitmexTrader) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("currency", "XBt")

	var margin bitmexMargin
	if err := t.doRequest(ctx, http.MethodGet, "/user/margin", params, nil, &margin); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromInt(margin.AvailableMargin).Div(decimal.NewFromInt(satoshisPerBTC)), nil
}

// SetLeverage sets isolated leverage on the pair's position.
func (t *BitmexTrader) SetLeverage(ctx context.Context, leverage int, pair string) error {
	body := map[string]any{"symbol": pair, "leverage": leverage}
	return t.doRequest(ctx, http.MethodPost, "/position/leverage", nil, body, nil)
}

type bitmexOrder struct {
	OrderID   string    `json:"orderID"`
	OrdStatus string    `json:"ordStatus"`
	OrderQty  float64   `json:"orderQty"`
	CumQty    float64   `json:"cumQty"`
	LeavesQty float64   `json:"leavesQty"`
	AvgPx     float64   `json:"avgPx"`
	Timestamp time.Time `json:"timestamp"`
}

func (o *bitmexOrder) toExecuted() *models.ExecutedOrder {
	return &models.ExecutedOrder{
		ExchangeOrderID: o.OrderID,
		Status:          normalizeBitmexStatus(o.OrdStatus),
		Amount:          o.OrderQty,
		Filled:          o.CumQty,
		Remaining:       o.LeavesQty,
		AveragePrice:    o.AvgPx,
		Timestamp:       o.Timestamp,
	}
}

func bitmexSide(side models.Side) string {
	if side == models.Buy {
		return "Buy"
	}
	return "Sell"
}

// CreateMarketOrder places a market order for amount contracts.
func (t *BitmexTrader) CreateMarketOrder(ctx context.Context, side models.Side, amount int64) (*models.ExecutedOrder, error) {
	body := map[string]any{
		"symbol":   t.pair,
		"side":     bitmexSide(side),
		"orderQty": amount,
		"ordType":  "Market",
	}
	var order bitmexOrder
	if err := t.doRequest(ctx, http.MethodPost, "/order", nil, body, &order); err != nil {
		return nil, err
	}
	return order.toExecuted(), nil
}

// CreateLimitOrder places a limit order for amount contracts at price.
func (t *BitmexTrader) CreateLimitOrder(ctx context.Context, side models.Side, amount int64, price float64) (*models.ExecutedOrder, error) {
	body := map[string]any{
		"symbol":   t.pair,
		"side":     bitmexSide(side),
		"orderQty": amount,
		"price":    price,
		"ordType":  "Limit",
	}
	var order bitmexOrder
	if err := t.doRequest(ctx, http.MethodPost, "/order", nil, body, &order); err != nil {
		return nil, err
	}
	return order.toExecuted(), nil
}

// CloseOpenPositions submits a market close for the pair's whole position.
func (t *BitmexTrader) CloseOpenPositions(ctx context.Context, pair string) error {
	body := map[string]any{
		"symbol":   pair,
		"ordType":  "Market",
		"execInst": "Close",
	}
	return t.doRequest(ctx, http.MethodPost, "/order", nil, body, nil)
}

// GetOrder loads one order by exchange order id.
func (t *BitmexTrader) GetOrder(ctx context.Context, id string) (*models.ExecutedOrder, error) {
	filter, err := json.Marshal(map[string]string{"orderID": id})
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", t.pair)
	params.Set("filter", string(filter))

	var orders []bitmexOrder
	if err := t.doRequest(ctx, http.MethodGet, "/order", params, nil, &orders); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("order %s not found", id)
	}
	return orders[0].toExecuted(), nil
}

// normalizeBitmexStatus maps BitMEX ordStatus values onto the internal set.
func normalizeBitmexStatus(status string) models.OrderStatus {
	switch status {
	case "New":
		return models.OrderStatusNew
	case "PartiallyFilled":
		return models.OrderStatusPartiallyFilled
	case "Filled":
		return models.OrderStatusFilled
	case "Canceled":
		return models.OrderStatusCanceled
	case "Rejected":
		return models.OrderStatusRejected
	default:
		logger.S().Debugf("unmapped bitmex order status %q", status)
		return models.OrderStatus(status)
	}
}
