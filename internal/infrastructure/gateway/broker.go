package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/vitos/algo_trade_bot/internal/config"
	"github.com/vitos/algo_trade_bot/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BrokerAdapter implements domain.Gateway against a Bybit v5 compatible API:
// candles and orders over signed REST, price stream and liveness over a
// websocket. Orders are plain market orders with stop loss and take profit
// attached; ClosePosition submits the reduce-only opposite order.
type BrokerAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client

	mu         sync.Mutex
	wsConn     *websocket.Conn
	connected  bool
	lastPrices map[string]float64
	// live orders by symbol, needed to size the reduce-only close
	orders map[string]openOrder

	logger *zap.Logger
}

type openOrder struct {
	direction domain.Direction
	volume    float64
}

func NewBrokerAdapter(cfg config.GatewayConfig, logger *zap.Logger) *BrokerAdapter {
	return &BrokerAdapter{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		baseURL:    cfg.RESTEndpoint,
		wsURL:      cfg.WSEndpoint,
		client:     &http.Client{Timeout: time.Duration(cfg.OrderTimeoutSec) * time.Second},
		lastPrices: make(map[string]float64),
		orders:     make(map[string]openOrder),
		logger:     logger,
	}
}

// --- REST ---

func (b *BrokerAdapter) sign(params string, timestamp int64, recvWindow int) string {
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BrokerAdapter) sendRequest(ctx context.Context, method, path string, payload map[string]interface{}) ([]byte, error) {
	timestamp := time.Now().UnixMilli()
	recvWindow := 5000

	var body []byte
	var paramsStr string

	if payload != nil {
		jsonBody, _ := json.Marshal(payload)
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if method == http.MethodGet {
		if idx := strings.Index(path, "?"); idx != -1 {
			paramsStr = path[idx+1:]
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	signature := b.sign(paramsStr, timestamp, recvWindow)
	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrGatewayTimeout, err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: %s", domain.ErrGatewayRejected, string(respBody))
	}
	return respBody, nil
}

// GetCandles fetches the most recent closed bars, oldest first.
func (b *BrokerAdapter) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	path := fmt.Sprintf("/v5/market/kline?category=linear&symbol=%s&interval=%s&limit=%d", symbol, timeframe, limit)
	body, err := b.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrGatewayRejected, result.RetMsg)
	}

	// Newest first on the wire; reverse into chronological order.
	list := result.Result.List
	candles := make([]domain.Candle, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		row := list[i]
		if len(row) < 6 {
			continue
		}
		ms, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad kline timestamp %q: %w", row[0], err)
		}
		c := domain.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			OpenTime:  time.UnixMilli(ms).UTC(),
		}
		if c.Open, err = strconv.ParseFloat(row[1], 64); err != nil {
			return nil, err
		}
		if c.High, err = strconv.ParseFloat(row[2], 64); err != nil {
			return nil, err
		}
		if c.Low, err = strconv.ParseFloat(row[3], 64); err != nil {
			return nil, err
		}
		if c.Close, err = strconv.ParseFloat(row[4], 64); err != nil {
			return nil, err
		}
		if c.Volume, err = strconv.ParseFloat(row[5], 64); err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// SubmitOrder places a market order with attached stop loss and take profit.
// The fill price is the last traded price at confirmation time.
func (b *BrokerAdapter) SubmitOrder(ctx context.Context, req *domain.OrderRequest) (*domain.Fill, error) {
	side := "Buy"
	if req.Direction == domain.DirectionShort {
		side = "Sell"
	}
	payload := map[string]interface{}{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        side,
		"orderType":   "Market",
		"qty":         strconv.FormatFloat(req.Volume, 'f', -1, 64),
		"stopLoss":    strconv.FormatFloat(req.StopLoss, 'f', -1, 64),
		"takeProfit":  strconv.FormatFloat(req.TakeProfit, 'f', -1, 64),
		"timeInForce": "IOC",
	}

	body, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/create", payload)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrGatewayRejected, result.RetMsg)
	}

	price, err := b.currentPrice(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.orders[req.Symbol] = openOrder{direction: req.Direction, volume: req.Volume}
	b.mu.Unlock()

	return &domain.Fill{Price: price, Time: time.Now().UTC()}, nil
}

// ClosePosition submits the reduce-only opposite market order for the
// position's symbol.
func (b *BrokerAdapter) ClosePosition(ctx context.Context, positionID string) (*domain.Fill, error) {
	symbol := symbolFromID(positionID)

	b.mu.Lock()
	order, ok := b.orders[symbol]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no live order for %s", domain.ErrGatewayRejected, positionID)
	}

	side := "Sell"
	if order.direction == domain.DirectionShort {
		side = "Buy"
	}
	payload := map[string]interface{}{
		"category":   "linear",
		"symbol":     symbol,
		"side":       side,
		"orderType":  "Market",
		"qty":        strconv.FormatFloat(order.volume, 'f', -1, 64),
		"reduceOnly": true,
	}

	body, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/create", payload)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrGatewayRejected, result.RetMsg)
	}

	price, err := b.currentPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	delete(b.orders, symbol)
	b.mu.Unlock()

	return &domain.Fill{Price: price, Time: time.Now().UTC()}, nil
}

func (b *BrokerAdapter) currentPrice(ctx context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	if p, ok := b.lastPrices[symbol]; ok && p > 0 {
		b.mu.Unlock()
		return p, nil
	}
	b.mu.Unlock()

	path := "/v5/market/tickers?category=linear&symbol=" + symbol
	body, err := b.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}

	var result struct {
		Result struct {
			List []struct {
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, err
	}
	if len(result.Result.List) == 0 {
		return 0, fmt.Errorf("%w: no ticker for %s", domain.ErrGatewayRejected, symbol)
	}
	return strconv.ParseFloat(result.Result.List[0].LastPrice, 64)
}

// symbolFromID strips the sequence suffix from a "SYMBOL-000042" position id.
func symbolFromID(id string) string {
	if idx := strings.LastIndex(id, "-"); idx > 0 {
		return id[:idx]
	}
	return id
}

// --- Websocket ---

// ConnectWS opens the price stream for the given symbols and keeps it alive,
// reconnecting with backoff until ctx is cancelled. Connected() reflects the
// stream state.
func (b *BrokerAdapter) ConnectWS(ctx context.Context, symbols []string) {
	go func() {
		backoff := time.Second
		for {
			if ctx.Err() != nil {
				return
			}
			if err := b.runStream(ctx, symbols); err != nil {
				b.logger.Warn("price stream dropped", zap.Error(err))
			}
			b.setConnected(false)

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()
}

func (b *BrokerAdapter) runStream(ctx context.Context, symbols []string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, "tickers."+s)
	}
	sub := map[string]interface{}{"op": "subscribe", "args": args}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	b.mu.Lock()
	b.wsConn = conn
	b.mu.Unlock()
	b.setConnected(true)
	b.logger.Info("price stream connected", zap.Strings("symbols", symbols))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		b.handleMessage(msg)
	}
}

func (b *BrokerAdapter) handleMessage(msg []byte) {
	var tick struct {
		Topic string `json:"topic"`
		Data  struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &tick); err != nil {
		return
	}
	if !strings.HasPrefix(tick.Topic, "tickers.") || tick.Data.LastPrice == "" {
		return
	}
	price, err := strconv.ParseFloat(tick.Data.LastPrice, 64)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.lastPrices[tick.Data.Symbol] = price
	b.mu.Unlock()
}

func (b *BrokerAdapter) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

// Connected reports whether the price stream is live.
func (b *BrokerAdapter) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}
