package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"adaptive-grid-bot-go/internal/models"
)

// apiError is the exchange's structured error response.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api error: code=%d, msg=%s", e.Code, e.Msg)
}

// LiveExchange implements Gateway against the exchange's signed futures
// REST API and user-data websocket stream.
type LiveExchange struct {
	apiKey     string
	secretKey  string
	baseURL    string
	wsBaseURL  string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger
	timeOffset int64
}

// NewLiveExchange builds a live gateway and syncs the local clock offset
// against the exchange server time; signed requests fail outside a narrow
// timestamp window, so this runs before anything else.
func NewLiveExchange(apiKey, secretKey, baseURL, wsBaseURL string, requestsPerSecond int, logger *zap.SugaredLogger) (*LiveExchange, error) {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	e := &LiveExchange{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		wsBaseURL:  wsBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
		logger:     logger,
	}

	if err := e.syncTime(); err != nil {
		return nil, fmt.Errorf("failed to sync server time: %w", err)
	}
	return e, nil
}

func (e *LiveExchange) syncTime() error {
	data, err := e.doRequest(context.Background(), "GET", "/fapi/v1/time", nil, false)
	if err != nil {
		return err
	}
	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return err
	}
	e.timeOffset = result.ServerTime - time.Now().UnixMilli()
	e.logger.Infow("server time synced", "offset_ms", e.timeOffset)
	return nil
}

// doRequest sends one REST request, signing it when required. Transport
// failures and throttling surface as ErrUnavailable so callers can retry.
func (e *LiveExchange) doRequest(ctx context.Context, method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	queryParams := url.Values{}
	for k, v := range params {
		queryParams[k] = v
	}

	var encodedParams string
	if signed {
		timestamp := time.Now().UnixMilli() + e.timeOffset
		queryParams.Set("timestamp", strconv.FormatInt(timestamp, 10))
		payload := queryParams.Encode()
		encodedParams = fmt.Sprintf("%s&signature=%s", payload, e.sign(payload))
	} else {
		encodedParams = queryParams.Encode()
	}

	fullURL := e.baseURL + endpoint
	var req *http.Request
	var err error
	if method == http.MethodGet {
		if encodedParams != "" {
			fullURL = fullURL + "?" + encodedParams
		}
		req, err = http.NewRequestWithContext(ctx, method, fullURL, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, fullURL, strings.NewReader(encodedParams))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
		return body, &apiErr
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return body, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("request failed, status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (e *LiveExchange) sign(data string) string {
	h := hmac.New(sha256.New, []byte(e.secretKey))
	h.Write([]byte(data))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// PlaceOrder submits a GTC limit order.
func (e *LiveExchange) PlaceOrder(ctx context.Context, symbol string, side models.Side, price, size float64, leverage int, clientOrderID string) (*PlacedOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", strconv.FormatFloat(size, 'f', -1, 64))
	params.Set("price", strconv.FormatFloat(price, 'f', -1, 64))
	if clientOrderID != "" {
		params.Set("newClientOrderId", clientOrderID)
	}

	data, err := e.doRequest(ctx, "POST", "/fapi/v1/order", params, true)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			// Anything the matching engine itself refused is a rejection,
			// not a transport problem.
			return nil, fmt.Errorf("%w: %s", ErrOrderRejected, apiErr.Msg)
		}
		return nil, err
	}

	var result struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &PlacedOrder{
		ExchangeOrderID: strconv.FormatInt(result.OrderID, 10),
		ClientOrderID:   result.ClientOrderID,
	}, nil
}

// CancelOrder cancels one resting order. The exchange reports code -2011
// when the order is gone, which during a cancel sweep almost always means
// it filled first; that race maps to ErrAlreadyFilled so the fill path wins.
func (e *LiveExchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)

	_, err := e.doRequest(ctx, "DELETE", "/fapi/v1/order", params, true)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Code == -2011 {
			return fmt.Errorf("%w: %s", ErrAlreadyFilled, apiErr.Msg)
		}
		return err
	}
	return nil
}

// ClosePosition market-closes the net position.
func (e *LiveExchange) ClosePosition(ctx context.Context, symbol string, netSize float64) error {
	if netSize == 0 {
		return nil
	}
	side := models.Sell
	if netSize < 0 {
		side = models.Buy
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(math.Abs(netSize), 'f', -1, 64))
	params.Set("reduceOnly", "true")

	_, err := e.doRequest(ctx, "POST", "/fapi/v1/order", params, true)
	return err
}

// GetTicker returns the last traded price.
func (e *LiveExchange) GetTicker(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := e.doRequest(ctx, "GET", "/fapi/v1/ticker/price", params, false)
	if err != nil {
		return 0, err
	}
	var ticker struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(data, &ticker); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(ticker.Price, 64)
}

// GetCandles fetches klines in ascending time order.
func (e *LiveExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	data, err := e.doRequest(ctx, "GET", "/fapi/v1/klines", params, false)
	if err != nil {
		return nil, err
	}

	// Klines arrive as JSON arrays of mixed numbers and strings.
	var raw [][]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 5 {
			continue
		}
		openTime, ok := k[0].(float64)
		if !ok {
			continue
		}
		open, err1 := parseKlineField(k[1])
		high, err2 := parseKlineField(k[2])
		low, err3 := parseKlineField(k[3])
		close_, err4 := parseKlineField(k[4])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		candles = append(candles, models.Candle{
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close_,
			Timestamp: time.UnixMilli(int64(openTime)),
		})
	}
	return candles, nil
}

func parseKlineField(v interface{}) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected kline field type %T", v)
	}
	return strconv.ParseFloat(s, 64)
}

// GetOpenOrders lists resting orders for startup reconciliation.
func (e *LiveExchange) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := e.doRequest(ctx, "GET", "/fapi/v1/openOrders", params, true)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Side          string `json:"side"`
		Price         string `json:"price"`
		OrigQty       string `json:"origQty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	orders := make([]OpenOrder, 0, len(raw))
	for _, o := range raw {
		price, _ := strconv.ParseFloat(o.Price, 64)
		size, _ := strconv.ParseFloat(o.OrigQty, 64)
		orders = append(orders, OpenOrder{
			ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
			ClientOrderID:   o.ClientOrderID,
			Side:            models.Side(o.Side),
			Price:           price,
			Size:            size,
		})
	}
	return orders, nil
}

// orderTradeUpdate is the user-data stream's execution report.
type orderTradeUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		ExecutionType string `json:"x"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		LastFilledQty string `json:"l"`
		LastFilledPx  string `json:"L"`
		TradeTime     int64  `json:"T"`
		TradeID       int64  `json:"t"`
	} `json:"o"`
}

// StreamFills opens the user-data stream and pushes fill events until the
// context is cancelled. The websocket reconnects internally with a delay;
// duplicate deliveries across reconnects are possible and the engine
// de-duplicates by fill id.
func (e *LiveExchange) StreamFills(ctx context.Context) (<-chan models.FillEvent, error) {
	listenKey, err := e.createListenKey(ctx)
	if err != nil {
		return nil, err
	}

	fills := make(chan models.FillEvent, 256)
	go e.streamLoop(ctx, listenKey, fills)
	go e.keepAliveLoop(ctx, listenKey)
	return fills, nil
}

func (e *LiveExchange) createListenKey(ctx context.Context) (string, error) {
	data, err := e.doRequest(ctx, "POST", "/fapi/v1/listenKey", nil, true)
	if err != nil {
		return "", err
	}
	var result struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", err
	}
	return result.ListenKey, nil
}

// keepAliveLoop refreshes the listen key; the exchange expires it after an
// hour without a ping.
func (e *LiveExchange) keepAliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.doRequest(ctx, "PUT", "/fapi/v1/listenKey", nil, true); err != nil {
				e.logger.Warnw("listen key keepalive failed", "error", err)
			}
		}
	}
}

func (e *LiveExchange) streamLoop(ctx context.Context, listenKey string, fills chan<- models.FillEvent) {
	defer close(fills)

	wsURL := fmt.Sprintf("%s/ws/%s", e.wsBaseURL, listenKey)
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			e.logger.Warnw("user data stream dial failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		e.logger.Info("user data stream connected")
		if err := e.readStream(ctx, conn, fills); err != nil && ctx.Err() == nil {
			e.logger.Warnw("user data stream dropped, reconnecting", "error", err)
		}
		conn.Close()

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// readStream pumps one websocket connection, with ping/pong deadlines so a
// dead peer is detected rather than blocking forever.
func (e *LiveExchange) readStream(ctx context.Context, conn *websocket.Conn, fills chan<- models.FillEvent) error {
	const (
		pongWait   = 60 * time.Second
		pingPeriod = (pongWait * 9) / 10
	)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingDone:
				return
			case <-ctx.Done():
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var update orderTradeUpdate
		if err := json.Unmarshal(message, &update); err != nil {
			continue
		}
		if update.EventType != "ORDER_TRADE_UPDATE" || update.Order.ExecutionType != "TRADE" {
			continue
		}
		// Only full fills spawn mirrors; partial executions accumulate on
		// the exchange until the order status flips to FILLED.
		if update.Order.Status != "FILLED" {
			continue
		}

		price, _ := strconv.ParseFloat(update.Order.LastFilledPx, 64)
		size, _ := strconv.ParseFloat(update.Order.LastFilledQty, 64)
		fill := models.FillEvent{
			FillID:  strconv.FormatInt(update.Order.TradeID, 10),
			OrderID: strconv.FormatInt(update.Order.OrderID, 10),
			Price:   price,
			Size:    size,
			Time:    time.UnixMilli(update.Order.TradeTime),
		}

		select {
		case fills <- fill:
		case <-ctx.Done():
			return nil
		}
	}
}

// Close releases the HTTP client's idle connections.
func (e *LiveExchange) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}
