package exchange

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"adaptive-grid-bot-go/internal/models"
)

// SandboxExchange implements Gateway against a simulated order book: resting
// limit orders fill when the replayed price path crosses them, and fills are
// emitted on the same stream channel a live exchange would use. It is driven
// either by Replay (candle file playback) or tick-by-tick via Advance.
type SandboxExchange struct {
	mu sync.Mutex

	symbol       string
	currentPrice float64
	currentTime  time.Time
	history      []models.Candle

	orders      map[string]*sandboxOrder
	filled      map[string]bool
	nextOrderID int64
	nextFillID  int64

	cash     float64
	position float64
	avgEntry float64

	fills  chan models.FillEvent
	logger *zap.SugaredLogger
}

type sandboxOrder struct {
	id            string
	clientOrderID string
	side          models.Side
	price         float64
	size          float64
}

// NewSandboxExchange builds a simulated gateway seeded with the budget as
// starting cash.
func NewSandboxExchange(symbol string, startingCash float64, logger *zap.SugaredLogger) *SandboxExchange {
	return &SandboxExchange{
		symbol:      symbol,
		orders:      make(map[string]*sandboxOrder),
		filled:      make(map[string]bool),
		nextOrderID: 1,
		nextFillID:  1,
		cash:        startingCash,
		fills:       make(chan models.FillEvent, 256),
		logger:      logger,
	}
}

// Advance feeds one candle into the simulation. The intra-candle price path
// is approximated as open -> low -> high -> close, checking resting orders
// at each point.
func (e *SandboxExchange) Advance(c models.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.currentTime = c.Timestamp
	e.history = append(e.history, c)

	for _, price := range []float64{c.Open, c.Low, c.High, c.Close} {
		e.matchAtPrice(price)
	}
	e.currentPrice = c.Close
}

// Replay plays a candle sequence through the simulation, one candle per
// tick interval, until the candles or the context run out.
func (e *SandboxExchange) Replay(ctx context.Context, candles []models.Candle, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for _, c := range candles {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Advance(c)
		}
	}
	e.logger.Info("sandbox replay finished")
}

// matchAtPrice fills every resting order that crosses the given price.
// Caller holds the lock.
func (e *SandboxExchange) matchAtPrice(price float64) {
	ids := make([]string, 0, len(e.orders))
	for id := range e.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		order := e.orders[id]
		crossed := (order.side == models.Buy && price <= order.price) ||
			(order.side == models.Sell && price >= order.price)
		if !crossed {
			continue
		}

		delete(e.orders, id)
		e.filled[id] = true
		e.applyFill(order)

		fill := models.FillEvent{
			FillID:  "sim-fill-" + strconv.FormatInt(e.nextFillID, 10),
			OrderID: order.id,
			Price:   order.price, // limit orders fill at their resting price
			Size:    order.size,
			Time:    e.currentTime,
		}
		e.nextFillID++

		select {
		case e.fills <- fill:
		default:
			e.logger.Warnw("sandbox fill channel full, dropping event", "order_id", order.id)
		}
	}
}

// applyFill updates the simulated cash/position books. Caller holds the lock.
func (e *SandboxExchange) applyFill(order *sandboxOrder) {
	notional := order.price * order.size
	if order.side == models.Buy {
		newSize := e.position + order.size
		if newSize != 0 {
			e.avgEntry = (e.avgEntry*e.position + notional) / newSize
		}
		e.position = newSize
		e.cash -= notional
	} else {
		e.position -= order.size
		e.cash += notional
		if e.position == 0 {
			e.avgEntry = 0
		}
	}
}

// PlaceOrder rests a simulated limit order. An order that would cross
// immediately still rests until the next price point, mirroring the
// post-only behaviour the grid relies on.
func (e *SandboxExchange) PlaceOrder(_ context.Context, symbol string, side models.Side, price, size float64, _ int, clientOrderID string) (*PlacedOrder, error) {
	if symbol != e.symbol {
		return nil, fmt.Errorf("%w: unknown symbol %s", ErrOrderRejected, symbol)
	}
	if price <= 0 || size <= 0 {
		return nil, fmt.Errorf("%w: price %.8f size %.8f", ErrOrderRejected, price, size)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id := "sim-" + strconv.FormatInt(e.nextOrderID, 10)
	e.nextOrderID++
	e.orders[id] = &sandboxOrder{
		id:            id,
		clientOrderID: clientOrderID,
		side:          side,
		price:         price,
		size:          size,
	}
	return &PlacedOrder{ExchangeOrderID: id, ClientOrderID: clientOrderID}, nil
}

// CancelOrder removes a resting order. Cancelling an order that already
// filled reports ErrAlreadyFilled, reproducing the live race the engine
// must tolerate during a cancel sweep.
func (e *SandboxExchange) CancelOrder(_ context.Context, _ string, exchangeOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.orders[exchangeOrderID]; ok {
		delete(e.orders, exchangeOrderID)
		return nil
	}
	if e.filled[exchangeOrderID] {
		return ErrAlreadyFilled
	}
	return ErrNotFound
}

// ClosePosition zeroes the simulated position at the current price.
func (e *SandboxExchange) ClosePosition(_ context.Context, _ string, netSize float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cash += netSize * e.currentPrice
	e.position -= netSize
	if math.Abs(e.position) < 1e-12 {
		e.position = 0
		e.avgEntry = 0
	}
	return nil
}

// GetTicker returns the close of the last replayed candle.
func (e *SandboxExchange) GetTicker(_ context.Context, _ string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentPrice == 0 {
		return 0, fmt.Errorf("%w: no candles replayed yet", ErrUnavailable)
	}
	return e.currentPrice, nil
}

// GetCandles returns the trailing window of replayed candles.
func (e *SandboxExchange) GetCandles(_ context.Context, _, _ string, limit int) ([]models.Candle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.history) == 0 {
		return nil, fmt.Errorf("%w: no candles replayed yet", ErrUnavailable)
	}
	start := len(e.history) - limit
	if start < 0 {
		start = 0
	}
	out := make([]models.Candle, len(e.history)-start)
	copy(out, e.history[start:])
	return out, nil
}

// GetOpenOrders lists the currently resting simulated orders.
func (e *SandboxExchange) GetOpenOrders(_ context.Context, _ string) ([]OpenOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	orders := make([]OpenOrder, 0, len(e.orders))
	for _, o := range e.orders {
		orders = append(orders, OpenOrder{
			ExchangeOrderID: o.id,
			ClientOrderID:   o.clientOrderID,
			Side:            o.side,
			Price:           o.price,
			Size:            o.size,
		})
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ExchangeOrderID < orders[j].ExchangeOrderID })
	return orders, nil
}

// StreamFills hands out the simulation's fill channel. The channel is never
// closed: a Replay goroutine may still be mid-Advance at shutdown, and the
// engine stops reading on its context anyway.
func (e *SandboxExchange) StreamFills(context.Context) (<-chan models.FillEvent, error) {
	return e.fills, nil
}

// Position returns the simulated net position, for tests and reports.
func (e *SandboxExchange) Position() (size, avgEntry float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position, e.avgEntry
}

// Cash returns the simulated cash balance.
func (e *SandboxExchange) Cash() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cash
}

// Close is a no-op for the sandbox.
func (e *SandboxExchange) Close() error { return nil }
