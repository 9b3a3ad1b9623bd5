// Package exchange is the engine's boundary to the derivatives exchange.
// The live backend speaks the exchange's signed REST API and user-data
// websocket; the sandbox backend simulates the same interface against a
// replayed candle feed.
package exchange

import (
	"adaptive-grid-bot-go/internal/models"
	"context"
	"errors"
)

var (
	// ErrOrderRejected means the exchange refused the order. Per-level
	// recoverable: the rest of the ladder keeps trading.
	ErrOrderRejected = errors.New("order rejected by exchange")

	// ErrAlreadyFilled is reported by CancelOrder when the order filled
	// before the cancel landed. The fill path wins that race.
	ErrAlreadyFilled = errors.New("order already filled")

	// ErrNotFound is reported for an unknown exchange order id.
	ErrNotFound = errors.New("order not found")

	// ErrUnavailable marks a transient transport failure worth retrying.
	ErrUnavailable = errors.New("exchange unavailable")
)

// PlacedOrder is the exchange's acknowledgement of a new order.
type PlacedOrder struct {
	ExchangeOrderID string
	ClientOrderID   string
}

// OpenOrder is one resting order as reported by the exchange, used for
// startup reconciliation.
type OpenOrder struct {
	ExchangeOrderID string
	ClientOrderID   string
	Side            models.Side
	Price           float64
	Size            float64
}

// Gateway is everything the engine needs from an exchange. All calls are
// bounded by the caller's context; implementations return ErrUnavailable
// for transport-level failures so the caller can retry.
type Gateway interface {
	// PlaceOrder submits a limit order and returns the exchange order id.
	PlaceOrder(ctx context.Context, symbol string, side models.Side, price, size float64, leverage int, clientOrderID string) (*PlacedOrder, error)

	// CancelOrder cancels a resting order by exchange order id.
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error

	// ClosePosition market-closes a net position (positive = long to sell,
	// negative = short to buy back). Used by the risk flatten.
	ClosePosition(ctx context.Context, symbol string, netSize float64) error

	// GetTicker returns the last traded price.
	GetTicker(ctx context.Context, symbol string) (float64, error)

	// GetCandles returns up to limit candles in ascending time order.
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)

	// GetOpenOrders lists the currently resting orders for the symbol.
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)

	// StreamFills returns a channel of fill events. The channel stays open
	// until ctx is cancelled; the implementation reconnects internally.
	StreamFills(ctx context.Context) (<-chan models.FillEvent, error)

	// Close releases background resources.
	Close() error
}

// IsTransient reports whether an error from a Gateway call is worth a retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
