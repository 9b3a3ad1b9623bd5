package models

import "time"

// Side is the direction of an order or grid level.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side. A filled Buy spawns a Sell mirror and vice versa.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderStatus is the lifecycle state of an Order.
//
// Planned -> Submitted -> Open -> Filled, with Submitted -> Errored on
// rejection and Open/Submitted -> Cancelled on recalibration or shutdown.
// Closed is only reached through a risk-triggered flatten.
type OrderStatus string

const (
	StatusPlanned   OrderStatus = "PLANNED"
	StatusSubmitted OrderStatus = "SUBMITTED"
	StatusOpen      OrderStatus = "OPEN"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusErrored   OrderStatus = "ERRORED"
	StatusClosed    OrderStatus = "CLOSED"
)

// IsTerminal reports whether the status permits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusErrored, StatusClosed:
		return true
	}
	return false
}

// Candle is one OHLC bar, ordered by Timestamp, supplied by the exchange.
type Candle struct {
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Timestamp time.Time `json:"timestamp"`
}

// GridLevel is one resting order's price/side/size within a ladder generation.
// Spacing records the ladder step that produced the level; the mirror order
// for a fill on this level is placed at filled price +/- Spacing, so the
// offset stays correct even after the generation has been superseded.
type GridLevel struct {
	Price      float64 `json:"price"`
	Side       Side    `json:"side"`
	Size       float64 `json:"size"`
	Generation int64   `json:"generation"`
	Spacing    float64 `json:"spacing"`
}

// Order tracks one submitted grid level through its lifecycle.
type Order struct {
	ID              string      `json:"id"`
	Level           GridLevel   `json:"level"`
	Status          OrderStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	FilledAt        time.Time   `json:"filled_at,omitempty"`
	ExchangeOrderID string      `json:"exchange_order_id,omitempty"`
}

// Position is the aggregate net position, updated only by confirmed fills.
// AvgEntryPrice is meaningful only while NetSize != 0.
type Position struct {
	NetSize       float64 `json:"net_size"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	RealizedPnl   float64 `json:"realized_pnl"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
}

// PnLRecord is one realized round trip. Append-only.
type PnLRecord struct {
	TradeID    string    `json:"trade_id"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Size       float64   `json:"size"`
	Pnl        float64   `json:"pnl"`
	ClosedAt   time.Time `json:"closed_at"`
}

// FillEvent is one execution reported by the exchange's fill stream.
// FillID is the idempotence key: at most one mirror order per distinct FillID.
type FillEvent struct {
	FillID  string    `json:"fill_id"`
	OrderID string    `json:"order_id"`
	Price   float64   `json:"price"`
	Size    float64   `json:"size"`
	Time    time.Time `json:"time"`
}

// PnlSummary is the read-only PnL view served to an external command layer.
type PnlSummary struct {
	TotalPnl   float64     `json:"total_pnl"`
	LastTrades []PnLRecord `json:"last_trades"`
}

// BalanceSnapshot is the read-only balance view served to an external command layer.
type BalanceSnapshot struct {
	Available float64  `json:"available"`
	Position  Position `json:"position"`
}

// EngineState is the durable snapshot written after every committed
// transition and reloaded on startup.
type EngineState struct {
	Symbol         string            `json:"symbol"`
	Generation     int64             `json:"generation"`
	Orders         map[string]*Order `json:"orders"`
	Position       Position          `json:"position"`
	PnlHistory     []PnLRecord       `json:"pnl_history"`
	ProcessedFills []string          `json:"processed_fills"`
	Halted         bool              `json:"halted"`
	LastUpdateTime time.Time         `json:"last_update_time"`
}

// LogConfig configures the zap/lumberjack logger.
type LogConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"` // "console", "file" or "both"
	File       string `json:"file"`
	MaxSize    int    `json:"max_size"`
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"`
	Compress   bool   `json:"compress"`
}

// Config holds all bot parameters. It is validated once at startup and
// treated as immutable afterwards; a recalibration may carry a new value
// into a new generation but never mutates an old one in place.
type Config struct {
	Symbol            string  `json:"symbol"`
	Leverage          int     `json:"leverage"`
	GridSize          int     `json:"grid_size"`
	AdjustIntervalMin int     `json:"adjust_interval_min"`
	StopLossPct       float64 `json:"stop_loss_pct"`   // fractional, e.g. 0.01
	TakeProfitPct     float64 `json:"take_profit_pct"` // fractional, e.g. 0.02
	Budget            float64 `json:"budget"`
	Sandbox           bool    `json:"sandbox"`

	// Ladder construction knobs.
	VolatilityPeriod  int     `json:"volatility_period"`
	CandleInterval    string  `json:"candle_interval"`
	SpacingMultiplier float64 `json:"spacing_multiplier"`
	TickSize          float64 `json:"tick_size"`
	StepSize          float64 `json:"step_size"`

	// RecalibrationEpsilon is the max relative price drift per level below
	// which a recomputed ladder is considered unchanged and the cycle is
	// skipped to avoid cancel/replace churn.
	RecalibrationEpsilon float64 `json:"recalibration_epsilon"`

	// Exchange gateway behaviour.
	APIBaseURL          string `json:"api_base_url"`
	WSBaseURL           string `json:"ws_base_url"`
	GatewayTimeoutSec   int    `json:"gateway_timeout_sec"`
	RetryAttempts       int    `json:"retry_attempts"`
	RetryInitialDelayMs int    `json:"retry_initial_delay_ms"`
	RequestsPerSecond   int    `json:"requests_per_second"`

	// Sandbox replay source: CSV of historical candles (see internal/downloader).
	SandboxDataFile string `json:"sandbox_data_file"`

	DBPath    string    `json:"db_path"`
	LogConfig LogConfig `json:"log"`
}
