package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"adaptive-grid-bot-go/internal/exchange"
	"adaptive-grid-bot-go/internal/models"
	"adaptive-grid-bot-go/internal/notify"
	"adaptive-grid-bot-go/internal/persistence"
)

// fakeGateway is a scriptable in-memory Gateway.
type fakeGateway struct {
	mu           sync.Mutex
	seq          int
	ticker       float64
	candles      []models.Candle
	openOrders   []exchange.OpenOrder
	rejectPrices map[float64]bool
	placeErr     error
	cancelErrs   map[string]error
	placeCount   int
	cancelled    []string
	closedNet    []float64
	fills        chan models.FillEvent
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		ticker:       30000,
		candles:      flatCandles(3, 30000, 300),
		rejectPrices: make(map[float64]bool),
		cancelErrs:   make(map[string]error),
		fills:        make(chan models.FillEvent, 16),
	}
}

// flatCandles builds n bars around price whose true range is rng.
func flatCandles(n int, price, rng float64) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		out[i] = models.Candle{
			Open: price, High: price + rng/2, Low: price - rng/2, Close: price,
			Timestamp: time.Unix(int64(i)*3600, 0),
		}
	}
	return out
}

func (g *fakeGateway) PlaceOrder(_ context.Context, _ string, _ models.Side, price, _ float64, _ int, clientOrderID string) (*exchange.PlacedOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placeCount++
	if g.placeErr != nil {
		return nil, g.placeErr
	}
	if g.rejectPrices[price] {
		return nil, exchange.ErrOrderRejected
	}
	g.seq++
	return &exchange.PlacedOrder{
		ExchangeOrderID: fmt.Sprintf("ex-%d", g.seq),
		ClientOrderID:   clientOrderID,
	}, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, _ string, exchangeOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.cancelErrs[exchangeOrderID]; ok {
		return err
	}
	g.cancelled = append(g.cancelled, exchangeOrderID)
	return nil
}

func (g *fakeGateway) ClosePosition(_ context.Context, _ string, netSize float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closedNet = append(g.closedNet, netSize)
	return nil
}

func (g *fakeGateway) GetTicker(context.Context, string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ticker, nil
}

func (g *fakeGateway) GetCandles(context.Context, string, string, int) ([]models.Candle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.candles, nil
}

func (g *fakeGateway) GetOpenOrders(context.Context, string) ([]exchange.OpenOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.openOrders, nil
}

func (g *fakeGateway) StreamFills(context.Context) (<-chan models.FillEvent, error) {
	return g.fills, nil
}

func (g *fakeGateway) Close() error { return nil }

// recordingSink captures events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *recordingSink) Notify(event notify.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) kinds() []notify.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.EventKind, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

func (s *recordingSink) has(kind notify.EventKind) bool {
	for _, k := range s.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// failingRepo simulates an unwritable state store.
type failingRepo struct{}

func (failingRepo) SaveState(*models.EngineState) error     { return errors.New("disk full") }
func (failingRepo) LoadState() (*models.EngineState, error) { return nil, nil }
func (failingRepo) Close() error                            { return nil }

func testConfig() *models.Config {
	return &models.Config{
		Symbol:               "BTCUSDT",
		Leverage:             10,
		GridSize:             4,
		AdjustIntervalMin:    60,
		StopLossPct:          0.05,
		TakeProfitPct:        0.10,
		Budget:               1000,
		VolatilityPeriod:     2,
		CandleInterval:       "1h",
		SpacingMultiplier:    1.0,
		TickSize:             0.01,
		StepSize:             0.00001,
		RecalibrationEpsilon: 0.001,
		RetryAttempts:        2,
		RetryInitialDelayMs:  1,
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeGateway, *recordingSink) {
	t.Helper()
	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	gw := newFakeGateway()
	sink := &recordingSink{}
	e := New(testConfig(), gw, repo, sink, zap.NewNop().Sugar())
	return e, gw, sink
}

// orderAtPrice finds the engine's order resting at the given price.
func orderAtPrice(t *testing.T, e *Engine, price float64) *models.Order {
	t.Helper()
	for _, o := range e.orders {
		if o.Level.Price == price && !o.Status.IsTerminal() {
			return o
		}
	}
	t.Fatalf("no live order at price %.2f", price)
	return nil
}

func TestInitialGridBuild(t *testing.T) {
	e, _, sink := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.reconcile(ctx))
	require.NoError(t, e.recalibrate(ctx))

	open := e.OpenOrders()
	require.Len(t, open, 4)

	// volatility 300 over grid size 4 gives spacing 75 around 30000
	prices := []float64{29850, 29925, 30075, 30150}
	sides := []models.Side{models.Buy, models.Buy, models.Sell, models.Sell}
	for i, o := range open {
		assert.Equal(t, prices[i], o.Level.Price)
		assert.Equal(t, sides[i], o.Level.Side)
		assert.Equal(t, 75.0, o.Level.Spacing)
		assert.Equal(t, int64(1), o.Level.Generation)
		assert.Equal(t, models.StatusOpen, o.Status)
	}

	assert.Equal(t, int64(1), e.Generation())
	assert.True(t, sink.has(notify.GridBuilt))
}

func TestFillSpawnsMirror(t *testing.T) {
	e, _, sink := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.reconcile(ctx))
	require.NoError(t, e.recalibrate(ctx))

	buy := orderAtPrice(t, e, 29925)
	size := buy.Level.Size

	require.NoError(t, e.handleFill(ctx, models.FillEvent{
		FillID: "f1", OrderID: buy.ExchangeOrderID, Price: 29925, Size: size, Time: time.Now(),
	}))

	assert.Equal(t, models.StatusFilled, buy.Status)
	assert.InDelta(t, size, e.position.NetSize, 1e-12)

	mirror := orderAtPrice(t, e, 30000) // 29925 + 75
	assert.Equal(t, models.Sell, mirror.Level.Side)
	assert.Equal(t, size, mirror.Level.Size)
	assert.Equal(t, buy.Level.Generation, mirror.Level.Generation)
	assert.True(t, sink.has(notify.MirrorCreated))
}

func TestDuplicateFillIgnored(t *testing.T) {
	e, gw, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.reconcile(ctx))
	require.NoError(t, e.recalibrate(ctx))

	buy := orderAtPrice(t, e, 29925)
	fill := models.FillEvent{FillID: "f1", OrderID: buy.ExchangeOrderID, Price: 29925, Size: buy.Level.Size, Time: time.Now()}

	require.NoError(t, e.handleFill(ctx, fill))
	netAfterFirst := e.position.NetSize
	placesAfterFirst := gw.placeCount

	require.NoError(t, e.handleFill(ctx, fill))
	assert.Equal(t, netAfterFirst, e.position.NetSize, "duplicate fill must not move the position")
	assert.Equal(t, placesAfterFirst, gw.placeCount, "duplicate fill must not place a second mirror")
}

func TestStaleFillDiscarded(t *testing.T) {
	e, gw, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.reconcile(ctx))
	require.NoError(t, e.recalibrate(ctx))

	buy := orderAtPrice(t, e, 29925)

	// Move the market so the next cycle cancels and rebuilds the ladder.
	gw.mu.Lock()
	gw.ticker = 32000
	gw.candles = flatCandles(3, 32000, 400)
	gw.mu.Unlock()
	require.NoError(t, e.recalibrate(ctx))
	require.Equal(t, models.StatusCancelled, buy.Status)

	placesBefore := gw.placeCount
	require.NoError(t, e.handleFill(ctx, models.FillEvent{
		FillID: "late", OrderID: buy.ExchangeOrderID, Price: 29925, Size: buy.Level.Size, Time: time.Now(),
	}))

	assert.Zero(t, e.position.NetSize, "a fill for a cancelled order must not move the position")
	assert.Equal(t, placesBefore, gw.placeCount)
	assert.Equal(t, models.StatusCancelled, buy.Status)
}

func TestRoundTripRealizesPnl(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.reconcile(ctx))
	require.NoError(t, e.recalibrate(ctx))

	buy := orderAtPrice(t, e, 29925)
	size := buy.Level.Size
	require.NoError(t, e.handleFill(ctx, models.FillEvent{
		FillID: "f1", OrderID: buy.ExchangeOrderID, Price: 29925, Size: size, Time: time.Now(),
	}))

	mirror := orderAtPrice(t, e, 30000)
	require.NoError(t, e.handleFill(ctx, models.FillEvent{
		FillID: "f2", OrderID: mirror.ExchangeOrderID, Price: 30000, Size: size, Time: time.Now(),
	}))

	assert.Zero(t, e.position.NetSize)
	assert.InDelta(t, 75*size, e.position.RealizedPnl, 1e-9)
	require.Len(t, e.pnlHistory, 1)
	assert.InDelta(t, 75*size, e.pnlHistory[0].Pnl, 1e-9)
	assert.Equal(t, 29925.0, e.pnlHistory[0].EntryPrice)
	assert.Equal(t, 30000.0, e.pnlHistory[0].ExitPrice)
}

func TestRecalibrationNoopWithinEpsilon(t *testing.T) {
	e, gw, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.reconcile(ctx))
	require.NoError(t, e.recalibrate(ctx))

	cancelsBefore := len(gw.cancelled)
	require.NoError(t, e.recalibrate(ctx))

	assert.Equal(t, int64(1), e.Generation(), "an unchanged ladder must not advance the generation")
	assert.Equal(t, cancelsBefore, len(gw.cancelled))
}

func TestRecalibrationRebuildsOnDrift(t *testing.T) {
	e, gw, sink := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.reconcile(ctx))
	require.NoError(t, e.recalibrate(ctx))

	gw.mu.Lock()
	gw.ticker = 31000
	gw.candles = flatCandles(3, 31000, 300)
	gw.mu.Unlock()

	require.NoError(t, e.recalibrate(ctx))

	assert.Equal(t, int64(2), e.Generation())
	assert.Len(t, gw.cancelled, 4, "the old ladder must be swept")

	open := e.OpenOrders()
	require.Len(t, open, 4)
	assert.Equal(t, 30850.0, open[0].Level.Price)
	assert.Equal(t, 31150.0, open[3].Level.Price)
	for _, o := range open {
		assert.Equal(t, int64(2), o.Level.Generation)
	}
	assert.True(t, sink.has(notify.Recalibrated))
}

func TestCancelLosesRaceToFill(t *testing.T) {
	e, gw, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.reconcile(ctx))
	require.NoError(t, e.recalibrate(ctx))

	buy := orderAtPrice(t, e, 29925)
	gw.mu.Lock()
	gw.cancelErrs[buy.ExchangeOrderID] = exchange.ErrAlreadyFilled
	gw.ticker = 32000
	gw.candles = flatCandles(3, 32000, 400)
	gw.mu.Unlock()

	require.NoError(t, e.recalibrate(ctx))
	assert.Equal(t, models.StatusOpen, buy.Status, "the fill path owns the transition when the cancel loses")

	require.NoError(t, e.handleFill(ctx, models.FillEvent{
		FillID: "raced", OrderID: buy.ExchangeOrderID, Price: 29925, Size: buy.Level.Size, Time: time.Now(),
	}))
	assert.Equal(t, models.StatusFilled, buy.Status)
	assert.InDelta(t, buy.Level.Size, e.position.NetSize, 1e-12)
}

func TestRejectedLevelKeepsRestOfLadder(t *testing.T) {
	e, gw, sink := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.reconcile(ctx))

	gw.mu.Lock()
	gw.rejectPrices[29850] = true
	gw.mu.Unlock()

	require.NoError(t, e.recalibrate(ctx))

	assert.Len(t, e.OpenOrders(), 3)
	assert.True(t, sink.has(notify.OrderRejectedAlert))

	errored := 0
	for _, o := range e.orders {
		if o.Status == models.StatusErrored {
			errored++
		}
	}
	assert.Equal(t, 1, errored)
}

func TestStopLossBoundaryInclusive(t *testing.T) {
	e, _, sink := newTestEngine(t)
	ctx := context.Background()

	// Entry notional 0.01 * 30000 = 300; stop ratio 0.05 trips at -15.
	e.position = models.Position{NetSize: 0.01, AvgEntryPrice: 30000, UnrealizedPnl: -14.99}
	require.NoError(t, e.checkRisk(ctx))
	assert.False(t, e.Halted())

	e.position.UnrealizedPnl = -15
	require.NoError(t, e.checkRisk(ctx))
	assert.True(t, e.Halted())
	assert.True(t, sink.has(notify.RiskTriggered))
}

func TestTakeProfitBoundaryInclusive(t *testing.T) {
	e, _, sink := newTestEngine(t)
	ctx := context.Background()

	// Take-profit ratio 0.10 trips at +30 on a 300 notional.
	e.position = models.Position{NetSize: 0.01, AvgEntryPrice: 30000, UnrealizedPnl: 30}
	require.NoError(t, e.checkRisk(ctx))
	assert.True(t, e.Halted())
	assert.True(t, sink.has(notify.RiskTriggered))
}

func TestRiskSkippedWhileFlat(t *testing.T) {
	e, gw, _ := newTestEngine(t)

	e.position = models.Position{RealizedPnl: -500}
	require.NoError(t, e.checkRisk(context.Background()))
	assert.False(t, e.Halted(), "risk thresholds apply to open exposure only")
	assert.Empty(t, gw.closedNet)
}

func TestFlattenClosesPositionOnce(t *testing.T) {
	e, gw, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.reconcile(ctx))
	require.NoError(t, e.recalibrate(ctx))

	buy := orderAtPrice(t, e, 29925)
	size := buy.Level.Size
	require.NoError(t, e.handleFill(ctx, models.FillEvent{
		FillID: "f1", OrderID: buy.ExchangeOrderID, Price: 29925, Size: size, Time: time.Now(),
	}))

	// Mark far below entry so the drawdown crosses the stop.
	gw.mu.Lock()
	gw.ticker = 23000
	gw.mu.Unlock()
	require.NoError(t, e.refreshPrice(ctx))

	require.True(t, e.Halted())
	require.Len(t, gw.closedNet, 1)
	assert.InDelta(t, size, gw.closedNet[0], 1e-12)
	assert.Zero(t, e.position.NetSize)
	for _, o := range e.orders {
		assert.True(t, o.Status.IsTerminal(), "order %s left in %s", o.ID, o.Status)
	}

	// One-shot: a second poll below the stop must not close again.
	require.NoError(t, e.refreshPrice(ctx))
	assert.Len(t, gw.closedNet, 1)
}

func TestPersistenceFailureIsFatal(t *testing.T) {
	gw := newFakeGateway()
	sink := &recordingSink{}
	e := New(testConfig(), gw, failingRepo{}, sink, zap.NewNop().Sugar())
	ctx := context.Background()

	err := e.recalibrate(ctx)
	require.Error(t, err)
	assert.True(t, sink.has(notify.PersistenceFailure))
}

func TestFillForUnknownOrder(t *testing.T) {
	e, gw, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.reconcile(ctx))
	require.NoError(t, e.recalibrate(ctx))

	placesBefore := gw.placeCount
	require.NoError(t, e.handleFill(ctx, models.FillEvent{
		FillID: "mystery", OrderID: "ex-999", Price: 30000, Size: 0.01, Time: time.Now(),
	}))

	assert.Zero(t, e.position.NetSize)
	assert.Equal(t, placesBefore, gw.placeCount)
	_, seen := e.processed["mystery"]
	assert.True(t, seen, "even an unknown fill is recorded so a replay stays idempotent")
}

func TestReconcileRestoresAndAdopts(t *testing.T) {
	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	defer repo.Close()

	surviving := &models.Order{
		ID:              "g3-B-abc",
		Level:           models.GridLevel{Price: 29850, Side: models.Buy, Size: 0.008, Generation: 3, Spacing: 75},
		Status:          models.StatusOpen,
		ExchangeOrderID: "ex-1",
	}
	vanished := &models.Order{
		ID:              "g3-B-def",
		Level:           models.GridLevel{Price: 29775, Side: models.Buy, Size: 0.008, Generation: 3, Spacing: 75},
		Status:          models.StatusOpen,
		ExchangeOrderID: "ex-2",
	}
	require.NoError(t, repo.SaveState(&models.EngineState{
		Symbol:         "BTCUSDT",
		Generation:     3,
		Orders:         map[string]*models.Order{surviving.ID: surviving, vanished.ID: vanished},
		Position:       models.Position{NetSize: 0.008, AvgEntryPrice: 29900, RealizedPnl: 12.5},
		PnlHistory:     []models.PnLRecord{{TradeID: "t1", Pnl: 12.5}},
		ProcessedFills: []string{"f-old"},
	}))

	gw := newFakeGateway()
	gw.openOrders = []exchange.OpenOrder{
		{ExchangeOrderID: "ex-1", ClientOrderID: "g3-B-abc", Side: models.Buy, Price: 29850, Size: 0.008},
		{ExchangeOrderID: "ex-7", ClientOrderID: "g3-S-zzz", Side: models.Sell, Price: 29925, Size: 0.008},
	}
	sink := &recordingSink{}
	e := New(testConfig(), gw, repo, sink, zap.NewNop().Sugar())

	require.NoError(t, e.reconcile(context.Background()))

	assert.Equal(t, int64(3), e.Generation())
	assert.InDelta(t, 0.008, e.position.NetSize, 1e-12)
	assert.InDelta(t, 12.5, e.position.RealizedPnl, 1e-9)
	_, seen := e.processed["f-old"]
	assert.True(t, seen)

	assert.Equal(t, models.StatusOpen, e.orders["g3-B-abc"].Status)
	assert.Equal(t, models.StatusCancelled, e.orders["g3-B-def"].Status,
		"an order the exchange no longer rests must be closed out locally")

	adopted := e.orders["g3-S-zzz"]
	require.NotNil(t, adopted, "an exchange-only order must be adopted")
	assert.Equal(t, models.StatusOpen, adopted.Status)
	assert.Equal(t, models.Sell, adopted.Level.Side)
	assert.Equal(t, int64(3), adopted.Level.Generation)
	assert.Equal(t, 75.0, adopted.Level.Spacing, "spacing inferred from neighbouring prices")
	assert.Equal(t, "ex-7", adopted.ExchangeOrderID)
}

func TestQueries(t *testing.T) {
	e, _, _ := newTestEngine(t)

	e.mu.Lock()
	e.position = models.Position{NetSize: 0.01, AvgEntryPrice: 29900, RealizedPnl: 20, UnrealizedPnl: 5}
	e.pnlHistory = []models.PnLRecord{
		{TradeID: "t1", Pnl: 5}, {TradeID: "t2", Pnl: 7}, {TradeID: "t3", Pnl: 8},
	}
	e.publishLocked()
	e.mu.Unlock()

	summary := e.PnlSummary(2)
	assert.InDelta(t, 25.0, summary.TotalPnl, 1e-9)
	require.Len(t, summary.LastTrades, 2)
	assert.Equal(t, "t2", summary.LastTrades[0].TradeID)
	assert.Equal(t, "t3", summary.LastTrades[1].TradeID)

	balance := e.Balance()
	assert.InDelta(t, 1020.0, balance.Available, 1e-9)
	assert.Equal(t, 0.01, balance.Position.NetSize)
}

func TestShutdownAppliesBufferedFills(t *testing.T) {
	e, gw, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.reconcile(ctx))
	require.NoError(t, e.recalibrate(ctx))

	buy := orderAtPrice(t, e, 29925)
	size := buy.Level.Size
	gw.fills <- models.FillEvent{
		FillID: "late-f", OrderID: buy.ExchangeOrderID, Price: 29925, Size: size, Time: time.Now(),
	}

	require.NoError(t, e.shutdown(gw.fills))

	assert.Equal(t, models.StatusFilled, buy.Status)
	assert.InDelta(t, size, e.position.NetSize, 1e-12)
	_, seen := e.processed["late-f"]
	assert.True(t, seen, "buffered fill must be applied before the final sweep")
	for _, o := range e.orders {
		if o.ID == buy.ID {
			continue
		}
		assert.True(t, o.Status.IsTerminal(), "order %s left %s after shutdown", o.ID, o.Status)
	}
}

func TestFillPersistedWhenMirrorInterrupted(t *testing.T) {
	e, gw, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.reconcile(ctx))
	require.NoError(t, e.recalibrate(ctx))

	buy := orderAtPrice(t, e, 29925)
	size := buy.Level.Size
	gw.mu.Lock()
	gw.placeErr = exchange.ErrUnavailable
	gw.mu.Unlock()

	interrupted, cancel := context.WithCancel(ctx)
	cancel()

	err := e.handleFill(interrupted, models.FillEvent{
		FillID: "f1", OrderID: buy.ExchangeOrderID, Price: 29925, Size: size, Time: time.Now(),
	})
	require.Error(t, err)

	state, loadErr := e.repo.LoadState()
	require.NoError(t, loadErr)
	require.NotNil(t, state)
	assert.InDelta(t, size, state.Position.NetSize, 1e-12)
	assert.Contains(t, state.ProcessedFills, "f1")
}

func TestDiscardedFillsLogAtDebugOnly(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.reconcile(ctx))
	require.NoError(t, e.recalibrate(ctx))

	buy := orderAtPrice(t, e, 29925)
	e.mu.Lock()
	e.cancelAllLocked(ctx, models.StatusCancelled)
	e.mu.Unlock()

	core, logs := observer.New(zapcore.DebugLevel)
	e.logger = zap.New(core).Sugar()

	stale := models.FillEvent{
		FillID: "stale-f", OrderID: buy.ExchangeOrderID, Price: 29925, Size: buy.Level.Size, Time: time.Now(),
	}
	require.NoError(t, e.handleFill(ctx, stale))
	require.NoError(t, e.handleFill(ctx, models.FillEvent{
		FillID: "unknown-f", OrderID: "ex-999", Price: 30000, Size: 0.01, Time: time.Now(),
	}))
	require.NoError(t, e.handleFill(ctx, stale))

	require.NotEmpty(t, logs.All())
	for _, entry := range logs.All() {
		assert.Equal(t, zapcore.DebugLevel, entry.Level, "discard path logged above debug: %s", entry.Message)
	}
}

func TestQueriesDoNotBlockOnEventLoopLock(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.reconcile(ctx))
	require.NoError(t, e.recalibrate(ctx))

	// Hold the loop's lock as a rebuild stuck in a gateway call would.
	e.mu.Lock()
	defer e.mu.Unlock()

	done := make(chan models.PnlSummary, 1)
	go func() {
		e.Balance()
		e.OpenOrders()
		e.Generation()
		e.Halted()
		done <- e.PnlSummary(5)
	}()

	select {
	case summary := <-done:
		assert.InDelta(t, 0.0, summary.TotalPnl, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("queries blocked behind the event loop lock")
	}
}
