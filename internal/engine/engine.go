// Package engine is the trading core: it owns the order lifecycle, position
// accounting, risk checks and recalibration, and serializes every state
// transition through a single event loop.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"adaptive-grid-bot-go/internal/exchange"
	"adaptive-grid-bot-go/internal/models"
	"adaptive-grid-bot-go/internal/notify"
	"adaptive-grid-bot-go/internal/orderid"
	"adaptive-grid-bot-go/internal/persistence"
	"adaptive-grid-bot-go/internal/retry"
)

// pricePollInterval bounds how stale the mark price used by the risk check
// can get between fills.
const pricePollInterval = 15 * time.Second

// Engine drives one symbol's grid. All mutable fields are guarded by mu;
// the event loop in Run is the only writer. Queries read a published
// snapshot under readMu so they never wait behind a gateway call the loop
// makes while holding mu.
type Engine struct {
	cfg     *models.Config
	gateway exchange.Gateway
	repo    persistence.StateRepository
	sink    notify.Sink
	logger  *zap.SugaredLogger
	ids     *orderid.Generator
	policy  retry.Policy

	mu           sync.RWMutex
	orders       map[string]*models.Order // client order id -> order
	byExchangeID map[string]string        // exchange order id -> client order id
	processed    map[string]struct{}      // fill ids already applied
	pnlHistory   []models.PnLRecord
	position     models.Position
	generation   int64
	halted       bool
	lastPrice    float64

	readMu sync.RWMutex
	read   readModel
}

// New assembles an Engine. The repository must already be open; the engine
// neither opens nor closes it.
func New(cfg *models.Config, gateway exchange.Gateway, repo persistence.StateRepository, sink notify.Sink, logger *zap.SugaredLogger) *Engine {
	policy := retry.DefaultPolicy
	if cfg.RetryAttempts > 0 {
		policy.MaxAttempts = cfg.RetryAttempts
	}
	if cfg.RetryInitialDelayMs > 0 {
		policy.InitialBackoff = time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond
	}

	return &Engine{
		cfg:          cfg,
		gateway:      gateway,
		repo:         repo,
		sink:         sink,
		logger:       logger,
		ids:          orderid.NewGenerator(func() int64 { return time.Now().UnixMilli() }),
		policy:       policy,
		orders:       make(map[string]*models.Order),
		byExchangeID: make(map[string]string),
		processed:    make(map[string]struct{}),
	}
}

// Run reconciles against the stored snapshot and the exchange, builds the
// first ladder if none survives, then consumes fills, recalibration ticks
// and price ticks from a single loop until ctx is cancelled or a fatal
// error (persistence) occurs.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	e.mu.RLock()
	needLadder := !e.halted && e.openOrderCountLocked() == 0
	e.mu.RUnlock()
	if needLadder {
		if err := e.recalibrate(ctx); err != nil {
			return fmt.Errorf("initial grid: %w", err)
		}
	}

	fills, err := e.gateway.StreamFills(ctx)
	if err != nil {
		return fmt.Errorf("fill stream: %w", err)
	}

	recalTicker := time.NewTicker(time.Duration(e.cfg.AdjustIntervalMin) * time.Minute)
	defer recalTicker.Stop()
	priceTicker := time.NewTicker(pricePollInterval)
	defer priceTicker.Stop()

	e.logger.Infow("engine started", "symbol", e.cfg.Symbol, "generation", e.generation)

	for {
		select {
		case <-ctx.Done():
			return e.shutdown(fills)

		case fill, ok := <-fills:
			if !ok {
				return e.shutdown(nil)
			}
			if err := e.handleFill(ctx, fill); err != nil {
				return err
			}

		case <-recalTicker.C:
			if e.isHalted() {
				continue
			}
			if err := e.recalibrate(ctx); err != nil {
				return err
			}

		case <-priceTicker.C:
			if e.isHalted() {
				continue
			}
			if err := e.refreshPrice(ctx); err != nil {
				return err
			}
		}
	}
}

// callCtx bounds one gateway call by the configured timeout.
func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := time.Duration(e.cfg.GatewayTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (e *Engine) isHalted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halted
}

// openOrderCountLocked counts orders still resting on the exchange.
// Caller holds mu.
func (e *Engine) openOrderCountLocked() int {
	n := 0
	for _, o := range e.orders {
		if o.Status == models.StatusOpen || o.Status == models.StatusSubmitted {
			n++
		}
	}
	return n
}

// refreshPrice polls the ticker, marks the position and runs the risk check.
// Transport failures here are tolerated; the next tick retries.
func (e *Engine) refreshPrice(ctx context.Context) error {
	cctx, cancel := e.callCtx(ctx)
	price, err := e.gateway.GetTicker(cctx, e.cfg.Symbol)
	cancel()
	if err != nil {
		e.logger.Warnw("ticker poll failed", "error", err)
		return nil
	}

	e.mu.Lock()
	e.lastPrice = price
	e.position.MarkPrice(price)
	e.publishLocked()
	e.mu.Unlock()

	return e.checkRisk(ctx)
}

// shutdown drains fills already buffered on the stream, cancels everything
// still resting and writes a final snapshot. It runs on a fresh context
// because the loop's context is already done.
func (e *Engine) shutdown(fills <-chan models.FillEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e.logger.Infow("engine stopping", "symbol", e.cfg.Symbol)

	// A fill that raced the shutdown signal is a real execution on the
	// exchange; apply everything already buffered before the cancel sweep
	// so no position update is lost at exit.
drain:
	for {
		select {
		case fill, ok := <-fills:
			if !ok {
				break drain
			}
			if err := e.handleFill(ctx, fill); err != nil {
				return err
			}
		default:
			break drain
		}
	}

	e.mu.Lock()
	e.cancelAllLocked(ctx, models.StatusCancelled)
	err := e.commitLocked()
	e.mu.Unlock()
	return err
}

// commitLocked persists the full state snapshot. Every transition goes
// through here before the loop moves on; a failure is fatal to the engine
// so that memory never runs ahead of disk. Caller holds mu.
func (e *Engine) commitLocked() error {
	state := &models.EngineState{
		Symbol:         e.cfg.Symbol,
		Generation:     e.generation,
		Orders:         e.orders,
		Position:       e.position,
		PnlHistory:     e.pnlHistory,
		ProcessedFills: make([]string, 0, len(e.processed)),
		Halted:         e.halted,
		LastUpdateTime: time.Now(),
	}
	for id := range e.processed {
		state.ProcessedFills = append(state.ProcessedFills, id)
	}

	if err := e.repo.SaveState(state); err != nil {
		e.sink.Notify(notify.Event{
			Kind:    notify.PersistenceFailure,
			Symbol:  e.cfg.Symbol,
			Message: "state snapshot write failed, halting",
			Fields:  map[string]interface{}{"error": err.Error()},
		})
		return fmt.Errorf("persist state: %w", err)
	}
	e.publishLocked()
	return nil
}
