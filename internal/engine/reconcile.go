package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"adaptive-grid-bot-go/internal/exchange"
	"adaptive-grid-bot-go/internal/models"
	"adaptive-grid-bot-go/internal/orderid"
	"adaptive-grid-bot-go/internal/retry"
)

// reconcile aligns the stored snapshot with what the exchange reports at
// startup. The exchange is authoritative for order status; the snapshot is
// authoritative for position, PnL history, generation and the processed-fill
// set. Orders the exchange reports but the snapshot has never seen are
// adopted into the current generation rather than blind-cancelled.
func (e *Engine) reconcile(ctx context.Context) error {
	state, err := e.repo.LoadState()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if state != nil {
		if state.Symbol != e.cfg.Symbol {
			e.logger.Warnw("stored state is for a different symbol, starting fresh",
				"stored", state.Symbol, "configured", e.cfg.Symbol)
		} else {
			e.generation = state.Generation
			e.position = state.Position
			e.pnlHistory = state.PnlHistory
			e.halted = state.Halted
			for _, o := range state.Orders {
				e.orders[o.ID] = o
				if o.ExchangeOrderID != "" {
					e.byExchangeID[o.ExchangeOrderID] = o.ID
				}
			}
			for _, id := range state.ProcessedFills {
				e.processed[id] = struct{}{}
			}
			e.logger.Infow("state restored",
				"generation", e.generation, "orders", len(e.orders),
				"net_size", e.position.NetSize, "halted", e.halted)
		}
	}

	var live []exchange.OpenOrder
	err = retry.Do(ctx, e.policy, exchange.IsTransient, func() error {
		cctx, cancel := e.callCtx(ctx)
		defer cancel()
		var listErr error
		live, listErr = e.gateway.GetOpenOrders(cctx, e.cfg.Symbol)
		return listErr
	})
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}

	liveByExchangeID := make(map[string]exchange.OpenOrder, len(live))
	liveByClientID := make(map[string]exchange.OpenOrder, len(live))
	for _, o := range live {
		liveByExchangeID[o.ExchangeOrderID] = o
		if o.ClientOrderID != "" {
			liveByClientID[o.ClientOrderID] = o
		}
	}

	// Locally-open orders the exchange no longer rests were filled or
	// cancelled while the engine was down. Without the execution report the
	// fill cannot be reconstructed, so the order is closed out locally and
	// the operator alerted through the log.
	for _, order := range e.orders {
		if order.Status != models.StatusOpen && order.Status != models.StatusSubmitted {
			continue
		}
		if _, ok := liveByExchangeID[order.ExchangeOrderID]; ok {
			continue
		}
		if _, ok := liveByClientID[order.ID]; ok {
			continue
		}
		order.Status = models.StatusCancelled
		e.logger.Warnw("resting order vanished while offline, marked cancelled",
			"order_id", order.ID, "price", order.Level.Price, "side", order.Level.Side)
	}

	spacing := inferSpacing(live, e.cfg.TickSize)
	for _, lo := range live {
		if e.knownLocked(lo) {
			continue
		}
		side := lo.Side
		if parsed, ok := orderid.Side(lo.ClientOrderID); ok {
			side = parsed
		}
		id := lo.ClientOrderID
		if id == "" {
			id = lo.ExchangeOrderID
		}
		adopted := &models.Order{
			ID: id,
			Level: models.GridLevel{
				Price:      lo.Price,
				Side:       side,
				Size:       lo.Size,
				Generation: e.generation,
				Spacing:    spacing,
			},
			Status:          models.StatusOpen,
			CreatedAt:       time.Now(),
			ExchangeOrderID: lo.ExchangeOrderID,
		}
		e.orders[adopted.ID] = adopted
		e.byExchangeID[lo.ExchangeOrderID] = adopted.ID
		e.logger.Infow("adopted exchange order",
			"order_id", adopted.ID, "price", lo.Price, "side", side)
	}

	return e.commitLocked()
}

// knownLocked reports whether an exchange-reported order already exists in
// the local book. Caller holds mu.
func (e *Engine) knownLocked(lo exchange.OpenOrder) bool {
	if _, ok := e.byExchangeID[lo.ExchangeOrderID]; ok {
		return true
	}
	if lo.ClientOrderID == "" {
		return false
	}
	_, ok := e.orders[lo.ClientOrderID]
	return ok
}

// inferSpacing estimates the ladder step from the prices of resting orders,
// for adopted orders whose original spacing is unknown. Falls back to the
// tick size when fewer than two orders rest.
func inferSpacing(live []exchange.OpenOrder, tickSize float64) float64 {
	if len(live) < 2 {
		return tickSize
	}
	prices := make([]float64, len(live))
	for i, o := range live {
		prices[i] = o.Price
	}
	sort.Float64s(prices)

	best := 0.0
	for i := 1; i < len(prices); i++ {
		d := prices[i] - prices[i-1]
		if d > 0 && (best == 0 || d < best) {
			best = d
		}
	}
	if best == 0 {
		return tickSize
	}
	return best
}
