package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"adaptive-grid-bot-go/internal/exchange"
	"adaptive-grid-bot-go/internal/grid"
	"adaptive-grid-bot-go/internal/models"
	"adaptive-grid-bot-go/internal/notify"
	"adaptive-grid-bot-go/internal/retry"
)

// submitLevelLocked places one grid level. A rejection marks the order
// Errored and raises an alert but does not fail the call: the rest of the
// ladder keeps trading. Transport failures are retried under the policy and
// only surface after the attempt budget is spent. Caller holds mu.
func (e *Engine) submitLevelLocked(ctx context.Context, level models.GridLevel) (*models.Order, error) {
	order := &models.Order{
		ID:        e.ids.Next(level.Side, level.Generation),
		Level:     level,
		Status:    models.StatusPlanned,
		CreatedAt: time.Now(),
	}
	e.orders[order.ID] = order
	order.Status = models.StatusSubmitted

	var placed *exchange.PlacedOrder
	err := retry.Do(ctx, e.policy, exchange.IsTransient, func() error {
		cctx, cancel := e.callCtx(ctx)
		defer cancel()
		var placeErr error
		placed, placeErr = e.gateway.PlaceOrder(cctx, e.cfg.Symbol, level.Side, level.Price, level.Size, e.cfg.Leverage, order.ID)
		return placeErr
	})
	if err != nil {
		order.Status = models.StatusErrored
		if ctx.Err() != nil {
			return order, fmt.Errorf("place order %s: %w", order.ID, ctx.Err())
		}
		// Rejections and exhausted retries alike cost this level only; the
		// rest of the ladder keeps trading.
		reason := "exchange rejected grid order"
		if !errors.Is(err, exchange.ErrOrderRejected) {
			reason = "order placement failed after retries"
		}
		e.logger.Warnw(reason,
			"order_id", order.ID, "side", level.Side, "price", level.Price,
			"size", level.Size, "error", err)
		e.sink.Notify(notify.Event{
			Kind:    notify.OrderRejectedAlert,
			Symbol:  e.cfg.Symbol,
			Message: reason,
			Fields:  map[string]interface{}{"order_id": order.ID, "price": level.Price, "side": string(level.Side)},
		})
		return order, nil
	}

	order.Status = models.StatusOpen
	order.ExchangeOrderID = placed.ExchangeOrderID
	e.byExchangeID[placed.ExchangeOrderID] = order.ID

	e.logger.Infow("order placed",
		"order_id", order.ID, "exchange_order_id", placed.ExchangeOrderID,
		"side", level.Side, "price", level.Price, "size", level.Size, "generation", level.Generation)
	e.sink.Notify(notify.Event{
		Kind:    notify.OrderSubmitted,
		Symbol:  e.cfg.Symbol,
		Message: "grid order placed",
		Fields:  map[string]interface{}{"order_id": order.ID, "price": level.Price, "side": string(level.Side)},
	})
	return order, nil
}

// handleFill applies one execution report: dedupe by fill id, discard fills
// for orders already in a terminal state (a cancel sweep won that race),
// update the position, realize PnL, place the mirror order and commit.
func (e *Engine) handleFill(ctx context.Context, fill models.FillEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, seen := e.processed[fill.FillID]; seen {
		e.logger.Debugw("duplicate fill ignored", "fill_id", fill.FillID, "order_id", fill.OrderID)
		return nil
	}

	order := e.lookupOrderLocked(fill.OrderID)
	if order == nil {
		e.logger.Debugw("fill for unknown order", "fill_id", fill.FillID, "order_id", fill.OrderID)
		e.processed[fill.FillID] = struct{}{}
		return e.commitLocked()
	}
	if order.Status.IsTerminal() {
		e.logger.Debugw("stale fill discarded",
			"fill_id", fill.FillID, "order_id", order.ID, "status", order.Status)
		e.processed[fill.FillID] = struct{}{}
		return e.commitLocked()
	}

	order.Status = models.StatusFilled
	order.FilledAt = fill.Time
	e.processed[fill.FillID] = struct{}{}
	e.lastPrice = fill.Price

	entryBefore := e.position.AvgEntryPrice
	realized, closed := e.position.ApplyFill(order.Level.Side, fill.Price, fill.Size)
	e.position.MarkPrice(fill.Price)
	if closed > 0 {
		e.pnlHistory = append(e.pnlHistory, models.PnLRecord{
			TradeID:    fill.FillID,
			EntryPrice: entryBefore,
			ExitPrice:  fill.Price,
			Size:       closed,
			Pnl:        realized,
			ClosedAt:   fill.Time,
		})
	}

	e.logger.Infow("order filled",
		"order_id", order.ID, "side", order.Level.Side, "price", fill.Price,
		"size", fill.Size, "realized_pnl", realized, "net_size", e.position.NetSize)
	e.sink.Notify(notify.Event{
		Kind:    notify.OrderFilled,
		Symbol:  e.cfg.Symbol,
		Message: "grid order filled",
		Fields: map[string]interface{}{
			"order_id": order.ID, "side": string(order.Level.Side),
			"price": fill.Price, "realized_pnl": realized,
		},
	})

	if merr := e.placeMirrorLocked(ctx, order, fill); merr != nil {
		// The fill is already applied; persist it even when the mirror
		// placement was interrupted mid-flight.
		if err := e.commitLocked(); err != nil {
			return err
		}
		return merr
	}
	if err := e.commitLocked(); err != nil {
		return err
	}
	return e.checkRiskLocked(ctx)
}

// placeMirrorLocked submits the opposite-side order one ladder step away
// from the fill price: a filled buy spawns a sell above, a filled sell a buy
// below. The mirror inherits the filled level's generation and spacing so the
// offset stays correct even after recalibration. Caller holds mu.
func (e *Engine) placeMirrorLocked(ctx context.Context, order *models.Order, fill models.FillEvent) error {
	offset := order.Level.Spacing
	if order.Level.Side == models.Sell {
		offset = -offset
	}
	mirror := models.GridLevel{
		Price:      grid.FloorToStep(fill.Price+offset, e.cfg.TickSize),
		Side:       order.Level.Side.Opposite(),
		Size:       order.Level.Size,
		Generation: order.Level.Generation,
		Spacing:    order.Level.Spacing,
	}

	placed, err := e.submitLevelLocked(ctx, mirror)
	if err != nil {
		return err
	}
	if placed.Status != models.StatusOpen {
		return nil
	}

	e.sink.Notify(notify.Event{
		Kind:    notify.MirrorCreated,
		Symbol:  e.cfg.Symbol,
		Message: "mirror order placed",
		Fields: map[string]interface{}{
			"order_id": placed.ID, "source_order_id": order.ID,
			"price": mirror.Price, "side": string(mirror.Side),
		},
	})
	return nil
}

// lookupOrderLocked resolves a fill's order reference. Streams report
// exchange order ids; the client-id fallback covers orders adopted during
// reconciliation without an exchange id mapping. Caller holds mu.
func (e *Engine) lookupOrderLocked(ref string) *models.Order {
	if clientID, ok := e.byExchangeID[ref]; ok {
		return e.orders[clientID]
	}
	return e.orders[ref]
}

// cancelAllLocked sweeps every resting order into the given terminal status
// (Cancelled for recalibration and shutdown, Closed for a risk flatten). An
// order that filled before the cancel landed is left alone; its fill event
// is still in flight and the fill path owns that transition. Caller holds mu.
func (e *Engine) cancelAllLocked(ctx context.Context, terminal models.OrderStatus) {
	for _, order := range e.orders {
		if order.Status != models.StatusOpen && order.Status != models.StatusSubmitted {
			continue
		}
		cctx, cancel := e.callCtx(ctx)
		err := e.gateway.CancelOrder(cctx, e.cfg.Symbol, order.ExchangeOrderID)
		cancel()
		switch {
		case err == nil, errors.Is(err, exchange.ErrNotFound):
			order.Status = terminal
		case errors.Is(err, exchange.ErrAlreadyFilled):
			e.logger.Infow("cancel lost race to fill", "order_id", order.ID)
		default:
			// Leave the order Open so the next sweep retries the cancel.
			e.logger.Errorw("cancel failed", "order_id", order.ID, "error", err)
		}
	}
}
