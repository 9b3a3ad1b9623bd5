package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"adaptive-grid-bot-go/internal/exchange"
	"adaptive-grid-bot-go/internal/models"
	"adaptive-grid-bot-go/internal/notify"
	"adaptive-grid-bot-go/internal/retry"
)

func (e *Engine) checkRisk(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkRiskLocked(ctx)
}

// checkRiskLocked compares the unrealized-PnL ratio over the position's
// entry notional against the stop-loss and take-profit thresholds, both
// inclusive. Stop-loss is checked first so a pathological config where both
// trigger resolves to the defensive exit. The halted flag makes the trigger
// one-shot. Caller holds mu.
func (e *Engine) checkRiskLocked(ctx context.Context) error {
	if e.halted || e.position.NetSize == 0 {
		return nil
	}

	notional := e.position.AvgEntryPrice * math.Abs(e.position.NetSize)
	if notional <= 0 {
		return nil
	}
	ratio := e.position.UnrealizedPnl / notional
	switch {
	case ratio <= -e.cfg.StopLossPct:
		return e.flattenLocked(ctx, "stop_loss", ratio)
	case ratio >= e.cfg.TakeProfitPct:
		return e.flattenLocked(ctx, "take_profit", ratio)
	}
	return nil
}

// flattenLocked is the risk exit: halt new activity, sweep all resting
// orders, market-close the net position and record the final round trip.
// The engine stays up afterwards to serve queries but places no more
// orders. Caller holds mu.
func (e *Engine) flattenLocked(ctx context.Context, reason string, ratio float64) error {
	e.halted = true

	e.logger.Warnw("risk threshold reached, flattening",
		"reason", reason, "pnl_ratio", ratio, "net_size", e.position.NetSize)

	e.cancelAllLocked(ctx, models.StatusClosed)

	if net := e.position.NetSize; net != 0 {
		err := retry.Do(ctx, e.policy, exchange.IsTransient, func() error {
			cctx, cancel := e.callCtx(ctx)
			defer cancel()
			return e.gateway.ClosePosition(cctx, e.cfg.Symbol, net)
		})
		if err != nil {
			// The halt stands either way; the position must be closed by hand.
			e.logger.Errorw("position close failed", "net_size", net, "error", err)
		} else {
			entryBefore := e.position.AvgEntryPrice
			closeSide := models.Sell
			if net < 0 {
				closeSide = models.Buy
			}
			realized, closed := e.position.ApplyFill(closeSide, e.lastPrice, math.Abs(net))
			e.pnlHistory = append(e.pnlHistory, models.PnLRecord{
				TradeID:    fmt.Sprintf("flatten-%d", time.Now().UnixMilli()),
				EntryPrice: entryBefore,
				ExitPrice:  e.lastPrice,
				Size:       closed,
				Pnl:        realized,
				ClosedAt:   time.Now(),
			})
		}
	}

	e.sink.Notify(notify.Event{
		Kind:    notify.RiskTriggered,
		Symbol:  e.cfg.Symbol,
		Message: "risk threshold reached, position flattened",
		Fields: map[string]interface{}{
			"reason":       reason,
			"pnl_ratio":    ratio,
			"realized_pnl": e.position.RealizedPnl,
		},
	})

	return e.commitLocked()
}
