package engine

import (
	"context"
	"fmt"
	"sort"

	"adaptive-grid-bot-go/internal/grid"
	"adaptive-grid-bot-go/internal/models"
	"adaptive-grid-bot-go/internal/notify"
	"adaptive-grid-bot-go/internal/volatility"
)

// recalibrate recomputes the ladder from fresh candles. When the new ladder
// lands within the configured epsilon of the resting one the cycle is a
// no-op; otherwise every resting order is cancelled and the new generation
// is submitted. Data-fetch failures abort the cycle without touching the
// grid; the next tick tries again.
func (e *Engine) recalibrate(ctx context.Context) error {
	cctx, cancel := e.callCtx(ctx)
	candles, err := e.gateway.GetCandles(cctx, e.cfg.Symbol, e.cfg.CandleInterval, e.cfg.VolatilityPeriod+1)
	cancel()
	if err != nil {
		e.logger.Warnw("recalibration skipped: candle fetch failed", "error", err)
		return nil
	}
	vol, err := volatility.Estimate(candles, e.cfg.VolatilityPeriod)
	if err != nil {
		e.logger.Warnw("recalibration skipped: volatility estimate failed", "error", err)
		return nil
	}
	cctx, cancel = e.callCtx(ctx)
	ref, err := e.gateway.GetTicker(cctx, e.cfg.Symbol)
	cancel()
	if err != nil {
		e.logger.Warnw("recalibration skipped: ticker fetch failed", "error", err)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastPrice = ref
	e.position.MarkPrice(ref)

	next := e.generation + 1
	planned, err := grid.Plan(ref, vol, e.cfg, next)
	if err != nil {
		// A degenerate plan (e.g. volatility collapsed below the tick) keeps
		// the current ladder in place.
		e.logger.Warnw("recalibration skipped: plan failed", "error", err)
		return nil
	}

	if resting := e.restingLevelsLocked(); len(resting) > 0 &&
		grid.WithinEpsilon(resting, planned, e.cfg.RecalibrationEpsilon) {
		e.logger.Infow("recalibration no-op: ladder unchanged within epsilon",
			"generation", e.generation, "volatility", vol, "reference_price", ref)
		return nil
	}

	e.cancelAllLocked(ctx, models.StatusCancelled)
	e.generation = next

	submitted := 0
	for _, level := range planned {
		order, err := e.submitLevelLocked(ctx, level)
		if err != nil {
			return err
		}
		if order.Status == models.StatusOpen {
			submitted++
		}
	}

	e.logger.Infow("grid rebuilt",
		"generation", e.generation, "reference_price", ref, "volatility", vol,
		"spacing", planned[0].Spacing, "levels", len(planned), "submitted", submitted)
	kind := notify.Recalibrated
	if e.generation == 1 {
		kind = notify.GridBuilt
	}
	e.sink.Notify(notify.Event{
		Kind:    kind,
		Symbol:  e.cfg.Symbol,
		Message: fmt.Sprintf("grid generation %d placed", e.generation),
		Fields: map[string]interface{}{
			"generation":      e.generation,
			"reference_price": ref,
			"spacing":         planned[0].Spacing,
			"levels":          len(planned),
		},
	})

	return e.commitLocked()
}

// restingLevelsLocked returns the levels of currently resting orders in
// ascending price order, for the epsilon comparison against a fresh plan.
// Caller holds mu.
func (e *Engine) restingLevelsLocked() []models.GridLevel {
	levels := make([]models.GridLevel, 0, len(e.orders))
	for _, o := range e.orders {
		if o.Status == models.StatusOpen || o.Status == models.StatusSubmitted {
			levels = append(levels, o.Level)
		}
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
	return levels
}
