package engine

import (
	"sort"

	"adaptive-grid-bot-go/internal/models"
)

// readModel is the state last published for queries. The event loop can
// hold mu across gateway calls during a rebuild; queries read this copy
// instead so an external command surface never stalls behind the network.
type readModel struct {
	position   models.Position
	pnlHistory []models.PnLRecord
	generation int64
	halted     bool
	openOrders []models.Order
}

// publishLocked refreshes the query snapshot from the live state. The
// caller holds mu; the loop calls this after every commit and price mark.
func (e *Engine) publishLocked() {
	open := make([]models.Order, 0, len(e.orders))
	for _, o := range e.orders {
		if o.Status == models.StatusOpen || o.Status == models.StatusSubmitted {
			open = append(open, *o)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Level.Price < open[j].Level.Price })

	e.readMu.Lock()
	e.read = readModel{
		position:   e.position,
		pnlHistory: e.pnlHistory,
		generation: e.generation,
		halted:     e.halted,
		openOrders: open,
	}
	e.readMu.Unlock()
}

// PnlSummary returns total PnL plus the most recent lastN round trips, for
// an external command surface. Safe to call from any goroutine.
func (e *Engine) PnlSummary(lastN int) models.PnlSummary {
	e.readMu.RLock()
	defer e.readMu.RUnlock()

	summary := models.PnlSummary{
		TotalPnl: e.read.position.RealizedPnl + e.read.position.UnrealizedPnl,
	}
	start := len(e.read.pnlHistory) - lastN
	if lastN <= 0 || start < 0 {
		start = 0
	}
	summary.LastTrades = append(summary.LastTrades, e.read.pnlHistory[start:]...)
	return summary
}

// Balance returns the current budget-relative balance and position view.
// Available is the configured budget adjusted by realized PnL; margin held
// by resting orders is not modelled.
func (e *Engine) Balance() models.BalanceSnapshot {
	e.readMu.RLock()
	defer e.readMu.RUnlock()

	return models.BalanceSnapshot{
		Available: e.cfg.Budget + e.read.position.RealizedPnl,
		Position:  e.read.position,
	}
}

// Generation returns the current ladder generation.
func (e *Engine) Generation() int64 {
	e.readMu.RLock()
	defer e.readMu.RUnlock()
	return e.read.generation
}

// Halted reports whether a risk trigger has stopped trading.
func (e *Engine) Halted() bool {
	e.readMu.RLock()
	defer e.readMu.RUnlock()
	return e.read.halted
}

// OpenOrders returns copies of the currently resting orders in ascending
// price order; callers may mutate them freely.
func (e *Engine) OpenOrders() []models.Order {
	e.readMu.RLock()
	defer e.readMu.RUnlock()

	out := make([]models.Order, len(e.read.openOrders))
	copy(out, e.read.openOrders)
	return out
}
