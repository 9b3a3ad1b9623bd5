// Package grid builds the ladder of resting buy/sell levels around a
// reference price, with spacing scaled by the current volatility estimate.
package grid

import (
	"adaptive-grid-bot-go/internal/models"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidConfiguration is returned when the grid parameters cannot
// produce a valid ladder.
var ErrInvalidConfiguration = errors.New("invalid grid configuration")

// FloorToStep rounds value down to a multiple of step (the exchange's tick
// or lot increment). A tiny epsilon absorbs float error so that an exact
// multiple does not round down a whole step.
func FloorToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	return math.Floor(value/step+1e-9) * step
}

// Plan builds the ladder for one generation: gridSize/2 sell levels above
// the reference price and gridSize/2 buy levels below it, spaced by
// volatility*multiplier/gridSize floored to the tick size. When gridSize is
// odd the extra level goes to the buy side. Per-level size is
// (budget/gridSize)/price so the ladder notional sums to the budget;
// leverage affects margin accounting only, never notional.
//
// Levels are returned in ascending price order.
func Plan(referencePrice, volatility float64, cfg *models.Config, generation int64) ([]models.GridLevel, error) {
	if cfg.GridSize < 2 {
		return nil, fmt.Errorf("%w: grid size %d < 2", ErrInvalidConfiguration, cfg.GridSize)
	}
	if cfg.Budget <= 0 {
		return nil, fmt.Errorf("%w: budget %.4f <= 0", ErrInvalidConfiguration, cfg.Budget)
	}
	if referencePrice <= 0 {
		return nil, fmt.Errorf("%w: reference price %.4f <= 0", ErrInvalidConfiguration, referencePrice)
	}

	multiplier := cfg.SpacingMultiplier
	if multiplier == 0 {
		multiplier = 1.0
	}
	spacing := FloorToStep(volatility*multiplier/float64(cfg.GridSize), cfg.TickSize)
	if spacing <= 0 {
		return nil, fmt.Errorf("%w: spacing rounds to zero (volatility %.6f, grid size %d, tick %.6f)",
			ErrInvalidConfiguration, volatility, cfg.GridSize, cfg.TickSize)
	}

	sellCount := cfg.GridSize / 2
	buyCount := cfg.GridSize - sellCount // odd grids put the extra level on the buy side

	notionalPerLevel := cfg.Budget / float64(cfg.GridSize)
	levels := make([]models.GridLevel, 0, cfg.GridSize)

	for k := 1; k <= buyCount; k++ {
		price := FloorToStep(referencePrice-float64(k)*spacing, cfg.TickSize)
		if price <= 0 {
			return nil, fmt.Errorf("%w: buy level %d prices out at %.4f", ErrInvalidConfiguration, k, price)
		}
		levels = append(levels, models.GridLevel{
			Price:      price,
			Side:       models.Buy,
			Size:       FloorToStep(notionalPerLevel/price, cfg.StepSize),
			Generation: generation,
			Spacing:    spacing,
		})
	}
	for k := 1; k <= sellCount; k++ {
		price := FloorToStep(referencePrice+float64(k)*spacing, cfg.TickSize)
		levels = append(levels, models.GridLevel{
			Price:      price,
			Side:       models.Sell,
			Size:       FloorToStep(notionalPerLevel/price, cfg.StepSize),
			Generation: generation,
			Spacing:    spacing,
		})
	}

	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
	return levels, nil
}

// WithinEpsilon reports whether two ladders are close enough that a
// cancel-and-replace would be pure churn: same shape, and every level's
// price within eps (relative) of its counterpart.
func WithinEpsilon(a, b []models.GridLevel, eps float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Side != b[i].Side {
			return false
		}
		ref := a[i].Price
		if ref == 0 {
			return false
		}
		if math.Abs(a[i].Price-b[i].Price)/math.Abs(ref) > eps {
			return false
		}
	}
	return true
}
