package grid

import (
	"adaptive-grid-bot-go/internal/models"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planConfig(gridSize int, budget float64) *models.Config {
	return &models.Config{
		Symbol:            "BTCUSDT",
		GridSize:          gridSize,
		Budget:            budget,
		SpacingMultiplier: 1.0,
		TickSize:          0.01,
		StepSize:          0.00001,
	}
}

func TestPlanWorkedExample(t *testing.T) {
	// referencePrice=30000, volatility=300, gridSize=4 => spacing 75.
	cfg := planConfig(4, 1000)
	levels, err := Plan(30000, 300, cfg, 1)
	require.NoError(t, err)
	require.Len(t, levels, 4)

	assert.Equal(t, 29850.0, levels[0].Price)
	assert.Equal(t, models.Buy, levels[0].Side)
	assert.Equal(t, 29925.0, levels[1].Price)
	assert.Equal(t, models.Buy, levels[1].Side)
	assert.Equal(t, 30075.0, levels[2].Price)
	assert.Equal(t, models.Sell, levels[2].Side)
	assert.Equal(t, 30150.0, levels[3].Price)
	assert.Equal(t, models.Sell, levels[3].Side)

	for _, lvl := range levels {
		assert.Equal(t, 75.0, lvl.Spacing)
		assert.Equal(t, int64(1), lvl.Generation)
	}
}

func TestPlanMonotonicAndSplitAroundReference(t *testing.T) {
	cfg := planConfig(10, 5000)
	levels, err := Plan(30000, 450, cfg, 3)
	require.NoError(t, err)
	require.Len(t, levels, 10)

	for i := 1; i < len(levels); i++ {
		assert.Greater(t, levels[i].Price, levels[i-1].Price, "prices must be strictly monotonic")
	}
	for _, lvl := range levels {
		if lvl.Side == models.Buy {
			assert.Less(t, lvl.Price, 30000.0)
		} else {
			assert.GreaterOrEqual(t, lvl.Price, 30000.0)
		}
	}
}

func TestPlanOddGridSizeExtraBuyLevel(t *testing.T) {
	cfg := planConfig(5, 1000)
	levels, err := Plan(30000, 300, cfg, 1)
	require.NoError(t, err)
	require.Len(t, levels, 5)

	var buys, sells int
	for _, lvl := range levels {
		if lvl.Side == models.Buy {
			buys++
		} else {
			sells++
		}
	}
	assert.Equal(t, 3, buys)
	assert.Equal(t, 2, sells)
}

func TestPlanNotionalSumsToBudget(t *testing.T) {
	cfg := planConfig(8, 2000)
	levels, err := Plan(30000, 400, cfg, 1)
	require.NoError(t, err)

	var notional float64
	for _, lvl := range levels {
		notional += lvl.Price * lvl.Size
	}
	// Lot-size flooring nibbles at each level, so allow a small epsilon.
	assert.InDelta(t, 2000.0, notional, 2000.0*0.001)
}

func TestPlanInvalidConfigurations(t *testing.T) {
	_, err := Plan(30000, 300, planConfig(1, 1000), 1)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = Plan(30000, 300, planConfig(4, 0), 1)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	// Spacing floors to zero: tiny volatility against a coarse tick.
	cfg := planConfig(4, 1000)
	cfg.TickSize = 1.0
	_, err = Plan(30000, 0.5, cfg, 1)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = Plan(0, 300, planConfig(4, 1000), 1)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestWithinEpsilon(t *testing.T) {
	cfg := planConfig(4, 1000)
	a, err := Plan(30000, 300, cfg, 1)
	require.NoError(t, err)

	// Identical ladder in a new generation: no churn.
	b, err := Plan(30000, 300, cfg, 2)
	require.NoError(t, err)
	assert.True(t, WithinEpsilon(a, b, 0.001))

	// Small drift stays under epsilon.
	c, err := Plan(30003, 300, cfg, 2)
	require.NoError(t, err)
	assert.True(t, WithinEpsilon(a, c, 0.001))

	// A real move does not.
	d, err := Plan(31000, 300, cfg, 2)
	require.NoError(t, err)
	assert.False(t, WithinEpsilon(a, d, 0.001))

	// Shape changes always count as a new ladder.
	assert.False(t, WithinEpsilon(a, a[:3], 0.001))
}
