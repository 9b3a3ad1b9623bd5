package orderid

import (
	"adaptive-grid-bot-go/internal/models"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextUniqueWithinSameMillisecond(t *testing.T) {
	gen := NewGenerator(func() int64 { return 1702468800000 })

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := gen.Next(models.Buy, 1)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestNextEmbedsGenerationAndSide(t *testing.T) {
	gen := NewGenerator(func() int64 { return 1702468800000 })

	buy := gen.Next(models.Buy, 7)
	assert.True(t, strings.HasPrefix(buy, "g7-B-"), "got %s", buy)

	sell := gen.Next(models.Sell, 7)
	assert.True(t, strings.HasPrefix(sell, "g7-S-"), "got %s", sell)
}

func TestNextLengthWithinExchangeLimit(t *testing.T) {
	gen := NewGenerator(func() int64 { return 1702468800000 })
	id := gen.Next(models.Sell, 123456)
	assert.LessOrEqual(t, len(id), 36)
}

func TestSideRoundTrip(t *testing.T) {
	gen := NewGenerator(func() int64 { return 1702468800000 })

	side, ok := Side(gen.Next(models.Buy, 1))
	require.True(t, ok)
	assert.Equal(t, models.Buy, side)

	side, ok = Side(gen.Next(models.Sell, 1))
	require.True(t, ok)
	assert.Equal(t, models.Sell, side)

	_, ok = Side("not-an-id")
	assert.False(t, ok)
	_, ok = Side("g1-X-abc")
	assert.False(t, ok)
}
