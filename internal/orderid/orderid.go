// Package orderid generates compact client order ids. Exchanges cap client
// id length (Binance at 36 chars), so the timestamp component is base62
// encoded rather than written out in decimal.
package orderid

import (
	"fmt"
	"strings"
	"sync"

	"github.com/jxskiss/base62"

	"adaptive-grid-bot-go/internal/models"
)

// Generator hands out ids of the form g{generation}-{B|S}-{base62(ts*1000+seq)}.
// The per-millisecond sequence keeps ids unique when a whole ladder is
// submitted inside one tick.
type Generator struct {
	mu       sync.Mutex
	now      func() int64 // unix millis, swappable in tests
	lastMs   int64
	sequence int64
}

// NewGenerator returns a Generator backed by the wall clock.
func NewGenerator(now func() int64) *Generator {
	return &Generator{now: now}
}

// Next produces a fresh client order id for the given side and generation.
func (g *Generator) Next(side models.Side, generation int64) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now()
	if ms != g.lastMs {
		g.lastMs = ms
		g.sequence = 0
	}
	g.sequence++

	sideCode := "B"
	if side == models.Sell {
		sideCode = "S"
	}
	encoded := base62.FormatInt(ms*1000 + g.sequence)
	return fmt.Sprintf("g%d-%s-%s", generation, sideCode, encoded)
}

// Side recovers the order side embedded in a client id, for reconciling
// exchange-reported orders the local snapshot has never seen.
func Side(id string) (models.Side, bool) {
	parts := strings.Split(id, "-")
	if len(parts) != 3 {
		return "", false
	}
	switch parts[1] {
	case "B":
		return models.Buy, true
	case "S":
		return models.Sell, true
	}
	return "", false
}
