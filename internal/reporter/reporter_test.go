package reporter

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"adaptive-grid-bot-go/internal/models"
)

func TestComputeMetrics(t *testing.T) {
	records := []models.PnLRecord{
		{Pnl: 10}, {Pnl: 20}, {Pnl: -5}, {Pnl: 15},
	}

	m := Compute(records)
	assert.Equal(t, 4, m.TotalTrades)
	assert.Equal(t, 3, m.WinningTrades)
	assert.Equal(t, 1, m.LosingTrades)
	assert.InDelta(t, 75.0, m.WinRate, 1e-9)
	assert.InDelta(t, 40.0, m.RealizedPnl, 1e-9)
	assert.InDelta(t, 3.0, m.AvgProfitLoss, 1e-9) // avg win 15 / avg loss 5
}

func TestComputeMetricsEmpty(t *testing.T) {
	m := Compute(nil)
	assert.Zero(t, m.TotalTrades)
	assert.Zero(t, m.WinRate)
	assert.Zero(t, m.RealizedPnl)
}

func TestPrintSession(t *testing.T) {
	var buf bytes.Buffer
	m := Compute([]models.PnLRecord{{Pnl: 12.5}})
	balance := models.BalanceSnapshot{
		Available: 1012.5,
		Position:  models.Position{NetSize: 0.008, AvgEntryPrice: 29900},
	}

	PrintSession(&buf, "BTCUSDT", m, balance, time.Unix(0, 0), time.Unix(3600, 0))

	out := buf.String()
	assert.Contains(t, out, "BTCUSDT")
	assert.Contains(t, out, "12.5000 USDT")
	assert.Contains(t, out, "100.00%")
}

func TestPrintTradesLimitsToLastN(t *testing.T) {
	var buf bytes.Buffer
	records := []models.PnLRecord{
		{EntryPrice: 100, ExitPrice: 101, Pnl: 1, ClosedAt: time.Unix(0, 0)},
		{EntryPrice: 200, ExitPrice: 202, Pnl: 2, ClosedAt: time.Unix(60, 0)},
		{EntryPrice: 300, ExitPrice: 303, Pnl: 3, ClosedAt: time.Unix(120, 0)},
	}

	PrintTrades(&buf, records, 2)

	out := buf.String()
	assert.NotContains(t, out, "100.00")
	assert.Contains(t, out, "200.00")
	assert.Contains(t, out, "300.00")
}
