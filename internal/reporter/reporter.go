// Package reporter renders the end-of-session performance summary from the
// engine's realized round trips.
package reporter

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"adaptive-grid-bot-go/internal/models"
)

// Metrics aggregates the realized round trips of one session.
type Metrics struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64 // percent
	RealizedPnl   float64
	AvgProfitLoss float64 // avg win / avg |loss|
}

// Compute derives session metrics from the round-trip history.
func Compute(records []models.PnLRecord) Metrics {
	m := Metrics{TotalTrades: len(records)}

	var totalWin, totalLoss float64
	for _, r := range records {
		m.RealizedPnl += r.Pnl
		if r.Pnl > 0 {
			m.WinningTrades++
			totalWin += r.Pnl
		} else {
			m.LosingTrades++
			totalLoss += r.Pnl
		}
	}

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.WinningTrades > 0 && m.LosingTrades > 0 {
		avgWin := totalWin / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		if avgLoss > 0 {
			m.AvgProfitLoss = avgWin / avgLoss
		}
	}
	return m
}

// PrintSession writes the session summary table.
func PrintSession(w io.Writer, symbol string, m Metrics, balance models.BalanceSnapshot, start, end time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Session Report: %s", symbol)
	t.AppendRows([]table.Row{
		{"Period", fmt.Sprintf("%s - %s", start.Format("2006-01-02 15:04"), end.Format("2006-01-02 15:04"))},
		{"Round Trips", m.TotalTrades},
		{"Winners / Losers", fmt.Sprintf("%d / %d", m.WinningTrades, m.LosingTrades)},
		{"Win Rate", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"Avg Win / Avg Loss", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Realized PnL", fmt.Sprintf("%.4f USDT", m.RealizedPnl)},
		{"Unrealized PnL", fmt.Sprintf("%.4f USDT", balance.Position.UnrealizedPnl)},
		{"Available", fmt.Sprintf("%.4f USDT", balance.Available)},
		{"Net Position", fmt.Sprintf("%.6f @ %.2f", balance.Position.NetSize, balance.Position.AvgEntryPrice)},
	})
	t.Render()
}

// PrintTrades writes the most recent round trips, newest last.
func PrintTrades(w io.Writer, records []models.PnLRecord, lastN int) {
	if lastN > 0 && len(records) > lastN {
		records = records[len(records)-lastN:]
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Closed At", "Entry", "Exit", "Size", "PnL"})
	for _, r := range records {
		t.AppendRow(table.Row{
			r.ClosedAt.Format("01-02 15:04:05"),
			fmt.Sprintf("%.2f", r.EntryPrice),
			fmt.Sprintf("%.2f", r.ExitPrice),
			fmt.Sprintf("%.6f", r.Size),
			fmt.Sprintf("%.4f", r.Pnl),
		})
	}
	t.Render()
}
