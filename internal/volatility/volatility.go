// Package volatility turns a candle history into the single scalar that
// drives grid spacing: the average true range (ATR).
package volatility

import (
	"adaptive-grid-bot-go/internal/models"
	"errors"
	"math"
)

// ErrInsufficientData is returned when the candle history is shorter than
// the estimation window. The caller must skip the recalibration cycle and
// keep the previous ladder.
var ErrInsufficientData = errors.New("not enough candles for volatility estimate")

// Estimate computes the ATR over the trailing period: the simple moving
// average of the per-candle true range
//
//	TR = max(high-low, |high-prevClose|, |low-prevClose|)
//
// Requires at least period+1 candles (the first candle only supplies the
// previous close). Pure function; the caller owns the candle history.
func Estimate(candles []models.Candle, period int) (float64, error) {
	if period < 1 || len(candles) < period+1 {
		return 0, ErrInsufficientData
	}

	trueRanges := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prevClose := candles[i-1].Close
		c := candles[i]
		tr := math.Max(c.High-c.Low,
			math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
		trueRanges = append(trueRanges, tr)
	}

	var sum float64
	for _, tr := range trueRanges[len(trueRanges)-period:] {
		sum += tr
	}
	return sum / float64(period), nil
}
