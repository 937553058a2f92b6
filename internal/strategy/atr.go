package strategy

import (
	"github.com/markcheno/go-talib"

	"github.com/overrangefutures/engine/internal/domain"
)

// currentATR computes the Average True Range over the configured period
// at the configured ATR timeframe, returning the most recent value.
// Grounded on the teacher's pkg/formulas (CalculateRSI's go-talib wrapper
// shape), swapped to Atr since the overnight-range strategy's stop/target
// sizing is ATR-based, not RSI-based (spec.md §4.5).
func currentATR(bars []domain.Bar, period int) (float64, bool) {
	if len(bars) < period+1 {
		return 0, false
	}
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i], lows[i], closes[i] = b.High, b.Low, b.Close
	}
	atr := talib.Atr(highs, lows, closes, period)
	last := atr[len(atr)-1]
	if last != last { // NaN guard, matches the teacher's isNaN pattern
		return 0, false
	}
	return last, true
}

// dailyATR is currentATR computed over daily bars, used for the
// target-multiplier leg of the overnight-range strategy.
func dailyATR(dailyBars []domain.Bar, period int) (float64, bool) {
	return currentATR(dailyBars, period)
}
