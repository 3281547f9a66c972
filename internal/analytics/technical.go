// Package analytics computes the technical and risk signals that feed
// Phase 0 through Phase 4: RSI, ATR, SuperTrend, support/resistance, trend
// classification, volatility/Sharpe/VaR/CVaR/beta, correlation, Kelly
// sizing, and the beta-adjusted position multiplier.
package analytics

import (
	"math"

	"github.com/iara-trader/engine/pkg/types"
)

// Trend is the simple close-vs-SMA classification.
type Trend string

const (
	TrendUp      Trend = "uptrend"
	TrendDown    Trend = "downtrend"
	TrendSideways Trend = "sideways"
)

func closes(bars []types.OHLCV) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		f, _ := b.Close.Float64()
		out[i] = f
	}
	return out
}

// SMA is the simple moving average of the last period closes.
func SMA(values []float64, period int) float64 {
	if len(values) < period || period <= 0 {
		return 0
	}
	window := values[len(values)-period:]
	var sum float64
	for _, v := range window {
		sum += v
	}
	return sum / float64(period)
}

// EMA computes the exponential moving average over the full series,
// returning the final value.
func EMA(values []float64, period int) float64 {
	if len(values) == 0 || period <= 0 {
		return 0
	}
	if len(values) < period {
		return SMA(values, len(values))
	}
	k := 2.0 / (float64(period) + 1.0)
	ema := SMA(values[:period], period)
	for _, v := range values[period:] {
		ema = v*k + ema*(1-k)
	}
	return ema
}

// RSI is the Wilder relative strength index over period.
func RSI(values []float64, period int) float64 {
	if len(values) <= period {
		return 50
	}
	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		delta := values[i] - values[i-1]
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum -= delta
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)

	for i := period + 1; i < len(values); i++ {
		delta := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ATR is the average true range over period, computed from OHLCV bars.
func ATR(bars []types.OHLCV, period int) float64 {
	if len(bars) < period+1 {
		return 0
	}
	trueRanges := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		high, _ := bars[i].High.Float64()
		low, _ := bars[i].Low.Float64()
		prevClose, _ := bars[i-1].Close.Float64()
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trueRanges = append(trueRanges, tr)
	}
	return SMA(trueRanges, period)
}

// SuperTrendResult is the SuperTrend indicator's latest value and direction.
type SuperTrendResult struct {
	Value     float64
	Direction Trend
}

// SuperTrend computes the classic ATR-banded trend-following indicator.
func SuperTrend(bars []types.OHLCV, period int, multiplier float64) SuperTrendResult {
	if len(bars) < period+1 {
		return SuperTrendResult{Direction: TrendSideways}
	}
	atr := ATR(bars, period)
	last := bars[len(bars)-1]
	high, _ := last.High.Float64()
	low, _ := last.Low.Float64()
	closeV, _ := last.Close.Float64()
	mid := (high + low) / 2

	upperBand := mid + multiplier*atr
	lowerBand := mid - multiplier*atr

	if closeV > upperBand {
		return SuperTrendResult{Value: lowerBand, Direction: TrendUp}
	}
	if closeV < lowerBand {
		return SuperTrendResult{Value: upperBand, Direction: TrendDown}
	}
	return SuperTrendResult{Value: mid, Direction: TrendSideways}
}

// PivotLevels is support/resistance derived from the last 20 bars' pivot.
type PivotLevels struct {
	Pivot      float64
	Support    float64
	Resistance float64
}

// SupportResistance computes pivot = (high20+low20+last_close)/3,
// support = 2*pivot - high20, resistance = 2*pivot - low20.
func SupportResistance(bars []types.OHLCV) PivotLevels {
	if len(bars) < 20 {
		return PivotLevels{}
	}
	window := bars[len(bars)-20:]
	high20 := window[0].High
	low20 := window[0].Low
	for _, b := range window {
		if b.High.GreaterThan(high20) {
			high20 = b.High
		}
		if b.Low.LessThan(low20) {
			low20 = b.Low
		}
	}
	h, _ := high20.Float64()
	l, _ := low20.Float64()
	lastClose, _ := bars[len(bars)-1].Close.Float64()
	pivot := (h + l + lastClose) / 3
	return PivotLevels{
		Pivot:      pivot,
		Support:    2*pivot - h,
		Resistance: 2*pivot - l,
	}
}

// VolumeRatio is the latest volume over the 20-day average volume.
func VolumeRatio(bars []types.OHLCV) float64 {
	if len(bars) < 20 {
		return 1
	}
	window := bars[len(bars)-20:]
	var sum float64
	for _, b := range window {
		v, _ := b.Volume.Float64()
		sum += v
	}
	avg := sum / 20
	if avg == 0 {
		return 1
	}
	latest, _ := bars[len(bars)-1].Volume.Float64()
	return latest / avg
}

// ClassifyTrend compares the latest close against SMA20 and SMA50.
func ClassifyTrend(bars []types.OHLCV) Trend {
	c := closes(bars)
	if len(c) == 0 {
		return TrendSideways
	}
	last := c[len(c)-1]
	sma20 := SMA(c, 20)
	sma50 := SMA(c, 50)
	if sma20 == 0 || sma50 == 0 {
		return TrendSideways
	}
	if last > sma20 && sma20 > sma50 {
		return TrendUp
	}
	if last < sma20 && sma20 < sma50 {
		return TrendDown
	}
	return TrendSideways
}

// StopTargets computes the ATR-banded stop and dual take-profits:
// LONG stop=entry-1.5*ATR, tp1=entry+k*ATR, tp2=entry+1.5k*ATR (default
// k=2.0); SHORT symmetric.
func StopTargets(direction types.Direction, entry, atr float64, k float64) (stop, tp1, tp2 float64) {
	if k <= 0 {
		k = 2.0
	}
	if direction == types.DirectionShort {
		return entry + 1.5*atr, entry - k*atr, entry - 1.5*k*atr
	}
	return entry - 1.5*atr, entry + k*atr, entry + 1.5*k*atr
}
