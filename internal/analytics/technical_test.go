package analytics

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/iara-trader/engine/pkg/types"
)

func TestStopTargetsLong(t *testing.T) {
	stop, tp1, tp2 := StopTargets(types.DirectionLong, 100, 2.0, 2.0)
	if stop != 97 {
		t.Errorf("stop = %v, want 97", stop)
	}
	if tp1 != 104 {
		t.Errorf("tp1 = %v, want 104", tp1)
	}
	if tp2 != 106 {
		t.Errorf("tp2 = %v, want 106", tp2)
	}
}

func TestStopTargetsShortIsSymmetric(t *testing.T) {
	stop, tp1, tp2 := StopTargets(types.DirectionShort, 100, 2.0, 2.0)
	if stop != 103 {
		t.Errorf("stop = %v, want 103", stop)
	}
	if tp1 != 96 {
		t.Errorf("tp1 = %v, want 96", tp1)
	}
	if tp2 != 94 {
		t.Errorf("tp2 = %v, want 94", tp2)
	}
}

func TestRSIFlatSeriesIsHundred(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = 100
	}
	if rsi := RSI(values, 14); rsi != 100 {
		// zero losses -> RSI saturates at 100 per Wilder's formula when avgLoss=0
		t.Errorf("RSI(flat) = %v, want 100 (no losses)", rsi)
	}
}

func TestSMABasic(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	if sma := SMA(values, 5); sma != 3 {
		t.Errorf("SMA() = %v, want 3", sma)
	}
}

func bar(high, low, close float64) types.OHLCV {
	return types.OHLCV{
		High:  decimal.NewFromFloat(high),
		Low:   decimal.NewFromFloat(low),
		Close: decimal.NewFromFloat(close),
	}
}

func TestATRNonNegative(t *testing.T) {
	bars := []types.OHLCV{
		bar(102, 98, 100), bar(104, 99, 101), bar(103, 97, 98),
		bar(101, 96, 99), bar(105, 98, 103), bar(106, 100, 104),
		bar(107, 101, 105), bar(108, 102, 106), bar(109, 103, 107),
		bar(110, 104, 108), bar(111, 105, 109), bar(112, 106, 110),
		bar(113, 107, 111), bar(114, 108, 112), bar(115, 109, 113),
	}
	if atr := ATR(bars, 14); atr <= 0 {
		t.Errorf("ATR() = %v, want > 0", atr)
	}
}
