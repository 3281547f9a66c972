package marketdata

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestMacroAssemblesSnapshotFromQuotes(t *testing.T) {
	a := New(zap.NewNop(), NewSynthetic(), DefaultConfig())

	snap, err := a.Macro(context.Background())
	if err != nil {
		t.Fatalf("Macro() error = %v", err)
	}
	if snap.VIX <= 0 {
		t.Errorf("VIX = %v, want a positive level", snap.VIX)
	}
	if snap.SPYPrice.IsZero() || snap.QQQPrice.IsZero() {
		t.Errorf("SPY = %s, QQQ = %s, want index levels populated", snap.SPYPrice, snap.QQQPrice)
	}
	switch snap.SPYTrend {
	case "uptrend", "downtrend", "flat":
	default:
		t.Errorf("SPYTrend = %q, want one of uptrend/downtrend/flat", snap.SPYTrend)
	}
	if snap.US10YYield <= 0 {
		t.Errorf("US10YYield = %v, want a positive yield", snap.US10YYield)
	}
}

func TestMacroCachesWithinTTL(t *testing.T) {
	a := New(zap.NewNop(), NewSynthetic(), DefaultConfig())

	first, err := a.Macro(context.Background())
	if err != nil {
		t.Fatalf("Macro() error = %v", err)
	}
	second, err := a.Macro(context.Background())
	if err != nil {
		t.Fatalf("Macro() second call error = %v", err)
	}
	if !second.FetchedAt.Equal(first.FetchedAt) {
		t.Errorf("FetchedAt changed across calls inside the TTL, want the cached snapshot returned")
	}
}
