package marketdata

import (
	"context"
	"testing"
)

func TestSyntheticQuoteIsDeterministicForSameSymbol(t *testing.T) {
	s := NewSynthetic()
	ctx := context.Background()
	a, err := s.Quote(ctx, "ACME")
	if err != nil {
		t.Fatalf("Quote() error = %v", err)
	}
	b, err := s.Quote(ctx, "ACME")
	if err != nil {
		t.Fatalf("Quote() error = %v", err)
	}
	if !a.Price.Equal(b.Price) {
		t.Errorf("Quote() prices differ across calls within the same process: %s vs %s", a.Price, b.Price)
	}
}

func TestSyntheticQuoteDiffersAcrossSymbols(t *testing.T) {
	s := NewSynthetic()
	ctx := context.Background()
	a, _ := s.Quote(ctx, "ACME")
	b, _ := s.Quote(ctx, "ZYX")
	if a.Price.Equal(b.Price) {
		t.Errorf("Quote() produced identical prices for two different symbols: %s", a.Price)
	}
}

func TestSyntheticOHLCVReturnsRequestedLookback(t *testing.T) {
	s := NewSynthetic()
	bars, err := s.OHLCV(context.Background(), "ACME", 10)
	if err != nil {
		t.Fatalf("OHLCV() error = %v", err)
	}
	if len(bars) != 11 {
		t.Errorf("len(bars) = %d, want 11 (lookback + today)", len(bars))
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].Timestamp.Before(bars[i-1].Timestamp) {
			t.Fatalf("OHLCV() bars not in chronological order at index %d", i)
		}
	}
}

func TestSyntheticOHLCVDefaultsLookbackWhenNonPositive(t *testing.T) {
	s := NewSynthetic()
	bars, err := s.OHLCV(context.Background(), "ACME", 0)
	if err != nil {
		t.Fatalf("OHLCV() error = %v", err)
	}
	if len(bars) != 61 {
		t.Errorf("len(bars) = %d, want 61 (default 60-day lookback + today)", len(bars))
	}
}

func TestSyntheticEarningsDateReportsNone(t *testing.T) {
	s := NewSynthetic()
	_, has, err := s.EarningsDate(context.Background(), "ACME")
	if err != nil {
		t.Fatalf("EarningsDate() error = %v", err)
	}
	if has {
		t.Errorf("EarningsDate() has = true, want false: synthetic source carries no calendar data")
	}
}
