package utils

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestGenerateOrderIDHasExpectedPrefix(t *testing.T) {
	id := GenerateOrderID()
	if !strings.HasPrefix(id, "ord_") {
		t.Errorf("GenerateOrderID() = %q, want ord_ prefix", id)
	}
}

func TestGenerateIDIsUnique(t *testing.T) {
	a := GenerateID("x")
	b := GenerateID("x")
	if a == b {
		t.Errorf("GenerateID() produced the same value twice: %q", a)
	}
}

func TestRoundToTickSizeFloorsToNearestTick(t *testing.T) {
	got := RoundToTickSize(decimal.NewFromFloat(10.07), decimal.NewFromFloat(0.05))
	want := decimal.NewFromFloat(10.05)
	if !got.Equal(want) {
		t.Errorf("RoundToTickSize() = %s, want %s", got, want)
	}
}

func TestRoundToTickSizeZeroTickReturnsPriceUnchanged(t *testing.T) {
	price := decimal.NewFromFloat(10.07)
	if got := RoundToTickSize(price, decimal.Zero); !got.Equal(price) {
		t.Errorf("RoundToTickSize() = %s, want unchanged %s", got, price)
	}
}

func TestMinMaxDecimal(t *testing.T) {
	a, b := decimal.NewFromInt(5), decimal.NewFromInt(9)
	if !MinDecimal(a, b).Equal(a) {
		t.Errorf("MinDecimal() = %s, want %s", MinDecimal(a, b), a)
	}
	if !MaxDecimal(a, b).Equal(b) {
		t.Errorf("MaxDecimal() = %s, want %s", MaxDecimal(a, b), b)
	}
}
