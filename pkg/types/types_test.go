package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestTradeDecisionApprovedRejectsLowRiskReward(t *testing.T) {
	d := TradeDecision{
		Verdict: VerdictApprove, RiskReward: 1.5, Direction: DirectionLong,
		Entry: decimal.NewFromInt(100), Stop: decimal.NewFromInt(95),
	}
	if d.Approved() {
		t.Errorf("Approved() = true, want false for risk:reward below 2.0")
	}
}

func TestTradeDecisionApprovedRejectsNonApproveVerdict(t *testing.T) {
	d := TradeDecision{Verdict: VerdictReject, RiskReward: 3.0}
	if d.Approved() {
		t.Errorf("Approved() = true, want false for a REJEITAR verdict")
	}
}

func TestTradeDecisionApprovedRequiresStopOnCorrectSideForLong(t *testing.T) {
	d := TradeDecision{
		Verdict: VerdictApprove, RiskReward: 3.0, Direction: DirectionLong,
		Entry: decimal.NewFromInt(100), Stop: decimal.NewFromInt(105),
	}
	if d.Approved() {
		t.Errorf("Approved() = true, want false: a LONG stop must sit below entry")
	}
}

func TestTradeDecisionApprovedAcceptsValidLong(t *testing.T) {
	d := TradeDecision{
		Verdict: VerdictApprove, RiskReward: 3.0, Direction: DirectionLong,
		Entry: decimal.NewFromInt(100), Stop: decimal.NewFromInt(95),
	}
	if !d.Approved() {
		t.Errorf("Approved() = false, want true for a valid LONG decision")
	}
}

func TestPositionIsProfitableFallsBackToEntryWhenNoCurrentPrice(t *testing.T) {
	p := Position{Direction: DirectionLong, EntryPrice: decimal.NewFromInt(100)}
	if p.IsProfitable() {
		t.Errorf("IsProfitable() = true, want false: current equals entry when unset")
	}
}

func TestPositionIsProfitableShortGainsOnPriceDrop(t *testing.T) {
	p := Position{Direction: DirectionShort, EntryPrice: decimal.NewFromInt(100), CurrentPrice: decimal.NewFromInt(90)}
	if !p.IsProfitable() {
		t.Errorf("IsProfitable() = false, want true: a SHORT gains when price falls below entry")
	}
}

func TestComputePnLLongAndShort(t *testing.T) {
	entry := decimal.NewFromInt(100)
	exit := decimal.NewFromInt(110)
	qty := int64(10)

	long := ComputePnL(DirectionLong, entry, exit, qty)
	if !long.Equal(decimal.NewFromInt(100)) {
		t.Errorf("ComputePnL(long) = %s, want 100", long)
	}

	short := ComputePnL(DirectionShort, entry, exit, qty)
	if !short.Equal(decimal.NewFromInt(-100)) {
		t.Errorf("ComputePnL(short) = %s, want -100", short)
	}
}

func TestSizeHintMultiplierDefaultsUnknownToNormal(t *testing.T) {
	if got := SizeHintMultiplier(SizeHintReduced); !got.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("SizeHintMultiplier(REDUZIDO) = %s, want 0.5", got)
	}
	if got := SizeHintMultiplier(SizeHintMinimum); !got.Equal(decimal.NewFromFloat(0.25)) {
		t.Errorf("SizeHintMultiplier(MINIMO) = %s, want 0.25", got)
	}
	if got := SizeHintMultiplier(SizeHint("unknown")); !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("SizeHintMultiplier(unknown) = %s, want 1", got)
	}
}
