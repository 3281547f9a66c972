package state

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/pkg/types"
)

func newTestState(t *testing.T, capital float64) *State {
	t.Helper()
	return New(zap.NewNop(), DefaultConfig(), decimal.NewFromFloat(capital), nil)
}

func TestAddPositionRejectsDuplicateSymbol(t *testing.T) {
	s := newTestState(t, 100000)
	pos := types.Position{Symbol: "AAPL", Direction: types.DirectionLong, EntryPrice: decimal.NewFromInt(100), Quantity: 10}

	if err := s.AddPosition(pos); err != nil {
		t.Fatalf("first AddPosition() error = %v", err)
	}
	if err := s.AddPosition(pos); err != ErrDuplicateSymbol {
		t.Fatalf("second AddPosition() error = %v, want ErrDuplicateSymbol", err)
	}
}

func TestAddPositionEnforcesMaxPositions(t *testing.T) {
	s := newTestState(t, 100000)
	cfg := DefaultConfig()
	for i := 0; i < cfg.MaxPositions; i++ {
		symbol := string(rune('A' + i))
		if err := s.AddPosition(types.Position{Symbol: symbol, Direction: types.DirectionLong, EntryPrice: decimal.NewFromInt(10), Quantity: 1}); err != nil {
			t.Fatalf("AddPosition(%s) error = %v", symbol, err)
		}
	}
	if err := s.AddPosition(types.Position{Symbol: "OVERFLOW", Direction: types.DirectionLong, EntryPrice: decimal.NewFromInt(10), Quantity: 1}); err != ErrMaxPositions {
		t.Fatalf("AddPosition() error = %v, want ErrMaxPositions", err)
	}
}

func TestRemovePositionComputesDirectionalPnL(t *testing.T) {
	s := newTestState(t, 100000)
	if err := s.AddPosition(types.Position{Symbol: "MSFT", Direction: types.DirectionShort, EntryPrice: decimal.NewFromInt(100), Quantity: 10}); err != nil {
		t.Fatalf("AddPosition() error = %v", err)
	}
	p, ok := s.RemovePosition("MSFT", decimal.NewFromInt(90))
	if !ok {
		t.Fatalf("RemovePosition() ok = false")
	}
	want := types.ComputePnL(types.DirectionShort, p.EntryPrice, decimal.NewFromInt(90), 10)
	snap := s.Snapshot()
	if !snap.DailyStats.RealizedPnL.Equal(want) {
		t.Errorf("RealizedPnL = %s, want %s", snap.DailyStats.RealizedPnL, want)
	}
	if snap.DailyStats.Wins != 1 {
		t.Errorf("Wins = %d, want 1", snap.DailyStats.Wins)
	}
}

func TestCheckDrawdownLimitsActivatesKillSwitchAtTotalLimit(t *testing.T) {
	s := newTestState(t, 100000)
	if err := s.AddPosition(types.Position{Symbol: "TSLA", Direction: types.DirectionLong, EntryPrice: decimal.NewFromInt(100), Quantity: 100}); err != nil {
		t.Fatalf("AddPosition() error = %v", err)
	}
	// Realize a loss of 6.5% of starting capital, past the 6% kill-switch limit.
	if _, ok := s.RemovePosition("TSLA", decimal.NewFromInt(35)); !ok {
		t.Fatalf("RemovePosition() ok = false")
	}

	if allowed := s.CheckDrawdownLimits(); allowed {
		t.Errorf("CheckDrawdownLimits() = true, want false past total drawdown limit")
	}
	if !s.IsKillSwitchActive() {
		t.Errorf("IsKillSwitchActive() = false, want true")
	}
}

func TestDefensiveModeAndMultiplier(t *testing.T) {
	s := newTestState(t, 100000)
	if err := s.AddPosition(types.Position{Symbol: "NVDA", Direction: types.DirectionLong, EntryPrice: decimal.NewFromInt(100), Quantity: 100}); err != nil {
		t.Fatalf("AddPosition() error = %v", err)
	}
	// Realize a 3.5% daily loss, past the 3% daily defensive threshold.
	if _, ok := s.RemovePosition("NVDA", decimal.NewFromInt(65)); !ok {
		t.Fatalf("RemovePosition() ok = false")
	}

	if !s.IsDefensiveMode() {
		t.Errorf("IsDefensiveMode() = false, want true")
	}
	if mult := s.DefensiveMultiplier(); mult != 0.5 {
		t.Errorf("DefensiveMultiplier() = %v, want 0.5", mult)
	}
}

func TestSnapshotIsIndependentOfLiveState(t *testing.T) {
	s := newTestState(t, 50000)
	if err := s.AddPosition(types.Position{Symbol: "JPM", Direction: types.DirectionLong, EntryPrice: decimal.NewFromInt(50), Quantity: 10}); err != nil {
		t.Fatalf("AddPosition() error = %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Positions) != 1 {
		t.Fatalf("len(Positions) = %d, want 1", len(snap.Positions))
	}

	if err := s.AddPosition(types.Position{Symbol: "GS", Direction: types.DirectionLong, EntryPrice: decimal.NewFromInt(50), Quantity: 10}); err != nil {
		t.Fatalf("AddPosition() error = %v", err)
	}
	if len(snap.Positions) != 1 {
		t.Errorf("earlier snapshot mutated: len(Positions) = %d, want 1", len(snap.Positions))
	}
}

func TestKillSwitchRoundTrip(t *testing.T) {
	s := newTestState(t, 100000)
	s.ActivateKillSwitch("manual test")
	if !s.IsKillSwitchActive() {
		t.Fatalf("IsKillSwitchActive() = false after activation")
	}
	s.DeactivateKillSwitch()
	if s.IsKillSwitchActive() {
		t.Fatalf("IsKillSwitchActive() = true after deactivation")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := newTestState(t, 100000)
	if err := s.AddPosition(types.Position{Symbol: "AAPL", Direction: types.DirectionLong, EntryPrice: decimal.NewFromInt(180), StopLoss: decimal.NewFromInt(175), Quantity: 50}); err != nil {
		t.Fatalf("AddPosition() error = %v", err)
	}
	s.ActivateKillSwitch("drawdown breach")
	snap := s.Snapshot()

	restored := newTestState(t, 1)
	restored.Restore(snap)
	got := restored.Snapshot()

	if !got.Capital.Equal(snap.Capital) {
		t.Errorf("Capital = %v, want %v", got.Capital, snap.Capital)
	}
	if len(got.Positions) != 1 || got.Positions[0].Symbol != "AAPL" {
		t.Errorf("Positions = %+v, want the single AAPL position", got.Positions)
	}
	if !got.Positions[0].StopLoss.Equal(snap.Positions[0].StopLoss) {
		t.Errorf("StopLoss = %v, want %v", got.Positions[0].StopLoss, snap.Positions[0].StopLoss)
	}
	if got.DailyStats != snap.DailyStats {
		t.Errorf("DailyStats = %+v, want %+v", got.DailyStats, snap.DailyStats)
	}
	if !got.KillSwitchActive || got.KillSwitchReason != "drawdown breach" {
		t.Errorf("kill switch = (%v, %q), want latched with original reason", got.KillSwitchActive, got.KillSwitchReason)
	}
}

func TestRestoreCapitalHistoryWarmsWeeklyDrawdown(t *testing.T) {
	s := newTestState(t, 90000)

	history := make([]types.CapitalSnapshot, 6)
	for i := range history {
		history[i] = types.CapitalSnapshot{
			Date:    time.Now().AddDate(0, 0, i-6).Format("2006-01-02"),
			Capital: decimal.NewFromInt(100000),
		}
	}
	s.RestoreCapitalHistory(history)

	// Capital fell from 100k five sessions ago to 90k today.
	if dd := s.WeeklyDrawdown(); dd < 0.09 || dd > 0.11 {
		t.Errorf("WeeklyDrawdown() = %v, want ~0.10", dd)
	}
}
