package orchestrator

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/internal/config"
	"github.com/iara-trader/engine/internal/guardian"
	"github.com/iara-trader/engine/internal/state"
	"github.com/iara-trader/engine/pkg/types"
)

func newTestOrchestrator(t *testing.T, st *state.State, cfg *config.Config) *Orchestrator {
	t.Helper()
	bus := guardian.NewAlertBus(zap.NewNop(), 10, 1)
	t.Cleanup(bus.Close)
	// RunCycle's kill-switch and drawdown short-circuits return before any
	// phase component is touched, so every phase dependency below may stay
	// nil for those tests.
	return New(zap.NewNop(), cfg, nil, st, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, bus)
}

func TestRunCycleShortCircuitsOnKillSwitch(t *testing.T) {
	st := state.New(zap.NewNop(), state.DefaultConfig(), decimal.NewFromInt(100000), nil)
	st.ActivateKillSwitch("test")
	cfg := &config.Config{Risk: config.RiskConfig{MaxDrawdownDaily: decimal.NewFromFloat(0.02), MaxDrawdownTotal: decimal.NewFromFloat(0.06)}}
	o := newTestOrchestrator(t, st, cfg)

	if err := o.RunCycle(context.Background()); err == nil {
		t.Fatalf("RunCycle() error = nil, want short-circuit error while kill switch is active")
	}
}

func TestRunCycleShortCircuitsOnDrawdownBreach(t *testing.T) {
	st := state.New(zap.NewNop(), state.DefaultConfig(), decimal.NewFromInt(100000), nil)
	// Force the daily drawdown above max_drawdown_total so
	// CheckDrawdownLimits both trips the kill switch and returns false.
	st.Snapshot() // warm up, no-op
	cfg := &config.Config{Risk: config.RiskConfig{MaxDrawdownDaily: decimal.NewFromFloat(0.02), MaxDrawdownTotal: decimal.NewFromFloat(0.06)}}
	o := newTestOrchestrator(t, st, cfg)
	recordRealizedLoss(st, decimal.NewFromInt(100000), decimal.NewFromInt(7000))

	if err := o.RunCycle(context.Background()); err == nil {
		t.Fatalf("RunCycle() error = nil, want short-circuit error once drawdown exceeds max_drawdown_total")
	}
	if !st.IsKillSwitchActive() {
		t.Errorf("IsKillSwitchActive() = false, want kill switch latched by the >= max_drawdown_total breach")
	}
}

// recordRealizedLoss opens and immediately closes a position at a loss
// large enough to drive CurrentDrawdown past the configured thresholds,
// mirroring how a real trading loss would move daily_stats.realized_pnl.
func recordRealizedLoss(st *state.State, capital, loss decimal.Decimal) {
	symbol := "LOSS"
	qty := int64(100)
	entry := decimal.NewFromInt(100)
	_ = st.AddPosition(types.Position{Symbol: symbol, Direction: types.DirectionLong, EntryPrice: entry, Quantity: qty})
	exit := entry.Sub(loss.Div(decimal.NewFromInt(qty)))
	st.RemovePosition(symbol, exit)
}

func TestIsMarketOpen(t *testing.T) {
	sched := config.ScheduleConfig{MarketOpen: "09:30", MarketClose: "16:00"}
	cases := []struct {
		clock string
		want  bool
	}{
		{"09:29", false},
		{"09:30", true},
		{"12:00", true},
		{"16:00", true},
		{"16:01", false},
	}
	base := time.Date(2026, 7, 29, 0, 0, 0, 0, time.Local)
	for _, c := range cases {
		h, _ := strconv.Atoi(c.clock[:2])
		m, _ := strconv.Atoi(c.clock[3:])
		now := time.Date(base.Year(), base.Month(), base.Day(), h, m, 0, 0, time.Local)
		if got := isMarketOpen(sched, now); got != c.want {
			t.Errorf("isMarketOpen(%s) = %v, want %v", c.clock, got, c.want)
		}
	}
}

func TestPhase0SurvivorsStoredForSameDayCycle(t *testing.T) {
	st := state.New(zap.NewNop(), state.DefaultConfig(), decimal.NewFromInt(100000), nil)
	cfg := &config.Config{Risk: config.RiskConfig{MaxDrawdownDaily: decimal.NewFromFloat(0.02), MaxDrawdownTotal: decimal.NewFromFloat(0.06)}}
	o := newTestOrchestrator(t, st, cfg)

	// The pre-market Phase 0 run stores gap-window candidates that a 10:30
	// re-scan could never find; the cycle must consume exactly that list.
	o.storePhase0Survivors([]types.Candidate{
		{Symbol: "AAPL", Source: types.SourceGap},
		{Symbol: "NVDA", Source: types.SourceVolumeSpike},
	})

	got, ok := o.takePhase0Survivors()
	if !ok || len(got) != 2 || got[0].Symbol != "AAPL" {
		t.Fatalf("takePhase0Survivors() = (%+v, %v), want the stored pre-market list", got, ok)
	}

	// The list is consumed: a second cycle the same day re-scans rather than
	// replaying stale candidates.
	if _, ok := o.takePhase0Survivors(); ok {
		t.Errorf("takePhase0Survivors() second call ok = true, want consumed-once semantics")
	}
}

func TestPhase0SurvivorsExpireAcrossDays(t *testing.T) {
	st := state.New(zap.NewNop(), state.DefaultConfig(), decimal.NewFromInt(100000), nil)
	cfg := &config.Config{Risk: config.RiskConfig{MaxDrawdownDaily: decimal.NewFromFloat(0.02), MaxDrawdownTotal: decimal.NewFromFloat(0.06)}}
	o := newTestOrchestrator(t, st, cfg)

	o.mu.Lock()
	o.pendingCandidates = []types.Candidate{{Symbol: "STALE"}}
	o.pendingDate = time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	o.mu.Unlock()

	if _, ok := o.takePhase0Survivors(); ok {
		t.Errorf("takePhase0Survivors() ok = true for yesterday's list, want expiry at the day boundary")
	}
}

func TestSurvivorsOfFiltersByPassedSymbols(t *testing.T) {
	byID := map[string]types.Candidate{
		"AAPL": {Symbol: "AAPL"},
		"MSFT": {Symbol: "MSFT"},
	}
	passed := []types.ScreenerResult{{Symbol: "AAPL"}}

	got := survivorsOf(byID, passed)
	if len(got) != 1 || got[0].Symbol != "AAPL" {
		t.Errorf("survivorsOf() = %+v, want only AAPL", got)
	}
}
