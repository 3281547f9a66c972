package guardian

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/internal/broker"
	"github.com/iara-trader/engine/pkg/types"
)

type fakeMarket struct {
	quotes map[string]types.Quote
}

func (m *fakeMarket) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	return m.quotes[symbol], nil
}

type fakeState struct {
	positions        []types.Position
	drawdown         decimal.Decimal
	killSwitchReason string
	killed           bool
	removed          []string
}

func (s *fakeState) GetOpenPositions() []types.Position   { return s.positions }
func (s *fakeState) CurrentDrawdown() decimal.Decimal     { return s.drawdown }
func (s *fakeState) ActivateKillSwitch(reason string) {
	s.killed = true
	s.killSwitchReason = reason
}
func (s *fakeState) RemovePosition(symbol string, exitPrice decimal.Decimal) (types.Position, bool) {
	for i, p := range s.positions {
		if p.Symbol == symbol {
			s.positions = append(s.positions[:i], s.positions[i+1:]...)
			s.removed = append(s.removed, symbol)
			return p, true
		}
	}
	return types.Position{}, false
}

func newTestWatchdog(t *testing.T, market MarketData, st *fakeState, bus *AlertBus, cfg WatchdogConfig) *Watchdog {
	t.Helper()
	br := broker.NewPaper(zap.NewNop(), nil, broker.PaperConfig{})
	closer := NewCloser(zap.NewNop(), br, st)
	return NewWatchdog(zap.NewNop(), market, st, closer, bus, cfg)
}

func TestWatchdogTriggersPanicProtocolOnDeepDrawdown(t *testing.T) {
	st := &fakeState{
		positions: []types.Position{{Symbol: "AAPL", Direction: types.DirectionLong, Quantity: 10, EntryPrice: decimal.NewFromInt(100)}},
		drawdown:  decimal.NewFromFloat(0.041),
	}
	bus := NewAlertBus(zap.NewNop(), 10, 1)
	defer bus.Close()
	w := newTestWatchdog(t, &fakeMarket{}, st, bus, DefaultWatchdogConfig())

	w.Tick(context.Background())

	if !st.killed {
		t.Fatalf("ActivateKillSwitch not called, want panic protocol to latch kill switch at 4.1%% drawdown")
	}
	if len(st.removed) != 1 || st.removed[0] != "AAPL" {
		t.Errorf("removed positions = %v, want [AAPL] closed at market", st.removed)
	}
}

func TestWatchdogSkipsPanicBelowThreshold(t *testing.T) {
	st := &fakeState{
		positions: []types.Position{{Symbol: "AAPL", Direction: types.DirectionLong, Quantity: 10, EntryPrice: decimal.NewFromInt(100), CurrentPrice: decimal.NewFromInt(100)}},
		drawdown:  decimal.NewFromFloat(0.01),
	}
	bus := NewAlertBus(zap.NewNop(), 10, 1)
	defer bus.Close()
	market := &fakeMarket{quotes: map[string]types.Quote{"AAPL": {Symbol: "AAPL", Price: decimal.NewFromInt(100)}}}
	w := newTestWatchdog(t, market, st, bus, DefaultWatchdogConfig())

	w.Tick(context.Background())

	if st.killed {
		t.Errorf("ActivateKillSwitch called, want no panic protocol below threshold")
	}
}

func TestWatchdogEmitsStopViolationAlert(t *testing.T) {
	st := &fakeState{
		positions: []types.Position{{
			Symbol: "AAPL", Direction: types.DirectionLong, Quantity: 10,
			EntryPrice: decimal.NewFromInt(100), StopLoss: decimal.NewFromInt(95), CurrentPrice: decimal.NewFromInt(100),
		}},
		drawdown: decimal.Zero,
	}
	market := &fakeMarket{quotes: map[string]types.Quote{"AAPL": {Symbol: "AAPL", Price: decimal.NewFromInt(94)}}}

	var captured []types.PriceAlert
	bus := NewAlertBus(zap.NewNop(), 10, 1)
	bus.Register(&capturingHandler{onPrice: func(a types.PriceAlert) { captured = append(captured, a) }})
	defer bus.Close()

	w := newTestWatchdog(t, market, st, bus, DefaultWatchdogConfig())
	w.Tick(context.Background())
	time.Sleep(50 * time.Millisecond)

	found := false
	for _, a := range captured {
		if a.AlertType == "stop_violated" {
			found = true
		}
	}
	if !found {
		t.Errorf("captured alerts = %+v, want a stop_violated alert for price below stop", captured)
	}
}

func TestWatchdogDetectsFlashCrash(t *testing.T) {
	st := &fakeState{
		positions: []types.Position{{
			Symbol: "AAPL", Direction: types.DirectionLong, Quantity: 10,
			EntryPrice: decimal.NewFromInt(100), StopLoss: decimal.NewFromInt(50), CurrentPrice: decimal.NewFromInt(100),
		}},
	}
	market := &fakeMarket{quotes: map[string]types.Quote{
		"AAPL": {Symbol: "AAPL", Price: decimal.NewFromInt(100)},
		"^VIX": {Symbol: "^VIX", Price: decimal.NewFromInt(15)},
		"SPY":  {Symbol: "SPY", Price: decimal.NewFromInt(450)},
	}}
	bus := NewAlertBus(zap.NewNop(), 10, 1)
	defer bus.Close()
	w := newTestWatchdog(t, market, st, bus, DefaultWatchdogConfig())

	// Seed the 5-minute ring with an older, much higher price so the next
	// tick's reading crosses the flash-crash threshold.
	w.history["AAPL"] = []pricePoint{{price: 100, at: time.Now().Add(-4 * time.Minute)}}
	market.quotes["AAPL"] = types.Quote{Symbol: "AAPL", Price: decimal.NewFromInt(90)}

	var captured []types.PriceAlert
	bus.Register(&capturingHandler{onPrice: func(a types.PriceAlert) { captured = append(captured, a) }})
	w.Tick(context.Background())
	time.Sleep(50 * time.Millisecond)

	found := false
	for _, a := range captured {
		if a.AlertType == "flash_crash" {
			found = true
		}
	}
	if !found {
		t.Errorf("captured alerts = %+v, want a flash_crash alert for a 10%% move in the window", captured)
	}
}

type capturingHandler struct {
	onPrice func(types.PriceAlert)
	onNews  func(types.NewsAlert)
	onPill  func(types.PoisonPillEvent)
}

func (c *capturingHandler) HandlePriceAlert(a types.PriceAlert) {
	if c.onPrice != nil {
		c.onPrice(a)
	}
}
func (c *capturingHandler) HandleNewsAlert(a types.NewsAlert) {
	if c.onNews != nil {
		c.onNews(a)
	}
}
func (c *capturingHandler) HandlePoisonPillEvent(e types.PoisonPillEvent) {
	if c.onPill != nil {
		c.onPill(e)
	}
}
