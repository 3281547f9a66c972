package guardian

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/iara-trader/engine/internal/broker"
)

func TestWatchdogStateRoundTripKeepsFreshSamples(t *testing.T) {
	bus := NewAlertBus(zap.NewNop(), 10, 1)
	defer bus.Close()
	cfg := DefaultWatchdogConfig()

	w := newTestWatchdog(t, &fakeMarket{}, &fakeState{}, bus, cfg)
	w.pushAndCheckFlashMove("AAPL", 100)
	w.pushAndCheckFlashMove("AAPL", 101)

	exported := w.ExportState()
	if len(exported.History["AAPL"]) != 2 {
		t.Fatalf("exported samples = %d, want 2", len(exported.History["AAPL"]))
	}

	restored := newTestWatchdog(t, &fakeMarket{}, &fakeState{}, bus, cfg)
	restored.RestoreState(exported)

	change, triggered := restored.pushAndCheckFlashMove("AAPL", 110)
	if !triggered {
		t.Fatalf("flash move not detected after restore, change = %v", change)
	}
}

func TestWatchdogRestoreDropsSamplesOutsideWindow(t *testing.T) {
	bus := NewAlertBus(zap.NewNop(), 10, 1)
	defer bus.Close()

	w := newTestWatchdog(t, &fakeMarket{}, &fakeState{}, bus, DefaultWatchdogConfig())
	w.RestoreState(WatchdogState{History: map[string][]PriceSample{
		"TSLA": {{Price: 200, At: time.Now().Add(-time.Hour)}},
	}})

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.history["TSLA"]) != 0 {
		t.Errorf("stale samples restored = %d, want 0", len(w.history["TSLA"]))
	}
}

func TestSentinelStateRoundTripDropsStaleHeadlines(t *testing.T) {
	bus := NewAlertBus(zap.NewNop(), 10, 1)
	defer bus.Close()
	br := broker.NewPaper(zap.NewNop(), nil, broker.PaperConfig{})
	st := &fakeState{}
	closer := NewCloser(zap.NewNop(), br, st)

	s := NewSentinel(zap.NewNop(), &fakeNews{}, gatewayWith(&fakeAIClient{}), &fakeSentinelMarket{}, st, st, nil, closer, bus, DefaultSentinelConfig())
	s.markSeen("Fresh headline")

	exported := s.ExportState()
	exported.SeenHeadlines["Ancient headline"] = time.Now().Add(-48 * time.Hour)

	restored := NewSentinel(zap.NewNop(), &fakeNews{}, gatewayWith(&fakeAIClient{}), &fakeSentinelMarket{}, st, st, nil, closer, bus, DefaultSentinelConfig())
	restored.RestoreState(exported)

	if !restored.alreadySeen("Fresh headline") {
		t.Error("fresh headline lost across restore")
	}
	if restored.alreadySeen("Ancient headline") {
		t.Error("stale headline survived restore")
	}
}
