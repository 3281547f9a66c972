package guardian

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/internal/aigateway"
	"github.com/iara-trader/engine/pkg/types"
)

func TestDetectEventTypeClassifiesKeywords(t *testing.T) {
	cases := []struct {
		title string
		want  types.PoisonPillEventType
	}{
		{"Acme announces merger with Globex", types.EventMergerAcquisition},
		{"Acme files for chapter 11 bankruptcy", types.EventBankruptcy},
		{"FDA approval granted for new drug", types.EventFDA},
		{"SEC opens investigation into accounting", types.EventSEC},
	}
	for _, c := range cases {
		got, ok := detectEventType(c.title, "")
		if !ok || got != c.want {
			t.Errorf("detectEventType(%q) = (%v, %v), want (%v, true)", c.title, got, ok, c.want)
		}
	}
}

func TestDetectEventTypeNoMatch(t *testing.T) {
	if _, ok := detectEventType("Acme releases new iPhone case", ""); ok {
		t.Errorf("detectEventType() matched, want no classification for an unrelated headline")
	}
}

func TestRunNightlyScanPublishesCriticalEvent(t *testing.T) {
	st := &fakeState{positions: []types.Position{{Symbol: "AAPL"}}}
	news := &fakeNews{articles: map[string][]types.NewsArticle{
		"AAPL": {{Title: "AAPL faces SEC fraud investigation", Summary: "Regulators probe the company."}},
	}}
	client := &fakeAIClient{response: aigateway.Response{ParsedJSON: map[string]any{
		"impact": "negative", "magnitude": "extreme", "action": "EXIT", "reason": "fraud probe",
	}}}
	bus := NewAlertBus(zap.NewNop(), 10, 1)
	defer bus.Close()
	var captured []types.PoisonPillEvent
	bus.Register(&capturingHandler{onPill: func(e types.PoisonPillEvent) { captured = append(captured, e) }})

	pp := NewPoisonPill(zap.NewNop(), news, gatewayWith(client), st, bus, DefaultPoisonPillConfig())
	events := pp.RunNightlyScan(context.Background())

	if len(events) != 1 || events[0].EventType != types.EventSEC {
		t.Fatalf("RunNightlyScan() = %+v, want a single classified SEC event", events)
	}
	time.Sleep(50 * time.Millisecond)
	if len(captured) != 1 {
		t.Fatalf("captured via bus = %+v, want the event published", captured)
	}
	critical := pp.CriticalEvents()
	if len(critical) != 1 || critical[0].Magnitude != types.MagnitudeExtreme {
		t.Errorf("CriticalEvents() = %+v, want the extreme-magnitude event surfaced", critical)
	}
}

func TestRunNightlyScanSkipsWhenNoOpenPositions(t *testing.T) {
	st := &fakeState{}
	bus := NewAlertBus(zap.NewNop(), 10, 1)
	defer bus.Close()
	pp := NewPoisonPill(zap.NewNop(), &fakeNews{}, gatewayWith(&fakeAIClient{}), st, bus, DefaultPoisonPillConfig())

	events := pp.RunNightlyScan(context.Background())
	if events != nil {
		t.Errorf("RunNightlyScan() = %v, want nil with no open positions", events)
	}
	if pp.LastScan().IsZero() {
		t.Errorf("LastScan() is zero, want recorded even when no positions were scanned")
	}
}

func TestRunNightlyScanFlagsOvernightGapDown(t *testing.T) {
	st := &fakeState{positions: []types.Position{{Symbol: "AAPL", Direction: types.DirectionLong}}}
	market := &fakeMarket{quotes: map[string]types.Quote{
		"AAPL": {Symbol: "AAPL", Price: decimal.NewFromInt(94), PreviousClose: decimal.NewFromInt(100)},
	}}
	bus := NewAlertBus(zap.NewNop(), 10, 1)
	defer bus.Close()

	pp := NewPoisonPill(zap.NewNop(), &fakeNews{}, gatewayWith(&fakeAIClient{}), st, bus, DefaultPoisonPillConfig()).WithMarketData(market)
	events := pp.RunNightlyScan(context.Background())

	if len(events) != 1 {
		t.Fatalf("RunNightlyScan() = %+v, want a single gap event", events)
	}
	e := events[0]
	if e.EventType != types.EventGapDown || e.Impact != types.ImpactNegative {
		t.Errorf("event = %+v, want a negative gap_down", e)
	}
	if e.Magnitude != types.MagnitudeHigh || e.RecommendedAction != types.ActionReduce {
		t.Errorf("event = %+v, want high magnitude with REDUCE for a 6%% adverse gap", e)
	}
}

func TestShouldRunScanRespectsMinInterval(t *testing.T) {
	st := &fakeState{}
	bus := NewAlertBus(zap.NewNop(), 10, 1)
	defer bus.Close()
	pp := NewPoisonPill(zap.NewNop(), &fakeNews{}, gatewayWith(&fakeAIClient{}), st, bus, PoisonPillConfig{
		AfterHour: 0, BeforeHour: 24, MinInterval: time.Hour, ArticlesPerSymbol: 5,
	})

	if !pp.ShouldRunScan() {
		t.Fatalf("ShouldRunScan() = false, want true before any scan has run")
	}
	pp.RunNightlyScan(context.Background())
	if pp.ShouldRunScan() {
		t.Errorf("ShouldRunScan() = true immediately after a scan, want false until MinInterval elapses")
	}
}
