package events

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestPublishDeliversToTypedSubscriber(t *testing.T) {
	eb := NewEventBus(zap.NewNop(), Config{Workers: 2, BufferSize: 100})
	defer eb.Close()

	var mu sync.Mutex
	var got Event
	done := make(chan struct{})
	eb.Subscribe(EventTypeSignal, func(e Event) error {
		mu.Lock()
		got = e
		mu.Unlock()
		close(done)
		return nil
	})

	eb.Publish(NewSignalEvent("AAPL", "LONG", "judge", 8.5, decimal.NewFromInt(100), decimal.NewFromInt(90), decimal.NewFromInt(120)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if got == nil || got.GetType() != EventTypeSignal {
		t.Errorf("got = %v, want a delivered signal event", got)
	}
}

func TestSubscribeAllReceivesEveryType(t *testing.T) {
	eb := NewEventBus(zap.NewNop(), Config{Workers: 2, BufferSize: 100})
	defer eb.Close()

	var mu sync.Mutex
	seen := map[EventType]bool{}
	eb.SubscribeAll(func(e Event) error {
		mu.Lock()
		seen[e.GetType()] = true
		mu.Unlock()
		return nil
	}, SubscriptionOptions{Async: false})

	eb.PublishSync(NewCycleEvent(25, 8, 4, 2))
	eb.PublishSync(NewRiskAlertEvent("drawdown", "warning", "approaching limit", decimal.NewFromFloat(0.05), decimal.NewFromFloat(0.06)))

	mu.Lock()
	defer mu.Unlock()
	if !seen[EventTypeCycle] || !seen[EventTypeRiskAlert] {
		t.Errorf("seen = %v, want both cycle and risk_alert types delivered", seen)
	}
}

func TestFilterExcludesNonMatchingEvents(t *testing.T) {
	eb := NewEventBus(zap.NewNop(), Config{Workers: 1, BufferSize: 10})
	defer eb.Close()

	var calls int
	var mu sync.Mutex
	eb.Subscribe(EventTypeRiskAlert, func(e Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}, SubscriptionOptions{
		Async: false,
		Filter: func(e Event) bool {
			alert, ok := e.(*RiskAlertEvent)
			return ok && alert.Severity == "critical"
		},
	})

	eb.PublishSync(NewRiskAlertEvent("drawdown", "warning", "minor", decimal.Zero, decimal.Zero))
	eb.PublishSync(NewRiskAlertEvent("drawdown", "critical", "severe", decimal.Zero, decimal.Zero))

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("calls = %d, want exactly 1: the warning-severity event must be filtered out", calls)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	eb := NewEventBus(zap.NewNop(), Config{Workers: 1, BufferSize: 10})
	defer eb.Close()

	var calls int
	var mu sync.Mutex
	sub := eb.Subscribe(EventTypeCycle, func(e Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}, SubscriptionOptions{Async: false})

	eb.PublishSync(NewCycleEvent(10, 5, 3, 1))
	eb.Unsubscribe(sub)
	eb.PublishSync(NewCycleEvent(12, 6, 2, 0))

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("calls = %d, want exactly 1: no delivery after Unsubscribe", calls)
	}
	if sub.IsActive() {
		t.Errorf("IsActive() = true after Unsubscribe, want false")
	}
}

func TestPublishDropsEventWhenBufferFull(t *testing.T) {
	eb := NewEventBus(zap.NewNop(), Config{Workers: 1, BufferSize: 1})
	defer eb.Close()

	// A handler that blocks keeps the single worker busy draining the first
	// event, so the buffer (capacity 1) fills from subsequent publishes and
	// the bus must drop rather than block.
	release := make(chan struct{})
	eb.SubscribeAll(func(e Event) error { <-release; return nil }, SubscriptionOptions{Async: false})

	for i := 0; i < 10; i++ {
		eb.Publish(NewCycleEvent(i, 0, 0, 0))
	}
	close(release)

	stats := eb.Stats()
	if stats.Dropped == 0 {
		t.Errorf("Dropped = 0, want at least one dropped event once the buffer fills")
	}
}

func TestStatsTracksPublishedAndProcessed(t *testing.T) {
	eb := NewEventBus(zap.NewNop(), Config{Workers: 2, BufferSize: 100})
	defer eb.Close()

	eb.PublishSync(NewCycleEvent(25, 8, 4, 2))
	eb.PublishSync(NewCycleEvent(18, 6, 3, 1))

	stats := eb.Stats()
	if stats.Published != 2 {
		t.Errorf("Published = %d, want 2", stats.Published)
	}
	if stats.Processed != 2 {
		t.Errorf("Processed = %d, want 2", stats.Processed)
	}
}
