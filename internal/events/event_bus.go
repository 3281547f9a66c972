// Package events is the orchestrator's internal telemetry bus: every
// cycle's signals, opened positions, risk short-circuits, and cycle
// summaries are published here for the operator API's stats feed. It is
// a bounded, worker-drained pub/sub; a full buffer drops the event
// rather than blocking the publisher.
package events

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventType is the closed set of telemetry events the pipeline emits.
type EventType string

const (
	EventTypeSignal    EventType = "signal"
	EventTypePosition  EventType = "position"
	EventTypeRiskAlert EventType = "risk_alert"
	EventTypeCycle     EventType = "cycle"
)

// Event is what the bus routes.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent carries the fields every event shares.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

// SignalEvent records an approved Judge verdict entering execution.
type SignalEvent struct {
	BaseEvent
	Symbol     string          `json:"symbol"`
	Direction  string          `json:"direction"`
	Origin     string          `json:"origin"`
	Score      float64         `json:"score"`
	Entry      decimal.Decimal `json:"entry"`
	Stop       decimal.Decimal `json:"stop"`
	TakeProfit decimal.Decimal `json:"take_profit"`
}

// PositionEvent records a position opened by the cycle.
type PositionEvent struct {
	BaseEvent
	Symbol        string          `json:"symbol"`
	Direction     string          `json:"direction"`
	Quantity      int64           `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// RiskAlertEvent records a risk short-circuit (kill switch, drawdown).
type RiskAlertEvent struct {
	BaseEvent
	AlertType    string          `json:"alert_type"`
	Severity     string          `json:"severity"` // "info", "warning", "critical"
	Message      string          `json:"message"`
	CurrentValue decimal.Decimal `json:"current_value,omitempty"`
	Threshold    decimal.Decimal `json:"threshold,omitempty"`
}

// CycleEvent summarizes one completed Phase 0-4 pass.
type CycleEvent struct {
	BaseEvent
	Candidates     int `json:"candidates"`
	Screened       int `json:"screened"`
	VaultSurvivors int `json:"vault_survivors"`
	Opened         int `json:"opened"`
}

// Handler processes a delivered event.
type Handler func(event Event) error

// Filter selects which events a subscription receives.
type Filter func(event Event) bool

// SubscriptionOptions configures delivery for one subscription.
type SubscriptionOptions struct {
	Filter Filter
	Async  bool // run the handler in its own goroutine
}

// Subscription is an active handler registration.
type Subscription struct {
	ID        string
	EventType EventType
	Handler   Handler
	Options   SubscriptionOptions
	active    atomic.Bool
}

// IsActive reports whether the subscription still receives events.
func (s *Subscription) IsActive() bool { return s.active.Load() }

// BusStats is the bus's throughput snapshot, surfaced by the operator API.
type BusStats struct {
	Published     int64         `json:"published"`
	Processed     int64         `json:"processed"`
	Dropped       int64         `json:"dropped"`
	HandlerErrors int64         `json:"handler_errors"`
	Subscribers   int64         `json:"subscribers"`
	P99Latency    time.Duration `json:"p99_latency_ns"`
	MaxLatency    time.Duration `json:"max_latency_ns"`
}

// Config sizes the bus.
type Config struct {
	Workers    int
	BufferSize int
}

// DefaultConfig returns the bus's baseline sizing. The pipeline emits a
// handful of events per cycle, so a small pool and buffer suffice.
func DefaultConfig() Config {
	return Config{Workers: 4, BufferSize: 1024}
}

// EventBus routes published events to subscribers via a bounded channel
// drained by a fixed worker pool.
type EventBus struct {
	logger *zap.Logger

	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	events chan Event

	published     atomic.Int64
	processed     atomic.Int64
	dropped       atomic.Int64
	handlerErrors atomic.Int64
	subscribers64 atomic.Int64

	latencyMu  sync.Mutex
	latencies  []int64
	maxLatency atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEventBus builds and starts an EventBus; its workers run until Close.
func NewEventBus(logger *zap.Logger, cfg Config) *EventBus {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	eb := &EventBus{
		logger:      logger,
		subscribers: make(map[EventType][]*Subscription),
		events:      make(chan Event, bufferSize),
		ctx:         ctx,
		cancel:      cancel,
		latencies:   make([]int64, 0, 1024),
	}

	for i := 0; i < workers; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}
	return eb
}

func (eb *EventBus) worker() {
	defer eb.wg.Done()
	for {
		select {
		case <-eb.ctx.Done():
			return
		case event := <-eb.events:
			start := time.Now()
			eb.deliver(event)
			eb.trackLatency(time.Since(start).Nanoseconds())
		}
	}
}

func (eb *EventBus) deliver(event Event) {
	eb.mu.RLock()
	subs := append([]*Subscription(nil), eb.subscribers[event.GetType()]...)
	subs = append(subs, eb.allSubscribers...)
	eb.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if sub.Options.Filter != nil && !sub.Options.Filter(event) {
			continue
		}
		if sub.Options.Async {
			go eb.invoke(sub, event)
		} else {
			eb.invoke(sub, event)
		}
	}
	eb.processed.Add(1)
}

// invoke runs a handler with panic recovery so one bad subscriber cannot
// take down a bus worker.
func (eb *EventBus) invoke(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.handlerErrors.Add(1)
			eb.logger.Error("event handler panic",
				zap.String("subscription", sub.ID), zap.String("event_type", string(event.GetType())), zap.Any("panic", r))
		}
	}()
	if err := sub.Handler(event); err != nil {
		eb.handlerErrors.Add(1)
		eb.logger.Warn("event handler error",
			zap.String("subscription", sub.ID), zap.String("event_type", string(event.GetType())), zap.Error(err))
	}
}

func (eb *EventBus) trackLatency(ns int64) {
	eb.latencyMu.Lock()
	eb.latencies = append(eb.latencies, ns)
	if len(eb.latencies) > 1024 {
		eb.latencies = eb.latencies[512:]
	}
	eb.latencyMu.Unlock()

	for {
		current := eb.maxLatency.Load()
		if ns <= current || eb.maxLatency.CompareAndSwap(current, ns) {
			return
		}
	}
}

var subscriptionCounter atomic.Int64

func newSubscription(eventType EventType, handler Handler, opts []SubscriptionOptions) *Subscription {
	options := SubscriptionOptions{Async: true}
	if len(opts) > 0 {
		options = opts[0]
	}
	sub := &Subscription{
		ID:        "sub_" + itoa(subscriptionCounter.Add(1)),
		EventType: eventType,
		Handler:   handler,
		Options:   options,
	}
	sub.active.Store(true)
	return sub
}

// Subscribe registers a handler for one event type.
func (eb *EventBus) Subscribe(eventType EventType, handler Handler, opts ...SubscriptionOptions) *Subscription {
	sub := newSubscription(eventType, handler, opts)
	eb.mu.Lock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], sub)
	eb.mu.Unlock()
	eb.subscribers64.Add(1)
	return sub
}

// SubscribeAll registers a handler for every event type.
func (eb *EventBus) SubscribeAll(handler Handler, opts ...SubscriptionOptions) *Subscription {
	sub := newSubscription("*", handler, opts)
	eb.mu.Lock()
	eb.allSubscribers = append(eb.allSubscribers, sub)
	eb.mu.Unlock()
	eb.subscribers64.Add(1)
	return sub
}

// Unsubscribe deactivates a subscription.
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	sub.active.Store(false)
	eb.subscribers64.Add(-1)
}

// Publish enqueues an event without blocking; a full buffer drops it.
func (eb *EventBus) Publish(event Event) {
	select {
	case eb.events <- event:
		eb.published.Add(1)
	default:
		eb.dropped.Add(1)
		eb.logger.Warn("event dropped, buffer full", zap.String("event_type", string(event.GetType())))
	}
}

// PublishSync delivers an event inline, bypassing the worker queue.
func (eb *EventBus) PublishSync(event Event) {
	eb.published.Add(1)
	eb.deliver(event)
}

// Stats returns the bus's throughput counters.
func (eb *EventBus) Stats() BusStats {
	return BusStats{
		Published:     eb.published.Load(),
		Processed:     eb.processed.Load(),
		Dropped:       eb.dropped.Load(),
		HandlerErrors: eb.handlerErrors.Load(),
		Subscribers:   eb.subscribers64.Load(),
		P99Latency:    time.Duration(eb.p99LatencyNs()),
		MaxLatency:    time.Duration(eb.maxLatency.Load()),
	}
}

func (eb *EventBus) p99LatencyNs() int64 {
	eb.latencyMu.Lock()
	defer eb.latencyMu.Unlock()
	if len(eb.latencies) == 0 {
		return 0
	}
	sorted := make([]int64, len(eb.latencies))
	copy(sorted, eb.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Close stops the workers; undelivered queued events are discarded.
func (eb *EventBus) Close() {
	eb.cancel()
	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		eb.logger.Warn("event bus shutdown timed out")
	}
}

var eventCounter atomic.Int64

func newBase(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        "evt_" + itoa(eventCounter.Add(1)),
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

func itoa(i int64) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

// NewSignalEvent records an approved verdict headed for execution.
func NewSignalEvent(symbol, direction, origin string, score float64, entry, stop, takeProfit decimal.Decimal) *SignalEvent {
	return &SignalEvent{
		BaseEvent:  newBase(EventTypeSignal),
		Symbol:     symbol,
		Direction:  direction,
		Origin:     origin,
		Score:      score,
		Entry:      entry,
		Stop:       stop,
		TakeProfit: takeProfit,
	}
}

// NewPositionEvent records a position opened by the cycle.
func NewPositionEvent(symbol, direction string, quantity int64, entry, current, unrealizedPnL decimal.Decimal) *PositionEvent {
	return &PositionEvent{
		BaseEvent:     newBase(EventTypePosition),
		Symbol:        symbol,
		Direction:     direction,
		Quantity:      quantity,
		EntryPrice:    entry,
		CurrentPrice:  current,
		UnrealizedPnL: unrealizedPnL,
	}
}

// NewRiskAlertEvent records a risk short-circuit.
func NewRiskAlertEvent(alertType, severity, message string, currentValue, threshold decimal.Decimal) *RiskAlertEvent {
	return &RiskAlertEvent{
		BaseEvent:    newBase(EventTypeRiskAlert),
		AlertType:    alertType,
		Severity:     severity,
		Message:      message,
		CurrentValue: currentValue,
		Threshold:    threshold,
	}
}

// NewCycleEvent summarizes one completed pipeline pass.
func NewCycleEvent(candidates, screened, vaultSurvivors, opened int) *CycleEvent {
	return &CycleEvent{
		BaseEvent:      newBase(EventTypeCycle),
		Candidates:     candidates,
		Screened:       screened,
		VaultSurvivors: vaultSurvivors,
		Opened:         opened,
	}
}
