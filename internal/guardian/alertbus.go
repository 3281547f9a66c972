// Package guardian implements Phase 5: Watchdog, Sentinel, and Poison-Pill,
// the three always-on monitors that run alongside the phased pipeline and
// never block it. All three fan their findings out through a shared,
// bounded alert bus instead of calling handlers directly.
package guardian

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/iara-trader/engine/pkg/types"
)

// AlertHandler receives every alert the guardians emit. A handler must not
// block; the bus already runs it on its own worker, but a slow handler
// still delays that worker's next delivery.
type AlertHandler interface {
	HandlePriceAlert(alert types.PriceAlert)
	HandleNewsAlert(alert types.NewsAlert)
	HandlePoisonPillEvent(event types.PoisonPillEvent)
}

type busEvent struct {
	price      *types.PriceAlert
	news       *types.NewsAlert
	poisonPill *types.PoisonPillEvent
}

// AlertBus fans alerts out to every registered handler over a bounded
// channel worked by a small pool of goroutines; a full channel drops the
// oldest queued event rather than blocking the emitting guardian.
type AlertBus struct {
	logger   *zap.Logger
	mu       sync.RWMutex
	handlers []AlertHandler

	events  chan busEvent
	dropped atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAlertBus builds an AlertBus with the given channel buffer and worker
// count.
func NewAlertBus(logger *zap.Logger, bufferSize, workers int) *AlertBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if workers <= 0 {
		workers = 2
	}
	bus := &AlertBus{
		logger: logger.Named("guardian.alertbus"),
		events: make(chan busEvent, bufferSize),
		stop:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		bus.wg.Add(1)
		go bus.worker()
	}
	return bus
}

// Register adds a handler to the fan-out list.
func (b *AlertBus) Register(h AlertHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *AlertBus) worker() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.events:
			b.dispatch(ev)
		case <-b.stop:
			return
		}
	}
}

func (b *AlertBus) dispatch(ev busEvent) {
	b.mu.RLock()
	handlers := make([]AlertHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		switch {
		case ev.price != nil:
			h.HandlePriceAlert(*ev.price)
		case ev.news != nil:
			h.HandleNewsAlert(*ev.news)
		case ev.poisonPill != nil:
			h.HandlePoisonPillEvent(*ev.poisonPill)
		}
	}
}

func (b *AlertBus) publish(ev busEvent) {
	select {
	case b.events <- ev:
	default:
		select {
		case <-b.events:
			b.dropped.Add(1)
			b.logger.Warn("alert bus full, dropped oldest queued event")
		default:
		}
		select {
		case b.events <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("alert bus full, dropped new event")
		}
	}
}

// PublishPriceAlert queues a PriceAlert for fan-out.
func (b *AlertBus) PublishPriceAlert(a types.PriceAlert) { b.publish(busEvent{price: &a}) }

// PublishNewsAlert queues a NewsAlert for fan-out.
func (b *AlertBus) PublishNewsAlert(a types.NewsAlert) { b.publish(busEvent{news: &a}) }

// PublishPoisonPillEvent queues a PoisonPillEvent for fan-out.
func (b *AlertBus) PublishPoisonPillEvent(e types.PoisonPillEvent) { b.publish(busEvent{poisonPill: &e}) }

// Dropped returns the number of events dropped for a full buffer so far.
func (b *AlertBus) Dropped() int64 { return b.dropped.Load() }

// Close stops the bus's workers. Safe to call more than once; the
// orchestrator and the owning process both close the bus on shutdown.
func (b *AlertBus) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
}
