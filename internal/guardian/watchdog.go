package guardian

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/pkg/types"
)

// MarketData is the subset of the market-data adapter the Guardian needs:
// a live quote per symbol, used both for open positions and for the
// VIX/SPY market-wide crash check.
type MarketData interface {
	Quote(ctx context.Context, symbol string) (types.Quote, error)
}

// StateManager is the slice of the State Core the Guardian acts against.
type StateManager interface {
	GetOpenPositions() []types.Position
	CurrentDrawdown() decimal.Decimal
	ActivateKillSwitch(reason string)
}

type pricePoint struct {
	price float64
	at    time.Time
}

// WatchdogConfig tunes the 1-minute price monitor.
type WatchdogConfig struct {
	Interval            time.Duration
	FlashCrashThreshold float64
	FlashCrashWindow    time.Duration
	PanicDDThreshold    float64
}

// DefaultWatchdogConfig returns the Watchdog's baseline tuning.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		Interval:            60 * time.Second,
		FlashCrashThreshold: 0.03,
		FlashCrashWindow:    5 * time.Minute,
		PanicDDThreshold:    0.04,
	}
}

// Watchdog is the Guardian's real-time price monitor: flash-crash/spike
// detection, stop/take-profit violation alerts, and the intraday panic
// protocol.
type Watchdog struct {
	logger *zap.Logger
	market MarketData
	state  StateManager
	closer *Closer
	bus    *AlertBus
	cfg    WatchdogConfig

	mu      sync.Mutex
	history map[string][]pricePoint
}

// NewWatchdog builds a Watchdog.
func NewWatchdog(logger *zap.Logger, market MarketData, state StateManager, closer *Closer, bus *AlertBus, cfg WatchdogConfig) *Watchdog {
	return &Watchdog{
		logger:  logger.Named("guardian.watchdog"),
		market:  market,
		state:   state,
		closer:  closer,
		bus:     bus,
		cfg:     cfg,
		history: make(map[string][]pricePoint),
	}
}

// Run loops the Watchdog's check until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	interval := w.cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one check cycle: the intraday panic protocol first, then a
// per-position flash-crash/stop/take-profit sweep.
func (w *Watchdog) Tick(ctx context.Context) {
	if w.checkIntradayPanic(ctx) {
		return
	}

	for _, position := range w.state.GetOpenPositions() {
		for _, alert := range w.checkPosition(ctx, position) {
			w.emit(alert)
		}
	}
}

func (w *Watchdog) emit(alert types.PriceAlert) {
	switch alert.Level {
	case types.AlertEmergency:
		w.logger.Error("emergency price alert", zap.String("symbol", alert.Symbol), zap.String("message", alert.Message))
	case types.AlertCritical:
		w.logger.Error("critical price alert", zap.String("symbol", alert.Symbol), zap.String("message", alert.Message))
	default:
		w.logger.Info("price alert", zap.String("symbol", alert.Symbol), zap.String("message", alert.Message))
	}
	w.bus.PublishPriceAlert(alert)

	if alert.Level == types.AlertEmergency && alert.AlertType == "flash_crash" && math.Abs(alert.ChangePct) > 10 {
		w.state.ActivateKillSwitch(fmt.Sprintf("flash crash of %.1f%% in %s", alert.ChangePct, alert.Symbol))
	}
}

// checkIntradayPanic implements the panic protocol: an intraday drawdown
// at or beyond the configured threshold closes every open position at
// market and latches the kill switch before any per-position check runs.
func (w *Watchdog) checkIntradayPanic(ctx context.Context) bool {
	dd, _ := w.state.CurrentDrawdown().Float64()
	if dd < w.cfg.PanicDDThreshold {
		return false
	}

	w.logger.Error("panic protocol triggered", zap.Float64("intraday_drawdown", dd))
	positions := w.state.GetOpenPositions()
	for _, p := range positions {
		if w.closer == nil {
			continue
		}
		if _, err := w.closer.CloseAtMarket(ctx, p); err != nil {
			w.logger.Error("panic protocol: closing position failed", zap.String("symbol", p.Symbol), zap.Error(err))
		}
	}
	w.state.ActivateKillSwitch(fmt.Sprintf("intraday drawdown %.2f%% >= panic threshold", dd*100))
	w.bus.PublishPriceAlert(types.PriceAlert{
		Symbol: "PORTFOLIO", AlertType: "panic_protocol", Level: types.AlertEmergency,
		Message: fmt.Sprintf("panic protocol: closed %d positions, intraday DD %.2f%%", len(positions), dd*100),
		Timestamp: time.Now(),
	})
	return true
}

func (w *Watchdog) checkPosition(ctx context.Context, position types.Position) []types.PriceAlert {
	quote, err := w.market.Quote(ctx, position.Symbol)
	if err != nil {
		w.logger.Warn("watchdog: quote lookup failed", zap.String("symbol", position.Symbol), zap.Error(err))
		return nil
	}
	current := quote.Price
	currentF, _ := current.Float64()

	var alerts []types.PriceAlert
	if changePct, triggered := w.pushAndCheckFlashMove(position.Symbol, currentF); triggered {
		marketWide := w.checkMarketWideCrash(ctx)
		level := types.AlertEmergency
		label := "ISOLATED"
		if marketWide {
			level = types.AlertCritical
			label = "MARKET-WIDE"
		}
		direction := "SPIKE"
		if changePct < 0 {
			direction = "CRASH"
		}
		alerts = append(alerts, types.PriceAlert{
			Symbol: position.Symbol, AlertType: "flash_crash", Level: level,
			Message:        fmt.Sprintf("FLASH %s: %.1f%% (5min) [%s]", direction, changePct*100, label),
			CurrentPrice:   current,
			ChangePct:      changePct * 100,
			Timestamp:      time.Now(),
		})
	}

	entryF, _ := position.EntryPrice.Float64()
	changeVsEntry := 0.0
	if entryF > 0 {
		changeVsEntry = (currentF - entryF) / entryF * 100
	}

	if position.Direction == types.DirectionLong {
		if !position.StopLoss.IsZero() && current.LessThanOrEqual(position.StopLoss) {
			alerts = append(alerts, stopAlert(position.Symbol, current, position.StopLoss, changeVsEntry))
		}
		if !position.TakeProfit1.IsZero() && current.GreaterThanOrEqual(position.TakeProfit1) {
			alerts = append(alerts, tpAlert(position.Symbol, current, position.TakeProfit1, changeVsEntry))
		}
	} else {
		if !position.StopLoss.IsZero() && current.GreaterThanOrEqual(position.StopLoss) {
			alerts = append(alerts, stopAlert(position.Symbol, current, position.StopLoss, -changeVsEntry))
		}
		if !position.TakeProfit1.IsZero() && current.LessThanOrEqual(position.TakeProfit1) {
			alerts = append(alerts, tpAlert(position.Symbol, current, position.TakeProfit1, -changeVsEntry))
		}
	}
	return alerts
}

func stopAlert(symbol string, current, stop decimal.Decimal, changePct float64) types.PriceAlert {
	return types.PriceAlert{
		Symbol: symbol, AlertType: "stop_violated", Level: types.AlertCritical,
		Message:        fmt.Sprintf("stop loss violated: %s vs stop %s", current.StringFixed(2), stop.StringFixed(2)),
		CurrentPrice:   current,
		ReferencePrice: stop,
		ChangePct:      changePct,
		Timestamp:      time.Now(),
	}
}

func tpAlert(symbol string, current, tp decimal.Decimal, changePct float64) types.PriceAlert {
	return types.PriceAlert{
		Symbol: symbol, AlertType: "take_profit_hit", Level: types.AlertInfo,
		Message:        fmt.Sprintf("take profit reached: %s", current.StringFixed(2)),
		CurrentPrice:   current,
		ReferencePrice: tp,
		ChangePct:      changePct,
		Timestamp:      time.Now(),
	}
}

// checkMarketWideCrash classifies a flash move as market-wide by tracking
// the same 5-minute ring for VIX and SPY: a VIX spike over 10% or an SPY
// drop beyond 2% in the window marks the move as systemic rather than
// isolated to the symbol being checked.
func (w *Watchdog) checkMarketWideCrash(ctx context.Context) bool {
	vixChange, vixOK := w.fetchAndCheck(ctx, "^VIX")
	if vixOK && vixChange > 0.10 {
		return true
	}
	spyChange, spyOK := w.fetchAndCheck(ctx, "SPY")
	if spyOK && spyChange < -0.02 {
		return true
	}
	return false
}

func (w *Watchdog) fetchAndCheck(ctx context.Context, symbol string) (float64, bool) {
	quote, err := w.market.Quote(ctx, symbol)
	if err != nil {
		w.logger.Warn("watchdog: market-wide check quote failed", zap.String("symbol", symbol), zap.Error(err))
		return 0, false
	}
	price, _ := quote.Price.Float64()
	change, triggered := w.pushAndCheckFlashMove(symbol, price)
	if !triggered {
		// still report the raw window change even if it didn't cross our
		// own flash-crash threshold; VIX/SPY have their own thresholds.
		w.mu.Lock()
		ring := w.history[symbol]
		w.mu.Unlock()
		if len(ring) < 2 {
			return 0, false
		}
		oldest := ring[0].price
		if oldest == 0 {
			return 0, false
		}
		return (price - oldest) / oldest, true
	}
	return change, true
}

// pushAndCheckFlashMove records a price sample into symbol's 5-minute ring
// and reports the window change whenever two or more samples exist.
func (w *Watchdog) pushAndCheckFlashMove(symbol string, price float64) (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	ring := append(w.history[symbol], pricePoint{price: price, at: now})
	cutoff := now.Add(-w.cfg.FlashCrashWindow)
	trimmed := ring[:0]
	for _, p := range ring {
		if !p.at.Before(cutoff) {
			trimmed = append(trimmed, p)
		}
	}
	w.history[symbol] = trimmed

	if len(trimmed) < 2 {
		return 0, false
	}
	oldest := trimmed[0].price
	if oldest == 0 {
		return 0, false
	}
	change := (price - oldest) / oldest
	return change, math.Abs(change) >= w.cfg.threshold()
}

func (c WatchdogConfig) threshold() float64 {
	if c.FlashCrashThreshold <= 0 {
		return 0.03
	}
	return c.FlashCrashThreshold
}
