// Package orchestrator runs the engine's daily cycle: Phase 0 through
// Phase 4 at their scheduled wall-clock times, and the Phase 5 Guardian
// tasks continuously alongside them. It owns nothing of its own beyond the
// scheduling and wiring; every decision is made inside the phase it calls.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/internal/analytics"
	"github.com/iara-trader/engine/internal/broker"
	"github.com/iara-trader/engine/internal/config"
	"github.com/iara-trader/engine/internal/decisionstore"
	"github.com/iara-trader/engine/internal/events"
	"github.com/iara-trader/engine/internal/guardian"
	"github.com/iara-trader/engine/internal/metrics"
	"github.com/iara-trader/engine/internal/phase0"
	"github.com/iara-trader/engine/internal/phase1"
	"github.com/iara-trader/engine/internal/phase2"
	"github.com/iara-trader/engine/internal/phase3"
	"github.com/iara-trader/engine/internal/phase4"
	"github.com/iara-trader/engine/internal/state"
	"github.com/iara-trader/engine/pkg/types"
)

// MarketData is the subset of the market-data adapter the orchestrator
// itself needs, beyond what it hands to each phase: building the Judge's
// technical snapshot and pricing open positions for the paper broker's
// trigger sweep.
type MarketData interface {
	Quote(ctx context.Context, symbol string) (types.Quote, error)
	OHLCV(ctx context.Context, symbol string, lookbackDays int) ([]types.OHLCV, error)
	Macro(ctx context.Context) (types.MacroSnapshot, error)
}

// TriggerChecker is implemented by brokers (the Paper broker) whose resting
// orders must be polled against new prices rather than reported
// asynchronously by a venue.
type TriggerChecker interface {
	CheckTriggers(ctx context.Context, symbol string, price decimal.Decimal) []types.Order
}

// Orchestrator wires every phase and Guardian task together and drives them
// on a fixed daily wall-clock schedule.
type Orchestrator struct {
	logger *zap.Logger
	cfg    *config.Config

	market MarketData
	state  *state.State
	store  *decisionstore.Store
	br     broker.Broker

	buzz     *phase0.BuzzFactory
	screener *phase1.Screener
	vault    *phase2.Vault
	judge    *phase3.Judge
	executor *phase4.Executor

	watchdog   *guardian.Watchdog
	sentinel   *guardian.Sentinel
	poisonPill *guardian.PoisonPill
	bus        *guardian.AlertBus

	// events is the internal telemetry bus: every cycle's signals, fills,
	// and risk alerts are published here for the operator API's stats feed.
	// It is distinct from bus, which fans Guardian alerts out to handlers
	// (Telegram, log sinks) rather than recording throughput stats.
	events *events.EventBus

	mu          sync.Mutex
	lastPhase0  string // date string, "" if not yet run today
	lastPhase14 string
	// pendingCandidates holds the 08:00 Phase 0 run's filtered survivors for
	// the 10:30 cycle to consume; pendingDate scopes them to one calendar day.
	pendingCandidates []types.Candidate
	pendingDate       string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Orchestrator from its fully-constructed components. Callers
// (cmd/server/main.go) are responsible for wiring each phase's own
// dependencies; the orchestrator only sequences them.
func New(
	logger *zap.Logger,
	cfg *config.Config,
	market MarketData,
	st *state.State,
	store *decisionstore.Store,
	br broker.Broker,
	buzz *phase0.BuzzFactory,
	screener *phase1.Screener,
	vault *phase2.Vault,
	judge *phase3.Judge,
	executor *phase4.Executor,
	watchdog *guardian.Watchdog,
	sentinel *guardian.Sentinel,
	poisonPill *guardian.PoisonPill,
	bus *guardian.AlertBus,
) *Orchestrator {
	return &Orchestrator{
		logger:     logger.Named("orchestrator"),
		cfg:        cfg,
		market:     market,
		state:      st,
		store:      store,
		br:         br,
		buzz:       buzz,
		screener:   screener,
		vault:      vault,
		judge:      judge,
		executor:   executor,
		watchdog:   watchdog,
		sentinel:   sentinel,
		poisonPill: poisonPill,
		bus:        bus,
		events:     events.NewEventBus(logger.Named("events"), events.DefaultConfig()),
	}
}

// EventBus exposes the internal telemetry bus so the operator API can
// surface its throughput stats.
func (o *Orchestrator) EventBus() *events.EventBus { return o.events }

// Start launches the Guardian tasks and the wall-clock scheduler loop in
// background goroutines and returns immediately.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(4)
	go func() { defer o.wg.Done(); o.watchdog.Run(ctx) }()
	go func() { defer o.wg.Done(); o.sentinel.Run(ctx) }()
	go func() { defer o.wg.Done(); o.poisonPill.Run(ctx) }()
	go func() { defer o.wg.Done(); o.scheduleLoop(ctx) }()

	o.logger.Info("orchestrator started")
}

// Stop cancels every background task and waits for them to exit.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.bus.Close()
	o.events.Close()
	o.logger.Info("orchestrator stopped")
}

// scheduleLoop wakes once a minute, fires Phase 0 and Phases 1-4 at their
// configured times (once per calendar day each), rolls the daily stats over
// at midnight, and ticks the paper broker's resting orders against fresh
// quotes for every open position.
func (o *Orchestrator) scheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.tick(ctx, now)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context, now time.Time) {
	today := now.Format("2006-01-02")
	clock := now.Format("15:04")

	if clock == "00:00" {
		o.rollDaily(ctx)
	}

	o.tickPaperFills(ctx)
	o.observeState()

	if o.state.IsKillSwitchActive() {
		return
	}

	o.mu.Lock()
	ranPhase0 := o.lastPhase0 == today
	ranPhase14 := o.lastPhase14 == today
	o.mu.Unlock()

	if !ranPhase0 && clock >= o.cfg.Schedule.Phase0Time {
		o.mu.Lock()
		o.lastPhase0 = today
		o.mu.Unlock()
		o.runPhase0(ctx)
	}
	if !ranPhase14 && clock >= o.cfg.Schedule.Phase1To4Time && isMarketOpen(o.cfg.Schedule, now) {
		o.mu.Lock()
		o.lastPhase14 = today
		o.mu.Unlock()
		if err := o.RunCycle(ctx); err != nil {
			o.logger.Warn("scheduled cycle did not complete", zap.Error(err))
		}
	}
}

// isMarketOpen reports whether now falls within the configured
// market_open/market_close window (local time, HH:MM).
func isMarketOpen(sched config.ScheduleConfig, now time.Time) bool {
	clock := now.Format("15:04")
	return clock >= sched.MarketOpen && clock <= sched.MarketClose
}

func (o *Orchestrator) rollDaily(ctx context.Context) {
	o.state.UpdateCapitalHistory()
	snap := o.state.Snapshot()
	if len(snap.CapitalHistory) > 0 {
		latest := snap.CapitalHistory[len(snap.CapitalHistory)-1]
		if err := o.store.AppendCapitalSnapshot(ctx, latest); err != nil {
			o.logger.Warn("orchestrator: persisting capital snapshot failed", zap.Error(err))
		}
	}
	if err := o.store.ClearOldCache(ctx); err != nil {
		o.logger.Warn("orchestrator: clearing expired decision cache failed", zap.Error(err))
	}
	o.state.ResetDaily()
	o.logger.Info("daily stats rolled over")
}

// observeState refreshes the process-level gauges from the State Core.
func (o *Orchestrator) observeState() {
	metrics.SetKillSwitch(o.state.IsKillSwitchActive())
	metrics.OpenPositions.Set(float64(len(o.state.GetOpenPositions())))
	dd, _ := o.state.CurrentDrawdown().Float64()
	metrics.CurrentDrawdown.Set(dd)
	metrics.WeeklyDrawdown.Set(o.state.WeeklyDrawdown())
}

// tickPaperFills resolves resting orders for every open position against a
// fresh quote; brokers that report fills asynchronously (a live venue) are
// a no-op here.
func (o *Orchestrator) tickPaperFills(ctx context.Context) {
	checker, ok := o.br.(TriggerChecker)
	if !ok {
		return
	}
	for _, p := range o.state.GetOpenPositions() {
		quote, err := o.market.Quote(ctx, p.Symbol)
		if err != nil {
			continue
		}
		o.state.UpdatePositionPrice(p.Symbol, quote.Price)
		checker.CheckTriggers(ctx, p.Symbol, quote.Price)
	}
}

// runPhase0 generates and filters the day's candidate list and stores the
// survivors for the scheduled cycle to consume. Running Phase 0 in its own
// pre-market slot matters: the gap scan only fires inside its
// premarket/early-market window, so a 10:30 re-scan would lose every
// gap-sourced candidate.
func (o *Orchestrator) runPhase0(ctx context.Context) {
	o.logger.Info("phase 0: buzz factory starting")
	candidates, err := o.buzz.GenerateDailyBuzz(ctx, false)
	if err != nil {
		o.logger.Error("phase 0 failed", zap.Error(err))
		return
	}
	candidates, err = o.buzz.ApplyFilters(ctx, candidates)
	if err != nil {
		o.logger.Error("phase 0 filters failed", zap.Error(err))
		return
	}
	o.storePhase0Survivors(candidates)
	o.logger.Info("phase 0 complete, survivors stored", zap.Int("candidates", len(candidates)))
}

// storePhase0Survivors parks Phase 0's filtered output for the same-day
// cycle; a second store on the same day replaces the previous list.
func (o *Orchestrator) storePhase0Survivors(candidates []types.Candidate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pendingCandidates = candidates
	o.pendingDate = time.Now().Format("2006-01-02")
}

// takePhase0Survivors consumes the stored Phase 0 output, returning ok=false
// when nothing was stored today (the list is cleared on take so a second
// cycle the same day re-scans rather than replaying stale candidates).
func (o *Orchestrator) takePhase0Survivors() ([]types.Candidate, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pendingDate != time.Now().Format("2006-01-02") {
		return nil, false
	}
	candidates := o.pendingCandidates
	o.pendingCandidates = nil
	o.pendingDate = ""
	return candidates, true
}

// RunCycle runs Phases 0 through 4 once, end to end. The scheduler calls it
// at Phase1To4Time; the CLI's "cycle" subcommand calls it directly for a
// manual or test run.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	if o.state.IsKillSwitchActive() {
		o.logger.Warn("cycle skipped: kill switch active")
		o.events.Publish(events.NewRiskAlertEvent("kill_switch", "critical", "cycle skipped: kill switch active", decimal.Zero, decimal.Zero))
		return fmt.Errorf("orchestrator: kill switch active")
	}
	if !o.state.CheckDrawdownLimits() {
		o.logger.Warn("cycle skipped: drawdown limits breached")
		o.events.Publish(events.NewRiskAlertEvent("drawdown", "critical", "cycle skipped: drawdown limits breached", o.state.CurrentDrawdown(), o.cfg.Risk.MaxDrawdownTotal))
		return fmt.Errorf("orchestrator: drawdown limits breached")
	}

	// The pre-market runPhase0 pass stores its survivors for this cycle;
	// only a manual cycle with no stored list (the CLI's "cycle" command, or
	// a process started after 08:00) scans from scratch here.
	candidates, stored := o.takePhase0Survivors()
	if !stored {
		var err error
		candidates, err = o.buzz.GenerateDailyBuzz(ctx, false)
		if err != nil {
			return fmt.Errorf("phase 0: %w", err)
		}
		candidates, err = o.buzz.ApplyFilters(ctx, candidates)
		if err != nil {
			return fmt.Errorf("phase 0 filters: %w", err)
		}
	}
	candidates = phase1.FilterDuplicates(candidates, o.state)
	metrics.PhaseSurvivors.WithLabelValues("phase0").Set(float64(len(candidates)))
	if len(candidates) == 0 {
		o.logger.Info("cycle complete: no candidates after filtering")
		return nil
	}
	byID := make(map[string]types.Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.Symbol] = c
	}

	screenerResults := o.screener.ScreenBatch(ctx, candidates)
	passed := phase1.PassedCandidates(screenerResults)
	metrics.PhaseSurvivors.WithLabelValues("phase1").Set(float64(len(passed)))
	if len(passed) == 0 {
		o.logger.Info("cycle complete: no candidates passed the screener")
		return nil
	}

	screenerBySymbol := make(map[string]types.ScreenerResult, len(passed))
	for _, r := range passed {
		screenerBySymbol[r.Symbol] = r
	}
	survivors := survivorsOf(byID, passed)

	snap := o.state.Snapshot()
	estimatedPositionValue, _ := snap.Capital.Mul(o.cfg.Risk.RiskPerTrade).Float64()

	vaultResults, vaultRejects := o.vault.EvaluateBatch(ctx, survivors, screenerBySymbol, estimatedPositionValue)
	metrics.PhaseSurvivors.WithLabelValues("phase2").Set(float64(len(vaultResults)))
	for _, rej := range vaultRejects {
		o.logger.Info("vault rejected candidate", zap.String("symbol", rej.Symbol), zap.String("reason", rej.Reason))
	}

	opened := 0
	for _, vr := range vaultResults {
		candidate := byID[vr.Symbol]
		decision, err := o.adjudicate(ctx, candidate, vr)
		if err != nil {
			o.logger.Error("judge evaluation failed", zap.String("symbol", vr.Symbol), zap.Error(err))
			continue
		}
		if !decision.Approved() {
			continue
		}
		if !phase3.ValidateDecision(decision, o.state.GetOpenPositions()) {
			o.logger.Info("decision failed post-validation", zap.String("symbol", vr.Symbol))
			continue
		}
		o.events.Publish(events.NewSignalEvent(decision.Symbol, string(decision.Direction), "judge", decision.FinalScore, decision.Entry, decision.Stop, decision.TP1))

		position, rej := o.executor.Execute(ctx, snap.Capital, phase4.Input{
			Decision:       decision,
			Tier:           candidate.Tier,
			BetaMultiplier: vr.BetaMultiplier,
		})
		if rej != nil {
			o.logger.Info("execution declined", zap.String("symbol", rej.Symbol), zap.String("reason", rej.Reason))
			continue
		}
		o.logger.Info("position opened by cycle", zap.String("symbol", position.Symbol))
		metrics.PositionsOpenedTotal.Inc()
		o.events.Publish(events.NewPositionEvent(position.Symbol, string(position.Direction), position.Quantity, position.EntryPrice, position.CurrentPrice, position.UnrealizedPnL))
		opened++
	}

	metrics.PhaseSurvivors.WithLabelValues("phase4").Set(float64(opened))
	metrics.CyclesTotal.Inc()
	o.events.Publish(events.NewCycleEvent(len(candidates), len(passed), len(vaultResults), opened))
	o.logger.Info("cycle complete",
		zap.Int("candidates", len(candidates)), zap.Int("screened", len(passed)),
		zap.Int("vault_survivors", len(vaultResults)), zap.Int("opened", opened))
	return nil
}

// adjudicate builds the Judge's Input for one Vault survivor and evaluates
// it.
func (o *Orchestrator) adjudicate(ctx context.Context, candidate types.Candidate, vr phase2.Result) (types.TradeDecision, error) {
	quote, err := o.market.Quote(ctx, candidate.Symbol)
	if err != nil {
		return types.TradeDecision{}, fmt.Errorf("quote: %w", err)
	}
	bars, err := o.market.OHLCV(ctx, candidate.Symbol, 60)
	if err != nil {
		return types.TradeDecision{}, fmt.Errorf("ohlcv: %w", err)
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		f, _ := b.Close.Float64()
		closes[i] = f
	}
	pivots := analytics.SupportResistance(bars)
	trend := analytics.SuperTrend(bars, o.cfg.Technical.SuperTrendPeriod, o.cfg.Technical.SuperTrendMultiplier)

	macro, err := o.market.Macro(ctx)
	if err != nil {
		o.logger.Warn("macro snapshot failed, judging without it", zap.Error(err))
	}

	input := phase3.Input{
		Symbol:        candidate.Symbol,
		ScreenerScore: vr.ScreenerResult.Score,
		Quote:         quote,
		Macro:         macro,
		Technical: phase3.TechnicalSnapshot{
			RSI:        analytics.RSI(closes, o.cfg.Technical.RSIPeriod),
			Trend:      trend.Direction,
			Support:    pivots.Support,
			Resistance: pivots.Resistance,
			ATR:        analytics.ATR(bars, o.cfg.Technical.ATRPeriod),
		},
		Risk:            vr.RiskMetrics,
		CandidateCloses: closes,
		NewsText:        candidate.NewsContent,
	}
	return o.judge.Evaluate(ctx, input), nil
}

func survivorsOf(byID map[string]types.Candidate, passed []types.ScreenerResult) []types.Candidate {
	out := make([]types.Candidate, 0, len(passed))
	for _, r := range passed {
		if c, ok := byID[r.Symbol]; ok {
			out = append(out, c)
		}
	}
	return out
}
