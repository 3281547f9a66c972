// Package state implements the Shared State Core: the single serialized
// source of truth for capital, open positions, daily stats, and the kill
// switch. Every phase reads through a snapshot; every mutation goes through
// a State method holding the lock.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/pkg/types"
)

const capitalHistoryCap = 30

// Config tunes the State Core's drawdown and exposure limits.
type Config struct {
	MaxPositions      int
	MaxDrawdownDaily  decimal.Decimal
	MaxDrawdownTotal  decimal.Decimal
	WeeklyDDDefensive float64
	DailyDDDefensive  float64
	SectorExposureMax float64
}

// DefaultConfig returns the State Core's hard-coded defaults.
func DefaultConfig() Config {
	return Config{
		MaxPositions:      5,
		MaxDrawdownDaily:  decimal.NewFromFloat(0.02),
		MaxDrawdownTotal:  decimal.NewFromFloat(0.06),
		WeeklyDDDefensive: 0.05,
		DailyDDDefensive:  0.03,
		SectorExposureMax: 0.20,
	}
}

// SectorLookup resolves a symbol's sector, used to enforce sector exposure
// caps. A lookup failure buckets the symbol as "Unknown" per the documented
// fail-open behavior.
type SectorLookup func(symbol string) (sector string, ok bool)

// State is the engine's single source of truth. All access is serialized by
// mu; callers outside this package only ever see a Snapshot.
type State struct {
	logger *zap.Logger
	config Config
	sector SectorLookup

	mu sync.RWMutex

	systemState types.SystemState
	capital     decimal.Decimal
	positions   map[string]types.Position

	daily          types.DailyStats
	capitalHistory []types.CapitalSnapshot

	killSwitchActive bool
	killSwitchReason string
}

// New constructs a State Core with starting capital and today's date.
func New(logger *zap.Logger, cfg Config, startingCapital decimal.Decimal, sector SectorLookup) *State {
	if sector == nil {
		sector = func(string) (string, bool) { return "Unknown", false }
	} else {
		lookup := sector
		sector = func(symbol string) (string, bool) {
			name, ok := lookup(symbol)
			if !ok || name == "" {
				return "Unknown", false
			}
			return name, true
		}
	}
	today := time.Now().Format("2006-01-02")
	return &State{
		logger:      logger.Named("state"),
		config:      cfg,
		sector:      sector,
		systemState: types.SystemStateRunning,
		capital:     startingCapital,
		positions:   make(map[string]types.Position),
		daily: types.DailyStats{
			Date:            today,
			StartingCapital: startingCapital,
			CurrentCapital:  startingCapital,
		},
		capitalHistory: []types.CapitalSnapshot{
			{Date: today, Capital: startingCapital},
		},
	}
}

// Snapshot returns a consistent, immutable copy of the engine's state.
func (s *State) Snapshot() types.StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		positions = append(positions, p)
	}
	history := make([]types.CapitalSnapshot, len(s.capitalHistory))
	copy(history, s.capitalHistory)

	return types.StateSnapshot{
		SystemState:      s.systemState,
		Capital:          s.capital,
		Positions:        positions,
		DailyStats:       s.daily,
		CapitalHistory:   history,
		KillSwitchActive: s.killSwitchActive,
		KillSwitchReason: s.killSwitchReason,
	}
}

// Restore replaces the State Core's contents with a previously captured
// snapshot. Positions, capital, daily stats, capital history, and the
// kill-switch latch all round-trip exactly.
func (s *State) Restore(snap types.StateSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.systemState = snap.SystemState
	s.capital = snap.Capital
	s.positions = make(map[string]types.Position, len(snap.Positions))
	for _, p := range snap.Positions {
		s.positions[p.Symbol] = p
	}
	s.daily = snap.DailyStats
	s.capitalHistory = append([]types.CapitalSnapshot(nil), snap.CapitalHistory...)
	if len(s.capitalHistory) > capitalHistoryCap {
		s.capitalHistory = s.capitalHistory[len(s.capitalHistory)-capitalHistoryCap:]
	}
	s.killSwitchActive = snap.KillSwitchActive
	s.killSwitchReason = snap.KillSwitchReason
}

// RestoreCapitalHistory seeds the capital-history ring from persisted
// daily snapshots (oldest first), keeping today's live entry as the most
// recent. Used at startup to warm weekly-drawdown math across restarts.
func (s *State) RestoreCapitalHistory(history []types.CapitalSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := time.Now().Format("2006-01-02")
	merged := make([]types.CapitalSnapshot, 0, len(history)+1)
	for _, snap := range history {
		if snap.Date == today {
			continue
		}
		merged = append(merged, snap)
	}
	for _, snap := range s.capitalHistory {
		if snap.Date == today {
			merged = append(merged, snap)
		}
	}
	if len(merged) > capitalHistoryCap {
		merged = merged[len(merged)-capitalHistoryCap:]
	}
	s.capitalHistory = merged
}

// ErrMaxPositions is returned by AddPosition when the position cap is hit.
var ErrMaxPositions = fmt.Errorf("state: max open positions reached")

// ErrDuplicateSymbol is returned by AddPosition when the symbol already has
// an open position; the engine invariant forbids two open positions on the
// same symbol.
var ErrDuplicateSymbol = fmt.Errorf("state: symbol already has an open position")

// AddPosition opens a new position, enforcing the max-positions cap and the
// one-position-per-symbol invariant.
func (s *State) AddPosition(p types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[p.Symbol]; exists {
		return ErrDuplicateSymbol
	}
	if len(s.positions) >= s.config.MaxPositions {
		return ErrMaxPositions
	}
	s.positions[p.Symbol] = p
	s.logger.Info("position opened",
		zap.String("symbol", p.Symbol),
		zap.String("direction", string(p.Direction)),
		zap.Int64("quantity", p.Quantity))
	return nil
}

// RemovePosition closes a position and folds its realized P&L into the
// day's running stats.
func (s *State) RemovePosition(symbol string, exitPrice decimal.Decimal) (types.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	delete(s.positions, symbol)

	pnl := types.ComputePnL(p.Direction, p.EntryPrice, exitPrice, p.Quantity)
	s.daily.RealizedPnL = s.daily.RealizedPnL.Add(pnl)
	s.daily.CurrentCapital = s.daily.CurrentCapital.Add(pnl)
	s.capital = s.capital.Add(pnl)
	s.daily.TradesCount++
	if pnl.IsPositive() {
		s.daily.Wins++
	} else if pnl.IsNegative() {
		s.daily.Losses++
	}

	s.logger.Info("position closed",
		zap.String("symbol", symbol),
		zap.String("pnl", pnl.String()))
	return p, true
}

// UpdatePositionPrice refreshes a position's mark and unrealized P&L.
func (s *State) UpdatePositionPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[symbol]
	if !ok {
		return
	}
	p.CurrentPrice = price
	p.UnrealizedPnL = types.ComputePnL(p.Direction, p.EntryPrice, price, p.Quantity)
	s.positions[symbol] = p

	var unrealized decimal.Decimal
	for _, pos := range s.positions {
		unrealized = unrealized.Add(pos.UnrealizedPnL)
	}
	s.daily.UnrealizedPnL = unrealized
}

// UpdateStopLoss tightens (or sets) a held position's stop, used by the
// Guardian's trailing-stop and Friday-breakeven logic. Callers are expected
// to pass only tightening moves; this method does not itself enforce
// direction, since both callers already compute tightening-only deltas.
func (s *State) UpdateStopLoss(symbol string, stop decimal.Decimal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[symbol]
	if !ok {
		return false
	}
	p.StopLoss = stop
	s.positions[symbol] = p
	return true
}

// GetOpenPositions returns a copy of all open positions.
func (s *State) GetOpenPositions() []types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out
}

// GetPosition returns a single open position by symbol.
func (s *State) GetPosition(symbol string) (types.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[symbol]
	return p, ok
}

// CurrentDrawdown is |min(0, realized+unrealized)| / starting_capital.
func (s *State) CurrentDrawdown() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentDrawdownLocked()
}

func (s *State) currentDrawdownLocked() decimal.Decimal {
	if s.daily.StartingCapital.IsZero() {
		return decimal.Zero
	}
	combined := s.daily.RealizedPnL.Add(s.daily.UnrealizedPnL)
	if combined.IsPositive() {
		combined = decimal.Zero
	}
	return combined.Abs().Div(s.daily.StartingCapital)
}

// WeeklyDrawdown looks back 5 trading days in the capital history ring.
func (s *State) WeeklyDrawdown() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.capitalHistory)
	if n < 2 {
		return 0
	}
	lookback := 5
	if lookback > n-1 {
		lookback = n - 1
	}
	start := s.capitalHistory[n-1-lookback]
	latest := s.capitalHistory[n-1]
	if start.Capital.IsZero() {
		return 0
	}
	dd := start.Capital.Sub(latest.Capital).Div(start.Capital)
	f, _ := dd.Float64()
	if f < 0 {
		return 0
	}
	return f
}

// IsDefensiveMode reports whether weekly or daily drawdown crosses the
// defensive-mode thresholds.
func (s *State) IsDefensiveMode() bool {
	dailyDD, _ := s.CurrentDrawdown().Float64()
	return s.WeeklyDrawdown() >= s.config.WeeklyDDDefensive || dailyDD >= s.config.DailyDDDefensive
}

// DefensiveMultiplier is 0.5 under defensive mode, else 1.0.
func (s *State) DefensiveMultiplier() float64 {
	if s.IsDefensiveMode() {
		return 0.5
	}
	return 1.0
}

// CheckDrawdownLimits reports whether new risk may be taken on, activating
// the kill switch if the total-drawdown limit is breached.
func (s *State) CheckDrawdownLimits() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	dailyDD := s.currentDrawdownLocked()
	if dailyDD.GreaterThanOrEqual(s.config.MaxDrawdownTotal) {
		s.activateKillSwitchLocked(fmt.Sprintf("total drawdown %s exceeded limit %s", dailyDD, s.config.MaxDrawdownTotal))
		return false
	}
	if dailyDD.GreaterThanOrEqual(s.config.MaxDrawdownDaily) {
		s.logger.Warn("daily drawdown limit reached", zap.String("drawdown", dailyDD.String()))
		return false
	}
	return true
}

// UpdateCapitalHistory appends today's snapshot, truncating the ring to the
// most recent capitalHistoryCap entries.
func (s *State) UpdateCapitalHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := time.Now().Format("2006-01-02")
	snap := types.CapitalSnapshot{
		Date:          today,
		Capital:       s.daily.CurrentCapital,
		RealizedPnL:   s.daily.RealizedPnL,
		UnrealizedPnL: s.daily.UnrealizedPnL,
	}
	if n := len(s.capitalHistory); n > 0 && s.capitalHistory[n-1].Date == today {
		s.capitalHistory[n-1] = snap
	} else {
		s.capitalHistory = append(s.capitalHistory, snap)
	}
	if len(s.capitalHistory) > capitalHistoryCap {
		s.capitalHistory = s.capitalHistory[len(s.capitalHistory)-capitalHistoryCap:]
	}
}

// ResetDaily rolls daily_stats into a fresh session, carrying current
// capital forward as the new starting capital.
func (s *State) ResetDaily() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.daily = types.DailyStats{
		Date:            time.Now().Format("2006-01-02"),
		StartingCapital: s.capital,
		CurrentCapital:  s.capital,
	}
}

// ActivateKillSwitch halts all future trading until manually cleared.
func (s *State) ActivateKillSwitch(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activateKillSwitchLocked(reason)
}

func (s *State) activateKillSwitchLocked(reason string) {
	if s.killSwitchActive {
		return
	}
	s.killSwitchActive = true
	s.killSwitchReason = reason
	s.systemState = types.SystemStateKilled
	s.logger.Error("kill switch activated", zap.String("reason", reason))
}

// DeactivateKillSwitch manually clears the kill switch via the operator API.
func (s *State) DeactivateKillSwitch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killSwitchActive = false
	s.killSwitchReason = ""
	s.systemState = types.SystemStateRunning
	s.logger.Info("kill switch deactivated")
}

// IsKillSwitchActive reports whether trading is currently halted.
func (s *State) IsKillSwitchActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.killSwitchActive
}

// SectorExposure returns the fraction of capital currently deployed in a
// sector across open positions.
func (s *State) SectorExposure(sector string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.capital.IsZero() {
		return 0
	}
	var exposed decimal.Decimal
	for _, p := range s.positions {
		sym, _ := s.sector(p.Symbol)
		if sym == sector {
			price := p.CurrentPrice
			if price.IsZero() {
				price = p.EntryPrice
			}
			exposed = exposed.Add(price.Mul(decimal.NewFromInt(p.Quantity)))
		}
	}
	f, _ := exposed.Div(s.capital).Float64()
	return f
}

// CheckSectorExposure reports whether adding notional to sector would stay
// within the configured cap; a lookup miss still enforces the cap against
// the "Unknown" bucket rather than skipping the check.
func (s *State) CheckSectorExposure(symbol string, notional decimal.Decimal) bool {
	sector, _ := s.sector(symbol)
	current := s.SectorExposure(sector)

	s.mu.RLock()
	capital := s.capital
	s.mu.RUnlock()
	if capital.IsZero() {
		return true
	}
	added, _ := notional.Div(capital).Float64()
	return current+added <= s.config.SectorExposureMax
}
