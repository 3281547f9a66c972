package phase4

import (
	"math"
	"sync"

	"github.com/iara-trader/engine/internal/analytics"
)

// TradeResult is one closed trade's outcome, fed to the Tracker from the
// Decision Store's trade_history rows.
type TradeResult struct {
	Symbol    string
	ReturnPct float64
	IsWin     bool
}

// Stats summarizes the Tracker's trade history.
type Stats struct {
	TotalTrades int
	Wins        int
	Losses      int
	WinRate     float64
	AvgWin      float64
	AvgLoss     float64
}

// Tracker accumulates closed-trade results and exposes a Kelly sizing hint
// derived from the running win rate and average win/loss. Execution's own
// position-size formula is authoritative; the Kelly hint here is advisory,
// logged alongside a sized position rather than substituted into the
// formula.
type Tracker struct {
	mu      sync.RWMutex
	history []TradeResult
	lookback int
}

// NewTracker builds a Tracker whose history is trimmed back to the most
// recent lookback trades whenever it grows past twice lookback.
func NewTracker(lookback int) *Tracker {
	if lookback <= 0 {
		lookback = 100
	}
	return &Tracker{lookback: lookback}
}

// Record appends a closed trade's result.
func (t *Tracker) Record(result TradeResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, result)
	if len(t.history) > t.lookback*2 {
		t.history = t.history[len(t.history)-t.lookback:]
	}
}

// Stats computes the current win-rate/avg-win/avg-loss summary.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var s Stats
	s.TotalTrades = len(t.history)
	if s.TotalTrades == 0 {
		return s
	}

	var sumWins, sumLosses float64
	for _, r := range t.history {
		if r.IsWin {
			s.Wins++
			sumWins += r.ReturnPct
		} else {
			s.Losses++
			sumLosses += math.Abs(r.ReturnPct)
		}
	}
	s.WinRate = float64(s.Wins) / float64(s.TotalTrades)
	if s.Wins > 0 {
		s.AvgWin = sumWins / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = sumLosses / float64(s.Losses)
	}
	return s
}

// KellyHint returns the half-Kelly fraction analytics.KellyCriterion would
// suggest given the Tracker's current statistics, or 0 with fewer than 10
// trades of history (too little signal to act on).
func (t *Tracker) KellyHint() float64 {
	s := t.Stats()
	if s.TotalTrades < 10 {
		return 0
	}
	return analytics.KellyCriterion(s.WinRate, s.AvgWin, s.AvgLoss)
}
