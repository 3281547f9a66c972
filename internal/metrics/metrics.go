// Package metrics registers the engine's Prometheus collectors. Every
// value here is a read-only derivative of the State Core or a phase
// output; the collectors are never a second source of truth. They are
// served by the operator API's /metrics endpoint off the default
// registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts completed Phase 0-4 pipeline runs.
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "cycles_total",
		Help:      "Completed Phase 0-4 pipeline cycles.",
	})

	// PhaseSurvivors tracks how many candidates survived each phase of
	// the most recent cycle.
	PhaseSurvivors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "phase_survivors",
		Help:      "Candidates surviving each phase in the latest cycle.",
	}, []string{"phase"})

	// AICallsTotal counts AI provider calls by provider and outcome.
	AICallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "ai_calls_total",
		Help:      "AI provider calls issued, by provider and outcome.",
	}, []string{"provider", "outcome"})

	// PositionsOpenedTotal counts positions opened by Phase 4.
	PositionsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "positions_opened_total",
		Help:      "Positions opened by execution.",
	})

	// KillSwitchActive is 1 while the kill switch is latched.
	KillSwitchActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "kill_switch_active",
		Help:      "Whether the kill switch is currently latched (0 or 1).",
	})

	// OpenPositions is the current open-position count.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "open_positions",
		Help:      "Currently open positions.",
	})

	// CurrentDrawdown is today's intraday drawdown fraction.
	CurrentDrawdown = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "current_drawdown",
		Help:      "Intraday drawdown as a fraction of starting capital.",
	})

	// WeeklyDrawdown is the 5-trading-day drawdown fraction.
	WeeklyDrawdown = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "weekly_drawdown",
		Help:      "Drawdown over the last 5 trading days as a fraction.",
	})
)

// SetKillSwitch maps the latch state onto the gauge.
func SetKillSwitch(active bool) {
	if active {
		KillSwitchActive.Set(1)
	} else {
		KillSwitchActive.Set(0)
	}
}
