package analytics

import (
	"math"
	"testing"
)

func approxEqual(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestBetaFallsBackBelowMinObservations(t *testing.T) {
	short := make([]float64, 10)
	if beta := Beta(short, short); beta != 1.0 {
		t.Errorf("Beta() = %v, want fallback 1.0", beta)
	}
}

func TestCorrelationRequiresMinObservations(t *testing.T) {
	short := []float64{0.01, 0.02, -0.01}
	if c := Correlation(short, short); c != 0 {
		t.Errorf("Correlation() = %v, want 0 below min observations", c)
	}
}

func TestCorrelationPerfectlyCorrelatedSeries(t *testing.T) {
	a := make([]float64, 25)
	for i := range a {
		a[i] = float64(i) * 0.01
	}
	if c := Correlation(a, a); !approxEqual(c, 1.0, 1e-9) {
		t.Errorf("Correlation(a, a) = %v, want 1.0", c)
	}
}

func TestKellyCriterionFloorsAtZero(t *testing.T) {
	// Poor win rate relative to payoff ratio should floor at 0, not go negative.
	if k := KellyCriterion(0.2, 1.0, 1.0); k != 0 {
		t.Errorf("KellyCriterion() = %v, want 0", k)
	}
}

func TestKellyCriterionCapsAtQuarter(t *testing.T) {
	if k := KellyCriterion(0.9, 3.0, 1.0); k != 0.25 {
		t.Errorf("KellyCriterion() = %v, want capped 0.25", k)
	}
}

func TestBetaAdjustmentBoundaries(t *testing.T) {
	cases := []struct {
		beta, volRatio, want float64
	}{
		{1.99, 0, 1.0},
		{2.0, 0, 0.75},
		{3.0, 2.0, 0.5},
		{3.0, 1.99, 0.0},
	}
	for _, c := range cases {
		got := BetaAdjustment(c.beta, c.volRatio, 2.0, 3.0)
		if got != c.want {
			t.Errorf("BetaAdjustment(%v, %v) = %v, want %v", c.beta, c.volRatio, got, c.want)
		}
	}
}

func TestMaxDrawdownSimpleSeries(t *testing.T) {
	prices := []float64{100, 110, 90, 95, 120}
	dd := MaxDrawdown(prices)
	want := (110.0 - 90.0) / 110.0 * 100
	if !approxEqual(dd, want, 1e-9) {
		t.Errorf("MaxDrawdown() = %v, want %v", dd, want)
	}
}

func TestVaR95AndCVaR95OrderRelation(t *testing.T) {
	returns := []float64{0.01, -0.02, 0.015, -0.05, 0.02, -0.01, 0.03, -0.04, 0.005, -0.03,
		0.01, -0.02, 0.015, -0.05, 0.02, -0.01, 0.03, -0.04, 0.005, -0.03, -0.06}
	v := VaR95(returns)
	c := CVaR95(returns)
	if c < v {
		t.Errorf("CVaR95() = %v should be >= VaR95() = %v (tail beyond the percentile)", c, v)
	}
}
