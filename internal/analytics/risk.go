package analytics

import (
	"math"
	"sort"

	"github.com/iara-trader/engine/pkg/types"
)

const riskFreeRate = 0.05
const tradingDaysPerYear = 252

// DailyReturns converts a close-price series to percentage changes.
func DailyReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
	}
	return returns
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sumSq float64
	for _, x := range xs {
		sumSq += (x - m) * (x - m)
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}

// Volatility annualizes the standard deviation of the last window returns
// as a percentage: std(returns) * sqrt(252) * 100.
func Volatility(returns []float64, window int) float64 {
	if len(returns) == 0 {
		return 0
	}
	if window > len(returns) {
		window = len(returns)
	}
	sample := returns[len(returns)-window:]
	return stddev(sample) * math.Sqrt(tradingDaysPerYear) * 100
}

// SharpeRatio is (mean(returns)*252 - risk_free) / (std(returns)*sqrt(252)).
func SharpeRatio(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	annualizedReturn := mean(returns) * tradingDaysPerYear
	annualizedVol := stddev(returns) * math.Sqrt(tradingDaysPerYear)
	if annualizedVol == 0 {
		return 0
	}
	return (annualizedReturn - riskFreeRate) / annualizedVol
}

// MaxDrawdown is the largest peak-to-trough decline over the price series,
// as a positive percentage.
func MaxDrawdown(prices []float64) float64 {
	if len(prices) == 0 {
		return 0
	}
	peak := prices[0]
	maxDD := 0.0
	for _, p := range prices {
		if p > peak {
			peak = p
		}
		if peak > 0 {
			dd := (peak - p) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD * 100
}

func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	idx := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// VaR95 is the absolute value of the 5th percentile of returns, as a
// percentage.
func VaR95(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	return math.Abs(percentile(returns, 5)) * 100
}

// CVaR95 is the absolute mean of returns at or below the 5th percentile.
func CVaR95(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	cutoff := percentile(returns, 5)
	var tail []float64
	for _, r := range returns {
		if r <= cutoff {
			tail = append(tail, r)
		}
	}
	if len(tail) == 0 {
		return 0
	}
	return math.Abs(mean(tail)) * 100
}

// minAlignedObservations is the floor below which beta and correlation
// estimates are considered too noisy to trust.
const minAlignedObservations = 20

// Beta is cov(asset, benchmark) / var(benchmark), falling back to 1.0 when
// fewer than minAlignedObservations aligned returns are available or the
// benchmark has zero variance.
func Beta(assetReturns, benchmarkReturns []float64) float64 {
	n := len(assetReturns)
	if len(benchmarkReturns) < n {
		n = len(benchmarkReturns)
	}
	if n < minAlignedObservations {
		return 1.0
	}
	a := assetReturns[len(assetReturns)-n:]
	b := benchmarkReturns[len(benchmarkReturns)-n:]

	meanA, meanB := mean(a), mean(b)
	var cov, varB float64
	for i := 0; i < n; i++ {
		cov += (a[i] - meanA) * (b[i] - meanB)
		varB += (b[i] - meanB) * (b[i] - meanB)
	}
	cov /= float64(n - 1)
	varB /= float64(n - 1)
	if varB <= 0 {
		return 1.0
	}
	return cov / varB
}

// Correlation is the Pearson correlation of two daily-return series,
// requiring at least minAlignedObservations aligned points, else 0.
func Correlation(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < minAlignedObservations {
		return 0
	}
	xa := a[len(a)-n:]
	xb := b[len(b)-n:]
	meanA, meanB := mean(xa), mean(xb)

	var num, sumA2, sumB2 float64
	for i := 0; i < n; i++ {
		da := xa[i] - meanA
		db := xb[i] - meanB
		num += da * db
		sumA2 += da * da
		sumB2 += db * db
	}
	denom := math.Sqrt(sumA2 * sumB2)
	if denom == 0 {
		return 0
	}
	return num / denom
}

// RiskMetricsFor computes a RiskMetrics struct for symbol from its own
// close-price history and a benchmark (e.g. SPY) close-price history.
func RiskMetricsFor(symbol string, closes, benchmarkCloses []float64) types.RiskMetrics {
	returns := DailyReturns(closes)
	benchmarkReturns := DailyReturns(benchmarkCloses)
	return types.RiskMetrics{
		Symbol:        symbol,
		Beta:          Beta(returns, benchmarkReturns),
		Volatility20d: Volatility(returns, 20),
		Volatility60d: Volatility(returns, 60),
		SharpeRatio:   SharpeRatio(returns),
		MaxDrawdown:   MaxDrawdown(closes),
		VaR95:         VaR95(returns),
		CVaR95:        CVaR95(returns),
	}
}

// KellyCriterion computes the half-Kelly position fraction, capped at 0.25
// and floored at 0.
func KellyCriterion(winRate, avgWin, avgLoss float64) float64 {
	if avgLoss == 0 || avgWin == 0 {
		return 0
	}
	lossRatio := avgWin / math.Abs(avgLoss)
	if lossRatio == 0 {
		return 0
	}
	k := winRate - (1-winRate)/lossRatio
	capped := math.Min(0.5*k, 0.25)
	if capped < 0 {
		return 0
	}
	return capped
}

// BetaAdjustment is the boundary-exact beta-adjusted sizing multiplier.
// Returns 0.0 to signal an outright reject.
func BetaAdjustment(beta, volumeRatio, betaNormal, betaAggressive float64) float64 {
	if beta < betaNormal {
		return 1.0
	}
	if beta < betaAggressive {
		return 0.75
	}
	if volumeRatio >= 2.0 {
		return 0.5
	}
	return 0.0
}
