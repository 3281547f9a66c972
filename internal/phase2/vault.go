// Package phase2 implements the Vault: the risk gate between the Screener
// and the Judge. It hard-vetoes candidates that correlate too strongly with
// the open portfolio or carry an unacceptable beta/volume profile, and
// blocks anything that would push a sector over its exposure cap.
package phase2

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/internal/analytics"
	"github.com/iara-trader/engine/internal/config"
	"github.com/iara-trader/engine/internal/state"
	"github.com/iara-trader/engine/pkg/types"
)

// MarketData is the subset of the market-data adapter the Vault needs.
type MarketData interface {
	OHLCV(ctx context.Context, symbol string, lookbackDays int) ([]types.OHLCV, error)
}

// Result is a survivor's Vault output: the candidate's screener result,
// computed risk metrics, and the beta-adjusted sizing multiplier.
type Result struct {
	Symbol          string
	ScreenerResult  types.ScreenerResult
	RiskMetrics     types.RiskMetrics
	BetaMultiplier  float64
}

// RejectReason explains why a candidate did not survive the Vault.
type RejectReason struct {
	Symbol string
	Reason string
}

// Vault is Phase 2 of the pipeline.
type Vault struct {
	logger     *zap.Logger
	market     MarketData
	state      *state.State
	risk       config.RiskConfig
	phase2     config.Phase2Config
	benchmark  string
}

// New builds a Vault. benchmark is the symbol used for beta computation
// (e.g. "SPY").
func New(logger *zap.Logger, market MarketData, st *state.State, risk config.RiskConfig, phase2 config.Phase2Config, benchmark string) *Vault {
	if benchmark == "" {
		benchmark = "SPY"
	}
	return &Vault{
		logger:    logger.Named("phase2"),
		market:    market,
		state:     st,
		risk:      risk,
		phase2:    phase2,
		benchmark: benchmark,
	}
}

// Evaluate runs the five-step Vault sequence for a single screener-passed
// candidate, returning either a survivor Result or a RejectReason.
func (v *Vault) Evaluate(ctx context.Context, candidate types.Candidate, screener types.ScreenerResult, estimatedPositionValue float64) (*Result, *RejectReason) {
	symbol := candidate.Symbol

	candidateBars, err := v.market.OHLCV(ctx, symbol, 60)
	if err != nil || len(candidateBars) == 0 {
		return nil, &RejectReason{Symbol: symbol, Reason: "no price history available"}
	}
	benchmarkBars, err := v.market.OHLCV(ctx, v.benchmark, 60)
	if err != nil {
		v.logger.Warn("vault: benchmark ohlcv lookup failed, beta will fall back to 1.0",
			zap.String("benchmark", v.benchmark), zap.Error(err))
	}

	candidateCloses := closesOf(candidateBars)
	benchmarkCloses := closesOf(benchmarkBars)

	portfolioPrices := v.portfolioPrices(ctx, symbol)
	allowed, violators := analytics.EnforceCorrelationLimit(v.logger, symbol, candidateCloses, portfolioPrices, v.maxCorrelation())
	if !allowed {
		return nil, &RejectReason{Symbol: symbol, Reason: fmt.Sprintf("correlation veto against %v", violators)}
	}

	metrics := analytics.RiskMetricsFor(symbol, candidateCloses, benchmarkCloses)
	volumeRatio := volumeRatioOf(candidateBars)
	betaMultiplier := analytics.BetaAdjustment(metrics.Beta, volumeRatio, v.phase2.BetaNormal, v.phase2.BetaAggressive)
	if betaMultiplier <= 0 {
		return nil, &RejectReason{Symbol: symbol, Reason: fmt.Sprintf("beta %.2f too aggressive at volume ratio %.2fx", metrics.Beta, volumeRatio)}
	}

	if !v.state.CheckSectorExposure(symbol, decimalOf(estimatedPositionValue)) {
		return nil, &RejectReason{Symbol: symbol, Reason: "sector exposure cap exceeded"}
	}

	return &Result{
		Symbol:         symbol,
		ScreenerResult: screener,
		RiskMetrics:    metrics,
		BetaMultiplier: betaMultiplier,
	}, nil
}

// EvaluateBatch runs Evaluate over every screener-passed candidate,
// returning survivors and rejections separately.
func (v *Vault) EvaluateBatch(ctx context.Context, candidates []types.Candidate, screenerResults map[string]types.ScreenerResult, estimatedPositionValue float64) ([]Result, []RejectReason) {
	var survivors []Result
	var rejections []RejectReason

	for _, c := range candidates {
		sr, ok := screenerResults[c.Symbol]
		if !ok {
			continue
		}
		result, reject := v.Evaluate(ctx, c, sr, estimatedPositionValue)
		if reject != nil {
			v.logger.Debug("vault rejected candidate", zap.String("symbol", reject.Symbol), zap.String("reason", reject.Reason))
			rejections = append(rejections, *reject)
			continue
		}
		survivors = append(survivors, *result)
	}

	v.logger.Info("vault evaluation complete", zap.Int("survivors", len(survivors)), zap.Int("rejected", len(rejections)))
	return survivors, rejections
}

func (v *Vault) maxCorrelation() float64 {
	if v.risk.MaxCorrelation <= 0 {
		return 0.7
	}
	return v.risk.MaxCorrelation
}

// portfolioPrices builds the {symbol -> 60d close series} map required by
// EnforceCorrelationLimit, skipping any open position whose history is
// unavailable rather than failing the whole check.
func (v *Vault) portfolioPrices(ctx context.Context, excludeSymbol string) analytics.PriceSeries {
	series := make(analytics.PriceSeries)
	for _, pos := range v.state.GetOpenPositions() {
		if pos.Symbol == excludeSymbol {
			continue
		}
		bars, err := v.market.OHLCV(ctx, pos.Symbol, 60)
		if err != nil || len(bars) == 0 {
			continue
		}
		series[pos.Symbol] = closesOf(bars)
	}
	return series
}

func closesOf(bars []types.OHLCV) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		f, _ := b.Close.Float64()
		out[i] = f
	}
	return out
}

func decimalOf(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func volumeRatioOf(bars []types.OHLCV) float64 {
	if len(bars) < 20 {
		return 1
	}
	window := bars[len(bars)-20:]
	var sum float64
	for _, b := range window {
		v, _ := b.Volume.Float64()
		sum += v
	}
	avg := sum / float64(len(window))
	if avg == 0 {
		return 1
	}
	last, _ := bars[len(bars)-1].Volume.Float64()
	return last / avg
}
