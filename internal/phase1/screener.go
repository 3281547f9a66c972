// Package phase1 implements the Screener: a cheap-AI triage pass that scores
// each Phase 0 candidate 0-10 and keeps only those at or above threshold.
package phase1

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iara-trader/engine/internal/aigateway"
	"github.com/iara-trader/engine/internal/analytics"
	"github.com/iara-trader/engine/internal/workers"
	"github.com/iara-trader/engine/pkg/types"
)

// defaultPromptTemplate mirrors the screener's default prompt when no
// operator-supplied template is configured.
const defaultPromptTemplate = `Analyze %s and give it a score from 0 to 10.

Data:
- Price: $%s
- Change: %.2f%%
- Volume Ratio: %.2fx
- RSI: %.1f
- SuperTrend: %s
- News: %s

Respond in JSON:
{"ticker": "%s", "nota": 0, "resumo": "", "vies": "NEUTRO", "confianca": 0.0}`

// MarketData is the subset of the market-data adapter the Screener needs.
type MarketData interface {
	Quote(ctx context.Context, symbol string) (types.Quote, error)
	OHLCV(ctx context.Context, symbol string, lookbackDays int) ([]types.OHLCV, error)
}

// Screener is Phase 1 of the pipeline.
type Screener struct {
	logger    *zap.Logger
	ai        *aigateway.Gateway
	market    MarketData
	pool      *workers.Pool
	threshold float64
	template  string
}

// New builds a Screener. threshold is the minimum score (0-10) a candidate
// must clear to pass. An empty template falls back to defaultPromptTemplate.
func New(logger *zap.Logger, ai *aigateway.Gateway, market MarketData, threshold float64, template string) *Screener {
	if template == "" {
		template = defaultPromptTemplate
	}
	pool := workers.NewPool(logger.Named("phase1.pool"), workers.DefaultPoolConfig("phase1"))
	pool.Start()
	return &Screener{
		logger:    logger.Named("phase1"),
		ai:        ai,
		market:    market,
		pool:      pool,
		threshold: threshold,
		template:  template,
	}
}

// Close stops the Screener's worker pool.
func (s *Screener) Close() error {
	return s.pool.Stop()
}

// Screen scores a single candidate.
func (s *Screener) Screen(ctx context.Context, c types.Candidate) types.ScreenerResult {
	quote, err := s.market.Quote(ctx, c.Symbol)
	if err != nil {
		s.logger.Error("screener: quote lookup failed", zap.String("symbol", c.Symbol), zap.Error(err))
		return failedResult(c.Symbol)
	}
	bars, err := s.market.OHLCV(ctx, c.Symbol, 60)
	if err != nil {
		s.logger.Error("screener: ohlcv lookup failed", zap.String("symbol", c.Symbol), zap.Error(err))
		return failedResult(c.Symbol)
	}

	closes := closesOf(bars)
	rsi := analytics.RSI(closes, 14)
	volRatio := analytics.VolumeRatio(bars)
	trend := analytics.SuperTrend(bars, 10, 3.0)

	newsSummary := c.NewsContent
	if newsSummary == "" {
		newsSummary = "No recent news"
	}

	prompt := fmt.Sprintf(s.template, c.Symbol, quote.Price.StringFixed(2), quote.ChangePct,
		volRatio, rsi, string(trend.Direction), newsSummary, c.Symbol)

	resp, err := s.ai.Complete(ctx, prompt, "", aigateway.ProviderGemini, 0.3, 500)
	if err != nil || resp.ParsedJSON == nil {
		s.logger.Error("screener: ai completion failed", zap.String("symbol", c.Symbol), zap.Error(err))
		return failedResult(c.Symbol)
	}

	score := toFloat(resp.ParsedJSON["nota"])
	summary, _ := resp.ParsedJSON["resumo"].(string)
	bias := toDirection(resp.ParsedJSON["vies"])
	confidence := toFloat(resp.ParsedJSON["confianca"])

	return types.ScreenerResult{
		Symbol:     c.Symbol,
		Score:      score,
		Summary:    summary,
		Bias:       bias,
		Confidence: confidence,
		Passed:     score >= s.threshold,
		Timestamp:  time.Now(),
	}
}

// ScreenBatch screens every candidate concurrently (bounded by the
// Screener's worker pool) and returns results sorted by score descending.
func (s *Screener) ScreenBatch(ctx context.Context, candidates []types.Candidate) []types.ScreenerResult {
	results := make([]types.ScreenerResult, len(candidates))
	done := make(chan struct{}, len(candidates))

	for i, c := range candidates {
		i, c := i, c
		task := workers.TaskFunc(func() error {
			results[i] = s.Screen(ctx, c)
			done <- struct{}{}
			return nil
		})
		if err := s.pool.Submit(task); err != nil {
			results[i] = failedResult(c.Symbol)
			done <- struct{}{}
		}
	}
	for range candidates {
		<-done
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}
	s.logger.Info("screening complete", zap.Int("passed", passed), zap.Int("total", len(results)))
	return results
}

// PassedCandidates filters results down to those that cleared threshold.
func PassedCandidates(results []types.ScreenerResult) []types.ScreenerResult {
	out := make([]types.ScreenerResult, 0, len(results))
	for _, r := range results {
		if r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// OpenPositionHolder is the State Core slice FilterDuplicates needs.
type OpenPositionHolder interface {
	GetOpenPositions() []types.Position
}

// FilterDuplicates drops any candidate whose symbol already has an open
// position, so the pipeline never re-adjudicates a ticker it already holds.
func FilterDuplicates(candidates []types.Candidate, state OpenPositionHolder) []types.Candidate {
	open := make(map[string]struct{})
	for _, p := range state.GetOpenPositions() {
		open[p.Symbol] = struct{}{}
	}

	out := make([]types.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, held := open[c.Symbol]; held {
			continue
		}
		out = append(out, c)
	}
	return out
}

func failedResult(symbol string) types.ScreenerResult {
	return types.ScreenerResult{
		Symbol:    symbol,
		Score:     0,
		Summary:   "screening failed",
		Bias:      types.DirectionNeutral,
		Passed:    false,
		Timestamp: time.Now(),
	}
}

func closesOf(bars []types.OHLCV) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		f, _ := b.Close.Float64()
		out[i] = f
	}
	return out
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	default:
		return 0
	}
}

func toDirection(v any) types.Direction {
	s, _ := v.(string)
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG":
		return types.DirectionLong
	case "SHORT":
		return types.DirectionShort
	default:
		return types.DirectionNeutral
	}
}
