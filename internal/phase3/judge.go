// Package phase3 implements the Judge: the pipeline's expensive-AI
// adjudicator. Three hard pre-checks — a portfolio-aware correlation
// re-check, a cache lookup, and optional news grounding — run before any AI
// spend; the AI's verdict is then subjected to hard business-rule overrides
// before it is cached and logged. No step here ever panics a cycle: every
// failure degrades to a REJEITAR verdict with an explanatory reason.
package phase3

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/internal/aigateway"
	"github.com/iara-trader/engine/internal/analytics"
	"github.com/iara-trader/engine/pkg/types"
)

const exitAdjudicationPrompt = `A position is open on %s: direction=%s entry=%s current=%s stop=%s.

Critical news just broke:
Headline: %s
Summary: %s

Should this position be exited now, or held/monitored through the news? Weigh the position's existing risk controls against the news severity.

Respond in JSON:
{"action": "HOLD|MONITOR|CONSIDER_EXIT|EXIT_NOW", "reasoning": ""}`

const defaultPromptTemplate = `You are adjudicating a trade candidate for %s.

Screener score: %.1f/10
Market: price=$%s change=%.2f%% volume_ratio=%.2fx sector=%s
Technical: RSI=%.1f trend=%s support=%.2f resistance=%.2f ATR=%.2f
Risk: beta=%.2f vol20d=%.2f%% sharpe=%.2f maxDD=%.2f%% VaR95=%.2f%%
Macro: VIX=%.1f SPY=$%s (%s) QQQ=$%s DXY=%.1f US10Y=%.2f%%
Correlation facts: %s
News: %s
%s

Respond in JSON:
{"decision": "APROVAR|REJEITAR|AGUARDAR", "score": 0, "direction": "LONG|SHORT|NEUTRO", "entry": 0, "stop": 0, "tp1": 0, "tp2": 0, "rr": 0, "size_hint": "NORMAL|REDUZIDO|MINIMO", "justification": "", "alerts": [], "validity_hours": 4}`

// MarketData is the subset of the market-data adapter the Judge needs for
// the correlation re-check.
type MarketData interface {
	OHLCV(ctx context.Context, symbol string, lookbackDays int) ([]types.OHLCV, error)
}

// Grounding fact-checks a candidate's news against a web search before the
// prompt is built. A nil Grounding simply skips the pre-check.
type Grounding interface {
	Verify(ctx context.Context, symbol, news string) (verified bool, confidence float64, sources []string, err error)
}

// Cache is the decision-cache slice of the Decision Store the Judge reads
// and writes.
type Cache interface {
	GetCachedDecision(ctx context.Context, symbol, portfolioHash string) (types.DecisionCacheEntry, bool)
	PutCachedDecision(ctx context.Context, d types.TradeDecision) error
	AppendDecisionLog(ctx context.Context, d types.TradeDecision, alerts string) error
}

// AuditSink receives a structured audit entry for every verdict the Judge
// reaches, in place of a process-wide mutable callback hook.
type AuditSink interface {
	AppendJudgeAudit(ctx context.Context, entry types.JudgeAuditEntry) error
}

// StateReader is the slice of the State Core the Judge needs: the open
// portfolio, for both the portfolio hash and the correlation re-check.
type StateReader interface {
	GetOpenPositions() []types.Position
}

// Input bundles everything Evaluate needs to adjudicate one candidate.
type Input struct {
	Symbol          string
	ScreenerScore   float64
	Quote           types.Quote
	Technical       TechnicalSnapshot
	Risk            types.RiskMetrics
	Macro           types.MacroSnapshot
	CandidateCloses []float64 // reused from Phase 2 when available; re-fetched otherwise
	NewsText        string
	SecondaryNews   string // optional secondary-source coherence comparison
	RAGContext      string
}

// TechnicalSnapshot is the subset of analytics output woven into the prompt.
type TechnicalSnapshot struct {
	RSI        float64
	Trend      analytics.Trend
	Support    float64
	Resistance float64
	ATR        float64
}

// Judge is Phase 3 of the pipeline.
type Judge struct {
	logger         *zap.Logger
	ai             *aigateway.Gateway
	market         MarketData
	grounding      Grounding
	cache          Cache
	audit          AuditSink
	state          StateReader
	judgeThreshold float64
	maxCorrelation float64
	template       string
}

// Config tunes the Judge's thresholds.
type Config struct {
	JudgeThreshold float64
	MaxCorrelation float64
	Template       string
}

// New builds a Judge. grounding may be nil to skip the news pre-check.
func New(logger *zap.Logger, ai *aigateway.Gateway, market MarketData, grounding Grounding, cache Cache, audit AuditSink, state StateReader, cfg Config) *Judge {
	template := cfg.Template
	if template == "" {
		template = defaultPromptTemplate
	}
	return &Judge{
		logger:         logger.Named("phase3"),
		ai:             ai,
		market:         market,
		grounding:      grounding,
		cache:          cache,
		audit:          audit,
		state:          state,
		judgeThreshold: cfg.JudgeThreshold,
		maxCorrelation: cfg.MaxCorrelation,
		template:       template,
	}
}

// PortfolioHash is the deterministic cache key component computed from the
// sorted set of open-position symbols; portfolio mutation invalidates
// stale cache entries because the hash itself changes.
func PortfolioHash(positions []types.Position) string {
	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	sort.Strings(symbols)
	return strings.Join(symbols, ",")
}

// Evaluate runs the full Phase 3 sequence for a single candidate: the
// correlation re-check, the cache lookup, optional grounding, the AI call,
// verdict parsing with business-rule overrides, and the audit/cache/log
// writes.
func (j *Judge) Evaluate(ctx context.Context, in Input) types.TradeDecision {
	positions := j.state.GetOpenPositions()
	portfolioHash := PortfolioHash(positions)

	// 1. Correlation re-check — a hard veto before any AI spend, even
	// before the cache lookup, since Phase 2's correlation check may be
	// stale by the time the Judge runs.
	candidateCloses := in.CandidateCloses
	if len(candidateCloses) == 0 {
		bars, err := j.market.OHLCV(ctx, in.Symbol, 60)
		if err == nil {
			candidateCloses = closesOf(bars)
		}
	}
	if len(candidateCloses) > 0 {
		portfolioPrices := j.portfolioPrices(ctx, positions, in.Symbol)
		if allowed, violators := analytics.EnforceCorrelationLimit(j.logger, in.Symbol, candidateCloses, portfolioPrices, j.maxCorrelationOrDefault()); !allowed {
			return j.reject(ctx, in, portfolioHash, fmt.Sprintf("Correlation Veto: correlates with %v", violators), "Correlation Veto")
		}
	}

	// 2. Portfolio-aware cache lookup.
	if cached, ok := j.cache.GetCachedDecision(ctx, in.Symbol, portfolioHash); ok {
		j.writeAudit(ctx, cached.Decision, "Cache Hit", "")
		return cached.Decision
	}

	// 3. News grounding.
	newsText := in.NewsText
	if j.grounding != nil && strings.TrimSpace(in.NewsText) != "" {
		verified, confidence, sources, err := j.grounding.Verify(ctx, in.Symbol, in.NewsText)
		if err != nil {
			j.logger.Warn("grounding lookup failed, proceeding ungrounded", zap.String("symbol", in.Symbol), zap.Error(err))
		} else {
			if confidence < 0.3 {
				return j.reject(ctx, in, portfolioHash, "news not verified", "Grounding Veto")
			}
			if verified && len(sources) > 0 {
				newsText = fmt.Sprintf("%s\nVerified sources: %s", newsText, strings.Join(sources, "; "))
			}
		}
	}

	prompt := j.buildPrompt(in, newsText)
	resp, err := j.ai.Complete(ctx, prompt, "", aigateway.ProviderGeminiPro, 0.2, 2500)
	if err != nil || resp.ParsedJSON == nil {
		return j.reject(ctx, in, portfolioHash, "ai adjudication failed or returned unparsable response", "")
	}

	decision := j.parseVerdict(in, portfolioHash, resp.ParsedJSON)
	j.finalize(ctx, decision, "AI Adjudication", prompt)
	return decision
}

// AdjudicateExit is the Judge's narrow exit-oriented surface the Sentinel
// calls on critical news for an already-open position: a cheaper,
// single-purpose AI call that weighs the position's existing risk controls
// against the news rather than re-running the full entry adjudication.
// A call failure degrades to NewsActionHold so the Sentinel's existing
// trailing-stop and Friday-breakeven protections remain the fallback.
func (j *Judge) AdjudicateExit(ctx context.Context, position types.Position, headline, summary string) (types.NewsAction, error) {
	prompt := fmt.Sprintf(exitAdjudicationPrompt,
		position.Symbol, string(position.Direction), position.EntryPrice.StringFixed(2),
		position.CurrentPrice.StringFixed(2), position.StopLoss.StringFixed(2), headline, summary)

	resp, err := j.ai.Complete(ctx, prompt, "", aigateway.ProviderGemini, 0.2, 300)
	if err != nil || resp.ParsedJSON == nil {
		return types.NewsActionHold, fmt.Errorf("phase3: exit adjudication for %s: %w", position.Symbol, err)
	}
	return toNewsAction(resp.ParsedJSON["action"]), nil
}

func (j *Judge) maxCorrelationOrDefault() float64 {
	if j.maxCorrelation <= 0 {
		return 0.75
	}
	return j.maxCorrelation
}

func (j *Judge) portfolioPrices(ctx context.Context, positions []types.Position, exclude string) analytics.PriceSeries {
	series := make(analytics.PriceSeries)
	for _, p := range positions {
		if p.Symbol == exclude {
			continue
		}
		bars, err := j.market.OHLCV(ctx, p.Symbol, 60)
		if err != nil || len(bars) == 0 {
			continue
		}
		series[p.Symbol] = closesOf(bars)
	}
	return series
}

func (j *Judge) buildPrompt(in Input, newsText string) string {
	extra := ""
	if in.SecondaryNews != "" {
		extra = "Secondary source comparison: " + in.SecondaryNews
	}
	if in.RAGContext != "" {
		extra = strings.TrimSpace(extra + "\nAdditional context: " + in.RAGContext)
	}
	correlationFacts := "no open portfolio to compare against"
	if len(j.state.GetOpenPositions()) > 0 {
		correlationFacts = "checked against current open portfolio, no veto triggered"
	}
	volumeRatio := 0.0
	if in.Quote.AvgVolume > 0 {
		volumeRatio = float64(in.Quote.Volume) / float64(in.Quote.AvgVolume)
	}
	spyTrend := in.Macro.SPYTrend
	if spyTrend == "" {
		spyTrend = "unknown"
	}
	return fmt.Sprintf(j.template,
		in.Symbol, in.ScreenerScore,
		in.Quote.Price.StringFixed(2), in.Quote.ChangePct, volumeRatio, in.Quote.Sector,
		in.Technical.RSI, string(in.Technical.Trend), in.Technical.Support, in.Technical.Resistance, in.Technical.ATR,
		in.Risk.Beta, in.Risk.Volatility20d, in.Risk.SharpeRatio, in.Risk.MaxDrawdown, in.Risk.VaR95,
		in.Macro.VIX, in.Macro.SPYPrice.StringFixed(2), spyTrend, in.Macro.QQQPrice.StringFixed(2), in.Macro.DXYPrice, in.Macro.US10YYield,
		correlationFacts, newsText, extra)
}

// parseVerdict applies the hard business-rule overrides: any rule violation
// forces REJEITAR and appends an explanatory alert, it never rejects the
// whole cycle.
func (j *Judge) parseVerdict(in Input, portfolioHash string, parsed map[string]any) types.TradeDecision {
	alerts := toStringSlice(parsed["alerts"])
	d := types.TradeDecision{
		Symbol:        in.Symbol,
		Verdict:       toVerdict(parsed["decision"]),
		FinalScore:    toFloat(parsed["score"]),
		Direction:     toDirection(parsed["direction"]),
		Entry:         toDecimal(parsed["entry"]),
		Stop:          toDecimal(parsed["stop"]),
		TP1:           toDecimal(parsed["tp1"]),
		TP2:           toDecimal(parsed["tp2"]),
		RiskReward:    toFloat(parsed["rr"]),
		SizeHint:      toSizeHint(parsed["size_hint"]),
		Justification: toString(parsed["justification"]),
		Alerts:        alerts,
		ValidityHours: int(toFloat(parsed["validity_hours"])),
		Timestamp:     time.Now(),
		PortfolioHash: portfolioHash,
	}
	if d.ValidityHours <= 0 {
		d.ValidityHours = 4
	}

	if d.Verdict != types.VerdictApprove {
		return d
	}
	if d.FinalScore < j.judgeThreshold {
		return j.override(d, fmt.Sprintf("Nota %.1f abaixo do threshold %.0f", d.FinalScore, j.judgeThreshold))
	}
	if d.RiskReward < 2.0 {
		return j.override(d, fmt.Sprintf("Risk/reward %.2f abaixo do minimo 2.0", d.RiskReward))
	}
	switch d.Direction {
	case types.DirectionLong:
		if !d.Stop.LessThan(d.Entry) {
			return j.override(d, "stop invalido para LONG: stop deve ser menor que entry")
		}
	case types.DirectionShort:
		if !d.Stop.GreaterThan(d.Entry) {
			return j.override(d, "stop invalido para SHORT: stop deve ser maior que entry")
		}
	default:
		return j.override(d, "direcao invalida para aprovacao")
	}
	return d
}

func (j *Judge) override(d types.TradeDecision, reason string) types.TradeDecision {
	d.Verdict = types.VerdictReject
	d.Alerts = append(d.Alerts, reason)
	return d
}

func (j *Judge) reject(ctx context.Context, in Input, portfolioHash, justification, origin string) types.TradeDecision {
	d := types.TradeDecision{
		Symbol:        in.Symbol,
		Verdict:       types.VerdictReject,
		Direction:     types.DirectionNeutral,
		Justification: justification,
		Alerts:        []string{justification},
		Timestamp:     time.Now(),
		PortfolioHash: portfolioHash,
	}
	if origin == "" {
		origin = "Rejected"
	}
	j.finalize(ctx, d, origin, "")
	return d
}

// finalize writes the audit entry, the cache row, and the decision-log row
// for a reached verdict. A write failure here is logged, never raised:
// the Judge's job is to produce a verdict, not to guarantee persistence.
func (j *Judge) finalize(ctx context.Context, d types.TradeDecision, origin, prompt string) {
	j.writeAudit(ctx, d, origin, prompt)
	if err := j.cache.PutCachedDecision(ctx, d); err != nil {
		j.logger.Warn("caching decision failed", zap.String("symbol", d.Symbol), zap.Error(err))
	}
	if err := j.cache.AppendDecisionLog(ctx, d, strings.Join(d.Alerts, "; ")); err != nil {
		j.logger.Warn("appending decision log failed", zap.String("symbol", d.Symbol), zap.Error(err))
	}
}

func (j *Judge) writeAudit(ctx context.Context, d types.TradeDecision, origin, prompt string) {
	if j.audit == nil {
		return
	}
	entry := types.JudgeAuditEntry{
		Timestamp:     time.Now(),
		Symbol:        d.Symbol,
		Origin:        origin,
		Prompt:        prompt,
		Result:        d.Verdict,
		Score:         d.FinalScore,
		Direction:     d.Direction,
		Justification: d.Justification,
	}
	if err := j.audit.AppendJudgeAudit(ctx, entry); err != nil {
		j.logger.Warn("writing judge audit entry failed", zap.String("symbol", d.Symbol), zap.Error(err))
	}
}

// ValidateDecision is the post-validation gate Phase 4 runs before acting
// on an approved decision: reject duplicate-symbol decisions and any
// surviving rr < 2.0 (belt-and-braces against an overridden verdict being
// passed through by a caller that skipped Evaluate).
func ValidateDecision(d types.TradeDecision, openPositions []types.Position) bool {
	if d.Verdict != types.VerdictApprove {
		return false
	}
	for _, p := range openPositions {
		if p.Symbol == d.Symbol {
			return false
		}
	}
	return d.RiskReward >= 2.0
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

func toDecimal(v any) decimal.Decimal {
	switch x := v.(type) {
	case float64:
		return decimal.NewFromFloat(x)
	case int:
		return decimal.NewFromInt(int64(x))
	case string:
		d, _ := decimal.NewFromString(x)
		return d
	default:
		return decimal.Zero
	}
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func toStringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toVerdict(v any) types.Verdict {
	s := strings.ToUpper(strings.TrimSpace(toString(v)))
	switch s {
	case string(types.VerdictApprove):
		return types.VerdictApprove
	case string(types.VerdictReject):
		return types.VerdictReject
	default:
		return types.VerdictWait
	}
}

func toDirection(v any) types.Direction {
	switch strings.ToUpper(strings.TrimSpace(toString(v))) {
	case "LONG":
		return types.DirectionLong
	case "SHORT":
		return types.DirectionShort
	default:
		return types.DirectionNeutral
	}
}

func toNewsAction(v any) types.NewsAction {
	switch strings.ToUpper(strings.TrimSpace(toString(v))) {
	case string(types.NewsActionMonitor):
		return types.NewsActionMonitor
	case string(types.NewsActionConsiderExit):
		return types.NewsActionConsiderExit
	case string(types.NewsActionExitNow):
		return types.NewsActionExitNow
	default:
		return types.NewsActionHold
	}
}

func toSizeHint(v any) types.SizeHint {
	switch strings.ToUpper(strings.TrimSpace(toString(v))) {
	case string(types.SizeHintReduced):
		return types.SizeHintReduced
	case string(types.SizeHintMinimum):
		return types.SizeHintMinimum
	default:
		return types.SizeHintNormal
	}
}
