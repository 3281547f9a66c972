package guardian

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/internal/aigateway"
	"github.com/iara-trader/engine/internal/analytics"
	"github.com/iara-trader/engine/pkg/types"
)

const newsAnalysisPrompt = `Analyze this news about %s and determine its price impact:

Headline: %s
Content: %s

Respond in JSON:
{"impact": "positive|neutral|negative|critical", "summary": "one line", "action": "HOLD|MONITOR|CONSIDER_EXIT|EXIT_NOW", "confidence": 0.0}

Criteria for "critical": negative M&A, SEC investigation, fraud, bankruptcy, mass recall.`

// NewsSource is the subset of the news adapter the Sentinel needs.
type NewsSource interface {
	Search(ctx context.Context, symbol string, max int) ([]types.NewsArticle, error)
}

// HistoricalMarketData is the subset of the market-data adapter the
// Sentinel needs for trailing-stop ATR computation.
type HistoricalMarketData interface {
	OHLCV(ctx context.Context, symbol string, lookbackDays int) ([]types.OHLCV, error)
}

// ExitJudge is the narrow Judge surface the Sentinel calls for an
// exit-oriented adjudication on critical news.
type ExitJudge interface {
	AdjudicateExit(ctx context.Context, position types.Position, headline, summary string) (types.NewsAction, error)
}

// StopUpdater is the State Core slice the Sentinel uses to tighten stops.
type StopUpdater interface {
	UpdateStopLoss(symbol string, stop decimal.Decimal) bool
}

// SentinelConfig tunes the 5-minute news monitor.
type SentinelConfig struct {
	Interval            time.Duration
	FridayBreakevenHour int
}

// DefaultSentinelConfig returns the Sentinel's baseline tuning.
func DefaultSentinelConfig() SentinelConfig {
	return SentinelConfig{Interval: 5 * time.Minute, FridayBreakevenHour: 14}
}

// Sentinel is the Guardian's news monitor: impact classification,
// critical-news exit adjudication, Friday breakeven, and ATR trailing
// stops.
type Sentinel struct {
	logger *zap.Logger
	news   NewsSource
	ai     *aigateway.Gateway
	market HistoricalMarketData
	state  StateManager
	stops  StopUpdater
	judge  ExitJudge
	closer *Closer
	bus    *AlertBus
	cfg    SentinelConfig

	mu            sync.Mutex
	seenHeadlines map[string]time.Time
}

// NewSentinel builds a Sentinel. judge may be nil to skip the
// exit-adjudication step.
func NewSentinel(logger *zap.Logger, news NewsSource, ai *aigateway.Gateway, market HistoricalMarketData, state StateManager, stops StopUpdater, judge ExitJudge, closer *Closer, bus *AlertBus, cfg SentinelConfig) *Sentinel {
	return &Sentinel{
		logger:        logger.Named("guardian.sentinel"),
		news:          news,
		ai:            ai,
		market:        market,
		state:         state,
		stops:         stops,
		judge:         judge,
		closer:        closer,
		bus:           bus,
		cfg:           cfg,
		seenHeadlines: make(map[string]time.Time),
	}
}

// Run loops the Sentinel's check until ctx is cancelled.
func (s *Sentinel) Run(ctx context.Context) {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one check cycle: news scan, Friday breakeven, and trailing
// stops.
func (s *Sentinel) Tick(ctx context.Context) {
	s.scanNews(ctx)
	s.checkFridayBreakeven()
	s.updateTrailingStops(ctx)
}

func (s *Sentinel) scanNews(ctx context.Context) {
	for _, position := range s.state.GetOpenPositions() {
		articles, err := s.news.Search(ctx, position.Symbol, 5)
		if err != nil {
			s.logger.Warn("sentinel: news search failed", zap.String("symbol", position.Symbol), zap.Error(err))
			continue
		}
		for _, article := range articles {
			if s.alreadySeen(article.Title) {
				continue
			}
			s.markSeen(article.Title)

			alert, ok := s.analyze(ctx, position.Symbol, article)
			if !ok {
				continue
			}
			s.handleAlert(ctx, position, alert)
		}
	}
	s.cleanupSeenHeadlines()
}

func (s *Sentinel) analyze(ctx context.Context, symbol string, article types.NewsArticle) (types.NewsAlert, bool) {
	content := article.Summary
	if len(content) > 500 {
		content = content[:500]
	}
	prompt := fmt.Sprintf(newsAnalysisPrompt, symbol, article.Title, content)

	resp, err := s.ai.Complete(ctx, prompt, "", aigateway.ProviderGemini, 0.2, 300)
	if err != nil || resp.ParsedJSON == nil {
		s.logger.Warn("sentinel: news analysis failed", zap.String("symbol", symbol), zap.Error(err))
		return types.NewsAlert{}, false
	}

	impact := newsImpact(resp.ParsedJSON["impact"])
	if impact != types.NewsImpactNegative && impact != types.NewsImpactCritical {
		return types.NewsAlert{}, false
	}
	summary, _ := resp.ParsedJSON["summary"].(string)
	action := newsAction(resp.ParsedJSON["action"])
	confidence := toFloat(resp.ParsedJSON["confidence"])

	return types.NewsAlert{
		Symbol: symbol, Headline: article.Title, Impact: impact, Summary: summary,
		ActionSuggested: action, Confidence: confidence, Source: article.Source, Timestamp: time.Now(),
	}, true
}

func (s *Sentinel) handleAlert(ctx context.Context, position types.Position, alert types.NewsAlert) {
	level := "warning"
	if alert.Impact == types.NewsImpactCritical {
		level = "critical"
	}
	s.logger.Warn("news alert", zap.String("level", level), zap.String("symbol", alert.Symbol), zap.String("headline", alert.Headline))
	s.bus.PublishNewsAlert(alert)

	if alert.Impact != types.NewsImpactNegative && alert.Impact != types.NewsImpactCritical {
		return
	}
	s.callJudgeForExit(ctx, position, alert)
}

// callJudgeForExit asks the Judge for an exit-oriented recommendation on
// critical news and submits a market close if it agrees.
func (s *Sentinel) callJudgeForExit(ctx context.Context, position types.Position, alert types.NewsAlert) {
	if s.judge == nil {
		s.logger.Warn("sentinel: no exit judge configured, skipping exit adjudication", zap.String("symbol", position.Symbol))
		return
	}
	action, err := s.judge.AdjudicateExit(ctx, position, alert.Headline, alert.Summary)
	if err != nil {
		s.logger.Error("sentinel: exit adjudication failed", zap.String("symbol", position.Symbol), zap.Error(err))
		return
	}
	if alert.Impact == types.NewsImpactCritical && action == types.NewsActionExitNow {
		s.logger.Error("critical news exit", zap.String("symbol", position.Symbol), zap.String("headline", alert.Headline))
		if s.closer != nil {
			if _, err := s.closer.CloseAtMarket(ctx, position); err != nil {
				s.logger.Error("sentinel: market close failed", zap.String("symbol", position.Symbol), zap.Error(err))
			}
		}
	}
}

// checkFridayBreakeven moves profitable positions' stops to a tight
// breakeven band on Friday afternoon, tightening only.
func (s *Sentinel) checkFridayBreakeven() {
	now := time.Now()
	hour := s.cfg.FridayBreakevenHour
	if hour <= 0 {
		hour = 14
	}
	if now.Weekday() != time.Friday || now.Hour() < hour {
		return
	}

	for _, position := range s.state.GetOpenPositions() {
		if !position.IsProfitable() {
			continue
		}
		breakeven := position.EntryPrice.Mul(decimal.NewFromFloat(1.001))
		tighter := breakeven.GreaterThan(position.StopLoss)
		if position.Direction == types.DirectionShort {
			breakeven = position.EntryPrice.Mul(decimal.NewFromFloat(0.999))
			tighter = breakeven.LessThan(position.StopLoss)
		}
		if !tighter {
			continue
		}
		if s.stops.UpdateStopLoss(position.Symbol, breakeven) {
			s.logger.Info("friday breakeven: stop moved",
				zap.String("symbol", position.Symbol), zap.String("stop", breakeven.String()))
		}
	}
}

// updateTrailingStops tightens each position's stop to 2*ATR behind the
// current price whenever that tightens (never loosens) the existing stop.
func (s *Sentinel) updateTrailingStops(ctx context.Context) {
	for _, position := range s.state.GetOpenPositions() {
		bars, err := s.market.OHLCV(ctx, position.Symbol, 20)
		if err != nil || len(bars) == 0 {
			continue
		}
		atr := analytics.ATR(bars, 14)
		current, _ := position.CurrentPrice.Float64()
		if current == 0 {
			current, _ = position.EntryPrice.Float64()
		}

		var trail decimal.Decimal
		var tighter bool
		if position.Direction == types.DirectionLong {
			trail = decimal.NewFromFloat(current - 2*atr)
			tighter = trail.GreaterThan(position.StopLoss)
		} else {
			trail = decimal.NewFromFloat(current + 2*atr)
			tighter = trail.LessThan(position.StopLoss)
		}
		if !tighter {
			continue
		}
		if s.stops.UpdateStopLoss(position.Symbol, trail) {
			s.logger.Info("trailing stop updated",
				zap.String("symbol", position.Symbol), zap.String("from", position.StopLoss.String()), zap.String("to", trail.String()))
		}
	}
}

func (s *Sentinel) alreadySeen(headline string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seenHeadlines[headline]
	return ok
}

func (s *Sentinel) markSeen(headline string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seenHeadlines[headline] = time.Now()
}

func (s *Sentinel) cleanupSeenHeadlines() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-24 * time.Hour)
	for headline, seenAt := range s.seenHeadlines {
		if seenAt.Before(cutoff) {
			delete(s.seenHeadlines, headline)
		}
	}
}

func newsImpact(v any) types.NewsImpact {
	switch strings.ToLower(strings.TrimSpace(toStringVal(v))) {
	case string(types.NewsImpactPositive):
		return types.NewsImpactPositive
	case string(types.NewsImpactNegative):
		return types.NewsImpactNegative
	case string(types.NewsImpactCritical):
		return types.NewsImpactCritical
	default:
		return types.NewsImpactNeutral
	}
}

func newsAction(v any) types.NewsAction {
	switch strings.ToUpper(strings.TrimSpace(toStringVal(v))) {
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

func toStringVal(v any) string {
	s, _ := v.(string)
	return s
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	}
	return 0
}
