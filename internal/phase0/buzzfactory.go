// Package phase0 implements the Buzz Factory: the pipeline's entry point,
// combining a fixed watchlist with volume-spike, gap, and news-catalyst
// scans into a ranked, capped candidate list for Phase 1 to triage.
package phase0

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/internal/config"
	"github.com/iara-trader/engine/internal/workers"
	"github.com/iara-trader/engine/pkg/types"
)

// catalystKeywords are the headline/summary terms that flag a news-driven
// candidate, spanning earnings, regulatory action, M&A, mover verbs, analyst
// actions, corporate actions, and their Portuguese-language equivalents.
var catalystKeywords = []string{
	// earnings
	"earnings", "quarterly results", "guidance", "lucro", "resultado trimestral",
	// regulatory / legal
	"sec probe", "sec investigation", "subpoena", "lawsuit", "fda approval",
	"fda rejection", "antitrust", "investigação", "processo judicial",
	// M&A
	"merger", "acquisition", "acquire", "buyout", "takeover", "tender offer",
	"fusão", "aquisição", "oferta pública",
	// mover verbs
	"surges", "plunges", "soars", "tumbles", "rallies", "sinks", "spikes", "craters",
	"dispara", "desaba", "despenca", "salta",
	// analyst actions
	"upgrade", "downgrade", "price target", "initiates coverage", "reiterates",
	"rebaixa", "eleva recomendação",
	// corporate actions
	"buyback", "share repurchase", "dividend", "stock split", "spin-off",
	"bankruptcy", "insider buying", "insider selling",
	"recompra de ações", "dividendo", "desdobramento", "falência",
}

// catalystExclusionTokens is the closed set of common false-positive tokens
// filtered out of ticker-pattern matches: regulators, orgs, geography, and
// generic English/Portuguese particles that happen to be 2-6 uppercase
// letters.
var catalystExclusionTokens = map[string]bool{
	"SEC": true, "FDA": true, "CEO": true, "CFO": true, "COO": true,
	"IPO": true, "ETF": true, "NYSE": true, "NASDAQ": true, "USA": true,
	"GDP": true, "CPI": true, "FED": true, "EU": true, "UK": true,
	"THE": true, "AND": true, "FOR": true, "INC": true, "CORP": true,
	"LLC": true, "LTD": true, "Q1": true, "Q2": true, "Q3": true, "Q4": true,
	"ESG": true, "AI": true, "IT": true, "US": true, "NA": true,
	"DE": true, "DA": true, "DO": true, "EM": true, "PARA": true, "COM": true,
	"UM": true, "UMA": true, "OS": true, "AS": true, "NO": true,
}

// catalystTickerPattern matches bare uppercase tickers (optionally prefixed
// with $) between 2 and 6 letters, the length bound the spec requires.
var catalystTickerPattern = regexp.MustCompile(`\$?\b[A-Z]{2,6}\b`)

// ScanUniverse is the fixed set of tickers the volume-spike, gap, and
// news-catalyst scans sweep every cycle. GenerateDailyBuzz's candidate cap
// governs how many of them actually reach Phase 1, not this universe size.
func ScanUniverse() []string {
	return []string{
		"AAPL", "MSFT", "GOOGL", "GOOG", "AMZN", "META", "NVDA", "TSLA",
		"JPM", "BAC", "GS",
		"JNJ", "UNH", "PFE", "LLY",
		"WMT", "HD", "DIS", "NKE", "SBUX", "MCD",
		"XOM", "CVX", "COP",
		"BA", "CAT", "GE",
		"AMD", "INTC", "QCOM", "AVGO", "MU", "TSM",
		"CRM", "ADBE", "ORCL",
		"COIN", "MSTR",
		"PLTR", "GME",
	}
}

// DefaultWatchlist is the fixed tier-1 blue-chip set scanned unconditionally
// every cycle, independent of the volume/gap/news triggers.
func DefaultWatchlist() []string {
	return []string{
		"AAPL", "MSFT", "GOOGL", "AMZN", "META", "NVDA", "TSLA",
		"JPM", "JNJ", "WMT", "XOM", "HD", "UNH",
	}
}

// MarketData is the subset of the market-data adapter the Buzz Factory
// needs: quotes, liquidity classification, and earnings proximity.
type MarketData interface {
	Quote(ctx context.Context, symbol string) (types.Quote, error)
	CheckLiquidity(q types.Quote) bool
	EarningsWithin(ctx context.Context, symbol string, days int) bool
}

// NewsSource is the subset of the news adapter the Buzz Factory needs for
// its catalyst scan.
type NewsSource interface {
	Search(ctx context.Context, symbol string, max int) ([]types.NewsArticle, error)
}

// Config tunes the Buzz Factory, pulled out of the engine-wide config.
type Config struct {
	Phase0        config.Phase0Config
	Tiers         config.TiersConfig
	Liquidity     config.LiquidityConfig
	MaxCandidates int
	Watchlist     []string
	Universe      []string
}

// ConfigFrom builds a phase0.Config from the engine-wide config, with the
// default 25-candidate cap and the built-in watchlist/universe.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Phase0:        cfg.Phase0,
		Tiers:         cfg.Tiers,
		Liquidity:     cfg.Liquidity,
		MaxCandidates: 25,
		Watchlist:     DefaultWatchlist(),
		Universe:      ScanUniverse(),
	}
}

// BuzzFactory is Phase 0 of the pipeline.
type BuzzFactory struct {
	logger *zap.Logger
	market MarketData
	news   NewsSource
	config Config
	pool   *workers.Pool
}

// New builds a BuzzFactory. The returned pool is started here and stopped
// by Close; callers should not start or stop it themselves.
func New(logger *zap.Logger, market MarketData, news NewsSource, cfg Config) *BuzzFactory {
	pool := workers.NewPool(logger.Named("phase0.pool"), workers.DefaultPoolConfig("phase0"))
	pool.Start()
	return &BuzzFactory{
		logger: logger.Named("phase0"),
		market: market,
		news:   news,
		config: cfg,
		pool:   pool,
	}
}

// Close stops the Buzz Factory's worker pool.
func (b *BuzzFactory) Close() error {
	return b.pool.Stop()
}

// forEach runs fn concurrently across tickers, bounded by the Buzz Factory's
// worker pool; a single ticker's failure never aborts the others.
func (b *BuzzFactory) forEach(tickers []string, fn func(ticker string)) {
	var wg sync.WaitGroup
	for _, ticker := range tickers {
		ticker := ticker
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := workers.TaskFunc(func() error {
				fn(ticker)
				return nil
			})
			if err := b.pool.SubmitWait(task); err != nil {
				b.logger.Debug("phase0 scan task dropped", zap.String("ticker", ticker), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// GenerateDailyBuzz produces the day's ranked, capped candidate list by
// combining the watchlist, volume-spike, gap, and news-catalyst scans.
// First source wins on duplicate tickers. forceAll runs the gap scan
// outside its normal premarket/early-market window, for manual testing.
func (b *BuzzFactory) GenerateDailyBuzz(ctx context.Context, forceAll bool) ([]types.Candidate, error) {
	var candidates []types.Candidate
	seen := make(map[string]bool)

	merge := func(found []types.Candidate) {
		for _, c := range found {
			if seen[c.Symbol] {
				continue
			}
			seen[c.Symbol] = true
			candidates = append(candidates, c)
		}
	}

	merge(b.scanWatchlist(ctx))
	merge(b.scanVolumeSpikes(ctx))
	merge(b.scanGaps(ctx, forceAll))
	merge(b.scanNewsCatalysts(ctx))

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].BuzzScore > candidates[j].BuzzScore
	})

	total := len(candidates)
	maxCandidates := b.config.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = 25
	}
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	b.logger.Info("buzz factory cycle complete",
		zap.Int("found", total), zap.Int("selected", len(candidates)))
	return candidates, nil
}

func (b *BuzzFactory) scanWatchlist(ctx context.Context) []types.Candidate {
	var mu sync.Mutex
	var out []types.Candidate

	b.forEach(b.config.Watchlist, func(ticker string) {
		q, err := b.market.Quote(ctx, ticker)
		if err != nil {
			b.logger.Debug("watchlist quote failed", zap.String("ticker", ticker), zap.Error(err))
			return
		}
		if !q.MarketCap.IsZero() && q.MarketCap.LessThan(b.config.Tiers.Tier1LargeCap.MinMarketCap) {
			return
		}
		reason := "Tier 1 watchlist asset"
		if !q.MarketCap.IsZero() {
			reason = fmt.Sprintf("Tier 1 watchlist asset (%s cap)", formatBillions(q.MarketCap))
		}
		mu.Lock()
		out = append(out, types.Candidate{
			Symbol:     ticker,
			Source:     types.SourceWatchlist,
			BuzzScore:  5.0,
			Reason:     reason,
			DetectedAt: time.Now(),
			Tier:       types.TierOne,
			MarketCap:  q.MarketCap,
		})
		mu.Unlock()
	})
	b.logger.Info("watchlist scan complete", zap.Int("candidates", len(out)))
	return out
}

func (b *BuzzFactory) scanVolumeSpikes(ctx context.Context) []types.Candidate {
	multiplier := b.config.Phase0.VolumeSpikeMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	minDollarVolume := b.config.Liquidity.MinDollarVolume

	var mu sync.Mutex
	var out []types.Candidate
	scanned := 0

	b.forEach(b.config.Universe, func(ticker string) {
		q, err := b.market.Quote(ctx, ticker)
		if err != nil {
			b.logger.Debug("volume spike quote failed", zap.String("ticker", ticker), zap.Error(err))
			return
		}
		mu.Lock()
		scanned++
		mu.Unlock()
		if q.AvgVolume <= 0 {
			return
		}
		ratio := float64(q.Volume) / float64(q.AvgVolume)
		if ratio < multiplier {
			return
		}
		dollarVolume := decimal.NewFromInt(q.Volume).Mul(q.Price)
		if dollarVolume.LessThan(minDollarVolume) {
			return
		}
		tier := classifyTier(q.MarketCap, b.config.Tiers)
		mu.Lock()
		out = append(out, types.Candidate{
			Symbol:     ticker,
			Source:     types.SourceVolumeSpike,
			BuzzScore:  7.0 + minFloat(ratio, 5.0),
			Reason:     fmt.Sprintf("Volume spike %.1fx (%s)", ratio, formatMillions(dollarVolume)),
			DetectedAt: time.Now(),
			Tier:       tier,
			MarketCap:  q.MarketCap,
		})
		mu.Unlock()
	})
	b.logger.Info("volume spike scan complete", zap.Int("candidates", len(out)), zap.Int("scanned", scanned))
	return out
}

func (b *BuzzFactory) scanGaps(ctx context.Context, force bool) []types.Candidate {
	if !force && !inGapScanWindow(time.Now()) {
		b.logger.Debug("gap scan skipped: outside premarket/early-market window")
		return nil
	}

	threshold := b.config.Phase0.GapThreshold
	if threshold <= 0 {
		threshold = 0.03
	}

	var mu sync.Mutex
	var out []types.Candidate

	b.forEach(b.config.Universe, func(ticker string) {
		q, err := b.market.Quote(ctx, ticker)
		if err != nil {
			b.logger.Debug("gap quote failed", zap.String("ticker", ticker), zap.Error(err))
			return
		}
		if q.PreviousClose.IsZero() {
			return
		}
		gapPct := q.Price.Sub(q.PreviousClose).Div(q.PreviousClose).InexactFloat64()
		if absFloat(gapPct) < threshold {
			return
		}
		direction := "up"
		if gapPct < 0 {
			direction = "down"
		}
		tier := classifyTier(q.MarketCap, b.config.Tiers)
		mu.Lock()
		out = append(out, types.Candidate{
			Symbol:     ticker,
			Source:     types.SourceGap,
			BuzzScore:  8.0 + minFloat(absFloat(gapPct)*10, 5.0),
			Reason:     fmt.Sprintf("Gap %s %.1f%% (%s vs %s)", direction, gapPct*100, q.Price.StringFixed(2), q.PreviousClose.StringFixed(2)),
			DetectedAt: time.Now(),
			Tier:       tier,
			MarketCap:  q.MarketCap,
		})
		mu.Unlock()
	})
	b.logger.Info("gap scan complete", zap.Int("candidates", len(out)))
	return out
}

// newsCatalystQuery is the broad, non-symbol query issued against the news
// aggregator to surface market-wide catalyst headlines; tickers are then
// extracted from the returned articles by pattern match rather than known
// in advance.
const newsCatalystQuery = "market movers"

func (b *BuzzFactory) scanNewsCatalysts(ctx context.Context) []types.Candidate {
	if b.news == nil {
		return nil
	}

	articles, err := b.news.Search(ctx, newsCatalystQuery, 50)
	if err != nil {
		b.logger.Debug("news catalyst scan failed", zap.Error(err))
		return nil
	}

	var out []types.Candidate
	seen := make(map[string]bool)
	for _, article := range articles {
		if !matchesCatalystKeyword(article) {
			continue
		}
		for _, ticker := range extractTickers(article) {
			if seen[ticker] {
				continue
			}
			seen[ticker] = true

			q, err := b.market.Quote(ctx, ticker)
			if err != nil {
				continue
			}
			score := article.RelevanceScore
			if score <= 0 {
				score = 8.0
			}
			out = append(out, types.Candidate{
				Symbol:      ticker,
				Source:      types.SourceNewsCatalyst,
				BuzzScore:   score,
				Reason:      fmt.Sprintf("Catalyst: %s", truncate(article.Title, 80)),
				DetectedAt:  time.Now(),
				Tier:        classifyTier(q.MarketCap, b.config.Tiers),
				MarketCap:   q.MarketCap,
				NewsContent: newsContent(article),
			})
		}
	}
	b.logger.Info("news catalyst scan complete", zap.Int("candidates", len(out)))
	return out
}

// extractTickers pulls candidate ticker symbols out of an article's
// headline and summary: any 2-6 letter uppercase token (optionally
// dollar-prefixed) not on the false-positive exclusion list, plus whatever
// the source itself already annotated.
func extractTickers(a types.NewsArticle) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(sym string) {
		sym = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(sym)), "$")
		if len(sym) < 2 || len(sym) > 6 {
			return
		}
		if catalystExclusionTokens[sym] || seen[sym] {
			return
		}
		seen[sym] = true
		out = append(out, sym)
	}

	for _, sym := range a.TickersMentioned {
		add(sym)
	}
	for _, match := range catalystTickerPattern.FindAllString(a.Title+" "+a.Summary, -1) {
		add(match)
	}
	return out
}

// ApplyFilters narrows candidates to those that clear market-cap, liquidity,
// and earnings-proximity gates. On a Friday with friday_block enabled it
// returns an empty list unconditionally, before any per-candidate check.
func (b *BuzzFactory) ApplyFilters(ctx context.Context, candidates []types.Candidate) ([]types.Candidate, error) {
	if b.config.Phase0.FridayBlock && time.Now().Weekday() == time.Friday {
		b.logger.Warn("friday blocking active, no new entries allowed")
		return nil, nil
	}

	earningsDays := b.config.Phase0.EarningsProximityDays
	if earningsDays <= 0 {
		earningsDays = 5
	}

	filtered := make([]types.Candidate, 0, len(candidates))
	for _, c := range candidates {
		q, err := b.market.Quote(ctx, c.Symbol)
		if err != nil {
			b.logger.Debug("filter: no market data", zap.String("symbol", c.Symbol), zap.Error(err))
			continue
		}

		if !q.MarketCap.IsZero() && q.MarketCap.LessThan(b.config.Tiers.Tier2MidCap.MinMarketCap) {
			b.logger.Debug("filter: below minimum market cap", zap.String("symbol", c.Symbol))
			continue
		}
		c.Tier = classifyTier(q.MarketCap, b.config.Tiers)
		c.MarketCap = q.MarketCap

		if !b.market.CheckLiquidity(q) {
			b.logger.Debug("filter: low liquidity", zap.String("symbol", c.Symbol))
			continue
		}

		if b.market.EarningsWithin(ctx, c.Symbol, earningsDays) {
			b.logger.Debug("filter: earnings within window", zap.String("symbol", c.Symbol))
			continue
		}

		filtered = append(filtered, c)
	}

	b.logger.Info("buzz factory filtering complete",
		zap.Int("passed", len(filtered)), zap.Int("total", len(candidates)))
	return filtered, nil
}

func classifyTier(marketCap decimal.Decimal, tiers config.TiersConfig) types.Tier {
	if marketCap.IsZero() {
		return types.TierUnknown
	}
	if marketCap.GreaterThanOrEqual(tiers.Tier1LargeCap.MinMarketCap) {
		return types.TierOne
	}
	return types.TierTwo
}

func matchesCatalystKeyword(a types.NewsArticle) bool {
	haystack := strings.ToLower(a.Title + " " + a.Summary)
	for _, kw := range catalystKeywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

func newsContent(a types.NewsArticle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "HEADLINE: %s\n", a.Title)
	if a.Summary != "" {
		fmt.Fprintf(&b, "SUMMARY: %s\n", a.Summary)
	}
	fmt.Fprintf(&b, "SOURCE: %s", a.Source)
	return b.String()
}

// inGapScanWindow reports whether now falls in premarket (08:00-09:30) or
// the first 30 minutes of regular trading (09:30-10:00), local time.
func inGapScanWindow(now time.Time) bool {
	premarketStart := 8 * time.Hour
	marketOpen := 9*time.Hour + 30*time.Minute
	earlyMarketEnd := marketOpen + 30*time.Minute

	sinceMidnight := time.Duration(now.Hour())*time.Hour +
		time.Duration(now.Minute())*time.Minute +
		time.Duration(now.Second())*time.Second

	return sinceMidnight >= premarketStart && sinceMidnight < earlyMarketEnd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func absFloat(a float64) float64 {
	if a < 0 {
		return -a
	}
	return a
}

func formatBillions(d decimal.Decimal) string {
	billions := d.Div(decimal.NewFromInt(1_000_000_000)).InexactFloat64()
	return fmt.Sprintf("$%.1fB", billions)
}

func formatMillions(d decimal.Decimal) string {
	millions := d.Div(decimal.NewFromInt(1_000_000)).InexactFloat64()
	return fmt.Sprintf("$%.1fM", millions)
}
