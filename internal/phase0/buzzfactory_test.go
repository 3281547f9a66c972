package phase0

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/internal/config"
	"github.com/iara-trader/engine/pkg/types"
)

type fakeMarket struct {
	quotes        map[string]types.Quote
	liquid        map[string]bool
	earningsSoon  map[string]bool
}

func (m *fakeMarket) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	if q, ok := m.quotes[symbol]; ok {
		return q, nil
	}
	return types.Quote{Symbol: symbol}, nil
}

func (m *fakeMarket) CheckLiquidity(q types.Quote) bool {
	if m.liquid == nil {
		return true
	}
	liquid, ok := m.liquid[q.Symbol]
	return !ok || liquid
}

func (m *fakeMarket) EarningsWithin(ctx context.Context, symbol string, days int) bool {
	return m.earningsSoon != nil && m.earningsSoon[symbol]
}

type fakeNews struct {
	articles map[string][]types.NewsArticle
}

func (n *fakeNews) Search(ctx context.Context, symbol string, max int) ([]types.NewsArticle, error) {
	return n.articles[symbol], nil
}

func testConfig() Config {
	cfg := config.DefaultConfig()
	c := ConfigFrom(cfg)
	c.Watchlist = []string{"AAPL"}
	c.Universe = []string{"AAPL", "TSLA"}
	return c
}

func TestScanWatchlistRejectsBelowTier1MarketCap(t *testing.T) {
	market := &fakeMarket{quotes: map[string]types.Quote{
		"AAPL": {Symbol: "AAPL", Price: decimal.NewFromInt(200), MarketCap: decimal.NewFromInt(1_000_000_000)},
	}}
	b := New(zap.NewNop(), market, nil, testConfig())
	defer b.Close()

	got := b.scanWatchlist(context.Background())
	if len(got) != 0 {
		t.Fatalf("scanWatchlist() = %v, want no candidates below tier1 market cap", got)
	}
}

func TestScanVolumeSpikesDetectsRatioAboveMultiplier(t *testing.T) {
	market := &fakeMarket{quotes: map[string]types.Quote{
		"AAPL": {Symbol: "AAPL", Price: decimal.NewFromInt(100), Volume: 10_000_000, AvgVolume: 1_000_000, MarketCap: decimal.NewFromInt(5_000_000_000)},
		"TSLA": {Symbol: "TSLA", Price: decimal.NewFromInt(200), Volume: 1_000_000, AvgVolume: 1_000_000, MarketCap: decimal.NewFromInt(5_000_000_000)},
	}}
	b := New(zap.NewNop(), market, nil, testConfig())
	defer b.Close()

	got := b.scanVolumeSpikes(context.Background())
	if len(got) != 1 || got[0].Symbol != "AAPL" {
		t.Fatalf("scanVolumeSpikes() = %v, want only AAPL (10x volume ratio)", got)
	}
}

func TestScanGapsSkippedOutsideWindowUnlessForced(t *testing.T) {
	market := &fakeMarket{quotes: map[string]types.Quote{
		"AAPL": {Symbol: "AAPL", Price: decimal.NewFromInt(110), PreviousClose: decimal.NewFromInt(100)},
	}}
	b := New(zap.NewNop(), market, nil, testConfig())
	defer b.Close()

	got := b.scanGaps(context.Background(), false)
	if inGapScanWindow(time.Now()) {
		t.Skip("test environment happens to be inside the gap scan window")
	}
	if len(got) != 0 {
		t.Fatalf("scanGaps(force=false) outside window = %v, want none", got)
	}

	forced := b.scanGaps(context.Background(), true)
	if len(forced) != 1 || forced[0].Symbol != "AAPL" {
		t.Fatalf("scanGaps(force=true) = %v, want AAPL 10%% gap", forced)
	}
}

func TestGenerateDailyBuzzDedupsFirstSourceWins(t *testing.T) {
	market := &fakeMarket{quotes: map[string]types.Quote{
		"AAPL": {Symbol: "AAPL", Price: decimal.NewFromInt(200), Volume: 10_000_000, AvgVolume: 1_000_000, MarketCap: decimal.NewFromInt(5_000_000_000)},
		"TSLA": {Symbol: "TSLA", Price: decimal.NewFromInt(200), Volume: 1_000_000, AvgVolume: 1_000_000, MarketCap: decimal.NewFromInt(5_000_000_000)},
	}}
	cfg := testConfig()
	b := New(zap.NewNop(), market, nil, cfg)
	defer b.Close()

	candidates, err := b.GenerateDailyBuzz(context.Background(), true)
	if err != nil {
		t.Fatalf("GenerateDailyBuzz() error = %v", err)
	}
	seen := make(map[string]bool)
	for _, c := range candidates {
		if seen[c.Symbol] {
			t.Fatalf("GenerateDailyBuzz() returned duplicate symbol %s", c.Symbol)
		}
		seen[c.Symbol] = true
	}
	if len(candidates) == 0 {
		t.Fatalf("GenerateDailyBuzz() returned no candidates")
	}
	// AAPL appears in both watchlist and volume-spike scans; watchlist runs
	// first so it should own AAPL's entry (BuzzScore 5.0, not the spike score).
	for _, c := range candidates {
		if c.Symbol == "AAPL" && c.Source != types.SourceWatchlist {
			t.Errorf("AAPL source = %s, want watchlist (first source wins)", c.Source)
		}
	}
}

func TestGenerateDailyBuzzCapsAtMaxCandidates(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCandidates = 1
	cfg.Watchlist = []string{"AAPL", "TSLA"}
	cfg.Universe = nil
	market := &fakeMarket{quotes: map[string]types.Quote{
		"AAPL": {Symbol: "AAPL", Price: decimal.NewFromInt(200), MarketCap: decimal.NewFromInt(5_000_000_000)},
		"TSLA": {Symbol: "TSLA", Price: decimal.NewFromInt(200), MarketCap: decimal.NewFromInt(5_000_000_000)},
	}}
	b := New(zap.NewNop(), market, nil, cfg)
	defer b.Close()

	candidates, err := b.GenerateDailyBuzz(context.Background(), false)
	if err != nil {
		t.Fatalf("GenerateDailyBuzz() error = %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("GenerateDailyBuzz() returned %d candidates, want 1 (capped)", len(candidates))
	}
}

func TestApplyFiltersBlocksEverythingOnFriday(t *testing.T) {
	if time.Now().Weekday() != time.Friday {
		t.Skip("only meaningful when run on a Friday")
	}
	cfg := testConfig()
	b := New(zap.NewNop(), &fakeMarket{}, nil, cfg)
	defer b.Close()

	filtered, err := b.ApplyFilters(context.Background(), []types.Candidate{{Symbol: "AAPL"}})
	if err != nil {
		t.Fatalf("ApplyFilters() error = %v", err)
	}
	if len(filtered) != 0 {
		t.Fatalf("ApplyFilters() on Friday = %v, want empty", filtered)
	}
}

func TestApplyFiltersRejectsEarningsProximity(t *testing.T) {
	cfg := testConfig()
	cfg.Phase0.FridayBlock = false
	market := &fakeMarket{
		quotes: map[string]types.Quote{
			"AAPL": {Symbol: "AAPL", MarketCap: decimal.NewFromInt(5_000_000_000)},
		},
		earningsSoon: map[string]bool{"AAPL": true},
	}
	b := New(zap.NewNop(), market, nil, cfg)
	defer b.Close()

	filtered, err := b.ApplyFilters(context.Background(), []types.Candidate{{Symbol: "AAPL"}})
	if err != nil {
		t.Fatalf("ApplyFilters() error = %v", err)
	}
	if len(filtered) != 0 {
		t.Fatalf("ApplyFilters() = %v, want AAPL rejected for earnings proximity", filtered)
	}
}

func TestApplyFiltersRejectsLowLiquidity(t *testing.T) {
	cfg := testConfig()
	cfg.Phase0.FridayBlock = false
	market := &fakeMarket{
		quotes: map[string]types.Quote{
			"AAPL": {Symbol: "AAPL", MarketCap: decimal.NewFromInt(5_000_000_000)},
		},
		liquid: map[string]bool{"AAPL": false},
	}
	b := New(zap.NewNop(), market, nil, cfg)
	defer b.Close()

	filtered, err := b.ApplyFilters(context.Background(), []types.Candidate{{Symbol: "AAPL"}})
	if err != nil {
		t.Fatalf("ApplyFilters() error = %v", err)
	}
	if len(filtered) != 0 {
		t.Fatalf("ApplyFilters() = %v, want AAPL rejected for low liquidity", filtered)
	}
}

func TestExtractTickersFiltersExclusionList(t *testing.T) {
	article := types.NewsArticle{
		Title:   "SEC probes NVDA after FDA comments on USA trade policy",
		Summary: "The SEC and FDA said nothing about AAPL's IPO plans.",
	}
	got := extractTickers(article)

	want := map[string]bool{"NVDA": true, "AAPL": true}
	for _, sym := range got {
		if !want[sym] {
			t.Errorf("extractTickers() returned unexpected symbol %q (should have been excluded)", sym)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("extractTickers() = %v, want exactly %v", got, want)
	}
}

func TestExtractTickersRejectsOutOfRangeLength(t *testing.T) {
	article := types.NewsArticle{Title: "A TSLA deal with ABCDEFG corp"}
	got := extractTickers(article)
	for _, sym := range got {
		if sym == "A" || sym == "ABCDEFG" {
			t.Errorf("extractTickers() = %v, want 1-letter and 7-letter tokens rejected", got)
		}
	}
}

func TestScanNewsCatalystsMatchesKeywordAndExtractsTicker(t *testing.T) {
	market := &fakeMarket{quotes: map[string]types.Quote{
		"NVDA": {Symbol: "NVDA", MarketCap: decimal.NewFromInt(2_000_000_000_000)},
	}}
	news := &fakeNews{articles: map[string][]types.NewsArticle{
		newsCatalystQuery: {
			{Title: "NVDA surges on blowout earnings", Summary: "Shares up sharply."},
			{Title: "Local weather report", Summary: "Rain expected tomorrow."},
		},
	}}
	b := New(zap.NewNop(), market, news, testConfig())
	defer b.Close()

	got := b.scanNewsCatalysts(context.Background())
	if len(got) != 1 || got[0].Symbol != "NVDA" {
		t.Fatalf("scanNewsCatalysts() = %v, want single NVDA candidate", got)
	}
}
