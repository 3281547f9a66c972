package marketdata

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iara-trader/engine/pkg/types"
)

// Synthetic is an offline Source: a deterministic per-symbol random walk,
// used when no live market-data vendor is configured so the engine can
// still run its full cycle, and the paper broker has something to fill
// against, without any network access. It is not a substitute for a real
// vendor adapter; callers that need one implement Source the same way.
type Synthetic struct {
	basePrices map[string]float64
}

// NewSynthetic builds a Synthetic source.
func NewSynthetic() *Synthetic {
	return &Synthetic{basePrices: make(map[string]float64)}
}

func (s *Synthetic) priceFor(symbol string, at time.Time) float64 {
	base, ok := s.basePrices[symbol]
	if !ok {
		base = 50 + seedFloat(symbol)*450
		s.basePrices[symbol] = base
	}
	r := rand.New(rand.NewSource(daySeed(symbol, at)))
	walk := 1.0
	for i := 0; i < 20; i++ {
		walk *= 1 + (r.Float64()-0.5)*0.01
	}
	return base * walk
}

func seedFloat(symbol string) float64 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return float64(h.Sum32()%1000) / 1000
}

func daySeed(symbol string, at time.Time) int64 {
	h := fnv.New64a()
	h.Write([]byte(symbol + at.Format("2006-01-02")))
	return int64(h.Sum64())
}

// Quote returns a synthetic snapshot for symbol.
func (s *Synthetic) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	now := time.Now()
	price := s.priceFor(symbol, now)
	prevClose := s.priceFor(symbol, now.Add(-24*time.Hour))
	changePct := 0.0
	if prevClose > 0 {
		changePct = (price - prevClose) / prevClose * 100
	}
	volume := int64(500_000 + seedFloat(symbol)*4_500_000)
	return types.Quote{
		Symbol:        symbol,
		Price:         decimal.NewFromFloat(price),
		Open:          decimal.NewFromFloat(prevClose),
		High:          decimal.NewFromFloat(math.Max(price, prevClose) * 1.01),
		Low:           decimal.NewFromFloat(math.Min(price, prevClose) * 0.99),
		Close:         decimal.NewFromFloat(price),
		Volume:        volume,
		AvgVolume:     volume,
		MarketCap:     decimal.NewFromFloat(price * 1_000_000_000 / 50),
		ChangePct:     changePct,
		PreviousClose: decimal.NewFromFloat(prevClose),
		Beta:          0.8 + seedFloat(symbol)*0.9,
		Sector:        syntheticSector(symbol),
		FetchedAt:     now,
	}, nil
}

// OHLCV returns lookbackDays+1 synthetic daily bars (the lookback window
// plus today), oldest first.
func (s *Synthetic) OHLCV(ctx context.Context, symbol string, lookbackDays int) ([]types.OHLCV, error) {
	if lookbackDays <= 0 {
		lookbackDays = 60
	}
	now := time.Now()
	bars := make([]types.OHLCV, 0, lookbackDays+1)
	for i := lookbackDays; i >= 0; i-- {
		day := now.AddDate(0, 0, -i)
		closePrice := s.priceFor(symbol, day)
		openPrice := s.priceFor(symbol, day.Add(-12*time.Hour))
		high := math.Max(openPrice, closePrice) * 1.008
		low := math.Min(openPrice, closePrice) * 0.992
		volume := 500_000 + seedFloat(symbol+day.Format("2006-01-02"))*4_500_000
		bars = append(bars, types.OHLCV{
			Timestamp: day,
			Open:      decimal.NewFromFloat(openPrice),
			High:      decimal.NewFromFloat(high),
			Low:       decimal.NewFromFloat(low),
			Close:     decimal.NewFromFloat(closePrice),
			Volume:    decimal.NewFromFloat(volume),
		})
	}
	return bars, nil
}

// EarningsDate reports no known earnings date; the synthetic source carries
// no corporate-calendar data.
func (s *Synthetic) EarningsDate(ctx context.Context, symbol string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func syntheticSector(symbol string) string {
	sectors := []string{"Technology", "Healthcare", "Financials", "Energy", "Consumer", "Industrials"}
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return sectors[int(h.Sum32())%len(sectors)]
}
