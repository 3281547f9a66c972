// Package marketdata provides the engine's market-data adapter: quotes,
// OHLCV history, and liquidity checks, rate-limited so a wide Phase 0
// universe scan cannot burst past the vendor's ceiling.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/iara-trader/engine/pkg/types"
)

// Source is the vendor-facing interface a concrete backend implements
// (e.g. a REST client against a market-data provider). The adapter wraps a
// Source with rate limiting and the derived liquidity/earnings checks.
type Source interface {
	Quote(ctx context.Context, symbol string) (types.Quote, error)
	OHLCV(ctx context.Context, symbol string, lookbackDays int) ([]types.OHLCV, error)
	EarningsDate(ctx context.Context, symbol string) (time.Time, bool, error)
}

// Config tunes the adapter's rate limit and liquidity thresholds.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	MinAvgVolume      int64
	MinDollarVolume   decimal.Decimal
}

// DefaultConfig returns the adapter's baseline tuning.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		Burst:             10,
		MinAvgVolume:      500_000,
		MinDollarVolume:   decimal.NewFromInt(5_000_000),
	}
}

// Adapter is the engine-facing market-data surface.
type Adapter struct {
	logger   *zap.Logger
	source   Source
	limiter  *rate.Limiter
	config   Config
	quality  *QualityValidator

	earningsMu    sync.Mutex
	earningsCache map[string]earningsCacheEntry

	macroMu    sync.Mutex
	macroCache types.MacroSnapshot
}

type earningsCacheEntry struct {
	date      time.Time
	has       bool
	expiresAt time.Time
}

// New builds an Adapter around source.
func New(logger *zap.Logger, source Source, cfg Config) *Adapter {
	return &Adapter{
		logger:        logger.Named("marketdata"),
		source:        source,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		config:        cfg,
		quality:       NewQualityValidator(logger),
		earningsCache: make(map[string]earningsCacheEntry),
	}
}

func (a *Adapter) wait(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("marketdata: rate limiter: %w", err)
	}
	return nil
}

// Quote fetches a single-symbol market snapshot.
func (a *Adapter) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	if err := a.wait(ctx); err != nil {
		return types.Quote{}, err
	}
	q, err := a.source.Quote(ctx, symbol)
	if err != nil {
		return types.Quote{}, fmt.Errorf("marketdata: quote for %s: %w", symbol, err)
	}
	return q, nil
}

// OHLCV fetches lookbackDays of daily candles.
func (a *Adapter) OHLCV(ctx context.Context, symbol string, lookbackDays int) ([]types.OHLCV, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	bars, err := a.source.OHLCV(ctx, symbol, lookbackDays)
	if err != nil {
		return nil, fmt.Errorf("marketdata: ohlcv for %s: %w", symbol, err)
	}
	if report := a.quality.Validate(bars, symbol); !report.IsUsable {
		a.logger.Warn("ohlcv series failed quality validation",
			zap.String("symbol", symbol), zap.Int("score", report.QualityScore), zap.Int("issues", len(report.Issues)))
	}
	return bars, nil
}

// CheckLiquidity reports whether a quote clears the minimum average-volume
// and minimum dollar-volume thresholds.
func (a *Adapter) CheckLiquidity(q types.Quote) bool {
	if q.AvgVolume < a.config.MinAvgVolume {
		return false
	}
	dollarVolume := decimal.NewFromInt(q.Volume).Mul(q.Price)
	return dollarVolume.GreaterThanOrEqual(a.config.MinDollarVolume)
}

// EarningsWithin reports whether symbol has an earnings date within days,
// caching the lookup for 24h; a lookup failure is fail-open (false).
func (a *Adapter) EarningsWithin(ctx context.Context, symbol string, days int) bool {
	a.earningsMu.Lock()
	if cached, ok := a.earningsCache[symbol]; ok && time.Now().Before(cached.expiresAt) {
		a.earningsMu.Unlock()
		return cached.has && withinDays(cached.date, days)
	}
	a.earningsMu.Unlock()

	if err := a.wait(ctx); err != nil {
		return false
	}
	date, has, err := a.source.EarningsDate(ctx, symbol)
	if err != nil {
		a.logger.Warn("earnings lookup failed, failing open", zap.String("symbol", symbol), zap.Error(err))
		return false
	}

	a.earningsMu.Lock()
	a.earningsCache[symbol] = earningsCacheEntry{date: date, has: has, expiresAt: time.Now().Add(24 * time.Hour)}
	a.earningsMu.Unlock()

	return has && withinDays(date, days)
}

func withinDays(date time.Time, days int) bool {
	if date.IsZero() {
		return false
	}
	delta := time.Until(date)
	return delta >= 0 && delta <= time.Duration(days)*24*time.Hour
}
