// Package newsdata provides the engine's news-search adapter: a primary
// source with a persisted per-day query quota, falling back to a secondary
// source on quota exhaustion, misconfiguration, or transport failure.
package newsdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/iara-trader/engine/pkg/types"
)

// Source is a single news-search vendor.
type Source interface {
	Search(ctx context.Context, symbol string, max int) ([]types.NewsArticle, error)
}

// QuotaStore persists the primary source's per-day query count across
// restarts, keyed by calendar date.
type QuotaStore interface {
	Get(date string) (int, error)
	Increment(date string) (int, error)
}

// Config tunes quota and cache behavior.
type Config struct {
	DailyQuota        int
	CacheExpiryHours  int
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns the adapter's baseline tuning.
func DefaultConfig() Config {
	return Config{DailyQuota: 95, CacheExpiryHours: 4, RequestsPerSecond: 3, Burst: 5}
}

type cacheEntry struct {
	articles  []types.NewsArticle
	expiresAt time.Time
}

// Adapter is the engine-facing news-search surface.
type Adapter struct {
	logger    *zap.Logger
	primary   Source
	secondary Source
	quota     QuotaStore
	limiter   *rate.Limiter
	config    Config

	cacheMu sync.Mutex
	cache   map[string]cacheEntry
}

// New builds an Adapter. secondary and quota may both be nil; if quota is
// nil, an in-process (non-persisted) counter is used instead.
func New(logger *zap.Logger, primary, secondary Source, quota QuotaStore, cfg Config) *Adapter {
	if quota == nil {
		quota = newMemoryQuotaStore()
	}
	return &Adapter{
		logger:    logger.Named("newsdata"),
		primary:   primary,
		secondary: secondary,
		quota:     quota,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		config:    cfg,
		cache:     make(map[string]cacheEntry),
	}
}

// Search returns news articles for symbol, serving from cache when fresh,
// otherwise querying the primary source (if quota remains) and falling back
// to the secondary source on quota exhaustion or failure.
func (a *Adapter) Search(ctx context.Context, symbol string, max int) ([]types.NewsArticle, error) {
	if cached, ok := a.cached(symbol); ok {
		return cached, nil
	}

	articles, err := a.searchPrimary(ctx, symbol, max)
	if err != nil {
		a.logger.Warn("primary news source failed, falling back", zap.String("symbol", symbol), zap.Error(err))
		articles, err = a.searchSecondary(ctx, symbol, max)
		if err != nil {
			return nil, fmt.Errorf("newsdata: all sources failed for %s: %w", symbol, err)
		}
	}

	a.cacheMu.Lock()
	a.cache[symbol] = cacheEntry{articles: articles, expiresAt: time.Now().Add(time.Duration(a.config.CacheExpiryHours) * time.Hour)}
	a.cacheMu.Unlock()
	return articles, nil
}

func (a *Adapter) cached(symbol string) ([]types.NewsArticle, bool) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	entry, ok := a.cache[symbol]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.articles, true
}

func (a *Adapter) searchPrimary(ctx context.Context, symbol string, max int) ([]types.NewsArticle, error) {
	if a.primary == nil {
		return nil, fmt.Errorf("newsdata: primary source not configured")
	}
	today := time.Now().Format("2006-01-02")
	used, err := a.quota.Get(today)
	if err != nil {
		return nil, fmt.Errorf("newsdata: reading quota: %w", err)
	}
	if used >= a.config.DailyQuota {
		return nil, fmt.Errorf("newsdata: primary quota exhausted for %s", today)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("newsdata: rate limiter: %w", err)
	}

	articles, err := a.primary.Search(ctx, symbol, max)
	if err != nil {
		return nil, err
	}
	if _, err := a.quota.Increment(today); err != nil {
		a.logger.Warn("failed to persist news quota increment", zap.Error(err))
	}
	return articles, nil
}

func (a *Adapter) searchSecondary(ctx context.Context, symbol string, max int) ([]types.NewsArticle, error) {
	if a.secondary == nil {
		return nil, fmt.Errorf("newsdata: secondary source not configured")
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("newsdata: rate limiter: %w", err)
	}
	return a.secondary.Search(ctx, symbol, max)
}

// memoryQuotaStore is the fallback in-process QuotaStore used when no
// persisted implementation is supplied.
type memoryQuotaStore struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMemoryQuotaStore() *memoryQuotaStore {
	return &memoryQuotaStore{counts: make(map[string]int)}
}

func (m *memoryQuotaStore) Get(date string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[date], nil
}

func (m *memoryQuotaStore) Increment(date string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[date]++
	return m.counts[date], nil
}
