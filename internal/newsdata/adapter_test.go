package newsdata

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/iara-trader/engine/pkg/types"
)

func testLogger() *zap.Logger { return zap.NewNop() }

type fakeNewsSource struct {
	articles []types.NewsArticle
	err      error
	calls    int
}

func (f *fakeNewsSource) Search(ctx context.Context, symbol string, max int) ([]types.NewsArticle, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.articles, nil
}

func TestSearchFallsBackOnPrimaryFailure(t *testing.T) {
	primary := &fakeNewsSource{err: errors.New("boom")}
	secondary := &fakeNewsSource{articles: []types.NewsArticle{{Title: "from secondary"}}}

	a := New(testLogger(), primary, secondary, nil, DefaultConfig())
	articles, err := a.Search(context.Background(), "AAPL", 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(articles) != 1 || articles[0].Title != "from secondary" {
		t.Errorf("articles = %v, want secondary source's articles", articles)
	}
}

func TestSearchSkipsPrimaryWhenQuotaExhausted(t *testing.T) {
	primary := &fakeNewsSource{articles: []types.NewsArticle{{Title: "from primary"}}}
	secondary := &fakeNewsSource{articles: []types.NewsArticle{{Title: "from secondary"}}}

	cfg := DefaultConfig()
	cfg.DailyQuota = 1
	quota := newMemoryQuotaStore()
	quota.counts[time.Now().Format("2006-01-02")] = 1 // today's quota is already spent

	a := New(testLogger(), primary, secondary, quota, cfg)
	articles, err := a.Search(context.Background(), "AAPL", 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if primary.calls != 0 {
		t.Errorf("primary called %d times, want 0 once today's quota is spent", primary.calls)
	}
	if len(articles) != 1 || articles[0].Title != "from secondary" {
		t.Errorf("articles = %v, want secondary source's articles", articles)
	}
}

func TestSearchUsesCacheOnSecondCall(t *testing.T) {
	primary := &fakeNewsSource{articles: []types.NewsArticle{{Title: "cached"}}}
	a := New(testLogger(), primary, nil, nil, DefaultConfig())

	if _, err := a.Search(context.Background(), "MSFT", 10); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if _, err := a.Search(context.Background(), "MSFT", 10); err != nil {
		t.Fatalf("Search() second call error = %v", err)
	}
	if primary.calls != 1 {
		t.Errorf("primary called %d times, want 1 (second call served from cache)", primary.calls)
	}
}

func TestFileQuotaStorePersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.json")
	store1 := NewFileQuotaStore(path)
	if _, err := store1.Increment("2026-07-29"); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}

	store2 := NewFileQuotaStore(path)
	count, err := store2.Get("2026-07-29")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 (persisted across instances)", count)
	}
}
