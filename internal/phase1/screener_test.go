package phase1

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/internal/aigateway"
	"github.com/iara-trader/engine/pkg/types"
)

type fakeMarket struct {
	quote types.Quote
	bars  []types.OHLCV
	err   error
}

func (m *fakeMarket) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	return m.quote, m.err
}

func (m *fakeMarket) OHLCV(ctx context.Context, symbol string, lookbackDays int) ([]types.OHLCV, error) {
	return m.bars, m.err
}

type fakeClient struct {
	response aigateway.Response
	err      error
}

func (f *fakeClient) Complete(ctx context.Context, prompt, systemPrompt string, temperature float64, maxTokens int) (aigateway.Response, error) {
	return f.response, f.err
}

func makeBars(n int, start float64) []types.OHLCV {
	bars := make([]types.OHLCV, n)
	price := start
	for i := range bars {
		bars[i] = types.OHLCV{
			Timestamp: time.Now().AddDate(0, 0, i-n),
			Open:      decimal.NewFromFloat(price),
			High:      decimal.NewFromFloat(price * 1.01),
			Low:       decimal.NewFromFloat(price * 0.99),
			Close:     decimal.NewFromFloat(price),
			Volume:    decimal.NewFromInt(1_000_000),
		}
		price *= 1.002
	}
	return bars
}

func TestScreenPassesAboveThreshold(t *testing.T) {
	market := &fakeMarket{
		quote: types.Quote{Symbol: "AAPL", Price: decimal.NewFromInt(200), ChangePct: 1.5},
		bars:  makeBars(30, 100),
	}
	gw := aigateway.New(zap.NewNop(), map[aigateway.Provider]aigateway.Client{
		aigateway.ProviderGemini: &fakeClient{response: aigateway.Response{
			ParsedJSON: map[string]any{"nota": 8.0, "resumo": "strong setup", "vies": "LONG", "confianca": 0.8},
		}},
	})
	s := New(zap.NewNop(), gw, market, 7, "")
	defer s.Close()

	result := s.Screen(context.Background(), types.Candidate{Symbol: "AAPL"})
	if !result.Passed {
		t.Fatalf("Screen() Passed = false, want true for score 8 >= threshold 7")
	}
	if result.Bias != types.DirectionLong {
		t.Errorf("Bias = %s, want LONG", result.Bias)
	}
}

func TestScreenFailsBelowThreshold(t *testing.T) {
	market := &fakeMarket{
		quote: types.Quote{Symbol: "TSLA", Price: decimal.NewFromInt(200)},
		bars:  makeBars(30, 100),
	}
	gw := aigateway.New(zap.NewNop(), map[aigateway.Provider]aigateway.Client{
		aigateway.ProviderGemini: &fakeClient{response: aigateway.Response{
			ParsedJSON: map[string]any{"nota": 4.0, "resumo": "weak", "vies": "NEUTRO", "confianca": 0.3},
		}},
	})
	s := New(zap.NewNop(), gw, market, 7, "")
	defer s.Close()

	result := s.Screen(context.Background(), types.Candidate{Symbol: "TSLA"})
	if result.Passed {
		t.Fatalf("Screen() Passed = true, want false for score 4 < threshold 7")
	}
}

func TestScreenReturnsFailedResultOnAIError(t *testing.T) {
	market := &fakeMarket{quote: types.Quote{Symbol: "MSFT"}, bars: makeBars(30, 100)}
	gw := aigateway.New(zap.NewNop(), map[aigateway.Provider]aigateway.Client{
		aigateway.ProviderGemini: &fakeClient{err: errors.New("boom")},
	})
	s := New(zap.NewNop(), gw, market, 7, "")
	defer s.Close()

	result := s.Screen(context.Background(), types.Candidate{Symbol: "MSFT"})
	if result.Passed {
		t.Fatalf("Screen() Passed = true, want false on AI failure")
	}
}

func TestScreenBatchSortsByScoreDescending(t *testing.T) {
	market := &fakeMarket{quote: types.Quote{Symbol: "X"}, bars: makeBars(30, 100)}
	var calls int64
	scores := []float64{3.0, 9.0, 5.0}
	gw := aigateway.New(zap.NewNop(), map[aigateway.Provider]aigateway.Client{
		aigateway.ProviderGemini: &fakeClientSeq{scores: scores, calls: &calls},
	})
	s := New(zap.NewNop(), gw, market, 7, "")
	defer s.Close()

	candidates := []types.Candidate{{Symbol: "A"}, {Symbol: "B"}, {Symbol: "C"}}
	results := s.ScreenBatch(context.Background(), candidates)

	for i := 1; i < len(results); i++ {
		if results[i-1].Score < results[i].Score {
			t.Fatalf("ScreenBatch() not sorted descending: %v", results)
		}
	}
}

type fakeClientSeq struct {
	scores []float64
	calls  *int64
}

func (f *fakeClientSeq) Complete(ctx context.Context, prompt, systemPrompt string, temperature float64, maxTokens int) (aigateway.Response, error) {
	idx := atomic.AddInt64(f.calls, 1) - 1
	score := f.scores[idx%int64(len(f.scores))]
	return aigateway.Response{ParsedJSON: map[string]any{"nota": score, "vies": "NEUTRO"}}, nil
}
