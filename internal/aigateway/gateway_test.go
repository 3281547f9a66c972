package aigateway

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

type fakeClient struct {
	provider Provider
	fail     bool
	calls    int
}

func (f *fakeClient) Complete(ctx context.Context, prompt, systemPrompt string, temperature float64, maxTokens int) (Response, error) {
	f.calls++
	if f.fail {
		return Response{}, errors.New("fake provider failure")
	}
	return Response{Provider: f.provider, Content: "ok"}, nil
}

func TestCompletePrefersPreferredProvider(t *testing.T) {
	preferred := &fakeClient{provider: ProviderOpenAI}
	other := &fakeClient{provider: ProviderGemini}
	g := New(zap.NewNop(), map[Provider]Client{
		ProviderOpenAI: preferred,
		ProviderGemini: other,
	})

	resp, err := g.Complete(context.Background(), "p", "", ProviderOpenAI, 0.3, 500)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Provider != ProviderOpenAI {
		t.Errorf("Provider = %v, want %v", resp.Provider, ProviderOpenAI)
	}
	if other.calls != 0 {
		t.Errorf("fallback provider was called %d times, want 0", other.calls)
	}
}

func TestCompleteFallsBackOnFailure(t *testing.T) {
	failing := &fakeClient{provider: ProviderGeminiPro, fail: true}
	working := &fakeClient{provider: ProviderGemini}
	g := New(zap.NewNop(), map[Provider]Client{
		ProviderGeminiPro: failing,
		ProviderGemini:    working,
	})

	resp, err := g.Complete(context.Background(), "p", "", ProviderGeminiPro, 0.3, 500)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Provider != ProviderGemini {
		t.Errorf("Provider = %v, want fallback %v", resp.Provider, ProviderGemini)
	}
}

func TestCompleteReturnsErrorWhenAllFail(t *testing.T) {
	g := New(zap.NewNop(), map[Provider]Client{
		ProviderGemini: &fakeClient{provider: ProviderGemini, fail: true},
	})

	_, err := g.Complete(context.Background(), "p", "", ProviderGemini, 0.3, 500)
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("Complete() error = %v, want ErrAllProvidersFailed", err)
	}
}

func TestCompleteWithNoProvidersConfigured(t *testing.T) {
	g := New(zap.NewNop(), map[Provider]Client{})
	_, err := g.Complete(context.Background(), "p", "", ProviderGemini, 0.3, 500)
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("Complete() error = %v, want ErrAllProvidersFailed", err)
	}
}
