// Package aigateway centralizes calls to AI providers behind a single
// Complete method with automatic fallback: preferred provider first, then
// Gemini Pro, Gemini Flash, OpenAI, Anthropic in that order, skipping
// providers that are unconfigured or already tried. Each provider client is
// wrapped in its own circuit breaker so a provider having a bad day stops
// being retried for a cooldown window instead of adding latency to every
// call.
package aigateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/internal/metrics"
)

// Provider identifies one of the engine's AI backends.
type Provider string

const (
	ProviderGemini     Provider = "gemini"
	ProviderGeminiPro  Provider = "gemini_pro"
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
)

// Response is a provider completion, successful or not.
type Response struct {
	Provider   Provider
	Model      string
	Content    string
	ParsedJSON map[string]any
	TokensUsed int
	LatencyMS  float64
}

// ErrAllProvidersFailed is returned when every configured provider in the
// fallback chain fails or none are configured.
var ErrAllProvidersFailed = errors.New("aigateway: all providers failed")

// ErrProviderUnavailable wraps a single provider's failure inside the
// fallback loop's logging, never surfaced directly to callers.
var ErrProviderUnavailable = errors.New("aigateway: provider unavailable")

// Client is the interface a concrete provider (Gemini, OpenAI, Anthropic)
// implements. One Complete call, one variant — dispatch is a flat list, not
// inheritance.
type Client interface {
	Complete(ctx context.Context, prompt, systemPrompt string, temperature float64, maxTokens int) (Response, error)
}

// Gateway dispatches completions across configured providers with fallback
// and per-provider circuit breaking.
type Gateway struct {
	logger   *zap.Logger
	clients  map[Provider]Client
	breakers map[Provider]*gobreaker.CircuitBreaker
}

// New constructs a Gateway from whichever provider clients are non-nil;
// absent clients (no API key discovered) are simply left out of the
// fallback chain.
func New(logger *zap.Logger, clients map[Provider]Client) *Gateway {
	g := &Gateway{
		logger:   logger.Named("aigateway"),
		clients:  clients,
		breakers: make(map[Provider]*gobreaker.CircuitBreaker),
	}
	for p := range clients {
		p := p
		g.breakers[p] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(p),
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				g.logger.Warn("circuit breaker state change",
					zap.String("provider", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		g.logger.Info("ai provider configured", zap.String("provider", string(p)))
	}
	return g
}

func (g *Gateway) fallbackOrder(preferred Provider) []Provider {
	order := []Provider{preferred}
	for _, p := range []Provider{ProviderGeminiPro, ProviderGemini, ProviderOpenAI, ProviderAnthropic} {
		if p == preferred {
			continue
		}
		order = append(order, p)
	}
	return order
}

// Complete tries preferred first, then the rest of the fallback order,
// returning the first successful response.
func (g *Gateway) Complete(ctx context.Context, prompt, systemPrompt string, preferred Provider, temperature float64, maxTokens int) (Response, error) {
	order := g.fallbackOrder(preferred)

	for idx, p := range order {
		client, ok := g.clients[p]
		if !ok {
			continue
		}
		breaker := g.breakers[p]
		label := "PRIMARY"
		if idx > 0 {
			label = fmt.Sprintf("FALLBACK #%d", idx)
		}
		g.logger.Debug("calling ai provider", zap.String("attempt", label), zap.String("provider", string(p)))

		start := time.Now()
		result, err := breaker.Execute(func() (interface{}, error) {
			resp, err := client.Complete(ctx, prompt, systemPrompt, temperature, maxTokens)
			if err == nil && resp.Content == "" && resp.ParsedJSON == nil {
				return resp, fmt.Errorf("%w: %s returned empty content", ErrProviderUnavailable, p)
			}
			return resp, err
		})
		elapsed := time.Since(start)

		if err != nil {
			metrics.AICallsTotal.WithLabelValues(string(p), "failure").Inc()
			g.logger.Warn("ai provider failed",
				zap.String("provider", string(p)), zap.Duration("elapsed", elapsed), zap.Error(err))
			continue
		}
		metrics.AICallsTotal.WithLabelValues(string(p), "success").Inc()
		resp := result.(Response)
		resp.LatencyMS = float64(elapsed.Microseconds()) / 1000.0
		g.logger.Info("ai provider succeeded",
			zap.String("provider", string(p)), zap.Duration("elapsed", elapsed), zap.Int("tokens", resp.TokensUsed))
		return resp, nil
	}

	g.logger.Error("all ai providers failed")
	return Response{}, ErrAllProvidersFailed
}

// AvailableProviders returns the configured provider set.
func (g *Gateway) AvailableProviders() []Provider {
	out := make([]Provider, 0, len(g.clients))
	for p := range g.clients {
		out = append(out, p)
	}
	return out
}
