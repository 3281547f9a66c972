package aigateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpDoer is the subset of *http.Client the provider clients need, so
// tests can inject a fake transport without a live network.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// GeminiClient calls the Google Gemini generateContent REST endpoint.
type GeminiClient struct {
	apiKey string
	model  string
	http   httpDoer
}

// NewGeminiClient builds a Gemini client for model (e.g. "gemini-2.5-flash"
// for the Screener, "gemini-3-pro-preview" for the Judge) with timeout
// applied to every request by the underlying http.Client.
func NewGeminiClient(apiKey, model string, timeout time.Duration) *GeminiClient {
	return &GeminiClient{apiKey: apiKey, model: model, http: &http.Client{Timeout: timeout}}
}

func (c *GeminiClient) Complete(ctx context.Context, prompt, systemPrompt string, temperature float64, maxTokens int) (Response, error) {
	fullPrompt := prompt
	if systemPrompt != "" {
		fullPrompt = systemPrompt + "\n\n" + prompt
	}

	body := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": fullPrompt}}},
		},
		"generationConfig": map[string]any{
			"temperature":     temperature,
			"maxOutputTokens": maxTokens,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("aigateway: marshalling gemini request: %w", err)
	}

	url := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent?key=%s", c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("aigateway: building gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("aigateway: gemini request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("aigateway: reading gemini response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("aigateway: gemini returned %d: %s", resp.StatusCode, string(raw))
	}

	var parsed struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			TotalTokenCount int `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, fmt.Errorf("aigateway: parsing gemini response: %w", err)
	}

	var content string
	if len(parsed.Candidates) > 0 {
		for _, p := range parsed.Candidates[0].Content.Parts {
			content += p.Text
		}
	}

	return Response{
		Provider:   ProviderGemini,
		Model:      c.model,
		Content:    content,
		ParsedJSON: ExtractJSON(content),
		TokensUsed: parsed.UsageMetadata.TotalTokenCount,
	}, nil
}

// OpenAIClient calls the OpenAI chat completions REST endpoint.
type OpenAIClient struct {
	apiKey string
	model  string
	http   httpDoer
}

// NewOpenAIClient builds an OpenAI client.
func NewOpenAIClient(apiKey, model string, timeout time.Duration) *OpenAIClient {
	return &OpenAIClient{apiKey: apiKey, model: model, http: &http.Client{Timeout: timeout}}
}

func (c *OpenAIClient) Complete(ctx context.Context, prompt, systemPrompt string, temperature float64, maxTokens int) (Response, error) {
	messages := []map[string]string{}
	if systemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": systemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})

	body := map[string]any{
		"model":                 c.model,
		"messages":              messages,
		"temperature":           temperature,
		"max_completion_tokens": maxTokens,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("aigateway: marshalling openai request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("aigateway: building openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("aigateway: openai request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("aigateway: reading openai response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("aigateway: openai returned %d: %s", resp.StatusCode, string(raw))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, fmt.Errorf("aigateway: parsing openai response: %w", err)
	}

	var content string
	if len(parsed.Choices) > 0 {
		content = parsed.Choices[0].Message.Content
	}

	return Response{
		Provider:   ProviderOpenAI,
		Model:      c.model,
		Content:    content,
		ParsedJSON: ExtractJSON(content),
		TokensUsed: parsed.Usage.TotalTokens,
	}, nil
}

// AnthropicClient calls the Anthropic Messages REST endpoint.
type AnthropicClient struct {
	apiKey string
	model  string
	http   httpDoer
}

// NewAnthropicClient builds an Anthropic client.
func NewAnthropicClient(apiKey, model string, timeout time.Duration) *AnthropicClient {
	return &AnthropicClient{apiKey: apiKey, model: model, http: &http.Client{Timeout: timeout}}
}

func (c *AnthropicClient) Complete(ctx context.Context, prompt, systemPrompt string, temperature float64, maxTokens int) (Response, error) {
	body := map[string]any{
		"model":       c.model,
		"max_tokens":  maxTokens,
		"temperature": temperature,
		"messages":    []map[string]string{{"role": "user", "content": prompt}},
	}
	if systemPrompt != "" {
		body["system"] = systemPrompt
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("aigateway: marshalling anthropic request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.anthropic.com/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("aigateway: building anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("aigateway: anthropic request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("aigateway: reading anthropic response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("aigateway: anthropic returned %d: %s", resp.StatusCode, string(raw))
	}

	var parsed struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, fmt.Errorf("aigateway: parsing anthropic response: %w", err)
	}

	var content string
	if len(parsed.Content) > 0 {
		content = parsed.Content[0].Text
	}

	return Response{
		Provider:   ProviderAnthropic,
		Model:      c.model,
		Content:    content,
		ParsedJSON: ExtractJSON(content),
		TokensUsed: parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
	}, nil
}

// FromEnv builds a provider map from whichever API keys are present in the
// environment; a missing key simply leaves that provider (and, for Gemini,
// its Pro variant) out of the map.
func FromEnv(getenv func(string) string) map[Provider]Client {
	clients := make(map[Provider]Client)
	if key := getenv("GEMINI_API_KEY"); key != "" {
		clients[ProviderGemini] = NewGeminiClient(key, "gemini-2.5-flash", 30*time.Second)
		clients[ProviderGeminiPro] = NewGeminiClient(key, "gemini-3-pro-preview", 90*time.Second)
	}
	if key := getenv("OPENAI_API_KEY"); key != "" {
		clients[ProviderOpenAI] = NewOpenAIClient(key, "gpt-5.2", 30*time.Second)
	}
	if key := getenv("ANTHROPIC_API_KEY"); key != "" {
		clients[ProviderAnthropic] = NewAnthropicClient(key, "claude-sonnet-4-5", 30*time.Second)
	}
	return clients
}
