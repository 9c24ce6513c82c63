// Package llm provides chat-completion clients for the model providers the
// prediction panel runs on, with retry, circuit breaking and cost tracking.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Client is a chat completion client. Implementations must be safe for
// concurrent use.
type Client interface {
	Complete(ctx context.Context, prompt string, systemPrompt string) (string, error)
	// Model identifies the underlying model, used to attribute predictions
	// for accuracy tracking.
	Model() string
}

// Config configures an HTTPClient.
type Config struct {
	Provider    string // "anthropic", "openai", "deepseek", "openrouter"
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	Backoff     time.Duration
}

// DefaultAnthropicConfig returns a working Anthropic config minus the key.
func DefaultAnthropicConfig() Config {
	return Config{
		Provider:    "anthropic",
		Model:       "claude-sonnet-4-20250514",
		BaseURL:     "https://api.anthropic.com/v1",
		MaxTokens:   2048,
		Temperature: 0.4,
		Timeout:     60 * time.Second,
		MaxRetries:  2,
		Backoff:     2 * time.Second,
	}
}

// DefaultOpenAIConfig returns a working OpenAI config minus the key.
func DefaultOpenAIConfig() Config {
	return Config{
		Provider:    "openai",
		Model:       "gpt-4o-mini",
		BaseURL:     "https://api.openai.com/v1",
		MaxTokens:   2048,
		Temperature: 0.4,
		Timeout:     60 * time.Second,
		MaxRetries:  2,
		Backoff:     2 * time.Second,
	}
}

// DefaultDeepSeekConfig returns a working DeepSeek config minus the key.
func DefaultDeepSeekConfig() Config {
	return Config{
		Provider:    "deepseek",
		Model:       "deepseek-chat",
		BaseURL:     "https://api.deepseek.com/v1",
		MaxTokens:   2048,
		Temperature: 0.4,
		Timeout:     90 * time.Second,
		MaxRetries:  2,
		Backoff:     2 * time.Second,
	}
}

// Usage is the accumulated token usage of one client.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	EstimatedCostUSD float64
}

// CostTracker accumulates usage across calls.
type CostTracker struct {
	mu    sync.Mutex
	usage Usage
}

// Rough per-token rates for the models the panel actually runs; unknown
// models fall back to a mid-range default.
var modelRates = []struct {
	match      string
	inputRate  float64
	outputRate float64
}{
	{"claude-sonnet", 0.000003, 0.000015},
	{"claude-haiku", 0.00000025, 0.00000125},
	{"gpt-4o-mini", 0.000000150, 0.000000600},
	{"gpt-4o", 0.0000050, 0.0000150},
	{"deepseek", 0.00000014, 0.00000028},
}

func costFor(model string, prompt, completion int) float64 {
	in, out := 0.000005, 0.000015
	for _, r := range modelRates {
		if len(model) >= len(r.match) && model[:len(r.match)] == r.match {
			in, out = r.inputRate, r.outputRate
			break
		}
	}
	return float64(prompt)*in + float64(completion)*out
}

// AddUsage records one call's token usage.
func (c *CostTracker) AddUsage(model string, prompt, completion int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.PromptTokens += int64(prompt)
	c.usage.CompletionTokens += int64(completion)
	c.usage.TotalTokens += int64(prompt + completion)
	c.usage.EstimatedCostUSD += costFor(model, prompt, completion)
}

// Snapshot returns a copy of the accumulated usage.
func (c *CostTracker) Snapshot() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// HTTPClient calls a provider's chat completion endpoint. A circuit breaker
// per client keeps a failing provider from stalling every analysis run.
type HTTPClient struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	cost    *CostTracker
}

// NewHTTPClient creates a client for the configured provider.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	switch cfg.Provider {
	case "anthropic", "openai", "deepseek", "openrouter":
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: missing API key", cfg.Provider)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 120 * time.Second,
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Provider + "/" + cfg.Model,
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 4
		},
	})

	return &HTTPClient{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		breaker: breaker,
		cost:    &CostTracker{},
	}, nil
}

// Model implements Client.
func (c *HTTPClient) Model() string {
	return c.cfg.Model
}

// Cost returns the client's cost tracker.
func (c *HTTPClient) Cost() *CostTracker {
	return c.cost
}

type completion struct {
	content          string
	promptTokens     int
	completionTokens int
}

// Complete implements Client with retry and circuit breaking.
func (c *HTTPClient) Complete(ctx context.Context, prompt, systemPrompt string) (string, error) {
	retries := c.cfg.MaxRetries
	if retries == 0 {
		retries = 1
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.cfg.Backoff * time.Duration(i)):
			}
		}

		out, err := c.breaker.Execute(func() (interface{}, error) {
			return c.call(ctx, prompt, systemPrompt)
		})
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}

		comp := out.(*completion)
		c.cost.AddUsage(c.cfg.Model, comp.promptTokens, comp.completionTokens)
		return comp.content, nil
	}
	return "", fmt.Errorf("%s: %w", c.cfg.Provider, lastErr)
}

func (c *HTTPClient) call(ctx context.Context, prompt, systemPrompt string) (*completion, error) {
	if c.cfg.Provider == "anthropic" {
		return c.callAnthropic(ctx, prompt, systemPrompt)
	}
	return c.callOpenAI(ctx, prompt, systemPrompt)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *HTTPClient) callOpenAI(ctx context.Context, prompt, systemPrompt string) (*completion, error) {
	msgs := []chatMessage{}
	if systemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: systemPrompt})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})

	body, _ := json.Marshal(map[string]any{
		"model":       c.cfg.Model,
		"messages":    msgs,
		"max_tokens":  c.cfg.MaxTokens,
		"temperature": c.cfg.Temperature,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s API error %d: %s", c.cfg.Provider, resp.StatusCode, string(b))
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return &completion{
		content:          out.Choices[0].Message.Content,
		promptTokens:     out.Usage.PromptTokens,
		completionTokens: out.Usage.CompletionTokens,
	}, nil
}

func (c *HTTPClient) callAnthropic(ctx context.Context, prompt, systemPrompt string) (*completion, error) {
	payload := map[string]any{
		"model":      c.cfg.Model,
		"max_tokens": c.cfg.MaxTokens,
		"messages":   []chatMessage{{Role: "user", Content: prompt}},
	}
	if systemPrompt != "" {
		payload["system"] = systemPrompt
	}

	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, string(b))
	}

	var out struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	content := ""
	for _, part := range out.Content {
		if part.Type == "text" {
			content += part.Text
		}
	}

	return &completion{
		content:          content,
		promptTokens:     out.Usage.InputTokens,
		completionTokens: out.Usage.OutputTokens,
	}, nil
}
