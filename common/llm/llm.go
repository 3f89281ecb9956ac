// Package llm provides the chat completion capability used by the turn
// scheduler and the consensus coordinator. Providers are selected by
// configuration; both return token usage so callers can meter spend.
package llm

import (
	"context"
	"fmt"
	"math"
)

// Provider constants for LLM provider selection.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds LLM client configuration.
type Config struct {
	Provider  string // "openai" or "anthropic"
	APIKey    string // Required: API key for the provider
	BaseURL   string // Optional: custom API endpoint
	Model     string // Model name (e.g., "gpt-4o", "claude-sonnet-4-5-20250514")
	MaxTokens int    // Default completion budget when a request leaves it unset
}

// Client generates a single chat completion.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Model() string
}

// Message represents a conversation message.
type Message struct {
	Role    string // "system", "user", "assistant"
	Name    string // Optional: speaker name for multi-agent transcripts
	Content string
}

// Request contains the messages for one completion call.
type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature *float64
}

// Response contains the completion and its metered cost.
type Response struct {
	Content          string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	CostCents        int64
}

// NewClient creates a Client for the configured provider.
// Defaults to Anthropic if no provider is specified.
func NewClient(cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	provider := cfg.Provider
	if provider == "" {
		provider = ProviderAnthropic
	}

	switch provider {
	case ProviderAnthropic:
		return newAnthropicClient(cfg)
	case ProviderOpenAI:
		return newOpenAIClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", provider)
	}
}

// modelPricing is USD cents per million tokens.
type modelPricing struct {
	promptCents     float64
	completionCents float64
}

var pricing = map[string]modelPricing{
	"gpt-4o":                     {promptCents: 250, completionCents: 1000},
	"gpt-4o-mini":                {promptCents: 15, completionCents: 60},
	"claude-sonnet-4-5-20250514": {promptCents: 300, completionCents: 1500},
	"claude-haiku-4-5":           {promptCents: 100, completionCents: 500},
}

// fallbackPricing is applied for unlisted models so spend is never metered at zero.
var fallbackPricing = modelPricing{promptCents: 300, completionCents: 1500}

// CostCents computes the billed cost for a completion, rounded up so
// fractional-cent calls are never free.
func CostCents(model string, promptTokens, completionTokens int) int64 {
	p, ok := pricing[model]
	if !ok {
		p = fallbackPricing
	}
	cost := (float64(promptTokens)*p.promptCents + float64(completionTokens)*p.completionCents) / 1_000_000
	return int64(math.Ceil(cost))
}
