// ABOUTME: LLM client interface and provider selection.
// ABOUTME: Providers are interchangeable; the gateway picks one from config.

package llm

import (
	"context"
	"fmt"
	"time"
)

// Chat roles understood by both providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of the context window handed to a provider.
type ChatMessage struct {
	Role    string
	Content string
}

// CompletionRequest is a single generation request.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float32
}

// CompletionResponse is the provider's answer.
type CompletionResponse struct {
	Content   string
	Model     string
	TokensIn  int
	TokensOut int
	Latency   time.Duration
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

// Supported providers.
const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// New creates an LLM client for the given provider.
func New(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}
