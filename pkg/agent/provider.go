package agent

import (
	"context"
	"fmt"
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// StreamingProvider is implemented by providers that can stream deltas.
// onChunk is called in order for every delta before Stream returns the
// complete response.
type StreamingProvider interface {
	LLMProvider
	Stream(ctx context.Context, request LLMRequest, onChunk func(StreamChunk)) (*LLMResponse, error)
}

// StreamChunk is one streamed delta
type StreamChunk struct {
	Type string // ChunkText or ChunkThinking
	Text string
}

// ToolSpec declares a tool to the model
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model        string
	Messages     []AgentMessage
	Tools        []ToolSpec
	ToolChoice   string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content    string
	Thinking   string
	ToolCalls  []ToolCall
	Usage      *TokenUsage
	Model      string
	StopReason string
}

// ProviderFactory creates LLM providers
type ProviderFactory struct{}

// NewProvider creates a new LLM provider based on auth profile
func (f *ProviderFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	if profile.APIKey == "" {
		return nil, fmt.Errorf("profile %s: api key is required", profile.ID)
	}
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
