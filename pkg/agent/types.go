package agent

import (
	"strings"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID         string                 `json:"id" msgpack:"id"`
	Name       string                 `json:"name" msgpack:"name"`
	Parameters map[string]interface{} `json:"parameters" msgpack:"parameters"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens" msgpack:"input_tokens"`
	OutputTokens int `json:"output_tokens" msgpack:"output_tokens"`
}

// Total returns input plus output tokens
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add returns the field-wise sum of u and other
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

// AuthProfile represents authentication credentials for LLM providers
type AuthProfile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // "anthropic", "openai"
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
}

// AgentMessage represents a message in the conversation
type AgentMessage struct {
	Role       string     `json:"role" msgpack:"role"`
	Content    string     `json:"content" msgpack:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty" msgpack:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty" msgpack:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty" msgpack:"is_error,omitempty"`
}

// IsRetryableError checks if an LLM transport error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset",
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504", "529",
	} {
		if strings.Contains(errMsg, marker) {
			return true
		}
	}
	return false
}
