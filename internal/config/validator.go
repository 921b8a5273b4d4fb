package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/harun/agentloop/pkg/runtimeconfig"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateModel validates a model name or alias
func (v *Validator) ValidateModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateToolChoice validates the llm.tool_choice value
func (v *Validator) ValidateToolChoice(choice string) error {
	switch choice {
	case runtimeconfig.ToolChoiceAuto, runtimeconfig.ToolChoiceNone, runtimeconfig.ToolChoiceRequired:
		return nil
	}
	if strings.HasPrefix(choice, runtimeconfig.ToolChoicePrefix) && len(choice) > len(runtimeconfig.ToolChoicePrefix) {
		return nil
	}
	return fmt.Errorf("invalid tool choice: %q (must be auto, none, required or tool:<name>)", choice)
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateListenAddr validates a host:port listen address
func (v *Validator) ValidateListenAddr(addr string) error {
	if addr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, profile := range cfg.AI.Profiles {
		if profile.Provider != "" {
			if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
				errors = append(errors, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
			}
		}
	}

	if err := v.ValidateModel(cfg.Model); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateTemperature(cfg.LLM.Temperature); err != nil {
		errors = append(errors, fmt.Errorf("llm: %w", err))
	}
	if err := v.ValidateMaxTokens(cfg.LLM.MaxTokens); err != nil {
		errors = append(errors, fmt.Errorf("llm: %w", err))
	}
	if err := v.ValidateToolChoice(cfg.LLM.ToolChoice); err != nil {
		errors = append(errors, fmt.Errorf("llm: %w", err))
	}
	if cfg.LLM.TimeoutMs < 0 {
		errors = append(errors, fmt.Errorf("llm.timeout_ms must be >= 0"))
	}

	if cfg.Tools.TimeoutMs <= 0 {
		errors = append(errors, fmt.Errorf("tools.timeout_ms must be > 0"))
	}
	if cfg.Tools.MaxRetries < 0 {
		errors = append(errors, fmt.Errorf("tools.max_retries must be >= 0"))
	}
	if cfg.Tools.RetryBackoffMs < 0 {
		errors = append(errors, fmt.Errorf("tools.retry_backoff_ms must be >= 0"))
	}
	if cfg.Tools.Concurrency < 1 {
		errors = append(errors, fmt.Errorf("tools.concurrency must be >= 1"))
	}
	if cfg.Checkpoint.TTLMs < 0 {
		errors = append(errors, fmt.Errorf("checkpoint.ttl_ms must be >= 0"))
	}

	if err := v.ValidateListenAddr(cfg.Observability.MetricsAddr); err != nil {
		errors = append(errors, fmt.Errorf("observability.metrics_addr: %w", err))
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
