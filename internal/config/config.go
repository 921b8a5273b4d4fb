package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harun/agentloop/internal/logger"
	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/runtimeconfig"
)

// ErrNoProfile is returned when no AI provider profile is configured
var ErrNoProfile = errors.New("no AI credentials configured")

// Config represents the agentloop configuration file
type Config struct {
	Model         string            `json:"model" mapstructure:"model"`
	SystemPrompt  string            `json:"system_prompt" mapstructure:"system_prompt"`
	MaxIterations int               `json:"max_iterations" mapstructure:"max_iterations"`
	Aliases       map[string]string `json:"aliases" mapstructure:"aliases"`

	LLM           LLMConfig           `json:"llm" mapstructure:"llm"`
	Tools         ToolsConfig         `json:"tools" mapstructure:"tools"`
	Observability ObservabilityConfig `json:"observability" mapstructure:"observability"`
	Trace         TraceConfig         `json:"trace" mapstructure:"trace"`
	Checkpoint    CheckpointConfig    `json:"checkpoint" mapstructure:"checkpoint"`
	Session       SessionConfig       `json:"session" mapstructure:"session"`
	Logging       LoggingConfig       `json:"logging" mapstructure:"logging"`
	AI            AIConfig            `json:"ai" mapstructure:"ai"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// LLMConfig holds per-turn LLM settings
type LLMConfig struct {
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	TimeoutMs   int     `json:"timeout_ms" mapstructure:"timeout_ms"`
	ToolChoice  string  `json:"tool_choice" mapstructure:"tool_choice"`
}

// ToolsConfig holds tool execution settings
type ToolsConfig struct {
	TimeoutMs      int    `json:"timeout_ms" mapstructure:"timeout_ms"`
	MaxRetries     int    `json:"max_retries" mapstructure:"max_retries"`
	RetryBackoffMs int    `json:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	Concurrency    int    `json:"concurrency" mapstructure:"concurrency"`
	Builtin        bool   `json:"builtin" mapstructure:"builtin"`
	WorkspacePath  string `json:"workspace_path" mapstructure:"workspace_path"`
}

// ObservabilityConfig toggles signals, telemetry and metrics
type ObservabilityConfig struct {
	EmitSignals    bool   `json:"emit_signals" mapstructure:"emit_signals"`
	EmitTelemetry  bool   `json:"emit_telemetry" mapstructure:"emit_telemetry"`
	RedactToolArgs bool   `json:"redact_tool_args" mapstructure:"redact_tool_args"`
	MetricsAddr    string `json:"metrics_addr" mapstructure:"metrics_addr"`
	AuditLog       string `json:"audit_log" mapstructure:"audit_log"`
}

// TraceConfig selects what request traces keep
type TraceConfig struct {
	CaptureDeltas   bool `json:"capture_deltas" mapstructure:"capture_deltas"`
	CaptureThinking bool `json:"capture_thinking" mapstructure:"capture_thinking"`
	CaptureMessages bool `json:"capture_messages" mapstructure:"capture_messages"`
	Retention       int  `json:"retention" mapstructure:"retention"`
}

// CheckpointConfig configures checkpoint tokens
type CheckpointConfig struct {
	Secret   string `json:"secret" mapstructure:"secret"`
	TTLMs    int    `json:"ttl_ms" mapstructure:"ttl_ms"`
	Compress bool   `json:"compress" mapstructure:"compress"`
}

// SessionConfig holds session housekeeping settings
type SessionConfig struct {
	IdleTimeoutMs int `json:"idle_timeout_ms" mapstructure:"idle_timeout_ms"`
	InboxSize     int `json:"inbox_size" mapstructure:"inbox_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Model:         "sonnet",
		MaxIterations: 10,
		LLM: LLMConfig{
			MaxTokens:   1024,
			Temperature: 0.2,
			ToolChoice:  runtimeconfig.ToolChoiceAuto,
		},
		Tools: ToolsConfig{
			TimeoutMs:      15000,
			MaxRetries:     1,
			RetryBackoffMs: 200,
			Concurrency:    4,
			Builtin:        true,
		},
		Observability: ObservabilityConfig{
			EmitSignals:    true,
			EmitTelemetry:  true,
			RedactToolArgs: true,
		},
		Trace: TraceConfig{
			CaptureDeltas:   true,
			CaptureThinking: true,
			Retention:       32,
		},
		Checkpoint: CheckpointConfig{
			Compress: true,
		},
		Session: SessionConfig{
			IdleTimeoutMs: 30 * 60 * 1000,
			InboxSize:     64,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Checkpoint.Secret = maskSecret(c.Checkpoint.Secret)
	masked.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		p.APIKey = maskSecret(p.APIKey)
		masked.AI.Profiles[i] = p
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return logger.Redacted
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("%w: at least one AI profile is required", ErrNoProfile)
	}

	seen := make(map[string]bool, len(c.AI.Profiles))
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("AI profile %s: duplicate ID", profile.ID)
		}
		seen[profile.ID] = true
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("AI profile %s: invalid provider %q (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be > 0")
	}
	if c.Trace.Retention < 0 {
		return fmt.Errorf("trace.retention must be >= 0")
	}
	if c.Session.IdleTimeoutMs < 0 {
		return fmt.Errorf("session.idle_timeout_ms must be >= 0")
	}
	if runtimeconfig.IsPlaceholderSecret(c.Checkpoint.Secret) {
		return fmt.Errorf("checkpoint.secret: %w", runtimeconfig.ErrInsecureConfig)
	}

	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// PrimaryProfile returns the profile with the lowest priority value. Ties
// keep file order.
func (c *Config) PrimaryProfile() (agent.AuthProfile, error) {
	if len(c.AI.Profiles) == 0 {
		return agent.AuthProfile{}, ErrNoProfile
	}
	profiles := make([]AIProfile, len(c.AI.Profiles))
	copy(profiles, c.AI.Profiles)
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})
	p := profiles[0]
	return agent.AuthProfile{ID: p.ID, Provider: p.Provider, APIKey: p.APIKey, BaseURL: p.BaseURL}, nil
}

// ToRuntimeOptions converts the file settings into runtime options. Tools
// are registered separately.
func (c *Config) ToRuntimeOptions() runtimeconfig.Options {
	opts := runtimeconfig.DefaultOptions()
	opts.Model = c.Model
	opts.SystemPrompt = c.SystemPrompt
	opts.MaxIterations = c.MaxIterations
	opts.Aliases = c.Aliases
	opts.LLM = runtimeconfig.LLMSettings{
		MaxTokens:   c.LLM.MaxTokens,
		Temperature: c.LLM.Temperature,
		Timeout:     ms(c.LLM.TimeoutMs),
		ToolChoice:  c.LLM.ToolChoice,
	}
	opts.ToolExec = runtimeconfig.ToolExecSettings{
		Timeout:      ms(c.Tools.TimeoutMs),
		MaxRetries:   c.Tools.MaxRetries,
		RetryBackoff: ms(c.Tools.RetryBackoffMs),
		Concurrency:  c.Tools.Concurrency,
	}
	opts.Observability = runtimeconfig.ObservabilitySettings{
		EmitSignals:    c.Observability.EmitSignals,
		EmitTelemetry:  c.Observability.EmitTelemetry,
		RedactToolArgs: c.Observability.RedactToolArgs,
	}
	opts.Trace = runtimeconfig.TraceSettings{
		CaptureDeltas:   c.Trace.CaptureDeltas,
		CaptureThinking: c.Trace.CaptureThinking,
		CaptureMessages: c.Trace.CaptureMessages,
	}
	opts.Token = runtimeconfig.TokenSettings{
		Secret:   c.Checkpoint.Secret,
		TTL:      ms(c.Checkpoint.TTLMs),
		Compress: c.Checkpoint.Compress,
	}
	return opts
}

// LoggerConfig converts the logging section for logger.New
func (c *Config) LoggerConfig(console bool) logger.Config {
	return logger.Config{
		Level:     c.Logging.Level,
		File:      c.Logging.File,
		Console:   console,
		Pretty:    c.Logging.Pretty,
		Redaction: c.Logging.Redaction,
		MaxSize:   c.Logging.MaxSize,
		MaxAge:    c.Logging.MaxAge,
		Compress:  c.Logging.Compress,
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
