package runtimeconfig

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/agentloop/pkg/toolexecutor"
)

var (
	// ErrInvalidConfig is returned when options fail validation
	ErrInvalidConfig = errors.New("invalid runtime config")
	// ErrInsecureConfig is returned when a known placeholder secret is configured
	ErrInsecureConfig = errors.New("insecure runtime config")
)

// Tool choice modes understood by the providers. A specific tool is forced
// with ToolChoicePrefix + name.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
	ToolChoicePrefix   = "tool:"
)

// LLMSettings are passed to the LLM transport on every turn
type LLMSettings struct {
	MaxTokens   int
	Temperature float64
	// Timeout is the receive timeout of one LLM call; zero means none
	Timeout    time.Duration
	ToolChoice string
}

// ToolExecSettings bound tool execution
type ToolExecSettings struct {
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	Concurrency  int
}

// ObservabilitySettings toggle externally visible output
type ObservabilitySettings struct {
	EmitSignals    bool
	EmitTelemetry  bool
	RedactToolArgs bool
}

// TraceSettings select what the per-request trace keeps
type TraceSettings struct {
	CaptureDeltas   bool
	CaptureThinking bool
	CaptureMessages bool
}

// TokenSettings configure checkpoint tokens
type TokenSettings struct {
	Secret string
	// TTL bounds token validity; zero means tokens do not expire
	TTL      time.Duration
	Compress bool
}

// Options is the input to New. Start from DefaultOptions and override.
type Options struct {
	Model         string
	SystemPrompt  string
	Tools         []*toolexecutor.ToolDefinition
	MaxIterations int
	LLM           LLMSettings
	ToolExec      ToolExecSettings
	Observability ObservabilitySettings
	Trace         TraceSettings
	Token         TokenSettings
	// Aliases are merged over DefaultAliases when resolving Model
	Aliases map[string]string
}

// DefaultOptions returns options with every default applied
func DefaultOptions() Options {
	return Options{
		MaxIterations: 10,
		LLM: LLMSettings{
			MaxTokens:   1024,
			Temperature: 0.2,
			ToolChoice:  ToolChoiceAuto,
		},
		ToolExec: ToolExecSettings{
			Timeout:      15000 * time.Millisecond,
			MaxRetries:   1,
			RetryBackoff: 200 * time.Millisecond,
			Concurrency:  4,
		},
		Observability: ObservabilitySettings{
			EmitSignals:    true,
			EmitTelemetry:  true,
			RedactToolArgs: true,
		},
		Trace: TraceSettings{
			CaptureDeltas:   true,
			CaptureThinking: true,
			CaptureMessages: false,
		},
		Token: TokenSettings{
			Compress: true,
		},
	}
}

// Config is an immutable runtime configuration. Fields must not be modified
// after New returns; derive a new Config with the With* methods instead.
type Config struct {
	Model         string
	SystemPrompt  string
	MaxIterations int
	LLM           LLMSettings
	ToolExec      ToolExecSettings
	Observability ObservabilitySettings
	Trace         TraceSettings
	Token         TokenSettings

	tools     toolexecutor.Registry
	ephemeral bool
}

// New validates opts and builds a Config. Duplicate tool names resolve to the
// last definition.
func New(opts Options) (*Config, error) {
	secret, ephemeral, err := resolveSecret(opts.Token.Secret)
	if err != nil {
		return nil, err
	}

	tools, err := toolexecutor.NewRegistry(opts.Tools...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg := &Config{
		Model:         ResolveModel(strings.TrimSpace(opts.Model), opts.Aliases),
		SystemPrompt:  opts.SystemPrompt,
		MaxIterations: opts.MaxIterations,
		LLM:           opts.LLM,
		ToolExec:      opts.ToolExec,
		Observability: opts.Observability,
		Trace:         opts.Trace,
		Token:         opts.Token,
		tools:         tools,
		ephemeral:     ephemeral,
	}
	cfg.Token.Secret = secret

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var problems []string
	if c.Model == "" {
		problems = append(problems, "model is required")
	}
	if c.MaxIterations <= 0 {
		problems = append(problems, "max_iterations must be > 0")
	}
	if c.LLM.MaxTokens <= 0 {
		problems = append(problems, "llm.max_tokens must be > 0")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		problems = append(problems, "llm.temperature must be within [0, 2]")
	}
	if c.LLM.Timeout < 0 {
		problems = append(problems, "llm.timeout_ms must be >= 0")
	}
	if !validToolChoice(c.LLM.ToolChoice) {
		problems = append(problems, fmt.Sprintf("llm.tool_choice %q is not supported", c.LLM.ToolChoice))
	}
	if c.ToolExec.Timeout <= 0 {
		problems = append(problems, "tool_exec.timeout_ms must be > 0")
	}
	if c.ToolExec.MaxRetries < 0 {
		problems = append(problems, "tool_exec.max_retries must be >= 0")
	}
	if c.ToolExec.RetryBackoff < 0 {
		problems = append(problems, "tool_exec.retry_backoff_ms must be >= 0")
	}
	if c.ToolExec.Concurrency < 1 {
		problems = append(problems, "tool_exec.concurrency must be >= 1")
	}
	if c.Token.TTL < 0 {
		problems = append(problems, "token.ttl_ms must be >= 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func validToolChoice(choice string) bool {
	switch choice {
	case ToolChoiceAuto, ToolChoiceNone, ToolChoiceRequired:
		return true
	}
	return strings.HasPrefix(choice, ToolChoicePrefix) && len(choice) > len(ToolChoicePrefix)
}

// Tools returns the tool registry. Callers must not modify it.
func (c *Config) Tools() toolexecutor.Registry {
	return c.tools
}

// EphemeralSecret reports whether tokens are signed with the process-lifetime
// secret and therefore do not survive a restart.
func (c *Config) EphemeralSecret() bool {
	return c.ephemeral
}

// ToolPolicy returns the execution policy for the tool executor
func (c *Config) ToolPolicy() toolexecutor.Policy {
	return toolexecutor.Policy{
		Timeout:      c.ToolExec.Timeout,
		MaxRetries:   c.ToolExec.MaxRetries,
		RetryBackoff: c.ToolExec.RetryBackoff,
		Concurrency:  c.ToolExec.Concurrency,
	}
}

func (c *Config) clone() *Config {
	cp := *c
	return &cp
}

// WithTool returns a copy with def registered, replacing any tool of the same name
func (c *Config) WithTool(def *toolexecutor.ToolDefinition) (*Config, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cp := c.clone()
	cp.tools = c.tools.With(def)
	return cp, nil
}

// WithoutTool returns a copy without the named tool
func (c *Config) WithoutTool(name string) *Config {
	cp := c.clone()
	cp.tools = c.tools.Without(name)
	return cp
}

// WithSystemPrompt returns a copy with a new system prompt
func (c *Config) WithSystemPrompt(prompt string) *Config {
	cp := c.clone()
	cp.SystemPrompt = prompt
	return cp
}

// Summary renders the effective configuration for snapshots. The token
// secret is never included.
func (c *Config) Summary() map[string]interface{} {
	return map[string]interface{}{
		"model":             c.Model,
		"has_system_prompt": c.SystemPrompt != "",
		"max_iterations":    c.MaxIterations,
		"tools":             c.tools.Names(),
		"fingerprint":       c.Fingerprint(),
		"llm": map[string]interface{}{
			"max_tokens":  c.LLM.MaxTokens,
			"temperature": c.LLM.Temperature,
			"timeout_ms":  c.LLM.Timeout.Milliseconds(),
			"tool_choice": c.LLM.ToolChoice,
		},
		"tool_exec": map[string]interface{}{
			"timeout_ms":       c.ToolExec.Timeout.Milliseconds(),
			"max_retries":      c.ToolExec.MaxRetries,
			"retry_backoff_ms": c.ToolExec.RetryBackoff.Milliseconds(),
			"concurrency":      c.ToolExec.Concurrency,
		},
		"observability": map[string]interface{}{
			"emit_signals":     c.Observability.EmitSignals,
			"emit_telemetry":   c.Observability.EmitTelemetry,
			"redact_tool_args": c.Observability.RedactToolArgs,
		},
		"trace": map[string]interface{}{
			"capture_deltas":   c.Trace.CaptureDeltas,
			"capture_thinking": c.Trace.CaptureThinking,
			"capture_messages": c.Trace.CaptureMessages,
		},
		"token": map[string]interface{}{
			"ttl_ms":           c.Token.TTL.Milliseconds(),
			"compress":         c.Token.Compress,
			"ephemeral_secret": c.ephemeral,
		},
	}
}
