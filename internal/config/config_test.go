package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/internal/logger"
	"github.com/harun/agentloop/pkg/runtimeconfig"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.AI.Profiles = []AIProfile{
		{ID: "main", Provider: "anthropic", APIKey: "sk-ant-test123"},
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "sonnet", cfg.Model)
	assert.Equal(t, 10, cfg.MaxIterations)
	assert.Equal(t, 1024, cfg.LLM.MaxTokens)
	assert.Equal(t, runtimeconfig.ToolChoiceAuto, cfg.LLM.ToolChoice)
	assert.Equal(t, 15000, cfg.Tools.TimeoutMs)
	assert.Equal(t, 4, cfg.Tools.Concurrency)
	assert.True(t, cfg.Tools.Builtin)
	assert.True(t, cfg.Observability.RedactToolArgs)
	assert.False(t, cfg.Trace.CaptureMessages)
	assert.True(t, cfg.Checkpoint.Compress)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.AI.Profiles)
}

func TestConfigValidate(t *testing.T) {
	t.Run("should accept a valid config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("should require an AI profile", func(t *testing.T) {
		err := DefaultConfig().Validate()
		assert.ErrorIs(t, err, ErrNoProfile)
	})

	t.Run("should reject invalid profiles", func(t *testing.T) {
		tests := []struct {
			name    string
			profile AIProfile
			want    string
		}{
			{"missing id", AIProfile{Provider: "anthropic", APIKey: "sk-ant-x"}, "ID is required"},
			{"missing key", AIProfile{ID: "p", Provider: "anthropic"}, "api_key is required"},
			{"unknown provider", AIProfile{ID: "p", Provider: "gemini", APIKey: "k"}, "invalid provider"},
			{"bad key format", AIProfile{ID: "p", Provider: "anthropic", APIKey: "nope"}, "sk-ant-"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				cfg := DefaultConfig()
				cfg.AI.Profiles = []AIProfile{tt.profile}
				err := cfg.Validate()
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.want)
			})
		}
	})

	t.Run("should reject duplicate profile ids", func(t *testing.T) {
		cfg := validConfig()
		cfg.AI.Profiles = append(cfg.AI.Profiles, cfg.AI.Profiles[0])
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("should reject a placeholder checkpoint secret", func(t *testing.T) {
		cfg := validConfig()
		cfg.Checkpoint.Secret = "changeme"
		assert.ErrorIs(t, cfg.Validate(), runtimeconfig.ErrInsecureConfig)
	})

	t.Run("should reject bad runtime settings", func(t *testing.T) {
		cfg := validConfig()
		cfg.MaxIterations = 0
		assert.Error(t, cfg.Validate())

		cfg = validConfig()
		cfg.Tools.Concurrency = 0
		assert.ErrorContains(t, cfg.Validate(), "tools.concurrency")

		cfg = validConfig()
		cfg.LLM.ToolChoice = "sometimes"
		assert.ErrorContains(t, cfg.Validate(), "invalid tool choice")
	})
}

func TestPrimaryProfile(t *testing.T) {
	t.Run("should pick the lowest priority value", func(t *testing.T) {
		cfg := validConfig()
		cfg.AI.Profiles = []AIProfile{
			{ID: "backup", Provider: "openai", APIKey: "sk-b", Priority: 2},
			{ID: "main", Provider: "anthropic", APIKey: "sk-ant-a", BaseURL: "http://local", Priority: 1},
		}

		profile, err := cfg.PrimaryProfile()
		require.NoError(t, err)
		assert.Equal(t, "main", profile.ID)
		assert.Equal(t, "anthropic", profile.Provider)
		assert.Equal(t, "http://local", profile.BaseURL)
		assert.Equal(t, "backup", cfg.AI.Profiles[0].ID)
	})

	t.Run("should fail without profiles", func(t *testing.T) {
		_, err := DefaultConfig().PrimaryProfile()
		assert.ErrorIs(t, err, ErrNoProfile)
	})
}

func TestToRuntimeOptions(t *testing.T) {
	t.Run("should convert milliseconds and flags", func(t *testing.T) {
		cfg := validConfig()
		cfg.Model = "opus"
		cfg.SystemPrompt = "be brief"
		cfg.LLM.TimeoutMs = 30000
		cfg.Tools.TimeoutMs = 50
		cfg.Tools.RetryBackoffMs = 10
		cfg.Tools.MaxRetries = 2
		cfg.Trace.CaptureMessages = true
		cfg.Checkpoint.Secret = "a-real-signing-secret"
		cfg.Checkpoint.TTLMs = 60000

		opts := cfg.ToRuntimeOptions()
		assert.Equal(t, "opus", opts.Model)
		assert.Equal(t, "be brief", opts.SystemPrompt)
		assert.Equal(t, 30*time.Second, opts.LLM.Timeout)
		assert.Equal(t, 50*time.Millisecond, opts.ToolExec.Timeout)
		assert.Equal(t, 10*time.Millisecond, opts.ToolExec.RetryBackoff)
		assert.Equal(t, 2, opts.ToolExec.MaxRetries)
		assert.True(t, opts.Trace.CaptureMessages)
		assert.Equal(t, time.Minute, opts.Token.TTL)

		rc, err := runtimeconfig.New(opts)
		require.NoError(t, err)
		assert.Equal(t, "claude-opus-4", rc.Model)
		assert.False(t, rc.EphemeralSecret())
	})
}

func TestConfigString(t *testing.T) {
	t.Run("should mask secrets", func(t *testing.T) {
		cfg := validConfig()
		cfg.Checkpoint.Secret = "a-real-signing-secret"

		out := cfg.String()
		assert.NotContains(t, out, "sk-ant-test123")
		assert.NotContains(t, out, "a-real-signing-secret")
		assert.Contains(t, out, logger.Redacted)
		assert.Equal(t, "sk-ant-test123", cfg.AI.Profiles[0].APIKey)
	})
}
