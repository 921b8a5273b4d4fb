package runtimeconfig

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/pkg/toolexecutor"
)

func tool(name string) *toolexecutor.ToolDefinition {
	return &toolexecutor.ToolDefinition{
		Name:        name,
		Description: name + " tool",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return name, nil
		},
	}
}

func newConfig(t *testing.T, mutate func(*Options)) *Config {
	t.Helper()
	opts := DefaultOptions()
	opts.Model = "claude-sonnet-4"
	opts.Token.Secret = "a-real-secret-for-tests"
	if mutate != nil {
		mutate(&opts)
	}
	cfg, err := New(opts)
	require.NoError(t, err)
	return cfg
}

func TestNew(t *testing.T) {
	t.Run("should apply defaults", func(t *testing.T) {
		cfg := newConfig(t, nil)

		assert.Equal(t, 1024, cfg.LLM.MaxTokens)
		assert.Equal(t, 0.2, cfg.LLM.Temperature)
		assert.Equal(t, ToolChoiceAuto, cfg.LLM.ToolChoice)
		assert.Equal(t, 15*time.Second, cfg.ToolExec.Timeout)
		assert.Equal(t, 1, cfg.ToolExec.MaxRetries)
		assert.Equal(t, 200*time.Millisecond, cfg.ToolExec.RetryBackoff)
		assert.Equal(t, 4, cfg.ToolExec.Concurrency)
		assert.Equal(t, 10, cfg.MaxIterations)
		assert.True(t, cfg.Observability.EmitSignals)
		assert.True(t, cfg.Trace.CaptureDeltas)
		assert.False(t, cfg.Trace.CaptureMessages)
		assert.True(t, cfg.Token.Compress)
		assert.False(t, cfg.EphemeralSecret())
	})

	t.Run("should let later duplicate tools win", func(t *testing.T) {
		first, second := tool("add"), tool("add")
		cfg := newConfig(t, func(o *Options) { o.Tools = []*toolexecutor.ToolDefinition{first, second} })

		assert.Len(t, cfg.Tools(), 1)
		assert.Same(t, second, cfg.Tools()["add"])
	})

	t.Run("should resolve model aliases", func(t *testing.T) {
		cfg := newConfig(t, func(o *Options) { o.Model = "opus" })
		assert.Equal(t, "claude-opus-4", cfg.Model)

		cfg = newConfig(t, func(o *Options) {
			o.Model = "fast"
			o.Aliases = map[string]string{"fast": "claude-3-5-haiku-latest"}
		})
		assert.Equal(t, "claude-3-5-haiku-latest", cfg.Model)
	})

	t.Run("should reject invalid options", func(t *testing.T) {
		tests := []struct {
			name   string
			mutate func(*Options)
		}{
			{"missing model", func(o *Options) { o.Model = "" }},
			{"zero iterations", func(o *Options) { o.MaxIterations = 0 }},
			{"zero max tokens", func(o *Options) { o.LLM.MaxTokens = 0 }},
			{"zero tool timeout", func(o *Options) { o.ToolExec.Timeout = 0 }},
			{"negative retries", func(o *Options) { o.ToolExec.MaxRetries = -1 }},
			{"zero concurrency", func(o *Options) { o.ToolExec.Concurrency = 0 }},
			{"bad tool choice", func(o *Options) { o.LLM.ToolChoice = "sometimes" }},
			{"invalid tool", func(o *Options) { o.Tools = []*toolexecutor.ToolDefinition{{Name: "x"}} }},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				opts := DefaultOptions()
				opts.Model = "m"
				opts.Token.Secret = "a-real-secret-for-tests"
				tt.mutate(&opts)

				_, err := New(opts)
				assert.ErrorIs(t, err, ErrInvalidConfig)
			})
		}
	})
}

func TestSecret(t *testing.T) {
	t.Run("should reject placeholder secrets", func(t *testing.T) {
		for _, secret := range []string{"changeme", "CHANGEME", " secret ", "default", "placeholder"} {
			opts := DefaultOptions()
			opts.Model = "m"
			opts.Token.Secret = secret

			_, err := New(opts)
			assert.ErrorIs(t, err, ErrInsecureConfig, secret)
		}
	})

	t.Run("should share one ephemeral secret and warn once", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Model = "m"

		a, err := New(opts)
		require.NoError(t, err)
		b, err := New(opts)
		require.NoError(t, err)

		assert.True(t, a.EphemeralSecret())
		assert.NotEmpty(t, a.Token.Secret)
		assert.Equal(t, a.Token.Secret, b.Token.Secret)
		assert.Equal(t, EphemeralSecret(), a.Token.Secret)
		assert.Equal(t, int32(1), ephemeralWarnings.Load())
	})
}

func TestFingerprint(t *testing.T) {
	base := newConfig(t, func(o *Options) {
		o.Tools = []*toolexecutor.ToolDefinition{tool("add"), tool("echo")}
	})

	t.Run("should ignore tool insertion order", func(t *testing.T) {
		reordered := newConfig(t, func(o *Options) {
			o.Tools = []*toolexecutor.ToolDefinition{tool("echo"), tool("add")}
		})
		assert.Equal(t, base.Fingerprint(), reordered.Fingerprint())
		assert.Len(t, base.Fingerprint(), 64)
	})

	t.Run("should change when tools are added or removed", func(t *testing.T) {
		added, err := base.WithTool(tool("time"))
		require.NoError(t, err)

		assert.NotEqual(t, base.Fingerprint(), added.Fingerprint())
		assert.NotEqual(t, base.Fingerprint(), base.WithoutTool("add").Fingerprint())
	})

	t.Run("should change with model and max_iterations", func(t *testing.T) {
		otherModel := newConfig(t, func(o *Options) {
			o.Model = "gpt-4o"
			o.Tools = []*toolexecutor.ToolDefinition{tool("add"), tool("echo")}
		})
		otherIterations := newConfig(t, func(o *Options) {
			o.MaxIterations = 3
			o.Tools = []*toolexecutor.ToolDefinition{tool("add"), tool("echo")}
		})

		assert.NotEqual(t, base.Fingerprint(), otherModel.Fingerprint())
		assert.NotEqual(t, base.Fingerprint(), otherIterations.Fingerprint())
	})

	t.Run("should ignore settings outside the fingerprint", func(t *testing.T) {
		warmer := newConfig(t, func(o *Options) {
			o.LLM.Temperature = 0.9
			o.Tools = []*toolexecutor.ToolDefinition{tool("add"), tool("echo")}
		})
		assert.Equal(t, base.Fingerprint(), warmer.Fingerprint())
	})
}

func TestCopyOnWrite(t *testing.T) {
	base := newConfig(t, func(o *Options) {
		o.SystemPrompt = "be brief"
		o.Tools = []*toolexecutor.ToolDefinition{tool("add")}
	})

	added, err := base.WithTool(tool("echo"))
	require.NoError(t, err)
	prompted := base.WithSystemPrompt("be thorough")
	removed := base.WithoutTool("add")

	assert.Equal(t, []string{"add"}, base.Tools().Names())
	assert.Equal(t, "be brief", base.SystemPrompt)
	assert.Equal(t, []string{"add", "echo"}, added.Tools().Names())
	assert.Equal(t, "be thorough", prompted.SystemPrompt)
	assert.Empty(t, removed.Tools())

	_, err = base.WithTool(&toolexecutor.ToolDefinition{Name: "broken"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSummary(t *testing.T) {
	cfg := newConfig(t, func(o *Options) { o.Tools = []*toolexecutor.ToolDefinition{tool("add")} })
	summary := cfg.Summary()

	assert.Equal(t, "claude-sonnet-4", summary["model"])
	assert.Equal(t, []string{"add"}, summary["tools"])
	assert.Equal(t, cfg.Fingerprint(), summary["fingerprint"])
	assert.NotContains(t, summary["token"], "secret")
}
