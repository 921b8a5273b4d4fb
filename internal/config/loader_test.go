package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{SecretEnv, "AGENTLOOP_MODEL", "AGENTLOOP_LOGGING_LEVEL", "ANTHROPIC_API_KEY", "OPENAI_API_KEY"} {
		t.Setenv(key, "")
	}
}

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.configPath)
}

func TestLoaderLoad(t *testing.T) {
	t.Run("should load defaults when the file doesn't exist", func(t *testing.T) {
		clearEnv(t)
		configPath := filepath.Join(t.TempDir(), "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "sonnet", cfg.Model)
		assert.Equal(t, 15000, cfg.Tools.TimeoutMs)
	})

	t.Run("should load config from file over defaults", func(t *testing.T) {
		clearEnv(t)
		configPath := filepath.Join(t.TempDir(), "config.json")
		testConfig := `{
			"model": "opus",
			"tools": {"timeout_ms": 50, "max_retries": 2},
			"ai": {"profiles": [{"id": "main", "provider": "anthropic", "api_key": "sk-ant-file"}]}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "opus", cfg.Model)
		assert.Equal(t, 50, cfg.Tools.TimeoutMs)
		assert.Equal(t, 2, cfg.Tools.MaxRetries)
		assert.Equal(t, 4, cfg.Tools.Concurrency)
		require.Len(t, cfg.AI.Profiles, 1)
		assert.Equal(t, "sk-ant-file", cfg.AI.Profiles[0].APIKey)
	})

	t.Run("should load yaml files", func(t *testing.T) {
		clearEnv(t)
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("model: haiku\nmax_iterations: 3\n"), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "haiku", cfg.Model)
		assert.Equal(t, 3, cfg.MaxIterations)
	})

	t.Run("should apply environment overrides", func(t *testing.T) {
		clearEnv(t)
		configPath := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"model": "opus"}`), 0644))
		t.Setenv("AGENTLOOP_MODEL", "gpt4o")
		t.Setenv("AGENTLOOP_LOGGING_LEVEL", "debug")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "gpt4o", cfg.Model)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("should read the checkpoint secret from the environment when the file leaves it empty", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(SecretEnv, "env-signing-secret")
		dir := t.TempDir()

		cfg, err := NewLoader(filepath.Join(dir, "missing.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, "env-signing-secret", cfg.Checkpoint.Secret)

		configPath := filepath.Join(dir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"checkpoint": {"secret": "file-signing-secret"}}`), 0644))
		cfg, err = NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, "file-signing-secret", cfg.Checkpoint.Secret)
	})

	t.Run("should build profiles from provider key variables", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env")

		cfg, err := NewLoader(filepath.Join(t.TempDir(), "missing.json")).Load()

		require.NoError(t, err)
		require.Len(t, cfg.AI.Profiles, 1)
		assert.Equal(t, "anthropic", cfg.AI.Profiles[0].Provider)
		assert.Equal(t, "sk-ant-env", cfg.AI.Profiles[0].APIKey)
	})

	t.Run("should set default paths", func(t *testing.T) {
		clearEnv(t)
		cfg, err := NewLoader(filepath.Join(t.TempDir(), "missing.json")).Load()

		require.NoError(t, err)
		assert.NotEmpty(t, cfg.DataDir)
		assert.NotEmpty(t, cfg.Tools.WorkspacePath)
	})

	t.Run("should fail on invalid JSON", func(t *testing.T) {
		clearEnv(t)
		configPath := filepath.Join(t.TempDir(), "invalid.json")
		require.NoError(t, os.WriteFile(configPath, []byte("invalid json"), 0644))

		_, err := NewLoader(configPath).Load()

		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	t.Run("should round trip through the file", func(t *testing.T) {
		clearEnv(t)
		configPath := filepath.Join(t.TempDir(), "subdir", "config.json")

		cfg := DefaultConfig()
		cfg.Model = "opus"
		cfg.Tools.Concurrency = 2
		cfg.AI.Profiles = []AIProfile{{ID: "main", Provider: "anthropic", APIKey: "sk-ant-saved"}}

		loader := NewLoader(configPath)
		require.NoError(t, loader.Save(cfg))

		_, err := os.Stat(configPath)
		require.NoError(t, err)

		loaded, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, "opus", loaded.Model)
		assert.Equal(t, 2, loaded.Tools.Concurrency)
		require.Len(t, loaded.AI.Profiles, 1)
		assert.Equal(t, "sk-ant-saved", loaded.AI.Profiles[0].APIKey)
	})
}

func TestLoaderGetConfigPath(t *testing.T) {
	t.Run("should keep a custom path", func(t *testing.T) {
		loader := NewLoader("/custom/path/config.json")
		assert.Equal(t, "/custom/path/config.json", loader.GetConfigPath())
	})

	t.Run("should default under the home directory", func(t *testing.T) {
		path := NewLoader("").GetConfigPath()
		assert.NotEmpty(t, path)
		assert.Contains(t, path, ".agentloop")
	})
}
