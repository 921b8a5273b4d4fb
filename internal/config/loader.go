package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override
	EnvPrefix = "AGENTLOOP"
	// SecretEnv supplies the checkpoint secret when the file leaves it empty
	SecretEnv = "AGENTLOOP_CHECKPOINT_SECRET"
)

// envKeys are the scalar settings that can be overridden from the environment
var envKeys = []string{
	"model",
	"system_prompt",
	"max_iterations",
	"data_dir",
	"llm.max_tokens",
	"llm.temperature",
	"llm.timeout_ms",
	"llm.tool_choice",
	"tools.timeout_ms",
	"tools.max_retries",
	"tools.concurrency",
	"tools.workspace_path",
	"observability.metrics_addr",
	"observability.audit_log",
	"logging.level",
	"logging.file",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file and environment. A missing file
// yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType(configType(configPath))
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Checkpoint.Secret == "" {
		cfg.Checkpoint.Secret = os.Getenv(SecretEnv)
	}
	if len(cfg.AI.Profiles) == 0 {
		cfg.AI.Profiles = envProfiles()
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".agentloop")
	}
	if cfg.Tools.WorkspacePath == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Tools.WorkspacePath = wd
		}
	}

	return cfg, nil
}

// envProfiles builds profiles from the providers' conventional key variables
func envProfiles() []AIProfile {
	var profiles []AIProfile
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		profiles = append(profiles, AIProfile{ID: "env-anthropic", Provider: "anthropic", APIKey: key})
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		profiles = append(profiles, AIProfile{ID: "env-openai", Provider: "openai", APIKey: key, Priority: 1})
	}
	return profiles
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType(configType(configPath))

	v.Set("model", cfg.Model)
	v.Set("system_prompt", cfg.SystemPrompt)
	v.Set("max_iterations", cfg.MaxIterations)
	v.Set("aliases", cfg.Aliases)
	v.Set("llm", cfg.LLM)
	v.Set("tools", cfg.Tools)
	v.Set("observability", cfg.Observability)
	v.Set("trace", cfg.Trace)
	v.Set("checkpoint", cfg.Checkpoint)
	v.Set("session", cfg.Session)
	v.Set("logging", cfg.Logging)
	v.Set("ai", cfg.AI)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".agentloop", "agentloop.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
