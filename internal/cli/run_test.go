package cli

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/pkg/agent"
)

// fakeLLM answers from a script; the last reply repeats
type fakeLLM struct {
	mu      sync.Mutex
	replies []*agent.LLMResponse
	err     error
	calls   int
}

func (f *fakeLLM) Call(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls
	f.calls++
	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	return f.replies[i], nil
}

func (f *fakeLLM) Provider() string { return "fake" }

func useProvider(t *testing.T, p agent.LLMProvider) {
	t.Helper()
	prev := newProvider
	newProvider = func(agent.AuthProfile) (agent.LLMProvider, error) { return p, nil }
	t.Cleanup(func() { newProvider = prev })
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agentloop.json")
	body := `{
		"model": "test-model",
		"data_dir": "` + dir + `",
		"logging": {"level": "error"},
		"checkpoint": {"secret": "cli-test-signing-secret"},
		"tools": {"workspace_path": "` + dir + `"},
		"ai": {"profiles": [{"id": "main", "provider": "anthropic", "api_key": "sk-ant-test"}]}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func addThenAnswer() *fakeLLM {
	return &fakeLLM{replies: []*agent.LLMResponse{
		{
			ToolCalls: []agent.ToolCall{{ID: "t1", Name: "add", Parameters: map[string]interface{}{"a": 2, "b": 3}}},
			Usage:     &agent.TokenUsage{InputTokens: 3, OutputTokens: 2},
		},
		{Content: "5", Usage: &agent.TokenUsage{InputTokens: 10, OutputTokens: 5}},
	}}
}

func TestRunCommand(t *testing.T) {
	t.Run("should print the final answer after tool calls", func(t *testing.T) {
		llm := addThenAnswer()
		useProvider(t, llm)

		out, errOut, err := execute(t, "", "--config", writeTestConfig(t), "run", "what", "is", "2+3?")
		require.NoError(t, err)

		assert.Equal(t, "5\n", out)
		assert.Contains(t, errOut, "iterations: 2")
		assert.Contains(t, errOut, "total=20")
		assert.Contains(t, errOut, "checkpoint: ")
		assert.Equal(t, 2, llm.calls)
	})

	t.Run("should print the snapshot as JSON", func(t *testing.T) {
		useProvider(t, addThenAnswer())

		out, _, err := execute(t, "", "--config", writeTestConfig(t), "run", "--json", "add")
		require.NoError(t, err)

		var snap map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(out), &snap))
		assert.Equal(t, "completed", snap["status"])
		assert.Equal(t, true, snap["done"])
		assert.Equal(t, "5", snap["result"])
	})

	t.Run("should fail when the request fails", func(t *testing.T) {
		useProvider(t, &fakeLLM{err: errors.New("upstream unavailable")})

		_, _, err := execute(t, "", "--config", writeTestConfig(t), "run", "hello")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "request error")
	})

	t.Run("should refuse an invalid configuration", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agentloop.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"logging": {"level": "error"}}`), 0644))
		t.Setenv("ANTHROPIC_API_KEY", "")
		t.Setenv("OPENAI_API_KEY", "")

		_, _, err := execute(t, "", "--config", path, "run", "hello")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("should require a query", func(t *testing.T) {
		_, _, err := execute(t, "", "--config", writeTestConfig(t), "run")
		assert.Error(t, err)
	})
}

func TestChatCommand(t *testing.T) {
	t.Run("should answer each line in one session", func(t *testing.T) {
		useProvider(t, &fakeLLM{replies: []*agent.LLMResponse{
			{Content: "hi there", Usage: &agent.TokenUsage{InputTokens: 4, OutputTokens: 2}},
		}})

		out, _, err := execute(t, "hello\n\nagain\n/usage\n/quit\n", "--config", writeTestConfig(t), "chat")
		require.NoError(t, err)

		assert.Equal(t, 2, strings.Count(out, "hi there"))
		assert.Contains(t, out, "tokens: in=8 out=4 total=12")
	})

	t.Run("should stop at end of input", func(t *testing.T) {
		useProvider(t, &fakeLLM{replies: []*agent.LLMResponse{{Content: "ok"}}})

		out, _, err := execute(t, "ping\n", "--config", writeTestConfig(t), "chat")
		require.NoError(t, err)
		assert.Contains(t, out, "ok")
	})
}

func TestConfigCommand(t *testing.T) {
	t.Run("should show the config with secrets masked", func(t *testing.T) {
		out, _, err := execute(t, "", "--config", writeTestConfig(t), "config", "show")
		require.NoError(t, err)

		assert.Contains(t, out, `"model": "test-model"`)
		assert.NotContains(t, out, "sk-ant-test")
		assert.NotContains(t, out, "cli-test-signing-secret")
	})

	t.Run("should validate the config", func(t *testing.T) {
		out, _, err := execute(t, "", "--config", writeTestConfig(t), "config", "validate")
		require.NoError(t, err)
		assert.Contains(t, out, "configuration is valid")
	})

	t.Run("should write defaults once", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "agentloop.json")

		out, _, err := execute(t, "", "--config", path, "config", "init")
		require.NoError(t, err)
		assert.Contains(t, out, path)
		_, err = os.Stat(path)
		require.NoError(t, err)

		_, _, err = execute(t, "", "--config", path, "config", "init")
		assert.ErrorContains(t, err, "already exists")

		_, _, err = execute(t, "", "--config", path, "config", "init", "--force")
		assert.NoError(t, err)
	})
}
