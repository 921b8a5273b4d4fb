package coretools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/pkg/runtimeconfig"
	"github.com/harun/agentloop/pkg/toolexecutor"
)

var fixedNow = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

func run(t *testing.T, opts Options, name string, args, toolCtx map[string]interface{}) toolexecutor.Result {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	reg, err := toolexecutor.NewRegistry(Definitions(opts)...)
	require.NoError(t, err)
	return toolexecutor.New(toolexecutor.DefaultPolicy()).Execute(context.Background(), reg, toolexecutor.Call{
		ID:        "call-1",
		Name:      name,
		Arguments: args,
		Context:   toolCtx,
	})
}

func TestAdd(t *testing.T) {
	t.Run("should return an integer for integral inputs", func(t *testing.T) {
		res := run(t, Options{}, "add", map[string]interface{}{"a": float64(2), "b": float64(3)}, nil)
		require.True(t, res.OK())
		assert.Equal(t, int64(5), res.Output)
	})

	t.Run("should coerce numeric strings", func(t *testing.T) {
		res := run(t, Options{}, "add", map[string]interface{}{"a": "2", "b": 2}, nil)
		require.True(t, res.OK())
		assert.Equal(t, int64(4), res.Output)
	})

	t.Run("should return a float for fractional inputs", func(t *testing.T) {
		res := run(t, Options{}, "add", map[string]interface{}{"a": 1.5, "b": float64(2)}, nil)
		require.True(t, res.OK())
		assert.Equal(t, 3.5, res.Output)
	})

	t.Run("should reject missing arguments", func(t *testing.T) {
		res := run(t, Options{}, "add", map[string]interface{}{"a": float64(1)}, nil)
		require.False(t, res.OK())
		assert.Equal(t, "invalid_arguments", res.Err.Kind)
	})
}

func TestEcho(t *testing.T) {
	t.Run("should return the text", func(t *testing.T) {
		res := run(t, Options{}, "echo", map[string]interface{}{"text": "hello"}, nil)
		require.True(t, res.OK())
		assert.Equal(t, "hello", res.Output)
	})
}

func TestCurrentTime(t *testing.T) {
	t.Run("should default to UTC and RFC3339", func(t *testing.T) {
		res := run(t, Options{}, "current_time", map[string]interface{}{}, nil)
		require.True(t, res.OK())
		out := res.Output.(map[string]interface{})
		assert.Equal(t, "2024-03-01T12:30:00Z", out["time"])
		assert.Equal(t, "UTC", out["timezone"])
		assert.Equal(t, fixedNow.Unix(), out["unix"])
	})

	t.Run("should apply the requested layout", func(t *testing.T) {
		res := run(t, Options{}, "current_time", map[string]interface{}{"format": "2006-01-02"}, nil)
		require.True(t, res.OK())
		assert.Equal(t, "2024-03-01", res.Output.(map[string]interface{})["time"])
	})

	t.Run("should fail for an unknown timezone", func(t *testing.T) {
		res := run(t, Options{}, "current_time", map[string]interface{}{"timezone": "Mars/Olympus"}, nil)
		require.False(t, res.OK())
		assert.Equal(t, toolexecutor.ErrorExecution, res.Err.Type)
		assert.Contains(t, res.Err.Message, "unknown timezone")
	})
}

func TestReadFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello world"), 0644))

	t.Run("should read a workspace file", func(t *testing.T) {
		res := run(t, Options{WorkspaceRoot: root}, "read_file", map[string]interface{}{"path": "notes.txt"}, nil)
		require.True(t, res.OK())
		out := res.Output.(map[string]interface{})
		assert.Equal(t, "hello world", out["content"])
		assert.Equal(t, false, out["truncated"])
		assert.Equal(t, 11, out["bytes"])
	})

	t.Run("should truncate at max_bytes", func(t *testing.T) {
		res := run(t, Options{WorkspaceRoot: root}, "read_file",
			map[string]interface{}{"path": "notes.txt", "max_bytes": float64(5)}, nil)
		require.True(t, res.OK())
		out := res.Output.(map[string]interface{})
		assert.Equal(t, "hello", out["content"])
		assert.Equal(t, true, out["truncated"])
	})

	t.Run("should prefer the workspace root from the tool context", func(t *testing.T) {
		other := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(other, "notes.txt"), []byte("other"), 0644))

		res := run(t, Options{WorkspaceRoot: root}, "read_file", map[string]interface{}{"path": "notes.txt"},
			map[string]interface{}{ToolContextWorkspaceRoot: other})
		require.True(t, res.OK())
		assert.Equal(t, "other", res.Output.(map[string]interface{})["content"])
	})

	t.Run("should refuse paths outside the workspace", func(t *testing.T) {
		res := run(t, Options{WorkspaceRoot: root}, "read_file", map[string]interface{}{"path": "../etc/passwd"}, nil)
		require.False(t, res.OK())
		assert.Contains(t, res.Err.Message, "outside workspace root")
	})

	t.Run("should fail without a workspace root", func(t *testing.T) {
		res := run(t, Options{}, "read_file", map[string]interface{}{"path": "notes.txt"}, nil)
		require.False(t, res.OK())
		assert.Contains(t, res.Err.Message, "workspace root")
	})
}

func TestResolvePathInWorkspace(t *testing.T) {
	t.Run("should resolve relative and contained absolute paths", func(t *testing.T) {
		got, err := resolvePathInWorkspace("/ws", "a/b.txt")
		require.NoError(t, err)
		assert.Equal(t, "/ws/a/b.txt", got)

		got, err = resolvePathInWorkspace("/ws", "/ws/c.txt")
		require.NoError(t, err)
		assert.Equal(t, "/ws/c.txt", got)
	})

	t.Run("should reject escapes and urls", func(t *testing.T) {
		for _, p := range []string{"", "../x", "/etc/passwd", "file:///etc/passwd", "a/../../x"} {
			_, err := resolvePathInWorkspace("/ws", p)
			assert.Error(t, err, "path %q", p)
		}
	})
}

func TestRegisterCoreTools(t *testing.T) {
	t.Run("should register every built-in tool", func(t *testing.T) {
		opts := runtimeconfig.DefaultOptions()
		opts.Model = "test-model"
		opts.Token.Secret = "coretools-test-signing-key"
		cfg, err := runtimeconfig.New(opts)
		require.NoError(t, err)

		cfg, err = RegisterCoreTools(cfg, Options{})
		require.NoError(t, err)
		assert.Equal(t, "add,current_time,echo,read_file", strings.Join(cfg.Tools().Names(), ","))
	})
}
