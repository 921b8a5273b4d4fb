package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/harun/agentloop/pkg/runtimeconfig"
	"github.com/harun/agentloop/pkg/toolexecutor"
)

// ToolContextWorkspaceRoot is the tool context key that overrides the read_file root
const ToolContextWorkspaceRoot = "workspace_root"

const defaultReadLimit = 200000

// Options configures the built-in tools
type Options struct {
	WorkspaceRoot string
	Now           func() time.Time
}

// Definitions returns the built-in tool definitions
func Definitions(opts Options) []*toolexecutor.ToolDefinition {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return []*toolexecutor.ToolDefinition{
		addTool(),
		echoTool(),
		currentTimeTool(opts),
		readFileTool(opts),
	}
}

// RegisterCoreTools returns cfg with every built-in tool registered
func RegisterCoreTools(cfg *runtimeconfig.Config, opts Options) (*runtimeconfig.Config, error) {
	for _, def := range Definitions(opts) {
		next, err := cfg.WithTool(def)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", def.Name, err)
		}
		cfg = next
	}
	return cfg, nil
}

func addTool() *toolexecutor.ToolDefinition {
	return &toolexecutor.ToolDefinition{
		Name:        "add",
		Description: "Add two numbers and return the sum.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "a", Type: "number", Description: "First addend", Required: true},
			{Name: "b", Type: "number", Description: "Second addend", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			a, err := cast.ToFloat64E(params["a"])
			if err != nil {
				return nil, fmt.Errorf("a: %w", err)
			}
			b, err := cast.ToFloat64E(params["b"])
			if err != nil {
				return nil, fmt.Errorf("b: %w", err)
			}
			sum := a + b
			if a == math.Trunc(a) && b == math.Trunc(b) && math.Abs(sum) < 1<<53 {
				return int64(sum), nil
			}
			return sum, nil
		},
	}
}

func echoTool() *toolexecutor.ToolDefinition {
	return &toolexecutor.ToolDefinition{
		Name:        "echo",
		Description: "Return the given text unchanged.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			text, _ := params["text"].(string)
			return text, nil
		},
	}
}

func currentTimeTool(opts Options) *toolexecutor.ToolDefinition {
	return &toolexecutor.ToolDefinition{
		Name:        "current_time",
		Description: "Return the current time.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "timezone", Type: "string", Description: "IANA timezone name (default UTC)"},
			{Name: "format", Type: "string", Description: "Go time layout (default RFC3339)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			zone, _ := params["timezone"].(string)
			zone = strings.TrimSpace(zone)
			if zone == "" {
				zone = "UTC"
			}
			loc, err := time.LoadLocation(zone)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", zone)
			}
			layout, _ := params["format"].(string)
			if strings.TrimSpace(layout) == "" {
				layout = time.RFC3339
			}

			now := opts.Now().In(loc)
			return map[string]interface{}{
				"time":     now.Format(layout),
				"timezone": loc.String(),
				"unix":     now.Unix(),
			}, nil
		},
	}
}

func readFileTool(opts Options) *toolexecutor.ToolDefinition {
	return &toolexecutor.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "integer", Description: "Maximum bytes to read (default 200000)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			workspaceRoot, err := resolveWorkspaceRoot(ctx, opts)
			if err != nil {
				return nil, err
			}
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(workspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}

			maxBytes := int64(defaultReadLimit)
			if raw, ok := params["max_bytes"].(int64); ok && raw > 0 {
				maxBytes = raw
			}

			data, truncated, err := readFileWithLimit(target, maxBytes)
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":      pathValue,
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

func resolveWorkspaceRoot(ctx context.Context, opts Options) (string, error) {
	root := opts.WorkspaceRoot
	if v, ok := toolexecutor.ToolContextFrom(ctx)[ToolContextWorkspaceRoot].(string); ok && strings.TrimSpace(v) != "" {
		root = v
	}
	if strings.TrimSpace(root) == "" {
		return "", errors.New("workspace root is not configured")
	}
	return filepath.Abs(root)
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	if limit <= 0 {
		limit = defaultReadLimit
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	extra := make([]byte, 1)
	n, _ := file.Read(extra)
	return buf.Bytes(), n > 0, nil
}

func resolvePathInWorkspace(workspaceRoot string, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(workspaceRoot, candidate)
	if err != nil {
		return "", err
	}
	if rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..") {
		return candidate, nil
	}
	return "", fmt.Errorf("path %q is outside workspace root", pathValue)
}
