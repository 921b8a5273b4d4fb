package toolexecutor

import (
	"context"
	"fmt"
	"sort"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolHandler is the function signature for tool execution. Integer
// parameters arrive as int64, number parameters as float64.
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`

	// Retryable classifies handler errors. When nil an error is retried only
	// if it was wrapped with Retryable(err).
	Retryable func(error) bool `json:"-"`
}

var validParamTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

// Validate checks that the definition can be registered
func (d *ToolDefinition) Validate() error {
	if d == nil {
		return fmt.Errorf("tool definition is nil")
	}
	if d.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if d.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if d.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	seen := make(map[string]bool, len(d.Parameters))
	for _, param := range d.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[param.Name] {
			return fmt.Errorf("duplicate parameter %s", param.Name)
		}
		seen[param.Name] = true
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validParamTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// InputSchema returns the JSON schema of the tool arguments as a plain map,
// the shape LLM providers expect for tool declarations.
func (d *ToolDefinition) InputSchema() map[string]interface{} {
	properties := make(map[string]interface{}, len(d.Parameters))
	required := []string{}

	for _, param := range d.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (d *ToolDefinition) isRetryable(err error) bool {
	if d.Retryable != nil {
		return d.Retryable(err)
	}
	return IsRetryable(err)
}

// Registry maps tool names to definitions. A Registry handed to a session or
// executor is treated as immutable; use With/Without to derive a new one.
type Registry map[string]*ToolDefinition

// NewRegistry builds a registry from defs. Later definitions with the same
// name replace earlier ones.
func NewRegistry(defs ...*ToolDefinition) (Registry, error) {
	reg := make(Registry, len(defs))
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("invalid tool definition: %w", err)
		}
		reg[def.Name] = def
	}
	return reg, nil
}

// Get returns a tool definition by name
func (r Registry) Get(name string) *ToolDefinition {
	return r[name]
}

// Names returns the registered tool names in sorted order
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a shallow copy of the registry
func (r Registry) Clone() Registry {
	out := make(Registry, len(r))
	for name, def := range r {
		out[name] = def
	}
	return out
}

// With returns a copy of the registry with def added or replaced
func (r Registry) With(def *ToolDefinition) Registry {
	out := r.Clone()
	out[def.Name] = def
	return out
}

// Without returns a copy of the registry with name removed
func (r Registry) Without(name string) Registry {
	out := r.Clone()
	delete(out, name)
	return out
}
