// Package tools provides the tool framework the assistant calls into:
// a registry, OpenAI-format definitions and a dispatch boundary that
// converts every failure into a model-readable string.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Tool is the interface every assistant tool implements.
type Tool interface {
	// Name returns the tool identifier used in function calls.
	Name() string
	// Description returns a human-readable description for the LLM.
	Description() string
	// Parameters returns the JSON Schema for tool parameters.
	Parameters() map[string]any
	// Execute runs the tool with the given parameters.
	Execute(ctx context.Context, params map[string]any) (string, error)
}

// Registry manages tool registration and dispatch. Registration happens
// at startup; dispatch is read-only and safe for concurrent use.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool. Duplicate names are a wiring bug.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// MustRegister registers a tool and panics on duplicates. Startup only.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tools in registration order.
func (r *Registry) List() []Tool {
	result := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.tools[name])
	}
	return result
}

// Definitions returns tool definitions in OpenAI function-calling format.
func (r *Registry) Definitions() []map[string]any {
	result := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name(),
				"description": tool.Description(),
				"parameters":  tool.Parameters(),
				"strict":      true,
			},
		})
	}
	return result
}

// Dispatch runs a tool by name with raw JSON arguments and never fails:
// an unknown tool, a malformed argument payload, a returned error or a
// panic all come back as a plain string the model can read and react to.
func (r *Registry) Dispatch(ctx context.Context, name, rawArgs string) (result string) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Tool panicked", "tool", name, "panic", rec)
			result = fmt.Sprintf("tool_error: %v", rec)
		}
	}()

	tool, ok := r.tools[name]
	if !ok {
		return fmt.Sprintf("tool not found: %s", name)
	}

	params := make(map[string]any)
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &params); err != nil {
			return fmt.Sprintf("tool_error: invalid arguments: %v", err)
		}
	}

	out, err := tool.Execute(ctx, params)
	if err != nil {
		slog.Warn("Tool execution failed", "tool", name, "error", err)
		return fmt.Sprintf("tool_error: %v", err)
	}
	return out
}

// GetString extracts a string parameter with a default value.
func GetString(params map[string]any, key string, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetInt extracts an int parameter with a default value.
func GetInt(params map[string]any, key string, defaultVal int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return defaultVal
}

// GetInt64 extracts an int64 parameter with a default value. Numeric
// strings are accepted because models frequently quote ids.
func GetInt64(params map[string]any, key string, defaultVal int64) int64 {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return int64(n)
		case int64:
			return n
		case float64:
			return int64(n)
		case json.Number:
			if parsed, err := n.Int64(); err == nil {
				return parsed
			}
		case string:
			var parsed int64
			if _, err := fmt.Sscanf(n, "%d", &parsed); err == nil {
				return parsed
			}
		}
	}
	return defaultVal
}

// GetList extracts a list parameter; nil when absent or mistyped.
func GetList(params map[string]any, key string) []any {
	if v, ok := params[key]; ok {
		if list, ok := v.([]any); ok {
			return list
		}
	}
	return nil
}
