package ensemble

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Tool defines an agent capability with one or more tool functions.
// Callables must be deterministic with respect to their arguments; the
// registry does not cache results.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolFunc adapts a plain function into a single-definition Tool. Return
// values that are not strings are best-effort serialised by the node; the
// callable itself returns a string or an error.
type ToolFunc struct {
	Def ToolDefinition
	Fn  func(ctx context.Context, args json.RawMessage) (string, error)
}

func (t ToolFunc) Definitions() []ToolDefinition { return []ToolDefinition{t.Def} }

func (t ToolFunc) Execute(ctx context.Context, _ string, args json.RawMessage) (ToolResult, error) {
	out, err := t.Fn(ctx, args)
	if err != nil {
		return ToolResult{}, err
	}
	return ToolResult{Content: out}, nil
}

// ToolRegistry holds one agent's declared tools and dispatches execution.
// Definition order is stable: the tool menu presented to the LLM matches
// registration order for the lifetime of the registry. Read-only after
// construction; safe for unsynchronised shared reads.
type ToolRegistry struct {
	tools   []Tool
	defs    []ToolDefinition
	byName  map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		byName:  make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Add registers a tool, compiling the argument schema of each definition.
// A duplicate name or an invalid schema is a construction error.
func (r *ToolRegistry) Add(t Tool) error {
	for _, d := range t.Definitions() {
		if _, dup := r.byName[d.Name]; dup {
			return fmt.Errorf("tool %q already registered", d.Name)
		}
		if len(d.Parameters) > 0 {
			sch, err := compileSchema(d.Name, d.Parameters)
			if err != nil {
				return fmt.Errorf("tool %q: %w", d.Name, err)
			}
			r.schemas[d.Name] = sch
		}
		r.byName[d.Name] = t
		r.defs = append(r.defs, d)
	}
	r.tools = append(r.tools, t)
	return nil
}

// MustAdd is Add that panics. For construction-time wiring where a bad
// schema is a programming error.
func (r *ToolRegistry) MustAdd(t Tool) {
	if err := r.Add(t); err != nil {
		panic(err)
	}
}

// Definitions returns the tool menu in registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	return r.defs
}

// Validate checks args against the declared schema for name. An unregistered
// name is a TOOL_ERROR; malformed arguments are a VALIDATION_ERROR.
func (r *ToolRegistry) Validate(name string, args json.RawMessage) error {
	if _, ok := r.byName[name]; !ok {
		return NewToolError("unknown tool: %s", name)
	}
	sch, ok := r.schemas[name]
	if !ok {
		return nil
	}
	var v any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &v); err != nil {
			return NewValidationError("tool %s: arguments are not valid JSON: %v", name, err)
		}
	}
	if err := sch.Validate(v); err != nil {
		return NewValidationError("tool %s: %v", name, err)
	}
	return nil
}

// Execute dispatches a tool call by name. The caller is expected to have
// validated the arguments first.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	t, ok := r.byName[name]
	if !ok {
		return ToolResult{}, NewToolError("unknown tool: %s", name)
	}
	return t.Execute(ctx, name, args)
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}
