package loom

import (
	"context"
	"encoding/json"
)

// ToolDefinition describes one callable tool, including the approval
// metadata the agent executor consults before invoking it.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	// RequiresApproval gates invocation behind a ToolApprovalRequired
	// round-trip with the client.
	RequiresApproval bool `json:"requires_approval,omitempty"`
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolSource looks up tool callables and approval metadata by id. The
// orchestrator and node executors depend on this interface; ToolRegistry is
// the in-process implementation.
type ToolSource interface {
	// Definition returns the metadata for a tool id.
	Definition(id string) (ToolDefinition, bool)
	// Definitions returns metadata for a batch of ids, skipping unknowns.
	Definitions(ids []string) []ToolDefinition
	// Execute dispatches a tool call by id.
	Execute(ctx context.Context, id string, args json.RawMessage) (ToolResult, error)
}

// ToolRegistry holds registered tools and dispatches execution by id.
type ToolRegistry struct {
	tools []Tool
	byID  map[string]Tool
}

var _ ToolSource = (*ToolRegistry)(nil)

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{byID: make(map[string]Tool)}
}

// Add registers a tool under each of its definition names.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
	for _, d := range t.Definitions() {
		r.byID[d.Name] = t
	}
}

// Definition returns the metadata for a tool id.
func (r *ToolRegistry) Definition(id string) (ToolDefinition, bool) {
	t, ok := r.byID[id]
	if !ok {
		return ToolDefinition{}, false
	}
	for _, d := range t.Definitions() {
		if d.Name == id {
			return d, true
		}
	}
	return ToolDefinition{}, false
}

// Definitions returns metadata for a batch of ids, skipping unknowns.
func (r *ToolRegistry) Definitions(ids []string) []ToolDefinition {
	var defs []ToolDefinition
	for _, id := range ids {
		if d, ok := r.Definition(id); ok {
			defs = append(defs, d)
		}
	}
	return defs
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Execute dispatches a tool call by id.
func (r *ToolRegistry) Execute(ctx context.Context, id string, args json.RawMessage) (ToolResult, error) {
	t, ok := r.byID[id]
	if !ok {
		return ToolResult{Error: "unknown tool: " + id}, nil
	}
	return t.Execute(ctx, id, args)
}
