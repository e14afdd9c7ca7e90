package loom

import (
	"context"
	"encoding/json"
	"strings"
)

// ProviderEventType identifies the kind of event a model stream emits.
type ProviderEventType string

const (
	// ProviderEventDelta carries an incremental text chunk.
	ProviderEventDelta ProviderEventType = "delta"
	// ProviderEventReasoningStart signals the model began a reasoning phase.
	ProviderEventReasoningStart ProviderEventType = "reasoning-start"
	// ProviderEventReasoningStep carries an incremental reasoning chunk.
	ProviderEventReasoningStep ProviderEventType = "reasoning-step"
	// ProviderEventReasoningEnd signals the reasoning phase completed.
	ProviderEventReasoningEnd ProviderEventType = "reasoning-end"
	// ProviderEventRunID carries the provider-issued run id, bound late.
	ProviderEventRunID ProviderEventType = "run-id"
)

// ProviderEvent is one event on a model stream.
type ProviderEvent struct {
	Type  ProviderEventType
	Text  string
	RunID string
}

// ToolCallRequest is a tool invocation the model asked for.
type ToolCallRequest struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ModelRequest is one turn sent to a model backend.
type ModelRequest struct {
	Model        string
	Instructions string
	Messages     []ChatMessage
	Tools        []ToolDefinition
	// Params carries validated, sanitized generation kwargs.
	Params map[string]any
}

// ModelUsage reports token counts for one model call. Providers that do not
// report usage leave it zero.
type ModelUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ModelResult is the terminal outcome of one model stream.
type ModelResult struct {
	Content string
	// ToolCalls is non-empty when the model stopped to request tools; the
	// caller executes them and issues a follow-up request.
	ToolCalls     []ToolCallRequest
	Usage         ModelUsage
	ProviderRunID string
}

// ModelProvider abstracts an LLM backend as a streaming model handle.
// Provider-specific SDKs live behind this interface.
type ModelProvider interface {
	// Name returns the provider name (e.g. "anthropic", "mock").
	Name() string
	// Stream sends a request, emits ProviderEvents into ch as the response
	// arrives, and returns the final result. Implementations must not
	// close ch.
	Stream(ctx context.Context, req ModelRequest, ch chan<- ProviderEvent) (ModelResult, error)
}

// ModelSource resolves a model id of the form "provider:model" to a
// provider handle and the bare model name.
type ModelSource interface {
	Resolve(modelID string) (ModelProvider, string, error)
}

// ProviderSet is the in-process ModelSource: a fixed provider map built at
// startup.
type ProviderSet struct {
	providers map[string]ModelProvider
}

var _ ModelSource = (*ProviderSet)(nil)

// NewProviderSet builds a ModelSource over the given providers.
func NewProviderSet(providers ...ModelProvider) *ProviderSet {
	m := make(map[string]ModelProvider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &ProviderSet{providers: m}
}

// Resolve splits "provider:model" and returns the handle.
func (s *ProviderSet) Resolve(modelID string) (ModelProvider, string, error) {
	name, model, ok := strings.Cut(modelID, ":")
	if !ok || name == "" || model == "" {
		return nil, "", &ModelResolutionError{}
	}
	p, ok := s.providers[name]
	if !ok {
		return nil, "", &NotFoundError{Kind: "model", ID: modelID}
	}
	return p, model, nil
}

// AgentSpec is the materialized form of an agent node: the root runtime
// object an LLM turn executes against. Members are sub-agents resolved over
// link edges; a spec with members runs as a Team.
type AgentSpec struct {
	NodeID       string
	Name         string
	ModelID      string
	Instructions string
	Temperature  *float64
	ToolIDs      []string
	Members      []*AgentSpec
}

// IsTeam reports whether the spec has sub-agent members.
func (a *AgentSpec) IsTeam() bool { return len(a.Members) > 0 }
