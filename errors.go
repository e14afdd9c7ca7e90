package loom

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrRunCancelled signals cooperative cancellation of a run. It surfaces as
// a RunCancelled wire event, never as RunError.
var ErrRunCancelled = errors.New("run cancelled")

// ErrStreamNotActive is returned by Subscribe when no stream exists for a chat.
var ErrStreamNotActive = errors.New("stream not active")

// ValidationError reports malformed input: a bad edge, an unknown option
// key, an invalid schema. User-visible, never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a failed resolution: missing agent, model, node
// type, or webhook. 404-style.
type NotFoundError struct {
	Kind string // "agent", "model", "node", "executor", "webhook", "chat", "message"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// CycleError reports a flow or link cycle. Path holds every node on the
// cycle exactly once, in resolution order; the closing edge returns to
// Path[0].
type CycleError struct {
	Op   string // "resolve" or "materialize" or "flow"
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s cycle: %s -> %s", e.Op, strings.Join(e.Path, " -> "), e.Path[0])
}

// TypeError reports an implicit coercion failure between socket types.
type TypeError struct {
	From SocketType
	To   SocketType
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("cannot coerce %s to %s", e.From, e.To)
}

// ModelResolutionError reports that no effective model could be resolved
// from the request, the chat config, or the persisted chat.
type ModelResolutionError struct {
	ChatID string
}

func (e *ModelResolutionError) Error() string {
	return fmt.Sprintf("no model resolved for chat %q", e.ChatID)
}

// ProviderError wraps an LLM backend failure: a stream timeout or an error
// the provider returned. Message is the cleaned, human-readable text.
type ProviderError struct {
	Provider string
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// NodeError attributes a runtime failure to the node whose executor raised it.
type NodeError struct {
	NodeID string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// CleanErrorMessage extracts a human-readable message from a provider error
// string. Providers often wrap errors as JSON ({"message": "..."} or
// {"error": {"message": "..."}}); those are unwrapped to the message field.
func CleanErrorMessage(msg string) string {
	trimmed := strings.TrimSpace(msg)
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed
	}
	var outer map[string]any
	if err := json.Unmarshal([]byte(trimmed), &outer); err != nil {
		return trimmed
	}
	if m, ok := outer["message"].(string); ok && m != "" {
		return m
	}
	if inner, ok := outer["error"].(map[string]any); ok {
		if m, ok := inner["message"].(string); ok && m != "" {
			return m
		}
	}
	if m, ok := outer["error"].(string); ok && m != "" {
		return m
	}
	return trimmed
}
