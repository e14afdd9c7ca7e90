package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Executor is the base capability: every node executor declares the node
// type it handles. Further behavior is opt-in through the capability
// interfaces below; the Registry detects them once at registration, not at
// call sites.
type Executor interface {
	NodeType() string
}

// FlowRunner executes a node in single-shot mode. The flow scheduler wraps
// the result in started / result / completed events automatically.
type FlowRunner interface {
	Executor
	Execute(ctx context.Context, node Node, inputs map[string]DataValue, fc *FlowContext) (*ExecutionResult, error)
}

// StreamRunner executes a node in streaming mode: it emits NodeEvents into
// ch as work progresses and returns at most one terminal result. Events are
// forwarded verbatim; the scheduler still brackets them with started and
// completed. Implementations must not close ch.
type StreamRunner interface {
	Executor
	ExecuteStream(ctx context.Context, node Node, inputs map[string]DataValue, fc *FlowContext, ch chan<- NodeEvent) (*ExecutionResult, error)
}

// Builder performs structural Phase-1 compilation: it turns node config
// into an agent, a tool batch, or metadata before any flow node runs.
type Builder interface {
	Executor
	Build(ctx context.Context, node Node, bc *BuildContext) (any, error)
}

// Materializer resolves a link-channel artifact lazily: a model id, a tool
// batch, a sub-agent. Called by Runtime.MaterializeOutput, memoized per
// (node, handle) within a run.
type Materializer interface {
	Executor
	Materialize(ctx context.Context, node Node, outputHandle string, fc *FlowContext) (any, error)
}

// RuntimeConfigurator is an optional hook run when a Runtime is built for
// a graph containing the node type.
type RuntimeConfigurator interface {
	Executor
	ConfigureRuntime(rt *Runtime) error
}

// RouteDecl declares one node-owned HTTP route.
type RouteDecl struct {
	NodeType string
	RouteID  string
}

// RouteInitializer exposes the routes a node owns, scanned into the
// process-wide route index at startup and on agent save.
type RouteInitializer interface {
	Executor
	Routes(node Node) []RouteDecl
}

// ExecutionResult is a node's terminal output: the values it places on its
// output ports, plus an optional request to stop the whole run cleanly.
type ExecutionResult struct {
	Outputs map[string]DataValue
	StopRun bool
}

// BuildContext carries the services available during structural compilation.
type BuildContext struct {
	AgentID  string
	Services *Services
}

// Services bundles the external collaborators node executors may use.
// Constructed once at startup and passed by dependency injection.
type Services struct {
	Tools  ToolSource
	Models ModelSource
	Code   CodeRunner
	Logger *slog.Logger
}

// ServiceLogger returns the configured logger or the discard fallback.
func (s *Services) ServiceLogger() *slog.Logger {
	if s == nil || s.Logger == nil {
		return nopLogger
	}
	return s.Logger
}

// FlowContext is handed to a node executor for one step. It is owned by the
// run's single executor fiber; nothing in it outlives a yield.
type FlowContext struct {
	NodeID string
	ChatID string
	RunID  string

	// State is the user-supplied shared state for the run.
	State map[string]any

	// Runtime is the per-run kernel, used for link resolution.
	Runtime *Runtime

	// Control is the run's cancellation/approval handle. May be nil in
	// flow-only runs without run control.
	Control *RunHandle

	Services *Services

	// ChatInput is the user message that started the turn, when any.
	ChatInput string

	// ExtraToolIDs are user-selected tools merged into the root agent when
	// chat-start declares includeUserTools.
	ExtraToolIDs []string

	// stopRun is observed by the flow scheduler between nodes. Shared with
	// RunControl so request_cancel can halt a flow without a handle lookup.
	stopRun *atomic.Bool
}

// RequestStop asks the flow scheduler to halt after the current node.
func (fc *FlowContext) RequestStop() {
	if fc.stopRun != nil {
		fc.stopRun.Store(true)
	}
}

// CodeRunner executes user code in a sandbox. The code subpackage provides
// a subprocess-based implementation.
type CodeRunner interface {
	// Run executes source with the given globals injected and returns the
	// JSON-safe result the code produced via set_result.
	Run(ctx context.Context, source string, globals map[string]any) (json.RawMessage, error)
}

// registration caches the capability set of one executor, detected once.
type registration struct {
	exec     Executor
	flow     FlowRunner
	stream   StreamRunner
	builder  Builder
	mat      Materializer
	routes   RouteInitializer
	runtimeC RuntimeConfigurator
}

// Registry maps node types to executors. Populated by explicit registration
// at startup; read-only afterwards.
type Registry struct {
	byType map[string]*registration
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]*registration)}
}

// Register adds an executor, detecting its capabilities by interface
// assertion. Registering a duplicate node type is a programming error.
func (r *Registry) Register(e Executor) error {
	t := e.NodeType()
	if t == "" {
		return fmt.Errorf("registry: executor with empty node type")
	}
	if _, dup := r.byType[t]; dup {
		return fmt.Errorf("registry: duplicate executor for node type %q", t)
	}
	reg := &registration{exec: e}
	if f, ok := e.(FlowRunner); ok {
		reg.flow = f
	}
	if s, ok := e.(StreamRunner); ok {
		reg.stream = s
	}
	if b, ok := e.(Builder); ok {
		reg.builder = b
	}
	if m, ok := e.(Materializer); ok {
		reg.mat = m
	}
	if ri, ok := e.(RouteInitializer); ok {
		reg.routes = ri
	}
	if rc, ok := e.(RuntimeConfigurator); ok {
		reg.runtimeC = rc
	}
	r.byType[t] = reg
	return nil
}

// MustRegister panics on registration failure. For startup wiring.
func (r *Registry) MustRegister(e Executor) {
	if err := r.Register(e); err != nil {
		panic(err)
	}
}

// Lookup returns the executor registered for a node type.
func (r *Registry) Lookup(nodeType string) (Executor, bool) {
	reg, ok := r.byType[nodeType]
	if !ok {
		return nil, false
	}
	return reg.exec, true
}

// IsFlowNode reports whether the node type has an execute capability
// (single-shot or streaming). Structural-only executors return false and
// are skipped by the flow scheduler.
func (r *Registry) IsFlowNode(nodeType string) bool {
	reg, ok := r.byType[nodeType]
	return ok && (reg.flow != nil || reg.stream != nil)
}

// materializer returns the node type's Materialize capability.
func (r *Registry) materializer(nodeType string) (Materializer, bool) {
	reg, ok := r.byType[nodeType]
	if !ok || reg.mat == nil {
		return nil, false
	}
	return reg.mat, true
}

// routeOwners returns every registered executor that owns routes.
func (r *Registry) routeOwners() map[string]RouteInitializer {
	owners := make(map[string]RouteInitializer)
	for t, reg := range r.byType {
		if reg.routes != nil {
			owners[t] = reg.routes
		}
	}
	return owners
}
