package loom

import (
	"context"
	"fmt"
	"log/slog"
)

// memoOp distinguishes the two memoized resolution operations.
type memoOp string

const (
	opResolve     memoOp = "resolve"
	opMaterialize memoOp = "materialize"
)

// memoKey identifies one resolution within a run.
type memoKey struct {
	op     memoOp
	node   string
	handle string
}

// Runtime is the per-run graph kernel. It owns the edge indices, the link
// resolution cache, and the cycle-detection stack. One instance exists per
// run and is owned by the run's single executor fiber; it is not safe for
// concurrent use and never needs to be.
type Runtime struct {
	graph  Graph
	runID  string
	chatID string
	state  map[string]any

	registry *Registry
	services *Services
	control  *RunHandle

	// override swaps executors per node type, for tests.
	override map[string]Executor

	// incoming/outgoing index edges by (node, channel).
	incoming map[string]map[EdgeChannel][]Edge
	outgoing map[string]map[EdgeChannel][]Edge

	memo  map[memoKey]any
	stack []memoKey

	logger *slog.Logger
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeLogger sets the structured logger for resolution tracing.
func WithRuntimeLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

// WithRunState attaches user-supplied shared state.
func WithRunState(state map[string]any) RuntimeOption {
	return func(r *Runtime) { r.state = state }
}

// WithRunControl attaches the run's cancellation/approval handle.
func WithRunControl(h *RunHandle) RuntimeOption {
	return func(r *Runtime) { r.control = h }
}

// WithExecutorOverride substitutes the executor used for a node type.
// Testing hook; overrides bypass the registry for that type.
func WithExecutorOverride(nodeType string, e Executor) RuntimeOption {
	return func(r *Runtime) {
		if r.override == nil {
			r.override = make(map[string]Executor)
		}
		r.override[nodeType] = e
	}
}

// NewRuntime builds the per-run kernel for a normalized graph. Executors
// implementing RuntimeConfigurator for node types present in the graph get
// their hook invoked once.
func NewRuntime(g Graph, runID, chatID string, registry *Registry, services *Services, opts ...RuntimeOption) (*Runtime, error) {
	r := &Runtime{
		graph:    g,
		runID:    runID,
		chatID:   chatID,
		registry: registry,
		services: services,
		incoming: make(map[string]map[EdgeChannel][]Edge, len(g.Nodes)),
		outgoing: make(map[string]map[EdgeChannel][]Edge, len(g.Nodes)),
		memo:     make(map[memoKey]any),
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, e := range g.Edges {
		ch := e.Channel()
		if r.incoming[e.Target] == nil {
			r.incoming[e.Target] = make(map[EdgeChannel][]Edge)
		}
		if r.outgoing[e.Source] == nil {
			r.outgoing[e.Source] = make(map[EdgeChannel][]Edge)
		}
		r.incoming[e.Target][ch] = append(r.incoming[e.Target][ch], e)
		r.outgoing[e.Source][ch] = append(r.outgoing[e.Source][ch], e)
	}

	seenTypes := make(map[string]bool)
	for _, n := range g.Nodes {
		if seenTypes[n.Type] {
			continue
		}
		seenTypes[n.Type] = true
		if exec, ok := r.executor(n.Type); ok {
			if rc, ok := exec.(RuntimeConfigurator); ok {
				if err := rc.ConfigureRuntime(r); err != nil {
					return nil, fmt.Errorf("configure runtime for %q: %w", n.Type, err)
				}
			}
		}
	}
	return r, nil
}

// Graph returns the runtime's normalized graph.
func (r *Runtime) Graph() Graph { return r.graph }

// RunID returns the run identifier.
func (r *Runtime) RunID() string { return r.runID }

// ChatID returns the chat identifier, empty for ephemeral runs.
func (r *Runtime) ChatID() string { return r.chatID }

// State returns the run's shared state map.
func (r *Runtime) State() map[string]any { return r.state }

// executor resolves the executor for a node type, honoring test overrides.
func (r *Runtime) executor(nodeType string) (Executor, bool) {
	if e, ok := r.override[nodeType]; ok {
		return e, true
	}
	if r.registry == nil {
		return nil, false
	}
	return r.registry.Lookup(nodeType)
}

// IncomingEdges returns edges into node, filtered by channel and, when
// targetHandle is non-empty, by defaulted target handle.
func (r *Runtime) IncomingEdges(node string, channel EdgeChannel, targetHandle string) []Edge {
	return filterEdges(r.incoming[node][channel], targetHandle, func(e Edge) string {
		return e.TargetHandleOrDefault()
	})
}

// OutgoingEdges returns edges out of node, filtered by channel and, when
// sourceHandle is non-empty, by defaulted source handle.
func (r *Runtime) OutgoingEdges(node string, channel EdgeChannel, sourceHandle string) []Edge {
	return filterEdges(r.outgoing[node][channel], sourceHandle, func(e Edge) string {
		return e.SourceHandleOrDefault()
	})
}

func filterEdges(edges []Edge, handle string, key func(Edge) string) []Edge {
	if handle == "" {
		return edges
	}
	var out []Edge
	for _, e := range edges {
		if key(e) == handle {
			out = append(out, e)
		}
	}
	return out
}

// ResolveLinks walks every link edge into (node, targetHandle), materializes
// each source output, and concatenates the results. A source that yields a
// list is flattened one level. Results are memoized per (node, handle)
// within the run.
func (r *Runtime) ResolveLinks(ctx context.Context, fc *FlowContext, node, targetHandle string) ([]any, error) {
	key := memoKey{op: opResolve, node: node, handle: targetHandle}
	if cached, ok := r.memo[key]; ok {
		return cached.([]any), nil
	}
	if err := r.enter(key); err != nil {
		return nil, err
	}
	defer r.exit()

	if _, ok := r.graph.NodeByID(node); !ok {
		return nil, &NotFoundError{Kind: "node", ID: node}
	}

	var artifacts []any
	for _, e := range r.IncomingEdges(node, ChannelLink, targetHandle) {
		art, err := r.MaterializeOutput(ctx, fc, e.Source, e.SourceHandleOrDefault())
		if err != nil {
			return nil, err
		}
		if list, ok := art.([]any); ok {
			artifacts = append(artifacts, list...)
		} else if art != nil {
			artifacts = append(artifacts, art)
		}
	}
	r.memo[key] = artifacts
	r.logger.Debug("runtime: links resolved",
		"run_id", r.runID, "node", node, "handle", targetHandle, "count", len(artifacts))
	return artifacts, nil
}

// MaterializeOutput dispatches to the source node's Materialize hook for
// one output handle. Memoized per (node, handle) within the run.
func (r *Runtime) MaterializeOutput(ctx context.Context, fc *FlowContext, node, outputHandle string) (any, error) {
	key := memoKey{op: opMaterialize, node: node, handle: outputHandle}
	if cached, ok := r.memo[key]; ok {
		return cached, nil
	}
	if err := r.enter(key); err != nil {
		return nil, err
	}
	defer r.exit()

	n, ok := r.graph.NodeByID(node)
	if !ok {
		return nil, &NotFoundError{Kind: "node", ID: node}
	}
	exec, ok := r.executor(n.Type)
	if !ok {
		return nil, &NotFoundError{Kind: "executor", ID: n.Type}
	}
	mat, ok := exec.(Materializer)
	if !ok {
		return nil, Validationf("node %q (type %q) has no materialize capability for handle %q", node, n.Type, outputHandle)
	}

	nodeCtx := r.flowContextFor(n.ID, fc)
	art, err := mat.Materialize(ctx, n, outputHandle, nodeCtx)
	if err != nil {
		return nil, &NodeError{NodeID: node, Err: err}
	}
	r.memo[key] = art
	return art, nil
}

// flowContextFor derives the context a materializing node sees: same run,
// same services, the source node's id.
func (r *Runtime) flowContextFor(nodeID string, parent *FlowContext) *FlowContext {
	fc := &FlowContext{
		NodeID:   nodeID,
		ChatID:   r.chatID,
		RunID:    r.runID,
		State:    r.state,
		Runtime:  r,
		Control:  r.control,
		Services: r.services,
	}
	if parent != nil {
		fc.ChatInput = parent.ChatInput
		fc.ExtraToolIDs = parent.ExtraToolIDs
		fc.stopRun = parent.stopRun
	}
	return fc
}

// enter pushes a resolution marker, detecting re-entry. On a cycle the
// error lists every node on the cycle exactly once plus the closing edge.
func (r *Runtime) enter(key memoKey) error {
	for i, k := range r.stack {
		if k == key {
			path := make([]string, 0, len(r.stack)-i)
			for _, on := range r.stack[i:] {
				path = append(path, on.node)
			}
			return &CycleError{Op: string(key.op), Path: path}
		}
	}
	r.stack = append(r.stack, key)
	return nil
}

func (r *Runtime) exit() {
	r.stack = r.stack[:len(r.stack)-1]
}
