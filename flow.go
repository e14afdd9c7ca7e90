package loom

import (
	"context"
	"log/slog"
	"sort"
)

// FlowOutcome is the terminal state of a flow run: every port value
// produced, for downstream consumers like the webhook dispatcher.
type FlowOutcome struct {
	// PortValues maps node id -> output handle -> value.
	PortValues map[string]map[string]DataValue
	// Stopped is true when a node requested a clean stop via StopRun.
	Stopped bool
}

// NodeOutputs returns the outputs a node produced, nil if it never ran.
func (o *FlowOutcome) NodeOutputs(nodeID string) map[string]DataValue {
	return o.PortValues[nodeID]
}

// Flow schedules flow-channel execution over a Runtime's graph: it
// partitions out the flow nodes, orders them topologically, gathers and
// coerces inputs, prunes dead branches, and adapts single-shot and
// streaming executors to one event stream.
type Flow struct {
	rt     *Runtime
	logger *slog.Logger
	tracer Tracer

	entryTypes []string
	entryNodes []string
	cached     map[string]map[string]DataValue

	chatInput    string
	extraToolIDs []string
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithFlowLogger sets the structured logger for scheduling decisions.
func WithFlowLogger(l *slog.Logger) FlowOption {
	return func(f *Flow) { f.logger = l }
}

// WithFlowTracer enables span creation around node execution.
func WithFlowTracer(t Tracer) FlowOption {
	return func(f *Flow) { f.tracer = t }
}

// WithEntryTypes restricts execution to flow nodes reachable from nodes of
// the given types (e.g. chat-start, webhook-trigger). Ignored when the
// graph contains no node of any listed type.
func WithEntryTypes(types ...string) FlowOption {
	return func(f *Flow) { f.entryTypes = types }
}

// WithEntryNodes restricts execution to flow nodes reachable from the given
// node ids. Used by partial-graph runs.
func WithEntryNodes(ids ...string) FlowOption {
	return func(f *Flow) { f.entryNodes = ids }
}

// WithCachedOutputs seeds port values for nodes that already ran. Seeded
// nodes are not re-executed and emit no events.
func WithCachedOutputs(cached map[string]map[string]DataValue) FlowOption {
	return func(f *Flow) { f.cached = cached }
}

// WithChatInput carries the user message that started the turn.
func WithChatInput(input string) FlowOption {
	return func(f *Flow) { f.chatInput = input }
}

// WithExtraToolIDs carries user-selected tool ids for the root agent.
func WithExtraToolIDs(ids ...string) FlowOption {
	return func(f *Flow) { f.extraToolIDs = ids }
}

// NewFlow builds a scheduler over a per-run Runtime.
func NewFlow(rt *Runtime, opts ...FlowOption) *Flow {
	f := &Flow{rt: rt, logger: nopLogger}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run executes the flow subgraph in topological order, emitting node
// lifecycle events into ch. Within one run, started(n) precedes every other
// event for n, and upstream events precede downstream events. Ordering is
// deterministic: ties break by lexicographic node id.
//
// Run does not close ch; the caller owns it. On a node failure with
// on_error != "continue", Run stops and returns the NodeError. Cooperative
// cancellation between nodes returns ErrRunCancelled.
func (f *Flow) Run(ctx context.Context, ch chan<- NodeEvent) (*FlowOutcome, error) {
	reg := f.rt.registry
	graph := f.rt.Graph()

	// Partition: flow nodes are those whose executor has an execute
	// capability; structural-only nodes are invisible to the scheduler.
	flowNodes := make(map[string]Node)
	for _, n := range graph.Nodes {
		if _, ok := f.rt.override[n.Type]; ok {
			if isOverrideFlow(f.rt.override[n.Type]) {
				flowNodes[n.ID] = n
			}
			continue
		}
		if reg != nil && reg.IsFlowNode(n.Type) {
			flowNodes[n.ID] = n
		}
	}

	order, err := topoSort(flowNodes, graph.Edges)
	if err != nil {
		return nil, err
	}

	active := f.activeSet(flowNodes, graph.Edges)

	outcome := &FlowOutcome{PortValues: make(map[string]map[string]DataValue)}
	for id, outs := range f.cached {
		outcome.PortValues[id] = outs
	}

	expr := NewExprContext(f.logger)
	stop := f.stopFlag()

	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return outcome, ErrRunCancelled
		}
		if f.cancelled(stop) {
			return outcome, ErrRunCancelled
		}
		if active != nil && !active[id] {
			continue
		}
		if _, seeded := f.cached[id]; seeded {
			continue
		}

		node := flowNodes[id]
		inputs, hasWires, gatherErr := f.gatherInputs(node, outcome.PortValues)

		// Dead branch: wired but nothing arrived. No events, no outputs.
		if gatherErr == nil && hasWires && len(inputs) == 0 {
			f.logger.Debug("flow: dead branch skipped", "run_id", f.rt.runID, "node", id)
			continue
		}

		var result *ExecutionResult
		err := gatherErr
		if err == nil {
			result, err = f.step(ctx, node, inputs, outcome.PortValues, expr, ch)
		}
		if err != nil {
			msg := CleanErrorMessage(err.Error())
			emit(ctx, ch, NodeEvent{Name: EventFlowNodeError, NodeID: id, Payload: map[string]any{
				"error": msg,
			}})
			if onErrorPolicy(node) == "continue" {
				outcome.PortValues[id] = map[string]DataValue{DefaultSourceHandle: ErrorValue(msg)}
				f.recordExprResult(expr, node, outcome.PortValues[id])
				continue
			}
			return outcome, &NodeError{NodeID: id, Err: err}
		}

		if result != nil && len(result.Outputs) > 0 {
			outcome.PortValues[id] = result.Outputs
		}
		f.recordExprResult(expr, node, outcome.PortValues[id])
		if result != nil && result.StopRun {
			outcome.Stopped = true
			return outcome, nil
		}
	}
	if f.cancelled(stop) {
		return outcome, ErrRunCancelled
	}
	return outcome, nil
}

// step runs one node: expression resolution, context assembly, dual-mode
// dispatch, and the started / result / completed event bracket.
func (f *Flow) step(ctx context.Context, node Node, inputs map[string]DataValue, pv map[string]map[string]DataValue, expr *ExprContext, ch chan<- NodeEvent) (*ExecutionResult, error) {
	expr.SetInput(directInput(inputs))
	resolved := node
	resolved.Data = expr.ResolveData(node.Data)

	fc := f.rt.flowContextFor(node.ID, nil)
	fc.ChatInput = f.chatInput
	fc.ExtraToolIDs = f.extraToolIDs
	if f.rt.control != nil {
		fc.stopRun = f.rt.control.stopFlag()
	}

	nodeCtx := ctx
	var span Span
	if f.tracer != nil {
		nodeCtx, span = f.tracer.Start(ctx, "flow.node",
			StringAttr("node_id", node.ID), StringAttr("node_type", node.Type))
	}
	endSpan := func(err error) {
		if span != nil {
			if err != nil {
				span.Error(err)
			}
			span.End()
		}
	}

	emit(ctx, ch, NodeEvent{Name: EventFlowNodeStarted, NodeID: node.ID, Payload: map[string]any{
		"node_type": node.Type,
	}})

	exec, _ := f.rt.executor(node.Type)
	var result *ExecutionResult
	var err error
	switch e := exec.(type) {
	case StreamRunner:
		result, err = f.runStreaming(nodeCtx, e, resolved, inputs, fc, ch)
	case FlowRunner:
		result, err = e.Execute(nodeCtx, resolved, inputs, fc)
	default:
		err = &NotFoundError{Kind: "executor", ID: node.Type}
	}
	endSpan(err)
	if err != nil {
		return nil, err
	}

	if result != nil && len(result.Outputs) > 0 {
		emit(ctx, ch, NodeEvent{Name: EventFlowNodeResult, NodeID: node.ID, Payload: map[string]any{
			"outputs": outputSummary(result.Outputs),
		}})
	}
	emit(ctx, ch, NodeEvent{Name: EventFlowNodeCompleted, NodeID: node.ID})
	return result, nil
}

// runStreaming adapts a streaming executor: its events are forwarded
// verbatim, stamped with the node id when unset.
func (f *Flow) runStreaming(ctx context.Context, e StreamRunner, node Node, inputs map[string]DataValue, fc *FlowContext, ch chan<- NodeEvent) (*ExecutionResult, error) {
	inner := make(chan NodeEvent, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range inner {
			if ev.NodeID == "" {
				ev.NodeID = node.ID
			}
			emit(ctx, ch, ev)
		}
	}()
	result, err := e.ExecuteStream(ctx, node, inputs, fc, inner)
	close(inner)
	<-done
	return result, err
}

// gatherInputs collects the upstream port values wired into node over flow
// edges, coercing each to the edge's declared target type when it differs.
// A value the coercion table cannot convert fails the target node; the
// returned TypeError feeds the node's on_error policy. hasWires reports
// whether the node has any incoming flow edge at all.
func (f *Flow) gatherInputs(node Node, pv map[string]map[string]DataValue) (map[string]DataValue, bool, error) {
	edges := f.rt.IncomingEdges(node.ID, ChannelFlow, "")
	if len(edges) == 0 {
		return nil, false, nil
	}
	inputs := make(map[string]DataValue)
	for _, e := range edges {
		src, ok := pv[e.Source]
		if !ok {
			continue
		}
		val, ok := src[e.SourceHandleOrDefault()]
		if !ok {
			continue
		}
		if target := edgeTargetType(e); target != "" && target != val.Type {
			coerced, err := Coerce(val, target)
			if err != nil {
				f.logger.Warn("flow: coercion failed",
					"run_id", f.rt.runID, "edge", e.ID, "from", string(val.Type), "to", string(target))
				return nil, true, err
			}
			val = coerced
		}
		inputs[e.TargetHandleOrDefault()] = val
	}
	return inputs, true, nil
}

// activeSet computes the nodes reachable over flow edges from the entry
// restriction, or nil when unrestricted.
func (f *Flow) activeSet(flowNodes map[string]Node, edges []Edge) map[string]bool {
	var entries []string
	if len(f.entryNodes) > 0 {
		entries = f.entryNodes
	} else if len(f.entryTypes) > 0 {
		for id, n := range flowNodes {
			for _, t := range f.entryTypes {
				if n.Type == t {
					entries = append(entries, id)
				}
			}
		}
		if len(entries) == 0 {
			return nil
		}
	} else {
		return nil
	}

	forward := make(map[string][]string)
	for _, e := range edges {
		if e.Channel() == ChannelFlow {
			forward[e.Source] = append(forward[e.Source], e.Target)
		}
	}
	reach := make(map[string]bool)
	var visit func(string)
	visit = func(id string) {
		if reach[id] {
			return
		}
		reach[id] = true
		for _, next := range forward[id] {
			visit(next)
		}
	}
	for _, id := range entries {
		visit(id)
	}
	return reach
}

func (f *Flow) stopFlag() func() bool {
	if f.rt.control == nil {
		return func() bool { return false }
	}
	h := f.rt.control
	return func() bool {
		return h.CancelRequested() || h.stopRun.Load()
	}
}

func (f *Flow) cancelled(stop func() bool) bool { return stop() }

// recordExprResult exposes a node's outputs to downstream expressions under
// its display name (data.name, falling back to the node id).
func (f *Flow) recordExprResult(expr *ExprContext, node Node, outputs map[string]DataValue) {
	if len(outputs) == 0 {
		return
	}
	name := node.ID
	if n, ok := node.Data["name"].(string); ok && n != "" {
		name = n
	}
	if v, ok := outputs[DefaultSourceHandle]; ok && len(outputs) == 1 {
		expr.SetNodeResult(name, v.Value)
		return
	}
	m := make(map[string]any, len(outputs))
	for h, v := range outputs {
		m[h] = v.Value
	}
	expr.SetNodeResult(name, m)
}

// topoSort runs Kahn's algorithm over the flow subgraph. Ready nodes are
// drained in lexicographic id order so two clients observe identical event
// order. A cycle raises before any node runs, naming the nodes left on it.
func topoSort(flowNodes map[string]Node, edges []Edge) ([]string, error) {
	indegree := make(map[string]int, len(flowNodes))
	forward := make(map[string][]string)
	for id := range flowNodes {
		indegree[id] = 0
	}
	for _, e := range edges {
		if e.Channel() != ChannelFlow {
			continue
		}
		if _, ok := flowNodes[e.Source]; !ok {
			continue
		}
		if _, ok := flowNodes[e.Target]; !ok {
			continue
		}
		forward[e.Source] = append(forward[e.Source], e.Target)
		indegree[e.Target]++
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(flowNodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		inserted := false
		for _, next := range forward[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
				inserted = true
			}
		}
		if inserted {
			sort.Strings(ready)
		}
	}

	if len(order) != len(flowNodes) {
		var cyclic []string
		for id, d := range indegree {
			if d > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return nil, &CycleError{Op: "flow", Path: cyclic}
	}
	return order, nil
}

// directInput picks the value the input shorthand refers to: the default
// input handle when wired, otherwise the sole gathered input.
func directInput(inputs map[string]DataValue) any {
	if v, ok := inputs[DefaultTargetHandle]; ok {
		return v.Value
	}
	if len(inputs) == 1 {
		for _, v := range inputs {
			return v.Value
		}
	}
	return nil
}

func edgeTargetType(e Edge) SocketType {
	if e.Data == nil {
		return ""
	}
	t, _ := e.Data["targetType"].(string)
	return SocketType(t)
}

func onErrorPolicy(node Node) string {
	if node.Data == nil {
		return ""
	}
	p, _ := node.Data["on_error"].(string)
	return p
}

func outputSummary(outputs map[string]DataValue) map[string]string {
	m := make(map[string]string, len(outputs))
	for h, v := range outputs {
		m[h] = string(v.Type)
	}
	return m
}

// emit delivers a node event, abandoning delivery when ctx is done so a
// stalled consumer cannot wedge the scheduler.
func emit(ctx context.Context, ch chan<- NodeEvent, ev NodeEvent) {
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// isOverrideFlow reports whether a test-override executor has an execute
// capability.
func isOverrideFlow(e Executor) bool {
	if _, ok := e.(FlowRunner); ok {
		return true
	}
	_, ok := e.(StreamRunner)
	return ok
}
