package loom

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
)

// Node types the orchestrator wires by name when a chat has no saved agent.
const (
	NodeTypeChatStart = "chat-start"
	NodeTypeAgent     = "agent"
)

// RunRequest carries the client-supplied parameters of one chat run.
type RunRequest struct {
	ChatID string
	// Content is the user message text. Ignored by retry and continue.
	Content     string
	Attachments []Attachment
	// Model overrides the chat's persisted model for this run.
	Model string
	// Options are request model options, validated against the provider
	// schema before dispatch.
	Options map[string]any
	// ToolIDs are user-selected tools merged into the root agent.
	ToolIDs []string
}

// RunReceipt is what a run RPC returns immediately: the identifiers the
// client needs to subscribe and cancel.
type RunReceipt struct {
	RunID              string `json:"run_id"`
	UserMessageID      string `json:"user_message_id,omitempty"`
	AssistantMessageID string `json:"assistant_message_id"`
}

// Orchestrator drives the full lifecycle of a chat run: tree mutation,
// stream registration, flow dispatch on a background goroutine, event
// bridging to subscribers, content-block assembly, and terminal
// persistence. One instance serves the whole process.
type Orchestrator struct {
	store       Store
	tree        *Tree
	broadcaster *Broadcaster
	control     *RunControl
	registry    *Registry
	services    *Services

	validator *OptionValidator
	tracer    Tracer
	logger    *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets the structured logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithOrchestratorTracer enables span creation around runs.
func WithOrchestratorTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithOptionValidator validates RunRequest.Options against provider
// schemas before dispatch.
func WithOptionValidator(v *OptionValidator) OrchestratorOption {
	return func(o *Orchestrator) { o.validator = v }
}

// NewOrchestrator wires the run lifecycle over its collaborators.
func NewOrchestrator(store Store, tree *Tree, b *Broadcaster, rc *RunControl, reg *Registry, services *Services, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		tree:        tree,
		broadcaster: b,
		control:     rc,
		registry:    reg,
		services:    services,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartRun appends the user turn to the chat's active branch and dispatches
// a run against the chat's agent graph. It returns as soon as the run is
// registered; progress arrives through the broadcaster.
func (o *Orchestrator) StartRun(ctx context.Context, req RunRequest) (RunReceipt, error) {
	chat, modelID, state, err := o.prepare(ctx, req)
	if err != nil {
		return RunReceipt{}, err
	}
	user, assistant, err := o.tree.StartTurn(ctx, req.ChatID, req.Content, req.Attachments)
	if err != nil {
		return RunReceipt{}, err
	}
	runID, err := o.launch(ctx, chat, modelID, state, req, user.Content, assistant, nil)
	if err != nil {
		return RunReceipt{}, err
	}
	return RunReceipt{RunID: runID, UserMessageID: user.ID, AssistantMessageID: assistant.ID}, nil
}

// RetryRun re-runs the turn that produced assistantID on a fresh sibling
// branch. The prior assistant message is untouched.
func (o *Orchestrator) RetryRun(ctx context.Context, req RunRequest, assistantID string) (RunReceipt, error) {
	chat, modelID, state, err := o.prepare(ctx, req)
	if err != nil {
		return RunReceipt{}, err
	}
	prev, err := o.store.GetMessage(ctx, req.ChatID, assistantID)
	if err != nil {
		return RunReceipt{}, err
	}
	sibling, err := o.tree.RetryBranch(ctx, req.ChatID, assistantID)
	if err != nil {
		return RunReceipt{}, err
	}
	input, err := o.userInputFor(ctx, req.ChatID, prev.ParentMessageID)
	if err != nil {
		return RunReceipt{}, err
	}
	runID, err := o.launch(ctx, chat, modelID, state, req, input, sibling, nil)
	if err != nil {
		return RunReceipt{}, err
	}
	return RunReceipt{RunID: runID, AssistantMessageID: sibling.ID}, nil
}

// EditUserMessageRun branches the conversation at an earlier user message
// with new content and runs the turn on the new branch.
func (o *Orchestrator) EditUserMessageRun(ctx context.Context, req RunRequest, messageID string) (RunReceipt, error) {
	chat, modelID, state, err := o.prepare(ctx, req)
	if err != nil {
		return RunReceipt{}, err
	}
	user, assistant, err := o.tree.EditUserMessage(ctx, req.ChatID, messageID, req.Content, req.Attachments)
	if err != nil {
		return RunReceipt{}, err
	}
	runID, err := o.launch(ctx, chat, modelID, state, req, user.Content, assistant, nil)
	if err != nil {
		return RunReceipt{}, err
	}
	return RunReceipt{RunID: runID, UserMessageID: user.ID, AssistantMessageID: assistant.ID}, nil
}

// ContinueRun resumes an interrupted assistant message on a sibling branch
// seeded with its existing blocks, trailing errors stripped.
func (o *Orchestrator) ContinueRun(ctx context.Context, req RunRequest, assistantID string) (RunReceipt, error) {
	chat, modelID, state, err := o.prepare(ctx, req)
	if err != nil {
		return RunReceipt{}, err
	}
	prev, err := o.store.GetMessage(ctx, req.ChatID, assistantID)
	if err != nil {
		return RunReceipt{}, err
	}
	sibling, seed, err := o.tree.ContinueBranch(ctx, req.ChatID, assistantID)
	if err != nil {
		return RunReceipt{}, err
	}
	input, err := o.userInputFor(ctx, req.ChatID, prev.ParentMessageID)
	if err != nil {
		return RunReceipt{}, err
	}
	runID, err := o.launch(ctx, chat, modelID, state, req, input, sibling, seed)
	if err != nil {
		return RunReceipt{}, err
	}
	return RunReceipt{RunID: runID, AssistantMessageID: sibling.ID}, nil
}

// RequestCancel asks a run to stop cooperatively. Safe to call before the
// run has dispatched: the cancel is consumed at start.
func (o *Orchestrator) RequestCancel(runID string) {
	o.control.RequestCancel(runID)
}

// ResolveApproval routes a client's tool-approval decision to the run.
func (o *Orchestrator) ResolveApproval(runID, approvalID string, resp ApprovalResponse) bool {
	return o.control.SetApprovalResponse(runID, approvalID, resp)
}

// RunFlow executes a graph synchronously outside any chat: webhook
// dispatch and editor test runs. State seeds the run's shared state (the
// webhook dispatcher passes the request payload through it); events go to
// ch when non-nil; the caller owns ch.
func (o *Orchestrator) RunFlow(ctx context.Context, g Graph, state map[string]any, ch chan<- NodeEvent, flowOpts ...FlowOption) (*FlowOutcome, error) {
	runID := NewID()
	handle := o.control.Register(runID)
	defer o.control.Remove(runID)

	rt, err := NewRuntime(g, runID, "", o.registry, o.services,
		WithRuntimeLogger(o.logger), WithRunState(state), WithRunControl(handle))
	if err != nil {
		return nil, err
	}
	opts := append([]FlowOption{WithFlowLogger(o.logger), WithFlowTracer(o.tracer)}, flowOpts...)
	return NewFlow(rt, opts...).Run(ctx, ch)
}

// AgentRunRequest parameterizes a direct agent run outside the chat RPCs.
type AgentRunRequest struct {
	AgentID  string
	Messages []ChatMessage
	// ChatID attaches the run to a chat; required unless Ephemeral.
	ChatID string
	// Ephemeral runs leave no messages behind.
	Ephemeral bool
}

// StreamAgentRun executes an agent's graph against the supplied messages,
// delivering events to ch synchronously. Ephemeral runs persist nothing;
// otherwise the turn is appended to the chat and the assembled assistant
// message persisted on completion. The caller owns ch.
func (o *Orchestrator) StreamAgentRun(ctx context.Context, req AgentRunRequest, ch chan<- NodeEvent) (*FlowOutcome, error) {
	rec, err := o.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	g, err := Normalize(rec.Graph)
	if err != nil {
		return nil, err
	}
	input := lastUserText(req.Messages)
	opts := []FlowOption{WithEntryTypes(NodeTypeChatStart), WithChatInput(input)}

	if req.Ephemeral {
		return o.RunFlow(ctx, g, map[string]any{}, ch, opts...)
	}
	if req.ChatID == "" {
		return nil, Validationf("chat_id is required for a persistent agent run")
	}

	_, assistant, err := o.tree.StartTurn(ctx, req.ChatID, input, nil)
	if err != nil {
		return nil, err
	}
	asm := newBlockAssembler(nil)
	inner := make(chan NodeEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range inner {
			o.assemble(asm, ev)
			emit(ctx, ch, ev)
		}
	}()
	outcome, runErr := o.RunFlow(ctx, g, map[string]any{}, inner, opts...)
	close(inner)
	<-done

	if runErr != nil {
		asm.errorBlock(CleanErrorMessage(runErr.Error()))
	}
	if err := o.store.UpdateMessageContent(ctx, req.ChatID, assistant.ID, asm.encoded(), true); err != nil {
		o.logger.Error("orchestrator: agent run persist failed",
			"chat_id", req.ChatID, "message_id", assistant.ID, "error", err)
	}
	return outcome, runErr
}

// Flow run modes accepted by StreamFlowRun.
const (
	FlowModeExecute = "execute"
	FlowModeRunFrom = "runFrom"
)

// FlowRunRequest parameterizes a partial-graph execution of an agent.
type FlowRunRequest struct {
	AgentID string
	// Mode is execute (whole graph, or NodeIDs as entries) or runFrom
	// (TargetNodeID as the sole entry, upstream seeded from CachedOutputs).
	Mode         string
	TargetNodeID string
	// CachedOutputs maps node id -> handle -> value for nodes that already
	// ran; seeded nodes are not re-executed.
	CachedOutputs map[string]map[string]DataValue
	NodeIDs       []string
	PromptInput   string
}

// StreamFlowRun executes an agent's graph flow-only, without chat
// persistence, delivering node events to ch synchronously. The caller
// owns ch.
func (o *Orchestrator) StreamFlowRun(ctx context.Context, req FlowRunRequest, ch chan<- NodeEvent) (*FlowOutcome, error) {
	rec, err := o.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	g, err := Normalize(rec.Graph)
	if err != nil {
		return nil, err
	}

	opts := []FlowOption{WithChatInput(req.PromptInput)}
	switch req.Mode {
	case "", FlowModeExecute:
		if len(req.NodeIDs) > 0 {
			opts = append(opts, WithEntryNodes(req.NodeIDs...))
		}
	case FlowModeRunFrom:
		if req.TargetNodeID == "" {
			return nil, Validationf("target_node_id is required for mode %q", FlowModeRunFrom)
		}
		opts = append(opts, WithEntryNodes(req.TargetNodeID))
		if len(req.CachedOutputs) > 0 {
			opts = append(opts, WithCachedOutputs(req.CachedOutputs))
		}
	default:
		return nil, Validationf("unknown flow run mode %q", req.Mode)
	}
	return o.RunFlow(ctx, g, map[string]any{}, ch, opts...)
}

// assemble folds one node event into the block assembler; the subset of
// bridge that has no chat stream to maintain.
func (o *Orchestrator) assemble(asm *blockAssembler, ev NodeEvent) {
	switch ev.Name {
	case EventRunContent:
		if s, ok := ev.Payload["content"].(string); ok {
			asm.text(s)
		}
	case EventReasoningStarted:
		asm.reasoningStart()
	case EventReasoningStep:
		if s, ok := ev.Payload["content"].(string); ok {
			asm.reasoningStep(s)
		}
	case EventReasoningCompleted:
		asm.reasoningEnd()
	case EventToolCallStarted:
		callID, _ := ev.Payload["call_id"].(string)
		name, _ := ev.Payload["tool"].(string)
		asm.toolStart(callID, name, ev.Payload["args"])
	case EventToolCallCompleted:
		callID, _ := ev.Payload["call_id"].(string)
		result, _ := ev.Payload["result"].(string)
		asm.toolFinish(callID, result, "completed")
	case EventToolCallFailed, EventToolCallError:
		callID, _ := ev.Payload["call_id"].(string)
		msg, _ := ev.Payload["error"].(string)
		asm.toolFinish(callID, msg, "error")
	}
}

// lastUserText returns the content of the last user message, or "".
func lastUserText(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// prepare resolves the effective model and validates request options,
// assembling the shared run state.
func (o *Orchestrator) prepare(ctx context.Context, req RunRequest) (Chat, string, map[string]any, error) {
	chat, err := o.store.GetChat(ctx, req.ChatID)
	if err != nil {
		return Chat{}, "", nil, err
	}
	modelID, err := ResolveModel(req.ChatID, req.Model, chat.Model)
	if err != nil {
		return Chat{}, "", nil, err
	}
	state := map[string]any{"model": modelID}
	if len(req.Options) > 0 && o.validator != nil {
		validated, err := o.validator.Validate(ctx, modelID, req.Options)
		if err != nil {
			return Chat{}, "", nil, err
		}
		state["model_params"] = validated
	} else if len(req.Options) > 0 {
		state["model_params"] = req.Options
	}
	return chat, modelID, state, nil
}

// userInputFor returns the text of the user message at messageID, or ""
// when the branch has no user turn above it.
func (o *Orchestrator) userInputFor(ctx context.Context, chatID, messageID string) (string, error) {
	if messageID == "" {
		return "", nil
	}
	msg, err := o.store.GetMessage(ctx, chatID, messageID)
	if err != nil {
		return "", err
	}
	if msg.Role != RoleUser {
		return "", nil
	}
	return msg.Content, nil
}

// launch registers the run and hands it to a background goroutine. The
// stream is registered and the opening events broadcast before returning,
// so a client subscribing right after the RPC sees RunStarted in replay.
func (o *Orchestrator) launch(ctx context.Context, chat Chat, modelID string, state map[string]any, req RunRequest, input string, assistant ChatMessage, seed []ContentBlock) (string, error) {
	g, err := o.agentGraph(ctx, chat, modelID)
	if err != nil {
		return "", err
	}

	runID := NewID()
	handle := o.control.Register(runID)

	o.broadcaster.RegisterStream(ctx, chat.ID, assistant.ID, runID)
	o.broadcaster.Broadcast(chat.ID, Event{Name: EventRunStarted, Payload: map[string]any{"run_id": runID}})
	o.broadcaster.Broadcast(chat.ID, Event{Name: EventAssistantMessageID, Payload: map[string]any{"message_id": assistant.ID}})
	if len(seed) > 0 {
		o.broadcaster.Broadcast(chat.ID, Event{Name: EventSeedBlocks, Payload: map[string]any{"blocks": seed}})
	}

	runCtx := context.WithoutCancel(ctx)
	go o.execute(runCtx, chat, g, state, req, input, assistant, seed, runID, handle)
	return runID, nil
}

// execute runs the flow to completion on its own goroutine and performs the
// terminal transition: persist, broadcast, unregister.
func (o *Orchestrator) execute(ctx context.Context, chat Chat, g Graph, state map[string]any, req RunRequest, input string, assistant ChatMessage, seed []ContentBlock, runID string, handle *RunHandle) {
	defer o.control.Remove(runID)

	if o.control.ConsumeEarlyCancel(runID) || handle.CancelRequested() {
		o.finish(ctx, chat.ID, assistant, newBlockAssembler(seed), runID, ErrRunCancelled)
		return
	}

	var span Span
	if o.tracer != nil {
		ctx, span = o.tracer.Start(ctx, "run",
			StringAttr("run_id", runID), StringAttr("chat_id", chat.ID))
	}

	rt, err := NewRuntime(g, runID, chat.ID, o.registry, o.services,
		WithRuntimeLogger(o.logger), WithRunState(state), WithRunControl(handle))
	if err != nil {
		o.finish(ctx, chat.ID, assistant, newBlockAssembler(seed), runID, err)
		if span != nil {
			span.Error(err)
			span.End()
		}
		return
	}

	flow := NewFlow(rt,
		WithFlowLogger(o.logger),
		WithFlowTracer(o.tracer),
		WithEntryTypes(NodeTypeChatStart),
		WithChatInput(input),
		WithExtraToolIDs(req.ToolIDs...),
	)

	asm := newBlockAssembler(seed)
	events := make(chan NodeEvent, 64)
	bridged := make(chan struct{})
	go func() {
		defer close(bridged)
		for ev := range events {
			o.bridge(ctx, chat.ID, assistant, asm, handle, ev)
		}
	}()

	_, runErr := flow.Run(ctx, events)
	close(events)
	<-bridged

	if span != nil {
		if runErr != nil {
			span.Error(runErr)
		}
		span.End()
	}
	o.finish(ctx, chat.ID, assistant, asm, runID, runErr)
}

// bridge translates one node event into its wire form, maintains the
// assembled content blocks, and persists snapshots at block boundaries.
func (o *Orchestrator) bridge(ctx context.Context, chatID string, assistant ChatMessage, asm *blockAssembler, handle *RunHandle, ev NodeEvent) {
	switch ev.Name {
	case EventRunContent:
		if s, ok := ev.Payload["content"].(string); ok {
			asm.text(s)
		}
	case EventReasoningStarted:
		asm.reasoningStart()
	case EventReasoningStep:
		if s, ok := ev.Payload["content"].(string); ok {
			asm.reasoningStep(s)
		}
	case EventReasoningCompleted:
		asm.reasoningEnd()
		o.persistSnapshot(ctx, chatID, assistant, asm)
	case EventToolCallStarted:
		callID, _ := ev.Payload["call_id"].(string)
		name, _ := ev.Payload["tool"].(string)
		asm.toolStart(callID, name, ev.Payload["args"])
	case EventToolCallCompleted:
		callID, _ := ev.Payload["call_id"].(string)
		result, _ := ev.Payload["result"].(string)
		asm.toolFinish(callID, result, "completed")
		o.persistSnapshot(ctx, chatID, assistant, asm)
	case EventToolCallFailed, EventToolCallError:
		callID, _ := ev.Payload["call_id"].(string)
		msg, _ := ev.Payload["error"].(string)
		asm.toolFinish(callID, msg, "error")
		o.persistSnapshot(ctx, chatID, assistant, asm)
	case EventToolApprovalRequired:
		o.broadcaster.UpdateStatus(ctx, chatID, StreamStatusPausedHITL, "")
	case EventToolApprovalResolved:
		o.broadcaster.UpdateStatus(ctx, chatID, StreamStatusStreaming, "")
	}

	if providerRunID := handle.ProviderRunID(); providerRunID != "" {
		o.broadcaster.BindRunID(ctx, chatID, providerRunID)
	}

	if err := o.broadcaster.Broadcast(chatID, ev.WireEvent()); err != nil {
		o.logger.Warn("orchestrator: broadcast failed", "chat_id", chatID, "event", ev.Name, "error", err)
	}
}

// finish performs the terminal transition for a run. The terminal event is
// broadcast before the stream is unregistered so late subscribers catch it
// in replay.
func (o *Orchestrator) finish(ctx context.Context, chatID string, assistant ChatMessage, asm *blockAssembler, runID string, runErr error) {
	var (
		event  Event
		status string
	)
	switch {
	case runErr == nil:
		event = Event{Name: EventRunCompleted, Payload: map[string]any{"run_id": runID}}
		status = StreamStatusCompleted
	case errors.Is(runErr, ErrRunCancelled):
		event = Event{Name: EventRunCancelled, Payload: map[string]any{"run_id": runID}}
		status = StreamStatusCancelled
	default:
		msg := CleanErrorMessage(runErr.Error())
		asm.errorBlock(msg)
		event = Event{Name: EventRunError, Payload: map[string]any{"run_id": runID, "error": msg}}
		status = StreamStatusError
		o.logger.Error("orchestrator: run failed", "run_id", runID, "chat_id", chatID, "error", runErr)
	}

	if err := o.store.UpdateMessageContent(ctx, chatID, assistant.ID, asm.encoded(), true); err != nil {
		o.logger.Error("orchestrator: terminal persist failed",
			"chat_id", chatID, "message_id", assistant.ID, "error", err)
	}

	errMsg := ""
	if status == StreamStatusError {
		errMsg, _ = event.Payload["error"].(string)
	}
	o.broadcaster.UpdateStatus(ctx, chatID, status, errMsg)
	o.broadcaster.Broadcast(chatID, event)
	o.broadcaster.UnregisterStream(ctx, chatID)
}

// persistSnapshot writes the partially assembled message so a reconnecting
// client loading from the store sees completed block boundaries.
func (o *Orchestrator) persistSnapshot(ctx context.Context, chatID string, assistant ChatMessage, asm *blockAssembler) {
	if err := o.store.UpdateMessageContent(ctx, chatID, assistant.ID, asm.encoded(), false); err != nil {
		o.logger.Warn("orchestrator: snapshot persist failed",
			"chat_id", chatID, "message_id", assistant.ID, "error", err)
	}
}

// agentGraph loads and normalizes the chat's agent graph, or synthesizes a
// minimal chat-start -> agent graph when the chat has no saved agent.
func (o *Orchestrator) agentGraph(ctx context.Context, chat Chat, modelID string) (Graph, error) {
	if chat.AgentID != "" {
		rec, err := o.store.GetAgent(ctx, chat.AgentID)
		if err != nil {
			return Graph{}, err
		}
		return Normalize(rec.Graph)
	}
	return Normalize(Graph{
		Nodes: []Node{
			{ID: "chat-start", Type: NodeTypeChatStart, Data: map[string]any{"includeUserTools": true}},
			{ID: "assistant", Type: NodeTypeAgent, Data: map[string]any{"name": "Assistant", "model": modelID}},
		},
		Edges: []Edge{{
			ID: "chat-start-assistant", Source: "chat-start", Target: "assistant",
			Data: map[string]any{"channel": string(ChannelFlow)},
		}},
	})
}

// blockAssembler folds streamed node events into the message's content
// blocks. It runs on the bridge goroutine only; no locking.
type blockAssembler struct {
	blocks []ContentBlock
	// open maps call id -> index of the pending tool-call block.
	open map[string]int
	// reasoning is the index of the open reasoning block, -1 when closed.
	reasoning int
}

func newBlockAssembler(seed []ContentBlock) *blockAssembler {
	return &blockAssembler{
		blocks:    append([]ContentBlock(nil), seed...),
		open:      make(map[string]int),
		reasoning: -1,
	}
}

// text appends a content chunk, extending the trailing text block when one
// is open.
func (a *blockAssembler) text(chunk string) {
	if chunk == "" {
		return
	}
	if n := len(a.blocks); n > 0 && a.blocks[n-1].Type == BlockText {
		a.blocks[n-1].Content += chunk
		return
	}
	a.blocks = append(a.blocks, ContentBlock{Type: BlockText, Content: chunk})
}

func (a *blockAssembler) reasoningStart() {
	a.blocks = append(a.blocks, ContentBlock{Type: BlockReasoning})
	a.reasoning = len(a.blocks) - 1
}

func (a *blockAssembler) reasoningStep(chunk string) {
	if a.reasoning < 0 {
		a.reasoningStart()
	}
	a.blocks[a.reasoning].Content += chunk
}

func (a *blockAssembler) reasoningEnd() {
	a.reasoning = -1
}

func (a *blockAssembler) toolStart(callID, name string, args any) {
	block := ContentBlock{Type: BlockToolCall, Name: name, CallID: callID, Status: "running"}
	if raw := encodeArgs(args); raw != nil {
		block.Args = raw
	}
	a.blocks = append(a.blocks, block)
	if callID != "" {
		a.open[callID] = len(a.blocks) - 1
	}
}

func (a *blockAssembler) toolFinish(callID, result, status string) {
	idx, ok := a.open[callID]
	if !ok {
		// Completion without a start: record it standalone.
		a.blocks = append(a.blocks, ContentBlock{Type: BlockToolCall, CallID: callID, Result: result, Status: status})
		return
	}
	delete(a.open, callID)
	a.blocks[idx].Result = result
	a.blocks[idx].Status = status
}

func (a *blockAssembler) errorBlock(msg string) {
	a.blocks = append(a.blocks, ContentBlock{Type: BlockError, Content: msg})
}

func (a *blockAssembler) encoded() string {
	return EncodeBlocks(a.blocks)
}

// encodeArgs normalizes tool-call arguments from an event payload into raw
// JSON for the block.
func encodeArgs(args any) json.RawMessage {
	switch v := args.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return v
	case string:
		if json.Valid([]byte(v)) {
			return json.RawMessage(v)
		}
		b, _ := json.Marshal(v)
		return b
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return b
	}
}
