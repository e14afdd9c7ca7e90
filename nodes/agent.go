package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nevindra/loom"
)

// Link handles the agent node resolves over the link channel.
const (
	handleModel  = "model"
	handleTools  = "tools"
	handleAgents = "agents"
)

// maxToolRounds caps the model/tool loop so a confused model cannot spin
// the run forever.
const maxToolRounds = 10

// streamIdleTimeout bounds the gap between provider stream events. A
// provider that goes quiet for this long fails the node instead of holding
// the run until the outer context cancels.
var streamIdleTimeout = 20 * time.Second

// Agent runs an LLM turn: it materializes its spec from config and link
// edges, streams the model response, executes requested tools (gated behind
// approval when a tool demands it), and loops until the model produces a
// final answer. An agent with sub-agent members runs as a team: each member
// executes first and the root model aggregates their outputs.
type Agent struct{}

var (
	_ loom.StreamRunner = (*Agent)(nil)
	_ loom.Materializer = (*Agent)(nil)
)

func (a *Agent) NodeType() string { return TypeAgent }

// Materialize returns the node's AgentSpec so a parent agent can resolve it
// as a team member over a link edge.
func (a *Agent) Materialize(ctx context.Context, node loom.Node, outputHandle string, fc *loom.FlowContext) (any, error) {
	return a.buildSpec(ctx, node, fc)
}

// ExecuteStream runs the agent turn, emitting content, reasoning, tool, and
// member events as the model streams.
func (a *Agent) ExecuteStream(ctx context.Context, node loom.Node, inputs map[string]loom.DataValue, fc *loom.FlowContext, ch chan<- loom.NodeEvent) (*loom.ExecutionResult, error) {
	spec, err := a.buildSpec(ctx, node, fc)
	if err != nil {
		return nil, err
	}
	if len(fc.ExtraToolIDs) > 0 && graphIncludesUserTools(fc.Runtime.Graph()) {
		spec.ToolIDs = mergeIDs(spec.ToolIDs, fc.ExtraToolIDs)
	}

	input := turnInput(inputs, fc)
	var content string
	if spec.IsTeam() {
		content, err = a.runTeam(ctx, spec, input, fc, ch)
	} else {
		messages := seedMessages(inputs, input)
		content, err = a.runLoop(ctx, spec, messages, fc, ch, true)
	}
	if err != nil {
		return nil, err
	}
	return &loom.ExecutionResult{
		Outputs: map[string]loom.DataValue{
			loom.DefaultSourceHandle: loom.StringValue(content),
		},
	}, nil
}

// buildSpec assembles the agent's runtime spec: the model wins link over
// inline config over the chat's resolved model, tools merge from both
// sources, and members come from the agents link handle.
func (a *Agent) buildSpec(ctx context.Context, node loom.Node, fc *loom.FlowContext) (*loom.AgentSpec, error) {
	spec := &loom.AgentSpec{
		NodeID:       node.ID,
		Name:         dataString(node, "name"),
		Instructions: dataString(node, "instructions"),
	}
	if spec.Name == "" {
		spec.Name = node.ID
	}
	if t, ok := dataFloat(node, "temperature"); ok {
		spec.Temperature = &t
	}

	linkedModels, err := fc.Runtime.ResolveLinks(ctx, fc, node.ID, handleModel)
	if err != nil {
		return nil, err
	}
	for _, m := range linkedModels {
		if id, ok := m.(string); ok && id != "" {
			spec.ModelID = id
			break
		}
	}
	if spec.ModelID == "" {
		spec.ModelID = dataString(node, "model")
	}
	if spec.ModelID == "" {
		if id, ok := fc.State["model"].(string); ok {
			spec.ModelID = id
		}
	}
	if spec.ModelID == "" {
		return nil, loom.Validationf("agent %q: no model configured", node.ID)
	}

	spec.ToolIDs = dataStrings(node, "tools")
	linkedTools, err := fc.Runtime.ResolveLinks(ctx, fc, node.ID, handleTools)
	if err != nil {
		return nil, err
	}
	for _, t := range linkedTools {
		if id, ok := t.(string); ok && id != "" {
			spec.ToolIDs = mergeIDs(spec.ToolIDs, []string{id})
		}
	}

	members, err := fc.Runtime.ResolveLinks(ctx, fc, node.ID, handleAgents)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if sub, ok := m.(*loom.AgentSpec); ok {
			spec.Members = append(spec.Members, sub)
		}
	}
	return spec, nil
}

// runTeam executes each member sequentially, then asks the root model to
// aggregate their outputs into the final answer. A failing member does not
// abort the team; its error is recorded and aggregation continues.
func (a *Agent) runTeam(ctx context.Context, spec *loom.AgentSpec, input string, fc *loom.FlowContext, ch chan<- loom.NodeEvent) (string, error) {
	var sections []string
	for _, member := range spec.Members {
		if fc.Control != nil && fc.Control.CancelRequested() {
			return "", loom.ErrRunCancelled
		}
		ch <- loom.NodeEvent{Name: loom.EventMemberRunStarted, NodeID: member.NodeID, Payload: map[string]any{
			"member": member.Name,
		}}
		messages := []loom.ChatMessage{{Role: loom.RoleUser, Content: input}}
		out, err := a.runLoop(ctx, member, messages, fc, ch, false)
		if err != nil {
			if errors.Is(err, loom.ErrRunCancelled) {
				return "", err
			}
			msg := loom.CleanErrorMessage(err.Error())
			ch <- loom.NodeEvent{Name: loom.EventMemberRunError, NodeID: member.NodeID, Payload: map[string]any{
				"member": member.Name, "error": msg,
			}}
			sections = append(sections, fmt.Sprintf("## %s\n(failed: %s)", member.Name, msg))
			continue
		}
		ch <- loom.NodeEvent{Name: loom.EventMemberRunCompleted, NodeID: member.NodeID, Payload: map[string]any{
			"member": member.Name,
		}}
		sections = append(sections, fmt.Sprintf("## %s\n%s", member.Name, out))
	}

	prompt := fmt.Sprintf("%s\n\nTeam member results:\n\n%s", input, strings.Join(sections, "\n\n"))
	messages := []loom.ChatMessage{{Role: loom.RoleUser, Content: prompt}}
	return a.runLoop(ctx, spec, messages, fc, ch, true)
}

// runLoop drives the model/tool cycle for one spec. emitContent controls
// whether deltas surface as RunContent; member runs keep their deltas off
// the main message and report through Member* events instead.
func (a *Agent) runLoop(ctx context.Context, spec *loom.AgentSpec, messages []loom.ChatMessage, fc *loom.FlowContext, ch chan<- loom.NodeEvent, emitContent bool) (string, error) {
	provider, model, err := fc.Services.Models.Resolve(spec.ModelID)
	if err != nil {
		return "", err
	}
	var defs []loom.ToolDefinition
	if fc.Services.Tools != nil {
		defs = fc.Services.Tools.Definitions(spec.ToolIDs)
	}
	params := modelParams(fc, spec)

	var final string
	for round := 0; round < maxToolRounds; round++ {
		if fc.Control != nil && fc.Control.CancelRequested() {
			return "", loom.ErrRunCancelled
		}

		req := loom.ModelRequest{
			Model:        model,
			Instructions: spec.Instructions,
			Messages:     messages,
			Tools:        defs,
			Params:       params,
		}
		result, err := a.streamOnce(ctx, provider, req, fc, ch, emitContent)
		if err != nil {
			return "", &loom.ProviderError{Provider: provider.Name(), Message: loom.CleanErrorMessage(err.Error())}
		}
		if result.ProviderRunID != "" && fc.Control != nil {
			fc.Control.BindProviderRun(result.ProviderRunID)
		}
		if result.Content != "" {
			final = result.Content
		}
		if len(result.ToolCalls) == 0 {
			return final, nil
		}

		messages = append(messages, loom.ChatMessage{Role: loom.RoleAssistant, Content: result.Content})
		toolMessages, err := a.runTools(ctx, result.ToolCalls, defs, fc, ch)
		if err != nil {
			return "", err
		}
		messages = append(messages, toolMessages...)
	}
	return final, loom.Validationf("agent %q: tool iteration limit reached", spec.NodeID)
}

// streamOnce issues one provider request, pumping stream events into the
// node event channel as they arrive. An idle watchdog cancels the provider
// call when no event arrives within streamIdleTimeout.
func (a *Agent) streamOnce(ctx context.Context, provider loom.ModelProvider, req loom.ModelRequest, fc *loom.FlowContext, ch chan<- loom.NodeEvent, emitContent bool) (loom.ModelResult, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan loom.ProviderEvent, 16)
	done := make(chan struct{})
	var timedOut atomic.Bool
	go func() {
		defer close(done)
		idle := time.NewTimer(streamIdleTimeout)
		defer idle.Stop()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(streamIdleTimeout)
				a.forwardProviderEvent(ev, fc, ch, emitContent)
			case <-idle.C:
				timedOut.Store(true)
				cancel()
				// Drain until the provider observes the cancel and returns.
				for range events {
				}
				return
			}
		}
	}()
	result, err := provider.Stream(streamCtx, req, events)
	close(events)
	<-done
	if timedOut.Load() {
		return result, fmt.Errorf("stream idle for %s", streamIdleTimeout)
	}
	return result, err
}

func (a *Agent) forwardProviderEvent(ev loom.ProviderEvent, fc *loom.FlowContext, ch chan<- loom.NodeEvent, emitContent bool) {
	switch ev.Type {
	case loom.ProviderEventDelta:
		if emitContent && ev.Text != "" {
			ch <- loom.NodeEvent{Name: loom.EventRunContent, Payload: map[string]any{"content": ev.Text}}
		}
	case loom.ProviderEventReasoningStart:
		ch <- loom.NodeEvent{Name: loom.EventReasoningStarted}
	case loom.ProviderEventReasoningStep:
		ch <- loom.NodeEvent{Name: loom.EventReasoningStep, Payload: map[string]any{"content": ev.Text}}
	case loom.ProviderEventReasoningEnd:
		ch <- loom.NodeEvent{Name: loom.EventReasoningCompleted}
	case loom.ProviderEventRunID:
		if fc.Control != nil && ev.RunID != "" {
			fc.Control.BindProviderRun(ev.RunID)
		}
	}
}

// runTools executes a batch of tool calls the model requested. If any call
// targets a tool that requires approval, the whole batch blocks on one
// approval round-trip; per-call decisions override the batch decision.
func (a *Agent) runTools(ctx context.Context, calls []loom.ToolCallRequest, defs []loom.ToolDefinition, fc *loom.FlowContext, ch chan<- loom.NodeEvent) ([]loom.ChatMessage, error) {
	byName := make(map[string]loom.ToolDefinition, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}

	approved := make(map[string]bool, len(calls))
	needsApproval := false
	for _, c := range calls {
		approved[c.ID] = true
		if byName[c.Name].RequiresApproval {
			needsApproval = true
		}
	}

	var editedArgs json.RawMessage
	if needsApproval && fc.Control != nil {
		approvalID := loom.NewID()
		wire := make([]map[string]any, 0, len(calls))
		for _, c := range calls {
			wire = append(wire, map[string]any{"id": c.ID, "name": c.Name, "args": string(c.Args)})
		}
		ch <- loom.NodeEvent{Name: loom.EventToolApprovalRequired, Payload: map[string]any{
			"approval_id": approvalID,
			"tool_calls":  wire,
		}}
		resp := fc.Control.AwaitApproval(ctx, approvalID, 0)
		ch <- loom.NodeEvent{Name: loom.EventToolApprovalResolved, Payload: map[string]any{
			"approval_id": approvalID,
			"status":      resp.Status,
		}}
		if fc.Control.CancelRequested() {
			return nil, loom.ErrRunCancelled
		}
		for _, c := range calls {
			decision := resp.Approved
			if d, ok := resp.ToolDecisions[c.ID]; ok {
				decision = d
			}
			// Tools without the approval flag run regardless of the batch
			// decision.
			approved[c.ID] = decision || !byName[c.Name].RequiresApproval
		}
		editedArgs = resp.EditedArgs
	}

	out := make([]loom.ChatMessage, 0, len(calls))
	for _, call := range calls {
		args := call.Args
		if len(editedArgs) > 0 && len(calls) == 1 && approved[call.ID] {
			args = editedArgs
		}
		if !approved[call.ID] {
			ch <- loom.NodeEvent{Name: loom.EventToolCallFailed, Payload: map[string]any{
				"call_id": call.ID, "tool": call.Name, "error": "denied by user",
			}}
			out = append(out, toolMessage(call, loom.ToolResult{Error: "tool call denied by user"}))
			continue
		}

		ch <- loom.NodeEvent{Name: loom.EventToolCallStarted, Payload: map[string]any{
			"call_id": call.ID, "tool": call.Name, "args": string(args),
		}}
		var res loom.ToolResult
		var err error
		if fc.Services.Tools != nil {
			res, err = fc.Services.Tools.Execute(ctx, call.Name, args)
		} else {
			res = loom.ToolResult{Error: "no tool source configured"}
		}
		if err != nil {
			msg := loom.CleanErrorMessage(err.Error())
			ch <- loom.NodeEvent{Name: loom.EventToolCallError, Payload: map[string]any{
				"call_id": call.ID, "tool": call.Name, "error": msg,
			}}
			out = append(out, toolMessage(call, loom.ToolResult{Error: msg}))
			continue
		}
		if res.Error != "" {
			ch <- loom.NodeEvent{Name: loom.EventToolCallFailed, Payload: map[string]any{
				"call_id": call.ID, "tool": call.Name, "error": res.Error,
			}}
		} else {
			ch <- loom.NodeEvent{Name: loom.EventToolCallCompleted, Payload: map[string]any{
				"call_id": call.ID, "tool": call.Name, "result": res.Content,
			}}
		}
		out = append(out, toolMessage(call, res))
	}
	return out, nil
}

// toolMessage encodes a tool outcome as a tool-role message for the next
// model round.
func toolMessage(call loom.ToolCallRequest, res loom.ToolResult) loom.ChatMessage {
	body, _ := json.Marshal(map[string]any{
		"call_id": call.ID,
		"tool":    call.Name,
		"content": res.Content,
		"error":   res.Error,
	})
	return loom.ChatMessage{Role: loom.RoleTool, Content: string(body)}
}

// seedMessages builds the opening conversation: wired message history when
// an upstream node supplied it, otherwise a single user message.
func seedMessages(inputs map[string]loom.DataValue, input string) []loom.ChatMessage {
	if v, ok := inputValue(inputs); ok && v.Type == loom.SocketMessages {
		if history, ok := v.Value.([]loom.ChatMessage); ok && len(history) > 0 {
			return history
		}
	}
	return []loom.ChatMessage{{Role: loom.RoleUser, Content: input}}
}

// turnInput picks the text the agent responds to: the wired input when
// present, falling back to the chat input.
func turnInput(inputs map[string]loom.DataValue, fc *loom.FlowContext) string {
	if v, ok := inputValue(inputs); ok {
		if coerced, err := loom.Coerce(v, loom.SocketString); err == nil {
			if s, ok := coerced.Value.(string); ok && s != "" {
				return s
			}
		}
	}
	return fc.ChatInput
}

// modelParams copies the run's validated generation kwargs, applying the
// spec's temperature override.
func modelParams(fc *loom.FlowContext, spec *loom.AgentSpec) map[string]any {
	params := make(map[string]any)
	if p, ok := fc.State["model_params"].(map[string]any); ok {
		for k, v := range p {
			params[k] = v
		}
	}
	if spec.Temperature != nil {
		params["temperature"] = *spec.Temperature
	}
	if len(params) == 0 {
		return nil
	}
	return params
}

// mergeIDs appends ids not already present, preserving order.
func mergeIDs(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	for _, id := range base {
		seen[id] = true
	}
	for _, id := range extra {
		if !seen[id] {
			seen[id] = true
			base = append(base, id)
		}
	}
	return base
}
