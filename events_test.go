package loom

import (
	"encoding/json"
	"testing"
)

func TestEventGroupsCoverContract(t *testing.T) {
	names := EventNames()
	if len(names) != 25 {
		t.Errorf("contract has %d names, want 25", len(names))
	}
	seen := make(map[string]int)
	for _, group := range EventGroups {
		for _, n := range group {
			seen[n]++
		}
	}
	for n, count := range seen {
		if count != 1 {
			t.Errorf("event %s appears in %d groups", n, count)
		}
	}
}

func TestKnownEvent(t *testing.T) {
	for _, n := range []string{
		EventRunStarted, EventRunContent, EventToolApprovalRequired,
		EventFlowNodeError, EventStreamSubscribed,
	} {
		if !KnownEvent(n) {
			t.Errorf("KnownEvent(%s) = false", n)
		}
	}
	if KnownEvent("TotallyMadeUp") {
		t.Error("unknown name accepted")
	}
}

func TestWireEventFoldsNodeID(t *testing.T) {
	ev := NodeEvent{
		Name:    EventFlowNodeStarted,
		NodeID:  "n1",
		Payload: map[string]any{"node_type": "agent"},
	}
	wire := ev.WireEvent()
	if wire.Name != EventFlowNodeStarted {
		t.Errorf("name = %s", wire.Name)
	}
	if wire.Payload["node_id"] != "n1" || wire.Payload["node_type"] != "agent" {
		t.Errorf("payload = %v", wire.Payload)
	}

	// Original payload untouched.
	if _, ok := ev.Payload["node_id"]; ok {
		t.Error("source payload mutated")
	}

	// No node id, no folded key.
	wire = NodeEvent{Name: EventRunCompleted}.WireEvent()
	if _, ok := wire.Payload["node_id"]; ok {
		t.Error("empty node id folded")
	}
}

// TestEventWireFixtures pins the serialized form of every contract event.
// The fixtures are the frontend's parsing contract: a changed key or shape
// here must ship with a matching client change and a contract version bump.
func TestEventWireFixtures(t *testing.T) {
	cases := []struct {
		event Event
		want  string
	}{
		{
			Event{Name: EventRunStarted, Payload: map[string]any{"run_id": "run-1"}},
			`{"event":"RunStarted","data":{"run_id":"run-1"}}`,
		},
		{
			Event{Name: EventAssistantMessageID, Payload: map[string]any{"message_id": "msg-1"}},
			`{"event":"AssistantMessageId","data":{"message_id":"msg-1"}}`,
		},
		{
			Event{Name: EventRunContent, Payload: map[string]any{"content": "hello"}},
			`{"event":"RunContent","data":{"content":"hello"}}`,
		},
		{
			Event{Name: EventSeedBlocks, Payload: map[string]any{"blocks": []ContentBlock{
				{Type: BlockToolCall, Name: "web_search", CallID: "call-1", Status: "running"},
			}}},
			`{"event":"SeedBlocks","data":{"blocks":[{"type":"tool-call","name":"web_search","call_id":"call-1","status":"running"}]}}`,
		},
		{
			Event{Name: EventReasoningStarted},
			`{"event":"ReasoningStarted"}`,
		},
		{
			Event{Name: EventReasoningStep, Payload: map[string]any{"content": "weighing options"}},
			`{"event":"ReasoningStep","data":{"content":"weighing options"}}`,
		},
		{
			Event{Name: EventReasoningCompleted},
			`{"event":"ReasoningCompleted"}`,
		},
		{
			Event{Name: EventToolCallStarted, Payload: map[string]any{
				"call_id": "call-1", "tool": "web_search", "args": `{"query":"go"}`,
			}},
			`{"event":"ToolCallStarted","data":{"args":"{\"query\":\"go\"}","call_id":"call-1","tool":"web_search"}}`,
		},
		{
			Event{Name: EventToolCallCompleted, Payload: map[string]any{
				"call_id": "call-1", "tool": "web_search", "result": "ok",
			}},
			`{"event":"ToolCallCompleted","data":{"call_id":"call-1","result":"ok","tool":"web_search"}}`,
		},
		{
			Event{Name: EventToolCallFailed, Payload: map[string]any{
				"call_id": "call-1", "tool": "web_search", "error": "denied by user",
			}},
			`{"event":"ToolCallFailed","data":{"call_id":"call-1","error":"denied by user","tool":"web_search"}}`,
		},
		{
			Event{Name: EventToolCallError, Payload: map[string]any{
				"call_id": "call-1", "tool": "web_search", "error": "connection reset",
			}},
			`{"event":"ToolCallError","data":{"call_id":"call-1","error":"connection reset","tool":"web_search"}}`,
		},
		{
			Event{Name: EventToolApprovalRequired, Payload: map[string]any{
				"approval_id": "appr-1",
				"tool_calls": []map[string]any{
					{"id": "call-1", "name": "web_search", "args": `{"query":"go"}`},
				},
			}},
			`{"event":"ToolApprovalRequired","data":{"approval_id":"appr-1","tool_calls":[{"args":"{\"query\":\"go\"}","id":"call-1","name":"web_search"}]}}`,
		},
		{
			Event{Name: EventToolApprovalResolved, Payload: map[string]any{
				"approval_id": "appr-1", "status": ApprovalStatusApproved,
			}},
			`{"event":"ToolApprovalResolved","data":{"approval_id":"appr-1","status":"approved"}}`,
		},
		{
			NodeEvent{Name: EventMemberRunStarted, NodeID: "agent-1", Payload: map[string]any{
				"member": "researcher",
			}}.WireEvent(),
			`{"event":"MemberRunStarted","data":{"member":"researcher","node_id":"agent-1"}}`,
		},
		{
			NodeEvent{Name: EventMemberRunCompleted, NodeID: "agent-1", Payload: map[string]any{
				"member": "researcher",
			}}.WireEvent(),
			`{"event":"MemberRunCompleted","data":{"member":"researcher","node_id":"agent-1"}}`,
		},
		{
			NodeEvent{Name: EventMemberRunError, NodeID: "agent-1", Payload: map[string]any{
				"member": "researcher", "error": "provider unavailable",
			}}.WireEvent(),
			`{"event":"MemberRunError","data":{"error":"provider unavailable","member":"researcher","node_id":"agent-1"}}`,
		},
		{
			NodeEvent{Name: EventFlowNodeStarted, NodeID: "n1", Payload: map[string]any{
				"node_type": "agent",
			}}.WireEvent(),
			`{"event":"FlowNodeStarted","data":{"node_id":"n1","node_type":"agent"}}`,
		},
		{
			NodeEvent{Name: EventFlowNodeCompleted, NodeID: "n1"}.WireEvent(),
			`{"event":"FlowNodeCompleted","data":{"node_id":"n1"}}`,
		},
		{
			NodeEvent{Name: EventFlowNodeResult, NodeID: "n1", Payload: map[string]any{
				"outputs": map[string]string{"output": "text"},
			}}.WireEvent(),
			`{"event":"FlowNodeResult","data":{"node_id":"n1","outputs":{"output":"text"}}}`,
		},
		{
			NodeEvent{Name: EventFlowNodeError, NodeID: "n1", Payload: map[string]any{
				"error": "template: missing variable",
			}}.WireEvent(),
			`{"event":"FlowNodeError","data":{"error":"template: missing variable","node_id":"n1"}}`,
		},
		{
			Event{Name: EventRunCompleted, Payload: map[string]any{"run_id": "run-1"}},
			`{"event":"RunCompleted","data":{"run_id":"run-1"}}`,
		},
		{
			Event{Name: EventRunCancelled, Payload: map[string]any{"run_id": "run-1"}},
			`{"event":"RunCancelled","data":{"run_id":"run-1"}}`,
		},
		{
			Event{Name: EventRunError, Payload: map[string]any{
				"run_id": "run-1", "error": "provider unavailable",
			}},
			`{"event":"RunError","data":{"error":"provider unavailable","run_id":"run-1"}}`,
		},
		{
			Event{Name: EventStreamNotActive},
			`{"event":"StreamNotActive"}`,
		},
		{
			Event{Name: EventStreamSubscribed},
			`{"event":"StreamSubscribed"}`,
		},
	}

	covered := make(map[string]bool, len(cases))
	for _, tc := range cases {
		got, err := json.Marshal(tc.event)
		if err != nil {
			t.Fatalf("marshal %s: %v", tc.event.Name, err)
		}
		if string(got) != tc.want {
			t.Errorf("%s wire form:\n got %s\nwant %s", tc.event.Name, got, tc.want)
		}
		if covered[tc.event.Name] {
			t.Errorf("event %s has two fixtures", tc.event.Name)
		}
		covered[tc.event.Name] = true
	}
	for _, name := range EventNames() {
		if !covered[name] {
			t.Errorf("contract event %s has no fixture", name)
		}
	}
}
