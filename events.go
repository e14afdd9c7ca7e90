package loom

// EventsContractVersion is bumped whenever a wire name is added, renamed,
// or removed. Frontend and backend tables must compare equal at startup.
const EventsContractVersion = 3

// Canonical wire event names shared with clients. Emission through the
// Broadcaster is validated against this set; unknown names require an
// explicit opt-in per emission site (Event.AllowUnknown).
const (
	EventRunStarted         = "RunStarted"
	EventAssistantMessageID = "AssistantMessageId"
	EventRunContent         = "RunContent"
	EventSeedBlocks         = "SeedBlocks"

	EventReasoningStarted   = "ReasoningStarted"
	EventReasoningStep      = "ReasoningStep"
	EventReasoningCompleted = "ReasoningCompleted"

	EventToolCallStarted      = "ToolCallStarted"
	EventToolCallCompleted    = "ToolCallCompleted"
	EventToolCallFailed       = "ToolCallFailed"
	EventToolCallError        = "ToolCallError"
	EventToolApprovalRequired = "ToolApprovalRequired"
	EventToolApprovalResolved = "ToolApprovalResolved"

	EventMemberRunStarted   = "MemberRunStarted"
	EventMemberRunCompleted = "MemberRunCompleted"
	EventMemberRunError     = "MemberRunError"

	EventFlowNodeStarted   = "FlowNodeStarted"
	EventFlowNodeCompleted = "FlowNodeCompleted"
	EventFlowNodeResult    = "FlowNodeResult"
	EventFlowNodeError     = "FlowNodeError"

	EventRunCompleted = "RunCompleted"
	EventRunCancelled = "RunCancelled"
	EventRunError     = "RunError"

	EventStreamNotActive  = "StreamNotActive"
	EventStreamSubscribed = "StreamSubscribed"
)

// EventGroups organizes wire names for clients that subscribe by family.
var EventGroups = map[string][]string{
	"run": {
		EventRunStarted, EventAssistantMessageID, EventRunContent,
		EventSeedBlocks, EventRunCompleted, EventRunCancelled, EventRunError,
	},
	"reasoning": {
		EventReasoningStarted, EventReasoningStep, EventReasoningCompleted,
	},
	"tool": {
		EventToolCallStarted, EventToolCallCompleted, EventToolCallFailed,
		EventToolCallError, EventToolApprovalRequired, EventToolApprovalResolved,
	},
	"member": {
		EventMemberRunStarted, EventMemberRunCompleted, EventMemberRunError,
	},
	"flow": {
		EventFlowNodeStarted, EventFlowNodeCompleted, EventFlowNodeResult,
		EventFlowNodeError,
	},
	"stream": {
		EventStreamNotActive, EventStreamSubscribed,
	},
}

// knownEvents is the flattened contract table.
var knownEvents = func() map[string]bool {
	m := make(map[string]bool)
	for _, names := range EventGroups {
		for _, n := range names {
			m[n] = true
		}
	}
	return m
}()

// KnownEvent reports whether name is part of the wire contract.
func KnownEvent(name string) bool { return knownEvents[name] }

// EventNames returns every wire name in the contract, unordered.
func EventNames() []string {
	names := make([]string, 0, len(knownEvents))
	for n := range knownEvents {
		names = append(names, n)
	}
	return names
}

// Event is one wire event delivered to subscribers. Payload must be
// JSON-serializable.
type Event struct {
	Name    string         `json:"event"`
	Payload map[string]any `json:"data,omitempty"`
	// AllowUnknown opts this emission site out of contract validation.
	// Required to broadcast a name outside the canonical table.
	AllowUnknown bool `json:"-"`
}

// NodeEvent is a lifecycle or progress record emitted by a node executor
// during flow execution. The flow scheduler forwards it to the run's event
// channel; the orchestrator translates it into a wire Event.
type NodeEvent struct {
	Name    string
	NodeID  string
	Payload map[string]any
}

// WireEvent converts a node event into its broadcast form, folding the
// node id into the payload.
func (e NodeEvent) WireEvent() Event {
	payload := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		payload[k] = v
	}
	if e.NodeID != "" {
		payload["node_id"] = e.NodeID
	}
	return Event{Name: e.Name, Payload: payload}
}
