package loom

import (
	"encoding/json"
	"maps"
)

// EdgeChannel distinguishes the two edge families of a graph.
type EdgeChannel string

const (
	// ChannelFlow marks a runtime data edge: DataValues travel over it
	// during execution.
	ChannelFlow EdgeChannel = "flow"
	// ChannelLink marks a structural edge: tools, models, and sub-agents
	// are resolved lazily over it.
	ChannelLink EdgeChannel = "link"
)

// Default port handles applied when an edge omits them.
const (
	DefaultSourceHandle = "output"
	DefaultTargetHandle = "input"
)

// Node is one vertex of a saved graph. Data is a type-opaque configuration
// bag whose recognized keys depend on Type.
type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Position Position       `json:"position"`
	Data     map[string]any `json:"data,omitempty"`
}

// Position is the node's editor coordinate. Carried through persistence,
// ignored by the runtime.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge connects two node ports. Data.channel is required and must be
// "flow" or "link"; all other data fields pass through untouched.
type Edge struct {
	ID           string         `json:"id"`
	Source       string         `json:"source"`
	SourceHandle string         `json:"sourceHandle,omitempty"`
	Target       string         `json:"target"`
	TargetHandle string         `json:"targetHandle,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// Channel returns the edge's channel, or "" when absent or not a string.
func (e Edge) Channel() EdgeChannel {
	if e.Data == nil {
		return ""
	}
	ch, _ := e.Data["channel"].(string)
	return EdgeChannel(ch)
}

// SourceHandleOrDefault returns the source handle, defaulting to "output".
func (e Edge) SourceHandleOrDefault() string {
	if e.SourceHandle == "" {
		return DefaultSourceHandle
	}
	return e.SourceHandle
}

// TargetHandleOrDefault returns the target handle, defaulting to "input".
func (e Edge) TargetHandleOrDefault() string {
	if e.TargetHandle == "" {
		return DefaultTargetHandle
	}
	return e.TargetHandle
}

// Graph is the persisted {nodes, edges} pair, stored as JSON per agent.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodeByID returns the node with the given id.
func (g Graph) NodeByID(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// ParseGraph decodes a persisted graph and normalizes it.
func ParseGraph(raw []byte) (Graph, error) {
	var g Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return Graph{}, Validationf("graph: decode: %v", err)
	}
	return Normalize(g)
}

// dedupeKey identifies an edge for deduplication. Handles are compared
// after defaulting so "" and "output" collapse to the same edge.
type dedupeKey struct {
	source, sourceHandle, target, targetHandle string
	channel                                    EdgeChannel
}

// Normalize validates a raw graph at the save/load and route-index
// boundaries and returns a fresh copy. Every edge must carry an explicit
// channel of "flow" or "link"; edges are deduplicated by the
// (source, sourceHandle, target, targetHandle, channel) 5-tuple. Original
// handle values and extra data fields are preserved. The input graph is
// never mutated.
func Normalize(g Graph) (Graph, error) {
	nodeIDs := make(map[string]bool, len(g.Nodes))
	out := Graph{Nodes: make([]Node, 0, len(g.Nodes)), Edges: make([]Edge, 0, len(g.Edges))}

	for _, n := range g.Nodes {
		if n.ID == "" {
			return Graph{}, Validationf("graph: node with empty id")
		}
		if nodeIDs[n.ID] {
			return Graph{}, Validationf("graph: duplicate node id %q", n.ID)
		}
		nodeIDs[n.ID] = true
		cp := n
		if n.Data != nil {
			cp.Data = maps.Clone(n.Data)
		}
		out.Nodes = append(out.Nodes, cp)
	}

	seen := make(map[dedupeKey]bool, len(g.Edges))
	for _, e := range g.Edges {
		ch := e.Channel()
		if ch != ChannelFlow && ch != ChannelLink {
			return Graph{}, Validationf("graph: edge %q: missing or unknown channel %q", e.ID, string(ch))
		}
		if !nodeIDs[e.Source] {
			return Graph{}, Validationf("graph: edge %q: unknown source node %q", e.ID, e.Source)
		}
		if !nodeIDs[e.Target] {
			return Graph{}, Validationf("graph: edge %q: unknown target node %q", e.ID, e.Target)
		}
		key := dedupeKey{
			source:       e.Source,
			sourceHandle: e.SourceHandleOrDefault(),
			target:       e.Target,
			targetHandle: e.TargetHandleOrDefault(),
			channel:      ch,
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		cp := e
		cp.Data = maps.Clone(e.Data)
		out.Edges = append(out.Edges, cp)
	}
	return out, nil
}
