package nodes

import (
	"context"

	"github.com/nevindra/loom"
)

// ModelSelector is a structural node: it never executes in a flow, it
// materializes a model id over a link edge into an agent or completion
// node.
type ModelSelector struct{}

var _ loom.Materializer = (*ModelSelector)(nil)

func (m *ModelSelector) NodeType() string { return TypeModelSelector }

func (m *ModelSelector) Materialize(ctx context.Context, node loom.Node, outputHandle string, fc *loom.FlowContext) (any, error) {
	id := dataString(node, "model")
	if id == "" {
		return nil, loom.Validationf("model-selector %q: no model configured", node.ID)
	}
	return id, nil
}

// Toolset materializes a batch of tool ids. Unknown ids pass through; the
// consuming agent drops ids its tool source cannot resolve.
type Toolset struct{}

var _ loom.Materializer = (*Toolset)(nil)

func (t *Toolset) NodeType() string { return TypeToolset }

func (t *Toolset) Materialize(ctx context.Context, node loom.Node, outputHandle string, fc *loom.FlowContext) (any, error) {
	ids := dataStrings(node, "tools")
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, id)
	}
	return out, nil
}

// MCPServer materializes the tool ids an external MCP server contributes.
// The server's tools are registered in the tool source at startup under
// their declared ids; this node only selects them for an agent.
type MCPServer struct{}

var _ loom.Materializer = (*MCPServer)(nil)

func (s *MCPServer) NodeType() string { return TypeMCPServer }

func (s *MCPServer) Materialize(ctx context.Context, node loom.Node, outputHandle string, fc *loom.FlowContext) (any, error) {
	ids := dataStrings(node, "tools")
	if len(ids) == 0 {
		return nil, loom.Validationf("mcp-server %q: no tools declared", node.ID)
	}
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, id)
	}
	return out, nil
}
