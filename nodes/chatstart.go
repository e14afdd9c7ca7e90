package nodes

import (
	"context"

	"github.com/nevindra/loom"
)

// ChatStart is the entry node of a chat graph. It places the user's message
// on its output port so downstream nodes receive the turn input over a
// normal flow edge.
type ChatStart struct{}

var _ loom.FlowRunner = (*ChatStart)(nil)

func (c *ChatStart) NodeType() string { return TypeChatStart }

// Execute emits the turn's user input on the default output handle.
func (c *ChatStart) Execute(ctx context.Context, node loom.Node, inputs map[string]loom.DataValue, fc *loom.FlowContext) (*loom.ExecutionResult, error) {
	return &loom.ExecutionResult{
		Outputs: map[string]loom.DataValue{
			loom.DefaultSourceHandle: loom.StringValue(fc.ChatInput),
		},
	}, nil
}

// graphIncludesUserTools reports whether the graph's chat-start node opted
// into merging the user's per-turn tool selection into the root agent.
func graphIncludesUserTools(g loom.Graph) bool {
	for _, n := range g.Nodes {
		if n.Type == TypeChatStart {
			return dataBool(n, "includeUserTools")
		}
	}
	return false
}
