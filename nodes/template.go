package nodes

import (
	"context"

	"github.com/nevindra/loom"
)

// PromptTemplate renders its template field to a text output. Placeholder
// substitution happens upstream in the expression pass, so by the time
// Execute runs the template is already resolved; an empty template falls
// back to the wired input.
type PromptTemplate struct{}

var _ loom.FlowRunner = (*PromptTemplate)(nil)

func (p *PromptTemplate) NodeType() string { return TypePromptTemplate }

func (p *PromptTemplate) Execute(ctx context.Context, node loom.Node, inputs map[string]loom.DataValue, fc *loom.FlowContext) (*loom.ExecutionResult, error) {
	text := dataString(node, "template")
	if text == "" {
		if v, ok := inputValue(inputs); ok {
			if coerced, err := loom.Coerce(v, loom.SocketText); err == nil {
				text, _ = coerced.Value.(string)
			}
		}
	}
	return &loom.ExecutionResult{
		Outputs: map[string]loom.DataValue{
			loom.DefaultSourceHandle: {Type: loom.SocketText, Value: text},
		},
	}, nil
}
