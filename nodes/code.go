package nodes

import (
	"context"
	"encoding/json"

	"github.com/nevindra/loom"
)

// Code runs user JavaScript through the configured CodeRunner. The wired
// input is injected as the "input" global; the value the code passes to
// set_result becomes the node's JSON output.
type Code struct{}

var _ loom.FlowRunner = (*Code)(nil)

func (c *Code) NodeType() string { return TypeCode }

func (c *Code) Execute(ctx context.Context, node loom.Node, inputs map[string]loom.DataValue, fc *loom.FlowContext) (*loom.ExecutionResult, error) {
	source := dataString(node, "code")
	if source == "" {
		return nil, loom.Validationf("code %q: empty source", node.ID)
	}
	if fc.Services == nil || fc.Services.Code == nil {
		return nil, loom.Validationf("code %q: no code runner configured", node.ID)
	}

	globals := make(map[string]any, len(inputs)+1)
	if v, ok := inputValue(inputs); ok {
		globals["input"] = v.Value
	}
	for handle, v := range inputs {
		if handle != loom.DefaultTargetHandle {
			globals[handle] = v.Value
		}
	}

	raw, err := fc.Services.Code.Run(ctx, source, globals)
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, loom.Validationf("code %q: result is not valid JSON: %v", node.ID, err)
	}
	return &loom.ExecutionResult{
		Outputs: map[string]loom.DataValue{loom.DefaultSourceHandle: loom.JSONValue(value)},
	}, nil
}
