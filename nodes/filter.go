package nodes

import (
	"context"

	"github.com/nevindra/loom"
)

// Filter output handles. Every element of the input array lands on exactly
// one side, so an empty side lets dead-branch pruning skip its subtree.
const (
	handlePass   = "pass"
	handleReject = "reject"
)

// Filter splits a JSON array input into pass/reject by a field comparison.
// Config: field (dotted path into each element, empty for the element
// itself), operator, value, caseSensitive. Non-array inputs are an error;
// elements whose field path does not resolve are rejected.
type Filter struct{}

var _ loom.FlowRunner = (*Filter)(nil)

func (f *Filter) NodeType() string { return TypeFilter }

func (f *Filter) Execute(ctx context.Context, node loom.Node, inputs map[string]loom.DataValue, fc *loom.FlowContext) (*loom.ExecutionResult, error) {
	v, ok := inputValue(inputs)
	if !ok {
		return nil, loom.Validationf("filter %q: no input wired", node.ID)
	}
	items, ok := v.Value.([]any)
	if !ok {
		return nil, loom.Validationf("filter %q: input is not an array", node.ID)
	}

	field := dataString(node, "field")
	operator := dataString(node, "operator")
	if operator == "" {
		operator = "truthy"
	}
	operand := node.Data["value"]
	caseSensitive := true
	if b, ok := node.Data["caseSensitive"].(bool); ok {
		caseSensitive = b
	}

	pass := make([]any, 0, len(items))
	reject := make([]any, 0)
	for _, item := range items {
		subject, found := fieldValue(item, field)
		if !found {
			reject = append(reject, item)
			continue
		}
		match, err := evalCondition(subject, found, operator, operand, caseSensitive)
		if err != nil {
			return nil, loom.Validationf("filter %q: %v", node.ID, err)
		}
		if match {
			pass = append(pass, item)
		} else {
			reject = append(reject, item)
		}
	}

	// An empty side is omitted rather than emitted as an empty list, so
	// the scheduler prunes its subtree the same way an untaken conditional
	// branch is pruned.
	outputs := make(map[string]loom.DataValue, 2)
	if len(pass) > 0 {
		outputs[handlePass] = loom.JSONValue(pass)
	}
	if len(reject) > 0 {
		outputs[handleReject] = loom.JSONValue(reject)
	}
	return &loom.ExecutionResult{Outputs: outputs}, nil
}
