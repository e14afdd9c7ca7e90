package nodes

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/nevindra/loom"
)

// Merge combines the ordered input handles `input`, `input_1`… into one
// output. The mode field selects how: "array" (the default) collects the
// values into a list, "concat" joins stringified inputs, "object" keys
// them by input handle, "first" picks the lowest-numbered arrival. Handles
// are visited in numeric-suffix order so `input_10` sorts after `input_2`
// and the result is deterministic regardless of upstream completion order.
type Merge struct{}

var _ loom.FlowRunner = (*Merge)(nil)

func (m *Merge) NodeType() string { return TypeMerge }

func (m *Merge) Execute(ctx context.Context, node loom.Node, inputs map[string]loom.DataValue, fc *loom.FlowContext) (*loom.ExecutionResult, error) {
	handles := make([]string, 0, len(inputs))
	for h := range inputs {
		handles = append(handles, h)
	}
	sortHandles(handles)

	mode := dataString(node, "mode")
	if mode == "" {
		mode = "array"
	}

	var out loom.DataValue
	switch mode {
	case "first":
		if len(handles) == 0 {
			return nil, loom.Validationf("merge %q: no input arrived", node.ID)
		}
		out = inputs[handles[0]]
	case "array":
		values := make([]any, 0, len(handles))
		for _, h := range handles {
			values = append(values, inputs[h].Value)
		}
		out = loom.JSONValue(values)
	case "object":
		obj := make(map[string]any, len(handles))
		for _, h := range handles {
			obj[h] = inputs[h].Value
		}
		out = loom.JSONValue(obj)
	case "concat":
		sep := dataString(node, "separator")
		if sep == "" {
			sep = "\n"
		}
		parts := make([]string, 0, len(handles))
		for _, h := range handles {
			coerced, err := loom.Coerce(inputs[h], loom.SocketString)
			if err != nil {
				return nil, loom.Validationf("merge %q: input %q is not stringable", node.ID, h)
			}
			s, _ := coerced.Value.(string)
			parts = append(parts, s)
		}
		out = loom.StringValue(strings.Join(parts, sep))
	default:
		return nil, loom.Validationf("merge %q: unknown mode %q", node.ID, mode)
	}

	return &loom.ExecutionResult{
		Outputs: map[string]loom.DataValue{loom.DefaultSourceHandle: out},
	}, nil
}

// sortHandles orders input handles by base name, then numeric suffix.
// The bare "input" handle sorts before "input_1".
func sortHandles(handles []string) {
	sort.Slice(handles, func(i, j int) bool {
		bi, ni := splitHandle(handles[i])
		bj, nj := splitHandle(handles[j])
		if bi != bj {
			return bi < bj
		}
		return ni < nj
	})
}

func splitHandle(h string) (string, int) {
	idx := strings.LastIndexByte(h, '_')
	if idx < 0 {
		return h, -1
	}
	n, err := strconv.Atoi(h[idx+1:])
	if err != nil {
		return h, -1
	}
	return h[:idx], n
}

// Reroute forwards its input unchanged. A pure editor convenience for
// routing edges around the canvas.
type Reroute struct{}

var _ loom.FlowRunner = (*Reroute)(nil)

func (r *Reroute) NodeType() string { return TypeReroute }

func (r *Reroute) Execute(ctx context.Context, node loom.Node, inputs map[string]loom.DataValue, fc *loom.FlowContext) (*loom.ExecutionResult, error) {
	v, ok := inputValue(inputs)
	if !ok {
		return nil, loom.Validationf("reroute %q: no input wired", node.ID)
	}
	return &loom.ExecutionResult{
		Outputs: map[string]loom.DataValue{loom.DefaultSourceHandle: v},
	}, nil
}
