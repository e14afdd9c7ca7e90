package nodes

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/nevindra/loom"
)

// Conditional output handles. Only one carries a value per execution, so
// the scheduler's dead-branch pruning skips the untaken side.
const (
	handleTrue  = "true"
	handleFalse = "false"
)

// Conditional evaluates `{field, operator, value, caseSensitive}` against
// the wired input and forwards the input on the matching branch handle.
// When `field` names a dotted path, the comparison reads that path out of
// the input instead of the whole value.
type Conditional struct{}

var _ loom.FlowRunner = (*Conditional)(nil)

func (c *Conditional) NodeType() string { return TypeConditional }

func (c *Conditional) Execute(ctx context.Context, node loom.Node, inputs map[string]loom.DataValue, fc *loom.FlowContext) (*loom.ExecutionResult, error) {
	v, ok := inputValue(inputs)
	if !ok {
		return nil, loom.Validationf("conditional %q: no input wired", node.ID)
	}

	operator := dataString(node, "operator")
	if operator == "" {
		operator = "truthy"
	}
	subject, found := fieldValue(v.Value, dataString(node, "field"))
	caseSensitive := true
	if b, ok := node.Data["caseSensitive"].(bool); ok {
		caseSensitive = b
	}

	match, err := evalCondition(subject, found, operator, node.Data["value"], caseSensitive)
	if err != nil {
		return nil, loom.Validationf("conditional %q: %v", node.ID, err)
	}

	handle := handleFalse
	if match {
		handle = handleTrue
	}
	return &loom.ExecutionResult{
		Outputs: map[string]loom.DataValue{handle: v},
	}, nil
}

// fieldValue walks a dotted path into map/slice input. An empty path
// returns the input itself. The bool reports whether the path resolved.
func fieldValue(input any, path string) (any, bool) {
	if path == "" {
		return input, input != nil
	}
	cur := input
	for _, part := range strings.Split(path, ".") {
		switch t := cur.(type) {
		case map[string]any:
			next, ok := t[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil, false
			}
			cur = t[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// evalCondition applies one comparison operator. Operator names are
// camelCase; the snake_case forms remain as aliases for older graphs.
// String operators compare the stringified subject; numeric operators
// require both sides to parse as numbers.
func evalCondition(subject any, found bool, operator string, operand any, caseSensitive bool) (bool, error) {
	fold := func(s string) string {
		if caseSensitive {
			return s
		}
		return strings.ToLower(s)
	}
	switch operator {
	case "truthy":
		return truthy(subject), nil
	case "exists":
		return found && subject != nil, nil
	case "isEmpty", "is_empty":
		return isEmptyValue(subject), nil
	case "isNotEmpty", "is_not_empty":
		return !isEmptyValue(subject), nil
	case "equals":
		return fold(compareString(subject)) == fold(compareString(operand)), nil
	case "notEquals", "not_equals":
		return fold(compareString(subject)) != fold(compareString(operand)), nil
	case "contains":
		return strings.Contains(fold(compareString(subject)), fold(compareString(operand))), nil
	case "notContains", "not_contains":
		return !strings.Contains(fold(compareString(subject)), fold(compareString(operand))), nil
	case "startsWith", "starts_with":
		return strings.HasPrefix(fold(compareString(subject)), fold(compareString(operand))), nil
	case "endsWith", "ends_with":
		return strings.HasSuffix(fold(compareString(subject)), fold(compareString(operand))), nil
	case "greaterThan", "greater_than", "lessThan", "less_than",
		"greaterOrEqual", "greater_or_equal", "lessOrEqual", "less_or_equal":
		a, okA := compareNumber(subject)
		b, okB := compareNumber(operand)
		if !okA || !okB {
			return false, loom.Validationf("operator %q requires numeric operands", operator)
		}
		switch operator {
		case "greaterThan", "greater_than":
			return a > b, nil
		case "lessThan", "less_than":
			return a < b, nil
		case "greaterOrEqual", "greater_or_equal":
			return a >= b, nil
		default:
			return a <= b, nil
		}
	default:
		return false, loom.Validationf("unknown operator %q", operator)
	}
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return compareString(v) == ""
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func compareString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func compareNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
