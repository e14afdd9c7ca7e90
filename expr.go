package loom

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// ExprContext carries the data an expression can reference: upstream node
// results by display name and the direct-parent output.
type ExprContext struct {
	// byName maps a node's display name to its last result, decoded to
	// plain JSON values.
	byName map[string]any
	// input is the direct-parent output for the node being prepared.
	input  any
	logger *slog.Logger
}

// NewExprContext builds an expression context.
func NewExprContext(logger *slog.Logger) *ExprContext {
	if logger == nil {
		logger = nopLogger
	}
	return &ExprContext{byName: make(map[string]any), logger: logger}
}

// SetNodeResult records a named upstream node's last result.
func (ec *ExprContext) SetNodeResult(name string, result any) {
	ec.byName[name] = result
}

// SetInput records the direct-parent output used by the input shorthand.
func (ec *ExprContext) SetInput(input any) { ec.input = input }

// exprPattern matches a {{ ... }} placeholder, non-greedy.
var exprPattern = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)

// nodeRefPattern matches $('Node Name').item.json.path.to.field
var nodeRefPattern = regexp.MustCompile(`^\$\(\s*'([^']*)'\s*\)\.item\.json((?:\.[^.\s]+)*)$`)

// ResolveString substitutes every {{ ... }} placeholder in s. Undefined
// references resolve to an empty string with a logged warning. A string
// that is exactly one placeholder returns the referenced value itself,
// preserving non-string types.
func (ec *ExprContext) ResolveString(s string) any {
	matches := exprPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	// Whole-string single expression: preserve value type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		v, ok := ec.eval(strings.TrimSpace(s[matches[0][2]:matches[0][3]]))
		if !ok {
			ec.logger.Warn("expr: undefined reference", "expr", s)
			return ""
		}
		return v
	}
	return exprPattern.ReplaceAllStringFunc(s, func(m string) string {
		inner := strings.TrimSpace(m[2 : len(m)-2])
		v, ok := ec.eval(inner)
		if !ok {
			ec.logger.Warn("expr: undefined reference", "expr", inner)
			return ""
		}
		return stringify(v)
	})
}

// ResolveData resolves expressions in every string value of a node's data
// bag, recursing into nested maps and slices. Returns a new map; the input
// is not mutated.
func (ec *ExprContext) ResolveData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = ec.resolveValue(v)
	}
	return out
}

func (ec *ExprContext) resolveValue(v any) any {
	switch t := v.(type) {
	case string:
		return ec.ResolveString(t)
	case map[string]any:
		return ec.ResolveData(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = ec.resolveValue(e)
		}
		return out
	default:
		return v
	}
}

// eval evaluates one expression body. Two forms are supported:
//
//	$('Node Name').item.json.path.to.field  — named upstream node result
//	input.field.path                        — direct-parent output shorthand
func (ec *ExprContext) eval(expr string) (any, bool) {
	if m := nodeRefPattern.FindStringSubmatch(expr); m != nil {
		root, ok := ec.byName[m[1]]
		if !ok {
			return nil, false
		}
		return walkPath(root, splitPath(m[2]))
	}
	if expr == "input" {
		if ec.input == nil {
			return nil, false
		}
		return ec.input, true
	}
	if rest, ok := strings.CutPrefix(expr, "input."); ok {
		if ec.input == nil {
			return nil, false
		}
		return walkPath(ec.input, strings.Split(rest, "."))
	}
	return nil, false
}

func splitPath(dotted string) []string {
	dotted = strings.TrimPrefix(dotted, ".")
	if dotted == "" {
		return nil
	}
	return strings.Split(dotted, ".")
}

// walkPath descends maps by key and slices by numeric index.
func walkPath(root any, path []string) (any, bool) {
	cur := root
	for _, seg := range path {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return nil, false
			}
			cur = c[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
