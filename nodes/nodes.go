// Package nodes provides the built-in node executors: the flow-visible
// nodes (chat-start, agent, prompt-template, llm-completion, conditional,
// merge, reroute, filter, webhook-trigger, webhook-end, code) and the
// structural link providers (model-selector, toolset, mcp-server).
package nodes

import (
	"github.com/nevindra/loom"
)

// Node type names. These are the identifiers persisted in saved graphs.
const (
	TypeChatStart      = "chat-start"
	TypeAgent          = "agent"
	TypePromptTemplate = "prompt-template"
	TypeLLMCompletion  = "llm-completion"
	TypeConditional    = "conditional"
	TypeMerge          = "merge"
	TypeReroute        = "reroute"
	TypeFilter         = "filter"
	TypeWebhookTrigger = "webhook-trigger"
	TypeWebhookEnd     = "webhook-end"
	TypeModelSelector  = "model-selector"
	TypeToolset        = "toolset"
	TypeMCPServer      = "mcp-server"
	TypeCode           = "code"
)

// RegisterAll registers every built-in executor on the registry.
func RegisterAll(reg *loom.Registry) {
	reg.MustRegister(&ChatStart{})
	reg.MustRegister(&Agent{})
	reg.MustRegister(&PromptTemplate{})
	reg.MustRegister(&LLMCompletion{})
	reg.MustRegister(&Conditional{})
	reg.MustRegister(&Merge{})
	reg.MustRegister(&Reroute{})
	reg.MustRegister(&Filter{})
	reg.MustRegister(&WebhookTrigger{})
	reg.MustRegister(&WebhookEnd{})
	reg.MustRegister(&ModelSelector{})
	reg.MustRegister(&Toolset{})
	reg.MustRegister(&MCPServer{})
	reg.MustRegister(&Code{})
}

// dataString reads a string field from node config.
func dataString(node loom.Node, key string) string {
	if node.Data == nil {
		return ""
	}
	s, _ := node.Data[key].(string)
	return s
}

// dataBool reads a boolean field from node config.
func dataBool(node loom.Node, key string) bool {
	if node.Data == nil {
		return false
	}
	b, _ := node.Data[key].(bool)
	return b
}

// dataStrings reads a string-list field from node config, accepting both
// []string and the []any produced by JSON decoding.
func dataStrings(node loom.Node, key string) []string {
	if node.Data == nil {
		return nil
	}
	switch v := node.Data[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// dataFloat reads a numeric field from node config.
func dataFloat(node loom.Node, key string) (float64, bool) {
	if node.Data == nil {
		return 0, false
	}
	switch v := node.Data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// inputValue returns the value wired into the default input handle, or the
// sole input when only one arrived.
func inputValue(inputs map[string]loom.DataValue) (loom.DataValue, bool) {
	if v, ok := inputs[loom.DefaultTargetHandle]; ok {
		return v, true
	}
	if len(inputs) == 1 {
		for _, v := range inputs {
			return v, true
		}
	}
	return loom.DataValue{}, false
}
