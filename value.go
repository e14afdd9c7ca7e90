package loom

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SocketType identifies the kind of value carried on a flow port.
// The set is closed; SocketAny is a wildcard that matches everything.
type SocketType string

const (
	SocketInt      SocketType = "int"
	SocketFloat    SocketType = "float"
	SocketBoolean  SocketType = "boolean"
	SocketString   SocketType = "string"
	SocketText     SocketType = "text"
	SocketJSON     SocketType = "json"
	SocketData     SocketType = "data"
	SocketMessages SocketType = "messages"
	SocketMessage  SocketType = "message"
	SocketDocument SocketType = "document"
	SocketModel    SocketType = "model"
	SocketAny      SocketType = "any"

	// Domain sockets.
	SocketAgent   SocketType = "agent"
	SocketTools   SocketType = "tools"
	SocketTrigger SocketType = "trigger"
	SocketBinary  SocketType = "binary"
	SocketVector  SocketType = "vector"

	// SocketError marks the synthetic output a node produces when it fails
	// with on_error = "continue". Never a declared port type.
	SocketError SocketType = "error"
)

var knownSockets = map[SocketType]bool{
	SocketInt: true, SocketFloat: true, SocketBoolean: true,
	SocketString: true, SocketText: true, SocketJSON: true,
	SocketData: true, SocketMessages: true, SocketMessage: true,
	SocketDocument: true, SocketModel: true, SocketAny: true,
	SocketAgent: true, SocketTools: true, SocketTrigger: true,
	SocketBinary: true, SocketVector: true,
}

// KnownSocket reports whether t is a member of the closed socket-type set.
func KnownSocket(t SocketType) bool { return knownSockets[t] }

// DataValue is the unit that flows through flow-channel edges. Every value
// produced or consumed on a flow port carries a Type.
type DataValue struct {
	Type  SocketType `json:"type"`
	Value any        `json:"value"`
}

// StringValue wraps s as a string-typed DataValue.
func StringValue(s string) DataValue { return DataValue{Type: SocketString, Value: s} }

// JSONValue wraps v as a json-typed DataValue.
func JSONValue(v any) DataValue { return DataValue{Type: SocketJSON, Value: v} }

// ErrorValue builds the synthetic output stored for a failed node whose
// error policy is "continue".
func ErrorValue(msg string) DataValue {
	return DataValue{Type: SocketError, Value: map[string]any{"error": msg}}
}

// Coerce converts v to the target socket type using the implicit coercion
// table. Identity and the any wildcard (on either side) pass unchanged.
// Unsupported conversions return a TypeError.
func Coerce(v DataValue, target SocketType) (DataValue, error) {
	if v.Type == target || target == SocketAny || v.Type == SocketAny {
		return v, nil
	}
	switch v.Type {
	case SocketInt:
		switch target {
		case SocketFloat:
			f, err := toFloat(v.Value)
			if err != nil {
				return DataValue{}, &TypeError{From: v.Type, To: target}
			}
			return DataValue{Type: SocketFloat, Value: f}, nil
		case SocketString:
			return DataValue{Type: SocketString, Value: scalarString(v.Value)}, nil
		}
	case SocketFloat, SocketBoolean:
		if target == SocketString {
			return DataValue{Type: SocketString, Value: scalarString(v.Value)}, nil
		}
	case SocketJSON:
		switch target {
		case SocketString:
			b, err := json.Marshal(v.Value)
			if err != nil {
				return DataValue{}, &TypeError{From: v.Type, To: target}
			}
			return DataValue{Type: SocketString, Value: string(b)}, nil
		case SocketText:
			b, err := json.MarshalIndent(v.Value, "", "  ")
			if err != nil {
				return DataValue{}, &TypeError{From: v.Type, To: target}
			}
			return DataValue{Type: SocketText, Value: string(b)}, nil
		}
	case SocketString:
		switch target {
		case SocketText:
			return DataValue{Type: SocketText, Value: v.Value}, nil
		case SocketMessages:
			s, _ := v.Value.(string)
			return DataValue{Type: SocketMessages, Value: []ChatMessage{{Role: RoleUser, Content: s}}}, nil
		}
	case SocketText:
		if target == SocketString {
			return DataValue{Type: SocketString, Value: v.Value}, nil
		}
	case SocketMessage:
		switch target {
		case SocketText, SocketString:
			return DataValue{Type: target, Value: messageContent(v.Value)}, nil
		case SocketJSON:
			return DataValue{Type: SocketJSON, Value: v.Value}, nil
		}
	case SocketMessages:
		if target == SocketString {
			return DataValue{Type: SocketString, Value: joinMessageContents(v.Value)}, nil
		}
	case SocketDocument:
		switch target {
		case SocketText:
			return DataValue{Type: SocketText, Value: documentContent(v.Value)}, nil
		case SocketJSON:
			return DataValue{Type: SocketJSON, Value: v.Value}, nil
		}
	}
	return DataValue{}, &TypeError{From: v.Type, To: target}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("not a number: %T", v)
}

func scalarString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64)
	case json.Number:
		return s.String()
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// messageContent extracts the content field from a message value, which is
// either a ChatMessage or a decoded JSON object.
func messageContent(v any) string {
	switch m := v.(type) {
	case ChatMessage:
		return m.Content
	case *ChatMessage:
		return m.Content
	case map[string]any:
		if c, ok := m["content"].(string); ok {
			return c
		}
	}
	return ""
}

func joinMessageContents(v any) string {
	var parts []string
	switch ms := v.(type) {
	case []ChatMessage:
		for _, m := range ms {
			parts = append(parts, m.Content)
		}
	case []any:
		for _, m := range ms {
			parts = append(parts, messageContent(m))
		}
	}
	return strings.Join(parts, "\n")
}

func documentContent(v any) string {
	if m, ok := v.(map[string]any); ok {
		if c, ok := m["content"].(string); ok {
			return c
		}
	}
	return ""
}
