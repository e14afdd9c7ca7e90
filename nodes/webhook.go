package nodes

import (
	"context"

	"github.com/nevindra/loom"
)

// Run-state keys shared between the HTTP dispatcher and the webhook nodes.
// The dispatcher seeds the request before the flow runs and reads the
// response after it finishes.
const (
	StateWebhookPayload  = "webhook_payload"
	StateWebhookHeaders  = "webhook_headers"
	StateWebhookRequest  = "webhook_request"
	StateWebhookResponse = "webhook_response"
	StateWebhookStatus   = "webhook_status"
)

// WebhookTrigger is the entry node of a webhook graph. It owns an HTTP
// route derived from its path config and emits the dispatched request body
// on its output port.
type WebhookTrigger struct{}

var (
	_ loom.FlowRunner       = (*WebhookTrigger)(nil)
	_ loom.RouteInitializer = (*WebhookTrigger)(nil)
)

func (w *WebhookTrigger) NodeType() string { return TypeWebhookTrigger }

// Routes declares the node's HTTP route for the route index. A trigger
// without a path owns no route and is unreachable over HTTP.
func (w *WebhookTrigger) Routes(node loom.Node) []loom.RouteDecl {
	path := dataString(node, "path")
	if path == "" {
		return nil
	}
	return []loom.RouteDecl{{NodeType: TypeWebhookTrigger, RouteID: path}}
}

func (w *WebhookTrigger) Execute(ctx context.Context, node loom.Node, inputs map[string]loom.DataValue, fc *loom.FlowContext) (*loom.ExecutionResult, error) {
	outputs := map[string]loom.DataValue{
		loom.DefaultSourceHandle: loom.JSONValue(fc.State[StateWebhookPayload]),
	}
	if headers, ok := fc.State[StateWebhookHeaders]; ok {
		outputs["headers"] = loom.JSONValue(headers)
	}
	// The full request envelope: body, headers, query, method, path,
	// remote, received_at, hook_id.
	if env, ok := fc.State[StateWebhookRequest]; ok {
		outputs["request"] = loom.JSONValue(env)
	}
	return &loom.ExecutionResult{Outputs: outputs}, nil
}

// WebhookEnd records the flow's HTTP response: the wired input becomes the
// response body and the configured status code (default 200) the status.
// The dispatcher reads both from run state after the flow completes.
type WebhookEnd struct{}

var _ loom.FlowRunner = (*WebhookEnd)(nil)

func (w *WebhookEnd) NodeType() string { return TypeWebhookEnd }

func (w *WebhookEnd) Execute(ctx context.Context, node loom.Node, inputs map[string]loom.DataValue, fc *loom.FlowContext) (*loom.ExecutionResult, error) {
	status := 200
	if s, ok := dataFloat(node, "statusCode"); ok && s >= 100 && s < 600 {
		status = int(s)
	}

	var body any
	if v, ok := inputValue(inputs); ok {
		body = v.Value
	}
	if fc.State != nil {
		fc.State[StateWebhookResponse] = body
		fc.State[StateWebhookStatus] = status
	}
	return &loom.ExecutionResult{
		Outputs: map[string]loom.DataValue{loom.DefaultSourceHandle: loom.JSONValue(body)},
	}, nil
}
