package nodes

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nevindra/loom"
)

// testContext builds a runtime and flow context over a graph for direct
// executor calls.
func testContext(t *testing.T, g loom.Graph, services *loom.Services, state map[string]any) *loom.FlowContext {
	t.Helper()
	reg := loom.NewRegistry()
	RegisterAll(reg)
	rt, err := loom.NewRuntime(g, "run-1", "chat-1", reg, services, loom.WithRunState(state))
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	return &loom.FlowContext{
		NodeID:   "",
		ChatID:   "chat-1",
		RunID:    "run-1",
		State:    state,
		Runtime:  rt,
		Services: services,
	}
}

func singleNodeGraph(n loom.Node) loom.Graph {
	return loom.Graph{Nodes: []loom.Node{n}}
}

func TestChatStartEmitsChatInput(t *testing.T) {
	node := loom.Node{ID: "start", Type: TypeChatStart}
	fc := testContext(t, singleNodeGraph(node), &loom.Services{}, nil)
	fc.ChatInput = "hello"

	res, err := (&ChatStart{}).Execute(context.Background(), node, nil, fc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := res.Outputs[loom.DefaultSourceHandle]
	if out.Type != loom.SocketString || out.Value != "hello" {
		t.Errorf("output = %+v, want string hello", out)
	}
}

func TestConditionalRoutesByOperator(t *testing.T) {
	tests := []struct {
		name     string
		operator string
		operand  any
		input    any
		want     string
	}{
		{"equals match", "equals", "yes", "yes", handleTrue},
		{"equals miss", "equals", "yes", "no", handleFalse},
		{"contains", "contains", "ell", "hello", handleTrue},
		{"greaterThan", "greaterThan", 3.0, 5.0, handleTrue},
		{"lessThan miss", "lessThan", 3.0, 5.0, handleFalse},
		{"startsWith", "startsWith", "he", "hello", handleTrue},
		{"endsWith", "endsWith", "lo", "hello", handleTrue},
		{"exists", "exists", nil, "anything", handleTrue},
		{"isEmpty", "isEmpty", nil, "", handleTrue},
		{"snake_case alias", "greater_than", 3.0, 5.0, handleTrue},
		{"truthy default", "", nil, "x", handleTrue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := loom.Node{ID: "cond", Type: TypeConditional, Data: map[string]any{
				"operator": tt.operator, "value": tt.operand,
			}}
			fc := testContext(t, singleNodeGraph(node), &loom.Services{}, nil)
			inputs := map[string]loom.DataValue{
				loom.DefaultTargetHandle: {Type: loom.SocketAny, Value: tt.input},
			}
			res, err := (&Conditional{}).Execute(context.Background(), node, inputs, fc)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if _, ok := res.Outputs[tt.want]; !ok {
				t.Errorf("value not routed to %q: outputs %v", tt.want, res.Outputs)
			}
			if len(res.Outputs) != 1 {
				t.Errorf("both branches populated: %v", res.Outputs)
			}
		})
	}
}

func TestConditionalFieldAndCase(t *testing.T) {
	payload := loom.JSONValue(map[string]any{
		"user": map[string]any{"name": "Ada"},
	})

	node := loom.Node{ID: "cond", Type: TypeConditional, Data: map[string]any{
		"field": "user.name", "operator": "equals", "value": "ada",
	}}
	fc := testContext(t, singleNodeGraph(node), &loom.Services{}, nil)
	inputs := map[string]loom.DataValue{loom.DefaultTargetHandle: payload}

	// Case-sensitive by default: "Ada" != "ada".
	res, err := (&Conditional{}).Execute(context.Background(), node, inputs, fc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, ok := res.Outputs[handleFalse]; !ok {
		t.Errorf("case-sensitive compare routed %v", res.Outputs)
	}

	node.Data["caseSensitive"] = false
	res, err = (&Conditional{}).Execute(context.Background(), node, inputs, fc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, ok := res.Outputs[handleTrue]; !ok {
		t.Errorf("case-insensitive compare routed %v", res.Outputs)
	}

	// exists follows the field path, not the whole input.
	missing := loom.Node{ID: "cond2", Type: TypeConditional, Data: map[string]any{
		"field": "user.email", "operator": "exists",
	}}
	res, err = (&Conditional{}).Execute(context.Background(), missing, inputs, fc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, ok := res.Outputs[handleFalse]; !ok {
		t.Errorf("missing field routed %v", res.Outputs)
	}
}

func TestConditionalUnknownOperator(t *testing.T) {
	node := loom.Node{ID: "cond", Type: TypeConditional, Data: map[string]any{"operator": "bogus"}}
	fc := testContext(t, singleNodeGraph(node), &loom.Services{}, nil)
	inputs := map[string]loom.DataValue{loom.DefaultTargetHandle: loom.StringValue("x")}
	if _, err := (&Conditional{}).Execute(context.Background(), node, inputs, fc); err == nil {
		t.Fatal("expected error for unknown operator")
	}
}

func TestMergeDefaultsToList(t *testing.T) {
	node := loom.Node{ID: "merge", Type: TypeMerge}
	fc := testContext(t, singleNodeGraph(node), &loom.Services{}, nil)
	inputs := map[string]loom.DataValue{
		"input_2":  loom.StringValue("third"),
		"input":    loom.StringValue("first"),
		"input_10": loom.StringValue("fourth"),
		"input_1":  loom.StringValue("second"),
	}
	res, err := (&Merge{}).Execute(context.Background(), node, inputs, fc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got, ok := res.Outputs[loom.DefaultSourceHandle].Value.([]any)
	if !ok {
		t.Fatalf("default mode produced %T", res.Outputs[loom.DefaultSourceHandle].Value)
	}
	want := []any{"first", "second", "third", "fourth"}
	if len(got) != len(want) {
		t.Fatalf("merged %v", got)
	}
	// input_10 sorts after input_2, not between input_1 and input_2.
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("merged[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMergeConcatSortsHandles(t *testing.T) {
	node := loom.Node{ID: "merge", Type: TypeMerge, Data: map[string]any{"mode": "concat", "separator": "|"}}
	fc := testContext(t, singleNodeGraph(node), &loom.Services{}, nil)
	inputs := map[string]loom.DataValue{
		"b": loom.StringValue("second"),
		"a": loom.StringValue("first"),
	}
	res, err := (&Merge{}).Execute(context.Background(), node, inputs, fc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := res.Outputs[loom.DefaultSourceHandle].Value
	if got != "first|second" {
		t.Errorf("concat = %q, want first|second", got)
	}
}

func TestMergeObject(t *testing.T) {
	node := loom.Node{ID: "merge", Type: TypeMerge, Data: map[string]any{"mode": "object"}}
	fc := testContext(t, singleNodeGraph(node), &loom.Services{}, nil)
	inputs := map[string]loom.DataValue{
		"left":  loom.StringValue("a"),
		"right": loom.JSONValue(map[string]any{"k": 1.0}),
	}
	res, err := (&Merge{}).Execute(context.Background(), node, inputs, fc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	obj, ok := res.Outputs[loom.DefaultSourceHandle].Value.(map[string]any)
	if !ok {
		t.Fatalf("object mode produced %T", res.Outputs[loom.DefaultSourceHandle].Value)
	}
	if obj["left"] != "a" {
		t.Errorf("left = %v", obj["left"])
	}
}

func TestFilterByField(t *testing.T) {
	node := loom.Node{ID: "filter", Type: TypeFilter, Data: map[string]any{
		"field": "status", "operator": "equals", "value": "open",
	}}
	fc := testContext(t, singleNodeGraph(node), &loom.Services{}, nil)
	items := []any{
		map[string]any{"id": 1.0, "status": "open"},
		map[string]any{"id": 2.0, "status": "closed"},
		map[string]any{"id": 3.0, "status": "open"},
		map[string]any{"id": 4.0},
	}
	inputs := map[string]loom.DataValue{loom.DefaultTargetHandle: loom.JSONValue(items)}
	res, err := (&Filter{}).Execute(context.Background(), node, inputs, fc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	pass, ok := res.Outputs[handlePass].Value.([]any)
	if !ok || len(pass) != 2 {
		t.Fatalf("pass = %v, want 2 elements", res.Outputs[handlePass].Value)
	}
	// The closed item and the one without a status both land on reject.
	reject, ok := res.Outputs[handleReject].Value.([]any)
	if !ok || len(reject) != 2 {
		t.Fatalf("reject = %v, want 2 elements", res.Outputs[handleReject].Value)
	}
}

func TestFilterOmitsEmptySide(t *testing.T) {
	node := loom.Node{ID: "filter", Type: TypeFilter, Data: map[string]any{
		"operator": "exists",
	}}
	fc := testContext(t, singleNodeGraph(node), &loom.Services{}, nil)
	inputs := map[string]loom.DataValue{
		loom.DefaultTargetHandle: loom.JSONValue([]any{"a", "b"}),
	}
	res, err := (&Filter{}).Execute(context.Background(), node, inputs, fc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, ok := res.Outputs[handleReject]; ok {
		t.Errorf("empty reject side emitted: %v", res.Outputs)
	}
	if pass, ok := res.Outputs[handlePass].Value.([]any); !ok || len(pass) != 2 {
		t.Errorf("pass = %v", res.Outputs[handlePass].Value)
	}
}

func TestFilterNestedFieldPath(t *testing.T) {
	node := loom.Node{ID: "filter", Type: TypeFilter, Data: map[string]any{
		"field": "meta.priority", "operator": "greaterThan", "value": 2.0,
	}}
	fc := testContext(t, singleNodeGraph(node), &loom.Services{}, nil)
	items := []any{
		map[string]any{"meta": map[string]any{"priority": 5.0}},
		map[string]any{"meta": map[string]any{"priority": 1.0}},
	}
	inputs := map[string]loom.DataValue{loom.DefaultTargetHandle: loom.JSONValue(items)}
	res, err := (&Filter{}).Execute(context.Background(), node, inputs, fc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	pass := res.Outputs[handlePass].Value.([]any)
	if len(pass) != 1 {
		t.Errorf("passed %d elements, want 1", len(pass))
	}
}

func TestReroutePassesThrough(t *testing.T) {
	node := loom.Node{ID: "rr", Type: TypeReroute}
	fc := testContext(t, singleNodeGraph(node), &loom.Services{}, nil)
	in := loom.JSONValue(map[string]any{"k": "v"})
	res, err := (&Reroute{}).Execute(context.Background(), node, map[string]loom.DataValue{loom.DefaultTargetHandle: in}, fc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outputs[loom.DefaultSourceHandle].Type != loom.SocketJSON {
		t.Errorf("output type = %s", res.Outputs[loom.DefaultSourceHandle].Type)
	}
}

func TestPromptTemplateFallsBackToInput(t *testing.T) {
	node := loom.Node{ID: "tpl", Type: TypePromptTemplate}
	fc := testContext(t, singleNodeGraph(node), &loom.Services{}, nil)
	inputs := map[string]loom.DataValue{loom.DefaultTargetHandle: loom.StringValue("from input")}
	res, err := (&PromptTemplate{}).Execute(context.Background(), node, inputs, fc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outputs[loom.DefaultSourceHandle].Value != "from input" {
		t.Errorf("output = %v", res.Outputs[loom.DefaultSourceHandle].Value)
	}
}

func TestModelSelectorMaterialize(t *testing.T) {
	node := loom.Node{ID: "sel", Type: TypeModelSelector, Data: map[string]any{"model": "mock:fast"}}
	fc := testContext(t, singleNodeGraph(node), &loom.Services{}, nil)
	art, err := (&ModelSelector{}).Materialize(context.Background(), node, loom.DefaultSourceHandle, fc)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if art != "mock:fast" {
		t.Errorf("materialized %v", art)
	}

	empty := loom.Node{ID: "sel2", Type: TypeModelSelector}
	if _, err := (&ModelSelector{}).Materialize(context.Background(), empty, loom.DefaultSourceHandle, fc); err == nil {
		t.Fatal("expected error for unconfigured selector")
	}
}

func TestToolsetMaterialize(t *testing.T) {
	node := loom.Node{ID: "ts", Type: TypeToolset, Data: map[string]any{
		"tools": []any{"search", "fetch"},
	}}
	fc := testContext(t, singleNodeGraph(node), &loom.Services{}, nil)
	art, err := (&Toolset{}).Materialize(context.Background(), node, loom.DefaultSourceHandle, fc)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	ids, ok := art.([]any)
	if !ok || len(ids) != 2 || ids[0] != "search" {
		t.Errorf("materialized %v", art)
	}
}

func TestWebhookTriggerRoutesAndPayload(t *testing.T) {
	node := loom.Node{ID: "hook", Type: TypeWebhookTrigger, Data: map[string]any{"path": "orders"}}
	decls := (&WebhookTrigger{}).Routes(node)
	if len(decls) != 1 || decls[0].RouteID != "orders" {
		t.Fatalf("routes = %v", decls)
	}
	if got := (&WebhookTrigger{}).Routes(loom.Node{ID: "x", Type: TypeWebhookTrigger}); len(got) != 0 {
		t.Errorf("pathless trigger owns routes: %v", got)
	}

	state := map[string]any{StateWebhookPayload: map[string]any{"order": 42.0}}
	fc := testContext(t, singleNodeGraph(node), &loom.Services{}, state)
	res, err := (&WebhookTrigger{}).Execute(context.Background(), node, nil, fc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	payload, ok := res.Outputs[loom.DefaultSourceHandle].Value.(map[string]any)
	if !ok || payload["order"] != 42.0 {
		t.Errorf("payload = %v", res.Outputs[loom.DefaultSourceHandle].Value)
	}
}

func TestWebhookEndRecordsResponse(t *testing.T) {
	node := loom.Node{ID: "end", Type: TypeWebhookEnd, Data: map[string]any{"statusCode": 201.0}}
	state := map[string]any{}
	fc := testContext(t, singleNodeGraph(node), &loom.Services{}, state)
	inputs := map[string]loom.DataValue{loom.DefaultTargetHandle: loom.JSONValue(map[string]any{"ok": true})}
	if _, err := (&WebhookEnd{}).Execute(context.Background(), node, inputs, fc); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if state[StateWebhookStatus] != 201 {
		t.Errorf("status = %v, want 201", state[StateWebhookStatus])
	}
	body, ok := state[StateWebhookResponse].(map[string]any)
	if !ok || body["ok"] != true {
		t.Errorf("response = %v", state[StateWebhookResponse])
	}
}

// fakeRunner is a canned CodeRunner capturing its last invocation.
type fakeRunner struct {
	result  string
	err     error
	source  string
	globals map[string]any
}

func (f *fakeRunner) Run(ctx context.Context, source string, globals map[string]any) (json.RawMessage, error) {
	f.source = source
	f.globals = globals
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.result), nil
}

func TestCodeNodeRunsSourceWithInput(t *testing.T) {
	runner := &fakeRunner{result: `{"doubled": 10}`}
	node := loom.Node{ID: "code", Type: TypeCode, Data: map[string]any{"code": "set_result({doubled: input * 2});"}}
	fc := testContext(t, singleNodeGraph(node), &loom.Services{Code: runner}, nil)
	inputs := map[string]loom.DataValue{loom.DefaultTargetHandle: {Type: loom.SocketInt, Value: 5}}

	res, err := (&Code{}).Execute(context.Background(), node, inputs, fc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if runner.globals["input"] != 5 {
		t.Errorf("input global = %v", runner.globals["input"])
	}
	out, ok := res.Outputs[loom.DefaultSourceHandle].Value.(map[string]any)
	if !ok || out["doubled"] != 10.0 {
		t.Errorf("output = %v", res.Outputs[loom.DefaultSourceHandle].Value)
	}
}

func TestCodeNodeWithoutRunnerFails(t *testing.T) {
	node := loom.Node{ID: "code", Type: TypeCode, Data: map[string]any{"code": "set_result(1);"}}
	fc := testContext(t, singleNodeGraph(node), &loom.Services{}, nil)
	if _, err := (&Code{}).Execute(context.Background(), node, nil, fc); err == nil {
		t.Fatal("expected error without a code runner")
	}
}

func TestRegisterAllCapabilities(t *testing.T) {
	reg := loom.NewRegistry()
	RegisterAll(reg)

	flow := []string{TypeChatStart, TypeAgent, TypePromptTemplate, TypeLLMCompletion,
		TypeConditional, TypeMerge, TypeReroute, TypeFilter,
		TypeWebhookTrigger, TypeWebhookEnd, TypeCode}
	for _, nt := range flow {
		if !reg.IsFlowNode(nt) {
			t.Errorf("%s should be a flow node", nt)
		}
	}
	structural := []string{TypeModelSelector, TypeToolset, TypeMCPServer}
	for _, nt := range structural {
		if reg.IsFlowNode(nt) {
			t.Errorf("%s should not be a flow node", nt)
		}
		if _, ok := reg.Lookup(nt); !ok {
			t.Errorf("%s not registered", nt)
		}
	}
}
