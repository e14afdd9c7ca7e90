package loom

import (
	"context"
	"errors"
	"testing"
)

func testServices() *Services {
	return &Services{Logger: nopLogger}
}

func TestEdgeIndexFiltersByHandle(t *testing.T) {
	g := Graph{
		Nodes: []Node{{ID: "a", Type: "t"}, {ID: "b", Type: "t"}},
		Edges: []Edge{
			flowEdge("e1", "a", "", "b", ""),
			flowEdge("e2", "a", "alt", "b", "side"),
		},
	}
	rt, err := NewRuntime(g, "run1", "chat1", nil, testServices())
	if err != nil {
		t.Fatal(err)
	}

	if got := rt.IncomingEdges("b", ChannelFlow, ""); len(got) != 2 {
		t.Errorf("unfiltered incoming = %d", len(got))
	}
	if got := rt.IncomingEdges("b", ChannelFlow, "side"); len(got) != 1 || got[0].ID != "e2" {
		t.Errorf("filtered incoming = %v", got)
	}
	// "" on the edge equals the default handle when filtering.
	if got := rt.IncomingEdges("b", ChannelFlow, DefaultTargetHandle); len(got) != 1 || got[0].ID != "e1" {
		t.Errorf("default-handle incoming = %v", got)
	}
	if got := rt.OutgoingEdges("a", ChannelFlow, "alt"); len(got) != 1 || got[0].ID != "e2" {
		t.Errorf("filtered outgoing = %v", got)
	}
	if got := rt.OutgoingEdges("a", ChannelLink, ""); len(got) != 0 {
		t.Errorf("link outgoing = %v", got)
	}
}

func TestResolveLinksFlattensAndMemoizes(t *testing.T) {
	calls := 0
	mat := &matFunc{typ: "toolbox", fn: func(_ context.Context, _ Node, _ string, _ *FlowContext) (any, error) {
		calls++
		return []any{"hammer", "saw"}, nil
	}}
	single := &matFunc{typ: "model", fn: func(_ context.Context, _ Node, _ string, _ *FlowContext) (any, error) {
		return "gpt-test", nil
	}}

	g := Graph{
		Nodes: []Node{
			{ID: "tools", Type: "toolbox"},
			{ID: "m", Type: "model"},
			{ID: "agent", Type: "agent"},
		},
		Edges: []Edge{
			linkEdge("l1", "tools", "", "agent", "tools"),
			linkEdge("l2", "m", "", "agent", "model"),
		},
	}
	rt, err := NewRuntime(g, "run1", "", nil, testServices(),
		WithExecutorOverride("toolbox", mat),
		WithExecutorOverride("model", single),
	)
	if err != nil {
		t.Fatal(err)
	}

	got, err := rt.ResolveLinks(context.Background(), nil, "agent", "tools")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "hammer" || got[1] != "saw" {
		t.Errorf("tools = %v", got)
	}

	models, err := rt.ResolveLinks(context.Background(), nil, "agent", "model")
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 || models[0] != "gpt-test" {
		t.Errorf("model = %v", models)
	}

	// Memoized: a second resolve does not re-materialize.
	if _, err := rt.ResolveLinks(context.Background(), nil, "agent", "tools"); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("materialize calls = %d, want 1", calls)
	}
}

func TestResolveLinksUnknownNode(t *testing.T) {
	rt, err := NewRuntime(Graph{}, "run1", "", nil, testServices())
	if err != nil {
		t.Fatal(err)
	}
	_, err = rt.ResolveLinks(context.Background(), nil, "ghost", "tools")
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "node" {
		t.Fatalf("err = %v", err)
	}
}

func TestMaterializeOutputErrors(t *testing.T) {
	boom := errors.New("boom")
	failing := &matFunc{typ: "bad", fn: func(context.Context, Node, string, *FlowContext) (any, error) {
		return nil, boom
	}}
	plain := &flowFunc{typ: "plain", fn: func(context.Context, Node, map[string]DataValue, *FlowContext) (*ExecutionResult, error) {
		return &ExecutionResult{}, nil
	}}

	g := Graph{Nodes: []Node{{ID: "bad", Type: "bad"}, {ID: "plain", Type: "plain"}}}
	rt, err := NewRuntime(g, "run1", "", nil, testServices(),
		WithExecutorOverride("bad", failing),
		WithExecutorOverride("plain", plain),
	)
	if err != nil {
		t.Fatal(err)
	}

	_, err = rt.MaterializeOutput(context.Background(), nil, "bad", DefaultSourceHandle)
	var ne *NodeError
	if !errors.As(err, &ne) || !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	// A node without the materialize capability is a validation error.
	_, err = rt.MaterializeOutput(context.Background(), nil, "plain", DefaultSourceHandle)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v", err)
	}

	// Unknown executor type.
	rt2, err := NewRuntime(Graph{Nodes: []Node{{ID: "x", Type: "mystery"}}}, "run1", "", NewRegistry(), testServices())
	if err != nil {
		t.Fatal(err)
	}
	_, err = rt2.MaterializeOutput(context.Background(), nil, "x", DefaultSourceHandle)
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "executor" {
		t.Fatalf("err = %v", err)
	}
}

func TestLinkCycleDetected(t *testing.T) {
	// a materializes by resolving its own links from b, and vice versa.
	mkMat := func(typ, peer string) *matFunc {
		return &matFunc{typ: typ, fn: func(ctx context.Context, _ Node, _ string, fc *FlowContext) (any, error) {
			return fc.Runtime.ResolveLinks(ctx, fc, peer, "input")
		}}
	}
	g := Graph{
		Nodes: []Node{{ID: "a", Type: "ta"}, {ID: "b", Type: "tb"}},
		Edges: []Edge{
			linkEdge("l1", "a", "", "b", "input"),
			linkEdge("l2", "b", "", "a", "input"),
		},
	}
	rt, err := NewRuntime(g, "run1", "", nil, testServices(),
		WithExecutorOverride("ta", mkMat("ta", "b")),
		WithExecutorOverride("tb", mkMat("tb", "a")),
	)
	if err != nil {
		t.Fatal(err)
	}

	_, err = rt.ResolveLinks(context.Background(), nil, "a", "input")
	var ce *CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v", err)
	}
	if len(ce.Path) == 0 {
		t.Error("empty cycle path")
	}
}

func TestRuntimeConfiguratorHook(t *testing.T) {
	hook := &configuringExec{typ: "cfg"}
	g := Graph{Nodes: []Node{
		{ID: "n1", Type: "cfg"},
		{ID: "n2", Type: "cfg"}, // same type, hook still runs once
	}}
	_, err := NewRuntime(g, "run1", "", nil, testServices(), WithExecutorOverride("cfg", hook))
	if err != nil {
		t.Fatal(err)
	}
	if hook.configured != 1 {
		t.Errorf("ConfigureRuntime calls = %d, want 1", hook.configured)
	}
}

type configuringExec struct {
	typ        string
	configured int
}

func (c *configuringExec) NodeType() string { return c.typ }

func (c *configuringExec) Execute(context.Context, Node, map[string]DataValue, *FlowContext) (*ExecutionResult, error) {
	return &ExecutionResult{}, nil
}

func (c *configuringExec) ConfigureRuntime(*Runtime) error {
	c.configured++
	return nil
}
