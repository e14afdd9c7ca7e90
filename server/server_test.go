package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nevindra/loom"
	"github.com/nevindra/loom/nodes"
	"github.com/nevindra/loom/store/sqlite"
)

// mockProvider returns a fixed completion for every request.
type mockProvider struct {
	reply string
}

func (p *mockProvider) Name() string { return "mock" }

func (p *mockProvider) Stream(ctx context.Context, req loom.ModelRequest, ch chan<- loom.ProviderEvent) (loom.ModelResult, error) {
	ch <- loom.ProviderEvent{Type: loom.ProviderEventDelta, Text: p.reply}
	return loom.ModelResult{Content: p.reply}, nil
}

type testEnv struct {
	store   loom.Store
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := sqlite.New(filepath.Join(t.TempDir(), "loom.db"))
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := loom.NewRegistry()
	nodes.RegisterAll(reg)

	services := &loom.Services{
		Models: loom.NewProviderSet(&mockProvider{reply: "mock reply"}),
		Tools:  loom.NewToolRegistry(),
	}
	tree := loom.NewTree(store)
	broadcaster := loom.NewBroadcaster(loom.WithStreamMirror(store))
	control := loom.NewRunControl()
	orch := loom.NewOrchestrator(store, tree, broadcaster, control, reg, services)
	routes := loom.NewRouteIndex(reg)

	srv := New(store, orch, tree, broadcaster, routes)
	return &testEnv{store: store, handler: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeResponse[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %s: %v", w.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCreateAndGetChat(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/chats", map[string]string{"title": "demo", "model": "mock:base"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	chat := decodeResponse[loom.Chat](t, w)
	if chat.ID == "" || chat.Title != "demo" {
		t.Fatalf("chat = %+v", chat)
	}

	w = env.do(t, http.MethodGet, "/chats/"+chat.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/chats/does-not-exist", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing chat status = %d, want 404", w.Code)
	}
}

// webhookAgent saves an agent whose graph is webhook-trigger -> webhook-end
// and returns its id.
func webhookAgent(t *testing.T, env *testEnv, triggerData map[string]any) string {
	t.Helper()
	if triggerData == nil {
		triggerData = map[string]any{}
	}
	if _, ok := triggerData["path"]; !ok {
		triggerData["path"] = "orders"
	}
	graph := loom.Graph{
		Nodes: []loom.Node{
			{ID: "hook", Type: nodes.TypeWebhookTrigger, Data: triggerData},
			{ID: "end", Type: nodes.TypeWebhookEnd, Data: map[string]any{"statusCode": 201.0}},
		},
		Edges: []loom.Edge{{
			ID: "hook-end", Source: "hook", Target: "end",
			Data: map[string]any{"channel": string(loom.ChannelFlow)},
		}},
	}
	w := env.do(t, http.MethodPut, "/agents/hooks", map[string]any{"name": "hooks", "graph": graph})
	if w.Code != http.StatusOK {
		t.Fatalf("save agent status = %d: %s", w.Code, w.Body.String())
	}
	return "hooks"
}

func TestWebhookDispatchEchoesThroughEnd(t *testing.T) {
	env := newTestEnv(t)
	webhookAgent(t, env, nil)

	w := env.do(t, http.MethodPost, "/webhooks/orders", map[string]any{"order": 42})
	if w.Code != 201 {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	body := decodeResponse[map[string]any](t, w)
	if body["order"] != 42.0 {
		t.Errorf("body = %v", body)
	}
}

func TestWebhookUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/webhooks/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestWebhookSecretEnforced(t *testing.T) {
	env := newTestEnv(t)
	webhookAgent(t, env, map[string]any{"secret": "s3cret"})

	w := env.do(t, http.MethodPost, "/webhooks/orders", map[string]any{"k": "v"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing secret status = %d, want 401", w.Code)
	}

	payload, _ := json.Marshal(map[string]any{"k": "v"})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/orders", bytes.NewReader(payload))
	req.Header.Set(secretHeader, "s3cret")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != 201 {
		t.Fatalf("with secret status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookSchemaValidation(t *testing.T) {
	env := newTestEnv(t)
	webhookAgent(t, env, map[string]any{
		"schema": map[string]any{
			"type":     "object",
			"required": []any{"order"},
		},
	})

	w := env.do(t, http.MethodPost, "/webhooks/orders", map[string]any{"wrong": true})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid payload status = %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/webhooks/orders", map[string]any{"order": 1})
	if w.Code != 201 {
		t.Fatalf("valid payload status = %d: %s", w.Code, w.Body.String())
	}
}

func TestWebhookRequestEnvelope(t *testing.T) {
	env := newTestEnv(t)
	graph := loom.Graph{
		Nodes: []loom.Node{
			{ID: "hook", Type: nodes.TypeWebhookTrigger, Data: map[string]any{"path": "orders"}},
			{ID: "end", Type: nodes.TypeWebhookEnd},
		},
		Edges: []loom.Edge{{
			ID: "hook-end", Source: "hook", SourceHandle: "request", Target: "end",
			Data: map[string]any{"channel": string(loom.ChannelFlow)},
		}},
	}
	w := env.do(t, http.MethodPut, "/agents/hooks", map[string]any{"name": "hooks", "graph": graph})
	if w.Code != http.StatusOK {
		t.Fatalf("save agent status = %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/webhooks/orders?foo=bar", map[string]any{"order": 7})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	envlp := decodeResponse[map[string]any](t, w)
	if envlp["method"] != http.MethodPost || envlp["hook_id"] != "orders" {
		t.Errorf("envelope = %v", envlp)
	}
	if envlp["path"] != "/webhooks/orders" || envlp["remote"] == "" {
		t.Errorf("envelope = %v", envlp)
	}
	if q, ok := envlp["query"].(map[string]any); !ok || q["foo"] != "bar" {
		t.Errorf("query = %v", envlp["query"])
	}
	if body, ok := envlp["body"].(map[string]any); !ok || body["order"] != 7.0 {
		t.Errorf("body = %v", envlp["body"])
	}
	if envlp["received_at"] == nil {
		t.Error("received_at missing")
	}
}

func TestWebhookStreamSelectedByRequest(t *testing.T) {
	env := newTestEnv(t)
	webhookAgent(t, env, nil)

	// Query flag.
	w := env.do(t, http.MethodPost, "/webhooks/orders?stream=1", map[string]any{"k": "v"})
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q: %s", ct, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "event: "+loom.EventFlowNodeStarted) ||
		!strings.Contains(body, "event: "+loom.EventRunCompleted) {
		t.Errorf("stream body = %q", body)
	}

	// Accept header.
	payload, _ := json.Marshal(map[string]any{"k": "v"})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/orders", bytes.NewReader(payload))
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
}

func TestWebhookNonJSONBodyPassedAsText(t *testing.T) {
	env := newTestEnv(t)
	webhookAgent(t, env, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/orders", strings.NewReader("plain text, not json"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != 201 {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body != "plain text, not json" {
		t.Errorf("body = %q err = %v", rec.Body.String(), err)
	}
}

func TestWebhookRouteMovesOnResave(t *testing.T) {
	env := newTestEnv(t)
	webhookAgent(t, env, nil)

	// Re-save under a new path: the old route must stop resolving.
	graph := loom.Graph{
		Nodes: []loom.Node{
			{ID: "hook", Type: nodes.TypeWebhookTrigger, Data: map[string]any{"path": "renamed"}},
			{ID: "end", Type: nodes.TypeWebhookEnd},
		},
		Edges: []loom.Edge{{
			ID: "hook-end", Source: "hook", Target: "end",
			Data: map[string]any{"channel": string(loom.ChannelFlow)},
		}},
	}
	w := env.do(t, http.MethodPut, "/agents/hooks", map[string]any{"name": "hooks", "graph": graph})
	if w.Code != http.StatusOK {
		t.Fatalf("re-save status = %d", w.Code)
	}

	if w := env.do(t, http.MethodPost, "/webhooks/orders", nil); w.Code != http.StatusNotFound {
		t.Errorf("old route status = %d, want 404", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/webhooks/renamed", nil); w.Code == http.StatusNotFound {
		t.Errorf("new route not indexed")
	}
}

func TestStartRunCompletes(t *testing.T) {
	env := newTestEnv(t)
	chat := decodeResponse[loom.Chat](t, env.do(t, http.MethodPost, "/chats", map[string]string{
		"title": "run", "model": "mock:base",
	}))

	w := env.do(t, http.MethodPost, "/chats/"+chat.ID+"/runs", map[string]any{"content": "hello"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("run status = %d: %s", w.Code, w.Body.String())
	}
	receipt := decodeResponse[loom.RunReceipt](t, w)
	if receipt.RunID == "" || receipt.AssistantMessageID == "" {
		t.Fatalf("receipt = %+v", receipt)
	}

	msg := waitComplete(t, env.store, chat.ID, receipt.AssistantMessageID)
	blocks, ok := loom.DecodeBlocks(msg.Content)
	if !ok || len(blocks) == 0 {
		t.Fatalf("assistant content = %q", msg.Content)
	}
	if blocks[0].Type != loom.BlockText || blocks[0].Content != "mock reply" {
		t.Errorf("blocks = %+v", blocks)
	}
}

func waitComplete(t *testing.T, store loom.Store, chatID, messageID string) loom.ChatMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := store.GetMessage(context.Background(), chatID, messageID)
		if err == nil && msg.IsComplete {
			return msg
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("message %s never completed", messageID)
	return loom.ChatMessage{}
}

// chatAgent saves a chat-start -> agent graph backed by the mock provider
// and returns its id.
func chatAgent(t *testing.T, env *testEnv) string {
	t.Helper()
	graph := loom.Graph{
		Nodes: []loom.Node{
			{ID: "start", Type: loom.NodeTypeChatStart},
			{ID: "assistant", Type: nodes.TypeAgent, Data: map[string]any{"model": "mock:base"}},
		},
		Edges: []loom.Edge{{
			ID: "start-assistant", Source: "start", Target: "assistant",
			Data: map[string]any{"channel": string(loom.ChannelFlow)},
		}},
	}
	w := env.do(t, http.MethodPut, "/agents/direct", map[string]any{"name": "direct", "graph": graph})
	if w.Code != http.StatusOK {
		t.Fatalf("save agent status = %d: %s", w.Code, w.Body.String())
	}
	return "direct"
}

func TestStreamAgentRunEphemeral(t *testing.T) {
	env := newTestEnv(t)
	id := chatAgent(t, env)

	w := env.do(t, http.MethodPost, "/agents/"+id+"/runs/stream", map[string]any{
		"ephemeral": true,
		"messages":  []map[string]string{{"role": "user", "content": "hi"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	for _, want := range []string{
		"event: " + loom.EventStreamSubscribed,
		"event: " + loom.EventRunContent,
		"mock reply",
		"event: " + loom.EventRunCompleted,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

func TestStreamFlowRunFromCachedOutputs(t *testing.T) {
	env := newTestEnv(t)
	graph := loom.Graph{
		Nodes: []loom.Node{
			{ID: "a", Type: nodes.TypePromptTemplate, Data: map[string]any{"template": "from-a"}},
			{ID: "b", Type: nodes.TypePromptTemplate},
		},
		Edges: []loom.Edge{{
			ID: "a-b", Source: "a", Target: "b",
			Data: map[string]any{"channel": string(loom.ChannelFlow)},
		}},
	}
	w := env.do(t, http.MethodPut, "/agents/partial", map[string]any{"name": "partial", "graph": graph})
	if w.Code != http.StatusOK {
		t.Fatalf("save agent status = %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/agents/partial/flow-runs/stream", map[string]any{
		"mode":           "runFrom",
		"target_node_id": "b",
		"cached_outputs": map[string]any{
			"a": map[string]any{"output": map[string]any{"type": "text", "value": "cached"}},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "event: "+loom.EventFlowNodeStarted) {
		t.Fatalf("no node events:\n%s", body)
	}
	if strings.Contains(body, `"node_id":"a"`) {
		t.Errorf("cached node re-ran:\n%s", body)
	}
	if !strings.Contains(body, `"node_id":"b"`) {
		t.Errorf("target node did not run:\n%s", body)
	}
	if !strings.Contains(body, "event: "+loom.EventRunCompleted) {
		t.Errorf("no terminal event:\n%s", body)
	}
}

func TestStreamFlowRunUnknownMode(t *testing.T) {
	env := newTestEnv(t)
	webhookAgent(t, env, nil)

	w := env.do(t, http.MethodPost, "/agents/hooks/flow-runs/stream", map[string]any{"mode": "bogus"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "event: "+loom.EventRunError) {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestChatEventsNoActiveStream(t *testing.T) {
	env := newTestEnv(t)
	chat := decodeResponse[loom.Chat](t, env.do(t, http.MethodPost, "/chats", map[string]string{"title": "idle"}))

	w := env.do(t, http.MethodGet, "/chats/"+chat.ID+"/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "event: "+loom.EventStreamNotActive) {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestMessageHTML(t *testing.T) {
	env := newTestEnv(t)
	chat := decodeResponse[loom.Chat](t, env.do(t, http.MethodPost, "/chats", map[string]string{"title": "md"}))

	msg, err := env.store.AppendMessage(context.Background(), loom.ChatMessage{
		ID: loom.NewID(), ChatID: chat.ID, Role: loom.RoleAssistant,
		Content: "# Title\n\nsome *emphasis*", IsComplete: true, CreatedAt: loom.NowUnix(),
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	w := env.do(t, http.MethodGet, "/chats/"+chat.ID+"/messages/"+msg.ID+"/html", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	html := w.Body.String()
	if !strings.Contains(html, "<h1") || !strings.Contains(html, "<em>") {
		t.Errorf("html = %q", html)
	}
}

func TestApprovalUnknownRun(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/runs/nope/approvals/a1", map[string]any{"approved": true})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCancelIsAlwaysAccepted(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/runs/any-run/cancel", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
}
