package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nevindra/loom"
	"github.com/nevindra/loom/nodes"
)

// secretHeader carries the shared secret a webhook trigger may demand.
const secretHeader = "X-Webhook-Secret"

// handleWebhook dispatches POST /webhooks/{hookID} to the graph owning the
// trigger with that path.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	s.dispatchRoute(w, r, nodes.TypeWebhookTrigger, chi.URLParam(r, "hookID"))
}

// handleNodeRoute dispatches the generic node-owned route surface:
// /nodes/{nodeType}/{routeID}.
func (s *Server) handleNodeRoute(w http.ResponseWriter, r *http.Request) {
	s.dispatchRoute(w, r, chi.URLParam(r, "nodeType"), chi.URLParam(r, "routeID"))
}

// dispatchRoute resolves a node-owned route, checks the trigger's secret and
// payload schema, and runs the owning graph from the trigger node. The
// trigger's respond mode selects the reply shape: a synchronous JSON
// response built by webhook-end (default), fire-and-forget 202, or a live
// SSE event stream.
func (s *Server) dispatchRoute(w http.ResponseWriter, r *http.Request, nodeType, routeID string) {
	target, ok := s.routes.Lookup(nodeType, routeID)
	if !ok {
		s.writeError(w, &loom.NotFoundError{Kind: "webhook", ID: routeID})
		return
	}
	rec, err := s.store.GetAgent(r.Context(), target.AgentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	g, err := loom.Normalize(rec.Graph)
	if err != nil {
		s.writeError(w, err)
		return
	}
	trigger, ok := g.NodeByID(target.NodeID)
	if !ok {
		s.writeError(w, &loom.NotFoundError{Kind: "node", ID: target.NodeID})
		return
	}

	if secret := nodeString(trigger, "secret"); secret != "" {
		provided := r.Header.Get(secretHeader)
		if subtle.ConstantTimeCompare([]byte(secret), []byte(provided)) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid webhook secret"})
			return
		}
	}

	payload := parseWebhookBody(r)
	if schemaDoc, ok := trigger.Data["schema"]; ok && schemaDoc != nil {
		if err := validatePayload(schemaDoc, payload); err != nil {
			s.writeError(w, err)
			return
		}
	}

	headers := flattenHeaders(r.Header)
	state := map[string]any{
		nodes.StateWebhookPayload: payload,
		nodes.StateWebhookHeaders: headers,
		nodes.StateWebhookRequest: map[string]any{
			"body":        payload,
			"headers":     headers,
			"query":       flattenQuery(r.URL.Query()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote":      r.RemoteAddr,
			"received_at": loom.NowUnix(),
			"hook_id":     routeID,
		},
	}
	entry := loom.WithEntryNodes(target.NodeID)

	// The request picks the reply shape: an SSE request streams the run
	// regardless of trigger config.
	if wantsStream(r) {
		s.streamFlow(w, r, g, state, entry)
		return
	}
	switch nodeString(trigger, "respond") {
	case "sse":
		s.streamFlow(w, r, g, state, entry)
	case "immediately":
		runCtx := context.WithoutCancel(r.Context())
		go func() {
			if _, err := s.orch.RunFlow(runCtx, g, state, nil, entry); err != nil {
				s.logger.Error("server: webhook run failed", "route_id", routeID, "error", err)
			}
		}()
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	default:
		if _, err := s.orch.RunFlow(r.Context(), g, state, nil, entry); err != nil {
			s.writeError(w, err)
			return
		}
		body, produced := state[nodes.StateWebhookResponse]
		if !produced {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		status := http.StatusOK
		if code, ok := state[nodes.StateWebhookStatus].(int); ok {
			status = code
		}
		s.writeJSON(w, status, body)
	}
}

// streamFlow runs the graph while relaying node events to the client as
// server-sent events, ending with a terminal done or error event.
func (s *Server) streamFlow(w http.ResponseWriter, r *http.Request, g loom.Graph, state map[string]any, opts ...loom.FlowOption) {
	flusher, ok := sseStart(w)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	events := make(chan loom.NodeEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			writeSSE(w, flusher, ev.WireEvent())
		}
	}()

	_, err := s.orch.RunFlow(r.Context(), g, state, events, opts...)
	close(events)
	<-done

	if err != nil {
		writeSSE(w, flusher, loom.Event{Name: loom.EventRunError, Payload: map[string]any{
			"error": loom.CleanErrorMessage(err.Error()),
		}})
		return
	}
	writeSSE(w, flusher, loom.Event{Name: loom.EventRunCompleted})
}

// parseWebhookBody reads the request body best-effort: JSON when it parses,
// otherwise the raw text. Webhook senders are not all well-behaved about
// content types, so a non-JSON body is data, not an error.
func parseWebhookBody(r *http.Request) any {
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 10<<20))
	if err != nil || len(raw) == 0 {
		return nil
	}
	var v any
	if json.Unmarshal(raw, &v) == nil {
		return v
	}
	return string(raw)
}

// wantsStream reports whether the request asked for an SSE reply.
func wantsStream(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	q := r.URL.Query().Get("stream")
	return q == "1" || q == "true"
}

// flattenQuery reduces query params to single values for the trigger
// envelope.
func flattenQuery(q url.Values) map[string]any {
	out := make(map[string]any, len(q))
	for k := range q {
		out[k] = q.Get(k)
	}
	return out
}

// validatePayload checks the request payload against the trigger's JSON
// schema config.
func validatePayload(schemaDoc, payload any) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return loom.Validationf("webhook schema: %v", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return loom.Validationf("webhook schema: %v", err)
	}
	if err := schema.Validate(payload); err != nil {
		return loom.Validationf("webhook payload: %v", err)
	}
	return nil
}

// flattenHeaders reduces headers to single values for the trigger output.
func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// nodeString reads a string field from node config.
func nodeString(n loom.Node, key string) string {
	if n.Data == nil {
		return ""
	}
	s, _ := n.Data[key].(string)
	return s
}
