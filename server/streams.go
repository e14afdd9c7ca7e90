package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nevindra/loom"
)

// agentRunPayload is the body of POST /agents/{agentID}/runs/stream.
type agentRunPayload struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	ChatID    string `json:"chat_id"`
	Ephemeral bool   `json:"ephemeral"`
}

// flowRunPayload is the body of POST /agents/{agentID}/flow-runs/stream.
type flowRunPayload struct {
	Mode          string                               `json:"mode"`
	TargetNodeID  string                               `json:"target_node_id"`
	CachedOutputs map[string]map[string]loom.DataValue `json:"cached_outputs"`
	NodeIDs       []string                             `json:"node_ids"`
	PromptInput   string                               `json:"prompt_input"`
}

// handleStreamAgentRun runs an agent directly against supplied messages and
// streams its events back over SSE. Ephemeral runs persist nothing.
func (s *Server) handleStreamAgentRun(w http.ResponseWriter, r *http.Request) {
	var payload agentRunPayload
	if err := decodeBody(r, &payload); err != nil {
		s.writeError(w, err)
		return
	}
	req := loom.AgentRunRequest{
		AgentID:   chi.URLParam(r, "agentID"),
		ChatID:    payload.ChatID,
		Ephemeral: payload.Ephemeral,
	}
	for _, m := range payload.Messages {
		req.Messages = append(req.Messages, loom.ChatMessage{Role: m.Role, Content: m.Content})
	}
	s.streamRun(w, r, func(ch chan<- loom.NodeEvent) error {
		_, err := s.orch.StreamAgentRun(r.Context(), req, ch)
		return err
	})
}

// handleStreamFlowRun executes an agent's graph flow-only, optionally
// restricted to entry nodes or resumed from cached outputs, streaming node
// events over SSE.
func (s *Server) handleStreamFlowRun(w http.ResponseWriter, r *http.Request) {
	var payload flowRunPayload
	if err := decodeBody(r, &payload); err != nil {
		s.writeError(w, err)
		return
	}
	req := loom.FlowRunRequest{
		AgentID:       chi.URLParam(r, "agentID"),
		Mode:          payload.Mode,
		TargetNodeID:  payload.TargetNodeID,
		CachedOutputs: payload.CachedOutputs,
		NodeIDs:       payload.NodeIDs,
		PromptInput:   payload.PromptInput,
	}
	s.streamRun(w, r, func(ch chan<- loom.NodeEvent) error {
		_, err := s.orch.StreamFlowRun(r.Context(), req, ch)
		return err
	})
}

// streamRun frames a synchronous run as an SSE response: subscribe marker,
// every node event in order, then the terminal event. The forwarder is the
// sole writer until the run returns.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, run func(chan<- loom.NodeEvent) error) {
	flusher, ok := sseStart(w)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	writeSSE(w, flusher, loom.Event{Name: loom.EventStreamSubscribed})

	events := make(chan loom.NodeEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			writeSSE(w, flusher, ev.WireEvent())
		}
	}()
	err := run(events)
	close(events)
	<-done

	switch {
	case err == nil:
		writeSSE(w, flusher, loom.Event{Name: loom.EventRunCompleted})
	case r.Context().Err() != nil:
		// Client went away mid-run; nothing left to tell it.
	default:
		writeSSE(w, flusher, loom.Event{Name: loom.EventRunError, Payload: map[string]any{
			"error": loom.CleanErrorMessage(err.Error()),
		}})
	}
}
