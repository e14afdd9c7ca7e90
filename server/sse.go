package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nevindra/loom"
)

// handleChatEvents serves GET /chats/{chatID}/events as a server-sent event
// stream. Replay of recent events happens inside Subscribe, so a client
// reconnecting mid-run catches up in order. When no stream is active the
// endpoint answers with a single StreamNotActive event so the client knows
// to reload from the store instead of waiting.
func (s *Server) handleChatEvents(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	flusher, ok := sseStart(w)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	sub, err := s.broadcaster.Subscribe(chatID)
	if errors.Is(err, loom.ErrStreamNotActive) {
		writeSSE(w, flusher, loom.Event{Name: loom.EventStreamNotActive})
		return
	}
	if err != nil {
		writeSSE(w, flusher, loom.Event{Name: loom.EventRunError, Payload: map[string]any{
			"error": loom.CleanErrorMessage(err.Error()),
		}})
		return
	}
	defer s.broadcaster.Unsubscribe(chatID, sub)

	writeSSE(w, flusher, loom.Event{Name: loom.EventStreamSubscribed})
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			writeSSE(w, flusher, ev)
		}
	}
}

// sseStart sets the stream headers and returns the flusher.
func sseStart(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

// writeSSE frames one event in SSE wire format and flushes it.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev loom.Event) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		data = []byte("{}")
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	flusher.Flush()
}
