package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nevindra/loom"
)

// agentPayload is the save-agent request body.
type agentPayload struct {
	Name  string     `json:"name"`
	Graph loom.Graph `json:"graph"`
}

// handleSaveAgent validates and persists an agent graph, then re-indexes
// its node-owned routes so a webhook path change takes effect immediately.
func (s *Server) handleSaveAgent(w http.ResponseWriter, r *http.Request) {
	var payload agentPayload
	if err := decodeBody(r, &payload); err != nil {
		s.writeError(w, err)
		return
	}
	normalized, err := loom.Normalize(payload.Graph)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rec := loom.AgentRecord{
		ID:        chi.URLParam(r, "agentID"),
		Name:      payload.Name,
		Graph:     normalized,
		UpdatedAt: loom.NowUnix(),
	}
	if err := s.store.SaveAgent(r.Context(), rec); err != nil {
		s.writeError(w, err)
		return
	}
	s.routes.UpdateAgent(rec)
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := s.store.DeleteAgent(r.Context(), agentID); err != nil {
		s.writeError(w, err)
		return
	}
	s.routes.RemoveAgent(agentID)
	w.WriteHeader(http.StatusNoContent)
}
