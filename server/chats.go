package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nevindra/loom"
)

// chatPayload is the create-chat request body.
type chatPayload struct {
	Title   string `json:"title"`
	AgentID string `json:"agent_id"`
	Model   string `json:"model"`
}

// runPayload is the shared body of the run RPCs.
type runPayload struct {
	Content            string            `json:"content"`
	Model              string            `json:"model"`
	Options            map[string]any    `json:"options"`
	ToolIDs            []string          `json:"tool_ids"`
	Attachments        []loom.Attachment `json:"attachments"`
	MessageID          string            `json:"message_id"`
	AssistantMessageID string            `json:"assistant_message_id"`
}

func (p runPayload) runRequest(chatID string) loom.RunRequest {
	return loom.RunRequest{
		ChatID:      chatID,
		Content:     p.Content,
		Attachments: p.Attachments,
		Model:       p.Model,
		Options:     p.Options,
		ToolIDs:     p.ToolIDs,
	}
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var payload chatPayload
	if err := decodeBody(r, &payload); err != nil {
		s.writeError(w, err)
		return
	}
	chat := loom.Chat{
		ID:        loom.NewID(),
		Title:     payload.Title,
		AgentID:   payload.AgentID,
		Model:     payload.Model,
		CreatedAt: loom.NowUnix(),
		UpdatedAt: loom.NowUnix(),
	}
	if err := s.store.CreateChat(r.Context(), chat); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chat, err := s.store.GetChat(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, chat)
}

// handleListMessages returns the chat's active branch: root to active leaf.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	chat, err := s.store.GetChat(r.Context(), chatID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if chat.ActiveLeafMessageID == "" {
		s.writeJSON(w, http.StatusOK, []loom.ChatMessage{})
		return
	}
	path, err := s.tree.MessagePath(r.Context(), chatID, chat.ActiveLeafMessageID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, path)
}

func (s *Server) handleSiblings(w http.ResponseWriter, r *http.Request) {
	siblings, err := s.tree.Siblings(r.Context(), chi.URLParam(r, "chatID"), chi.URLParam(r, "messageID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, siblings)
}

func (s *Server) handleSetActiveLeaf(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MessageID string `json:"message_id"`
	}
	if err := decodeBody(r, &payload); err != nil {
		s.writeError(w, err)
		return
	}
	if payload.MessageID == "" {
		s.writeError(w, loom.Validationf("message_id is required"))
		return
	}
	if err := s.tree.SetActiveLeaf(r.Context(), chi.URLParam(r, "chatID"), payload.MessageID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"active_leaf_message_id": payload.MessageID})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var payload runPayload
	if err := decodeBody(r, &payload); err != nil {
		s.writeError(w, err)
		return
	}
	receipt, err := s.orch.StartRun(r.Context(), payload.runRequest(chi.URLParam(r, "chatID")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	var payload runPayload
	if err := decodeBody(r, &payload); err != nil {
		s.writeError(w, err)
		return
	}
	if payload.AssistantMessageID == "" {
		s.writeError(w, loom.Validationf("assistant_message_id is required"))
		return
	}
	receipt, err := s.orch.RetryRun(r.Context(), payload.runRequest(chi.URLParam(r, "chatID")), payload.AssistantMessageID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleEditRun(w http.ResponseWriter, r *http.Request) {
	var payload runPayload
	if err := decodeBody(r, &payload); err != nil {
		s.writeError(w, err)
		return
	}
	if payload.MessageID == "" {
		s.writeError(w, loom.Validationf("message_id is required"))
		return
	}
	receipt, err := s.orch.EditUserMessageRun(r.Context(), payload.runRequest(chi.URLParam(r, "chatID")), payload.MessageID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleContinueRun(w http.ResponseWriter, r *http.Request) {
	var payload runPayload
	if err := decodeBody(r, &payload); err != nil {
		s.writeError(w, err)
		return
	}
	if payload.AssistantMessageID == "" {
		s.writeError(w, loom.Validationf("assistant_message_id is required"))
		return
	}
	receipt, err := s.orch.ContinueRun(r.Context(), payload.runRequest(chi.URLParam(r, "chatID")), payload.AssistantMessageID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	s.orch.RequestCancel(chi.URLParam(r, "runID"))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var resp loom.ApprovalResponse
	if err := decodeBody(r, &resp); err != nil {
		s.writeError(w, err)
		return
	}
	runID := chi.URLParam(r, "runID")
	approvalID := chi.URLParam(r, "approvalID")
	if !s.orch.ResolveApproval(runID, approvalID, resp) {
		s.writeError(w, &loom.NotFoundError{Kind: "run", ID: runID})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
