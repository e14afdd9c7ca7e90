// Package server exposes the runtime over HTTP: chat run RPCs, SSE event
// streams, agent management, message rendering, and node-owned routes such
// as webhook dispatch.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nevindra/loom"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }

// Server is the HTTP surface over the runtime's collaborators.
type Server struct {
	store       loom.Store
	orch        *loom.Orchestrator
	tree        *loom.Tree
	broadcaster *loom.Broadcaster
	routes      *loom.RouteIndex
	logger      *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New wires the HTTP surface over its collaborators.
func New(store loom.Store, orch *loom.Orchestrator, tree *loom.Tree, b *loom.Broadcaster, routes *loom.RouteIndex, opts ...Option) *Server {
	s := &Server{
		store:       store,
		orch:        orch,
		tree:        tree,
		broadcaster: b,
		routes:      routes,
		logger:      slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/chats", func(r chi.Router) {
		r.Post("/", s.handleCreateChat)
		r.Route("/{chatID}", func(r chi.Router) {
			r.Get("/", s.handleGetChat)
			r.Get("/messages", s.handleListMessages)
			r.Get("/messages/{messageID}/siblings", s.handleSiblings)
			r.Get("/messages/{messageID}/html", s.handleMessageHTML)
			r.Post("/active-leaf", s.handleSetActiveLeaf)
			r.Get("/events", s.handleChatEvents)
			r.Route("/runs", func(r chi.Router) {
				r.Post("/", s.handleStartRun)
				r.Post("/retry", s.handleRetryRun)
				r.Post("/edit", s.handleEditRun)
				r.Post("/continue", s.handleContinueRun)
			})
		})
	})

	r.Post("/runs/{runID}/cancel", s.handleCancelRun)
	r.Post("/runs/{runID}/approvals/{approvalID}", s.handleApproval)

	r.Route("/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Put("/{agentID}", s.handleSaveAgent)
		r.Get("/{agentID}", s.handleGetAgent)
		r.Delete("/{agentID}", s.handleDeleteAgent)
		r.Post("/{agentID}/runs/stream", s.handleStreamAgentRun)
		r.Post("/{agentID}/flow-runs/stream", s.handleStreamFlowRun)
	})

	r.Post("/webhooks/{hookID}", s.handleWebhook)
	r.HandleFunc("/nodes/{nodeType}/{routeID}", s.handleNodeRoute)

	return r
}

// writeJSON encodes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("server: response encode failed", "error", err)
	}
}

// writeError maps the error taxonomy to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		notFound   *loom.NotFoundError
		validation *loom.ValidationError
		resolution *loom.ModelResolutionError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &validation), errors.As(err, &resolution):
		status = http.StatusBadRequest
	case errors.Is(err, loom.ErrStreamNotActive):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("server: request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": loom.CleanErrorMessage(err.Error())})
}

// decodeBody decodes a JSON request body into dst. An empty body is not an
// error; dst keeps its zero value.
func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 10<<20))
	if err != nil {
		return loom.Validationf("request body: %v", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return loom.Validationf("request body: %v", err)
	}
	return nil
}
