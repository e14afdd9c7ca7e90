package server

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/nevindra/loom"
)

// markdown renders assistant text. GFM covers tables and strikethrough,
// which models emit routinely.
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// handleMessageHTML serves a message's text content rendered to HTML. Tool
// call and reasoning blocks are skipped; only what the user reads as the
// answer is rendered.
func (s *Server) handleMessageHTML(w http.ResponseWriter, r *http.Request) {
	msg, err := s.store.GetMessage(r.Context(), chi.URLParam(r, "chatID"), chi.URLParam(r, "messageID"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := markdown.Convert([]byte(messageText(msg)), &buf); err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// messageText extracts the renderable text of a message: plain content, or
// the concatenated text blocks of a structured one.
func messageText(msg loom.ChatMessage) string {
	blocks, structured := loom.DecodeBlocks(msg.Content)
	if !structured {
		return msg.Content
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == loom.BlockText && b.Content != "" {
			parts = append(parts, b.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}
