package api

import (
	"net/http"

	"github.com/nugget/hearth/internal/assistant"
)

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		s.unavailable(w, "assistant")
		return
	}
	var req assistant.Request
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.deps.Chat.Chat(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, resp)
}

type contextRequest struct {
	Message string `json:"message,omitempty"`
	Full    bool   `json:"full,omitempty"`
	Refresh bool   `json:"refresh,omitempty"`
}

type contextResponse struct {
	Mode    string `json:"mode"` // "full" or "relevant"
	Context string `json:"context"`
}

// handleContext renders the house context exactly as the model would
// see it. Without a message it renders the full catalog.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	if s.deps.Context == nil {
		s.unavailable(w, "context compactor")
		return
	}
	var req contextRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	var (
		resp contextResponse
		err  error
	)
	if req.Full || req.Message == "" {
		resp.Mode = "full"
		resp.Context, err = s.deps.Context.Full(r.Context(), req.Refresh)
	} else {
		resp.Mode = "relevant"
		resp.Context, err = s.deps.Context.Relevant(r.Context(), req.Message, req.Refresh)
	}
	if err != nil {
		// Nothing cached to fall back on, so the backend is unreachable.
		s.logger.Warn("context render failed", "mode", resp.Mode, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "house context unavailable: "+err.Error())
		return
	}
	s.respond(w, http.StatusOK, resp)
}
