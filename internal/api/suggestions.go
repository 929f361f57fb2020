package api

import (
	"net/http"

	"github.com/nugget/hearth/internal/suggestions"
)

func (s *Server) handleSuggestionList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Suggestions == nil {
		s.unavailable(w, "suggestion store")
		return
	}
	list, err := s.deps.Suggestions.List(r.Context(), r.URL.Query().Get("status"), parseIntParam(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*suggestions.Suggestion{}
	}
	s.respond(w, http.StatusOK, map[string]any{
		"count":       len(list),
		"suggestions": list,
	})
}

func (s *Server) handleSuggestionCreate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Suggestions == nil {
		s.unavailable(w, "suggestion store")
		return
	}
	var sg suggestions.Suggestion
	if err := decode(r, &sg); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Suggestions.Create(r.Context(), &sg); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, &sg)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleSuggestionStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Suggestions == nil {
		s.unavailable(w, "suggestion store")
		return
	}
	var req statusRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sg, err := s.deps.Suggestions.UpdateStatus(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, sg)
}
