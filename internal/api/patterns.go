package api

import (
	"net/http"

	"github.com/nugget/hearth/internal/patterns"
)

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Patterns == nil {
		s.unavailable(w, "pattern store")
		return
	}
	scope := scopeParam(r)
	minConf := parseFloatParam(r, "min_confidence", 0)

	var (
		list []*patterns.Pattern
		err  error
	)
	if t := r.URL.Query().Get("type"); t != "" {
		list, err = s.deps.Patterns.ByType(r.Context(), scope, t, minConf)
	} else {
		list, err = s.deps.Patterns.LearnedPatterns(r.Context(), scope, minConf)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*patterns.Pattern{}
	}
	s.respond(w, http.StatusOK, map[string]any{
		"scope":    scope,
		"count":    len(list),
		"patterns": list,
	})
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	if s.deps.Patterns == nil {
		s.unavailable(w, "pattern store")
		return
	}
	insights, err := s.deps.Patterns.Insights(r.Context(), scopeParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, insights)
}

type feedbackRequest struct {
	Scope          string `json:"scope,omitempty"`
	SuggestionType string `json:"suggestion_type"`
	Rating         string `json:"rating"` // "up" or "down"
	Comment        string `json:"comment,omitempty"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if s.deps.Patterns == nil {
		s.unavailable(w, "pattern store")
		return
	}
	var req feedbackRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Scope == "" {
		req.Scope = patterns.GlobalScope
	}
	fb, err := s.deps.Patterns.RecordFeedback(r.Context(), req.Scope, req.SuggestionType, req.Rating, req.Comment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, fb)
}
