package api

import (
	"net/http"
)

func (s *Server) handleEnergyAnalysis(w http.ResponseWriter, r *http.Request) {
	if s.deps.Energy == nil {
		s.unavailable(w, "energy miner")
		return
	}
	a, err := s.deps.Energy.LatestAnalysis(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if a == nil {
		s.errorResponse(w, http.StatusNotFound, "no energy analysis yet")
		return
	}
	s.respond(w, http.StatusOK, a)
}

func (s *Server) handleEnergyCapture(w http.ResponseWriter, r *http.Request) {
	if s.deps.Energy == nil {
		s.unavailable(w, "energy miner")
		return
	}
	snap, err := s.deps.Energy.Capture(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, snap)
}

func (s *Server) handleEnergyAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.deps.Energy == nil {
		s.unavailable(w, "energy miner")
		return
	}
	a, err := s.deps.Energy.Analyze(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, a)
}

// handleEnergySuggestions synthesizes suggestions from the latest
// analysis without filing them.
func (s *Server) handleEnergySuggestions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Energy == nil {
		s.unavailable(w, "energy miner")
		return
	}
	list := s.deps.Energy.Suggestions(r.Context())
	s.respond(w, http.StatusOK, map[string]any{
		"count":       len(list),
		"suggestions": list,
	})
}
