package api

import (
	"net/http"
	"time"

	"github.com/nugget/hearth/internal/audit"
	"github.com/nugget/hearth/internal/gateway"
)

type serviceRequest struct {
	EntityID string         `json:"entity_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// handleServiceCall runs a UI-issued command through the gateway, so
// it gets the same allowlist and audit trail as assistant commands.
func (s *Server) handleServiceCall(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gateway == nil {
		s.unavailable(w, "gateway")
		return
	}
	var req serviceRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Gateway.CallService(r.Context(), gateway.Call{
		Domain:   r.PathValue("domain"),
		Service:  r.PathValue("service"),
		EntityID: req.EntityID,
		Data:     req.Data,
		Source:   audit.SourceUI,
		Reason:   req.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Actions == nil {
		s.unavailable(w, "audit ledger")
		return
	}
	actions, err := s.deps.Actions.Recent(r.Context(), parseIntParam(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if actions == nil {
		actions = []*audit.Action{}
	}
	s.respond(w, http.StatusOK, map[string]any{
		"count":   len(actions),
		"actions": actions,
	})
}

func (s *Server) handleActionStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Actions == nil {
		s.unavailable(w, "audit ledger")
		return
	}
	hours := parseIntParam(r, "hours", 24)
	stats, err := s.deps.Actions.Stats(r.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, stats)
}
