package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/store"
)

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ActionFilter{
		Status: core.ActionStatus(q.Get("status")),
		Kind:   core.ActionKind(q.Get("kind")),
	}
	if raw := q.Get("invariant_violation"); raw != "" {
		flagged, err := strconv.ParseBool(raw)
		if err != nil {
			s.respondError(w, r, core.NewValidationError("invariant_violation must be a boolean", nil))
			return
		}
		f.InvariantViolation = &flagged
	}
	limit, verr := queryLimit(q, 50)
	if verr != nil {
		s.respondError(w, r, verr)
		return
	}
	f.Limit = limit

	actions, err := s.records.ListActions(r.Context(), f)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if actions == nil {
		actions = []*core.Action{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"actions": actions,
		"count":   len(actions),
	})
}

// handleRequestReversal asks the coordinator to schedule a compensating
// action for a succeeded one.
func (s *Server) handleRequestReversal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestedBy string `json:"requested_by"`
	}
	if verr := decodeBody(r, &body); verr != nil {
		s.respondError(w, r, verr)
		return
	}
	if body.RequestedBy == "" {
		s.respondError(w, r, core.NewValidationError("requested_by is required", nil))
		return
	}

	act, err := s.actions.RequestReversal(r.Context(), mux.Vars(r)["id"], body.RequestedBy)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, act)
}
