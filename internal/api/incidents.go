package api

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/multitenancy"
	"github.com/flowsentry/backend/internal/store"
)

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.IncidentFilter{
		WorkflowID: q.Get("workflow_id"),
		Status:     core.IncidentStatus(q.Get("status")),
		Severity:   core.Severity(q.Get("severity")),
	}
	if tid, err := multitenancy.GetTenantID(r.Context()); err == nil {
		f.TenantID = tid
	}
	limit, verr := queryLimit(q, 50)
	if verr != nil {
		s.respondError(w, r, verr)
		return
	}
	f.Limit = limit

	incidents, err := s.records.ListIncidents(r.Context(), f)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if incidents == nil {
		incidents = []*core.Incident{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

// handleGetIncident returns the incident with its correlation set, decision
// audit trail, and action history.
func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	inc, err := s.records.GetIncident(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, r, core.NewNotFoundError("incident", id))
		return
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	events, err := s.records.EventsForIncident(ctx, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	// The correlation set renders in occurred_at order; storage order stays
	// insertion order.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})

	decisions, err := s.records.ListDecisions(ctx, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	actions, err := s.records.ListActions(ctx, store.ActionFilter{IncidentID: id})
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if events == nil {
		events = []*core.Event{}
	}
	if decisions == nil {
		decisions = []*core.Decision{}
	}
	if actions == nil {
		actions = []*core.Action{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"incident":  inc,
		"events":    events,
		"decisions": decisions,
		"actions":   actions,
	})
}

func (s *Server) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	s.concludeIncident(w, r, s.incidents.Resolve)
}

func (s *Server) handleIgnoreIncident(w http.ResponseWriter, r *http.Request) {
	s.concludeIncident(w, r, s.incidents.Ignore)
}

func (s *Server) concludeIncident(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, id, note string) (*core.Incident, error)) {

	var body struct {
		Note string `json:"note"`
	}
	if verr := decodeBody(r, &body); verr != nil {
		s.respondError(w, r, verr)
		return
	}

	inc, err := op(r.Context(), mux.Vars(r)["id"], body.Note)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, inc)
}

func (s *Server) handleIncidentActions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if _, err := s.records.GetIncident(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.respondError(w, r, core.NewNotFoundError("incident", id))
			return
		}
		s.respondError(w, r, err)
		return
	}

	actions, err := s.records.ListActions(ctx, store.ActionFilter{IncidentID: id})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if actions == nil {
		actions = []*core.Action{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"incident_id": id,
		"actions":     actions,
		"count":       len(actions),
	})
}
