package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/multitenancy"
)

// handleActivateKillSwitch creates an operator stop for a workflow, or for
// the whole tenant when workflow_id is omitted.
func (s *Server) handleActivateKillSwitch(w http.ResponseWriter, r *http.Request) {
	tenantID, err := multitenancy.GetTenantID(r.Context())
	if err != nil {
		s.respondError(w, r, core.NewValidationError("X-Tenant-ID header is required", nil))
		return
	}

	var body struct {
		WorkflowID  string `json:"workflow_id"`
		Reason      string `json:"reason"`
		ActivatedBy string `json:"activated_by"`
	}
	if verr := decodeBody(r, &body); verr != nil {
		s.respondError(w, r, verr)
		return
	}

	ks, err := s.switches.Activate(r.Context(), tenantID, body.WorkflowID, body.Reason, body.ActivatedBy)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, ks)
}

func (s *Server) handleDeactivateKillSwitch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.switches.Deactivate(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"status": "deactivated",
	})
}

// handleListKillSwitches returns the tenant's switches, active ones only
// unless include_inactive=true.
func (s *Server) handleListKillSwitches(w http.ResponseWriter, r *http.Request) {
	tenantID, err := multitenancy.GetTenantID(r.Context())
	if err != nil {
		s.respondError(w, r, core.NewValidationError("X-Tenant-ID header is required", nil))
		return
	}

	activeOnly := r.URL.Query().Get("include_inactive") != "true"
	switches, err := s.switches.List(r.Context(), tenantID, activeOnly)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if switches == nil {
		switches = []*core.KillSwitch{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"kill_switches": switches,
		"count":         len(switches),
	})
}
