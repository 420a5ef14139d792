package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/flowsentry/backend/internal/core"
)

// handleVendorBreaker reports the live breaker position plus the stored
// operator snapshot for one vendor.
func (s *Server) handleVendorBreaker(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := strings.ToLower(mux.Vars(r)["name"])

	state, err := s.breakers.Get(name).State(ctx)
	if err != nil {
		s.respondError(w, r, core.NewInternalError("breaker state unavailable", err))
		return
	}

	resp := map[string]interface{}{
		"vendor": name,
		"state":  state,
	}
	if row, err := s.records.GetVendorByName(ctx, name); err == nil {
		resp["failure_count"] = row.BreakerFailureCount
		if row.BreakerOpenedAt != nil {
			resp["opened_at"] = row.BreakerOpenedAt
		}
	}
	if s.rules != nil {
		if perMinute := s.rules.VendorRateLimit(name); perMinute > 0 {
			resp["rate_limit_per_minute"] = perMinute
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}
