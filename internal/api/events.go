package api

import (
	"encoding/json"
	"net/http"

	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/ingest"
	"github.com/flowsentry/backend/internal/middleware"
)

// handleSubmitEvent runs one submission through the ingestion gates. A
// replayed idempotency key answers 200 with the stored event id; a fresh
// accept answers 201.
func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var sub ingest.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		s.respondError(w, r, core.NewValidationError("request body is not valid JSON", nil))
		return
	}
	sub.CorrelationID = middleware.CorrelationID(r.Context())

	res, err := s.pipeline.Submit(r.Context(), sub)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	status, code := "accepted", http.StatusCreated
	if res.Duplicate {
		status, code = "duplicate", http.StatusOK
	}
	s.respondJSON(w, code, map[string]interface{}{
		"event_id":       res.EventID,
		"status":         status,
		"correlation_id": res.CorrelationID,
	})
}
