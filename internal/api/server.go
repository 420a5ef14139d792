// Package api exposes the remediation service over REST. Handlers stay
// thin: decode, call the owning component, map the typed error onto its
// status class.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowsentry/backend/internal/action"
	"github.com/flowsentry/backend/internal/cache"
	"github.com/flowsentry/backend/internal/circuitbreaker"
	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/incident"
	"github.com/flowsentry/backend/internal/ingest"
	"github.com/flowsentry/backend/internal/killswitch"
	"github.com/flowsentry/backend/internal/middleware"
	"github.com/flowsentry/backend/internal/rules"
	"github.com/flowsentry/backend/internal/store"
)

// Records is the read surface the handlers need; satisfied by store.Store.
type Records interface {
	GetIncident(ctx context.Context, id string) (*core.Incident, error)
	ListIncidents(ctx context.Context, f store.IncidentFilter) ([]*core.Incident, error)
	EventsForIncident(ctx context.Context, incidentID string) ([]*core.Event, error)
	ListDecisions(ctx context.Context, incidentID string) ([]*core.Decision, error)
	GetAction(ctx context.Context, id string) (*core.Action, error)
	ListActions(ctx context.Context, f store.ActionFilter) ([]*core.Action, error)
	GetVendorByName(ctx context.Context, name string) (*core.Vendor, error)
	Ping(ctx context.Context) error
}

// Deps wires the server's collaborators.
type Deps struct {
	Pipeline  *ingest.Pipeline
	Incidents *incident.Manager
	Actions   *action.Coordinator
	Records   Records
	Cache     cache.Client
	Switches  *killswitch.Service
	Breakers  *circuitbreaker.Manager
	Rules     *rules.Table
}

// Server is the REST surface over the pipeline and the operator operations.
type Server struct {
	pipeline  *ingest.Pipeline
	incidents *incident.Manager
	actions   *action.Coordinator
	records   Records
	cache     cache.Client
	switches  *killswitch.Service
	breakers  *circuitbreaker.Manager
	rules     *rules.Table
	logger    *log.Logger
}

func NewServer(d Deps) *Server {
	return &Server{
		pipeline:  d.Pipeline,
		incidents: d.Incidents,
		actions:   d.Actions,
		records:   d.Records,
		cache:     d.Cache,
		switches:  d.Switches,
		breakers:  d.Breakers,
		rules:     d.Rules,
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router assembles the route table with the middleware chain.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.CORS)
	r.Use(middleware.Correlation)
	r.Use(middleware.Logging)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Tenant)

	api.HandleFunc("/events", s.handleSubmitEvent).Methods(http.MethodPost)

	api.HandleFunc("/incidents", s.handleListIncidents).Methods(http.MethodGet)
	api.HandleFunc("/incidents/{id}", s.handleGetIncident).Methods(http.MethodGet)
	api.HandleFunc("/incidents/{id}/resolve", s.handleResolveIncident).Methods(http.MethodPost)
	api.HandleFunc("/incidents/{id}/ignore", s.handleIgnoreIncident).Methods(http.MethodPost)
	api.HandleFunc("/incidents/{id}/actions", s.handleIncidentActions).Methods(http.MethodGet)

	api.HandleFunc("/actions", s.handleListActions).Methods(http.MethodGet)
	api.HandleFunc("/actions/{id}/reversal", s.handleRequestReversal).Methods(http.MethodPost)

	api.HandleFunc("/vendors/{name}/breaker", s.handleVendorBreaker).Methods(http.MethodGet)

	api.HandleFunc("/kill-switches", s.handleActivateKillSwitch).Methods(http.MethodPost)
	api.HandleFunc("/kill-switches", s.handleListKillSwitches).Methods(http.MethodGet)
	api.HandleFunc("/kill-switches/{id}", s.handleDeactivateKillSwitch).Methods(http.MethodDelete)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	storeStatus := "connected"
	if err := s.records.Ping(ctx); err != nil {
		storeStatus = "error"
	}
	cacheStatus := "connected"
	if s.cache == nil {
		cacheStatus = "absent"
	} else if err := s.cache.Ping(ctx); err != nil {
		cacheStatus = "error"
	}

	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "flowsentry",
		"store":   storeStatus,
		"cache":   cacheStatus,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("⚠️ Response encode failed: %v", err)
	}
}

// respondError renders any failure as the typed error body. Unrecognized
// errors surface as retryable internal failures.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var cerr *core.Error
	switch {
	case errors.As(err, &cerr):
	case errors.Is(err, core.ErrIllegalTransition):
		cerr = core.NewValidationError(err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		cerr = core.NewNotFoundError("resource", "")
	default:
		cerr = core.NewInternalError("request failed", err)
	}

	if cid := middleware.CorrelationID(r.Context()); cid != "" && cerr.CorrelationID == "" {
		cerr.WithCorrelation(cid)
	}
	if cerr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(cerr.RetryAfter))
	}
	if cerr.Code == core.CodeInternal {
		s.logger.Printf("❌ %s %s: %v", r.Method, r.URL.Path, cerr)
	}
	s.respondJSON(w, cerr.HTTPStatus(), cerr)
}

// decodeBody reads an optional JSON body; an empty body leaves the target
// at its zero value.
func decodeBody(r *http.Request, into interface{}) *core.Error {
	err := json.NewDecoder(r.Body).Decode(into)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return core.NewValidationError("request body is not valid JSON", nil)
}

func queryLimit(q url.Values, def int) (int, *core.Error) {
	raw := q.Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, core.NewValidationError("limit must be a non-negative integer", nil)
	}
	return n, nil
}
