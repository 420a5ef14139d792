package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/flowsentry/backend/internal/core"
)

// Metrics holds all Prometheus metrics for the remediation pipeline.
// A nil *Metrics is valid everywhere; Record helpers no-op, so tests can
// pass nil without touching the default registry.
type Metrics struct {
	// Ingestion
	EventsIngested *prometheus.CounterVec
	IngestDuration *prometheus.HistogramVec

	// Incidents
	IncidentsCreated    *prometheus.CounterVec
	IncidentsUpdated    prometheus.Counter
	IncidentsResolved   prometheus.Counter
	SeverityEscalations *prometheus.CounterVec

	// Decisions and classification
	DecisionsRecorded  *prometheus.CounterVec
	ClassifierDuration prometheus.Histogram
	ClassifierFailures prometheus.Counter

	// Actions
	ActionsCompleted    *prometheus.CounterVec
	RetryDelaySeconds   prometheus.Histogram
	InvariantViolations *prometheus.CounterVec

	// Safety fabric
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	RateLimited        *prometheus.CounterVec
	DegradedMode       *prometheus.CounterVec

	// Workers
	SchedulerClaims  prometheus.Counter
	NotifyDeliveries *prometheus.CounterVec
}

// NewMetrics creates and registers all pipeline metrics on the default
// registry. Call once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		EventsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remediation_events_ingested_total",
				Help: "Events through the ingestion pipeline by outcome",
			},
			[]string{"status"}, // accepted, duplicate, or a rejection code
		),

		IngestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "remediation_ingest_duration_seconds",
				Help:    "End-to-end ingestion pipeline latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		IncidentsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remediation_incidents_created_total",
				Help: "New incidents by initial severity",
			},
			[]string{"severity"},
		),

		IncidentsUpdated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "remediation_incidents_updated_total",
				Help: "Events folded into an existing open incident",
			},
		),

		IncidentsResolved: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "remediation_incidents_resolved_total",
				Help: "Incidents closed by a successful retry or an operator",
			},
		),

		SeverityEscalations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remediation_severity_escalations_total",
				Help: "Severity upgrades by resulting level",
			},
			[]string{"severity"},
		),

		DecisionsRecorded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remediation_decisions_total",
				Help: "Immutable decision audit records by kind",
			},
			[]string{"kind"},
		),

		ClassifierDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "remediation_classifier_duration_seconds",
				Help:    "Classifier adapter latency including timeouts",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),

		ClassifierFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "remediation_classifier_failures_total",
				Help: "Classifier calls that timed out or errored",
			},
		),

		ActionsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remediation_actions_total",
				Help: "Actions reaching a terminal status",
			},
			[]string{"kind", "status"}, // status: SUCCEEDED, FAILED
		),

		RetryDelaySeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "remediation_retry_delay_seconds",
				Help:    "Computed backoff delay for scheduled retries",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600},
			},
		),

		InvariantViolations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remediation_invariant_violations_total",
				Help: "Operations flagged for operator review",
			},
			[]string{"kind"}, // illegal_transition, single_flight
		),

		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "remediation_breaker_state",
				Help: "Breaker position per vendor (0 closed, 1 half-open, 2 open)",
			},
			[]string{"vendor"},
		),

		BreakerTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remediation_breaker_transitions_total",
				Help: "Breaker state transitions by vendor and target state",
			},
			[]string{"vendor", "to"},
		),

		RateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remediation_rate_limited_total",
				Help: "Admissions rejected by the sliding-window limiter",
			},
			[]string{"scope"}, // tenant, vendor, workflow, quota
		),

		DegradedMode: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remediation_degraded_mode_total",
				Help: "Safety checks that ran with the cache unavailable",
			},
			[]string{"component"}, // rate_limiter, breaker, budget
		),

		SchedulerClaims: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "remediation_scheduler_claims_total",
				Help: "Due actions claimed by the background scheduler",
			},
		),

		NotifyDeliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remediation_notify_deliveries_total",
				Help: "Escalation notifications by channel and outcome",
			},
			[]string{"channel", "status"}, // status: delivered, failed, dropped
		),
	}
}

func (m *Metrics) RecordIngest(status string, seconds float64) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(status).Inc()
	m.IngestDuration.WithLabelValues(status).Observe(seconds)
}

func (m *Metrics) RecordIncidentCreated(severity core.Severity) {
	if m == nil {
		return
	}
	m.IncidentsCreated.WithLabelValues(string(severity)).Inc()
}

func (m *Metrics) RecordIncidentUpdated() {
	if m == nil {
		return
	}
	m.IncidentsUpdated.Inc()
}

func (m *Metrics) RecordIncidentResolved() {
	if m == nil {
		return
	}
	m.IncidentsResolved.Inc()
}

func (m *Metrics) RecordSeverityEscalation(to core.Severity) {
	if m == nil {
		return
	}
	m.SeverityEscalations.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) RecordDecision(kind core.DecisionKind) {
	if m == nil {
		return
	}
	m.DecisionsRecorded.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) RecordClassifier(seconds float64, ok bool) {
	if m == nil {
		return
	}
	m.ClassifierDuration.Observe(seconds)
	if !ok {
		m.ClassifierFailures.Inc()
	}
}

func (m *Metrics) RecordActionCompleted(kind core.ActionKind, status core.ActionStatus) {
	if m == nil {
		return
	}
	m.ActionsCompleted.WithLabelValues(string(kind), string(status)).Inc()
}

func (m *Metrics) RecordRetryDelay(seconds float64) {
	if m == nil {
		return
	}
	m.RetryDelaySeconds.Observe(seconds)
}

func (m *Metrics) RecordInvariantViolation(kind string) {
	if m == nil {
		return
	}
	m.InvariantViolations.WithLabelValues(kind).Inc()
}

// SetBreakerState publishes the breaker gauge for a vendor.
func (m *Metrics) SetBreakerState(vendor string, state core.BreakerState) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case core.BreakerHalfOpen:
		v = 1
	case core.BreakerOpen:
		v = 2
	}
	m.BreakerState.WithLabelValues(vendor).Set(v)
}

func (m *Metrics) RecordBreakerTransition(vendor string, to core.BreakerState) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(vendor, string(to)).Inc()
}

func (m *Metrics) RecordRateLimited(scope string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(scope).Inc()
}

func (m *Metrics) RecordDegradedMode(component string) {
	if m == nil {
		return
	}
	m.DegradedMode.WithLabelValues(component).Inc()
}

func (m *Metrics) RecordSchedulerClaim() {
	if m == nil {
		return
	}
	m.SchedulerClaims.Inc()
}

func (m *Metrics) RecordNotifyDelivery(channel, status string) {
	if m == nil {
		return
	}
	m.NotifyDeliveries.WithLabelValues(channel, status).Inc()
}
