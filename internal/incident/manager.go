// Package incident groups failure events into incidents and drives their
// lifecycle: lookup-or-create by fingerprint, severity escalation on volume
// and duration thresholds, classification, and hand-off to the action
// coordinator. Operator resolve/ignore lives here too.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/flowsentry/backend/internal/budget"
	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/decision"
	"github.com/flowsentry/backend/internal/fingerprint"
	"github.com/flowsentry/backend/internal/metrics"
	"github.com/flowsentry/backend/internal/rules"
	"github.com/flowsentry/backend/internal/store"
)

const (
	// countThreshold upgrades severity once event_count crosses it.
	countThreshold = 100
	// durationThreshold upgrades severity once an incident keeps failing
	// for longer than this.
	durationThreshold = time.Hour
	// recentEventLimit caps the correlation slice handed to the classifier.
	recentEventLimit = 10
)

// Metadata flags ensure each escalation threshold fires at most once over an
// incident's lifetime, across instances.
const (
	metaCountEscalated    = "count_escalated"
	metaDurationEscalated = "duration_escalated"
)

// Records is the slice of the store the manager needs.
type Records interface {
	AttachEventToIncident(ctx context.Context, ev *core.Event, signature string, draft *core.Incident) (*core.Incident, bool, error)
	GetIncident(ctx context.Context, id string) (*core.Incident, error)
	TransitionIncident(ctx context.Context, id string, from, to core.IncidentStatus, metadata map[string]interface{}) (bool, error)
	EscalateSeverity(ctx context.Context, id string, from, to core.Severity, metadata map[string]interface{}) (bool, error)
	MarkEventProcessed(ctx context.Context, id string, at time.Time) error
	RecentEventsForIncident(ctx context.Context, incidentID string, n int) ([]*core.Event, error)
}

// Coordinator receives incidents once a decision is on record. OnActivity is
// the light-weight path for folded events with nothing new to decide: it lets
// the coordinator note suppression while an action is already in flight.
type Coordinator interface {
	OnDecision(ctx context.Context, inc *core.Incident, dec *core.Decision) (*core.Action, error)
	OnActivity(ctx context.Context, inc *core.Incident) error
}

// Breakers receives the vendor outcome evidence events carry: a failure event
// naming a vendor counts against its window, a non-failure event naming one
// resolves an open probe. Satisfied by circuitbreaker.Manager.
type Breakers interface {
	RecordSuccess(ctx context.Context, vendor string)
	RecordFailure(ctx context.Context, vendor string)
}

// Deps wires the manager's collaborators.
type Deps struct {
	Records     Records
	Fingerprint *fingerprint.Fingerprinter
	Rules       *rules.Table
	Classifier  decision.Classifier
	Recorder    *decision.Recorder
	Coordinator Coordinator
	Breakers    Breakers
	Quotas      *budget.Enforcer
	Clock       core.Clock
	Metrics     *metrics.Metrics
}

// Manager turns failure events into incidents.
type Manager struct {
	records     Records
	fp          *fingerprint.Fingerprinter
	rules       *rules.Table
	classifier  decision.Classifier
	recorder    *decision.Recorder
	coordinator Coordinator
	breakers    Breakers
	quotas      *budget.Enforcer
	clock       core.Clock
	metrics     *metrics.Metrics
	logger      *log.Logger
}

func NewManager(d Deps) *Manager {
	if d.Fingerprint == nil {
		d.Fingerprint = fingerprint.New()
	}
	if d.Clock == nil {
		d.Clock = core.SystemClock()
	}
	return &Manager{
		records:     d.Records,
		fp:          d.Fingerprint,
		rules:       d.Rules,
		classifier:  d.Classifier,
		recorder:    d.Recorder,
		coordinator: d.Coordinator,
		breakers:    d.Breakers,
		quotas:      d.Quotas,
		clock:       d.Clock,
		metrics:     d.Metrics,
		logger:      log.New(log.Writer(), "[INCIDENT] ", log.LstdFlags),
	}
}

// =============================================================================
// DETECTION
// =============================================================================

// OnEvent examines one stored event. Non-failures are marked processed and
// dropped. Failures fold into the open incident for their fingerprint,
// creating one when none is open. Classification and coordinator hand-off
// happen on creation and on severity upgrade only. Events naming a vendor
// feed its breaker either way: failures count toward opening it, successes
// resolve a half-open probe.
func (m *Manager) OnEvent(ctx context.Context, ev *core.Event) (*core.Incident, error) {
	if ev == nil || ev.ProcessedAt != nil {
		return nil, nil
	}
	now := m.clock.Now()
	failure := IsFailure(ev)

	if m.breakers != nil && ev.Vendor != "" {
		if failure {
			m.breakers.RecordFailure(ctx, ev.Vendor)
		} else {
			m.breakers.RecordSuccess(ctx, ev.Vendor)
		}
	}

	if !failure {
		if err := m.records.MarkEventProcessed(ctx, ev.ID, now); err != nil {
			return nil, fmt.Errorf("mark event %s processed: %w", ev.ID, err)
		}
		return nil, nil
	}

	signature := m.fp.FromEvent(ev)
	rule := m.rules.Lookup(ev.ErrorCode())

	inc, created, err := m.records.AttachEventToIncident(ctx, ev, signature, m.draftIncident(ev, signature, rule, now))
	if err != nil {
		return nil, fmt.Errorf("attach event %s: %w", ev.ID, err)
	}
	if inc == nil {
		// Another worker claimed the event between dispatch and attach.
		return nil, nil
	}

	if created {
		m.metrics.RecordIncidentCreated(inc.Severity)
		m.logger.Printf("⚠️ Incident %s opened: %s [%s] tenant=%s workflow=%s",
			inc.ID, inc.Signature, inc.Severity, inc.TenantID, inc.WorkflowID)

		if m.quotas != nil {
			if q := m.quotas.ConsumeIncidentQuota(ctx, inc.TenantID); !q.Allowed {
				m.logger.Printf("🚫 Tenant %s daily incident quota exhausted; skipping analysis for %s", inc.TenantID, inc.ID)
				m.note(ctx, inc.ID, core.DecisionRecommendation,
					"automated analysis suppressed: tenant daily incident quota exhausted")
				return inc, nil
			}
		}
		return inc, m.classifyAndDispatch(ctx, inc)
	}

	m.metrics.RecordIncidentUpdated()
	inc, upgraded, err := m.applyEscalations(ctx, inc)
	if err != nil {
		return inc, err
	}
	if upgraded {
		return inc, m.classifyAndDispatch(ctx, inc)
	}
	if m.coordinator != nil {
		// Nothing new to decide; the coordinator notes suppression when an
		// action is already in flight.
		if err := m.coordinator.OnActivity(ctx, inc); err != nil {
			m.logger.Printf("⚠️ Coordinator activity check failed for incident %s: %v", inc.ID, err)
		}
	}
	return inc, nil
}

func (m *Manager) draftIncident(ev *core.Event, signature string, rule rules.Rule, now time.Time) *core.Incident {
	return &core.Incident{
		ID:          uuid.New().String(),
		TenantID:    ev.TenantID,
		WorkflowID:  ev.WorkflowID,
		Signature:   signature,
		Title:       core.IncidentTitle(ev.EventType, ev.ErrorCode()),
		Status:      core.IncidentNew,
		Severity:    rule.Severity,
		EventCount:  1,
		FirstSeenAt: ev.OccurredAt,
		LastSeenAt:  ev.OccurredAt,
		Metadata:    map[string]interface{}{"fingerprint_rules": m.fp.RuleSet()},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// =============================================================================
// SEVERITY ESCALATION
// =============================================================================

// applyEscalations fires each crossed threshold exactly once: the compare-and-
// set on severity settles concurrent instances, the metadata flag stops later
// events from firing the same threshold again.
func (m *Manager) applyEscalations(ctx context.Context, inc *core.Incident) (*core.Incident, bool, error) {
	upgraded := false
	triggers := []struct {
		flag   string
		hit    bool
		reason string
	}{
		{
			flag:   metaCountEscalated,
			hit:    inc.EventCount > countThreshold,
			reason: fmt.Sprintf("event_count crossed %d (now %d)", countThreshold, inc.EventCount),
		},
		{
			flag:   metaDurationEscalated,
			hit:    inc.LastSeenAt.Sub(inc.FirstSeenAt) > durationThreshold,
			reason: fmt.Sprintf("failing for over %s (first seen %s)", durationThreshold, inc.FirstSeenAt.UTC().Format(time.RFC3339)),
		},
	}

	for _, tr := range triggers {
		if !tr.hit || metaFlag(inc.Metadata, tr.flag) {
			continue
		}
		to := inc.Severity.Escalate()
		if to == inc.Severity {
			// Already CRITICAL, nowhere to go.
			continue
		}
		meta := cloneMeta(inc.Metadata)
		meta[tr.flag] = true

		ok, err := m.records.EscalateSeverity(ctx, inc.ID, inc.Severity, to, meta)
		if err != nil {
			return inc, upgraded, fmt.Errorf("escalate incident %s: %w", inc.ID, err)
		}
		if !ok {
			// Another instance won the race; its write carries the flag.
			continue
		}
		from := inc.Severity
		inc.Severity = to
		inc.Metadata = meta
		upgraded = true

		m.metrics.RecordSeverityEscalation(to)
		m.logger.Printf("⚠️ Incident %s severity %s -> %s: %s", inc.ID, from, to, tr.reason)
		m.note(ctx, inc.ID, core.DecisionRCA, fmt.Sprintf("severity raised %s -> %s: %s", from, to, tr.reason))
	}
	return inc, upgraded, nil
}

// =============================================================================
// CLASSIFICATION + HAND-OFF
// =============================================================================

func (m *Manager) classifyAndDispatch(ctx context.Context, inc *core.Incident) error {
	if inc.Status == core.IncidentNew {
		// Bookkeeping only; losing this race changes nothing downstream.
		if ok, err := m.records.TransitionIncident(ctx, inc.ID, core.IncidentNew, core.IncidentAnalyzing, nil); err == nil && ok {
			inc.Status = core.IncidentAnalyzing
		}
	}

	recent, err := m.records.RecentEventsForIncident(ctx, inc.ID, recentEventLimit)
	if err != nil {
		m.logger.Printf("⚠️ Could not load recent events for incident %s: %v", inc.ID, err)
		recent = nil
	}

	res, err := m.classifier.Classify(ctx, inc, recent)
	if err != nil || res == nil {
		res = decision.TimeoutResult()
	}

	// The decision must be durable before the coordinator acts on it.
	dec, err := m.recorder.Record(ctx, inc.ID, core.DecisionClassification, res)
	if err != nil {
		return fmt.Errorf("record classification for incident %s: %w", inc.ID, err)
	}

	if m.coordinator == nil {
		return nil
	}
	if _, err := m.coordinator.OnDecision(ctx, inc, dec); err != nil {
		// Remediation failures land in the audit trail, not the ingest path.
		m.logger.Printf("❌ Coordinator failed for incident %s: %v", inc.ID, err)
	}
	return nil
}

// =============================================================================
// OPERATOR LIFECYCLE
// =============================================================================

// Resolve closes an incident on operator request.
func (m *Manager) Resolve(ctx context.Context, id, note string) (*core.Incident, error) {
	return m.conclude(ctx, id, core.IncidentResolved, "resolution_note", note)
}

// Ignore branches an incident to the IGNORED terminal state.
func (m *Manager) Ignore(ctx context.Context, id, note string) (*core.Incident, error) {
	return m.conclude(ctx, id, core.IncidentIgnored, "ignore_note", note)
}

func (m *Manager) conclude(ctx context.Context, id string, to core.IncidentStatus, noteKey, note string) (*core.Incident, error) {
	for attempt := 0; attempt < 3; attempt++ {
		inc, err := m.records.GetIncident(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, core.NewNotFoundError("incident", id)
			}
			return nil, err
		}
		if !inc.Status.CanTransition(to) {
			return nil, fmt.Errorf("incident %s is %s: %w", id, inc.Status, core.ErrIllegalTransition)
		}

		meta := cloneMeta(inc.Metadata)
		if note != "" {
			meta[noteKey] = note
		}
		ok, err := m.records.TransitionIncident(ctx, inc.ID, inc.Status, to, meta)
		if err != nil {
			return nil, err
		}
		if ok {
			inc.Status = to
			inc.Metadata = meta
			inc.UpdatedAt = m.clock.Now()
			m.logger.Printf("✅ Incident %s -> %s", inc.ID, to)
			return inc, nil
		}
		// Raced with another writer; re-read and try again.
	}
	return nil, core.NewInternalError("incident transition did not settle", nil)
}

func (m *Manager) note(ctx context.Context, incidentID string, kind core.DecisionKind, reasoning string) {
	if _, err := m.recorder.RecordNote(ctx, incidentID, kind, reasoning); err != nil {
		m.logger.Printf("⚠️ Could not record %s note for incident %s: %v", kind, incidentID, err)
	}
}

func metaFlag(meta map[string]interface{}, key string) bool {
	v, ok := meta[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func cloneMeta(meta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	return out
}
