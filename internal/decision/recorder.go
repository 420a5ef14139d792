package decision

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/metrics"
)

// Log is the store surface the recorder writes to; satisfied by store.Store.
// There is deliberately no update or delete: the trail is append-only.
type Log interface {
	InsertDecision(ctx context.Context, d *core.Decision) error
	ListDecisions(ctx context.Context, incidentID string) ([]*core.Decision, error)
}

// Recorder persists every automated choice before anything acts on it.
type Recorder struct {
	log     Log
	clock   core.Clock
	metrics *metrics.Metrics
	logger  *log.Logger
}

func NewRecorder(l Log, clock core.Clock, m *metrics.Metrics) *Recorder {
	if clock == nil {
		clock = core.SystemClock()
	}
	return &Recorder{
		log:     l,
		clock:   clock,
		metrics: m,
		logger:  log.New(log.Writer(), "[DECISION] ", log.LstdFlags),
	}
}

// Record persists a classifier verdict under the given kind and returns the
// stored row.
func (r *Recorder) Record(ctx context.Context, incidentID string, kind core.DecisionKind, res *Result) (*core.Decision, error) {
	d := &core.Decision{
		ID:          uuid.New().String(),
		IncidentID:  incidentID,
		Kind:        kind,
		Category:    res.Category,
		Recommended: res.Recommended,
		Reasoning:   res.Reasoning,
		Confidence:  res.Confidence,
		ModelTag:    res.ModelTag,
		CreatedAt:   r.clock.Now(),
	}
	if err := r.log.InsertDecision(ctx, d); err != nil {
		return nil, fmt.Errorf("record decision: %w", err)
	}
	r.metrics.RecordDecision(kind)
	return d, nil
}

// RecordNote persists a system-originated audit line, e.g. a severity
// upgrade or a suppressed selection, attributed to the coordinator itself.
func (r *Recorder) RecordNote(ctx context.Context, incidentID string, kind core.DecisionKind, reasoning string) (*core.Decision, error) {
	return r.Record(ctx, incidentID, kind, &Result{
		Category:   "system",
		Confidence: 1,
		Reasoning:  reasoning,
		ModelTag:   "coordinator-v1",
	})
}

// History returns the incident's decisions oldest-first.
func (r *Recorder) History(ctx context.Context, incidentID string) ([]*core.Decision, error) {
	return r.log.ListDecisions(ctx, incidentID)
}
