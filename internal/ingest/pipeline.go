// Package ingest admits events into the system. Submit runs the gate
// sequence in strict order: idempotency, tenant, workflow and kill switch,
// rate limits and daily quota, vendor breaker, persist, then asynchronous
// hand-off to detection. A later gate never runs once an earlier one has
// rejected, and the event insert is the only write, so the unique key on
// (tenant_id, idempotency_key) is the transactional duplicate guard.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowsentry/backend/internal/budget"
	"github.com/flowsentry/backend/internal/circuitbreaker"
	"github.com/flowsentry/backend/internal/config"
	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/killswitch"
	"github.com/flowsentry/backend/internal/metrics"
	"github.com/flowsentry/backend/internal/multitenancy"
	"github.com/flowsentry/backend/internal/ratelimit"
	"github.com/flowsentry/backend/internal/rules"
	"github.com/flowsentry/backend/internal/store"
)

const (
	maxFieldLen     = 255
	maxPayloadBytes = 10 * 1024

	// Future-dated occurred_at beyond this is logged, never rejected.
	clockSkewTolerance = 5 * time.Minute
)

var schemaVersionRE = regexp.MustCompile(`^v?\d+(\.\d+){0,2}$`)

// Submission is one event record as the caller presents it. CorrelationID is
// stamped by the transport layer, not the caller.
type Submission struct {
	TenantID       string                 `json:"tenant_id"`
	WorkflowID     string                 `json:"workflow_id"`
	EventType      string                 `json:"event_type"`
	Payload        map[string]interface{} `json:"payload"`
	IdempotencyKey string                 `json:"idempotency_key"`
	OccurredAt     string                 `json:"occurred_at,omitempty"`
	SchemaVersion  string                 `json:"schema_version,omitempty"`
	CorrelationID  string                 `json:"-"`
}

// Result is the success-shaped outcome. A replayed idempotency key carries
// the stored event's id with Duplicate set; callers treat both as acceptance.
type Result struct {
	EventID       string `json:"event_id"`
	Duplicate     bool   `json:"duplicate"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Records is the slice of the store the pipeline needs.
type Records interface {
	InsertEvent(ctx context.Context, ev *core.Event) error
	FindEventByIdempotencyKey(ctx context.Context, tenantID, key string) (*core.Event, error)
}

// Dispatcher receives the stored event after commit; satisfied by the
// detection bus. Delivery is fire-and-forget from the pipeline's view.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *core.Event)
}

// Deps wires the pipeline's collaborators.
type Deps struct {
	Records  Records
	Gates    *multitenancy.Gatekeeper
	Switches *killswitch.Service
	Limiter  *ratelimit.Limiter
	Budget   *budget.Enforcer
	Breakers *circuitbreaker.Manager
	Rules    *rules.Table
	Bus      Dispatcher
	Limits   config.LimitsConfig
	Clock    core.Clock
	Metrics  *metrics.Metrics
}

// Pipeline is the ingestion front door.
type Pipeline struct {
	records  Records
	gates    *multitenancy.Gatekeeper
	switches *killswitch.Service
	limiter  *ratelimit.Limiter
	budget   *budget.Enforcer
	breakers *circuitbreaker.Manager
	rules    *rules.Table
	bus      Dispatcher
	limits   config.LimitsConfig
	clock    core.Clock
	metrics  *metrics.Metrics
	logger   *log.Logger
}

func NewPipeline(d Deps) *Pipeline {
	if d.Clock == nil {
		d.Clock = core.SystemClock()
	}
	return &Pipeline{
		records:  d.Records,
		gates:    d.Gates,
		switches: d.Switches,
		limiter:  d.Limiter,
		budget:   d.Budget,
		breakers: d.Breakers,
		rules:    d.Rules,
		bus:      d.Bus,
		limits:   d.Limits,
		clock:    d.Clock,
		metrics:  d.Metrics,
		logger:   log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
	}
}

// Submit runs one event through the admission gates. It returns a Result on
// acceptance or replay, or a *core.Error naming the gate that rejected.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (*Result, error) {
	start := time.Now()

	occurredAt, verr := sub.validate()
	if verr != nil {
		return nil, p.reject(start, sub, verr)
	}

	// Gate 1: a known idempotency key is a successful replay, whatever the
	// later gates would now say about the tenant or workflow.
	existing, err := p.records.FindEventByIdempotencyKey(ctx, sub.TenantID, sub.IdempotencyKey)
	if err == nil {
		return p.replay(start, sub, existing.ID), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, p.reject(start, sub, core.NewInternalError("idempotency lookup failed", err))
	}

	// Gate 2: tenant must exist and be active.
	if _, err := p.gates.CheckTenant(ctx, sub.TenantID); err != nil {
		return nil, p.reject(start, sub, err)
	}

	// Gate 3: workflow must exist, belong to the tenant, be active, and not
	// be under a kill switch.
	if _, err := p.gates.CheckWorkflow(ctx, sub.TenantID, sub.WorkflowID); err != nil {
		return nil, p.reject(start, sub, err)
	}
	ks, err := p.switches.Check(ctx, sub.TenantID, sub.WorkflowID)
	if err != nil {
		return nil, p.reject(start, sub, core.NewInternalError("kill switch check failed", err))
	}
	if ks != nil {
		return nil, p.reject(start, sub,
			core.NewWorkflowDisabledError(sub.WorkflowID, "kill switch active: "+ks.Reason))
	}

	// Gate 4: sliding windows, then the tenant's daily pool. The vendor
	// window only applies when the payload names one.
	vendor := vendorOf(sub.Payload)
	if d := p.limiter.AllowTenant(ctx, sub.TenantID, p.limits.TenantRatePerMinute); !d.Allowed {
		return nil, p.reject(start, sub, core.NewRateLimitedError(d.Scope, d.RetryAfter))
	}
	if d := p.limiter.AllowWorkflow(ctx, sub.WorkflowID, p.limits.WorkflowRatePerMinute); !d.Allowed {
		return nil, p.reject(start, sub, core.NewRateLimitedError(d.Scope, d.RetryAfter))
	}
	if vendor != "" {
		perMinute := 0
		if p.rules != nil {
			perMinute = p.rules.VendorRateLimit(vendor)
		}
		if d := p.limiter.AllowVendor(ctx, sub.TenantID, vendor, perMinute); !d.Allowed {
			return nil, p.reject(start, sub, core.NewRateLimitedError(d.Scope, d.RetryAfter))
		}
	}
	if p.budget != nil {
		if d := p.budget.ConsumeEventQuota(ctx, sub.TenantID); !d.Allowed {
			return nil, p.reject(start, sub, core.NewRateLimitedError("tenant_daily_quota", d.RetryAfter))
		}
	}

	// Gate 5: vendor breaker. OPEN and a saturated HALF_OPEN both read as
	// unavailable to the caller.
	if vendor != "" && p.breakers != nil {
		if err := p.breakers.Check(ctx, vendor); err != nil {
			p.logger.Printf("🔌 Vendor gate closed: vendor=%s: %v", vendor, err)
			return nil, p.reject(start, sub, core.NewBreakerOpenError(vendor))
		}
	}

	// Gate 6: persist. A key collision here is a concurrent submit that won
	// the race after gate 1; it folds into the replay outcome.
	now := p.clock.Now()
	if occurredAt.IsZero() {
		occurredAt = now
	}
	if skew := occurredAt.Sub(now); skew > clockSkewTolerance {
		p.logger.Printf("⚠️ Clock skew: tenant=%s key=%s occurred_at %s ahead of receipt",
			sub.TenantID, sub.IdempotencyKey, skew)
	}

	ev := &core.Event{
		ID:             uuid.New().String(),
		TenantID:       sub.TenantID,
		WorkflowID:     sub.WorkflowID,
		EventType:      sub.EventType,
		Payload:        sub.Payload,
		IdempotencyKey: sub.IdempotencyKey,
		OccurredAt:     occurredAt,
		ReceivedAt:     now,
		CorrelationID:  sub.CorrelationID,
		SchemaVersion:  sub.SchemaVersion,
		Vendor:         vendor,
	}
	if err := p.records.InsertEvent(ctx, ev); err != nil {
		var dup *store.DuplicateEventError
		if errors.As(err, &dup) {
			return p.replay(start, sub, dup.ExistingID), nil
		}
		return nil, p.reject(start, sub, core.NewInternalError("event insert failed", err))
	}

	// Step 7: post-commit hand-off. The bus never fails the request; the
	// sweeper replays anything that slips through.
	if p.bus != nil {
		p.bus.Dispatch(ctx, ev)
	}

	p.metrics.RecordIngest("accepted", time.Since(start).Seconds())
	p.logger.Printf("✅ Event accepted: id=%s tenant=%s workflow=%s type=%s",
		ev.ID, ev.TenantID, ev.WorkflowID, ev.EventType)
	return &Result{EventID: ev.ID, CorrelationID: sub.CorrelationID}, nil
}

func (p *Pipeline) replay(start time.Time, sub Submission, eventID string) *Result {
	p.metrics.RecordIngest("duplicate", time.Since(start).Seconds())
	p.logger.Printf("↩️ Duplicate submission: tenant=%s key=%s event=%s",
		sub.TenantID, sub.IdempotencyKey, eventID)
	return &Result{EventID: eventID, Duplicate: true, CorrelationID: sub.CorrelationID}
}

func (p *Pipeline) reject(start time.Time, sub Submission, err error) *core.Error {
	cerr := asCoreError(err)
	if sub.CorrelationID != "" {
		cerr.WithCorrelation(sub.CorrelationID)
	}
	p.metrics.RecordIngest(string(cerr.Code), time.Since(start).Seconds())
	if cerr.Code == core.CodeInternal {
		p.logger.Printf("❌ Ingest failed: tenant=%s key=%s: %v", sub.TenantID, sub.IdempotencyKey, cerr)
	} else {
		p.logger.Printf("🚫 Event rejected: tenant=%s code=%s: %s", sub.TenantID, cerr.Code, cerr.Message)
	}
	return cerr
}

func asCoreError(err error) *core.Error {
	var cerr *core.Error
	if errors.As(err, &cerr) {
		return cerr
	}
	return core.NewInternalError("ingestion failed", err)
}

// validate enforces the submission schema. It returns the parsed occurred_at,
// zero when the caller left it to the receipt clock.
func (s Submission) validate() (time.Time, *core.Error) {
	if s.TenantID == "" {
		return time.Time{}, core.NewValidationError("tenant_id is required", nil)
	}
	if s.WorkflowID == "" {
		return time.Time{}, core.NewValidationError("workflow_id is required", nil)
	}
	if s.EventType == "" || len(s.EventType) > maxFieldLen {
		return time.Time{}, core.NewValidationError(
			fmt.Sprintf("event_type must be 1-%d characters", maxFieldLen), nil)
	}
	if s.IdempotencyKey == "" || len(s.IdempotencyKey) > maxFieldLen {
		return time.Time{}, core.NewValidationError(
			fmt.Sprintf("idempotency_key must be 1-%d characters", maxFieldLen), nil)
	}
	if s.Payload != nil {
		raw, err := json.Marshal(s.Payload)
		if err != nil {
			return time.Time{}, core.NewValidationError("payload is not serializable", nil)
		}
		if len(raw) > maxPayloadBytes {
			return time.Time{}, core.NewValidationError(
				fmt.Sprintf("payload exceeds %d bytes", maxPayloadBytes),
				map[string]interface{}{"size": len(raw)})
		}
	}
	if s.SchemaVersion != "" && !schemaVersionRE.MatchString(s.SchemaVersion) {
		return time.Time{}, core.NewValidationError("schema_version must be semver-shaped", nil)
	}

	var occurredAt time.Time
	if s.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, s.OccurredAt)
		if err != nil {
			return time.Time{}, core.NewValidationError("occurred_at must be RFC3339", nil)
		}
		occurredAt = t
	}
	return occurredAt, nil
}

// vendorOf pulls the vendor name out of the payload, normalized to the form
// the breaker, limiter, and budget key by.
func vendorOf(payload map[string]interface{}) string {
	if payload == nil {
		return ""
	}
	v, ok := payload["vendor"].(string)
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(v))
}
