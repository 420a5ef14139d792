// Package store is the durable, tenant-scoped persistence layer for events,
// incidents, decisions, actions, kill switches, and vendor snapshots.
//
// Two implementations exist: Postgres for production and an in-memory store
// for dev mode and tests. Both enforce the same invariants: one event row
// per (tenant, idempotency key), one open incident per (tenant, workflow,
// signature), and at most one active action per incident.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowsentry/backend/internal/core"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrActiveActionExists reports a single-flight conflict: the incident
// already has an action in PENDING or IN_PROGRESS.
var ErrActiveActionExists = errors.New("store: incident already has an active action")

// DuplicateEventError reports an idempotency-key collision. The pre-existing
// event id is the positive "duplicate" outcome, not a failure.
type DuplicateEventError struct {
	ExistingID string
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("store: duplicate idempotency key (existing event %s)", e.ExistingID)
}

// IncidentFilter narrows ListIncidents.
type IncidentFilter struct {
	TenantID   string
	WorkflowID string
	Status     core.IncidentStatus
	Severity   core.Severity
	Limit      int
}

// ActionFilter narrows ListActions.
type ActionFilter struct {
	IncidentID         string
	Status             core.ActionStatus
	Kind               core.ActionKind
	InvariantViolation *bool
	Limit              int
}

// TenantStore reads and seeds tenants and workflows.
type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*core.Tenant, error)
	CreateTenant(ctx context.Context, t *core.Tenant) error
	GetWorkflow(ctx context.Context, id string) (*core.Workflow, error)
	CreateWorkflow(ctx context.Context, w *core.Workflow) error
}

// EventStore persists immutable events. ProcessedAt is the only field that
// ever changes after insert, and only from unset to set.
type EventStore interface {
	// InsertEvent writes the row; a key collision returns *DuplicateEventError.
	InsertEvent(ctx context.Context, ev *core.Event) error
	FindEventByIdempotencyKey(ctx context.Context, tenantID, key string) (*core.Event, error)
	GetEvent(ctx context.Context, id string) (*core.Event, error)
	// UnprocessedEvents lists events awaiting detection, oldest first,
	// restricted to rows received before the grace cutoff.
	UnprocessedEvents(ctx context.Context, before time.Time, limit int) ([]*core.Event, error)
	MarkEventProcessed(ctx context.Context, id string, at time.Time) error
	// EventsForIncident returns the correlation set ordered by occurred_at.
	EventsForIncident(ctx context.Context, incidentID string) ([]*core.Event, error)
	// RecentEventsForIncident returns the newest n correlated events.
	RecentEventsForIncident(ctx context.Context, incidentID string, n int) ([]*core.Event, error)
}

// IncidentStore owns incident rows and their correlation sets.
type IncidentStore interface {
	// AttachEventToIncident atomically folds the event into the open incident
	// for (tenant, workflow, signature), creating it from draft when none is
	// open. Two concurrent calls with the same signature never create two
	// incidents. The event is marked processed in the same transaction.
	// Returns the final incident and whether it was created by this call.
	AttachEventToIncident(ctx context.Context, ev *core.Event, signature string, draft *core.Incident) (*core.Incident, bool, error)
	GetIncident(ctx context.Context, id string) (*core.Incident, error)
	ListIncidents(ctx context.Context, f IncidentFilter) ([]*core.Incident, error)
	// TransitionIncident moves status with compare-and-set on the from state.
	// Returns false when another writer got there first.
	TransitionIncident(ctx context.Context, id string, from, to core.IncidentStatus, metadata map[string]interface{}) (bool, error)
	// EscalateSeverity upgrades severity with compare-and-set on the from
	// level, so each threshold fires exactly once across instances.
	EscalateSeverity(ctx context.Context, id string, from, to core.Severity, metadata map[string]interface{}) (bool, error)
	// IncrementRetryCount atomically charges one retry against the incident
	// and returns the post-increment count.
	IncrementRetryCount(ctx context.Context, id string) (int, error)
}

// DecisionStore persists the immutable audit trail. There is deliberately
// no update or delete.
type DecisionStore interface {
	InsertDecision(ctx context.Context, d *core.Decision) error
	ListDecisions(ctx context.Context, incidentID string) ([]*core.Decision, error)
}

// ActionStore drives the action state machine.
type ActionStore interface {
	// CreateAction inserts in PENDING (or the caller-set status); a second
	// active action on the same incident returns ErrActiveActionExists.
	CreateAction(ctx context.Context, a *core.Action) error
	GetAction(ctx context.Context, id string) (*core.Action, error)
	ListActions(ctx context.Context, f ActionFilter) ([]*core.Action, error)
	HasActiveAction(ctx context.Context, incidentID string) (bool, error)
	// DueActions lists PENDING actions whose scheduled_for is at or before
	// now, oldest first.
	DueActions(ctx context.Context, now time.Time, limit int) ([]*core.Action, error)
	// TransitionAction moves status with compare-and-set on the from state;
	// result and completedAt are written when non-nil. Returns false when
	// the action was not in the from state.
	TransitionAction(ctx context.Context, id string, from, to core.ActionStatus, result map[string]interface{}, completedAt *time.Time) (bool, error)
	// FlagInvariantViolation marks the action for operator review.
	FlagInvariantViolation(ctx context.Context, id, reason string) error
}

// KillSwitchStore owns operator kill switches.
type KillSwitchStore interface {
	CreateKillSwitch(ctx context.Context, ks *core.KillSwitch) error
	DeactivateKillSwitch(ctx context.Context, id string, at time.Time) error
	// ActiveKillSwitch returns the workflow-specific switch if one is
	// active, else the tenant-wide switch, else ErrNotFound.
	ActiveKillSwitch(ctx context.Context, tenantID, workflowID string) (*core.KillSwitch, error)
	ListKillSwitches(ctx context.Context, tenantID string, activeOnly bool) ([]*core.KillSwitch, error)
}

// VendorStore keeps the operator-visible breaker snapshot.
type VendorStore interface {
	GetVendorByName(ctx context.Context, name string) (*core.Vendor, error)
	// UpsertVendorBreaker writes the snapshot row for a vendor, creating it
	// on first sight.
	UpsertVendorBreaker(ctx context.Context, name string, state core.BreakerState, failures int, openedAt *time.Time) error
}

// Store is the full persistence surface.
type Store interface {
	TenantStore
	EventStore
	IncidentStore
	DecisionStore
	ActionStore
	KillSwitchStore
	VendorStore

	Ping(ctx context.Context) error
	Close() error
}
