package core

import (
	"fmt"
	"time"
)

// =============================================================================
// ENUMS
// =============================================================================

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentNew       IncidentStatus = "NEW"
	IncidentAnalyzing IncidentStatus = "ANALYZING"
	IncidentActioned  IncidentStatus = "ACTIONED"
	IncidentResolved  IncidentStatus = "RESOLVED"
	IncidentIgnored   IncidentStatus = "IGNORED"
)

// incidentTransitions defines the legal lifecycle moves. IGNORED is reachable
// from any non-terminal state; RESOLVED and IGNORED are terminal.
var incidentTransitions = map[IncidentStatus][]IncidentStatus{
	IncidentNew:       {IncidentAnalyzing, IncidentActioned, IncidentResolved, IncidentIgnored},
	IncidentAnalyzing: {IncidentActioned, IncidentResolved, IncidentIgnored},
	IncidentActioned:  {IncidentResolved, IncidentIgnored},
	IncidentResolved:  {},
	IncidentIgnored:   {},
}

// CanTransition reports whether from → to is a legal incident move.
func (s IncidentStatus) CanTransition(to IncidentStatus) bool {
	for _, next := range incidentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the incident can change no further.
func (s IncidentStatus) Terminal() bool {
	return s == IncidentResolved || s == IncidentIgnored
}

// Open reports whether the incident still groups new events.
func (s IncidentStatus) Open() bool { return !s.Terminal() }

// ActionStatus is the state of a remediation action.
type ActionStatus string

const (
	ActionPending    ActionStatus = "PENDING"
	ActionInProgress ActionStatus = "IN_PROGRESS"
	ActionSucceeded  ActionStatus = "SUCCEEDED"
	ActionFailed     ActionStatus = "FAILED"
)

var actionTransitions = map[ActionStatus][]ActionStatus{
	ActionPending:    {ActionInProgress},
	ActionInProgress: {ActionSucceeded, ActionFailed},
	ActionSucceeded:  {},
	ActionFailed:     {},
}

// CanTransition reports whether from → to is a legal action move.
// PENDING → IN_PROGRESS → SUCCEEDED | FAILED; nothing else.
func (s ActionStatus) CanTransition(to ActionStatus) bool {
	for _, next := range actionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether the action counts against the single-flight limit.
func (s ActionStatus) Active() bool {
	return s == ActionPending || s == ActionInProgress
}

// ActionKind is what a remediation action does.
type ActionKind string

const (
	ActionRetry    ActionKind = "retry"
	ActionEscalate ActionKind = "escalate"
	ActionManual   ActionKind = "manual"
	ActionReversal ActionKind = "reversal"
)

// DecisionKind categorizes audit records.
type DecisionKind string

const (
	DecisionClassification DecisionKind = "classification"
	DecisionRCA            DecisionKind = "rca"
	DecisionRecommendation DecisionKind = "recommendation"
)

// Severity orders incidents for escalation.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the ordinal of the severity; unknown values rank as MEDIUM.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return severityRank[SeverityMedium]
}

// Escalate returns the severity one level up, capped at CRITICAL.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// BreakerState is the circuit breaker position for a vendor.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// =============================================================================
// ENTITIES
// =============================================================================

// Tenant owns all other data; an inactive tenant rejects every write.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Workflow is a tenant-scoped automation whose failures this system watches.
type Workflow struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Vendor is an external dependency protected by a circuit breaker. The row is
// the operator-visible snapshot; live breaker state is in the shared cache.
type Vendor struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name"`
	BreakerState        BreakerState `json:"breaker_state"`
	BreakerFailureCount int          `json:"breaker_failure_count"`
	BreakerOpenedAt     *time.Time   `json:"breaker_opened_at,omitempty"`
	RateLimitPerMinute  int          `json:"rate_limit_per_minute"`
}

// KillSwitch disables ingestion for a workflow, or tenant-wide when
// WorkflowID is empty. Created by operators, deactivated explicitly.
type KillSwitch struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	WorkflowID    string     `json:"workflow_id,omitempty"`
	Active        bool       `json:"active"`
	Reason        string     `json:"reason"`
	ActivatedBy   string     `json:"activated_by"`
	ActivatedAt   time.Time  `json:"activated_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// Event is an immutable workflow failure (or success) record. Once committed
// no submitted field changes; ProcessedAt is detection bookkeeping only.
type Event struct {
	ID             string                 `json:"id"`
	TenantID       string                 `json:"tenant_id"`
	WorkflowID     string                 `json:"workflow_id"`
	EventType      string                 `json:"event_type"`
	Payload        map[string]interface{} `json:"payload"`
	IdempotencyKey string                 `json:"idempotency_key"`
	OccurredAt     time.Time              `json:"occurred_at"`
	ReceivedAt     time.Time              `json:"received_at"`
	CorrelationID  string                 `json:"correlation_id"`
	SchemaVersion  string                 `json:"schema_version"`
	Vendor         string                 `json:"vendor,omitempty"`
	ProcessedAt    *time.Time             `json:"processed_at,omitempty"`
}

// ErrorCode extracts the payload error code; empty when absent.
func (e *Event) ErrorCode() string {
	if e.Payload == nil {
		return ""
	}
	if code, ok := e.Payload["error_code"].(string); ok {
		return code
	}
	return ""
}

// Incident groups events that share a fingerprint on one workflow.
type Incident struct {
	ID          string                 `json:"id"`
	TenantID    string                 `json:"tenant_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Signature   string                 `json:"signature"`
	Title       string                 `json:"title"`
	Status      IncidentStatus         `json:"status"`
	Severity    Severity               `json:"severity"`
	EventCount  int                    `json:"event_count"`
	FirstSeenAt time.Time              `json:"first_seen_at"`
	LastSeenAt  time.Time              `json:"last_seen_at"`
	RetryCount  int                    `json:"retry_count"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Decision is one immutable audit record of an automated choice.
type Decision struct {
	ID          string       `json:"id"`
	IncidentID  string       `json:"incident_id"`
	Kind        DecisionKind `json:"kind"`
	Category    string       `json:"category,omitempty"`
	Recommended string       `json:"recommended,omitempty"`
	Reasoning   string       `json:"reasoning"`
	Confidence  float64      `json:"confidence"`
	ModelTag    string       `json:"model_tag"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Action is one remediation attempt, driven through the four-state machine.
type Action struct {
	ID                 string                 `json:"id"`
	IncidentID         string                 `json:"incident_id"`
	Kind               ActionKind             `json:"kind"`
	Status             ActionStatus           `json:"status"`
	Parameters         map[string]interface{} `json:"parameters,omitempty"`
	Result             map[string]interface{} `json:"result,omitempty"`
	Reversible         bool                   `json:"reversible"`
	ReversalOf         string                 `json:"reversal_of,omitempty"`
	ScheduledFor       *time.Time             `json:"scheduled_for,omitempty"`
	AttemptNumber      int                    `json:"attempt_number"`
	InvariantViolation bool                   `json:"invariant_violation,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
}

// IncidentTitle builds the operator-facing one-liner for a new incident.
func IncidentTitle(eventType, errorCode string) string {
	if errorCode == "" {
		errorCode = "unknown"
	}
	return fmt.Sprintf("%s (%s)", eventType, errorCode)
}
