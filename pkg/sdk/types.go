package sdk

import "time"

// Submission status strings returned by the ingest endpoint
const (
	// StatusAccepted — fresh event, stored and queued for detection
	StatusAccepted = "accepted"

	// StatusDuplicate — idempotency key replay, the original event id is returned
	StatusDuplicate = "duplicate"
)

// Rejection codes carried by APIError. These are the stable wire codes the
// service answers with; Temporary() tells you which ones are worth resubmitting.
const (
	CodeValidation       = "validation"
	CodeTenantInactive   = "tenant_inactive"
	CodeNotFound         = "not_found"
	CodeWorkflowDisabled = "workflow_disabled"
	CodeRateLimited      = "rate_limited"
	CodeBreakerOpen      = "breaker_open"
	CodeInternal         = "internal"
)

// EventReport is one workflow event as the reporter presents it.
type EventReport struct {
	// WorkflowID names the workflow the event belongs to (required)
	WorkflowID string `json:"workflow_id"`

	// EventType is the dotted event name (e.g. "payment.failed")
	EventType string `json:"event_type"`

	// Payload carries the event body. Two keys are meaningful to the
	// service: "error_code" marks the event as a failure and drives retry
	// policy, "vendor" attributes the outcome to an external provider.
	Payload map[string]interface{} `json:"payload,omitempty"`

	// IdempotencyKey deduplicates resubmissions. Auto-generated if empty.
	IdempotencyKey string `json:"idempotency_key"`

	// OccurredAt is the RFC 3339 time the event happened (optional; the
	// service stamps receipt time when absent)
	OccurredAt string `json:"occurred_at,omitempty"`

	// SchemaVersion of the payload (optional)
	SchemaVersion string `json:"schema_version,omitempty"`

	// TenantID is filled from the client config; leave empty
	TenantID string `json:"tenant_id,omitempty"`
}

// SubmitResult is the ingest endpoint's acceptance answer.
type SubmitResult struct {
	// EventID is the stored event's id. On a duplicate it names the event
	// the original submission created.
	EventID string `json:"event_id"`

	// Status is StatusAccepted or StatusDuplicate
	Status string `json:"status"`

	// CorrelationID traces this submission through the service logs
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Duplicate reports whether the submission replayed an earlier one.
func (r *SubmitResult) Duplicate() bool { return r.Status == StatusDuplicate }

// APIError is a structured rejection from the service. It mirrors the wire
// envelope, plus the HTTP status the response carried.
type APIError struct {
	Code          string                 `json:"code"`
	Message       string                 `json:"message"`
	Details       map[string]interface{} `json:"details,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`

	// RetryAfter is in seconds; only set for rate_limited rejections
	RetryAfter int `json:"retry_after,omitempty"`

	// HTTPStatus of the response (not part of the body)
	HTTPStatus int `json:"-"`
}

func (e *APIError) Error() string {
	return "flowsentry: " + e.Code + ": " + e.Message
}

// Temporary reports whether resubmitting the same event can succeed without
// operator intervention. Rate limits clear, breakers close, internal errors
// pass; a kill switch or validation failure does not fix itself.
func (e *APIError) Temporary() bool {
	return e.Code == CodeRateLimited || e.Code == CodeBreakerOpen || e.Code == CodeInternal
}

// Incident is the read model the incident endpoints answer with.
type Incident struct {
	ID          string                 `json:"id"`
	TenantID    string                 `json:"tenant_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Signature   string                 `json:"signature"`
	Title       string                 `json:"title"`
	Status      string                 `json:"status"`
	Severity    string                 `json:"severity"`
	EventCount  int                    `json:"event_count"`
	FirstSeenAt time.Time              `json:"first_seen_at"`
	LastSeenAt  time.Time              `json:"last_seen_at"`
	RetryCount  int                    `json:"retry_count"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Open reports whether the service is still working the incident.
func (i *Incident) Open() bool {
	return i.Status != "RESOLVED" && i.Status != "IGNORED"
}
