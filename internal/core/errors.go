package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies a pipeline rejection. Codes are stable API surface;
// the HTTP layer maps them to status classes.
type ErrorCode string

const (
	CodeValidation       ErrorCode = "validation"
	CodeTenantInactive   ErrorCode = "tenant_inactive"
	CodeNotFound         ErrorCode = "not_found"
	CodeWorkflowDisabled ErrorCode = "workflow_disabled"
	CodeDuplicate        ErrorCode = "duplicate"
	CodeRateLimited      ErrorCode = "rate_limited"
	CodeBreakerOpen      ErrorCode = "breaker_open"
	CodeInternal         ErrorCode = "internal"
)

// Error is the typed failure every pipeline call surfaces. RetryAfter is in
// seconds and only meaningful for rate_limited.
type Error struct {
	Code          ErrorCode              `json:"code"`
	Message       string                 `json:"message"`
	Details       map[string]interface{} `json:"details,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	RetryAfter    int                    `json:"retry_after,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match two core errors by code.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// HTTPStatus maps the code onto the response status class. duplicate is
// success-shaped and never reaches this path in practice.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeTenantInactive:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeWorkflowDisabled:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeBreakerOpen:
		return http.StatusServiceUnavailable
	case CodeDuplicate:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may usefully resubmit.
func (e *Error) Retryable() bool {
	return e.Code == CodeRateLimited || e.Code == CodeBreakerOpen || e.Code == CodeInternal
}

func NewValidationError(msg string, details map[string]interface{}) *Error {
	return &Error{Code: CodeValidation, Message: msg, Details: details}
}

func NewTenantInactiveError(tenantID string) *Error {
	return &Error{
		Code:    CodeTenantInactive,
		Message: "tenant is not active",
		Details: map[string]interface{}{"tenant_id": tenantID},
	}
}

func NewNotFoundError(kind, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", kind),
		Details: map[string]interface{}{"id": id},
	}
}

func NewWorkflowDisabledError(workflowID, reason string) *Error {
	return &Error{
		Code:    CodeWorkflowDisabled,
		Message: "workflow is disabled",
		Details: map[string]interface{}{"workflow_id": workflowID, "reason": reason},
	}
}

func NewRateLimitedError(scope string, retryAfter int) *Error {
	return &Error{
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		Details:    map[string]interface{}{"scope": scope},
		RetryAfter: retryAfter,
	}
}

func NewBreakerOpenError(vendor string) *Error {
	return &Error{
		Code:    CodeBreakerOpen,
		Message: "vendor circuit breaker is open",
		Details: map[string]interface{}{"vendor": vendor},
	}
}

func NewInternalError(msg string, cause error) *Error {
	return &Error{Code: CodeInternal, Message: msg, cause: cause}
}

// WithCorrelation stamps the request correlation id onto the error.
func (e *Error) WithCorrelation(cid string) *Error {
	e.CorrelationID = cid
	return e
}

// ErrIllegalTransition marks an attempted state-machine move outside the
// legal set. Callers treat it as an invariant violation, not a retryable
// failure.
var ErrIllegalTransition = errors.New("illegal state transition")
