package core

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncidentStatus_LegalTransitions(t *testing.T) {
	assert.True(t, IncidentNew.CanTransition(IncidentAnalyzing))
	assert.True(t, IncidentAnalyzing.CanTransition(IncidentActioned))
	assert.True(t, IncidentActioned.CanTransition(IncidentResolved))

	// IGNORED is reachable from any non-terminal state.
	for _, from := range []IncidentStatus{IncidentNew, IncidentAnalyzing, IncidentActioned} {
		assert.True(t, from.CanTransition(IncidentIgnored), "from=%s", from)
	}

	// Terminal states go nowhere.
	for _, to := range []IncidentStatus{IncidentNew, IncidentAnalyzing, IncidentActioned, IncidentResolved, IncidentIgnored} {
		assert.False(t, IncidentResolved.CanTransition(to), "to=%s", to)
		assert.False(t, IncidentIgnored.CanTransition(to), "to=%s", to)
	}
}

func TestIncidentStatus_NoBackwardMoves(t *testing.T) {
	assert.False(t, IncidentActioned.CanTransition(IncidentNew))
	assert.False(t, IncidentAnalyzing.CanTransition(IncidentNew))
	assert.False(t, IncidentActioned.CanTransition(IncidentAnalyzing))
}

func TestActionStatus_StateMachine(t *testing.T) {
	assert.True(t, ActionPending.CanTransition(ActionInProgress))
	assert.True(t, ActionInProgress.CanTransition(ActionSucceeded))
	assert.True(t, ActionInProgress.CanTransition(ActionFailed))

	// Everything else is illegal.
	assert.False(t, ActionPending.CanTransition(ActionSucceeded))
	assert.False(t, ActionPending.CanTransition(ActionFailed))
	assert.False(t, ActionSucceeded.CanTransition(ActionFailed))
	assert.False(t, ActionFailed.CanTransition(ActionPending))
	assert.False(t, ActionInProgress.CanTransition(ActionPending))
}

func TestActionStatus_Active(t *testing.T) {
	assert.True(t, ActionPending.Active())
	assert.True(t, ActionInProgress.Active())
	assert.False(t, ActionSucceeded.Active())
	assert.False(t, ActionFailed.Active())
}

func TestSeverity_EscalateCapsAtCritical(t *testing.T) {
	assert.Equal(t, SeverityMedium, SeverityLow.Escalate())
	assert.Equal(t, SeverityHigh, SeverityMedium.Escalate())
	assert.Equal(t, SeverityCritical, SeverityHigh.Escalate())
	assert.Equal(t, SeverityCritical, SeverityCritical.Escalate())
}

func TestSeverity_RankOrdering(t *testing.T) {
	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityMedium.Rank(), SeverityHigh.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
	// Unknown values rank as MEDIUM rather than panicking.
	assert.Equal(t, SeverityMedium.Rank(), Severity("bogus").Rank())
}

func TestEvent_ErrorCode(t *testing.T) {
	ev := &Event{Payload: map[string]interface{}{"error_code": "timeout"}}
	assert.Equal(t, "timeout", ev.ErrorCode())

	assert.Equal(t, "", (&Event{}).ErrorCode())
	assert.Equal(t, "", (&Event{Payload: map[string]interface{}{"error_code": 42}}).ErrorCode())
}

func TestError_HTTPStatusMapping(t *testing.T) {
	cases := map[ErrorCode]int{
		CodeValidation:       http.StatusBadRequest,
		CodeTenantInactive:   http.StatusBadRequest,
		CodeNotFound:         http.StatusNotFound,
		CodeWorkflowDisabled: http.StatusForbidden,
		CodeRateLimited:      http.StatusTooManyRequests,
		CodeBreakerOpen:      http.StatusServiceUnavailable,
		CodeInternal:         http.StatusInternalServerError,
	}
	for code, want := range cases {
		err := &Error{Code: code}
		assert.Equal(t, want, err.HTTPStatus(), "code=%s", code)
	}
}

func TestError_IsMatchesByCode(t *testing.T) {
	err := NewRateLimitedError("tenant", 30)
	require.True(t, errors.Is(err, &Error{Code: CodeRateLimited}))
	require.False(t, errors.Is(err, &Error{Code: CodeBreakerOpen}))
}

func TestError_WrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewInternalError("store insert", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestManualClock(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := NewManualClock(base)
	clk.Advance(90 * time.Second)
	assert.Equal(t, base.Add(90*time.Second), clk.Now())

	clk.Set(base.Add(time.Hour))
	assert.Equal(t, base.Add(time.Hour), clk.Now())
}
