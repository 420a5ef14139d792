package action

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsentry/backend/internal/budget"
	"github.com/flowsentry/backend/internal/cache"
	"github.com/flowsentry/backend/internal/config"
	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/decision"
	"github.com/flowsentry/backend/internal/notify"
	"github.com/flowsentry/backend/internal/rules"
	"github.com/flowsentry/backend/internal/store"
)

type coordEnv struct {
	store    *store.MemoryStore
	clock    *core.ManualClock
	recorder *decision.Recorder
	coord    *Coordinator
}

func newCoordEnv(t *testing.T, limits config.LimitsConfig) *coordEnv {
	t.Helper()
	s := store.NewMemoryStore()
	clock := core.NewManualClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	recorder := decision.NewRecorder(s, clock, nil)

	boolFalse := false
	table := rules.NewTable(&config.ErrorCodesFile{
		Codes: map[string]config.ErrorCodeRule{
			"VENDOR_TIMEOUT":    {Severity: "high"},
			"PERMISSION_DENIED": {Severity: "low", Retryable: &boolFalse},
			"RATE_LIMITED":      {Severity: "medium", RetryPolicy: "aggressive"},
		},
	}, &config.RetryPoliciesFile{
		Policies: map[string]config.RetryPolicy{
			"aggressive": {Retryable: true, MaxRetries: 1, InitialDelaySeconds: 5, MaxDelaySeconds: 60, Multiplier: 2, Jitter: 0.2},
		},
	}, nil)

	var enforcer *budget.Enforcer
	if limits != (config.LimitsConfig{}) {
		enforcer = budget.NewEnforcer(cache.NewMemoryCache(), limits, clock, nil)
	}

	reg := notify.NewRegistry()
	require.NoError(t, reg.Register(&notify.Channel{Name: "team-slack", URL: "https://hooks.example.com/team", Levels: []int{1, 2, 3}}))
	require.NoError(t, reg.Register(&notify.Channel{Name: "oncall-pager", URL: "https://pager.example.com/oncall", Levels: []int{2, 3}}))
	require.NoError(t, reg.Register(&notify.Channel{Name: "mgmt-bridge", URL: "https://bridge.example.com/war-room", Levels: []int{3}}))

	coord := NewCoordinator(Deps{
		Records:  s,
		Rules:    table,
		Budget:   enforcer,
		Recorder: recorder,
		Channels: reg,
		Clock:    clock,
		Random:   core.FixedRand{Value: 0.5}, // jitter factor 1.0
	})
	return &coordEnv{store: s, clock: clock, recorder: recorder, coord: coord}
}

func (env *coordEnv) seedIncident(t *testing.T, workflowID string, severity core.Severity, errorCode, vendor string) *core.Incident {
	t.Helper()
	ctx := context.Background()
	ev := &core.Event{
		ID:             uuid.New().String(),
		TenantID:       "t1",
		WorkflowID:     workflowID,
		EventType:      "payment.failed",
		Payload:        map[string]interface{}{"error_code": errorCode},
		IdempotencyKey: uuid.New().String(),
		OccurredAt:     env.clock.Now(),
		ReceivedAt:     env.clock.Now(),
		Vendor:         vendor,
	}
	require.NoError(t, env.store.InsertEvent(ctx, ev))

	draft := &core.Incident{
		ID:         uuid.New().String(),
		TenantID:   "t1",
		WorkflowID: workflowID,
		Signature:  fmt.Sprintf("payment.failed:%s:%s", strings.ToLower(errorCode), workflowID),
		Title:      core.IncidentTitle("payment.failed", errorCode),
		Status:     core.IncidentNew,
		Severity:   severity,
	}
	inc, created, err := env.store.AttachEventToIncident(ctx, ev, draft.Signature, draft)
	require.NoError(t, err)
	require.True(t, created)
	return inc
}

func classification(recommended, reasoning string) *core.Decision {
	return &core.Decision{Kind: core.DecisionClassification, Recommended: recommended, Reasoning: reasoning}
}

func (env *coordEnv) notes(t *testing.T, incidentID string) []string {
	t.Helper()
	decs, err := env.store.ListDecisions(context.Background(), incidentID)
	require.NoError(t, err)
	var out []string
	for _, d := range decs {
		if d.Kind == core.DecisionRecommendation {
			out = append(out, d.Reasoning)
		}
	}
	return out
}

func (env *coordEnv) finish(t *testing.T, actionID string, to core.ActionStatus) {
	t.Helper()
	ctx := context.Background()
	ok, err := env.store.TransitionAction(ctx, actionID, core.ActionPending, core.ActionInProgress, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)
	now := env.clock.Now()
	ok, err = env.store.TransitionAction(ctx, actionID, core.ActionInProgress, to, nil, &now)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRetrySelectionSchedulesBackoff(t *testing.T) {
	env := newCoordEnv(t, config.LimitsConfig{})
	ctx := context.Background()
	inc := env.seedIncident(t, "wf1", core.SeverityMedium, "VENDOR_TIMEOUT", "stripe")

	act, err := env.coord.OnDecision(ctx, inc, classification(decision.RecommendRetry, "transient vendor fault"))
	require.NoError(t, err)
	require.NotNil(t, act)

	assert.Equal(t, core.ActionRetry, act.Kind)
	assert.Equal(t, core.ActionPending, act.Status)
	assert.True(t, act.Reversible)
	assert.Equal(t, 1, act.AttemptNumber)
	assert.Equal(t, "default", act.Parameters["policy"])
	assert.Equal(t, "stripe", act.Parameters["vendor"])

	// Default policy: 30s initial, jitter factor pinned to 1.0.
	require.NotNil(t, act.ScheduledFor)
	assert.Equal(t, env.clock.Now().Add(30*time.Second), *act.ScheduledFor)

	fresh, err := env.store.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, core.IncidentActioned, fresh.Status)

	notes := env.notes(t, inc.ID)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "selected retry attempt 1")
}

func TestCriticalSeverityAlwaysEscalates(t *testing.T) {
	env := newCoordEnv(t, config.LimitsConfig{})
	ctx := context.Background()
	inc := env.seedIncident(t, "wf1", core.SeverityCritical, "VENDOR_TIMEOUT", "stripe")

	act, err := env.coord.OnDecision(ctx, inc, classification(decision.RecommendRetry, "looks transient"))
	require.NoError(t, err)
	require.NotNil(t, act)

	assert.Equal(t, core.ActionEscalate, act.Kind)
	assert.False(t, act.Reversible)
	assert.Equal(t, 3, act.Parameters["level"])
	assert.Equal(t, []string{"mgmt-bridge", "oncall-pager", "team-slack"}, act.Parameters["channels"])
	assert.Contains(t, act.Parameters["reason"], "CRITICAL")
}

func TestNonRetryableCodeEscalates(t *testing.T) {
	env := newCoordEnv(t, config.LimitsConfig{})
	ctx := context.Background()
	inc := env.seedIncident(t, "wf1", core.SeverityLow, "PERMISSION_DENIED", "")

	act, err := env.coord.OnDecision(ctx, inc, classification(decision.RecommendRetry, "maybe transient"))
	require.NoError(t, err)
	require.NotNil(t, act)

	assert.Equal(t, core.ActionEscalate, act.Kind)
	assert.Equal(t, 1, act.Parameters["level"])
	assert.Contains(t, act.Parameters["reason"], "not retryable")
}

func TestWorkflowBudgetExhaustionPagesOneLevelHigher(t *testing.T) {
	env := newCoordEnv(t, config.LimitsConfig{MaxRetriesPerWorkflow: 2})
	ctx := context.Background()
	inc := env.seedIncident(t, "wf1", core.SeverityMedium, "VENDOR_TIMEOUT", "stripe")

	for i := 0; i < 2; i++ {
		_, err := env.store.IncrementRetryCount(ctx, inc.ID)
		require.NoError(t, err)
	}
	inc, err := env.store.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	require.Equal(t, 2, inc.RetryCount)

	act, err := env.coord.OnDecision(ctx, inc, classification(decision.RecommendRetry, "still transient"))
	require.NoError(t, err)
	require.NotNil(t, act)

	assert.Equal(t, core.ActionEscalate, act.Kind)
	assert.Equal(t, 2, act.Parameters["level"], "MEDIUM pages level 1; exhausted budget bumps to 2")
	assert.Contains(t, act.Parameters["reason"], "exhausted")
}

func TestPolicyMaxRetriesExhausted(t *testing.T) {
	env := newCoordEnv(t, config.LimitsConfig{})
	ctx := context.Background()
	inc := env.seedIncident(t, "wf1", core.SeverityMedium, "RATE_LIMITED", "")

	_, err := env.store.IncrementRetryCount(ctx, inc.ID)
	require.NoError(t, err)
	inc, err = env.store.GetIncident(ctx, inc.ID)
	require.NoError(t, err)

	act, err := env.coord.OnDecision(ctx, inc, classification(decision.RecommendRetry, "rate limited"))
	require.NoError(t, err)
	require.NotNil(t, act)

	assert.Equal(t, core.ActionEscalate, act.Kind)
	assert.Equal(t, 2, act.Parameters["level"])
	assert.Contains(t, act.Parameters["reason"], `"aggressive" exhausted`)
}

func TestManualRecommendation(t *testing.T) {
	env := newCoordEnv(t, config.LimitsConfig{})
	ctx := context.Background()
	inc := env.seedIncident(t, "wf1", core.SeverityMedium, "VENDOR_TIMEOUT", "")

	act, err := env.coord.OnDecision(ctx, inc, classification(decision.RecommendManual, "ambiguous payload"))
	require.NoError(t, err)
	require.NotNil(t, act)

	assert.Equal(t, core.ActionManual, act.Kind)
	assert.False(t, act.Reversible)
	assert.Contains(t, act.Parameters["reason"], "ambiguous payload")
	require.NotNil(t, act.ScheduledFor)
	assert.Equal(t, env.clock.Now(), *act.ScheduledFor)
}

func TestSingleFlightSuppressesSecondAction(t *testing.T) {
	env := newCoordEnv(t, config.LimitsConfig{})
	ctx := context.Background()
	inc := env.seedIncident(t, "wf1", core.SeverityMedium, "VENDOR_TIMEOUT", "stripe")

	first, err := env.coord.OnDecision(ctx, inc, classification(decision.RecommendRetry, "transient"))
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := env.coord.OnDecision(ctx, inc, classification(decision.RecommendRetry, "transient again"))
	require.NoError(t, err)
	assert.Nil(t, second)

	actions, err := env.store.ListActions(ctx, store.ActionFilter{IncidentID: inc.ID})
	require.NoError(t, err)
	assert.Len(t, actions, 1)

	notes := env.notes(t, inc.ID)
	require.NotEmpty(t, notes)
	assert.Contains(t, notes[len(notes)-1], "action in flight")
}

func TestOnActivityNotesSuppressionOnlyWhenActive(t *testing.T) {
	env := newCoordEnv(t, config.LimitsConfig{})
	ctx := context.Background()
	inc := env.seedIncident(t, "wf1", core.SeverityMedium, "VENDOR_TIMEOUT", "")

	require.NoError(t, env.coord.OnActivity(ctx, inc))
	assert.Empty(t, env.notes(t, inc.ID), "no active action, no suppression note")

	_, err := env.coord.OnDecision(ctx, inc, classification(decision.RecommendRetry, "transient"))
	require.NoError(t, err)

	require.NoError(t, env.coord.OnActivity(ctx, inc))
	notes := env.notes(t, inc.ID)
	require.NotEmpty(t, notes)
	assert.Contains(t, notes[len(notes)-1], "action in flight")
}

func TestActionQuotaSuppressesAutomation(t *testing.T) {
	env := newCoordEnv(t, config.LimitsConfig{TenantActionsPerDay: 1})
	ctx := context.Background()
	inc1 := env.seedIncident(t, "wf1", core.SeverityMedium, "VENDOR_TIMEOUT", "")
	inc2 := env.seedIncident(t, "wf2", core.SeverityMedium, "VENDOR_TIMEOUT", "")

	first, err := env.coord.OnDecision(ctx, inc1, classification(decision.RecommendRetry, "transient"))
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := env.coord.OnDecision(ctx, inc2, classification(decision.RecommendRetry, "transient"))
	require.NoError(t, err)
	assert.Nil(t, second)

	notes := env.notes(t, inc2.ID)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "quota")
}

func TestReselectUsesLatestClassification(t *testing.T) {
	env := newCoordEnv(t, config.LimitsConfig{})
	ctx := context.Background()
	inc := env.seedIncident(t, "wf1", core.SeverityMedium, "VENDOR_TIMEOUT", "")

	_, err := env.recorder.Record(ctx, inc.ID, core.DecisionClassification,
		&decision.Result{Category: "transient", Confidence: 0.9, Recommended: decision.RecommendRetry, Reasoning: "first pass", ModelTag: "rules-v1"})
	require.NoError(t, err)
	_, err = env.recorder.Record(ctx, inc.ID, core.DecisionClassification,
		&decision.Result{Category: "permanent", Confidence: 0.8, Recommended: decision.RecommendEscalate, Reasoning: "second pass", ModelTag: "rules-v1"})
	require.NoError(t, err)

	act, err := env.coord.Reselect(ctx, inc.ID)
	require.NoError(t, err)
	require.NotNil(t, act)
	assert.Equal(t, core.ActionEscalate, act.Kind)
	assert.Contains(t, act.Parameters["reason"], "second pass")
}

func TestReselectWithoutClassificationEscalates(t *testing.T) {
	env := newCoordEnv(t, config.LimitsConfig{})
	ctx := context.Background()
	inc := env.seedIncident(t, "wf1", core.SeverityMedium, "VENDOR_TIMEOUT", "")

	act, err := env.coord.Reselect(ctx, inc.ID)
	require.NoError(t, err)
	require.NotNil(t, act)
	assert.Equal(t, core.ActionEscalate, act.Kind)
	assert.Contains(t, act.Parameters["reason"], "no classification on record")
}

func TestRequestReversal(t *testing.T) {
	env := newCoordEnv(t, config.LimitsConfig{})
	ctx := context.Background()
	inc := env.seedIncident(t, "wf1", core.SeverityMedium, "VENDOR_TIMEOUT", "stripe")

	act, err := env.coord.OnDecision(ctx, inc, classification(decision.RecommendRetry, "transient"))
	require.NoError(t, err)
	require.NotNil(t, act)
	env.finish(t, act.ID, core.ActionSucceeded)

	rev, err := env.coord.RequestReversal(ctx, act.ID, "ops@example.com")
	require.NoError(t, err)
	require.NotNil(t, rev)
	assert.Equal(t, core.ActionReversal, rev.Kind)
	assert.Equal(t, act.ID, rev.ReversalOf)
	assert.False(t, rev.Reversible)
	assert.Equal(t, "ops@example.com", rev.Parameters["requested_by"])
}

func TestSecondReversalRejected(t *testing.T) {
	env := newCoordEnv(t, config.LimitsConfig{})
	ctx := context.Background()
	inc := env.seedIncident(t, "wf1", core.SeverityMedium, "VENDOR_TIMEOUT", "stripe")

	act, err := env.coord.OnDecision(ctx, inc, classification(decision.RecommendRetry, "transient"))
	require.NoError(t, err)
	env.finish(t, act.ID, core.ActionSucceeded)

	rev, err := env.coord.RequestReversal(ctx, act.ID, "ops@example.com")
	require.NoError(t, err)
	env.finish(t, rev.ID, core.ActionSucceeded)

	_, err = env.coord.RequestReversal(ctx, act.ID, "ops@example.com")
	var cerr *core.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, core.CodeValidation, cerr.Code)
	assert.Contains(t, cerr.Message, "already reversed")
}

func TestFailedReversalAllowsAnotherRequest(t *testing.T) {
	env := newCoordEnv(t, config.LimitsConfig{})
	ctx := context.Background()
	inc := env.seedIncident(t, "wf1", core.SeverityMedium, "VENDOR_TIMEOUT", "stripe")

	act, err := env.coord.OnDecision(ctx, inc, classification(decision.RecommendRetry, "transient"))
	require.NoError(t, err)
	env.finish(t, act.ID, core.ActionSucceeded)

	rev, err := env.coord.RequestReversal(ctx, act.ID, "ops@example.com")
	require.NoError(t, err)
	env.finish(t, rev.ID, core.ActionFailed)

	again, err := env.coord.RequestReversal(ctx, act.ID, "ops@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, rev.ID, again.ID)
}

func TestReversalRejectsNonReversibleAndUnfinished(t *testing.T) {
	env := newCoordEnv(t, config.LimitsConfig{})
	ctx := context.Background()

	escInc := env.seedIncident(t, "wf1", core.SeverityCritical, "VENDOR_TIMEOUT", "")
	esc, err := env.coord.OnDecision(ctx, escInc, classification(decision.RecommendRetry, "transient"))
	require.NoError(t, err)
	env.finish(t, esc.ID, core.ActionSucceeded)

	_, err = env.coord.RequestReversal(ctx, esc.ID, "ops@example.com")
	var cerr *core.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, core.CodeValidation, cerr.Code)
	assert.Contains(t, cerr.Message, "not reversible")

	retryInc := env.seedIncident(t, "wf2", core.SeverityMedium, "VENDOR_TIMEOUT", "")
	pending, err := env.coord.OnDecision(ctx, retryInc, classification(decision.RecommendRetry, "transient"))
	require.NoError(t, err)

	_, err = env.coord.RequestReversal(ctx, pending.ID, "ops@example.com")
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Message, "succeeded actions")
}

func TestReversalRejectedWhenLaterActionRan(t *testing.T) {
	env := newCoordEnv(t, config.LimitsConfig{})
	ctx := context.Background()
	inc := env.seedIncident(t, "wf1", core.SeverityMedium, "VENDOR_TIMEOUT", "stripe")

	act, err := env.coord.OnDecision(ctx, inc, classification(decision.RecommendRetry, "transient"))
	require.NoError(t, err)
	env.finish(t, act.ID, core.ActionSucceeded)

	env.clock.Advance(time.Minute)
	later := &core.Action{
		ID:            uuid.New().String(),
		IncidentID:    inc.ID,
		Kind:          core.ActionManual,
		Status:        core.ActionPending,
		Parameters:    map[string]interface{}{"reason": "second opinion"},
		AttemptNumber: 1,
		CreatedAt:     env.clock.Now(),
	}
	require.NoError(t, env.store.CreateAction(ctx, later))
	env.finish(t, later.ID, core.ActionSucceeded)

	_, err = env.coord.RequestReversal(ctx, act.ID, "ops@example.com")
	var cerr *core.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, core.CodeValidation, cerr.Code)
	assert.Contains(t, cerr.Message, "later action")
}

func TestReversalOfMissingAction(t *testing.T) {
	env := newCoordEnv(t, config.LimitsConfig{})

	_, err := env.coord.RequestReversal(context.Background(), "no-such-action", "ops@example.com")
	var cerr *core.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, core.CodeNotFound, cerr.Code)
}
