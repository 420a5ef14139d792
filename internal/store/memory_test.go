package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsentry/backend/internal/core"
)

func testEvent(tenantID, workflowID, key string, at time.Time) *core.Event {
	return &core.Event{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		WorkflowID:     workflowID,
		EventType:      "workflow_failed",
		Payload:        map[string]interface{}{"error_code": "VENDOR_TIMEOUT"},
		IdempotencyKey: key,
		OccurredAt:     at,
		ReceivedAt:     at.Add(50 * time.Millisecond),
		CorrelationID:  uuid.New().String(),
		SchemaVersion:  "1.0",
	}
}

func testIncidentDraft(ev *core.Event, signature string) *core.Incident {
	return &core.Incident{
		ID:          uuid.New().String(),
		TenantID:    ev.TenantID,
		WorkflowID:  ev.WorkflowID,
		Signature:   signature,
		Title:       core.IncidentTitle(ev.EventType, ev.ErrorCode()),
		Status:      core.IncidentNew,
		Severity:    core.SeverityMedium,
		EventCount:  1,
		FirstSeenAt: ev.OccurredAt,
		LastSeenAt:  ev.OccurredAt,
		CreatedAt:   ev.ReceivedAt,
		UpdatedAt:   ev.ReceivedAt,
	}
}

func TestInsertEventDuplicateKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	first := testEvent("t1", "wf1", "key-1", now)
	require.NoError(t, s.InsertEvent(ctx, first))

	second := testEvent("t1", "wf1", "key-1", now.Add(time.Second))
	err := s.InsertEvent(ctx, second)

	var dup *DuplicateEventError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, first.ID, dup.ExistingID)

	// Same key under another tenant is a different event.
	other := testEvent("t2", "wf1", "key-1", now)
	assert.NoError(t, s.InsertEvent(ctx, other))
}

func TestAttachEventCreatesThenFolds(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ev1 := testEvent("t1", "wf1", "k1", now)
	require.NoError(t, s.InsertEvent(ctx, ev1))

	inc, created, err := s.AttachEventToIncident(ctx, ev1, "sig-a", testIncidentDraft(ev1, "sig-a"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, inc.EventCount)

	// Second event with the same signature folds into the open incident.
	ev2 := testEvent("t1", "wf1", "k2", now.Add(time.Minute))
	require.NoError(t, s.InsertEvent(ctx, ev2))

	inc2, created, err := s.AttachEventToIncident(ctx, ev2, "sig-a", testIncidentDraft(ev2, "sig-a"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, inc.ID, inc2.ID)
	assert.Equal(t, 2, inc2.EventCount)
	assert.Equal(t, ev2.OccurredAt, inc2.LastSeenAt)

	events, err := s.EventsForIncident(ctx, inc.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.NotNil(t, events[0].ProcessedAt)

	// Out-of-order arrival must not move last_seen_at backwards.
	ev3 := testEvent("t1", "wf1", "k3", now.Add(-time.Hour))
	require.NoError(t, s.InsertEvent(ctx, ev3))
	inc3, _, err := s.AttachEventToIncident(ctx, ev3, "sig-a", testIncidentDraft(ev3, "sig-a"))
	require.NoError(t, err)
	assert.Equal(t, ev2.OccurredAt, inc3.LastSeenAt)
	assert.Equal(t, 3, inc3.EventCount)
}

func TestAttachProcessedEventDoesNotDoubleCount(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ev := testEvent("t1", "wf1", "k1", now)
	require.NoError(t, s.InsertEvent(ctx, ev))

	first, created, err := s.AttachEventToIncident(ctx, ev, "sig-a", testIncidentDraft(ev, "sig-a"))
	require.NoError(t, err)
	require.True(t, created)

	// Sweeper and live dispatch can both hand over the same event; the
	// second attach must fold nothing.
	again, created, err := s.AttachEventToIncident(ctx, ev, "sig-a", testIncidentDraft(ev, "sig-a"))
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, again.EventCount)
}

func TestAttachEventAfterResolveOpensFresh(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ev1 := testEvent("t1", "wf1", "k1", now)
	require.NoError(t, s.InsertEvent(ctx, ev1))
	inc, _, err := s.AttachEventToIncident(ctx, ev1, "sig-a", testIncidentDraft(ev1, "sig-a"))
	require.NoError(t, err)

	ok, err := s.TransitionIncident(ctx, inc.ID, core.IncidentNew, core.IncidentResolved, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ev2 := testEvent("t1", "wf1", "k2", now.Add(time.Minute))
	require.NoError(t, s.InsertEvent(ctx, ev2))
	fresh, created, err := s.AttachEventToIncident(ctx, ev2, "sig-a", testIncidentDraft(ev2, "sig-a"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, inc.ID, fresh.ID)
}

func TestTransitionIncidentCAS(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ev := testEvent("t1", "wf1", "k1", now)
	require.NoError(t, s.InsertEvent(ctx, ev))
	inc, _, err := s.AttachEventToIncident(ctx, ev, "sig", testIncidentDraft(ev, "sig"))
	require.NoError(t, err)

	ok, err := s.TransitionIncident(ctx, inc.ID, core.IncidentNew, core.IncidentAnalyzing, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale expected state loses the race.
	ok, err = s.TransitionIncident(ctx, inc.ID, core.IncidentNew, core.IncidentResolved, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, core.IncidentAnalyzing, got.Status)
}

func TestEscalateSeverityCAS(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ev := testEvent("t1", "wf1", "k1", now)
	require.NoError(t, s.InsertEvent(ctx, ev))
	inc, _, err := s.AttachEventToIncident(ctx, ev, "sig", testIncidentDraft(ev, "sig"))
	require.NoError(t, err)

	ok, err := s.EscalateSeverity(ctx, inc.ID, core.SeverityMedium, core.SeverityHigh,
		map[string]interface{}{"count_escalated": true})
	require.NoError(t, err)
	assert.True(t, ok)

	// A concurrent escalation attempt from the same baseline must fail.
	ok, err = s.EscalateSeverity(ctx, inc.ID, core.SeverityMedium, core.SeverityHigh, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SeverityHigh, got.Severity)
	assert.Equal(t, true, got.Metadata["count_escalated"])
}

func TestIncrementRetryCount(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ev := testEvent("t1", "wf1", "k1", now)
	require.NoError(t, s.InsertEvent(ctx, ev))
	inc, _, err := s.AttachEventToIncident(ctx, ev, "sig", testIncidentDraft(ev, "sig"))
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		n, err := s.IncrementRetryCount(ctx, inc.ID)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}

func TestCreateActionSingleFlight(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	a1 := &core.Action{
		ID:         uuid.New().String(),
		IncidentID: "inc-1",
		Kind:       core.ActionRetry,
		Status:     core.ActionPending,
		CreatedAt:  now,
	}
	require.NoError(t, s.CreateAction(ctx, a1))

	a2 := &core.Action{
		ID:         uuid.New().String(),
		IncidentID: "inc-1",
		Kind:       core.ActionEscalate,
		Status:     core.ActionPending,
		CreatedAt:  now,
	}
	assert.ErrorIs(t, s.CreateAction(ctx, a2), ErrActiveActionExists)

	// Once the first action terminates, a new one is allowed.
	done := now.Add(time.Second)
	ok, err := s.TransitionAction(ctx, a1.ID, core.ActionPending, core.ActionInProgress, nil, nil)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.TransitionAction(ctx, a1.ID, core.ActionInProgress, core.ActionFailed,
		map[string]interface{}{"error": "still broken"}, &done)
	require.NoError(t, err)
	require.True(t, ok)

	assert.NoError(t, s.CreateAction(ctx, a2))

	// Another incident is never blocked.
	a3 := &core.Action{
		ID:         uuid.New().String(),
		IncidentID: "inc-2",
		Kind:       core.ActionRetry,
		Status:     core.ActionPending,
		CreatedAt:  now,
	}
	assert.NoError(t, s.CreateAction(ctx, a3))
}

func TestDueActionsOrderAndClaim(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(incident string, offset time.Duration) *core.Action {
		at := now.Add(offset)
		return &core.Action{
			ID:           uuid.New().String(),
			IncidentID:   incident,
			Kind:         core.ActionRetry,
			Status:       core.ActionPending,
			ScheduledFor: &at,
			CreatedAt:    now,
		}
	}
	late := mk("inc-late", 10*time.Minute)
	soon := mk("inc-soon", -time.Minute)
	sooner := mk("inc-sooner", -2*time.Minute)
	require.NoError(t, s.CreateAction(ctx, late))
	require.NoError(t, s.CreateAction(ctx, soon))
	require.NoError(t, s.CreateAction(ctx, sooner))

	due, err := s.DueActions(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, sooner.ID, due[0].ID)
	assert.Equal(t, soon.ID, due[1].ID)

	// Claiming flips PENDING to IN_PROGRESS exactly once.
	ok, err := s.TransitionAction(ctx, sooner.ID, core.ActionPending, core.ActionInProgress, nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.TransitionAction(ctx, sooner.ID, core.ActionPending, core.ActionInProgress, nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	due, err = s.DueActions(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, soon.ID, due[0].ID)
}

func TestFlagInvariantViolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := &core.Action{
		ID:         uuid.New().String(),
		IncidentID: "inc-1",
		Kind:       core.ActionRetry,
		Status:     core.ActionPending,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.CreateAction(ctx, a))
	require.NoError(t, s.FlagInvariantViolation(ctx, a.ID, "duplicate active action observed"))

	got, err := s.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.InvariantViolation)
	assert.Equal(t, "duplicate active action observed", got.Result["invariant_violation"])

	flagged := true
	list, err := s.ListActions(ctx, ActionFilter{InvariantViolation: &flagged})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestDecisionsAppendOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, kind := range []core.DecisionKind{core.DecisionClassification, core.DecisionRCA, core.DecisionRecommendation} {
		d := &core.Decision{
			ID:         uuid.New().String(),
			IncidentID: "inc-1",
			Kind:       kind,
			Reasoning:  "because",
			Confidence: 0.9,
			ModelTag:   "rules-v1",
			CreatedAt:  now.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.InsertDecision(ctx, d))
	}

	list, err := s.ListDecisions(ctx, "inc-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, core.DecisionClassification, list[0].Kind)
	assert.Equal(t, core.DecisionRecommendation, list[2].Kind)
}

func TestActiveKillSwitchPrecedence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	tenantWide := &core.KillSwitch{
		ID:          uuid.New().String(),
		TenantID:    "t1",
		Active:      true,
		Reason:      "tenant freeze",
		ActivatedBy: "ops",
		ActivatedAt: now,
	}
	workflowOnly := &core.KillSwitch{
		ID:          uuid.New().String(),
		TenantID:    "t1",
		WorkflowID:  "wf1",
		Active:      true,
		Reason:      "wf1 runaway",
		ActivatedBy: "ops",
		ActivatedAt: now.Add(time.Second),
	}
	require.NoError(t, s.CreateKillSwitch(ctx, tenantWide))
	require.NoError(t, s.CreateKillSwitch(ctx, workflowOnly))

	got, err := s.ActiveKillSwitch(ctx, "t1", "wf1")
	require.NoError(t, err)
	assert.Equal(t, workflowOnly.ID, got.ID)

	// Other workflows still hit the tenant-wide switch.
	got, err = s.ActiveKillSwitch(ctx, "t1", "wf2")
	require.NoError(t, err)
	assert.Equal(t, tenantWide.ID, got.ID)

	require.NoError(t, s.DeactivateKillSwitch(ctx, tenantWide.ID, now.Add(time.Minute)))
	_, err = s.ActiveKillSwitch(ctx, "t1", "wf2")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deactivating twice is a miss.
	assert.ErrorIs(t, s.DeactivateKillSwitch(ctx, tenantWide.ID, now.Add(time.Minute)), ErrNotFound)
}

func TestUpsertVendorBreaker(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertVendorBreaker(ctx, "stripe", core.BreakerOpen, 10, &now))

	v, err := s.GetVendorByName(ctx, "stripe")
	require.NoError(t, err)
	assert.Equal(t, core.BreakerOpen, v.BreakerState)
	assert.Equal(t, 10, v.BreakerFailureCount)
	require.NotNil(t, v.BreakerOpenedAt)

	require.NoError(t, s.UpsertVendorBreaker(ctx, "stripe", core.BreakerClosed, 0, nil))
	v, err = s.GetVendorByName(ctx, "stripe")
	require.NoError(t, err)
	assert.Equal(t, core.BreakerClosed, v.BreakerState)
	assert.Nil(t, v.BreakerOpenedAt)
}

func TestStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ev := testEvent("t1", "wf1", "k1", now)
	require.NoError(t, s.InsertEvent(ctx, ev))

	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	got.Payload["error_code"] = "MUTATED"

	again, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "VENDOR_TIMEOUT", again.Payload["error_code"])
}
