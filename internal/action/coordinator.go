// Package action owns automated remediation: selecting an action from a
// decision, the single-flight guarantee per incident, the PENDING to
// IN_PROGRESS to SUCCEEDED/FAILED state machine, backoff scheduling,
// execution, escalation dispatch, and reversals.
package action

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
	"github.com/flowsentry/backend/internal/metrics"
	"github.com/flowsentry/backend/internal/rules"
	"github.com/flowsentry/backend/internal/store"
)

const maxEscalationLevel = 3

// Records is the store slice the coordinator, scheduler, and executor share.
type Records interface {
	GetIncident(ctx context.Context, id string) (*core.Incident, error)
	TransitionIncident(ctx context.Context, id string, from, to core.IncidentStatus, metadata map[string]interface{}) (bool, error)
	IncrementRetryCount(ctx context.Context, id string) (int, error)
	RecentEventsForIncident(ctx context.Context, incidentID string, n int) ([]*core.Event, error)
	ListDecisions(ctx context.Context, incidentID string) ([]*core.Decision, error)

	CreateAction(ctx context.Context, a *core.Action) error
	GetAction(ctx context.Context, id string) (*core.Action, error)
	ListActions(ctx context.Context, f store.ActionFilter) ([]*core.Action, error)
	HasActiveAction(ctx context.Context, incidentID string) (bool, error)
	DueActions(ctx context.Context, now time.Time, limit int) ([]*core.Action, error)
	TransitionAction(ctx context.Context, id string, from, to core.ActionStatus, result map[string]interface{}, completedAt *time.Time) (bool, error)
	FlagInvariantViolation(ctx context.Context, id, reason string) error
}

// ChannelDirectory names the notification channels serving an escalation
// level; satisfied by notify.Registry.
type ChannelDirectory interface {
	NamesForLevel(level int) []string
}

// Deps wires the coordinator's collaborators.
type Deps struct {
	Records  Records
	Rules    *rules.Table
	Budget   *budget.Enforcer
	Recorder *decision.Recorder
	Channels ChannelDirectory
	Clock    core.Clock
	Random   core.Rand
	Metrics  *metrics.Metrics
}

// Coordinator turns decisions into at most one in-flight action per incident.
type Coordinator struct {
	records  Records
	rules    *rules.Table
	budget   *budget.Enforcer
	recorder *decision.Recorder
	channels ChannelDirectory
	clock    core.Clock
	random   core.Rand
	metrics  *metrics.Metrics
	logger   *log.Logger
}

func NewCoordinator(d Deps) *Coordinator {
	if d.Clock == nil {
		d.Clock = core.SystemClock()
	}
	if d.Random == nil {
		d.Random = core.NewRand()
	}
	return &Coordinator{
		records:  d.Records,
		rules:    d.Rules,
		budget:   d.Budget,
		recorder: d.Recorder,
		channels: d.Channels,
		clock:    d.Clock,
		random:   d.Random,
		metrics:  d.Metrics,
		logger:   log.New(log.Writer(), "[COORDINATOR] ", log.LstdFlags),
	}
}

// selection is the outcome of the policy table.
type selection struct {
	kind    core.ActionKind
	reason  string
	level   int
	attempt int
	delay   time.Duration
	policy  string
}

// =============================================================================
// SELECTION
// =============================================================================

// OnDecision runs the selection policy and creates the chosen action. A
// single-flight conflict is not an error: the suppression lands in the
// decision audit and no new action is created.
func (c *Coordinator) OnDecision(ctx context.Context, inc *core.Incident, dec *core.Decision) (*core.Action, error) {
	if inc == nil || dec == nil || inc.Status.Terminal() {
		return nil, nil
	}

	if c.budget != nil {
		if q := c.budget.ConsumeActionQuota(ctx, inc.TenantID); !q.Allowed {
			c.logger.Printf("🚫 Tenant %s daily action quota exhausted; no action for incident %s", inc.TenantID, inc.ID)
			c.note(ctx, inc.ID, "automated action suppressed: tenant daily action quota exhausted")
			return nil, nil
		}
	}

	vendor, errorCode := c.latestVendorContext(ctx, inc.ID)
	sel := c.selectAction(ctx, inc, dec, errorCode, vendor)

	act := c.buildAction(inc, sel, vendor)
	if err := c.records.CreateAction(ctx, act); err != nil {
		if errors.Is(err, store.ErrActiveActionExists) {
			c.noteSuppression(ctx, inc)
			return nil, nil
		}
		return nil, fmt.Errorf("create %s action for incident %s: %w", sel.kind, inc.ID, err)
	}

	c.note(ctx, inc.ID, sel.audit())
	c.markActioned(ctx, inc)

	switch sel.kind {
	case core.ActionRetry:
		c.metrics.RecordRetryDelay(sel.delay.Seconds())
		c.logger.Printf("✅ Scheduled retry attempt %d for incident %s in %s (policy %s)",
			sel.attempt, inc.ID, sel.delay.Round(time.Millisecond), sel.policy)
	case core.ActionEscalate:
		c.logger.Printf("⚠️ Escalating incident %s at level %d: %s", inc.ID, sel.level, sel.reason)
	default:
		c.logger.Printf("✅ Queued %s action for incident %s: %s", sel.kind, inc.ID, sel.reason)
	}
	return act, nil
}

// OnActivity handles a folded event with nothing new to decide. If an action
// is already in flight the suppression is written to the audit trail.
func (c *Coordinator) OnActivity(ctx context.Context, inc *core.Incident) error {
	if inc == nil || inc.Status.Terminal() {
		return nil
	}
	active, err := c.records.HasActiveAction(ctx, inc.ID)
	if err != nil {
		return err
	}
	if active {
		c.noteSuppression(ctx, inc)
	}
	return nil
}

// Reselect re-runs selection after a failed action, against the latest
// recorded classification. The incremented retry count may flip the outcome
// from retry to escalate.
func (c *Coordinator) Reselect(ctx context.Context, incidentID string) (*core.Action, error) {
	inc, err := c.records.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc.Status.Terminal() {
		return nil, nil
	}

	dec, err := c.latestClassification(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if dec == nil {
		dec = &core.Decision{
			IncidentID:  incidentID,
			Kind:        core.DecisionClassification,
			Recommended: decision.RecommendEscalate,
			Reasoning:   "no classification on record",
		}
	}
	return c.OnDecision(ctx, inc, dec)
}

// selectAction is the policy table. Order matters: CRITICAL severity
// overrides everything, then the classifier's recommendation is checked
// against the retry permits.
func (c *Coordinator) selectAction(ctx context.Context, inc *core.Incident, dec *core.Decision, errorCode, vendor string) selection {
	if inc.Severity == core.SeverityCritical {
		return c.escalation(inc, "severity is CRITICAL", false)
	}

	switch dec.Recommended {
	case decision.RecommendRetry:
		rule := c.rules.Lookup(errorCode)
		if !rule.Retryable {
			return c.escalation(inc, fmt.Sprintf("error code %q is not retryable", errorCode), false)
		}
		policy := c.rules.Policy(rule.RetryPolicy)
		if !policy.Retryable {
			return c.escalation(inc, fmt.Sprintf("retry policy %q is not retryable", rule.RetryPolicy), false)
		}
		if c.budget != nil && !c.budget.PermitWorkflowRetry(inc) {
			return c.escalation(inc, fmt.Sprintf("workflow retry budget exhausted after %d attempts", inc.RetryCount), true)
		}
		if policy.MaxRetries > 0 && inc.RetryCount >= policy.MaxRetries {
			return c.escalation(inc, fmt.Sprintf("retry policy %q exhausted after %d attempts", rule.RetryPolicy, inc.RetryCount), true)
		}
		if c.budget != nil && vendor != "" && !c.budget.PermitVendorActivity(ctx, vendor) {
			return c.escalation(inc, fmt.Sprintf("vendor %s failure budget exhausted", vendor), true)
		}
		attempt := inc.RetryCount + 1
		return selection{
			kind:    core.ActionRetry,
			reason:  dec.Reasoning,
			attempt: attempt,
			delay:   RetryDelay(policy, attempt, c.random),
			policy:  rule.RetryPolicy,
		}

	case decision.RecommendManual:
		return selection{kind: core.ActionManual, reason: fmt.Sprintf("classifier recommends human review: %s", dec.Reasoning)}

	default:
		return c.escalation(inc, fmt.Sprintf("classifier recommends escalation: %s", dec.Reasoning), false)
	}
}

// escalation derives the level from severity; exhausted budgets page one
// level higher.
func (c *Coordinator) escalation(inc *core.Incident, reason string, budgetExhausted bool) selection {
	level := escalationLevel(inc.Severity)
	if budgetExhausted && level < maxEscalationLevel {
		level++
	}
	return selection{kind: core.ActionEscalate, reason: reason, level: level}
}

// escalationLevel maps severity onto the paging ladder: team, on-call,
// management.
func escalationLevel(s core.Severity) int {
	switch s {
	case core.SeverityCritical:
		return 3
	case core.SeverityHigh:
		return 2
	default:
		return 1
	}
}

func (c *Coordinator) buildAction(inc *core.Incident, sel selection, vendor string) *core.Action {
	now := c.clock.Now()
	scheduled := now
	attempt := 1
	params := map[string]interface{}{"reason": sel.reason}
	reversible := false

	switch sel.kind {
	case core.ActionRetry:
		scheduled = now.Add(sel.delay)
		attempt = sel.attempt
		reversible = true
		params["attempt"] = sel.attempt
		params["delay_seconds"] = sel.delay.Seconds()
		params["policy"] = sel.policy
		if vendor != "" {
			params["vendor"] = vendor
		}
	case core.ActionEscalate:
		params["level"] = sel.level
		params["channels"] = c.channelNames(sel.level)
	}

	return &core.Action{
		ID:            uuid.New().String(),
		IncidentID:    inc.ID,
		Kind:          sel.kind,
		Status:        core.ActionPending,
		Parameters:    params,
		Reversible:    reversible,
		ScheduledFor:  &scheduled,
		AttemptNumber: attempt,
		CreatedAt:     now,
	}
}

func (c *Coordinator) channelNames(level int) []string {
	if c.channels == nil {
		return []string{}
	}
	return c.channels.NamesForLevel(level)
}

// =============================================================================
// REVERSAL
// =============================================================================

// RequestReversal creates a reversal action for a prior succeeded reversible
// action. Rejected when the prior is not reversible, has not succeeded, was
// already reversed, or a later action has already run.
func (c *Coordinator) RequestReversal(ctx context.Context, actionID, requestedBy string) (*core.Action, error) {
	prior, err := c.records.GetAction(ctx, actionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, core.NewNotFoundError("action", actionID)
		}
		return nil, err
	}
	if !prior.Reversible {
		return nil, core.NewValidationError("action is not reversible", map[string]interface{}{"action_id": actionID, "kind": string(prior.Kind)})
	}
	if prior.Status != core.ActionSucceeded {
		return nil, core.NewValidationError("only succeeded actions can be reversed", map[string]interface{}{"action_id": actionID, "status": string(prior.Status)})
	}

	siblings, err := c.records.ListActions(ctx, store.ActionFilter{IncidentID: prior.IncidentID})
	if err != nil {
		return nil, err
	}
	for _, a := range siblings {
		if a.Kind == core.ActionReversal && a.ReversalOf == prior.ID && a.Status != core.ActionFailed {
			return nil, core.NewValidationError("action already reversed", map[string]interface{}{"action_id": actionID, "reversal_id": a.ID})
		}
	}
	for _, a := range siblings {
		if a.ID == prior.ID || a.Kind == core.ActionReversal {
			continue
		}
		if a.CreatedAt.After(prior.CreatedAt) && a.Status != core.ActionPending {
			return nil, core.NewValidationError("a later action has already run", map[string]interface{}{"action_id": actionID, "later_action_id": a.ID})
		}
	}

	now := c.clock.Now()
	rev := &core.Action{
		ID:         uuid.New().String(),
		IncidentID: prior.IncidentID,
		Kind:       core.ActionReversal,
		Status:     core.ActionPending,
		Parameters: map[string]interface{}{
			"reversal_of":  prior.ID,
			"requested_by": requestedBy,
		},
		Reversible:    false,
		ReversalOf:    prior.ID,
		ScheduledFor:  &now,
		AttemptNumber: 1,
		CreatedAt:     now,
	}
	if err := c.records.CreateAction(ctx, rev); err != nil {
		if errors.Is(err, store.ErrActiveActionExists) {
			return nil, core.NewValidationError("incident has an action in flight", map[string]interface{}{"incident_id": prior.IncidentID})
		}
		return nil, fmt.Errorf("create reversal: %w", err)
	}

	c.note(ctx, prior.IncidentID, fmt.Sprintf("selected reversal of action %s (requested by %s)", prior.ID, requestedBy))
	c.logger.Printf("✅ Reversal %s queued for action %s", rev.ID, prior.ID)
	return rev, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// latestVendorContext pulls the newest correlated event's vendor and error
// code, the inputs the selection permits key on.
func (c *Coordinator) latestVendorContext(ctx context.Context, incidentID string) (vendor, errorCode string) {
	recent, err := c.records.RecentEventsForIncident(ctx, incidentID, 5)
	if err != nil {
		c.logger.Printf("⚠️ Could not load recent events for incident %s: %v", incidentID, err)
		return "", ""
	}
	for _, ev := range recent {
		if vendor == "" && ev.Vendor != "" {
			vendor = ev.Vendor
		}
		if errorCode == "" && ev.ErrorCode() != "" {
			errorCode = ev.ErrorCode()
		}
		if vendor != "" && errorCode != "" {
			break
		}
	}
	return vendor, errorCode
}

func (c *Coordinator) latestClassification(ctx context.Context, incidentID string) (*core.Decision, error) {
	decs, err := c.records.ListDecisions(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	for i := len(decs) - 1; i >= 0; i-- {
		if decs[i].Kind == core.DecisionClassification {
			return decs[i], nil
		}
	}
	return nil, nil
}

func (c *Coordinator) markActioned(ctx context.Context, inc *core.Incident) {
	if inc.Status != core.IncidentNew && inc.Status != core.IncidentAnalyzing {
		return
	}
	if ok, err := c.records.TransitionIncident(ctx, inc.ID, inc.Status, core.IncidentActioned, nil); err == nil && ok {
		inc.Status = core.IncidentActioned
	}
}

func (c *Coordinator) noteSuppression(ctx context.Context, inc *core.Incident) {
	c.note(ctx, inc.ID, "suppressed: incident already has an action in flight")
}

func (c *Coordinator) note(ctx context.Context, incidentID, reasoning string) {
	if c.recorder == nil {
		return
	}
	if _, err := c.recorder.RecordNote(ctx, incidentID, core.DecisionRecommendation, reasoning); err != nil {
		c.logger.Printf("⚠️ Could not record note for incident %s: %v", incidentID, err)
	}
}

func (s selection) audit() string {
	switch s.kind {
	case core.ActionRetry:
		return fmt.Sprintf("selected retry attempt %d (policy %s, delay %.1fs)", s.attempt, s.policy, s.delay.Seconds())
	case core.ActionEscalate:
		return fmt.Sprintf("selected escalation level %d: %s", s.level, s.reason)
	case core.ActionManual:
		return fmt.Sprintf("selected manual review: %s", s.reason)
	default:
		return fmt.Sprintf("selected %s: %s", s.kind, s.reason)
	}
}
