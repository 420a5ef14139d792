package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/flowsentry/backend/internal/budget"
	"github.com/flowsentry/backend/internal/circuitbreaker"
	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/metrics"
	"github.com/flowsentry/backend/internal/notify"
)

// Retrier re-triggers the failed workflow run. Implementations call the
// workflow engine; the stub records the call for tests and dry runs.
type Retrier interface {
	Retry(ctx context.Context, inc *core.Incident, act *core.Action) error
}

// Reverser undoes the side effects of a previously succeeded action.
type Reverser interface {
	Reverse(ctx context.Context, inc *core.Incident, prior, act *core.Action) error
}

// Notifier delivers escalation and courtesy notifications; satisfied by the
// notify sinks.
type Notifier interface {
	Dispatch(ctx context.Context, n *notify.Notification) error
}

// StubRetrier records invocations and returns a fixed error.
type StubRetrier struct {
	Err error

	mu    sync.Mutex
	calls []string
}

func (s *StubRetrier) Retry(_ context.Context, _ *core.Incident, act *core.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, act.ID)
	return s.Err
}

// Calls returns the action IDs retried so far.
func (s *StubRetrier) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// StubReverser records invocations and returns a fixed error.
type StubReverser struct {
	Err error

	mu    sync.Mutex
	calls []string
}

func (s *StubReverser) Reverse(_ context.Context, _ *core.Incident, prior, _ *core.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, prior.ID)
	return s.Err
}

// Calls returns the IDs of the actions reversed so far.
func (s *StubReverser) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// HTTPRetrier POSTs a retry request to the workflow engine's trigger
// endpoint.
type HTTPRetrier struct {
	endpoint string
	client   *http.Client
}

func NewHTTPRetrier(endpoint string, timeout time.Duration) *HTTPRetrier {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPRetrier{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

func (r *HTTPRetrier) Retry(ctx context.Context, inc *core.Incident, act *core.Action) error {
	body, err := json.Marshal(map[string]interface{}{
		"tenant_id":   inc.TenantID,
		"workflow_id": inc.WorkflowID,
		"incident_id": inc.ID,
		"action_id":   act.ID,
		"attempt":     act.AttemptNumber,
	})
	if err != nil {
		return fmt.Errorf("marshal retry request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build retry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("retry trigger: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("retry trigger returned status %d", resp.StatusCode)
	}
	return nil
}

// ExecutorDeps wires the executor's collaborators.
type ExecutorDeps struct {
	Records     Records
	Coordinator *Coordinator
	Breakers    *circuitbreaker.Manager
	Budget      *budget.Enforcer
	Retrier     Retrier
	Reverser    Reverser
	Notifier    Notifier
	Clock       core.Clock
	Metrics     *metrics.Metrics
}

// Executor drives a claimed action to a terminal state. A failed retry is
// charged to the incident's retry count before selection runs again.
type Executor struct {
	records     Records
	coordinator *Coordinator
	breakers    *circuitbreaker.Manager
	budget      *budget.Enforcer
	retrier     Retrier
	reverser    Reverser
	notifier    Notifier
	clock       core.Clock
	metrics     *metrics.Metrics
	logger      *log.Logger
}

func NewExecutor(d ExecutorDeps) *Executor {
	if d.Clock == nil {
		d.Clock = core.SystemClock()
	}
	if d.Retrier == nil {
		d.Retrier = &StubRetrier{}
	}
	if d.Reverser == nil {
		d.Reverser = &StubReverser{}
	}
	return &Executor{
		records:     d.Records,
		coordinator: d.Coordinator,
		breakers:    d.Breakers,
		budget:      d.Budget,
		retrier:     d.Retrier,
		reverser:    d.Reverser,
		notifier:    d.Notifier,
		clock:       d.Clock,
		metrics:     d.Metrics,
		logger:      log.New(log.Writer(), "[EXECUTOR] ", log.LstdFlags),
	}
}

// Execute runs an action already claimed into IN_PROGRESS.
func (e *Executor) Execute(ctx context.Context, act *core.Action) {
	inc, err := e.records.GetIncident(ctx, act.IncidentID)
	if err != nil {
		e.logger.Printf("❌ Action %s: incident %s unavailable: %v", act.ID, act.IncidentID, err)
		e.fail(ctx, act, map[string]interface{}{"error": fmt.Sprintf("incident unavailable: %v", err)})
		return
	}

	switch act.Kind {
	case core.ActionRetry:
		e.executeRetry(ctx, inc, act)
	case core.ActionEscalate:
		e.executeEscalate(ctx, inc, act)
	case core.ActionManual:
		e.executeManual(ctx, inc, act)
	case core.ActionReversal:
		e.executeReversal(ctx, inc, act)
	default:
		e.flagViolation(ctx, act, fmt.Sprintf("unknown action kind %q", act.Kind))
	}
}

// =============================================================================
// RETRY
// =============================================================================

func (e *Executor) executeRetry(ctx context.Context, inc *core.Incident, act *core.Action) {
	vendor, _ := act.Parameters["vendor"].(string)

	// An open breaker fails the attempt without touching the vendor. The
	// attempt still charges the retry count so budgets keep converging.
	if e.breakers != nil && vendor != "" {
		if err := e.breakers.Check(ctx, vendor); err != nil {
			e.logger.Printf("⚠️ Retry %s blocked: breaker open for vendor %s", act.ID, vendor)
			e.retryFailed(ctx, inc, act, vendor, fmt.Sprintf("breaker open for vendor %s", vendor), false)
			return
		}
	}

	if err := e.retrier.Retry(ctx, inc, act); err != nil {
		e.logger.Printf("❌ Retry %s attempt %d failed for incident %s: %v", act.ID, act.AttemptNumber, inc.ID, err)
		e.retryFailed(ctx, inc, act, vendor, err.Error(), true)
		return
	}

	if e.breakers != nil {
		e.breakers.RecordSuccess(ctx, vendor)
	}
	e.succeed(ctx, act, map[string]interface{}{"retried": true, "attempt": act.AttemptNumber})
	e.resolveIncident(ctx, inc, fmt.Sprintf("retry attempt %d succeeded", act.AttemptNumber))
	e.logger.Printf("✅ Retry %s attempt %d succeeded; incident %s resolved", act.ID, act.AttemptNumber, inc.ID)
}

// retryFailed finalizes a failed retry: charge the vendor (when it was
// actually called), charge the incident's retry count, then let selection
// decide what comes next.
func (e *Executor) retryFailed(ctx context.Context, inc *core.Incident, act *core.Action, vendor, reason string, vendorCalled bool) {
	if vendorCalled && vendor != "" {
		if e.breakers != nil {
			e.breakers.RecordFailure(ctx, vendor)
		}
		if e.budget != nil {
			if err := e.budget.RecordVendorFailure(ctx, vendor); err != nil {
				e.logger.Printf("⚠️ Could not record vendor failure for %s: %v", vendor, err)
			}
		}
	}

	if _, err := e.records.IncrementRetryCount(ctx, inc.ID); err != nil {
		e.logger.Printf("⚠️ Could not increment retry count for incident %s: %v", inc.ID, err)
	}
	e.fail(ctx, act, map[string]interface{}{"error": reason, "attempt": act.AttemptNumber})

	if e.coordinator != nil {
		if _, err := e.coordinator.Reselect(ctx, inc.ID); err != nil {
			e.logger.Printf("⚠️ Reselect after failed retry on incident %s: %v", inc.ID, err)
		}
	}
}

// =============================================================================
// ESCALATE
// =============================================================================

func (e *Executor) executeEscalate(ctx context.Context, inc *core.Incident, act *core.Action) {
	level, _ := act.Parameters["level"].(int)
	if level == 0 {
		if f, ok := act.Parameters["level"].(float64); ok {
			level = int(f)
		}
	}
	if level < 1 {
		level = 1
	}
	reason, _ := act.Parameters["reason"].(string)

	n := &notify.Notification{
		ID:         act.ID,
		IncidentID: inc.ID,
		ActionID:   act.ID,
		TenantID:   inc.TenantID,
		Severity:   inc.Severity,
		Level:      level,
		Title:      inc.Title,
		Reason:     reason,
		Channels:   channelParam(act.Parameters),
		Details: map[string]interface{}{
			"signature":   inc.Signature,
			"event_count": inc.EventCount,
		},
		CreatedAt: e.clock.Now(),
	}

	if e.notifier == nil {
		e.fail(ctx, act, map[string]interface{}{"error": "no notification sink configured"})
		return
	}
	if err := e.notifier.Dispatch(ctx, n); err != nil {
		// Escalations are never auto-retried; a failed page is a loud FAILED
		// action for operators to chase.
		e.logger.Printf("❌ Escalation %s for incident %s failed: %v", act.ID, inc.ID, err)
		e.fail(ctx, act, map[string]interface{}{"error": err.Error(), "level": level})
		return
	}
	e.succeed(ctx, act, map[string]interface{}{"dispatched": true, "level": level, "channels": n.Channels})
	e.logger.Printf("📤 Escalation %s dispatched at level %d for incident %s", act.ID, level, inc.ID)
}

// =============================================================================
// MANUAL
// =============================================================================

func (e *Executor) executeManual(ctx context.Context, inc *core.Incident, act *core.Action) {
	ticket := "MR-" + shortID(act.ID)
	e.succeed(ctx, act, map[string]interface{}{"review_ticket": ticket})
	e.logger.Printf("✅ Manual review %s queued for incident %s", ticket, inc.ID)

	// Courtesy ping; the review ticket stands regardless of delivery.
	if e.notifier != nil {
		reason, _ := act.Parameters["reason"].(string)
		n := &notify.Notification{
			ID:         act.ID,
			IncidentID: inc.ID,
			ActionID:   act.ID,
			TenantID:   inc.TenantID,
			Severity:   inc.Severity,
			Level:      1,
			Title:      fmt.Sprintf("Manual review %s: %s", ticket, inc.Title),
			Reason:     reason,
			Details:    map[string]interface{}{"review_ticket": ticket},
			CreatedAt:  e.clock.Now(),
		}
		if err := e.notifier.Dispatch(ctx, n); err != nil {
			e.logger.Printf("⚠️ Manual review notification for %s not delivered: %v", ticket, err)
		}
	}
}

// =============================================================================
// REVERSAL
// =============================================================================

func (e *Executor) executeReversal(ctx context.Context, inc *core.Incident, act *core.Action) {
	prior, err := e.records.GetAction(ctx, act.ReversalOf)
	if err != nil {
		e.fail(ctx, act, map[string]interface{}{"error": fmt.Sprintf("reversed action unavailable: %v", err)})
		return
	}
	if err := e.reverser.Reverse(ctx, inc, prior, act); err != nil {
		e.logger.Printf("❌ Reversal %s of action %s failed: %v", act.ID, prior.ID, err)
		e.fail(ctx, act, map[string]interface{}{"error": err.Error(), "reversed_action": prior.ID})
		return
	}
	e.succeed(ctx, act, map[string]interface{}{"reversed_action": prior.ID})
	e.logger.Printf("↩️ Reversal %s undid action %s on incident %s", act.ID, prior.ID, inc.ID)
}

// =============================================================================
// STATE HELPERS
// =============================================================================

func (e *Executor) succeed(ctx context.Context, act *core.Action, result map[string]interface{}) {
	now := e.clock.Now()
	ok, err := e.records.TransitionAction(ctx, act.ID, core.ActionInProgress, core.ActionSucceeded, result, &now)
	if err != nil || !ok {
		e.flagViolation(ctx, act, fmt.Sprintf("could not finalize SUCCEEDED (ok=%v err=%v)", ok, err))
		return
	}
	act.Status = core.ActionSucceeded
	e.metrics.RecordActionCompleted(act.Kind, core.ActionSucceeded)
}

func (e *Executor) fail(ctx context.Context, act *core.Action, result map[string]interface{}) {
	now := e.clock.Now()
	ok, err := e.records.TransitionAction(ctx, act.ID, core.ActionInProgress, core.ActionFailed, result, &now)
	if err != nil || !ok {
		e.flagViolation(ctx, act, fmt.Sprintf("could not finalize FAILED (ok=%v err=%v)", ok, err))
		return
	}
	act.Status = core.ActionFailed
	e.metrics.RecordActionCompleted(act.Kind, core.ActionFailed)
}

// flagViolation marks an action whose state machine was broken from outside.
// The action is left for operators; it never transitions again.
func (e *Executor) flagViolation(ctx context.Context, act *core.Action, reason string) {
	e.logger.Printf("❌ Invariant violation on action %s: %s", act.ID, reason)
	e.metrics.RecordInvariantViolation(string(act.Kind))
	if err := e.records.FlagInvariantViolation(ctx, act.ID, reason); err != nil {
		e.logger.Printf("⚠️ Could not flag action %s: %v", act.ID, err)
	}
}

func (e *Executor) resolveIncident(ctx context.Context, inc *core.Incident, note string) {
	fresh, err := e.records.GetIncident(ctx, inc.ID)
	if err != nil {
		e.logger.Printf("⚠️ Could not reload incident %s for resolution: %v", inc.ID, err)
		return
	}
	if fresh.Status.Terminal() {
		return
	}
	meta := map[string]interface{}{}
	for k, v := range fresh.Metadata {
		meta[k] = v
	}
	meta["resolution_note"] = note
	if ok, err := e.records.TransitionIncident(ctx, inc.ID, fresh.Status, core.IncidentResolved, meta); err != nil {
		e.logger.Printf("⚠️ Could not resolve incident %s: %v", inc.ID, err)
	} else if ok {
		e.metrics.RecordIncidentResolved()
	}
}

func channelParam(params map[string]interface{}) []string {
	switch v := params["channels"].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
