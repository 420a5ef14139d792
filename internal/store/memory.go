package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowsentry/backend/internal/core"
)

// MemoryStore is a mutex-guarded Store used by tests and local development.
// It mirrors the Postgres semantics, including the uniqueness guarantees the
// schema enforces with constraints.
type MemoryStore struct {
	mu sync.RWMutex

	tenants   map[string]*core.Tenant
	workflows map[string]*core.Workflow

	events     map[string]*core.Event
	eventByKey map[string]string // tenantID + "\x00" + idempotencyKey -> eventID

	incidents      map[string]*core.Incident
	incidentEvents map[string][]string // incidentID -> eventIDs in attach order

	decisions map[string][]*core.Decision // incidentID -> append-only log

	actions map[string]*core.Action

	killSwitches map[string]*core.KillSwitch

	vendors map[string]*core.Vendor // keyed by name
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:        make(map[string]*core.Tenant),
		workflows:      make(map[string]*core.Workflow),
		events:         make(map[string]*core.Event),
		eventByKey:     make(map[string]string),
		incidents:      make(map[string]*core.Incident),
		incidentEvents: make(map[string][]string),
		decisions:      make(map[string][]*core.Decision),
		actions:        make(map[string]*core.Action),
		killSwitches:   make(map[string]*core.KillSwitch),
		vendors:        make(map[string]*core.Vendor),
	}
}

func eventKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneEvent(ev *core.Event) *core.Event {
	cp := *ev
	cp.Payload = cloneMap(ev.Payload)
	if ev.ProcessedAt != nil {
		t := *ev.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}

func cloneIncident(inc *core.Incident) *core.Incident {
	cp := *inc
	cp.Metadata = cloneMap(inc.Metadata)
	return &cp
}

func cloneAction(a *core.Action) *core.Action {
	cp := *a
	cp.Parameters = cloneMap(a.Parameters)
	cp.Result = cloneMap(a.Result)
	if a.ScheduledFor != nil {
		t := *a.ScheduledFor
		cp.ScheduledFor = &t
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneKillSwitch(ks *core.KillSwitch) *core.KillSwitch {
	cp := *ks
	if ks.DeactivatedAt != nil {
		t := *ks.DeactivatedAt
		cp.DeactivatedAt = &t
	}
	return &cp
}

// =============================================================================
// TENANTS / WORKFLOWS
// =============================================================================

func (s *MemoryStore) GetTenant(ctx context.Context, id string) (*core.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) CreateTenant(ctx context.Context, t *core.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*core.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) CreateWorkflow(ctx context.Context, w *core.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.workflows[w.ID] = &cp
	return nil
}

// =============================================================================
// EVENTS
// =============================================================================

func (s *MemoryStore) InsertEvent(ctx context.Context, ev *core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(ev.TenantID, ev.IdempotencyKey)
	if existingID, ok := s.eventByKey[key]; ok {
		return &DuplicateEventError{ExistingID: existingID}
	}
	s.events[ev.ID] = cloneEvent(ev)
	s.eventByKey[key] = ev.ID
	return nil
}

func (s *MemoryStore) FindEventByIdempotencyKey(ctx context.Context, tenantID, key string) (*core.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.eventByKey[eventKey(tenantID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEvent(s.events[id]), nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, id string) (*core.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEvent(ev), nil
}

func (s *MemoryStore) UnprocessedEvents(ctx context.Context, before time.Time, limit int) ([]*core.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Event
	for _, ev := range s.events {
		if ev.ProcessedAt == nil && !ev.ReceivedAt.After(before) {
			out = append(out, cloneEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkEventProcessed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	if ev.ProcessedAt == nil {
		t := at
		ev.ProcessedAt = &t
	}
	return nil
}

func (s *MemoryStore) EventsForIncident(ctx context.Context, incidentID string) ([]*core.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eventsForIncidentLocked(incidentID, 0), nil
}

func (s *MemoryStore) RecentEventsForIncident(ctx context.Context, incidentID string, n int) ([]*core.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eventsForIncidentLocked(incidentID, n), nil
}

func (s *MemoryStore) eventsForIncidentLocked(incidentID string, recent int) []*core.Event {
	var out []*core.Event
	for _, id := range s.incidentEvents[incidentID] {
		if ev, ok := s.events[id]; ok {
			out = append(out, cloneEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	if recent > 0 {
		sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
		if len(out) > recent {
			out = out[:recent]
		}
	}
	return out
}

// =============================================================================
// INCIDENTS
// =============================================================================

func (s *MemoryStore) AttachEventToIncident(ctx context.Context, ev *core.Event, signature string, draft *core.Incident) (*core.Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// An already-processed event was folded by another worker; folding again
	// would double-count it.
	if stored, ok := s.events[ev.ID]; ok && stored.ProcessedAt != nil {
		for incID, eventIDs := range s.incidentEvents {
			for _, id := range eventIDs {
				if id == ev.ID {
					return cloneIncident(s.incidents[incID]), false, nil
				}
			}
		}
		return nil, false, nil
	}

	var open *core.Incident
	for _, inc := range s.incidents {
		if inc.TenantID == ev.TenantID && inc.WorkflowID == ev.WorkflowID &&
			inc.Signature == signature && inc.Status.Open() {
			open = inc
			break
		}
	}

	created := false
	if open == nil {
		created = true
		open = cloneIncident(draft)
		s.incidents[open.ID] = open
	} else {
		open.EventCount++
		if ev.OccurredAt.After(open.LastSeenAt) {
			open.LastSeenAt = ev.OccurredAt
		}
		open.UpdatedAt = ev.ReceivedAt
	}

	attached := false
	for _, id := range s.incidentEvents[open.ID] {
		if id == ev.ID {
			attached = true
			break
		}
	}
	if !attached {
		s.incidentEvents[open.ID] = append(s.incidentEvents[open.ID], ev.ID)
	}

	if stored, ok := s.events[ev.ID]; ok && stored.ProcessedAt == nil {
		t := ev.ReceivedAt
		stored.ProcessedAt = &t
	}

	return cloneIncident(open), created, nil
}

func (s *MemoryStore) GetIncident(ctx context.Context, id string) (*core.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inc, ok := s.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneIncident(inc), nil
}

func (s *MemoryStore) ListIncidents(ctx context.Context, f IncidentFilter) ([]*core.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Incident
	for _, inc := range s.incidents {
		if f.TenantID != "" && inc.TenantID != f.TenantID {
			continue
		}
		if f.WorkflowID != "" && inc.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Status != "" && inc.Status != f.Status {
			continue
		}
		if f.Severity != "" && inc.Severity != f.Severity {
			continue
		}
		out = append(out, cloneIncident(inc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) TransitionIncident(ctx context.Context, id string, from, to core.IncidentStatus, metadata map[string]interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok || inc.Status != from {
		return false, nil
	}
	inc.Status = to
	if len(metadata) > 0 {
		inc.Metadata = cloneMap(metadata)
	}
	inc.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) EscalateSeverity(ctx context.Context, id string, from, to core.Severity, metadata map[string]interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok || inc.Severity != from {
		return false, nil
	}
	inc.Severity = to
	if len(metadata) > 0 {
		inc.Metadata = cloneMap(metadata)
	}
	inc.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return 0, ErrNotFound
	}
	inc.RetryCount++
	return inc.RetryCount, nil
}

// =============================================================================
// DECISIONS
// =============================================================================

func (s *MemoryStore) InsertDecision(ctx context.Context, d *core.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *d
	s.decisions[d.IncidentID] = append(s.decisions[d.IncidentID], &cp)
	return nil
}

func (s *MemoryStore) ListDecisions(ctx context.Context, incidentID string) ([]*core.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.decisions[incidentID]
	out := make([]*core.Decision, 0, len(src))
	for _, d := range src {
		cp := *d
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// ACTIONS
// =============================================================================

func (s *MemoryStore) CreateAction(ctx context.Context, a *core.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.actions {
		if existing.IncidentID == a.IncidentID && existing.Status.Active() {
			return ErrActiveActionExists
		}
	}
	s.actions[a.ID] = cloneAction(a)
	return nil
}

func (s *MemoryStore) GetAction(ctx context.Context, id string) (*core.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAction(a), nil
}

func (s *MemoryStore) ListActions(ctx context.Context, f ActionFilter) ([]*core.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Action
	for _, a := range s.actions {
		if f.IncidentID != "" && a.IncidentID != f.IncidentID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Kind != "" && a.Kind != f.Kind {
			continue
		}
		if f.InvariantViolation != nil && a.InvariantViolation != *f.InvariantViolation {
			continue
		}
		out = append(out, cloneAction(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) HasActiveAction(ctx context.Context, incidentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.actions {
		if a.IncidentID == incidentID && a.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) DueActions(ctx context.Context, now time.Time, limit int) ([]*core.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Action
	for _, a := range s.actions {
		if a.Status == core.ActionPending && a.ScheduledFor != nil && !a.ScheduledFor.After(now) {
			out = append(out, cloneAction(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(*out[j].ScheduledFor) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) TransitionAction(ctx context.Context, id string, from, to core.ActionStatus, result map[string]interface{}, completedAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = to
	if len(result) > 0 {
		a.Result = cloneMap(result)
	}
	if completedAt != nil {
		t := *completedAt
		a.CompletedAt = &t
	}
	return true, nil
}

func (s *MemoryStore) FlagInvariantViolation(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return ErrNotFound
	}
	a.InvariantViolation = true
	if a.Result == nil {
		a.Result = make(map[string]interface{})
	}
	a.Result["invariant_violation"] = reason
	return nil
}

// =============================================================================
// KILL SWITCHES
// =============================================================================

func (s *MemoryStore) CreateKillSwitch(ctx context.Context, ks *core.KillSwitch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killSwitches[ks.ID] = cloneKillSwitch(ks)
	return nil
}

func (s *MemoryStore) DeactivateKillSwitch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ks, ok := s.killSwitches[id]
	if !ok || !ks.Active {
		return ErrNotFound
	}
	ks.Active = false
	t := at
	ks.DeactivatedAt = &t
	return nil
}

func (s *MemoryStore) ActiveKillSwitch(ctx context.Context, tenantID, workflowID string) (*core.KillSwitch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tenantWide *core.KillSwitch
	for _, ks := range s.killSwitches {
		if ks.TenantID != tenantID || !ks.Active {
			continue
		}
		if ks.WorkflowID == workflowID && workflowID != "" {
			return cloneKillSwitch(ks), nil
		}
		if ks.WorkflowID == "" {
			tenantWide = ks
		}
	}
	if tenantWide != nil {
		return cloneKillSwitch(tenantWide), nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListKillSwitches(ctx context.Context, tenantID string, activeOnly bool) ([]*core.KillSwitch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.KillSwitch
	for _, ks := range s.killSwitches {
		if ks.TenantID != tenantID {
			continue
		}
		if activeOnly && !ks.Active {
			continue
		}
		out = append(out, cloneKillSwitch(ks))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActivatedAt.After(out[j].ActivatedAt) })
	return out, nil
}

// =============================================================================
// VENDORS
// =============================================================================

func (s *MemoryStore) GetVendorByName(ctx context.Context, name string) (*core.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vendors[strings.ToLower(name)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	if v.BreakerOpenedAt != nil {
		t := *v.BreakerOpenedAt
		cp.BreakerOpenedAt = &t
	}
	return &cp, nil
}

func (s *MemoryStore) UpsertVendorBreaker(ctx context.Context, name string, state core.BreakerState, failures int, openedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(name)
	v, ok := s.vendors[key]
	if !ok {
		v = &core.Vendor{ID: uuid.New().String(), Name: name}
		s.vendors[key] = v
	}
	v.BreakerState = state
	v.BreakerFailureCount = failures
	if openedAt != nil {
		t := *openedAt
		v.BreakerOpenedAt = &t
	} else {
		v.BreakerOpenedAt = nil
	}
	return nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
