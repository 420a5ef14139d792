package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/flowsentry/backend/internal/core"
)

// Constraint names the Postgres schema declares; unique violations on these
// map back to domain outcomes instead of surfacing as raw errors.
const (
	constraintEventIdempotency = "events_tenant_idempotency_key"
	constraintOpenIncident     = "incidents_open_signature_idx"
	constraintSingleFlight     = "actions_single_flight_idx"
)

// PostgresStore implements Store on database/sql + lib/pq.
type PostgresStore struct {
	db           *sql.DB
	logger       *log.Logger
	queryTimeout time.Duration
}

// NewPostgresStore connects, verifies with a ping, and tunes the pool.
func NewPostgresStore(url string, queryTimeout time.Duration) (*PostgresStore, error) {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	s := &PostgresStore{
		db:           db,
		logger:       log.New(log.Writer(), "[POSTGRES] ", log.LstdFlags),
		queryTimeout: queryTimeout,
	}
	s.logger.Printf("✅ Connected to Postgres")
	return s, nil
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505" && pqErr.Constraint == constraint
}

func marshalJSON(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalJSON(b []byte) map[string]interface{} {
	if len(b) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// =============================================================================
// TENANTS / WORKFLOWS
// =============================================================================

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*core.Tenant, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var t core.Tenant
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, active, created_at FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Active, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) CreateTenant(ctx context.Context, t *core.Tenant) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, active, created_at) VALUES ($1, $2, $3, $4)`,
		t.ID, t.Name, t.Active, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*core.Workflow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var w core.Workflow
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, active, created_at FROM workflows WHERE id = $1`, id,
	).Scan(&w.ID, &w.TenantID, &w.Name, &w.Active, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return &w, nil
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, w *core.Workflow) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, tenant_id, name, active, created_at) VALUES ($1, $2, $3, $4, $5)`,
		w.ID, w.TenantID, w.Name, w.Active, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

// =============================================================================
// EVENTS
// =============================================================================

const eventColumns = `id, tenant_id, workflow_id, event_type, payload, idempotency_key,
	occurred_at, received_at, correlation_id, schema_version, vendor, processed_at`

func (s *PostgresStore) scanEvent(row interface{ Scan(...interface{}) error }) (*core.Event, error) {
	var (
		ev        core.Event
		payload   []byte
		processed sql.NullTime
	)
	err := row.Scan(&ev.ID, &ev.TenantID, &ev.WorkflowID, &ev.EventType, &payload,
		&ev.IdempotencyKey, &ev.OccurredAt, &ev.ReceivedAt, &ev.CorrelationID,
		&ev.SchemaVersion, &ev.Vendor, &processed)
	if err != nil {
		return nil, err
	}
	ev.Payload = unmarshalJSON(payload)
	if processed.Valid {
		t := processed.Time
		ev.ProcessedAt = &t
	}
	return &ev, nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, ev *core.Event) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	payload, err := marshalJSON(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, tenant_id, workflow_id, event_type, payload, idempotency_key,
			occurred_at, received_at, correlation_id, schema_version, vendor)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.ID, ev.TenantID, ev.WorkflowID, ev.EventType, payload, ev.IdempotencyKey,
		ev.OccurredAt, ev.ReceivedAt, ev.CorrelationID, ev.SchemaVersion, ev.Vendor,
	)
	if isUniqueViolation(err, constraintEventIdempotency) {
		// The constraint is the final duplicate guard; map the collision back
		// to the positive duplicate outcome with the pre-existing id.
		existing, findErr := s.FindEventByIdempotencyKey(ctx, ev.TenantID, ev.IdempotencyKey)
		if findErr != nil {
			return fmt.Errorf("resolve duplicate event: %w", findErr)
		}
		return &DuplicateEventError{ExistingID: existing.ID}
	}
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindEventByIdempotencyKey(ctx context.Context, tenantID, key string) (*core.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenantID, key,
	)
	ev, err := s.scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find event by key: %w", err)
	}
	return ev, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*core.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	ev, err := s.scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

func (s *PostgresStore) UnprocessedEvents(ctx context.Context, before time.Time, limit int) ([]*core.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE processed_at IS NULL AND received_at <= $1
		 ORDER BY received_at ASC LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("unprocessed events: %w", err)
	}
	defer rows.Close()

	var out []*core.Event
	for rows.Next() {
		ev, err := s.scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkEventProcessed(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET processed_at = $2 WHERE id = $1 AND processed_at IS NULL`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

func (s *PostgresStore) EventsForIncident(ctx context.Context, incidentID string) ([]*core.Event, error) {
	return s.incidentEvents(ctx, incidentID, "ASC", 0)
}

func (s *PostgresStore) RecentEventsForIncident(ctx context.Context, incidentID string, n int) ([]*core.Event, error) {
	return s.incidentEvents(ctx, incidentID, "DESC", n)
}

func (s *PostgresStore) incidentEvents(ctx context.Context, incidentID, order string, limit int) ([]*core.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q := `SELECT e.id, e.tenant_id, e.workflow_id, e.event_type, e.payload, e.idempotency_key,
			e.occurred_at, e.received_at, e.correlation_id, e.schema_version, e.vendor, e.processed_at
		  FROM events e
		  JOIN incident_events ie ON ie.event_id = e.id
		  WHERE ie.incident_id = $1
		  ORDER BY e.occurred_at ` + order
	args := []interface{}{incidentID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("incident events: %w", err)
	}
	defer rows.Close()

	var out []*core.Event
	for rows.Next() {
		ev, err := s.scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// =============================================================================
// INCIDENTS
// =============================================================================

const incidentColumns = `id, tenant_id, workflow_id, signature, title, status, severity,
	event_count, first_seen_at, last_seen_at, retry_count, metadata, created_at, updated_at`

// prefixedIncidentColumns qualifies the column list for joined queries.
func prefixedIncidentColumns(alias string) string {
	cols := strings.Split(incidentColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func (s *PostgresStore) scanIncident(row interface{ Scan(...interface{}) error }) (*core.Incident, error) {
	var (
		inc  core.Incident
		meta []byte
	)
	err := row.Scan(&inc.ID, &inc.TenantID, &inc.WorkflowID, &inc.Signature, &inc.Title,
		&inc.Status, &inc.Severity, &inc.EventCount, &inc.FirstSeenAt, &inc.LastSeenAt,
		&inc.RetryCount, &meta, &inc.CreatedAt, &inc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inc.Metadata = unmarshalJSON(meta)
	return &inc, nil
}

func (s *PostgresStore) AttachEventToIncident(ctx context.Context, ev *core.Event, signature string, draft *core.Incident) (*core.Incident, bool, error) {
	// Retry once when the partial unique index breaks a create/create race;
	// the second attempt lands on the update path.
	for attempt := 0; attempt < 3; attempt++ {
		inc, created, err := s.attachOnce(ctx, ev, signature, draft)
		if isUniqueViolation(err, constraintOpenIncident) {
			continue
		}
		return inc, created, err
	}
	return nil, false, fmt.Errorf("attach event: open-incident race did not settle")
}

func (s *PostgresStore) attachOnce(ctx context.Context, ev *core.Event, signature string, draft *core.Incident) (*core.Incident, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*s.queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin attach tx: %w", err)
	}
	defer tx.Rollback()

	// Claim the event first. A zero row count means another worker (live
	// dispatch vs. catch-up sweep) already folded it; folding again would
	// double-count it on the incident.
	claim, err := tx.ExecContext(ctx,
		`UPDATE events SET processed_at = $2 WHERE id = $1 AND processed_at IS NULL`,
		ev.ID, ev.ReceivedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("claim event: %w", err)
	}
	if n, _ := claim.RowsAffected(); n == 0 {
		return s.incidentForEvent(ctx, ev.ID)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents
		 WHERE tenant_id = $1 AND workflow_id = $2 AND signature = $3
		   AND status NOT IN ('RESOLVED', 'IGNORED')
		 FOR UPDATE`,
		ev.TenantID, ev.WorkflowID, signature,
	)

	inc, err := s.scanIncident(row)
	created := false
	switch {
	case err == sql.ErrNoRows:
		created = true
		meta, mErr := marshalJSON(draft.Metadata)
		if mErr != nil {
			return nil, false, fmt.Errorf("marshal incident metadata: %w", mErr)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO incidents (id, tenant_id, workflow_id, signature, title, status, severity,
				event_count, first_seen_at, last_seen_at, retry_count, metadata, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			draft.ID, draft.TenantID, draft.WorkflowID, draft.Signature, draft.Title,
			draft.Status, draft.Severity, draft.EventCount, draft.FirstSeenAt,
			draft.LastSeenAt, draft.RetryCount, meta, draft.CreatedAt, draft.UpdatedAt,
		)
		if err != nil {
			return nil, false, err
		}
		cp := *draft
		inc = &cp
	case err != nil:
		return nil, false, fmt.Errorf("lookup open incident: %w", err)
	default:
		err = tx.QueryRowContext(ctx,
			`UPDATE incidents
			 SET event_count = event_count + 1,
			     last_seen_at = GREATEST(last_seen_at, $2),
			     updated_at = $3
			 WHERE id = $1
			 RETURNING event_count, last_seen_at, updated_at`,
			inc.ID, ev.OccurredAt, ev.ReceivedAt,
		).Scan(&inc.EventCount, &inc.LastSeenAt, &inc.UpdatedAt)
		if err != nil {
			return nil, false, fmt.Errorf("fold event into incident: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO incident_events (incident_id, event_id, seq)
		 VALUES ($1, $2, (SELECT COALESCE(MAX(seq), 0) + 1 FROM incident_events WHERE incident_id = $1))
		 ON CONFLICT (incident_id, event_id) DO NOTHING`,
		inc.ID, ev.ID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("attach correlation row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return inc, created, nil
}

// incidentForEvent resolves the incident an already-processed event was folded
// into, via the correlation table. A non-failure event has no correlation row.
func (s *PostgresStore) incidentForEvent(ctx context.Context, eventID string) (*core.Incident, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+prefixedIncidentColumns("i")+` FROM incidents i
		 JOIN incident_events ie ON ie.incident_id = i.id
		 WHERE ie.event_id = $1`,
		eventID,
	)
	inc, err := s.scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("resolve incident for event: %w", err)
	}
	return inc, false, nil
}

func (s *PostgresStore) GetIncident(ctx context.Context, id string) (*core.Incident, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id)
	inc, err := s.scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return inc, nil
}

func (s *PostgresStore) ListIncidents(ctx context.Context, f IncidentFilter) ([]*core.Incident, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, val interface{}) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.WorkflowID != "" {
		add("workflow_id = $%d", f.WorkflowID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}

	q := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY last_seen_at DESC"
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	q += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []*core.Incident
	for rows.Next() {
		inc, err := s.scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TransitionIncident(ctx context.Context, id string, from, to core.IncidentStatus, metadata map[string]interface{}) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	meta, err := marshalJSON(metadata)
	if err != nil {
		return false, fmt.Errorf("marshal incident metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE incidents
		 SET status = $3, metadata = CASE WHEN $4::jsonb = '{}'::jsonb THEN metadata ELSE $4::jsonb END, updated_at = NOW()
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), meta,
	)
	if err != nil {
		return false, fmt.Errorf("transition incident: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) EscalateSeverity(ctx context.Context, id string, from, to core.Severity, metadata map[string]interface{}) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	meta, err := marshalJSON(metadata)
	if err != nil {
		return false, fmt.Errorf("marshal incident metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE incidents
		 SET severity = $3, metadata = CASE WHEN $4::jsonb = '{}'::jsonb THEN metadata ELSE $4::jsonb END, updated_at = NOW()
		 WHERE id = $1 AND severity = $2`,
		id, string(from), string(to), meta,
	)
	if err != nil {
		return false, fmt.Errorf("escalate severity: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE incidents SET retry_count = retry_count + 1, updated_at = NOW()
		 WHERE id = $1 RETURNING retry_count`,
		id,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment retry count: %w", err)
	}
	return count, nil
}

// =============================================================================
// DECISIONS
// =============================================================================

func (s *PostgresStore) InsertDecision(ctx context.Context, d *core.Decision) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, incident_id, kind, category, recommended, reasoning, confidence, model_tag, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.IncidentID, string(d.Kind), d.Category, d.Recommended, d.Reasoning,
		d.Confidence, d.ModelTag, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDecisions(ctx context.Context, incidentID string) ([]*core.Decision, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, incident_id, kind, category, recommended, reasoning, confidence, model_tag, created_at
		 FROM decisions WHERE incident_id = $1 ORDER BY created_at ASC`,
		incidentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []*core.Decision
	for rows.Next() {
		var d core.Decision
		if err := rows.Scan(&d.ID, &d.IncidentID, &d.Kind, &d.Category, &d.Recommended,
			&d.Reasoning, &d.Confidence, &d.ModelTag, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// =============================================================================
// ACTIONS
// =============================================================================

const actionColumns = `id, incident_id, kind, status, parameters, result, reversible,
	reversal_of, scheduled_for, attempt_number, invariant_violation, created_at, completed_at`

func (s *PostgresStore) scanAction(row interface{ Scan(...interface{}) error }) (*core.Action, error) {
	var (
		a          core.Action
		params     []byte
		result     []byte
		reversalOf sql.NullString
		scheduled  sql.NullTime
		completed  sql.NullTime
	)
	err := row.Scan(&a.ID, &a.IncidentID, &a.Kind, &a.Status, &params, &result,
		&a.Reversible, &reversalOf, &scheduled, &a.AttemptNumber,
		&a.InvariantViolation, &a.CreatedAt, &completed)
	if err != nil {
		return nil, err
	}
	a.Parameters = unmarshalJSON(params)
	a.Result = unmarshalJSON(result)
	if reversalOf.Valid {
		a.ReversalOf = reversalOf.String
	}
	if scheduled.Valid {
		t := scheduled.Time
		a.ScheduledFor = &t
	}
	if completed.Valid {
		t := completed.Time
		a.CompletedAt = &t
	}
	return &a, nil
}

func (s *PostgresStore) CreateAction(ctx context.Context, a *core.Action) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	params, err := marshalJSON(a.Parameters)
	if err != nil {
		return fmt.Errorf("marshal action parameters: %w", err)
	}
	result, err := marshalJSON(a.Result)
	if err != nil {
		return fmt.Errorf("marshal action result: %w", err)
	}

	var reversalOf interface{}
	if a.ReversalOf != "" {
		reversalOf = a.ReversalOf
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO actions (id, incident_id, kind, status, parameters, result, reversible,
			reversal_of, scheduled_for, attempt_number, invariant_violation, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.IncidentID, string(a.Kind), string(a.Status), params, result, a.Reversible,
		reversalOf, a.ScheduledFor, a.AttemptNumber, a.InvariantViolation, a.CreatedAt, a.CompletedAt,
	)
	if isUniqueViolation(err, constraintSingleFlight) {
		return ErrActiveActionExists
	}
	if err != nil {
		return fmt.Errorf("create action: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAction(ctx context.Context, id string) (*core.Action, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE id = $1`, id)
	a, err := s.scanAction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListActions(ctx context.Context, f ActionFilter) ([]*core.Action, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, val interface{}) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.IncidentID != "" {
		add("incident_id = $%d", f.IncidentID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Kind != "" {
		add("kind = $%d", string(f.Kind))
	}
	if f.InvariantViolation != nil {
		add("invariant_violation = $%d", *f.InvariantViolation)
	}

	q := `SELECT ` + actionColumns + ` FROM actions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC"
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	q += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []*core.Action
	for rows.Next() {
		a, err := s.scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) HasActiveAction(ctx context.Context, incidentID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM actions
			WHERE incident_id = $1 AND status IN ('PENDING', 'IN_PROGRESS')
		 )`,
		incidentID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has active action: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) DueActions(ctx context.Context, now time.Time, limit int) ([]*core.Action, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM actions
		 WHERE status = 'PENDING' AND scheduled_for IS NOT NULL AND scheduled_for <= $1
		 ORDER BY scheduled_for ASC LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("due actions: %w", err)
	}
	defer rows.Close()

	var out []*core.Action
	for rows.Next() {
		a, err := s.scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TransitionAction(ctx context.Context, id string, from, to core.ActionStatus, result map[string]interface{}, completedAt *time.Time) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := marshalJSON(result)
	if err != nil {
		return false, fmt.Errorf("marshal action result: %w", err)
	}

	r, err := s.db.ExecContext(ctx,
		`UPDATE actions
		 SET status = $3,
		     result = CASE WHEN $4::jsonb = '{}'::jsonb THEN result ELSE $4::jsonb END,
		     completed_at = COALESCE($5, completed_at)
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), res, completedAt,
	)
	if err != nil {
		return false, fmt.Errorf("transition action: %w", err)
	}
	n, _ := r.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) FlagInvariantViolation(ctx context.Context, id, reason string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE actions
		 SET invariant_violation = TRUE,
		     result = result || jsonb_build_object('invariant_violation', $2::text)
		 WHERE id = $1`,
		id, reason,
	)
	if err != nil {
		return fmt.Errorf("flag invariant violation: %w", err)
	}
	return nil
}

// =============================================================================
// KILL SWITCHES
// =============================================================================

func (s *PostgresStore) scanKillSwitch(row interface{ Scan(...interface{}) error }) (*core.KillSwitch, error) {
	var (
		ks          core.KillSwitch
		workflowID  sql.NullString
		deactivated sql.NullTime
	)
	err := row.Scan(&ks.ID, &ks.TenantID, &workflowID, &ks.Active, &ks.Reason,
		&ks.ActivatedBy, &ks.ActivatedAt, &deactivated)
	if err != nil {
		return nil, err
	}
	if workflowID.Valid {
		ks.WorkflowID = workflowID.String
	}
	if deactivated.Valid {
		t := deactivated.Time
		ks.DeactivatedAt = &t
	}
	return &ks, nil
}

func (s *PostgresStore) CreateKillSwitch(ctx context.Context, ks *core.KillSwitch) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var workflowID interface{}
	if ks.WorkflowID != "" {
		workflowID = ks.WorkflowID
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kill_switches (id, tenant_id, workflow_id, active, reason, activated_by, activated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ks.ID, ks.TenantID, workflowID, ks.Active, ks.Reason, ks.ActivatedBy, ks.ActivatedAt,
	)
	if err != nil {
		return fmt.Errorf("create kill switch: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeactivateKillSwitch(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE kill_switches SET active = FALSE, deactivated_at = $2 WHERE id = $1 AND active`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("deactivate kill switch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ActiveKillSwitch(ctx context.Context, tenantID, workflowID string) (*core.KillSwitch, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// Workflow-specific switches take precedence over tenant-wide ones.
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, workflow_id, active, reason, activated_by, activated_at, deactivated_at
		 FROM kill_switches
		 WHERE tenant_id = $1 AND active AND (workflow_id = $2 OR workflow_id IS NULL)
		 ORDER BY workflow_id NULLS LAST
		 LIMIT 1`,
		tenantID, workflowID,
	)
	ks, err := s.scanKillSwitch(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("active kill switch: %w", err)
	}
	return ks, nil
}

func (s *PostgresStore) ListKillSwitches(ctx context.Context, tenantID string, activeOnly bool) ([]*core.KillSwitch, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q := `SELECT id, tenant_id, workflow_id, active, reason, activated_by, activated_at, deactivated_at
		  FROM kill_switches WHERE tenant_id = $1`
	if activeOnly {
		q += ` AND active`
	}
	q += ` ORDER BY activated_at DESC`

	rows, err := s.db.QueryContext(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list kill switches: %w", err)
	}
	defer rows.Close()

	var out []*core.KillSwitch
	for rows.Next() {
		ks, err := s.scanKillSwitch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan kill switch: %w", err)
		}
		out = append(out, ks)
	}
	return out, rows.Err()
}

// =============================================================================
// VENDORS
// =============================================================================

func (s *PostgresStore) GetVendorByName(ctx context.Context, name string) (*core.Vendor, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		v        core.Vendor
		openedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, breaker_state, breaker_failure_count, breaker_opened_at, rate_limit_per_minute
		 FROM vendors WHERE name = $1`,
		name,
	).Scan(&v.ID, &v.Name, &v.BreakerState, &v.BreakerFailureCount, &openedAt, &v.RateLimitPerMinute)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vendor: %w", err)
	}
	if openedAt.Valid {
		t := openedAt.Time
		v.BreakerOpenedAt = &t
	}
	return &v, nil
}

func (s *PostgresStore) UpsertVendorBreaker(ctx context.Context, name string, state core.BreakerState, failures int, openedAt *time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vendors (id, name, breaker_state, breaker_failure_count, breaker_opened_at)
		 VALUES (gen_random_uuid(), $1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE
		 SET breaker_state = EXCLUDED.breaker_state,
		     breaker_failure_count = EXCLUDED.breaker_failure_count,
		     breaker_opened_at = EXCLUDED.breaker_opened_at`,
		name, string(state), failures, openedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert vendor breaker: %w", err)
	}
	return nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	s.logger.Printf("🔌 Postgres connection closed")
	return s.db.Close()
}

var _ Store = (*PostgresStore)(nil)
