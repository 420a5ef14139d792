package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsentry/backend/internal/budget"
	"github.com/flowsentry/backend/internal/cache"
	"github.com/flowsentry/backend/internal/circuitbreaker"
	"github.com/flowsentry/backend/internal/config"
	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/killswitch"
	"github.com/flowsentry/backend/internal/multitenancy"
	"github.com/flowsentry/backend/internal/ratelimit"
	"github.com/flowsentry/backend/internal/rules"
	"github.com/flowsentry/backend/internal/store"
)

type captureBus struct {
	mu  sync.Mutex
	got []*core.Event
}

func (b *captureBus) Dispatch(_ context.Context, ev *core.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, ev)
}

func (b *captureBus) events() []*core.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*core.Event, len(b.got))
	copy(out, b.got)
	return out
}

type pipeEnv struct {
	store    *store.MemoryStore
	clock    *core.ManualClock
	switches *killswitch.Service
	breakers *circuitbreaker.Manager
	bus      *captureBus
	pipe     *Pipeline
}

func newPipeEnv(t *testing.T, limits config.LimitsConfig) *pipeEnv {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	c := cache.NewMemoryCache()
	clock := core.NewManualClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))

	require.NoError(t, s.CreateTenant(ctx, &core.Tenant{ID: "t1", Name: "Acme", Active: true}))
	require.NoError(t, s.CreateTenant(ctx, &core.Tenant{ID: "t2", Name: "Globex", Active: true}))
	require.NoError(t, s.CreateTenant(ctx, &core.Tenant{ID: "t-frozen", Name: "Initech", Active: false}))
	require.NoError(t, s.CreateWorkflow(ctx, &core.Workflow{ID: "w1", TenantID: "t1", Name: "payments", Active: true}))
	require.NoError(t, s.CreateWorkflow(ctx, &core.Workflow{ID: "w-off", TenantID: "t1", Name: "legacy", Active: false}))
	require.NoError(t, s.CreateWorkflow(ctx, &core.Workflow{ID: "w-other", TenantID: "t2", Name: "billing", Active: true}))

	table := rules.NewTable(nil, nil, &config.VendorsFile{
		Vendors: map[string]config.VendorSettings{
			"stripe": {RateLimit: config.RateLimitSettings{PerMinute: 2}},
		},
	})

	switches := killswitch.NewService(s, clock)
	breakers := circuitbreaker.NewManager(c, nil, nil, clock, nil)
	bus := &captureBus{}

	pipe := NewPipeline(Deps{
		Records:  s,
		Gates:    multitenancy.NewGatekeeper(s, clock, time.Second),
		Switches: switches,
		Limiter:  ratelimit.New(c, clock, nil),
		Budget:   budget.NewEnforcer(c, limits, clock, nil),
		Breakers: breakers,
		Rules:    table,
		Bus:      bus,
		Limits:   limits,
		Clock:    clock,
	})
	return &pipeEnv{store: s, clock: clock, switches: switches, breakers: breakers, bus: bus, pipe: pipe}
}

func submission(key string) Submission {
	return Submission{
		TenantID:       "t1",
		WorkflowID:     "w1",
		EventType:      "payment.failed",
		Payload:        map[string]interface{}{"error_code": "VENDOR_TIMEOUT"},
		IdempotencyKey: key,
		SchemaVersion:  "1.0",
	}
}

func rejectionCode(t *testing.T, err error) *core.Error {
	t.Helper()
	var cerr *core.Error
	require.ErrorAs(t, err, &cerr)
	return cerr
}

func TestSubmitPersistsAndDispatches(t *testing.T) {
	env := newPipeEnv(t, config.LimitsConfig{})
	ctx := context.Background()

	sub := submission("k-1")
	sub.Payload["vendor"] = " Stripe "
	sub.OccurredAt = "2025-06-01T08:59:00Z"
	sub.CorrelationID = "corr-1"

	res, err := env.pipe.Submit(ctx, sub)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Duplicate)
	assert.NotEmpty(t, res.EventID)
	assert.Equal(t, "corr-1", res.CorrelationID)

	ev, err := env.store.FindEventByIdempotencyKey(ctx, "t1", "k-1")
	require.NoError(t, err)
	assert.Equal(t, res.EventID, ev.ID)
	assert.Equal(t, "payment.failed", ev.EventType)
	assert.Equal(t, "stripe", ev.Vendor)
	assert.Equal(t, "corr-1", ev.CorrelationID)
	assert.Equal(t, "1.0", ev.SchemaVersion)
	assert.True(t, ev.OccurredAt.Equal(time.Date(2025, 6, 1, 8, 59, 0, 0, time.UTC)))
	assert.True(t, ev.ReceivedAt.Equal(env.clock.Now()))

	dispatched := env.bus.events()
	require.Len(t, dispatched, 1)
	assert.Equal(t, res.EventID, dispatched[0].ID)
}

func TestMissingOccurredAtDefaultsToReceipt(t *testing.T) {
	env := newPipeEnv(t, config.LimitsConfig{})
	ctx := context.Background()

	res, err := env.pipe.Submit(ctx, submission("k-now"))
	require.NoError(t, err)

	ev, err := env.store.GetEvent(ctx, res.EventID)
	require.NoError(t, err)
	assert.True(t, ev.OccurredAt.Equal(env.clock.Now()))
}

func TestDuplicateKeyReturnsStoredEvent(t *testing.T) {
	env := newPipeEnv(t, config.LimitsConfig{})
	ctx := context.Background()

	first, err := env.pipe.Submit(ctx, submission("k-dup"))
	require.NoError(t, err)

	second, err := env.pipe.Submit(ctx, submission("k-dup"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.EventID)
	assert.Len(t, env.bus.events(), 1, "replays are not re-dispatched")
}

// racingRecords simulates a concurrent submit landing between the gate-1
// lookup and the insert.
type racingRecords struct {
	Records
	existingID string
}

func (r racingRecords) FindEventByIdempotencyKey(context.Context, string, string) (*core.Event, error) {
	return nil, store.ErrNotFound
}

func (r racingRecords) InsertEvent(context.Context, *core.Event) error {
	return &store.DuplicateEventError{ExistingID: r.existingID}
}

func TestCommitRaceFoldsIntoDuplicate(t *testing.T) {
	env := newPipeEnv(t, config.LimitsConfig{})
	pipe := env.pipe
	pipe.records = racingRecords{Records: env.store, existingID: "ev-winner"}

	res, err := pipe.Submit(context.Background(), submission("k-race"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "ev-winner", res.EventID)
	assert.Empty(t, env.bus.events(), "the losing submit must not dispatch")
}

func TestValidationRejections(t *testing.T) {
	env := newPipeEnv(t, config.LimitsConfig{})
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*Submission)
	}{
		{"missing tenant", func(s *Submission) { s.TenantID = "" }},
		{"missing workflow", func(s *Submission) { s.WorkflowID = "" }},
		{"missing event type", func(s *Submission) { s.EventType = "" }},
		{"oversized event type", func(s *Submission) { s.EventType = strings.Repeat("e", 256) }},
		{"missing idempotency key", func(s *Submission) { s.IdempotencyKey = "" }},
		{"oversized idempotency key", func(s *Submission) { s.IdempotencyKey = strings.Repeat("k", 256) }},
		{"oversized payload", func(s *Submission) { s.Payload = map[string]interface{}{"blob": strings.Repeat("x", 11*1024)} }},
		{"malformed occurred_at", func(s *Submission) { s.OccurredAt = "yesterday" }},
		{"malformed schema_version", func(s *Submission) { s.SchemaVersion = "latest" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := submission("k-" + tc.name)
			tc.mutate(&sub)
			_, err := env.pipe.Submit(ctx, sub)
			cerr := rejectionCode(t, err)
			assert.Equal(t, core.CodeValidation, cerr.Code)
		})
	}

	// Nothing from the rejected batch may have reached the store or the bus.
	assert.Empty(t, env.bus.events())
}

func TestTenantGate(t *testing.T) {
	env := newPipeEnv(t, config.LimitsConfig{})
	ctx := context.Background()

	sub := submission("k-ghost")
	sub.TenantID = "t-ghost"
	_, err := env.pipe.Submit(ctx, sub)
	assert.Equal(t, core.CodeNotFound, rejectionCode(t, err).Code)

	sub = submission("k-frozen")
	sub.TenantID = "t-frozen"
	_, err = env.pipe.Submit(ctx, sub)
	assert.Equal(t, core.CodeTenantInactive, rejectionCode(t, err).Code)
}

func TestWorkflowGate(t *testing.T) {
	env := newPipeEnv(t, config.LimitsConfig{})
	ctx := context.Background()

	sub := submission("k-nowf")
	sub.WorkflowID = "w-ghost"
	_, err := env.pipe.Submit(ctx, sub)
	assert.Equal(t, core.CodeNotFound, rejectionCode(t, err).Code)

	// A workflow owned by another tenant reads as missing, not forbidden.
	sub = submission("k-foreign")
	sub.WorkflowID = "w-other"
	_, err = env.pipe.Submit(ctx, sub)
	assert.Equal(t, core.CodeNotFound, rejectionCode(t, err).Code)

	sub = submission("k-off")
	sub.WorkflowID = "w-off"
	_, err = env.pipe.Submit(ctx, sub)
	assert.Equal(t, core.CodeWorkflowDisabled, rejectionCode(t, err).Code)
}

func TestKillSwitchHaltsIngestion(t *testing.T) {
	env := newPipeEnv(t, config.LimitsConfig{})
	ctx := context.Background()

	ks, err := env.switches.Activate(ctx, "t1", "w1", "vendor incident", "oncall@acme")
	require.NoError(t, err)

	_, err = env.pipe.Submit(ctx, submission("k-halted"))
	cerr := rejectionCode(t, err)
	assert.Equal(t, core.CodeWorkflowDisabled, cerr.Code)
	assert.Contains(t, cerr.Details["reason"], "kill switch active")

	require.NoError(t, env.switches.Deactivate(ctx, ks.ID))
	_, err = env.pipe.Submit(ctx, submission("k-restored"))
	assert.NoError(t, err)
}

func TestTenantWideKillSwitchCoversEveryWorkflow(t *testing.T) {
	env := newPipeEnv(t, config.LimitsConfig{})
	ctx := context.Background()

	_, err := env.switches.Activate(ctx, "t1", "", "tenant offboarding", "ops@acme")
	require.NoError(t, err)

	_, err = env.pipe.Submit(ctx, submission("k-tenantwide"))
	assert.Equal(t, core.CodeWorkflowDisabled, rejectionCode(t, err).Code)
}

func TestDuplicateWinsOverLaterGates(t *testing.T) {
	env := newPipeEnv(t, config.LimitsConfig{})
	ctx := context.Background()

	first, err := env.pipe.Submit(ctx, submission("k-replay"))
	require.NoError(t, err)

	_, err = env.switches.Activate(ctx, "t1", "w1", "incident", "oncall@acme")
	require.NoError(t, err)

	// The replay of an already-accepted key succeeds even though a fresh
	// event would now be blocked.
	res, err := env.pipe.Submit(ctx, submission("k-replay"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, first.EventID, res.EventID)
}

func TestTenantRateLimitSlidesWithClock(t *testing.T) {
	env := newPipeEnv(t, config.LimitsConfig{TenantRatePerMinute: 2})
	ctx := context.Background()

	_, err := env.pipe.Submit(ctx, submission("k-r1"))
	require.NoError(t, err)
	_, err = env.pipe.Submit(ctx, submission("k-r2"))
	require.NoError(t, err)

	_, err = env.pipe.Submit(ctx, submission("k-r3"))
	cerr := rejectionCode(t, err)
	assert.Equal(t, core.CodeRateLimited, cerr.Code)
	assert.Equal(t, 60, cerr.RetryAfter)
	assert.Equal(t, "tenant", cerr.Details["scope"])

	// The denied submit left no row behind.
	_, err = env.store.FindEventByIdempotencyKey(ctx, "t1", "k-r3")
	assert.ErrorIs(t, err, store.ErrNotFound)

	env.clock.Advance(61 * time.Second)
	_, err = env.pipe.Submit(ctx, submission("k-r3"))
	assert.NoError(t, err)
}

func TestWorkflowRateLimit(t *testing.T) {
	env := newPipeEnv(t, config.LimitsConfig{WorkflowRatePerMinute: 1})
	ctx := context.Background()

	_, err := env.pipe.Submit(ctx, submission("k-w1"))
	require.NoError(t, err)

	_, err = env.pipe.Submit(ctx, submission("k-w2"))
	cerr := rejectionCode(t, err)
	assert.Equal(t, core.CodeRateLimited, cerr.Code)
	assert.Equal(t, "workflow", cerr.Details["scope"])
}

func TestVendorRateLimitFromVendorConfig(t *testing.T) {
	env := newPipeEnv(t, config.LimitsConfig{})
	ctx := context.Background()

	vendored := func(key string) Submission {
		sub := submission(key)
		sub.Payload = map[string]interface{}{"error_code": "VENDOR_TIMEOUT", "vendor": "stripe"}
		return sub
	}

	_, err := env.pipe.Submit(ctx, vendored("k-v1"))
	require.NoError(t, err)
	_, err = env.pipe.Submit(ctx, vendored("k-v2"))
	require.NoError(t, err)

	_, err = env.pipe.Submit(ctx, vendored("k-v3"))
	cerr := rejectionCode(t, err)
	assert.Equal(t, core.CodeRateLimited, cerr.Code)
	assert.Equal(t, "vendor", cerr.Details["scope"])

	// Vendor saturation never blocks vendor-less traffic.
	_, err = env.pipe.Submit(ctx, submission("k-plain"))
	assert.NoError(t, err)
}

func TestDailyEventQuotaRejectsUntilMidnight(t *testing.T) {
	env := newPipeEnv(t, config.LimitsConfig{TenantEventsPerDay: 1})
	ctx := context.Background()

	_, err := env.pipe.Submit(ctx, submission("k-q1"))
	require.NoError(t, err)

	_, err = env.pipe.Submit(ctx, submission("k-q2"))
	cerr := rejectionCode(t, err)
	assert.Equal(t, core.CodeRateLimited, cerr.Code)
	assert.Equal(t, "tenant_daily_quota", cerr.Details["scope"])
	// 09:00 UTC to next midnight.
	assert.Equal(t, 15*3600, cerr.RetryAfter)
}

func TestOpenBreakerRejectsVendorTraffic(t *testing.T) {
	env := newPipeEnv(t, config.LimitsConfig{})
	ctx := context.Background()

	require.NoError(t, env.breakers.Get("stripe").ForceOpen(ctx))

	sub := submission("k-b1")
	sub.Payload = map[string]interface{}{"error_code": "VENDOR_TIMEOUT", "vendor": "stripe"}
	_, err := env.pipe.Submit(ctx, sub)
	cerr := rejectionCode(t, err)
	assert.Equal(t, core.CodeBreakerOpen, cerr.Code)

	// Traffic not naming the tripped vendor is unaffected.
	_, err = env.pipe.Submit(ctx, submission("k-b2"))
	assert.NoError(t, err)
}

type failingRecords struct {
	Records
	insertErr error
}

func (f failingRecords) InsertEvent(context.Context, *core.Event) error { return f.insertErr }

func TestStoreFailureIsRetryable(t *testing.T) {
	env := newPipeEnv(t, config.LimitsConfig{})
	env.pipe.records = failingRecords{Records: env.store, insertErr: errors.New("connection reset")}

	_, err := env.pipe.Submit(context.Background(), submission("k-down"))
	cerr := rejectionCode(t, err)
	assert.Equal(t, core.CodeInternal, cerr.Code)
	assert.True(t, cerr.Retryable())
	assert.Empty(t, env.bus.events())
}

func TestFutureOccurredAtIsAcceptedNotEnforced(t *testing.T) {
	env := newPipeEnv(t, config.LimitsConfig{})

	sub := submission("k-skew")
	sub.OccurredAt = env.clock.Now().Add(time.Hour).Format(time.RFC3339)
	res, err := env.pipe.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.NotEmpty(t, res.EventID)
}

func TestRejectionCarriesCorrelationID(t *testing.T) {
	env := newPipeEnv(t, config.LimitsConfig{})

	sub := submission("k-corr")
	sub.TenantID = "t-frozen"
	sub.CorrelationID = "corr-rejected"
	_, err := env.pipe.Submit(context.Background(), sub)
	cerr := rejectionCode(t, err)
	assert.Equal(t, "corr-rejected", cerr.CorrelationID)
}

func TestNilBusStillAccepts(t *testing.T) {
	env := newPipeEnv(t, config.LimitsConfig{})
	env.pipe.bus = nil

	res, err := env.pipe.Submit(context.Background(), submission("k-nobus"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.EventID)
}
