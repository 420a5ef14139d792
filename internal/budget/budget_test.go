package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsentry/backend/internal/cache"
	"github.com/flowsentry/backend/internal/config"
	"github.com/flowsentry/backend/internal/core"
)

func newTestEnforcer(limits config.LimitsConfig) (*Enforcer, *core.ManualClock) {
	clock := core.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewEnforcer(cache.NewMemoryCache(), limits, clock, nil), clock
}

func TestPermitWorkflowRetry(t *testing.T) {
	e, _ := newTestEnforcer(config.LimitsConfig{MaxRetriesPerWorkflow: 3})

	inc := &core.Incident{RetryCount: 0}
	assert.True(t, e.PermitWorkflowRetry(inc))

	inc.RetryCount = 2
	assert.True(t, e.PermitWorkflowRetry(inc))

	inc.RetryCount = 3
	assert.False(t, e.PermitWorkflowRetry(inc))

	// Zero budget means unlimited.
	unlimited, _ := newTestEnforcer(config.LimitsConfig{})
	assert.True(t, unlimited.PermitWorkflowRetry(inc))
}

func TestVendorBudgetRollingHour(t *testing.T) {
	e, clock := newTestEnforcer(config.LimitsConfig{MaxRetriesPerVendorPerHour: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, e.RecordVendorFailure(ctx, "stripe"))
	}
	assert.False(t, e.PermitVendorActivity(ctx, "stripe"))
	assert.True(t, e.PermitVendorActivity(ctx, "other"), "budgets are per vendor")

	// Failures age out of the trailing hour.
	clock.Advance(61 * time.Minute)
	assert.True(t, e.PermitVendorActivity(ctx, "stripe"))
}

func TestVendorBudgetEmptyVendorAlwaysPermitted(t *testing.T) {
	e, _ := newTestEnforcer(config.LimitsConfig{MaxRetriesPerVendorPerHour: 1})
	assert.True(t, e.PermitVendorActivity(context.Background(), ""))
}

func TestDailyQuotaConsumption(t *testing.T) {
	e, clock := newTestEnforcer(config.LimitsConfig{TenantEventsPerDay: 2})
	ctx := context.Background()

	require.True(t, e.ConsumeEventQuota(ctx, "t1").Allowed)
	require.True(t, e.ConsumeEventQuota(ctx, "t1").Allowed)

	d := e.ConsumeEventQuota(ctx, "t1")
	assert.False(t, d.Allowed)
	// 12:00 UTC → 43200s to midnight.
	assert.Equal(t, 43200, d.RetryAfter)

	// Another tenant has its own pool.
	assert.True(t, e.ConsumeEventQuota(ctx, "t2").Allowed)

	// The pool refills at the UTC day boundary.
	clock.Advance(13 * time.Hour)
	assert.True(t, e.ConsumeEventQuota(ctx, "t1").Allowed)
}

func TestQuotaKindsAreIndependent(t *testing.T) {
	e, _ := newTestEnforcer(config.LimitsConfig{
		TenantEventsPerDay:    1,
		TenantIncidentsPerDay: 1,
		TenantActionsPerDay:   1,
	})
	ctx := context.Background()

	require.True(t, e.ConsumeEventQuota(ctx, "t1").Allowed)
	require.False(t, e.ConsumeEventQuota(ctx, "t1").Allowed)

	assert.True(t, e.ConsumeIncidentQuota(ctx, "t1").Allowed)
	assert.True(t, e.ConsumeActionQuota(ctx, "t1").Allowed)
}

func TestBudgetFailsOpenOnCacheError(t *testing.T) {
	e := NewEnforcer(brokenCache{}, config.LimitsConfig{
		TenantEventsPerDay:         1,
		MaxRetriesPerVendorPerHour: 1,
	}, core.SystemClock(), nil)
	ctx := context.Background()

	d := e.ConsumeEventQuota(ctx, "t1")
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)

	assert.True(t, e.PermitVendorActivity(ctx, "stripe"))
}

type brokenCache struct{ cache.Client }

func (brokenCache) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, context.DeadlineExceeded
}
func (brokenCache) WindowCount(context.Context, string, time.Time) (int64, error) {
	return 0, context.DeadlineExceeded
}
