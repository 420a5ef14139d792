package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsentry/backend/internal/cache"
	"github.com/flowsentry/backend/internal/core"
)

func newTestLimiter() (*Limiter, *core.ManualClock) {
	clock := core.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return New(cache.NewMemoryCache(), clock, nil), clock
}

func TestAllowWithinLimit(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := l.AllowTenant(ctx, "t1", 5)
		assert.True(t, d.Allowed, "admission %d", i+1)
		assert.False(t, d.Degraded)
	}

	d := l.AllowTenant(ctx, "t1", 5)
	assert.False(t, d.Allowed)
	assert.Equal(t, 60, d.RetryAfter)
}

func TestDeniedRequestsDoNotOccupyWindow(t *testing.T) {
	l, clock := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, l.AllowTenant(ctx, "t1", 3).Allowed)
	}
	// A burst of denials must not extend the starvation.
	for i := 0; i < 10; i++ {
		require.False(t, l.AllowTenant(ctx, "t1", 3).Allowed)
	}

	clock.Advance(61 * time.Second)
	assert.True(t, l.AllowTenant(ctx, "t1", 3).Allowed)
}

func TestWindowSlides(t *testing.T) {
	l, clock := newTestLimiter()
	ctx := context.Background()

	require.True(t, l.AllowTenant(ctx, "t1", 2).Allowed)
	clock.Advance(30 * time.Second)
	require.True(t, l.AllowTenant(ctx, "t1", 2).Allowed)
	require.False(t, l.AllowTenant(ctx, "t1", 2).Allowed)

	// 31s later the first admission is out of the window, the second is not.
	clock.Advance(31 * time.Second)
	assert.True(t, l.AllowTenant(ctx, "t1", 2).Allowed)
	assert.False(t, l.AllowTenant(ctx, "t1", 2).Allowed)
}

func TestScopesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	require.True(t, l.AllowTenant(ctx, "t1", 1).Allowed)
	require.False(t, l.AllowTenant(ctx, "t1", 1).Allowed)

	// Same id under a different scope has its own window.
	assert.True(t, l.AllowWorkflow(ctx, "t1", 1).Allowed)
	assert.True(t, l.AllowVendor(ctx, "t1", "stripe", 1).Allowed)

	// Other tenants are unaffected.
	assert.True(t, l.AllowTenant(ctx, "t2", 1).Allowed)
}

func TestZeroLimitMeansUnlimited(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.True(t, l.AllowVendor(ctx, "t1", "novendor", 0).Allowed)
	}
}

func TestFailOpenOnCacheError(t *testing.T) {
	l := New(unavailableCache{}, core.SystemClock(), nil)

	d := l.AllowTenant(context.Background(), "t1", 1)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
}

type unavailableCache struct{ cache.Client }

func (unavailableCache) WindowAdd(context.Context, string, string, time.Time, time.Duration) error {
	return context.DeadlineExceeded
}
