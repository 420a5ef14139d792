package circuitbreaker

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsentry/backend/internal/cache"
	"github.com/flowsentry/backend/internal/core"
)

func newTestBreaker(t *testing.T, cfg *Config) (*VendorBreaker, *core.ManualClock) {
	t.Helper()
	clock := core.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	quiet := log.New(io.Discard, "", 0)
	return newVendorBreaker(cfg, cache.NewMemoryCache(), nil, clock, nil, quiet), clock
}

func trip(t *testing.T, b *VendorBreaker) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < b.cfg.Threshold; i++ {
		require.NoError(t, b.RecordFailure(ctx))
	}
}

func TestBreakerClosedByDefault(t *testing.T) {
	b, _ := newTestBreaker(t, &Config{Name: "stripe", Threshold: 3, Cooldown: time.Minute, ProbeCap: 2})
	ctx := context.Background()

	state, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.BreakerClosed, state)
	assert.NoError(t, b.Check(ctx))
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, &Config{Name: "stripe", Threshold: 3, Cooldown: time.Minute, ProbeCap: 2})
	ctx := context.Background()

	require.NoError(t, b.RecordFailure(ctx))
	require.NoError(t, b.RecordFailure(ctx))
	assert.NoError(t, b.Check(ctx), "below threshold stays closed")

	require.NoError(t, b.RecordFailure(ctx))
	assert.ErrorIs(t, b.Check(ctx), ErrCircuitOpen)

	state, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.BreakerOpen, state)
}

func TestBreakerRejectsForFullCooldown(t *testing.T) {
	b, clock := newTestBreaker(t, &Config{Name: "stripe", Threshold: 3, Cooldown: time.Minute, ProbeCap: 2})
	ctx := context.Background()
	trip(t, b)

	clock.Advance(59 * time.Second)
	assert.ErrorIs(t, b.Check(ctx), ErrCircuitOpen)

	clock.Advance(2 * time.Second)
	assert.NoError(t, b.Check(ctx), "cooldown elapsed admits a probe")

	state, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.BreakerHalfOpen, state)
}

func TestBreakerProbeCap(t *testing.T) {
	b, clock := newTestBreaker(t, &Config{Name: "stripe", Threshold: 3, Cooldown: time.Minute, ProbeCap: 2})
	ctx := context.Background()
	trip(t, b)
	clock.Advance(2 * time.Minute)

	require.NoError(t, b.Check(ctx))
	require.NoError(t, b.Check(ctx))
	assert.ErrorIs(t, b.Check(ctx), ErrTooManyProbes)

	// A resolved probe releases its permit.
	require.NoError(t, b.RecordFailure(ctx))
	state, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.BreakerOpen, state, "failed probe re-opens")
}

func TestBreakerSingleProbeSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(t, &Config{Name: "stripe", Threshold: 3, Cooldown: time.Minute, ProbeCap: 2})
	ctx := context.Background()
	trip(t, b)
	clock.Advance(2 * time.Minute)

	require.NoError(t, b.Check(ctx))
	require.NoError(t, b.RecordSuccess(ctx))

	state, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.BreakerClosed, state)

	// Counters were reset: the old failures are gone.
	require.NoError(t, b.RecordFailure(ctx))
	assert.NoError(t, b.Check(ctx))
}

func TestBreakerProbeFailureRestartsCooldown(t *testing.T) {
	b, clock := newTestBreaker(t, &Config{Name: "stripe", Threshold: 3, Cooldown: time.Minute, ProbeCap: 2})
	ctx := context.Background()
	trip(t, b)
	clock.Advance(2 * time.Minute)

	require.NoError(t, b.Check(ctx))
	require.NoError(t, b.RecordFailure(ctx))

	// Fresh cooldown from the probe failure, not from the original open.
	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, b.Check(ctx), ErrCircuitOpen)
	clock.Advance(31 * time.Second)
	assert.NoError(t, b.Check(ctx))
}

func TestBreakerOldFailuresDecay(t *testing.T) {
	b, clock := newTestBreaker(t, &Config{Name: "stripe", Threshold: 3, Cooldown: time.Minute, ProbeCap: 2})
	ctx := context.Background()

	require.NoError(t, b.RecordFailure(ctx))
	require.NoError(t, b.RecordFailure(ctx))
	clock.Advance(2 * time.Minute)

	// The earlier failures fell out of the rolling window.
	require.NoError(t, b.RecordFailure(ctx))
	state, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.BreakerClosed, state)
}

func TestBreakerForceOpenAndClose(t *testing.T) {
	b, _ := newTestBreaker(t, &Config{Name: "stripe", Threshold: 3, Cooldown: time.Minute, ProbeCap: 2})
	ctx := context.Background()

	require.NoError(t, b.ForceOpen(ctx))
	assert.ErrorIs(t, b.Check(ctx), ErrCircuitOpen)

	require.NoError(t, b.ForceClose(ctx))
	assert.NoError(t, b.Check(ctx))
}

// failingCache errors on every call so fail-closed behavior can be observed.
type failingCache struct{}

var errCacheDown = errors.New("cache down")

func (failingCache) Get(context.Context, string) (string, bool, error) { return "", false, errCacheDown }
func (failingCache) Set(context.Context, string, string, time.Duration) error {
	return errCacheDown
}
func (failingCache) Del(context.Context, ...string) error { return errCacheDown }
func (failingCache) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errCacheDown
}
func (failingCache) Decr(context.Context, string) (int64, error) { return 0, errCacheDown }
func (failingCache) WindowAdd(context.Context, string, string, time.Time, time.Duration) error {
	return errCacheDown
}
func (failingCache) WindowCount(context.Context, string, time.Time) (int64, error) {
	return 0, errCacheDown
}
func (failingCache) WindowRemove(context.Context, string, string) error { return errCacheDown }
func (failingCache) Publish(context.Context, string, []byte) error { return errCacheDown }
func (failingCache) Subscribe(context.Context, string, func([]byte)) (func(), error) {
	return nil, errCacheDown
}
func (failingCache) Ping(context.Context) error { return errCacheDown }
func (failingCache) Close() error               { return nil }

func TestBreakerFailsClosedOnCacheError(t *testing.T) {
	mgr := NewManager(failingCache{}, nil, nil, core.SystemClock(), nil)
	b := mgr.Get("stripe")

	assert.ErrorIs(t, b.Check(context.Background()), ErrCircuitOpen)
}

func TestManagerReusesBreakers(t *testing.T) {
	mgr := NewManager(cache.NewMemoryCache(), nil, nil, core.SystemClock(), nil)
	assert.Same(t, mgr.Get("Stripe"), mgr.Get("stripe"))
}
