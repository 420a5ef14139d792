package killswitch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/store"
)

func newTestService() (*Service, *core.ManualClock) {
	clock := core.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewService(store.NewMemoryStore(), clock), clock
}

func TestActivateAndCheck(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	ks, err := svc.Activate(ctx, "t1", "wf1", "runaway retries", "alice")
	require.NoError(t, err)
	assert.True(t, ks.Active)

	hit, err := svc.Check(ctx, "t1", "wf1")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, ks.ID, hit.ID)

	// Other workflows on the same tenant are unaffected.
	miss, err := svc.Check(ctx, "t1", "wf2")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestTenantWideSwitchCoversAllWorkflows(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	ks, err := svc.Activate(ctx, "t1", "", "tenant freeze", "ops")
	require.NoError(t, err)

	for _, wf := range []string{"wf1", "wf2", "wf3"} {
		hit, err := svc.Check(ctx, "t1", wf)
		require.NoError(t, err)
		require.NotNil(t, hit, "workflow %s", wf)
		assert.Equal(t, ks.ID, hit.ID)
	}

	miss, err := svc.Check(ctx, "t2", "wf1")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestDeactivateClearsGate(t *testing.T) {
	svc, clock := newTestService()
	ctx := context.Background()

	ks, err := svc.Activate(ctx, "t1", "wf1", "incident response", "bob")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, svc.Deactivate(ctx, ks.ID))

	miss, err := svc.Check(ctx, "t1", "wf1")
	require.NoError(t, err)
	assert.Nil(t, miss)

	list, err := svc.List(ctx, "t1", false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Active)
	require.NotNil(t, list[0].DeactivatedAt)

	// A second deactivation is a not-found.
	err = svc.Deactivate(ctx, ks.ID)
	var domainErr *core.Error
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, core.CodeNotFound, domainErr.Code)
}

func TestActivateRequiresReasonAndActor(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Activate(ctx, "t1", "wf1", "", "alice")
	assert.Error(t, err)

	_, err = svc.Activate(ctx, "t1", "wf1", "reason", "")
	assert.Error(t, err)

	_, err = svc.Activate(ctx, "", "wf1", "reason", "alice")
	assert.Error(t, err)
}
