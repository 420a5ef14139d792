// Package ratelimit enforces sliding-window admission limits over the shared
// cache, so the cap holds across all instances. Windows are keyed by scope:
// tenant, workflow, or tenant+vendor.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowsentry/backend/internal/cache"
	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/metrics"
)

// Scope names used for keys and metrics labels.
const (
	ScopeTenant   = "tenant"
	ScopeWorkflow = "workflow"
	ScopeVendor   = "vendor"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Degraded is set when the cache was unreachable and the request was
	// admitted blind.
	Degraded bool
	// RetryAfter is the caller hint in seconds, set only on denial.
	RetryAfter int
	Scope      string
}

// Limiter admits or denies requests against per-scope sliding windows.
// Cache unavailability fails open: ingest stays available and the degraded
// admission is flagged, the opposite bias from the circuit breaker.
type Limiter struct {
	cache   cache.Client
	clock   core.Clock
	metrics *metrics.Metrics
	logger  *log.Logger
}

func New(c cache.Client, clock core.Clock, m *metrics.Metrics) *Limiter {
	if clock == nil {
		clock = core.SystemClock()
	}
	return &Limiter{
		cache:   c,
		clock:   clock,
		metrics: m,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

// Allow performs one sliding-window admission check. limit <= 0 disables the
// check. The window holds admissions only: a denied request withdraws its own
// marker so bursts cannot starve later legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, scope, key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Scope: scope}
	}
	if window <= 0 {
		window = time.Minute
	}

	now := l.clock.Now()
	cacheKey := fmt.Sprintf("ratelimit:%s:%s", scope, strings.ToLower(key))
	member := uuid.New().String()

	if err := l.cache.WindowAdd(ctx, cacheKey, member, now, window+time.Minute); err != nil {
		return l.failOpen(scope, err)
	}
	count, err := l.cache.WindowCount(ctx, cacheKey, now.Add(-window))
	if err != nil {
		return l.failOpen(scope, err)
	}

	if count <= int64(limit) {
		return Decision{Allowed: true, Scope: scope}
	}

	// Over the cap: withdraw our marker so only admissions occupy the window.
	if err := l.cache.WindowRemove(ctx, cacheKey, member); err != nil {
		l.logger.Printf("⚠️ Window withdraw failed: scope=%s key=%s: %v", scope, key, err)
	}
	retryAfter := int(math.Ceil(window.Seconds()))
	l.metrics.RecordRateLimited(scope)
	l.logger.Printf("🚫 Rate limit exceeded: scope=%s key=%s count=%d limit=%d",
		scope, key, count, limit)
	return Decision{Allowed: false, RetryAfter: retryAfter, Scope: scope}
}

// AllowTenant checks the per-tenant ingest window.
func (l *Limiter) AllowTenant(ctx context.Context, tenantID string, perMinute int) Decision {
	return l.Allow(ctx, ScopeTenant, tenantID, perMinute, time.Minute)
}

// AllowWorkflow checks the per-workflow ingest window.
func (l *Limiter) AllowWorkflow(ctx context.Context, workflowID string, perMinute int) Decision {
	return l.Allow(ctx, ScopeWorkflow, workflowID, perMinute, time.Minute)
}

// AllowVendor checks the tenant+vendor window.
func (l *Limiter) AllowVendor(ctx context.Context, tenantID, vendor string, perMinute int) Decision {
	return l.Allow(ctx, ScopeVendor, tenantID+":"+vendor, perMinute, time.Minute)
}

func (l *Limiter) failOpen(scope string, err error) Decision {
	l.metrics.RecordDegradedMode("ratelimit")
	l.logger.Printf("⚠️ Cache unavailable, admitting blind: scope=%s: %v", scope, err)
	return Decision{Allowed: true, Degraded: true, Scope: scope}
}
