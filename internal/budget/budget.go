// Package budget enforces the bounded-remediation limits: the per-workflow
// retry budget, the per-vendor rolling-hour failure budget, and per-tenant
// daily quotas. Exhausting a budget never drops data; it forces the
// coordinator toward escalation instead of another automated attempt.
package budget

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowsentry/backend/internal/cache"
	"github.com/flowsentry/backend/internal/config"
	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/metrics"
)

// Quota kinds for the per-tenant daily counters.
const (
	QuotaEvents    = "events"
	QuotaIncidents = "incidents"
	QuotaActions   = "actions"
)

const vendorWindow = time.Hour

// Decision is the outcome of a quota consumption attempt.
type Decision struct {
	Allowed  bool
	Degraded bool
	// RetryAfter is seconds until the next UTC midnight, set on denial.
	RetryAfter int
}

// Enforcer answers the budget questions. Counters live in the shared cache
// so every instance draws from the same pool; cache unavailability fails
// open with a degraded flag, matching the rate limiter's availability bias.
type Enforcer struct {
	cache   cache.Client
	limits  config.LimitsConfig
	clock   core.Clock
	metrics *metrics.Metrics
	logger  *log.Logger
}

func NewEnforcer(c cache.Client, limits config.LimitsConfig, clock core.Clock, m *metrics.Metrics) *Enforcer {
	if clock == nil {
		clock = core.SystemClock()
	}
	return &Enforcer{
		cache:   c,
		limits:  limits,
		clock:   clock,
		metrics: m,
		logger:  log.New(log.Writer(), "[BUDGET] ", log.LstdFlags),
	}
}

// PermitWorkflowRetry reports whether the incident may consume another retry.
// The count is read from the incident row, so it needs no cache round trip.
func (e *Enforcer) PermitWorkflowRetry(incident *core.Incident) bool {
	max := e.limits.MaxRetriesPerWorkflow
	if max <= 0 {
		return true
	}
	return incident.RetryCount < max
}

// RecordVendorFailure feeds the vendor's rolling-hour failure window.
func (e *Enforcer) RecordVendorFailure(ctx context.Context, vendor string) error {
	if vendor == "" {
		return nil
	}
	err := e.cache.WindowAdd(ctx, e.vendorKey(vendor), uuid.New().String(), e.clock.Now(), vendorWindow+time.Minute)
	if err != nil {
		e.degraded(err)
	}
	return err
}

// PermitVendorActivity reports whether the vendor's trailing-hour failures
// are below its budget. Cache errors permit with a degraded flag.
func (e *Enforcer) PermitVendorActivity(ctx context.Context, vendor string) bool {
	max := e.limits.MaxRetriesPerVendorPerHour
	if vendor == "" || max <= 0 {
		return true
	}
	count, err := e.cache.WindowCount(ctx, e.vendorKey(vendor), e.clock.Now().Add(-vendorWindow))
	if err != nil {
		e.degraded(err)
		return true
	}
	if count >= int64(max) {
		e.logger.Printf("🚫 Vendor budget exhausted: vendor=%s failures=%d budget=%d", vendor, count, max)
		return false
	}
	return true
}

// ConsumeEventQuota draws one accepted event from the tenant's daily pool.
func (e *Enforcer) ConsumeEventQuota(ctx context.Context, tenantID string) Decision {
	return e.consume(ctx, tenantID, QuotaEvents, e.limits.TenantEventsPerDay)
}

// ConsumeIncidentQuota draws one created incident from the tenant's daily
// pool. Exceeding it never blocks incident creation; callers use the denial
// to skip optional work such as classification.
func (e *Enforcer) ConsumeIncidentQuota(ctx context.Context, tenantID string) Decision {
	return e.consume(ctx, tenantID, QuotaIncidents, e.limits.TenantIncidentsPerDay)
}

// ConsumeActionQuota draws one automated action from the tenant's daily pool.
func (e *Enforcer) ConsumeActionQuota(ctx context.Context, tenantID string) Decision {
	return e.consume(ctx, tenantID, QuotaActions, e.limits.TenantActionsPerDay)
}

func (e *Enforcer) consume(ctx context.Context, tenantID, kind string, limit int) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}

	now := e.clock.Now()
	key := fmt.Sprintf("quota:%s:%s:%s", kind, strings.ToLower(tenantID), now.UTC().Format("2006-01-02"))

	// 48h TTL so yesterday's counter survives long enough for observation,
	// then expires on its own.
	n, err := e.cache.Incr(ctx, key, 48*time.Hour)
	if err != nil {
		e.degraded(err)
		return Decision{Allowed: true, Degraded: true}
	}
	if n <= int64(limit) {
		return Decision{Allowed: true}
	}

	retryAfter := int(secondsToMidnight(now))
	e.metrics.RecordRateLimited("quota_" + kind)
	e.logger.Printf("🚫 Daily quota exceeded: tenant=%s kind=%s used=%d limit=%d", tenantID, kind, n, limit)
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

func (e *Enforcer) vendorKey(vendor string) string {
	return "budget:vendor:" + strings.ToLower(vendor)
}

func (e *Enforcer) degraded(err error) {
	e.metrics.RecordDegradedMode("budget")
	e.logger.Printf("⚠️ Cache unavailable, budgets failing open: %v", err)
}

func secondsToMidnight(now time.Time) float64 {
	utc := now.UTC()
	midnight := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return midnight.Sub(utc).Seconds()
}
