// Package circuitbreaker implements per-vendor circuit breakers whose state
// lives in the shared cache, so every instance sees the same position.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowsentry/backend/internal/cache"
	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/metrics"
)

// Common errors
var (
	ErrCircuitOpen   = errors.New("circuit breaker is open")
	ErrTooManyProbes = errors.New("too many probes in half-open state")
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds circuit breaker configuration for one vendor.
type Config struct {
	// Name identifies the vendor this breaker protects.
	Name string

	// Threshold is the failure count within the rolling window that opens
	// the breaker.
	Threshold int

	// Cooldown is the period of open state before probing begins. It also
	// bounds the rolling failure window.
	Cooldown time.Duration

	// ProbeCap is the maximum number of unresolved probes in half-open state.
	ProbeCap int
}

// DefaultConfig returns a reasonable default configuration.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:      name,
		Threshold: 10,
		Cooldown:  300 * time.Second,
		ProbeCap:  3,
	}
}

func (c *Config) normalize() {
	if c.Threshold <= 0 {
		c.Threshold = 10
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 300 * time.Second
	}
	if c.ProbeCap <= 0 {
		c.ProbeCap = 3
	}
}

// VendorSnapshots receives breaker transitions for operator visibility.
// Satisfied by store.Store; snapshot writes are best-effort.
type VendorSnapshots interface {
	UpsertVendorBreaker(ctx context.Context, name string, state core.BreakerState, failures int, openedAt *time.Time) error
}

// ============================================================================
// VENDOR BREAKER
// ============================================================================

// VendorBreaker gates traffic for one vendor. All state is in the cache:
//
//	breaker:{vendor}:state     current position (absent means CLOSED)
//	breaker:{vendor}:opened    unix-millisecond open timestamp
//	breaker:{vendor}:failures  rolling failure window (sorted set)
//	breaker:{vendor}:probes    unresolved half-open probe count
//
// Cache unavailability fails closed: callers are rejected as if the breaker
// were OPEN, because admitting blind traffic to a possibly-down vendor is the
// worse failure.
type VendorBreaker struct {
	cfg       *Config
	cache     cache.Client
	snapshots VendorSnapshots
	clock     core.Clock
	metrics   *metrics.Metrics
	logger    *log.Logger
}

func newVendorBreaker(cfg *Config, c cache.Client, snap VendorSnapshots, clock core.Clock, m *metrics.Metrics, logger *log.Logger) *VendorBreaker {
	cfg.normalize()
	return &VendorBreaker{
		cfg:       cfg,
		cache:     c,
		snapshots: snap,
		clock:     clock,
		metrics:   m,
		logger:    logger,
	}
}

func (b *VendorBreaker) key(suffix string) string {
	return fmt.Sprintf("breaker:%s:%s", strings.ToLower(b.cfg.Name), suffix)
}

// Name returns the vendor this breaker protects.
func (b *VendorBreaker) Name() string { return b.cfg.Name }

// State resolves the current position, applying the OPEN → HALF_OPEN
// transition when the cooldown has elapsed.
func (b *VendorBreaker) State(ctx context.Context) (core.BreakerState, error) {
	raw, ok, err := b.cache.Get(ctx, b.key("state"))
	if err != nil {
		return core.BreakerOpen, err
	}
	if !ok || raw == string(core.BreakerClosed) {
		return core.BreakerClosed, nil
	}

	state := core.BreakerState(raw)
	if state != core.BreakerOpen {
		return state, nil
	}

	openedAt, err := b.openedAt(ctx)
	if err != nil {
		return core.BreakerOpen, err
	}
	if b.clock.Now().Sub(openedAt) < b.cfg.Cooldown {
		return core.BreakerOpen, nil
	}

	// Cooldown elapsed; begin probing. Racing instances both land here and
	// both write HALF_OPEN, which is harmless.
	if err := b.setState(ctx, core.BreakerHalfOpen, nil); err != nil {
		return core.BreakerOpen, err
	}
	b.logger.Printf("⚠️ Breaker %s: OPEN -> HALF_OPEN (cooldown elapsed)", b.cfg.Name)
	return core.BreakerHalfOpen, nil
}

// Check is the ingest gate. nil means the request may proceed; when the
// breaker is HALF_OPEN a nil return also holds one probe permit, which
// RecordSuccess or RecordFailure releases.
func (b *VendorBreaker) Check(ctx context.Context) error {
	state, err := b.State(ctx)
	if err != nil {
		b.degraded(err)
		return ErrCircuitOpen
	}

	switch state {
	case core.BreakerClosed:
		return nil
	case core.BreakerOpen:
		return ErrCircuitOpen
	}

	// HALF_OPEN: grant at most ProbeCap unresolved probes. The TTL clears
	// permits orphaned by a crashed prober.
	n, err := b.cache.Incr(ctx, b.key("probes"), b.cfg.Cooldown)
	if err != nil {
		b.degraded(err)
		return ErrCircuitOpen
	}
	if n > int64(b.cfg.ProbeCap) {
		if _, err := b.cache.Decr(ctx, b.key("probes")); err != nil {
			b.degraded(err)
		}
		return ErrTooManyProbes
	}
	return nil
}

// RecordSuccess notes a successful vendor call. One successful probe in
// HALF_OPEN closes the breaker and resets every counter.
func (b *VendorBreaker) RecordSuccess(ctx context.Context) error {
	state, err := b.State(ctx)
	if err != nil {
		b.degraded(err)
		return err
	}
	if state != core.BreakerHalfOpen {
		return nil
	}

	if _, err := b.cache.Decr(ctx, b.key("probes")); err != nil {
		b.degraded(err)
	}
	if err := b.close(ctx); err != nil {
		b.degraded(err)
		return err
	}
	b.logger.Printf("✅ Breaker %s: HALF_OPEN -> CLOSED (probe succeeded)", b.cfg.Name)
	return nil
}

// RecordFailure notes a failed vendor call. In CLOSED it feeds the rolling
// window and opens at the threshold; in HALF_OPEN a single failed probe
// re-opens with a fresh cooldown.
func (b *VendorBreaker) RecordFailure(ctx context.Context) error {
	state, err := b.State(ctx)
	if err != nil {
		b.degraded(err)
		return err
	}

	switch state {
	case core.BreakerHalfOpen:
		if _, err := b.cache.Decr(ctx, b.key("probes")); err != nil {
			b.degraded(err)
		}
		if err := b.open(ctx, 0); err != nil {
			b.degraded(err)
			return err
		}
		b.logger.Printf("🛑 Breaker %s: HALF_OPEN -> OPEN (probe failed)", b.cfg.Name)
		return nil

	case core.BreakerOpen:
		return nil
	}

	now := b.clock.Now()
	if err := b.cache.WindowAdd(ctx, b.key("failures"), uuid.New().String(), now, b.cfg.Cooldown); err != nil {
		b.degraded(err)
		return err
	}
	count, err := b.cache.WindowCount(ctx, b.key("failures"), now.Add(-b.cfg.Cooldown))
	if err != nil {
		b.degraded(err)
		return err
	}
	if count < int64(b.cfg.Threshold) {
		return nil
	}

	if err := b.open(ctx, int(count)); err != nil {
		b.degraded(err)
		return err
	}
	b.logger.Printf("🛑 Breaker %s: CLOSED -> OPEN (%d failures in window, threshold %d)",
		b.cfg.Name, count, b.cfg.Threshold)
	return nil
}

// ForceOpen trips the breaker immediately, for operator intervention.
func (b *VendorBreaker) ForceOpen(ctx context.Context) error {
	if err := b.open(ctx, 0); err != nil {
		b.degraded(err)
		return err
	}
	b.logger.Printf("🛑 Breaker %s: forced OPEN", b.cfg.Name)
	return nil
}

// ForceClose resets the breaker, for operator intervention.
func (b *VendorBreaker) ForceClose(ctx context.Context) error {
	if err := b.close(ctx); err != nil {
		b.degraded(err)
		return err
	}
	b.logger.Printf("✅ Breaker %s: forced CLOSED", b.cfg.Name)
	return nil
}

func (b *VendorBreaker) open(ctx context.Context, failures int) error {
	now := b.clock.Now()
	if err := b.cache.Set(ctx, b.key("opened"), strconv.FormatInt(now.UnixMilli(), 10), 0); err != nil {
		return err
	}
	if err := b.setState(ctx, core.BreakerOpen, nil); err != nil {
		return err
	}
	b.metrics.RecordBreakerTransition(b.cfg.Name, core.BreakerOpen)
	b.metrics.SetBreakerState(b.cfg.Name, core.BreakerOpen)
	b.snapshot(ctx, core.BreakerOpen, failures, &now)
	return nil
}

func (b *VendorBreaker) close(ctx context.Context) error {
	for _, k := range []string{"failures", "probes", "opened"} {
		if err := b.cache.Del(ctx, b.key(k)); err != nil {
			return err
		}
	}
	if err := b.setState(ctx, core.BreakerClosed, nil); err != nil {
		return err
	}
	b.metrics.RecordBreakerTransition(b.cfg.Name, core.BreakerClosed)
	b.metrics.SetBreakerState(b.cfg.Name, core.BreakerClosed)
	b.snapshot(ctx, core.BreakerClosed, 0, nil)
	return nil
}

func (b *VendorBreaker) setState(ctx context.Context, state core.BreakerState, ttl *time.Duration) error {
	d := time.Duration(0)
	if ttl != nil {
		d = *ttl
	}
	if err := b.cache.Set(ctx, b.key("state"), string(state), d); err != nil {
		return err
	}
	if state == core.BreakerHalfOpen {
		b.metrics.RecordBreakerTransition(b.cfg.Name, core.BreakerHalfOpen)
		b.metrics.SetBreakerState(b.cfg.Name, core.BreakerHalfOpen)
		b.snapshot(ctx, core.BreakerHalfOpen, 0, nil)
	}
	return nil
}

func (b *VendorBreaker) openedAt(ctx context.Context) (time.Time, error) {
	raw, ok, err := b.cache.Get(ctx, b.key("opened"))
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		// Opened marker lost; treat as just opened so the cooldown still holds.
		return b.clock.Now(), nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return b.clock.Now(), nil
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (b *VendorBreaker) snapshot(ctx context.Context, state core.BreakerState, failures int, openedAt *time.Time) {
	if b.snapshots == nil {
		return
	}
	if err := b.snapshots.UpsertVendorBreaker(ctx, b.cfg.Name, state, failures, openedAt); err != nil {
		b.logger.Printf("⚠️ Breaker %s: snapshot write failed: %v", b.cfg.Name, err)
	}
}

func (b *VendorBreaker) degraded(err error) {
	b.metrics.RecordDegradedMode("breaker")
	b.logger.Printf("⚠️ Breaker %s: cache unavailable, failing closed: %v", b.cfg.Name, err)
}

// ============================================================================
// MANAGER
// ============================================================================

// ConfigSource resolves per-vendor breaker settings; satisfied by rules.Table.
type ConfigSource interface {
	BreakerConfig(vendor string) (threshold int, cooldown time.Duration, probeCap int)
}

// Manager hands out one breaker per vendor.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*VendorBreaker

	source    ConfigSource
	cache     cache.Client
	snapshots VendorSnapshots
	clock     core.Clock
	metrics   *metrics.Metrics
	logger    *log.Logger
}

// NewManager creates a breaker manager. source may be nil, in which case
// every vendor gets DefaultConfig.
func NewManager(c cache.Client, source ConfigSource, snap VendorSnapshots, clock core.Clock, m *metrics.Metrics) *Manager {
	if clock == nil {
		clock = core.SystemClock()
	}
	return &Manager{
		breakers:  make(map[string]*VendorBreaker),
		source:    source,
		cache:     c,
		snapshots: snap,
		clock:     clock,
		metrics:   m,
		logger:    log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
}

// Get returns the breaker for a vendor, creating it on first use.
func (m *Manager) Get(vendor string) *VendorBreaker {
	key := strings.ToLower(vendor)

	m.mu.RLock()
	b, exists := m.breakers[key]
	m.mu.RUnlock()
	if exists {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = m.breakers[key]; exists {
		return b
	}

	cfg := DefaultConfig(vendor)
	if m.source != nil {
		threshold, cooldown, probeCap := m.source.BreakerConfig(vendor)
		cfg.Threshold = threshold
		cfg.Cooldown = cooldown
		cfg.ProbeCap = probeCap
	}
	b = newVendorBreaker(cfg, m.cache, m.snapshots, m.clock, m.metrics, m.logger)
	m.breakers[key] = b
	return b
}

// Check gates traffic for a vendor by name. An empty vendor always passes.
func (m *Manager) Check(ctx context.Context, vendor string) error {
	if vendor == "" {
		return nil
	}
	return m.Get(vendor).Check(ctx)
}

// RecordSuccess reports a successful vendor interaction.
func (m *Manager) RecordSuccess(ctx context.Context, vendor string) {
	if vendor == "" {
		return
	}
	if err := m.Get(vendor).RecordSuccess(ctx); err != nil {
		m.logger.Printf("⚠️ Breaker %s: success not recorded: %v", vendor, err)
	}
}

// RecordFailure reports a failed vendor interaction.
func (m *Manager) RecordFailure(ctx context.Context, vendor string) {
	if vendor == "" {
		return
	}
	if err := m.Get(vendor).RecordFailure(ctx); err != nil {
		m.logger.Printf("⚠️ Breaker %s: failure not recorded: %v", vendor, err)
	}
}
