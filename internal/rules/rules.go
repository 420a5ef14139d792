// Package rules holds the read-only handling tables loaded at startup:
// error-code rules, named retry policies, and per-vendor safety settings.
// Tables never mutate under load; reload means constructing a new Table.
package rules

import (
	"strings"
	"time"

	"github.com/flowsentry/backend/internal/config"
	"github.com/flowsentry/backend/internal/core"
)

// Rule is the resolved handling for one error code.
type Rule struct {
	Severity    core.Severity
	RetryPolicy string
	Retryable   bool
}

// DefaultRule is what unknown error codes resolve to.
var DefaultRule = Rule{
	Severity:    core.SeverityMedium,
	RetryPolicy: "default",
	Retryable:   true,
}

// DefaultBreaker is applied to vendors absent from vendors.yaml.
var DefaultBreaker = config.BreakerSettings{
	Threshold:       10,
	CooldownSeconds: 300,
	ProbeCap:        3,
}

// Table resolves error codes, retry policies, and vendor settings.
type Table struct {
	codes    map[string]Rule
	policies map[string]config.RetryPolicy
	vendors  map[string]config.VendorSettings
}

// NewTable builds the lookup table from the loaded YAML files. Any argument
// may be nil; the documented defaults cover the gaps.
func NewTable(codes *config.ErrorCodesFile, policies *config.RetryPoliciesFile, vendors *config.VendorsFile) *Table {
	t := &Table{
		codes:    make(map[string]Rule),
		policies: make(map[string]config.RetryPolicy),
		vendors:  make(map[string]config.VendorSettings),
	}

	if codes != nil {
		for code, rc := range codes.Codes {
			retryable := true
			if rc.Retryable != nil {
				retryable = *rc.Retryable
			}
			policy := rc.RetryPolicy
			if policy == "" {
				policy = DefaultRule.RetryPolicy
			}
			t.codes[normalizeKey(code)] = Rule{
				Severity:    parseSeverity(rc.Severity),
				RetryPolicy: policy,
				Retryable:   retryable,
			}
		}
	}
	if policies != nil {
		for name, p := range policies.Policies {
			t.policies[name] = p
		}
	}
	if _, ok := t.policies["default"]; !ok {
		t.policies["default"] = config.RetryPolicy{
			Retryable:           true,
			MaxRetries:          3,
			InitialDelaySeconds: 30,
			MaxDelaySeconds:     3600,
			Multiplier:          2,
			Jitter:              0.2,
		}
	}
	if vendors != nil {
		for name, v := range vendors.Vendors {
			t.vendors[normalizeKey(name)] = v
		}
	}
	return t
}

// Lookup resolves an error code; unknown codes get DefaultRule.
func (t *Table) Lookup(errorCode string) Rule {
	if r, ok := t.codes[normalizeKey(errorCode)]; ok {
		return r
	}
	return DefaultRule
}

// Policy resolves a retry policy by name, falling back to "default".
func (t *Table) Policy(name string) config.RetryPolicy {
	if p, ok := t.policies[name]; ok {
		return p
	}
	return t.policies["default"]
}

// Vendor resolves per-vendor settings, filling breaker gaps with defaults.
func (t *Table) Vendor(name string) config.VendorSettings {
	v := t.vendors[normalizeKey(name)]
	if v.Breaker.Threshold <= 0 {
		v.Breaker.Threshold = DefaultBreaker.Threshold
	}
	if v.Breaker.CooldownSeconds <= 0 {
		v.Breaker.CooldownSeconds = DefaultBreaker.CooldownSeconds
	}
	if v.Breaker.ProbeCap <= 0 {
		v.Breaker.ProbeCap = DefaultBreaker.ProbeCap
	}
	return v
}

// BreakerConfig returns the resolved breaker tuple for a vendor.
func (t *Table) BreakerConfig(vendor string) (threshold int, cooldown time.Duration, probeCap int) {
	v := t.Vendor(vendor)
	return v.Breaker.Threshold, v.Breaker.Cooldown(), v.Breaker.ProbeCap
}

// VendorRateLimit returns the per-minute cap for a vendor; 0 means unlimited.
func (t *Table) VendorRateLimit(vendor string) int {
	return t.Vendor(vendor).RateLimit.PerMinute
}

func parseSeverity(s string) core.Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return core.SeverityLow
	case "MEDIUM":
		return core.SeverityMedium
	case "HIGH":
		return core.SeverityHigh
	case "CRITICAL":
		return core.SeverityCritical
	default:
		return core.SeverityMedium
	}
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
