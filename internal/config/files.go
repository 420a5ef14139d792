package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// ErrorCodeRule maps one error code to its handling policy.
type ErrorCodeRule struct {
	Severity    string `yaml:"severity"`
	RetryPolicy string `yaml:"retry_policy"`
	// Retryable defaults to true when omitted.
	Retryable *bool `yaml:"retryable"`
}

type ErrorCodesFile struct {
	Codes map[string]ErrorCodeRule `yaml:"error_codes"`
}

// RetryPolicy parameterizes bounded exponential backoff.
type RetryPolicy struct {
	Retryable           bool    `yaml:"retryable"`
	MaxRetries          int     `yaml:"max_retries"`
	InitialDelaySeconds float64 `yaml:"initial_delay_seconds"`
	MaxDelaySeconds     float64 `yaml:"max_delay_seconds"`
	Multiplier          float64 `yaml:"multiplier"`
	Jitter              float64 `yaml:"jitter"`
}

func (p RetryPolicy) InitialDelay() time.Duration {
	return time.Duration(p.InitialDelaySeconds * float64(time.Second))
}

func (p RetryPolicy) MaxDelay() time.Duration {
	return time.Duration(p.MaxDelaySeconds * float64(time.Second))
}

type RetryPoliciesFile struct {
	Policies map[string]RetryPolicy `yaml:"retry_policies"`
}

// VendorSettings carries per-vendor breaker and rate-limit tuning.
type VendorSettings struct {
	Breaker   BreakerSettings   `yaml:"breaker"`
	RateLimit RateLimitSettings `yaml:"rate_limit"`
}

type BreakerSettings struct {
	Threshold       int `yaml:"threshold"`
	CooldownSeconds int `yaml:"cooldown_seconds"`
	ProbeCap        int `yaml:"probe_cap"`
}

func (b BreakerSettings) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

type RateLimitSettings struct {
	PerMinute int `yaml:"per_minute"`
}

type VendorsFile struct {
	Vendors map[string]VendorSettings `yaml:"vendors"`
}

// LoadErrorCodes reads the error-code rules file. A missing file yields an
// empty table; unknown codes fall to the documented default downstream.
func LoadErrorCodes(path string) (*ErrorCodesFile, error) {
	var out ErrorCodesFile
	if err := loadYAML(path, &out); err != nil {
		return nil, err
	}
	if out.Codes == nil {
		out.Codes = make(map[string]ErrorCodeRule)
	}
	return &out, nil
}

// LoadRetryPolicies reads the retry-policy file; the "default" policy is
// injected when the file does not define one.
func LoadRetryPolicies(path string) (*RetryPoliciesFile, error) {
	var out RetryPoliciesFile
	if err := loadYAML(path, &out); err != nil {
		return nil, err
	}
	if out.Policies == nil {
		out.Policies = make(map[string]RetryPolicy)
	}
	if _, ok := out.Policies["default"]; !ok {
		out.Policies["default"] = RetryPolicy{
			Retryable:           true,
			MaxRetries:          3,
			InitialDelaySeconds: 30,
			MaxDelaySeconds:     3600,
			Multiplier:          2,
			Jitter:              0.2,
		}
	}
	return &out, nil
}

// LoadVendors reads per-vendor settings; missing file yields an empty map.
func LoadVendors(path string) (*VendorsFile, error) {
	var out VendorsFile
	if err := loadYAML(path, &out); err != nil {
		return nil, err
	}
	if out.Vendors == nil {
		out.Vendors = make(map[string]VendorSettings)
	}
	return &out, nil
}

func loadYAML(path string, into interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	return yaml.NewDecoder(f).Decode(into)
}
