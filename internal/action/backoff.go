package action

import (
	"math"
	"time"

	"github.com/flowsentry/backend/internal/config"
	"github.com/flowsentry/backend/internal/core"
)

// RetryDelay computes the wait before a retry attempt (1-indexed):
// bounded exponential backoff from the named policy, jittered by
// uniform(-jitter, +jitter) so co-failing incidents do not retry in step.
func RetryDelay(policy config.RetryPolicy, attempt int, random core.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := policy.InitialDelaySeconds
	if initial <= 0 {
		initial = 30
	}
	multiplier := policy.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	maxDelay := policy.MaxDelaySeconds
	if maxDelay <= 0 {
		maxDelay = 3600
	}
	jitter := policy.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if random == nil {
		random = core.NewRand()
	}

	seconds := initial * math.Pow(multiplier, float64(attempt-1))
	if seconds > maxDelay {
		seconds = maxDelay
	}
	factor := 1 + jitter*(2*random.Float64()-1)
	return time.Duration(seconds * factor * float64(time.Second))
}
