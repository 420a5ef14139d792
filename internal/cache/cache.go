// Package cache provides the shared-state client used by the safety fabric:
// rate-limiter windows, breaker state, probe permits, retry budgets, and
// tenant quotas all live here so every instance sees the same counters.
//
// Two implementations exist: a go-redis v9 adapter for production and an
// in-process adapter for dev mode and tests. Callers own the fallback
// policy; breakers fail closed on cache errors, rate limits fail open.
package cache

import (
	"context"
	"time"
)

// Client is the minimal shared-state surface the safety fabric needs.
type Client interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes a value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// Incr atomically increments a counter, applying ttl when the counter
	// is created by this call.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Decr atomically decrements a counter, flooring at zero.
	Decr(ctx context.Context, key string) (int64, error)

	// WindowAdd records a member in the sliding window at the given instant.
	WindowAdd(ctx context.Context, key, member string, at time.Time, ttl time.Duration) error
	// WindowCount evicts entries older than cutoff, then returns the count.
	WindowCount(ctx context.Context, key string, cutoff time.Time) (int64, error)
	// WindowRemove withdraws a member, e.g. when its admission was denied.
	WindowRemove(ctx context.Context, key, member string) error

	Publish(ctx context.Context, channel string, message []byte) error
	// Subscribe registers a handler and returns an unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)

	Ping(ctx context.Context) error
	Close() error
}
