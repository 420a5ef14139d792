package core

import (
	"sync"
	"time"
)

// ManualClock is a Clock that only moves when told to. Used across package
// tests to pin scheduler, breaker, and backoff timing.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// FixedRand always returns the same value, so jittered delays are exact.
type FixedRand struct {
	Value float64
}

func (r FixedRand) Float64() float64 { return r.Value }
