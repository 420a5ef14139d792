package core

import (
	"math/rand"
	"sync"
	"time"
)

// Clock abstracts time so schedulers and breakers are testable.
type Clock interface {
	Now() time.Time
}

// Rand abstracts the jitter source so backoff tests can pin it.
type Rand interface {
	// Float64 returns a value in [0, 1).
	Float64() float64
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the real UTC clock.
func SystemClock() Clock { return systemClock{} }

type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}

// NewRand returns a concurrency-safe jitter source.
func NewRand() Rand {
	return &lockedRand{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}
