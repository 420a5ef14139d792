package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryCache is the in-process fallback used in dev mode and tests. It
// mirrors the Redis adapter's semantics (lazy expiry, floored counters,
// local pub/sub fan-out) without cross-instance visibility.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	windows map[string][]windowEntry
	subs    map[string]map[int]func([]byte)
	nextSub int
	closed  bool
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type windowEntry struct {
	member string
	at     time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]*memEntry),
		windows: make(map[string][]windowEntry),
		subs:    make(map[string]map[int]func([]byte)),
	}
}

func (c *MemoryCache) expired(e *memEntry) bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

func (c *MemoryCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
		delete(c.windows, k)
	}
	return nil
}

func (c *MemoryCache) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		e = &memEntry{value: "0"}
		if ttl > 0 {
			e.expiresAt = time.Now().Add(ttl)
		}
		c.entries[key] = e
	}
	n, _ := strconv.ParseInt(e.value, 10, 64)
	n++
	e.value = strconv.FormatInt(n, 10)
	return n, nil
}

func (c *MemoryCache) Decr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		c.entries[key] = &memEntry{value: "0"}
		return 0, nil
	}
	n, _ := strconv.ParseInt(e.value, 10, 64)
	n--
	if n < 0 {
		n = 0
	}
	e.value = strconv.FormatInt(n, 10)
	return n, nil
}

func (c *MemoryCache) WindowAdd(_ context.Context, key, member string, at time.Time, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windows[key] = append(c.windows[key], windowEntry{member: member, at: at})
	return nil
}

func (c *MemoryCache) WindowCount(_ context.Context, key string, cutoff time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.windows[key][:0]
	for _, e := range c.windows[key] {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	c.windows[key] = kept
	return int64(len(kept)), nil
}

func (c *MemoryCache) WindowRemove(_ context.Context, key, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.windows[key][:0]
	for _, e := range c.windows[key] {
		if e.member != member {
			kept = append(kept, e)
		}
	}
	c.windows[key] = kept
	return nil
}

func (c *MemoryCache) Publish(_ context.Context, channel string, message []byte) error {
	c.mu.Lock()
	handlers := make([]func([]byte), 0, len(c.subs[channel]))
	for _, h := range c.subs[channel] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		go h(message)
	}
	return nil
}

func (c *MemoryCache) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[channel] == nil {
		c.subs[channel] = make(map[int]func([]byte))
	}
	id := c.nextSub
	c.nextSub++
	c.subs[channel][id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[channel], id)
	}, nil
}

func (c *MemoryCache) Ping(context.Context) error { return nil }

func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.entries = make(map[string]*memEntry)
	c.windows = make(map[string][]windowEntry)
	return nil
}

var _ Client = (*MemoryCache)(nil)
