// Package notify delivers escalation notifications to configured channels:
// team chat hooks, pager bridges, ticket systems. The coordinator only needs
// the queue-accept acknowledgement; delivery itself is asynchronous and
// retried.
package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/flowsentry/backend/internal/config"
	"github.com/flowsentry/backend/internal/core"
)

// Notification is one escalation delivery request. Channels carries the
// channel names the coordinator committed to in the action parameters.
type Notification struct {
	ID         string                 `json:"id"`
	IncidentID string                 `json:"incident_id"`
	ActionID   string                 `json:"action_id"`
	TenantID   string                 `json:"tenant_id"`
	Severity   core.Severity          `json:"severity"`
	Level      int                    `json:"level"`
	Title      string                 `json:"title"`
	Reason     string                 `json:"reason"`
	Channels   []string               `json:"channels"`
	Details    map[string]interface{} `json:"details,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Sink accepts notifications for durable delivery. Dispatch returns nil once
// the notification is accepted into the delivery queue; per-channel delivery
// failures are handled behind it.
type Sink interface {
	Dispatch(ctx context.Context, n *Notification) error
	Shutdown()
}

// Channel is one registered delivery target.
type Channel struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Secret string `json:"-"`
	// Levels lists the escalation levels (1..3) this channel serves.
	Levels    []int     `json:"levels"`
	CreatedAt time.Time `json:"created_at"`
	FailCount int       `json:"fail_count"`
}

// Registry maps escalation levels to delivery channels.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	byLevel  map[int][]*Channel
	logger   *log.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]*Channel),
		byLevel:  make(map[int][]*Channel),
		logger:   log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}
}

// RegistryFromConfig loads the static channel set from configuration.
func RegistryFromConfig(cfgs []config.ChannelConfig) *Registry {
	r := NewRegistry()
	for _, c := range cfgs {
		ch := &Channel{Name: c.Name, URL: c.URL, Secret: c.Secret, Levels: c.Levels}
		if err := r.Register(ch); err != nil {
			r.logger.Printf("⚠️ Skipping channel %q: %v", c.Name, err)
		}
	}
	return r
}

// Register adds a channel. Name and URL are required; a channel without
// levels serves every level.
func (r *Registry) Register(ch *Channel) error {
	if ch.Name == "" {
		return fmt.Errorf("channel name is required")
	}
	if ch.URL == "" {
		return fmt.Errorf("channel URL is required")
	}
	if len(ch.Levels) == 0 {
		ch.Levels = []int{1, 2, 3}
	}
	ch.CreatedAt = time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[ch.Name]; exists {
		return fmt.Errorf("channel %q already registered", ch.Name)
	}
	r.channels[ch.Name] = ch
	for _, lvl := range ch.Levels {
		r.byLevel[lvl] = append(r.byLevel[lvl], ch)
	}
	r.logger.Printf("📡 Registered channel %s -> %s (levels %v)", ch.Name, ch.URL, ch.Levels)
	return nil
}

// NamesForLevel returns the channel names serving an escalation level,
// sorted for stable audit records.
func (r *Registry) NamesForLevel(level int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byLevel[level]))
	for _, ch := range r.byLevel[level] {
		names = append(names, ch.Name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the channels behind a recorded name set, dropping names
// that are no longer registered.
func (r *Registry) Resolve(names []string) []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Channel, 0, len(names))
	for _, name := range names {
		if ch, ok := r.channels[name]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// List returns all registered channels.
func (r *Registry) List() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MarkFailed counts a delivery failure. Escalation channels are never
// auto-disabled; a flapping pager still has to page.
func (r *Registry) MarkFailed(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[name]
	if !ok {
		return
	}
	ch.FailCount++
	if ch.FailCount%10 == 0 {
		r.logger.Printf("⚠️ Channel %s has failed %d deliveries", name, ch.FailCount)
	}
}

// SignPayload creates the HMAC-SHA256 signature receivers use to verify
// notification authenticity.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
