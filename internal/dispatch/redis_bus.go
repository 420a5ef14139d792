package dispatch

import (
	"context"
	"encoding/json"
	"log"

	"github.com/flowsentry/backend/internal/cache"
	"github.com/flowsentry/backend/internal/core"
)

// RedisBus distributes accepted events across instances through cache
// pub/sub. Every subscribed instance feeds its local bus, so detection runs
// wherever capacity is; the attach-time event claim keeps duplicate
// deliveries harmless.
type RedisBus struct {
	local   *Bus
	cache   cache.Client
	channel string
	logger  *log.Logger
	unsub   func()
}

func NewRedisBus(local *Bus, c cache.Client, channel string) *RedisBus {
	rb := &RedisBus{
		local:   local,
		cache:   c,
		channel: channel,
		logger:  log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}

	unsub, err := c.Subscribe(context.Background(), channel, rb.onMessage)
	if err != nil {
		rb.logger.Printf("⚠️ Subscribe failed; dispatch is local-only: %v", err)
		return rb
	}
	rb.unsub = unsub
	rb.logger.Printf("📡 Dispatch bridge listening on %q", channel)
	return rb
}

// Dispatch publishes to the shared channel; the event comes back through the
// subscription, on this instance or another. Publish failure falls back to
// local delivery.
func (rb *RedisBus) Dispatch(ctx context.Context, ev *core.Event) {
	if ev == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		rb.logger.Printf("⚠️ Could not marshal event %s; delivering locally: %v", ev.ID, err)
		rb.local.Dispatch(ctx, ev)
		return
	}
	if err := rb.cache.Publish(ctx, rb.channel, payload); err != nil {
		rb.logger.Printf("⚠️ Publish failed; delivering locally: %v", err)
		rb.local.Dispatch(ctx, ev)
	}
}

func (rb *RedisBus) Shutdown() {
	if rb.unsub != nil {
		rb.unsub()
	}
	rb.local.Shutdown()
}

func (rb *RedisBus) onMessage(data []byte) {
	var ev core.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		rb.logger.Printf("⚠️ Dropping malformed dispatch message: %v", err)
		return
	}
	rb.local.Dispatch(context.Background(), &ev)
}
