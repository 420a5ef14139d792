// Package dispatch moves accepted events from the ingestion commit point to
// the detection pipeline. Delivery here is best-effort by design: anything
// the live path drops or fails is picked up by the catch-up sweeper, which
// scans for events never marked processed.
package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/flowsentry/backend/internal/core"
)

const handleTimeout = 30 * time.Second

// Handler consumes an accepted event for incident detection; satisfied by
// the incident manager.
type Handler interface {
	OnEvent(ctx context.Context, ev *core.Event) (*core.Incident, error)
}

// Dispatcher hands an accepted event to detection after commit.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *core.Event)
	Shutdown()
}

// Bus is the in-process dispatcher: a bounded queue drained by a small
// worker pool, so ingestion never waits on detection.
type Bus struct {
	handler Handler
	queue   chan *core.Event
	logger  *log.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewBus(handler Handler, workers, queueSize int) *Bus {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	b := &Bus{
		handler: handler,
		queue:   make(chan *core.Event, queueSize),
		logger:  log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

// Dispatch enqueues without blocking. A full queue drops the event; the
// sweeper owns anything dropped here.
func (b *Bus) Dispatch(_ context.Context, ev *core.Event) {
	if ev == nil {
		return
	}
	select {
	case b.queue <- ev:
	default:
		b.logger.Printf("⚠️ Detection queue full; event %s left to the sweeper", ev.ID)
	}
}

// Shutdown stops intake and waits for queued events to drain.
func (b *Bus) Shutdown() {
	b.closeOnce.Do(func() { close(b.queue) })
	b.wg.Wait()
	b.logger.Println("🔌 Detection bus drained")
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for ev := range b.queue {
		b.handle(ev)
	}
}

func (b *Bus) handle(ev *core.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	if _, err := b.handler.OnEvent(ctx, ev); err != nil {
		b.logger.Printf("❌ Detection failed for event %s: %v (sweeper will retry)", ev.ID, err)
	}
}
