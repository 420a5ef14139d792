package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/flowsentry/backend/internal/config"
	"github.com/flowsentry/backend/internal/core"
)

const defaultSweepBatch = 100

// EventSource is the store slice the sweeper scans.
type EventSource interface {
	UnprocessedEvents(ctx context.Context, before time.Time, limit int) ([]*core.Event, error)
}

// Sweeper is the detection safety net: it periodically scans for events the
// live dispatch path never processed and replays them through the handler.
// The grace window keeps it off events the live path is still working on.
type Sweeper struct {
	source   EventSource
	handler  Handler
	interval time.Duration
	grace    time.Duration
	batch    int
	clock    core.Clock
	logger   *log.Logger

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func NewSweeper(source EventSource, handler Handler, cfg config.DispatchConfig, clock core.Clock) *Sweeper {
	if clock == nil {
		clock = core.SystemClock()
	}
	batch := cfg.SweepBatchSize
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	return &Sweeper{
		source:   source,
		handler:  handler,
		interval: cfg.SweepInterval(),
		grace:    cfg.SweepGrace(),
		batch:    batch,
		clock:    clock,
		logger:   log.New(log.Writer(), "[SWEEPER] ", log.LstdFlags),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Printf("✅ Sweeper started (interval=%s, grace=%s, batch=%d)", s.interval, s.grace, s.batch)
	go s.run(ctx)
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
	s.logger.Println("🛑 Sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

// sweep replays one batch of stale unprocessed events. Successful handling
// claims the event, so failures simply stay visible for the next pass.
func (s *Sweeper) sweep(ctx context.Context) {
	before := s.clock.Now().Add(-s.grace)
	events, err := s.source.UnprocessedEvents(ctx, before, s.batch)
	if err != nil {
		s.logger.Printf("⚠️ Could not scan for unprocessed events: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}

	recovered := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-s.stopCh:
			return
		default:
		}
		if _, err := s.handler.OnEvent(ctx, ev); err != nil {
			s.logger.Printf("⚠️ Replay of event %s failed: %v", ev.ID, err)
			continue
		}
		recovered++
	}
	s.logger.Printf("⚠️ Recovered %d/%d events missed by live dispatch", recovered, len(events))
}
