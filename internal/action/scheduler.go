package action

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/flowsentry/backend/internal/config"
	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/metrics"
)

const defaultBatchSize = 20

// SchedulerDeps wires the scheduler's collaborators.
type SchedulerDeps struct {
	Records  Records
	Executor *Executor
	Config   config.SchedulerConfig
	Clock    core.Clock
	Random   core.Rand
	Metrics  *metrics.Metrics
}

// Scheduler polls for due actions and drives them through the executor.
// Claims are a compare-and-swap on PENDING, so concurrent instances never
// run the same action twice.
type Scheduler struct {
	records  Records
	executor *Executor
	interval time.Duration
	batch    int
	clock    core.Clock
	random   core.Rand
	metrics  *metrics.Metrics
	logger   *log.Logger

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func NewScheduler(d SchedulerDeps) *Scheduler {
	if d.Clock == nil {
		d.Clock = core.SystemClock()
	}
	if d.Random == nil {
		d.Random = core.NewRand()
	}
	batch := d.Config.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Scheduler{
		records:  d.Records,
		executor: d.Executor,
		interval: d.Config.PollInterval(),
		batch:    batch,
		clock:    d.Clock,
		random:   d.Random,
		metrics:  d.Metrics,
		logger:   log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop. Safe to call once; later calls no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Printf("✅ Scheduler started (interval=%s, batch=%d)", s.interval, s.batch)
	go s.run(ctx)
}

// Stop halts polling and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
	s.logger.Println("🛑 Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(s.jittered())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(s.jittered())
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

// jittered spreads polls across instances: interval scaled by a factor in
// [0.8, 1.2].
func (s *Scheduler) jittered() time.Duration {
	factor := 0.8 + 0.4*s.random.Float64()
	return time.Duration(float64(s.interval) * factor)
}

// tick claims and executes one batch of due actions. Cancellation lands
// between actions; a claimed action always runs to a terminal state.
func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.records.DueActions(ctx, s.clock.Now(), s.batch)
	if err != nil {
		s.logger.Printf("⚠️ Could not poll due actions: %v", err)
		return
	}

	for _, act := range due {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-s.stopCh:
			return
		default:
		}

		ok, err := s.records.TransitionAction(ctx, act.ID, core.ActionPending, core.ActionInProgress, nil, nil)
		if err != nil {
			s.logger.Printf("⚠️ Could not claim action %s: %v", act.ID, err)
			continue
		}
		if !ok {
			// Another instance won the claim.
			continue
		}
		act.Status = core.ActionInProgress
		s.metrics.RecordSchedulerClaim()
		s.executor.Execute(ctx, act)
	}
}
