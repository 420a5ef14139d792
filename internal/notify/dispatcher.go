package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/flowsentry/backend/internal/metrics"
)

// Dispatcher delivers notifications over HTTP with a background worker pool.
// Dispatch acknowledges once every resolved channel has a queued job; from
// there workers retry each delivery up to three times.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	metrics    *metrics.Metrics
	logger     *log.Logger
	wg         sync.WaitGroup

	closeOnce sync.Once
}

type deliveryJob struct {
	channel      *Channel
	notification *Notification
	payload      []byte
	attempt      int
}

func NewDispatcher(registry *Registry, workers, queueSize int, m *metrics.Metrics) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	d := &Dispatcher{
		registry: registry,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		queue:   make(chan *deliveryJob, queueSize),
		metrics: m,
		logger:  log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch queues one delivery per recorded channel. It fails only when no
// channel could accept the job, which callers treat as a refused escalation.
func (d *Dispatcher) Dispatch(ctx context.Context, n *Notification) error {
	channels := d.registry.Resolve(n.Channels)
	if len(channels) == 0 {
		return fmt.Errorf("no registered channels among %v", n.Channels)
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	queued := 0
	for _, ch := range channels {
		job := &deliveryJob{channel: ch, notification: n, payload: payload, attempt: 1}
		select {
		case d.queue <- job:
			queued++
		default:
			d.logger.Printf("⚠️ Notify queue full; dropping %s for channel %s", n.ID, ch.Name)
			d.metrics.RecordNotifyDelivery(ch.Name, "dropped")
		}
	}
	if queued == 0 {
		return fmt.Errorf("notify queue full for all %d channels", len(channels))
	}
	return nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	req, err := http.NewRequest(http.MethodPost, job.channel.URL, bytes.NewReader(job.payload))
	if err != nil {
		d.logger.Printf("❌ Bad channel URL %s: %v", job.channel.URL, err)
		d.metrics.RecordNotifyDelivery(job.channel.Name, "failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-FlowSentry-Incident-ID", job.notification.IncidentID)
	req.Header.Set("X-FlowSentry-Notification-ID", job.notification.ID)
	req.Header.Set("X-FlowSentry-Level", fmt.Sprintf("%d", job.notification.Level))
	req.Header.Set("X-FlowSentry-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.channel.Secret != "" {
		req.Header.Set("X-FlowSentry-Signature", "sha256="+SignPayload(job.payload, job.channel.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("❌ Delivery to %s failed: %v", job.channel.Name, err)
		d.registry.MarkFailed(job.channel.Name)
		d.requeue(job)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Printf("⚠️ Channel %s returned %d for %s", job.channel.Name, resp.StatusCode, job.notification.ID)
		d.registry.MarkFailed(job.channel.Name)
		d.requeue(job)
		return
	}

	d.metrics.RecordNotifyDelivery(job.channel.Name, "delivered")
	d.logger.Printf("✅ Delivered %s to %s (level %d)", job.notification.ID, job.channel.Name, job.notification.Level)
}

// requeue retries up to 3 attempts with quadratic backoff.
func (d *Dispatcher) requeue(job *deliveryJob) {
	if job.attempt >= 3 {
		d.metrics.RecordNotifyDelivery(job.channel.Name, "failed")
		return
	}
	d.metrics.RecordNotifyDelivery(job.channel.Name, "retry")
	time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
	job.attempt++
	select {
	case d.queue <- job:
	default:
		d.metrics.RecordNotifyDelivery(job.channel.Name, "dropped")
	}
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	d.closeOnce.Do(func() {
		close(d.queue)
	})
	d.wg.Wait()
}
