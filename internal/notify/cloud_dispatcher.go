package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/flowsentry/backend/internal/metrics"
)

// CloudSink enqueues escalation deliveries on Google Cloud Tasks for durable,
// at-least-once delivery. The queue handles retry, backoff, and dead-letter
// routing; task names deduplicate one notification per channel.
//
// When enqueueing fails and a fallback dispatcher is configured, delivery
// degrades to the in-process worker pool.
type CloudSink struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	fallback  *Dispatcher
	metrics   *metrics.Metrics
	logger    *log.Logger
}

func NewCloudSink(registry *Registry, projectID, locationID, queueID string, fallback *Dispatcher, m *metrics.Metrics) (*CloudSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	cs := &CloudSink{
		registry:  registry,
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		fallback:  fallback,
		metrics:   m,
		logger:    log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
	}
	cs.logger.Printf("✅ Connected to Cloud Tasks queue: %s", cs.queuePath)
	return cs, nil
}

// Dispatch creates one HTTP task per recorded channel. AlreadyExists from the
// queue counts as accepted: the same notification was enqueued before.
func (cs *CloudSink) Dispatch(ctx context.Context, n *Notification) error {
	channels := cs.registry.Resolve(n.Channels)
	if len(channels) == 0 {
		return fmt.Errorf("no registered channels among %v", n.Channels)
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	accepted := 0
	for _, ch := range channels {
		if err := cs.enqueue(ctx, ch, n, payload); err != nil {
			cs.logger.Printf("❌ Cloud Task enqueue failed: %s -> %s: %v", n.ID, ch.Name, err)
			cs.metrics.RecordNotifyDelivery(ch.Name, "enqueue_failed")
			continue
		}
		accepted++
	}
	if accepted == 0 {
		if cs.fallback != nil {
			cs.logger.Printf("↩️ Falling back to in-process delivery for %s", n.ID)
			return cs.fallback.Dispatch(ctx, n)
		}
		return fmt.Errorf("cloud tasks refused all %d channels", len(channels))
	}
	return nil
}

func (cs *CloudSink) enqueue(ctx context.Context, ch *Channel, n *Notification, payload []byte) error {
	headers := map[string]string{
		"Content-Type":                 "application/json",
		"X-FlowSentry-Incident-ID":     n.IncidentID,
		"X-FlowSentry-Notification-ID": n.ID,
		"X-FlowSentry-Level":           fmt.Sprintf("%d", n.Level),
	}
	if ch.Secret != "" {
		headers["X-FlowSentry-Signature"] = "sha256=" + SignPayload(payload, ch.Secret)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cs.queuePath,
		Task: &taskspb.Task{
			// Task names must be unique within the queue; reusing one
			// deduplicates re-dispatches of the same notification.
			Name: fmt.Sprintf("%s/tasks/%s-%s", cs.queuePath, n.ID, taskSafe(ch.Name)),
			// A page endpoint that hasn't answered in 30s won't; fail the
			// attempt and let the queue's backoff redeliver.
			DispatchDeadline: durationpb.New(30 * time.Second),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        ch.URL,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	task, err := cs.client.CreateTask(ctx, req)
	if status.Code(err) == codes.AlreadyExists {
		cs.logger.Printf("📤 Task for %s on %s already enqueued", n.ID, ch.Name)
		return nil
	}
	if err != nil {
		return err
	}
	cs.metrics.RecordNotifyDelivery(ch.Name, "enqueued")
	cs.logger.Printf("📤 Enqueued Cloud Task: %s -> %s (task=%s)", n.ID, ch.Name, task.GetName())
	return nil
}

// taskSafe maps a channel name onto the Cloud Tasks name alphabet.
func taskSafe(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}

// Shutdown closes the Cloud Tasks client and the fallback pool.
func (cs *CloudSink) Shutdown() {
	if cs.fallback != nil {
		cs.fallback.Shutdown()
	}
	if err := cs.client.Close(); err != nil {
		cs.logger.Printf("⚠️ Cloud Tasks client close error: %v", err)
	}
	cs.logger.Printf("🔌 Cloud Tasks sink closed")
}

// LogSink acknowledges every notification and records it in the log only.
// Dev-mode stand-in when no channels are configured.
type LogSink struct {
	logger *log.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags)}
}

func (s *LogSink) Dispatch(_ context.Context, n *Notification) error {
	s.logger.Printf("📟 [level %d] %s: %s (incident %s)", n.Level, n.Title, n.Reason, n.IncidentID)
	return nil
}

func (s *LogSink) Shutdown() {}
