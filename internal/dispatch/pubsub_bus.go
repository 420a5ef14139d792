package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/flowsentry/backend/internal/core"
)

// PubSubBus wraps another dispatcher and additionally exports every accepted
// event to a Google Cloud Pub/Sub topic, giving downstream consumers a
// durable, tenant-ordered stream of everything the pipeline admitted.
type PubSubBus struct {
	inner  Dispatcher
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubBus connects to the topic, creating it when absent.
func NewPubSubBus(inner Dispatcher, projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pubsub topic lookup: %w", err)
	}
	if !exists {
		if topic, err = client.CreateTopic(ctx, topicID); err != nil {
			client.Close()
			return nil, fmt.Errorf("pubsub topic create: %w", err)
		}
	}
	topic.EnableMessageOrdering = true

	pb := &PubSubBus{
		inner:  inner,
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	pb.logger.Printf("✅ Event export on projects/%s/topics/%s", projectID, topicID)
	return pb, nil
}

func (pb *PubSubBus) Dispatch(ctx context.Context, ev *core.Event) {
	if ev == nil {
		return
	}
	pb.export(ev)
	pb.inner.Dispatch(ctx, ev)
}

// export publishes with the tenant as ordering key; the publish result is
// checked off the hot path.
func (pb *PubSubBus) export(ev *core.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		pb.logger.Printf("❌ Could not marshal event %s for export: %v", ev.ID, err)
		return
	}

	result := pb.topic.Publish(context.Background(), &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event_id":    ev.ID,
			"tenant_id":   ev.TenantID,
			"workflow_id": ev.WorkflowID,
			"event_type":  ev.EventType,
			"received_at": ev.ReceivedAt.Format(time.RFC3339Nano),
		},
		OrderingKey: ev.TenantID,
	})

	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.logger.Printf("❌ Event export %s failed: %v", ev.ID, err)
		}
	}()
}

func (pb *PubSubBus) Shutdown() {
	pb.inner.Shutdown()
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		pb.logger.Printf("⚠️ Pub/Sub close: %v", err)
	}
	pb.logger.Println("🔌 Event export closed")
}

var _ Dispatcher = (*PubSubBus)(nil)
