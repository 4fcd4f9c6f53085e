// Package pubsub publishes new-ad batches to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/option"

	"github.com/JakeFAU/adwatch/internal/listing"
	"github.com/JakeFAU/adwatch/internal/notify"
)

// Message attribute keys.
const (
	AttrBatchID      = "batch_id"
	AttrSubscriberID = "subscriber_id"
	AttrFilter       = "filter"
)

// Publisher sends one message and returns its server id.
type Publisher interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error)
}

// Payload is the JSON body of each message.
type Payload struct {
	BatchID      string       `json:"batch_id"`
	SubscriberID string       `json:"subscriber_id"`
	Filter       string       `json:"filter"`
	CreatedAt    time.Time    `json:"created_at"`
	Ads          []listing.Ad `json:"ads"`
}

// Sink implements notify.Sink by publishing one message per batch.
type Sink struct {
	publisher Publisher
}

var _ notify.Sink = (*Sink)(nil)

// NewSink wraps a Publisher.
func NewSink(publisher Publisher) *Sink {
	return &Sink{publisher: publisher}
}

// Notify marshals the batch and waits for the publish to be acknowledged.
func (s *Sink) Notify(ctx context.Context, batch notify.Batch) error {
	if s.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(Payload{
		BatchID:      batch.ID,
		SubscriberID: batch.SubscriberID,
		Filter:       batch.FilterName,
		CreatedAt:    batch.CreatedAt,
		Ads:          batch.Ads,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	attrs := map[string]string{
		AttrBatchID:      batch.ID,
		AttrSubscriberID: batch.SubscriberID,
		AttrFilter:       batch.FilterName,
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: attrs})

	if _, err := s.publisher.Publish(ctx, data, attrs); err != nil {
		return fmt.Errorf("publish batch %s: %w", batch.ID, err)
	}
	return nil
}

// TopicPublisher publishes to a Pub/Sub topic.
type TopicPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// OpenTopic connects with Application Default Credentials, unless opts say
// otherwise, and checks the topic exists.
func OpenTopic(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*TopicPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	return &TopicPublisher{client: client, topic: topic}, nil
}

// Publish implements Publisher.
func (p *TopicPublisher) Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and closes the client.
func (p *TopicPublisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
