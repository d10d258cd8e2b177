package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/tablesync/orderengine/internal/domain"
)

// PubSubPublisher publishes order events to a Pub/Sub topic. Messages carry the order id as ordering key.
type PubSubPublisher struct {
	topic   *pubsub.Topic
	timeout time.Duration
	marshal func(domain.Event) ([]byte, error)
}

// NewPubSubPublisher constructs a publisher for topic. A non-positive timeout waits for the publish result using
// the caller's context only.
func NewPubSubPublisher(topic *pubsub.Topic, timeout time.Duration) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	return &PubSubPublisher{
		topic:   topic,
		timeout: timeout,
		marshal: marshalEnvelope,
	}, nil
}

// Observe publishes event and waits for the server id.
func (p *PubSubPublisher) Observe(ctx context.Context, event domain.Event) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub publisher: not initialised")
	}
	if event.Replayed {
		return nil
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", event.ID)
	setAttr(attrs, "eventType", string(event.Type))
	setAttr(attrs, "orderId", orderKey(event))
	setAttr(attrs, "state", event.State.String())
	setAttr(attrs, "requestId", event.RequestID)

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order event %s: %w", event.ID, err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
