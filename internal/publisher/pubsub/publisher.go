// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// Publisher wraps a Pub/Sub publisher client. The topic argument of Publish
// is informational; the client is already bound to one topic.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher. Message ordering
// is enabled so events for one entity are delivered in order.
func New(publisher *pubsub.Publisher) *Publisher {
	if publisher != nil {
		publisher.EnableMessageOrdering = true
	}
	return &Publisher{publisher: publisher}
}

// Publish marshals the payload to JSON and publishes it with the message key
// as ordering key.
func (p *Publisher) Publish(ctx context.Context, topic string, msg bylaw.Message) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	out := &pubsub.Message{Data: data, OrderingKey: msg.Key}
	out.Attributes = make(map[string]string, len(msg.Attributes)+2)
	for k, v := range msg.Attributes {
		out.Attributes[k] = v
	}
	out.Attributes["topic"] = topic
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: out.Attributes})

	result := p.publisher.Publish(ctx, out)
	id, err := result.Get(ctx)
	if err != nil {
		if msg.Key != "" {
			// A failed ordered publish pauses the key until resumed.
			p.publisher.ResumePublish(msg.Key)
		}
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
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
