package events

import (
	"encoding/json"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"

	"github.com/sokovanproject/sokovan/internal/common/sokovancontext"
)

// PulsarPublisher publishes lifecycle events as JSON payloads keyed by entity
// id, so per-entity ordering is preserved under key-shared subscriptions.
type PulsarPublisher struct {
	producer pulsar.Producer
}

func NewPulsarPublisher(client pulsar.Client, topic string) (*PulsarPublisher, error) {
	producer, err := client.CreateProducer(pulsar.ProducerOptions{
		Topic: topic,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &PulsarPublisher{producer: producer}, nil
}

func (p *PulsarPublisher) Publish(ctx *sokovancontext.Context, events []LifecycleEvent) error {
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return errors.WithStack(err)
		}
		if _, err := p.producer.Send(ctx, &pulsar.ProducerMessage{
			Payload: payload,
			Key:     event.EntityID,
		}); err != nil {
			return errors.Wrapf(err, "failed to publish %s event for %s", event.Kind, event.EntityID)
		}
	}
	return nil
}

func (p *PulsarPublisher) Close() {
	p.producer.Close()
}
