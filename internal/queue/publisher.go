package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQPublisher struct {
	client *RabbitMQ
	queue  string
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, queue: EventsQueue}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, event RealtimeEvent) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid realtime event: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal realtime event: %w", err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	// Realtime pushes are worthless after a restart, so they are not persisted.
	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Transient,
		Timestamp:     time.Now().UTC(),
		MessageId:     event.EventID,
		CorrelationId: event.CorrelationID,
		Priority:      PriorityValue(event.Category),
		Body:          payload,
	}

	if err := ch.PublishWithContext(ctx, "", p.queue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish event to queue %q: %w", p.queue, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
