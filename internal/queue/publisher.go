package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQPublisher publishes cycle triggers as persistent, prioritized
// messages. Triggers that wait longer than ttl are dropped by the broker;
// the scheduled pass covers them anyway.
type RabbitMQPublisher struct {
	client *RabbitMQ
	ttl    time.Duration
	now    func() time.Time
}

func NewRabbitMQPublisher(client *RabbitMQ, ttl time.Duration) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, ttl: ttl, now: time.Now}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, queue string, msg CycleMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}

	publishing, err := buildPublishing(msg, p.now().UTC(), p.ttl)
	if err != nil {
		return err
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.PublishWithContext(ctx, "", queue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish cycle trigger to queue %q: %w", queue, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

func buildPublishing(msg CycleMessage, now time.Time, ttl time.Duration) (amqp.Publishing, error) {
	if err := msg.Validate(); err != nil {
		return amqp.Publishing{}, fmt.Errorf("invalid cycle message: %w", err)
	}
	if msg.RequestedAt.IsZero() {
		msg.RequestedAt = now
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal cycle message: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     now,
		MessageId:     msg.MessageID(),
		CorrelationId: msg.CorrelationID,
		Priority:      PriorityValue(msg.Reason),
		Type:          string(msg.Reason),
		Body:          payload,
	}
	if ttl > 0 {
		publishing.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}
	return publishing, nil
}
