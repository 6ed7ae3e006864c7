package notify

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPNotifier publishes email payloads onto a queue consumed by the mail
// delivery worker. Publishing is the extent of this service's involvement.
type AMQPNotifier struct {
	channel *amqp.Channel
	queue   string
}

func NewAMQPNotifier(conn *amqp.Connection, queue string) (*AMQPNotifier, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %q: %w", queue, err)
	}

	return &AMQPNotifier{
		channel: channel,
		queue:   queue,
	}, nil
}

func (n *AMQPNotifier) Send(ctx context.Context, email Email) error {
	body, err := json.Marshal(email)
	if err != nil {
		return fmt.Errorf("marshal email payload: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	}

	if err := n.channel.PublishWithContext(ctx, "", n.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish email message: %w", err)
	}

	return nil
}

func (n *AMQPNotifier) Close() error {
	return n.channel.Close()
}
