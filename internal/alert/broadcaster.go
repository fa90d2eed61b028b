package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const routingKey = "sighting.alert"

// Broadcaster publishes alerts to a RabbitMQ topic exchange.
type Broadcaster struct {
	channel  *amqp.Channel
	exchange string
}

func NewBroadcaster(conn *amqp.Connection, exchange string) (*Broadcaster, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open broadcaster channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Broadcaster{channel: ch, exchange: exchange}, nil
}

func (b *Broadcaster) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	err = b.channel.PublishWithContext(ctx,
		b.exchange,
		routingKey,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			MessageId:    event.SessionID,
		},
	)
	if err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

func (b *Broadcaster) Close() error {
	return b.channel.Close()
}
