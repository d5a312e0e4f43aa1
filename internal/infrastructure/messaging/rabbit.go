package messaging

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitPublisher publishes to a durable topic exchange. The routing key is
// the event type, e.g. "sales_order.status_changed".
type RabbitPublisher struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
}

// NewRabbitPublisher dials url and declares exchange.
func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &RabbitPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, msg Message) error {
	if err := p.ch.PublishWithContext(ctx, p.exchange, msg.EventType, false, false, publishing(msg)); err != nil {
		return fmt.Errorf("publish %s: %w", msg.EventType, err)
	}
	return nil
}

func publishing(msg Message) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range msg.Headers() {
		headers[k] = v
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.CreatedAt,
		Type:         msg.EventType,
		Headers:      headers,
		Body:         msg.Payload,
	}
}

func (p *RabbitPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
