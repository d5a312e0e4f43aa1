package messaging

import (
	"context"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes to one topic keyed by tenant and aggregate, so events
// of an order or item keep their order within a partition.
type KafkaPublisher struct {
	writer kafkaWriter
}

// NewKafkaPublisher creates a publisher for a comma-separated broker list.
func NewKafkaPublisher(brokers, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	if err := p.writer.WriteMessages(ctx, kafkaMessage(msg)); err != nil {
		return fmt.Errorf("write %s: %w", msg.EventType, err)
	}
	return nil
}

func kafkaMessage(msg Message) kafka.Message {
	headers := make([]kafka.Header, 0, 5)
	for k, v := range msg.Headers() {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{
		Key:     []byte(msg.Key),
		Value:   msg.Payload,
		Headers: headers,
		Time:    msg.CreatedAt,
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
