package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/id"
	"stockledger/internal/domain/events"
	"stockledger/internal/infrastructure/storage/postgres"
)

func outboxRow() *postgres.OutboxMessage {
	return &postgres.OutboxMessage{
		ID:            id.New(),
		TenantID:      "acme",
		AggregateType: events.AggregateSalesOrder,
		AggregateID:   "o-1",
		EventType:     events.TypeOrderStatusChanged,
		Payload:       []byte(`{"to":"fulfilled"}`),
		CreatedAt:     time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.exchange, c.key, c.msg = exchange, key, msg
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func TestOutboxHandler_Kafka(t *testing.T) {
	w := &fakeWriter{}
	handler := OutboxHandler(&KafkaPublisher{writer: w})
	row := outboxRow()

	require.NoError(t, handler.Handle(context.Background(), row))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "acme/o-1", string(w.msgs[0].Key))
	assert.Equal(t, row.Payload, w.msgs[0].Value)
	assert.Contains(t, w.msgs[0].Headers, kafka.Header{Key: "event-type", Value: []byte(events.TypeOrderStatusChanged)})

	w.err = errors.New("leader not available")
	assert.ErrorContains(t, handler.Handle(context.Background(), row), "leader not available")
}

func TestRabbitPublisher_RoutesByEventType(t *testing.T) {
	ch := &fakeChannel{}
	pub := &RabbitPublisher{ch: ch, exchange: "stockledger.events"}
	msg := FromOutbox(outboxRow())

	require.NoError(t, pub.Publish(context.Background(), msg))
	assert.Equal(t, "stockledger.events", ch.exchange)
	assert.Equal(t, events.TypeOrderStatusChanged, ch.key)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.Equal(t, msg.ID, ch.msg.MessageId)
	assert.Equal(t, "acme", ch.msg.Headers["tenant-id"])
}

func TestLogPublisher(t *testing.T) {
	var pub Publisher = LogPublisher{}
	assert.NoError(t, pub.Publish(context.Background(), FromOutbox(outboxRow())))
	assert.NoError(t, pub.Close())
}
