// Package messaging delivers relayed outbox events to a message broker.
package messaging

import (
	"context"
	"time"

	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/pkg/logger"
)

// Message is an event on its way to the broker. Key orders messages of one
// aggregate on partitioned brokers.
type Message struct {
	ID            string
	TenantID      string
	AggregateType string
	AggregateID   string
	EventType     string
	Key           string
	Payload       []byte
	CreatedAt     time.Time
}

// Headers returns broker-neutral metadata.
func (m Message) Headers() map[string]string {
	return map[string]string{
		"message-id":     m.ID,
		"tenant-id":      m.TenantID,
		"aggregate-type": m.AggregateType,
		"aggregate-id":   m.AggregateID,
		"event-type":     m.EventType,
	}
}

// Publisher sends messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// FromOutbox converts an outbox row.
func FromOutbox(row *postgres.OutboxMessage) Message {
	return Message{
		ID:            row.ID.String(),
		TenantID:      row.TenantID,
		AggregateType: row.AggregateType,
		AggregateID:   row.AggregateID,
		EventType:     row.EventType,
		Key:           row.TenantID + "/" + row.AggregateID,
		Payload:       row.Payload,
		CreatedAt:     row.CreatedAt,
	}
}

// OutboxHandler relays outbox rows through pub.
func OutboxHandler(pub Publisher) postgres.OutboxHandler {
	return postgres.OutboxHandlerFunc(func(ctx context.Context, row *postgres.OutboxMessage) error {
		return pub.Publish(ctx, FromOutbox(row))
	})
}

// LogPublisher writes messages to the log. Used when no broker is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, msg Message) error {
	logger.Info(ctx, "event relayed",
		"event_type", msg.EventType,
		"aggregate_type", msg.AggregateType,
		"aggregate_id", msg.AggregateID,
		"tenant_id", msg.TenantID,
		"bytes", len(msg.Payload),
	)
	return nil
}

func (LogPublisher) Close() error { return nil }
