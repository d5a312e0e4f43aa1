package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/id"
	"stockledger/internal/domain/events"
	"stockledger/pkg/logger"
)

// OutboxStatus is the delivery state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

const insertOutboxSQL = `
	INSERT INTO sys_outbox (id, tenant_id, aggregate_type, aggregate_id, event_type, payload, status, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// OutboxMessage is a sys_outbox row.
type OutboxMessage struct {
	ID            id.ID        `db:"id"`
	TenantID      string       `db:"tenant_id"`
	AggregateType string       `db:"aggregate_type"`
	AggregateID   string       `db:"aggregate_id"`
	EventType     string       `db:"event_type"`
	Payload       []byte       `db:"payload"`
	Status        OutboxStatus `db:"status"`
	RetryCount    int          `db:"retry_count"`
	LastError     *string      `db:"last_error"`
	NextRetryAt   *time.Time   `db:"next_retry_at"`
	CreatedAt     time.Time    `db:"created_at"`
	PublishedAt   *time.Time   `db:"published_at"`
}

func newOutboxMessage(evt events.Event, now time.Time) (OutboxMessage, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal %s payload: %w", evt.EventType, err)
	}
	return OutboxMessage{
		ID:            id.New(),
		TenantID:      evt.TenantID,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     evt.EventType,
		Payload:       payload,
		Status:        OutboxStatusPending,
		CreatedAt:     now,
	}, nil
}

// OutboxPublisher implements events.Publisher by writing to sys_outbox in the
// caller's transaction.
type OutboxPublisher struct {
	txManager *TxManager
	batch     *BatchExecutor
}

// NewOutboxPublisher creates a new outbox publisher.
func NewOutboxPublisher(txManager *TxManager) *OutboxPublisher {
	return &OutboxPublisher{txManager: txManager, batch: NewBatchExecutor(txManager)}
}

// Publish must be called inside a transaction.
func (p *OutboxPublisher) Publish(ctx context.Context, evts ...events.Event) error {
	if len(evts) == 0 {
		return nil
	}
	if p.txManager.GetTx(ctx) == nil {
		return fmt.Errorf("outbox publish requires transaction context")
	}

	now := time.Now().UTC()
	queries := make([]BatchQuery, 0, len(evts))
	for _, evt := range evts {
		msg, err := newOutboxMessage(evt, now)
		if err != nil {
			return err
		}
		queries = append(queries, BatchQuery{
			SQL: insertOutboxSQL,
			Args: []any{msg.ID, msg.TenantID, msg.AggregateType, msg.AggregateID,
				msg.EventType, msg.Payload, msg.Status, msg.CreatedAt},
		})
	}
	if _, err := p.batch.ExecuteBatch(ctx, queries); err != nil {
		return fmt.Errorf("insert outbox messages: %w", err)
	}
	return nil
}

var _ events.Publisher = (*OutboxPublisher)(nil)

// OutboxHandler delivers one message to the broker.
type OutboxHandler interface {
	Handle(ctx context.Context, msg *OutboxMessage) error
}

// OutboxHandlerFunc adapts a function to OutboxHandler.
type OutboxHandlerFunc func(ctx context.Context, msg *OutboxMessage) error

func (f OutboxHandlerFunc) Handle(ctx context.Context, msg *OutboxMessage) error {
	return f(ctx, msg)
}

// RelayConfig tunes the relay.
type RelayConfig struct {
	BatchSize  int
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultRelayConfig returns 100 messages per batch, 5 retries, 1 minute steps.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{BatchSize: 100, MaxRetries: 5, RetryDelay: time.Minute}
}

// OutboxRelay hands pending outbox messages to a handler.
type OutboxRelay struct {
	txManager *TxManager
	handler   OutboxHandler
	cfg       RelayConfig
}

// NewOutboxRelay creates a new outbox relay.
func NewOutboxRelay(txManager *TxManager, handler OutboxHandler, cfg RelayConfig) *OutboxRelay {
	def := DefaultRelayConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &OutboxRelay{txManager: txManager, handler: handler, cfg: cfg}
}

// ProcessBatch locks up to BatchSize due messages, hands each to the handler
// and records the result. Concurrent relays skip each other's rows.
func (r *OutboxRelay) ProcessBatch(ctx context.Context) (int, error) {
	processed := 0
	err := r.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		q := r.txManager.GetQuerier(ctx)

		var messages []*OutboxMessage
		if err := pgxscan.Select(ctx, q, &messages, `
			SELECT id, tenant_id, aggregate_type, aggregate_id, event_type, payload, status,
			       retry_count, last_error, next_retry_at, created_at, published_at
			FROM sys_outbox
			WHERE status = $1
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, OutboxStatusPending, r.cfg.BatchSize); err != nil {
			return fmt.Errorf("fetch outbox messages: %w", err)
		}

		for _, msg := range messages {
			if err := r.handler.Handle(ctx, msg); err != nil {
				logger.Warn(ctx, "outbox delivery failed",
					"message_id", msg.ID,
					"event_type", msg.EventType,
					"retry_count", msg.RetryCount,
					"error", err,
				)
				if err := r.markFailed(ctx, msg, err); err != nil {
					return err
				}
				continue
			}
			if _, err := q.Exec(ctx,
				`UPDATE sys_outbox SET status = $1, published_at = $2 WHERE id = $3`,
				OutboxStatusPublished, time.Now().UTC(), msg.ID); err != nil {
				return fmt.Errorf("mark published: %w", err)
			}
			processed++
		}
		return nil
	})
	return processed, err
}

func (r *OutboxRelay) markFailed(ctx context.Context, msg *OutboxMessage, cause error) error {
	status := r.statusAfterFailure(msg.RetryCount)
	_, err := r.txManager.GetQuerier(ctx).Exec(ctx, `
		UPDATE sys_outbox
		SET retry_count = retry_count + 1,
		    last_error = $1,
		    next_retry_at = $2,
		    status = $3
		WHERE id = $4
	`, cause.Error(), time.Now().UTC().Add(r.nextDelay(msg.RetryCount)), status, msg.ID)
	if err != nil {
		return fmt.Errorf("update failed message: %w", err)
	}
	return nil
}

func (r *OutboxRelay) statusAfterFailure(retryCount int) OutboxStatus {
	if retryCount+1 >= r.cfg.MaxRetries {
		return OutboxStatusFailed
	}
	return OutboxStatusPending
}

// nextDelay grows linearly with the number of failed attempts.
func (r *OutboxRelay) nextDelay(retryCount int) time.Duration {
	return time.Duration(retryCount+1) * r.cfg.RetryDelay
}

// MoveToDLQ moves messages that exhausted their retries to sys_outbox_dlq.
func (r *OutboxRelay) MoveToDLQ(ctx context.Context) (int64, error) {
	result, err := r.txManager.GetQuerier(ctx).Exec(ctx, `
		WITH moved AS (
			DELETE FROM sys_outbox
			WHERE status = $1
			RETURNING *
		)
		INSERT INTO sys_outbox_dlq
		SELECT *, NOW() AS failed_at, last_error AS failure_reason FROM moved
	`, OutboxStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("move to DLQ: %w", err)
	}
	return result.RowsAffected(), nil
}
