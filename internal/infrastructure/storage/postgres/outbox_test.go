package postgres

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/domain/events"
)

func TestNewOutboxMessage(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	msg, err := newOutboxMessage(events.Event{
		TenantID:      "t1",
		AggregateType: events.AggregateSalesOrder,
		AggregateID:   "o-1",
		EventType:     events.TypeOrderStatusChanged,
		Payload:       map[string]string{"from": "submitted", "to": "fulfilled"},
	}, now)
	require.NoError(t, err)

	assert.Equal(t, OutboxStatusPending, msg.Status)
	assert.Equal(t, now, msg.CreatedAt)
	assert.Equal(t, "o-1", msg.AggregateID)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "fulfilled", payload["to"])

	_, err = newOutboxMessage(events.Event{Payload: make(chan int)}, now)
	assert.Error(t, err)
}

func TestOutboxRelay_RetrySchedule(t *testing.T) {
	relay := NewOutboxRelay(nil, nil, RelayConfig{MaxRetries: 3, RetryDelay: time.Second})

	tests := []struct {
		retries int
		status  OutboxStatus
		delay   time.Duration
	}{
		{0, OutboxStatusPending, time.Second},
		{1, OutboxStatusPending, 2 * time.Second},
		{2, OutboxStatusFailed, 3 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, relay.statusAfterFailure(tt.retries), "retries=%d", tt.retries)
		assert.Equal(t, tt.delay, relay.nextDelay(tt.retries), "retries=%d", tt.retries)
	}

	assert.Equal(t, DefaultRelayConfig().BatchSize, NewOutboxRelay(nil, nil, RelayConfig{}).cfg.BatchSize)
}
