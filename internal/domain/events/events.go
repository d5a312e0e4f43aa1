// Package events defines domain events emitted by the ledger and order services.
// Publishers write them through the transactional outbox; the worker relays them
// to the configured broker.
package events

import (
	"context"
)

// Event types
const (
	TypeMovementRecorded   = "stock.movement.recorded"
	TypeOrderCreated       = "sales_order.created"
	TypeOrderStatusChanged = "sales_order.status_changed"
	TypeOrderReservation   = "sales_order.reservation_changed"
	TypeOrderFulfilled     = "sales_order.fulfillment_recorded"
)

// Aggregate types
const (
	AggregateStockItem  = "stock_item"
	AggregateSalesOrder = "sales_order"
)

// Event is a fact about a state change, published after the change commits.
type Event struct {
	TenantID      string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       any
}

// Publisher records events. Implementations that write to an outbox must be
// called inside the transaction that performs the change.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }
