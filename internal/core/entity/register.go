// Package entity provides core ledger entities shared by domain and storage layers.
package entity

import (
	"time"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// MovementAction classifies a movement.
type MovementAction string

const (
	ActionAdjust             MovementAction = "adjust"
	ActionPutaway            MovementAction = "putaway"
	ActionCycleCount         MovementAction = "cycle_count"
	ActionReceive            MovementAction = "receive"
	ActionPick               MovementAction = "pick"
	ActionSaleReserve        MovementAction = "sale-reserve"
	ActionSaleReserveRelease MovementAction = "sale-reserve-release"
	ActionSaleFulfill        MovementAction = "sale-fulfill"
)

// AffectsReserved reports whether movements of this action carry a reserved delta.
// Physical actions (receive, adjust, putaway, cycle count, pick) only move on-hand.
func (a MovementAction) AffectsReserved() bool {
	switch a {
	case ActionSaleReserve, ActionSaleReserveRelease, ActionSaleFulfill:
		return true
	}
	return false
}

// Valid reports whether a is a known action.
func (a MovementAction) Valid() bool {
	switch a {
	case ActionAdjust, ActionPutaway, ActionCycleCount, ActionReceive, ActionPick,
		ActionSaleReserve, ActionSaleReserveRelease, ActionSaleFulfill:
		return true
	}
	return false
}

// SourceSalesOrder is the SourceType of movements produced by sales order operations.
const SourceSalesOrder = "sales_order"

// StockMovement is one immutable change to an item's quantities.
// Movements are never updated or deleted; corrections are new movements.
type StockMovement struct {
	ID       id.ID          `db:"id" json:"id"`
	TenantID string         `db:"tenant_id" json:"tenantId"`
	ItemID   id.ID          `db:"item_id" json:"itemId"`
	Action   MovementAction `db:"action" json:"action"`

	// Qty is the signed on-hand delta.
	Qty types.Quantity `db:"qty" json:"qty"`
	// ReservedDelta is the signed reserved delta (reservation-tagged actions only).
	ReservedDelta types.Quantity `db:"reserved_delta" json:"reservedDelta"`

	LocationID     string `db:"location_id" json:"locationId,omitempty"`
	FromLocationID string `db:"from_location_id" json:"fromLocationId,omitempty"`
	Lot            string `db:"lot" json:"lot,omitempty"`
	Note           string `db:"note" json:"note,omitempty"`

	SourceType string `db:"source_type" json:"sourceType,omitempty"`
	SourceID   *id.ID `db:"source_id" json:"sourceId,omitempty"`
	LineID     *id.ID `db:"line_id" json:"lineId,omitempty"`

	// Timestamp is the business time of the event, CreatedAt the write time.
	Timestamp time.Time `db:"ts" json:"timestamp"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// NewStockMovement creates a movement with a generated ID and timestamps set to now.
func NewStockMovement(tenantID string, itemID id.ID, action MovementAction, qty types.Quantity) StockMovement {
	now := time.Now().UTC()
	return StockMovement{
		ID:        id.New(),
		TenantID:  tenantID,
		ItemID:    itemID,
		Action:    action,
		Qty:       qty,
		Timestamp: now,
		CreatedAt: now,
	}
}

// WithSource links the movement to an order line.
func (m StockMovement) WithSource(sourceType string, sourceID, lineID id.ID) StockMovement {
	m.SourceType = sourceType
	m.SourceID = &sourceID
	m.LineID = &lineID
	return m
}

// StockCounter is the materialized (onHand, reserved) pair for one (tenant, item).
// The pair itself is the optimistic-concurrency version.
type StockCounter struct {
	TenantID  string         `db:"tenant_id" json:"tenantId"`
	ItemID    id.ID          `db:"item_id" json:"itemId"`
	OnHand    types.Quantity `db:"on_hand" json:"onHand"`
	Reserved  types.Quantity `db:"reserved" json:"reserved"`
	CreatedAt time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time      `db:"updated_at" json:"updatedAt"`
}

// Available returns max(0, onHand - reserved).
func (c StockCounter) Available() types.Quantity {
	return (c.OnHand - c.Reserved).Max(0)
}

// SameGeneration reports whether two snapshots hold the same quantities.
func (c StockCounter) SameGeneration(o StockCounter) bool {
	return c.OnHand == o.OnHand && c.Reserved == o.Reserved
}
