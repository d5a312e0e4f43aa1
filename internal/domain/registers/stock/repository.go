// Package stock provides the stock register: per-item counters guarded by
// optimistic concurrency and the append-only movement ledger behind them.
package stock

import (
	"context"
	"time"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
)

// CounterRepository is the durable counter store.
type CounterRepository interface {
	// GetCounter returns the counter or a zero counter when none exists.
	GetCounter(ctx context.Context, tenantID string, itemID id.ID) (entity.StockCounter, error)

	// EnsureCounter creates a zero counter if absent.
	EnsureCounter(ctx context.Context, tenantID string, itemID id.ID) error

	// LockCounter reads an existing counter and holds its row lock until the
	// surrounding transaction ends.
	LockCounter(ctx context.Context, tenantID string, itemID id.ID) (entity.StockCounter, error)

	// CompareAndSwap writes next only if the stored quantities still equal prev.
	// Returns false when another writer won the race.
	CompareAndSwap(ctx context.Context, prev, next entity.StockCounter) (bool, error)

	// ListCounters pages counters in (tenant_id, item_id) order.
	ListCounters(ctx context.Context, filter CounterFilter) ([]entity.StockCounter, error)
}

// MovementRepository is the append-only movement ledger.
type MovementRepository interface {
	// AppendMovements writes immutable movement records.
	AppendMovements(ctx context.Context, movements []entity.StockMovement) error

	// ListByItem returns movements for one item.
	ListByItem(ctx context.Context, tenantID string, itemID id.ID, filter MovementFilter) ([]entity.StockMovement, error)
}

// CounterFilter pages counters with a keyset cursor.
type CounterFilter struct {
	TenantID string // empty = all tenants
	After    *CounterCursor
	Limit    int
}

// CounterCursor is the last (tenant, item) seen.
type CounterCursor struct {
	TenantID string
	ItemID   id.ID
}

// MovementFilter for ListByItem.
type MovementFilter struct {
	LocationID  *string // "" selects unassigned movements
	Action      *entity.MovementAction
	FromTime    *time.Time
	ToTime      *time.Time
	NewestFirst bool
	Limit       int
	Offset      int
}

const (
	DefaultMovementLimit = 100
	MaxMovementLimit     = 1000
)

// Normalize applies default and maximum page sizes.
func (f MovementFilter) Normalize() MovementFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultMovementLimit
	}
	if f.Limit > MaxMovementLimit {
		f.Limit = MaxMovementLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
