package sales_order

import (
	"context"

	"stockledger/internal/core/id"
)

// Repository defines storage for sales orders.
type Repository interface {
	Create(ctx context.Context, order *SalesOrder) error
	GetByID(ctx context.Context, tenantID string, orderID id.ID) (*SalesOrder, error)
	// GetForUpdate reads the order and locks it until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, tenantID string, orderID id.ID) (*SalesOrder, error)
	// Update writes status, reservations and line progress if the stored
	// version equals order.Version, then increments order.Version.
	// A stale version fails with ConcurrentModification.
	Update(ctx context.Context, order *SalesOrder) error
	List(ctx context.Context, filter ListFilter) ([]*SalesOrder, error)
}

// ListFilter for listing orders.
type ListFilter struct {
	TenantID string
	Status   *Status
	Limit    int
	Offset   int
}

// Numberer assigns human-readable order numbers.
type Numberer interface {
	Next(ctx context.Context, tenantID string) (string, error)
}
