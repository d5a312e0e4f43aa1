package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/audit"
	"stockledger/internal/domain/documents/sales_order"
)

// SalesOrderRepo implements sales_order.Repository.
// GetForUpdate does not lock; the TxManager already serializes transactions.
type SalesOrderRepo struct {
	mu     sync.RWMutex
	orders map[id.ID]*sales_order.SalesOrder
}

// NewSalesOrderRepo creates an empty order store.
func NewSalesOrderRepo() *SalesOrderRepo {
	return &SalesOrderRepo{orders: make(map[id.ID]*sales_order.SalesOrder)}
}

func (r *SalesOrderRepo) Create(_ context.Context, order *sales_order.SalesOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.ID]; exists {
		return apperror.NewConflict("sales order already exists").WithDetail("id", order.ID.String())
	}
	r.orders[order.ID] = order.Clone()
	return nil
}

func (r *SalesOrderRepo) GetByID(_ context.Context, tenantID string, orderID id.ID) (*sales_order.SalesOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[orderID]
	if !ok || o.TenantID != tenantID {
		return nil, apperror.NewNotFound("sales_order", orderID)
	}
	return o.Clone(), nil
}

func (r *SalesOrderRepo) GetForUpdate(ctx context.Context, tenantID string, orderID id.ID) (*sales_order.SalesOrder, error) {
	return r.GetByID(ctx, tenantID, orderID)
}

func (r *SalesOrderRepo) Update(_ context.Context, order *sales_order.SalesOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.orders[order.ID]
	if !ok || cur.TenantID != order.TenantID {
		return apperror.NewNotFound("sales_order", order.ID)
	}
	if cur.Version != order.Version {
		return apperror.NewConcurrentModification("sales_order", order.ID)
	}
	order.Version++
	r.orders[order.ID] = order.Clone()
	return nil
}

func (r *SalesOrderRepo) List(_ context.Context, filter sales_order.ListFilter) ([]*sales_order.SalesOrder, error) {
	r.mu.RLock()
	out := make([]*sales_order.SalesOrder, 0, len(r.orders))
	for _, o := range r.orders {
		if filter.TenantID != "" && o.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != nil && o.Status != *filter.Status {
			continue
		}
		out = append(out, o.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Numberer issues SO-00001, SO-00002, … per tenant.
type Numberer struct {
	mu   sync.Mutex
	next map[string]int
}

// NewNumberer creates a numberer starting at 1.
func NewNumberer() *Numberer {
	return &Numberer{next: make(map[string]int)}
}

func (n *Numberer) Next(_ context.Context, tenantID string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next[tenantID]++
	return fmt.Sprintf("SO-%05d", n.next[tenantID]), nil
}

// AuditLog keeps audit entries in memory.
type AuditLog struct {
	mu      sync.Mutex
	entries []audit.Entry
}

// NewAuditLog creates an empty audit log.
func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

func (l *AuditLog) Record(_ context.Context, entry audit.Entry) error {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
	return nil
}

// Entries returns the entries recorded for an entity, oldest first.
func (l *AuditLog) Entries(entityID id.ID) []audit.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []audit.Entry
	for _, e := range l.entries {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out
}

var (
	_ sales_order.Repository = (*SalesOrderRepo)(nil)
	_ sales_order.Numberer   = (*Numberer)(nil)
	_ audit.Recorder         = (*AuditLog)(nil)
)
