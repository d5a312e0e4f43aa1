package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/registers/stock"
)

type counterKey struct {
	tenantID string
	itemID   id.ID
}

// CounterRepo implements stock.CounterRepository.
type CounterRepo struct {
	mu       sync.RWMutex
	counters map[counterKey]entity.StockCounter
}

// NewCounterRepo creates an empty counter store.
func NewCounterRepo() *CounterRepo {
	return &CounterRepo{counters: make(map[counterKey]entity.StockCounter)}
}

func (r *CounterRepo) GetCounter(_ context.Context, tenantID string, itemID id.ID) (entity.StockCounter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.counters[counterKey{tenantID, itemID}]; ok {
		return c, nil
	}
	return entity.StockCounter{TenantID: tenantID, ItemID: itemID}, nil
}

func (r *CounterRepo) EnsureCounter(_ context.Context, tenantID string, itemID id.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := counterKey{tenantID, itemID}
	if _, ok := r.counters[k]; !ok {
		now := time.Now().UTC()
		r.counters[k] = entity.StockCounter{TenantID: tenantID, ItemID: itemID, CreatedAt: now, UpdatedAt: now}
	}
	return nil
}

// LockCounter is GetCounter: TxManager already serializes transactions.
func (r *CounterRepo) LockCounter(ctx context.Context, tenantID string, itemID id.ID) (entity.StockCounter, error) {
	return r.GetCounter(ctx, tenantID, itemID)
}

func (r *CounterRepo) CompareAndSwap(_ context.Context, prev, next entity.StockCounter) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := counterKey{prev.TenantID, prev.ItemID}
	cur, ok := r.counters[k]
	if !ok || !cur.SameGeneration(prev) {
		return false, nil
	}
	cur.OnHand = next.OnHand
	cur.Reserved = next.Reserved
	cur.UpdatedAt = next.UpdatedAt
	r.counters[k] = cur
	return true, nil
}

func (r *CounterRepo) ListCounters(_ context.Context, filter stock.CounterFilter) ([]entity.StockCounter, error) {
	r.mu.RLock()
	out := make([]entity.StockCounter, 0, len(r.counters))
	for k, c := range r.counters {
		if filter.TenantID != "" && k.tenantID != filter.TenantID {
			continue
		}
		if filter.After != nil && !cursorLess(filter.After.TenantID, filter.After.ItemID, k.tenantID, k.itemID) {
			continue
		}
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return cursorLess(out[i].TenantID, out[i].ItemID, out[j].TenantID, out[j].ItemID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Set overwrites a counter directly. Tests use it to simulate drift.
func (r *CounterRepo) Set(c entity.StockCounter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[counterKey{c.TenantID, c.ItemID}] = c
}

func cursorLess(t1 string, i1 id.ID, t2 string, i2 id.ID) bool {
	if t1 != t2 {
		return t1 < t2
	}
	return bytes.Compare(i1[:], i2[:]) < 0
}

// MovementRepo implements stock.MovementRepository.
type MovementRepo struct {
	mu        sync.RWMutex
	movements map[counterKey][]entity.StockMovement
}

// NewMovementRepo creates an empty ledger.
func NewMovementRepo() *MovementRepo {
	return &MovementRepo{movements: make(map[counterKey][]entity.StockMovement)}
}

func (r *MovementRepo) AppendMovements(_ context.Context, movements []entity.StockMovement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range movements {
		k := counterKey{m.TenantID, m.ItemID}
		r.movements[k] = append(r.movements[k], m)
	}
	return nil
}

func (r *MovementRepo) ListByItem(_ context.Context, tenantID string, itemID id.ID, filter stock.MovementFilter) ([]entity.StockMovement, error) {
	r.mu.RLock()
	all := r.movements[counterKey{tenantID, itemID}]
	out := make([]entity.StockMovement, 0, len(all))
	for _, m := range all {
		if filter.LocationID != nil && m.LocationID != *filter.LocationID {
			continue
		}
		if filter.Action != nil && m.Action != *filter.Action {
			continue
		}
		if filter.FromTime != nil && m.Timestamp.Before(*filter.FromTime) {
			continue
		}
		if filter.ToTime != nil && m.Timestamp.After(*filter.ToTime) {
			continue
		}
		out = append(out, m)
	}
	r.mu.RUnlock()

	older := func(a, b entity.StockMovement) bool {
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	}
	sort.SliceStable(out, func(i, j int) bool {
		if filter.NewestFirst {
			return older(out[j], out[i])
		}
		return older(out[i], out[j])
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []entity.StockMovement{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

var (
	_ stock.CounterRepository  = (*CounterRepo)(nil)
	_ stock.MovementRepository = (*MovementRepo)(nil)
)
