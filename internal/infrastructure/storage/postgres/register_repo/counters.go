// Package register_repo provides the PostgreSQL stock register: counters and
// the movement ledger.
package register_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/registers/stock"
	"stockledger/internal/infrastructure/storage/postgres"
)

const countersTable = "stock_counters"

var counterColumns = []string{"tenant_id", "item_id", "on_hand", "reserved", "created_at", "updated_at"}

// CounterRepo implements stock.CounterRepository.
type CounterRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewCounterRepo creates a new counter repository.
func NewCounterRepo(txManager *postgres.TxManager) *CounterRepo {
	return &CounterRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// GetCounter returns the counter, or a zero counter when none exists.
func (r *CounterRepo) GetCounter(ctx context.Context, tenantID string, itemID id.ID) (entity.StockCounter, error) {
	sql, args, err := r.builder.Select(counterColumns...).
		From(countersTable).
		Where(squirrel.Eq{"tenant_id": tenantID, "item_id": itemID}).
		ToSql()
	if err != nil {
		return entity.StockCounter{}, fmt.Errorf("build query: %w", err)
	}

	var c entity.StockCounter
	if err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &c, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return entity.StockCounter{TenantID: tenantID, ItemID: itemID}, nil
		}
		return entity.StockCounter{}, fmt.Errorf("get counter: %w", err)
	}
	return c, nil
}

// EnsureCounter inserts a zero counter unless one exists.
func (r *CounterRepo) EnsureCounter(ctx context.Context, tenantID string, itemID id.ID) error {
	now := time.Now().UTC()
	sql, args, err := r.builder.Insert(countersTable).
		Columns(counterColumns...).
		Values(tenantID, itemID, int64(0), int64(0), now, now).
		Suffix("ON CONFLICT (tenant_id, item_id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("ensure counter: %w", err)
	}
	return nil
}

// LockCounter selects the counter FOR UPDATE. It must run inside a
// transaction and after EnsureCounter.
func (r *CounterRepo) LockCounter(ctx context.Context, tenantID string, itemID id.ID) (entity.StockCounter, error) {
	sql, args, err := r.lockQuery(tenantID, itemID).ToSql()
	if err != nil {
		return entity.StockCounter{}, fmt.Errorf("build query: %w", err)
	}
	var c entity.StockCounter
	if err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &c, sql, args...); err != nil {
		return entity.StockCounter{}, fmt.Errorf("lock counter: %w", err)
	}
	return c, nil
}

func (r *CounterRepo) lockQuery(tenantID string, itemID id.ID) squirrel.SelectBuilder {
	return r.builder.Select(counterColumns...).
		From(countersTable).
		Where(squirrel.Eq{"tenant_id": tenantID, "item_id": itemID}).
		Suffix("FOR UPDATE")
}

// CompareAndSwap writes next only if the stored pair still equals prev.
func (r *CounterRepo) CompareAndSwap(ctx context.Context, prev, next entity.StockCounter) (bool, error) {
	sql, args, err := r.casQuery(prev, next).ToSql()
	if err != nil {
		return false, fmt.Errorf("build update: %w", err)
	}
	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("update counter: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *CounterRepo) casQuery(prev, next entity.StockCounter) squirrel.UpdateBuilder {
	return r.builder.Update(countersTable).
		Set("on_hand", next.OnHand.Int64Scaled()).
		Set("reserved", next.Reserved.Int64Scaled()).
		Set("updated_at", next.UpdatedAt).
		Where(squirrel.Eq{
			"tenant_id": prev.TenantID,
			"item_id":   prev.ItemID,
			"on_hand":   prev.OnHand.Int64Scaled(),
			"reserved":  prev.Reserved.Int64Scaled(),
		})
}

// ListCounters pages through counters ordered by (tenant_id, item_id).
func (r *CounterRepo) ListCounters(ctx context.Context, filter stock.CounterFilter) ([]entity.StockCounter, error) {
	sql, args, err := r.listQuery(filter).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var out []entity.StockCounter
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &out, sql, args...); err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	return out, nil
}

func (r *CounterRepo) listQuery(filter stock.CounterFilter) squirrel.SelectBuilder {
	q := r.builder.Select(counterColumns...).From(countersTable)
	if filter.TenantID != "" {
		q = q.Where(squirrel.Eq{"tenant_id": filter.TenantID})
	}
	if filter.After != nil {
		q = q.Where("(tenant_id, item_id) > (?, ?)", filter.After.TenantID, filter.After.ItemID)
	}
	q = q.OrderBy("tenant_id", "item_id")
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	return q
}

var _ stock.CounterRepository = (*CounterRepo)(nil)
