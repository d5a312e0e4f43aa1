package register_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/registers/stock"
	"stockledger/internal/infrastructure/storage/postgres"
)

const movementsTable = "stock_movements"

var movementColumns = []string{
	"id", "tenant_id", "item_id", "action", "qty", "reserved_delta",
	"location_id", "from_location_id", "lot", "note",
	"source_type", "source_id", "line_id", "ts", "created_at",
}

// MovementRepo implements stock.MovementRepository. The table is append-only.
type MovementRepo struct {
	txManager *postgres.TxManager
	inserter  *postgres.BatchInserter
	builder   squirrel.StatementBuilderType
}

// NewMovementRepo creates a new movement repository.
func NewMovementRepo(txManager *postgres.TxManager) *MovementRepo {
	return &MovementRepo{
		txManager: txManager,
		inserter:  postgres.NewBatchInserter(txManager),
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

func movementRow(m entity.StockMovement) []any {
	return []any{
		m.ID, m.TenantID, m.ItemID, string(m.Action), m.Qty.Int64Scaled(), m.ReservedDelta.Int64Scaled(),
		m.LocationID, m.FromLocationID, m.Lot, m.Note,
		m.SourceType, m.SourceID, m.LineID, m.Timestamp, m.CreatedAt,
	}
}

// AppendMovements inserts movements. Inside a transaction large batches use COPY.
func (r *MovementRepo) AppendMovements(ctx context.Context, movements []entity.StockMovement) error {
	if len(movements) == 0 {
		return nil
	}

	if len(movements) >= copyThreshold && r.txManager.GetTx(ctx) != nil {
		rows := make([][]any, 0, len(movements))
		for _, m := range movements {
			rows = append(rows, movementRow(m))
		}
		if _, err := r.inserter.CopyFromSlice(ctx, movementsTable, movementColumns, rows); err != nil {
			return fmt.Errorf("copy movements: %w", err)
		}
		return nil
	}

	sql, args, err := r.insertQuery(movements).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert movements: %w", err)
	}
	return nil
}

// copyThreshold is the batch size from which COPY beats a multi-row INSERT.
const copyThreshold = 64

func (r *MovementRepo) insertQuery(movements []entity.StockMovement) squirrel.InsertBuilder {
	q := r.builder.Insert(movementsTable).Columns(movementColumns...)
	for _, m := range movements {
		q = q.Values(movementRow(m)...)
	}
	return q
}

// ListByItem returns a page of an item's movements.
func (r *MovementRepo) ListByItem(ctx context.Context, tenantID string, itemID id.ID, filter stock.MovementFilter) ([]entity.StockMovement, error) {
	sql, args, err := r.listQuery(tenantID, itemID, filter).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var out []entity.StockMovement
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &out, sql, args...); err != nil {
		return nil, fmt.Errorf("select movements: %w", err)
	}
	return out, nil
}

func (r *MovementRepo) listQuery(tenantID string, itemID id.ID, filter stock.MovementFilter) squirrel.SelectBuilder {
	q := r.builder.Select(movementColumns...).
		From(movementsTable).
		Where(squirrel.Eq{"tenant_id": tenantID, "item_id": itemID})

	if filter.LocationID != nil {
		q = q.Where(squirrel.Eq{"location_id": *filter.LocationID})
	}
	if filter.Action != nil {
		q = q.Where(squirrel.Eq{"action": string(*filter.Action)})
	}
	if filter.FromTime != nil {
		q = q.Where(squirrel.GtOrEq{"ts": *filter.FromTime})
	}
	if filter.ToTime != nil {
		q = q.Where(squirrel.LtOrEq{"ts": *filter.ToTime})
	}

	if filter.NewestFirst {
		q = q.OrderBy("ts DESC", "id DESC")
	} else {
		q = q.OrderBy("ts", "id")
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}
	return q
}

var _ stock.MovementRepository = (*MovementRepo)(nil)
