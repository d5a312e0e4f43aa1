// Package document_repo provides PostgreSQL storage for sales orders.
package document_repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/documents/sales_order"
	"stockledger/internal/infrastructure/storage/postgres"
)

const (
	ordersTable = "sales_orders"
	linesTable  = "sales_order_lines"
)

// orderRow is the sales_orders row. Reserved is JSONB keyed by line ID.
type orderRow struct {
	ID        id.ID     `db:"id"`
	TenantID  string    `db:"tenant_id"`
	Number    string    `db:"number"`
	Status    string    `db:"status"`
	Reserved  []byte    `db:"reserved"`
	Version   int       `db:"version"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type lineRow struct {
	OrderID      id.ID          `db:"order_id"`
	TenantID     string         `db:"tenant_id"`
	LineID       id.ID          `db:"line_id"`
	LineNo       int            `db:"line_no"`
	ItemID       id.ID          `db:"item_id"`
	Qty          types.Quantity `db:"qty"`
	QtyFulfilled types.Quantity `db:"qty_fulfilled"`
}

var (
	orderColumns = postgres.ExtractDBColumns[orderRow]()
	lineColumns  = postgres.ExtractDBColumns[lineRow]()
)

// SalesOrderRepo implements sales_order.Repository.
type SalesOrderRepo struct {
	txManager *postgres.TxManager
	batch     *postgres.BatchExecutor
	builder   squirrel.StatementBuilderType
}

// NewSalesOrderRepo creates a new sales order repository.
func NewSalesOrderRepo(txManager *postgres.TxManager) *SalesOrderRepo {
	return &SalesOrderRepo{
		txManager: txManager,
		batch:     postgres.NewBatchExecutor(txManager),
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

func toOrderRow(o *sales_order.SalesOrder) (orderRow, error) {
	reserved, err := json.Marshal(o.Reserved)
	if err != nil {
		return orderRow{}, fmt.Errorf("marshal reserved: %w", err)
	}
	return orderRow{
		ID:        o.ID,
		TenantID:  o.TenantID,
		Number:    o.Number,
		Status:    string(o.Status),
		Reserved:  reserved,
		Version:   o.Version,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}, nil
}

func (row orderRow) toOrder(lines []lineRow) (*sales_order.SalesOrder, error) {
	o := &sales_order.SalesOrder{
		ID:        row.ID,
		TenantID:  row.TenantID,
		Number:    row.Number,
		Status:    sales_order.Status(row.Status),
		Reserved:  make(map[id.ID]types.Quantity),
		Version:   row.Version,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
		Lines:     make([]sales_order.Line, 0, len(lines)),
	}
	if len(row.Reserved) > 0 {
		if err := json.Unmarshal(row.Reserved, &o.Reserved); err != nil {
			return nil, fmt.Errorf("unmarshal reserved of order %s: %w", row.ID, err)
		}
	}
	for _, l := range lines {
		o.Lines = append(o.Lines, sales_order.Line{
			LineID:       l.LineID,
			LineNo:       l.LineNo,
			ItemID:       l.ItemID,
			Qty:          l.Qty,
			QtyFulfilled: l.QtyFulfilled,
		})
	}
	return o, nil
}

// Create inserts the order and its lines.
func (r *SalesOrderRepo) Create(ctx context.Context, order *sales_order.SalesOrder) error {
	row, err := toOrderRow(order)
	if err != nil {
		return err
	}

	sql, args, err := r.builder.Insert(ordersTable).SetMap(postgres.StructToMap(row)).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		if postgres.IsUniqueViolation(err) {
			return apperror.NewConflict("sales order already exists").
				WithDetail("number", order.Number).
				WithCause(err)
		}
		return fmt.Errorf("insert %s: %w", ordersTable, err)
	}

	if len(order.Lines) == 0 {
		return nil
	}
	sql, args, err = r.insertLinesQuery(order).ToSql()
	if err != nil {
		return fmt.Errorf("build insert lines: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert %s: %w", linesTable, err)
	}
	return nil
}

func (r *SalesOrderRepo) insertLinesQuery(order *sales_order.SalesOrder) squirrel.InsertBuilder {
	q := r.builder.Insert(linesTable).Columns(lineColumns...)
	for _, l := range order.Lines {
		q = q.Values(order.ID, order.TenantID, l.LineID, l.LineNo, l.ItemID, l.Qty.Int64Scaled(), l.QtyFulfilled.Int64Scaled())
	}
	return q
}

// GetByID retrieves an order with its lines.
func (r *SalesOrderRepo) GetByID(ctx context.Context, tenantID string, orderID id.ID) (*sales_order.SalesOrder, error) {
	return r.get(ctx, r.getQuery(tenantID, orderID), tenantID, orderID)
}

// GetForUpdate retrieves an order and locks its row.
func (r *SalesOrderRepo) GetForUpdate(ctx context.Context, tenantID string, orderID id.ID) (*sales_order.SalesOrder, error) {
	return r.get(ctx, r.getQuery(tenantID, orderID).Suffix("FOR UPDATE"), tenantID, orderID)
}

func (r *SalesOrderRepo) getQuery(tenantID string, orderID id.ID) squirrel.SelectBuilder {
	return r.builder.Select(orderColumns...).
		From(ordersTable).
		Where(squirrel.Eq{"id": orderID, "tenant_id": tenantID})
}

func (r *SalesOrderRepo) get(ctx context.Context, q squirrel.SelectBuilder, tenantID string, orderID id.ID) (*sales_order.SalesOrder, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row orderRow
	if err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound(ordersTable, orderID.String())
		}
		return nil, fmt.Errorf("get sales order: %w", err)
	}

	lines, err := r.loadLines(ctx, tenantID, []id.ID{orderID})
	if err != nil {
		return nil, err
	}
	return row.toOrder(lines[orderID])
}

func (r *SalesOrderRepo) loadLines(ctx context.Context, tenantID string, orderIDs []id.ID) (map[id.ID][]lineRow, error) {
	sql, args, err := r.builder.Select(lineColumns...).
		From(linesTable).
		Where(squirrel.Eq{"tenant_id": tenantID, "order_id": orderIDs}).
		OrderBy("order_id", "line_no").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build lines query: %w", err)
	}

	var rows []lineRow
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("load lines: %w", err)
	}
	byOrder := make(map[id.ID][]lineRow, len(orderIDs))
	for _, l := range rows {
		byOrder[l.OrderID] = append(byOrder[l.OrderID], l)
	}
	return byOrder, nil
}

// Update writes status, reservations and fulfilled quantities with an
// optimistic lock on version.
func (r *SalesOrderRepo) Update(ctx context.Context, order *sales_order.SalesOrder) error {
	q, err := r.updateQuery(order)
	if err != nil {
		return err
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	result, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", ordersTable, err)
	}
	if result.RowsAffected() == 0 {
		return apperror.NewConcurrentModification(ordersTable, order.ID.String())
	}

	queries, err := r.lineUpdates(order)
	if err != nil {
		return err
	}
	if len(queries) > 0 {
		if _, err := r.batch.ExecuteBatch(ctx, queries); err != nil {
			return fmt.Errorf("update %s: %w", linesTable, err)
		}
	}

	order.Version++
	return nil
}

func (r *SalesOrderRepo) updateQuery(order *sales_order.SalesOrder) (squirrel.UpdateBuilder, error) {
	reserved, err := json.Marshal(order.Reserved)
	if err != nil {
		return squirrel.UpdateBuilder{}, fmt.Errorf("marshal reserved: %w", err)
	}
	return r.builder.Update(ordersTable).
		Set("status", string(order.Status)).
		Set("reserved", reserved).
		Set("version", squirrel.Expr("version + 1")).
		Set("updated_at", order.UpdatedAt).
		Where(squirrel.Eq{"id": order.ID, "tenant_id": order.TenantID}).
		Where(squirrel.Eq{"version": order.Version}), nil
}

func (r *SalesOrderRepo) lineUpdates(order *sales_order.SalesOrder) ([]postgres.BatchQuery, error) {
	queries := make([]postgres.BatchQuery, 0, len(order.Lines))
	for _, l := range order.Lines {
		sql, args, err := r.builder.Update(linesTable).
			Set("qty_fulfilled", l.QtyFulfilled.Int64Scaled()).
			Where(squirrel.Eq{"order_id": order.ID, "line_id": l.LineID}).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("build line update: %w", err)
		}
		queries = append(queries, postgres.BatchQuery{SQL: sql, Args: args})
	}
	return queries, nil
}

// List returns a tenant's orders ordered by creation time.
func (r *SalesOrderRepo) List(ctx context.Context, filter sales_order.ListFilter) ([]*sales_order.SalesOrder, error) {
	sql, args, err := r.listQuery(filter).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []orderRow
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("list sales orders: %w", err)
	}
	if len(rows) == 0 {
		return []*sales_order.SalesOrder{}, nil
	}

	ids := make([]id.ID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	lines, err := r.loadLines(ctx, filter.TenantID, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*sales_order.SalesOrder, 0, len(rows))
	for _, row := range rows {
		o, err := row.toOrder(lines[row.ID])
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (r *SalesOrderRepo) listQuery(filter sales_order.ListFilter) squirrel.SelectBuilder {
	q := r.builder.Select(orderColumns...).
		From(ordersTable).
		Where(squirrel.Eq{"tenant_id": filter.TenantID})
	if filter.Status != nil {
		q = q.Where(squirrel.Eq{"status": string(*filter.Status)})
	}
	q = q.OrderBy("created_at", "id")
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}
	return q
}

var _ sales_order.Repository = (*SalesOrderRepo)(nil)
