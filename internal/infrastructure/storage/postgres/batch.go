package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// BatchInserter bulk-inserts rows with the COPY protocol.
type BatchInserter struct {
	txManager *TxManager
}

// NewBatchInserter creates a new batch inserter.
func NewBatchInserter(txManager *TxManager) *BatchInserter {
	return &BatchInserter{txManager: txManager}
}

// CopyFromSlice copies rows into table. It must run inside a transaction so
// a failed COPY leaves nothing behind.
func (b *BatchInserter) CopyFromSlice(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	t := b.txManager.GetTx(ctx)
	if t == nil {
		return 0, fmt.Errorf("copy into %s requires a transaction", table)
	}
	return t.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
}

// BatchExecutor sends several statements in one round-trip.
type BatchExecutor struct {
	txManager *TxManager
}

// NewBatchExecutor creates a new batch executor.
func NewBatchExecutor(txManager *TxManager) *BatchExecutor {
	return &BatchExecutor{txManager: txManager}
}

// BatchQuery is one statement of a batch.
type BatchQuery struct {
	SQL  string
	Args []any
}

// ExecuteBatch runs queries in order and returns the total rows affected.
func (e *BatchExecutor) ExecuteBatch(ctx context.Context, queries []BatchQuery) (int64, error) {
	t := e.txManager.GetTx(ctx)
	if t == nil {
		return 0, fmt.Errorf("batch requires a transaction")
	}

	batch := &pgx.Batch{}
	for _, q := range queries {
		batch.Queue(q.SQL, q.Args...)
	}
	results := t.SendBatch(ctx, batch)
	defer results.Close()

	var affected int64
	for i := range queries {
		tag, err := results.Exec()
		if err != nil {
			return affected, fmt.Errorf("batch statement %d: %w", i, err)
		}
		affected += tag.RowsAffected()
	}
	return affected, nil
}
