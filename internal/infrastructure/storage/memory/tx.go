// Package memory provides in-process implementations of the storage interfaces.
//
// They back unit tests and local runs without Postgres. Transactions serialize
// on one mutex (isolation) but do not roll back writes on error.
package memory

import (
	"context"
	"sync"

	"stockledger/internal/core/tx"
)

var _ tx.ReadOnlyManager = (*TxManager)(nil)

// TxManager serializes transactions. Nested calls reuse the outer one.
type TxManager struct {
	mu sync.Mutex
}

// NewTxManager creates a new in-memory transaction manager.
func NewTxManager() *TxManager {
	return &TxManager{}
}

type txKey struct{}

// RunInTransaction runs fn while holding the manager lock.
func (m *TxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if owner, ok := ctx.Value(txKey{}).(*TxManager); ok && owner == m {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(context.WithValue(ctx, txKey{}, m))
}

// ReadOnly is RunInTransaction; the memory stores do not distinguish access modes.
func (m *TxManager) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.RunInTransaction(ctx, fn)
}
