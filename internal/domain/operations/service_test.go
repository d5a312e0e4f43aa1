package operations_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/events"
	"stockledger/internal/domain/idempotency"
	"stockledger/internal/domain/operations"
	"stockledger/internal/domain/registers/stock"
	"stockledger/internal/infrastructure/storage/memory"
)

const tenant = "acme"

func q(units int64) types.Quantity { return types.NewQuantity(units) }

func setup(t *testing.T) (*operations.Service, *stock.Service, *memory.CounterRepo) {
	t.Helper()
	counters := memory.NewCounterRepo()
	txm := memory.NewTxManager()
	stockSvc := stock.NewService(counters, memory.NewMovementRepo(), txm)
	return operations.NewService(stockSvc, txm, memory.NewIdempotencyStore(0)), stockSvc, counters
}

func TestCycleCount_RoundTrip(t *testing.T) {
	svc, stockSvc, _ := setup(t)
	ctx := context.Background()
	item := id.New()

	_, err := svc.Receive(ctx, operations.ReceiveRequest{TenantID: tenant, ItemID: item, Qty: q(10)})
	require.NoError(t, err)

	res, err := svc.CycleCount(ctx, operations.CycleCountRequest{TenantID: tenant, ItemID: item, Counted: q(7), Note: "aisle 4"})
	require.NoError(t, err)
	assert.Equal(t, q(10), res.PriorOnHand)
	assert.Equal(t, q(-3), res.Delta)
	require.NotNil(t, res.Movement)
	assert.Equal(t, entity.ActionCycleCount, res.Movement.Action)
	assert.Equal(t, "counted=7 prior=10 delta=-3; aisle 4", res.Movement.Note)

	derived, err := stockSvc.DeriveBalance(ctx, tenant, item)
	require.NoError(t, err)
	assert.Equal(t, q(7), derived.OnHand)

	a, err := stockSvc.GetOnHand(ctx, tenant, item)
	require.NoError(t, err)
	assert.Equal(t, q(7), a.OnHand)
}

func TestCycleCount_MatchingCountIsNoop(t *testing.T) {
	svc, stockSvc, _ := setup(t)
	ctx := context.Background()
	item := id.New()
	_, err := svc.Receive(ctx, operations.ReceiveRequest{TenantID: tenant, ItemID: item, Qty: q(4)})
	require.NoError(t, err)

	res, err := svc.CycleCount(ctx, operations.CycleCountRequest{TenantID: tenant, ItemID: item, Counted: q(4)})
	require.NoError(t, err)
	assert.True(t, res.Delta.IsZero())
	assert.Nil(t, res.Movement)

	movements, err := stockSvc.ListMovements(ctx, tenant, item, stock.MovementFilter{})
	require.NoError(t, err)
	assert.Len(t, movements, 1)
}

func TestCycleCount_UsesLedgerNotCounter(t *testing.T) {
	svc, stockSvc, counters := setup(t)
	ctx := context.Background()
	item := id.New()
	_, err := svc.Receive(ctx, operations.ReceiveRequest{TenantID: tenant, ItemID: item, Qty: q(10)})
	require.NoError(t, err)

	// Counter drifted out of band; the count is still measured against the ledger.
	counters.Set(entity.StockCounter{TenantID: tenant, ItemID: item, OnHand: q(12)})

	res, err := svc.CycleCount(ctx, operations.CycleCountRequest{TenantID: tenant, ItemID: item, Counted: q(9)})
	require.NoError(t, err)
	assert.Equal(t, q(10), res.PriorOnHand)
	assert.Equal(t, q(-1), res.Delta)

	derived, err := stockSvc.DeriveBalance(ctx, tenant, item)
	require.NoError(t, err)
	assert.Equal(t, q(9), derived.OnHand)
}

func TestCycleCount_PerLocation(t *testing.T) {
	svc, stockSvc, _ := setup(t)
	ctx := context.Background()
	item := id.New()
	_, err := svc.Putaway(ctx, operations.PutawayRequest{TenantID: tenant, ItemID: item, Qty: q(5), ToLocationID: "A1"})
	require.NoError(t, err)
	_, err = svc.Putaway(ctx, operations.PutawayRequest{TenantID: tenant, ItemID: item, Qty: q(3), ToLocationID: "B1"})
	require.NoError(t, err)

	res, err := svc.CycleCount(ctx, operations.CycleCountRequest{TenantID: tenant, ItemID: item, Counted: q(6), LocationID: "A1"})
	require.NoError(t, err)
	assert.Equal(t, q(5), res.PriorOnHand)
	assert.Equal(t, q(1), res.Delta)

	a1, err := stockSvc.DeriveLocationBalance(ctx, tenant, item, "A1")
	require.NoError(t, err)
	assert.Equal(t, q(6), a1.OnHand)
	total, err := stockSvc.GetOnHand(ctx, tenant, item)
	require.NoError(t, err)
	assert.Equal(t, q(9), total.OnHand)
}

func TestCycleCount_CannotDropBelowReserved(t *testing.T) {
	svc, stockSvc, _ := setup(t)
	ctx := context.Background()
	item := id.New()
	_, err := svc.Receive(ctx, operations.ReceiveRequest{TenantID: tenant, ItemID: item, Qty: q(10)})
	require.NoError(t, err)
	_, err = stockSvc.ApplyDeltaWithRetry(ctx, tenant, item, 0, q(8))
	require.NoError(t, err)

	_, err = svc.CycleCount(ctx, operations.CycleCountRequest{TenantID: tenant, ItemID: item, Counted: q(5)})
	assert.Equal(t, apperror.CodeInsufficientQuantity, apperror.Code(err))
}

func TestValidation(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()
	item := id.New()

	tests := []struct {
		name string
		call func() error
	}{
		{"cycle count negative", func() error {
			_, err := svc.CycleCount(ctx, operations.CycleCountRequest{TenantID: tenant, ItemID: item, Counted: q(-1)})
			return err
		}},
		{"adjust zero", func() error {
			_, err := svc.Adjust(ctx, operations.AdjustRequest{TenantID: tenant, ItemID: item})
			return err
		}},
		{"putaway zero", func() error {
			_, err := svc.Putaway(ctx, operations.PutawayRequest{TenantID: tenant, ItemID: item, ToLocationID: "A"})
			return err
		}},
		{"putaway without destination", func() error {
			_, err := svc.Putaway(ctx, operations.PutawayRequest{TenantID: tenant, ItemID: item, Qty: q(1), ToLocationID: " "})
			return err
		}},
		{"receive negative", func() error {
			_, err := svc.Receive(ctx, operations.ReceiveRequest{TenantID: tenant, ItemID: item, Qty: q(-1)})
			return err
		}},
		{"missing tenant", func() error {
			_, err := svc.Adjust(ctx, operations.AdjustRequest{ItemID: item, Delta: q(1)})
			return err
		}},
		{"missing item", func() error {
			_, err := svc.Adjust(ctx, operations.AdjustRequest{TenantID: tenant, Delta: q(1)})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, apperror.CodeValidation, apperror.Code(tt.call()))
		})
	}
}

func TestAdjust(t *testing.T) {
	svc, stockSvc, _ := setup(t)
	ctx := context.Background()
	item := id.New()

	m, err := svc.Adjust(ctx, operations.AdjustRequest{TenantID: tenant, ItemID: item, Delta: q(3), LocationID: "A", Lot: "L-7", Note: "found"})
	require.NoError(t, err)
	assert.Equal(t, entity.ActionAdjust, m.Action)
	assert.Equal(t, "L-7", m.Lot)

	_, err = svc.Adjust(ctx, operations.AdjustRequest{TenantID: tenant, ItemID: item, Delta: q(-4)})
	assert.Equal(t, apperror.CodeInsufficientQuantity, apperror.Code(err))

	a, err := stockSvc.GetOnHand(ctx, tenant, item)
	require.NoError(t, err)
	assert.Equal(t, q(3), a.OnHand)
}

func TestPutaway_RecordsSource(t *testing.T) {
	svc, _, _ := setup(t)
	m, err := svc.Putaway(context.Background(), operations.PutawayRequest{
		TenantID: tenant, ItemID: id.New(), Qty: q(2), ToLocationID: "BIN-9", FromLocationID: "DOCK",
	})
	require.NoError(t, err)
	assert.Equal(t, "BIN-9", m.LocationID)
	assert.Equal(t, "DOCK", m.FromLocationID)
	assert.Equal(t, q(2), m.Qty)
}

func TestReceive_IdempotencyKey(t *testing.T) {
	svc, stockSvc, _ := setup(t)
	ctx := context.Background()
	item := id.New()
	req := operations.ReceiveRequest{TenantID: tenant, ItemID: item, Qty: q(5), IdempotencyKey: "asn-42"}

	first, err := svc.Receive(ctx, req)
	require.NoError(t, err)
	second, err := svc.Receive(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	a, err := stockSvc.GetOnHand(ctx, tenant, item)
	require.NoError(t, err)
	assert.Equal(t, q(5), a.OnHand)

	req.Qty = q(6)
	_, err = svc.Receive(ctx, req)
	assert.Equal(t, apperror.CodeIdempotency, apperror.Code(err))
}

func TestCycleCount_ConcurrentCountsPostOnce(t *testing.T) {
	svc, stockSvc, _ := setup(t)
	ctx := context.Background()
	item := id.New()
	_, err := svc.Receive(ctx, operations.ReceiveRequest{TenantID: tenant, ItemID: item, Qty: q(10)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CycleCount(ctx, operations.CycleCountRequest{TenantID: tenant, ItemID: item, Counted: q(7)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	derived, err := stockSvc.DeriveBalance(ctx, tenant, item)
	require.NoError(t, err)
	assert.Equal(t, q(7), derived.OnHand)

	action := entity.ActionCycleCount
	counts, err := stockSvc.ListMovements(ctx, tenant, item, stock.MovementFilter{Action: &action})
	require.NoError(t, err)
	assert.Len(t, counts, 1, "later counts match the ledger")
}

type inTxKey struct{}

// trackingTx marks the outermost transaction in ctx and records whether it
// ended in rollback.
type trackingTx struct {
	inner      *memory.TxManager
	begun      int
	rolledBack int
}

func (m *trackingTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(inTxKey{}) != nil {
		return fn(ctx)
	}
	m.begun++
	err := m.inner.RunInTransaction(context.WithValue(ctx, inTxKey{}, true), fn)
	if err != nil {
		m.rolledBack++
	}
	return err
}

// failingGuard fails Complete and notes which calls ran inside the transaction.
type failingGuard struct {
	*memory.IdempotencyStore
	completeInTx bool
	aborted      bool
}

func (g *failingGuard) Complete(ctx context.Context, _ idempotency.Scope, _ string, _ any) error {
	g.completeInTx = ctx.Value(inTxKey{}) != nil
	return errors.New("connection reset")
}

func (g *failingGuard) Abort(ctx context.Context, scope idempotency.Scope, key string) error {
	g.aborted = true
	return g.IdempotencyStore.Abort(ctx, scope, key)
}

type txEvents struct{ inTx []bool }

func (p *txEvents) Publish(ctx context.Context, _ ...events.Event) error {
	p.inTx = append(p.inTx, ctx.Value(inTxKey{}) != nil)
	return nil
}

func TestReceive_KeyCompletedInPostingTransaction(t *testing.T) {
	inner := memory.NewTxManager()
	txm := &trackingTx{inner: inner}
	evts := &txEvents{}
	stockSvc := stock.NewService(memory.NewCounterRepo(), memory.NewMovementRepo(), inner, stock.WithEvents(evts))
	guard := &failingGuard{IdempotencyStore: memory.NewIdempotencyStore(0)}
	svc := operations.NewService(stockSvc, txm, guard)
	ctx := context.Background()

	req := operations.ReceiveRequest{TenantID: tenant, ItemID: id.New(), Qty: q(5), IdempotencyKey: "asn-7"}
	_, err := svc.Receive(ctx, req)
	require.Error(t, err)

	assert.Equal(t, 1, txm.begun)
	assert.Equal(t, 1, txm.rolledBack, "the posting is rolled back with the key")
	require.Len(t, evts.inTx, 1)
	assert.True(t, evts.inTx[0], "movement written in the key's transaction")
	assert.True(t, guard.completeInTx)
	assert.True(t, guard.aborted)

	rec, err := guard.Begin(ctx, idempotency.Scope{TenantID: tenant, Operation: "stock.receive", ResourceID: req.ItemID.String()}, "asn-7", "any")
	require.NoError(t, err)
	assert.Nil(t, rec, "key is free for a retry")
}
