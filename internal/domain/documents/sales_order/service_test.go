package sales_order_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/audit"
	"stockledger/internal/domain/documents/sales_order"
	"stockledger/internal/domain/events"
	"stockledger/internal/domain/registers/stock"
	"stockledger/internal/infrastructure/storage/memory"
)

const tenant = "acme"

type fixture struct {
	svc      *sales_order.Service
	stock    *stock.Service
	counters *memory.CounterRepo
	orders   *memory.SalesOrderRepo
	events   *memory.EventLog
	audit    *memory.AuditLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		counters: memory.NewCounterRepo(),
		orders:   memory.NewSalesOrderRepo(),
		events:   memory.NewEventLog(),
		audit:    memory.NewAuditLog(),
	}
	txm := memory.NewTxManager()
	f.stock = stock.NewService(f.counters, memory.NewMovementRepo(), txm, stock.WithEvents(f.events))
	f.svc = sales_order.NewService(f.orders, f.stock, txm, memory.NewIdempotencyStore(0),
		sales_order.WithEvents(f.events),
		sales_order.WithAudit(f.audit),
		sales_order.WithNumberer(memory.NewNumberer()),
	)
	return f
}

func q(units int64) types.Quantity { return types.NewQuantity(units) }

func (f *fixture) receive(t *testing.T, itemID id.ID, units int64) {
	t.Helper()
	_, err := f.stock.Post(context.Background(), entity.NewStockMovement(tenant, itemID, entity.ActionReceive, q(units)))
	require.NoError(t, err)
}

func (f *fixture) counter(t *testing.T, itemID id.ID) stock.Availability {
	t.Helper()
	a, err := f.stock.GetOnHand(context.Background(), tenant, itemID)
	require.NoError(t, err)
	return a
}

type lineDef struct {
	item id.ID
	qty  int64
}

func (f *fixture) createOrder(t *testing.T, lines ...lineDef) (*sales_order.SalesOrder, []id.ID) {
	t.Helper()
	order := sales_order.NewSalesOrder(tenant)
	ids := make([]id.ID, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, order.AddLine(l.item, q(l.qty)))
	}
	require.NoError(t, f.svc.Create(context.Background(), order))
	_, err := f.svc.Submit(context.Background(), tenant, order.ID)
	require.NoError(t, err)
	return order, ids
}

func req(lineID id.ID, units int64) sales_order.LineRequest {
	return sales_order.LineRequest{LineID: lineID, Qty: q(units)}
}

func TestCreate_AssignsNumberAndValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := sales_order.NewSalesOrder(tenant)
	order.AddLine(id.New(), q(1))
	require.NoError(t, f.svc.Create(ctx, order))
	assert.Equal(t, "SO-00001", order.Number)
	assert.Equal(t, sales_order.StatusDraft, order.Status)
	assert.Len(t, f.events.OfType(events.TypeOrderCreated), 1)

	empty := sales_order.NewSalesOrder(tenant)
	assert.Equal(t, apperror.CodeValidation, apperror.Code(f.svc.Create(ctx, empty)))

	zeroQty := sales_order.NewSalesOrder(tenant)
	zeroQty.AddLine(id.New(), 0)
	assert.Equal(t, apperror.CodeValidation, apperror.Code(f.svc.Create(ctx, zeroQty)))
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, _ := f.createOrder(t, lineDef{id.New(), 1})

	res, err := f.svc.Submit(ctx, tenant, order.ID)
	require.NoError(t, err)
	assert.Equal(t, sales_order.StatusSubmitted, res.Order.Status)

	_, err = f.svc.Cancel(ctx, tenant, order.ID)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, tenant, order.ID)
	assert.Equal(t, apperror.CodeInvalidTransition, apperror.Code(err))

	_, err = f.svc.Submit(ctx, tenant, id.New())
	assert.True(t, apperror.IsNotFound(err))
}

func TestReserveThenFulfill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := id.New()

	f.receive(t, item, 10)
	order, lines := f.createOrder(t, lineDef{item, 5})

	res, err := f.svc.Reserve(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 4)}, false)
	require.NoError(t, err)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, sales_order.OutcomeApplied, res.Lines[0].Outcome)
	assert.Equal(t, q(4), res.Order.ReservedFor(lines[0]))

	c := f.counter(t, item)
	assert.Equal(t, q(10), c.OnHand)
	assert.Equal(t, q(4), c.Reserved)
	assert.Equal(t, q(6), c.Available)

	res, err = f.svc.Fulfill(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 3)}, "")
	require.NoError(t, err)
	assert.Equal(t, q(3), res.Lines[0].Applied)

	c = f.counter(t, item)
	assert.Equal(t, q(7), c.OnHand)
	assert.Equal(t, q(1), c.Reserved)

	stored, err := f.svc.Get(ctx, tenant, order.ID)
	require.NoError(t, err)
	assert.Equal(t, q(3), stored.Lines[0].QtyFulfilled)
	assert.Equal(t, q(1), stored.ReservedFor(lines[0]))
	assert.Equal(t, sales_order.StatusPartiallyFulfilled, stored.Status)

	derived, err := f.stock.DeriveBalance(ctx, tenant, item)
	require.NoError(t, err)
	assert.Equal(t, c.OnHand, derived.OnHand)
	assert.Equal(t, c.Reserved, derived.Reserved)
}

func TestReserve_Strict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := id.New()
	f.receive(t, item, 10)
	order, lines := f.createOrder(t, lineDef{item, 3})

	_, err := f.svc.Reserve(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 5)}, true)
	require.Error(t, err)
	assert.Equal(t, apperror.CodeExceedsRemaining, apperror.Code(err))

	c := f.counter(t, item)
	assert.True(t, c.Reserved.IsZero())
	stored, err := f.svc.Get(ctx, tenant, order.ID)
	require.NoError(t, err)
	assert.True(t, stored.ReservedFor(lines[0]).IsZero())

	// Repeated lines are summed before the check.
	_, err = f.svc.Reserve(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 2), req(lines[0], 2)}, true)
	assert.Equal(t, apperror.CodeExceedsRemaining, apperror.Code(err))
	assert.True(t, f.counter(t, item).Reserved.IsZero())
}

func TestReserve_ClampsAndSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := id.New()
	f.receive(t, item, 10)
	order, lines := f.createOrder(t, lineDef{item, 3})

	res, err := f.svc.Reserve(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 5)}, false)
	require.NoError(t, err)
	assert.Equal(t, q(5), res.Lines[0].Requested)
	assert.Equal(t, q(3), res.Lines[0].Applied)

	res, err = f.svc.Reserve(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 1)}, false)
	require.NoError(t, err)
	assert.Equal(t, sales_order.OutcomeSkipped, res.Lines[0].Outcome)
	assert.NotEmpty(t, res.Lines[0].Reason)
	assert.Equal(t, q(3), f.counter(t, item).Reserved)
}

func TestReserve_InsufficientOnHandReportsPartialApplication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plenty, scarce, untouched := id.New(), id.New(), id.New()
	f.receive(t, plenty, 10)
	f.receive(t, scarce, 1)
	f.receive(t, untouched, 10)
	order, lines := f.createOrder(t, lineDef{plenty, 2}, lineDef{scarce, 2}, lineDef{untouched, 2})

	res, err := f.svc.Reserve(ctx, tenant, order.ID, []sales_order.LineRequest{
		req(lines[0], 2), req(lines[1], 2), req(lines[2], 2),
	}, false)

	require.Error(t, err)
	assert.Equal(t, apperror.CodePartialApplication, apperror.Code(err))
	assert.True(t, apperror.HasCode(err, apperror.CodeInsufficientOnHand))
	require.NotNil(t, res)
	require.Len(t, res.Lines, 3)
	assert.Equal(t, sales_order.OutcomeApplied, res.Lines[0].Outcome)
	assert.Equal(t, sales_order.OutcomeFailed, res.Lines[1].Outcome)
	assert.Equal(t, sales_order.OutcomeNotAttempted, res.Lines[2].Outcome)

	assert.Equal(t, q(2), f.counter(t, plenty).Reserved)
	assert.True(t, f.counter(t, scarce).Reserved.IsZero())
	assert.True(t, f.counter(t, untouched).Reserved.IsZero())

	stored, err := f.svc.Get(ctx, tenant, order.ID)
	require.NoError(t, err)
	assert.Equal(t, q(2), stored.ReservedFor(lines[0]))
	assert.True(t, stored.ReservedFor(lines[1]).IsZero())
}

func TestReserve_SingleLineFailureIsNotPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := id.New()
	order, lines := f.createOrder(t, lineDef{item, 2})

	res, err := f.svc.Reserve(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 2)}, false)
	assert.Equal(t, apperror.CodeInsufficientOnHand, apperror.Code(err))
	require.NotNil(t, res)
	assert.Equal(t, sales_order.OutcomeFailed, res.Lines[0].Outcome)
}

func TestReserve_RejectsUnknownLine(t *testing.T) {
	f := newFixture(t)
	order, _ := f.createOrder(t, lineDef{id.New(), 2})

	_, err := f.svc.Reserve(context.Background(), tenant, order.ID, []sales_order.LineRequest{req(id.New(), 1)}, false)
	assert.Equal(t, apperror.CodeValidation, apperror.Code(err))
}

func TestFulfill_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := id.New()
	f.receive(t, item, 10)
	order, lines := f.createOrder(t, lineDef{item, 5})
	_, err := f.svc.Reserve(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 5)}, false)
	require.NoError(t, err)

	ship := []sales_order.LineRequest{req(lines[0], 2)}
	first, err := f.svc.Fulfill(ctx, tenant, order.ID, ship, "ship-1")
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	afterFirst := f.counter(t, item)

	second, err := f.svc.Fulfill(ctx, tenant, order.ID, ship, "ship-1")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order, second.Order)
	assert.Equal(t, first.Lines, second.Lines)
	assert.Equal(t, afterFirst, f.counter(t, item))

	movements, err := f.stock.ListMovements(ctx, tenant, item, stock.MovementFilter{})
	require.NoError(t, err)
	assert.Len(t, movements, 3) // receive, reserve, one fulfill

	// Same key, different lines: still a no-op returning the current order.
	again, err := f.svc.Fulfill(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 1)}, "ship-1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Order, again.Order)
	assert.Equal(t, afterFirst, f.counter(t, item))
	movements, err = f.stock.ListMovements(ctx, tenant, item, stock.MovementFilter{})
	require.NoError(t, err)
	assert.Len(t, movements, 3)

	third, err := f.svc.Fulfill(ctx, tenant, order.ID, ship, "ship-2")
	require.NoError(t, err)
	assert.False(t, third.Replayed)
	assert.Equal(t, q(6), f.counter(t, item).OnHand)
}

func TestFulfill_ConsumesReservationFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := id.New()
	f.receive(t, item, 10)
	order, lines := f.createOrder(t, lineDef{item, 6})
	_, err := f.svc.Reserve(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 2)}, false)
	require.NoError(t, err)

	res, err := f.svc.Fulfill(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 9)}, "")
	require.NoError(t, err)
	assert.Equal(t, q(6), res.Lines[0].Applied)
	assert.Equal(t, sales_order.StatusFulfilled, res.Order.Status)
	assert.True(t, res.Order.ReservedFor(lines[0]).IsZero())

	c := f.counter(t, item)
	assert.Equal(t, q(4), c.OnHand)
	assert.True(t, c.Reserved.IsZero())

	changed := f.events.OfType(events.TypeOrderStatusChanged)
	require.NotEmpty(t, changed)
	last := changed[len(changed)-1].Payload.(sales_order.StatusChanged)
	assert.Equal(t, sales_order.StatusFulfilled, last.To)

	res, err = f.svc.Fulfill(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 1)}, "")
	require.NoError(t, err)
	assert.Equal(t, sales_order.OutcomeSkipped, res.Lines[0].Outcome)
}

func TestFulfill_WithoutReservationNeedsAvailableStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := id.New()
	f.receive(t, item, 3)

	other, otherLines := f.createOrder(t, lineDef{item, 3})
	_, err := f.svc.Reserve(ctx, tenant, other.ID, []sales_order.LineRequest{req(otherLines[0], 3)}, false)
	require.NoError(t, err)

	order, lines := f.createOrder(t, lineDef{item, 1})
	_, err = f.svc.Fulfill(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 1)}, "k")
	assert.Equal(t, apperror.CodeInsufficientQuantity, apperror.Code(err))

	// The key was released, so a retry after stock arrives goes through.
	f.receive(t, item, 1)
	res, err := f.svc.Fulfill(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 1)}, "k")
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, sales_order.StatusFulfilled, res.Order.Status)
}

func TestFulfill_RejectsTerminalOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, lines := f.createOrder(t, lineDef{id.New(), 1})
	_, err := f.svc.Cancel(ctx, tenant, order.ID)
	require.NoError(t, err)

	_, err = f.svc.Fulfill(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 1)}, "")
	assert.Equal(t, apperror.CodeInvalidTransition, apperror.Code(err))
	_, err = f.svc.Reserve(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 1)}, false)
	assert.Equal(t, apperror.CodeInvalidTransition, apperror.Code(err))
}

func TestCancel_ReleasesReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := id.New()
	f.receive(t, item, 10)
	order, lines := f.createOrder(t, lineDef{item, 5})
	_, err := f.svc.Reserve(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 4)}, false)
	require.NoError(t, err)

	res, err := f.svc.Cancel(ctx, tenant, order.ID)
	require.NoError(t, err)
	assert.Equal(t, sales_order.StatusCancelled, res.Order.Status)
	assert.Equal(t, q(4), res.Lines[0].Applied)
	assert.Contains(t, res.Order.Reserved, lines[0])
	assert.True(t, res.Order.ReservedFor(lines[0]).IsZero())
	assert.True(t, f.counter(t, item).Reserved.IsZero())

	again, err := f.svc.Cancel(ctx, tenant, order.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Order, again.Order)
	assert.Empty(t, again.Lines)

	entries := f.audit.Entries(order.ID)
	require.NotEmpty(t, entries)
	assert.Equal(t, audit.ActionCancel, entries[len(entries)-1].Action)
	assert.Contains(t, entries[len(entries)-1].Changes, "status")
}

func TestCancel_ReleaseFailureKeepsEarlierReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, second := id.New(), id.New()
	f.receive(t, first, 5)
	f.receive(t, second, 5)
	order, lines := f.createOrder(t, lineDef{first, 2}, lineDef{second, 2})
	_, err := f.svc.Reserve(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 2), req(lines[1], 2)}, false)
	require.NoError(t, err)

	// Drift the second counter so releasing 2 would make reserved negative.
	f.counters.Set(entity.StockCounter{TenantID: tenant, ItemID: second, OnHand: q(5), Reserved: q(1)})

	res, err := f.svc.Cancel(ctx, tenant, order.ID)
	require.Error(t, err)
	assert.Equal(t, apperror.CodePartialApplication, apperror.Code(err))
	assert.True(t, apperror.HasCode(err, apperror.CodeInsufficientQuantity))
	require.NotNil(t, res)

	stored, err := f.svc.Get(ctx, tenant, order.ID)
	require.NoError(t, err)
	assert.Equal(t, sales_order.StatusSubmitted, stored.Status)
	assert.True(t, stored.ReservedFor(lines[0]).IsZero())
	assert.Equal(t, q(2), stored.ReservedFor(lines[1]))
	assert.True(t, f.counter(t, first).Reserved.IsZero())
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := id.New()
	f.receive(t, item, 10)
	order, lines := f.createOrder(t, lineDef{item, 5})
	_, err := f.svc.Reserve(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 3)}, false)
	require.NoError(t, err)

	res, err := f.svc.Close(ctx, tenant, order.ID)
	require.NoError(t, err)
	assert.Equal(t, sales_order.StatusClosed, res.Order.Status)
	assert.True(t, f.counter(t, item).Reserved.IsZero())

	_, err = f.svc.Close(ctx, tenant, order.ID)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, tenant, order.ID)
	assert.Equal(t, apperror.CodeInvalidTransition, apperror.Code(err))

	cancelled, _ := f.createOrder(t, lineDef{item, 1})
	_, err = f.svc.Cancel(ctx, tenant, cancelled.ID)
	require.NoError(t, err)
	_, err = f.svc.Close(ctx, tenant, cancelled.ID)
	assert.Equal(t, apperror.CodeInvalidTransition, apperror.Code(err))
}

func TestRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := id.New()
	f.receive(t, item, 10)
	order, lines := f.createOrder(t, lineDef{item, 5})
	_, err := f.svc.Reserve(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 4)}, false)
	require.NoError(t, err)

	res, err := f.svc.Release(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 10)})
	require.NoError(t, err)
	assert.Equal(t, q(4), res.Lines[0].Applied)
	assert.True(t, f.counter(t, item).Reserved.IsZero())

	res, err = f.svc.Release(ctx, tenant, order.ID, []sales_order.LineRequest{req(lines[0], 1)})
	require.NoError(t, err)
	assert.Equal(t, sales_order.OutcomeSkipped, res.Lines[0].Outcome)
}

func TestReserve_ConcurrentOrdersNeverOverReserve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := id.New()
	f.receive(t, item, 10)

	orders := make([]*sales_order.SalesOrder, 0, 25)
	lineIDs := make([]id.ID, 0, 25)
	for i := 0; i < 25; i++ {
		o, lines := f.createOrder(t, lineDef{item, 1})
		orders = append(orders, o)
		lineIDs = append(lineIDs, lines[0])
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := range orders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Reserve(ctx, tenant, orders[i].ID, []sales_order.LineRequest{req(lineIDs[i], 1)}, true)
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	c := f.counter(t, item)
	assert.Equal(t, q(10), c.Reserved)
	assert.True(t, c.Available.IsZero())
}
