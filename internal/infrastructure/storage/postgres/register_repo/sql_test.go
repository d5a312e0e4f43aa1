package register_repo

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/registers/stock"
)

func TestCounterRepo_CompareAndSwapIsConditional(t *testing.T) {
	repo := NewCounterRepo(nil)
	itemID := id.New()
	prev := entity.StockCounter{TenantID: "t1", ItemID: itemID, OnHand: types.NewQuantity(10), Reserved: types.NewQuantity(4)}
	next := prev
	next.Reserved = types.NewQuantity(5)
	next.UpdatedAt = time.Now().UTC()

	sql, args, err := repo.casQuery(prev, next).ToSql()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sql, "UPDATE stock_counters SET on_hand = $1, reserved = $2, updated_at = $3 WHERE"))
	assert.Contains(t, sql, "on_hand = $")
	assert.Contains(t, sql, "reserved = $")
	assert.Contains(t, sql, "tenant_id = $")
	require.Len(t, args, 7)
	assert.Equal(t, int64(100_000), args[0])
	assert.Equal(t, int64(50_000), args[1])
	assert.Contains(t, args[3:], int64(40_000), "previous reserved is part of the condition")
}

func TestCounterRepo_LockQuery(t *testing.T) {
	repo := NewCounterRepo(nil)
	sql, args, err := repo.lockQuery("t1", id.New()).ToSql()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sql, "SELECT tenant_id, item_id, on_hand, reserved, created_at, updated_at FROM stock_counters WHERE"))
	assert.True(t, strings.HasSuffix(sql, "FOR UPDATE"))
	assert.Len(t, args, 2)
}

func TestCounterRepo_ListQueryUsesKeyset(t *testing.T) {
	repo := NewCounterRepo(nil)
	after := &stock.CounterCursor{TenantID: "t1", ItemID: id.New()}

	sql, args, err := repo.listQuery(stock.CounterFilter{TenantID: "t1", After: after, Limit: 50}).ToSql()
	require.NoError(t, err)

	assert.Contains(t, sql, "(tenant_id, item_id) > ($2, $3)")
	assert.True(t, strings.HasSuffix(sql, "ORDER BY tenant_id, item_id LIMIT 50"))
	assert.Len(t, args, 3)
}

func TestMovementRepo_ListQuery(t *testing.T) {
	repo := NewMovementRepo(nil)
	loc := "A1"
	action := entity.ActionCycleCount
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		filter   stock.MovementFilter
		contains []string
		args     int
	}{
		{
			name:     "oldest first",
			filter:   stock.MovementFilter{Limit: 10},
			contains: []string{"ORDER BY ts, id", "LIMIT 10"},
			args:     2,
		},
		{
			name:     "newest first with offset",
			filter:   stock.MovementFilter{NewestFirst: true, Limit: 10, Offset: 20},
			contains: []string{"ORDER BY ts DESC, id DESC", "LIMIT 10 OFFSET 20"},
			args:     2,
		},
		{
			name:     "all filters",
			filter:   stock.MovementFilter{LocationID: &loc, Action: &action, FromTime: &from},
			contains: []string{"location_id = $3", "action = $4", "ts >= $5"},
			args:     5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := repo.listQuery("t1", id.New(), tt.filter).ToSql()
			require.NoError(t, err)
			for _, want := range tt.contains {
				assert.Contains(t, sql, want)
			}
			assert.Len(t, args, tt.args)
		})
	}
}

func TestMovementRepo_InsertQuery(t *testing.T) {
	repo := NewMovementRepo(nil)
	itemID := id.New()
	movements := []entity.StockMovement{
		entity.NewStockMovement("t1", itemID, entity.ActionReceive, types.NewQuantity(1)),
		entity.NewStockMovement("t1", itemID, entity.ActionPick, types.NewQuantity(-1)),
	}

	sql, args, err := repo.insertQuery(movements).ToSql()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sql, "INSERT INTO stock_movements (id,tenant_id,item_id,action,qty,reserved_delta,"))
	assert.Len(t, args, 2*len(movementColumns))
	assert.Equal(t, "receive", args[3])
	assert.Equal(t, int64(10_000), args[4])
}
