package stock

import (
	"sort"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/types"
)

// Balance is the fold of a set of movements.
type Balance struct {
	OnHand    types.Quantity `json:"onHand"`
	Reserved  types.Quantity `json:"reserved"`
	Movements int            `json:"movements"`
}

// Available returns max(0, onHand - reserved).
func (b Balance) Available() types.Quantity {
	return (b.OnHand - b.Reserved).Max(0)
}

// LocationBalance is the fold of the movements recorded at one location.
// Movements without a location are reported with Unassigned set.
type LocationBalance struct {
	LocationID string `json:"locationId,omitempty"`
	Unassigned bool   `json:"unassigned,omitempty"`
	Balance
}

// Derive folds movements into on-hand and reserved totals. The fold is a sum,
// so the order of movements does not matter.
func Derive(movements []entity.StockMovement) Balance {
	var b Balance
	for i := range movements {
		b.add(&movements[i])
	}
	return b
}

func (b *Balance) add(m *entity.StockMovement) {
	b.OnHand += m.Qty
	if m.Action.AffectsReserved() {
		b.Reserved += m.ReservedDelta
	}
	b.Movements++
}

// DeriveByLocation folds each location's movements independently.
// Named locations are sorted by ID; the unassigned bucket comes last.
func DeriveByLocation(movements []entity.StockMovement) []LocationBalance {
	buckets := make(map[string]*LocationBalance)
	for i := range movements {
		m := &movements[i]
		lb, ok := buckets[m.LocationID]
		if !ok {
			lb = &LocationBalance{LocationID: m.LocationID, Unassigned: m.LocationID == ""}
			buckets[m.LocationID] = lb
		}
		lb.add(m)
	}

	out := make([]LocationBalance, 0, len(buckets))
	for _, lb := range buckets {
		out = append(out, *lb)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Unassigned != out[j].Unassigned {
			return !out[i].Unassigned
		}
		return out[i].LocationID < out[j].LocationID
	})
	return out
}
