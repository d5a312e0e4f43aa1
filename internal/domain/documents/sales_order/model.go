// Package sales_order provides the SalesOrder aggregate and the coordinator
// that reserves, fulfills and releases stock for it.
package sales_order

import (
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// Status of a sales order.
type Status string

const (
	StatusDraft              Status = "draft"
	StatusSubmitted          Status = "submitted"
	StatusPartiallyFulfilled Status = "partially_fulfilled"
	StatusFulfilled          Status = "fulfilled"
	StatusCancelled          Status = "cancelled"
	StatusClosed             Status = "closed"
)

// Terminal reports whether no stock operation may change the order anymore.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusClosed
}

// Line is one ordered item.
type Line struct {
	LineID       id.ID          `db:"line_id" json:"lineId"`
	LineNo       int            `db:"line_no" json:"lineNo"`
	ItemID       id.ID          `db:"item_id" json:"itemId"`
	Qty          types.Quantity `db:"qty" json:"qty"`
	QtyFulfilled types.Quantity `db:"qty_fulfilled" json:"qtyFulfilled"`
}

// Remaining returns qty - qtyFulfilled, never negative.
func (l Line) Remaining() types.Quantity {
	return (l.Qty - l.QtyFulfilled).Max(0)
}

// SalesOrder is the aggregate the coordinator mutates.
type SalesOrder struct {
	ID       id.ID  `db:"id" json:"id"`
	TenantID string `db:"tenant_id" json:"tenantId"`
	Number   string `db:"number" json:"number"`
	Status   Status `db:"status" json:"status"`

	// Reserved maps line ID to the quantity currently reserved for it.
	// Entries are zeroed, never removed.
	Reserved map[id.ID]types.Quantity `db:"reserved" json:"reserved"`

	Version   int       `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`

	Lines []Line `db:"-" json:"lines"`
}

// NewSalesOrder creates a draft order.
func NewSalesOrder(tenantID string) *SalesOrder {
	now := time.Now().UTC()
	return &SalesOrder{
		ID:        id.New(),
		TenantID:  tenantID,
		Status:    StatusDraft,
		Reserved:  make(map[id.ID]types.Quantity),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		Lines:     make([]Line, 0),
	}
}

// AddLine appends a line and returns its ID.
func (o *SalesOrder) AddLine(itemID id.ID, qty types.Quantity) id.ID {
	line := Line{
		LineID: id.New(),
		LineNo: len(o.Lines) + 1,
		ItemID: itemID,
		Qty:    qty,
	}
	o.Lines = append(o.Lines, line)
	return line.LineID
}

// Line returns a pointer to the line with the given ID.
func (o *SalesOrder) Line(lineID id.ID) (*Line, bool) {
	for i := range o.Lines {
		if o.Lines[i].LineID == lineID {
			return &o.Lines[i], true
		}
	}
	return nil, false
}

// ReservedFor returns the reservation held for a line.
func (o *SalesOrder) ReservedFor(lineID id.ID) types.Quantity {
	return o.Reserved[lineID]
}

// MaxReservable is qty - qtyFulfilled - alreadyReserved, never negative.
func (o *SalesOrder) MaxReservable(l *Line) types.Quantity {
	return (l.Remaining() - o.Reserved[l.LineID]).Max(0)
}

// TotalReserved sums every line's reservation.
func (o *SalesOrder) TotalReserved() types.Quantity {
	var total types.Quantity
	for _, q := range o.Reserved {
		total += q
	}
	return total
}

// Validate checks the order before it is first stored.
func (o *SalesOrder) Validate() error {
	if o.TenantID == "" {
		return apperror.NewValidation("tenant is required").WithDetail("field", "tenantId")
	}
	if len(o.Lines) == 0 {
		return apperror.NewValidation("at least one line is required").WithDetail("field", "lines")
	}
	seen := make(map[id.ID]struct{}, len(o.Lines))
	for i, line := range o.Lines {
		if id.IsNil(line.LineID) {
			return apperror.NewValidation("line id is required").WithDetail("lineNo", i+1)
		}
		if _, dup := seen[line.LineID]; dup {
			return apperror.NewValidation("duplicate line id").WithDetail("lineNo", i+1)
		}
		seen[line.LineID] = struct{}{}
		if id.IsNil(line.ItemID) {
			return apperror.NewValidation("item is required").
				WithDetail("field", "lines").
				WithDetail("lineNo", i+1)
		}
		if !line.Qty.IsPositive() {
			return apperror.NewValidation("quantity must be positive").
				WithDetail("field", "lines").
				WithDetail("lineNo", i+1)
		}
	}
	return nil
}

// RecomputeStatus derives the fulfillment status after a fulfill call.
// progressed tells whether that call fulfilled anything.
func (o *SalesOrder) RecomputeStatus(progressed bool) {
	if o.Status.Terminal() {
		return
	}
	done := true
	for _, l := range o.Lines {
		if l.QtyFulfilled < l.Qty {
			done = false
			break
		}
	}
	switch {
	case done:
		o.Status = StatusFulfilled
	case progressed:
		o.Status = StatusPartiallyFulfilled
	}
}

// Snapshot is the audited view of the order.
func (o *SalesOrder) Snapshot() map[string]any {
	lines := make([]map[string]any, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, map[string]any{
			"lineId":       l.LineID.String(),
			"itemId":       l.ItemID.String(),
			"qty":          l.Qty.String(),
			"qtyFulfilled": l.QtyFulfilled.String(),
			"reserved":     o.Reserved[l.LineID].String(),
		})
	}
	return map[string]any{
		"status":  string(o.Status),
		"version": o.Version,
		"lines":   lines,
	}
}

// Clone returns a deep copy.
func (o *SalesOrder) Clone() *SalesOrder {
	cp := *o
	cp.Lines = append([]Line(nil), o.Lines...)
	cp.Reserved = make(map[id.ID]types.Quantity, len(o.Reserved))
	for k, v := range o.Reserved {
		cp.Reserved[k] = v
	}
	return &cp
}
