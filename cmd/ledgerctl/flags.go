package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/documents/sales_order"
)

// idValue is a flag.Value holding a UUID.
type idValue struct{ v id.ID }

func (f *idValue) String() string {
	if id.IsNil(f.v) {
		return ""
	}
	return f.v.String()
}

func (f *idValue) Set(s string) error {
	v, err := id.Parse(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid id %q", s)
	}
	f.v = v
	return nil
}

// qtyValue is a flag.Value holding a decimal quantity.
type qtyValue struct{ v types.Quantity }

func (f *qtyValue) String() string { return f.v.String() }

func (f *qtyValue) Set(s string) error {
	v, err := types.ParseQuantity(s)
	if err != nil {
		return err
	}
	f.v = v
	return nil
}

// lineList collects repeated --line <line-id>:<qty> flags.
type lineList []sales_order.LineRequest

func (l *lineList) String() string {
	parts := make([]string, 0, len(*l))
	for _, r := range *l {
		parts = append(parts, r.LineID.String()+":"+r.Qty.String())
	}
	return strings.Join(parts, ",")
}

func (l *lineList) Set(s string) error {
	lineID, qty, ok := strings.Cut(s, ":")
	if !ok {
		return fmt.Errorf("line %q: expected <line-id>:<qty>", s)
	}
	var req sales_order.LineRequest
	parsedID, err := id.Parse(strings.TrimSpace(lineID))
	if err != nil {
		return fmt.Errorf("line %q: invalid line id", s)
	}
	req.LineID = parsedID
	if req.Qty, err = types.ParseQuantity(strings.TrimSpace(qty)); err != nil {
		return fmt.Errorf("line %q: %w", s, err)
	}
	*l = append(*l, req)
	return nil
}

// itemLine is one --item <item-id>:<qty> of order create.
type itemLine struct {
	ItemID id.ID
	Qty    types.Quantity
}

type itemList []itemLine

func (l *itemList) String() string {
	parts := make([]string, 0, len(*l))
	for _, it := range *l {
		parts = append(parts, it.ItemID.String()+":"+it.Qty.String())
	}
	return strings.Join(parts, ",")
}

func (l *itemList) Set(s string) error {
	itemID, qty, ok := strings.Cut(s, ":")
	if !ok {
		return fmt.Errorf("item %q: expected <item-id>:<qty>", s)
	}
	parsedID, err := id.Parse(strings.TrimSpace(itemID))
	if err != nil {
		return fmt.Errorf("item %q: invalid item id", s)
	}
	q, err := types.ParseQuantity(strings.TrimSpace(qty))
	if err != nil {
		return fmt.Errorf("item %q: %w", s, err)
	}
	*l = append(*l, itemLine{ItemID: parsedID, Qty: q})
	return nil
}

// commandFlags is a FlagSet with the options every command shares.
type commandFlags struct {
	*flag.FlagSet
	tenant string
}

func newCommandFlags(name string, out io.Writer) *commandFlags {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	c := &commandFlags{FlagSet: fs}
	fs.StringVar(&c.tenant, "tenant", "", "tenant id (required)")
	return c
}

func (c *commandFlags) parse(args []string) error {
	if err := c.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(c.tenant) == "" {
		return errors.New("--tenant is required")
	}
	return nil
}

func (c *commandFlags) item() *idValue {
	v := &idValue{}
	c.Var(v, "item", "item id (required)")
	return v
}

func (c *commandFlags) order() *idValue {
	v := &idValue{}
	c.Var(v, "order", "sales order id (required)")
	return v
}

func (c *commandFlags) qty(name, usage string) *qtyValue {
	v := &qtyValue{}
	c.Var(v, name, usage)
	return v
}

func requireID(name string, v *idValue) error {
	if id.IsNil(v.v) {
		return fmt.Errorf("--%s is required", name)
	}
	return nil
}
