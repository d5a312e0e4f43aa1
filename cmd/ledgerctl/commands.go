package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"stockledger/internal/app"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/documents/sales_order"
	"stockledger/internal/domain/operations"
	"stockledger/internal/domain/registers/stock"
)

type commandFunc func(ctx context.Context, a *app.App, args []string) (any, error)

var stockCommands = map[string]commandFunc{
	"on-hand": func(ctx context.Context, a *app.App, args []string) (any, error) {
		tenant, item, err := parseItemQuery("on-hand", args)
		if err != nil {
			return nil, err
		}
		return a.Stock.GetOnHand(ctx, tenant, item)
	},
	"locations": func(ctx context.Context, a *app.App, args []string) (any, error) {
		tenant, item, err := parseItemQuery("locations", args)
		if err != nil {
			return nil, err
		}
		return a.Stock.LocationBalances(ctx, tenant, item)
	},
	"movements": func(ctx context.Context, a *app.App, args []string) (any, error) {
		q, err := parseMovements(args)
		if err != nil {
			return nil, err
		}
		return a.Stock.ListMovements(ctx, q.tenant, q.item, q.filter)
	},
	"apply-delta": func(ctx context.Context, a *app.App, args []string) (any, error) {
		q, err := parseApplyDelta(args)
		if err != nil {
			return nil, err
		}
		return a.Stock.ApplyDeltaWithRetry(ctx, q.tenant, q.item, q.dOnHand.v, q.dReserved.v)
	},
	"adjust": func(ctx context.Context, a *app.App, args []string) (any, error) {
		req, err := parseAdjust(args)
		if err != nil {
			return nil, err
		}
		return a.Operations.Adjust(ctx, req)
	},
	"putaway": func(ctx context.Context, a *app.App, args []string) (any, error) {
		req, err := parsePutaway(args)
		if err != nil {
			return nil, err
		}
		return a.Operations.Putaway(ctx, req)
	},
	"receive": func(ctx context.Context, a *app.App, args []string) (any, error) {
		req, err := parseReceive(args)
		if err != nil {
			return nil, err
		}
		return a.Operations.Receive(ctx, req)
	},
	"cycle-count": func(ctx context.Context, a *app.App, args []string) (any, error) {
		req, err := parseCycleCount(args)
		if err != nil {
			return nil, err
		}
		return a.Operations.CycleCount(ctx, req)
	},
	"reconcile": reconcile,
}

func reconcile(ctx context.Context, a *app.App, args []string) (any, error) {
	fs := newCommandFlags("reconcile", os.Stderr)
	item := &idValue{}
	fs.Var(item, "item", "item id; omit to sweep every counter of the tenant")
	repair := fs.Bool("repair", false, "rewrite drifted counters from the ledger")
	batch := fs.Int("batch", 500, "counters per page when sweeping")
	if err := fs.parse(args); err != nil {
		return nil, err
	}

	if id.IsNil(item.v) {
		return a.Stock.ReconcileAll(ctx, fs.tenant, *repair, *batch)
	}
	if *repair {
		return a.Stock.Repair(ctx, fs.tenant, item.v)
	}
	return a.Stock.Reconcile(ctx, fs.tenant, item.v)
}

func parseItemQuery(name string, args []string) (string, id.ID, error) {
	fs := newCommandFlags(name, os.Stderr)
	item := fs.item()
	if err := fs.parse(args); err != nil {
		return "", id.Nil(), err
	}
	if err := requireID("item", item); err != nil {
		return "", id.Nil(), err
	}
	return fs.tenant, item.v, nil
}

type movementsQuery struct {
	tenant string
	item   id.ID
	filter stock.MovementFilter
}

func parseMovements(args []string) (movementsQuery, error) {
	fs := newCommandFlags("movements", os.Stderr)
	item := fs.item()
	location := fs.String("location", "", "only movements at this location")
	action := fs.String("action", "", "only movements of this action")
	from := fs.String("from", "", "only movements at or after this RFC 3339 time")
	to := fs.String("to", "", "only movements before this RFC 3339 time")
	newest := fs.Bool("newest-first", false, "newest movements first")
	limit := fs.Int("limit", 100, "page size")
	offset := fs.Int("offset", 0, "rows to skip")
	if err := fs.parse(args); err != nil {
		return movementsQuery{}, err
	}
	if err := requireID("item", item); err != nil {
		return movementsQuery{}, err
	}

	q := movementsQuery{
		tenant: fs.tenant,
		item:   item.v,
		filter: stock.MovementFilter{NewestFirst: *newest, Limit: *limit, Offset: *offset},
	}
	if *location != "" {
		q.filter.LocationID = location
	}
	if *action != "" {
		a := entity.MovementAction(*action)
		if !a.Valid() {
			return movementsQuery{}, fmt.Errorf("unknown action %q", *action)
		}
		q.filter.Action = &a
	}
	var err error
	if q.filter.FromTime, err = parseTime("from", *from); err != nil {
		return movementsQuery{}, err
	}
	if q.filter.ToTime, err = parseTime("to", *to); err != nil {
		return movementsQuery{}, err
	}
	return q, nil
}

func parseTime(name, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &t, nil
}

type deltaQuery struct {
	tenant    string
	item      id.ID
	dOnHand   qtyValue
	dReserved qtyValue
}

func parseApplyDelta(args []string) (deltaQuery, error) {
	fs := newCommandFlags("apply-delta", os.Stderr)
	item := fs.item()
	var q deltaQuery
	fs.Var(&q.dOnHand, "on-hand", "signed on-hand delta")
	fs.Var(&q.dReserved, "reserved", "signed reserved delta")
	if err := fs.parse(args); err != nil {
		return deltaQuery{}, err
	}
	if err := requireID("item", item); err != nil {
		return deltaQuery{}, err
	}
	q.tenant, q.item = fs.tenant, item.v
	return q, nil
}

func parseAdjust(args []string) (operations.AdjustRequest, error) {
	fs := newCommandFlags("adjust", os.Stderr)
	item := fs.item()
	delta := fs.qty("delta", "signed on-hand change (required)")
	var req operations.AdjustRequest
	fs.StringVar(&req.LocationID, "location", "", "location id")
	fs.StringVar(&req.Lot, "lot", "", "lot or batch")
	fs.StringVar(&req.Note, "note", "", "free-text note")
	fs.StringVar(&req.IdempotencyKey, "key", "", "idempotency key")
	if err := fs.parse(args); err != nil {
		return req, err
	}
	if err := requireID("item", item); err != nil {
		return req, err
	}
	req.TenantID, req.ItemID, req.Delta = fs.tenant, item.v, delta.v
	return req, nil
}

func parsePutaway(args []string) (operations.PutawayRequest, error) {
	fs := newCommandFlags("putaway", os.Stderr)
	item := fs.item()
	qty := fs.qty("qty", "quantity placed (required)")
	var req operations.PutawayRequest
	fs.StringVar(&req.ToLocationID, "to", "", "destination location (required)")
	fs.StringVar(&req.FromLocationID, "from", "", "source location, recorded for audit")
	fs.StringVar(&req.Lot, "lot", "", "lot or batch")
	fs.StringVar(&req.Note, "note", "", "free-text note")
	fs.StringVar(&req.IdempotencyKey, "key", "", "idempotency key")
	if err := fs.parse(args); err != nil {
		return req, err
	}
	if err := requireID("item", item); err != nil {
		return req, err
	}
	req.TenantID, req.ItemID, req.Qty = fs.tenant, item.v, qty.v
	return req, nil
}

func parseReceive(args []string) (operations.ReceiveRequest, error) {
	fs := newCommandFlags("receive", os.Stderr)
	item := fs.item()
	qty := fs.qty("qty", "quantity received (required)")
	var req operations.ReceiveRequest
	fs.StringVar(&req.LocationID, "location", "", "receiving location")
	fs.StringVar(&req.Lot, "lot", "", "lot or batch")
	fs.StringVar(&req.Note, "note", "", "free-text note")
	fs.StringVar(&req.IdempotencyKey, "key", "", "idempotency key")
	if err := fs.parse(args); err != nil {
		return req, err
	}
	if err := requireID("item", item); err != nil {
		return req, err
	}
	req.TenantID, req.ItemID, req.Qty = fs.tenant, item.v, qty.v
	return req, nil
}

func parseCycleCount(args []string) (operations.CycleCountRequest, error) {
	fs := newCommandFlags("cycle-count", os.Stderr)
	item := fs.item()
	counted := fs.qty("counted", "physically counted quantity (required)")
	var req operations.CycleCountRequest
	fs.StringVar(&req.LocationID, "location", "", "count a single location")
	fs.StringVar(&req.Note, "note", "", "free-text note")
	fs.StringVar(&req.IdempotencyKey, "key", "", "idempotency key")
	if err := fs.parse(args); err != nil {
		return req, err
	}
	if err := requireID("item", item); err != nil {
		return req, err
	}
	if !isSet(fs, "counted") {
		return req, errors.New("--counted is required")
	}
	req.TenantID, req.ItemID, req.Counted = fs.tenant, item.v, counted.v
	return req, nil
}

func isSet(fs *commandFlags, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

const orderUsage = `Usage:
  ledgerctl order create  --tenant T --item <item-id>:<qty> [--item ...] [--submit]
  ledgerctl order get     --tenant T --order O
  ledgerctl order list    --tenant T [--status S] [--limit N] [--offset N]
  ledgerctl order submit  --tenant T --order O
  ledgerctl order reserve --tenant T --order O --line <line-id>:<qty> [--line ...] [--strict]
  ledgerctl order fulfill --tenant T --order O --line <line-id>:<qty> [--line ...] [--key K]
  ledgerctl order release --tenant T --order O --line <line-id>:<qty> [--line ...]
  ledgerctl order cancel  --tenant T --order O
  ledgerctl order close   --tenant T --order O`

func runOrder(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	if len(args) == 0 || isHelp(args[0]) {
		fmt.Fprintln(out, orderUsage)
		return nil
	}
	sub, rest := args[0], args[1:]

	var (
		result any
		err    error
	)
	switch sub {
	case "create":
		result, err = createOrder(ctx, a.Orders, rest)
	case "get":
		var q orderQuery
		if q, err = parseOrderQuery("get", rest, false); err == nil {
			result, err = a.Orders.Get(ctx, q.tenant, q.order)
		}
	case "list":
		result, err = listOrders(ctx, a.Orders, rest)
	case "submit":
		var q orderQuery
		if q, err = parseOrderQuery("submit", rest, false); err == nil {
			result, err = a.Orders.Submit(ctx, q.tenant, q.order)
		}
	case "reserve":
		var q orderQuery
		if q, err = parseOrderQuery("reserve", rest, true); err == nil {
			result, err = a.Orders.Reserve(ctx, q.tenant, q.order, q.lines, q.strict)
		}
	case "fulfill":
		var q orderQuery
		if q, err = parseOrderQuery("fulfill", rest, true); err == nil {
			result, err = a.Orders.Fulfill(ctx, q.tenant, q.order, q.lines, q.key)
		}
	case "release":
		var q orderQuery
		if q, err = parseOrderQuery("release", rest, true); err == nil {
			result, err = a.Orders.Release(ctx, q.tenant, q.order, q.lines)
		}
	case "cancel":
		var q orderQuery
		if q, err = parseOrderQuery("cancel", rest, false); err == nil {
			result, err = a.Orders.Cancel(ctx, q.tenant, q.order)
		}
	case "close":
		var q orderQuery
		if q, err = parseOrderQuery("close", rest, false); err == nil {
			result, err = a.Orders.Close(ctx, q.tenant, q.order)
		}
	default:
		return fmt.Errorf("unknown order command %q\n%s", sub, orderUsage)
	}

	// A partial application still returns the per-line result.
	if result != nil && !isNilResult(result) {
		if printErr := printJSON(out, result); printErr != nil {
			return printErr
		}
	}
	return err
}

func isNilResult(v any) bool {
	switch r := v.(type) {
	case *sales_order.Result:
		return r == nil
	case *sales_order.SalesOrder:
		return r == nil
	}
	return false
}

type orderQuery struct {
	tenant string
	order  id.ID
	lines  []sales_order.LineRequest
	strict bool
	key    string
}

func parseOrderQuery(name string, args []string, withLines bool) (orderQuery, error) {
	fs := newCommandFlags("order "+name, os.Stderr)
	order := fs.order()
	var (
		q     orderQuery
		lines lineList
	)
	if withLines {
		fs.Var(&lines, "line", "<line-id>:<qty>, repeatable (required)")
	}
	if name == "reserve" {
		fs.BoolVar(&q.strict, "strict", false, "fail a line that cannot be reserved in full")
	}
	if name == "fulfill" {
		fs.StringVar(&q.key, "key", "", "idempotency key")
	}
	if err := fs.parse(args); err != nil {
		return q, err
	}
	if err := requireID("order", order); err != nil {
		return q, err
	}
	if withLines && len(lines) == 0 {
		return q, errors.New("at least one --line is required")
	}
	q.tenant, q.order, q.lines = fs.tenant, order.v, lines
	return q, nil
}

func parseCreate(args []string) (*sales_order.SalesOrder, bool, error) {
	fs := newCommandFlags("order create", os.Stderr)
	var items itemList
	fs.Var(&items, "item", "<item-id>:<qty>, repeatable (required)")
	submit := fs.Bool("submit", false, "submit the order after creating it")
	if err := fs.parse(args); err != nil {
		return nil, false, err
	}
	if len(items) == 0 {
		return nil, false, errors.New("at least one --item is required")
	}

	order := sales_order.NewSalesOrder(fs.tenant)
	for _, it := range items {
		order.AddLine(it.ItemID, it.Qty)
	}
	return order, *submit, nil
}

func createOrder(ctx context.Context, orders *sales_order.Service, args []string) (any, error) {
	order, submit, err := parseCreate(args)
	if err != nil {
		return nil, err
	}
	if err := orders.Create(ctx, order); err != nil {
		return nil, err
	}
	if !submit {
		return order, nil
	}
	if _, err := orders.Submit(ctx, order.TenantID, order.ID); err != nil {
		return order, err
	}
	return orders.Get(ctx, order.TenantID, order.ID)
}

func listOrders(ctx context.Context, orders *sales_order.Service, args []string) (any, error) {
	filter, err := parseList(args)
	if err != nil {
		return nil, err
	}
	return orders.List(ctx, filter)
}

func parseList(args []string) (sales_order.ListFilter, error) {
	fs := newCommandFlags("order list", os.Stderr)
	status := fs.String("status", "", "only orders in this status")
	var filter sales_order.ListFilter
	fs.IntVar(&filter.Limit, "limit", 50, "page size")
	fs.IntVar(&filter.Offset, "offset", 0, "rows to skip")
	if err := fs.parse(args); err != nil {
		return filter, err
	}
	filter.TenantID = fs.tenant
	if *status != "" {
		s := sales_order.Status(*status)
		filter.Status = &s
	}
	return filter, nil
}
