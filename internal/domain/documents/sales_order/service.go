package sales_order

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockledger/internal/core/apperror"
	appctx "stockledger/internal/core/context"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tx"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/audit"
	"stockledger/internal/domain/events"
	"stockledger/internal/domain/idempotency"
	"stockledger/internal/domain/registers/stock"
	"stockledger/pkg/logger"
)

var tracer = otel.Tracer("stockledger/sales_order")

const entityType = "sales_order"

// OperationFulfill scopes fulfillment idempotency keys.
const OperationFulfill = "sales_order.fulfill"

// LineRequest asks to change one line by Qty.
type LineRequest struct {
	LineID id.ID          `json:"lineId"`
	Qty    types.Quantity `json:"qty"`
}

// Outcome of one line in a multi-line call.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeFailed       Outcome = "failed"
	OutcomeNotAttempted Outcome = "not_attempted"
)

// LineResult reports what happened to one requested line.
type LineResult struct {
	LineID    id.ID          `json:"lineId"`
	ItemID    id.ID          `json:"itemId"`
	Requested types.Quantity `json:"requested"`
	Applied   types.Quantity `json:"applied"`
	Outcome   Outcome        `json:"outcome"`
	Reason    string         `json:"reason,omitempty"`
}

// Result is returned by every coordinator operation. On partial application
// it is returned together with the error so callers can see which lines
// went through.
type Result struct {
	Order    *SalesOrder  `json:"order"`
	Lines    []LineResult `json:"lines,omitempty"`
	Replayed bool         `json:"replayed,omitempty"`

	failure error
}

// AppliedCount returns how many lines were applied.
func (r *Result) AppliedCount() int {
	n := 0
	for _, l := range r.Lines {
		if l.Outcome == OutcomeApplied {
			n++
		}
	}
	return n
}

func (r *Result) failedCount() int {
	n := 0
	for _, l := range r.Lines {
		if l.Outcome == OutcomeFailed || l.Outcome == OutcomeNotAttempted {
			n++
		}
	}
	return n
}

// StatusChanged is the payload of events.TypeOrderStatusChanged.
type StatusChanged struct {
	OrderID id.ID  `json:"orderId"`
	Number  string `json:"number,omitempty"`
	From    Status `json:"from"`
	To      Status `json:"to"`
}

// LinesChanged is the payload of reservation and fulfillment events.
type LinesChanged struct {
	OrderID id.ID        `json:"orderId"`
	Status  Status       `json:"status"`
	Lines   []LineResult `json:"lines"`
}

// Service coordinates sales orders with the stock register.
type Service struct {
	repo      Repository
	stock     *stock.Service
	txManager tx.Manager
	guard     idempotency.Guard
	events    events.Publisher
	audit     audit.Recorder
	numberer  Numberer
}

// Option configures Service.
type Option func(*Service)

// WithEvents sets the order event publisher.
func WithEvents(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithAudit sets the audit recorder.
func WithAudit(r audit.Recorder) Option {
	return func(s *Service) { s.audit = r }
}

// WithNumberer assigns numbers to orders created without one.
func WithNumberer(n Numberer) Option {
	return func(s *Service) { s.numberer = n }
}

// NewService creates a new sales order service.
// The guard should share txManager's transaction so a fulfillment and its
// idempotency key commit together.
func NewService(repo Repository, stockSvc *stock.Service, txManager tx.Manager, guard idempotency.Guard, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		stock:     stockSvc,
		txManager: txManager,
		guard:     guard,
		events:    events.Nop{},
		audit:     audit.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new draft order.
func (s *Service) Create(ctx context.Context, order *SalesOrder) error {
	if err := order.Validate(); err != nil {
		return err
	}
	if order.Reserved == nil {
		order.Reserved = make(map[id.ID]types.Quantity)
	}
	if order.Number == "" && s.numberer != nil {
		number, err := s.numberer.Next(ctx, order.TenantID)
		if err != nil {
			return fmt.Errorf("generate number: %w", err)
		}
		order.Number = number
	}

	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, order); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		if err := s.record(ctx, order, nil, audit.ActionCreate); err != nil {
			return err
		}
		return s.events.Publish(ctx, events.Event{
			TenantID:      order.TenantID,
			AggregateType: events.AggregateSalesOrder,
			AggregateID:   order.ID.String(),
			EventType:     events.TypeOrderCreated,
			Payload:       order,
		})
	})
	if err != nil {
		return err
	}

	logger.Info(ctx, "sales order created", "id", order.ID, "number", order.Number, "lines", len(order.Lines))
	return nil
}

// Get returns an order with its lines.
func (s *Service) Get(ctx context.Context, tenantID string, orderID id.ID) (*SalesOrder, error) {
	return s.repo.GetByID(ctx, tenantID, orderID)
}

// List returns orders matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*SalesOrder, error) {
	return s.repo.List(ctx, filter)
}

// Submit moves a draft order to submitted. Submitting a submitted order is a no-op.
func (s *Service) Submit(ctx context.Context, tenantID string, orderID id.ID) (*Result, error) {
	return s.run(ctx, "submit", tenantID, orderID, func(ctx context.Context, order *SalesOrder) (*Result, error) {
		switch order.Status {
		case StatusSubmitted:
			return &Result{Order: order}, nil
		case StatusDraft:
		default:
			return nil, apperror.NewInvalidTransition(entityType, string(order.Status), "submit")
		}
		before := order.Snapshot()
		if err := s.transition(ctx, order, StatusSubmitted); err != nil {
			return nil, err
		}
		if err := s.save(ctx, order, before, audit.ActionSubmit); err != nil {
			return nil, err
		}
		return &Result{Order: order}, nil
	})
}

// Reserve reserves stock for order lines.
//
// Each line is clamped to what is left to reserve (qty - fulfilled - reserved);
// lines with nothing left are skipped. With strict set, a request above that
// bound fails the whole call with ExceedsRemaining before anything changes.
// A line whose item does not have enough on hand fails with
// InsufficientOnHand; lines before it stay reserved and are reported in the
// result next to the error.
func (s *Service) Reserve(ctx context.Context, tenantID string, orderID id.ID, lines []LineRequest, strict bool) (*Result, error) {
	return s.run(ctx, "reserve", tenantID, orderID, func(ctx context.Context, order *SalesOrder) (*Result, error) {
		if order.Status.Terminal() {
			return nil, apperror.NewInvalidTransition(entityType, string(order.Status), "reserve")
		}
		if err := validateRequests(order, lines); err != nil {
			return nil, err
		}
		if strict {
			if err := checkReservable(order, lines); err != nil {
				return nil, err
			}
		}

		before := order.Snapshot()
		res := s.applyLines(ctx, order, lines, s.reserveLine)
		if res.AppliedCount() > 0 {
			if err := s.save(ctx, order, before, audit.ActionReserve); err != nil {
				return nil, err
			}
			if err := s.publishLines(ctx, order, events.TypeOrderReservation, res.Lines); err != nil {
				return nil, err
			}
		}
		return res, nil
	})
}

func (s *Service) reserveLine(ctx context.Context, order *SalesOrder, line *Line, req LineRequest) (LineResult, error) {
	r := LineResult{LineID: line.LineID, ItemID: line.ItemID, Requested: req.Qty}

	applied := req.Qty.Min(order.MaxReservable(line))
	if !applied.IsPositive() {
		r.Outcome = OutcomeSkipped
		r.Reason = "nothing left to reserve"
		return r, nil
	}

	avail, err := s.stock.GetOnHand(ctx, order.TenantID, line.ItemID)
	if err != nil {
		return r, err
	}
	if avail.OnHand < applied {
		return r, apperror.NewInsufficientOnHand(line.ItemID.String(), applied.String(), avail.OnHand.String()).
			WithDetail("line_id", line.LineID.String())
	}

	m := entity.NewStockMovement(order.TenantID, line.ItemID, entity.ActionSaleReserve, 0).
		WithSource(entity.SourceSalesOrder, order.ID, line.LineID)
	m.ReservedDelta = applied
	if _, err := s.stock.Post(ctx, m); err != nil {
		return r, err
	}

	order.Reserved[line.LineID] += applied
	r.Applied = applied
	r.Outcome = OutcomeApplied
	return r, nil
}

// Fulfill ships quantity for order lines.
//
// Each line is clamped to qty - fulfilled. The shipped quantity is taken from
// the line's reservation first, and the rest straight from on-hand. With a
// non-empty idempotencyKey a repeated call returns the order as it is without
// touching stock.
func (s *Service) Fulfill(ctx context.Context, tenantID string, orderID id.ID, lines []LineRequest, idempotencyKey string) (*Result, error) {
	return s.run(ctx, "fulfill", tenantID, orderID, func(ctx context.Context, order *SalesOrder) (*Result, error) {
		if order.Status.Terminal() {
			return nil, apperror.NewInvalidTransition(entityType, string(order.Status), "fulfill")
		}

		scope := idempotency.Scope{TenantID: tenantID, Operation: OperationFulfill, ResourceID: orderID.String()}
		if idempotencyKey != "" {
			// The key alone identifies the fulfillment: a reused key is a
			// no-op whatever lines it carries.
			fp, err := idempotency.Fingerprint(orderID)
			if err != nil {
				return nil, err
			}
			rec, err := s.guard.Begin(ctx, scope, idempotencyKey, fp)
			if err != nil {
				return nil, err
			}
			if rec != nil {
				res := &Result{Order: order, Replayed: true}
				if err := rec.Decode(&res.Lines); err != nil {
					logger.Warn(ctx, "stored fulfillment outcome unreadable", "key", idempotencyKey, "error", err)
				}
				logger.Info(ctx, "fulfillment replayed", "order_id", orderID, "key", idempotencyKey)
				return res, nil
			}
		}

		res, err := s.fulfill(ctx, order, lines)
		if idempotencyKey == "" {
			return res, err
		}
		if err != nil || res.AppliedCount() == 0 {
			if abortErr := s.guard.Abort(ctx, scope, idempotencyKey); abortErr != nil {
				logger.Warn(ctx, "release idempotency key failed", "key", idempotencyKey, "error", abortErr)
			}
			return res, err
		}
		if err := s.guard.Complete(ctx, scope, idempotencyKey, res.Lines); err != nil {
			return nil, fmt.Errorf("complete idempotency key: %w", err)
		}
		return res, nil
	})
}

func (s *Service) fulfill(ctx context.Context, order *SalesOrder, lines []LineRequest) (*Result, error) {
	if err := validateRequests(order, lines); err != nil {
		return nil, err
	}

	before := order.Snapshot()
	res := s.applyLines(ctx, order, lines, s.fulfillLine)
	if res.AppliedCount() == 0 {
		return res, nil
	}

	prev := order.Status
	order.RecomputeStatus(true)
	if order.Status != prev {
		if err := s.publishStatus(ctx, order, prev); err != nil {
			return nil, err
		}
	}
	if err := s.save(ctx, order, before, audit.ActionFulfill); err != nil {
		return nil, err
	}
	if err := s.publishLines(ctx, order, events.TypeOrderFulfilled, res.Lines); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) fulfillLine(ctx context.Context, order *SalesOrder, line *Line, req LineRequest) (LineResult, error) {
	r := LineResult{LineID: line.LineID, ItemID: line.ItemID, Requested: req.Qty}

	applied := req.Qty.Clamp(0, line.Remaining())
	if !applied.IsPositive() {
		r.Outcome = OutcomeSkipped
		r.Reason = "nothing left to fulfill"
		return r, nil
	}
	fromReserved := order.Reserved[line.LineID].Min(applied)

	m := entity.NewStockMovement(order.TenantID, line.ItemID, entity.ActionSaleFulfill, applied.Neg()).
		WithSource(entity.SourceSalesOrder, order.ID, line.LineID)
	m.ReservedDelta = fromReserved.Neg()
	if _, err := s.stock.Post(ctx, m); err != nil {
		return r, err
	}

	line.QtyFulfilled += applied
	order.Reserved[line.LineID] -= fromReserved
	r.Applied = applied
	r.Outcome = OutcomeApplied
	return r, nil
}

// Release gives back up to Qty of each line's reservation.
func (s *Service) Release(ctx context.Context, tenantID string, orderID id.ID, lines []LineRequest) (*Result, error) {
	return s.run(ctx, "release", tenantID, orderID, func(ctx context.Context, order *SalesOrder) (*Result, error) {
		if order.Status.Terminal() {
			return nil, apperror.NewInvalidTransition(entityType, string(order.Status), "release")
		}
		if err := validateRequests(order, lines); err != nil {
			return nil, err
		}

		before := order.Snapshot()
		res := s.applyLines(ctx, order, lines, s.releaseLine)
		if res.AppliedCount() > 0 {
			if err := s.save(ctx, order, before, audit.ActionRelease); err != nil {
				return nil, err
			}
			if err := s.publishLines(ctx, order, events.TypeOrderReservation, res.Lines); err != nil {
				return nil, err
			}
		}
		return res, nil
	})
}

func (s *Service) releaseLine(ctx context.Context, order *SalesOrder, line *Line, req LineRequest) (LineResult, error) {
	r := LineResult{LineID: line.LineID, ItemID: line.ItemID, Requested: req.Qty}

	applied := req.Qty.Min(order.Reserved[line.LineID])
	if !applied.IsPositive() {
		r.Outcome = OutcomeSkipped
		r.Reason = "nothing reserved"
		return r, nil
	}

	m := entity.NewStockMovement(order.TenantID, line.ItemID, entity.ActionSaleReserveRelease, 0).
		WithSource(entity.SourceSalesOrder, order.ID, line.LineID)
	m.ReservedDelta = applied.Neg()
	if _, err := s.stock.Post(ctx, m); err != nil {
		return r, err
	}

	order.Reserved[line.LineID] -= applied
	r.Applied = applied
	r.Outcome = OutcomeApplied
	return r, nil
}

// Cancel releases every reservation and marks the order cancelled.
// Cancelling a cancelled order is a no-op; a closed order cannot be cancelled.
// If a release fails the order keeps its status, and the lines released
// before the failure stay released.
func (s *Service) Cancel(ctx context.Context, tenantID string, orderID id.ID) (*Result, error) {
	return s.finish(ctx, "cancel", tenantID, orderID, StatusCancelled, StatusClosed, audit.ActionCancel)
}

// Close releases every reservation and marks the order closed.
// Closing a closed order is a no-op; a cancelled order cannot be closed.
func (s *Service) Close(ctx context.Context, tenantID string, orderID id.ID) (*Result, error) {
	return s.finish(ctx, "close", tenantID, orderID, StatusClosed, StatusCancelled, audit.ActionClose)
}

func (s *Service) finish(ctx context.Context, op, tenantID string, orderID id.ID, target, forbidden Status, action audit.Action) (*Result, error) {
	return s.run(ctx, op, tenantID, orderID, func(ctx context.Context, order *SalesOrder) (*Result, error) {
		switch order.Status {
		case target:
			return &Result{Order: order}, nil
		case forbidden:
			return nil, apperror.NewInvalidTransition(entityType, string(order.Status), op)
		}

		before := order.Snapshot()
		res := s.applyLines(ctx, order, outstanding(order), s.releaseLine)
		if res.failure == nil {
			if err := s.transition(ctx, order, target); err != nil {
				return nil, err
			}
		}
		if res.failure == nil || res.AppliedCount() > 0 {
			if err := s.save(ctx, order, before, action); err != nil {
				return nil, err
			}
		}
		return res, nil
	})
}

// outstanding builds a release request for every positive reservation, in line order.
func outstanding(order *SalesOrder) []LineRequest {
	reqs := make([]LineRequest, 0, len(order.Reserved))
	for _, l := range order.Lines {
		if q := order.Reserved[l.LineID]; q.IsPositive() {
			reqs = append(reqs, LineRequest{LineID: l.LineID, Qty: q})
		}
	}
	return reqs
}

type lineFunc func(ctx context.Context, order *SalesOrder, line *Line, req LineRequest) (LineResult, error)

// applyLines runs fn for each request in order and stops at the first error.
// Requests after the failing one are reported as not attempted.
func (s *Service) applyLines(ctx context.Context, order *SalesOrder, reqs []LineRequest, fn lineFunc) *Result {
	res := &Result{Order: order, Lines: make([]LineResult, 0, len(reqs))}
	for i, req := range reqs {
		line, _ := order.Line(req.LineID)
		r, err := fn(ctx, order, line, req)
		if err != nil {
			r.Outcome = OutcomeFailed
			r.Reason = err.Error()
			res.Lines = append(res.Lines, r)
			for _, rest := range reqs[i+1:] {
				l, _ := order.Line(rest.LineID)
				res.Lines = append(res.Lines, LineResult{
					LineID:    rest.LineID,
					ItemID:    l.ItemID,
					Requested: rest.Qty,
					Outcome:   OutcomeNotAttempted,
				})
			}
			res.failure = err
			logger.Warn(ctx, "order line failed",
				"order_id", order.ID, "line_id", req.LineID, "item_id", line.ItemID, "error", err)
			return res
		}
		res.Lines = append(res.Lines, r)
	}
	return res
}

// run executes fn on the locked order inside one transaction.
//
// fn's error rolls the transaction back. A line failure recorded in the
// result is committed together with the lines applied before it and then
// returned, wrapped in PartialApplication when some lines went through.
// Infrastructure failures of a line roll back like fn errors.
func (s *Service) run(ctx context.Context, op, tenantID string, orderID id.ID, fn func(ctx context.Context, order *SalesOrder) (*Result, error)) (*Result, error) {
	ctx, span := tracer.Start(ctx, "sales_order."+op, trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("order.id", orderID.String()),
	))
	defer span.End()

	if tenantID == "" {
		return nil, apperror.NewValidation("tenant is required").WithDetail("field", "tenantId")
	}

	var res *Result
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		order, err := s.repo.GetForUpdate(ctx, tenantID, orderID)
		if err != nil {
			return err
		}
		res, err = fn(ctx, order)
		if err != nil {
			return err
		}
		if res.failure != nil && !apperror.IsAppError(res.failure) {
			return res.failure
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperror.Code(err))
		return nil, err
	}

	span.SetAttributes(
		attribute.String("order.status", string(res.Order.Status)),
		attribute.Int("lines.applied", res.AppliedCount()),
	)
	if res.failure != nil {
		err := res.failure
		if n := res.AppliedCount(); n > 0 {
			err = apperror.NewPartialApplication(op, n, res.failedCount(), res.failure)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, apperror.Code(err))
		return res, err
	}

	logger.Info(ctx, "sales order "+op,
		"order_id", orderID,
		"status", res.Order.Status,
		"applied", res.AppliedCount(),
		"replayed", res.Replayed,
	)
	return res, nil
}

func (s *Service) transition(ctx context.Context, order *SalesOrder, to Status) error {
	from := order.Status
	order.Status = to
	return s.publishStatus(ctx, order, from)
}

func (s *Service) save(ctx context.Context, order *SalesOrder, before map[string]any, action audit.Action) error {
	order.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, order); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return s.record(ctx, order, before, action)
}

func (s *Service) record(ctx context.Context, order *SalesOrder, before map[string]any, action audit.Action) error {
	err := s.audit.Record(ctx, audit.Entry{
		ID:         id.New(),
		TenantID:   order.TenantID,
		EntityType: entityType,
		EntityID:   order.ID,
		Action:     action,
		ActorID:    appctx.GetActorID(ctx),
		Changes:    audit.Diff(before, order.Snapshot()),
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

func (s *Service) publishStatus(ctx context.Context, order *SalesOrder, from Status) error {
	return s.events.Publish(ctx, events.Event{
		TenantID:      order.TenantID,
		AggregateType: events.AggregateSalesOrder,
		AggregateID:   order.ID.String(),
		EventType:     events.TypeOrderStatusChanged,
		Payload:       StatusChanged{OrderID: order.ID, Number: order.Number, From: from, To: order.Status},
	})
}

func (s *Service) publishLines(ctx context.Context, order *SalesOrder, eventType string, lines []LineResult) error {
	applied := make([]LineResult, 0, len(lines))
	for _, l := range lines {
		if l.Outcome == OutcomeApplied {
			applied = append(applied, l)
		}
	}
	return s.events.Publish(ctx, events.Event{
		TenantID:      order.TenantID,
		AggregateType: events.AggregateSalesOrder,
		AggregateID:   order.ID.String(),
		EventType:     eventType,
		Payload:       LinesChanged{OrderID: order.ID, Status: order.Status, Lines: applied},
	})
}

func validateRequests(order *SalesOrder, reqs []LineRequest) error {
	if len(reqs) == 0 {
		return apperror.NewValidation("no lines requested").WithDetail("field", "lines")
	}
	for i, req := range reqs {
		if _, ok := order.Line(req.LineID); !ok {
			return apperror.NewValidation("line does not belong to order").
				WithDetail("index", i).
				WithDetail("line_id", req.LineID.String())
		}
		if req.Qty.IsNegative() {
			return apperror.NewValidation("quantity must not be negative").
				WithDetail("index", i).
				WithDetail("line_id", req.LineID.String())
		}
	}
	return nil
}

// checkReservable fails if any line, summing repeated requests for it,
// asks for more than it can still reserve.
func checkReservable(order *SalesOrder, reqs []LineRequest) error {
	requested := make(map[id.ID]types.Quantity, len(reqs))
	lineIDs := make([]id.ID, 0, len(reqs))
	for _, req := range reqs {
		if _, seen := requested[req.LineID]; !seen {
			lineIDs = append(lineIDs, req.LineID)
		}
		requested[req.LineID] += req.Qty
	}
	sort.SliceStable(lineIDs, func(i, j int) bool {
		a, _ := order.Line(lineIDs[i])
		b, _ := order.Line(lineIDs[j])
		return a.LineNo < b.LineNo
	})
	for _, lineID := range lineIDs {
		line, _ := order.Line(lineID)
		if limit := order.MaxReservable(line); requested[lineID] > limit {
			return apperror.NewExceedsRemaining(lineID.String(), requested[lineID].String(), limit.String())
		}
	}
	return nil
}
