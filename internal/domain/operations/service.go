// Package operations provides the single-item warehouse operations:
// receive, adjust, putaway and cycle count.
package operations

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tx"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/idempotency"
	"stockledger/internal/domain/registers/stock"
	"stockledger/pkg/logger"
)

var tracer = otel.Tracer("stockledger/operations")

// AdjustRequest changes on-hand by a signed Delta.
type AdjustRequest struct {
	TenantID       string
	ItemID         id.ID
	Delta          types.Quantity
	LocationID     string
	Lot            string
	Note           string
	IdempotencyKey string
}

// PutawayRequest records Qty arriving at ToLocationID.
type PutawayRequest struct {
	TenantID       string
	ItemID         id.ID
	Qty            types.Quantity
	ToLocationID   string
	FromLocationID string
	Lot            string
	Note           string
	IdempotencyKey string
}

// ReceiveRequest books Qty of incoming goods.
type ReceiveRequest struct {
	TenantID       string
	ItemID         id.ID
	Qty            types.Quantity
	LocationID     string
	Lot            string
	Note           string
	IdempotencyKey string
}

// CycleCountRequest sets on-hand to a physically counted value.
// With LocationID set only that location's ledger is compared.
type CycleCountRequest struct {
	TenantID       string
	ItemID         id.ID
	Counted        types.Quantity
	LocationID     string
	Note           string
	IdempotencyKey string
}

// CycleCountResult is the outcome of a count. Movement is nil when the count
// matched the ledger.
type CycleCountResult struct {
	PriorOnHand types.Quantity        `json:"priorOnHand"`
	Delta       types.Quantity        `json:"delta"`
	Movement    *entity.StockMovement `json:"movement,omitempty"`
}

// Service runs warehouse operations through the stock register.
type Service struct {
	stock     *stock.Service
	txManager tx.Manager
	guard     idempotency.Guard
}

// NewService creates a new operations service. txManager must be the one the
// stock service writes through. guard may be nil, in which case idempotency
// keys are ignored.
func NewService(stockSvc *stock.Service, txManager tx.Manager, guard idempotency.Guard) *Service {
	return &Service{stock: stockSvc, txManager: txManager, guard: guard}
}

// Adjust applies a non-zero on-hand correction.
func (s *Service) Adjust(ctx context.Context, req AdjustRequest) (entity.StockMovement, error) {
	if err := validateItem(req.TenantID, req.ItemID); err != nil {
		return entity.StockMovement{}, err
	}
	if req.Delta.IsZero() {
		return entity.StockMovement{}, apperror.NewValidation("delta must not be zero").WithDetail("field", "delta")
	}

	m := entity.NewStockMovement(req.TenantID, req.ItemID, entity.ActionAdjust, req.Delta)
	m.LocationID = req.LocationID
	m.Lot = req.Lot
	m.Note = req.Note
	return s.post(ctx, "adjust", req.IdempotencyKey, req, m)
}

// Putaway records quantity placed at a destination location. It is a single
// movement at the destination; FromLocationID is kept for audit only.
func (s *Service) Putaway(ctx context.Context, req PutawayRequest) (entity.StockMovement, error) {
	if err := validateItem(req.TenantID, req.ItemID); err != nil {
		return entity.StockMovement{}, err
	}
	if !req.Qty.IsPositive() {
		return entity.StockMovement{}, apperror.NewValidation("quantity must be positive").WithDetail("field", "qty")
	}
	if strings.TrimSpace(req.ToLocationID) == "" {
		return entity.StockMovement{}, apperror.NewValidation("destination location is required").WithDetail("field", "toLocationId")
	}

	m := entity.NewStockMovement(req.TenantID, req.ItemID, entity.ActionPutaway, req.Qty)
	m.LocationID = req.ToLocationID
	m.FromLocationID = req.FromLocationID
	m.Lot = req.Lot
	m.Note = req.Note
	return s.post(ctx, "putaway", req.IdempotencyKey, req, m)
}

// Receive books incoming goods.
func (s *Service) Receive(ctx context.Context, req ReceiveRequest) (entity.StockMovement, error) {
	if err := validateItem(req.TenantID, req.ItemID); err != nil {
		return entity.StockMovement{}, err
	}
	if !req.Qty.IsPositive() {
		return entity.StockMovement{}, apperror.NewValidation("quantity must be positive").WithDetail("field", "qty")
	}

	m := entity.NewStockMovement(req.TenantID, req.ItemID, entity.ActionReceive, req.Qty)
	m.LocationID = req.LocationID
	m.Lot = req.Lot
	m.Note = req.Note
	return s.post(ctx, "receive", req.IdempotencyKey, req, m)
}

// CycleCount compares the counted quantity with on-hand derived from the
// ledger (not the counter) and posts the difference. Reserved is untouched.
func (s *Service) CycleCount(ctx context.Context, req CycleCountRequest) (CycleCountResult, error) {
	if err := validateItem(req.TenantID, req.ItemID); err != nil {
		return CycleCountResult{}, err
	}
	if req.Counted.IsNegative() {
		return CycleCountResult{}, apperror.NewValidation("counted quantity must not be negative").WithDetail("field", "countedQty")
	}

	ctx, span := startSpan(ctx, "cycle_count", req.TenantID, req.ItemID)
	defer span.End()

	scope := idempotency.Scope{TenantID: req.TenantID, Operation: "stock.cycle_count", ResourceID: req.ItemID.String()}
	res, err := once(ctx, s.txManager, s.guard, scope, req.IdempotencyKey, req, func(ctx context.Context) (CycleCountResult, error) {
		var res CycleCountResult
		err := s.stock.LockItem(ctx, req.TenantID, req.ItemID, func(ctx context.Context) error {
			var err error
			res, err = s.cycleCount(ctx, req)
			return err
		})
		return res, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperror.Code(err))
		return CycleCountResult{}, err
	}
	return res, nil
}

// cycleCount runs under the item lock so the fold and the posted delta see
// the same ledger.
func (s *Service) cycleCount(ctx context.Context, req CycleCountRequest) (CycleCountResult, error) {
	var (
		prior stock.Balance
		err   error
	)
	if req.LocationID != "" {
		prior, err = s.stock.DeriveLocationBalance(ctx, req.TenantID, req.ItemID, req.LocationID)
	} else {
		prior, err = s.stock.DeriveBalance(ctx, req.TenantID, req.ItemID)
	}
	if err != nil {
		return CycleCountResult{}, fmt.Errorf("derive on-hand: %w", err)
	}

	res := CycleCountResult{PriorOnHand: prior.OnHand, Delta: req.Counted - prior.OnHand}
	if res.Delta.IsZero() {
		logger.Debug(ctx, "cycle count matches ledger", "item_id", req.ItemID, "on_hand", prior.OnHand)
		return res, nil
	}

	note := fmt.Sprintf("counted=%s prior=%s delta=%s", req.Counted, prior.OnHand, res.Delta)
	if n := strings.TrimSpace(req.Note); n != "" {
		note += "; " + n
	}
	m := entity.NewStockMovement(req.TenantID, req.ItemID, entity.ActionCycleCount, res.Delta)
	m.LocationID = req.LocationID
	m.Note = note
	if _, err := s.stock.Post(ctx, m); err != nil {
		return CycleCountResult{}, err
	}
	res.Movement = &m

	logger.Info(ctx, "cycle count posted",
		"item_id", req.ItemID,
		"location_id", req.LocationID,
		"prior", prior.OnHand,
		"counted", req.Counted,
		"delta", res.Delta,
	)
	return res, nil
}

func (s *Service) post(ctx context.Context, op, key string, req any, m entity.StockMovement) (entity.StockMovement, error) {
	ctx, span := startSpan(ctx, op, m.TenantID, m.ItemID)
	defer span.End()

	scope := idempotency.Scope{TenantID: m.TenantID, Operation: "stock." + op, ResourceID: m.ItemID.String()}
	out, err := once(ctx, s.txManager, s.guard, scope, key, req, func(ctx context.Context) (entity.StockMovement, error) {
		if _, err := s.stock.Post(ctx, m); err != nil {
			return entity.StockMovement{}, err
		}
		return m, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperror.Code(err))
		return entity.StockMovement{}, err
	}
	return out, nil
}

// once runs fn at most once per key. Begin, fn and Complete share one
// transaction, so a key is never left pending behind committed stock. A
// repeated key returns the stored outcome; a failure releases the key.
func once[T any](ctx context.Context, txm tx.Manager, guard idempotency.Guard, scope idempotency.Scope, key string, req any, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if key == "" || guard == nil {
		return fn(ctx)
	}

	fp, err := idempotency.Fingerprint(scope.Operation, req)
	if err != nil {
		return zero, err
	}

	var out T
	err = txm.RunInTransaction(ctx, func(ctx context.Context) error {
		rec, err := guard.Begin(ctx, scope, key, fp)
		if err != nil {
			return err
		}
		if rec != nil {
			if err := rec.Decode(&out); err != nil {
				return fmt.Errorf("decode stored outcome: %w", err)
			}
			logger.Info(ctx, "operation replayed", "operation", scope.Operation, "key", key)
			return nil
		}

		if out, err = fn(ctx); err != nil {
			release(ctx, guard, scope, key)
			return err
		}
		if err := guard.Complete(ctx, scope, key, out); err != nil {
			release(ctx, guard, scope, key)
			return fmt.Errorf("complete idempotency key: %w", err)
		}
		return nil
	})
	if err != nil {
		return zero, err
	}
	return out, nil
}

// release aborts a pending key. In Postgres the rollback already drops it;
// guards outside the transaction need the explicit abort.
func release(ctx context.Context, guard idempotency.Guard, scope idempotency.Scope, key string) {
	if err := guard.Abort(ctx, scope, key); err != nil {
		logger.Warn(ctx, "release idempotency key failed", "key", key, "error", err)
	}
}

func startSpan(ctx context.Context, op, tenantID string, itemID id.ID) (context.Context, trace.Span) {
	return tracer.Start(ctx, "operations."+op, trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("item.id", itemID.String()),
	))
}

func validateItem(tenantID string, itemID id.ID) error {
	if tenantID == "" {
		return apperror.NewValidation("tenant is required").WithDetail("field", "tenantId")
	}
	if id.IsNil(itemID) {
		return apperror.NewValidation("item is required").WithDetail("field", "itemId")
	}
	return nil
}
