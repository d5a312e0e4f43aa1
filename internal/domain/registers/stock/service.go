package stock

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tx"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/events"
	"stockledger/pkg/logger"
)

var tracer = otel.Tracer("stockledger/stock")

// RetryPolicy bounds the internal retry of OccConflict.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      8,
		InitialInterval: 2 * time.Millisecond,
		MaxInterval:     100 * time.Millisecond,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}

// Availability is the hot-path view of a counter.
type Availability struct {
	TenantID  string         `json:"tenantId"`
	ItemID    id.ID          `json:"itemId"`
	OnHand    types.Quantity `json:"onHand"`
	Reserved  types.Quantity `json:"reserved"`
	Available types.Quantity `json:"available"`
}

// Service owns every write to counters and the ledger.
type Service struct {
	counters  CounterRepository
	movements MovementRepository
	txManager tx.Manager
	events    events.Publisher
	retry     RetryPolicy
}

// Option configures Service.
type Option func(*Service)

// WithRetryPolicy overrides the OCC retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

// WithEvents sets the publisher for movement events.
func WithEvents(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// NewService creates a new stock register service.
func NewService(counters CounterRepository, movements MovementRepository, txManager tx.Manager, opts ...Option) *Service {
	s := &Service{
		counters:  counters,
		movements: movements,
		txManager: txManager,
		events:    events.Nop{},
		retry:     DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOnHand returns the counter for an item. Missing counters read as zero.
func (s *Service) GetOnHand(ctx context.Context, tenantID string, itemID id.ID) (Availability, error) {
	if err := validateKey(tenantID, itemID); err != nil {
		return Availability{}, err
	}
	c, err := s.counters.GetCounter(ctx, tenantID, itemID)
	if err != nil {
		return Availability{}, fmt.Errorf("get counter: %w", err)
	}
	return Availability{
		TenantID:  tenantID,
		ItemID:    itemID,
		OnHand:    c.OnHand,
		Reserved:  c.Reserved,
		Available: c.Available(),
	}, nil
}

// ApplyDelta performs one read-validate-conditional-write cycle.
//
// It fails with InsufficientQuantity when the result would break
// 0 <= reserved <= onHand, and with OccConflict when another writer changed the
// counter between the read and the write. OccConflict is safe to retry.
func (s *Service) ApplyDelta(ctx context.Context, tenantID string, itemID id.ID, dOnHand, dReserved types.Quantity) (entity.StockCounter, error) {
	if err := validateKey(tenantID, itemID); err != nil {
		return entity.StockCounter{}, err
	}

	if err := s.counters.EnsureCounter(ctx, tenantID, itemID); err != nil {
		return entity.StockCounter{}, fmt.Errorf("ensure counter: %w", err)
	}

	cur, err := s.counters.GetCounter(ctx, tenantID, itemID)
	if err != nil {
		return entity.StockCounter{}, fmt.Errorf("get counter: %w", err)
	}
	if dOnHand == 0 && dReserved == 0 {
		return cur, nil
	}

	next := cur
	next.OnHand += dOnHand
	next.Reserved += dReserved
	next.UpdatedAt = time.Now().UTC()

	if next.OnHand < 0 || next.Reserved < 0 || next.Reserved > next.OnHand {
		return cur, apperror.NewInsufficientQuantity(
			itemID.String(),
			cur.OnHand.String(), cur.Reserved.String(),
			dOnHand.String(), dReserved.String(),
		)
	}

	ok, err := s.counters.CompareAndSwap(ctx, cur, next)
	if err != nil {
		return cur, fmt.Errorf("write counter: %w", err)
	}
	if !ok {
		return cur, apperror.NewOccConflict("stock_counter", counterRef(tenantID, itemID))
	}
	return next, nil
}

// ApplyDeltaWithRetry repeats ApplyDelta while it fails with OccConflict, up to
// the retry policy bound. Every attempt re-reads the counter, so the invariant
// check always runs against the latest state.
func (s *Service) ApplyDeltaWithRetry(ctx context.Context, tenantID string, itemID id.ID, dOnHand, dReserved types.Quantity) (entity.StockCounter, error) {
	var (
		result   entity.StockCounter
		attempts int
	)
	err := backoff.Retry(func() error {
		attempts++
		c, err := s.ApplyDelta(ctx, tenantID, itemID, dOnHand, dReserved)
		if err != nil {
			if apperror.IsOccConflict(err) {
				logger.Debug(ctx, "counter occ conflict, retrying",
					"tenant_id", tenantID, "item_id", itemID, "attempt", attempts)
				return err
			}
			return backoff.Permanent(err)
		}
		result = c
		return nil
	}, s.retry.backOff(ctx))
	if err != nil {
		return entity.StockCounter{}, err
	}
	return result, nil
}

// Post applies the counter delta implied by movements and appends them to the
// ledger in one transaction. All movements must belong to the same item.
func (s *Service) Post(ctx context.Context, movements ...entity.StockMovement) (entity.StockCounter, error) {
	if len(movements) == 0 {
		return entity.StockCounter{}, apperror.NewValidation("no movements to post")
	}
	first := movements[0]
	for i, m := range movements {
		if err := validateMovement(m); err != nil {
			return entity.StockCounter{}, err.WithDetail("index", i)
		}
		if m.TenantID != first.TenantID || m.ItemID != first.ItemID {
			return entity.StockCounter{}, apperror.NewValidation("movements of one posting must share tenant and item").
				WithDetail("index", i)
		}
	}

	ctx, span := tracer.Start(ctx, "stock.post", trace.WithAttributes(
		attribute.String("tenant.id", first.TenantID),
		attribute.String("item.id", first.ItemID.String()),
		attribute.String("movement.action", string(first.Action)),
		attribute.Int("movement.count", len(movements)),
	))
	defer span.End()

	delta := Derive(movements)

	var counter entity.StockCounter
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		c, err := s.ApplyDeltaWithRetry(ctx, first.TenantID, first.ItemID, delta.OnHand, delta.Reserved)
		if err != nil {
			return err
		}
		counter = c

		if err := s.movements.AppendMovements(ctx, movements); err != nil {
			return fmt.Errorf("append movements: %w", err)
		}

		evts := make([]events.Event, 0, len(movements))
		for _, m := range movements {
			evts = append(evts, events.Event{
				TenantID:      m.TenantID,
				AggregateType: events.AggregateStockItem,
				AggregateID:   m.ItemID.String(),
				EventType:     events.TypeMovementRecorded,
				Payload: MovementRecorded{
					Movement: m,
					OnHand:   c.OnHand,
					Reserved: c.Reserved,
				},
			})
		}
		if err := s.events.Publish(ctx, evts...); err != nil {
			return fmt.Errorf("publish movement events: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperror.Code(err))
		return entity.StockCounter{}, err
	}

	logger.Info(ctx, "stock movements posted",
		"tenant_id", first.TenantID,
		"item_id", first.ItemID,
		"action", first.Action,
		"count", len(movements),
		"on_hand", counter.OnHand,
		"reserved", counter.Reserved,
	)
	return counter, nil
}

// LockItem runs fn in a transaction that holds the item's counter row lock.
// Other LockItem calls for the item wait; plain postings still go through the
// compare-and-swap and retry.
func (s *Service) LockItem(ctx context.Context, tenantID string, itemID id.ID, fn func(ctx context.Context) error) error {
	if err := validateKey(tenantID, itemID); err != nil {
		return err
	}
	return s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.counters.EnsureCounter(ctx, tenantID, itemID); err != nil {
			return fmt.Errorf("ensure counter: %w", err)
		}
		if _, err := s.counters.LockCounter(ctx, tenantID, itemID); err != nil {
			return err
		}
		return fn(ctx)
	})
}

// MovementRecorded is the payload of TypeMovementRecorded.
type MovementRecorded struct {
	Movement entity.StockMovement `json:"movement"`
	OnHand   types.Quantity       `json:"onHand"`
	Reserved types.Quantity       `json:"reserved"`
}

// ListMovements returns a page of an item's movements.
func (s *Service) ListMovements(ctx context.Context, tenantID string, itemID id.ID, filter MovementFilter) ([]entity.StockMovement, error) {
	if err := validateKey(tenantID, itemID); err != nil {
		return nil, err
	}
	movements, err := s.movements.ListByItem(ctx, tenantID, itemID, filter.Normalize())
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	return movements, nil
}

// allMovements reads the item's whole ledger oldest first.
func (s *Service) allMovements(ctx context.Context, tenantID string, itemID id.ID, locationID *string) ([]entity.StockMovement, error) {
	var out []entity.StockMovement
	filter := MovementFilter{LocationID: locationID, Limit: MaxMovementLimit}
	for {
		page, err := s.movements.ListByItem(ctx, tenantID, itemID, filter)
		if err != nil {
			return nil, fmt.Errorf("list movements: %w", err)
		}
		out = append(out, page...)
		if len(page) < filter.Limit {
			return out, nil
		}
		filter.Offset += len(page)
	}
}

// DeriveBalance folds the item's ledger. It ignores the counter entirely.
func (s *Service) DeriveBalance(ctx context.Context, tenantID string, itemID id.ID) (Balance, error) {
	if err := validateKey(tenantID, itemID); err != nil {
		return Balance{}, err
	}
	movements, err := s.allMovements(ctx, tenantID, itemID, nil)
	if err != nil {
		return Balance{}, err
	}
	return Derive(movements), nil
}

// DeriveLocationBalance folds the ledger of one location ("" = unassigned).
func (s *Service) DeriveLocationBalance(ctx context.Context, tenantID string, itemID id.ID, locationID string) (Balance, error) {
	if err := validateKey(tenantID, itemID); err != nil {
		return Balance{}, err
	}
	movements, err := s.allMovements(ctx, tenantID, itemID, &locationID)
	if err != nil {
		return Balance{}, err
	}
	return Derive(movements), nil
}

// LocationBalances returns per-location balances derived from the ledger.
func (s *Service) LocationBalances(ctx context.Context, tenantID string, itemID id.ID) ([]LocationBalance, error) {
	if err := validateKey(tenantID, itemID); err != nil {
		return nil, err
	}
	movements, err := s.allMovements(ctx, tenantID, itemID, nil)
	if err != nil {
		return nil, err
	}
	return DeriveByLocation(movements), nil
}

func validateKey(tenantID string, itemID id.ID) error {
	if tenantID == "" {
		return apperror.NewValidation("tenant is required").WithDetail("field", "tenantId")
	}
	if id.IsNil(itemID) {
		return apperror.NewValidation("item is required").WithDetail("field", "itemId")
	}
	return nil
}

func validateMovement(m entity.StockMovement) *apperror.AppError {
	if m.TenantID == "" || id.IsNil(m.ItemID) {
		return apperror.NewValidation("movement requires tenant and item")
	}
	if id.IsNil(m.ID) {
		return apperror.NewValidation("movement id is required")
	}
	if !m.Action.Valid() {
		return apperror.NewValidation("unknown movement action").WithDetail("action", m.Action)
	}
	if m.ReservedDelta != 0 && !m.Action.AffectsReserved() {
		return apperror.NewValidation("action does not carry a reserved delta").WithDetail("action", m.Action)
	}
	if m.Qty == 0 && m.ReservedDelta == 0 {
		return apperror.NewValidation("movement changes nothing")
	}
	return nil
}

func counterRef(tenantID string, itemID id.ID) string {
	return tenantID + "/" + itemID.String()
}
