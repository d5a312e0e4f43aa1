package stock

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/pkg/logger"
)

// Reconciliation compares an item's counter with the fold of its ledger.
type Reconciliation struct {
	TenantID        string         `json:"tenantId"`
	ItemID          id.ID          `json:"itemId"`
	CounterOnHand   types.Quantity `json:"counterOnHand"`
	CounterReserved types.Quantity `json:"counterReserved"`
	Derived         Balance        `json:"derived"`
	Repaired        bool           `json:"repaired,omitempty"`
}

// OnHandDrift is counter minus ledger.
func (r Reconciliation) OnHandDrift() types.Quantity { return r.CounterOnHand - r.Derived.OnHand }

// ReservedDrift is counter minus ledger.
func (r Reconciliation) ReservedDrift() types.Quantity {
	return r.CounterReserved - r.Derived.Reserved
}

// InSync reports whether counter and ledger agree.
func (r Reconciliation) InSync() bool {
	return r.OnHandDrift() == 0 && r.ReservedDrift() == 0
}

// ReconcileReport summarizes a sweep.
type ReconcileReport struct {
	Checked  int              `json:"checked"`
	Repaired int              `json:"repaired"`
	Drifted  []Reconciliation `json:"drifted,omitempty"`
}

// snapshot reads counter, ledger, counter and accepts the pair only if the
// counter did not move in between. Posts write counter and ledger together, so
// a stable counter means the fold saw the same generation.
func (s *Service) snapshot(ctx context.Context, tenantID string, itemID id.ID) (entity.StockCounter, Balance, error) {
	before, err := s.counters.GetCounter(ctx, tenantID, itemID)
	if err != nil {
		return entity.StockCounter{}, Balance{}, fmt.Errorf("get counter: %w", err)
	}
	derived, err := s.DeriveBalance(ctx, tenantID, itemID)
	if err != nil {
		return entity.StockCounter{}, Balance{}, err
	}
	after, err := s.counters.GetCounter(ctx, tenantID, itemID)
	if err != nil {
		return entity.StockCounter{}, Balance{}, fmt.Errorf("get counter: %w", err)
	}
	if !before.SameGeneration(after) {
		return entity.StockCounter{}, Balance{}, apperror.NewOccConflict("stock_counter", counterRef(tenantID, itemID))
	}
	return after, derived, nil
}

// Reconcile compares the counter with the ledger without changing anything.
func (s *Service) Reconcile(ctx context.Context, tenantID string, itemID id.ID) (Reconciliation, error) {
	if err := validateKey(tenantID, itemID); err != nil {
		return Reconciliation{}, err
	}

	var rec Reconciliation
	err := backoff.Retry(func() error {
		c, derived, err := s.snapshot(ctx, tenantID, itemID)
		if err != nil {
			if apperror.IsOccConflict(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		rec = Reconciliation{
			TenantID:        tenantID,
			ItemID:          itemID,
			CounterOnHand:   c.OnHand,
			CounterReserved: c.Reserved,
			Derived:         derived,
		}
		return nil
	}, s.retry.backOff(ctx))
	return rec, err
}

// Repair overwrites the counter with the ledger fold when they disagree.
// The ledger is the source of truth; the write goes through the same
// conditional update as ApplyDelta so concurrent posts are never lost.
func (s *Service) Repair(ctx context.Context, tenantID string, itemID id.ID) (Reconciliation, error) {
	if err := validateKey(tenantID, itemID); err != nil {
		return Reconciliation{}, err
	}

	var rec Reconciliation
	err := backoff.Retry(func() error {
		c, derived, err := s.snapshot(ctx, tenantID, itemID)
		if err != nil {
			if apperror.IsOccConflict(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		rec = Reconciliation{
			TenantID:        tenantID,
			ItemID:          itemID,
			CounterOnHand:   c.OnHand,
			CounterReserved: c.Reserved,
			Derived:         derived,
		}
		if rec.InSync() {
			return nil
		}
		if derived.OnHand < 0 || derived.Reserved < 0 || derived.Reserved > derived.OnHand {
			return backoff.Permanent(apperror.NewBusinessRule(apperror.CodeInsufficientQuantity,
				"ledger fold violates counter invariants; manual correction required").
				WithDetail("item_id", itemID.String()).
				WithDetail("on_hand", derived.OnHand.String()).
				WithDetail("reserved", derived.Reserved.String()))
		}

		if err := s.counters.EnsureCounter(ctx, tenantID, itemID); err != nil {
			return backoff.Permanent(fmt.Errorf("ensure counter: %w", err))
		}
		next := c
		next.TenantID = tenantID
		next.ItemID = itemID
		next.OnHand = derived.OnHand
		next.Reserved = derived.Reserved
		next.UpdatedAt = time.Now().UTC()
		ok, err := s.counters.CompareAndSwap(ctx, c, next)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("write counter: %w", err))
		}
		if !ok {
			return apperror.NewOccConflict("stock_counter", counterRef(tenantID, itemID))
		}
		rec.Repaired = true
		return nil
	}, s.retry.backOff(ctx))
	if err != nil {
		return rec, err
	}

	if rec.Repaired {
		logger.Warn(ctx, "stock counter repaired from ledger",
			"tenant_id", tenantID,
			"item_id", itemID,
			"on_hand_drift", rec.OnHandDrift(),
			"reserved_drift", rec.ReservedDrift(),
		)
	}
	return rec, nil
}

// ReconcileAll checks every counter of a tenant ("" = all tenants) and
// optionally repairs drifted ones.
func (s *Service) ReconcileAll(ctx context.Context, tenantID string, repair bool, batchSize int) (ReconcileReport, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	var report ReconcileReport
	filter := CounterFilter{TenantID: tenantID, Limit: batchSize}
	for {
		counters, err := s.counters.ListCounters(ctx, filter)
		if err != nil {
			return report, fmt.Errorf("list counters: %w", err)
		}

		for _, c := range counters {
			if err := ctx.Err(); err != nil {
				return report, err
			}

			check := s.Reconcile
			if repair {
				check = s.Repair
			}
			rec, err := check(ctx, c.TenantID, c.ItemID)
			report.Checked++
			if err != nil {
				logger.Error(ctx, "reconcile item failed",
					"tenant_id", c.TenantID, "item_id", c.ItemID, "error", err)
				continue
			}
			if rec.Repaired {
				report.Repaired++
			}
			if !rec.InSync() {
				report.Drifted = append(report.Drifted, rec)
			}
		}

		if len(counters) < filter.Limit {
			return report, nil
		}
		last := counters[len(counters)-1]
		filter.After = &CounterCursor{TenantID: last.TenantID, ItemID: last.ItemID}
	}
}
