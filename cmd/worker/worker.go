package main

import (
	"context"
	"sync"
	"time"

	"stockledger/internal/config"
	appctx "stockledger/internal/core/context"
	"stockledger/internal/domain/idempotency"
	"stockledger/internal/domain/registers/stock"
	"stockledger/pkg/logger"
)

type outboxRelay interface {
	ProcessBatch(ctx context.Context) (int, error)
	MoveToDLQ(ctx context.Context) (int64, error)
}

type reconciler interface {
	ReconcileAll(ctx context.Context, tenantID string, repair bool, batchSize int) (stock.ReconcileReport, error)
}

// Worker runs the periodic jobs until its context ends.
type Worker struct {
	relay      outboxRelay
	cleaner    idempotency.Cleaner
	reconciler reconciler
	cfg        config.Config
}

// Run starts one loop per job and waits for all of them.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []struct {
		every time.Duration
		job   func(context.Context)
	}{
		{w.cfg.OutboxPollInterval, w.relayOutbox},
		{time.Hour, w.housekeeping},
		{w.cfg.ReconcileInterval, w.reconcile},
	}
	for _, l := range loops {
		if l.every <= 0 {
			continue
		}
		wg.Add(1)
		go func(every time.Duration, job func(context.Context)) {
			defer wg.Done()
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					job(appctx.WithTrace(ctx, appctx.NewTraceContext()))
				}
			}
		}(l.every, l.job)
	}
	wg.Wait()
}

// relayOutbox drains due messages batch by batch.
func (w *Worker) relayOutbox(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := w.relay.ProcessBatch(ctx)
		if err != nil {
			logger.Error(ctx, "outbox relay failed", "error", err)
			return
		}
		if n == 0 {
			return
		}
		logger.Debug(ctx, "outbox batch relayed", "count", n)
		if n < w.cfg.OutboxBatchSize {
			return
		}
	}
}

func (w *Worker) housekeeping(ctx context.Context) {
	if moved, err := w.relay.MoveToDLQ(ctx); err != nil {
		logger.Error(ctx, "move to DLQ failed", "error", err)
	} else if moved > 0 {
		logger.Warn(ctx, "outbox messages moved to DLQ", "count", moved)
	}

	if w.cleaner == nil {
		return
	}
	if n, err := w.cleaner.CleanupExpired(ctx); err != nil {
		logger.Error(ctx, "idempotency cleanup failed", "error", err)
	} else if n > 0 {
		logger.Info(ctx, "expired idempotency keys removed", "count", n)
	}
}

func (w *Worker) reconcile(ctx context.Context) {
	tenants := w.cfg.ReconcileTenants
	if len(tenants) == 0 {
		tenants = []string{""}
	}
	for _, tenantID := range tenants {
		report, err := w.reconciler.ReconcileAll(ctx, tenantID, w.cfg.ReconcileRepair, 0)
		if err != nil {
			logger.Error(ctx, "reconcile sweep failed", "tenant_id", tenantID, "error", err)
			continue
		}
		if len(report.Drifted) > 0 {
			logger.Warn(ctx, "stock drift detected",
				"tenant_id", tenantID,
				"checked", report.Checked,
				"drifted", len(report.Drifted),
				"repaired", report.Repaired,
			)
			continue
		}
		logger.Info(ctx, "reconcile sweep clean", "tenant_id", tenantID, "checked", report.Checked)
	}
}
