package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"stockledger/internal/core/apperror"
	"stockledger/internal/domain/idempotency"
)

// idempotencyRow is a sys_idempotency row.
type idempotencyRow struct {
	TenantID    string    `db:"tenant_id"`
	Operation   string    `db:"operation"`
	ResourceID  string    `db:"resource_id"`
	Key         string    `db:"idempotency_key"`
	Fingerprint string    `db:"fingerprint"`
	Status      string    `db:"status"`
	Outcome     []byte    `db:"outcome"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
	ExpiresAt   time.Time `db:"expires_at"`
}

func (r idempotencyRow) record() *idempotency.Record {
	return &idempotency.Record{
		Scope:       idempotency.Scope{TenantID: r.TenantID, Operation: r.Operation, ResourceID: r.ResourceID},
		Key:         r.Key,
		Fingerprint: r.Fingerprint,
		Status:      idempotency.Status(r.Status),
		Outcome:     r.Outcome,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}

// IdempotencyStore is the durable idempotency.Guard. Keys live in
// sys_idempotency, unique per (tenant, operation, resource, key).
type IdempotencyStore struct {
	txManager   *TxManager
	ttl         time.Duration
	lockTimeout time.Duration
}

// NewIdempotencyStore creates a new idempotency store. ttl <= 0 uses the default.
func NewIdempotencyStore(txManager *TxManager, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	return &IdempotencyStore{
		txManager:   txManager,
		ttl:         ttl,
		lockTimeout: idempotency.DefaultLockTimeout,
	}
}

// Begin inserts a pending key. An expired key, or a pending key with the same
// fingerprint whose owner stopped heartbeating, is taken over in place.
func (s *IdempotencyStore) Begin(ctx context.Context, scope idempotency.Scope, key, fingerprint string) (*idempotency.Record, error) {
	now := time.Now().UTC()
	q := s.txManager.GetQuerier(ctx)

	var acquired string
	err := q.QueryRow(ctx, `
		INSERT INTO sys_idempotency
			(tenant_id, operation, resource_id, idempotency_key, fingerprint, status, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $6, $7)
		ON CONFLICT (tenant_id, operation, resource_id, idempotency_key) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			status      = 'pending',
			outcome     = NULL,
			created_at  = EXCLUDED.created_at,
			updated_at  = EXCLUDED.updated_at,
			expires_at  = EXCLUDED.expires_at
		WHERE sys_idempotency.expires_at <= $6
		   OR (sys_idempotency.status = 'pending'
		       AND sys_idempotency.updated_at < $8
		       AND sys_idempotency.fingerprint = EXCLUDED.fingerprint)
		RETURNING idempotency_key
	`, scope.TenantID, scope.Operation, scope.ResourceID, key, fingerprint, now, now.Add(s.ttl), now.Add(-s.lockTimeout)).Scan(&acquired)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("acquire idempotency key: %w", err)
	}

	// The key exists and is live; decide between replay, conflict and mismatch.
	var row idempotencyRow
	if err := pgxscan.Get(ctx, q, &row, `
		SELECT tenant_id, operation, resource_id, idempotency_key, fingerprint, status, outcome, created_at, updated_at, expires_at
		FROM sys_idempotency
		WHERE tenant_id = $1 AND operation = $2 AND resource_id = $3 AND idempotency_key = $4
	`, scope.TenantID, scope.Operation, scope.ResourceID, key); err != nil {
		if pgxscan.NotFound(err) {
			// Aborted between the two statements.
			return nil, apperror.NewIdempotencyConflict(key).WithDetail("scope", scope.String())
		}
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}
	return existingOutcome(row.record(), fingerprint)
}

// existingOutcome maps a live stored key to the Begin result.
func existingOutcome(rec *idempotency.Record, fingerprint string) (*idempotency.Record, error) {
	if rec.Fingerprint != fingerprint {
		return nil, apperror.NewIdempotencyMismatch(rec.Key).WithDetail("scope", rec.Scope.String())
	}
	if rec.Status == idempotency.StatusCompleted {
		return rec, nil
	}
	return nil, apperror.NewIdempotencyConflict(rec.Key).WithDetail("scope", rec.Scope.String())
}

// Complete stores the outcome.
func (s *IdempotencyStore) Complete(ctx context.Context, scope idempotency.Scope, key string, outcome any) error {
	raw, err := idempotency.MarshalOutcome(outcome)
	if err != nil {
		return err
	}
	tag, err := s.txManager.GetQuerier(ctx).Exec(ctx, `
		UPDATE sys_idempotency
		SET status = 'completed', outcome = $5, updated_at = $6
		WHERE tenant_id = $1 AND operation = $2 AND resource_id = $3 AND idempotency_key = $4
	`, scope.TenantID, scope.Operation, scope.ResourceID, key, []byte(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound("idempotency_key", key)
	}
	return nil
}

// Abort deletes a pending key. Completed keys are kept.
func (s *IdempotencyStore) Abort(ctx context.Context, scope idempotency.Scope, key string) error {
	_, err := s.txManager.GetQuerier(ctx).Exec(ctx, `
		DELETE FROM sys_idempotency
		WHERE tenant_id = $1 AND operation = $2 AND resource_id = $3 AND idempotency_key = $4
		  AND status = 'pending'
	`, scope.TenantID, scope.Operation, scope.ResourceID, key)
	if err != nil {
		return fmt.Errorf("abort idempotency key: %w", err)
	}
	return nil
}

// CleanupExpired removes expired keys.
func (s *IdempotencyStore) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := s.txManager.GetQuerier(ctx).Exec(ctx,
		`DELETE FROM sys_idempotency WHERE expires_at <= $1`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup idempotency keys: %w", err)
	}
	return result.RowsAffected(), nil
}

var (
	_ idempotency.Guard   = (*IdempotencyStore)(nil)
	_ idempotency.Cleaner = (*IdempotencyStore)(nil)
)
