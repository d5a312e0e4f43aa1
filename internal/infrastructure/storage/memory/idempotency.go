package memory

import (
	"context"
	"sync"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/domain/idempotency"
)

type idemKey struct {
	scope idempotency.Scope
	key   string
}

// IdempotencyStore is a TTL key→outcome map.
type IdempotencyStore struct {
	mu          sync.Mutex
	records     map[idemKey]*idempotency.Record
	ttl         time.Duration
	lockTimeout time.Duration
	now         func() time.Time
}

// NewIdempotencyStore creates a store whose keys expire after ttl.
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	return &IdempotencyStore{
		records:     make(map[idemKey]*idempotency.Record),
		ttl:         ttl,
		lockTimeout: idempotency.DefaultLockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Tests use it to expire keys.
func (s *IdempotencyStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *IdempotencyStore) Begin(_ context.Context, scope idempotency.Scope, key, fingerprint string) (*idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	k := idemKey{scope, key}
	if rec, ok := s.records[k]; ok && now.Before(rec.ExpiresAt) {
		if rec.Fingerprint != fingerprint {
			return nil, apperror.NewIdempotencyMismatch(key).WithDetail("scope", scope.String())
		}
		if rec.Status == idempotency.StatusCompleted {
			cp := *rec
			return &cp, nil
		}
		if now.Sub(rec.UpdatedAt) < s.lockTimeout {
			return nil, apperror.NewIdempotencyConflict(key).WithDetail("scope", scope.String())
		}
		// stale pending key: the owner died, take it over
	}

	s.records[k] = &idempotency.Record{
		Scope:       scope,
		Key:         key,
		Fingerprint: fingerprint,
		Status:      idempotency.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	return nil, nil
}

func (s *IdempotencyStore) Complete(_ context.Context, scope idempotency.Scope, key string, outcome any) error {
	raw, err := idempotency.MarshalOutcome(outcome)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[idemKey{scope, key}]
	if !ok {
		return apperror.NewNotFound("idempotency_key", key)
	}
	rec.Status = idempotency.StatusCompleted
	rec.Outcome = raw
	rec.UpdatedAt = s.now()
	return nil
}

func (s *IdempotencyStore) Abort(_ context.Context, scope idempotency.Scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{scope, key}
	if rec, ok := s.records[k]; ok && rec.Status == idempotency.StatusPending {
		delete(s.records, k)
	}
	return nil
}

func (s *IdempotencyStore) CleanupExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for k, rec := range s.records {
		if !now.Before(rec.ExpiresAt) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

var (
	_ idempotency.Guard   = (*IdempotencyStore)(nil)
	_ idempotency.Cleaner = (*IdempotencyStore)(nil)
)
