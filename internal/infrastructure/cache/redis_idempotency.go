// Package cache provides a Redis-backed idempotency guard for deployments
// that keep short-lived request keys out of Postgres.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"stockledger/internal/core/apperror"
	"stockledger/internal/domain/idempotency"
)

const idempotencyKeyPrefix = "idem:"

// takeOverScript replaces a stale pending record only if nobody touched it
// since it was read.
var takeOverScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

var abortScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
if cjson.decode(current)['status'] == 'pending' then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisIdempotencyStore implements idempotency.Guard with SET NX and a TTL.
// Expiry is left to Redis.
type RedisIdempotencyStore struct {
	client      *redis.Client
	ttl         time.Duration
	lockTimeout time.Duration
	now         func() time.Time
}

// NewRedisIdempotencyStore creates a store. ttl <= 0 uses the default.
func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	return &RedisIdempotencyStore{
		client:      client,
		ttl:         ttl,
		lockTimeout: idempotency.DefaultLockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func redisKey(scope idempotency.Scope, key string) string {
	return idempotencyKeyPrefix + scope.String() + "/" + key
}

func (s *RedisIdempotencyStore) Begin(ctx context.Context, scope idempotency.Scope, key, fingerprint string) (*idempotency.Record, error) {
	now := s.now()
	fresh, err := json.Marshal(idempotency.Record{
		Scope:       scope,
		Key:         key,
		Fingerprint: fingerprint,
		Status:      idempotency.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal idempotency record: %w", err)
	}

	rk := redisKey(scope, key)
	ok, err := s.client.SetNX(ctx, rk, fresh, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire idempotency key: %w", err)
	}
	if ok {
		return nil, nil
	}

	raw, err := s.client.Get(ctx, rk).Result()
	if errors.Is(err, redis.Nil) {
		// Expired or aborted in between; the caller may retry.
		return nil, apperror.NewIdempotencyConflict(key).WithDetail("scope", scope.String())
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}

	var rec idempotency.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}

	if rec.Fingerprint == fingerprint && rec.Status == idempotency.StatusPending && now.Sub(rec.UpdatedAt) >= s.lockTimeout {
		took, err := takeOverScript.Run(ctx, s.client, []string{rk}, raw, fresh, s.ttl.Milliseconds()).Int()
		if err != nil {
			return nil, fmt.Errorf("take over idempotency key: %w", err)
		}
		if took == 1 {
			return nil, nil
		}
	}
	return decide(&rec, fingerprint)
}

// decide maps a live record to the Begin result.
func decide(rec *idempotency.Record, fingerprint string) (*idempotency.Record, error) {
	if rec.Fingerprint != fingerprint {
		return nil, apperror.NewIdempotencyMismatch(rec.Key).WithDetail("scope", rec.Scope.String())
	}
	if rec.Status == idempotency.StatusCompleted {
		return rec, nil
	}
	return nil, apperror.NewIdempotencyConflict(rec.Key).WithDetail("scope", rec.Scope.String())
}

func (s *RedisIdempotencyStore) Complete(ctx context.Context, scope idempotency.Scope, key string, outcome any) error {
	out, err := idempotency.MarshalOutcome(outcome)
	if err != nil {
		return err
	}

	rk := redisKey(scope, key)
	raw, err := s.client.Get(ctx, rk).Bytes()
	if errors.Is(err, redis.Nil) {
		return apperror.NewNotFound("idempotency_key", key)
	}
	if err != nil {
		return fmt.Errorf("read idempotency key: %w", err)
	}

	var rec idempotency.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decode idempotency record: %w", err)
	}
	rec.Status = idempotency.StatusCompleted
	rec.Outcome = out
	rec.UpdatedAt = s.now()

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	if err := s.client.SetArgs(ctx, rk, b, redis.SetArgs{KeepTTL: true}).Err(); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

func (s *RedisIdempotencyStore) Abort(ctx context.Context, scope idempotency.Scope, key string) error {
	if err := abortScript.Run(ctx, s.client, []string{redisKey(scope, key)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("abort idempotency key: %w", err)
	}
	return nil
}

var _ idempotency.Guard = (*RedisIdempotencyStore)(nil)
