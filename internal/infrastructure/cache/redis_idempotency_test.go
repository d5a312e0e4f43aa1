package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/idempotency"
)

func getRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testScope() idempotency.Scope {
	return idempotency.Scope{TenantID: "test", Operation: "sales_order.fulfill", ResourceID: id.New().String()}
}

func TestRedisIdempotencyStore_Lifecycle(t *testing.T) {
	store := NewRedisIdempotencyStore(getRedisClient(t), time.Minute)
	ctx := context.Background()
	scope := testScope()

	rec, err := store.Begin(ctx, scope, "k1", "fp")
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = store.Begin(ctx, scope, "k1", "fp")
	assert.True(t, apperror.IsRetryable(err), "pending key conflicts")

	require.NoError(t, store.Complete(ctx, scope, "k1", []string{"applied"}))

	rec, err = store.Begin(ctx, scope, "k1", "fp")
	require.NoError(t, err)
	require.NotNil(t, rec)
	var out []string
	require.NoError(t, rec.Decode(&out))
	assert.Equal(t, []string{"applied"}, out)

	_, err = store.Begin(ctx, scope, "k1", "other")
	assert.Equal(t, apperror.CodeIdempotency, apperror.Code(err))
	assert.False(t, apperror.IsRetryable(err))
}

func TestRedisIdempotencyStore_AbortAndTakeOver(t *testing.T) {
	store := NewRedisIdempotencyStore(getRedisClient(t), time.Minute)
	ctx := context.Background()
	scope := testScope()
	now := time.Now().UTC()
	store.now = func() time.Time { return now }

	_, err := store.Begin(ctx, scope, "k", "fp")
	require.NoError(t, err)
	require.NoError(t, store.Abort(ctx, scope, "k"))

	rec, err := store.Begin(ctx, scope, "k", "fp")
	require.NoError(t, err)
	assert.Nil(t, rec, "aborted key is free again")

	now = now.Add(idempotency.DefaultLockTimeout + time.Second)
	rec, err = store.Begin(ctx, scope, "k", "fp")
	require.NoError(t, err)
	assert.Nil(t, rec, "stale pending key is taken over")
}

func TestDecide(t *testing.T) {
	done := &idempotency.Record{Key: "k", Fingerprint: "fp", Status: idempotency.StatusCompleted}
	rec, err := decide(done, "fp")
	require.NoError(t, err)
	assert.Same(t, done, rec)

	_, err = decide(&idempotency.Record{Key: "k", Fingerprint: "fp", Status: idempotency.StatusPending}, "fp")
	assert.True(t, apperror.IsRetryable(err))
}
