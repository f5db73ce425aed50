//go:build integration

package redis_test

import (
	"context"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/ramiqadoumi/go-messenger/internal/domain"
	"github.com/ramiqadoumi/go-messenger/internal/idempotency"
	"github.com/ramiqadoumi/go-messenger/internal/idempotency/idempotencytest"
	"github.com/ramiqadoumi/go-messenger/internal/redis"
)

var testRedisAddr string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	redisCtr, err := tcRedis.Run(ctx, "redis:7-alpine")
	if err != nil {
		log.Fatalf("start redis container: %v", err)
	}
	defer redisCtr.Terminate(ctx) //nolint:errcheck

	connStr, err := redisCtr.ConnectionString(ctx)
	if err != nil {
		log.Fatalf("redis connection string: %v", err)
	}
	testRedisAddr = strings.TrimPrefix(connStr, "redis://")

	return m.Run()
}

// newClient flushes the database on cleanup so tests don't interfere.
func newClient(t *testing.T) *goredis.Client {
	t.Helper()
	client := redis.NewClient(testRedisAddr)
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return client
}

func TestRecordStore_Contract(t *testing.T) {
	idempotencytest.RunContract(t, func(t *testing.T) idempotency.RecordStore {
		return redis.NewRecordStore(newClient(t))
	})
}

func TestRecordStore_RecordsNeverExpire(t *testing.T) {
	client := newClient(t)
	store := redis.NewRecordStore(client)
	ctx := context.Background()

	_, err := store.InsertProcessing(ctx, "kept")
	require.NoError(t, err)
	ttl, err := client.PTTL(ctx, "idempotency:record:kept").Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl, "a claimed record has no expiry")

	_, err = store.MarkCompleted(ctx, "kept", []byte(`{"message_id":1}`))
	require.NoError(t, err)
	ttl, err = client.PTTL(ctx, "idempotency:record:kept").Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl, "a completed record has no expiry")

	_, err = store.InsertProcessing(ctx, "kept")
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestRecordStore_CountStale(t *testing.T) {
	client := newClient(t)
	store := redis.NewRecordStore(client)
	ctx := context.Background()

	_, err := store.InsertProcessing(ctx, "old")
	require.NoError(t, err)
	_, err = store.InsertProcessing(ctx, "old-done")
	require.NoError(t, err)
	_, err = store.MarkFailed(ctx, "old-done")
	require.NoError(t, err)

	hourAgo := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano)
	require.NoError(t, client.HSet(ctx, "idempotency:record:old", "created_at", hourAgo).Err())
	require.NoError(t, client.HSet(ctx, "idempotency:record:old-done", "created_at", hourAgo).Err())
	_, err = store.InsertProcessing(ctx, "fresh")
	require.NoError(t, err)

	n, err := store.CountStale(ctx, time.Now().Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	limiter := redis.NewRateLimiter(newClient(t), 3, time.Minute)
	ctx := context.Background()

	for i := range 3 {
		d, err := limiter.Allow(ctx, "alice", "")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i+1)
	}

	d, err := limiter.Allow(ctx, "alice", "")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "4th request must be rejected")
	assert.Equal(t, 0, d.Remaining)

	d, err = limiter.Allow(ctx, "bob", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "limits are per subject")
}

func TestRateLimiter_TokenChargedOncePerWindow(t *testing.T) {
	limiter := redis.NewRateLimiter(newClient(t), 2, time.Minute)
	ctx := context.Background()

	d, err := limiter.Allow(ctx, "carol", "key-1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = limiter.Allow(ctx, "carol", "")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = limiter.Allow(ctx, "carol", "")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "the window is full")

	for range 3 {
		d, err = limiter.Allow(ctx, "carol", "key-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "a retry of an admitted key is not charged again")
	}

	d, err = limiter.Allow(ctx, "carol", "key-2")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "a new key is charged")
	d, err = limiter.Allow(ctx, "carol", "key-2")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "a rejected key stays rejected on retry")
}
