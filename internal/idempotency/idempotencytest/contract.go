package idempotencytest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-messenger/internal/domain"
	"github.com/ramiqadoumi/go-messenger/internal/idempotency"
)

// RunContract exercises the RecordStore contract against the store returned by
// newStore. newStore is called once per subtest.
func RunContract(t *testing.T, newStore func(t *testing.T) idempotency.RecordStore) {
	t.Helper()

	t.Run("get_absent_key", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(context.Background(), newKey())
		var notFound *domain.NotFoundError
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("insert_then_get", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		key := newKey()

		inserted, err := store.InsertProcessing(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, key, inserted.Key)
		assert.Equal(t, domain.ExecutionProcessing, inserted.Status)
		assert.Empty(t, inserted.Result)
		assert.False(t, inserted.CreatedAt.IsZero(), "created_at is set at insertion")

		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionProcessing, got.Status)
		assert.Empty(t, got.Result)
	})

	t.Run("duplicate_insert_conflicts", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		key := newKey()

		_, err := store.InsertProcessing(ctx, key)
		require.NoError(t, err)

		_, err = store.InsertProcessing(ctx, key)
		var conflict *domain.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, key, conflict.Key)
	})

	t.Run("concurrent_inserts_single_winner", func(t *testing.T) {
		store := newStore(t)
		key := newKey()

		const n = 16
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, conflicts := 0, 0
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.InsertProcessing(context.Background(), key)
				var conflict *domain.ConflictError
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case assert.ErrorAs(t, err, &conflict):
					conflicts++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins, "exactly one insert may claim the key")
		assert.Equal(t, n-1, conflicts)
	})

	t.Run("mark_completed_stores_result", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		key := newKey()

		inserted, err := store.InsertProcessing(ctx, key)
		require.NoError(t, err)

		done, err := store.MarkCompleted(ctx, key, []byte(`{"id":1}`))
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionCompleted, done.Status)
		assert.JSONEq(t, `{"id":1}`, string(done.Result))

		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionCompleted, got.Status)
		assert.JSONEq(t, `{"id":1}`, string(got.Result))
		assert.WithinDuration(t, inserted.CreatedAt, got.CreatedAt, 0, "created_at is never mutated")
	})

	t.Run("mark_failed_stores_no_result", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		key := newKey()

		_, err := store.InsertProcessing(ctx, key)
		require.NoError(t, err)

		failed, err := store.MarkFailed(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionFailed, failed.Status)
		assert.Empty(t, failed.Result)

		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionFailed, got.Status)
	})

	t.Run("finalize_unknown_key", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		var notFound *domain.NotFoundError

		_, err := store.MarkCompleted(ctx, newKey(), []byte(`{}`))
		require.ErrorAs(t, err, &notFound)

		_, err = store.MarkFailed(ctx, newKey())
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("terminal_state_is_never_reopened", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		key := newKey()

		_, err := store.InsertProcessing(ctx, key)
		require.NoError(t, err)
		_, err = store.MarkCompleted(ctx, key, []byte(`{"id":1}`))
		require.NoError(t, err)

		var transition *domain.InvalidTransitionError
		_, err = store.MarkCompleted(ctx, key, []byte(`{"id":2}`))
		require.ErrorAs(t, err, &transition)
		_, err = store.MarkFailed(ctx, key)
		require.ErrorAs(t, err, &transition)
		assert.Equal(t, domain.ExecutionCompleted, transition.From)

		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":1}`, string(got.Result), "the first completion payload is the only one")
	})

	t.Run("oversized_key_rejected", func(t *testing.T) {
		store := newStore(t)
		_, err := store.InsertProcessing(context.Background(), strings.Repeat("k", domain.MaxKeyLength+1))
		var invalid *domain.ValidationError
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("oversized_result_rejected", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		key := newKey()

		_, err := store.InsertProcessing(ctx, key)
		require.NoError(t, err)

		big := []byte(fmt.Sprintf("%q", strings.Repeat("x", domain.MaxResultSize)))
		_, err = store.MarkCompleted(ctx, key, big)
		var invalid *domain.ValidationError
		require.ErrorAs(t, err, &invalid)

		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionProcessing, got.Status, "a rejected finalize leaves the record untouched")
	})
}

func newKey() string { return "contract-" + uuid.New().String() }
