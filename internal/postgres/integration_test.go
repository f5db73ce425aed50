//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ramiqadoumi/go-messenger/internal/domain"
	"github.com/ramiqadoumi/go-messenger/internal/idempotency"
	"github.com/ramiqadoumi/go-messenger/internal/idempotency/idempotencytest"
	"github.com/ramiqadoumi/go-messenger/internal/postgres"
)

var testPostgresDSN string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	pgCtr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("messenger"),
		tcPostgres.WithUsername("messenger"),
		tcPostgres.WithPassword("messenger"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	defer pgCtr.Terminate(ctx) //nolint:errcheck

	testPostgresDSN, err = pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres connection string: %v", err)
	}

	pool, err := postgres.NewPool(ctx, testPostgresDSN)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool, nil); err != nil {
		log.Fatalf("run migrations: %v", err)
	}
	// Applying twice must be harmless.
	if err := postgres.Migrate(ctx, pool, nil); err != nil {
		log.Fatalf("re-run migrations: %v", err)
	}

	return m.Run()
}

// newPool connects to the test container and truncates both tables on cleanup.
func newPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE execution_records, messages RESTART IDENTITY") //nolint:errcheck
		pool.Close()
	})
	return pool
}

func TestRecordStore_Contract(t *testing.T) {
	idempotencytest.RunContract(t, func(t *testing.T) idempotency.RecordStore {
		return postgres.NewRecordStore(newPool(t))
	})
}

// Two pools stand in for two processes sharing the database.
func TestRecordStore_ClaimAcrossPools(t *testing.T) {
	a := postgres.NewRecordStore(newPool(t))
	b := postgres.NewRecordStore(newPool(t))
	key := "cross-pool-claim"

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, store := range []*postgres.RecordStore{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = store.InsertProcessing(context.Background(), key)
		}()
	}
	wg.Wait()

	var conflict *domain.ConflictError
	switch {
	case errs[0] == nil:
		require.ErrorAs(t, errs[1], &conflict)
	case errs[1] == nil:
		require.ErrorAs(t, errs[0], &conflict)
	default:
		t.Fatalf("no claimant won: %v / %v", errs[0], errs[1])
	}
}

func TestRecordStore_CountStale(t *testing.T) {
	pool := newPool(t)
	store := postgres.NewRecordStore(pool)
	ctx := context.Background()

	_, err := store.InsertProcessing(ctx, "stale-1")
	require.NoError(t, err)
	_, err = store.InsertProcessing(ctx, "fresh-1")
	require.NoError(t, err)
	_, err = store.InsertProcessing(ctx, "done-1")
	require.NoError(t, err)
	_, err = store.MarkFailed(ctx, "done-1")
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `UPDATE execution_records SET created_at = now() - interval '1 hour' WHERE idempotency_key IN ('stale-1', 'done-1')`)
	require.NoError(t, err)

	n, err := store.CountStale(ctx, time.Now().Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only processing records older than the cutoff count")
}

func TestCoordinator_WithPostgresStore(t *testing.T) {
	pool := newPool(t)
	messages := postgres.NewMessageRepository(pool)
	coord := idempotency.NewCoordinator(postgres.NewRecordStore(pool))
	ctx := context.Background()

	create := func(ctx context.Context) (any, error) {
		return messages.Create(ctx, "alice", "hi")
	}

	first, err := coord.Execute(ctx, "k1", create)
	require.NoError(t, err)
	require.Equal(t, idempotency.Succeeded, first.Kind)
	assert.False(t, first.Cached)

	second, err := coord.Execute(ctx, "k1", create)
	require.NoError(t, err)
	require.Equal(t, idempotency.Succeeded, second.Kind)
	assert.True(t, second.Cached)
	assert.Equal(t, string(first.Result), string(second.Result), "the replayed body is the stored body")

	total, err := messages.Count(ctx, domain.MessageFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "the replay must not create a second message")
}

func TestRecordStore_ResultStoredVerbatim(t *testing.T) {
	store := postgres.NewRecordStore(newPool(t))
	ctx := context.Background()
	result := []byte(`{"username":"alice","content":"hi","message_id":7}`)

	_, err := store.InsertProcessing(ctx, "verbatim")
	require.NoError(t, err)
	_, err = store.MarkCompleted(ctx, "verbatim", result)
	require.NoError(t, err)

	rec, err := store.Get(ctx, "verbatim")
	require.NoError(t, err)
	assert.Equal(t, string(result), string(rec.Result))
}

func TestMessageRepository_CRUD(t *testing.T) {
	repo := postgres.NewMessageRepository(newPool(t))
	ctx := context.Background()

	msg, err := repo.Create(ctx, "alice", "hello")
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.False(t, msg.IsRead)

	got, err := repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)

	read, err := repo.MarkRead(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, read.IsRead)

	deleted, err := repo.Delete(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = repo.Delete(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, deleted, "a second delete finds nothing")

	var notFound *domain.NotFoundError
	_, err = repo.GetByID(ctx, msg.ID)
	require.ErrorAs(t, err, &notFound)
	_, err = repo.MarkRead(ctx, msg.ID)
	require.ErrorAs(t, err, &notFound)
}

func TestMessageRepository_OversizedContent(t *testing.T) {
	repo := postgres.NewMessageRepository(newPool(t))

	_, err := repo.Create(context.Background(), "alice", string(make([]byte, 5000)))
	require.Error(t, err)
}

func TestMessageRepository_Pagination(t *testing.T) {
	repo := postgres.NewMessageRepository(newPool(t))
	ctx := context.Background()

	for i := range 45 {
		_, err := repo.Create(ctx, "bob", fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}

	page, err := domain.NewPage(2, 20)
	require.NoError(t, err)

	items, err := repo.List(ctx, page.Offset(), page.Limit(), domain.MessageFilter{})
	require.NoError(t, err)
	total, err := repo.Count(ctx, domain.MessageFilter{})
	require.NoError(t, err)

	require.Len(t, items, 20)
	assert.Equal(t, 45, total)
	assert.Equal(t, 3, page.TotalPages(total))
	// Newest first: the second page starts at the 21st newest message.
	assert.Equal(t, "message 24", items[0].Content)
	assert.Equal(t, "message 5", items[19].Content)
}

func TestMessageRepository_Filters(t *testing.T) {
	repo := postgres.NewMessageRepository(newPool(t))
	ctx := context.Background()

	a1, err := repo.Create(ctx, "alice", "one")
	require.NoError(t, err)
	_, err = repo.Create(ctx, "alice", "two")
	require.NoError(t, err)
	_, err = repo.Create(ctx, "bob", "three")
	require.NoError(t, err)
	_, err = repo.MarkRead(ctx, a1.ID)
	require.NoError(t, err)

	alice := "alice"
	unread := false

	n, err := repo.Count(ctx, domain.MessageFilter{Username: &alice})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	items, err := repo.List(ctx, 0, 10, domain.MessageFilter{Username: &alice, IsRead: &unread})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "two", items[0].Content)

	n, err = repo.Count(ctx, domain.MessageFilter{IsRead: &unread})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
