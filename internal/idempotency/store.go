package idempotency

import (
	"context"

	"github.com/ramiqadoumi/go-messenger/internal/domain"
)

// RecordStore persists one execution record per idempotency key.
//
// InsertProcessing is the only mutual-exclusion primitive the Coordinator
// relies on: it must be atomic at the storage layer and report a duplicate key
// as *domain.ConflictError. Get reports an absent key as *domain.NotFoundError.
// MarkCompleted and MarkFailed return *domain.NotFoundError for an unknown key
// and *domain.InvalidTransitionError for a record that is no longer processing.
// Transient infrastructure failures are reported as
// *domain.StorageUnavailableError.
type RecordStore interface {
	Get(ctx context.Context, key string) (*domain.ExecutionRecord, error)
	InsertProcessing(ctx context.Context, key string) (*domain.ExecutionRecord, error)
	MarkCompleted(ctx context.Context, key string, result []byte) (*domain.ExecutionRecord, error)
	MarkFailed(ctx context.Context, key string) (*domain.ExecutionRecord, error)
}
