// Package idempotencytest provides an in-memory RecordStore and a contract
// suite shared by every RecordStore implementation.
package idempotencytest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-messenger/internal/domain"
)

// MemoryStore is a process-local RecordStore for tests. It offers the same
// claim semantics as the durable stores but only within one process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]domain.ExecutionRecord

	// Reads and Writes count store calls so tests can check the access budget.
	Reads  int
	Writes int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.ExecutionRecord)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reads++
	rec, ok := s.records[key]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "execution record", ID: key}
	}
	return clone(rec), nil
}

func (s *MemoryStore) InsertProcessing(_ context.Context, key string) (*domain.ExecutionRecord, error) {
	if err := domain.ValidateKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Writes++
	if _, ok := s.records[key]; ok {
		return nil, &domain.ConflictError{Key: key}
	}
	rec := domain.ExecutionRecord{
		Key:       key,
		Status:    domain.ExecutionProcessing,
		CreatedAt: time.Now().UTC(),
	}
	s.records[key] = rec
	return clone(rec), nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, key string, result []byte) (*domain.ExecutionRecord, error) {
	if err := domain.ValidateResult(result); err != nil {
		return nil, err
	}
	return s.transition(key, domain.ExecutionCompleted, result)
}

func (s *MemoryStore) MarkFailed(_ context.Context, key string) (*domain.ExecutionRecord, error) {
	return s.transition(key, domain.ExecutionFailed, nil)
}

// Put seeds a record directly, bypassing the state machine.
func (s *MemoryStore) Put(rec domain.ExecutionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = rec
}

func (s *MemoryStore) transition(key string, to domain.ExecutionStatus, result []byte) (*domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Writes++
	rec, ok := s.records[key]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "execution record", ID: key}
	}
	if rec.Status != domain.ExecutionProcessing {
		return nil, &domain.InvalidTransitionError{Key: key, From: rec.Status, To: to}
	}
	rec.Status = to
	rec.Result = slices.Clone(result)
	s.records[key] = rec
	return clone(rec), nil
}

func clone(rec domain.ExecutionRecord) *domain.ExecutionRecord {
	rec.Result = slices.Clone(rec.Result)
	return &rec
}
