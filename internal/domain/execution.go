package domain

import (
	"encoding/json"
	"time"
)

const (
	// MaxKeyLength bounds the size of an idempotency key in bytes.
	MaxKeyLength = 255
	// MaxResultSize bounds the serialized result stored with a completed record.
	MaxResultSize = 1 << 20
)

// ExecutionStatus represents the states an execution record can be in.
type ExecutionStatus string

const (
	ExecutionProcessing ExecutionStatus = "processing"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
)

// ExecutionRecord tracks a single idempotency key. Result is set only when
// Status is ExecutionCompleted.
type ExecutionRecord struct {
	Key       string          `json:"key"`
	Status    ExecutionStatus `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ValidateKey checks an idempotency key before it reaches a store.
func ValidateKey(key string) error {
	if key == "" {
		return &ValidationError{Field: "idempotency_key", Reason: "must not be empty"}
	}
	if len(key) > MaxKeyLength {
		return &ValidationError{Field: "idempotency_key", Reason: "exceeds 255 bytes"}
	}
	return nil
}

// ValidateResult checks a serialized result before it is persisted.
func ValidateResult(result []byte) error {
	if len(result) > MaxResultSize {
		return &ValidationError{Field: "result", Reason: "exceeds 1 MiB"}
	}
	if !json.Valid(result) {
		return &ValidationError{Field: "result", Reason: "not valid JSON"}
	}
	return nil
}
