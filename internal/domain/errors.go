package domain

import "fmt"

// ValidationError is returned when input is malformed or exceeds a size limit.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError is returned when a referenced entity does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// ConflictError is returned when an execution record already exists for a key.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("execution record already exists for key %q", e.Key)
}

// InvalidTransitionError is returned when a finalize write targets a record
// that has already left the Processing state.
type InvalidTransitionError struct {
	Key  string
	From ExecutionStatus
	To   ExecutionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("execution record %q cannot move from %s to %s", e.Key, e.From, e.To)
}

// StorageUnavailableError wraps a transient infrastructure failure.
type StorageUnavailableError struct {
	Op  string
	Err error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Err }
