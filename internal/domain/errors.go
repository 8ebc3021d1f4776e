package domain

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrPlayerNotFound   = errors.New("player not found")
	ErrEntryNotFound    = errors.New("score entry not found")
	ErrUnknownGame      = errors.New("unknown game")
	ErrInvalidScore     = errors.New("invalid score value")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInternalError    = errors.New("internal server error")
	ErrStoreUnavailable = errors.New("ledger store unavailable")
	ErrItemNotFound     = errors.New("outbox item not found")
)

// ValidationError rejects a submission before anything is persisted.
// It must never be retried.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError builds a ValidationError wrapping one of the sentinels.
func NewValidationError(field, reason string, err error) *ValidationError {
	return &ValidationError{Field: field, Reason: reason, Err: err}
}

// PersistenceError reports that the local ledger could not durably record
// a mutation. Ingestion fails closed when it is returned.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError wraps err with the operation that failed.
func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

// SyncFailure is a transient backend or network failure. The outbox item
// stays queued and is retried.
type SyncFailure struct {
	ItemID    string
	Status    int
	Retryable bool
	Err       error
}

func (e *SyncFailure) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("sync of %s failed with status %d: %v", e.ItemID, e.Status, e.Err)
	}
	return fmt.Sprintf("sync of %s failed: %v", e.ItemID, e.Err)
}

func (e *SyncFailure) Unwrap() error { return e.Err }

// DeadLetter is raised once an outbox item exhausts its retry budget.
type DeadLetter struct {
	Item   OutboxItem
	Reason string
}

func (e *DeadLetter) Error() string {
	return fmt.Sprintf("outbox item %s dead-lettered after %d attempts: %s", e.Item.ID, e.Item.Attempts, e.Reason)
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrPlayerNotFound) || errors.Is(err, ErrEntryNotFound) || errors.Is(err, ErrItemNotFound)
}

// IsValidationError reports whether err is, or wraps, a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsPersistenceError reports whether err is, or wraps, a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// IsRetryable reports whether a sync attempt that returned err may be retried.
// Anything that is not an explicit non-retryable SyncFailure is retried.
func IsRetryable(err error) bool {
	var sf *SyncFailure
	if errors.As(err, &sf) {
		return sf.Retryable
	}
	return !IsValidationError(err)
}
