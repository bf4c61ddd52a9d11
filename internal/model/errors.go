package model

import (
	"errors"
	"fmt"
)

// TransientError marks failures of external collaborators that are worth
// retrying: timeouts, 5xx responses, rate limits.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ExtractionError is a persistent schema violation after the single repair
// retry. The message is flagged requires_review and not replayed.
type ExtractionError struct {
	Complaints []string
	Err        error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed validation: %v", e.Complaints)
}
func (e *ExtractionError) Unwrap() error { return e.Err }

// SyncTransientError keeps the sync loop retrying.
type SyncTransientError struct{ Err error }

func (e *SyncTransientError) Error() string { return fmt.Sprintf("sync transient: %v", e.Err) }
func (e *SyncTransientError) Unwrap() error { return e.Err }

// SyncFatalError halts the sync loop and alerts: schema mismatch between the
// ERP payload and the local model.
type SyncFatalError struct{ Err error }

func (e *SyncFatalError) Error() string { return fmt.Sprintf("sync fatal: %v", e.Err) }
func (e *SyncFatalError) Unwrap() error { return e.Err }

// ErrWriterConflict is returned when the order writer's idempotency key has
// already been submitted. Callers treat it as success.
var ErrWriterConflict = errors.New("order already submitted for this idempotency key")

// InvariantError is the bug class: logged with full context, the current
// message abandoned.
type InvariantError struct {
	What string
}

func (e *InvariantError) Error() string { return "invariant violated: " + e.What }

// Invariant creates an InvariantError.
func Invariant(format string, args ...any) error {
	return &InvariantError{What: fmt.Sprintf(format, args...)}
}
