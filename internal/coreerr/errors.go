// Package coreerr defines the error taxonomy shared by every engine in the
// work coordination core. Engines surface ErrNotFound and ErrInvalidState to
// callers; everything else is internalised onto the affected row and never
// propagates as a Go error.
package coreerr

import "errors"

var (
	// ErrNotFound indicates a lookup by id found no matching record.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidState indicates an operation is disallowed by the record's
	// current state machine position (e.g. cancelling a completed batch).
	ErrInvalidState = errors.New("operation not valid for current state")
)

// StoreError wraps a persistence failure. Kind distinguishes whether a
// scheduler tick should retry on the next tick (Transient) or whether the
// failure should be surfaced to the caller after one retry (Fatal).
type StoreError struct {
	Kind StoreErrorKind
	Err  error
}

// StoreErrorKind classifies a StoreError.
type StoreErrorKind int

const (
	// Transient indicates the error is expected to be transient (e.g. a
	// dropped connection or a serialization failure). Callers retry once;
	// scheduler ticks simply end and let the next tick retry.
	Transient StoreErrorKind = iota
	// Fatal indicates the error is not expected to resolve itself.
	Fatal
)

func (e *StoreError) Error() string {
	return e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewTransientStoreError wraps err as a retryable store failure.
func NewTransientStoreError(err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Kind: Transient, Err: err}
}

// NewFatalStoreError wraps err as a non-retryable store failure.
func NewFatalStoreError(err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Kind: Fatal, Err: err}
}

// IsTransient reports whether err is a StoreError classified as Transient.
func IsTransient(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind == Transient
	}
	return false
}
