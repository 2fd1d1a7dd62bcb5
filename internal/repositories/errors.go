package repositories

import (
	"errors"
	"fmt"
)

// ErrDuplicateTitle marks product conflicts caused by an existing title key.
var ErrDuplicateTitle = errors.New("duplicate product title")

// StoreError is the RepositoryError returned by every store implementation.
type StoreError struct {
	Op          string
	Err         error
	NotFound    bool
	Conflict    bool
	Unavailable bool
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error { return e.Err }

// IsNotFound implements RepositoryError.
func (e *StoreError) IsNotFound() bool { return e != nil && e.NotFound }

// IsConflict implements RepositoryError.
func (e *StoreError) IsConflict() bool { return e != nil && e.Conflict }

// IsUnavailable implements RepositoryError.
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Unavailable }

// NotFoundError builds a not-found StoreError.
func NotFoundError(op string, format string, args ...any) error {
	return &StoreError{Op: op, Err: fmt.Errorf(format, args...), NotFound: true}
}

// ConflictError builds a conflict StoreError.
func ConflictError(op string, format string, args ...any) error {
	return &StoreError{Op: op, Err: fmt.Errorf(format, args...), Conflict: true}
}

// UnavailableError wraps err as a transient backend failure.
func UnavailableError(op string, err error) error {
	return &StoreError{Op: op, Err: err, Unavailable: true}
}

// DuplicateTitleError builds the conflict returned when a title key is already taken.
func DuplicateTitleError(op, titleKey string) error {
	return &StoreError{Op: op, Err: fmt.Errorf("%w: %q", ErrDuplicateTitle, titleKey), Conflict: true}
}
