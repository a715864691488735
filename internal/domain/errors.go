package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAuthentication     = errors.New("authentication failed")
	ErrAuthorization      = errors.New("access denied")
	ErrIntegrity          = errors.New("integrity check failed")
	ErrStorage            = errors.New("storage unavailable")
	ErrSchedulingConflict = errors.New("doctor busy")
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrAlreadyExists      = errors.New("already exists")
)

// StorageError wraps a blob-store or persistence failure. Only transient
// failures are eligible for retry.
type StorageError struct {
	Op        string
	Err       error
	Transient bool
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func NewStorageError(op string, err error, transient bool) error {
	return &StorageError{Op: op, Err: err, Transient: transient}
}

// IsTransient reports whether err is a StorageError marked transient.
func IsTransient(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Transient
}
