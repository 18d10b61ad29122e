package config

import "github.com/go-faster/errors"

var (
	// ErrNotFound is returned when a requested resource does not exist in the store.
	ErrNotFound = errors.New("not found")

	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")

	// ErrInternal matches every *StorageError via errors.Is.
	ErrInternal = errors.New("internal storage error")
)

// ValidationError reports caller input that the store refused.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Is makes errors.Is(err, ErrValidation) true for any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// StorageError wraps a failure of the underlying database. The message names
// the operation only; callers must not expose it to clients.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrInternal) true for any StorageError.
func (e *StorageError) Is(target error) bool {
	return target == ErrInternal
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
