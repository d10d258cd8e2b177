package repositories

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a StoreError.
type ErrorKind int

const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindNotFound
	ErrorKindConflict
	ErrorKindUnavailable
)

// StoreError implements RepositoryError for the memory and SQL repositories.
type StoreError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether the error represents a missing record.
func (e *StoreError) IsNotFound() bool { return e != nil && e.Kind == ErrorKindNotFound }

// IsConflict reports whether the error represents a conflicting write.
func (e *StoreError) IsConflict() bool { return e != nil && e.Kind == ErrorKindConflict }

// IsUnavailable reports whether the error represents a transient backend outage.
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Kind == ErrorKindUnavailable }

// NewStoreError annotates err. A nil err yields a generic message for the kind.
func NewStoreError(op string, kind ErrorKind, err error) *StoreError {
	if err == nil {
		switch kind {
		case ErrorKindNotFound:
			err = errors.New("not found")
		case ErrorKindConflict:
			err = errors.New("conflict")
		case ErrorKindUnavailable:
			err = errors.New("unavailable")
		default:
			err = errors.New("unknown error")
		}
	}
	return &StoreError{Op: op, Kind: kind, Err: err}
}
