package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a record or operation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExists is returned when creating something that already exists.
	ErrExists = errors.New("already exists")

	// ErrInvalidTransition is returned when an operation is not in a status
	// that permits the requested transition, including a second in_flight
	// operation for the same entity.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotDeadLettered is returned by dead-letter actions on an operation
	// that is not dead-lettered.
	ErrNotDeadLettered = errors.New("operation is not dead-lettered")

	// ErrOutstanding is returned by Refresh when the entity still has
	// pending or in-flight operations.
	ErrOutstanding = errors.New("entity has outstanding operations")
)

// FaultError reports a storage failure the engine cannot recover from:
// disk full, corruption, I/O errors or any other unexpected database error.
type FaultError struct {
	Op  string
	Err error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("storage fault: %s: %v", e.Op, e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

// Disk reports whether the fault came from the storage medium itself
// rather than, say, a malformed statement.
func (e *FaultError) Disk() bool {
	var se sqlite3.Error
	if !errors.As(e.Err, &se) {
		return false
	}
	switch se.Code {
	case sqlite3.ErrFull, sqlite3.ErrCorrupt, sqlite3.ErrIoErr, sqlite3.ErrNotADB,
		sqlite3.ErrCantOpen, sqlite3.ErrReadonly:
		return true
	}
	return false
}

// IsFault reports whether err is a storage fault.
func IsFault(err error) bool {
	var fe *FaultError
	return errors.As(err, &fe)
}

// fault wraps an unexpected database error. Context cancellation is
// passed through unwrapped so callers can tell shutdown from damage.
func fault(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &FaultError{Op: op, Err: err}
}

// isUniqueViolation reports whether err is a primary key or unique
// constraint failure.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}
