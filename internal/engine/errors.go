package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/fieldsync/internal/model"
)

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeInvalidMutation indicates a mutation request was malformed.
	ErrCodeInvalidMutation ErrorCode = "INVALID_MUTATION"

	// ErrCodeNotFound indicates an update or delete of a record that does
	// not exist locally.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeExists indicates a create of a record that already exists.
	ErrCodeExists ErrorCode = "ALREADY_EXISTS"

	// ErrCodeHalted indicates the engine stopped after a storage fault.
	ErrCodeHalted ErrorCode = "HALTED"

	// ErrCodeStorageFault indicates the operation log failed.
	ErrCodeStorageFault ErrorCode = "STORAGE_FAULT"

	// ErrCodeAlreadyRunning indicates Run was called twice.
	ErrCodeAlreadyRunning ErrorCode = "ALREADY_RUNNING"

	// ErrCodeUnsupported indicates the remote store lacks a capability.
	ErrCodeUnsupported ErrorCode = "UNSUPPORTED"
)

// Error is an engine failure with the entity it concerns.
type Error struct {
	Code       ErrorCode
	Message    string
	EntityType model.EntityType
	EntityID   string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.EntityID != "" {
		return fmt.Sprintf("%s: %s (%s %s)", e.Code, msg, e.EntityType, e.EntityID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// IsHalted returns true if the engine refused work after a storage fault.
func IsHalted(err error) bool { return hasCode(err, ErrCodeHalted) }

// IsStorageFault returns true if err reports an operation log failure.
func IsStorageFault(err error) bool { return hasCode(err, ErrCodeStorageFault) }

// IsNotFound returns true if the mutation targeted a missing record.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsExists returns true if a create targeted an existing record.
func IsExists(err error) bool { return hasCode(err, ErrCodeExists) }

// IsInvalidMutation returns true if the mutation request was malformed.
func IsInvalidMutation(err error) bool { return hasCode(err, ErrCodeInvalidMutation) }

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}
