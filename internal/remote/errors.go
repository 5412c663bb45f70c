package remote

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

// Code classifies a submit outcome other than Accepted.
type Code string

const (
	// CodeTransient means retry later with backoff: network errors, 5xx,
	// timeouts.
	CodeTransient Code = "TRANSIENT"

	// CodePermanent means the server rejected the operation and retrying
	// will not help.
	CodePermanent Code = "PERMANENT"

	// CodeConflict means the server's version differs from the operation's
	// base version. Server carries the current server copy.
	CodeConflict Code = "CONFLICT"

	// CodeUnauthorized means the credential was rejected.
	CodeUnauthorized Code = "UNAUTHORIZED"

	// CodeRateLimited means the server asked every client to slow down.
	// RetryAfter carries the requested pause.
	CodeRateLimited Code = "RATE_LIMITED"
)

// Error is a classified submit failure.
type Error struct {
	Code       Code
	Message    string
	Server     *model.Record
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(err error) *Error {
	return &Error{Code: CodeTransient, Err: err}
}

// Permanent builds a non-retryable rejection.
func Permanent(format string, args ...any) *Error {
	return &Error{Code: CodePermanent, Message: fmt.Sprintf(format, args...)}
}

// Conflict carries the server's current copy of the record.
func Conflict(server model.Record) *Error {
	s := server.Clone()
	return &Error{Code: CodeConflict, Message: "version conflict", Server: &s}
}

// Unauthorized builds a credential rejection.
func Unauthorized(msg string) *Error {
	return &Error{Code: CodeUnauthorized, Message: msg}
}

// RateLimited asks the caller to pause for after.
func RateLimited(after time.Duration) *Error {
	return &Error{Code: CodeRateLimited, Message: fmt.Sprintf("retry after %s", after), RetryAfter: after}
}

// Classify returns the outcome class of a Submit error. Unclassified errors
// and timeouts are transient so that ambiguous outcomes fall back to a
// safe retry.
func Classify(err error) Code {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return CodeTransient
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool { return err != nil && Classify(err) == CodeConflict }

// IsPermanent reports whether err is a permanent rejection.
func IsPermanent(err error) bool { return err != nil && Classify(err) == CodePermanent }

// IsUnauthorized reports whether err is a credential rejection.
func IsUnauthorized(err error) bool { return err != nil && Classify(err) == CodeUnauthorized }

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool { return err != nil && Classify(err) == CodeTransient }

// AsError extracts the classified error, if any.
func AsError(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
