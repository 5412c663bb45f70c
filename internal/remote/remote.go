// Package remote defines the boundary between the sync engine and the
// server-held copy of the records.
//
// Adapters classify every transport failure into an *Error before
// returning, so the engine never inspects status codes or socket errors.
package remote

import (
	"context"
	"errors"

	"github.com/roach88/fieldsync/internal/model"
)

// ErrNotFound is returned by Fetch when the server has no such record.
var ErrNotFound = errors.New("remote record not found")

// Receipt confirms an accepted operation.
type Receipt struct {
	// Version is the server version after the operation applied.
	Version int64 `json:"version"`
	// ServerID is set when the server addresses the record by an id other
	// than the client-generated one.
	ServerID string `json:"server_id,omitempty"`
}

// Store is the remote record store. Submit must be idempotent by
// operation id: replaying an accepted operation returns the original
// receipt without applying it twice.
//
// Submit returns a nil error for Accepted, or an *Error whose Code is one
// of CodeConflict, CodeTransient, CodePermanent, CodeUnauthorized or
// CodeRateLimited. Any other error is treated as transient.
type Store interface {
	Submit(ctx context.Context, op model.Operation) (Receipt, error)
}

// Fetcher is implemented by stores that can return the current server copy
// of a record, used for resync.
type Fetcher interface {
	Fetch(ctx context.Context, et model.EntityType, id string) (model.Record, error)
}

// Credentials supplies a bearer token for each send attempt. The engine
// never inspects or refreshes it.
type Credentials interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

// Token implements Credentials.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}
