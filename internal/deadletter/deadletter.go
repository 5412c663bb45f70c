// Package deadletter exposes operations that could not be delivered for
// manual intervention. Nothing leaves the dead-letter state on its own.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// ErrNotDeadLettered is returned when retrying or discarding an operation
// that is missing or not dead-lettered.
var ErrNotDeadLettered = errors.New("operation is not dead-lettered")

// Store is the slice of the operation log the handler works on.
// *store.Store implements it.
type Store interface {
	ListByStatus(ctx context.Context, status model.OpStatus) ([]model.Operation, error)
	GetOperation(ctx context.Context, id string) (model.Operation, error)
	RetryDeadLettered(ctx context.Context, id string, now time.Time) error
	DiscardDeadLettered(ctx context.Context, id string) error
}

// Handler lists, retries and discards dead-lettered operations.
type Handler struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
	wake   func()
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock sets the time a retried operation is re-enqueued at.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithWake sets a callback run after a retry, typically the engine's
// SyncNow.
func WithWake(fn func()) Option {
	return func(h *Handler) {
		h.wake = fn
	}
}

// New creates a Handler over s.
func New(s Store, opts ...Option) *Handler {
	h := &Handler{
		store:  s,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// List returns the dead-lettered operations in log order. Never nil.
func (h *Handler) List(ctx context.Context) ([]model.Operation, error) {
	ops, err := h.store.ListByStatus(ctx, model.StatusDeadLettered)
	if err != nil {
		return nil, fmt.Errorf("list dead-lettered: %w", err)
	}
	if ops == nil {
		ops = []model.Operation{}
	}
	return ops, nil
}

// Retry re-enqueues the operation at the end of the log with its attempt
// count reset to zero and returns it as re-enqueued.
func (h *Handler) Retry(ctx context.Context, id string) (model.Operation, error) {
	if err := h.store.RetryDeadLettered(ctx, id, model.Timestamp(h.now())); err != nil {
		return model.Operation{}, h.classify("retry", id, err)
	}
	op, err := h.store.GetOperation(ctx, id)
	if err != nil {
		return model.Operation{}, fmt.Errorf("retry %s: %w", id, err)
	}
	h.logger.Info("dead-lettered operation re-enqueued",
		"operation_id", op.ID,
		"entity_type", op.EntityType,
		"entity_id", op.EntityID,
		"seq", op.Seq,
	)
	if h.wake != nil {
		h.wake()
	}
	return op, nil
}

// RetryAll re-enqueues every dead-lettered operation in log order and
// returns how many were retried.
func (h *Handler) RetryAll(ctx context.Context) (int, error) {
	ops, err := h.List(ctx)
	if err != nil {
		return 0, err
	}
	for i, op := range ops {
		if _, err := h.Retry(ctx, op.ID); err != nil {
			return i, err
		}
	}
	return len(ops), nil
}

// Discard deletes the operation permanently. The local record keeps the
// change until the next resync replaces it with the server copy.
func (h *Handler) Discard(ctx context.Context, id string) error {
	op, err := h.store.GetOperation(ctx, id)
	if err != nil {
		return h.classify("discard", id, err)
	}
	if err := h.store.DiscardDeadLettered(ctx, id); err != nil {
		return h.classify("discard", id, err)
	}
	h.logger.Warn("dead-lettered operation discarded",
		"operation_id", op.ID,
		"entity_type", op.EntityType,
		"entity_id", op.EntityID,
		"last_error", op.LastError,
	)
	return nil
}

func (h *Handler) classify(action, id string, err error) error {
	if errors.Is(err, store.ErrNotDeadLettered) || errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", action, id, ErrNotDeadLettered)
	}
	return fmt.Errorf("%s %s: %w", action, id, err)
}
