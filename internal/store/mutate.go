package store

import (
	"context"
	"errors"

	"github.com/roach88/fieldsync/internal/model"
)

// MutateFunc derives the next local snapshot and the operation describing
// the change from the current snapshot. found is false when no row exists;
// a tombstone is reported with found set and current.Deleted true.
type MutateFunc func(current model.Record, found bool) (model.Record, model.Operation, error)

// Mutate applies a local change atomically: the snapshot write and the
// operation append commit together or not at all. An error returned by fn
// aborts the transaction and is returned unchanged.
func (s *Store) Mutate(ctx context.Context, et model.EntityType, id string, fn MutateFunc) (model.Operation, error) {
	var enqueued model.Operation
	err := s.Update(ctx, func(tx *Tx) error {
		current, err := tx.GetRecordAny(ctx, et, id)
		found := true
		if errors.Is(err, ErrNotFound) {
			current, found = model.Record{}, false
		} else if err != nil {
			return err
		}

		next, op, err := fn(current, found)
		if err != nil {
			return err
		}
		if err := tx.PutRecord(ctx, next); err != nil {
			return err
		}
		enqueued, err = tx.Enqueue(ctx, op)
		return err
	})
	if err != nil {
		return model.Operation{}, err
	}
	return enqueued, nil
}
