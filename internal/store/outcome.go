package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/fieldsync/internal/model"
)

// ApplyAccepted records a server acceptance in one transaction: the
// operation is committed, the record takes the confirmed version (and the
// server alias, if any), its base fields advance by the operation, and
// later pending operations for the entity are rebased onto that version.
// An accepted delete removes the tombstone.
//
// Replaying an acceptance for an already committed operation is a no-op.
func (s *Store) ApplyAccepted(ctx context.Context, op model.Operation, version int64, serverID string) error {
	return s.Update(ctx, func(tx *Tx) error {
		current, err := tx.operationStatus(ctx, op.ID)
		if err != nil {
			return err
		}
		if current == model.StatusCommitted {
			return nil
		}
		if err := tx.markCommitted(ctx, op.ID); err != nil {
			return err
		}

		if op.Kind == model.OpDelete {
			if _, err := tx.q.ExecContext(ctx, `
				DELETE FROM records WHERE entity_type = ? AND id = ? AND deleted = 1
			`, string(op.EntityType), op.EntityID); err != nil {
				return fault("apply accepted delete", err)
			}
		} else {
			if _, err := tx.q.ExecContext(ctx, `
				UPDATE records
				SET version = ?, server_id = CASE WHEN ? != '' THEN ? ELSE server_id END
				WHERE entity_type = ? AND id = ?
			`, version, serverID, serverID, string(op.EntityType), op.EntityID); err != nil {
				return fault("apply accepted", err)
			}
			if err := tx.advanceBase(ctx, op); err != nil {
				return err
			}
		}

		return tx.rebasePending(ctx, op.EntityType, op.EntityID, version)
	})
}

// Conflicted is the local side of a conflict, read inside the transaction
// that records its resolution.
type Conflicted struct {
	// Local is the current snapshot. Found is false when no row exists; a
	// tombstone is reported with Found set and Local.Deleted true.
	Local model.Record
	Found bool

	// Base is the field set the server last confirmed, or nil when unknown.
	Base model.Object

	// Outstanding lists the entity's pending and in-flight operations in log
	// order, the conflicting one included.
	Outstanding []model.Operation
}

// ResolveFunc merges the local side with the server copy. It returns the
// record to store and an optional corrective operation to append.
type ResolveFunc func(c Conflicted) (model.Record, *model.Operation, error)

// ApplyResolution records a resolved conflict in one transaction: fn sees
// the local side as of this transaction, the superseded operation is
// committed, the merged record replaces the local snapshot with the server's
// fields as its new base, later pending operations are rebased onto the
// merged version and the corrective operation, if any, is appended. Local
// mutations cannot slip in between the read and the write.
//
// A merged tombstone with no corrective and nothing else outstanding is
// removed outright: the server deleted the entity and the client has
// nothing left to say about it.
//
// Replaying a resolution for an already committed operation is a no-op. An
// error returned by fn aborts the transaction and is returned unchanged.
func (s *Store) ApplyResolution(ctx context.Context, op model.Operation, server model.Record, fn ResolveFunc) error {
	return s.Update(ctx, func(tx *Tx) error {
		current, err := tx.operationStatus(ctx, op.ID)
		if err != nil {
			return err
		}
		if current == model.StatusCommitted {
			return nil
		}

		c, err := tx.conflicted(ctx, op.EntityType, op.EntityID)
		if err != nil {
			return err
		}
		merged, corrective, err := fn(c)
		if err != nil {
			return err
		}

		if err := tx.markCommitted(ctx, op.ID); err != nil {
			return err
		}
		if err := tx.PutRecord(ctx, merged); err != nil {
			return err
		}
		if !server.Deleted {
			if err := tx.setBaseFields(ctx, merged.EntityType, merged.ID, confirmed(server.Fields)); err != nil {
				return err
			}
		}
		if merged.Version != nil {
			if err := tx.rebasePending(ctx, merged.EntityType, merged.ID, *merged.Version); err != nil {
				return err
			}
		}
		if corrective != nil {
			if _, err := tx.Enqueue(ctx, *corrective); err != nil && !errors.Is(err, ErrExists) {
				return err
			}
		}
		if merged.Deleted && corrective == nil {
			busy, err := hasOutstanding(ctx, tx.q, merged.EntityType, merged.ID)
			if err != nil {
				return err
			}
			if !busy {
				return tx.DeleteRecord(ctx, merged.EntityType, merged.ID)
			}
		}
		return nil
	})
}

func (tx *Tx) conflicted(ctx context.Context, et model.EntityType, id string) (Conflicted, error) {
	c := Conflicted{Found: true}
	var err error
	c.Local, err = tx.GetRecordAny(ctx, et, id)
	if errors.Is(err, ErrNotFound) {
		c.Local, c.Found = model.Record{}, false
	} else if err != nil {
		return Conflicted{}, err
	}
	if c.Base, err = baseFields(ctx, tx.q, et, id); err != nil {
		return Conflicted{}, err
	}
	c.Outstanding, err = queryOps(ctx, tx.q, opSelect+`
		WHERE o.entity_type = ? AND o.entity_id = ? AND o.status IN ('pending', 'in_flight')
		ORDER BY o.seq ASC
	`, string(et), id)
	if err != nil {
		return Conflicted{}, err
	}
	return c, nil
}

// advanceBase moves the confirmed field set forward by an accepted
// operation. An update against an unknown base leaves it unknown.
func (tx *Tx) advanceBase(ctx context.Context, op model.Operation) error {
	base, err := baseFields(ctx, tx.q, op.EntityType, op.EntityID)
	if err != nil {
		return err
	}
	switch {
	case op.Kind == model.OpCreate:
		base = confirmed(op.Payload.Clone())
	case base != nil:
		base = model.Apply(model.Record{Fields: base}, op).Fields
	default:
		return nil
	}
	return tx.setBaseFields(ctx, op.EntityType, op.EntityID, base)
}

func (tx *Tx) rebasePending(ctx context.Context, et model.EntityType, id string, version int64) error {
	if _, err := tx.q.ExecContext(ctx, `
		UPDATE operations SET base_version = ?
		WHERE entity_type = ? AND entity_id = ? AND status = 'pending'
	`, version, string(et), id); err != nil {
		return fault("rebase pending", err)
	}
	return nil
}

func (tx *Tx) operationStatus(ctx context.Context, id string) (model.OpStatus, error) {
	var status string
	err := tx.q.QueryRowContext(ctx, `SELECT status FROM operations WHERE id = ?`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("operation %s: %w", id, ErrNotFound)
		}
		return "", fault("read operation status", err)
	}
	return model.OpStatus(status), nil
}
