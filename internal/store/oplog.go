package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

const opColumns = `o.id, o.seq, o.entity_type, o.entity_id, o.kind, o.payload, o.base_version,
	o.updated_at, o.updated_by, o.enqueued_at, o.attempt_count, o.next_eligible_at,
	o.status, o.last_error, o.corrective`

// opSelect joins the record so RemoteID reflects the server alias known at
// read time.
const opSelect = `SELECT ` + opColumns + `, COALESCE(r.server_id, '')
	FROM operations o
	LEFT JOIN records r ON r.entity_type = o.entity_type AND r.id = o.entity_id`

// Counts summarizes the operation log for status badges.
type Counts struct {
	Pending      int `json:"pending"`
	InFlight     int `json:"in_flight"`
	DeadLettered int `json:"dead_lettered"`
	Committed    int `json:"committed"`
}

// Enqueue appends op to the log in its own transaction.
func (s *Store) Enqueue(ctx context.Context, op model.Operation) (model.Operation, error) {
	var out model.Operation
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Enqueue(ctx, op)
		return err
	})
	return out, err
}

// Enqueue appends op as pending with the next sequence number. A zero
// NextEligibleAt means eligible immediately (EnqueuedAt). Returns
// ErrExists if the operation id is already logged.
func (tx *Tx) Enqueue(ctx context.Context, op model.Operation) (model.Operation, error) {
	if err := op.Validate(); err != nil {
		return model.Operation{}, fmt.Errorf("enqueue: %w", err)
	}
	payloadJSON, err := marshalFields(op.Payload)
	if err != nil {
		return model.Operation{}, fmt.Errorf("enqueue: %w", err)
	}

	seq, err := nextSeq(ctx, tx.q)
	if err != nil {
		return model.Operation{}, err
	}

	op.Seq = seq
	op.Status = model.StatusPending
	op.AttemptCount = 0
	op.LastError = ""
	if op.NextEligibleAt.IsZero() {
		op.NextEligibleAt = op.EnqueuedAt
	}

	_, err = tx.q.ExecContext(ctx, `
		INSERT INTO operations
		(id, seq, entity_type, entity_id, kind, payload, base_version, updated_at, updated_by,
		 enqueued_at, attempt_count, next_eligible_at, status, last_error, corrective)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, 'pending', '', ?)
	`,
		op.ID,
		op.Seq,
		string(op.EntityType),
		op.EntityID,
		string(op.Kind),
		payloadJSON,
		toNullVersion(op.BaseVersion),
		toMillis(op.UpdatedAt),
		op.UpdatedBy,
		toMillis(op.EnqueuedAt),
		toMillis(op.NextEligibleAt),
		boolToInt(op.Corrective),
	)
	if isUniqueViolation(err) {
		return model.Operation{}, fmt.Errorf("enqueue %s: %w", op.ID, ErrExists)
	}
	if err != nil {
		return model.Operation{}, fault("enqueue", err)
	}
	return op, nil
}

func nextSeq(ctx context.Context, q querier) (int64, error) {
	var seq int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM operations`).Scan(&seq); err != nil {
		return 0, fault("next seq", err)
	}
	return seq, nil
}

// PeekReady returns pending operations eligible at now, at most one per
// entity: the entity's oldest outstanding operation, and only if no
// operation for that entity is in flight. Entities are ordered by the
// enqueue time of that head operation. limit <= 0 means no limit.
func (s *Store) PeekReady(ctx context.Context, now time.Time, limit int) ([]model.Operation, error) {
	if limit <= 0 {
		limit = -1
	}
	return queryOps(ctx, s.db, opSelect+`
		WHERE o.status = 'pending'
		  AND o.next_eligible_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM operations p
			WHERE p.entity_type = o.entity_type
			  AND p.entity_id = o.entity_id
			  AND p.status IN ('pending', 'in_flight')
			  AND p.seq < o.seq)
		  AND NOT EXISTS (
			SELECT 1 FROM operations f
			WHERE f.entity_type = o.entity_type
			  AND f.entity_id = o.entity_id
			  AND f.status = 'in_flight')
		ORDER BY o.enqueued_at ASC, o.seq ASC
		LIMIT ?
	`, toMillis(now), limit)
}

// NextEligibleAt returns the earliest next_eligible_at among pending
// operations, or the zero time when none are pending.
func (s *Store) NextEligibleAt(ctx context.Context) (time.Time, error) {
	var ms sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MIN(next_eligible_at) FROM operations WHERE status = 'pending'
	`).Scan(&ms); err != nil {
		return time.Time{}, fault("next eligible", err)
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return fromMillis(ms.Int64), nil
}

// GetOperation returns one operation by id.
func (s *Store) GetOperation(ctx context.Context, id string) (model.Operation, error) {
	ops, err := queryOps(ctx, s.db, opSelect+` WHERE o.id = ?`, id)
	if err != nil {
		return model.Operation{}, err
	}
	if len(ops) == 0 {
		return model.Operation{}, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	return ops[0], nil
}

// ListByStatus returns operations with the given status in log order.
func (s *Store) ListByStatus(ctx context.Context, status model.OpStatus) ([]model.Operation, error) {
	return queryOps(ctx, s.db, opSelect+`
		WHERE o.status = ?
		ORDER BY o.seq ASC
	`, string(status))
}

// ListForEntity returns every logged operation for one entity in log order.
func (s *Store) ListForEntity(ctx context.Context, et model.EntityType, id string) ([]model.Operation, error) {
	return queryOps(ctx, s.db, opSelect+`
		WHERE o.entity_type = ? AND o.entity_id = ?
		ORDER BY o.seq ASC
	`, string(et), id)
}

// HasOutstanding reports whether the entity has pending or in-flight
// operations.
func (s *Store) HasOutstanding(ctx context.Context, et model.EntityType, id string) (bool, error) {
	return hasOutstanding(ctx, s.db, et, id)
}

func hasOutstanding(ctx context.Context, q querier, et model.EntityType, id string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM operations
		WHERE entity_type = ? AND entity_id = ? AND status IN ('pending', 'in_flight')
	`, string(et), id).Scan(&n); err != nil {
		return false, fault("count outstanding", err)
	}
	return n > 0, nil
}

// Counts returns the number of operations in each status.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return Counts{}, fault("count operations", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, fault("scan counts", err)
		}
		switch model.OpStatus(status) {
		case model.StatusPending:
			c.Pending = n
		case model.StatusInFlight:
			c.InFlight = n
		case model.StatusDeadLettered:
			c.DeadLettered = n
		case model.StatusCommitted:
			c.Committed = n
		}
	}
	if err := rows.Err(); err != nil {
		return Counts{}, fault("iterate counts", err)
	}
	return c, nil
}

// MarkInFlight moves a pending operation to in_flight. It fails with
// ErrInvalidTransition if the operation is not pending or another
// operation for the same entity is already in flight.
func (s *Store) MarkInFlight(ctx context.Context, id string) error {
	return s.Update(ctx, func(tx *Tx) error {
		res, err := tx.q.ExecContext(ctx, `
			UPDATE operations SET status = 'in_flight'
			WHERE id = ? AND status = 'pending'
			  AND NOT EXISTS (
				SELECT 1 FROM operations f
				WHERE f.entity_type = operations.entity_type
				  AND f.entity_id = operations.entity_id
				  AND f.status = 'in_flight')
		`, id)
		return checkTransition(ctx, tx.q, res, err, id, "mark in flight")
	})
}

// MarkCommitted moves an in-flight operation to committed without touching
// the record. Committing an already committed operation is a no-op.
func (s *Store) MarkCommitted(ctx context.Context, id string) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.markCommitted(ctx, id)
	})
}

func (tx *Tx) markCommitted(ctx context.Context, id string) error {
	var status string
	err := tx.q.QueryRowContext(ctx, `SELECT status FROM operations WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fault("mark committed", err)
	}
	switch model.OpStatus(status) {
	case model.StatusCommitted:
		return nil
	case model.StatusInFlight:
	default:
		return fmt.Errorf("mark committed %s from %s: %w", id, status, ErrInvalidTransition)
	}
	if _, err := tx.q.ExecContext(ctx, `
		UPDATE operations SET status = 'committed', last_error = '' WHERE id = ?
	`, id); err != nil {
		return fault("mark committed", err)
	}
	return nil
}

// MarkRetry returns an in-flight operation to pending with a new attempt
// count and eligibility time.
func (s *Store) MarkRetry(ctx context.Context, id string, attempts int, nextEligible time.Time, lastErr string) error {
	return s.Update(ctx, func(tx *Tx) error {
		res, err := tx.q.ExecContext(ctx, `
			UPDATE operations
			SET status = 'pending', attempt_count = ?, next_eligible_at = ?, last_error = ?
			WHERE id = ? AND status = 'in_flight'
		`, attempts, toMillis(nextEligible), lastErr, id)
		return checkTransition(ctx, tx.q, res, err, id, "mark retry")
	})
}

// Requeue returns an in-flight operation to pending without consuming an
// attempt. Used when the server asks every client to back off.
func (s *Store) Requeue(ctx context.Context, id string) error {
	return s.Update(ctx, func(tx *Tx) error {
		res, err := tx.q.ExecContext(ctx, `
			UPDATE operations SET status = 'pending' WHERE id = ? AND status = 'in_flight'
		`, id)
		return checkTransition(ctx, tx.q, res, err, id, "requeue")
	})
}

// MarkDeadLettered moves a pending or in-flight operation to the
// dead-letter state, recording reason.
func (s *Store) MarkDeadLettered(ctx context.Context, id, reason string) error {
	return s.Update(ctx, func(tx *Tx) error {
		res, err := tx.q.ExecContext(ctx, `
			UPDATE operations SET status = 'dead_lettered', last_error = ?
			WHERE id = ? AND status IN ('pending', 'in_flight')
		`, reason, id)
		return checkTransition(ctx, tx.q, res, err, id, "mark dead-lettered")
	})
}

// RequeueInFlight returns every in_flight operation to pending. Run at
// driver start and shutdown so nothing stays stranded in flight.
func (s *Store) RequeueInFlight(ctx context.Context) (int64, error) {
	var n int64
	err := s.Update(ctx, func(tx *Tx) error {
		res, err := tx.q.ExecContext(ctx, `UPDATE operations SET status = 'pending' WHERE status = 'in_flight'`)
		if err != nil {
			return fault("requeue in flight", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fault("requeue in flight", err)
		}
		return nil
	})
	return n, err
}

// RetryDeadLettered re-enqueues a dead-lettered operation at the end of
// the log with attempt_count reset to 0.
func (s *Store) RetryDeadLettered(ctx context.Context, id string, now time.Time) error {
	return s.Update(ctx, func(tx *Tx) error {
		if err := requireDeadLettered(ctx, tx.q, id); err != nil {
			return err
		}
		seq, err := nextSeq(ctx, tx.q)
		if err != nil {
			return err
		}
		if _, err := tx.q.ExecContext(ctx, `
			UPDATE operations
			SET status = 'pending', attempt_count = 0, seq = ?, enqueued_at = ?,
			    next_eligible_at = ?, last_error = ''
			WHERE id = ?
		`, seq, toMillis(now), toMillis(now), id); err != nil {
			return fault("retry dead-lettered", err)
		}
		return nil
	})
}

// DiscardDeadLettered deletes a dead-lettered operation permanently. The
// local record is left as is.
func (s *Store) DiscardDeadLettered(ctx context.Context, id string) error {
	return s.Update(ctx, func(tx *Tx) error {
		if err := requireDeadLettered(ctx, tx.q, id); err != nil {
			return err
		}
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id); err != nil {
			return fault("discard dead-lettered", err)
		}
		return nil
	})
}

// PruneCommitted deletes committed operations enqueued before cutoff.
func (s *Store) PruneCommitted(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.Update(ctx, func(tx *Tx) error {
		res, err := tx.q.ExecContext(ctx, `
			DELETE FROM operations WHERE status = 'committed' AND enqueued_at < ?
		`, toMillis(cutoff))
		if err != nil {
			return fault("prune committed", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fault("prune committed", err)
		}
		return nil
	})
	return n, err
}

func requireDeadLettered(ctx context.Context, q querier, id string) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM operations WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fault("read operation status", err)
	}
	if model.OpStatus(status) != model.StatusDeadLettered {
		return fmt.Errorf("operation %s is %s: %w", id, status, ErrNotDeadLettered)
	}
	return nil
}

// checkTransition turns a zero-row UPDATE into ErrNotFound or
// ErrInvalidTransition.
func checkTransition(ctx context.Context, q querier, res sql.Result, err error, id, op string) error {
	if err != nil {
		return fault(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fault(op, err)
	}
	if n > 0 {
		return nil
	}
	var status string
	err = q.QueryRowContext(ctx, `SELECT status FROM operations WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	if err != nil {
		return fault(op, err)
	}
	return fmt.Errorf("%s %s (status %s): %w", op, id, status, ErrInvalidTransition)
}

func queryOps(ctx context.Context, q querier, query string, args ...any) ([]model.Operation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault("query operations", err)
	}
	defer rows.Close()

	ops := []model.Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("iterate operations", err)
	}
	return ops, nil
}

func scanOperation(row rowScanner) (model.Operation, error) {
	var (
		op                                  model.Operation
		entityType, kind, status, payload   string
		baseVersion                         sql.NullInt64
		updatedAt, enqueuedAt, nextEligible int64
		corrective                          int
	)
	err := row.Scan(
		&op.ID, &op.Seq, &entityType, &op.EntityID, &kind, &payload, &baseVersion,
		&updatedAt, &op.UpdatedBy, &enqueuedAt, &op.AttemptCount, &nextEligible,
		&status, &op.LastError, &corrective, &op.RemoteID,
	)
	if err != nil {
		return model.Operation{}, fault("scan operation", err)
	}
	fields, err := unmarshalFields(payload)
	if err != nil {
		return model.Operation{}, fault("decode operation payload", err)
	}
	op.EntityType = model.EntityType(entityType)
	op.Kind = model.OpKind(kind)
	op.Status = model.OpStatus(status)
	op.Payload = fields
	op.BaseVersion = fromNullVersion(baseVersion)
	op.UpdatedAt = fromMillis(updatedAt)
	op.EnqueuedAt = fromMillis(enqueuedAt)
	op.NextEligibleAt = fromMillis(nextEligible)
	op.Corrective = corrective == 1
	return op, nil
}
