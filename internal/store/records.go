package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/fieldsync/internal/model"
)

const recordColumns = `entity_type, id, server_id, version, fields, updated_at, updated_by, deleted`

// GetRecord returns the live record for (et, id). Tombstones and missing
// records both yield ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, et model.EntityType, id string) (model.Record, error) {
	return getLiveRecord(ctx, s.db, et, id)
}

// GetRecordAny returns the record for (et, id) including tombstones.
func (s *Store) GetRecordAny(ctx context.Context, et model.EntityType, id string) (model.Record, error) {
	return getRecord(ctx, s.db, et, id)
}

// ListRecords returns the live records of one entity type ordered by id.
func (s *Store) ListRecords(ctx context.Context, et model.EntityType) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE entity_type = ? AND deleted = 0
		ORDER BY id COLLATE BINARY ASC
	`, string(et))
	if err != nil {
		return nil, fault("query records", err)
	}
	defer rows.Close()

	records := []model.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("iterate records", err)
	}
	return records, nil
}

// PutRecord writes a record snapshot without a log entry. It is meant for
// server-originated state (resync); local mutations go through Update so
// the record and its operation commit together.
func (s *Store) PutRecord(ctx context.Context, rec model.Record) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.PutRecord(ctx, rec)
	})
}

// GetRecord returns the live record within the transaction.
func (tx *Tx) GetRecord(ctx context.Context, et model.EntityType, id string) (model.Record, error) {
	return getLiveRecord(ctx, tx.q, et, id)
}

// GetRecordAny returns the record within the transaction, tombstones included.
func (tx *Tx) GetRecordAny(ctx context.Context, et model.EntityType, id string) (model.Record, error) {
	return getRecord(ctx, tx.q, et, id)
}

// PutRecord upserts a record snapshot.
func (tx *Tx) PutRecord(ctx context.Context, rec model.Record) error {
	if !rec.EntityType.Valid() || rec.ID == "" {
		return fmt.Errorf("put record: invalid key (%q, %q)", rec.EntityType, rec.ID)
	}
	fieldsJSON, err := marshalFields(rec.Fields)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	_, err = tx.q.ExecContext(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			server_id  = excluded.server_id,
			version    = excluded.version,
			fields     = excluded.fields,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by,
			deleted    = excluded.deleted
	`,
		string(rec.EntityType),
		rec.ID,
		rec.ServerID,
		toNullVersion(rec.Version),
		fieldsJSON,
		toMillis(rec.UpdatedAt),
		rec.UpdatedBy,
		boolToInt(rec.Deleted),
	)
	if err != nil {
		return fault("put record", err)
	}
	return nil
}

// DeleteRecord removes the row for (et, id) entirely, tombstone included.
// Deleting a missing record is not an error.
func (tx *Tx) DeleteRecord(ctx context.Context, et model.EntityType, id string) error {
	if _, err := tx.q.ExecContext(ctx, `
		DELETE FROM records WHERE entity_type = ? AND id = ?
	`, string(et), id); err != nil {
		return fault("delete record", err)
	}
	return nil
}

func getLiveRecord(ctx context.Context, q querier, et model.EntityType, id string) (model.Record, error) {
	rec, err := getRecord(ctx, q, et, id)
	if err != nil {
		return model.Record{}, err
	}
	if rec.Deleted {
		return model.Record{}, fmt.Errorf("record %s/%s: %w", et, id, ErrNotFound)
	}
	return rec, nil
}

func getRecord(ctx context.Context, q querier, et model.EntityType, id string) (model.Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE entity_type = ? AND id = ?
	`, string(et), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, fmt.Errorf("record %s/%s: %w", et, id, ErrNotFound)
	}
	if err != nil {
		return model.Record{}, err
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.Record, error) {
	var (
		rec        model.Record
		entityType string
		version    sql.NullInt64
		fieldsJSON string
		updatedAt  int64
		deleted    int
	)
	err := row.Scan(&entityType, &rec.ID, &rec.ServerID, &version, &fieldsJSON, &updatedAt, &rec.UpdatedBy, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, err
	}
	if err != nil {
		return model.Record{}, fault("scan record", err)
	}
	fields, err := unmarshalFields(fieldsJSON)
	if err != nil {
		return model.Record{}, fault("decode record fields", err)
	}
	rec.EntityType = model.EntityType(entityType)
	rec.Version = fromNullVersion(version)
	rec.Fields = fields
	rec.UpdatedAt = fromMillis(updatedAt)
	rec.Deleted = deleted == 1
	return rec, nil
}

// Refresh replaces the local snapshot of (et, id) with the server copy.
// A nil or deleted server copy removes the local row. The entity must have
// no pending or in-flight operations, otherwise ErrOutstanding is
// returned and nothing changes.
func (s *Store) Refresh(ctx context.Context, et model.EntityType, id string, server *model.Record) error {
	return s.Update(ctx, func(tx *Tx) error {
		busy, err := hasOutstanding(ctx, tx.q, et, id)
		if err != nil {
			return err
		}
		if busy {
			return fmt.Errorf("refresh %s %s: %w", et, id, ErrOutstanding)
		}
		if server == nil || server.Deleted {
			return tx.DeleteRecord(ctx, et, id)
		}
		rec := server.Clone()
		if rec.ID != id {
			rec.ServerID = rec.ID
			rec.ID = id
		}
		rec.EntityType = et
		if err := tx.PutRecord(ctx, rec); err != nil {
			return err
		}
		return tx.setBaseFields(ctx, et, id, confirmed(rec.Fields))
	})
}

// BaseFields returns the field set the server last confirmed for (et, id),
// or nil when it is unknown.
func (s *Store) BaseFields(ctx context.Context, et model.EntityType, id string) (model.Object, error) {
	return baseFields(ctx, s.db, et, id)
}

func baseFields(ctx context.Context, q querier, et model.EntityType, id string) (model.Object, error) {
	var data sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT base_fields FROM records WHERE entity_type = ? AND id = ?
	`, string(et), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !data.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, fault("read base fields", err)
	}
	fields, err := unmarshalFields(data.String)
	if err != nil {
		return nil, fault("decode base fields", err)
	}
	return fields, nil
}

// confirmed turns a server field set into a known base: nil becomes empty.
func confirmed(fields model.Object) model.Object {
	if fields == nil {
		return model.Object{}
	}
	return fields
}

// setBaseFields records fields as the server-confirmed state of (et, id).
// A nil fields value clears it.
func (tx *Tx) setBaseFields(ctx context.Context, et model.EntityType, id string, fields model.Object) error {
	var data sql.NullString
	if fields != nil {
		encoded, err := marshalFields(fields)
		if err != nil {
			return fmt.Errorf("set base fields: %w", err)
		}
		data = sql.NullString{String: encoded, Valid: true}
	}
	if _, err := tx.q.ExecContext(ctx, `
		UPDATE records SET base_fields = ? WHERE entity_type = ? AND id = ?
	`, data, string(et), id); err != nil {
		return fault("set base fields", err)
	}
	return nil
}
