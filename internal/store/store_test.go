package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"records", "operations", "meta"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %q missing", table)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	require.Error(t, err)
	assert.True(t, IsFault(err))
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	require.NoError(t, err)
	_, err = s1.Enqueue(ctx, testOp("op-1", model.EntityNote, "n-1", 1))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	op, err := s2.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, op.Status)
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{}
	assert.NoError(t, s.Close())
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct{ name, want string }{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
		{"user_version", "2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, s.verifyPragma(tt.name, tt.want))
		})
	}
}

func TestSchema_Indexes(t *testing.T) {
	s := createTestStore(t)
	for _, idx := range []string{"idx_operations_ready", "idx_operations_entity", "idx_records_server_id"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&name)
		assert.NoError(t, err, "index %q missing", idx)
	}
}

func TestMigrateAddsBaseFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v1.db")
	old, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = old.Exec(`
		CREATE TABLE records (
			entity_type TEXT NOT NULL,
			id          TEXT NOT NULL,
			server_id   TEXT NOT NULL DEFAULT '',
			version     INTEGER,
			fields      TEXT NOT NULL,
			updated_at  INTEGER NOT NULL,
			updated_by  TEXT NOT NULL,
			deleted     INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (entity_type, id)
		);
		INSERT INTO records (entity_type, id, fields, updated_at, updated_by)
		VALUES ('note', 'n-1', '{"body":"draft"}', 0, 'tech-1');
		PRAGMA user_version = 1;
	`)
	require.NoError(t, err)
	require.NoError(t, old.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('records') WHERE name = 'base_fields'`).Scan(&n))
	assert.Equal(t, 1, n)
	assert.NoError(t, s.verifyPragma("user_version", "2"))

	rec, err := s.GetRecord(context.Background(), model.EntityNote, "n-1")
	require.NoError(t, err)
	assert.Equal(t, model.String("draft"), rec.Fields["body"])
}

func TestSchema_RejectsUnknownStatus(t *testing.T) {
	s := createTestStore(t)
	_, err := s.db.Exec(`
		INSERT INTO operations (id, seq, entity_type, entity_id, kind, payload, updated_at, updated_by,
			enqueued_at, next_eligible_at, status)
		VALUES ('x', 1, 'note', 'n', 'update', '{}', 0, '', 0, 0, 'lost')
	`)
	require.Error(t, err)
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx *Tx) error {
		require.NoError(t, tx.PutRecord(ctx, testRecord(model.EntityNote, "n-1", "body", "draft")))
		_, err := tx.Enqueue(ctx, testOp("op-1", model.EntityNote, "n-1", 1))
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetRecord(ctx, model.EntityNote, "n-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetOperation(ctx, "op-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFaultErrorWrapping(t *testing.T) {
	err := fault("write", errors.New("disk I/O error"))
	assert.True(t, IsFault(err))
	assert.Contains(t, err.Error(), "storage fault: write")

	var fe *FaultError
	require.ErrorAs(t, err, &fe)
	assert.False(t, fe.Disk())

	assert.False(t, IsFault(fault("read", context.Canceled)))
	assert.NoError(t, fault("noop", nil))
}
