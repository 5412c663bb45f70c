package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

var testEpoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// createTestStore opens a fresh database in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testOp builds an update operation enqueued minute minutes after testEpoch.
func testOp(id string, et model.EntityType, entityID string, minute int) model.Operation {
	at := testEpoch.Add(time.Duration(minute) * time.Minute)
	return model.Operation{
		ID:         id,
		EntityType: et,
		EntityID:   entityID,
		Kind:       model.OpUpdate,
		Payload:    model.Object{"n": model.Int(int64(minute))},
		UpdatedAt:  at,
		UpdatedBy:  "tech-1",
		EnqueuedAt: at,
	}
}

func testRecord(et model.EntityType, id, field, value string) model.Record {
	return model.Record{
		EntityType: et,
		ID:         id,
		Fields:     model.Object{field: model.String(value)},
		UpdatedAt:  testEpoch,
		UpdatedBy:  "tech-1",
	}
}

func opIDs(ops []model.Operation) []string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}
