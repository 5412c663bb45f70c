package memremote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/remote"
)

var epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return epoch }

func createOp(id, entityID string, fields model.Object) model.Operation {
	return model.Operation{
		ID:         id,
		EntityType: model.EntityAssignment,
		EntityID:   entityID,
		Kind:       model.OpCreate,
		Payload:    fields,
		UpdatedAt:  epoch,
		UpdatedBy:  "tech-1",
	}
}

func updateOp(id, entityID string, base int64, fields model.Object) model.Operation {
	op := createOp(id, entityID, fields)
	op.Kind = model.OpUpdate
	op.BaseVersion = model.Version(base)
	return op
}

func TestSubmitCreateAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := New(WithClock(fixedNow))

	r, err := s.Submit(ctx, createOp("op-1", "a-1", model.Object{"notes": model.String("x")}))
	require.NoError(t, err)
	assert.Equal(t, remote.Receipt{Version: 1}, r)

	r, err = s.Submit(ctx, updateOp("op-2", "a-1", 1, model.Object{"notes": model.String("y")}))
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.Version)

	rec, ok := s.Get(model.EntityAssignment, "a-1")
	require.True(t, ok)
	assert.Equal(t, model.String("y"), rec.Fields["notes"])
	assert.Len(t, s.Applied(), 2)
}

func TestSubmitIsIdempotentByOperationID(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Submit(ctx, createOp("op-1", "a-1", model.Object{}))
	require.NoError(t, err)
	first, err := s.Submit(ctx, updateOp("op-2", "a-1", 1, model.Object{"n": model.Int(1)}))
	require.NoError(t, err)
	again, err := s.Submit(ctx, updateOp("op-2", "a-1", 1, model.Object{"n": model.Int(1)}))
	require.NoError(t, err)

	assert.Equal(t, first, again)
	rec, _ := s.Get(model.EntityAssignment, "a-1")
	assert.Equal(t, int64(2), *rec.Version)
	assert.Len(t, s.Applied(), 2)
}

func TestSubmitStaleBaseVersionConflicts(t *testing.T) {
	ctx := context.Background()
	s := New(WithClock(fixedNow))
	s.Put(model.Record{EntityType: model.EntityAssignment, ID: "a-1", Fields: model.Object{"status": model.String("open")}})
	_, err := s.Update(model.EntityAssignment, "a-1", model.Object{"status": model.String("cancelled")}, "dispatcher")
	require.NoError(t, err)

	_, err = s.Submit(ctx, updateOp("op-1", "a-1", 1, model.Object{"status": model.String("done")}))
	require.True(t, remote.IsConflict(err))
	re, ok := remote.AsError(err)
	require.True(t, ok)
	require.NotNil(t, re.Server)
	assert.Equal(t, int64(2), *re.Server.Version)
	assert.Equal(t, model.String("cancelled"), re.Server.Fields["status"])
}

func TestSubmitAgainstTombstoneConflicts(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Put(model.Record{EntityType: model.EntityAssignment, ID: "a-1"})
	_, err := s.Delete(model.EntityAssignment, "a-1", "dispatcher")
	require.NoError(t, err)

	_, err = s.Submit(ctx, updateOp("op-1", "a-1", 2, model.Object{"n": model.Int(1)}))
	re, ok := remote.AsError(err)
	require.True(t, ok)
	assert.Equal(t, remote.CodeConflict, re.Code)
	assert.True(t, re.Server.Deleted)
	assert.Empty(t, s.Records(model.EntityAssignment))
}

func TestSubmitUnknownRecordIsPermanent(t *testing.T) {
	_, err := New().Submit(context.Background(), updateOp("op-1", "missing", 1, model.Object{"n": model.Int(1)}))
	assert.True(t, remote.IsPermanent(err))
}

func TestServerAssignedIDs(t *testing.T) {
	ctx := context.Background()
	s := New(WithServerIDs("srv"))

	r, err := s.Submit(ctx, createOp("op-1", "local-1", model.Object{}))
	require.NoError(t, err)
	assert.Equal(t, "srv-1", r.ServerID)

	rec, ok := s.Get(model.EntityAssignment, "local-1")
	require.True(t, ok)
	assert.Equal(t, "srv-1", rec.ID)

	op := updateOp("op-2", "local-1", 1, model.Object{"n": model.Int(1)})
	op.RemoteID = "srv-1"
	r, err = s.Submit(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, remote.Receipt{Version: 2, ServerID: "srv-1"}, r)
}

func TestFailNext(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := remote.Transient(errors.New("connection reset"))
	s.FailNext(boom, remote.RateLimited(time.Second))

	_, err := s.Submit(ctx, createOp("op-1", "a-1", model.Object{}))
	assert.True(t, remote.IsTransient(err))
	_, err = s.Submit(ctx, createOp("op-1", "a-1", model.Object{}))
	assert.Equal(t, remote.CodeRateLimited, remote.Classify(err))
	_, err = s.Submit(ctx, createOp("op-1", "a-1", model.Object{}))
	assert.NoError(t, err)
}

func TestSubmitCancelledContextIsTransient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Submit(ctx, createOp("op-1", "a-1", model.Object{}))
	assert.True(t, remote.IsTransient(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetch(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Fetch(ctx, model.EntityNote, "n-1")
	assert.ErrorIs(t, err, remote.ErrNotFound)

	s.Put(model.Record{EntityType: model.EntityNote, ID: "n-1", Fields: model.Object{"body": model.String("hi")}})
	rec, err := s.Fetch(ctx, model.EntityNote, "n-1")
	require.NoError(t, err)
	assert.Equal(t, model.String("hi"), rec.Fields["body"])
}

func TestAdminChangeOfMissingRecord(t *testing.T) {
	_, err := New().Update(model.EntityNote, "nope", model.Object{}, "x")
	assert.ErrorIs(t, err, remote.ErrNotFound)
}
