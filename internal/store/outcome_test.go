package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
)

func TestApplyAcceptedConfirmsVersionAndRebases(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.PutRecord(ctx, testRecord(model.EntityNote, "n", "body", "v2")))
	first, err := s.Enqueue(ctx, testOp("op-1", model.EntityNote, "n", 0))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, testOp("op-2", model.EntityNote, "n", 1))
	require.NoError(t, err)

	require.NoError(t, s.MarkInFlight(ctx, "op-1"))
	require.NoError(t, s.ApplyAccepted(ctx, first, 4, "srv-n"))

	rec, err := s.GetRecord(ctx, model.EntityNote, "n")
	require.NoError(t, err)
	require.NotNil(t, rec.Version)
	assert.Equal(t, int64(4), *rec.Version)
	assert.Equal(t, "srv-n", rec.ServerID)

	next, err := s.GetOperation(ctx, "op-2")
	require.NoError(t, err)
	require.NotNil(t, next.BaseVersion)
	assert.Equal(t, int64(4), *next.BaseVersion)
	assert.Equal(t, "srv-n", next.RemoteID)

	committed, err := s.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCommitted, committed.Status)

	// Replay is harmless.
	require.NoError(t, s.ApplyAccepted(ctx, first, 4, "srv-n"))
}

func TestApplyAcceptedKeepsExistingAlias(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	rec := testRecord(model.EntityNote, "n", "body", "x")
	rec.ServerID = "srv-n"
	require.NoError(t, s.PutRecord(ctx, rec))
	op, err := s.Enqueue(ctx, testOp("op", model.EntityNote, "n", 0))
	require.NoError(t, err)
	require.NoError(t, s.MarkInFlight(ctx, "op"))

	require.NoError(t, s.ApplyAccepted(ctx, op, 2, ""))

	got, err := s.GetRecord(ctx, model.EntityNote, "n")
	require.NoError(t, err)
	assert.Equal(t, "srv-n", got.ServerID)
}

func TestApplyAcceptedDeleteRemovesTombstone(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	tomb := testRecord(model.EntityPhoto, "p", "uri", "file://p")
	tomb.Deleted = true
	require.NoError(t, s.PutRecord(ctx, tomb))

	op := testOp("del", model.EntityPhoto, "p", 0)
	op.Kind = model.OpDelete
	op.Payload = nil
	op, err := s.Enqueue(ctx, op)
	require.NoError(t, err)
	require.NoError(t, s.MarkInFlight(ctx, "del"))
	require.NoError(t, s.ApplyAccepted(ctx, op, 9, ""))

	_, err = s.GetRecordAny(ctx, model.EntityPhoto, "p")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyAcceptedRequiresInFlight(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	op, err := s.Enqueue(ctx, testOp("op", model.EntityNote, "n", 0))
	require.NoError(t, err)
	assert.ErrorIs(t, s.ApplyAccepted(ctx, op, 1, ""), ErrInvalidTransition)
	assert.ErrorIs(t, s.ApplyAccepted(ctx, model.Operation{ID: "ghost"}, 1, ""), ErrNotFound)
}

// fixedResolution ignores the local side and returns merged and corrective.
func fixedResolution(merged model.Record, corrective *model.Operation) ResolveFunc {
	return func(Conflicted) (model.Record, *model.Operation, error) {
		return merged, corrective, nil
	}
}

func TestApplyResolutionWritesMergedAndCorrective(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.PutRecord(ctx, testRecord(model.EntityAssignment, "a", "notes", "Replaced filter")))
	op, err := s.Enqueue(ctx, testOp("op-1", model.EntityAssignment, "a", 0))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, testOp("op-2", model.EntityAssignment, "a", 1))
	require.NoError(t, err)
	require.NoError(t, s.MarkInFlight(ctx, "op-1"))

	server := testRecord(model.EntityAssignment, "a", "notes", "")
	server.Version = model.Version(6)
	merged := testRecord(model.EntityAssignment, "a", "notes", "Replaced filter")
	merged.Version = model.Version(6)
	corrective := model.Operation{
		ID: "corr-1", EntityType: model.EntityAssignment, EntityID: "a", Kind: model.OpUpdate,
		Payload: model.Object{"notes": model.String("Replaced filter")}, BaseVersion: model.Version(6),
		UpdatedAt: testEpoch, UpdatedBy: "tech-1", EnqueuedAt: testEpoch.Add(time.Hour), Corrective: true,
	}
	require.NoError(t, s.ApplyResolution(ctx, op, server, fixedResolution(merged, &corrective)))

	rec, err := s.GetRecord(ctx, model.EntityAssignment, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(6), *rec.Version)
	assert.Equal(t, model.String("Replaced filter"), rec.Fields["notes"])

	base, err := s.BaseFields(ctx, model.EntityAssignment, "a")
	require.NoError(t, err)
	assert.Equal(t, model.Object{"notes": model.String("")}, base)

	ops, err := s.ListForEntity(ctx, model.EntityAssignment, "a")
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, model.StatusCommitted, ops[0].Status)
	assert.Equal(t, int64(6), *ops[1].BaseVersion, "later pending op rebased")
	assert.Equal(t, "corr-1", ops[2].ID)
	assert.True(t, ops[2].Corrective)

	// Replaying a committed resolution changes nothing.
	called := false
	require.NoError(t, s.ApplyResolution(ctx, op, server, func(Conflicted) (model.Record, *model.Operation, error) {
		called = true
		return merged, &corrective, nil
	}))
	assert.False(t, called)
	ops, err = s.ListForEntity(ctx, model.EntityAssignment, "a")
	require.NoError(t, err)
	assert.Len(t, ops, 3)
}

func TestApplyResolutionReadsLocalSideInTransaction(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	seeded := testRecord(model.EntityAssignment, "a", "tags", "x")
	seeded.Version = model.Version(1)
	require.NoError(t, s.Refresh(ctx, model.EntityAssignment, "a", &seeded))

	op, err := s.Mutate(ctx, model.EntityAssignment, "a", func(cur model.Record, _ bool) (model.Record, model.Operation, error) {
		o := testOp("op-1", model.EntityAssignment, "a", 0)
		o.Payload = model.Object{"tags": model.String("y")}
		return model.Apply(cur, o), o, nil
	})
	require.NoError(t, err)
	require.NoError(t, s.MarkInFlight(ctx, "op-1"))
	_, err = s.Mutate(ctx, model.EntityAssignment, "a", func(cur model.Record, _ bool) (model.Record, model.Operation, error) {
		o := testOp("op-2", model.EntityAssignment, "a", 1)
		o.Payload = model.Object{"arrived_at": model.String("09:12")}
		return model.Apply(cur, o), o, nil
	})
	require.NoError(t, err)

	var seen Conflicted
	server := testRecord(model.EntityAssignment, "a", "tags", "x")
	server.Version = model.Version(2)
	require.NoError(t, s.ApplyResolution(ctx, op, server, func(c Conflicted) (model.Record, *model.Operation, error) {
		seen = c
		merged := c.Local.Clone()
		merged.Version = model.Version(2)
		return merged, nil, nil
	}))

	assert.True(t, seen.Found)
	assert.Equal(t, model.String("y"), seen.Local.Fields["tags"])
	assert.Equal(t, model.String("09:12"), seen.Local.Fields["arrived_at"])
	assert.Equal(t, model.Object{"tags": model.String("x")}, seen.Base)
	assert.Equal(t, []string{"op-1", "op-2"}, opIDs(seen.Outstanding))
}

func TestApplyResolutionAbortsOnResolveError(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.PutRecord(ctx, testRecord(model.EntityNote, "n", "body", "mine")))
	op, err := s.Enqueue(ctx, testOp("op", model.EntityNote, "n", 0))
	require.NoError(t, err)
	require.NoError(t, s.MarkInFlight(ctx, "op"))

	boom := errors.New("cannot merge")
	err = s.ApplyResolution(ctx, op, testRecord(model.EntityNote, "n", "body", "theirs"), func(Conflicted) (model.Record, *model.Operation, error) {
		return model.Record{}, nil, boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetOperation(ctx, "op")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInFlight, got.Status)
}

func TestApplyResolutionServerDeletionDropsRecord(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.PutRecord(ctx, testRecord(model.EntityNote, "n", "body", "local edit")))
	op, err := s.Enqueue(ctx, testOp("op", model.EntityNote, "n", 0))
	require.NoError(t, err)
	require.NoError(t, s.MarkInFlight(ctx, "op"))

	merged := testRecord(model.EntityNote, "n", "body", "")
	merged.Deleted = true
	merged.Version = model.Version(3)
	require.NoError(t, s.ApplyResolution(ctx, op, merged, fixedResolution(merged, nil)))

	_, err = s.GetRecordAny(ctx, model.EntityNote, "n")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyResolutionServerDeletionKeepsTombstoneWhileBusy(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.PutRecord(ctx, testRecord(model.EntityNote, "n", "body", "local edit")))
	op, err := s.Enqueue(ctx, testOp("op-1", model.EntityNote, "n", 0))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, testOp("op-2", model.EntityNote, "n", 1))
	require.NoError(t, err)
	require.NoError(t, s.MarkInFlight(ctx, "op-1"))

	merged := testRecord(model.EntityNote, "n", "body", "")
	merged.Deleted = true
	merged.Version = model.Version(3)
	require.NoError(t, s.ApplyResolution(ctx, op, merged, fixedResolution(merged, nil)))

	rec, err := s.GetRecordAny(ctx, model.EntityNote, "n")
	require.NoError(t, err)
	assert.True(t, rec.Deleted)
}

func TestApplyAcceptedAdvancesBase(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	create := testOp("op-1", model.EntityNote, "n", 0)
	create.Kind = model.OpCreate
	create.Payload = model.Object{"body": model.String("draft"), "tags": model.List{model.String("a")}}
	_, err := s.Mutate(ctx, model.EntityNote, "n", func(cur model.Record, _ bool) (model.Record, model.Operation, error) {
		return model.Apply(cur, create), create, nil
	})
	require.NoError(t, err)

	base, err := s.BaseFields(ctx, model.EntityNote, "n")
	require.NoError(t, err)
	assert.Nil(t, base, "never confirmed")

	require.NoError(t, s.MarkInFlight(ctx, "op-1"))
	require.NoError(t, s.ApplyAccepted(ctx, create, 1, ""))
	base, err = s.BaseFields(ctx, model.EntityNote, "n")
	require.NoError(t, err)
	assert.Equal(t, create.Payload, base)

	update := testOp("op-2", model.EntityNote, "n", 1)
	update.Payload = model.Object{"tags": model.List{}}
	_, err = s.Mutate(ctx, model.EntityNote, "n", func(cur model.Record, _ bool) (model.Record, model.Operation, error) {
		return model.Apply(cur, update), update, nil
	})
	require.NoError(t, err)

	// Local edits leave the confirmed state alone.
	base, err = s.BaseFields(ctx, model.EntityNote, "n")
	require.NoError(t, err)
	assert.Equal(t, create.Payload, base)

	require.NoError(t, s.MarkInFlight(ctx, "op-2"))
	require.NoError(t, s.ApplyAccepted(ctx, update, 2, ""))
	base, err = s.BaseFields(ctx, model.EntityNote, "n")
	require.NoError(t, err)
	assert.Equal(t, model.Object{"body": model.String("draft"), "tags": model.List{}}, base)
}
