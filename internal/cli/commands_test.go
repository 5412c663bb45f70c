package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/remote/httpremote"
)

// statusView mirrors the status payload with the state left as text.
type statusView struct {
	State        string `json:"state"`
	Online       bool   `json:"online"`
	Pending      int    `json:"pending"`
	InFlight     int    `json:"in_flight"`
	DeadLettered int    `json:"dead_lettered"`
	Committed    int    `json:"committed"`
	Fault        string `json:"fault"`
}

func enqueueNote(t *testing.T, env *testEnv, payload string) model.Operation {
	t.Helper()
	var op model.Operation
	env.runJSON(t, &op, "enqueue", "note", "create", "--payload", payload)
	return op
}

func TestEnqueueAppliesLocallyAndQueues(t *testing.T) {
	env := newTestEnv(t, nil)

	op := enqueueNote(t, env, `{"assignment_id":"a-1","body":"Replaced filter"}`)
	assert.Equal(t, model.OpCreate, op.Kind)
	assert.Equal(t, model.EntityNote, op.EntityType)
	assert.Equal(t, model.StatusPending, op.Status)
	assert.Equal(t, "tech-1", op.UpdatedBy)
	require.NotEmpty(t, op.EntityID)

	out, err := env.run(t, "records", "get", "note", op.EntityID)
	require.NoError(t, err)
	assert.Contains(t, out, "note/"+op.EntityID)
	assert.Contains(t, out, `body: "Replaced filter"`)
	assert.Contains(t, out, op.ID+" create pending")

	out, err = env.run(t, "records", "list", "note")
	require.NoError(t, err)
	assert.Contains(t, out, op.EntityID)

	var status statusView
	env.runJSON(t, &status, "status")
	assert.Equal(t, 1, status.Pending)
	assert.Equal(t, "idle", status.State)

	out, err = env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Pending:        1")
}

func TestEnqueueWithExplicitIDAndUpdate(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.run(t, "enqueue", "time_entry", "create", "te-1", "--payload", `{"minutes":30}`)
	require.NoError(t, err)
	out, err := env.run(t, "enqueue", "time_entry", "update", "te-1", "--payload", `{"minutes":45}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Queued update time_entry/te-1")

	var view recordView
	env.runJSON(t, &view, "records", "get", "time_entry", "te-1")
	assert.True(t, model.Equal(model.Int(45), view.Record.Fields["minutes"]))
	require.Len(t, view.Operations, 2)
	assert.Equal(t, model.OpUpdate, view.Operations[1].Kind)
}

func TestEnqueueRejections(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name     string
		args     []string
		exitCode int
		code     string
	}{
		{"unknown entity type", []string{"enqueue", "invoice", "create"}, ExitCommandError, ""},
		{"unknown kind", []string{"enqueue", "note", "upsert", "n-1"}, ExitCommandError, ""},
		{"bad payload", []string{"enqueue", "note", "create", "--payload", `[1,2]`}, ExitCommandError, ""},
		{"update of missing record", []string{"enqueue", "note", "update", "n-404", "--payload", `{"body":"x"}`}, ExitFailure, "NOT_FOUND"},
		{"update without id", []string{"enqueue", "note", "update", "--payload", `{"body":"x"}`}, ExitFailure, "INVALID_MUTATION"},
		{"delete with payload", []string{"enqueue", "note", "delete", "n-1", "--payload", `{"body":"x"}`}, ExitFailure, "INVALID_MUTATION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := env.run(t, append(tt.args, "--format", "json")...)
			require.Error(t, err)
			assert.Equal(t, tt.exitCode, GetExitCode(err))
			if tt.code != "" {
				assert.Equal(t, tt.code, decodeError(t, out).Code)
			}
		})
	}
}

func TestEnqueueCreateTwiceIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.run(t, "enqueue", "note", "create", "n-1", "--payload", `{"body":"a"}`)
	require.NoError(t, err)
	out, err := env.run(t, "enqueue", "note", "create", "n-1", "--payload", `{"body":"b"}`, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, "ALREADY_EXISTS", decodeError(t, out).Code)
}

func TestRecordsGetMissing(t *testing.T) {
	env := newTestEnv(t, nil)

	out, err := env.run(t, "records", "get", "note", "n-404", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "NOT_FOUND", decodeError(t, out).Code)
}

func TestRecordsListEmpty(t *testing.T) {
	env := newTestEnv(t, nil)

	out, err := env.run(t, "records", "list", "assignment")
	require.NoError(t, err)
	assert.Contains(t, out, "No assignment records.")

	var records []model.Record
	env.runJSON(t, &records, "records", "list", "assignment")
	assert.Empty(t, records)
}

func TestSyncDeliversQueuedOperations(t *testing.T) {
	env := newTestEnv(t, nil)
	backend := env.startRemote(t)

	op := enqueueNote(t, env, `{"assignment_id":"a-1","body":"Replaced filter"}`)

	out, err := env.run(t, "sync")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Sync complete.")

	rec, ok := backend.Get(model.EntityNote, op.EntityID)
	require.True(t, ok)
	assert.True(t, model.Equal(model.String("Replaced filter"), rec.Fields["body"]))

	var status statusView
	env.runJSON(t, &status, "status")
	assert.Equal(t, 0, status.Pending)
	assert.Equal(t, 1, status.Committed)

	var view recordView
	env.runJSON(t, &view, "records", "get", "note", op.EntityID)
	require.NotNil(t, view.Record.Version)
	assert.Equal(t, int64(1), *view.Record.Version)
}

func TestSyncRequiresRemoteURL(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.run(t, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "remote_url is not configured")
}

func TestUnauthorizedSendIsDeadLettered(t *testing.T) {
	env := newTestEnv(t, map[string]any{"token": "not-a-jwt"})
	backend := env.startRemote(t, httpremote.WithSecret([]byte("s3cret")))

	op := enqueueNote(t, env, `{"body":"Replaced filter"}`)
	_, err := env.run(t, "sync")
	require.NoError(t, err)

	_, ok := backend.Get(model.EntityNote, op.EntityID)
	assert.False(t, ok)

	var dead []model.Operation
	env.runJSON(t, &dead, "deadletter", "list")
	require.Len(t, dead, 1)
	assert.Equal(t, op.ID, dead[0].ID)

	// With a valid token the retried operation goes through.
	token, err := httpremote.MintToken([]byte("s3cret"), "tech-1", time.Hour, time.Now())
	require.NoError(t, err)
	env.set(t, "token", token)

	out, err := env.run(t, "deadletter", "retry", op.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Re-enqueued "+op.ID)

	_, err = env.run(t, "sync")
	require.NoError(t, err)
	_, ok = backend.Get(model.EntityNote, op.EntityID)
	assert.True(t, ok)
}

func TestTokenFileCredentials(t *testing.T) {
	env := newTestEnv(t, nil)
	backend := env.startRemote(t, httpremote.WithSecret([]byte("s3cret")))

	token, err := httpremote.MintToken([]byte("s3cret"), "tech-1", time.Hour, time.Now())
	require.NoError(t, err)
	tokenFile := filepath.Join(env.dir, "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte(token+"\n"), 0o600))
	env.set(t, "token_file", tokenFile)

	op := enqueueNote(t, env, `{"body":"Replaced filter"}`)
	_, err = env.run(t, "sync")
	require.NoError(t, err)

	_, ok := backend.Get(model.EntityNote, op.EntityID)
	assert.True(t, ok)
}

func TestDeadLetterDiscardKeepsLocalRecord(t *testing.T) {
	env := newTestEnv(t, map[string]any{"token": "not-a-jwt"})
	env.startRemote(t, httpremote.WithSecret([]byte("s3cret")))

	op := enqueueNote(t, env, `{"body":"Replaced filter"}`)
	_, err := env.run(t, "sync")
	require.NoError(t, err)

	out, err := env.run(t, "deadletter", "list")
	require.NoError(t, err)
	assert.Contains(t, out, op.ID)

	out, err = env.run(t, "deadletter", "discard", op.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Discarded "+op.ID)

	out, err = env.run(t, "deadletter", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No dead-lettered operations.")

	var view recordView
	env.runJSON(t, &view, "records", "get", "note", op.EntityID)
	assert.Empty(t, view.Operations)
	assert.True(t, model.Equal(model.String("Replaced filter"), view.Record.Fields["body"]))
}

func TestDeadLetterRetryAll(t *testing.T) {
	env := newTestEnv(t, map[string]any{"token": "not-a-jwt"})
	env.startRemote(t, httpremote.WithSecret([]byte("s3cret")))

	enqueueNote(t, env, `{"body":"first"}`)
	_, err := env.run(t, "sync")
	require.NoError(t, err)

	var result map[string]int
	env.runJSON(t, &result, "deadletter", "retry", "--all")
	assert.Equal(t, 1, result["retried"])

	var status statusView
	env.runJSON(t, &status, "status")
	assert.Equal(t, 1, status.Pending)
	assert.Equal(t, 0, status.DeadLettered)
}

func TestDeadLetterUnknownOperation(t *testing.T) {
	env := newTestEnv(t, nil)

	out, err := env.run(t, "deadletter", "discard", "op-404", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, "NOT_DEAD_LETTERED", decodeError(t, out).Code)

	_, err = env.run(t, "deadletter", "retry")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = env.run(t, "deadletter", "retry", "op-1", "--all")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRecordsResync(t *testing.T) {
	env := newTestEnv(t, nil)
	backend := env.startRemote(t)
	backend.Put(model.Record{
		EntityType: model.EntityAssignment,
		ID:         "a-1",
		Version:    model.Version(4),
		Fields:     model.Object{"status": model.String("dispatched")},
		UpdatedBy:  "dispatcher",
	})

	out, err := env.run(t, "records", "resync", "assignment", "a-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Resynced assignment/a-1")

	var view recordView
	env.runJSON(t, &view, "records", "get", "assignment", "a-1")
	require.NotNil(t, view.Record.Version)
	assert.Equal(t, int64(4), *view.Record.Version)
	assert.True(t, model.Equal(model.String("dispatched"), view.Record.Fields["status"]))
}

func TestRecordsResyncRefusedWithQueuedChanges(t *testing.T) {
	env := newTestEnv(t, nil)
	env.startRemote(t)

	op := enqueueNote(t, env, `{"body":"draft"}`)
	out, err := env.run(t, "records", "resync", "note", op.EntityID, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "INVALID_MUTATION", decodeError(t, out).Code)
}

func TestRunDeliversWhenConnectivityReturns(t *testing.T) {
	env := newTestEnv(t, nil)
	backend := env.startRemote(t)

	flag := filepath.Join(env.dir, "connectivity")
	require.NoError(t, os.WriteFile(flag, []byte("offline\n"), 0o644))
	env.set(t, "connectivity_file", flag)

	op := enqueueNote(t, env, `{"body":"Replaced filter"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := NewRootCommand()
	cmd.SetOut(&lockedBuffer{})
	cmd.SetErr(&lockedBuffer{})
	cmd.SetArgs([]string{"run", "--config", env.configPath, "--env-file="})
	done := make(chan error, 1)
	go func() {
		done <- cmd.ExecuteContext(ctx)
	}()

	// Nothing is sent while the platform reports offline.
	time.Sleep(200 * time.Millisecond)
	_, ok := backend.Get(model.EntityNote, op.EntityID)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(flag, []byte("online\n"), 0o644))
	require.Eventually(t, func() bool {
		_, ok := backend.Get(model.EntityNote, op.EntityID)
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}
