package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/fieldsync/internal/deadletter"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/policy"
	"github.com/roach88/fieldsync/internal/remote"
	"github.com/roach88/fieldsync/internal/remote/memremote"
	"github.com/roach88/fieldsync/internal/resolve"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

// Epoch is the manual clock's starting time in every scenario.
var Epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// DefaultDeviceID stamps local mutations when a scenario names none.
const DefaultDeviceID = "tech-1"

// seedAge is how long before Epoch seeded server records were written.
const seedAge = time.Hour

type runOptions struct {
	logger *slog.Logger
}

// Option configures Run.
type Option func(*runOptions)

// WithLogger routes engine logs to l. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *runOptions) { o.logger = l }
}

// runner holds one scenario's world.
type runner struct {
	sc     *Scenario
	result *Result

	store      *store.Store
	server     *memremote.Server
	clock      *testutil.ManualClock
	engine     *engine.Engine
	deadletter *deadletter.Handler

	step        int
	applied     int
	resolutions []resolve.Report
	reauth      int
}

// Run executes a scenario in a fresh temporary database.
//
// Execution flow:
//  1. open a store and an in-memory server on a manual clock
//  2. seed server records and pull them into the local store
//  3. execute steps, checking declared errors
//  4. evaluate the expect block
//
// The returned error reports a broken harness or environment; scenario
// failures are reported through Result.
func Run(ctx context.Context, sc *Scenario, opts ...Option) (*Result, error) {
	o := runOptions{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	dir, err := os.MkdirTemp("", "fieldsync-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "scenario.db"))
	if err != nil {
		return nil, fmt.Errorf("open scenario store: %w", err)
	}
	defer st.Close()

	pol := policy.Default()
	if sc.Policy != "" {
		override, err := policy.Compile(sc.Name+".cue", []byte(sc.Policy))
		if err != nil {
			return nil, fmt.Errorf("scenario policy: %w", err)
		}
		pol = pol.Merge(override)
	}

	r := &runner{
		sc:     sc,
		result: NewResult(),
		store:  st,
		clock:  testutil.NewManualClock(Epoch),
	}

	serverOpts := []memremote.Option{memremote.WithClock(r.clock.Now)}
	if sc.ServerIDs != "" {
		serverOpts = append(serverOpts, memremote.WithServerIDs(sc.ServerIDs))
	}
	r.server = memremote.New(serverOpts...)

	backoff := engine.Backoff{BaseDelay: time.Second, MaxDelay: 8 * time.Second, MaxAttempts: 3}
	if sc.Backoff != nil {
		backoff = sc.Backoff.engineBackoff()
	}
	deviceID := sc.DeviceID
	if deviceID == "" {
		deviceID = DefaultDeviceID
	}
	engineOpts := []engine.Option{
		engine.WithClock(r.clock),
		engine.WithLogger(o.logger),
		engine.WithIDGenerator(testutil.NewSequentialIDs("op")),
		engine.WithJitter(testutil.NewSequenceJitter()),
		engine.WithDeviceID(deviceID),
		engine.WithTickInterval(0),
		engine.WithCommittedRetention(0),
		engine.WithBackoff(backoff),
		engine.WithPolicy(pol),
	}
	if sc.MaxOpsPerDrain > 0 {
		engineOpts = append(engineOpts, engine.WithMaxOpsPerDrain(sc.MaxOpsPerDrain))
	}
	r.engine = engine.New(st, r.server, engineOpts...)
	r.engine.OnResolution(func(rep resolve.Report) {
		r.resolutions = append(r.resolutions, rep)
		r.result.AddTrace(r.step, ActionResolution, rep)
	})
	r.engine.OnReauthRequired(func() {
		r.reauth++
		r.result.AddTrace(r.step, ActionReauth, nil)
	})
	r.deadletter = deadletter.New(st,
		deadletter.WithClock(r.clock.Now),
		deadletter.WithLogger(o.logger),
		deadletter.WithWake(r.engine.SyncNow),
	)

	if err := r.seed(ctx); err != nil {
		return nil, err
	}
	for i, step := range sc.Steps {
		r.step = i + 1
		if err := r.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", r.step, step.Action(), err)
		}
	}
	for _, msg := range r.evaluate(ctx) {
		r.result.AddError(msg)
	}
	return r.result, nil
}

func (r *runner) seed(ctx context.Context) error {
	for i, spec := range r.sc.Server {
		fields, err := toObject(spec.Fields)
		if err != nil {
			return fmt.Errorf("server[%d] fields: %w", i, err)
		}
		by := spec.UpdatedBy
		if by == "" {
			by = "dispatcher"
		}
		rec := model.Record{
			EntityType: model.EntityType(spec.EntityType),
			ID:         spec.ID,
			Fields:     fields,
			UpdatedAt:  Epoch.Add(-seedAge),
			UpdatedBy:  by,
		}
		if spec.Version > 0 {
			rec.Version = model.Version(spec.Version)
		}
		rec = r.server.Put(rec)
		if !spec.RemoteOnly {
			if err := r.engine.Resync(ctx, rec.EntityType, rec.ID); err != nil {
				return fmt.Errorf("pull server[%d]: %w", i, err)
			}
		}
		r.result.AddTrace(0, ActionSeed, map[string]any{
			"entity_type": rec.EntityType,
			"id":          rec.ID,
			"version":     rec.Version,
			"local":       !spec.RemoteOnly,
		})
	}
	return nil
}

// outcome is what a step did: trace detail plus the error the action
// returned, which the scenario may expect.
type outcome struct {
	detail map[string]any
	err    error
}

// execute runs one step. Errors an action is allowed to produce are
// compared with ExpectError; only harness failures are returned.
func (r *runner) execute(ctx context.Context, step Step) error {
	var (
		out outcome
		err error
	)
	switch {
	case step.Enqueue != nil:
		out, err = r.enqueue(ctx, step.Enqueue)
	case step.ServerUpdate != nil:
		out, err = r.serverUpdate(step.ServerUpdate)
	case step.ServerDelete != nil:
		c := step.ServerDelete
		rec, delErr := r.server.Delete(model.EntityType(c.EntityType), c.ID, byOrDefault(c.By))
		out = outcome{map[string]any{"entity_type": c.EntityType, "id": c.ID, "version": rec.Version}, delErr}
	case step.Connectivity != "":
		online := step.Connectivity == "online"
		r.engine.SetOnline(online)
		out.detail = map[string]any{"online": online}
	case len(step.Fail) > 0:
		var codes []string
		for _, f := range step.Fail {
			r.server.FailNext(failure(f))
			codes = append(codes, f.Code)
		}
		out.detail = map[string]any{"codes": codes}
	case step.Drain:
		out, err = r.drain(ctx)
	case step.Advance != 0:
		now := r.clock.Advance(time.Duration(step.Advance))
		out.detail = map[string]any{"now": now}
	case step.Resync != nil:
		out = outcome{
			detail: map[string]any{"entity_type": step.Resync.EntityType, "id": step.Resync.ID},
			err:    r.engine.Resync(ctx, model.EntityType(step.Resync.EntityType), step.Resync.ID),
		}
	case step.DeadLetter != nil:
		out = r.deadLetter(ctx, step.DeadLetter)
	default:
		return errors.New("step has no action")
	}
	if err != nil {
		return err
	}

	code := errorCode(out.err)
	if code != "" {
		if out.detail == nil {
			out.detail = map[string]any{}
		}
		out.detail["error"] = code
	}
	r.result.AddTrace(r.step, step.Action(), out.detail)

	if code != step.ExpectError {
		switch {
		case step.ExpectError == "":
			r.result.AddError(fmt.Sprintf("step %d (%s): unexpected error: %v", r.step, step.Action(), out.err))
		case code == "":
			r.result.AddError(fmt.Sprintf("step %d (%s): expected error %s, got success", r.step, step.Action(), step.ExpectError))
		default:
			r.result.AddError(fmt.Sprintf("step %d (%s): expected error %s, got %s: %v", r.step, step.Action(), step.ExpectError, code, out.err))
		}
	}
	return nil
}

func (r *runner) enqueue(ctx context.Context, e *EnqueueStep) (outcome, error) {
	payload, err := toObject(e.Payload)
	if err != nil {
		return outcome{}, fmt.Errorf("payload: %w", err)
	}
	op, actErr := r.engine.EnqueueMutation(ctx, model.EntityType(e.EntityType), e.ID, model.OpKind(e.Kind), payload)
	detail := map[string]any{
		"entity_type": e.EntityType,
		"kind":        e.Kind,
	}
	if actErr != nil {
		detail["id"] = e.ID
		return outcome{detail, actErr}, nil
	}
	detail["id"] = op.EntityID
	detail["operation_id"] = op.ID
	detail["base_version"] = op.BaseVersion
	return outcome{detail: detail}, nil
}

func (r *runner) serverUpdate(c *ServerChange) (outcome, error) {
	fields, err := toObject(c.Fields)
	if err != nil {
		return outcome{}, fmt.Errorf("fields: %w", err)
	}
	rec, actErr := r.server.Update(model.EntityType(c.EntityType), c.ID, fields, byOrDefault(c.By))
	return outcome{map[string]any{
		"entity_type": c.EntityType,
		"id":          c.ID,
		"fields":      fields.Keys(),
		"version":     rec.Version,
	}, actErr}, nil
}

func (r *runner) drain(ctx context.Context) (outcome, error) {
	drainErr := r.engine.DrainOnce(ctx)

	applied := r.server.Applied()
	sent := []string{}
	for _, op := range applied[r.applied:] {
		sent = append(sent, op.ID)
	}
	r.applied = len(applied)

	counts, err := r.store.Counts(ctx)
	if err != nil {
		return outcome{}, fmt.Errorf("counts: %w", err)
	}
	return outcome{map[string]any{
		"applied": sent,
		"state":   r.engine.State().String(),
		"counts":  counts,
	}, drainErr}, nil
}

func (r *runner) deadLetter(ctx context.Context, d *DeadLetterStep) outcome {
	detail := map[string]any{"action": d.Action}
	switch d.Action {
	case DeadLetterRetry:
		detail["operation_id"] = d.Operation
		_, err := r.deadletter.Retry(ctx, d.Operation)
		return outcome{detail, err}
	case DeadLetterDiscard:
		detail["operation_id"] = d.Operation
		return outcome{detail, r.deadletter.Discard(ctx, d.Operation)}
	default:
		n, err := r.deadletter.RetryAll(ctx)
		detail["count"] = n
		return outcome{detail, err}
	}
}

func failure(f FailSpec) error {
	msg := f.Message
	if msg == "" {
		msg = "injected " + f.Code
	}
	switch f.Code {
	case FailPermanent:
		return remote.Permanent("%s", msg)
	case FailUnauthorized:
		return remote.Unauthorized(msg)
	case FailRateLimited:
		return remote.RateLimited(time.Duration(f.RetryAfter))
	default:
		return remote.Transient(errors.New(msg))
	}
}

// errorCode names err for ExpectError comparisons.
func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case engine.CodeOf(err) != "":
		return string(engine.CodeOf(err))
	case errors.Is(err, deadletter.ErrNotDeadLettered):
		return "NOT_DEAD_LETTERED"
	case errors.Is(err, remote.ErrNotFound):
		return "NOT_FOUND"
	}
	return "ERROR"
}

func byOrDefault(by string) string {
	if by == "" {
		return "dispatcher"
	}
	return by
}

func toObject(m map[string]any) (model.Object, error) {
	if m == nil {
		return model.Object{}, nil
	}
	v, err := model.FromGo(m)
	if err != nil {
		return nil, err
	}
	return v.(model.Object), nil
}
