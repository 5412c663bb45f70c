package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/policy"
	"github.com/roach88/fieldsync/internal/remote"
	"github.com/roach88/fieldsync/internal/resolve"
	"github.com/roach88/fieldsync/internal/store"
)

const (
	// DefaultSendTimeout bounds a single send.
	DefaultSendTimeout = 30 * time.Second

	// DefaultTickInterval is the periodic wake-up.
	DefaultTickInterval = 30 * time.Second

	// DefaultCommittedRetention is how long committed operations are kept
	// for inspection before a drain prunes them.
	DefaultCommittedRetention = 24 * time.Hour

	defaultBatchSize = 64
)

// Log is the durable operation log and record cache the engine works
// against. *store.Store implements it.
type Log interface {
	Mutate(ctx context.Context, et model.EntityType, id string, fn store.MutateFunc) (model.Operation, error)
	GetRecordAny(ctx context.Context, et model.EntityType, id string) (model.Record, error)
	Refresh(ctx context.Context, et model.EntityType, id string, server *model.Record) error

	PeekReady(ctx context.Context, now time.Time, limit int) ([]model.Operation, error)
	Counts(ctx context.Context) (store.Counts, error)

	MarkInFlight(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, attempts int, nextEligible time.Time, lastErr string) error
	Requeue(ctx context.Context, id string) error
	MarkDeadLettered(ctx context.Context, id, reason string) error
	RequeueInFlight(ctx context.Context) (int64, error)
	PruneCommitted(ctx context.Context, cutoff time.Time) (int64, error)

	ApplyAccepted(ctx context.Context, op model.Operation, version int64, serverID string) error
	ApplyResolution(ctx context.Context, op model.Operation, server model.Record, fn store.ResolveFunc) error

	LoadSettings(ctx context.Context) (store.Settings, bool, error)
	SaveSettings(ctx context.Context, s store.Settings) error
}

// Engine is the sync driver plus the caller-facing API: enqueue local
// mutations, observe status and resolutions, report connectivity.
//
// Thread-safety: all exported methods are safe for concurrent use.
type Engine struct {
	log    Log
	remote remote.Store
	policy resolve.Policy
	clock  Clock
	ids    IDGenerator
	jitter Jitter
	logger *slog.Logger

	backoff        Backoff
	backoffSet     bool
	deviceID       string
	sendTimeout    time.Duration
	tickInterval   time.Duration
	batchSize      int
	maxOpsPerDrain int
	retention      time.Duration

	queue   *triggerQueue
	online  atomic.Bool
	running atomic.Bool

	// drainMu is held for the whole of a drain, so at most one runs.
	drainMu  sync.Mutex
	prepared bool

	mu           sync.Mutex
	state        State
	backoffUntil time.Time
	lastDrain    time.Time
	fault        error
	resumeTimer  *time.Timer

	hooksMu   sync.Mutex
	onResolve []func(resolve.Report)
	onReauth  []func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock sets the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithJitter sets the retry jitter source.
func WithJitter(j Jitter) Option {
	return func(e *Engine) {
		e.jitter = j
	}
}

// WithIDGenerator sets the source of operation and entity ids.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithPolicy sets the field authority policy used for conflicts.
//
// Default: policy.Default()
func WithPolicy(p resolve.Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithBackoff sets the retry policy and persists it to the log's metadata
// on start. Without it, a previously persisted policy is used.
func WithBackoff(b Backoff) Option {
	return func(e *Engine) {
		e.backoff = b
		e.backoffSet = true
	}
}

// WithDeviceID sets the actor stamped on local mutations.
func WithDeviceID(id string) Option {
	return func(e *Engine) {
		e.deviceID = id
	}
}

// WithSendTimeout bounds each send.
func WithSendTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.sendTimeout = d
	}
}

// WithTickInterval sets the periodic wake-up. Zero disables it.
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.tickInterval = d
	}
}

// WithMaxOpsPerDrain caps the sends in one drain; the driver yields and
// continues in a fresh pass. Zero means no cap.
func WithMaxOpsPerDrain(n int) Option {
	return func(e *Engine) {
		e.maxOpsPerDrain = n
	}
}

// WithCommittedRetention sets how long committed operations are kept.
// Zero disables pruning.
func WithCommittedRetention(d time.Duration) Option {
	return func(e *Engine) {
		e.retention = d
	}
}

// WithOnline sets the initial connectivity state. Default: online.
func WithOnline(online bool) Option {
	return func(e *Engine) {
		e.online.Store(online)
	}
}

// New creates an Engine over the given log and remote store.
func New(log Log, rs remote.Store, opts ...Option) *Engine {
	e := &Engine{
		log:          log,
		remote:       rs,
		policy:       policy.Default(),
		clock:        SystemClock{},
		ids:          UUIDv7Generator{},
		jitter:       randomJitter{},
		logger:       slog.Default(),
		backoff:      DefaultBackoff(),
		deviceID:     "device",
		sendTimeout:  DefaultSendTimeout,
		tickInterval: DefaultTickInterval,
		batchSize:    defaultBatchSize,
		retention:    DefaultCommittedRetention,
		queue:        newTriggerQueue(),
	}
	e.online.Store(true)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Status is a snapshot of the driver and the operation log.
type Status struct {
	State        State     `json:"state"`
	Online       bool      `json:"online"`
	Pending      int       `json:"pending"`
	InFlight     int       `json:"in_flight"`
	DeadLettered int       `json:"dead_lettered"`
	Committed    int       `json:"committed"`
	BackoffUntil time.Time `json:"backoff_until,omitzero"`
	LastDrainAt  time.Time `json:"last_drain_at,omitzero"`
	Fault        string    `json:"fault,omitempty"`
}

// SyncStatus reports queue depths and the driver state.
func (e *Engine) SyncStatus(ctx context.Context) (Status, error) {
	counts, err := e.log.Counts(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("sync status: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		State:        e.state,
		Online:       e.online.Load(),
		Pending:      counts.Pending,
		InFlight:     counts.InFlight,
		DeadLettered: counts.DeadLettered,
		Committed:    counts.Committed,
		BackoffUntil: e.backoffUntil,
		LastDrainAt:  e.lastDrain,
	}
	if e.fault != nil {
		st.Fault = e.fault.Error()
	}
	return st, nil
}

// State returns the current driver state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Online reports the last connectivity state received.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// SetOnline records a connectivity change and wakes the driver.
// Repeated reports of the same state are ignored.
func (e *Engine) SetOnline(online bool) {
	if e.online.Swap(online) == online {
		return
	}
	e.logger.Info("connectivity changed", "online", online)
	e.queue.Enqueue(Trigger{Reason: ReasonConnectivity, Online: online})
}

// SyncNow asks the running driver for a drain.
func (e *Engine) SyncNow() {
	e.queue.Enqueue(Trigger{Reason: ReasonManual})
}

// OnResolution registers fn to receive every conflict report. Listeners
// run on the driver goroutine and must not block.
func (e *Engine) OnResolution(fn func(resolve.Report)) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.onResolve = append(e.onResolve, fn)
}

// OnReauthRequired registers fn to be called when the server rejects the
// credentials. The drain stops until the caller re-authenticates and
// triggers a sync.
func (e *Engine) OnReauthRequired(fn func()) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.onReauth = append(e.onReauth, fn)
}

func (e *Engine) notifyResolution(r resolve.Report) {
	e.hooksMu.Lock()
	fns := append([]func(resolve.Report){}, e.onResolve...)
	e.hooksMu.Unlock()
	for _, fn := range fns {
		fn(r)
	}
}

func (e *Engine) notifyReauth() {
	e.hooksMu.Lock()
	fns := append([]func(){}, e.onReauth...)
	e.hooksMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// EnqueueMutation applies a local change to the record cache and appends
// the matching operation, atomically. Creates without an id get a fresh
// client-generated one. The driver is woken afterwards.
func (e *Engine) EnqueueMutation(ctx context.Context, et model.EntityType, id string, kind model.OpKind, payload model.Object) (model.Operation, error) {
	if err := e.Halted(); err != nil {
		return model.Operation{}, err
	}
	if !et.Valid() {
		return model.Operation{}, invalidMutation(et, id, "unknown entity type %q", et)
	}
	switch kind {
	case model.OpCreate:
		if id == "" {
			id = e.ids.Generate()
		}
	case model.OpUpdate:
		if id == "" {
			return model.Operation{}, invalidMutation(et, id, "entity id is required")
		}
		if len(payload) == 0 {
			return model.Operation{}, invalidMutation(et, id, "update carries no fields")
		}
	case model.OpDelete:
		if id == "" {
			return model.Operation{}, invalidMutation(et, id, "entity id is required")
		}
		if len(payload) > 0 {
			return model.Operation{}, invalidMutation(et, id, "delete carries no payload")
		}
	default:
		return model.Operation{}, invalidMutation(et, id, "unknown operation kind %q", kind)
	}

	now := model.Timestamp(e.clock.Now())
	op, err := e.log.Mutate(ctx, et, id, func(current model.Record, found bool) (model.Record, model.Operation, error) {
		switch {
		case kind == model.OpCreate && found:
			return model.Record{}, model.Operation{}, &Error{Code: ErrCodeExists, Message: "record already exists", EntityType: et, EntityID: id}
		case kind != model.OpCreate && (!found || current.Deleted):
			return model.Record{}, model.Operation{}, &Error{Code: ErrCodeNotFound, Message: "record does not exist", EntityType: et, EntityID: id}
		}
		op := model.Operation{
			ID:          e.ids.Generate(),
			EntityType:  et,
			EntityID:    id,
			Kind:        kind,
			Payload:     payload.Clone(),
			BaseVersion: current.Version,
			UpdatedAt:   now,
			UpdatedBy:   e.deviceID,
			EnqueuedAt:  now,
		}
		return model.Apply(current, op), op, nil
	})
	if err != nil {
		var ee *Error
		if errors.As(err, &ee) {
			return model.Operation{}, err
		}
		if store.IsFault(err) {
			return model.Operation{}, e.halt(err)
		}
		return model.Operation{}, fmt.Errorf("enqueue mutation: %w", err)
	}

	e.logger.Debug("mutation enqueued",
		"operation_id", op.ID,
		"entity_type", op.EntityType,
		"entity_id", op.EntityID,
		"kind", op.Kind,
		"seq", op.Seq,
	)
	e.queue.Enqueue(Trigger{Reason: ReasonLocalChange})
	return op, nil
}

// Resync replaces the local copy of a record with the server's. It is
// refused while the entity has outstanding operations. A record the server
// no longer has is removed locally.
func (e *Engine) Resync(ctx context.Context, et model.EntityType, id string) error {
	if err := e.Halted(); err != nil {
		return err
	}
	fetcher, ok := e.remote.(remote.Fetcher)
	if !ok {
		return &Error{Code: ErrCodeUnsupported, Message: "remote store cannot fetch records", EntityType: et, EntityID: id}
	}

	target := id
	if local, err := e.log.GetRecordAny(ctx, et, id); err == nil {
		target = local.RemoteID()
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("resync: %w", err)
	}

	var server *model.Record
	rec, err := fetcher.Fetch(ctx, et, target)
	switch {
	case errors.Is(err, remote.ErrNotFound):
	case err != nil:
		return fmt.Errorf("resync %s %s: %w", et, id, err)
	default:
		server = &rec
	}

	if err := e.log.Refresh(ctx, et, id, server); err != nil {
		if errors.Is(err, store.ErrOutstanding) {
			return &Error{Code: ErrCodeInvalidMutation, Message: "entity has outstanding operations", EntityType: et, EntityID: id, Err: err}
		}
		if store.IsFault(err) {
			return e.halt(err)
		}
		return fmt.Errorf("resync: %w", err)
	}
	e.logger.Info("record resynced", "entity_type", et, "entity_id", id, "removed", server == nil || server.Deleted)
	return nil
}

// Halted returns a HALTED error once a storage fault has stopped the
// engine, nil otherwise.
func (e *Engine) Halted() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fault == nil {
		return nil
	}
	return &Error{Code: ErrCodeHalted, Message: "engine halted after storage fault", Err: e.fault}
}

// halt records the first storage fault and returns it as a STORAGE_FAULT.
func (e *Engine) halt(err error) error {
	e.mu.Lock()
	if e.fault == nil {
		e.fault = err
		e.logger.Error("storage fault; engine halted", "error", err)
	}
	e.state = StateIdle
	e.mu.Unlock()
	return &Error{Code: ErrCodeStorageFault, Message: "operation log failure", Err: err}
}

func invalidMutation(et model.EntityType, id, format string, args ...any) error {
	return &Error{Code: ErrCodeInvalidMutation, Message: fmt.Sprintf(format, args...), EntityType: et, EntityID: id}
}
