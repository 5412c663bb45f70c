// Package memremote is an in-memory remote store with the server-side
// semantics the sync engine expects: idempotent submits keyed by
// operation id, optimistic concurrency on base versions, tombstones and
// optional server-assigned ids.
//
// It backs the scenario harness and the reference HTTP server, and
// supports injected failures for tests.
package memremote

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/remote"
)

type key struct {
	et model.EntityType
	id string
}

// Server is safe for concurrent use.
type Server struct {
	mu       sync.Mutex
	now      func() time.Time
	records  map[key]model.Record
	aliases  map[key]string
	receipts map[string]remote.Receipt
	failures []error
	log      []model.Operation

	idPrefix string
	nextID   int
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the time source stamped on administrative changes.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithServerIDs makes the server assign its own ids (prefix-1, prefix-2,
// ...) to created records and report them in the receipt.
func WithServerIDs(prefix string) Option {
	return func(s *Server) {
		s.idPrefix = prefix
	}
}

// New creates an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		now:      time.Now,
		records:  make(map[key]model.Record),
		aliases:  make(map[key]string),
		receipts: make(map[string]remote.Receipt),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNext queues errors returned by the next Submit calls, one per call,
// before any other processing.
func (s *Server) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// Submit applies op if its base version matches the server copy.
func (s *Server) Submit(ctx context.Context, op model.Operation) (remote.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return remote.Receipt{}, remote.Transient(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return remote.Receipt{}, err
	}
	if r, ok := s.receipts[op.ID]; ok {
		return r, nil
	}
	if err := op.Validate(); err != nil {
		return remote.Receipt{}, remote.Permanent("invalid operation: %v", err)
	}

	k := s.resolve(op.EntityType, op.TargetID())
	current, exists := s.records[k]

	var next model.Record
	switch op.Kind {
	case model.OpCreate:
		if exists {
			return remote.Receipt{}, remote.Conflict(current)
		}
		if s.idPrefix != "" {
			s.nextID++
			sid := fmt.Sprintf("%s-%d", s.idPrefix, s.nextID)
			s.aliases[key{op.EntityType, op.EntityID}] = sid
			k = key{op.EntityType, sid}
		}
		next = model.Record{
			EntityType: op.EntityType,
			ID:         k.id,
			Version:    model.Version(1),
			Fields:     op.Payload.Clone(),
			UpdatedAt:  op.UpdatedAt,
			UpdatedBy:  op.UpdatedBy,
		}
		if next.Fields == nil {
			next.Fields = model.Object{}
		}

	case model.OpUpdate, model.OpDelete:
		if !exists {
			return remote.Receipt{}, remote.Permanent("%s %s does not exist", op.EntityType, op.TargetID())
		}
		if current.Deleted || !model.SameVersion(op.BaseVersion, current.Version) {
			return remote.Receipt{}, remote.Conflict(current)
		}
		next = current.Clone()
		for f, v := range op.Payload.Clone() {
			next.Fields[f] = v
		}
		next.Deleted = op.Kind == model.OpDelete
		next.UpdatedAt = op.UpdatedAt
		next.UpdatedBy = op.UpdatedBy
		next.Version = model.Version(*current.Version + 1)
	}

	s.records[k] = next
	receipt := remote.Receipt{Version: *next.Version}
	if k.id != op.EntityID {
		receipt.ServerID = k.id
	}
	s.receipts[op.ID] = receipt
	s.log = append(s.log, op)
	return receipt, nil
}

// Fetch returns the server copy, tombstones included.
func (s *Server) Fetch(ctx context.Context, et model.EntityType, id string) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return model.Record{}, remote.Transient(err)
	}
	rec, ok := s.Get(et, id)
	if !ok {
		return model.Record{}, remote.ErrNotFound
	}
	return rec, nil
}

// Get returns the server copy addressed by either the server id or the
// client id it was created under.
func (s *Server) Get(et model.EntityType, id string) (model.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[s.resolve(et, id)]
	if !ok {
		return model.Record{}, false
	}
	return rec.Clone(), true
}

// Records returns the live records of one type ordered by id.
func (s *Server) Records(et model.EntityType) []model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Record
	for k, rec := range s.records {
		if k.et == et && !rec.Deleted {
			out = append(out, rec.Clone())
		}
	}
	slices.SortFunc(out, func(a, b model.Record) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Applied returns the operations the server accepted, in order.
func (s *Server) Applied() []model.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.log)
}

// Put seeds or replaces a record as another writer would. A nil version
// becomes 1.
func (s *Server) Put(rec model.Record) model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec = rec.Clone()
	if rec.Version == nil {
		rec.Version = model.Version(1)
	}
	if rec.Fields == nil {
		rec.Fields = model.Object{}
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = model.Timestamp(s.now())
	}
	s.records[key{rec.EntityType, rec.ID}] = rec
	return rec.Clone()
}

// Update applies a field delta as another writer, bumping the version.
func (s *Server) Update(et model.EntityType, id string, fields model.Object, by string) (model.Record, error) {
	return s.change(et, id, by, func(rec *model.Record) {
		for f, v := range fields.Clone() {
			rec.Fields[f] = v
		}
	})
}

// Delete tombstones a record as another writer, bumping the version.
func (s *Server) Delete(et model.EntityType, id, by string) (model.Record, error) {
	return s.change(et, id, by, func(rec *model.Record) {
		rec.Deleted = true
	})
}

func (s *Server) change(et model.EntityType, id, by string, fn func(*model.Record)) (model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.resolve(et, id)
	current, ok := s.records[k]
	if !ok || current.Deleted {
		return model.Record{}, fmt.Errorf("%s %s: %w", et, id, remote.ErrNotFound)
	}
	next := current.Clone()
	fn(&next)
	next.Version = model.Version(*current.Version + 1)
	next.UpdatedAt = model.Timestamp(s.now())
	next.UpdatedBy = by
	s.records[k] = next
	return next.Clone(), nil
}

// resolve maps a client id to the server id it was assigned. Caller holds mu.
func (s *Server) resolve(et model.EntityType, id string) key {
	if sid, ok := s.aliases[key{et, id}]; ok {
		return key{et, sid}
	}
	return key{et, id}
}

var (
	_ remote.Store   = (*Server)(nil)
	_ remote.Fetcher = (*Server)(nil)
)
