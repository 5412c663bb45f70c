// Package resolve merges a locally-queued record with the server's current
// copy after the server reports a version conflict.
//
// Resolve is a pure function: the same inputs always produce the same
// merged record, corrective operation and report. It reads no clock and
// draws no randomness.
package resolve

import (
	"fmt"

	"github.com/roach88/fieldsync/internal/model"
)

// Policy returns the authority class of a field.
type Policy interface {
	Authority(et model.EntityType, field string) model.Authority
}

// Winner names where a merged field value came from.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerServer Winner = "server"
	WinnerUnion  Winner = "union"
)

// Conflict is the input to Resolve. It is not persisted.
type Conflict struct {
	// Local is the client's current snapshot, including every outstanding
	// local mutation for the entity.
	Local model.Record

	// Server is the server's current copy as returned with the conflict.
	Server model.Record

	// Base is the field set the server last confirmed to this client, or
	// nil when it is unknown. A mergeable field equal to its base value on
	// one side was only changed by the other side.
	Base model.Object

	// Operation is the queued operation the server refused. Its id seeds
	// the corrective operation id.
	Operation model.Operation

	// LocalChanges lists the fields outstanding local operations touched.
	// Mergeable fields outside this set keep the server value. nil means
	// every local field counts as changed.
	LocalChanges []string

	Policy Policy
}

// FieldOutcome describes how one field was decided.
type FieldOutcome struct {
	Field     string          `json:"field"`
	Authority model.Authority `json:"authority"`
	Local     model.Value     `json:"local"`
	Server    model.Value     `json:"server"`
	Merged    model.Value     `json:"merged"`
	Winner    Winner          `json:"winner"`
}

// Report tells the caller what a resolution did to local data.
type Report struct {
	EntityType  model.EntityType `json:"entity_type"`
	EntityID    string           `json:"entity_id"`
	OperationID string           `json:"operation_id"`

	// Overridden lists locally changed fields whose value did not survive
	// the merge.
	Overridden []FieldOutcome `json:"overridden"`

	// Corrected lists fields the corrective operation pushes back.
	Corrected []string `json:"corrected"`

	// Discarded is true when the server's deletion wiped out a pending
	// local change.
	Discarded bool   `json:"discarded"`
	Reason    string `json:"reason,omitempty"`
}

// Result is the outcome of Resolve.
type Result struct {
	Merged     model.Record
	Corrective *model.Operation
	Report     Report
}

// Resolve merges c.Local and c.Server field by field:
//   - server_authoritative fields take the server value
//   - client_authoritative fields take the local value
//   - mergeable fields changed on one side only keep that side's value;
//     changed on both, they go to the later updated_at (ties to the
//     lexically greater updated_by) and differing lists merge as a set
//     union
//
// Without a base every mergeable field counts as changed on the server.
//
// The merged record carries the server version and the later updated_at.
// Fields where the merged value differs from the server are pushed back
// with a corrective update based on the server version.
//
// A server-side deletion always wins and discards the local change. A
// local delete against a live server record is reissued as a corrective
// delete.
func Resolve(c Conflict) (Result, error) {
	report := Report{
		EntityType:  c.Local.EntityType,
		EntityID:    c.Local.ID,
		OperationID: c.Operation.ID,
		Overridden:  []FieldOutcome{},
		Corrected:   []string{},
	}

	merged := baseMerged(c.Local, c.Server)

	switch {
	case c.Server.Deleted:
		merged.Fields = c.Server.Fields.Clone()
		merged.Deleted = true
		if c.Operation.Kind != model.OpDelete {
			report.Discarded = true
			report.Reason = "entity was deleted on the server; local change discarded"
		}
		return Result{Merged: merged, Report: report}, nil

	case c.Operation.Kind == model.OpDelete:
		merged.Fields = c.Server.Fields.Clone()
		merged.Deleted = true
		corrective, err := correctiveOp(c, model.OpDelete, nil, merged)
		if err != nil {
			return Result{}, err
		}
		report.Reason = "local delete reissued against the current server version"
		return Result{Merged: merged, Corrective: corrective, Report: report}, nil

	case c.Local.Deleted:
		// A later queued delete will carry the intent once rebased.
		merged.Fields = c.Server.Fields.Clone()
		merged.Deleted = true
		return Result{Merged: merged, Report: report}, nil
	}

	localWins := lwwLocalWins(c.Local, c.Server)
	changed := changedSet(c.LocalChanges, c.Local.Fields)
	payload := model.Object{}
	merged.Fields = model.Object{}

	for _, field := range unionKeys(c.Local.Fields, c.Server.Fields) {
		lv, lok := c.Local.Fields[field]
		sv, sok := c.Server.Fields[field]
		authority := policyAuthority(c.Policy, c.Local.EntityType, field)

		localTouched := changed[field] && !unchanged(c.Base, field, lv, lok)
		serverTouched := !unchanged(c.Base, field, sv, sok)
		mv, winner, present := mergeField(authority, lv, lok, sv, sok, localWins, localTouched, serverTouched)
		if present {
			merged.Fields[field] = mv
		}

		if lok && changed[field] && (!present || !model.Equal(lv, mv)) {
			report.Overridden = append(report.Overridden, FieldOutcome{
				Field: field, Authority: authority,
				Local: lv, Server: valueOrNil(sv, sok), Merged: valueOrNil(mv, present),
				Winner: winner,
			})
		}
		if present && (!sok || !model.Equal(sv, mv)) {
			payload[field] = mv
			report.Corrected = append(report.Corrected, field)
		}
	}

	if len(payload) == 0 {
		return Result{Merged: merged, Report: report}, nil
	}
	corrective, err := correctiveOp(c, model.OpUpdate, payload, merged)
	if err != nil {
		return Result{}, err
	}
	return Result{Merged: merged, Corrective: corrective, Report: report}, nil
}

func mergeField(a model.Authority, lv model.Value, lok bool, sv model.Value, sok bool, localWins, localTouched, serverTouched bool) (model.Value, Winner, bool) {
	switch a {
	case model.ServerAuthoritative:
		return sv, WinnerServer, sok
	case model.ClientAuthoritative:
		if lok {
			return lv, WinnerLocal, true
		}
		return sv, WinnerServer, sok
	}

	switch {
	case !lok:
		return sv, WinnerServer, sok
	case !sok:
		return lv, WinnerLocal, true
	case !localTouched:
		return sv, WinnerServer, true
	case !serverTouched:
		return lv, WinnerLocal, true
	}

	ll, lList := lv.(model.List)
	sl, sList := sv.(model.List)
	if lList && sList && !model.Equal(ll, sl) {
		if localWins {
			return unionLists(ll, sl), WinnerUnion, true
		}
		return unionLists(sl, ll), WinnerUnion, true
	}
	if localWins {
		return lv, WinnerLocal, true
	}
	return sv, WinnerServer, true
}

// unchanged reports whether v matches the base value of field. An unknown
// base matches nothing.
func unchanged(base model.Object, field string, v model.Value, ok bool) bool {
	if base == nil {
		return false
	}
	bv, bok := base[field]
	if !bok || !ok {
		return bok == ok
	}
	return model.Equal(bv, v)
}

// lwwLocalWins orders the two replicas by updated_at, then updated_by.
func lwwLocalWins(local, server model.Record) bool {
	if !local.UpdatedAt.Equal(server.UpdatedAt) {
		return local.UpdatedAt.After(server.UpdatedAt)
	}
	return local.UpdatedBy > server.UpdatedBy
}

// unionLists keeps first's order and appends elements of second not
// already present. Equality is by canonical encoding.
func unionLists(first, second model.List) model.List {
	out := make(model.List, 0, len(first)+len(second))
	seen := make(map[string]bool, len(first)+len(second))
	for _, l := range []model.List{first, second} {
		for _, v := range l {
			key, err := model.MarshalCanonical(v)
			if err != nil {
				continue
			}
			if seen[string(key)] {
				continue
			}
			seen[string(key)] = true
			out = append(out, v)
		}
	}
	return out
}

func baseMerged(local, server model.Record) model.Record {
	merged := model.Record{
		EntityType: local.EntityType,
		ID:         local.ID,
		ServerID:   local.ServerID,
		UpdatedAt:  local.UpdatedAt,
		UpdatedBy:  local.UpdatedBy,
	}
	if server.Version != nil {
		merged.Version = model.Version(*server.Version)
	}
	if merged.ServerID == "" {
		switch {
		case server.ServerID != "":
			merged.ServerID = server.ServerID
		case server.ID != "" && server.ID != local.ID:
			merged.ServerID = server.ID
		}
	}
	if !lwwLocalWins(local, server) {
		merged.UpdatedAt = server.UpdatedAt
		merged.UpdatedBy = server.UpdatedBy
	}
	return merged
}

func correctiveOp(c Conflict, kind model.OpKind, payload model.Object, merged model.Record) (*model.Operation, error) {
	id, err := model.DerivedOperationID(c.Operation.ID, kind, payload)
	if err != nil {
		return nil, fmt.Errorf("resolve %s/%s: %w", c.Local.EntityType, c.Local.ID, err)
	}
	op := &model.Operation{
		ID:         id,
		EntityType: c.Local.EntityType,
		EntityID:   c.Local.ID,
		RemoteID:   merged.ServerID,
		Kind:       kind,
		Payload:    payload,
		UpdatedAt:  merged.UpdatedAt,
		UpdatedBy:  c.Local.UpdatedBy,
		Corrective: true,
	}
	if merged.Version != nil {
		op.BaseVersion = model.Version(*merged.Version)
	}
	return op, nil
}

func changedSet(changes []string, local model.Object) map[string]bool {
	set := make(map[string]bool)
	if changes == nil {
		for k := range local {
			set[k] = true
		}
		return set
	}
	for _, k := range changes {
		set[k] = true
	}
	return set
}

func unionKeys(a, b model.Object) []string {
	all := make(model.Object, len(a)+len(b))
	for k := range a {
		all[k] = model.Null{}
	}
	for k := range b {
		all[k] = model.Null{}
	}
	return all.Keys()
}

func policyAuthority(p Policy, et model.EntityType, field string) model.Authority {
	if p == nil {
		return model.Mergeable
	}
	return p.Authority(et, field)
}

func valueOrNil(v model.Value, ok bool) model.Value {
	if !ok {
		return nil
	}
	return v
}

// FieldNames returns the overridden field names in report order.
func (r Report) FieldNames() []string {
	names := make([]string, len(r.Overridden))
	for i, o := range r.Overridden {
		names[i] = o.Field
	}
	return names
}
