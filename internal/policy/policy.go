// Package policy holds the field authority tables the conflict resolver
// consults. Built-in defaults cover every entity type; a CUE file can
// override individual fields or the per-type fallback.
package policy

import (
	"maps"
	"slices"

	"github.com/roach88/fieldsync/internal/model"
)

// Table is the authority table for one entity type.
type Table struct {
	// Default applies to fields not listed in Fields.
	Default model.Authority
	Fields  map[string]model.Authority
}

// Policy maps entity types to authority tables. The zero value treats
// every field as mergeable.
type Policy struct {
	tables map[model.EntityType]Table
}

// New creates a policy from explicit tables.
func New(tables map[model.EntityType]Table) *Policy {
	p := &Policy{tables: make(map[model.EntityType]Table, len(tables))}
	for et, t := range tables {
		p.tables[et] = cloneTable(t)
	}
	return p
}

// Default returns the built-in field ownership rules.
//
// Dispatch and billing data (status, schedule, pricing, approval) belong to
// the server; what the technician observed on site belongs to the device;
// tags and attachment lists merge.
func Default() *Policy {
	return New(map[model.EntityType]Table{
		model.EntityAssignment: {
			Default: model.Mergeable,
			Fields: map[string]model.Authority{
				"status":          model.ServerAuthoritative,
				"priority":        model.ServerAuthoritative,
				"scheduled_start": model.ServerAuthoritative,
				"customer_id":     model.ServerAuthoritative,
				"address":         model.ServerAuthoritative,
				"price_cents":     model.ServerAuthoritative,
				"notes":           model.ClientAuthoritative,
				"arrived_at":      model.ClientAuthoritative,
				"completed_at":    model.ClientAuthoritative,
				"gps":             model.ClientAuthoritative,
				"signature":       model.ClientAuthoritative,
				"tags":            model.Mergeable,
				"photo_ids":       model.Mergeable,
			},
		},
		model.EntityNote: {
			Default: model.Mergeable,
			Fields: map[string]model.Authority{
				"body":          model.ClientAuthoritative,
				"assignment_id": model.ClientAuthoritative,
				"visibility":    model.ServerAuthoritative,
			},
		},
		model.EntityPhoto: {
			Default: model.Mergeable,
			Fields: map[string]model.Authority{
				"uri":           model.ClientAuthoritative,
				"captured_at":   model.ClientAuthoritative,
				"gps":           model.ClientAuthoritative,
				"assignment_id": model.ClientAuthoritative,
				"review_state":  model.ServerAuthoritative,
			},
		},
		model.EntityTimeEntry: {
			Default: model.Mergeable,
			Fields: map[string]model.Authority{
				"started_at": model.ClientAuthoritative,
				"ended_at":   model.ClientAuthoritative,
				"notes":      model.ClientAuthoritative,
				"approved":   model.ServerAuthoritative,
				"billable":   model.ServerAuthoritative,
				"rate_cents": model.ServerAuthoritative,
			},
		},
	})
}

// Authority returns the authority class of field on entity type et.
func (p *Policy) Authority(et model.EntityType, field string) model.Authority {
	if p == nil {
		return model.Mergeable
	}
	t, ok := p.tables[et]
	if !ok {
		return model.Mergeable
	}
	if a, ok := t.Fields[field]; ok {
		return a
	}
	if t.Default != "" {
		return t.Default
	}
	return model.Mergeable
}

// Table returns a copy of the table for et.
func (p *Policy) Table(et model.EntityType) (Table, bool) {
	if p == nil {
		return Table{}, false
	}
	t, ok := p.tables[et]
	if !ok {
		return Table{}, false
	}
	return cloneTable(t), true
}

// EntityTypes returns the entity types with a table, sorted.
func (p *Policy) EntityTypes() []model.EntityType {
	if p == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(p.tables))
}

// Merge returns a new policy with override's entries layered over p.
// Field entries replace individually; a non-empty override Default
// replaces the fallback.
func (p *Policy) Merge(override *Policy) *Policy {
	out := New(nil)
	if p != nil {
		for et, t := range p.tables {
			out.tables[et] = cloneTable(t)
		}
	}
	if override == nil {
		return out
	}
	for et, ot := range override.tables {
		base := out.tables[et]
		if base.Fields == nil {
			base.Fields = map[string]model.Authority{}
		}
		if ot.Default != "" {
			base.Default = ot.Default
		}
		for f, a := range ot.Fields {
			base.Fields[f] = a
		}
		out.tables[et] = base
	}
	return out
}

func cloneTable(t Table) Table {
	return Table{Default: t.Default, Fields: maps.Clone(t.Fields)}
}
