package model

import (
	"fmt"
	"time"
)

// EntityType names a domain record variant.
type EntityType string

const (
	EntityAssignment EntityType = "assignment"
	EntityNote       EntityType = "note"
	EntityPhoto      EntityType = "photo_record"
	EntityTimeEntry  EntityType = "time_entry"
)

var entityTypes = []EntityType{EntityAssignment, EntityNote, EntityPhoto, EntityTimeEntry}

// EntityTypes returns every known entity type in a fixed order.
func EntityTypes() []EntityType {
	out := make([]EntityType, len(entityTypes))
	copy(out, entityTypes)
	return out
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	for _, known := range entityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseEntityType validates s as an entity type.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// Authority is the ownership rule that decides which replica wins a field
// during conflict resolution.
type Authority string

const (
	ServerAuthoritative Authority = "server_authoritative"
	ClientAuthoritative Authority = "client_authoritative"
	Mergeable           Authority = "mergeable"
)

// ParseAuthority validates s as an authority class.
func ParseAuthority(s string) (Authority, error) {
	switch a := Authority(s); a {
	case ServerAuthoritative, ClientAuthoritative, Mergeable:
		return a, nil
	default:
		return "", fmt.Errorf("unknown authority class %q", s)
	}
}

// Record is the client's view of one domain entity.
//
// Version is nil while the record has never been confirmed by the server.
// ServerID is set once the server assigns its own identifier; ID stays the
// local key for the lifetime of the record.
type Record struct {
	EntityType EntityType `json:"entity_type"`
	ID         string     `json:"id"`
	ServerID   string     `json:"server_id,omitempty"`
	Version    *int64     `json:"version"`
	Fields     Object     `json:"fields"`
	UpdatedAt  time.Time  `json:"updated_at"`
	UpdatedBy  string     `json:"updated_by"`
	Deleted    bool       `json:"deleted,omitempty"`
}

// RemoteID is the identifier the server knows this record by.
func (r Record) RemoteID() string {
	if r.ServerID != "" {
		return r.ServerID
	}
	return r.ID
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Fields = r.Fields.Clone()
	if r.Version != nil {
		out.Version = Version(*r.Version)
	}
	return out
}

// Version returns a pointer to n, for populating Record.Version and
// Operation.BaseVersion.
func Version(n int64) *int64 {
	return &n
}

// SameVersion reports whether two optional versions are equal.
func SameVersion(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Timestamp normalizes t to the precision and location records persist
// with: UTC, whole milliseconds, no monotonic reading.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
