package model

import (
	"errors"
	"fmt"
	"time"
)

// OpKind is the mutation an operation carries.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// ParseOpKind validates s as an operation kind.
func ParseOpKind(s string) (OpKind, error) {
	switch k := OpKind(s); k {
	case OpCreate, OpUpdate, OpDelete:
		return k, nil
	default:
		return "", fmt.Errorf("unknown operation kind %q", s)
	}
}

// OpStatus is the lifecycle state of a queued operation.
//
//	pending -> in_flight -> committed
//	in_flight -> pending        (transient failure, attempt_count+1)
//	pending|in_flight -> dead_lettered
//	dead_lettered -> pending    (manual retry)
type OpStatus string

const (
	StatusPending      OpStatus = "pending"
	StatusInFlight     OpStatus = "in_flight"
	StatusCommitted    OpStatus = "committed"
	StatusDeadLettered OpStatus = "dead_lettered"
)

// Operation is one queued mutation awaiting server confirmation.
//
// Payload holds the full field set for creates, a field-level delta for
// updates and is empty for deletes. BaseVersion is the server version the
// mutation was made against; nil for records the server has never seen.
type Operation struct {
	ID             string     `json:"operation_id"`
	Seq            int64      `json:"seq,omitempty"`
	EntityType     EntityType `json:"entity_type"`
	EntityID       string     `json:"entity_id"`
	RemoteID       string     `json:"remote_id,omitempty"`
	Kind           OpKind     `json:"kind"`
	Payload        Object     `json:"payload"`
	BaseVersion    *int64     `json:"base_version"`
	UpdatedAt      time.Time  `json:"updated_at"`
	UpdatedBy      string     `json:"updated_by"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
	AttemptCount   int        `json:"attempt_count"`
	NextEligibleAt time.Time  `json:"next_eligible_at"`
	Status         OpStatus   `json:"status"`
	LastError      string     `json:"last_error,omitempty"`
	Corrective     bool       `json:"corrective,omitempty"`
}

// TargetID is the identifier to address the entity by on the server.
func (o Operation) TargetID() string {
	if o.RemoteID != "" {
		return o.RemoteID
	}
	return o.EntityID
}

// Validate checks the fields every operation must carry.
func (o Operation) Validate() error {
	var errs []error
	if o.ID == "" {
		errs = append(errs, errors.New("operation_id is required"))
	}
	if !o.EntityType.Valid() {
		errs = append(errs, fmt.Errorf("unknown entity type %q", o.EntityType))
	}
	if o.EntityID == "" {
		errs = append(errs, errors.New("entity_id is required"))
	}
	if _, err := ParseOpKind(string(o.Kind)); err != nil {
		errs = append(errs, err)
	}
	if o.Kind == OpDelete && len(o.Payload) > 0 {
		errs = append(errs, errors.New("delete operations carry no payload"))
	}
	return errors.Join(errs...)
}

// Apply returns the record that results from applying op to current.
// current may be the zero Record when the entity does not exist yet.
// Apply does not check versions; that is the server's job.
func Apply(current Record, op Operation) Record {
	next := current.Clone()
	next.EntityType = op.EntityType
	next.ID = op.EntityID
	next.UpdatedAt = op.UpdatedAt
	next.UpdatedBy = op.UpdatedBy

	switch op.Kind {
	case OpCreate:
		next.Fields = op.Payload.Clone()
		if next.Fields == nil {
			next.Fields = Object{}
		}
		next.Deleted = false
	case OpUpdate:
		if next.Fields == nil {
			next.Fields = Object{}
		}
		for k, v := range op.Payload {
			next.Fields[k] = cloneValue(v)
		}
	case OpDelete:
		next.Deleted = true
	}
	return next
}
