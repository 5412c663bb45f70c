package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

const domainRecord = "fieldsync/record/v1"

// operationNamespace scopes derived operation ids.
var operationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("fieldsync/operation/v1"))

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint is a content hash over a record's replicated state. Two
// records with equal fingerprints are interchangeable for sync purposes.
func Fingerprint(r Record) (string, error) {
	obj := Object{
		"entity_type": String(r.EntityType),
		"id":          String(r.ID),
		"fields":      r.Fields,
		"updated_at":  Int(r.UpdatedAt.UnixMilli()),
		"updated_by":  String(r.UpdatedBy),
		"deleted":     Bool(r.Deleted),
		"version":     Null{},
	}
	if r.Fields == nil {
		obj["fields"] = Object{}
	}
	if r.Version != nil {
		obj["version"] = Int(*r.Version)
	}
	data, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return hashWithDomain(domainRecord, data), nil
}

// DerivedOperationID returns a name-based UUID for an operation synthesized
// from parentID. The same parent, kind and payload always yield the same id,
// so replaying a resolution never enqueues a second distinct corrective.
func DerivedOperationID(parentID string, kind OpKind, payload Object) (string, error) {
	if payload == nil {
		payload = Object{}
	}
	data, err := MarshalCanonical(Object{
		"parent":  String(parentID),
		"kind":    String(kind),
		"payload": payload,
	})
	if err != nil {
		return "", fmt.Errorf("derive operation id: %w", err)
	}
	return uuid.NewSHA1(operationNamespace, data).String(), nil
}

// NewID returns a time-ordered UUIDv7 string.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
