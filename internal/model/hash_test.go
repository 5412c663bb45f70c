package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivedOperationIDDeterministic(t *testing.T) {
	payload := Object{"notes": String("Replaced filter")}
	first, err := DerivedOperationID("op-1", OpUpdate, payload)
	require.NoError(t, err)
	second, err := DerivedOperationID("op-1", OpUpdate, Object{"notes": String("Replaced filter")})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = uuid.Parse(first)
	assert.NoError(t, err)

	other, err := DerivedOperationID("op-2", OpUpdate, payload)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestFingerprintIgnoresKeyOrderAndTracksVersion(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := Record{EntityType: EntityNote, ID: "n", Fields: Object{"a": Int(1), "b": Int(2)}, UpdatedAt: at}
	b := Record{EntityType: EntityNote, ID: "n", Fields: Object{"b": Int(2), "a": Int(1)}, UpdatedAt: at}

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 64)

	b.Version = Version(1)
	fv, err := Fingerprint(b)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fv)
}

func TestNewIDIsUUIDv7(t *testing.T) {
	id, err := uuid.Parse(NewID())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}
