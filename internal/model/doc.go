// Package model defines the records and operations exchanged between the
// local store, the sync driver and the remote record store.
//
// model imports nothing internal. Field values are restricted to strings,
// integers, booleans, lists, objects and null; floats are rejected so that
// canonical encodings, fingerprints and derived operation ids stay stable
// across platforms.
package model
