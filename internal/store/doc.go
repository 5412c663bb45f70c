// Package store is the client's durable state: the local record snapshots,
// the operation log and a small metadata table, all in one SQLite database.
//
// Every write that touches both a record and the operation log runs in a
// single transaction under the store's writer lock, so a local mutation
// and its log entry either both survive a crash or neither does.
//
// Unexpected database failures are returned as *FaultError. Callers treat
// them as fatal; the store never attempts repair.
//
// Reads are ordered deterministically (ORDER BY with a unique tiebreaker)
// and return empty slices rather than nil.
package store
