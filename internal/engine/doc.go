// Package engine drives queued local mutations to the remote store.
//
// ARCHITECTURE:
//
// Single Driver:
// One Run loop per process owns delivery. Triggers (connectivity changes,
// the periodic tick, local changes, manual sync requests) are queued and
// coalesced, so a burst of triggers produces one drain. DrainOnce shares
// the same lock, so a one-shot sync never overlaps a running loop.
//
// States:
//
//	Idle     -> Draining  on trigger while online
//	Draining -> Idle      when nothing is eligible or the drain limit is hit
//	Draining -> Backoff   on connectivity loss or a server rate limit
//	Backoff  -> Draining  when connectivity returns or the pause elapses
//
// Per-Entity Order:
// The operation log hands out only the oldest outstanding operation of
// each entity, and only when it is eligible. An entity whose head is
// waiting out a retry delay holds back its later operations; other
// entities proceed.
//
// Outcomes:
// Every send ends in exactly one store transition:
//   - accepted: commit, confirm the version, rebase later operations
//   - conflict: resolve against the policy, commit, enqueue a corrective
//   - transient: reschedule with exponential backoff, dead-letter past the ceiling
//   - permanent: dead-letter
//   - unauthorized: dead-letter, notify, stop the drain
//   - rate limited: requeue without spending an attempt, pause the driver
//
// A storage fault halts the engine; nothing is sent or accepted afterwards.
//
// Cancellation:
// Context cancellation is honoured between operations. A send already on
// the wire runs to its own timeout and its outcome is recorded. Operations
// left in flight by a crash are returned to pending when Run starts.
package engine
