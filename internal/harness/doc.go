// Package harness runs sync and conflict scenarios against the real
// engine, a real SQLite operation log and an in-memory server.
//
// A scenario is a YAML file: server records to seed, a sequence of steps
// (local mutations, server-side edits, connectivity flips, injected
// failures, drains, clock advances, dead-letter actions) and the state
// expected at the end. Every run uses a manual clock, sequential ids and
// zero jitter, so the trace of a scenario is byte-for-byte reproducible
// and can be compared against a golden file.
//
// Example:
//
//	name: notes-survive-dispatch-edit
//	server:
//	  - entity_type: assignment
//	    id: a-1
//	    fields: {status: scheduled, notes: ""}
//	steps:
//	  - enqueue: {entity_type: assignment, id: a-1, kind: update, payload: {notes: "gate code 4411"}}
//	  - server_update: {entity_type: assignment, id: a-1, fields: {status: en_route}}
//	  - drain: true
//	expect:
//	  local:
//	    - entity_type: assignment
//	      id: a-1
//	      fields: {status: en_route, notes: "gate code 4411"}
//	      version: 3
package harness
