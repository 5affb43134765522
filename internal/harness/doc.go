// Package harness provides scenario testing for the sync engine.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: merge_resolution
//	description: "A server edit conflicts with a local save"
//	round_id: round-merge
//	steps:
//	  - server_edit: { step: 3, data: { progress_pct: "55" }, schema_version: 1 }
//	  - save: { step: 3, fields: { progress_pct: "40" } }
//	    expect: { result: conflict, conflicts: [3] }
//	  - resolve:
//	      3: { mode: merge, fields: { progress_pct: client } }
//	    expect: { result: synced, synced: [3] }
//	assertions:
//	  - type: local_step
//	    step: 3
//	    expect: { progress_pct: "40" }
//	  - type: outbox
//	    count: 0
//
// # Steps
//
// Each step sets exactly one action:
//
//   - save: fill the form for a step and save it (which triggers a round)
//   - server_edit: change a step on the remote, as another client would
//   - sync: run a round with the named trigger (periodic, online, ...)
//   - resolve: resolve pending conflicts and resubmit
//   - fail_next: make the next N remote sync requests fail with 503
//   - read_only: switch the remote's read-only mode
//   - advance: move the fake wall clock (for breaker reset timeouts)
//
// An optional expect clause checks the outcome: result, attempts, synced
// steps, conflicting steps and an error substring.
//
// # Assertion Types
//
//   - trace_contains: a step with the action (and result) ran
//   - trace_order: actions ran in the given order
//   - trace_count: a step with the action (and result) ran exactly N times
//   - local_step, remote_step: field values of the local or remote record
//   - status: the sync status of a step
//   - outbox: the number of pending outbox entries
//   - indicator: the user-facing sync indicator
//
// # Deterministic Testing
//
// Every scenario runs with a fixed round ID, a fake wall clock and a
// recording sleeper, against an in-memory store and a fresh remote. The
// trace therefore contains no timestamps and is byte-identical across
// runs, which makes it suitable for golden comparison.
package harness
