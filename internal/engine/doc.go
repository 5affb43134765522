// Package engine implements the sync orchestrator.
//
// The orchestrator coordinates the local store, the draft assembler, the
// circuit-breaker guarded transport and the conflict resolver. It decides
// when a sync round runs, drains the outbox, interprets the remote answer
// and records per-step status.
//
// STATE MACHINE:
//
//	IDLE -> SYNCING -> IDLE      (success)
//	                -> CONFLICT  (awaiting a resolution)
//	                -> ERROR     (backing off until the next trigger)
//
// Rounds are triggered by a save, the periodic timer or an online
// transition. At most one round runs at a time: a trigger that arrives
// while a round is in flight is dropped, and the next periodic tick picks
// up anything new.
//
// SNAPSHOT-SAFE CLEAR:
//
// A round clears only the outbox entries it drained. Edits appended while
// the network exchange is in flight stay in the outbox, keep their step
// pending and are never overwritten by records the server returns for that
// round.
//
// Storage and transport failures are recorded as step status and reported
// in the round Outcome. They are not returned as errors. Unauthenticated
// responses and caller mistakes (bad resolutions) are.
package engine
