package engine

import (
	"time"

	"github.com/roach88/stepsync/internal/record"
	"github.com/roach88/stepsync/internal/transport"
)

// State is the orchestrator's position in the sync state machine.
type State int32

const (
	StateIdle State = iota
	StateSyncing
	StateConflict
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateConflict:
		return "conflict"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Trigger names what started a sync round.
type Trigger string

const (
	TriggerSave     Trigger = "save"
	TriggerPeriodic Trigger = "periodic"
	TriggerOnline   Trigger = "online"
	TriggerResolve  Trigger = "resolve"
)

// Indicator is the user-facing sync status.
type Indicator string

const (
	IndicatorOffline Indicator = "offline"
	IndicatorSyncing Indicator = "syncing"
	IndicatorSynced  Indicator = "synced"
	IndicatorError   Indicator = "error"
)

// Outcome describes one sync round.
type Outcome struct {
	Round   string
	Trigger Trigger

	// State is the orchestrator state after the round.
	State State

	// Skipped is set when no exchange was attempted: a round was already
	// in flight, the outbox was empty, or the sync permission was denied.
	Skipped bool
	Reason  string

	// Submitted lists the steps sent to the remote, Synced those now
	// marked synced.
	Submitted []int
	Synced    []int
	Conflicts []record.ConflictDescriptor

	// Cleared is the number of outbox entries removed.
	Cleared  int64
	Attempts int
	Duration time.Duration

	// Err is a storage or transport failure recorded as step status.
	Err error
}

// Result is a short label for logs and metrics.
func (o Outcome) Result() string {
	switch {
	case transport.IsCircuitOpen(o.Err):
		return "deferred"
	case o.Err != nil:
		return "error"
	case len(o.Conflicts) > 0:
		return "conflict"
	case o.Skipped:
		return "skipped"
	default:
		return "synced"
	}
}

// SaveResult describes one Save call.
type SaveResult struct {
	Record   record.StepRecord
	OutboxID int64

	// Invalid holds the validation failure, if any. The draft is persisted
	// regardless, but no sync is triggered for it.
	Invalid error

	// ValidationSkipped is set when the validate permission was denied.
	ValidationSkipped bool

	// Sync is the round triggered by the save, nil when none ran.
	Sync *Outcome
}
