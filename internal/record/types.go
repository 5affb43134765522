package record

import (
	"fmt"
	"time"
)

// StepRecord is the unit of synchronization: the field values of one form
// page. At most one StepRecord per Step is authoritative locally.
type StepRecord struct {
	Step          int       `json:"step"`
	Data          Data      `json:"data"`
	SchemaVersion int       `json:"schema_version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Validate checks the structural invariants of a record.
func (r StepRecord) Validate() error {
	if r.Step < 1 {
		return fmt.Errorf("step must be >= 1, got %d", r.Step)
	}
	if r.SchemaVersion < 0 {
		return fmt.Errorf("schema version must be >= 0, got %d", r.SchemaVersion)
	}
	return nil
}

// OutboxEntry is an immutable "step N was mutated to payload P at time T"
// record. IDs increase monotonically in insertion order.
type OutboxEntry struct {
	ID     int64      `json:"id"`
	Record StepRecord `json:"record"`
}

// Status is the per-step synchronization state.
//
// Lifecycle: pending -> syncing -> {synced | error}; any new local mutation
// resets a step to pending.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusError   Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusError:
		return true
	}
	return false
}

// StatusEntry is the most recent status of a step. Conflict is set only
// while the step awaits a resolution.
type StatusEntry struct {
	Step      int                 `json:"step"`
	Status    Status              `json:"status"`
	Reason    string              `json:"reason,omitempty"`
	Conflict  *ConflictDescriptor `json:"conflict,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}
