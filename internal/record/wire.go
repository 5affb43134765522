package record

import "sort"

// SyncRequest is the body sent to the remote sync endpoint: one record per
// distinct step plus resolutions from a prior conflict round.
type SyncRequest struct {
	Steps      []StepRecord  `json:"steps"`
	Resolution ResolutionMap `json:"resolution,omitempty"`
}

// SyncResponse is the remote authority's answer to a successful exchange.
type SyncResponse struct {
	Conflicts    []ConflictDescriptor `json:"conflicts"`
	UpdatedSteps []StepRecord         `json:"updated_steps"`
}

// HasConflicts reports whether any step could not be applied cleanly.
func (r *SyncResponse) HasConflicts() bool {
	return r != nil && len(r.Conflicts) > 0
}

// Coalesce reduces outbox entries to one record per step. Entries are
// applied in ID order so the latest mutation of a step wins regardless of
// the order they are passed in. The result is ordered by step.
func Coalesce(entries []OutboxEntry) []StepRecord {
	latest := make(map[int]OutboxEntry, len(entries))
	for _, e := range entries {
		cur, ok := latest[e.Record.Step]
		if !ok || e.ID > cur.ID {
			latest[e.Record.Step] = e
		}
	}

	steps := make([]int, 0, len(latest))
	for s := range latest {
		steps = append(steps, s)
	}
	sort.Ints(steps)

	out := make([]StepRecord, 0, len(steps))
	for _, s := range steps {
		out = append(out, latest[s].Record)
	}
	return out
}

// MaxEntryID returns the highest entry ID, or 0 for an empty slice.
func MaxEntryID(entries []OutboxEntry) int64 {
	var highest int64
	for _, e := range entries {
		if e.ID > highest {
			highest = e.ID
		}
	}
	return highest
}

// StepNumbers lists the step of each record in order.
func StepNumbers(recs []StepRecord) []int {
	out := make([]int, len(recs))
	for i, r := range recs {
		out[i] = r.Step
	}
	return out
}
