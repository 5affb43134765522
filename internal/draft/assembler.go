// Package draft turns the current form state into a step record.
//
// The assembler is a pure transformation over its field source: it does no
// network or storage access. Callers pass in the highest schema version
// already persisted so that drafts converge on the newest schema.
package draft

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/stepsync/internal/record"
)

// Validator checks an assembled payload against the form schema.
type Validator interface {
	Validate(step int, data record.Data) error
}

// Assembler builds step records from a FieldSource.
type Assembler struct {
	source        FieldSource
	now           func() time.Time
	schemaVersion int
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithClock sets the time source for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		a.now = now
	}
}

// WithSchemaVersion sets the schema version of the form currently rendered.
func WithSchemaVersion(v int) Option {
	return func(a *Assembler) {
		a.schemaVersion = v
	}
}

// NewAssembler creates an assembler reading from source.
func NewAssembler(source FieldSource, opts ...Option) *Assembler {
	a := &Assembler{source: source, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble reads the visible, sync-eligible inputs of the active step into
// a record. SchemaVersion is the larger of the form's own version and
// persistedMax; UpdatedAt is now. When a name repeats, the last input wins.
func (a *Assembler) Assemble(ctx context.Context, persistedMax int) (record.StepRecord, error) {
	state, err := a.source.Current(ctx)
	if err != nil {
		return record.StepRecord{}, fmt.Errorf("assemble: %w", err)
	}

	data := record.Data{}
	for _, f := range state.Fields {
		if !f.Visible || !f.SyncEligible {
			continue
		}
		v := f.Value
		if v == nil {
			v = record.String("")
		}
		data[f.Name] = v
	}

	rec := record.StepRecord{
		Step:          state.Step,
		Data:          data,
		SchemaVersion: max(a.schemaVersion, persistedMax),
		UpdatedAt:     a.now().UTC(),
	}
	if err := rec.Validate(); err != nil {
		return record.StepRecord{}, fmt.Errorf("assemble: %w", err)
	}
	return rec, nil
}
