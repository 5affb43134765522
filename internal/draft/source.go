package draft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/roach88/stepsync/internal/record"
)

// Field is one rendered form input.
type Field struct {
	Name  string
	Value record.Value

	// Visible is false for inputs hidden by the form (for example by a
	// permission rule). Hidden inputs never reach the payload.
	Visible bool

	// SyncEligible marks inputs whose values belong in the step record.
	SyncEligible bool
}

// FormState is the active step and its rendered inputs.
type FormState struct {
	Step   int
	Fields []Field
}

// FieldSource provides the current form state. The assembler treats it as
// an opaque provider.
type FieldSource interface {
	Current(ctx context.Context) (FormState, error)
}

// StaticSource always returns the same state.
type StaticSource struct {
	State FormState
}

// Current implements FieldSource.
func (s StaticSource) Current(context.Context) (FormState, error) {
	return s.State, nil
}

// FileSource reads form state from a JSON file on every call:
//
//	{"step": 3, "fields": [{"name": "progress_pct", "value": "40", "visible": true, "sync": true}]}
//
// A missing "visible" or "sync" key defaults to true. A null value is an
// empty string.
type FileSource struct {
	Path string
}

type fileState struct {
	Step   int         `json:"step"`
	Fields []fileField `json:"fields"`
}

type fileField struct {
	Name    string `json:"name"`
	Value   any    `json:"value"`
	Visible *bool  `json:"visible"`
	Sync    *bool  `json:"sync"`
}

// Current implements FieldSource.
func (s FileSource) Current(context.Context) (FormState, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return FormState{}, fmt.Errorf("read form state: %w", err)
	}
	return ParseFormState(raw)
}

// ParseFormState decodes the FileSource JSON format.
func ParseFormState(raw []byte) (FormState, error) {
	var fs fileState
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fs); err != nil {
		return FormState{}, fmt.Errorf("parse form state: %w", err)
	}
	out := FormState{Step: fs.Step}
	for i, f := range fs.Fields {
		if f.Name == "" {
			return FormState{}, fmt.Errorf("field %d: missing name", i)
		}
		var v record.Value = record.String("")
		if f.Value != nil {
			var err error
			if v, err = record.ValueFromAny(f.Value); err != nil {
				return FormState{}, fmt.Errorf("field %q: %w", f.Name, err)
			}
		}
		out.Fields = append(out.Fields, Field{
			Name:         f.Name,
			Value:        v,
			Visible:      f.Visible == nil || *f.Visible,
			SyncEligible: f.Sync == nil || *f.Sync,
		})
	}
	return out, nil
}
