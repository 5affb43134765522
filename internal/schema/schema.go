// Package schema validates assembled step payloads against a CUE form
// schema.
//
// A schema file declares the form version and per-step constraints:
//
//	schema_version: 3
//	steps: {
//		"1": {
//			company:    string & !=""
//			employees?: int & >=0
//		}
//		"3": progress_pct: =~"^[0-9]{1,3}$"
//	}
//
// Steps without an entry are not constrained. Payloads are unified with
// their step's constraints and must be concrete, so non-optional fields
// are required.
package schema

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/stepsync/internal/record"
)

// Schema is a compiled form schema. It is safe for concurrent use by
// Validate calls.
type Schema struct {
	ctx     *cue.Context
	root    cue.Value
	version int
}

// FieldError is one constraint violation.
type FieldError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e FieldError) String() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError reports every violation found in one payload.
type ValidationError struct {
	Step   int
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return fmt.Sprintf("step %d failed validation: %s", e.Step, strings.Join(parts, "; "))
}

// LoadFile compiles the schema at path.
func LoadFile(path string) (*Schema, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Compile(src, path)
}

// Compile compiles schema source. filename is used in error positions.
func Compile(src []byte, filename string) (*Schema, error) {
	ctx := cuecontext.New()
	root := ctx.CompileBytes(src, cue.Filename(filename))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", formatCUEError(err))
	}

	s := &Schema{ctx: ctx, root: root}

	versionVal := root.LookupPath(cue.ParsePath("schema_version"))
	if versionVal.Exists() {
		v, err := versionVal.Int64()
		if err != nil {
			return nil, fmt.Errorf("schema_version: %w", formatCUEError(err))
		}
		if v < 0 {
			return nil, fmt.Errorf("schema_version must be >= 0, got %d", v)
		}
		s.version = int(v)
	}

	stepsVal := root.LookupPath(cue.ParsePath("steps"))
	if stepsVal.Exists() {
		iter, err := stepsVal.Fields()
		if err != nil {
			return nil, fmt.Errorf("steps: %w", formatCUEError(err))
		}
		for iter.Next() {
			label := strings.Trim(iter.Label(), `"`)
			if n, err := strconv.Atoi(label); err != nil || n < 1 {
				return nil, fmt.Errorf("steps: key %q is not a step number", label)
			}
		}
	}
	return s, nil
}

// Version returns the declared schema_version, or 0.
func (s *Schema) Version() int {
	return s.version
}

// Validate checks data against the constraints of step. It returns a
// *ValidationError on violation.
func (s *Schema) Validate(step int, data record.Data) error {
	stepPath := cue.MakePath(cue.Str("steps"), cue.Str(strconv.Itoa(step)))
	constraints := s.root.LookupPath(stepPath)
	if !constraints.Exists() {
		return nil
	}

	payload := s.ctx.Encode(data.ToMap())
	if err := payload.Err(); err != nil {
		return fmt.Errorf("encode step %d: %w", step, err)
	}

	unified := constraints.Unify(payload)
	err := unified.Validate(cue.Concrete(true), cue.All())
	if err == nil {
		return nil
	}

	verr := &ValidationError{Step: step}
	prefix := []string{"steps", strconv.Itoa(step)}
	for _, e := range errors.Errors(err) {
		fe := FieldError{
			Field:   fieldName(e.Path(), prefix),
			Message: errorMessage(e),
		}
		if positions := errors.Positions(e); len(positions) > 0 {
			fe.Pos = positions[0]
		}
		verr.Fields = append(verr.Fields, fe)
	}
	return verr
}

// fieldName strips the step prefix from a CUE error path.
func fieldName(path, prefix []string) string {
	if len(path) >= len(prefix) {
		match := true
		for i := range prefix {
			if strings.Trim(path[i], `"`) != prefix[i] {
				match = false
				break
			}
		}
		if match {
			path = path[len(prefix):]
		}
	}
	if len(path) == 0 {
		return "(record)"
	}
	return strings.Join(path, ".")
}

func errorMessage(e errors.Error) string {
	format, args := e.Msg()
	return fmt.Sprintf(format, args...)
}

// formatCUEError returns the first CUE error with its position, or err.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	fe := FieldError{Field: "cue", Message: errorMessage(first)}
	if positions := errors.Positions(first); len(positions) > 0 {
		fe.Pos = positions[0]
	}
	return fmt.Errorf("%s", fe.String())
}
