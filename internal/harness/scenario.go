package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/stepsync/internal/record"
)

// Scenario is a scripted session against the reference remote: local saves,
// server-side edits, sync rounds and resolutions, followed by assertions
// on the trace and the final local and remote state.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are named after
	// it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// RoundID is the fixed sync round ID. If empty, defaults to
	// "test-round-default".
	RoundID string `yaml:"round_id,omitempty"`

	// Token, when set, is required by the remote and sent by the client.
	Token string `yaml:"token,omitempty"`

	// Schema is an optional CUE form schema used to validate saves. The
	// path is relative to the scenario file.
	Schema string `yaml:"schema,omitempty"`

	// Permissions denies or allows engine actions such as "wizard.sync".
	Permissions map[string]bool `yaml:"permissions,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Exactly one action field must be set.
type Step struct {
	Save       *SaveStep             `yaml:"save,omitempty"`
	ServerEdit *EditStep             `yaml:"server_edit,omitempty"`
	Sync       string                `yaml:"sync,omitempty"`
	Resolve    map[int]ResolveChoice `yaml:"resolve,omitempty"`
	FailNext   int                   `yaml:"fail_next,omitempty"`
	ReadOnly   *bool                 `yaml:"read_only,omitempty"`
	Advance    time.Duration         `yaml:"advance,omitempty"`

	// Expect checks the step's outcome. If nil, any outcome is accepted.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Step action names, as they appear in the trace.
const (
	ActionSave       = "save"
	ActionServerEdit = "server_edit"
	ActionSync       = "sync"
	ActionResolve    = "resolve"
	ActionFailNext   = "fail_next"
	ActionReadOnly   = "read_only"
	ActionAdvance    = "advance"
)

// Kind returns the action name of the step.
func (s Step) Kind() (string, error) {
	var kinds []string
	if s.Save != nil {
		kinds = append(kinds, ActionSave)
	}
	if s.ServerEdit != nil {
		kinds = append(kinds, ActionServerEdit)
	}
	if s.Sync != "" {
		kinds = append(kinds, ActionSync)
	}
	if s.Resolve != nil {
		kinds = append(kinds, ActionResolve)
	}
	if s.FailNext != 0 {
		kinds = append(kinds, ActionFailNext)
	}
	if s.ReadOnly != nil {
		kinds = append(kinds, ActionReadOnly)
	}
	if s.Advance != 0 {
		kinds = append(kinds, ActionAdvance)
	}
	switch len(kinds) {
	case 0:
		return "", fmt.Errorf("no action set")
	case 1:
		return kinds[0], nil
	default:
		return "", fmt.Errorf("more than one action set: %v", kinds)
	}
}

// SaveStep fills the form and saves it.
type SaveStep struct {
	Step   int            `yaml:"step"`
	Fields map[string]any `yaml:"fields"`

	// Hidden fields are rendered invisible; LocalOnly fields are not sync
	// eligible. Neither reaches the payload.
	Hidden    map[string]any `yaml:"hidden,omitempty"`
	LocalOnly map[string]any `yaml:"local_only,omitempty"`
}

// EditStep changes a step on the remote, as another client would.
type EditStep struct {
	Step          int            `yaml:"step"`
	Data          map[string]any `yaml:"data"`
	SchemaVersion int            `yaml:"schema_version,omitempty"`
}

// ResolveChoice is the YAML form of a resolution: mode "server", "client"
// or "merge" with per-field sides.
type ResolveChoice struct {
	Mode   string            `yaml:"mode"`
	Fields map[string]string `yaml:"fields,omitempty"`
}

// Resolution converts the choice.
func (c ResolveChoice) Resolution() (record.Resolution, error) {
	res := record.Resolution{Mode: record.Mode(c.Mode)}
	if len(c.Fields) > 0 {
		res.Fields = make(map[string]record.Side, len(c.Fields))
		for name, side := range c.Fields {
			res.Fields[name] = record.Side(side)
		}
	}
	if err := res.Validate(); err != nil {
		return record.Resolution{}, err
	}
	return res, nil
}

// Expect describes the expected step outcome. Unset fields are not
// checked.
type Expect struct {
	// Result is the outcome label: synced, conflict, skipped, error,
	// deferred, invalid, saved.
	Result    string `yaml:"result"`
	Attempts  int    `yaml:"attempts,omitempty"`
	Synced    []int  `yaml:"synced,omitempty"`
	Conflicts []int  `yaml:"conflicts,omitempty"`
	Error     string `yaml:"error,omitempty"`
}

// Assertion validates the trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Action and Result are used by trace_contains and trace_count.
	Action string `yaml:"action,omitempty"`
	Result string `yaml:"result,omitempty"`

	// Count is the expected number of matches (trace_count, outbox).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected action order (trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// Step selects the step (local_step, remote_step, status).
	Step int `yaml:"step,omitempty"`

	// Expect contains expected field values (local_step, remote_step).
	// Subset match: only listed fields are validated.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Absent lists fields that must not be present (local_step,
	// remote_step).
	Absent []string `yaml:"absent,omitempty"`

	// Status is the expected sync status (status) or indicator
	// (indicator).
	Status string `yaml:"status,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertLocalStep     = "local_step"
	AssertRemoteStep    = "remote_step"
	AssertStatus        = "status"
	AssertOutbox        = "outbox"
	AssertIndicator     = "indicator"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected. A relative Schema path is resolved against the file's
// directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if scenario.Schema != "" && !filepath.IsAbs(scenario.Schema) {
		scenario.Schema = filepath.Join(filepath.Dir(path), scenario.Schema)
	}
	return scenario, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml file in dir, in name order.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		kind, err := step.Kind()
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		if err := validateStep(kind, step); err != nil {
			return fmt.Errorf("steps[%d].%s: %w", i, kind, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(kind string, step Step) error {
	switch kind {
	case ActionSave:
		if step.Save.Step < 1 {
			return fmt.Errorf("step must be >= 1")
		}
	case ActionServerEdit:
		if step.ServerEdit.Step < 1 {
			return fmt.Errorf("step must be >= 1")
		}
		if len(step.ServerEdit.Data) == 0 {
			return fmt.Errorf("data is required")
		}
	case ActionResolve:
		if len(step.Resolve) == 0 {
			return fmt.Errorf("at least one resolution is required")
		}
		for n, choice := range step.Resolve {
			if _, err := choice.Resolution(); err != nil {
				return fmt.Errorf("step %d: %w", n, err)
			}
		}
	case ActionFailNext:
		if step.FailNext < 0 {
			return fmt.Errorf("must be positive")
		}
	case ActionAdvance:
		if step.Advance < 0 {
			return fmt.Errorf("must be positive")
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertLocalStep, AssertRemoteStep:
		if a.Step < 1 {
			return fmt.Errorf("assertions[%d]: step is required for %s", index, a.Type)
		}
		if len(a.Expect) == 0 && len(a.Absent) == 0 {
			return fmt.Errorf("assertions[%d]: expect or absent is required for %s", index, a.Type)
		}
	case AssertStatus:
		if a.Step < 1 || a.Status == "" {
			return fmt.Errorf("assertions[%d]: step and status are required for status", index)
		}
		if !record.Status(a.Status).Valid() {
			return fmt.Errorf("assertions[%d]: unknown status %q", index, a.Status)
		}
	case AssertOutbox:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for outbox", index)
		}
	case AssertIndicator:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for indicator", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
