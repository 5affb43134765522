package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// FieldConflict describes one field whose server and client values diverged.
type FieldConflict struct {
	Name   string
	Server Value
	Client Value
}

type fieldConflictJSON struct {
	Name   string          `json:"name"`
	Server json.RawMessage `json:"server"`
	Client json.RawMessage `json:"client"`
}

// MarshalJSON implements json.Marshaler.
func (f FieldConflict) MarshalJSON() ([]byte, error) {
	server, err := marshalOptionalValue(f.Server)
	if err != nil {
		return nil, fmt.Errorf("field %q server: %w", f.Name, err)
	}
	client, err := marshalOptionalValue(f.Client)
	if err != nil {
		return nil, fmt.Errorf("field %q client: %w", f.Name, err)
	}
	return json.Marshal(fieldConflictJSON{Name: f.Name, Server: server, Client: client})
}

// UnmarshalJSON implements json.Unmarshaler. A missing or null side means
// the field is absent on that side.
func (f *FieldConflict) UnmarshalJSON(data []byte) error {
	var raw fieldConflictJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Name == "" {
		return fmt.Errorf("field conflict without name")
	}
	server, err := unmarshalOptionalValue(raw.Server)
	if err != nil {
		return fmt.Errorf("field %q server: %w", raw.Name, err)
	}
	client, err := unmarshalOptionalValue(raw.Client)
	if err != nil {
		return fmt.Errorf("field %q client: %w", raw.Name, err)
	}
	*f = FieldConflict{Name: raw.Name, Server: server, Client: client}
	return nil
}

func marshalOptionalValue(v Value) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(v)
}

func unmarshalOptionalValue(raw json.RawMessage) (Value, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	return unmarshalValue(trimmed)
}

// ConflictDescriptor is reported by the remote authority for a step it could
// not apply cleanly. Without Fields it is a whole-record conflict.
type ConflictDescriptor struct {
	Step   int
	Fields []FieldConflict
}

type conflictJSON struct {
	Step   int             `json:"step"`
	Fields []FieldConflict `json:"fields,omitempty"`
}

// WholeRecord reports whether the conflict carries no field detail.
func (c ConflictDescriptor) WholeRecord() bool {
	return len(c.Fields) == 0
}

// FieldNames returns the conflicting field names, sorted.
func (c ConflictDescriptor) FieldNames() []string {
	names := make([]string, 0, len(c.Fields))
	for _, f := range c.Fields {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

// ServerData returns the server's view of the record: the client data with
// every conflicting field replaced by its server value. Fields absent on the
// server are removed. Returns nil for whole-record conflicts, where the
// server's values are unknown.
func (c ConflictDescriptor) ServerData(client Data) Data {
	if c.WholeRecord() {
		return nil
	}
	out := client.Clone()
	if out == nil {
		out = Data{}
	}
	for _, f := range c.Fields {
		if f.Server == nil {
			delete(out, f.Name)
			continue
		}
		out[f.Name] = f.Server
	}
	return out
}

// MarshalJSON emits a bare step number for whole-record conflicts.
func (c ConflictDescriptor) MarshalJSON() ([]byte, error) {
	if c.WholeRecord() {
		return json.Marshal(c.Step)
	}
	return json.Marshal(conflictJSON{Step: c.Step, Fields: c.Fields})
}

// UnmarshalJSON accepts either a bare step number or {step, fields}.
func (c *ConflictDescriptor) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		var step int
		if err := json.Unmarshal(trimmed, &step); err != nil {
			return fmt.Errorf("conflict descriptor: %w", err)
		}
		*c = ConflictDescriptor{Step: step}
		return nil
	}
	var raw conflictJSON
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return fmt.Errorf("conflict descriptor: %w", err)
	}
	*c = ConflictDescriptor{Step: raw.Step, Fields: raw.Fields}
	return nil
}

// Mode selects how a conflict is settled.
type Mode string

const (
	ModeServer Mode = "server"
	ModeClient Mode = "client"
	ModeMerge  Mode = "merge"
)

// Side picks one version of a single field during a merge.
type Side string

const (
	SideServer Side = "server"
	SideClient Side = "client"
)

// Resolution is a caller-supplied decision for one conflicting step.
// Fields is only meaningful when Mode is ModeMerge; fields it does not
// mention keep the server value.
type Resolution struct {
	Mode   Mode
	Fields map[string]Side
}

// UseServer discards the local payload.
func UseServer() Resolution { return Resolution{Mode: ModeServer} }

// UseClient applies the local payload wholesale.
func UseClient() Resolution { return Resolution{Mode: ModeClient} }

// Merge picks server or client per field.
func Merge(fields map[string]Side) Resolution {
	return Resolution{Mode: ModeMerge, Fields: fields}
}

// Validate checks the mode and every per-field side.
func (r Resolution) Validate() error {
	switch r.Mode {
	case ModeServer, ModeClient:
		if len(r.Fields) > 0 {
			return fmt.Errorf("resolution %q does not take fields", r.Mode)
		}
		return nil
	case ModeMerge:
		for name, side := range r.Fields {
			if side != SideServer && side != SideClient {
				return fmt.Errorf("merge field %q: invalid side %q", name, side)
			}
		}
		return nil
	default:
		return fmt.Errorf("invalid resolution mode %q", r.Mode)
	}
}

type mergeJSON struct {
	Mode   Mode            `json:"mode"`
	Fields map[string]Side `json:"fields"`
}

// MarshalJSON emits "server", "client" or {"mode":"merge","fields":{...}}.
func (r Resolution) MarshalJSON() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.Mode == ModeMerge {
		fields := r.Fields
		if fields == nil {
			fields = map[string]Side{}
		}
		return json.Marshal(mergeJSON{Mode: ModeMerge, Fields: fields})
	}
	return json.Marshal(string(r.Mode))
}

// UnmarshalJSON accepts the forms produced by MarshalJSON.
func (r *Resolution) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	var out Resolution
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var mode string
		if err := json.Unmarshal(trimmed, &mode); err != nil {
			return err
		}
		out = Resolution{Mode: Mode(mode)}
	} else {
		var raw mergeJSON
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return fmt.Errorf("resolution: %w", err)
		}
		out = Resolution{Mode: raw.Mode, Fields: raw.Fields}
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*r = out
	return nil
}

// ResolutionMap carries resolutions keyed by step.
type ResolutionMap map[int]Resolution

// Steps returns the resolved step numbers in ascending order.
func (m ResolutionMap) Steps() []int {
	steps := make([]int, 0, len(m))
	for s := range m {
		steps = append(steps, s)
	}
	sort.Ints(steps)
	return steps
}
