package conflict

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/stepsync/internal/record"
)

// ResolveError reports a resolution that cannot be applied to a step.
type ResolveError struct {
	Step int
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve step %d: %v", e.Step, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// IsResolveError returns true if err is or wraps a ResolveError.
func IsResolveError(err error) bool {
	var re *ResolveError
	return errors.As(err, &re)
}

// Resolved is the outcome of applying a resolution to one step.
type Resolved struct {
	Step int
	Mode record.Mode

	// Data is the resolved payload. It is nil when DeferToServer is set.
	Data record.Data

	// Sources records which side each conflicting field was taken from.
	Sources map[string]record.Side

	// DeferToServer is set for whole-record conflicts resolved in favor of
	// the server, fully or in part: the server's values are not known
	// locally, so its canonical record must be written back instead.
	DeferToServer bool

	// Partial holds the client-chosen fields of a whole-record merge. The
	// server applies them over its own record.
	Partial record.Data
}

// Resolve applies res to a conflicting step.
//
//   - server: the server's view of the record wins.
//   - client: clientData is applied wholesale.
//   - merge: each conflicting field takes the side named in res.Fields.
//     Fields the map does not mention keep the server value.
//
// Resolve is pure: identical inputs always produce identical output.
func Resolve(desc record.ConflictDescriptor, res record.Resolution, clientData record.Data) (Resolved, error) {
	if err := res.Validate(); err != nil {
		return Resolved{}, &ResolveError{Step: desc.Step, Err: err}
	}

	out := Resolved{Step: desc.Step, Mode: res.Mode, Sources: map[string]record.Side{}}

	switch res.Mode {
	case record.ModeClient:
		out.Data = clientData.Clone()
		if out.Data == nil {
			out.Data = record.Data{}
		}
		for _, name := range desc.FieldNames() {
			out.Sources[name] = record.SideClient
		}

	case record.ModeServer:
		if desc.WholeRecord() {
			out.DeferToServer = true
			return out, nil
		}
		out.Data = desc.ServerData(clientData)
		for _, name := range desc.FieldNames() {
			out.Sources[name] = record.SideServer
		}

	case record.ModeMerge:
		if desc.WholeRecord() {
			return resolveWholeRecordMerge(desc, res, clientData)
		}
		known := make(map[string]bool, len(desc.Fields))
		for _, f := range desc.Fields {
			known[f.Name] = true
		}
		for name := range res.Fields {
			if !known[name] {
				return Resolved{}, &ResolveError{Step: desc.Step, Err: fmt.Errorf("field %q is not in conflict", name)}
			}
		}

		out.Data = desc.ServerData(clientData)
		for _, f := range desc.Fields {
			side := sideFor(res, f.Name)
			out.Sources[f.Name] = side
			if side != record.SideClient {
				continue
			}
			if f.Client == nil {
				delete(out.Data, f.Name)
			} else {
				out.Data[f.Name] = f.Client
			}
		}
	}
	return out, nil
}

// resolveWholeRecordMerge handles a merge when the server sent no field
// detail. Only fields explicitly chosen as client can be applied locally;
// every other field is the server's.
func resolveWholeRecordMerge(desc record.ConflictDescriptor, res record.Resolution, clientData record.Data) (Resolved, error) {
	out := Resolved{
		Step:          desc.Step,
		Mode:          record.ModeMerge,
		Sources:       map[string]record.Side{},
		DeferToServer: true,
		Partial:       record.Data{},
	}
	for name, side := range res.Fields {
		out.Sources[name] = side
		if side != record.SideClient {
			continue
		}
		v, ok := clientData[name]
		if !ok {
			return Resolved{}, &ResolveError{Step: desc.Step, Err: fmt.Errorf("field %q has no client value", name)}
		}
		out.Partial[name] = v
	}
	return out, nil
}

func sideFor(res record.Resolution, field string) record.Side {
	if side, ok := res.Fields[field]; ok {
		return side
	}
	return record.SideServer
}

// ResolveAll resolves every descriptor that has an entry in res. Steps with
// a conflict but no resolution are returned in unresolved, in step order.
// A resolution for a step that is not in conflict is an error.
func ResolveAll(descs []record.ConflictDescriptor, res record.ResolutionMap, clients map[int]record.Data) (resolved []Resolved, unresolved []int, err error) {
	byStep := make(map[int]record.ConflictDescriptor, len(descs))
	for _, d := range descs {
		byStep[d.Step] = d
	}
	for _, step := range res.Steps() {
		if _, ok := byStep[step]; !ok {
			return nil, nil, &ResolveError{Step: step, Err: errors.New("step has no pending conflict")}
		}
	}

	for _, d := range sortedDescriptors(descs) {
		r, ok := res[d.Step]
		if !ok {
			unresolved = append(unresolved, d.Step)
			continue
		}
		out, err := Resolve(d, r, clients[d.Step])
		if err != nil {
			return nil, nil, err
		}
		resolved = append(resolved, out)
	}
	return resolved, unresolved, nil
}

func sortedDescriptors(descs []record.ConflictDescriptor) []record.ConflictDescriptor {
	out := make([]record.ConflictDescriptor, len(descs))
	copy(out, descs)
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out
}
