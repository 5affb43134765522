// Package conflict compares server and client versions of a step and
// applies caller-supplied resolutions.
//
// Resolution works on whole fields. The token-level diff in display.go is
// for presenting a conflict to a person and never influences the outcome.
package conflict

import (
	"sort"

	"github.com/roach88/stepsync/internal/record"
)

// FieldChange is one field that differs between the two versions. A nil
// side means the field is absent there.
type FieldChange struct {
	Name   string
	Server record.Value
	Client record.Value
}

// DiffResult groups changes from the server's point of view: Added fields
// exist only on the client, Removed fields only on the server, Modified
// fields on both with different values. Each slice is sorted by name.
type DiffResult struct {
	Added    []FieldChange
	Removed  []FieldChange
	Modified []FieldChange
}

// Empty reports whether the two versions are equal.
func (d DiffResult) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Fields lists every changed field name, sorted.
func (d DiffResult) Fields() []string {
	var names []string
	for _, group := range [][]FieldChange{d.Added, d.Removed, d.Modified} {
		for _, c := range group {
			names = append(names, c.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Diff compares two records field by field.
func Diff(server, client record.Data) DiffResult {
	var out DiffResult
	for _, name := range client.SortedKeys() {
		cv := client[name]
		sv, ok := server[name]
		switch {
		case !ok:
			out.Added = append(out.Added, FieldChange{Name: name, Client: cv})
		case !record.EqualValues(sv, cv):
			out.Modified = append(out.Modified, FieldChange{Name: name, Server: sv, Client: cv})
		}
	}
	for _, name := range server.SortedKeys() {
		if _, ok := client[name]; !ok {
			out.Removed = append(out.Removed, FieldChange{Name: name, Server: server[name]})
		}
	}
	return out
}

// Descriptor builds the conflict descriptor for two diverged versions.
// Identical versions yield a descriptor without fields.
func Descriptor(step int, server, client record.Data) record.ConflictDescriptor {
	d := Diff(server, client)
	desc := record.ConflictDescriptor{Step: step}
	for _, name := range d.Fields() {
		desc.Fields = append(desc.Fields, record.FieldConflict{
			Name:   name,
			Server: server[name],
			Client: client[name],
		})
	}
	return desc
}
