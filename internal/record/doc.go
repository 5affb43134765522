// Package record defines the data model moved by the step sync engine.
//
// A Step Record is the payload of one page of a multi-step form. Local edits
// are buffered as Outbox Entries until the remote authority confirms them;
// divergence between both sides is reported as Conflict Descriptors and
// settled with a Resolution.
//
// # Values
//
// Field values are restricted to three scalar kinds: String, Number and
// Bool. Numbers keep their decimal literal so a value read from storage or
// the wire is byte-identical to the value that was written.
//
// # Canonical JSON
//
// MarshalCanonical produces RFC 8785 canonical JSON (sorted keys by UTF-16
// code units, NFC-normalized strings, no HTML escaping). It is the only
// encoding used for digests, so identical inputs always hash identically.
package record
