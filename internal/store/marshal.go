package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/stepsync/internal/record"
)

// encodePayload serializes step data and applies the cipher.
// A nil map is stored as an empty object.
func (s *Store) encodePayload(data record.Data) ([]byte, error) {
	if data == nil {
		data = record.Data{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	out, err := s.cipher.Encrypt(raw)
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}
	return out, nil
}

// decodePayload reverses encodePayload.
func (s *Store) decodePayload(blob []byte) (record.Data, error) {
	raw, err := s.cipher.Decrypt(blob)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}
	var data record.Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if data == nil {
		data = record.Data{}
	}
	return data, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// marshalConflict converts a descriptor to JSON TEXT, or NULL when nil.
func marshalConflict(c *record.ConflictDescriptor) (sql.NullString, error) {
	if c == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal conflict: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalConflict(ns sql.NullString) (*record.ConflictDescriptor, error) {
	if !ns.Valid {
		return nil, nil
	}
	var c record.ConflictDescriptor
	if err := json.Unmarshal([]byte(ns.String), &c); err != nil {
		return nil, fmt.Errorf("unmarshal conflict: %w", err)
	}
	return &c, nil
}
