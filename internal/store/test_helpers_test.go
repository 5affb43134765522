package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/stepsync/internal/record"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRecord creates a step record with a single string field.
func createTestRecord(step int, field, value string) record.StepRecord {
	return record.StepRecord{
		Step:          step,
		Data:          record.Data{field: record.String(value)},
		SchemaVersion: 1,
		UpdatedAt:     testTime,
	}
}
