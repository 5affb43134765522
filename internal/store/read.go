package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/stepsync/internal/record"
)

// GetStep returns the authoritative record for step, or nil if the step has
// never been written.
func (s *Store) GetStep(ctx context.Context, step int) (*record.StepRecord, error) {
	var (
		payload   []byte
		version   int
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, schema_version, updated_at FROM steps WHERE step = ?
	`, step).Scan(&payload, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get step", err)
	}

	rec, err := s.buildRecord(step, payload, version, updatedAt)
	if err != nil {
		return nil, storageErr("get step", err)
	}
	return &rec, nil
}

// ListSteps returns every stored record ordered by step.
func (s *Store) ListSteps(ctx context.Context) ([]record.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step, payload, schema_version, updated_at FROM steps ORDER BY step ASC
	`)
	if err != nil {
		return nil, storageErr("list steps", err)
	}
	defer rows.Close()

	var out []record.StepRecord
	for rows.Next() {
		var (
			step      int
			payload   []byte
			version   int
			updatedAt string
		)
		if err := rows.Scan(&step, &payload, &version, &updatedAt); err != nil {
			return nil, storageErr("list steps", err)
		}
		rec, err := s.buildRecord(step, payload, version, updatedAt)
		if err != nil {
			return nil, storageErr("list steps", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list steps", err)
	}
	return out, nil
}

// MaxSchemaVersion returns the highest schema version of any stored step,
// or 0 when nothing is stored.
func (s *Store) MaxSchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(schema_version) FROM steps`).Scan(&v); err != nil {
		return 0, storageErr("max schema version", err)
	}
	return int(v.Int64), nil
}

// DrainOutbox returns a snapshot of the outbox in insertion order and
// remembers its highest id for the next ClearOutbox.
func (s *Store) DrainOutbox(ctx context.Context) ([]record.OutboxEntry, error) {
	entries, err := s.readOutbox(ctx)
	if err != nil {
		return nil, storageErr("drain outbox", err)
	}
	s.mu.Lock()
	s.drainedThrough = record.MaxEntryID(entries)
	s.mu.Unlock()
	return entries, nil
}

// PendingOutbox lists the outbox without affecting what ClearOutbox removes.
func (s *Store) PendingOutbox(ctx context.Context) ([]record.OutboxEntry, error) {
	entries, err := s.readOutbox(ctx)
	if err != nil {
		return nil, storageErr("pending outbox", err)
	}
	return entries, nil
}

func (s *Store) readOutbox(ctx context.Context) ([]record.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, step, payload, schema_version, updated_at FROM outbox ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.OutboxEntry
	for rows.Next() {
		var (
			id        int64
			step      int
			payload   []byte
			version   int
			updatedAt string
		)
		if err := rows.Scan(&id, &step, &payload, &version, &updatedAt); err != nil {
			return nil, err
		}
		rec, err := s.buildRecord(step, payload, version, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("outbox entry %d: %w", id, err)
		}
		out = append(out, record.OutboxEntry{ID: id, Record: rec})
	}
	return out, rows.Err()
}

// StepsWithEntriesAfter reports the steps that have an outbox entry with an
// id greater than id.
func (s *Store) StepsWithEntriesAfter(ctx context.Context, id int64) (map[int]bool, error) {
	out, err := stepsWithEntriesAfter(ctx, s.db, id)
	if err != nil {
		return nil, storageErr("steps with entries after", err)
	}
	return out, nil
}

// GetStatus returns the status of step, or nil if it has none.
func (s *Store) GetStatus(ctx context.Context, step int) (*record.StatusEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT step, status, reason, conflict, updated_at FROM sync_status WHERE step = ?
	`, step)
	entry, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get status", err)
	}
	return &entry, nil
}

// ListStatuses returns every status ordered by step.
func (s *Store) ListStatuses(ctx context.Context) ([]record.StatusEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step, status, reason, conflict, updated_at FROM sync_status ORDER BY step ASC
	`)
	if err != nil {
		return nil, storageErr("list statuses", err)
	}
	defer rows.Close()

	var out []record.StatusEntry
	for rows.Next() {
		entry, err := scanStatus(rows)
		if err != nil {
			return nil, storageErr("list statuses", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list statuses", err)
	}
	return out, nil
}

// Conflicts returns the stored descriptors of steps awaiting resolution,
// ordered by step.
func (s *Store) Conflicts(ctx context.Context) ([]record.ConflictDescriptor, error) {
	statuses, err := s.ListStatuses(ctx)
	if err != nil {
		return nil, err
	}
	var out []record.ConflictDescriptor
	for _, st := range statuses {
		if st.Conflict != nil {
			out = append(out, *st.Conflict)
		}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStatus(row scanner) (record.StatusEntry, error) {
	var (
		entry     record.StatusEntry
		status    string
		conflict  sql.NullString
		updatedAt string
	)
	if err := row.Scan(&entry.Step, &status, &entry.Reason, &conflict, &updatedAt); err != nil {
		return record.StatusEntry{}, err
	}
	entry.Status = record.Status(status)

	c, err := unmarshalConflict(conflict)
	if err != nil {
		return record.StatusEntry{}, fmt.Errorf("step %d: %w", entry.Step, err)
	}
	entry.Conflict = c

	if entry.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return record.StatusEntry{}, fmt.Errorf("step %d: %w", entry.Step, err)
	}
	return entry, nil
}

func (s *Store) buildRecord(step int, payload []byte, version int, updatedAt string) (record.StepRecord, error) {
	data, err := s.decodePayload(payload)
	if err != nil {
		return record.StepRecord{}, fmt.Errorf("step %d: %w", step, err)
	}
	ts, err := parseTime(updatedAt)
	if err != nil {
		return record.StepRecord{}, fmt.Errorf("step %d: %w", step, err)
	}
	return record.StepRecord{Step: step, Data: data, SchemaVersion: version, UpdatedAt: ts}, nil
}
