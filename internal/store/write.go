package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/stepsync/internal/record"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PutStep replaces the authoritative record for rec.Step. It does not touch
// the outbox.
func (s *Store) PutStep(ctx context.Context, rec record.StepRecord) error {
	if err := rec.Validate(); err != nil {
		return storageErr("put step", err)
	}
	return s.withTx(ctx, "put step", func(tx *sql.Tx) error {
		return s.putStep(ctx, tx, rec)
	})
}

func (s *Store) putStep(ctx context.Context, ex execer, rec record.StepRecord) error {
	payload, err := s.encodePayload(rec.Data)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO steps (step, payload, schema_version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(step) DO UPDATE SET
			payload = excluded.payload,
			schema_version = excluded.schema_version,
			updated_at = excluded.updated_at
	`, rec.Step, payload, rec.SchemaVersion, formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert step %d: %w", rec.Step, err)
	}
	return nil
}

// AppendOutbox adds an immutable mutation entry and returns its id.
func (s *Store) AppendOutbox(ctx context.Context, rec record.StepRecord) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, storageErr("append outbox", err)
	}
	var id int64
	err := s.withTx(ctx, "append outbox", func(tx *sql.Tx) error {
		var err error
		id, err = s.appendOutbox(ctx, tx, rec)
		return err
	})
	return id, err
}

func (s *Store) appendOutbox(ctx context.Context, ex execer, rec record.StepRecord) (int64, error) {
	payload, err := s.encodePayload(rec.Data)
	if err != nil {
		return 0, err
	}
	res, err := ex.ExecContext(ctx, `
		INSERT INTO outbox (step, payload, schema_version, updated_at)
		VALUES (?, ?, ?, ?)
	`, rec.Step, payload, rec.SchemaVersion, formatTime(rec.UpdatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert outbox entry for step %d: %w", rec.Step, err)
	}
	return res.LastInsertId()
}

// RecordMutation persists a local edit: the step record, its outbox entry
// and a pending status, all in one transaction.
func (s *Store) RecordMutation(ctx context.Context, rec record.StepRecord) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, storageErr("record mutation", err)
	}
	var id int64
	err := s.withTx(ctx, "record mutation", func(tx *sql.Tx) error {
		if err := s.putStep(ctx, tx, rec); err != nil {
			return err
		}
		var err error
		if id, err = s.appendOutbox(ctx, tx, rec); err != nil {
			return err
		}
		return s.setStatus(ctx, tx, rec.Step, record.StatusPending, "", nil)
	})
	return id, err
}

// UpsertSteps applies canonical records returned by the remote authority.
func (s *Store) UpsertSteps(ctx context.Context, recs []record.StepRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.withTx(ctx, "upsert steps", func(tx *sql.Tx) error {
		for _, rec := range recs {
			if err := rec.Validate(); err != nil {
				return err
			}
			if err := s.putStep(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClearOutbox deletes every entry returned by the last DrainOutbox call and
// reports how many were removed. Entries appended after that drain are kept.
// Calling it without a prior drain removes nothing.
func (s *Store) ClearOutbox(ctx context.Context) (int64, error) {
	s.mu.Lock()
	through := s.drainedThrough
	s.mu.Unlock()

	if through == 0 {
		return 0, nil
	}

	var n int64
	err := s.withTx(ctx, "clear outbox", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id <= ?`, through)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	if s.drainedThrough == through {
		s.drainedThrough = 0
	}
	s.mu.Unlock()
	return n, nil
}

// SetStatus overwrites the status of one step and drops any stored conflict.
func (s *Store) SetStatus(ctx context.Context, step int, status record.Status, reason string) error {
	if !status.Valid() {
		return storageErr("set status", fmt.Errorf("invalid status %q", status))
	}
	return s.withTx(ctx, "set status", func(tx *sql.Tx) error {
		return s.setStatus(ctx, tx, step, status, reason, nil)
	})
}

// SetStatuses overwrites the status of several steps. When through is
// positive, steps with an outbox entry newer than through are skipped: they
// carry an edit the finished round never saw and stay pending.
func (s *Store) SetStatuses(ctx context.Context, steps []int, status record.Status, reason string, through int64) error {
	if !status.Valid() {
		return storageErr("set statuses", fmt.Errorf("invalid status %q", status))
	}
	if len(steps) == 0 {
		return nil
	}
	return s.withTx(ctx, "set statuses", func(tx *sql.Tx) error {
		newer := map[int]bool{}
		if through > 0 {
			var err error
			if newer, err = stepsWithEntriesAfter(ctx, tx, through); err != nil {
				return err
			}
		}
		for _, step := range steps {
			if newer[step] {
				continue
			}
			if err := s.setStatus(ctx, tx, step, status, reason, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkConflict sets a step to error and stores the descriptor until the
// step is resolved.
func (s *Store) MarkConflict(ctx context.Context, c record.ConflictDescriptor, reason string) error {
	return s.withTx(ctx, "mark conflict", func(tx *sql.Tx) error {
		return s.setStatus(ctx, tx, c.Step, record.StatusError, reason, &c)
	})
}

func (s *Store) setStatus(ctx context.Context, ex execer, step int, status record.Status, reason string, c *record.ConflictDescriptor) error {
	conflict, err := marshalConflict(c)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO sync_status (step, status, reason, conflict, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(step) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			conflict = excluded.conflict,
			updated_at = excluded.updated_at
	`, step, string(status), reason, conflict, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("set status of step %d: %w", step, err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func stepsWithEntriesAfter(ctx context.Context, q querier, id int64) (map[int]bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT step FROM outbox WHERE id > ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query newer entries: %w", err)
	}
	defer rows.Close()

	out := map[int]bool{}
	for rows.Next() {
		var step int
		if err := rows.Scan(&step); err != nil {
			return nil, err
		}
		out[step] = true
	}
	return out, rows.Err()
}
