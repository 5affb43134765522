package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/stepsync/internal/draft"
	"github.com/roach88/stepsync/internal/record"
	"github.com/roach88/stepsync/internal/store"
	"github.com/roach88/stepsync/internal/transport"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// call is one exchange seen by fakeTransport.
type call struct {
	Round      string
	Steps      []record.StepRecord
	Resolution record.ResolutionMap
}

// fakeTransport records every exchange and answers through respond. With
// no respond func it accepts everything and echoes the steps back.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []call
	respond func(n int, c call) (record.SyncResponse, error)
}

func (f *fakeTransport) SyncWithRetry(_ context.Context, round string, steps []record.StepRecord, res record.ResolutionMap) (*transport.Result, error) {
	f.mu.Lock()
	c := call{Round: round, Steps: steps, Resolution: res}
	f.calls = append(f.calls, c)
	n := len(f.calls)
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return &transport.Result{Response: record.SyncResponse{UpdatedSteps: steps}, Attempts: 1}, nil
	}
	resp, err := respond(n, c)
	if err != nil {
		return nil, err
	}
	return &transport.Result{Response: resp, Attempts: 1}, nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) callAt(i int) call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// formSource is a FieldSource whose state tests can change between saves.
type formSource struct {
	mu    sync.Mutex
	state draft.FormState
}

func (f *formSource) set(step int, fields ...draft.Field) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = draft.FormState{Step: step, Fields: fields}
}

func (f *formSource) Current(context.Context) (draft.FormState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func field(name, value string) draft.Field {
	return draft.Field{Name: name, Value: record.String(value), Visible: true, SyncEligible: true}
}

type validatorFunc func(step int, data record.Data) error

func (f validatorFunc) Validate(step int, data record.Data) error { return f(step, data) }

// fakeRecorder collects metrics calls.
type fakeRecorder struct {
	mu        sync.Mutex
	rounds    []string
	depth     int
	conflicts int
	observed  chan string
}

func (r *fakeRecorder) ObserveRound(trigger, result string, _ time.Duration) {
	r.mu.Lock()
	r.rounds = append(r.rounds, trigger+":"+result)
	r.mu.Unlock()
	if r.observed != nil {
		select {
		case r.observed <- trigger:
		default:
		}
	}
}

func (r *fakeRecorder) SetOutboxDepth(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depth = n
}

func (r *fakeRecorder) AddConflicts(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts += n
}

type fixture struct {
	orch  *Orchestrator
	store *store.Store
	tr    *fakeTransport
	form  *formSource
}

func newFixture(t *testing.T, tr *fakeTransport, opts ...Option) *fixture {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/drafts.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	if tr == nil {
		tr = &fakeTransport{}
	}
	form := &formSource{}
	asm := draft.NewAssembler(form, draft.WithClock(func() time.Time { return t0 }), draft.WithSchemaVersion(1))

	base := []Option{WithClock(func() time.Time { return t0 })}
	o, err := New(Deps{Store: s, Transport: tr, Assembler: asm}, append(base, opts...)...)
	require.NoError(t, err)
	return &fixture{orch: o, store: s, tr: tr, form: form}
}

// mutate writes a local edit directly to the store.
func (f *fixture) mutate(t *testing.T, step int, name, value string) {
	t.Helper()
	_, err := f.store.RecordMutation(context.Background(), record.StepRecord{
		Step:          step,
		Data:          record.Data{name: record.String(value)},
		SchemaVersion: 1,
		UpdatedAt:     t0,
	})
	require.NoError(t, err)
}

func (f *fixture) status(t *testing.T, step int) record.StatusEntry {
	t.Helper()
	st, err := f.store.GetStatus(context.Background(), step)
	require.NoError(t, err)
	require.NotNil(t, st, "step %d has no status", step)
	return *st
}

func (f *fixture) stepValue(t *testing.T, step int, name string) record.Value {
	t.Helper()
	rec, err := f.store.GetStep(context.Background(), step)
	require.NoError(t, err)
	require.NotNil(t, rec, "step %d not stored", step)
	return rec.Data[name]
}

func (f *fixture) outbox(t *testing.T) []record.OutboxEntry {
	t.Helper()
	entries, err := f.store.PendingOutbox(context.Background())
	require.NoError(t, err)
	return entries
}
