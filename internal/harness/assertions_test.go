package harness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepsync/internal/record"
	"github.com/roach88/stepsync/internal/remote"
	"github.com/roach88/stepsync/internal/store"
)

func sampleTrace() []TraceEvent {
	r := NewResult()
	r.AddActionTrace(ActionServerEdit, "step 3: progress_pct", 1)
	r.AddOutcomeTrace(ActionServerEdit, StepOutcome{Result: "edited"}, 2)
	r.AddActionTrace(ActionSave, "step 3: progress_pct", 3)
	r.AddOutcomeTrace(ActionSave, StepOutcome{Result: "conflict", Attempts: 1, Conflicts: []int{3}}, 4)
	r.AddActionTrace(ActionSync, "periodic", 5)
	r.AddOutcomeTrace(ActionSync, StepOutcome{Result: "conflict", Attempts: 1, Conflicts: []int{3}}, 6)
	r.AddActionTrace(ActionResolve, "3=client", 7)
	r.AddOutcomeTrace(ActionResolve, StepOutcome{Result: "synced", Attempts: 1, Synced: []int{3}}, 8)
	return r.Trace
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Action: ActionSave}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Action: ActionResolve, Result: "synced"}))

	err := assertTraceContains(trace, Assertion{Action: ActionSave, Result: "synced"})
	require.Error(t, err)
	var aerr *AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, AssertTraceContains, aerr.Type)
	assert.Contains(t, err.Error(), "save with result synced")
	assert.Contains(t, err.Error(), "[4] save -> conflict")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{ActionServerEdit, ActionSave, ActionResolve}}))
	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{ActionSave, ActionResolve}}))

	err := assertTraceOrder(trace, Assertion{Actions: []string{ActionResolve, ActionSave}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save not found after the preceding actions")

	err = assertTraceOrder(trace, Assertion{Actions: []string{ActionAdvance}})
	assert.Error(t, err)
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Action: ActionSave, Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: ActionFailNext, Count: 0}))

	err := assertTraceCount(trace, Assertion{Action: ActionSync, Result: "conflict", Count: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 occurrences")
}

func newAssertionContext(t *testing.T) *AssertionContext {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/a.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return &AssertionContext{Ctx: context.Background(), Store: st, Server: remote.New()}
}

func TestAssertLocalAndRemoteStep(t *testing.T) {
	actx := newAssertionContext(t)
	rec := record.StepRecord{
		Step:      1,
		Data:      record.Data{"company": record.String("Acme"), "employees": record.NumberFromInt(12)},
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	_, err := actx.Store.RecordMutation(actx.Ctx, rec)
	require.NoError(t, err)
	_, err = actx.Server.Edit(1, rec.Data, 0)
	require.NoError(t, err)

	for _, kind := range []string{AssertLocalStep, AssertRemoteStep} {
		t.Run(kind, func(t *testing.T) {
			ok := Assertion{Type: kind, Step: 1, Expect: map[string]any{"company": "Acme", "employees": 12}, Absent: []string{"size"}}
			assert.NoError(t, evaluate(nil, ok, actx))

			wrong := Assertion{Type: kind, Step: 1, Expect: map[string]any{"company": "Acme Corp"}}
			err := evaluate(nil, wrong, actx)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "field company = Acme Corp")

			kindMismatch := Assertion{Type: kind, Step: 1, Expect: map[string]any{"employees": "12"}}
			assert.Error(t, evaluate(nil, kindMismatch, actx))

			missing := Assertion{Type: kind, Step: 1, Expect: map[string]any{"size": "10"}}
			err = evaluate(nil, missing, actx)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "field missing")

			present := Assertion{Type: kind, Step: 1, Absent: []string{"company"}}
			assert.Error(t, evaluate(nil, present, actx))

			unknown := Assertion{Type: kind, Step: 9, Expect: map[string]any{"a": "b"}}
			assert.Error(t, evaluate(nil, unknown, actx))
		})
	}
}

func TestAssertStatusAndOutbox(t *testing.T) {
	actx := newAssertionContext(t)

	assert.Error(t, assertStatus(actx, Assertion{Step: 1, Status: "pending"}))
	assert.NoError(t, assertOutbox(actx, Assertion{Count: 0}))

	_, err := actx.Store.RecordMutation(actx.Ctx, record.StepRecord{Step: 1, Data: record.Data{}})
	require.NoError(t, err)

	assert.NoError(t, assertStatus(actx, Assertion{Step: 1, Status: "pending"}))
	err = assertStatus(actx, Assertion{Step: 1, Status: "synced"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Actual: pending")

	assert.NoError(t, assertOutbox(actx, Assertion{Count: 1}))
	assert.Error(t, assertOutbox(actx, Assertion{Count: 0}))
}

func TestEvaluateAssertions_CollectsFailures(t *testing.T) {
	result := &Result{Trace: sampleTrace()}
	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceContains, Action: ActionSave},
		{Type: AssertTraceCount, Action: ActionSave, Count: 3},
		{Type: "bogus"},
	}, newAssertionContext(t))

	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "assertion 1")
	assert.Contains(t, errs[1], `unknown assertion type "bogus"`)
}
