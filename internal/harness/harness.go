package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/stepsync/internal/breaker"
	"github.com/roach88/stepsync/internal/draft"
	"github.com/roach88/stepsync/internal/engine"
	"github.com/roach88/stepsync/internal/permission"
	"github.com/roach88/stepsync/internal/record"
	"github.com/roach88/stepsync/internal/remote"
	"github.com/roach88/stepsync/internal/schema"
	"github.com/roach88/stepsync/internal/store"
	"github.com/roach88/stepsync/internal/testutil"
	"github.com/roach88/stepsync/internal/transport"
)

// Epoch is the fake wall-clock start of every scenario.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness holds the per-scenario stack.
type Harness struct {
	store  *store.Store
	server *remote.Server
	orch   *engine.Orchestrator
	form   *draft.StaticSource
	clock  *testutil.FakeClock
	logger *slog.Logger
	seq    int64
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory store and a fresh remote.
// The wall clock is fake and retry backoff advances it instead of sleeping,
// so runs are deterministic and fast.
//
// Execution flow:
// 1. Start the remote and build the client stack
// 2. Execute steps, checking each expect clause
// 3. Evaluate assertions against the trace and final state
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewFakeClock(Epoch)

	srv := remote.New(
		remote.WithToken(scenario.Token),
		remote.WithClock(clock.Now),
		remote.WithLogger(logger),
	)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	st, err := store.Open(":memory:", store.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	b := breaker.New(breaker.DefaultConfig(),
		breaker.WithClock(clock.Now),
		breaker.WithLogger(logger),
		transport.FailurePredicate(),
	)
	client, err := transport.New(ts.URL, b,
		transport.WithToken(scenario.Token),
		transport.WithSleeper(&testutil.RecordingSleeper{Clock: clock}),
		transport.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	version := 1
	opts := []engine.Option{
		engine.WithRoundIDs(testutil.NewFixedRoundGenerator(scenario.RoundID)),
		engine.WithClock(clock.Now),
		engine.WithLogger(logger),
	}
	if scenario.Schema != "" {
		sch, err := schema.LoadFile(scenario.Schema)
		if err != nil {
			return nil, fmt.Errorf("failed to load schema %s: %w", filepath.Base(scenario.Schema), err)
		}
		version = sch.Version()
		opts = append(opts, engine.WithValidator(sch))
	}
	if len(scenario.Permissions) > 0 {
		opts = append(opts, engine.WithPermissions(permission.Static{Default: true, Rules: scenario.Permissions}))
	}

	form := &draft.StaticSource{}
	orch, err := engine.New(engine.Deps{
		Store:     st,
		Transport: client,
		Breaker:   b,
		Assembler: draft.NewAssembler(form, draft.WithSchemaVersion(version), draft.WithClock(clock.Now)),
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	h := &Harness{
		store:  st,
		server: srv,
		orch:   orch,
		form:   form,
		clock:  clock,
		logger: logger,
	}

	result := NewResult()
	if err := h.executeSteps(ctx, scenario.Steps, result); err != nil {
		return nil, fmt.Errorf("failed to execute steps: %w", err)
	}

	actx := &AssertionContext{
		Ctx:    ctx,
		Store:  st,
		Server: srv,
		Engine: orch,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

// executeSteps runs all steps and validates expect clauses. A step that
// cannot be executed at all (bad field value, storage failure) aborts the
// run; an outcome that differs from its expect clause is recorded as an
// error and the run continues.
func (h *Harness) executeSteps(ctx context.Context, steps []Step, result *Result) error {
	for i, step := range steps {
		kind, err := step.Kind()
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}

		h.seq++
		result.AddActionTrace(kind, describe(kind, step), h.seq)

		out, stepErr := h.execute(ctx, kind, step)
		if stepErr != nil && !isOutcomeError(stepErr) {
			return fmt.Errorf("step %d (%s): %w", i, kind, stepErr)
		}

		h.seq++
		result.AddOutcomeTrace(kind, out, h.seq)

		if step.Expect != nil {
			for _, msg := range checkExpect(*step.Expect, out, stepErr) {
				result.AddError(fmt.Sprintf("step %d (%s): %s", i, kind, msg))
			}
		}

		h.logger.Info("scenario step completed",
			"step", i,
			"action", kind,
			"result", out.Result,
		)
	}
	return nil
}

func (h *Harness) execute(ctx context.Context, kind string, step Step) (StepOutcome, error) {
	switch kind {
	case ActionSave:
		state, err := formState(step.Save)
		if err != nil {
			return StepOutcome{}, err
		}
		h.form.State = state
		saved, err := h.orch.Save(ctx)
		if saved.Invalid != nil {
			return StepOutcome{Result: "invalid"}, &outcomeError{saved.Invalid}
		}
		if saved.Sync == nil {
			if err != nil {
				return StepOutcome{}, err
			}
			return StepOutcome{Result: "saved"}, nil
		}
		return summarize(*saved.Sync), outcomeErr(err, saved.Sync.Err)

	case ActionServerEdit:
		data, err := dataFrom(step.ServerEdit.Data)
		if err != nil {
			return StepOutcome{}, err
		}
		if _, err := h.server.Edit(step.ServerEdit.Step, data, step.ServerEdit.SchemaVersion); err != nil {
			return StepOutcome{}, err
		}
		return StepOutcome{Result: "edited"}, nil

	case ActionSync:
		o, err := h.orch.Sync(ctx, engine.Trigger(step.Sync))
		return summarize(o), outcomeErr(err, o.Err)

	case ActionResolve:
		res := make(record.ResolutionMap, len(step.Resolve))
		for n, choice := range step.Resolve {
			r, err := choice.Resolution()
			if err != nil {
				return StepOutcome{}, err
			}
			res[n] = r
		}
		o, err := h.orch.Resolve(ctx, res)
		if err != nil && o.Round == "" {
			return StepOutcome{Result: "rejected"}, &outcomeError{err}
		}
		return summarize(o), outcomeErr(err, o.Err)

	case ActionFailNext:
		h.server.FailNext(step.FailNext)
		return StepOutcome{Result: "armed"}, nil

	case ActionReadOnly:
		h.server.SetReadOnly(*step.ReadOnly)
		return StepOutcome{Result: "set"}, nil

	case ActionAdvance:
		h.clock.Advance(step.Advance)
		return StepOutcome{Result: "advanced"}, nil
	}
	return StepOutcome{}, fmt.Errorf("unknown action %q", kind)
}

// outcomeError wraps an error that is part of a step's expected outcome
// rather than a harness failure.
type outcomeError struct{ err error }

func (e *outcomeError) Error() string { return e.err.Error() }
func (e *outcomeError) Unwrap() error { return e.err }

func isOutcomeError(err error) bool {
	_, ok := err.(*outcomeError)
	return ok
}

func outcomeErr(returned, recorded error) error {
	if returned != nil {
		return &outcomeError{returned}
	}
	if recorded != nil {
		return &outcomeError{recorded}
	}
	return nil
}

func summarize(o engine.Outcome) StepOutcome {
	out := StepOutcome{
		Result:   o.Result(),
		Attempts: o.Attempts,
		Synced:   o.Synced,
	}
	for _, c := range o.Conflicts {
		out.Conflicts = append(out.Conflicts, c.Step)
	}
	return out
}

func checkExpect(want Expect, got StepOutcome, err error) []string {
	var msgs []string
	if want.Result != "" && want.Result != got.Result {
		msgs = append(msgs, fmt.Sprintf("expected result %q, got %q", want.Result, got.Result))
	}
	if want.Attempts != 0 && want.Attempts != got.Attempts {
		msgs = append(msgs, fmt.Sprintf("expected %d attempts, got %d", want.Attempts, got.Attempts))
	}
	if want.Synced != nil && !equalInts(want.Synced, got.Synced) {
		msgs = append(msgs, fmt.Sprintf("expected synced %v, got %v", want.Synced, got.Synced))
	}
	if want.Conflicts != nil && !equalInts(want.Conflicts, got.Conflicts) {
		msgs = append(msgs, fmt.Sprintf("expected conflicts %v, got %v", want.Conflicts, got.Conflicts))
	}
	if want.Error != "" {
		switch {
		case err == nil:
			msgs = append(msgs, fmt.Sprintf("expected error containing %q, got none", want.Error))
		case !strings.Contains(err.Error(), want.Error):
			msgs = append(msgs, fmt.Sprintf("expected error containing %q, got %q", want.Error, err.Error()))
		}
	}
	return msgs
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func formState(s *SaveStep) (draft.FormState, error) {
	state := draft.FormState{Step: s.Step}
	add := func(fields map[string]any, visible, eligible bool) error {
		for _, name := range sortedKeys(fields) {
			v, err := record.ValueFromAny(fields[name])
			if err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
			state.Fields = append(state.Fields, draft.Field{
				Name:         name,
				Value:        v,
				Visible:      visible,
				SyncEligible: eligible,
			})
		}
		return nil
	}
	if err := add(s.Fields, true, true); err != nil {
		return draft.FormState{}, err
	}
	if err := add(s.Hidden, false, true); err != nil {
		return draft.FormState{}, err
	}
	if err := add(s.LocalOnly, true, false); err != nil {
		return draft.FormState{}, err
	}
	return state, nil
}

func dataFrom(m map[string]any) (record.Data, error) {
	data := make(record.Data, len(m))
	for name, raw := range m {
		v, err := record.ValueFromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		data[name] = v
	}
	return data, nil
}

// describe renders the step's arguments for the trace.
func describe(kind string, step Step) string {
	switch kind {
	case ActionSave:
		return fmt.Sprintf("step %d: %s", step.Save.Step, strings.Join(sortedKeys(step.Save.Fields), ", "))
	case ActionServerEdit:
		return fmt.Sprintf("step %d: %s", step.ServerEdit.Step, strings.Join(sortedKeys(step.ServerEdit.Data), ", "))
	case ActionSync:
		return step.Sync
	case ActionResolve:
		steps := make([]int, 0, len(step.Resolve))
		for n := range step.Resolve {
			steps = append(steps, n)
		}
		sort.Ints(steps)
		parts := make([]string, len(steps))
		for i, n := range steps {
			parts[i] = fmt.Sprintf("%d=%s", n, step.Resolve[n].Mode)
		}
		return strings.Join(parts, ", ")
	case ActionFailNext:
		return strconv.Itoa(step.FailNext)
	case ActionReadOnly:
		return strconv.FormatBool(*step.ReadOnly)
	case ActionAdvance:
		return step.Advance.String()
	}
	return ""
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
