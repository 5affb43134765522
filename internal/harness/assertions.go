package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/stepsync/internal/engine"
	"github.com/roach88/stepsync/internal/record"
	"github.com/roach88/stepsync/internal/remote"
	"github.com/roach88/stepsync/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			if event.Type == EventOutcome {
				fmt.Fprintf(&buf, "  [%d] %s -> %s\n", event.Seq, event.Action, event.Result)
			}
		}
	}

	return buf.String()
}

// AssertionContext provides access to the final state.
type AssertionContext struct {
	Ctx    context.Context
	Store  *store.Store
	Server *remote.Server
	Engine *engine.Orchestrator
}

// EvaluateAssertions runs every assertion and returns the failure
// messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result.Trace, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluate(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(trace, a)
	case AssertTraceCount:
		return assertTraceCount(trace, a)
	case AssertLocalStep:
		return assertLocalStep(actx, a)
	case AssertRemoteStep:
		return assertRemoteStep(actx, a)
	case AssertStatus:
		return assertStatus(actx, a)
	case AssertOutbox:
		return assertOutbox(actx, a)
	case AssertIndicator:
		return assertIndicator(actx, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// matches reports whether an outcome event matches action and, if set,
// result.
func matches(event TraceEvent, action, result string) bool {
	if event.Type != EventOutcome || event.Action != action {
		return false
	}
	return result == "" || event.Result == result
}

// assertTraceContains checks that a step with the action (and result, if
// given) ran.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if matches(event, a.Action, a.Result) {
			return nil
		}
	}
	expected := a.Action
	if a.Result != "" {
		expected += " with result " + a.Result
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the actions appear in the specified order.
// Actions need not be consecutive; each is matched after the previous
// match.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	pos := 0
	for _, want := range a.Actions {
		found := false
		for pos < len(trace) {
			event := trace[pos]
			pos++
			if event.Type == EventAction && event.Action == want {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", a.Actions),
				Actual:   fmt.Sprintf("%s not found after the preceding actions", want),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that the action ran exactly Count times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if matches(event, a.Action, a.Result) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertLocalStep(actx *AssertionContext, a Assertion) error {
	rec, err := actx.Store.GetStep(actx.Ctx, a.Step)
	if err != nil {
		return err
	}
	if rec == nil {
		return &AssertionError{
			Type:     AssertLocalStep,
			Expected: fmt.Sprintf("local record for step %d", a.Step),
			Actual:   "step never written",
		}
	}
	return compareData(AssertLocalStep, a, rec.Data)
}

func assertRemoteStep(actx *AssertionContext, a Assertion) error {
	rec, err := actx.Server.Step(a.Step)
	if err != nil {
		return &AssertionError{
			Type:     AssertRemoteStep,
			Expected: fmt.Sprintf("remote record for step %d", a.Step),
			Actual:   err.Error(),
		}
	}
	return compareData(AssertRemoteStep, a, rec.Data)
}

// compareData checks expected values with subset semantics and absent
// fields.
func compareData(kind string, a Assertion, got record.Data) error {
	for _, name := range sortedKeys(a.Expect) {
		want, err := record.ValueFromAny(a.Expect[name])
		if err != nil {
			return fmt.Errorf("expect %q: %w", name, err)
		}
		actual, ok := got[name]
		if !ok {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("step %d field %s = %s", a.Step, name, want.Text()),
				Actual:   "field missing",
			}
		}
		if !record.EqualValues(want, actual) {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("step %d field %s = %s", a.Step, name, want.Text()),
				Actual:   actual.Text(),
			}
		}
	}
	for _, name := range a.Absent {
		if v, ok := got[name]; ok {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("step %d field %s absent", a.Step, name),
				Actual:   v.Text(),
			}
		}
	}
	return nil
}

func assertStatus(actx *AssertionContext, a Assertion) error {
	entry, err := actx.Store.GetStatus(actx.Ctx, a.Step)
	if err != nil {
		return err
	}
	actual := "none"
	if entry != nil {
		actual = string(entry.Status)
	}
	if actual != a.Status {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprintf("step %d status %s", a.Step, a.Status),
			Actual:   actual,
		}
	}
	return nil
}

func assertOutbox(actx *AssertionContext, a Assertion) error {
	entries, err := actx.Store.PendingOutbox(actx.Ctx)
	if err != nil {
		return err
	}
	if len(entries) != a.Count {
		return &AssertionError{
			Type:     AssertOutbox,
			Expected: fmt.Sprintf("%d outbox entries", a.Count),
			Actual:   fmt.Sprintf("%d entries", len(entries)),
		}
	}
	return nil
}

func assertIndicator(actx *AssertionContext, a Assertion) error {
	ind, err := actx.Engine.Indicator(actx.Ctx)
	if err != nil {
		return err
	}
	if string(ind) != a.Status {
		return &AssertionError{
			Type:     AssertIndicator,
			Expected: a.Status,
			Actual:   string(ind),
		}
	}
	return nil
}
