package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/stepsync/internal/record"
)

// TraceSnapshot captures the trace of a scenario execution.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	RoundID      string       `json:"round_id,omitempty"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical
// JSON serialization. Empty optional fields are omitted.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"type":   event.Type,
			"action": event.Action,
			"seq":    event.Seq,
		}
		if event.Detail != "" {
			eventMap["detail"] = event.Detail
		}
		if event.Result != "" {
			eventMap["result"] = event.Result
		}
		if event.Attempts != 0 {
			eventMap["attempts"] = event.Attempts
		}
		if len(event.Synced) > 0 {
			eventMap["synced"] = intList(event.Synced)
		}
		if len(event.Conflicts) > 0 {
			eventMap["conflicts"] = intList(event.Conflicts)
		}
		traceList[i] = eventMap
	}

	result := map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
	}
	if s.RoundID != "" {
		result["round_id"] = s.RoundID
	}
	return result
}

func intList(xs []int) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}

// MarshalTrace renders a trace as canonical JSON.
func MarshalTrace(name, roundID string, trace []TraceEvent) ([]byte, error) {
	snapshot := TraceSnapshot{ScenarioName: name, RoundID: roundID, Trace: trace}
	return record.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares the trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check Pass. A trace mismatch fails
// t through goldie.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, scenario.RoundID, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace against its golden
// file.
func AssertGolden(t *testing.T, scenarioName, roundID string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenarioName, roundID, result.Trace)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
