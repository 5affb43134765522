package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/roach88/stepsync/internal/engine"
	"github.com/roach88/stepsync/internal/transport"
)

// RoundView is the printable form of one sync round.
type RoundView struct {
	Round     string `json:"round,omitempty"`
	Trigger   string `json:"trigger"`
	Result    string `json:"result"`
	Reason    string `json:"reason,omitempty"`
	State     string `json:"state"`
	Submitted []int  `json:"submitted,omitempty"`
	Synced    []int  `json:"synced,omitempty"`
	Conflicts []int  `json:"conflicts,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	Error     string `json:"error,omitempty"`
}

func roundView(o engine.Outcome) RoundView {
	v := RoundView{
		Round:     o.Round,
		Trigger:   string(o.Trigger),
		Result:    o.Result(),
		Reason:    o.Reason,
		State:     o.State.String(),
		Submitted: o.Submitted,
		Synced:    o.Synced,
		Attempts:  o.Attempts,
	}
	for _, c := range o.Conflicts {
		v.Conflicts = append(v.Conflicts, c.Step)
	}
	if o.Err != nil {
		v.Error = o.Err.Error()
	}
	return v
}

func (v RoundView) render(w io.Writer) {
	fmt.Fprintf(w, "sync (%s): %s\n", v.Trigger, v.Result)
	if v.Round != "" {
		fmt.Fprintf(w, "  round:     %s\n", v.Round)
	}
	if v.Reason != "" {
		fmt.Fprintf(w, "  reason:    %s\n", v.Reason)
	}
	if len(v.Synced) > 0 {
		fmt.Fprintf(w, "  synced:    %s\n", joinInts(v.Synced))
	}
	if len(v.Conflicts) > 0 {
		fmt.Fprintf(w, "  conflicts: %s\n", joinInts(v.Conflicts))
		fmt.Fprintln(w, "  run 'stepsync diff' to inspect and 'stepsync resolve' to settle them")
	}
	if v.Error != "" {
		fmt.Fprintf(w, "  error:     %s\n", v.Error)
	}
}

// finishRound prints a round and maps its outcome to an exit code. err is
// the error returned alongside the outcome.
func finishRound(f *OutputFormatter, o engine.Outcome, err error, data any, render func(io.Writer)) error {
	v := roundView(o)
	if data == nil {
		data = v
	}
	if render == nil {
		render = v.render
	}

	switch {
	case transport.IsUnauthenticated(err):
		return f.Failure(ExitFailure, CodeSync, "remote rejected the credentials", data, render)
	case err != nil:
		return WrapExitError(ExitFailure, "sync failed", err)
	}

	switch v.Result {
	case "conflict":
		return f.Failure(ExitFailure, CodeConflict,
			fmt.Sprintf("%d step(s) in conflict", len(v.Conflicts)), data, render)
	case "error", "deferred":
		return f.Failure(ExitFailure, CodeSync, v.Error, data, render)
	}
	return f.Success(data, render)
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ", ")
}
