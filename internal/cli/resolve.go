package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/stepsync/internal/conflict"
	"github.com/roach88/stepsync/internal/engine"
	"github.com/roach88/stepsync/internal/record"
)

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve STEP=CHOICE...",
		Short: "Settle pending conflicts and resubmit",
		Long: `Apply a resolution to each named conflicting step and run a sync round
carrying the resolution map.

CHOICE is one of:
  server                      keep the remote version
  client                      keep the local version
  merge:FIELD=SIDE,...        pick server or client per field; conflicting
                              fields not named keep the server value

Steps in conflict but not named stay in conflict.

Exit codes:
  0 - Resolved and synced
  1 - Conflicts remain, nothing to resolve, or the remote failed
  2 - Command error (malformed choice)

Examples:
  stepsync resolve 3=client
  stepsync resolve 3=merge:progress_pct=client,owner=server 4=server`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := parseResolutions(args)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid resolution", err)
			}
			return runResolve(rootOpts, cmd, res)
		},
	}
	return cmd
}

func parseResolutions(args []string) (record.ResolutionMap, error) {
	res := make(record.ResolutionMap, len(args))
	for _, arg := range args {
		stepPart, choice, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("%q: expected STEP=server|client|merge[:FIELD=SIDE,...]", arg)
		}
		step, err := strconv.Atoi(stepPart)
		if err != nil || step < 1 {
			return nil, fmt.Errorf("%q: step must be a positive integer", arg)
		}
		if _, dup := res[step]; dup {
			return nil, fmt.Errorf("step %d resolved more than once", step)
		}

		mode, fieldsPart, hasFields := strings.Cut(choice, ":")
		r := record.Resolution{Mode: record.Mode(mode)}
		if hasFields {
			if r.Mode != record.ModeMerge {
				return nil, fmt.Errorf("%q: only merge takes fields", arg)
			}
			r.Fields = make(map[string]record.Side)
			for _, pair := range strings.Split(fieldsPart, ",") {
				name, side, ok := strings.Cut(pair, "=")
				if !ok || name == "" {
					return nil, fmt.Errorf("%q: expected FIELD=server|client, got %q", arg, pair)
				}
				r.Fields[name] = record.Side(side)
			}
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}
		res[step] = r
	}
	return res, nil
}

func runResolve(opts *RootOptions, cmd *cobra.Command, res record.ResolutionMap) error {
	c, done, err := session(opts, cmd)
	if err != nil {
		return err
	}
	defer done()

	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	out, err := c.orch.Resolve(cmd.Context(), res)
	switch {
	case errors.Is(err, engine.ErrNoConflicts):
		return f.Failure(ExitFailure, CodeConflict, "nothing to resolve: no pending conflicts", nil, nil)
	case conflict.IsResolveError(err):
		return WrapExitError(ExitCommandError, "invalid resolution", err)
	case err != nil && out.Round == "":
		return WrapExitError(ExitFailure, "resolve failed", err)
	}
	return finishRound(f, out, err, nil, nil)
}
