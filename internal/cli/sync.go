package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/stepsync/internal/engine"
)

// manualTriggers are the triggers a user may name on the command line.
var manualTriggers = []engine.Trigger{engine.TriggerOnline, engine.TriggerPeriodic, engine.TriggerSave}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var trigger string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync round",
		Long: `Drain the outbox and submit one record per step to the remote.

Steps the remote accepts are marked synced and the outbox is cleared.
Conflicting steps keep their local data until resolved.

Exit codes:
  0 - Synced, or nothing to sync
  1 - Conflicts, or the remote failed
  2 - Command error

Examples:
  stepsync sync
  stepsync sync --trigger periodic --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			t := engine.Trigger(trigger)
			if !validTrigger(t) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid trigger %q: must be one of %v", trigger, manualTriggers))
			}
			return runSync(rootOpts, cmd, t)
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", string(engine.TriggerOnline), "trigger recorded for the round")
	return cmd
}

func validTrigger(t engine.Trigger) bool {
	for _, m := range manualTriggers {
		if m == t {
			return true
		}
	}
	return false
}

func runSync(opts *RootOptions, cmd *cobra.Command, trigger engine.Trigger) error {
	c, done, err := session(opts, cmd)
	if err != nil {
		return err
	}
	defer done()

	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	out, err := c.orch.Sync(cmd.Context(), trigger)
	return finishRound(f, out, err, nil, nil)
}
