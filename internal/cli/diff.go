package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/stepsync/internal/conflict"
	"github.com/roach88/stepsync/internal/record"
)

// ConflictView pairs a stored conflict with its human-readable rendering.
type ConflictView struct {
	Conflict record.ConflictDescriptor `json:"conflict"`
	Display  string                    `json:"display"`
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	var step int

	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Show pending conflicts field by field",
		Long: `Show every conflict awaiting a resolution: the server and client value of
each conflicting field and a token-level diff between them.

Examples:
  stepsync diff
  stepsync diff --step 3`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(rootOpts, cmd, step)
		},
	}
	cmd.Flags().IntVar(&step, "step", 0, "only show this step")
	return cmd
}

func runDiff(opts *RootOptions, cmd *cobra.Command, step int) error {
	cfg, err := loadConfig(opts, cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	descs, err := st.Conflicts(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read conflicts", err)
	}

	views := make([]ConflictView, 0, len(descs))
	for _, d := range descs {
		if step != 0 && d.Step != step {
			continue
		}
		views = append(views, ConflictView{Conflict: d, Display: conflict.FormatConflict(d)})
	}
	if step != 0 && len(views) == 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("step %d has no pending conflict", step))
	}

	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	return f.Success(views, func(w io.Writer) {
		if len(views) == 0 {
			fmt.Fprintln(w, "no pending conflicts")
			return
		}
		for _, v := range views {
			fmt.Fprint(w, v.Display)
		}
	})
}
