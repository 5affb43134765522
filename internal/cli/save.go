package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/stepsync/internal/engine"
)

// SaveView is the printable result of a save.
type SaveView struct {
	Step              int        `json:"step"`
	OutboxID          int64      `json:"outbox_id"`
	Fields            []string   `json:"fields"`
	Invalid           string     `json:"invalid,omitempty"`
	ValidationSkipped bool       `json:"validation_skipped,omitempty"`
	Sync              *RoundView `json:"sync,omitempty"`
}

func (v SaveView) render(w io.Writer) {
	fmt.Fprintf(w, "saved step %d (outbox entry %d, %d field(s))\n", v.Step, v.OutboxID, len(v.Fields))
	if v.ValidationSkipped {
		fmt.Fprintln(w, "  validation skipped: permission denied")
	}
	if v.Invalid != "" {
		fmt.Fprintf(w, "  not synced: %s\n", v.Invalid)
	}
	if v.Sync != nil {
		v.Sync.render(w)
	}
}

// NewSaveCommand creates the save command.
func NewSaveCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Persist the current form state and sync it",
		Long: `Read the form field file, persist the step as a draft with an outbox
entry, then run a sync round.

The draft is always written. A draft that fails schema validation is not
synced.

Exit codes:
  0 - Saved and synced (or nothing to sync)
  1 - Saved, but invalid, in conflict or the remote failed
  2 - Command error

Examples:
  stepsync save --fields form.json
  stepsync save --fields form.json --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSave(rootOpts, cmd)
		},
	}
	cmd.Flags().String("fields", "", "form field file (JSON)")
	cmd.Flags().String("schema", "", "CUE form schema")
	return cmd
}

func runSave(opts *RootOptions, cmd *cobra.Command) error {
	c, done, err := session(opts, cmd)
	if err != nil {
		return err
	}
	defer done()

	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	saved, err := c.orch.Save(cmd.Context())
	if errors.Is(err, engine.ErrNoAssembler) {
		return NewExitError(ExitCommandError, "no form field file configured (set fields_file or --fields)")
	}
	if saved.OutboxID == 0 && err != nil {
		return WrapExitError(ExitCommandError, "failed to save draft", err)
	}

	view := SaveView{
		Step:              saved.Record.Step,
		OutboxID:          saved.OutboxID,
		Fields:            saved.Record.Data.SortedKeys(),
		ValidationSkipped: saved.ValidationSkipped,
	}
	if saved.Invalid != nil {
		view.Invalid = saved.Invalid.Error()
		return f.Failure(ExitFailure, CodeValidation, view.Invalid, view, view.render)
	}
	if saved.Sync == nil {
		return f.Success(view, view.render)
	}
	rv := roundView(*saved.Sync)
	view.Sync = &rv
	return finishRound(f, *saved.Sync, err, view, view.render)
}
