package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/stepsync/internal/engine"
)

// StepStatusView is one step's sync status.
type StepStatusView struct {
	Step      int       `json:"step"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Conflict  bool      `json:"conflict,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusView is the printable result of the status command.
type StatusView struct {
	Indicator string           `json:"indicator"`
	Pending   int              `json:"pending"`
	Steps     []StepStatusView `json:"steps"`
}

func (v StatusView) render(w io.Writer) {
	fmt.Fprintf(w, "indicator: %s\n", v.Indicator)
	fmt.Fprintf(w, "outbox:    %d pending\n", v.Pending)
	if len(v.Steps) == 0 {
		fmt.Fprintln(w, "no steps saved")
		return
	}
	for _, s := range v.Steps {
		line := fmt.Sprintf("  step %d: %s", s.Step, s.Status)
		if s.Conflict {
			line += " (conflict)"
		}
		if s.Reason != "" {
			line += " - " + s.Reason
		}
		fmt.Fprintln(w, line)
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-step sync status",
		Long: `Show the sync indicator, the number of pending outbox entries and the
status of every saved step. No request is sent to the remote.

The indicator is offline when no endpoint is configured.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(opts, cmd)
	if err != nil {
		return err
	}
	logger := newLogger(opts, cfg, cmd.ErrOrStderr())
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	statuses, err := st.ListStatuses(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read statuses", err)
	}
	pending, err := st.PendingOutbox(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read outbox", err)
	}

	view := StatusView{
		Indicator: string(engine.IndicatorOffline),
		Pending:   len(pending),
		Steps:     make([]StepStatusView, 0, len(statuses)),
	}
	for _, s := range statuses {
		view.Steps = append(view.Steps, StepStatusView{
			Step:      s.Step,
			Status:    string(s.Status),
			Reason:    s.Reason,
			Conflict:  s.Conflict != nil,
			UpdatedAt: s.UpdatedAt,
		})
	}

	if cfg.Endpoint != "" {
		c, err := newClient(cfg, st, logger, nil)
		if err != nil {
			return err
		}
		ind, err := c.orch.Indicator(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to derive indicator", err)
		}
		view.Indicator = string(ind)
	}

	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	return f.Success(view, view.render)
}
