package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// OutboxEntryView is one pending outbox entry.
type OutboxEntryView struct {
	ID        int64          `json:"id"`
	Step      int            `json:"step"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewOutboxCommand creates the outbox command.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "List mutations awaiting a confirmed sync",
		Long: `List every outbox entry in insertion order. Listing does not drain the
outbox; entries are removed only when the remote accepts them.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOutbox(rootOpts, cmd)
		},
	}
	return cmd
}

func runOutbox(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts, cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.PendingOutbox(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read outbox", err)
	}

	views := make([]OutboxEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, OutboxEntryView{
			ID:        e.ID,
			Step:      e.Record.Step,
			Data:      e.Record.Data.ToMap(),
			UpdatedAt: e.Record.UpdatedAt,
		})
	}

	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	return f.Success(views, func(w io.Writer) {
		if len(views) == 0 {
			fmt.Fprintln(w, "outbox is empty")
			return
		}
		for i, e := range entries {
			fmt.Fprintf(w, "#%d step %d: %s\n", views[i].ID, views[i].Step,
				strings.Join(e.Record.Data.SortedKeys(), ", "))
		}
	})
}
