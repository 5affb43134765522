package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/stepsync/internal/draft"
	"github.com/roach88/stepsync/internal/engine"
	"github.com/roach88/stepsync/internal/metrics"
)

// DefaultDebounce collapses bursts of writes to the form field file.
const DefaultDebounce = 250 * time.Millisecond

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Debounce time.Duration

	// Registry overrides the Prometheus registry (for testing).
	// If nil, a fresh registry is used.
	Registry *prometheus.Registry
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync continuously until interrupted",
		Long: `Start the sync loop: a round on start, on every interval tick and after
every change to the form field file.

When a fields file is configured it is watched and each change is saved
as a draft. When metrics_addr is set, Prometheus metrics are served at
/metrics on that address. Logs go to log.file (rotated) when set, and to
stderr otherwise.

Example:
  stepsync run --endpoint https://api.example.com/wizard --fields form.json
  stepsync run --interval 10s --metrics-addr :9090 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts, cmd)
		},
	}

	cmd.Flags().Duration("interval", 0, "periodic sync interval (default 30s)")
	cmd.Flags().String("fields", "", "form field file to watch (JSON)")
	cmd.Flags().String("schema", "", "CUE form schema")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().String("log-file", "", "write logs to this rotating file")
	cmd.Flags().DurationVar(&opts.Debounce, "debounce", DefaultDebounce, "quiet period before saving a changed fields file")

	return cmd
}

func runDaemon(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	logOut, closeLog := logOutput(cfg, cmd.ErrOrStderr())
	defer closeLog()
	logger := newLogger(opts.RootOptions, cfg, logOut)

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	recorder := metrics.New(reg)

	logger.Info("opening database", "path", cfg.Database)
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	c, err := newClient(cfg, st, logger, recorder)
	if err != nil {
		return err
	}

	// Use the command's context if available (for testing)
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := c.orch.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if cfg.FieldsFile != "" {
		g.Go(func() error {
			return draft.Watch(gctx, cfg.FieldsFile, opts.Debounce, func(ctx context.Context) {
				saveOnChange(ctx, c.orch, logger)
			})
		})
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("sync engine starting", "db", cfg.Database, "endpoint", cfg.Endpoint, "interval", cfg.SyncInterval)
	fmt.Fprintln(cmd.OutOrStdout(), "Sync engine started.")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	logger.Info("sync engine stopped gracefully")
	return nil
}

// saveOnChange persists the changed form. If the save's round was skipped
// because another round was in flight, a save trigger is queued so the run
// loop picks the entry up next.
func saveOnChange(ctx context.Context, orch *engine.Orchestrator, logger *slog.Logger) {
	saved, err := orch.Save(ctx)
	if err != nil {
		logger.Warn("save after form change failed", "error", err)
		return
	}
	if saved.Sync != nil && saved.Sync.Skipped {
		orch.Notify(engine.TriggerSave)
	}
}
