package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/roach88/stepsync/internal/breaker"
	"github.com/roach88/stepsync/internal/config"
	"github.com/roach88/stepsync/internal/draft"
	"github.com/roach88/stepsync/internal/engine"
	"github.com/roach88/stepsync/internal/metrics"
	"github.com/roach88/stepsync/internal/schema"
	"github.com/roach88/stepsync/internal/store"
	"github.com/roach88/stepsync/internal/transport"
)

func loadConfig(opts *RootOptions, cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath, cmd.Flags())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// newLogger builds a text logger on w. --verbose forces debug level.
func newLogger(opts *RootOptions, cfg *config.Config, w io.Writer) *slog.Logger {
	level := cfg.LogLevel()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// logOutput returns the rotating log file when log.file is set, and
// fallback otherwise. The returned close func is never nil.
func logOutput(cfg *config.Config, fallback io.Writer) (io.Writer, func() error) {
	if cfg.Log.File == "" {
		return fallback, func() error { return nil }
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}
	return lj, lj.Close
}

func openStore(cfg *config.Config) (*store.Store, error) {
	cipher, err := cfg.Cipher()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid encryption key", err)
	}
	st, err := store.Open(cfg.Database, store.WithCipher(cipher))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// client is the sync stack built from a config.
type client struct {
	store   *store.Store
	breaker *breaker.Breaker
	orch    *engine.Orchestrator
}

// newClient wires breaker, transport, schema, permissions and assembler
// around st. recorder may be nil.
func newClient(cfg *config.Config, st *store.Store, logger *slog.Logger, recorder *metrics.Recorder) (*client, error) {
	if cfg.Endpoint == "" {
		return nil, NewExitError(ExitCommandError,
			"no remote endpoint configured (set endpoint in the config file, STEPSYNC_ENDPOINT or --endpoint)")
	}

	bopts := []breaker.Option{breaker.WithLogger(logger), transport.FailurePredicate()}
	if recorder != nil {
		bopts = append(bopts, breaker.WithStateListener(recorder.BreakerStateChanged))
	}
	b := breaker.New(cfg.BreakerSettings(), bopts...)

	topts := []transport.Option{
		transport.WithRetryConfig(cfg.RetrySettings()),
		transport.WithLogger(logger),
	}
	if cfg.Token != "" {
		topts = append(topts, transport.WithToken(cfg.Token))
	}
	if cfg.Retry.RequestsPerSecond > 0 {
		topts = append(topts, transport.WithRateLimit(cfg.Retry.RequestsPerSecond))
	}
	tr, err := transport.New(cfg.Endpoint, b, topts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid endpoint", err)
	}

	version := 1
	eopts := []engine.Option{
		engine.WithPermissions(cfg.Oracle()),
		engine.WithInterval(cfg.SyncInterval),
		engine.WithLogger(logger),
	}
	if cfg.SchemaFile != "" {
		sch, err := schema.LoadFile(cfg.SchemaFile)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to load schema %s", cfg.SchemaFile), err)
		}
		version = sch.Version()
		eopts = append(eopts, engine.WithValidator(sch))
	}
	if recorder != nil {
		eopts = append(eopts, engine.WithRecorder(recorder))
	}

	deps := engine.Deps{Store: st, Transport: tr, Breaker: b}
	if cfg.FieldsFile != "" {
		deps.Assembler = draft.NewAssembler(draft.FileSource{Path: cfg.FieldsFile}, draft.WithSchemaVersion(version))
	}
	orch, err := engine.New(deps, eopts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create engine", err)
	}
	return &client{store: st, breaker: b, orch: orch}, nil
}

// session opens the config, logger, store and client for a one-shot
// command. The caller must call the returned close func.
func session(opts *RootOptions, cmd *cobra.Command) (*client, func(), error) {
	cfg, err := loadConfig(opts, cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(opts, cfg, cmd.ErrOrStderr())
	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if err := st.Close(); err != nil {
			logger.Error("error closing database", "error", err)
		}
	}
	c, err := newClient(cfg, st, logger, nil)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return c, closeStore, nil
}
