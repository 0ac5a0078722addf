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

	"github.com/spf13/cobra"

	"github.com/roach88/qtinav/internal/httpapi"
	"github.com/roach88/qtinav/internal/metrics"
	"github.com/roach88/qtinav/internal/syncsvc"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen   string
	Database string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve candidate navigation over HTTP",
		Long: `Start the navigation server.

The server opens the SQLite database (creating it if needed), loads items from
the database or S3 through an LRU cache, and serves navigation, offline
snapshots, batch synchronisation and Prometheus metrics.

Example:
  qtinav serve --config qtinav.yaml
  qtinav serve --db ./qtinav.db --listen :9090 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default from config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "server database (default from config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if opts.Database != "" {
		cfg.Storage.Database = opts.Database
	}

	logger := newLogger(cfg.Log, cmd.ErrOrStderr())
	slog.SetDefault(logger)

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

	collector := metrics.New()

	logger.Info("opening database", "path", cfg.Storage.Database, "items", cfg.Items.Source)
	be, err := openBackend(ctx, cfg, cfg.Storage.Database, logger, collector)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open backend", err)
	}
	defer func() {
		if closeErr := be.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	svc := syncsvc.New(be.ctrl, be.store,
		syncsvc.WithMaxBatch(cfg.Sync.MaxBatch),
		syncsvc.WithLogger(logger),
		syncsvc.WithRecorder(collector),
	)
	srv := httpapi.New(be.ctrl, svc,
		httpapi.WithLogger(logger),
		httpapi.WithMetrics(collector.Handler()),
	)

	fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s. Press Ctrl-C to stop.\n", cfg.Server.Listen)

	if err := srv.Serve(ctx, cfg.Server.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) &&
		!errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "server error", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
