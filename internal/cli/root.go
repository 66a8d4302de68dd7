// Package cli wires the config, logging, telemetry and domain packages into
// the hubfetch command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/datasetops/hubfetch/internal/config"
	"github.com/datasetops/hubfetch/internal/logctx"
	"github.com/datasetops/hubfetch/internal/telemetry"
	"github.com/spf13/cobra"
)

// exitError carries a process exit code out of a subcommand without
// tearing down deferred cleanup on the way.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}

	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// Execute runs the command tree and returns the process exit code.
func Execute(version string) int {
	root := newRootCmd(version)

	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				slog.Error("command failed", "err", ee.err)
			}

			return ee.code
		}

		slog.Error("command failed", "err", err)

		return 1
	}

	return 0
}

func newRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "hubfetch",
		Short:         "Resilient dataset downloader and cache verifier",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newDownloadCmd(version))
	root.AddCommand(newVerifyCmd(version))

	return root
}

// bootstrap loads the environment config and installs the process-wide
// logger. The returned context carries the logger and is cancelled on
// SIGINT/SIGTERM.
func bootstrap(cmd *cobra.Command, cfg *config.Config) (context.Context, context.CancelFunc) {
	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)

	return logctx.WithLogger(ctx, logger), cancel
}

// serveMetrics exposes the prometheus endpoint while the command runs.
func serveMetrics(ctx context.Context, tel *telemetry.Telemetry, addr string) {
	logger := logctx.LoggerFromContext(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", tel.Handler())

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", "host", addr)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, &exitError{code: 2, err: err}
	}

	return cfg, nil
}

func authStatus(token string) string {
	if token == "" {
		return "anonymous"
	}

	return "authenticated"
}
