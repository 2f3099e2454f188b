package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"syscall"

	"github.com/spf13/cobra"
)

func newKeyServerCmd(d deps, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "keyserver",
		Short: "Issue ephemeral realtime credentials",
		Long: `Serve GET|POST /create-realtime-key. Each request asks the upstream for a
new realtime session with the server-held API key and returns its body,
including client_secret.value and client_secret.expires_at.

Configured with VAI_KEYSERVER_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runKeyServer(cmd.Context(), logger, d)
		},
	}
}

func runKeyServer(ctx context.Context, logger *slog.Logger, d deps) error {
	cfg, err := d.loadKeyConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ks := d.newKeyServer(cfg, logger)
	httpSrv := ks.HTTPServer()

	logger.Info("starting key server", "addr", cfg.Addr, "auth_mode", cfg.AuthMode, "model", cfg.Model)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	d.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer d.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	ks.Lifecycle().SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server (%d in flight): %w", ks.Lifecycle().InFlight(), err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("key server stopped")
	return nil
}
