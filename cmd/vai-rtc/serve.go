package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-rtc/pkg/rtc/metrics"
	"github.com/vango-go/vai-rtc/pkg/uibridge"
)

func newServeCmd(d deps, logger *slog.Logger) *cobra.Command {
	var (
		opts    mediaOptions
		addr    string
		origins []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose a session to a UI over a websocket",
		Long: `Serve one session controller on /ws. The UI sends {"type":"start"},
{"type":"stop"} and {"type":"send_text","text":"..."} and receives state, event
and tool frames. /metrics and /healthz are served alongside.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), logger, d, opts, addr, origins)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default VAI_RTC_UI_ADDR)")
	cmd.Flags().StringSliceVar(&origins, "allow-origin", nil, "Allowed browser origins; empty allows any")
	cmd.Flags().StringVar(&opts.MicFile, "mic-file", "", "Ogg/Opus file streamed as the microphone")
	cmd.Flags().BoolVar(&opts.LoopMic, "loop", false, "Restart --mic-file at end of file")
	cmd.Flags().StringVar(&opts.RecordPath, "record", "", "Write the agent's audio to this Ogg/Opus file")
	return cmd
}

func runServe(ctx context.Context, logger *slog.Logger, d deps, opts mediaOptions, addr string, origins []string) error {
	cfg, err := d.loadRTCConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr == "" {
		addr = cfg.UIAddr
	}

	m := metrics.New("")
	ctrl, err := d.newController(cfg, opts, logger, m)
	if err != nil {
		return fmt.Errorf("build session: %w", err)
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	bridge := uibridge.New(ctrl, uibridge.Config{AllowedOrigins: allowed}, logger, m)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           bridge.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting ui bridge", "addr", addr)
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
		ctrl.Stop()
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	ctrl.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bridge.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ui clients did not close in time", "error", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("ui bridge stopped")
	return ctx.Err()
}
