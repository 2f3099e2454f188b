package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	gwconfig "github.com/vango-go/vai-rtc/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-rtc/pkg/gateway/server"
	rtcconfig "github.com/vango-go/vai-rtc/pkg/rtc/config"
)

type deps struct {
	loadRTCConfig func() (rtcconfig.Config, error)
	loadKeyConfig func() (gwconfig.Config, error)
	newController controllerFactory
	newKeyServer  func(gwconfig.Config, *slog.Logger) *gatewayserver.Server
	signalNotify  func(chan<- os.Signal, ...os.Signal)
	signalStop    func(chan<- os.Signal)
}

func defaultDeps() deps {
	return deps{
		loadRTCConfig: rtcconfig.LoadFromEnv,
		loadKeyConfig: gwconfig.LoadFromEnv,
		newController: buildController,
		newKeyServer: func(cfg gwconfig.Config, logger *slog.Logger) *gatewayserver.Server {
			return gatewayserver.New(cfg, logger)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func (d deps) validate() error {
	switch {
	case d.loadRTCConfig == nil || d.loadKeyConfig == nil:
		return errors.New("missing config dependency")
	case d.newController == nil:
		return errors.New("missing newController dependency")
	case d.newKeyServer == nil:
		return errors.New("missing newKeyServer dependency")
	case d.signalNotify == nil || d.signalStop == nil:
		return errors.New("missing signal dependency")
	}
	return nil
}

func newRootCmd(d deps, level *slog.LevelVar, logger *slog.Logger) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "vai-rtc",
		Short: "Realtime voice sessions over WebRTC",
		Long: `vai-rtc connects to a realtime voice agent over WebRTC.

Available subcommands:
  run         Run one session from the terminal
  serve       Expose a session to a UI over a websocket
  keyserver   Issue ephemeral realtime credentials

Examples:
  vai-rtc keyserver
  vai-rtc run --mic-file greeting.ogg --record reply.ogg
  vai-rtc serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if verbose {
				level.Set(slog.LevelDebug)
			}
			return d.validate()
		},
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newRunCmd(d, logger))
	cmd.AddCommand(newServeCmd(d, logger))
	cmd.AddCommand(newKeyServerCmd(d, logger))
	return cmd
}

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, d deps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "vai-rtc: load .env: %v\n", err)
		return 1
	}

	root := newRootCmd(d, level, logger)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "vai-rtc: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr, defaultDeps()))
}
