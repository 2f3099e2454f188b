package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-rtc/pkg/rtc/metrics"
	"github.com/vango-go/vai-rtc/pkg/rtc/protocol"
	"github.com/vango-go/vai-rtc/pkg/rtc/session"
)

func newRunCmd(d deps, logger *slog.Logger) *cobra.Command {
	var opts mediaOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one session from the terminal",
		Long: `Run one realtime session. Each line typed on stdin is sent to the agent as a
user message. Ctrl-C ends the session.

Without --mic-file the agent hears silence; without --record its audio is
discarded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSession(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), logger, d, opts)
		},
	}
	cmd.Flags().StringVar(&opts.MicFile, "mic-file", "", "Ogg/Opus file streamed as the microphone")
	cmd.Flags().BoolVar(&opts.LoopMic, "loop", false, "Restart --mic-file at end of file")
	cmd.Flags().StringVar(&opts.RecordPath, "record", "", "Write the agent's audio to this Ogg/Opus file")
	return cmd
}

func runSession(ctx context.Context, stdin io.Reader, stdout io.Writer, logger *slog.Logger, d deps, opts mediaOptions) error {
	cfg, err := d.loadRTCConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctrl, err := d.newController(cfg, opts, logger, metrics.New(""))
	if err != nil {
		return fmt.Errorf("build session: %w", err)
	}

	out := &syncWriter{w: stdout}
	defer out.close()
	failed := make(chan error, 1)
	unsubscribe := ctrl.Subscribe(func(ev session.Event) {
		printEvent(out, ev)
		if ev.Kind == session.EventState && ev.State == session.StateFailed {
			select {
			case failed <- ev.Err:
			default:
			}
		}
	})
	defer unsubscribe()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	d.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer d.signalStop(sigCh)

	ctrl.Start()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := ctrl.SendText(line); err != nil {
				fmt.Fprintf(out, "[not sent] %v\n", err)
			}
		case err := <-failed:
			ctrl.Stop()
			return fmt.Errorf("session failed: %w", err)
		case sig := <-sigCh:
			logger.Info("stopping session", "signal", sig.String())
			ctrl.Stop()
			return nil
		case <-ctx.Done():
			ctrl.Stop()
			return ctx.Err()
		}
	}
}

// printEvent renders one controller event as a terminal line.
func printEvent(w io.Writer, ev session.Event) {
	switch ev.Kind {
	case session.EventState:
		if ev.Err != nil {
			fmt.Fprintf(w, "[state] %s (%v)\n", ev.State, ev.Err)
			return
		}
		fmt.Fprintf(w, "[state] %s\n", ev.State)
	case session.EventServer:
		switch e := ev.Server.(type) {
		case protocol.SessionCreated:
			fmt.Fprintf(w, "[session] %s\n", e.SessionID)
		case protocol.ConversationItemCreated:
			if e.Text != "" {
				fmt.Fprintf(w, "[%s] %s\n", e.Role, e.Text)
			}
		case protocol.ResponseDone:
			for _, item := range e.OutputItems {
				if msg, ok := item.(protocol.Message); ok {
					if t := msg.Transcript(); t != "" {
						fmt.Fprintf(w, "[%s] %s\n", msg.Role, t)
					}
				}
			}
		case protocol.Unknown:
			if e.IsError() {
				fmt.Fprintf(w, "[error] %s\n", e.ErrorMessage())
			}
		}
	case session.EventTool:
		if ev.Tool == nil {
			return
		}
		if ev.Tool.Err != nil {
			fmt.Fprintf(w, "[tool] %s %s failed: %v\n", ev.Tool.Name, ev.Tool.CallID, ev.Tool.Err)
			return
		}
		fmt.Fprintf(w, "[tool] %s %s -> %v\n", ev.Tool.Name, ev.Tool.CallID, ev.Tool.Output)
	case session.EventMalformed:
		fmt.Fprintf(w, "[malformed] %v\n", ev.Err)
	}
}

// syncWriter serializes observer output with the input loop. Events
// delivered after the session returns are dropped.
type syncWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return len(p), nil
	}
	return s.w.Write(p)
}

func (s *syncWriter) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
