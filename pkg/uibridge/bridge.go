// Package uibridge exposes a session Controller to a UI over a websocket.
// The UI sends start, stop and send_text commands and receives state, event,
// tool and malformed frames as they happen.
package uibridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/gateway/apierror"
	"github.com/vango-go/vai-rtc/pkg/gateway/handlers"
	"github.com/vango-go/vai-rtc/pkg/gateway/mw"
	"github.com/vango-go/vai-rtc/pkg/rtc/metrics"
	"github.com/vango-go/vai-rtc/pkg/rtc/session"
)

// Controller is the part of *session.Controller the bridge drives.
type Controller interface {
	State() session.State
	SessionID() string
	Start() session.State
	Stop() session.State
	SendText(text string) error
	Subscribe(fn session.Observer) (unsubscribe func())
}

type Config struct {
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins map[string]struct{}

	QueueSize       int
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	MaxMessageBytes int64
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * c.PingInterval
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
	return c
}

type Bridge struct {
	ctrl    Controller
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	clients *tracker

	upgrader websocket.Upgrader
}

func New(ctrl Controller, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		ctrl:    ctrl,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: m,
		clients: newTracker(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			// Origin is checked before upgrading.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler serves /ws, /healthz and /metrics.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.serveWS)
	mux.Handle("/healthz", handlers.HealthHandler{})
	mux.Handle("/metrics", b.metrics.Handler())
	mux.Handle("/", handlers.NotFoundHandler{})

	var h http.Handler = mux
	h = mw.Recover(b.logger, h)
	h = mw.AccessLog(b.logger, h)
	h = mw.RequestID(h)
	return h
}

// Clients reports connected UI clients.
func (b *Bridge) Clients() int { return b.clients.count() }

// Shutdown disconnects every client and waits for their handlers to exit.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if n := b.clients.cancelAll(); n > 0 {
		b.logger.Info("closing ui clients", "count", n)
	}
	if !b.clients.wait(ctx) {
		return ctx.Err()
	}
	return nil
}

func (b *Bridge) originAllowed(r *http.Request) bool {
	if len(b.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	_, ok := b.cfg.AllowedOrigins[origin]
	return ok
}

func (b *Bridge) serveWS(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		apierror.Write(w, http.StatusMethodNotAllowed, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID})
		return
	}
	if !b.originAllowed(r) {
		apierror.Write(w, http.StatusForbidden, &core.Error{Type: core.ErrPermission, Message: "origin is not allowed", Param: "Origin", RequestID: reqID})
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &client{
		queue:  make(chan []byte, b.cfg.QueueSize),
		cancel: cancel,
		logger: b.logger.With("request_id", reqID),
	}
	unregister := b.clients.register(cancel)
	defer unregister()

	c.enqueueJSON(stateFrame{
		Type:      FrameState,
		SessionID: b.ctrl.SessionID(),
		State:     string(b.ctrl.State()),
	})
	unsubscribe := b.ctrl.Subscribe(func(ev session.Event) {
		frame, err := encodeEvent(ev)
		if err != nil {
			c.logger.Warn("skipping event", "kind", ev.Kind, "error", err)
			return
		}
		c.enqueue(frame)
	})
	defer unsubscribe()

	writer := &clientWriter{
		ws:           conn,
		ctx:          ctx,
		queue:        c.queue,
		pingInterval: b.cfg.PingInterval,
		writeTimeout: b.cfg.WriteTimeout,
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := writer.Run(); err != nil {
			c.logger.Debug("ui writer stopped", "error", err)
		}
		cancel()
		_ = conn.Close()
	}()

	c.logger.Info("ui client connected", "remote", r.RemoteAddr)
	b.readLoop(ctx, conn, c)
	cancel()
	<-writerDone
	c.logger.Info("ui client disconnected")
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	conn.SetReadLimit(b.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
	})

	for ctx.Err() == nil {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		if messageType != websocket.TextMessage {
			c.enqueueJSON(errorFrame{Type: FrameError, Message: "commands must be text frames"})
			continue
		}
		cmd, err := decodeCommand(data)
		if err != nil {
			c.enqueueJSON(errorFrame{Type: FrameError, Message: err.Error()})
			continue
		}
		b.dispatch(c, cmd)
	}
}

func (b *Bridge) dispatch(c *client, cmd command) {
	var state session.State
	switch cmd.Type {
	case CommandStart:
		state = b.ctrl.Start()
	case CommandStop:
		state = b.ctrl.Stop()
	case CommandSendText:
		if err := b.ctrl.SendText(cmd.Text); err != nil {
			c.enqueueJSON(errorFrame{Type: FrameError, Command: cmd.Type, Message: err.Error()})
			return
		}
		state = b.ctrl.State()
	}
	c.enqueueJSON(ackFrame{Type: FrameAck, Command: cmd.Type, State: string(state)})
}

type client struct {
	queue  chan []byte
	cancel func()
	logger *slog.Logger
}

// enqueue never blocks. A client that cannot keep up is disconnected.
func (c *client) enqueue(frame []byte) {
	select {
	case c.queue <- frame:
	default:
		c.logger.Warn("ui client too slow, disconnecting")
		c.cancel()
	}
}

func (c *client) enqueueJSON(v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("encode ui frame", "error", err)
		return
	}
	c.enqueue(frame)
}
