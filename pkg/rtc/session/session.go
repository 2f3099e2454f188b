// Package session drives one realtime voice session from credential fetch
// through negotiation to teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pion/webrtc/v4"
	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/rtc/channel"
	"github.com/vango-go/vai-rtc/pkg/rtc/credential"
	"github.com/vango-go/vai-rtc/pkg/rtc/media"
	"github.com/vango-go/vai-rtc/pkg/rtc/metrics"
	"github.com/vango-go/vai-rtc/pkg/rtc/peer"
	"github.com/vango-go/vai-rtc/pkg/rtc/protocol"
	"github.com/vango-go/vai-rtc/pkg/rtc/tools"
	"github.com/vango-go/vai-rtc/pkg/rtc/tools/transfer"
)

const (
	defaultChannelOpenTimeout = 15 * time.Second
	channelDrainTimeout       = time.Second
)

// MediaSource acquires local input and playback output.
type MediaSource interface {
	AcquireMicrophone(ctx context.Context) (media.LocalAudio, error)
	CreatePlaybackSink() (media.PlaybackSink, error)
}

// Negotiator establishes the peer connection.
type Negotiator interface {
	Negotiate(ctx context.Context, local media.LocalAudio, sink media.PlaybackSink, cred credential.Credential, attach func(peer.DataChannel)) (*peer.Result, error)
}

type Config struct {
	// Session is the base configuration sent on activation. Tools registered
	// as executors are declared automatically.
	Session protocol.SessionConfig
	// Agents enables the transferAgents tool; the first agent is selected at
	// the start of every session.
	Agents []transfer.Agent
	// RelayToolResults sends each tool result back as function_call_output
	// followed by response.create.
	RelayToolResults   bool
	CredentialTimeout  time.Duration
	ChannelOpenTimeout time.Duration
}

type Dependencies struct {
	Credentials credential.Source
	Media       MediaSource
	Negotiator  Negotiator
	Tools       *tools.Registry
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Config      Config
	NewID       func() string
}

// resources are exclusively owned by one attempt.
type resources struct {
	local   media.LocalAudio
	sink    media.PlaybackSink
	conn    peer.Connection
	handler *channel.Handler
}

// Controller is the session state machine. All methods are safe for
// concurrent use and none of them block on network or device I/O except
// Stop, which waits for resource release.
type Controller struct {
	credentials credential.Source
	media       MediaSource
	negotiator  Negotiator
	registry    *tools.Registry
	metrics     *metrics.Metrics
	logger      *slog.Logger
	cfg         Config
	newID       func() string
	transfer    *transfer.Tool

	mu         sync.Mutex
	state      State
	attempt    uint64
	id         string
	remoteID   string
	lastErr    error
	agent      string
	configSent bool
	cancel     context.CancelFunc
	res        *resources

	observers map[uint64]Observer
	nextObs   uint64
	outbox    []Event
	draining  bool
}

func New(deps Dependencies) (*Controller, error) {
	if deps.Credentials == nil {
		return nil, errors.New("session: credential source is required")
	}
	if deps.Media == nil {
		return nil, errors.New("session: media source is required")
	}
	if deps.Negotiator == nil {
		return nil, errors.New("session: negotiator is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := deps.Tools
	if registry == nil {
		registry = tools.NewRegistry(logger, 0)
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	cfg := deps.Config
	if cfg.ChannelOpenTimeout <= 0 {
		cfg.ChannelOpenTimeout = defaultChannelOpenTimeout
	}

	c := &Controller{
		credentials: deps.Credentials,
		media:       deps.Media,
		negotiator:  deps.Negotiator,
		registry:    registry,
		metrics:     deps.Metrics,
		logger:      logger,
		cfg:         cfg,
		newID:       newID,
		state:       StateIdle,
		observers:   make(map[uint64]Observer),
	}
	if len(cfg.Agents) > 0 {
		c.transfer = &transfer.Tool{Agents: cfg.Agents, Switch: c.switchAgent}
		registry.Add(c.transfer)
		c.agent = cfg.Agents[0].Name
	}

	sessionCfg := c.sessionConfig(c.agent)
	if err := sessionCfg.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if err := registry.Declare(sessionCfg); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return c, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the failure that moved the session to Failed, if any.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SessionID returns the local id of the current or most recent attempt.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// RemoteSessionID returns the id reported by session.created.
func (c *Controller) RemoteSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

// Agent returns the selected agent profile name, or "" without agents.
func (c *Controller) Agent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent
}

// Subscribe registers fn for every subsequent event.
func (c *Controller) Subscribe(fn Observer) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// Start begins a new attempt under a fresh session id and returns
// immediately. Outside Idle, Closed and Failed it does nothing and returns
// the current state.
func (c *Controller) Start() State {
	c.mu.Lock()
	if !c.state.CanStart() {
		s := c.state
		c.mu.Unlock()
		return s
	}
	c.attempt++
	attempt := c.attempt
	c.id = c.newID()
	c.remoteID = ""
	c.lastErr = nil
	c.configSent = false
	if len(c.cfg.Agents) > 0 {
		c.agent = c.cfg.Agents[0].Name
	}
	if err := c.registry.Declare(c.sessionConfig(c.agent)); err != nil {
		c.logger.Error("declare tools", "error", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.res = &resources{}
	c.setStateLocked(StateFetchingCredential, nil)
	c.mu.Unlock()

	go c.run(ctx, attempt)
	return StateFetchingCredential
}

// Stop cancels any in-flight work, releases every resource and moves to
// Closed. It never fails; release errors are logged. Calling Stop in Idle or
// Closed does nothing.
func (c *Controller) Stop() State {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateClosed, StateClosing:
		s := c.state
		c.mu.Unlock()
		return s
	}
	c.attempt++
	claimed := c.attempt
	if c.cancel != nil {
		c.cancel()
	}
	res := c.res
	c.res = nil
	c.setStateLocked(StateClosing, nil)
	c.mu.Unlock()

	c.release(res)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt == claimed && c.state == StateClosing {
		c.setStateLocked(StateClosed, nil)
	}
	return c.state
}

// SendText sends a user message. It fails with core.ErrChannelClosed unless
// the session is Active.
func (c *Controller) SendText(text string) error {
	c.mu.Lock()
	if c.state != StateActive || c.res == nil || c.res.handler == nil {
		c.mu.Unlock()
		return core.ErrChannelClosed
	}
	h := c.res.handler
	c.mu.Unlock()
	return h.Send(protocol.NewUserText(text))
}

func (c *Controller) run(ctx context.Context, attempt uint64) {
	cred, err := c.fetchCredential(ctx)
	if err != nil {
		c.fail(attempt, StateFetchingCredential, err)
		return
	}
	c.logger.Debug("credential fetched", "session_id", c.SessionID(), "credential", cred.Redacted())
	if !c.advance(attempt, StateFetchingCredential, StateAcquiringMedia) {
		return
	}

	local, err := c.media.AcquireMicrophone(ctx)
	if err != nil {
		var mediaErr *core.MediaAccessError
		if !errors.As(err, &mediaErr) {
			err = &core.MediaAccessError{Cause: err}
		}
		c.fail(attempt, StateAcquiringMedia, err)
		return
	}
	if !c.adopt(attempt, func(r *resources) { r.local = local }) {
		_ = local.Stop()
		return
	}
	sink, err := c.media.CreatePlaybackSink()
	if err != nil {
		c.fail(attempt, StateAcquiringMedia, &core.MediaAccessError{Device: "playback", Cause: err})
		return
	}
	if !c.adopt(attempt, func(r *resources) { r.sink = sink }) {
		_ = sink.Release()
		return
	}
	if !c.advance(attempt, StateAcquiringMedia, StateNegotiating) {
		return
	}

	// The handler is attached inside Negotiate so messages and the open
	// notification that arrive while the answer is being committed are kept.
	// Channel closes only count once negotiation has handed the transport over.
	var (
		handler  *channel.Handler
		opened   = make(chan struct{})
		openOnce sync.Once
		live     atomic.Bool
	)
	attach := func(dc peer.DataChannel) {
		handler = channel.New(dc, channel.Callbacks{
			OnOpen: func() { openOnce.Do(func() { close(opened) }) },
			OnClose: func() {
				if live.Load() {
					c.onTransportClosed(attempt, "channel closed")
				}
			},
			OnEvent:        func(ev protocol.ServerEvent) { c.onServerEvent(attempt, ev) },
			OnMalformed:    func(err *core.MalformedEventError) { c.onMalformed(attempt, err) },
			OnFunctionCall: func(call protocol.FunctionCall) { c.onFunctionCall(ctx, attempt, call) },
		}, c.logger.With("session_id", c.SessionID()))
	}

	result, err := c.negotiator.Negotiate(ctx, local, sink, cred, attach)
	if err != nil {
		if handler != nil {
			_ = handler.Close()
		}
		c.fail(attempt, StateNegotiating, err)
		return
	}
	if handler == nil {
		attach(result.Channel)
	}
	if !c.adopt(attempt, func(r *resources) {
		r.conn = result.Connection
		r.handler = handler
	}) {
		_ = handler.Close()
		_ = result.Connection.Close()
		return
	}
	live.Store(true)
	result.Connection.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.onTransportClosed(attempt, "peer connection "+s.String())
		case webrtc.PeerConnectionStateDisconnected:
			// ICE may still recover; failed follows if it does not.
			c.logger.Warn("peer connection disconnected", "session_id", c.SessionID())
		}
	})
	// A channel that opened and closed again before the hand-over above
	// would otherwise go unnoticed.
	select {
	case <-opened:
		if !handler.IsOpen() {
			c.onTransportClosed(attempt, "channel closed")
			return
		}
	default:
	}

	timer := time.NewTimer(c.cfg.ChannelOpenTimeout)
	defer timer.Stop()
	select {
	case <-opened:
	case <-ctx.Done():
		return
	case <-timer.C:
		c.fail(attempt, StateNegotiating, &core.NegotiationError{Stage: core.StageChannelOpenTimeout, Cause: core.ErrTimeout})
		return
	}
	c.activate(attempt)
}

func (c *Controller) fetchCredential(ctx context.Context) (credential.Credential, error) {
	if c.cfg.CredentialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CredentialTimeout)
		defer cancel()
	}
	cred, err := c.credentials.Fetch(ctx)
	if err == nil {
		return cred, nil
	}
	var fetchErr *core.CredentialFetchError
	if errors.As(err, &fetchErr) {
		return credential.Credential{}, err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return credential.Credential{}, &core.CredentialFetchError{Cause: core.ErrTimeout}
	}
	return credential.Credential{}, &core.CredentialFetchError{Cause: err}
}

// advance moves from one state to the next if attempt is still current.
func (c *Controller) advance(attempt uint64, from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != attempt || c.state != from {
		return false
	}
	c.setStateLocked(to, nil)
	return true
}

// adopt hands a resource to the current attempt. A false result means the
// attempt is stale and the caller still owns the resource.
func (c *Controller) adopt(attempt uint64, fn func(*resources)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != attempt || c.res == nil {
		return false
	}
	fn(c.res)
	return true
}

func (c *Controller) activate(attempt uint64) {
	c.mu.Lock()
	if c.attempt != attempt || c.state != StateNegotiating || c.res == nil {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateActive, nil)
	h := c.res.handler
	send := !c.configSent
	c.configSent = true
	cfg := c.sessionConfig(c.agent)
	c.mu.Unlock()

	if send {
		if err := h.Send(protocol.NewSessionUpdate(cfg)); err != nil {
			c.logger.Error("send session configuration", "session_id", c.SessionID(), "error", err)
		}
	}
}

// fail moves the attempt to Failed after releasing its resources. A stale
// attempt, or one whose state has moved on, is discarded.
func (c *Controller) fail(attempt uint64, expected State, cause error) {
	c.mu.Lock()
	if c.attempt != attempt || c.state != expected {
		c.mu.Unlock()
		c.logger.Debug("discarding stale result", "state", expected, "error", cause)
		return
	}
	c.attempt++
	claimed := c.attempt
	if c.cancel != nil {
		c.cancel()
	}
	res := c.res
	c.res = nil
	c.mu.Unlock()

	c.release(res)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != claimed {
		return
	}
	c.lastErr = cause
	c.setStateLocked(StateFailed, cause)
}

func (c *Controller) onTransportClosed(attempt uint64, reason string) {
	c.mu.Lock()
	state := c.state
	current := c.attempt == attempt
	c.mu.Unlock()
	if !current || !state.HoldsTransport() {
		return
	}
	switch state {
	case StateActive:
		c.fail(attempt, StateActive, fmt.Errorf("%w: %s", core.ErrDisconnected, reason))
	case StateNegotiating:
		c.fail(attempt, StateNegotiating, &core.NegotiationError{Stage: core.StageConnectionFailed, Cause: errors.New(reason)})
	}
}

func (c *Controller) onServerEvent(attempt uint64, ev protocol.ServerEvent) {
	eventType := ev.EventType()
	c.metrics.RecordInbound(eventType)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != attempt {
		return
	}
	if created, ok := ev.(protocol.SessionCreated); ok {
		c.remoteID = created.SessionID
		c.logger.Info("realtime session created", "session_id", c.id, "remote_session_id", created.SessionID)
	}
	c.emitLocked(Event{Kind: EventServer, Server: ev})
}

func (c *Controller) onMalformed(attempt uint64, err *core.MalformedEventError) {
	c.metrics.RecordMalformed()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != attempt {
		return
	}
	c.emitLocked(Event{Kind: EventMalformed, Err: err})
}

func (c *Controller) onFunctionCall(ctx context.Context, attempt uint64, call protocol.FunctionCall) {
	accepted := c.registry.DispatchAsync(ctx, call, func(res tools.Result, err error) {
		c.onToolResult(attempt, call, res, err)
	})
	if !accepted {
		c.metrics.RecordToolDispatch(call.Name, "duplicate")
	}
}

func (c *Controller) onToolResult(attempt uint64, call protocol.FunctionCall, res tools.Result, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		var toolErr *core.ToolExecutionError
		if errors.As(err, &toolErr) {
			switch toolErr.Reason {
			case core.ReasonUnknownTool:
				outcome = "unknown"
			case core.ReasonMissingCallID:
				outcome = "missing_call_id"
			}
		}
	}

	c.mu.Lock()
	if c.attempt != attempt || c.state != StateActive {
		c.mu.Unlock()
		c.metrics.RecordToolDispatch(call.Name, "stale")
		return
	}
	c.metrics.RecordToolDispatch(call.Name, outcome)
	var h *channel.Handler
	if c.res != nil {
		h = c.res.handler
	}
	relay := c.cfg.RelayToolResults
	c.emitLocked(Event{Kind: EventTool, Tool: &ToolOutcome{Name: call.Name, CallID: call.CallID, Output: res.Output, Err: err}, Err: err})
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("tool dispatch failed", "tool", call.Name, "call_id", call.CallID, "error", err)
	} else {
		c.logger.Info("tool dispatched", "tool", call.Name, "call_id", call.CallID)
	}
	// function_call_output cannot be correlated without a call id.
	if !relay || h == nil || strings.TrimSpace(call.CallID) == "" {
		return
	}

	output, encErr := res.OutputJSON()
	if err != nil {
		output, encErr = errorOutput(err)
	}
	if encErr != nil {
		c.logger.Warn("encode tool result", "call_id", call.CallID, "error", encErr)
		return
	}
	if sendErr := h.Send(protocol.NewFunctionCallOutput(call.CallID, output)); sendErr != nil {
		c.logger.Warn("relay tool result", "call_id", call.CallID, "error", sendErr)
		return
	}
	if sendErr := h.Send(protocol.NewResponseCreate()); sendErr != nil {
		c.logger.Warn("request response after tool result", "call_id", call.CallID, "error", sendErr)
	}
}

func errorOutput(err error) (string, error) {
	return tools.Result{Output: map[string]string{"error": err.Error()}}.OutputJSON()
}

// switchAgent selects agent and re-sends the session configuration with its
// instructions.
func (c *Controller) switchAgent(_ context.Context, agent transfer.Agent) error {
	c.mu.Lock()
	if c.state != StateActive || c.res == nil || c.res.handler == nil {
		c.mu.Unlock()
		return core.ErrChannelClosed
	}
	prev := c.agent
	c.agent = agent.Name
	h := c.res.handler
	cfg := c.sessionConfig(agent.Name)
	c.mu.Unlock()

	c.logger.Info("agent transfer", "session_id", c.SessionID(), "from", prev, "to", agent.Name)
	return h.Send(protocol.NewSessionUpdate(cfg))
}

// sessionConfig builds the configuration for the named agent. Registered
// executors are declared alongside the configured tools.
func (c *Controller) sessionConfig(agentName string) protocol.SessionConfig {
	cfg := c.cfg.Session
	cfg.Tools = append([]protocol.ToolDefinition(nil), c.cfg.Session.Tools...)
	for _, def := range c.registry.Definitions() {
		if _, exists := cfg.Tool(def.Name); !exists {
			cfg.Tools = append(cfg.Tools, def)
		}
	}
	if c.transfer != nil {
		if agent, ok := c.transfer.Lookup(agentName); ok && strings.TrimSpace(agent.Instructions) != "" {
			cfg.Instructions = agent.Instructions
		}
	}
	return cfg
}

func (c *Controller) release(res *resources) {
	if res == nil {
		return
	}
	var result *multierror.Error
	if res.handler != nil {
		if err := res.handler.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close channel: %w", err))
		}
		// Let an in-flight inbound callback finish so none runs after Stop.
		select {
		case <-res.handler.Done():
		case <-time.After(channelDrainTimeout):
			result = multierror.Append(result, errors.New("inbound loop still running"))
		}
	}
	if res.conn != nil {
		if err := res.conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close connection: %w", err))
		}
	}
	if res.local != nil {
		if err := res.local.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop local track: %w", err))
		}
	}
	if res.sink != nil {
		if err := res.sink.Release(); err != nil {
			result = multierror.Append(result, fmt.Errorf("release playback sink: %w", err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		c.logger.Warn("session resources released with errors", "session_id", c.SessionID(), "error", err)
	}
}

func (c *Controller) setStateLocked(to State, cause error) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.metrics.RecordTransition(string(from), string(to), string(StateActive))
	if cause != nil {
		c.logger.Error("session state", "session_id", c.id, "from", from, "to", to, "error", cause)
	} else {
		c.logger.Info("session state", "session_id", c.id, "from", from, "to", to)
	}
	c.emitLocked(Event{Kind: EventState, State: to, Previous: from, Err: cause})
}

// emitLocked queues ev for observers. A single drain goroutine delivers the
// queue in order and exits when it is empty.
func (c *Controller) emitLocked(ev Event) {
	if len(c.observers) == 0 {
		return
	}
	ev.SessionID = c.id
	c.outbox = append(c.outbox, ev)
	if !c.draining {
		c.draining = true
		go c.drain()
	}
}

func (c *Controller) drain() {
	for {
		c.mu.Lock()
		if len(c.outbox) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		batch := c.outbox
		c.outbox = nil
		observers := make([]Observer, 0, len(c.observers))
		for _, fn := range c.observers {
			observers = append(observers, fn)
		}
		c.mu.Unlock()

		for _, ev := range batch {
			for _, fn := range observers {
				fn(ev)
			}
		}
	}
}
