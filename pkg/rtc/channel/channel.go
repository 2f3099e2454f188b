// Package channel owns the structured-message channel: it encodes outbound
// events and decodes, orders and routes inbound ones.
package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/rtc/peer"
	"github.com/vango-go/vai-rtc/pkg/rtc/protocol"
)

// Callbacks receive transport and protocol events. Inbound callbacks run on
// a single goroutine, one message at a time, in receipt order. Any field may
// be nil.
type Callbacks struct {
	OnOpen         func()
	OnClose        func()
	OnEvent        func(protocol.ServerEvent)
	OnMalformed    func(*core.MalformedEventError)
	OnFunctionCall func(protocol.FunctionCall)
}

// Handler wraps one DataChannel for the lifetime of a session.
type Handler struct {
	dc        peer.DataChannel
	callbacks Callbacks
	logger    *slog.Logger

	sendMu sync.Mutex

	mu      sync.Mutex
	cond    *sync.Cond
	pending [][]byte
	closed  bool
	done    chan struct{}
}

// New attaches a handler to dc and starts its inbound loop.
func New(dc peer.DataChannel, callbacks Callbacks, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		dc:        dc,
		callbacks: callbacks,
		logger:    logger,
		done:      make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.mu)

	dc.OnMessage(h.enqueue)
	dc.OnClose(func() {
		if fn := h.callbacks.OnClose; fn != nil {
			fn()
		}
	})
	dc.OnOpen(func() {
		if fn := h.callbacks.OnOpen; fn != nil {
			fn()
		}
	})

	go h.loop()
	return h
}

// IsOpen reports whether outbound sends can succeed.
func (h *Handler) IsOpen() bool {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	return !closed && h.dc.IsOpen()
}

// Send encodes ev and writes it as one text message. It fails with
// core.ErrChannelClosed when the channel is not open.
func (h *Handler) Send(ev protocol.OutboundEvent) error {
	if !h.IsOpen() {
		return core.ErrChannelClosed
	}
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}

	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	if err := h.dc.SendText(string(data)); err != nil {
		if !h.dc.IsOpen() {
			return fmt.Errorf("%w: %v", core.ErrChannelClosed, err)
		}
		return fmt.Errorf("send %s: %w", ev.EventType(), err)
	}
	return nil
}

// Close stops inbound processing, discards anything still queued and closes
// the underlying channel. It does not wait for an in-flight callback.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.pending = nil
	h.cond.Broadcast()
	h.mu.Unlock()
	return h.dc.Close()
}

// Done is closed once the inbound loop has exited.
func (h *Handler) Done() <-chan struct{} { return h.done }

func (h *Handler) enqueue(data []byte) {
	msg := append([]byte(nil), data...)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.pending = append(h.pending, msg)
	h.cond.Signal()
}

func (h *Handler) loop() {
	defer close(h.done)
	for {
		h.mu.Lock()
		for len(h.pending) == 0 && !h.closed {
			h.cond.Wait()
		}
		if h.closed {
			h.mu.Unlock()
			return
		}
		msg := h.pending[0]
		h.pending[0] = nil
		h.pending = h.pending[1:]
		h.mu.Unlock()

		h.process(msg)
	}
}

func (h *Handler) process(msg []byte) {
	ev, err := protocol.Decode(msg)
	if err != nil {
		var malformed *core.MalformedEventError
		if !errors.As(err, &malformed) {
			malformed = &core.MalformedEventError{Raw: msg, Cause: err}
		}
		h.logger.Warn("dropping malformed event", "bytes", len(msg), "error", malformed.Cause)
		if fn := h.callbacks.OnMalformed; fn != nil {
			fn(malformed)
		}
		return
	}

	switch e := ev.(type) {
	case protocol.Unknown:
		if e.IsError() {
			h.logger.Warn("server error event", "message", e.ErrorMessage())
		} else {
			h.logger.Debug("unhandled event", "event_type", e.RawType)
		}
	case protocol.ConversationItemCreated:
		if e.Placeholder {
			h.logger.Debug("transcription pending", "item_id", e.ItemID)
		}
	}

	if fn := h.callbacks.OnEvent; fn != nil {
		fn(ev)
	}

	if done, ok := ev.(protocol.ResponseDone); ok {
		if fn := h.callbacks.OnFunctionCall; fn != nil {
			for _, call := range done.FunctionCalls() {
				fn(call)
			}
		}
	}
}
