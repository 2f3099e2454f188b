package session

import (
	"github.com/vango-go/vai-rtc/pkg/rtc/protocol"
)

// State is the lifecycle position of a Controller.
type State string

const (
	StateIdle               State = "idle"
	StateFetchingCredential State = "fetching_credential"
	StateAcquiringMedia     State = "acquiring_media"
	StateNegotiating        State = "negotiating"
	StateActive             State = "active"
	StateClosing            State = "closing"
	StateClosed             State = "closed"
	StateFailed             State = "failed"
)

// CanStart reports whether Start begins a new attempt from s.
func (s State) CanStart() bool {
	return s == StateIdle || s == StateClosed || s == StateFailed
}

// HoldsTransport reports whether a connection and channel may exist in s.
func (s State) HoldsTransport() bool {
	return s == StateNegotiating || s == StateActive || s == StateClosing
}

// EventKind tags an observer notification.
type EventKind string

const (
	EventState     EventKind = "state"
	EventServer    EventKind = "server"
	EventMalformed EventKind = "malformed"
	EventTool      EventKind = "tool"
)

// Event is delivered to observers in the order it occurred.
type Event struct {
	Kind      EventKind
	SessionID string

	// EventState
	State    State
	Previous State

	// EventServer
	Server protocol.ServerEvent

	// EventTool
	Tool *ToolOutcome

	// Err is set for failures, malformed messages and failed tools.
	Err error
}

// ToolOutcome reports one completed dispatch.
type ToolOutcome struct {
	Name   string
	CallID string
	Output any
	Err    error
}

// Observer receives events on a single goroutine. It may call back into the
// Controller.
type Observer func(Event)
