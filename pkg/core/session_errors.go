package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrChannelClosed is returned when an outbound event is sent while the
// structured-message channel is not open.
var ErrChannelClosed = errors.New("channel is not open")

// ErrTimeout marks a collaborator-supplied deadline that expired before a
// credential fetch or negotiation step resolved.
var ErrTimeout = errors.New("timeout")

// ErrDisconnected is the cause recorded when the transport closes an active
// session without a local stop.
var ErrDisconnected = errors.New("transport disconnected")

// Negotiation stages reported in NegotiationError.Stage.
const (
	StageCreatePeer         = "create-peer-connection"
	StageAddTrack           = "add-local-track"
	StageCreateChannel      = "create-data-channel"
	StageCreateOffer        = "create-offer"
	StageCommitLocal        = "commit-local-description"
	StageGatherCandidates   = "gather-candidates"
	StageSignaling          = "signaling"
	StageCommitRemote       = "commit-remote-description"
	StageCredentialExpired  = "credential-expired"
	StageTimeout            = "timeout"
	StageCanceled           = "canceled"
	StageConnectionFailed   = "connection-failed"
	StageChannelOpenTimeout = "channel-open-timeout"
)

// CredentialFetchError is returned when the access token could not be obtained.
type CredentialFetchError struct {
	Status int
	Cause  error
}

func (e *CredentialFetchError) Error() string {
	if e == nil {
		return ""
	}
	if e.Status != 0 {
		return fmt.Sprintf("credential fetch failed: status %d: %v", e.Status, e.Cause)
	}
	return fmt.Sprintf("credential fetch failed: %v", e.Cause)
}

func (e *CredentialFetchError) Unwrap() error { return e.Cause }

// MediaAccessError is returned when the local microphone cannot be opened.
type MediaAccessError struct {
	Device string
	Cause  error
}

func (e *MediaAccessError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Device) == "" {
		return fmt.Sprintf("media access failed: %v", e.Cause)
	}
	return fmt.Sprintf("media access failed (%s): %v", e.Device, e.Cause)
}

func (e *MediaAccessError) Unwrap() error { return e.Cause }

// NegotiationError is returned when the peer connection could not be set up.
// Stage names the step that failed.
type NegotiationError struct {
	Stage string
	Cause error
}

func (e *NegotiationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("negotiation failed at %s: %v", e.Stage, e.Cause)
}

func (e *NegotiationError) Unwrap() error { return e.Cause }

// MalformedEventError reports an inbound channel message that could not be
// decoded. The message is dropped.
type MalformedEventError struct {
	Raw   []byte
	Cause error
}

func (e *MalformedEventError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("malformed event (%d bytes): %v", len(e.Raw), e.Cause)
}

func (e *MalformedEventError) Unwrap() error { return e.Cause }

// ToolExecutionError reports a tool invocation that could not be completed.
type ToolExecutionError struct {
	Name   string
	CallID string
	Reason string
	Cause  error
}

const (
	ReasonUnknownTool      = "unknown tool"
	ReasonInvalidArguments = "invalid arguments"
	ReasonHandlerFailed    = "handler failed"
	ReasonNotConfigured    = "not configured"
	ReasonMissingCallID    = "missing call id"
)

func (e *ToolExecutionError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("tool %q (call %s): %s", e.Name, e.CallID, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ToolExecutionError) Unwrap() error { return e.Cause }

// IsRecoverable reports whether err is one of the kinds that are handled
// locally without affecting session state.
func IsRecoverable(err error) bool {
	var malformed *MalformedEventError
	if errors.As(err, &malformed) {
		return true
	}
	var toolErr *ToolExecutionError
	return errors.As(err, &toolErr)
}
