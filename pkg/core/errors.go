package core

import (
	"fmt"
	"net/http"
)

// ErrorType is the stable category string clients switch on.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrUpstream       ErrorType = "upstream_error"
)

// Status is the HTTP status a response of this type carries.
func (t ErrorType) Status() int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrPermission:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrRateLimit:
		return http.StatusTooManyRequests
	case ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the body of the key server's {"error": {...}} envelope.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Param      string    `json:"param,omitempty"`
	Code       string    `json:"code,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Upstream   any       `json:"upstream_error,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`
}

// Errorf builds an Error of type t with a formatted message.
func Errorf(t ErrorType, code, format string, args ...any) *Error {
	return &Error{Type: t, Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := string(e.Type) + ": " + e.Message
	if e.Code != "" {
		msg += " (code: " + e.Code + ")"
	}
	return msg
}

// Retryable reports whether a client may retry the same request later.
func (e *Error) Retryable() bool {
	return e.Type == ErrRateLimit || e.Type == ErrAPI || e.Type == ErrUpstream
}

// Unwrap exposes an upstream error value, if that is what Upstream holds.
func (e *Error) Unwrap() error {
	err, _ := e.Upstream.(error)
	return err
}

func NewRateLimitError(message string, retryAfter int) *Error {
	e := &Error{Type: ErrRateLimit, Message: message}
	if retryAfter > 0 {
		e.RetryAfter = &retryAfter
	}
	return e
}

// NewUpstreamError reports a non-2xx answer from the realtime API. body is
// the upstream's own error object, passed through for diagnosis.
func NewUpstreamError(status int, body any) *Error {
	e := Errorf(ErrUpstream, "upstream_status", "upstream returned status %d", status)
	e.Upstream = body
	return e
}
