package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Type:    ErrInvalidRequest,
		Message: "invalid method",
	}

	expected := "invalid_request_error: invalid method"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCode(t *testing.T) {
	err := &Error{
		Type:    ErrRateLimit,
		Message: "too many requests",
		Code:    "rate_limit_exceeded",
	}

	expected := "rate_limit_error: too many requests (code: rate_limit_exceeded)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewRateLimitError(t *testing.T) {
	err := NewRateLimitError("rate limit exceeded", 60)
	if err.Type != ErrRateLimit {
		t.Errorf("Type = %v, want %v", err.Type, ErrRateLimit)
	}
	if err.RetryAfter == nil || *err.RetryAfter != 60 {
		t.Errorf("RetryAfter = %v, want 60", err.RetryAfter)
	}
}

func TestNewRateLimitError_NoRetryAfter(t *testing.T) {
	if err := NewRateLimitError("slow down", 0); err.RetryAfter != nil {
		t.Errorf("RetryAfter = %v, want nil", *err.RetryAfter)
	}
}

func TestNewUpstreamError(t *testing.T) {
	err := NewUpstreamError(503, map[string]any{"message": "overloaded"})
	if err.Type != ErrUpstream {
		t.Errorf("Type = %v, want %v", err.Type, ErrUpstream)
	}
	if err.Message != "upstream returned status 503" {
		t.Errorf("Message = %q", err.Message)
	}
	if !err.Retryable() {
		t.Error("upstream errors should be retryable")
	}
	if (&Error{Type: ErrAuthentication}).Retryable() {
		t.Error("authentication errors are not retryable")
	}
}

func TestErrorType_Status(t *testing.T) {
	cases := map[ErrorType]int{
		ErrInvalidRequest:  400,
		ErrAuthentication:  401,
		ErrPermission:      403,
		ErrNotFound:        404,
		ErrRateLimit:       429,
		ErrAPI:             500,
		ErrUpstream:        502,
		ErrorType("other"): 500,
	}
	for typ, want := range cases {
		if got := typ.Status(); got != want {
			t.Errorf("%s.Status() = %d, want %d", typ, got, want)
		}
	}
}

func TestCredentialFetchError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("start: %w", &CredentialFetchError{Cause: cause})

	var credErr *CredentialFetchError
	if !errors.As(err, &credErr) {
		t.Fatalf("errors.As failed for %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(cause) = false")
	}
}

func TestNegotiationError_Message(t *testing.T) {
	err := &NegotiationError{Stage: StageCommitRemote, Cause: errors.New("empty answer")}
	want := "negotiation failed at commit-remote-description: empty answer"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestErrChannelClosed_Is(t *testing.T) {
	err := fmt.Errorf("send text: %w", ErrChannelClosed)
	if !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed")
	}
	if !IsRecoverable(&MalformedEventError{Cause: errors.New("bad json")}) {
		t.Fatalf("malformed events must be recoverable")
	}
	if IsRecoverable(&MediaAccessError{Cause: errors.New("denied")}) {
		t.Fatalf("media errors are terminal")
	}
}

func TestTimeoutErrors(t *testing.T) {
	if got := (&CredentialFetchError{Cause: ErrTimeout}).Error(); got != "credential fetch failed: timeout" {
		t.Fatalf("Error() = %q", got)
	}
	err := &NegotiationError{Stage: StageTimeout, Cause: ErrTimeout}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout in chain")
	}
}
