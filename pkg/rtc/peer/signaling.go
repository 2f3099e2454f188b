package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/vango-go/vai-rtc/pkg/rtc/credential"
)

const (
	sdpContentType  = "application/sdp"
	maxAnswerBytes  = 1 << 20
	defaultModelKey = "model"
)

// Signaler exchanges a local offer for the remote answer.
type Signaler interface {
	Exchange(ctx context.Context, offerSDP string, cred credential.Credential) (string, error)
}

// StatusError is returned for a non-2xx signaling response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	if body == "" {
		return fmt.Sprintf("signaling endpoint returned %d", e.Status)
	}
	return fmt.Sprintf("signaling endpoint returned %d: %s", e.Status, body)
}

// HTTPSignaler posts the offer to {BaseURL}?model={Model} with the
// credential as a bearer token. The answer body is returned as received;
// validating it is the caller's job.
type HTTPSignaler struct {
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

func (s *HTTPSignaler) Exchange(ctx context.Context, offerSDP string, cred credential.Credential) (string, error) {
	if s == nil || strings.TrimSpace(s.BaseURL) == "" {
		return "", errors.New("signaling base url is not configured")
	}
	endpoint, err := url.Parse(strings.TrimSpace(s.BaseURL))
	if err != nil {
		return "", fmt.Errorf("parse signaling url: %w", err)
	}
	if model := strings.TrimSpace(s.Model); model != "" {
		q := endpoint.Query()
		q.Set(defaultModelKey, model)
		endpoint.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(offerSDP))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+cred.Value)
	req.Header.Set("Content-Type", sdpContentType)

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return "", fmt.Errorf("read answer: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Status: resp.StatusCode, Body: string(body)}
	}
	return string(body), nil
}
