// Package upstream talks to the realtime API on behalf of the key server.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const maxResponseBytes = 1 << 20

// ErrMissingClientSecret is returned when a 2xx response carries no
// client_secret.
var ErrMissingClientSecret = errors.New("upstream response has no client_secret")

// SessionRequest is the body of POST /realtime/sessions.
type SessionRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
}

// StatusError is a non-2xx upstream response. Body is the decoded JSON when
// possible and the raw text otherwise.
type StatusError struct {
	Status int
	Body   any
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Status)
}

// SessionIssuer creates ephemeral realtime sessions.
type SessionIssuer interface {
	CreateSession(ctx context.Context, req SessionRequest) (json.RawMessage, error)
}

// RealtimeClient issues sessions with a server-held API key.
type RealtimeClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// CreateSession returns the upstream JSON body untouched so callers see
// client_secret.value and client_secret.expires_at exactly as issued.
func (c *RealtimeClient) CreateSession(ctx context.Context, req SessionRequest) (json.RawMessage, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/realtime/sessions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Status: resp.StatusCode, Body: decodeBody(body)}
	}
	if !gjson.ValidBytes(body) || !gjson.GetBytes(body, "client_secret").Exists() {
		return nil, ErrMissingClientSecret
	}
	return json.RawMessage(body), nil
}

func decodeBody(body []byte) any {
	if gjson.ValidBytes(body) {
		if errObj := gjson.GetBytes(body, "error"); errObj.Exists() {
			return errObj.Value()
		}
		return gjson.ParseBytes(body).Value()
	}
	return strings.TrimSpace(string(body))
}
