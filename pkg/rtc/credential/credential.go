// Package credential obtains short-lived access tokens for the realtime
// signaling exchange.
package credential

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/vango-go/vai-rtc/pkg/core"
)

// DefaultTTL is assumed when the issuing endpoint does not report an expiry.
const DefaultTTL = 60 * time.Second

const maxBodyBytes = 1 << 20

// Credential is an ephemeral access token. It is never persisted.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the credential is no longer usable at now.
func (c Credential) Expired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt)
}

// Redacted returns a log-safe representation of the token.
func (c Credential) Redacted() string {
	if len(c.Value) <= 8 {
		return "***"
	}
	return c.Value[:4] + "***"
}

// Source is anything that can produce a fresh credential.
type Source interface {
	Fetch(ctx context.Context) (Credential, error)
}

// Fetcher requests a credential from a trusted issuing endpoint over HTTP.
// It never caches: each call performs a new request.
type Fetcher struct {
	URL        string
	Method     string
	HTTPClient *http.Client
	Now        func() time.Time
}

// Fetch performs one request to the issuing endpoint. Every failure is a
// *core.CredentialFetchError; an expired ctx deadline reports core.ErrTimeout.
func (f *Fetcher) Fetch(ctx context.Context) (Credential, error) {
	if f == nil || strings.TrimSpace(f.URL) == "" {
		return Credential{}, &core.CredentialFetchError{Cause: errors.New("credential endpoint is not configured")}
	}
	method := strings.ToUpper(strings.TrimSpace(f.Method))
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return Credential{}, &core.CredentialFetchError{Cause: fmt.Errorf("unsupported method %q", method)}
	}
	client := f.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	now := f.Now
	if now == nil {
		now = time.Now
	}

	req, err := http.NewRequestWithContext(ctx, method, f.URL, nil)
	if err != nil {
		return Credential{}, &core.CredentialFetchError{Cause: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Credential{}, &core.CredentialFetchError{Cause: core.ErrTimeout}
		}
		return Credential{}, &core.CredentialFetchError{Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Credential{}, &core.CredentialFetchError{Cause: core.ErrTimeout}
		}
		return Credential{}, &core.CredentialFetchError{Status: resp.StatusCode, Cause: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Credential{}, &core.CredentialFetchError{Status: resp.StatusCode, Cause: errors.New("non-2xx response")}
	}

	cred, err := Parse(body, now())
	if err != nil {
		return Credential{}, &core.CredentialFetchError{Status: resp.StatusCode, Cause: err}
	}
	return cred, nil
}

// Parse extracts the token from an issuing endpoint body. Both
// {"client_secret":{"value":"..."}} and {"client_secret":"..."} are accepted.
func Parse(body []byte, now time.Time) (Credential, error) {
	if !gjson.ValidBytes(body) {
		return Credential{}, errors.New("malformed response body")
	}
	secret := gjson.GetBytes(body, "client_secret")
	var value string
	var expiresAt int64
	switch {
	case secret.IsObject():
		value = secret.Get("value").String()
		expiresAt = secret.Get("expires_at").Int()
	case secret.Type == gjson.String:
		value = secret.String()
		expiresAt = gjson.GetBytes(body, "expires_at").Int()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return Credential{}, errors.New("response has no client_secret value")
	}

	cred := Credential{Value: value, ExpiresAt: now.Add(DefaultTTL)}
	if expiresAt > 0 {
		cred.ExpiresAt = time.Unix(expiresAt, 0)
	}
	return cred, nil
}
