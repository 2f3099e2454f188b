package credential

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-go/vai-rtc/pkg/core"
)

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch_NestedValue(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"client_secret":{"value":"tok_123"}}`)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	f := &Fetcher{URL: srv.URL, Now: func() time.Time { return now }}
	cred, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if cred.Value != "tok_123" {
		t.Fatalf("value=%q", cred.Value)
	}
	if want := now.Add(DefaultTTL); !cred.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at=%v want %v", cred.ExpiresAt, want)
	}
}

func TestFetch_FlatValueAndExpiry(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"client_secret":"tok_flat","expires_at":1767225600}`)

	cred, err := (&Fetcher{URL: srv.URL}).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if cred.Value != "tok_flat" || cred.ExpiresAt.Unix() != 1767225600 {
		t.Fatalf("cred=%+v", cred)
	}
}

func TestFetch_NestedExpiry(t *testing.T) {
	cred, err := Parse([]byte(`{"client_secret":{"value":"tok","expires_at":1767225600}}`), time.Now())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cred.ExpiresAt.Unix() != 1767225600 {
		t.Fatalf("expires_at=%v", cred.ExpiresAt)
	}
	if !cred.Expired(time.Unix(1767225600, 0)) {
		t.Fatalf("expected expired at expires_at")
	}
	if cred.Expired(time.Unix(1767225599, 0)) {
		t.Fatalf("expected valid one second before expires_at")
	}
}

func TestFetch_Failures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"non 2xx", http.StatusInternalServerError, `{"error":"boom"}`},
		{"malformed body", http.StatusOK, `{"client_secret":`},
		{"missing secret", http.StatusOK, `{"token":"abc"}`},
		{"empty secret", http.StatusOK, `{"client_secret":{"value":"  "}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := serve(t, tc.status, tc.body)
			_, err := (&Fetcher{URL: srv.URL}).Fetch(context.Background())
			var credErr *core.CredentialFetchError
			if !errors.As(err, &credErr) {
				t.Fatalf("err=%v", err)
			}
			if credErr.Status != tc.status {
				t.Fatalf("status=%d", credErr.Status)
			}
		})
	}
}

func TestFetch_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := (&Fetcher{URL: url}).Fetch(context.Background())
	var credErr *core.CredentialFetchError
	if !errors.As(err, &credErr) {
		t.Fatalf("err=%v", err)
	}
}

func TestFetch_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := (&Fetcher{URL: srv.URL}).Fetch(ctx)
	var credErr *core.CredentialFetchError
	if !errors.As(err, &credErr) {
		t.Fatalf("err=%v", err)
	}
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestFetch_PostMethod(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		_, _ = w.Write([]byte(`{"client_secret":{"value":"tok_post"}}`))
	}))
	defer srv.Close()

	cred, err := (&Fetcher{URL: srv.URL, Method: "post"}).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Fatalf("method=%q", gotMethod)
	}
	if cred.Value != "tok_post" {
		t.Fatalf("value=%q", cred.Value)
	}
}

func TestCredential_Redacted(t *testing.T) {
	if got := (Credential{Value: "ek_abcdef123"}).Redacted(); got != "ek_a***" {
		t.Fatalf("Redacted=%q", got)
	}
	if got := (Credential{Value: "short"}).Redacted(); got != "***" {
		t.Fatalf("Redacted=%q", got)
	}
}
