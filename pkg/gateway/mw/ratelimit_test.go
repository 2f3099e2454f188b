package mw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vango-go/vai-rtc/pkg/gateway/config"
	"github.com/vango-go/vai-rtc/pkg/gateway/ratelimit"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, method, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func limited(lim *ratelimit.Limiter, next http.Handler) http.Handler {
	return Auth(config.Config{AuthMode: config.AuthModeDisabled}, RateLimit(lim, next))
}

func TestRateLimit_DeniesPastBurst(t *testing.T) {
	h := limited(ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1}), okHandler)

	if rr := serve(h, http.MethodGet, "/create-realtime-key", ""); rr.Code != http.StatusOK {
		t.Fatalf("first status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr := serve(h, http.MethodGet, "/create-realtime-key", "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second status=%d body=%q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After=%q", rr.Header().Get("Retry-After"))
	}
	if !strings.Contains(rr.Body.String(), `"type":"rate_limit_error"`) {
		t.Fatalf("body=%q", rr.Body.String())
	}

	if rr := serve(h, http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Fatalf("healthz status=%d, health checks must not be limited", rr.Code)
	}
}

func TestRateLimit_SeparateBucketPerAddress(t *testing.T) {
	h := limited(ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1}), okHandler)
	for _, addr := range []string{"10.0.0.1:1000", "10.0.0.2:1000"} {
		if rr := serve(h, http.MethodGet, "/create-realtime-key", addr); rr.Code != http.StatusOK {
			t.Fatalf("addr=%s status=%d", addr, rr.Code)
		}
	}
}

func TestRateLimit_InFlightCap(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	})
	h := RateLimit(ratelimit.New(ratelimit.Config{MaxConcurrentRequests: 1}), slow)

	first := make(chan int, 1)
	go func() { first <- serve(h, http.MethodPost, "/create-realtime-key", "").Code }()
	<-entered

	if rr := serve(h, http.MethodPost, "/create-realtime-key", ""); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("overlapping request status=%d", rr.Code)
	}
	close(release)
	if code := <-first; code != http.StatusOK {
		t.Fatalf("first status=%d", code)
	}
}

func TestRateLimit_NilLimiterPassesThrough(t *testing.T) {
	if rr := serve(RateLimit(nil, okHandler), http.MethodGet, "/create-realtime-key", ""); rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
}
