package config

import (
	"strings"
	"testing"
	"time"
)

var keyServerEnvKeys = []string{
	"VAI_KEYSERVER_ADDR",
	"VAI_KEYSERVER_AUTH_MODE",
	"VAI_KEYSERVER_API_KEYS",
	"VAI_KEYSERVER_TRUST_PROXY_HEADERS",
	"VAI_KEYSERVER_CORS_ORIGINS",
	"VAI_KEYSERVER_UPSTREAM_BASE_URL",
	"VAI_KEYSERVER_OPENAI_API_KEY",
	"VAI_KEYSERVER_MODEL",
	"VAI_KEYSERVER_VOICE",
	"VAI_KEYSERVER_RATE_LIMIT_RPS",
	"VAI_KEYSERVER_RATE_LIMIT_BURST",
	"VAI_KEYSERVER_MAX_CONCURRENT_REQUESTS",
	"VAI_KEYSERVER_READ_HEADER_TIMEOUT",
	"VAI_KEYSERVER_READ_TIMEOUT",
	"VAI_KEYSERVER_TOTAL_REQUEST_TIMEOUT",
	"VAI_KEYSERVER_SHUTDOWN_GRACE_PERIOD",
	"VAI_KEYSERVER_CONNECT_TIMEOUT",
	"VAI_KEYSERVER_RESPONSE_HEADER_TIMEOUT",
	"VAI_KEYSERVER_UPSTREAM_TIMEOUT",
	"OPENAI_API_KEY",
}

func clearKeyServerEnv(t *testing.T) {
	t.Helper()
	for _, key := range keyServerEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearKeyServerEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != "127.0.0.1:8000" {
		t.Fatalf("Addr=%q", cfg.Addr)
	}
	if cfg.AuthMode != AuthModeDisabled {
		t.Fatalf("AuthMode=%q", cfg.AuthMode)
	}
	if cfg.UpstreamAPIKey != "sk-test" {
		t.Fatalf("UpstreamAPIKey not taken from OPENAI_API_KEY")
	}
	if cfg.UpstreamBaseURL != "https://api.openai.com/v1" {
		t.Fatalf("UpstreamBaseURL=%q", cfg.UpstreamBaseURL)
	}
	if cfg.LimitRPS != 1.0 || cfg.LimitBurst != 5 {
		t.Fatalf("limits=%v/%d", cfg.LimitRPS, cfg.LimitBurst)
	}
	if cfg.UpstreamTimeout != 20*time.Second {
		t.Fatalf("UpstreamTimeout=%v", cfg.UpstreamTimeout)
	}
	if len(cfg.CORSAllowedOrigins) != 0 {
		t.Fatalf("CORS should be disabled by default")
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearKeyServerEnv(t)
	t.Setenv("VAI_KEYSERVER_OPENAI_API_KEY", "sk-explicit")
	t.Setenv("OPENAI_API_KEY", "sk-fallback")
	t.Setenv("VAI_KEYSERVER_UPSTREAM_BASE_URL", "http://localhost:9999/v1/")
	t.Setenv("VAI_KEYSERVER_CORS_ORIGINS", "http://localhost:3000, https://app.example.com")
	t.Setenv("VAI_KEYSERVER_AUTH_MODE", "required")
	t.Setenv("VAI_KEYSERVER_API_KEYS", "k1,k2")
	t.Setenv("VAI_KEYSERVER_UPSTREAM_TIMEOUT", "3s")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.UpstreamAPIKey != "sk-explicit" {
		t.Fatalf("UpstreamAPIKey=%q", cfg.UpstreamAPIKey)
	}
	if cfg.UpstreamBaseURL != "http://localhost:9999/v1" {
		t.Fatalf("UpstreamBaseURL=%q", cfg.UpstreamBaseURL)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("CORSAllowedOrigins=%v", cfg.CORSAllowedOrigins)
	}
	if _, ok := cfg.APIKeys["k2"]; !ok {
		t.Fatalf("APIKeys=%v", cfg.APIKeys)
	}
	if cfg.UpstreamTimeout != 3*time.Second {
		t.Fatalf("UpstreamTimeout=%v", cfg.UpstreamTimeout)
	}
}

func TestLoadFromEnv_MissingUpstreamKey(t *testing.T) {
	clearKeyServerEnv(t)
	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Fatalf("err=%v", err)
	}
}

func TestLoadFromEnv_RequiredAuthNeedsKeys(t *testing.T) {
	clearKeyServerEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("VAI_KEYSERVER_AUTH_MODE", "required")
	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "VAI_KEYSERVER_API_KEYS") {
		t.Fatalf("err=%v", err)
	}
}

func TestLoadFromEnv_InvalidValues(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"VAI_KEYSERVER_AUTH_MODE", "sometimes", "VAI_KEYSERVER_AUTH_MODE"},
		{"VAI_KEYSERVER_UPSTREAM_BASE_URL", "not a url", "VAI_KEYSERVER_UPSTREAM_BASE_URL"},
		{"VAI_KEYSERVER_RATE_LIMIT_RPS", "-1", "VAI_KEYSERVER_RATE_LIMIT_RPS"},
		{"VAI_KEYSERVER_UPSTREAM_TIMEOUT", "-2s", "VAI_KEYSERVER_UPSTREAM_TIMEOUT"},
		{"VAI_KEYSERVER_MAX_CONCURRENT_REQUESTS", "-3", "VAI_KEYSERVER_MAX_CONCURRENT_REQUESTS"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			clearKeyServerEnv(t)
			t.Setenv("OPENAI_API_KEY", "sk-test")
			t.Setenv(tc.key, tc.value)
			_, err := LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestLoadFromEnv_ReportsUnparseableValues(t *testing.T) {
	clearKeyServerEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("VAI_KEYSERVER_TRUST_PROXY_HEADERS", "maybe")
	t.Setenv("VAI_KEYSERVER_RATE_LIMIT_BURST", "lots")

	_, err := LoadFromEnv()
	if err == nil {
		t.Fatalf("expected an error")
	}
	for _, key := range []string{"VAI_KEYSERVER_TRUST_PROXY_HEADERS", "VAI_KEYSERVER_RATE_LIMIT_BURST"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("err=%v, want mention of %s", err, key)
		}
	}
}

func TestLoadFromEnv_TrustProxyHeaders(t *testing.T) {
	clearKeyServerEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("VAI_KEYSERVER_TRUST_PROXY_HEADERS", "yes")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if !cfg.TrustProxyHeaders {
		t.Fatalf("expected yes to enable TrustProxyHeaders")
	}
}
