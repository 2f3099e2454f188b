package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/vango-go/vai-rtc/internal/envconf"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

// Config is the key server configuration. The upstream API key never leaves
// this process; callers only ever see the ephemeral credential.
type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the key server is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Upstream realtime API.
	UpstreamBaseURL string
	UpstreamAPIKey  string
	Model           string
	Voice           string

	// In-memory limits (per client).
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration

	// Upstream HTTP client defaults
	UpstreamConnectTimeout        time.Duration
	UpstreamResponseHeaderTimeout time.Duration
	UpstreamTimeout               time.Duration
}

func LoadFromEnv() (Config, error) {
	env := envconf.New()
	cfg := Config{
		Addr:                          env.String("VAI_KEYSERVER_ADDR", "127.0.0.1:8000"),
		AuthMode:                      AuthMode(strings.ToLower(env.String("VAI_KEYSERVER_AUTH_MODE", string(AuthModeDisabled)))),
		APIKeys:                       env.Set("VAI_KEYSERVER_API_KEYS"),
		TrustProxyHeaders:             env.Bool("VAI_KEYSERVER_TRUST_PROXY_HEADERS", false),
		CORSAllowedOrigins:            env.Set("VAI_KEYSERVER_CORS_ORIGINS"),
		UpstreamBaseURL:               strings.TrimRight(env.String("VAI_KEYSERVER_UPSTREAM_BASE_URL", "https://api.openai.com/v1"), "/"),
		UpstreamAPIKey:                env.String("VAI_KEYSERVER_OPENAI_API_KEY", env.String("OPENAI_API_KEY", "")),
		Model:                         env.String("VAI_KEYSERVER_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		Voice:                         env.String("VAI_KEYSERVER_VOICE", "verse"),
		LimitRPS:                      env.Float("VAI_KEYSERVER_RATE_LIMIT_RPS", 1.0),
		LimitBurst:                    env.Int("VAI_KEYSERVER_RATE_LIMIT_BURST", 5),
		LimitMaxConcurrentRequests:    env.Int("VAI_KEYSERVER_MAX_CONCURRENT_REQUESTS", 4),
		ReadHeaderTimeout:             env.Duration("VAI_KEYSERVER_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                   env.Duration("VAI_KEYSERVER_READ_TIMEOUT", 30*time.Second),
		HandlerTimeout:                env.Duration("VAI_KEYSERVER_TOTAL_REQUEST_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:           env.Duration("VAI_KEYSERVER_SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		UpstreamConnectTimeout:        env.Duration("VAI_KEYSERVER_CONNECT_TIMEOUT", 5*time.Second),
		UpstreamResponseHeaderTimeout: env.Duration("VAI_KEYSERVER_RESPONSE_HEADER_TIMEOUT", 15*time.Second),
		UpstreamTimeout:               env.Duration("VAI_KEYSERVER_UPSTREAM_TIMEOUT", 20*time.Second),
	}
	if err := env.Err(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting by its environment name.
func (cfg Config) Validate() error {
	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return fmt.Errorf("VAI_KEYSERVER_AUTH_MODE must be one of required|optional|disabled, got %q", cfg.AuthMode)
	}
	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return fmt.Errorf("VAI_KEYSERVER_API_KEYS must be set when VAI_KEYSERVER_AUTH_MODE=required")
	}
	if strings.TrimSpace(cfg.UpstreamAPIKey) == "" {
		return fmt.Errorf("VAI_KEYSERVER_OPENAI_API_KEY (or OPENAI_API_KEY) must be set")
	}
	if _, err := url.ParseRequestURI(cfg.UpstreamBaseURL); err != nil {
		return fmt.Errorf("VAI_KEYSERVER_UPSTREAM_BASE_URL must be a valid URL: %w", err)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return fmt.Errorf("VAI_KEYSERVER_MODEL must not be empty")
	}

	timeouts := []struct {
		env string
		d   time.Duration
	}{
		{"VAI_KEYSERVER_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout},
		{"VAI_KEYSERVER_READ_TIMEOUT", cfg.ReadTimeout},
		{"VAI_KEYSERVER_TOTAL_REQUEST_TIMEOUT", cfg.HandlerTimeout},
		{"VAI_KEYSERVER_SHUTDOWN_GRACE_PERIOD", cfg.ShutdownGracePeriod},
		{"VAI_KEYSERVER_CONNECT_TIMEOUT", cfg.UpstreamConnectTimeout},
		{"VAI_KEYSERVER_RESPONSE_HEADER_TIMEOUT", cfg.UpstreamResponseHeaderTimeout},
		{"VAI_KEYSERVER_UPSTREAM_TIMEOUT", cfg.UpstreamTimeout},
	}
	for _, t := range timeouts {
		if t.d <= 0 {
			return fmt.Errorf("%s must be > 0", t.env)
		}
	}

	// Zero disables the corresponding limit.
	switch {
	case cfg.LimitRPS < 0:
		return fmt.Errorf("VAI_KEYSERVER_RATE_LIMIT_RPS must be >= 0")
	case cfg.LimitBurst < 0:
		return fmt.Errorf("VAI_KEYSERVER_RATE_LIMIT_BURST must be >= 0")
	case cfg.LimitMaxConcurrentRequests < 0:
		return fmt.Errorf("VAI_KEYSERVER_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	return nil
}
