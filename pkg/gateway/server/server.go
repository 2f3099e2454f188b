package server

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vango-go/vai-rtc/pkg/gateway/config"
	"github.com/vango-go/vai-rtc/pkg/gateway/handlers"
	"github.com/vango-go/vai-rtc/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-rtc/pkg/gateway/mw"
	"github.com/vango-go/vai-rtc/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-rtc/pkg/gateway/upstream"
	"github.com/vango-go/vai-rtc/pkg/rtc/metrics"
)

// Server is the credential issuing endpoint.
type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	mux       *http.ServeMux
	metrics   *metrics.Metrics
	lifecycle *lifecycle.Lifecycle

	issuer  upstream.SessionIssuer
	limiter *ratelimit.Limiter
}

type Option func(*Server)

// WithIssuer replaces the upstream client, mainly for tests.
func WithIssuer(issuer upstream.SessionIssuer) Option {
	return func(s *Server) { s.issuer = issuer }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		lifecycle: &lifecycle.Lifecycle{},
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                   cfg.LimitRPS,
			Burst:                 cfg.LimitBurst,
			MaxConcurrentRequests: cfg.LimitMaxConcurrentRequests,
		}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.issuer == nil {
		s.issuer = &upstream.RealtimeClient{
			BaseURL:    cfg.UpstreamBaseURL,
			APIKey:     cfg.UpstreamAPIKey,
			HTTPClient: upstreamHTTPClient(cfg),
		}
	}
	if s.metrics == nil {
		s.metrics = metrics.New("")
	}

	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})
	s.mux.Handle("/metrics", s.metrics.Handler())
	s.mux.Handle("/create-realtime-key", handlers.RealtimeKeyHandler{
		Config:    s.cfg,
		Issuer:    s.issuer,
		Logger:    s.logger,
		Metrics:   s.metrics,
		Lifecycle: s.lifecycle,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})
	return s
}

// upstreamHTTPClient bounds the dial and the wait for response headers. The
// overall deadline comes from the request context.
func upstreamHTTPClient(cfg config.Config) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.UpstreamConnectTimeout, KeepAlive: 30 * time.Second}
	return &http.Client{Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          8,
		IdleConnTimeout:       60 * time.Second,
		TLSHandshakeTimeout:   cfg.UpstreamConnectTimeout,
		ResponseHeaderTimeout: cfg.UpstreamResponseHeaderTimeout,
	}}
}

// Lifecycle exposes draining control for graceful shutdown.
func (s *Server) Lifecycle() *lifecycle.Lifecycle { return s.lifecycle }

const timeoutBody = `{"error":{"type":"api_error","message":"request timed out","code":"handler_timeout"}}`

// Handler wraps the routes in middleware. The list runs outermost first.
func (s *Server) Handler() http.Handler {
	chain := []func(http.Handler) http.Handler{
		mw.RequestID,
		func(h http.Handler) http.Handler { return mw.AccessLog(s.logger, h) },
		func(h http.Handler) http.Handler { return mw.Recover(s.logger, h) },
		func(h http.Handler) http.Handler { return mw.CORS(s.cfg, h) },
		func(h http.Handler) http.Handler { return mw.Auth(s.cfg, h) },
		func(h http.Handler) http.Handler { return mw.RateLimit(s.limiter, h) },
	}
	h := http.TimeoutHandler(s.mux, s.cfg.HandlerTimeout, timeoutBody)
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}
	return h
}

// HTTPServer builds an http.Server with the configured timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
	}
}
