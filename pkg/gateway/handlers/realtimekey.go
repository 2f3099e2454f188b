package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/gateway/apierror"
	"github.com/vango-go/vai-rtc/pkg/gateway/config"
	"github.com/vango-go/vai-rtc/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-rtc/pkg/gateway/mw"
	"github.com/vango-go/vai-rtc/pkg/gateway/upstream"
	"github.com/vango-go/vai-rtc/pkg/rtc/metrics"
)

// RealtimeKeyHandler issues one ephemeral realtime credential per request by
// creating an upstream session. The response body is the upstream JSON
// unchanged.
type RealtimeKeyHandler struct {
	Config    config.Config
	Issuer    upstream.SessionIssuer
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle
}

func (h RealtimeKeyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		h.writeError(w, reqID, &core.Error{
			Type:    core.ErrInvalidRequest,
			Message: "method not allowed",
		}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		w.Header().Set("Retry-After", "1")
		h.writeError(w, reqID, &core.Error{
			Type:    core.ErrAPI,
			Message: "server is shutting down",
			Code:    "draining",
		}, http.StatusServiceUnavailable)
		return
	}

	done := h.Lifecycle.Begin()
	defer done()

	ctx := r.Context()
	if h.Config.UpstreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Config.UpstreamTimeout)
		defer cancel()
	}

	start := time.Now()
	body, err := h.Issuer.CreateSession(ctx, upstream.SessionRequest{
		Model: h.Config.Model,
		Voice: h.Config.Voice,
	})
	if err != nil {
		coreErr, status := apierror.FromError(err, reqID)
		logger.Warn("realtime key request failed",
			"request_id", reqID,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		h.writeError(w, reqID, coreErr, status)
		return
	}

	h.Metrics.RecordKeyRequest(http.StatusOK)
	logger.Info("realtime key issued",
		"request_id", reqID,
		"model", h.Config.Model,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h RealtimeKeyHandler) writeError(w http.ResponseWriter, reqID string, coreErr *core.Error, status int) {
	h.Metrics.RecordKeyRequest(status)
	if coreErr.RequestID == "" {
		coreErr.RequestID = reqID
	}
	apierror.Write(w, status, coreErr)
}
