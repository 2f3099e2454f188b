package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-rtc/pkg/gateway/config"
	"github.com/vango-go/vai-rtc/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool     `json:"ok"`
		AuthMode      string   `json:"auth_mode"`
		CORSEnabled   bool     `json:"cors_enabled"`
		LimitsEnabled bool     `json:"limits_enabled"`
		InFlight      int64    `json:"in_flight"`
		Issues        []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	if h.Lifecycle.IsDraining() {
		issues = append(issues, "draining")
	}
	if err := h.Config.Validate(); err != nil {
		issues = append(issues, err.Error())
	}

	limitsEnabled := (h.Config.LimitRPS > 0 && h.Config.LimitBurst > 0) ||
		h.Config.LimitMaxConcurrentRequests > 0

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:            ok,
		AuthMode:      string(h.Config.AuthMode),
		CORSEnabled:   len(h.Config.CORSAllowedOrigins) > 0,
		LimitsEnabled: limitsEnabled,
		InFlight:      h.Lifecycle.InFlight(),
		Issues:        issues,
	})
}
