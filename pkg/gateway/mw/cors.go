package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-rtc/pkg/gateway/config"
)

// corsPolicy answers browser clients on allowlisted origins. An empty
// allowlist disables CORS entirely.
type corsPolicy struct {
	origins map[string]struct{}
}

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Authorization, Content-Type, X-Request-ID"
	corsExposed = "X-Request-ID, Retry-After"
	corsMaxAge  = "600"
)

func (p corsPolicy) allows(origin string) bool {
	if origin == "" || len(p.origins) == 0 {
		return false
	}
	_, ok := p.origins[origin]
	return ok
}

func (p corsPolicy) preflight(w http.ResponseWriter, origin string) {
	if !p.allows(origin) {
		http.Error(w, "cors preflight not allowed", http.StatusForbidden)
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
	h.Set("Access-Control-Allow-Methods", corsMethods)
	h.Set("Access-Control-Allow-Headers", corsHeaders)
	h.Set("Access-Control-Max-Age", corsMaxAge)
	w.WriteHeader(http.StatusNoContent)
}

func (p corsPolicy) decorate(w http.ResponseWriter, origin string) {
	if !p.allows(origin) {
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
	h.Set("Access-Control-Expose-Headers", corsExposed)
}

// CORS lets a browser on an allowlisted origin fetch credentials. Preflights
// are answered here and never reach next.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	policy := corsPolicy{origins: cfg.CORSAllowedOrigins}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			policy.preflight(w, origin)
			return
		}
		policy.decorate(w, origin)
		next.ServeHTTP(w, r)
	})
}
