package mw

import (
	"net/http"

	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/gateway/apierror"
	"github.com/vango-go/vai-rtc/pkg/gateway/auth"
	"github.com/vango-go/vai-rtc/pkg/gateway/config"
)

// Auth puts a Principal on every request it lets through. The principal
// always carries the client address so anonymous callers can still be rate
// limited.
func Auth(cfg config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := &auth.Principal{Client: auth.ClientAddr(r, cfg.TrustProxyHeaders)}
		if status, err := authenticate(cfg, r, p); err != nil {
			err.RequestID, _ = RequestIDFrom(r.Context())
			apierror.Write(w, status, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// authenticate fills p.APIKey from a valid bearer token. It returns an error
// only when the request must be refused.
func authenticate(cfg config.Config, r *http.Request, p *auth.Principal) (int, *core.Error) {
	switch cfg.AuthMode {
	case config.AuthModeDisabled:
		return 0, nil
	case config.AuthModeOptional, config.AuthModeRequired:
	default:
		return http.StatusInternalServerError, core.Errorf(core.ErrAPI, "", "invalid auth_mode %q", cfg.AuthMode)
	}
	if isPublicPath(r.URL.Path) || r.Method == http.MethodOptions {
		return 0, nil
	}

	token, ok := auth.ParseBearer(r)
	if !ok {
		if cfg.AuthMode == config.AuthModeOptional {
			return 0, nil
		}
		e := core.Errorf(core.ErrAuthentication, "", "missing bearer token")
		e.Param = "Authorization"
		return http.StatusUnauthorized, e
	}
	if _, known := cfg.APIKeys[token]; !known {
		return http.StatusUnauthorized, core.Errorf(core.ErrAuthentication, "", "invalid api key")
	}
	p.APIKey = token
	return 0, nil
}

func isPublicPath(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}
