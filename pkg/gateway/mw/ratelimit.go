package mw

import (
	"net/http"
	"time"

	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/gateway/apierror"
	"github.com/vango-go/vai-rtc/pkg/gateway/auth"
	"github.com/vango-go/vai-rtc/pkg/gateway/ratelimit"
)

// RateLimit throttles per caller: by API key when one was presented,
// otherwise by client address. It must run inside Auth.
func RateLimit(limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		dec := limiter.AcquireRequest(callerKey(r), time.Now())
		if !dec.Allowed {
			e := core.NewRateLimitError("rate limit exceeded", dec.RetryAfter)
			e.RequestID, _ = RequestIDFrom(r.Context())
			apierror.Write(w, http.StatusTooManyRequests, e)
			return
		}
		defer dec.Permit.Release()
		next.ServeHTTP(w, r)
	})
}

func callerKey(r *http.Request) string {
	p, ok := auth.PrincipalFrom(r.Context())
	switch {
	case !ok:
		return ""
	case p.APIKey != "":
		return ratelimit.KeyFromAPIKey(p.APIKey)
	case p.Client != "":
		return ratelimit.KeyFromClient(p.Client)
	default:
		return ""
	}
}
