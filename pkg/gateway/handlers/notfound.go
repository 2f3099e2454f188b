package handlers

import (
	"net/http"

	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/gateway/apierror"
	"github.com/vango-go/vai-rtc/pkg/gateway/mw"
)

// NotFoundHandler answers unknown routes with the JSON envelope instead of
// net/http's plain text.
type NotFoundHandler struct{}

func (NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e := core.Errorf(core.ErrNotFound, "", "no route for %s %s", r.Method, r.URL.Path)
	e.RequestID, _ = mw.RequestIDFrom(r.Context())
	apierror.Write(w, http.StatusNotFound, e)
}
