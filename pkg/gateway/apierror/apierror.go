// Package apierror turns failures into the key server's canonical
// {"error": {...}} response.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/gateway/upstream"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

// Write sends err as the canonical envelope with the given status.
func Write(w http.ResponseWriter, status int, err *core.Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err != nil && err.RetryAfter != nil && w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", strconv.Itoa(*err.RetryAfter))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: err})
}

// FromError classifies err. Details of unrecognised failures are never
// exposed to the caller.
func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	var (
		out       *core.Error
		status    int
		coreErr   *core.Error
		statusErr *upstream.StatusError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out = core.Errorf(core.ErrUpstream, "upstream_timeout", "upstream request timed out")
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		out = core.Errorf(core.ErrAPI, "cancelled", "request cancelled")
		status = http.StatusRequestTimeout
	case errors.As(err, &coreErr) && coreErr != nil:
		cp := *coreErr
		out, status = &cp, coreErr.Type.Status()
	case errors.As(err, &statusErr) && statusErr != nil:
		out = core.NewUpstreamError(statusErr.Status, statusErr.Body)
		status = http.StatusBadGateway
	case errors.Is(err, upstream.ErrMissingClientSecret):
		out = core.Errorf(core.ErrUpstream, "missing_client_secret", "%s", err.Error())
		status = http.StatusBadGateway
	default:
		out = core.Errorf(core.ErrAPI, "", "internal error")
		status = http.StatusInternalServerError
	}
	out.RequestID = requestID
	return out, status
}
