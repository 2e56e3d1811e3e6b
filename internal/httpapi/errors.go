package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/stefanpenner/vln-bench/internal/logger"
	"github.com/stefanpenner/vln-bench/internal/metrics"
	"github.com/stefanpenner/vln-bench/internal/session"
)

// errorBody is the JSON envelope every failed request returns.
type errorBody struct {
	ErrorKind string `json:"error_kind"`
	Detail    string `json:"detail"`
}

// statusFor maps the engine's error taxonomy onto HTTP status codes.
func statusFor(kind session.ErrorKind) int {
	switch kind {
	case session.KindBadTask, session.KindActionInvalid, session.KindRotationInvalid:
		return http.StatusBadRequest
	case session.KindSessionTerminated:
		return http.StatusConflict
	case session.KindNotFound:
		return http.StatusNotFound
	case session.KindCacheMissMeta, session.KindCacheMissImage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError renders err as the {error_kind, detail} envelope. Errors
// outside the taxonomy are logged server-side and surfaced as
// internal_error without leaking detail.
func respondError(c echo.Context, err error) error {
	kind := session.KindOf(err)
	metrics.ErrorsByKind.WithLabelValues(string(kind)).Inc()

	body := errorBody{ErrorKind: string(kind)}
	var e *session.Error
	if errors.As(err, &e) {
		body.Detail = e.Detail
	} else {
		logger.Error(err, "internal error on %s: %v", c.Path(), err)
	}
	return c.JSON(statusFor(kind), body)
}
