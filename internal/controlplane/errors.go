package controlplane

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fentz26/relay/internal/api"
	"github.com/fentz26/relay/internal/models"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidSpec), errors.Is(err, models.ErrConflictingDemand):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnknownRun), errors.Is(err, models.ErrUnknownRunner), errors.Is(err, models.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, models.ErrRunnerConflict), errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// httpError converts a service error into an echo error.
func httpError(err error) error {
	return echo.NewHTTPError(statusFor(err), err.Error()).SetInternal(err)
}

// errorHandler renders errors as {"error": "..."}.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, api.ErrorResponse{Error: msg})
}
