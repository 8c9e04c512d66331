package http

import (
	"errors"
	"net/http"

	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// writeError maps the core error taxonomy onto status codes.
func writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, apperr.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, apperr.ErrForbidden):
		return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, apperr.ErrConflict):
		return c.JSON(http.StatusConflict, map[string]any{"error": err.Error(), "retryable": true})
	case errors.Is(err, apperr.ErrUnavailable):
		log.Warnf("%s %s: %v", c.Request().Method, c.Path(), err)
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "temporarily unavailable", "retryable": true})
	default:
		log.Errorf("%s %s: %v", c.Request().Method, c.Path(), err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}
