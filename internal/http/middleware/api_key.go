package middleware

import (
	"net/http"
	"strings"

	"github.com/jmehdipour/entitlements/internal/repository"
	echo "github.com/labstack/echo/v4"
)

const (
	ctxProjectID  = "project_id"
	ctxProjectRPS = "project_rps"
)

// ProjectIDFromCtx extracts the authenticated project_id set by APIKeyMiddleware.
func ProjectIDFromCtx(c echo.Context) (string, bool) {
	id, ok := c.Get(ctxProjectID).(string)
	return id, ok && id != ""
}

// APIKeyMiddleware authenticates requests using X-API-Key header.
// On success it stores project_id in context and blocks suspended projects.
func APIKeyMiddleware(projects repository.ProjectsRepository) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			p, err := projects.GetByAPIKey(c.Request().Context(), key)
			if err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "auth error", "retryable": true})
			}
			if p == nil || p.Status != "active" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			c.Set(ctxProjectID, p.ID)
			if p.RateLimitRPS != nil {
				c.Set(ctxProjectRPS, *p.RateLimitRPS)
			}
			return next(c)
		}
	}
}
