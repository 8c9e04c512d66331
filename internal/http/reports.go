package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/entitlements/internal/http/middleware"
	echo "github.com/labstack/echo/v4"
)

func (h *handlers) listUsage(c echo.Context) error {
	projectID, ok := middleware.ProjectIDFromCtx(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	customerID := strings.TrimSpace(c.QueryParam("customer_id"))
	if err := h.app.Access.Authorize(c.Request().Context(), customerID, projectID); err != nil {
		return writeError(c, err)
	}

	limit := 50
	offset := 0
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	var from, to time.Time
	if v := c.QueryParam("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return badRequest(c, "from must be RFC3339")
		}
		from = t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return badRequest(c, "to must be RFC3339")
		}
		to = t
	}

	rows, err := h.app.Repos.UsageFacts.ListByCustomer(
		c.Request().Context(),
		customerID,
		strings.TrimSpace(c.QueryParam("feature")),
		from,
		to,
		limit,
		offset,
	)
	if err != nil {
		c.Logger().Errorf("usage facts query failed: %v", err)

		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"limit":   limit,
		"offset":  offset,
		"count":   len(rows),
		"results": rows,
	})
}
