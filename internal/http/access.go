package http

import (
	"net/http"
	"strings"

	"github.com/jmehdipour/entitlements/internal/app"
	"github.com/jmehdipour/entitlements/internal/cache"
	"github.com/jmehdipour/entitlements/internal/http/middleware"
	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/labstack/echo/v4"
)

type handlers struct {
	app *app.App
}

type checkReq struct {
	CustomerID  string `json:"customer_id"`
	FeatureSlug string `json:"feature_slug"`
	SkipCache   bool   `json:"skip_cache"`
}

func (h *handlers) checkEntitlement(c echo.Context) error {
	projectID, ok := middleware.ProjectIDFromCtx(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	var req checkReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "bad request")
	}

	d, err := h.app.Access.CheckEntitlement(c.Request().Context(),
		strings.TrimSpace(req.CustomerID), projectID, strings.TrimSpace(req.FeatureSlug),
		cache.ReadOptions{SkipCache: req.SkipCache})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

type usageReq struct {
	CustomerID     string `json:"customer_id"`
	FeatureSlug    string `json:"feature_slug"`
	Quantity       int64  `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *handlers) reportUsage(c echo.Context) error {
	projectID, ok := middleware.ProjectIDFromCtx(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	var req usageReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "bad request")
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.Request().Header.Get("Idempotency-Key")
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if len(req.IdempotencyKey) > 256 {
		return badRequest(c, "idempotency key too long")
	}

	out, err := h.app.Access.ReportUsage(c.Request().Context(),
		strings.TrimSpace(req.CustomerID), projectID, strings.TrimSpace(req.FeatureSlug),
		req.Quantity, req.IdempotencyKey)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *handlers) updateACL(c echo.Context) error {
	projectID, ok := middleware.ProjectIDFromCtx(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	var upd model.ACLUpdate
	if err := c.Bind(&upd); err != nil {
		return badRequest(c, "bad request")
	}

	acl, err := h.app.Access.UpdateACL(c.Request().Context(), c.Param("id"), projectID, upd)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, acl)
}

func (h *handlers) prewarm(c echo.Context) error {
	projectID, ok := middleware.ProjectIDFromCtx(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	if err := h.app.Access.PrewarmEntitlements(c.Request().Context(), c.Param("id"), projectID); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]any{"prewarmed": true, "customer_id": c.Param("id")})
}
