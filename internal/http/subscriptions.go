package http

import (
	"net/http"
	"time"

	"github.com/jmehdipour/entitlements/internal/http/middleware"
	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/jmehdipour/entitlements/internal/subscription"
	"github.com/labstack/echo/v4"
)

// owned loads the subscription in the path and checks its customer belongs
// to the calling project.
func (h *handlers) owned(c echo.Context) (*model.Subscription, error) {
	projectID, _ := middleware.ProjectIDFromCtx(c)
	sub, err := h.app.Machine.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if err := h.app.Access.Authorize(c.Request().Context(), sub.CustomerID, projectID); err != nil {
		return nil, err
	}
	return sub, nil
}

func (h *handlers) createSubscription(c echo.Context) error {
	projectID, ok := middleware.ProjectIDFromCtx(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	var req subscription.CreateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "bad request")
	}
	ctx := c.Request().Context()
	if err := h.app.Access.Authorize(ctx, req.CustomerID, projectID); err != nil {
		return writeError(c, err)
	}

	sub, err := h.app.Machine.Create(ctx, req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, sub)
}

func (h *handlers) getSubscription(c echo.Context) error {
	sub, err := h.owned(c)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *handlers) createPhase(c echo.Context) error {
	var req subscription.PhaseRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "bad request")
	}
	sub, err := h.owned(c)
	if err != nil {
		return writeError(c, err)
	}
	if sub, err = h.app.Machine.CreatePhase(c.Request().Context(), sub.ID, req); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}

type changePlanReq struct {
	PlanVersionID string     `json:"plan_version_id"`
	At            *time.Time `json:"at,omitempty"`
}

func (h *handlers) changePlan(c echo.Context) error {
	var req changePlanReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "bad request")
	}
	sub, err := h.owned(c)
	if err != nil {
		return writeError(c, err)
	}
	if sub, err = h.app.Machine.ChangePhasePlan(c.Request().Context(), sub.ID, req.PlanVersionID, req.At); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}

type updatePhaseReq struct {
	Params map[string]string `json:"params"`
}

func (h *handlers) updatePhase(c echo.Context) error {
	var req updatePhaseReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "bad request")
	}
	sub, err := h.owned(c)
	if err != nil {
		return writeError(c, err)
	}
	if sub, err = h.app.Machine.UpdatePhase(c.Request().Context(), sub.ID, c.Param("phaseId"), req.Params); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *handlers) removePhase(c echo.Context) error {
	sub, err := h.owned(c)
	if err != nil {
		return writeError(c, err)
	}
	if sub, err = h.app.Machine.RemovePhase(c.Request().Context(), sub.ID, c.Param("phaseId")); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}

type cancelReq struct {
	At *time.Time `json:"at,omitempty"`
}

func (h *handlers) cancel(c echo.Context) error {
	var req cancelReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "bad request")
	}
	sub, err := h.owned(c)
	if err != nil {
		return writeError(c, err)
	}
	if sub, err = h.app.Machine.Cancel(c.Request().Context(), sub.ID, req.At); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}

type periodReq struct {
	PeriodStart time.Time            `json:"period_start"`
	PeriodEnd   time.Time            `json:"period_end"`
	Outcome     model.PaymentOutcome `json:"outcome,omitempty"`
}

func (r periodReq) period() model.Period {
	return model.Period{Start: r.PeriodStart, End: r.PeriodEnd}
}

func (h *handlers) invoice(c echo.Context) error {
	var req periodReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "bad request")
	}
	sub, err := h.owned(c)
	if err != nil {
		return writeError(c, err)
	}
	inv, err := h.app.Machine.Invoice(c.Request().Context(), sub.ID, req.period())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *handlers) recordPayment(c echo.Context) error {
	var req periodReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "bad request")
	}
	if !req.Outcome.Valid() {
		return badRequest(c, "outcome must be paid or failed")
	}
	sub, err := h.owned(c)
	if err != nil {
		return writeError(c, err)
	}
	if sub, err = h.app.Machine.RecordPayment(c.Request().Context(), sub.ID, req.period(), req.Outcome); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}
