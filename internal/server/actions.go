package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/execution"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/runtime"
)

// ReasonManual is the trigger recorded when a user asks for re-evaluation
// without saying why.
const ReasonManual = "manual re-evaluation"

type ActionsHandler struct {
	Pipeline Pipeline
	Executor Executor
}

func (h *ActionsHandler) Register(g *echo.Group) {
	opp := g.Group("/opportunities/:id/actions")
	opp.POST("/generate", h.generate)
	opp.POST("/reevaluate", h.reevaluate)
	opp.POST("/cancel-open", h.cancelOpen)

	act := g.Group("/actions/:id")
	act.POST("/approve", h.approve)
	act.POST("/reject", h.reject)
	act.POST("/execute", h.execute)
}

// GenerateResponse lists the newly proposed actions.
type GenerateResponse struct {
	OpportunityID string               `json:"opportunity_id"`
	Actions       []crm.ProposedAction `json:"actions"`
}

// generate
//
//	@Summary	Propose new actions for an opportunity
//	@Tags		actions
//	@Security	BearerAuth
//	@Produce	json
//	@Param		id	path		string	true	"Opportunity ID"
//	@Success	200	{object}	GenerateResponse
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError
//	@Router		/api/opportunities/{id}/actions/generate [post]
func (h *ActionsHandler) generate(c echo.Context) error {
	id := c.Param("id")
	created, err := h.Pipeline.GenerateProposedActions(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if created == nil {
		created = []crm.ProposedAction{}
	}
	return c.JSON(http.StatusOK, GenerateResponse{OpportunityID: id, Actions: created})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// reevaluate
//
//	@Summary	Re-evaluate open actions and future events
//	@Tags		actions
//	@Security	BearerAuth
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string			true	"Opportunity ID"
//	@Param		payload	body		reasonRequest	false	"Trigger"
//	@Success	200		{object}	pipeline.Reevaluation
//	@Router		/api/opportunities/{id}/actions/reevaluate [post]
func (h *ActionsHandler) reevaluate(c echo.Context) error {
	var req reasonRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = ReasonManual
	}
	out, err := h.Pipeline.ReEvaluateActions(c.Request().Context(), c.Param("id"), reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *ActionsHandler) cancelOpen(c echo.Context) error {
	id := c.Param("id")
	n, err := h.Pipeline.CancelAllOpen(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"opportunity_id": id, "cancelled": n})
}

func (h *ActionsHandler) approve(c echo.Context) error {
	a, err := h.Executor.Approve(c.Request().Context(), c.Param("id"), actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *ActionsHandler) reject(c echo.Context) error {
	var req reasonRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	a, err := h.Executor.Reject(c.Request().Context(), c.Param("id"), actor(c), strings.TrimSpace(req.Reason))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

// ExecuteFailure is the 422 body: the error plus the partial result.
type ExecuteFailure struct {
	Error  string           `json:"error"`
	Result execution.Result `json:"result"`
}

// execute
//
//	@Summary	Execute an approved action
//	@Tags		actions
//	@Security	BearerAuth
//	@Produce	json
//	@Param		id	path		string	true	"Action ID"
//	@Success	200	{object}	execution.Result
//	@Failure	409	{object}	HTTPError
//	@Failure	422	{object}	ExecuteFailure
//	@Router		/api/actions/{id}/execute [post]
func (h *ActionsHandler) execute(c echo.Context) error {
	res, err := h.Executor.Execute(c.Request().Context(), c.Param("id"), actor(c))
	var execErr *crm.ExecutionError
	if errors.As(err, &execErr) {
		return c.JSON(http.StatusUnprocessableEntity, ExecuteFailure{Error: execErr.Error(), Result: res})
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func actor(c echo.Context) string {
	if sub, ok := runtime.SubjectFromContext(c.Request().Context()); ok {
		return sub
	}
	if v, ok := c.Get("user_id").(string); ok {
		return v
	}
	return ""
}
