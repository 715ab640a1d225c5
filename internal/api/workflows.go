package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/auth"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/services"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/pkg/models"
)

// SetStatusRequest changes a version's review status. Version 0 means the
// latest version.
type SetStatusRequest struct {
	Status  models.WorkflowStatus `json:"status"`
	Version int                   `json:"version,omitempty"`
}

// WorkflowList is a page of workflows.
type WorkflowList struct {
	Workflows []*models.Workflow `json:"workflows"`
	Count     int                `json:"count"`
}

// GenerateWorkflow turns a prompt into version 1 of a new workflow.
// (POST /nl-ai-generator-async)
func (h *Handler) GenerateWorkflow(c echo.Context) error {
	if h.Workflows == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "workflow generation is not configured")
	}
	var req services.GenerateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("Invalid request body: " + err.Error())
	}
	if user := userID(c); user != "" {
		req.UserID = user
	}
	wf, err := h.Workflows.Generate(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, wf)
}

// ListWorkflows returns the latest version of each workflow.
// (GET /nl-ai-generator-async/workflows)
func (h *Handler) ListWorkflows(c echo.Context) error {
	if h.Workflows == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "workflow storage is not configured")
	}
	var chatID string
	if err := runtime.BindQueryParameter("form", true, false, "chat_id", c.QueryParams(), &chatID); err != nil {
		return badRequest("Invalid format for parameter chat_id: " + err.Error())
	}
	limit, err := bindLimit(c)
	if err != nil {
		return err
	}
	list, err := h.Workflows.List(c.Request().Context(), chatID, limit)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*models.Workflow{}
	}
	return c.JSON(http.StatusOK, WorkflowList{Workflows: list, Count: len(list)})
}

// GetWorkflow returns one version, the latest unless ?version= is given.
// (GET /nl-ai-generator-async/workflows/{workflow_id})
func (h *Handler) GetWorkflow(c echo.Context) error {
	if h.Workflows == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "workflow storage is not configured")
	}
	id, err := workflowIDParam(c)
	if err != nil {
		return err
	}
	var version int
	if err := runtime.BindQueryParameter("form", true, false, "version", c.QueryParams(), &version); err != nil {
		return badRequest("Invalid format for parameter version: " + err.Error())
	}
	wf, err := h.Workflows.Get(c.Request().Context(), id, version)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// UpdateWorkflow stores a new version.
// (PUT /nl-ai-generator-async/workflows/{workflow_id})
func (h *Handler) UpdateWorkflow(c echo.Context) error {
	if h.Workflows == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "workflow storage is not configured")
	}
	id, err := workflowIDParam(c)
	if err != nil {
		return err
	}
	var req services.UpdateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("Invalid request body: " + err.Error())
	}
	wf, err := h.Workflows.Update(c.Request().Context(), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// SetWorkflowStatus changes the review status of a version.
// (PUT /nl-ai-generator-async/workflows/{workflow_id}/status)
func (h *Handler) SetWorkflowStatus(c echo.Context) error {
	if h.Workflows == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "workflow storage is not configured")
	}
	id, err := workflowIDParam(c)
	if err != nil {
		return err
	}
	var req SetStatusRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("Invalid request body: " + err.Error())
	}
	wf, err := h.Workflows.SetStatus(c.Request().Context(), id, req.Version, req.Status)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

func workflowIDParam(c echo.Context) (string, error) {
	var id string
	if err := runtime.BindStyledParameterWithOptions("simple", "workflow_id", c.Param("workflow_id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true}); err != nil {
		return "", badRequest("Invalid format for parameter workflow_id: " + err.Error())
	}
	return id, nil
}

func userID(c echo.Context) string {
	if id, ok := auth.IdentityFromContext(c.Request().Context()); ok {
		return id.UserID()
	}
	return ""
}
