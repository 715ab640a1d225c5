package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crew"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crewspec"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/scheduler"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/status"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/pkg/models"
)

// RunEphemeralRequest carries an inline crew definition. Spec is the same
// definition as a JSON object; YAML wins when both are set.
type RunEphemeralRequest struct {
	YAML   string          `json:"yaml,omitempty"`
	Spec   json.RawMessage `json:"spec,omitempty"`
	Inputs map[string]any  `json:"inputs,omitempty"`
}

// StartCrewRequest names a stored workflow to run.
type StartCrewRequest struct {
	WorkflowID *string        `json:"workflow_id,omitempty"`
	Version    int            `json:"version,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
}

// StartResponse acknowledges a dispatched execution.
type StartResponse struct {
	ExecutionID string                 `json:"execution_id"`
	Status      models.ExecutionStatus `json:"status"`
	Message     string                 `json:"message,omitempty"`
}

// ExecutionList is a page of executions.
type ExecutionList struct {
	Executions []status.View `json:"executions"`
	Count      int           `json:"count"`
}

// RunEphemeral compiles an inline crew and runs it without durable storage.
// (POST /ephemeral/run-crew-async)
func (h *Handler) RunEphemeral(c echo.Context) error {
	var req RunEphemeralRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("Invalid request body: " + err.Error())
	}

	source := []byte(req.YAML)
	if len(source) == 0 {
		// JSON is valid YAML
		source = req.Spec
	}
	if len(source) == 0 {
		return &crewspec.ValidationError{Problems: []string{"yaml or spec is required"}}
	}

	ctx := c.Request().Context()
	pipeline, err := h.Compiler.CompileYAML(ctx, source)
	if err != nil {
		return err
	}
	id, err := h.Scheduler.Start(ctx, pipeline, scheduler.StartOptions{
		Inputs:   req.Inputs,
		Metadata: h.requestMetadata(c, pipeline),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, StartResponse{ExecutionID: id, Status: models.ExecutionProcessing})
}

// StartCrew runs a stored workflow, or the default crew, with durable
// tracking.
// (POST /crew/start)
func (h *Handler) StartCrew(c echo.Context) error {
	var req StartCrewRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest("Invalid request body: " + err.Error())
		}
	}

	ctx := c.Request().Context()
	var (
		pipeline *crew.Pipeline
		err      error
		message  = "default crew started"
	)
	if req.WorkflowID != nil && *req.WorkflowID != "" {
		if h.Workflows == nil {
			return echo.NewHTTPError(http.StatusNotImplemented, "workflow storage is not configured")
		}
		wf, spec, serr := h.Workflows.Spec(ctx, *req.WorkflowID, req.Version)
		if serr != nil {
			return serr
		}
		pipeline, err = h.Compiler.Compile(ctx, spec)
		message = "workflow " + wf.WorkflowID + " version " + strconv.Itoa(wf.Version) + " started"
	} else {
		if len(h.DefaultCrew) == 0 {
			return &crewspec.ValidationError{Problems: []string{"workflow_id is required: no default crew is configured"}}
		}
		req.WorkflowID = nil
		pipeline, err = h.Compiler.CompileYAML(ctx, h.DefaultCrew)
	}
	if err != nil {
		return err
	}

	meta := h.requestMetadata(c, pipeline)
	if req.Version > 0 {
		meta["version"] = req.Version
	}
	id, err := h.Scheduler.Start(ctx, pipeline, scheduler.StartOptions{
		Persist:    true,
		WorkflowID: req.WorkflowID,
		Inputs:     req.Inputs,
		Metadata:   meta,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, StartResponse{
		ExecutionID: id,
		Status:      models.ExecutionProcessing,
		Message:     message,
	})
}

// GetStatus returns one execution.
// (GET /crew/status/{execution_id})
func (h *Handler) GetStatus(c echo.Context) error {
	var id string
	if err := runtime.BindStyledParameterWithOptions("simple", "execution_id", c.Param("execution_id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true}); err != nil {
		return badRequest("Invalid format for parameter execution_id: " + err.Error())
	}
	view, err := h.Scheduler.Queries().Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// ListExecutions returns recent executions.
// (GET /crew/executions)
func (h *Handler) ListExecutions(c echo.Context) error {
	limit, err := bindLimit(c)
	if err != nil {
		return err
	}
	views, err := h.Scheduler.Queries().List(c.Request().Context(), limit, nil)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ExecutionList{Executions: views, Count: len(views)})
}

// ListWorkflowExecutions returns recent executions of one workflow.
// (GET /crew/executions/workflow/{workflow_id})
func (h *Handler) ListWorkflowExecutions(c echo.Context) error {
	var workflowID string
	if err := runtime.BindStyledParameterWithOptions("simple", "workflow_id", c.Param("workflow_id"), &workflowID,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true}); err != nil {
		return badRequest("Invalid format for parameter workflow_id: " + err.Error())
	}
	limit, err := bindLimit(c)
	if err != nil {
		return err
	}
	views, err := h.Scheduler.Queries().List(c.Request().Context(), limit, &workflowID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ExecutionList{Executions: views, Count: len(views)})
}

func bindLimit(c echo.Context) (int, error) {
	var limit *int
	if err := runtime.BindQueryParameter("form", true, false, "limit", c.QueryParams(), &limit); err != nil {
		return 0, badRequest("Invalid format for parameter limit: " + err.Error())
	}
	if limit == nil {
		return status.DefaultLimit, nil
	}
	if *limit < 1 {
		return 0, badRequest("limit must be positive")
	}
	return status.ClampLimit(*limit), nil
}

func (h *Handler) requestMetadata(c echo.Context, p *crew.Pipeline) map[string]any {
	meta := map[string]any{
		"crew":    p.Name,
		"process": string(p.Process),
	}
	if user := userID(c); user != "" {
		meta["user_id"] = user
	}
	return meta
}
