// Package api contains the HTTP handlers for the crew service
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crew"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/metrics"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/scheduler"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/services"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/pkg/models"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Reloader refreshes the managed-service tool catalog.
type Reloader interface {
	Reload(ctx context.Context) (int, error)
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	Compiler  *crew.Compiler
	Scheduler *scheduler.Scheduler
	Workflows *services.WorkflowService
	Tools     Reloader
	Metrics   *metrics.Metrics
	DB        Pinger
	Logger    Logger

	// DefaultCrew is the YAML run by /crew/start when no workflow is named.
	DefaultCrew []byte
	Version     string
}

// Handler contains HTTP handlers for the crew service REST API
type Handler struct {
	Deps
}

// NewHandler creates a new Handler with required dependencies
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = nopLogger{}
	}
	if d.Version == "" {
		d.Version = "1.0.0"
	}
	return &Handler{Deps: d}
}

// Register mounts every route on g. write guards the routes that start or
// change work; it may be nil.
func (h *Handler) Register(g *echo.Group, write echo.MiddlewareFunc) {
	var mw []echo.MiddlewareFunc
	if write != nil {
		mw = append(mw, write)
	}

	g.POST("/ephemeral/run-crew-async", h.RunEphemeral, mw...)
	g.POST("/crew/start", h.StartCrew, mw...)
	g.GET("/crew/status/:execution_id", h.GetStatus)
	g.GET("/crew/executions", h.ListExecutions)
	g.GET("/crew/executions/workflow/:workflow_id", h.ListWorkflowExecutions)

	g.POST("/nl-ai-generator-async", h.GenerateWorkflow, mw...)
	g.GET("/nl-ai-generator-async/workflows", h.ListWorkflows)
	g.GET("/nl-ai-generator-async/workflows/:workflow_id", h.GetWorkflow)
	g.PUT("/nl-ai-generator-async/workflows/:workflow_id", h.UpdateWorkflow, mw...)
	g.PUT("/nl-ai-generator-async/workflows/:workflow_id/status", h.SetWorkflowStatus, mw...)

	g.POST("/tools/reload", h.ReloadTools, mw...)
}

// HandleHealth reports liveness and, when configured, database reachability.
// (GET /health)
func (h *Handler) HandleHealth(c echo.Context) error {
	status := models.HealthStatus{
		Status:    "ok",
		Service:   "crew-service",
		Version:   h.Version,
		Timestamp: time.Now().UTC(),
	}
	code := http.StatusOK
	if h.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		status.Checks = map[string]string{"database": "ok"}
		if err := h.DB.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Checks["database"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	return c.JSON(code, status)
}

// ReloadTools refetches the managed-service catalog.
// (POST /tools/reload)
func (h *Handler) ReloadTools(c echo.Context) error {
	if h.Tools == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "tool catalog reload is not configured")
	}
	n, err := h.Tools.Reload(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	h.Logger.Info("tool catalog reloaded", "entries", n)
	return c.JSON(http.StatusOK, map[string]int{"entries": n})
}

// MetricsHandler serves the Prometheus registry.
// (GET /metrics)
func (h *Handler) MetricsHandler() echo.HandlerFunc {
	if h.Metrics == nil {
		return func(c echo.Context) error { return c.NoContent(http.StatusNotFound) }
	}
	return echo.WrapHandler(h.Metrics.Handler())
}
