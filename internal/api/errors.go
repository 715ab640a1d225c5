package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crewspec"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/repository"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/scheduler"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/status"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/tools"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/pkg/models"
)

// Logger is the subset of the application logger used here.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Problem converts err to an RFC 7807 Problem Details value.
func Problem(err error) models.ProblemDetails {
	var (
		verr    *crewspec.ValidationError
		rerr    *tools.ToolResolutionError
		nf      *status.NotFoundError
		httpErr *echo.HTTPError
	)
	switch {
	case errors.As(err, &verr):
		return models.ProblemDetails{
			Type:     "about:blank",
			Title:    "Invalid crew specification",
			Status:   http.StatusUnprocessableEntity,
			Detail:   verr.Error(),
			Problems: verr.Problems,
		}
	case errors.As(err, &rerr):
		return models.ProblemDetails{
			Type:     "about:blank",
			Title:    "Tool resolution failed",
			Status:   http.StatusUnprocessableEntity,
			Detail:   rerr.Error(),
			Problems: rerr.Problems(),
		}
	case errors.As(err, &nf), errors.Is(err, repository.ErrNotFound):
		return models.ProblemDetails{
			Type:   "about:blank",
			Title:  "Not found",
			Status: http.StatusNotFound,
			Detail: err.Error(),
		}
	case errors.Is(err, scheduler.ErrShuttingDown):
		return models.ProblemDetails{
			Type:   "about:blank",
			Title:  "Service unavailable",
			Status: http.StatusServiceUnavailable,
			Detail: err.Error(),
		}
	case errors.As(err, &httpErr):
		detail := http.StatusText(httpErr.Code)
		if msg, ok := httpErr.Message.(string); ok {
			detail = msg
		}
		return models.ProblemDetails{
			Type:   "about:blank",
			Title:  http.StatusText(httpErr.Code),
			Status: httpErr.Code,
			Detail: detail,
		}
	}
	return models.ProblemDetails{
		Type:   "about:blank",
		Title:  "Internal server error",
		Status: http.StatusInternalServerError,
		Detail: err.Error(),
	}
}

// ErrorHandler renders every handler error as application/problem+json.
func ErrorHandler(logger Logger) echo.HTTPErrorHandler {
	if logger == nil {
		logger = nopLogger{}
	}
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		p := Problem(err)
		p.Instance = c.Request().URL.Path
		if p.Status >= http.StatusInternalServerError {
			logger.Error("request failed", "path", p.Instance, "status", p.Status, "error", err)
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(p.Status)
		} else {
			c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
			err = c.JSON(p.Status, p)
		}
		if err != nil {
			logger.Error("failed to write error response", "error", err)
		}
	}
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}
