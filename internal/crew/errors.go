package crew

import (
	"fmt"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crewspec"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/tools"
)

// ValidationError is a malformed crew definition. It is reported before
// any tool is resolved and is never retried.
type ValidationError = crewspec.ValidationError

// ToolResolutionError lists every tool reference that failed to bind.
type ToolResolutionError = tools.ToolResolutionError

// ExecutionError is a failure while a compiled pipeline runs.
type ExecutionError struct {
	Task string
	Err  error
}

func (e *ExecutionError) Error() string {
	if e.Task == "" {
		return "execution failed: " + e.Err.Error()
	}
	return fmt.Sprintf("task %q failed: %v", e.Task, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
