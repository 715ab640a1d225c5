package tools

import (
	"fmt"
	"strings"
)

// UnknownToolError is returned for a simple tool name missing from the
// registry.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// ToolNotFoundError lists requested remote tool names the server does not
// advertise.
type ToolNotFoundError struct {
	Server  string
	Missing []string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("remote server %q does not advertise: %s", e.Server, strings.Join(e.Missing, ", "))
}

// InstanceNotFoundError lists requested managed-service instances absent
// from the catalog.
type InstanceNotFoundError struct {
	Service string
	Missing []string
}

func (e *InstanceNotFoundError) Error() string {
	return fmt.Sprintf("%s instances not found in catalog: %s", e.Service, strings.Join(e.Missing, ", "))
}

// EmptyBindingError is returned when a non-optional managed or remote
// reference resolves to nothing.
type EmptyBindingError struct {
	Ref string
}

func (e *EmptyBindingError) Error() string {
	return fmt.Sprintf("%s resolved to no tools", e.Ref)
}

// CatalogError wraps a failure to read the managed-service catalog.
type CatalogError struct {
	Err error
}

func (e *CatalogError) Error() string { return "tool catalog unavailable: " + e.Err.Error() }
func (e *CatalogError) Unwrap() error { return e.Err }

// ConnectivityError means a tool backend could not be reached.
type ConnectivityError struct {
	Target string
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("cannot reach %s: %v", e.Target, e.Err)
}
func (e *ConnectivityError) Unwrap() error { return e.Err }

// ConfigurationError means a tool is bound with unusable settings.
type ConfigurationError struct {
	Tool    string
	Problem string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("tool %s misconfigured: %s", e.Tool, e.Problem)
}

// ResolutionFailure is one reference that failed to resolve.
type ResolutionFailure struct {
	// Owner is "agent <role>" or "task <name>".
	Owner string
	Ref   string
	Err   error
}

func (f ResolutionFailure) String() string {
	return fmt.Sprintf("%s: %s: %v", f.Owner, f.Ref, f.Err)
}

// ToolResolutionError reports every reference of a crew that failed to
// resolve.
type ToolResolutionError struct {
	Failures []ResolutionFailure
}

func (e *ToolResolutionError) Error() string {
	return "tool resolution failed: " + strings.Join(e.Problems(), "; ")
}

// Problems renders each failure on its own line.
func (e *ToolResolutionError) Problems() []string {
	out := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.String()
	}
	return out
}

// Unwrap exposes the individual causes to errors.Is/As.
func (e *ToolResolutionError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Err
	}
	return out
}
