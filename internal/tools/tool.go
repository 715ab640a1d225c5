// Package tools binds abstract tool references from a crew definition to
// live capabilities: process-local functions, managed data-service
// instances from a catalog, and tools advertised by remote MCP servers.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crewspec"
)

// Kind is the variant of a capability.
type Kind string

const (
	KindSimple  Kind = "simple"
	KindManaged Kind = "managed"
	KindRemote  Kind = "remote"
)

// Query is the input to a capability. Text carries the primary query string
// when the tool has one; Arguments carries the full structured input.
type Query struct {
	Text      string
	Arguments map[string]any
}

// NewQuery builds a Query from model-supplied arguments, lifting "query"
// into Text when present.
func NewQuery(args map[string]any) Query {
	q := Query{Arguments: args}
	if s, ok := args["query"].(string); ok {
		q.Text = s
	}
	return q
}

// Result is what a capability returns. Data is the structured payload; Text
// is an optional human-readable rendering.
type Result struct {
	Text    string
	Data    any
	IsError bool
}

// String renders the result for a model transcript.
func (r *Result) String() string {
	if r == nil {
		return ""
	}
	if r.Text != "" || r.Data == nil {
		return r.Text
	}
	b, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Sprintf("%v", r.Data)
	}
	return string(b)
}

// Descriptor describes a bound capability.
type Descriptor struct {
	Name          string         `json:"name"`
	Kind          Kind           `json:"kind"`
	Description   string         `json:"description"`
	InputSchema   map[string]any `json:"input_schema,omitempty"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// Capability is one invocable tool bound at compile time.
type Capability interface {
	Invoke(ctx context.Context, q Query) (*Result, error)
	Describe() Descriptor
	// Validate checks configuration and reachability without side effects.
	// Failures are *ConfigurationError or *ConnectivityError.
	Validate(ctx context.Context) error
}

// Resolver turns a tool reference into capabilities.
type Resolver interface {
	Resolve(ctx context.Context, ref crewspec.ToolReference) ([]Capability, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ref crewspec.ToolReference) ([]Capability, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, ref crewspec.ToolReference) ([]Capability, error) {
	return f(ctx, ref)
}

func queryOnlySchema(description string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": description},
		},
		"required": []string{"query"},
	}
}
