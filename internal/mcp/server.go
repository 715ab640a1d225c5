// Package mcp exposes crew execution as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crew"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crewspec"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/scheduler"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/services"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/status"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/tools"
)

type Server struct {
	mcpServer *server.MCPServer
	compiler  *crew.Compiler
	scheduler *scheduler.Scheduler
	workflows *services.WorkflowService
}

// NewServer registers the crew tools. workflows may be nil, in which case
// start_crew only accepts inline YAML.
func NewServer(compiler *crew.Compiler, sched *scheduler.Scheduler, workflows *services.WorkflowService, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Crew Service",
			version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		compiler:  compiler,
		scheduler: sched,
		workflows: workflows,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"start_crew",
			mcp.WithDescription("Compile a crew and start it in the background. Pass either inline YAML or a stored workflow_id. Returns an execution_id to poll with crew_status."),
			mcp.WithString("yaml", mcp.Description("Inline crew definition")),
			mcp.WithString("workflow_id", mcp.Description("Stored workflow to run")),
			mcp.WithNumber("version", mcp.Description("Workflow version, latest when omitted")),
			mcp.WithObject("inputs", mcp.Description("Values interpolated into {placeholders} of the crew")),
			mcp.WithBoolean("persist", mcp.Description("Track the execution durably; defaults to true for stored workflows")),
		),
		s.handleStartCrew,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"crew_status",
			mcp.WithDescription("Get the status and result of an execution"),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The execution to look up")),
		),
		s.handleStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_executions",
			mcp.WithDescription("List recent executions, newest first"),
			mcp.WithNumber("limit", mcp.Description("Maximum results, 1 to 100, default 20")),
			mcp.WithString("workflow_id", mcp.Description("Only executions of this workflow")),
		),
		s.handleListExecutions,
	)
}

func (s *Server) handleStartCrew(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	yamlText := request.GetString("yaml", "")
	workflowID := request.GetString("workflow_id", "")
	if yamlText == "" && workflowID == "" {
		return mcp.NewToolResultError("Missing required parameter: yaml or workflow_id"), nil
	}

	var inputs map[string]any
	if raw, ok := request.GetArguments()["inputs"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return mcp.NewToolResultError("inputs must be an object"), nil
		}
		inputs = m
	}

	var (
		pipeline *crew.Pipeline
		err      error
		opts     = scheduler.StartOptions{Inputs: inputs, Metadata: map[string]any{"via": "mcp"}}
	)
	if yamlText != "" {
		pipeline, err = s.compiler.CompileYAML(ctx, []byte(yamlText))
		opts.Persist = request.GetBool("persist", false)
	} else {
		if s.workflows == nil {
			return mcp.NewToolResultError("workflow storage is not configured"), nil
		}
		var spec *crewspec.Spec
		_, spec, err = s.workflows.Spec(ctx, workflowID, request.GetInt("version", 0))
		if err == nil {
			pipeline, err = s.compiler.Compile(ctx, spec)
		}
		opts.WorkflowID = &workflowID
		opts.Persist = request.GetBool("persist", true)
	}
	if err != nil {
		return mcp.NewToolResultError(describe(err)), nil
	}

	id, err := s.scheduler.Start(ctx, pipeline, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start crew: %v", err)), nil
	}
	return jsonResult(map[string]string{"execution_id": id, "status": "PROCESSING"})
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("execution_id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: execution_id"), nil
	}
	view, err := s.scheduler.Status(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(describe(err)), nil
	}
	return jsonResult(view)
}

func (s *Server) handleListExecutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var workflowID *string
	if w := request.GetString("workflow_id", ""); w != "" {
		workflowID = &w
	}
	views, err := s.scheduler.Queries().List(ctx, request.GetInt("limit", status.DefaultLimit), workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list executions: %v", err)), nil
	}
	return jsonResult(map[string]any{"executions": views, "count": len(views)})
}

// describe flattens compile errors into a message that lists every problem.
func describe(err error) string {
	var (
		verr *crewspec.ValidationError
		rerr *tools.ToolResolutionError
	)
	switch {
	case errors.As(err, &verr):
		return "Invalid crew specification:\n- " + strings.Join(verr.Problems, "\n- ")
	case errors.As(err, &rerr):
		return "Tool resolution failed:\n- " + strings.Join(rerr.Problems(), "\n- ")
	}
	return err.Error()
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the streamable HTTP transport on /mcp and the
// legacy SSE transport on /mcp/sse and /mcp/message.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	streamable := server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.Handle("/mcp", streamable)
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
