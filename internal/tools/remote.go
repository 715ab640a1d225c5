package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// RemoteSession is the part of an MCP client the resolver uses.
// *client.Client satisfies it.
type RemoteSession interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// RemoteConnector opens an initialized session to a named tool server.
type RemoteConnector interface {
	Connect(ctx context.Context, server string) (RemoteSession, error)
}

// RemoteServer is the connection info for one MCP server.
type RemoteServer struct {
	Name      string
	URL       string
	Transport string // "streamable" (default) or "sse"
	Headers   map[string]string
}

// MCPConnector dials configured MCP servers with mcp-go.
type MCPConnector struct {
	servers map[string]RemoteServer
	version string
}

// NewMCPConnector creates a connector for the given servers.
func NewMCPConnector(servers []RemoteServer, version string) *MCPConnector {
	m := make(map[string]RemoteServer, len(servers))
	for _, s := range servers {
		m[s.Name] = s
	}
	return &MCPConnector{servers: m, version: version}
}

// Connect starts and initializes a client for server.
func (c *MCPConnector) Connect(ctx context.Context, server string) (RemoteSession, error) {
	cfg, ok := c.servers[server]
	if !ok {
		return nil, &ConfigurationError{Tool: server, Problem: "remote server not configured"}
	}

	var (
		cl  *client.Client
		err error
	)
	switch strings.ToLower(cfg.Transport) {
	case "sse":
		cl, err = client.NewSSEMCPClient(cfg.URL, transport.WithHeaders(cfg.Headers))
	default:
		cl, err = client.NewStreamableHttpClient(cfg.URL, transport.WithHTTPHeaders(cfg.Headers))
	}
	if err != nil {
		return nil, &ConfigurationError{Tool: server, Problem: err.Error()}
	}
	if err := Initialize(ctx, cl, c.version); err != nil {
		_ = cl.Close()
		return nil, &ConnectivityError{Target: server, Err: err}
	}
	return cl, nil
}

// Initialize runs the MCP handshake on a freshly built client.
func Initialize(ctx context.Context, cl *client.Client, version string) error {
	if err := cl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start client: %w", err)
	}
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "crew-runtime", Version: version}
	if _, err := cl.Initialize(ctx, req); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	return nil
}

// remoteTool is one tool from a server manifest.
type remoteTool struct {
	server  string
	tool    mcp.Tool
	session RemoteSession
}

func (t *remoteTool) Describe() Descriptor {
	schema := map[string]any{"type": "object"}
	if t.tool.InputSchema.Properties != nil {
		schema["properties"] = t.tool.InputSchema.Properties
	} else {
		schema["properties"] = map[string]any{}
	}
	if len(t.tool.InputSchema.Required) > 0 {
		schema["required"] = t.tool.InputSchema.Required
	}
	return Descriptor{
		Name:          t.tool.Name,
		Kind:          KindRemote,
		Description:   t.tool.Description,
		InputSchema:   schema,
		Configuration: map[string]any{"server": t.server},
	}
}

func (t *remoteTool) Validate(ctx context.Context) error {
	if err := t.session.Ping(ctx); err != nil {
		return &ConnectivityError{Target: t.server, Err: err}
	}
	return nil
}

func (t *remoteTool) Invoke(ctx context.Context, q Query) (*Result, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.tool.Name
	args := q.Arguments
	if args == nil {
		args = map[string]any{}
		if q.Text != "" {
			args["query"] = q.Text
		}
	}
	req.Params.Arguments = args

	res, err := t.session.CallTool(ctx, req)
	if err != nil {
		return nil, &ConnectivityError{Target: t.server + "/" + t.tool.Name, Err: err}
	}
	return &Result{Text: contentText(res.Content), IsError: res.IsError}, nil
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// bindRemote selects tools from a manifest. No names selects all.
func bindRemote(server string, session RemoteSession, manifest []mcp.Tool, names []string) ([]Capability, []string) {
	if len(names) == 0 {
		out := make([]Capability, 0, len(manifest))
		for _, tool := range manifest {
			out = append(out, &remoteTool{server: server, tool: tool, session: session})
		}
		return out, nil
	}
	index := make(map[string]mcp.Tool, len(manifest))
	for _, tool := range manifest {
		index[tool.Name] = tool
	}
	var out []Capability
	var missing []string
	for _, n := range names {
		tool, ok := index[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		out = append(out, &remoteTool{server: server, tool: tool, session: session})
	}
	return out, missing
}
