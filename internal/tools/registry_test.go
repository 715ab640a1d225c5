package tools

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crewspec"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/metrics"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/services"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/pkg/models"
)

// MockCortex satisfies services.CortexClient
type MockCortex struct {
	mock.Mock
}

func (m *MockCortex) Search(ctx context.Context, in services.SearchRequest) (*services.SearchResponse, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.SearchResponse), args.Error(1)
}

func (m *MockCortex) Analyze(ctx context.Context, in services.AnalystRequest) (*services.AnalystResponse, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.AnalystResponse), args.Error(1)
}

type connectorFunc func(ctx context.Context, server string) (RemoteSession, error)

func (f connectorFunc) Connect(ctx context.Context, server string) (RemoteSession, error) {
	return f(ctx, server)
}

// mutableCatalog lets a test change the catalog between reloads.
type mutableCatalog struct {
	mu      sync.Mutex
	entries []models.CatalogEntry
	err     error
	calls   atomic.Int32
}

func (c *mutableCatalog) Entries(context.Context) ([]models.CatalogEntry, error) {
	c.calls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.CatalogEntry(nil), c.entries...), c.err
}

func (c *mutableCatalog) set(entries []models.CatalogEntry, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries, c.err = entries, err
}

func searchEntry(name string) models.CatalogEntry {
	return models.CatalogEntry{
		Name: name, Service: ServiceCortexSearch, Active: true,
		Config: map[string]any{"database": "DOCS", "schema": "PUBLIC", "service_name": name + "_svc", "limit": float64(3)},
	}
}

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	reg, err := NewRegistry(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	return reg
}

func TestResolveSimple(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	require.NoError(t, reg.Register(CurrentTimeTool(nil)))
	assert.Error(t, reg.Register(CurrentTimeTool(nil)))

	caps, err := reg.Resolve(context.Background(), crewspec.SimpleTool("current_time"))
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, "current_time", caps[0].Describe().Name)
	assert.Equal(t, KindSimple, caps[0].Describe().Kind)

	_, err = reg.Resolve(context.Background(), crewspec.SimpleTool("nope"))
	var unknown *UnknownToolError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nope", unknown.Name)

	ref := crewspec.SimpleTool("nope")
	ref.Optional = true
	caps, err = reg.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Empty(t, caps)
}

func TestResolveManaged(t *testing.T) {
	catalog := StaticCatalog{
		searchEntry("docs_search"),
		searchEntry("faq_search"),
		{Name: "sales_analyst", Service: ServiceCortexAnalyst, Active: true, Config: map[string]any{"semantic_model_file": "@stage/sales.yaml"}},
		{Name: "inactive_search", Service: ServiceCortexSearch},
	}
	cortex := new(MockCortex)
	reg := newTestRegistry(t, Options{Catalog: catalog, Cortex: cortex})
	ctx := context.Background()

	t.Run("all instances of a service", func(t *testing.T) {
		caps, err := reg.Resolve(ctx, crewspec.ManagedTool(ServiceCortexSearch))
		require.NoError(t, err)
		require.Len(t, caps, 2)
		assert.Equal(t, "docs_search", caps[0].Describe().Name)
		assert.Equal(t, "faq_search", caps[1].Describe().Name)
	})

	t.Run("named instance", func(t *testing.T) {
		caps, err := reg.Resolve(ctx, crewspec.ManagedTool(ServiceCortexSearch, "faq_search"))
		require.NoError(t, err)
		require.Len(t, caps, 1)
		assert.Equal(t, "DOCS", caps[0].Describe().Configuration["database"])
	})

	t.Run("missing instance", func(t *testing.T) {
		_, err := reg.Resolve(ctx, crewspec.ManagedTool(ServiceCortexSearch, "docs_search", "ghost_search"))
		var missing *InstanceNotFoundError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, []string{"ghost_search"}, missing.Missing)
		assert.Contains(t, err.Error(), "ghost_search")
	})

	t.Run("optional missing instance", func(t *testing.T) {
		ref := crewspec.ManagedTool(ServiceCortexSearch, "ghost_search")
		ref.Optional = true
		caps, err := reg.Resolve(ctx, ref)
		require.NoError(t, err)
		assert.Empty(t, caps)
	})

	t.Run("service with no entries", func(t *testing.T) {
		_, err := reg.Resolve(ctx, crewspec.ManagedTool("other_service"))
		var empty *EmptyBindingError
		assert.ErrorAs(t, err, &empty)
	})

	t.Run("search envelope", func(t *testing.T) {
		cortex.On("Search", mock.Anything, services.SearchRequest{
			Database: "DOCS", Schema: "PUBLIC", Service: "docs_search_svc", Query: "refund policy", Limit: 3,
		}).Return(&services.SearchResponse{Results: []map[string]any{{"chunk": "30 days"}}}, nil).Once()

		caps, err := reg.Resolve(ctx, crewspec.ManagedTool(ServiceCortexSearch, "docs_search"))
		require.NoError(t, err)
		res, err := caps[0].Invoke(ctx, NewQuery(map[string]any{"query": "refund policy"}))
		require.NoError(t, err)

		env, ok := res.Data.(Envelope)
		require.True(t, ok)
		assert.Equal(t, "refund policy", env.Query)
		assert.Equal(t, []map[string]any{{"chunk": "30 days"}}, env.Results)
		assert.Equal(t, "docs_search_svc", env.Config["service_name"])
		assert.Contains(t, res.String(), "30 days")
	})

	t.Run("analyst envelope", func(t *testing.T) {
		cortex.On("Analyze", mock.Anything, services.AnalystRequest{
			SemanticModelFile: "@stage/sales.yaml", Question: "revenue by region",
		}).Return(&services.AnalystResponse{Interpretation: "Total revenue per region", SQL: "SELECT 1"}, nil).Once()

		caps, err := reg.Resolve(ctx, crewspec.ManagedTool(ServiceCortexAnalyst))
		require.NoError(t, err)
		res, err := caps[0].Invoke(ctx, Query{Text: "revenue by region"})
		require.NoError(t, err)

		env := res.Data.(Envelope)
		assert.Equal(t, "Total revenue per region", env.RewrittenQuery)
		assert.Equal(t, "SELECT 1", env.Results.(map[string]any)["sql"])
	})

	cortex.AssertExpectations(t)
}

func TestManagedValidate(t *testing.T) {
	ctx := context.Background()
	cortex := new(MockCortex)

	bad := newManagedTool(models.CatalogEntry{Name: "x", Service: ServiceCortexSearch, Config: map[string]any{}}, cortex)
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, bad.Validate(ctx), &cfgErr)

	cortex.On("Search", mock.Anything, mock.Anything).Return(nil, &services.UnavailableError{StatusCode: 503}).Once()
	down := newManagedTool(searchEntry("docs_search"), cortex)
	var connErr *ConnectivityError
	assert.ErrorAs(t, down.Validate(ctx), &connErr)
}

func TestReloadSwapsSnapshot(t *testing.T) {
	catalog := &mutableCatalog{entries: []models.CatalogEntry{searchEntry("docs_search")}}
	m := metrics.New()
	reg := newTestRegistry(t, Options{Catalog: catalog, Cortex: new(MockCortex), Metrics: m})
	ctx := context.Background()

	_, err := reg.Resolve(ctx, crewspec.ManagedTool(ServiceCortexSearch, "new_search"))
	require.Error(t, err)

	catalog.set([]models.CatalogEntry{searchEntry("docs_search"), searchEntry("new_search")}, nil)
	// no implicit refetch until reload
	_, err = reg.Resolve(ctx, crewspec.ManagedTool(ServiceCortexSearch, "new_search"))
	require.Error(t, err)

	n, err := reg.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	caps, err := reg.Resolve(ctx, crewspec.ManagedTool(ServiceCortexSearch, "new_search"))
	require.NoError(t, err)
	assert.Len(t, caps, 1)

	// a failed reload keeps the last good snapshot
	catalog.set(nil, errors.New("db down"))
	_, err = reg.Reload(ctx)
	var catErr *CatalogError
	require.ErrorAs(t, err, &catErr)
	caps, err = reg.Resolve(ctx, crewspec.ManagedTool(ServiceCortexSearch))
	require.NoError(t, err)
	assert.Len(t, caps, 2)
}

func TestCatalogUnavailableAtStartup(t *testing.T) {
	catalog := &mutableCatalog{err: errors.New("connection refused")}
	reg := newTestRegistry(t, Options{Catalog: catalog})
	ctx := context.Background()

	_, err := reg.Resolve(ctx, crewspec.ManagedTool(ServiceCortexSearch, "docs_search"))
	var catErr *CatalogError
	require.ErrorAs(t, err, &catErr)

	catalog.set([]models.CatalogEntry{searchEntry("docs_search")}, nil)
	caps, err := reg.Resolve(ctx, crewspec.ManagedTool(ServiceCortexSearch, "docs_search"))
	require.NoError(t, err)
	assert.Len(t, caps, 1)
}

func newToolServer() *server.MCPServer {
	s := server.NewMCPServer("test tools", "1.0.0", server.WithToolCapabilities(true))
	s.AddTool(
		mcp.NewTool("echo",
			mcp.WithDescription("Echo text back"),
			mcp.WithString("text", mcp.Required(), mcp.Description("Text to echo")),
		),
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			text, err := request.RequireString("text")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText("echo: " + text), nil
		},
	)
	s.AddTool(
		mcp.NewTool("shout", mcp.WithDescription("Uppercase text")),
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("HEY"), nil
		},
	)
	return s
}

func inProcessConnector(t *testing.T, connects *atomic.Int32) RemoteConnector {
	srv := newToolServer()
	return connectorFunc(func(ctx context.Context, name string) (RemoteSession, error) {
		if name != "toolbox" {
			return nil, &ConfigurationError{Tool: name, Problem: "remote server not configured"}
		}
		connects.Add(1)
		cl, err := client.NewInProcessClient(srv)
		if err != nil {
			return nil, err
		}
		if err := Initialize(ctx, cl, "test"); err != nil {
			return nil, err
		}
		return cl, nil
	})
}

func TestResolveRemote(t *testing.T) {
	var connects atomic.Int32
	reg := newTestRegistry(t, Options{Remote: inProcessConnector(t, &connects)})
	ctx := context.Background()

	all, err := reg.Resolve(ctx, crewspec.RemoteTool("toolbox"))
	require.NoError(t, err)
	assert.Len(t, all, 2)

	caps, err := reg.Resolve(ctx, crewspec.RemoteTool("toolbox", "echo"))
	require.NoError(t, err)
	require.Len(t, caps, 1)
	desc := caps[0].Describe()
	assert.Equal(t, KindRemote, desc.Kind)
	assert.Equal(t, []string{"text"}, desc.InputSchema["required"])

	res, err := caps[0].Invoke(ctx, Query{Arguments: map[string]any{"text": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", res.Text)
	assert.False(t, res.IsError)
	assert.NoError(t, caps[0].Validate(ctx))

	_, err = reg.Resolve(ctx, crewspec.RemoteTool("toolbox", "echo", "missing_one", "missing_two"))
	var notFound *ToolNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "toolbox", notFound.Server)
	assert.Equal(t, []string{"missing_one", "missing_two"}, notFound.Missing)

	_, err = reg.Resolve(ctx, crewspec.RemoteTool("elsewhere"))
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	// the session is reused across resolutions
	assert.Equal(t, int32(1), connects.Load())

	require.NoError(t, reg.Shutdown(ctx))
	_, err = reg.Resolve(ctx, crewspec.RemoteTool("toolbox"))
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestSessionMemoizes(t *testing.T) {
	var calls atomic.Int32
	resolver := ResolverFunc(func(ctx context.Context, ref crewspec.ToolReference) ([]Capability, error) {
		calls.Add(1)
		return []Capability{CurrentTimeTool(nil)}, nil
	})
	s := NewSession(resolver)
	ctx := context.Background()

	a, err := s.Resolve(ctx, crewspec.ManagedTool(ServiceCortexSearch, "b", "a"))
	require.NoError(t, err)
	b, err := s.Resolve(ctx, crewspec.ManagedTool(ServiceCortexSearch, "b", "a"))
	require.NoError(t, err)
	assert.Same(t, a[0], b[0])
	assert.Equal(t, int32(1), calls.Load())

	_, _ = s.Resolve(ctx, crewspec.ManagedTool(ServiceCortexSearch, "a", "b"))
	_, _ = s.Resolve(ctx, crewspec.SimpleTool("x"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestInvokeRetriesConnectivityErrors(t *testing.T) {
	var attempts atomic.Int32
	flaky := NewFuncTool("flaky", "fails twice", nil, func(ctx context.Context, q Query) (*Result, error) {
		if attempts.Add(1) < 3 {
			return nil, &ConnectivityError{Target: "flaky", Err: errors.New("reset")}
		}
		return &Result{Text: "ok"}, nil
	})
	m := metrics.New()
	reg := newTestRegistry(t, Options{Metrics: m, MaxRetries: 2, RetryDelay: time.Millisecond})
	require.NoError(t, reg.Register(flaky))

	caps, err := reg.Resolve(context.Background(), crewspec.SimpleTool("flaky"))
	require.NoError(t, err)
	res, err := caps[0].Invoke(context.Background(), Query{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, int32(3), attempts.Load())

	var permanent atomic.Int32
	broken := NewFuncTool("broken", "always fails", nil, func(ctx context.Context, q Query) (*Result, error) {
		permanent.Add(1)
		return nil, errors.New("bad input")
	})
	require.NoError(t, reg.Register(broken))
	caps, err = reg.Resolve(context.Background(), crewspec.SimpleTool("broken"))
	require.NoError(t, err)
	_, err = caps[0].Invoke(context.Background(), Query{})
	require.EqualError(t, err, "bad input")
	assert.Equal(t, int32(1), permanent.Load())
}
