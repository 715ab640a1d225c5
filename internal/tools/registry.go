package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crewspec"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/metrics"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/services"
)

// ErrRegistryClosed is returned after Shutdown.
var ErrRegistryClosed = errors.New("tool registry is shut down")

// Logger is the subset of the application logger used here.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any) {}
func (nopLogger) Warn(string, ...any) {}

// Options wires a Registry to its backends. Any backend may be nil; the
// corresponding references then fail to resolve.
type Options struct {
	Catalog    CatalogProvider
	Cortex     services.CortexClient
	Remote     RemoteConnector
	Metrics    *metrics.Metrics
	Logger     Logger
	MaxRetries uint64
	RetryDelay time.Duration
}

// Registry owns every tool source and resolves references against them. The
// managed-service catalog is cached as an immutable snapshot that Reload
// swaps atomically, so resolutions in flight keep the view they started
// with.
type Registry struct {
	mu     sync.RWMutex
	simple map[string]Capability

	catalog  CatalogProvider
	snapshot atomic.Pointer[catalogSnapshot]
	flight   singleflight.Group

	cortex services.CortexClient
	remote RemoteConnector

	sessMu   sync.Mutex
	sessions map[string]RemoteSession

	metrics     *metrics.Metrics
	logger      Logger
	maxRetries  uint64
	retryDelay  time.Duration
	resolutions metric.Int64Counter
	closed      atomic.Bool
}

// NewRegistry creates a registry and loads the catalog once. A catalog that
// cannot be read is not fatal: managed references fail until a reload
// succeeds.
func NewRegistry(ctx context.Context, opts Options) (*Registry, error) {
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	counter, err := otel.Meter("github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/tools").
		Int64Counter("crew.tools.resolutions", metric.WithDescription("Tool reference resolutions by kind and outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create resolution counter: %w", err)
	}

	r := &Registry{
		simple:      make(map[string]Capability),
		catalog:     opts.Catalog,
		cortex:      opts.Cortex,
		remote:      opts.Remote,
		sessions:    make(map[string]RemoteSession),
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		maxRetries:  opts.MaxRetries,
		retryDelay:  opts.RetryDelay,
		resolutions: counter,
	}
	r.snapshot.Store(newCatalogSnapshot(nil, nil))
	if r.catalog != nil {
		if _, err := r.Reload(ctx); err != nil {
			r.logger.Warn("tool catalog unavailable at startup", "error", err)
		}
	}
	return r, nil
}

// Register adds a simple tool. Names must be unique.
func (r *Registry) Register(c Capability) error {
	name := c.Describe().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.simple[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.simple[name] = c
	return nil
}

// Names lists the registered simple tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.simple))
	for n := range r.simple {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Reload refetches the catalog and publishes a new snapshot. Concurrent
// callers share one fetch. It returns the number of active entries.
func (r *Registry) Reload(ctx context.Context) (int, error) {
	if r.closed.Load() {
		return 0, ErrRegistryClosed
	}
	if r.catalog == nil {
		return 0, nil
	}
	v, err, _ := r.flight.Do("catalog", func() (any, error) {
		entries, err := r.catalog.Entries(ctx)
		if err != nil {
			// keep serving the last good snapshot
			prev := r.snapshot.Load()
			if len(prev.byService) == 0 {
				r.snapshot.Store(newCatalogSnapshot(nil, err))
			}
			r.countReload("error")
			return 0, &CatalogError{Err: err}
		}
		r.snapshot.Store(newCatalogSnapshot(entries, nil))
		r.countReload("ok")
		r.logger.Info("tool catalog loaded", "entries", len(entries))
		return len(entries), nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (r *Registry) countReload(outcome string) {
	if r.metrics != nil {
		r.metrics.CatalogReloads.WithLabelValues(outcome).Inc()
	}
}

// Shutdown closes remote sessions. The registry resolves nothing afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.sessMu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]RemoteSession)
	r.sessMu.Unlock()

	var errs []error
	for name, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Resolve binds ref to capabilities.
func (r *Registry) Resolve(ctx context.Context, ref crewspec.ToolReference) ([]Capability, error) {
	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}
	var (
		caps []Capability
		err  error
	)
	switch ref.Kind {
	case crewspec.ToolSimple:
		caps, err = r.resolveSimple(ref)
	case crewspec.ToolManaged:
		caps, err = r.resolveManaged(ctx, ref)
	case crewspec.ToolRemote:
		caps, err = r.resolveRemote(ctx, ref)
	default:
		err = fmt.Errorf("unknown tool reference type %q", ref.Kind)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.resolutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(ref.Kind)),
		attribute.String("outcome", outcome),
	))
	if err != nil {
		return nil, err
	}
	return r.instrument(caps), nil
}

func (r *Registry) resolveSimple(ref crewspec.ToolReference) ([]Capability, error) {
	r.mu.RLock()
	c, ok := r.simple[ref.Name]
	r.mu.RUnlock()
	if !ok {
		if ref.Optional {
			return nil, nil
		}
		return nil, &UnknownToolError{Name: ref.Name}
	}
	return []Capability{c}, nil
}

func (r *Registry) resolveManaged(ctx context.Context, ref crewspec.ToolReference) ([]Capability, error) {
	snap := r.snapshot.Load()
	if snap.err != nil {
		if _, err := r.Reload(ctx); err != nil {
			if ref.Optional {
				return nil, nil
			}
			return nil, err
		}
		snap = r.snapshot.Load()
	}

	entries, missing := snap.lookup(ref.Service, ref.InstanceNames)
	if len(missing) > 0 && !ref.Optional {
		return nil, &InstanceNotFoundError{Service: ref.Service, Missing: missing}
	}
	if len(entries) == 0 && !ref.Optional {
		return nil, &EmptyBindingError{Ref: ref.String()}
	}
	out := make([]Capability, 0, len(entries))
	for _, e := range entries {
		out = append(out, newManagedTool(e, r.cortex))
	}
	return out, nil
}

func (r *Registry) resolveRemote(ctx context.Context, ref crewspec.ToolReference) ([]Capability, error) {
	session, err := r.session(ctx, ref.Server)
	if err != nil {
		if ref.Optional {
			r.logger.Warn("optional remote server unavailable", "server", ref.Server, "error", err)
			return nil, nil
		}
		return nil, err
	}

	res, err := session.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		r.dropSession(ref.Server, session)
		if ref.Optional {
			return nil, nil
		}
		return nil, &ConnectivityError{Target: ref.Server, Err: err}
	}

	caps, missing := bindRemote(ref.Server, session, res.Tools, ref.ToolNames)
	if len(missing) > 0 && !ref.Optional {
		return nil, &ToolNotFoundError{Server: ref.Server, Missing: missing}
	}
	if len(caps) == 0 && !ref.Optional {
		return nil, &EmptyBindingError{Ref: ref.String()}
	}
	return caps, nil
}

// session returns the cached session for server, connecting on first use.
func (r *Registry) session(ctx context.Context, server string) (RemoteSession, error) {
	if r.remote == nil {
		return nil, &ConfigurationError{Tool: server, Problem: "no remote tool servers configured"}
	}
	r.sessMu.Lock()
	s, ok := r.sessions[server]
	r.sessMu.Unlock()
	if ok {
		return s, nil
	}

	v, err, _ := r.flight.Do("remote:"+server, func() (any, error) {
		s, err := r.remote.Connect(ctx, server)
		if err != nil {
			return nil, err
		}
		r.sessMu.Lock()
		r.sessions[server] = s
		r.sessMu.Unlock()
		r.logger.Info("connected to remote tool server", "server", server)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(RemoteSession), nil
}

func (r *Registry) dropSession(server string, s RemoteSession) {
	r.sessMu.Lock()
	if r.sessions[server] == s {
		delete(r.sessions, server)
	}
	r.sessMu.Unlock()
	_ = s.Close()
}
