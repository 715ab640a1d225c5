package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/api"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/auth"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/config"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crew"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/llm"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/logging"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/mcp"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/metrics"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/repository"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/scheduler"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/services"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/tls"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/tools"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/pkg/models"
)

const version = "1.0.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "crew-server",
	Short: "Compile and run multi-agent crews",
	Long:  "HTTP and MCP service that compiles declarative crew definitions and runs them in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
	SilenceUsage: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		logger := logging.NewLogger(cfg.LogLevel)
		defer logger.Sync()

		pool, err := initDatabase(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := repository.NewPostgresStore(pool).Migrate(cmd.Context()); err != nil {
			return err
		}
		logger.Info("Schema applied")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (default searches . and ./config)")
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"okta_domain", cfg.Auth.OktaDomain,
		"catalog_source", cfg.Tools.Catalog.Source,
		"remote_servers", len(cfg.Tools.RemoteServers),
		"max_concurrent", cfg.Scheduler.MaxConcurrent,
	)
	if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
		logger.Warn("Swagger client ID matches the backend client ID; PKCE login from the docs page will fail if the backend is a web app")
	}

	pool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("database initialization failed: %w", err)
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool)
	if cfg.DB.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}
	logger.Info("Database connected")

	m := metrics.New()

	registry, err := buildRegistry(ctx, cfg, store, m, logger)
	if err != nil {
		return err
	}

	provider := llm.NewResilient(
		llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			DefaultModel: cfg.LLM.Model,
			MaxTokens:    cfg.LLM.MaxTokens,
			Temperature:  cfg.LLM.Temperature,
		}),
		llm.RetryPolicy{MaxRetries: cfg.LLM.MaxRetries, InitialDelay: cfg.LLM.RetryInitialDelay},
		cfg.LLM.RequestsPerSecond, cfg.LLM.Burst, logger,
	)

	compiler := crew.NewCompiler(crew.Options{
		Resolver:  registry,
		Providers: map[string]llm.Provider{crew.DefaultProvider: provider},
		Defaults: crew.Defaults{
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		},
		OutputDir: cfg.Crew.OutputDir,
		Logger:    logger,
	})

	sched := scheduler.New(store, repository.NewMemoryStore(), scheduler.Options{
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		Metrics:       m,
		Logger:        logger,
	})
	if cfg.Scheduler.RecoverOnStart {
		if _, err := sched.Recover(ctx); err != nil {
			return err
		}
	}

	workflows := services.NewWorkflowService(store, store,
		services.NewLLMGenerator(provider, cfg.LLM.Model, cfg.LLM.MaxTokens),
		compiler, cfg.Generator.ChatHistoryLimit)

	defaultCrew, err := os.ReadFile(cfg.Crew.DefaultWorkflowFile)
	if err != nil {
		logger.Warn("Default crew not loaded; /crew/start requires a workflow_id", "file", cfg.Crew.DefaultWorkflowFile, "error", err)
	}

	logger.Info("Service layer initialized", "tools", registry.Names())

	authz, err := auth.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware("crew-service"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request",
				"method", v.Method, "uri", v.URI, "status", v.Status,
				"latency", v.Latency.String(), "request_id", v.RequestID)
			return nil
		},
	}))

	handler := api.NewHandler(api.Deps{
		Compiler:    compiler,
		Scheduler:   sched,
		Workflows:   workflows,
		Tools:       registry,
		Metrics:     m,
		DB:          store,
		Logger:      logger,
		DefaultCrew: defaultCrew,
		Version:     version,
	})

	// Register auth handlers
	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	e.GET("/health", handler.HandleHealth)
	e.GET("/metrics", handler.MetricsHandler())

	// expose OpenAPI spec (with runtime substitution) and Swagger UI
	e.GET("/openapi.yaml", api.SpecHandler("api/openapi.yaml", cfg.Auth.OktaDomain))
	e.GET("/docs", api.SwaggerHandler(cfg.Auth.OktaDomain, cfg.Auth.SwaggerClientID))
	e.GET("/docs/oauth2-redirect.html", api.OAuthRedirectHandler)

	mcpServer := mcp.NewServer(compiler, sched, workflows, version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpHandler := echo.WrapHandler(authz.RequireAuth(mcpHandlers))
	e.Any("/mcp", mcpHandler)
	e.Any("/mcp/*", mcpHandler)

	apiGroup := e.Group("", echo.WrapMiddleware(authz.RequireAuth))
	handler.Register(apiGroup, echo.WrapMiddleware(authz.RequireScope(auth.ScopeCrewWrite)))

	logger.Info("HTTP and MCP handlers mounted")

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.Server.Addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			created, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
			if err != nil {
				serverErrors <- err
				return
			}
			if created {
				logger.Warn("Generated self-signed certificate", "cert", cfg.TLS.CertFile)
			}
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		if err := server.Close(); err != nil {
			logger.Error("Server close error", "error", err)
		}
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Executions still running at shutdown; they will be marked failed on next start", "error", err)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to close remote tool sessions", "error", err)
	}

	logger.Info("Server stopped gracefully")
	return nil
}

func buildRegistry(ctx context.Context, cfg *config.Config, store *repository.PostgresStore, m *metrics.Metrics, logger *logging.Logger) (*tools.Registry, error) {
	var catalog tools.CatalogProvider
	switch cfg.Tools.Catalog.Source {
	case "static":
		entries := make(tools.StaticCatalog, 0, len(cfg.Tools.Catalog.Entries))
		for _, e := range cfg.Tools.Catalog.Entries {
			entries = append(entries, models.CatalogEntry{
				Name:        e.Name,
				Service:     e.Service,
				Description: e.Description,
				Active:      true,
				Config:      e.Config,
			})
		}
		catalog = entries
	case "postgres", "":
		catalog = tools.NewStoreCatalog(store)
	default:
		return nil, fmt.Errorf("unknown tools.catalog.source %q", cfg.Tools.Catalog.Source)
	}

	var cortex services.CortexClient
	if cfg.Tools.Cortex.BaseURL != "" {
		cortex = services.NewHTTPCortexClient(cfg.Tools.Cortex.BaseURL, cfg.Tools.Cortex.Token, cfg.Tools.Cortex.Timeout)
	}

	servers := make([]tools.RemoteServer, 0, len(cfg.Tools.RemoteServers))
	for _, s := range cfg.Tools.RemoteServers {
		servers = append(servers, tools.RemoteServer{Name: s.Name, URL: s.URL, Transport: s.Transport, Headers: s.Headers})
	}

	registry, err := tools.NewRegistry(ctx, tools.Options{
		Catalog:    catalog,
		Cortex:     cortex,
		Remote:     tools.NewMCPConnector(servers, version),
		Metrics:    m,
		Logger:     logger,
		MaxRetries: cfg.Tools.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	for _, c := range []tools.Capability{
		tools.CurrentTimeTool(nil),
		tools.WebSearchTool(tools.WebSearchConfig{URL: cfg.Tools.WebSearch.URL, APIKey: cfg.Tools.WebSearch.APIKey}),
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
