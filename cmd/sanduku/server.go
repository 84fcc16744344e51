package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/httpapi"
	"github.com/jkaninda/sanduku/internal/lease"
	"github.com/jkaninda/sanduku/internal/mcp"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/provider"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/session"
	"github.com/jkaninda/sanduku/internal/storage"
	pgstore "github.com/jkaninda/sanduku/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/sanduku/internal/storage/sqlite"
	"github.com/jkaninda/sanduku/internal/validator"
)

var (
	serverConfigPath string
	serverPort       string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the Sanduku API server",
	RunE:  runServer,
}

func init() {
	// Register flags on both root and server so that
	// `sanduku --config path` and `sanduku server --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serverCmd} {
		cmd.Flags().StringVar(&serverConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serverPort, "port", "", "override HTTP listen port (e.g. :8080)")
	}
}

// runServer wires all subsystems and blocks until a signal or fatal error.
func runServer(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	configPath := goutils.Env("SANDUKU_CONFIG", serverConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serverPort != "" {
		cfg.Server.ListenAddr = serverPort
	}

	logger.Info("starting sanduku server",
		slog.String("config", configPath),
		slog.String("provider", cfg.Provider.ProviderName()),
		slog.String("storage", cfg.StorageDriverName()),
	)

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	}()
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Storage (SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Redis-backed lease queue.
	queue, err := lease.NewQueue(lease.Config{
		Addr:     cfg.Queue.RedisAddr(),
		Password: cfg.Queue.Password,
		DB:       cfg.Queue.DB,
		PoolSize: cfg.Queue.Pool(),
	}, logger)
	if err != nil {
		return fmt.Errorf("connecting lease queue: %w", err)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Error("closing lease queue", slog.String("error", err.Error()))
		}
	}()
	logger.Debug("lease queue connected", slog.String("addr", cfg.Queue.RedisAddr()))

	// Provider adapter.
	adapter, err := provider.NewFromConfig(&cfg.Provider, logger)
	if err != nil {
		return fmt.Errorf("initializing provider: %w", err)
	}
	if obs != nil && obs.Metrics != nil {
		adapter = observability.NewInstrumentedAdapter(adapter, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}

	// Sandbox controller.
	controller := sandbox.NewController(adapter, store.Sandboxes(), queue, sandbox.Config{
		LeaseDuration:  cfg.Lease.Duration(),
		LeaseBuffer:    cfg.Lease.Buffer(),
		Retention:      cfg.Lease.Retention(),
		CommandTimeout: cfg.Lease.CommandTimeout(),
	}, logger)

	logStartupSandboxes(ctx, store, logger)

	// Lease poller. Fired tasks dispatch back into the controller, which
	// re-checks state and token so stale tasks become no-ops.
	var leaseMetrics *lease.Metrics
	if obs != nil && obs.Metrics != nil {
		leaseMetrics = lease.NewMetrics(obs.Metrics.Registry)
	}
	poller := lease.NewPoller(queue, controller, cfg.Lease.PollInterval(), leaseMetrics, logger)
	cancelPoller := poller.Start(ctx)
	defer cancelPoller()

	// MCP tool registry (optional).
	var registry *mcp.Registry
	var toolCaller session.ToolCaller
	if len(cfg.MCP) > 0 {
		registry = mcp.NewRegistry(cfg.Sessions.MCPCallTimeout(), logger)
		mcpCtx, mcpCancel := context.WithTimeout(ctx, 30*time.Second)
		registry.RegisterAll(mcpCtx, cfg.MCP)
		mcpCancel()
		defer registry.Close()

		toolCaller = registry
		if obs != nil && obs.Metrics != nil {
			toolCaller = observability.NewInstrumentedToolCaller(registry, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
		}
		logger.Info("mcp registry initialized",
			slog.Int("servers", len(cfg.MCP)),
			slog.Int("tools", len(registry.ListTools())),
		)
	}

	// Code validator.
	var codeValidator httpapi.CodeValidator = validator.New(validator.Config{
		MaxBytes:        cfg.Validator.MaxBytes(),
		AllowedImports:  cfg.Validator.AllowedImports,
		AllowedPatterns: cfg.Validator.AllowedPatterns,
		ExtraDeny:       cfg.Validator.ExtraDenyStrings,
	})
	if obs != nil && obs.Metrics != nil {
		codeValidator = observability.NewInstrumentedValidator(codeValidator, obs.Metrics)
	}

	// Session manager with scheduled idle sweep.
	sessions := session.NewManager(controller, toolCaller, cfg.Sessions.IdleTimeout(), logger)
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Sessions.Schedule(), func() {
		if evicted := sessions.SweepIdle(ctx); evicted > 0 {
			logger.Info("idle sessions evicted", slog.Int("count", evicted))
		}
	}); err != nil {
		return fmt.Errorf("scheduling idle sweep %q: %w", cfg.Sessions.Schedule(), err)
	}
	sweeper.Start()
	defer sweeper.Stop()
	logger.Debug("idle sweep scheduled", slog.String("schedule", cfg.Sessions.Schedule()))

	// Health checks.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("redis", queue.Ping)
		obs.Health.AddCheck("database", store.Ping)
		obs.Health.AddCheck("provider", adapter.Health)
	}

	// HTTP API.
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Server.RateLimit.BurstSize,
	})

	httpCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		APIKeys:        buildAPIKeys(cfg),
		MaxRequestSize: cfg.Server.MaxRequestSizeBytes,
	}
	if obs != nil {
		httpCfg.Metrics = obs.Metrics
		httpCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			httpCfg.MetricsRegistry = obs.Metrics.Registry
		}
		if obs.Tracer != nil {
			httpCfg.Tracer = obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	gw := httpapi.NewGateway(httpCfg, controller, sessions, limiter, logger).
		WithValidator(codeValidator)
	if registry != nil {
		gw.WithToolRegistry(registry)
	}

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("server exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := ""

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	var pgCfg pgstore.Config
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}
	if envDSN := os.Getenv("SANDUKU_DB_DSN"); envDSN != "" {
		dsn = envDSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or SANDUKU_DB_DSN)")
	}
	pgCfg.DSN = dsn

	return pgstore.Open(pgCfg, logger)
}

// buildAPIKeys merges the config mapping with the SANDUKU_API_KEYS env var
// (comma-separated key:user entries; env wins on conflicts).
func buildAPIKeys(cfg *config.Config) map[string]string {
	apiKeys := cfg.Server.APIKeyUserMapping
	if apiKeys == nil {
		apiKeys = make(map[string]string)
	}
	if envKeys := os.Getenv("SANDUKU_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				apiKeys[parts[0]] = parts[1]
			}
		}
	}
	return apiKeys
}

// logStartupSandboxes reports sandboxes left over from a previous run. Their
// lease tasks survive in Redis, so the poller pauses or deletes them on
// schedule without any explicit recovery step.
func logStartupSandboxes(ctx context.Context, store storage.Store, logger *slog.Logger) {
	repo, ok := store.Sandboxes().(*storage.SandboxRepository)
	if !ok {
		return
	}
	existing, err := repo.ListByState(ctx, sandbox.StateRunning, sandbox.StatePaused)
	if err != nil {
		logger.Warn("scanning existing sandboxes", slog.String("error", err.Error()))
		return
	}
	if len(existing) > 0 {
		logger.Info("existing sandboxes found from previous run",
			slog.Int("count", len(existing)),
		)
	}
}
