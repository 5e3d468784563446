package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/execution"
	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/ratelimit"
	"github.com/jkaninda/runbox/internal/repo"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/security"
	"github.com/jkaninda/runbox/internal/storage"
	pgstore "github.com/jkaninda/runbox/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/runbox/internal/storage/sqlite"
	goutils "github.com/jkaninda/go-utils"
)

// SharedComponents holds every subsystem the commands need. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store // nil when storage.driver=none.

	Obs        *observability.Observability
	Sandboxes  *sandbox.Manager
	Policy     *security.Policy
	Limiter    *ratelimit.Local // non-nil only for the local driver.
	Controller *execution.Controller
	GitHub     *repo.GitHub

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// Archive returns the execution archive, or nil when storage is disabled.
func (sc *SharedComponents) Archive() storage.ExecutionStore {
	if sc.Store == nil {
		return nil
	}
	return sc.Store.Executions()
}

// loadConfig reads the config file named by RUNBOX_CONFIG or --config,
// falling back to defaults when the file does not exist.
func loadConfig() (*config.Config, error) {
	return config.LoadOrDefault(goutils.Env("RUNBOX_CONFIG", configPath))
}

// newLogger builds the process logger. Logs always go to stderr so that
// stdout stays free for command output and the MCP stdio transport.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level = slog.LevelInfo
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// initShared performs the initialization common to every command.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (_ *SharedComponents, err error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}
	defer func() {
		if err != nil {
			sc.Cleanup()
		}
	}()

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	// Sandbox backend and manager.
	backend, err := initBackend(cfg, sc, logger)
	if err != nil {
		return nil, err
	}
	mgr := sandbox.NewManager(
		observability.NewInstrumentedBackend(backend, obs.Metrics, obs.Tracer, obs.Anomaly),
		sandbox.ManagerConfig{
			TTL:             cfg.Sandbox.TTL(),
			Grace:           cfg.Sandbox.Grace(),
			IdleTimeout:     cfg.Sandbox.IdleTimeout(),
			MaxProvisioning: cfg.Sandbox.ProvisioningLimit(),
			MaxOutputBytes:  cfg.Sandbox.OutputCap(),
		},
		logger,
	)
	sc.Sandboxes = mgr
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		mgr.Shutdown(shutdownCtx)
	})
	obs.Health.AddCheck("sandbox_backend", mgr.Ping)

	// Security policy.
	limiter, err := initRateLimiter(cfg, sc)
	if err != nil {
		return nil, err
	}
	sc.Policy = security.NewPolicy(security.PolicyConfig{
		MaxPayloadBytes: cfg.Security.PayloadLimit(),
		RateLimiter:     limiter,
	}, logger)
	if cfg.Security.RulesFile != "" {
		rules, err := security.LoadRulesFile(cfg.Security.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("loading security rules: %w", err)
		}
		sc.Policy.SetExtraRules(rules)
	}
	logger.Debug("security policy initialized",
		slog.Int("rules", sc.Policy.RuleCount()),
		slog.String("rate_limit", cfg.Security.RateLimit.Driver),
	)

	auditLog, err := security.NewAuditLogger(cfg.AuditLogPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("initializing audit logger: %w", err)
	}
	sc.addCleanup(func() { _ = auditLog.Close() })

	// Execution archive.
	store, err := initStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	var archive execution.Archive
	if store != nil {
		sc.Store = store
		sc.addCleanup(func() { _ = store.Close() })

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := store.Migrate(migrateCtx); err != nil {
			return nil, fmt.Errorf("migrating %s storage: %w", store.Driver(), err)
		}
		archive = store.Executions()
		obs.Health.AddCheck("storage", store.Ping)
		logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	}

	// Execution controller.
	ctrl := execution.NewController(execution.Config{
		MaxConcurrent:         cfg.Execution.Concurrency(),
		QueueCapacity:         cfg.Execution.Queue(),
		SubmitTimeout:         cfg.Execution.SubmitTimeout(),
		MaxTimeout:            cfg.Execution.MaxTimeout(),
		HistoryCapacity:       cfg.Execution.HistorySize(),
		HistoryMaxAge:         cfg.Execution.HistoryMaxAge(),
		AbortOnInstallFailure: !cfg.Execution.ContinueAfterInstallFailure(),
		CloneFraction:         cfg.Execution.CloneBudgetFraction,
		InstallFraction:       cfg.Execution.InstallBudgetFraction,
		BuildFraction:         cfg.Execution.BuildBudgetFraction,
	}, execution.Deps{
		Policy:    sc.Policy,
		URLs:      security.URLPolicy{AllowedHosts: cfg.Security.CloneHosts()},
		Sandboxes: mgr,
		Auditor:   security.MultiAuditor{auditLog, observability.NewSecurityAuditor(obs.Metrics)},
		Archive:   archive,
		Events:    execution.NewBroker(),
		Observer:  observability.NewExecutionObserver(obs.Metrics, obs.Anomaly),
		Tracer:    obs.SpanTracer(),
	}, logger)
	sc.Controller = ctrl
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		ctrl.Shutdown(shutdownCtx)
	})

	if obs.Metrics != nil {
		obs.Metrics.RegisterQueue(ctrl.QueueDepth)
		obs.Metrics.RegisterSandboxes(mgr.Count)
	}

	sc.GitHub = repo.NewGitHub(repo.GitHubConfig{
		APIURL:   cfg.GitHub.BaseURL(),
		Token:    cfg.GitHub.Token,
		CacheTTL: cfg.GitHub.CacheTTL(),
	}, logger)

	return sc, nil
}

// initBackend creates the configured isolation backend.
func initBackend(cfg *config.Config, sc *SharedComponents, logger *slog.Logger) (sandbox.Backend, error) {
	switch cfg.Sandbox.Backend {
	case "docker":
		d := cfg.Sandbox.Docker
		backend, err := sandbox.NewDockerBackend(sandbox.DockerConfig{
			Host:              d.Host,
			Images:            d.Images,
			DefaultImage:      d.DefaultImage,
			PIDsLimit:         d.PIDsLimit,
			RestrictedNetwork: d.RestrictedNetwork,
			PullMissing:       d.PullMissing,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing docker backend: %w", err)
		}
		sc.addCleanup(func() { _ = backend.Close() })
		logger.Info("sandbox backend initialized", slog.String("backend", backend.Name()))
		return backend, nil
	default:
		backend := sandbox.NewProcessBackend(sandbox.ProcessConfig{Root: cfg.Sandbox.WorkRoot}, logger)
		logger.Warn("process sandbox backend provides no network or filesystem isolation; use docker in production")
		return backend, nil
	}
}

// initRateLimiter builds the policy's rate-limit hook. A nil limiter keeps
// the always-permit default.
func initRateLimiter(cfg *config.Config, sc *SharedComponents) (security.RateLimiter, error) {
	rl := cfg.Security.RateLimit
	limits := ratelimit.Config{
		RequestsPerMinute: rl.RequestsPerMinute,
		BurstSize:         rl.BurstSize,
	}
	switch rl.Driver {
	case "local":
		sc.Limiter = ratelimit.NewLocal(limits)
		return sc.Limiter, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     rl.RedisAddr,
			Password: rl.RedisPassword,
			DB:       rl.RedisDB,
		})
		limiter := ratelimit.NewRedis(client, "", limits)
		sc.addCleanup(func() { _ = limiter.Close() })
		sc.Obs.Health.AddCheck("rate_limiter", limiter.Ping)
		return limiter, nil
	default:
		return nil, nil
	}
}

// initStore creates the archive backend selected by config.
// Returns nil, nil when the archive is disabled.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageDriverName() {
	case storage.DriverNone:
		return nil, nil
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	default:
		return initSQLiteStore(cfg, logger)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	sqliteCfg := sqlitestore.Config{
		Path: cfg.DatabasePath(),
	}
	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		sqliteCfg.JournalMode = cfg.Storage.SQLite.JournalMode
	}

	store, err := sqlitestore.Open(sqliteCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}
	logger.Info("SQLite storage initialized", slog.String("path", store.Path()))
	return store, nil
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Storage == nil || cfg.Storage.Postgres == nil || cfg.Storage.Postgres.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required when storage.driver=postgres")
	}
	pg := cfg.Storage.Postgres
	store, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to PostgreSQL: %w", err)
	}
	logger.Info("PostgreSQL storage initialized")
	return store, nil
}
