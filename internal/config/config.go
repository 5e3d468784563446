// Package config handles loading and validating runbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for runbox.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty" toml:"data_dir,omitempty"` // Default: ~/.runbox/data. Override: RUNBOX_DATA_DIR.
	Server        ServerConfig         `json:"server" yaml:"server" toml:"server"`
	Logging       LoggingConfig        `json:"logging" yaml:"logging" toml:"logging"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox" toml:"sandbox"`
	Security      SecurityConfig       `json:"security" yaml:"security" toml:"security"`
	Execution     ExecutionConfig      `json:"execution" yaml:"execution" toml:"execution"`
	GitHub        GitHubConfig         `json:"github" yaml:"github" toml:"github"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty" toml:"storage,omitempty"`                   // nil = SQLite archive under data_dir
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty" toml:"observability,omitempty"` // nil = observability disabled
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty" toml:"scheduler,omitempty"`             // nil = default sweep schedule
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	ListenAddr          string `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"` // Default: ":8080".
	EnableDocs          bool   `json:"enable_docs" yaml:"enable_docs" toml:"enable_docs"`
	MaxRequestSizeBytes int64  `json:"max_request_size_bytes" yaml:"max_request_size_bytes" toml:"max_request_size_bytes"` // Default: 1 MiB.
	EnableWebSocket     bool   `json:"enable_websocket" yaml:"enable_websocket" toml:"enable_websocket"`

	// APIKeys maps bearer tokens to client names. Empty = unauthenticated,
	// clients identified by X-Client-ID or remote address.
	APIKeys map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty" toml:"api_keys,omitempty"`
}

// Addr returns the listen address with a default of ":8080".
func (s ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// MaxBodyBytes returns the request body cap with a default of 1 MiB.
func (s ServerConfig) MaxBodyBytes() int64 {
	if s.MaxRequestSizeBytes > 0 {
		return s.MaxRequestSizeBytes
	}
	return 1 << 20
}

// LoggingConfig selects the log level and format.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`    // debug, info (default), warn, error
	Format string `json:"format" yaml:"format" toml:"format"` // json (default) or text
}

// SandboxConfig configures the isolation backend and sandbox lifecycle.
type SandboxConfig struct {
	Backend                 string              `json:"backend" yaml:"backend" toml:"backend"` // "process" (default) or "docker"
	TTLSeconds              int                 `json:"ttl_seconds" yaml:"ttl_seconds" toml:"ttl_seconds"`                                           // Default: 900.
	GraceSeconds            int                 `json:"grace_seconds" yaml:"grace_seconds" toml:"grace_seconds"`                                     // Default: 30.
	IdleTimeoutSeconds      int                 `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds" toml:"idle_timeout_seconds"`                // Default: 120.
	MaxProvisioning         int                 `json:"max_provisioning" yaml:"max_provisioning" toml:"max_provisioning"`                            // Concurrent provisioning cap. Default: 4.
	MaxOutputBytes          int                 `json:"max_output_bytes" yaml:"max_output_bytes" toml:"max_output_bytes"`                            // Per-stream capture cap. Default: 1 MiB.
	WorkRoot                string              `json:"work_root,omitempty" yaml:"work_root,omitempty" toml:"work_root,omitempty"`                   // Process backend working root. Default: os.TempDir().
	Docker                  DockerSandboxConfig `json:"docker" yaml:"docker" toml:"docker"`
}

// TTL returns the sandbox time-to-live with a default of 15 minutes.
func (s SandboxConfig) TTL() time.Duration {
	if s.TTLSeconds > 0 {
		return time.Duration(s.TTLSeconds) * time.Second
	}
	return 15 * time.Minute
}

// Grace returns the grace period for busy sandboxes past their TTL. Default: 30s.
func (s SandboxConfig) Grace() time.Duration {
	if s.GraceSeconds > 0 {
		return time.Duration(s.GraceSeconds) * time.Second
	}
	return 30 * time.Second
}

// IdleTimeout returns how long an idle sandbox survives. Default: 2 minutes.
func (s SandboxConfig) IdleTimeout() time.Duration {
	if s.IdleTimeoutSeconds > 0 {
		return time.Duration(s.IdleTimeoutSeconds) * time.Second
	}
	return 2 * time.Minute
}

// ProvisioningLimit returns the concurrent provisioning cap. Default: 4.
func (s SandboxConfig) ProvisioningLimit() int {
	if s.MaxProvisioning > 0 {
		return s.MaxProvisioning
	}
	return 4
}

// OutputCap returns the per-stream output cap. Default: 1 MiB.
func (s SandboxConfig) OutputCap() int {
	if s.MaxOutputBytes > 0 {
		return s.MaxOutputBytes
	}
	return 1 << 20
}

// DockerSandboxConfig holds Docker-specific sandbox settings.
type DockerSandboxConfig struct {
	Host              string            `json:"host,omitempty" yaml:"host,omitempty" toml:"host,omitempty"`                               // Empty = DOCKER_HOST / default socket.
	Images            map[string]string `json:"images,omitempty" yaml:"images,omitempty" toml:"images,omitempty"`                         // Language → image overrides.
	DefaultImage      string            `json:"default_image" yaml:"default_image" toml:"default_image"`                                  // Default: "ubuntu:22.04".
	PIDsLimit         int64             `json:"pids_limit" yaml:"pids_limit" toml:"pids_limit"`                                           // Default: 128.
	RestrictedNetwork string            `json:"restricted_network" yaml:"restricted_network" toml:"restricted_network"`                   // Egress-filtered network name. Default: "bridge".
	PullMissing       bool              `json:"pull_missing" yaml:"pull_missing" toml:"pull_missing"`
}

// SecurityConfig configures the payload policy and the rate-limit hook.
type SecurityConfig struct {
	RulesFile       string          `json:"rules_file,omitempty" yaml:"rules_file,omitempty" toml:"rules_file,omitempty"`    // Extra rules, reloaded on change.
	MaxPayloadBytes int             `json:"max_payload_bytes" yaml:"max_payload_bytes" toml:"max_payload_bytes"`             // Default: 100 KB.
	AllowedHosts    []string        `json:"allowed_hosts,omitempty" yaml:"allowed_hosts,omitempty" toml:"allowed_hosts,omitempty"` // Clone host allowlist.
	AuditLog        string          `json:"audit_log,omitempty" yaml:"audit_log,omitempty" toml:"audit_log,omitempty"`       // Default: <data_dir>/audit.jsonl.
	RateLimit       RateLimitConfig `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
}

// PayloadLimit returns the maximum accepted payload size. Default: 100 KB.
func (s SecurityConfig) PayloadLimit() int {
	if s.MaxPayloadBytes > 0 {
		return s.MaxPayloadBytes
	}
	return 100 * 1024
}

// CloneHosts returns the clone host allowlist.
func (s SecurityConfig) CloneHosts() []string {
	if len(s.AllowedHosts) > 0 {
		return s.AllowedHosts
	}
	return []string{"github.com", "gitlab.com", "bitbucket.org"}
}

// RateLimitConfig configures per-client rate limiting.
// Driver "" or "none" keeps the always-permit hook.
type RateLimitConfig struct {
	Driver            string `json:"driver" yaml:"driver" toml:"driver"` // "none" (default), "local" or "redis"
	RequestsPerMinute int    `json:"requests_per_minute" yaml:"requests_per_minute" toml:"requests_per_minute"`
	BurstSize         int    `json:"burst_size" yaml:"burst_size" toml:"burst_size"`
	RedisAddr         string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty" toml:"redis_addr,omitempty"` // Override: RUNBOX_REDIS_ADDR.
	RedisPassword     string `json:"redis_password,omitempty" yaml:"redis_password,omitempty" toml:"redis_password,omitempty"`
	RedisDB           int    `json:"redis_db" yaml:"redis_db" toml:"redis_db"`
}

// ExecutionConfig configures the execution controller.
type ExecutionConfig struct {
	MaxConcurrent        int     `json:"max_concurrent" yaml:"max_concurrent" toml:"max_concurrent"`                            // Default: 4.
	QueueCapacity        int     `json:"queue_capacity" yaml:"queue_capacity" toml:"queue_capacity"`                            // Default: 64.
	SubmitTimeoutSeconds int     `json:"submit_timeout_seconds" yaml:"submit_timeout_seconds" toml:"submit_timeout_seconds"`    // Default: 30.
	MaxTimeoutSeconds    int     `json:"max_timeout_seconds" yaml:"max_timeout_seconds" toml:"max_timeout_seconds"`             // Default: 600.
	HistoryCapacity      int     `json:"history_capacity" yaml:"history_capacity" toml:"history_capacity"`                      // Default: 500.
	HistoryMaxAgeMinutes int     `json:"history_max_age_minutes" yaml:"history_max_age_minutes" toml:"history_max_age_minutes"` // Default: 1440.
	InstallFailurePolicy string  `json:"install_failure_policy" yaml:"install_failure_policy" toml:"install_failure_policy"`    // "continue" (default) or "abort"
	CloneBudgetFraction  float64 `json:"clone_budget_fraction" yaml:"clone_budget_fraction" toml:"clone_budget_fraction"`       // Default: 0.3.
	InstallBudgetFraction float64 `json:"install_budget_fraction" yaml:"install_budget_fraction" toml:"install_budget_fraction"` // Default: 0.5.
	BuildBudgetFraction  float64 `json:"build_budget_fraction" yaml:"build_budget_fraction" toml:"build_budget_fraction"`       // Default: 0.6.
}

// Concurrency returns the max simultaneous executions. Default: 4.
func (e ExecutionConfig) Concurrency() int {
	if e.MaxConcurrent > 0 {
		return e.MaxConcurrent
	}
	return 4
}

// Queue returns the FIFO queue capacity. Default: 64.
func (e ExecutionConfig) Queue() int {
	if e.QueueCapacity > 0 {
		return e.QueueCapacity
	}
	return 64
}

// SubmitTimeout returns how long a submission may wait for a slot. Default: 30s.
func (e ExecutionConfig) SubmitTimeout() time.Duration {
	if e.SubmitTimeoutSeconds > 0 {
		return time.Duration(e.SubmitTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// MaxTimeout returns the system ceiling on requested timeouts. Default: 10 minutes.
func (e ExecutionConfig) MaxTimeout() time.Duration {
	if e.MaxTimeoutSeconds > 0 {
		return time.Duration(e.MaxTimeoutSeconds) * time.Second
	}
	return 10 * time.Minute
}

// HistorySize returns the history capacity. Default: 500.
func (e ExecutionConfig) HistorySize() int {
	if e.HistoryCapacity > 0 {
		return e.HistoryCapacity
	}
	return 500
}

// HistoryMaxAge returns the history retention window. Default: 24h.
func (e ExecutionConfig) HistoryMaxAge() time.Duration {
	if e.HistoryMaxAgeMinutes > 0 {
		return time.Duration(e.HistoryMaxAgeMinutes) * time.Minute
	}
	return 24 * time.Hour
}

// ContinueAfterInstallFailure reports whether build and test still run when install fails.
func (e ExecutionConfig) ContinueAfterInstallFailure() bool {
	return e.InstallFailurePolicy != "abort"
}

// GitHubConfig configures the repository metadata lookup used by analyze.
type GitHubConfig struct {
	APIURL          string `json:"api_url" yaml:"api_url" toml:"api_url"`                               // Default: https://api.github.com
	Token           string `json:"token,omitempty" yaml:"token,omitempty" toml:"token,omitempty"`       // Override: GITHUB_TOKEN.
	CacheTTLSeconds int    `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds" toml:"cache_ttl_seconds"` // Default: 600.
}

// BaseURL returns the API base URL.
func (g GitHubConfig) BaseURL() string {
	if g.APIURL != "" {
		return strings.TrimRight(g.APIURL, "/")
	}
	return "https://api.github.com"
}

// CacheTTL returns the analyze cache lifetime. Default: 10 minutes.
func (g GitHubConfig) CacheTTL() time.Duration {
	if g.CacheTTLSeconds > 0 {
		return time.Duration(g.CacheTTLSeconds) * time.Second
	}
	return 10 * time.Minute
}

// StorageConfig configures the execution archive.
// When nil, defaults to SQLite under the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver" toml:"driver"`                                     // "sqlite" (default), "postgres" or "none".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty" toml:"sqlite,omitempty"`       // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty" toml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"` // Default: <data_dir>/runbox.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode" toml:"journal_mode"`       // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn" toml:"dsn"` // Override: RUNBOX_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`                // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`                // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s" toml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty" toml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty" toml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty" toml:"anomaly,omitempty"`
}

// AnomalyConfig configures failure-rate anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds" toml:"window_seconds"`                   // Sliding window. Default: 300.
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold" toml:"error_rate_threshold"` // 0.0–1.0. Default: 0.5.
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" toml:"endpoint"`             // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol" toml:"protocol"`             // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name" toml:"service_name"` // Default: "runbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`    // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure" toml:"insecure"`
}

// SchedulerConfig configures the periodic maintenance jobs.
type SchedulerConfig struct {
	SweepSchedule     string `json:"sweep_schedule" yaml:"sweep_schedule" toml:"sweep_schedule"`             // Cron expression. Default: "* * * * *".
	PruneSchedule     string `json:"prune_schedule" yaml:"prune_schedule" toml:"prune_schedule"`             // Cron expression. Default: "17 3 * * *".
	ArchiveRetainDays int    `json:"archive_retain_days" yaml:"archive_retain_days" toml:"archive_retain_days"` // Default: 30.
}

// Sweep returns the sweep cron expression.
func (s *SchedulerConfig) Sweep() string {
	if s != nil && s.SweepSchedule != "" {
		return s.SweepSchedule
	}
	return "* * * * *"
}

// Prune returns the archive pruning cron expression.
func (s *SchedulerConfig) Prune() string {
	if s != nil && s.PruneSchedule != "" {
		return s.PruneSchedule
	}
	return "17 3 * * *"
}

// ArchiveRetention returns how long archived executions are kept.
func (s *SchedulerConfig) ArchiveRetention() time.Duration {
	if s != nil && s.ArchiveRetainDays > 0 {
		return time.Duration(s.ArchiveRetainDays) * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// DefaultConfigPath returns the default config file path (~/.runbox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/runbox.yaml"
	}
	return filepath.Join(home, ".runbox", "config.yaml")
}

// Default returns a validated configuration with every default applied.
// Used when no config file exists.
func Default() (*Config, error) {
	var cfg Config
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads a YAML, TOML or JSON config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, .toml for TOML,
// everything else for JSON (comments and trailing commas allowed).
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing TOML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err == nil {
		if _, statErr := os.Stat(resolved); statErr == nil {
			return Load(resolved)
		}
	}
	return Default()
}

// finish applies environment overrides and defaults, then validates.
func (c *Config) finish() error {
	c.applyEnv()

	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".runbox", "data")
		} else {
			c.DataDir = "data"
		}
	}

	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("RUNBOX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("RUNBOX_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("RUNBOX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RUNBOX_SANDBOX_BACKEND"); v != "" {
		c.Sandbox.Backend = v
	}
	if v := os.Getenv("RUNBOX_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Execution.MaxConcurrent = n
		}
	}
	if v := os.Getenv("RUNBOX_REDIS_ADDR"); v != "" {
		c.Security.RateLimit.RedisAddr = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.GitHub.Token = v
	}
	if v := os.Getenv("RUNBOX_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite archive path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "runbox.db")
}

// AuditLogPath returns the JSONL audit log path.
func (c *Config) AuditLogPath() string {
	if c.Security.AuditLog != "" {
		if p, err := resolvePath(c.Security.AuditLog); err == nil {
			return p
		}
		return c.Security.AuditLog
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	switch c.Sandbox.Backend {
	case "", "process", "docker":
	default:
		return fmt.Errorf("sandbox.backend %q is not supported (use process or docker)", c.Sandbox.Backend)
	}
	if c.Sandbox.TTLSeconds < 0 || c.Sandbox.GraceSeconds < 0 || c.Sandbox.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("sandbox durations must not be negative")
	}
	if limit, life := c.Execution.MaxTimeout(), c.Sandbox.TTL()+c.Sandbox.Grace(); limit > life {
		return fmt.Errorf("execution.max_timeout_seconds (%s) exceeds the sandbox lifetime ttl_seconds+grace_seconds (%s)", limit, life)
	}
	if c.Sandbox.Docker.PIDsLimit < 0 {
		return fmt.Errorf("sandbox.docker.pids_limit must not be negative")
	}
	switch c.Security.RateLimit.Driver {
	case "", "none":
	case "local":
		if c.Security.RateLimit.RequestsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.requests_per_minute must be positive for the local driver")
		}
	case "redis":
		if c.Security.RateLimit.RequestsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.requests_per_minute must be positive for the redis driver")
		}
		if c.Security.RateLimit.RedisAddr == "" {
			return fmt.Errorf("security.rate_limit.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("security.rate_limit.driver %q is not supported (use none, local or redis)", c.Security.RateLimit.Driver)
	}
	if c.Execution.MaxConcurrent < 0 || c.Execution.QueueCapacity < 0 {
		return fmt.Errorf("execution.max_concurrent and execution.queue_capacity must not be negative")
	}
	switch c.Execution.InstallFailurePolicy {
	case "", "continue", "abort":
	default:
		return fmt.Errorf("execution.install_failure_policy %q is not supported (use continue or abort)", c.Execution.InstallFailurePolicy)
	}
	for name, f := range map[string]float64{
		"clone_budget_fraction":   c.Execution.CloneBudgetFraction,
		"install_budget_fraction": c.Execution.InstallBudgetFraction,
		"build_budget_fraction":   c.Execution.BuildBudgetFraction,
	} {
		if f < 0 || f > 1 {
			return fmt.Errorf("execution.%s must be within [0, 1]", name)
		}
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "none":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or none)", c.Storage.Driver)
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		if r := c.Observability.Tracing.SampleRate; r < 0 || r > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be within [0, 1]")
		}
	}
	return nil
}
