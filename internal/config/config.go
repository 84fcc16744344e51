// Package config handles loading and validating Sanduku configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Sanduku.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.sanduku/data. Override: SANDUKU_DATA_DIR env var.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Provider      ProviderConfig       `json:"provider" yaml:"provider"`
	Lease         LeaseConfig          `json:"lease" yaml:"lease"`
	Validator     ValidatorConfig      `json:"validator" yaml:"validator"`
	Sessions      SessionsConfig       `json:"sessions" yaml:"sessions"`
	MCP           []MCPServerConfig    `json:"mcp,omitempty" yaml:"mcp,omitempty"` // External MCP tool servers.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir)
	Queue         QueueConfig          `json:"queue" yaml:"queue"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → user ID.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (s *ServerConfig) Addr() string {
	if s != nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-user rate limiting for the API.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ProviderConfig selects and configures the sandbox provider backend.
// The provider name can be overridden by the SANDBOX_PROVIDER env var.
type ProviderConfig struct {
	Name    string         `json:"name" yaml:"name"` // "e2b", "daytona", or "docker".
	E2B     *E2BConfig     `json:"e2b,omitempty" yaml:"e2b,omitempty"`
	Daytona *DaytonaConfig `json:"daytona,omitempty" yaml:"daytona,omitempty"`
	Docker  *DockerConfig  `json:"docker,omitempty" yaml:"docker,omitempty"`
}

// ProviderName returns the configured provider, defaulting to "docker".
func (p *ProviderConfig) ProviderName() string {
	if p != nil && p.Name != "" {
		return p.Name
	}
	return "docker"
}

// E2BConfig configures the E2B cloud sandbox provider.
// API key can be set here or via the E2B_API_KEY env var (env wins).
type E2BConfig struct {
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: E2B_API_KEY env var.
	Domain     string `json:"domain" yaml:"domain"`                       // Default: "e2b.app".
	Template   string `json:"template" yaml:"template"`                   // Sandbox template ID. Default: "base".
	TimeoutSec int    `json:"timeout_sec" yaml:"timeout_sec"`             // Remote sandbox timeout. Default: 300.
}

// DaytonaConfig configures the Daytona cloud sandbox provider.
// API key can be set here or via the DAYTONA_API_KEY env var (env wins).
type DaytonaConfig struct {
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: DAYTONA_API_KEY env var.
	APIURL   string `json:"api_url" yaml:"api_url"`                     // Default: "https://app.daytona.io/api".
	Snapshot string `json:"snapshot" yaml:"snapshot"`                   // Base snapshot for new sandboxes.
	Target   string `json:"target" yaml:"target"`                       // Region target (e.g. "us", "eu").
}

// DockerConfig configures the local Docker sandbox provider.
type DockerConfig struct {
	Image          string  `json:"image" yaml:"image"`                     // Container image. Default: "sanduku-runtime:latest".
	MemoryMB       int     `json:"memory_mb" yaml:"memory_mb"`             // --memory hard limit. Default: 512.
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores"`             // --cpus rate limit. Default: 1.0.
	PIDsLimit      int     `json:"pids_limit" yaml:"pids_limit"`           // --pids-limit. Default: 128.
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed"` // false = --network=none.
	PublishPorts   bool    `json:"publish_ports" yaml:"publish_ports"`     // true = -P so ExposePort can resolve host mappings.
}

// LeaseConfig configures sandbox lease and timeout scheduling.
type LeaseConfig struct {
	DurationSeconds     int `json:"duration_seconds" yaml:"duration_seconds"`           // Lease window. Default: 1800 (30 min).
	BufferSeconds       int `json:"buffer_seconds" yaml:"buffer_seconds"`               // Pause-before-timeout buffer. Default: 120.
	RetentionSeconds    int `json:"retention_seconds" yaml:"retention_seconds"`         // Paused → hard delete window. Default: 86400 (24h).
	PollIntervalSeconds int `json:"poll_interval_seconds" yaml:"poll_interval_seconds"` // Scheduler poll interval. Default: 3.
	CommandTimeoutSec   int `json:"command_timeout_seconds" yaml:"command_timeout_seconds"` // Default per-command execution limit. Default: 120.
}

// Duration returns the lease duration with a default of 30 minutes.
func (l *LeaseConfig) Duration() time.Duration {
	if l != nil && l.DurationSeconds > 0 {
		return time.Duration(l.DurationSeconds) * time.Second
	}
	return 30 * time.Minute
}

// Buffer returns the pause-before-timeout buffer with a default of 2 minutes.
func (l *LeaseConfig) Buffer() time.Duration {
	if l != nil && l.BufferSeconds > 0 {
		return time.Duration(l.BufferSeconds) * time.Second
	}
	return 2 * time.Minute
}

// Retention returns the paused-sandbox retention window with a default of 24h.
func (l *LeaseConfig) Retention() time.Duration {
	if l != nil && l.RetentionSeconds > 0 {
		return time.Duration(l.RetentionSeconds) * time.Second
	}
	return 24 * time.Hour
}

// PollInterval returns the scheduler poll interval with a default of 3s.
func (l *LeaseConfig) PollInterval() time.Duration {
	if l != nil && l.PollIntervalSeconds > 0 {
		return time.Duration(l.PollIntervalSeconds) * time.Second
	}
	return 3 * time.Second
}

// CommandTimeout returns the default command execution limit with a default of 2m.
func (l *LeaseConfig) CommandTimeout() time.Duration {
	if l != nil && l.CommandTimeoutSec > 0 {
		return time.Duration(l.CommandTimeoutSec) * time.Second
	}
	return 2 * time.Minute
}

// ValidatorConfig configures the code security validator.
type ValidatorConfig struct {
	MaxCodeBytes     int      `json:"max_code_bytes" yaml:"max_code_bytes"`         // Default: 65536.
	AllowedImports   []string `json:"allowed_imports" yaml:"allowed_imports"`       // Optional allow-list of import namespaces. Empty = any not denied.
	AllowedPatterns  []string `json:"allowed_patterns" yaml:"allowed_patterns"`     // Denylist entries explicitly whitelisted (e.g. "subprocess").
	ExtraDenyStrings []string `json:"extra_deny_strings" yaml:"extra_deny_strings"` // Additional literal substrings to reject.
}

// MaxBytes returns the max code length with a default of 64 KiB.
func (v *ValidatorConfig) MaxBytes() int {
	if v != nil && v.MaxCodeBytes > 0 {
		return v.MaxCodeBytes
	}
	return 64 * 1024
}

// SessionsConfig configures the session manager.
type SessionsConfig struct {
	IdleTimeoutSeconds int    `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"` // Idle session eviction. Default: 3600.
	SweepSchedule      string `json:"sweep_schedule" yaml:"sweep_schedule"`             // Cron spec for the idle sweep. Default: "@every 5m".
	MCPCallTimeoutSec  int    `json:"mcp_call_timeout_seconds" yaml:"mcp_call_timeout_seconds"` // Per tool call. Default: 60.
}

// IdleTimeout returns the idle session eviction window with a default of 1h.
func (s *SessionsConfig) IdleTimeout() time.Duration {
	if s != nil && s.IdleTimeoutSeconds > 0 {
		return time.Duration(s.IdleTimeoutSeconds) * time.Second
	}
	return time.Hour
}

// Schedule returns the idle sweep cron spec with a default of "@every 5m".
func (s *SessionsConfig) Schedule() string {
	if s != nil && s.SweepSchedule != "" {
		return s.SweepSchedule
	}
	return "@every 5m"
}

// MCPCallTimeout returns the per-tool-call timeout with a default of 60s.
func (s *SessionsConfig) MCPCallTimeout() time.Duration {
	if s != nil && s.MCPCallTimeoutSec > 0 {
		return time.Duration(s.MCPCallTimeoutSec) * time.Second
	}
	return 60 * time.Second
}

// MCPServerConfig defines a single external MCP server connection.
// Sanduku acts as an MCP client, connecting at startup, discovering tools,
// and registering them into the flat tool namespace.
type MCPServerConfig struct {
	Name      string            `json:"name" yaml:"name"`                           // Server ID used for namespacing (e.g., "github").
	Transport string            `json:"transport" yaml:"transport"`                 // "stdio", "sse", or "streamable_http".
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"` // Executable to launch (stdio only).
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`       // Command arguments (stdio only).
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`         // Subprocess env vars (stdio only). Values support ${VAR} expansion.
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`         // Server endpoint (sse/streamable_http only).
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // HTTP headers (sse/streamable_http). Values support ${VAR} expansion.
}

// StorageConfig configures the persistence backend for sandbox metadata.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
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
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// QueueConfig configures the Redis-backed delayed task queue.
// Address can be overridden by the SANDUKU_REDIS_ADDR env var.
type QueueConfig struct {
	Addr     string `json:"addr" yaml:"addr"`         // Default: "localhost:6379".
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"` // Default: 10.
}

// RedisAddr returns the Redis address with a default of "localhost:6379".
func (q *QueueConfig) RedisAddr() string {
	if q != nil && q.Addr != "" {
		return q.Addr
	}
	return "localhost:6379"
}

// Pool returns the connection pool size with a default of 10.
func (q *QueueConfig) Pool() int {
	if q != nil && q.PoolSize > 0 {
		return q.PoolSize
	}
	return 10
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sanduku"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures sliding-window error rate monitoring.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Default: 300
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // 0.0–1.0. 0 disables the check.
}

// DefaultConfigPath returns the default config file path (~/.sanduku/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/sanduku.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".sanduku", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Provider API keys and the provider name can be set in the config file or overridden
// by environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
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
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".sanduku", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Env vars take
// precedence over config file values.
func (c *Config) applyEnvOverrides() {
	if env := os.Getenv("SANDBOX_PROVIDER"); env != "" {
		c.Provider.Name = env
	}
	if env := os.Getenv("E2B_API_KEY"); env != "" {
		if c.Provider.E2B == nil {
			c.Provider.E2B = &E2BConfig{}
		}
		c.Provider.E2B.APIKey = env
	}
	if env := os.Getenv("DAYTONA_API_KEY"); env != "" {
		if c.Provider.Daytona == nil {
			c.Provider.Daytona = &DaytonaConfig{}
		}
		c.Provider.Daytona.APIKey = env
	}
	if env := os.Getenv("SANDUKU_REDIS_ADDR"); env != "" {
		c.Queue.Addr = env
	}
	if env := os.Getenv("SANDUKU_DATA_DIR"); env != "" {
		c.DataDir = env
	}
	if env := os.Getenv("SANDUKU_LISTEN_ADDR"); env != "" {
		c.Server.ListenAddr = env
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
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".sanduku", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "sanduku.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	// Unknown provider names fail here at startup, not at first use.
	switch c.Provider.ProviderName() {
	case "e2b":
		if c.Provider.E2B == nil || c.Provider.E2B.APIKey == "" {
			return fmt.Errorf("provider.e2b.api_key is required (set E2B_API_KEY env var)")
		}
	case "daytona":
		if c.Provider.Daytona == nil || c.Provider.Daytona.APIKey == "" {
			return fmt.Errorf("provider.daytona.api_key is required (set DAYTONA_API_KEY env var)")
		}
	case "docker":
		// No credentials needed.
	default:
		return fmt.Errorf("provider.name %q is not supported (use e2b, daytona, or docker)", c.Provider.ProviderName())
	}

	if c.Lease.BufferSeconds > 0 && c.Lease.DurationSeconds > 0 && c.Lease.BufferSeconds >= c.Lease.DurationSeconds {
		return fmt.Errorf("lease.buffer_seconds must be smaller than lease.duration_seconds")
	}

	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
			// valid
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}

	// MCP server config validation.
	mcpNames := make(map[string]bool, len(c.MCP))
	for i, srv := range c.MCP {
		if srv.Name == "" {
			return fmt.Errorf("mcp[%d].name is required", i)
		}
		if mcpNames[srv.Name] {
			return fmt.Errorf("mcp[%d]: duplicate server name %q", i, srv.Name)
		}
		mcpNames[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("mcp[%d] (%q): command is required for stdio transport", i, srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("mcp[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("mcp[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
		}
	}
	return nil
}
