// Package config handles loading and validating Tuma configuration.
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

// Config is the root configuration for Tuma.
type Config struct {
	DataDir       string                 `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.tuma/data. Override: TUMA_DATA_DIR env var.
	Remote        RemoteConfig           `json:"remote" yaml:"remote"`
	Dispatch      DispatchConfig         `json:"dispatch" yaml:"dispatch"`
	Sandbox       SandboxConfig          `json:"sandbox" yaml:"sandbox"`
	Grants        map[string]GrantConfig `json:"grants,omitempty" yaml:"grants,omitempty"`               // Run type → data-access grant.
	Storage       *StorageConfig         `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir)
	Observability *ObservabilityConfig   `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Secrets       *SecretsConfig         `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = env-only secrets
}

// RemoteConfig configures the remote bot API client.
// Tokens can be set here or via TUMA_BOT_TOKEN / TUMA_WEBHOOK_TOKEN env vars.
// Environment variables take precedence over config values.
type RemoteConfig struct {
	BaseURL        string            `json:"base_url" yaml:"base_url"`                             // Override: TUMA_API_BASE_URL env var.
	BotToken       string            `json:"bot_token,omitempty" yaml:"bot_token,omitempty"`       // Override: TUMA_BOT_TOKEN env var.
	WebhookToken   string            `json:"webhook_token,omitempty" yaml:"webhook_token,omitempty"` // Override: TUMA_WEBHOOK_TOKEN env var.
	Namespaces     map[string]string `json:"namespaces,omitempty" yaml:"namespaces,omitempty"`     // Method namespace → auth flow ("bot" or "webhook").
	TimeoutSeconds int               `json:"timeout_seconds" yaml:"timeout_seconds"`               // Per-call HTTP timeout. Default: 30.
}

// Timeout returns the per-call HTTP timeout with a default of 30s.
func (r *RemoteConfig) Timeout() time.Duration {
	if r != nil && r.TimeoutSeconds > 0 {
		return time.Duration(r.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// DispatchConfig configures the rate governor.
type DispatchConfig struct {
	PerSecond           int      `json:"per_second" yaml:"per_second"`                                   // Default: 25.
	WindowCapacity      int      `json:"window_capacity" yaml:"window_capacity"`                         // Default: 600.
	WindowLengthSeconds int      `json:"window_length_seconds" yaml:"window_length_seconds"`             // Default: 600 (10 min).
	CooldownSeconds     int      `json:"cooldown_seconds" yaml:"cooldown_seconds"`                       // Default: 60.
	QueueCapacity       int      `json:"queue_capacity" yaml:"queue_capacity"`                           // Default: 64.
	MaxRetries          int      `json:"max_retries" yaml:"max_retries"`                                 // Retry ceiling. Default: 4.
	RetryBaseDelayMS    int      `json:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`                 // Default: 500.
	RetryMaxDelayMS     int      `json:"retry_max_delay_ms" yaml:"retry_max_delay_ms"`                   // Default: 8000.
	BudgetSeconds       int      `json:"budget_seconds" yaml:"budget_seconds"`                           // Per-request wall-clock budget. Default: 45.
	ChunkThreshold      int      `json:"chunk_threshold" yaml:"chunk_threshold"`                         // Default: 4000.
	ChunkMethods        []string `json:"chunk_methods,omitempty" yaml:"chunk_methods,omitempty"`         // Methods eligible for message chunking.
	IdentityNamespaces  []string `json:"identity_namespaces,omitempty" yaml:"identity_namespaces,omitempty"` // Namespaces sanitized with the identity allow-list.
}

// WindowLength returns the sliding-window length with a default of 10m.
func (d *DispatchConfig) WindowLength() time.Duration {
	if d != nil && d.WindowLengthSeconds > 0 {
		return time.Duration(d.WindowLengthSeconds) * time.Second
	}
	return 10 * time.Minute
}

// CooldownDuration returns the cooldown with a default of 60s.
func (d *DispatchConfig) CooldownDuration() time.Duration {
	if d != nil && d.CooldownSeconds > 0 {
		return time.Duration(d.CooldownSeconds) * time.Second
	}
	return 60 * time.Second
}

// RetryBaseDelay returns the first backoff delay with a default of 500ms.
func (d *DispatchConfig) RetryBaseDelay() time.Duration {
	if d != nil && d.RetryBaseDelayMS > 0 {
		return time.Duration(d.RetryBaseDelayMS) * time.Millisecond
	}
	return 500 * time.Millisecond
}

// RetryMaxDelay returns the backoff cap with a default of 8s.
func (d *DispatchConfig) RetryMaxDelay() time.Duration {
	if d != nil && d.RetryMaxDelayMS > 0 {
		return time.Duration(d.RetryMaxDelayMS) * time.Millisecond
	}
	return 8 * time.Second
}

// Budget returns the per-request wall-clock budget with a default of 45s.
func (d *DispatchConfig) Budget() time.Duration {
	if d != nil && d.BudgetSeconds > 0 {
		return time.Duration(d.BudgetSeconds) * time.Second
	}
	return 45 * time.Second
}

// SandboxConfig configures the script executor budgets.
type SandboxConfig struct {
	TimeoutSeconds       int `json:"timeout_seconds" yaml:"timeout_seconds"`                   // Per-run wall clock. Default: 5.
	MaxMemoryMB          int `json:"max_memory_mb" yaml:"max_memory_mb"`                       // Per-run heap growth ceiling. Default: 64.
	MaxTimers            int `json:"max_timers" yaml:"max_timers"`                             // Concurrent pending timers. Default: 16.
	MaxTimerDelaySeconds int `json:"max_timer_delay_seconds" yaml:"max_timer_delay_seconds"`   // Per-timer delay cap. Default: 30.
	APICallsPerMinute    int `json:"api_calls_per_minute" yaml:"api_calls_per_minute"`         // Per-run outbound call ceiling. Default: 30.
	MaxConcurrentRuns    int `json:"max_concurrent_runs" yaml:"max_concurrent_runs"`           // Default: 8.
	MaxScriptBytes       int `json:"max_script_bytes" yaml:"max_script_bytes"`                 // Validator size ceiling. Default: 65536.
}

// Timeout returns the per-run wall clock with a default of 5s.
func (s *SandboxConfig) Timeout() time.Duration {
	if s != nil && s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 5 * time.Second
}

// MaxMemoryBytes returns the heap ceiling with a default of 64 MiB.
func (s *SandboxConfig) MaxMemoryBytes() uint64 {
	if s != nil && s.MaxMemoryMB > 0 {
		return uint64(s.MaxMemoryMB) << 20
	}
	return 64 << 20
}

// MaxTimerDelay returns the per-timer delay cap with a default of 30s.
func (s *SandboxConfig) MaxTimerDelay() time.Duration {
	if s != nil && s.MaxTimerDelaySeconds > 0 {
		return time.Duration(s.MaxTimerDelaySeconds) * time.Second
	}
	return 30 * time.Second
}

// Concurrency returns the max concurrent runs with a default of 8.
func (s *SandboxConfig) Concurrency() int {
	if s != nil && s.MaxConcurrentRuns > 0 {
		return s.MaxConcurrentRuns
	}
	return 8
}

// GrantConfig describes the data-access grant for one run type.
type GrantConfig struct {
	AllowedCollections []string `json:"allowed_collections" yaml:"allowed_collections"`
	MaxReadsPerMinute  int      `json:"max_reads_per_minute" yaml:"max_reads_per_minute"`   // 0 = unlimited.
	MaxWritesPerMinute int      `json:"max_writes_per_minute" yaml:"max_writes_per_minute"` // 0 = unlimited.
	ReadOnly           bool     `json:"read_only" yaml:"read_only"`
}

// StorageConfig configures the persistence backend.
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
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir. Override: TUMA_DB_PATH env var.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: TUMA_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
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
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "tuma"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB bool `json:"include_db" yaml:"include_db"`
}

// SecretsConfig configures the secret provider chain.
// When nil, only environment variable-based secrets are available.
type SecretsConfig struct {
	Providers []SecretProviderConfig `json:"providers" yaml:"providers"` // Tried in order.
}

// SecretProviderConfig configures a single secret provider backend.
type SecretProviderConfig struct {
	Type   string            `json:"type" yaml:"type"`                         // "env".
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"` // Backend-specific configuration.
}

// DefaultConfigPath returns the default config file path (~/.tuma/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/tuma.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".tuma", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Remote tokens and storage paths can be set in the config file or overridden
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

	// Environment variable overrides — env vars take precedence over config values.
	if envKey := os.Getenv("TUMA_API_BASE_URL"); envKey != "" {
		cfg.Remote.BaseURL = envKey
	}
	if envKey := os.Getenv("TUMA_BOT_TOKEN"); envKey != "" {
		cfg.Remote.BotToken = envKey
	}
	if envKey := os.Getenv("TUMA_WEBHOOK_TOKEN"); envKey != "" {
		cfg.Remote.WebhookToken = envKey
	}

	// Data directory override from environment.
	if envDD := os.Getenv("TUMA_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}

	// Storage overrides.
	if envPath := os.Getenv("TUMA_DB_PATH"); envPath != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		if cfg.Storage.SQLite == nil {
			cfg.Storage.SQLite = &SQLiteStorageConfig{}
		}
		cfg.Storage.SQLite.Path = envPath
	}
	if envDSN := os.Getenv("TUMA_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".tuma", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
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
		return filepath.Join(home, ".tuma", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the effective SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "tuma.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// Grant returns the grant for a run type, and whether one is configured.
func (c *Config) Grant(runType string) (GrantConfig, bool) {
	g, ok := c.Grants[runType]
	return g, ok
}

func (c *Config) validate() error {
	if c.Dispatch.PerSecond < 0 {
		return fmt.Errorf("dispatch.per_second must not be negative")
	}
	if c.Dispatch.WindowCapacity < 0 {
		return fmt.Errorf("dispatch.window_capacity must not be negative")
	}
	if c.Dispatch.QueueCapacity < 0 {
		return fmt.Errorf("dispatch.queue_capacity must not be negative")
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must not be negative")
	}
	for ns, flow := range c.Remote.Namespaces {
		switch flow {
		case "bot", "webhook":
			// valid
		default:
			return fmt.Errorf("remote.namespaces[%s] %q is not supported (use bot or webhook)", ns, flow)
		}
	}
	for name, g := range c.Grants {
		if len(g.AllowedCollections) == 0 {
			return fmt.Errorf("grants.%s.allowed_collections must contain at least one collection", name)
		}
		if g.MaxReadsPerMinute < 0 || g.MaxWritesPerMinute < 0 {
			return fmt.Errorf("grants.%s rate limits must not be negative", name)
		}
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
		if c.Storage.Driver == "postgres" && (c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "") {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set TUMA_DB_DSN)")
		}
	}
	// Tracing validation.
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		if sr := c.Observability.Tracing.SampleRate; sr < 0 || sr > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	// Secret provider validation.
	if c.Secrets != nil {
		for i, p := range c.Secrets.Providers {
			if p.Type != "env" {
				return fmt.Errorf("secrets.providers[%d].type %q is not supported (use env)", i, p.Type)
			}
		}
	}
	return nil
}
