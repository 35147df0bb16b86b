// Package config handles loading and validating Daraja configuration.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
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

// Config is the root configuration for Daraja.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Persistent data directory. Default: ~/.daraja/data. Override: DARAJA_DATA_DIR env var.
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"` // "debug", "info", "warn", "error". Default: "info".
	Accounts      []AccountConfig      `json:"accounts" yaml:"accounts"`
	Socket        *SocketConfig        `json:"socket,omitempty" yaml:"socket,omitempty"`               // nil = protocol defaults
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = tokens cached in memory only
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Ops           *OpsConfig           `json:"ops,omitempty" yaml:"ops,omitempty"`                     // nil = ops endpoint disabled
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = env-only secrets
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AccountConfig describes one bot account and how it receives events.
type AccountConfig struct {
	Name      string         `json:"name,omitempty" yaml:"name,omitempty"`       // Log label. Default: app_id.
	AppID     string         `json:"app_id" yaml:"app_id"`                       // Platform application ID.
	AppSecret string         `json:"app_secret" yaml:"app_secret"`               // Literal value or secret reference (env://, vault://).
	Sandbox   bool           `json:"sandbox" yaml:"sandbox"`                     // Use the sandbox API host.
	Mode      string         `json:"mode,omitempty" yaml:"mode,omitempty"`       // "socket" (default) or "webhook".
	Webhook   *WebhookConfig `json:"webhook,omitempty" yaml:"webhook,omitempty"` // Required when mode is "webhook".
}

// Label returns the account's log label, defaulting to the app ID.
func (a *AccountConfig) Label() string {
	if a.Name != "" {
		return a.Name
	}
	return a.AppID
}

// TransportMode returns the configured mode, defaulting to "socket".
func (a *AccountConfig) TransportMode() string {
	if a.Mode != "" {
		return a.Mode
	}
	return "socket"
}

// WebhookConfig configures the callback listener for one account.
type WebhookConfig struct {
	ListenAddr    string          `json:"listen_addr" yaml:"listen_addr"`                         // e.g. ":8443".
	Path          string          `json:"path,omitempty" yaml:"path,omitempty"`                   // Default: "/webhook".
	AllowUnsigned bool            `json:"allow_unsigned" yaml:"allow_unsigned"`                   // Accept posts without signature headers (logged as a warning). Default: false.
	QueueSize     int             `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`       // Dispatch queue capacity. Default: 256.
	Workers       int             `json:"workers,omitempty" yaml:"workers,omitempty"`             // Dispatch worker count. Default: 4.
	RateLimit     RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`       // Per-source flood protection. Zero = unlimited.
}

// WebhookPath returns the callback path with a default of "/webhook".
func (w *WebhookConfig) WebhookPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/webhook"
}

// Queue returns the dispatch queue capacity with a default of 256.
func (w *WebhookConfig) Queue() int {
	if w != nil && w.QueueSize > 0 {
		return w.QueueSize
	}
	return 256
}

// WorkerCount returns the dispatch worker count with a default of 4.
func (w *WebhookConfig) WorkerCount() int {
	if w != nil && w.Workers > 0 {
		return w.Workers
	}
	return 4
}

// RateLimitConfig configures per-source rate limiting for a webhook listener.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// SocketConfig tunes the persistent-socket transport. The backoff schedule
// itself is fixed; only the attempt budget and handshake patience are
// configurable.
type SocketConfig struct {
	MaxReconnectAttempts    int `json:"max_reconnect_attempts,omitempty" yaml:"max_reconnect_attempts,omitempty"`       // Default: 5.
	HandshakeTimeoutSeconds int `json:"handshake_timeout_seconds,omitempty" yaml:"handshake_timeout_seconds,omitempty"` // Hello wait after connect. Default: 10.
}

// MaxAttempts returns the reconnect attempt budget with a default of 5.
func (s *SocketConfig) MaxAttempts() int {
	if s != nil && s.MaxReconnectAttempts > 0 {
		return s.MaxReconnectAttempts
	}
	return 5
}

// HandshakeTimeout returns the Hello wait timeout with a default of 10s.
func (s *SocketConfig) HandshakeTimeout() time.Duration {
	if s != nil && s.HandshakeTimeoutSeconds > 0 {
		return time.Duration(s.HandshakeTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// StorageConfig configures the token persistence backend.
// When nil, issued tokens live in memory and a restart re-issues them.
type StorageConfig struct {
	Driver          string                 `json:"driver" yaml:"driver"`                                             // "sqlite" (default) or "postgres".
	SQLite          *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`                         // SQLite-specific settings.
	Postgres        *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`                     // PostgreSQL-specific settings.
	CleanupSchedule string                 `json:"cleanup_schedule,omitempty" yaml:"cleanup_schedule,omitempty"` // Cron spec for purging expired tokens. Default: "0 * * * *".
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// CleanupSpec returns the token purge schedule, defaulting to hourly.
func (s *StorageConfig) CleanupSpec() string {
	if s != nil && s.CleanupSchedule != "" {
		return s.CleanupSchedule
	}
	return "0 * * * *"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data_dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics and tracing.
// When nil, both are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics collection.
// Exposition happens on the ops endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "daraja"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// OpsConfig configures the operational HTTP endpoint (liveness, readiness,
// metrics exposition). When nil, no ops endpoint is served.
type OpsConfig struct {
	ListenAddr  string `json:"listen_addr" yaml:"listen_addr"`                         // Default: ":9100".
	MetricsPath string `json:"metrics_path,omitempty" yaml:"metrics_path,omitempty"` // Default: "/metrics".
}

// OpsAddr returns the ops listen address with a default of ":9100".
func (o *OpsConfig) OpsAddr() string {
	if o != nil && o.ListenAddr != "" {
		return o.ListenAddr
	}
	return ":9100"
}

// OpsMetricsPath returns the metrics path with a default of "/metrics".
func (o *OpsConfig) OpsMetricsPath() string {
	if o != nil && o.MetricsPath != "" {
		return o.MetricsPath
	}
	return "/metrics"
}

// SecretsConfig configures the secret provider chain.
// When nil, only environment variable-based secrets are available.
type SecretsConfig struct {
	Providers []SecretProviderConfig `json:"providers" yaml:"providers"` // Tried in order.
}

// SecretProviderConfig configures a single secret provider backend.
type SecretProviderConfig struct {
	Type   string            `json:"type" yaml:"type"`                         // "env" or "vault".
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"` // Backend-specific configuration.
}

// DefaultConfigPath returns the default config file path (~/.daraja/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/daraja.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".daraja", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Account credentials can be set in the config file or via
// environment variables; environment variables take precedence.
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

	applyEnvOverrides(&cfg)

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".daraja", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variables on top of the parsed
// config. A QQ_BOT_APP_ID/QQ_BOT_SECRET pair adds a socket-mode account
// when none is configured, so single-bot deployments need no config file
// editing.
func applyEnvOverrides(cfg *Config) {
	if envDD := os.Getenv("DARAJA_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}
	if envLvl := os.Getenv("DARAJA_LOG_LEVEL"); envLvl != "" {
		cfg.LogLevel = envLvl
	}

	appID := os.Getenv("QQ_BOT_APP_ID")
	secret := os.Getenv("QQ_BOT_SECRET")
	if appID != "" && secret != "" && len(cfg.Accounts) == 0 {
		cfg.Accounts = append(cfg.Accounts, AccountConfig{
			AppID:     appID,
			AppSecret: secret,
			Sandbox:   os.Getenv("QQ_BOT_SANDBOX") == "true",
		})
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
		return filepath.Join(home, ".daraja", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// TokenDBPath returns the default SQLite database path under the data directory.
func (c *Config) TokenDBPath() string {
	return filepath.Join(c.ResolvedDataDir(), "daraja.db")
}

func (c *Config) validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not supported (use debug, info, warn, or error)", c.LogLevel)
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}

	appIDs := make(map[string]bool, len(c.Accounts))
	listenAddrs := make(map[string]bool)
	for i, acct := range c.Accounts {
		if acct.AppID == "" {
			return fmt.Errorf("accounts[%d].app_id is required", i)
		}
		if appIDs[acct.AppID] {
			return fmt.Errorf("accounts[%d]: duplicate app_id %q", i, acct.AppID)
		}
		appIDs[acct.AppID] = true
		if acct.AppSecret == "" {
			return fmt.Errorf("accounts[%d] (%s): app_secret is required", i, acct.AppID)
		}
		switch acct.TransportMode() {
		case "socket":
			// No extra settings required.
		case "webhook":
			if acct.Webhook == nil || acct.Webhook.ListenAddr == "" {
				return fmt.Errorf("accounts[%d] (%s): webhook.listen_addr is required for webhook mode", i, acct.AppID)
			}
			if listenAddrs[acct.Webhook.ListenAddr] {
				return fmt.Errorf("accounts[%d] (%s): webhook.listen_addr %q is already in use", i, acct.AppID, acct.Webhook.ListenAddr)
			}
			listenAddrs[acct.Webhook.ListenAddr] = true
			if p := acct.Webhook.Path; p != "" && !strings.HasPrefix(p, "/") {
				return fmt.Errorf("accounts[%d] (%s): webhook.path must start with /", i, acct.AppID)
			}
		default:
			return fmt.Errorf("accounts[%d] (%s): mode %q is not supported (use socket or webhook)", i, acct.AppID, acct.Mode)
		}
	}

	// Storage driver validation.
	if c.Storage != nil {
		switch c.Storage.StorageDriver() {
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

	// Secret provider validation.
	if c.Secrets != nil {
		for i, p := range c.Secrets.Providers {
			switch p.Type {
			case "env", "vault":
				// valid
			default:
				return fmt.Errorf("secrets.providers[%d].type %q is not supported (use env or vault)", i, p.Type)
			}
		}
	}

	return nil
}
