package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Models     ModelsConfig     `yaml:"models"`
	Security   SecurityConfig   `yaml:"security"`
	Cache      CacheConfig      `yaml:"cache"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Collab     CollabConfig     `yaml:"collab"`
	Insights   InsightsConfig   `yaml:"insights"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	Mode         string        `yaml:"mode"` // "dev" or "prod"
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RateLimit    float64       `yaml:"rate_limit"` // requests/sec per client, 0 = unlimited
	RateBurst    int           `yaml:"rate_burst"`
}

// Dev reports whether the server runs in the development profile.
func (c ServerConfig) Dev() bool { return c.Mode != "prod" }

// StorageConfig holds persistence settings.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`   // sqlite database file
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
	Output string `yaml:"output"` // stdout|stderr|<path>
}

// TracerConfig holds distributed tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// CircuitBreakerConfig holds circuit breaker settings for model providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for model providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single model provider backend.
type ProviderConfig struct {
	Name         string        `yaml:"name"`
	Type         string        `yaml:"type"` // "bedrock", "http", "static"
	BaseURL      string        `yaml:"base_url,omitempty"`
	APIKey       string        `yaml:"api_key,omitempty"`
	Region       string        `yaml:"region,omitempty"`
	AllowPrivate bool          `yaml:"allow_private"` // permit reserved address space egress
	ConnTimeout  time.Duration `yaml:"conn_timeout"`
	RespTimeout  time.Duration `yaml:"resp_timeout"`
	Pool         PoolConfig    `yaml:"pool"`
}

// ModelEntryConfig declares one catalogue entry served by a provider.
type ModelEntryConfig struct {
	Name          string   `yaml:"name"`
	Provider      string   `yaml:"provider"`
	Capabilities  []string `yaml:"capabilities"`
	ContextWindow int      `yaml:"context_window"`
	CostWeight    float64  `yaml:"cost_weight"`
}

// ModelsConfig holds the provider registry settings.
type ModelsConfig struct {
	Default        string               `yaml:"default"` // safe default entry name
	Providers      []ProviderConfig     `yaml:"providers"`
	Catalog        []ModelEntryConfig   `yaml:"catalog"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// SecurityConfig holds authentication and audit settings.
type SecurityConfig struct {
	SessionTTL    time.Duration   `yaml:"session_ttl"`
	LoginAttempts int             `yaml:"login_attempts"` // failures tolerated per window
	LoginWindow   time.Duration   `yaml:"login_window"`
	Audit         AuditConfig     `yaml:"audit"`
	Bootstrap     BootstrapConfig `yaml:"bootstrap"`
}

// BootstrapConfig seeds the initial platform operator on first start.
type BootstrapConfig struct {
	TenantID string `yaml:"tenant_id"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"` // env-injected, never committed
}

// AuditConfig holds audit logging settings.
type AuditConfig struct {
	Path       string        `yaml:"path"` // JSONL file, empty = store only
	Retention  time.Duration `yaml:"retention"`
	Passphrase string        `yaml:"passphrase,omitempty"` // env-injected, encrypts file sink at rest
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Shards     int           `yaml:"shards"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	MaxEntries int           `yaml:"max_entries"`
	MaxBytes   int64         `yaml:"max_bytes"`
}

// RetryConfig tunes transient failure retries.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Factor      float64       `yaml:"factor"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"` // fraction, 0.2 = +-20%
}

// DispatcherConfig holds task queue settings.
type DispatcherConfig struct {
	QueueDepth int         `yaml:"queue_depth"` // per (tenant, kind) queue ceiling
	Retry      RetryConfig `yaml:"retry"`
}

// CollabConfig holds collaboration coordinator settings.
type CollabConfig struct {
	Retention time.Duration `yaml:"retention"` // completed collabs archived after this
}

// InsightsConfig holds telemetry aggregation settings.
type InsightsConfig struct {
	Window         time.Duration `yaml:"window"`          // summary window
	AnomalySigma   float64       `yaml:"anomaly_sigma"`   // k in mean +- k*stddev
	MinSamples     int           `yaml:"min_samples"`     // below this, no anomaly verdict
	BufferSize     int           `yaml:"buffer_size"`     // metric sink channel depth
	CompactionKeep time.Duration `yaml:"compaction_keep"` // raw sample retention
}

// ScheduledJobConfig tunes one background maintenance job.
type ScheduledJobConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// SchedulerConfig holds background job settings.
type SchedulerConfig struct {
	Enabled        bool               `yaml:"enabled"`
	CacheSweep     ScheduledJobConfig `yaml:"cache_sweep"`
	SessionReap    ScheduledJobConfig `yaml:"session_reap"`
	AuditRetention ScheduledJobConfig `yaml:"audit_retention"`
	CollabArchive  ScheduledJobConfig `yaml:"collab_archive"`
	Compaction     ScheduledJobConfig `yaml:"compaction"`
}

// Defaults returns a Config populated with production-safe defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8420",
			Mode:         "prod",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			RateLimit:    50,
			RateBurst:    100,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/controlplane.db",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Models: ModelsConfig{
			Default: "baseline",
			Providers: []ProviderConfig{
				{Name: "local", Type: "static"},
			},
			Catalog: []ModelEntryConfig{
				{Name: "baseline", Provider: "local", Capabilities: []string{"text"}, ContextWindow: 8192, CostWeight: 0.1},
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Security: SecurityConfig{
			SessionTTL:    8 * time.Hour,
			LoginAttempts: 5,
			LoginWindow:   15 * time.Minute,
			Audit: AuditConfig{
				Path:      "./data/audit.jsonl",
				Retention: 90 * 24 * time.Hour,
			},
		},
		Cache: CacheConfig{
			Shards:     16,
			DefaultTTL: 5 * time.Minute,
			MaxEntries: 100000,
			MaxBytes:   256 << 20,
		},
		Dispatcher: DispatcherConfig{
			QueueDepth: 10000,
			Retry: RetryConfig{
				MaxAttempts: 5,
				BaseDelay:   500 * time.Millisecond,
				Factor:      2,
				MaxDelay:    30 * time.Second,
				Jitter:      0.2,
			},
		},
		Collab: CollabConfig{
			Retention: 30 * 24 * time.Hour,
		},
		Insights: InsightsConfig{
			Window:         time.Hour,
			AnomalySigma:   3,
			MinSamples:     30,
			BufferSize:     4096,
			CompactionKeep: 7 * 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			CacheSweep:     ScheduledJobConfig{Enabled: true, Interval: time.Minute},
			SessionReap:    ScheduledJobConfig{Enabled: true, Interval: 5 * time.Minute},
			AuditRetention: ScheduledJobConfig{Enabled: true, Interval: 24 * time.Hour},
			CollabArchive:  ScheduledJobConfig{Enabled: true, Interval: 6 * time.Hour},
			Compaction:     ScheduledJobConfig{Enabled: true, Interval: time.Hour},
		},
	}
}

// Load reads a YAML config file, then applies env var overrides. A missing
// file is not an error; defaults plus environment win. A .env file next to
// the process is folded into the environment first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps NOWHERE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NOWHERE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("NOWHERE_SERVER_MODE"); v != "" {
		cfg.Server.Mode = v
	}
	if v := os.Getenv("NOWHERE_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("NOWHERE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("NOWHERE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("NOWHERE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("NOWHERE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("NOWHERE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("NOWHERE_MODELS_DEFAULT"); v != "" {
		cfg.Models.Default = v
	}
	if v := os.Getenv("NOWHERE_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Security.SessionTTL = d
		}
	}
	if v := os.Getenv("NOWHERE_AUDIT_PATH"); v != "" {
		cfg.Security.Audit.Path = v
	}
	if v := os.Getenv("NOWHERE_AUDIT_PASSPHRASE"); v != "" {
		cfg.Security.Audit.Passphrase = v
	}
	if v := os.Getenv("NOWHERE_BOOTSTRAP_TENANT"); v != "" {
		cfg.Security.Bootstrap.TenantID = v
	}
	if v := os.Getenv("NOWHERE_BOOTSTRAP_EMAIL"); v != "" {
		cfg.Security.Bootstrap.Email = v
	}
	if v := os.Getenv("NOWHERE_BOOTSTRAP_PASSWORD"); v != "" {
		cfg.Security.Bootstrap.Password = v
	}
	if v := os.Getenv("NOWHERE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.DefaultTTL = d
		}
	}
	if v := os.Getenv("NOWHERE_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatcher.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("NOWHERE_SCHEDULER_ENABLED"); v == "false" {
		cfg.Scheduler.Enabled = false
	}
}
