package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Conflict strategies accepted by sync.conflict_strategy.
const (
	ConflictApplyRemote = "apply_remote"
	ConflictRetryLocal  = "retry_local"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Remote   RemoteConfig   `yaml:"remote"`
	Schema   SchemaConfig   `yaml:"schema"`
	Sync     SyncConfig     `yaml:"sync"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Events   EventsConfig   `yaml:"events"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// DatabaseConfig contains local database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig points the sync engine at a backend. An empty endpoint runs
// the engine local-only.
type RemoteConfig struct {
	Endpoint       string   `yaml:"endpoint"`
	APIKey         string   `yaml:"-"` // env-only, never in YAML
	RequestTimeout Duration `yaml:"request_timeout"`
}

// SchemaConfig locates the model schema file.
type SchemaConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig contains sync engine timings and policies.
type SyncConfig struct {
	BaseSyncInterval            Duration    `yaml:"base_sync_interval"`
	ItemTimeout                 Duration    `yaml:"item_timeout"`
	SubscriptionTimeoutPerModel Duration    `yaml:"subscription_timeout_per_model"`
	ConflictHandlerTimeout      Duration    `yaml:"conflict_handler_timeout"`
	PageSize                    int         `yaml:"page_size"`
	Concurrency                 int         `yaml:"concurrency"`
	ConflictStrategy            string      `yaml:"conflict_strategy"`
	Retry                       RetryConfig `yaml:"retry"`
}

// RetryConfig bounds retries of remote calls.
type RetryConfig struct {
	BaseDelay   Duration `yaml:"base_delay"`
	MaxExponent int      `yaml:"max_exponent"`
	MaxAttempts int      `yaml:"max_attempts"`
	MaxJitter   Duration `yaml:"max_jitter"`
}

// ServerConfig contains HTTP server settings for the reference backend.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// Tombstones older than TombstoneRetention are purged every
	// CompactionInterval. A zero interval disables compaction.
	TombstoneRetention Duration `yaml:"tombstone_retention"`
	CompactionInterval Duration `yaml:"compaction_interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EventsConfig enables forwarding engine events to Redis pub/sub.
type EventsConfig struct {
	RedisURL string `yaml:"redis_url"`
	Channel  string `yaml:"channel"`
}

// SnapshotConfig controls periodic copies of the backend database. A zero
// interval disables snapshots; an empty bucket keeps them local.
type SnapshotConfig struct {
	Interval  Duration `yaml:"interval"`
	Path      string   `yaml:"path"`
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	UseSSL    *bool    `yaml:"use_ssl"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → .env →
// env vars. Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("OUTPOST_CONFIG_PATH", "config/outpost.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	if err := loadDotEnv(getEnv("OUTPOST_ENV_FILE", ".env")); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and an explicit path.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "data/outpost.db",
		},
		Remote: RemoteConfig{
			RequestTimeout: Duration(30 * time.Second),
		},
		Schema: SchemaConfig{
			Path: "config/schema.yaml",
		},
		Sync: SyncConfig{
			BaseSyncInterval:            Duration(24 * time.Hour),
			ItemTimeout:                 Duration(2 * time.Minute),
			SubscriptionTimeoutPerModel: Duration(5 * time.Second),
			ConflictHandlerTimeout:      Duration(30 * time.Second),
			PageSize:                    1000,
			Concurrency:                 4,
			ConflictStrategy:            ConflictApplyRemote,
			Retry: RetryConfig{
				BaseDelay:   Duration(200 * time.Millisecond),
				MaxExponent: 8,
				MaxAttempts: 5,
				MaxJitter:   Duration(100 * time.Millisecond),
			},
		},
		Server: ServerConfig{
			Port:               8080,
			ReadTimeout:        Duration(30 * time.Second),
			WriteTimeout:       Duration(30 * time.Second),
			ShutdownTimeout:    Duration(15 * time.Second),
			TombstoneRetention: Duration(30 * 24 * time.Hour),
			CompactionInterval: Duration(time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Events: EventsConfig{
			Channel: "outpost:events",
		},
		Snapshot: SnapshotConfig{
			Path: "data/snapshots/backend.db",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// loadDotEnv sets variables from a .env file without overriding the real
// environment. A missing file is not an error.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("parsing env file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("OUTPOST_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Remote
	if v := os.Getenv("OUTPOST_REMOTE_ENDPOINT"); v != "" {
		cfg.Remote.Endpoint = v
	}
	if v := os.Getenv("OUTPOST_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	overrideDuration("OUTPOST_REQUEST_TIMEOUT", &cfg.Remote.RequestTimeout)

	// Schema
	if v := os.Getenv("OUTPOST_SCHEMA_PATH"); v != "" {
		cfg.Schema.Path = v
	}

	// Sync
	overrideDuration("OUTPOST_BASE_SYNC_INTERVAL", &cfg.Sync.BaseSyncInterval)
	overrideDuration("OUTPOST_ITEM_TIMEOUT", &cfg.Sync.ItemTimeout)
	overrideDuration("OUTPOST_SUBSCRIPTION_TIMEOUT", &cfg.Sync.SubscriptionTimeoutPerModel)
	overrideDuration("OUTPOST_CONFLICT_HANDLER_TIMEOUT", &cfg.Sync.ConflictHandlerTimeout)
	overrideInt("OUTPOST_SYNC_PAGE_SIZE", &cfg.Sync.PageSize)
	overrideInt("OUTPOST_SYNC_CONCURRENCY", &cfg.Sync.Concurrency)
	if v := os.Getenv("OUTPOST_CONFLICT_STRATEGY"); v != "" {
		cfg.Sync.ConflictStrategy = v
	}
	overrideDuration("OUTPOST_RETRY_BASE_DELAY", &cfg.Sync.Retry.BaseDelay)
	overrideInt("OUTPOST_RETRY_MAX_EXPONENT", &cfg.Sync.Retry.MaxExponent)
	overrideInt("OUTPOST_RETRY_MAX_ATTEMPTS", &cfg.Sync.Retry.MaxAttempts)
	overrideDuration("OUTPOST_RETRY_MAX_JITTER", &cfg.Sync.Retry.MaxJitter)

	// Server
	overrideInt("OUTPOST_PORT", &cfg.Server.Port)
	overrideDuration("OUTPOST_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	overrideDuration("OUTPOST_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	overrideDuration("OUTPOST_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	overrideDuration("OUTPOST_TOMBSTONE_RETENTION", &cfg.Server.TombstoneRetention)
	overrideDuration("OUTPOST_COMPACTION_INTERVAL", &cfg.Server.CompactionInterval)

	// Log
	if v := os.Getenv("OUTPOST_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("OUTPOST_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Events
	if v := os.Getenv("OUTPOST_REDIS_URL"); v != "" {
		cfg.Events.RedisURL = v
	}
	if v := os.Getenv("OUTPOST_EVENTS_CHANNEL"); v != "" {
		cfg.Events.Channel = v
	}

	// Snapshot
	overrideDuration("OUTPOST_SNAPSHOT_INTERVAL", &cfg.Snapshot.Interval)
	if v := os.Getenv("OUTPOST_SNAPSHOT_PATH"); v != "" {
		cfg.Snapshot.Path = v
	}
	if v := os.Getenv("OUTPOST_S3_BUCKET"); v != "" {
		cfg.Snapshot.Bucket = v
	}
	if v := os.Getenv("OUTPOST_S3_ENDPOINT"); v != "" {
		cfg.Snapshot.Endpoint = v
	}
	if v := os.Getenv("OUTPOST_S3_REGION"); v != "" {
		cfg.Snapshot.Region = v
	}
	if v := os.Getenv("OUTPOST_S3_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Snapshot.UseSSL = &b
		}
	}
	if v := os.Getenv("OUTPOST_S3_ACCESS_KEY"); v != "" {
		cfg.Snapshot.AccessKey = v
	}
	if v := os.Getenv("OUTPOST_S3_SECRET_KEY"); v != "" {
		cfg.Snapshot.SecretKey = v
	}
}

func overrideDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func overrideInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks settings every command relies on.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	switch c.Sync.ConflictStrategy {
	case ConflictApplyRemote, ConflictRetryLocal:
	default:
		errs = append(errs, fmt.Errorf("sync.conflict_strategy must be %q or %q, got %q",
			ConflictApplyRemote, ConflictRetryLocal, c.Sync.ConflictStrategy))
	}
	if c.Sync.PageSize < 1 {
		errs = append(errs, errors.New("sync.page_size must be >= 1"))
	}
	if c.Sync.Concurrency < 1 {
		errs = append(errs, errors.New("sync.concurrency must be >= 1"))
	}
	if c.Sync.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("sync.retry.max_attempts must be >= 1"))
	}
	if c.Sync.Retry.MaxExponent < 1 {
		errs = append(errs, errors.New("sync.retry.max_exponent must be >= 1"))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ValidateServer additionally requires the API key the backend checks.
// In dev mode (OUTPOST_DEV_MODE=true), API key validation is skipped.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}

	var errs []error
	if c.Server.CompactionInterval > 0 && c.Server.TombstoneRetention <= 0 {
		errs = append(errs, errors.New("server.tombstone_retention must be > 0 when compaction is enabled"))
	}
	if c.Snapshot.Interval > 0 && c.Snapshot.Path == "" {
		errs = append(errs, errors.New("snapshot.path is required when snapshots are enabled"))
	}
	if c.Snapshot.Bucket != "" && c.Snapshot.Endpoint == "" {
		errs = append(errs, errors.New("snapshot.endpoint is required when snapshot.bucket is set"))
	}
	if os.Getenv("OUTPOST_DEV_MODE") != "true" && c.Remote.APIKey == "" {
		errs = append(errs, errors.New("OUTPOST_API_KEY is required"))
	}
	return errors.Join(errs...)
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
