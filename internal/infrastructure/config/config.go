package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Telemetry TelemetryConfig
	Tally     TallyConfig
	Billing   BillingConfig
	Outbox    OutboxConfig
	Storage   StorageConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int  // in minutes
	ConnMaxIdleTime int  // in minutes
	AutoMigrate     bool // apply embedded migrations at startup
}

// RedisConfig holds Redis connection settings. An empty Host disables Redis.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	MaxBodySize    int64
	MaxEventBatch  int
	TrustedProxies []string
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	MetricsInterval   time.Duration
	// Database tracing options
	DBTraceEnabled    bool          // Enable database query tracing (otelgorm)
	DBLogFullSQL      bool          // Log full SQL statements (dev only, disable in prod for security)
	DBSlowQueryThresh time.Duration // Slow query threshold for warnings (default: 200ms)
}

// TallyConfig holds collection and scheduling settings
type TallyConfig struct {
	TagProfilePath    string        // YAML tag profile; empty uses the embedded default
	HourlyLookback    time.Duration // How far back the scheduled run collects
	CollectionTimeout time.Duration // Upper bound for one (account, service type) collection
	LockTTL           time.Duration // Expiry of distributed collection locks
	SchedulerEnabled  bool
	ScheduleOffset    time.Duration // Delay after the top of the hour before the scheduled run
	PublishSummaries  bool
}

// BillingConfig holds billable usage delivery settings
type BillingConfig struct {
	MaxAttempts            int
	BackoffInitialInterval time.Duration
	BackoffMultiplier      float64
	BackoffMaxInterval     time.Duration
	Transport              string // outbox, redis or s3
	Stream                 string // Redis stream name for the redis transport
	Workers                int    // Concurrent tally-summary consumers
}

// OutboxConfig holds outbox processing configuration
type OutboxConfig struct {
	ProcessorEnabled bool
	BatchSize        int
	PollInterval     time.Duration
	MaxRetries       int
	CleanupEnabled   bool
	CleanupRetention time.Duration
	IdempotencyTTL   time.Duration
}

// StorageConfig holds S3 settings for the s3 billing transport
type StorageConfig struct {
	Bucket          string
	Region          string
	Endpoint        string // custom endpoint for S3-compatible stores
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	UsePathStyle    bool
	CreateBucket    bool // create Bucket at startup when missing
}

// Billing transports
const (
	BillingTransportOutbox = "outbox"
	BillingTransportRedis  = "redis"
	BillingTransportS3     = "s3"
)

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with TALLY_ prefix (e.g., TALLY_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tally")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("TALLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
			AutoMigrate:     v.GetBool("database.auto_migrate"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:    v.GetDuration("http.read_timeout"),
			WriteTimeout:   v.GetDuration("http.write_timeout"),
			IdleTimeout:    v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes: v.GetInt("http.max_header_bytes"),
			MaxBodySize:    v.GetInt64("http.max_body_size"),
			MaxEventBatch:  v.GetInt("http.max_event_batch"),
			TrustedProxies: v.GetStringSlice("http.trusted_proxies"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
		},
		Tally: TallyConfig{
			TagProfilePath:    v.GetString("tally.tag_profile_path"),
			HourlyLookback:    v.GetDuration("tally.hourly_lookback"),
			CollectionTimeout: v.GetDuration("tally.collection_timeout"),
			LockTTL:           v.GetDuration("tally.lock_ttl"),
			SchedulerEnabled:  v.GetBool("tally.scheduler_enabled"),
			ScheduleOffset:    v.GetDuration("tally.schedule_offset"),
			PublishSummaries:  !v.IsSet("tally.publish_summaries") || v.GetBool("tally.publish_summaries"),
		},
		Billing: BillingConfig{
			MaxAttempts:            v.GetInt("billing.max_attempts"),
			BackoffInitialInterval: v.GetDuration("billing.backoff_initial_interval"),
			BackoffMultiplier:      v.GetFloat64("billing.backoff_multiplier"),
			BackoffMaxInterval:     v.GetDuration("billing.backoff_max_interval"),
			Transport:              v.GetString("billing.transport"),
			Stream:                 v.GetString("billing.stream"),
			Workers:                v.GetInt("billing.workers"),
		},
		Outbox: OutboxConfig{
			ProcessorEnabled: !v.IsSet("outbox.processor_enabled") || v.GetBool("outbox.processor_enabled"),
			BatchSize:        v.GetInt("outbox.batch_size"),
			PollInterval:     v.GetDuration("outbox.poll_interval"),
			MaxRetries:       v.GetInt("outbox.max_retries"),
			CleanupEnabled:   v.GetBool("outbox.cleanup_enabled"),
			CleanupRetention: v.GetDuration("outbox.cleanup_retention"),
			IdempotencyTTL:   v.GetDuration("outbox.idempotency_ttl"),
		},
		Storage: StorageConfig{
			Bucket:          v.GetString("storage.bucket"),
			Region:          v.GetString("storage.region"),
			Endpoint:        v.GetString("storage.endpoint"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			Prefix:          v.GetString("storage.prefix"),
			UsePathStyle:    v.GetBool("storage.use_path_style"),
			CreateBucket:    v.GetBool("storage.create_bucket"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "tally"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}

	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "tally"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 10
	}

	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}

	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 30 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 30 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 120 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 10 << 20
	}
	if cfg.HTTP.MaxEventBatch == 0 {
		cfg.HTTP.MaxEventBatch = 1000
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 60 * time.Second
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}

	if cfg.Tally.HourlyLookback == 0 {
		cfg.Tally.HourlyLookback = 3 * time.Hour
	}
	if cfg.Tally.CollectionTimeout == 0 {
		cfg.Tally.CollectionTimeout = 10 * time.Minute
	}
	if cfg.Tally.LockTTL == 0 {
		cfg.Tally.LockTTL = 15 * time.Minute
	}
	if cfg.Tally.ScheduleOffset == 0 {
		cfg.Tally.ScheduleOffset = 5 * time.Minute
	}

	if cfg.Billing.MaxAttempts == 0 {
		cfg.Billing.MaxAttempts = 5
	}
	if cfg.Billing.BackoffInitialInterval == 0 {
		cfg.Billing.BackoffInitialInterval = time.Second
	}
	if cfg.Billing.BackoffMultiplier == 0 {
		cfg.Billing.BackoffMultiplier = 2
	}
	if cfg.Billing.BackoffMaxInterval == 0 {
		cfg.Billing.BackoffMaxInterval = time.Minute
	}
	if cfg.Billing.Transport == "" {
		cfg.Billing.Transport = BillingTransportOutbox
	}
	if cfg.Billing.Stream == "" {
		cfg.Billing.Stream = "billable-usage"
	}
	if cfg.Billing.Workers == 0 {
		cfg.Billing.Workers = 4
	}

	if cfg.Outbox.BatchSize == 0 {
		cfg.Outbox.BatchSize = 100
	}
	if cfg.Outbox.PollInterval == 0 {
		cfg.Outbox.PollInterval = time.Second
	}
	if cfg.Outbox.MaxRetries == 0 {
		cfg.Outbox.MaxRetries = 5
	}
	if cfg.Outbox.CleanupRetention == 0 {
		cfg.Outbox.CleanupRetention = 7 * 24 * time.Hour
	}
	if cfg.Outbox.IdempotencyTTL == 0 {
		cfg.Outbox.IdempotencyTTL = 24 * time.Hour
	}

	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "us-east-1"
	}
	if cfg.Storage.Prefix == "" {
		cfg.Storage.Prefix = "billable-usage"
	}
}

// validate checks that the configuration is consistent
func (c *Config) validate() error {
	if c.Database.MaxOpenConns < 0 {
		return fmt.Errorf("database.max_open_conns cannot be negative")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production to prevent sensitive data exposure in traces")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	if c.Billing.MaxAttempts < 1 {
		return fmt.Errorf("billing.max_attempts must be at least 1, got %d", c.Billing.MaxAttempts)
	}
	if c.Billing.BackoffMultiplier < 1 {
		return fmt.Errorf("billing.backoff_multiplier must be at least 1, got %f", c.Billing.BackoffMultiplier)
	}
	if c.Billing.BackoffMaxInterval < c.Billing.BackoffInitialInterval {
		return fmt.Errorf("billing.backoff_max_interval cannot be shorter than backoff_initial_interval")
	}
	switch c.Billing.Transport {
	case BillingTransportOutbox:
	case BillingTransportRedis:
		if c.Redis.Host == "" {
			return fmt.Errorf("billing.transport %q requires redis.host", c.Billing.Transport)
		}
	case BillingTransportS3:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("billing.transport %q requires storage.bucket", c.Billing.Transport)
		}
	default:
		return fmt.Errorf("billing.transport must be one of outbox, redis, s3, got %q", c.Billing.Transport)
	}

	if c.Tally.HourlyLookback%time.Hour != 0 {
		return fmt.Errorf("tally.hourly_lookback must be a whole number of hours, got %s", c.Tally.HourlyLookback)
	}
	if c.Tally.ScheduleOffset < 0 || c.Tally.ScheduleOffset >= time.Hour {
		return fmt.Errorf("tally.schedule_offset must be within the hour, got %s", c.Tally.ScheduleOffset)
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
