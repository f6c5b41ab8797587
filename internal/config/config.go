// Package config loads service configuration from defaults, a YAML file and
// the environment, in that order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. Nested keys are separated
// by a double underscore: INCIDENT_ENGINE_DATABASE__URL sets database.url.
const EnvPrefix = "INCIDENT_ENGINE_"

// Storage modes.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Audit buses.
const (
	BusLog     = "log"
	BusKafka   = "kafka"
	BusRedis   = "redis"
	BusWebhook = "webhook"
	BusNone    = "none"
)

// Config is the root configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Storage     StorageConfig     `koanf:"storage"`
	Log         LogConfig         `koanf:"log"`
	CORS        CORSConfig        `koanf:"cors"`
	JWT         JWTConfig         `koanf:"jwt"`
	Idempotency IdempotencyConfig `koanf:"idempotency"`
	Audit       AuditConfig       `koanf:"audit"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL              string        `koanf:"url"`
	MaxOpenConns     int           `koanf:"max_open_conns" validate:"gte=1"`
	MaxIdleConns     int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime  time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout   time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	ConnectAttempts  int           `koanf:"connect_attempts" validate:"gte=1"`
	StatementTimeout time.Duration `koanf:"statement_timeout" validate:"gte=0"` // zero keeps the server default
	LockTimeout      time.Duration `koanf:"lock_timeout" validate:"gte=0"`
	MigrationsPath   string        `koanf:"migrations_path"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Mode string `koanf:"mode" validate:"oneof=memory postgres"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// CORSConfig contains CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// JWTConfig contains bearer token settings.
type JWTConfig struct {
	SecretKey           string        `koanf:"secret_key" validate:"required,min=16"`
	Issuer              string        `koanf:"issuer"`
	AccessTokenDuration time.Duration `koanf:"access_token_duration" validate:"gt=0"`
}

// IdempotencyConfig controls how duplicate requests wait for the first one.
type IdempotencyConfig struct {
	PollInitialDelay time.Duration `koanf:"poll_initial_delay" validate:"gte=0"`
	PollMultiplier   float64       `koanf:"poll_multiplier" validate:"gte=1"`
	PollMaxDelay     time.Duration `koanf:"poll_max_delay" validate:"gte=0"`
	PollTimeout      time.Duration `koanf:"poll_timeout" validate:"gte=0"`
}

// AuditConfig contains audit fan-out settings.
type AuditConfig struct {
	Bus            string        `koanf:"bus" validate:"oneof=log kafka redis webhook none"`
	Topic          string        `koanf:"topic" validate:"required"`
	QueueSize      int           `koanf:"queue_size" validate:"gte=1"`
	Workers        int           `koanf:"workers" validate:"gte=1"`
	PublishTimeout time.Duration `koanf:"publish_timeout" validate:"gt=0"`
	RateLimit      float64       `koanf:"rate_limit" validate:"gte=0"`
	RateBurst      int           `koanf:"rate_burst" validate:"gte=0"`

	MaxAttempts         int           `koanf:"max_attempts" validate:"gte=1"`
	RetryInitialBackoff time.Duration `koanf:"retry_initial_backoff" validate:"gte=0"`
	RetryMaxBackoff     time.Duration `koanf:"retry_max_backoff" validate:"gte=0"`
	RetryMultiplier     float64       `koanf:"retry_multiplier" validate:"gte=1"`

	Kafka   KafkaConfig   `koanf:"kafka"`
	Redis   RedisConfig   `koanf:"redis"`
	Webhook WebhookConfig `koanf:"webhook"`
}

// KafkaConfig contains Kafka publisher settings.
type KafkaConfig struct {
	Brokers      []string      `koanf:"brokers"`
	BatchTimeout time.Duration `koanf:"batch_timeout"`
}

// RedisConfig contains Redis Streams publisher settings.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"gte=0"`
	MaxLen   int64  `koanf:"max_len" validate:"gte=0"`
}

// WebhookConfig contains HTTP webhook publisher settings.
type WebhookConfig struct {
	URL     string            `koanf:"url" validate:"omitempty,url"`
	Timeout time.Duration     `koanf:"timeout"`
	Headers map[string]string `koanf:"headers"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:     25,
			MaxIdleConns:     5,
			ConnMaxLifetime:  5 * time.Minute,
			ConnectTimeout:   30 * time.Second,
			ConnectAttempts:  5,
			StatementTimeout: 5 * time.Second,
			LockTimeout:      2 * time.Second,
			MigrationsPath:   "file://migrations",
		},
		Storage: StorageConfig{Mode: StoragePostgres},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		JWT: JWTConfig{
			Issuer:              "incident-engine",
			AccessTokenDuration: 15 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			PollInitialDelay: 50 * time.Millisecond,
			PollMultiplier:   2,
			PollMaxDelay:     500 * time.Millisecond,
			PollTimeout:      5 * time.Second,
		},
		Audit: AuditConfig{
			Bus:            BusLog,
			Topic:          "incident-events",
			QueueSize:      1024,
			Workers:        2,
			PublishTimeout: 5 * time.Second,

			MaxAttempts:         3,
			RetryInitialBackoff: 200 * time.Millisecond,
			RetryMaxBackoff:     5 * time.Second,
			RetryMultiplier:     2,

			Kafka: KafkaConfig{
				BatchTimeout: 10 * time.Millisecond,
			},
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
			Webhook: WebhookConfig{
				Timeout: 10 * time.Second,
			},
		},
	}
}

// Load reads configuration. path may be empty to skip the file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps INCIDENT_ENGINE_AUDIT__KAFKA__BROKERS to audit.kafka.brokers.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if c.Storage.Mode == StoragePostgres && c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required when storage.mode is postgres"))
	}
	if c.Audit.Bus == BusKafka && len(c.Audit.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("audit.kafka.brokers is required when audit.bus is kafka"))
	}
	if c.Audit.Bus == BusRedis && c.Audit.Redis.Addr == "" {
		errs = append(errs, errors.New("audit.redis.addr is required when audit.bus is redis"))
	}
	if c.Audit.Bus == BusWebhook && c.Audit.Webhook.URL == "" {
		errs = append(errs, errors.New("audit.webhook.url is required when audit.bus is webhook"))
	}
	if c.Idempotency.PollMaxDelay < c.Idempotency.PollInitialDelay {
		errs = append(errs, errors.New("idempotency.poll_max_delay must not be less than poll_initial_delay"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
