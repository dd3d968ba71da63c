package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration, one struct per settings category
type Config struct {
	LogLevel   string           `mapstructure:"log_level"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	SMTP       SMTPConfig       `mapstructure:"smtp"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Scheduling SchedulingConfig `mapstructure:"scheduling"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Discount   DiscountConfig   `mapstructure:"discount"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver        string `mapstructure:"driver"`
	DSN           string `mapstructure:"dsn"`
	EncryptionKey string `mapstructure:"encryption_key"`
	MaxOpenConns  int    `mapstructure:"max_open_conns"`
}

// Key decodes the hex encryption key used to seal instrument references.
func (d DatabaseConfig) Key() ([]byte, error) {
	return hex.DecodeString(d.EncryptionKey)
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockKey  string        `mapstructure:"lock_key"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// Enabled reports whether a redis address is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// BrokerList splits the comma separated broker list.
func (k KafkaConfig) BrokerList() []string {
	var out []string
	for _, b := range strings.Split(k.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

type SMTPConfig struct {
	Host        string `mapstructure:"host"`
	Port        string `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	SenderEmail string `mapstructure:"sender_email"`
}

// Enabled reports whether an SMTP relay is configured.
func (s SMTPConfig) Enabled() bool { return s.Host != "" }

type GatewayConfig struct {
	// Mode is "http" or "sandbox".
	Mode          string        `mapstructure:"mode"`
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type SchedulingConfig struct {
	DefaultInterval string `mapstructure:"default_interval"`
	DailyCron       string `mapstructure:"daily_cron"`
	RetryCron       string `mapstructure:"retry_cron"`
	NotifyCron      string `mapstructure:"notify_cron"`
	ReconcileCron   string `mapstructure:"reconcile_cron"`
}

type RetryConfig struct {
	MaxRetries int     `mapstructure:"max_retries"`
	Backoff    string  `mapstructure:"backoff"`
	Jitter     float64 `mapstructure:"jitter"`

	// Delays is Backoff parsed by Validate.
	Delays []time.Duration `mapstructure:"-"`
}

type BatchConfig struct {
	Size              int           `mapstructure:"size"`
	Concurrency       int           `mapstructure:"concurrency"`
	Pause             time.Duration `mapstructure:"pause"`
	ChargeTimeout     time.Duration `mapstructure:"charge_timeout"`
	NotificationLimit int           `mapstructure:"notification_limit"`
	// ReconcileAfter is how long an installment may stay PROCESSING before
	// the reconcile job settles it. It must exceed ChargeTimeout.
	ReconcileAfter    time.Duration `mapstructure:"reconcile_after"`
	CaptureOnCheckout bool          `mapstructure:"capture_on_checkout"`
}

type DiscountConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// env bindings keep the short variable names used in deployments.
var envBindings = map[string]string{
	"log_level":                   "LOG_LEVEL",
	"server.port":                 "PORT",
	"server.read_timeout":         "SERVER_READ_TIMEOUT",
	"server.write_timeout":        "SERVER_WRITE_TIMEOUT",
	"database.driver":             "DB_DRIVER",
	"database.dsn":                "DB_CONN",
	"database.encryption_key":     "ENCRYPTION_KEY",
	"database.max_open_conns":     "DB_MAX_OPEN_CONNS",
	"redis.addr":                  "REDIS_ADDR",
	"redis.password":              "REDIS_PASSWORD",
	"redis.db":                    "REDIS_DB",
	"redis.lock_key":              "REDIS_LOCK_KEY",
	"redis.lock_ttl":              "REDIS_LOCK_TTL",
	"kafka.brokers":               "KAFKA_BROKER",
	"kafka.topic":                 "KAFKA_TOPIC",
	"smtp.host":                   "SMTP_HOST",
	"smtp.port":                   "SMTP_PORT",
	"smtp.username":               "SMTP_USERNAME",
	"smtp.password":               "SMTP_PASSWORD",
	"smtp.sender_email":           "SENDER_EMAIL",
	"gateway.mode":                "GATEWAY_MODE",
	"gateway.base_url":            "GATEWAY_URL",
	"gateway.api_key":             "GATEWAY_API_KEY",
	"gateway.webhook_secret":      "GATEWAY_WEBHOOK_SECRET",
	"gateway.timeout":             "GATEWAY_TIMEOUT",
	"auth.jwt_secret":             "JWT_SECRET",
	"scheduling.default_interval": "SCHEDULE_INTERVAL",
	"scheduling.daily_cron":       "SCHEDULE_DAILY_CRON",
	"scheduling.retry_cron":       "SCHEDULE_RETRY_CRON",
	"scheduling.notify_cron":      "SCHEDULE_NOTIFY_CRON",
	"scheduling.reconcile_cron":   "SCHEDULE_RECONCILE_CRON",
	"retry.max_retries":           "RETRY_MAX",
	"retry.backoff":               "RETRY_BACKOFF",
	"retry.jitter":                "RETRY_JITTER",
	"batch.size":                  "BATCH_SIZE",
	"batch.concurrency":           "BATCH_CONCURRENCY",
	"batch.pause":                 "BATCH_PAUSE",
	"batch.charge_timeout":        "BATCH_CHARGE_TIMEOUT",
	"batch.notification_limit":    "BATCH_NOTIFICATION_LIMIT",
	"batch.reconcile_after":       "BATCH_RECONCILE_AFTER",
	"batch.capture_on_checkout":   "BATCH_CAPTURE_ON_CHECKOUT",
	"discount.cache_ttl":          "DISCOUNT_CACHE_TTL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost port=5436 user=test password=test dbname=bnpl sslmode=disable")
	v.SetDefault("database.encryption_key", "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("redis.lock_key", "bnpl:batch-processor")
	v.SetDefault("redis.lock_ttl", 30*time.Minute)
	v.SetDefault("kafka.topic", "installments.lifecycle")
	v.SetDefault("smtp.port", "587")
	v.SetDefault("smtp.sender_email", "billing@bnpl.local")
	v.SetDefault("gateway.mode", "sandbox")
	v.SetDefault("gateway.timeout", 15*time.Second)
	v.SetDefault("auth.jwt_secret", "secret")
	v.SetDefault("scheduling.default_interval", "biweekly")
	v.SetDefault("scheduling.daily_cron", "0 6 * * *")
	v.SetDefault("scheduling.retry_cron", "@hourly")
	v.SetDefault("scheduling.notify_cron", "@every 5m")
	v.SetDefault("scheduling.reconcile_cron", "@every 10m")
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.backoff", "1h,4h,24h")
	v.SetDefault("retry.jitter", 0.1)
	v.SetDefault("batch.size", 25)
	v.SetDefault("batch.concurrency", 5)
	v.SetDefault("batch.pause", time.Second)
	v.SetDefault("batch.charge_timeout", 30*time.Second)
	v.SetDefault("batch.notification_limit", 100)
	v.SetDefault("batch.reconcile_after", 15*time.Minute)
	v.SetDefault("batch.capture_on_checkout", true)
	v.SetDefault("discount.cache_ttl", 5*time.Minute)
}

// NewConfig loads configuration from .env, an optional YAML file named by
// BNPL_CONFIG and environment variables, then validates it.
func NewConfig() (*Config, error) {
	if envMap, err := godotenv.Read(); err == nil {
		for k, val := range envMap {
			if os.Getenv(k) == "" {
				os.Setenv(k, val)
			}
		}
	}

	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path := os.Getenv("BNPL_CONFIG"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and parses derived fields.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("DB_CONN is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	key, err := c.Database.Key()
	if err != nil {
		return fmt.Errorf("ENCRYPTION_KEY must be hex: %w", err)
	}
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must decode to 16, 24 or 32 bytes, got %d", len(key))
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.Scheduling.DefaultInterval {
	case "weekly", "biweekly", "monthly":
	default:
		return fmt.Errorf("invalid SCHEDULE_INTERVAL %q", c.Scheduling.DefaultInterval)
	}
	switch c.Gateway.Mode {
	case "sandbox":
	case "http":
		if c.Gateway.BaseURL == "" {
			return fmt.Errorf("GATEWAY_URL is required in http mode")
		}
	default:
		return fmt.Errorf("unknown gateway mode %q", c.Gateway.Mode)
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("RETRY_MAX must not be negative")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("RETRY_JITTER must be in [0,1), got %v", c.Retry.Jitter)
	}
	delays, err := ParseDelays(c.Retry.Backoff)
	if err != nil {
		return err
	}
	c.Retry.Delays = delays

	if c.Batch.Size <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}
	if c.Batch.Concurrency <= 0 {
		return fmt.Errorf("BATCH_CONCURRENCY must be positive")
	}
	if c.Batch.ChargeTimeout <= 0 {
		return fmt.Errorf("BATCH_CHARGE_TIMEOUT must be positive")
	}
	if c.Batch.ReconcileAfter > 0 && c.Batch.ReconcileAfter <= c.Batch.ChargeTimeout {
		return fmt.Errorf("BATCH_RECONCILE_AFTER must exceed BATCH_CHARGE_TIMEOUT")
	}
	if c.Batch.NotificationLimit <= 0 {
		c.Batch.NotificationLimit = 100
	}
	return nil
}

// ParseDelays parses a comma separated backoff table such as "1h,4h,24h".
func ParseDelays(s string) ([]time.Duration, error) {
	var delays []time.Duration
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("invalid backoff delay %q: %w", part, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("backoff delay %q must be positive", part)
		}
		delays = append(delays, d)
	}
	if len(delays) == 0 {
		return nil, fmt.Errorf("RETRY_BACKOFF must list at least one delay")
	}
	return delays, nil
}
