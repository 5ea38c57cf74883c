package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"liveconsult-backend/pkg/env"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Log       LogConfig       `mapstructure:"log"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	Push      PushConfig      `mapstructure:"push"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	Environment    string   `mapstructure:"environment"` // development, staging, production
	ServiceName    string   `mapstructure:"service_name"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"name"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PoolSize int           `mapstructure:"pool_size"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string        `mapstructure:"secret"`
	AccessTokenExpiry time.Duration `mapstructure:"access_expiry"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string `mapstructure:"level"`  // debug, info, warn, error
	Format   string `mapstructure:"format"` // json, text
	Output   string `mapstructure:"output"` // stdout, file
	FilePath string `mapstructure:"file_path"`
}

// BillingConfig holds metering and split policy
type BillingConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	LowBalanceIntervals int64         `mapstructure:"low_balance_intervals"`
	PlatformFeeBps      int64         `mapstructure:"platform_fee_bps"`
	GiftProviderBps     int64         `mapstructure:"gift_provider_bps"`
	LedgerRetries       int           `mapstructure:"ledger_retries"`
	OwnerLockTTL        time.Duration `mapstructure:"owner_lock_ttl"`
}

// SignalingConfig holds room, heartbeat and grace settings
type SignalingConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatMaxMiss  int           `mapstructure:"heartbeat_max_missed"`
	GracePeriod       time.Duration `mapstructure:"grace_period"`
	PendingTimeout    time.Duration `mapstructure:"pending_timeout"`
	MaxConnections    int           `mapstructure:"max_connections"`
	MessagesPerSecond float64       `mapstructure:"messages_per_second"`
	MessageBurst      int           `mapstructure:"message_burst"`
}

// PushConfig selects the offline notification provider
type PushConfig struct {
	Provider            string `mapstructure:"provider"` // mock, firebase, apns
	FirebaseProjectID   string `mapstructure:"firebase_project_id"`
	FirebaseCredentials string `mapstructure:"firebase_credentials"`
	APNsKeyPath         string `mapstructure:"apns_key_path"`
	APNsKeyID           string `mapstructure:"apns_key_id"`
	APNsTeamID          string `mapstructure:"apns_team_id"`
	APNsBundleID        string `mapstructure:"apns_bundle_id"`
	APNsProduction      bool   `mapstructure:"apns_production"`
}

// WebhookConfig holds the lifecycle event sink and the inbound payment callback secret
type WebhookConfig struct {
	URL           string        `mapstructure:"url"`
	Secret        string        `mapstructure:"secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
	PaymentSecret string        `mapstructure:"payment_secret"`
}

// envBindings maps config keys to the environment variables that override them
var envBindings = map[string]string{
	"server.port":                    "PORT",
	"server.environment":             "ENV",
	"server.service_name":            "SERVICE_NAME",
	"server.allowed_origins":         "CORS_ALLOWED_ORIGINS",
	"database.host":                  "DB_HOST",
	"database.port":                  "DB_PORT",
	"database.user":                  "DB_USER",
	"database.name":                  "DB_NAME",
	"database.ssl_mode":              "DB_SSL_MODE",
	"database.max_conns":             "DB_MAX_CONNS",
	"database.min_conns":             "DB_MIN_CONNS",
	"redis.host":                     "REDIS_HOST",
	"redis.port":                     "REDIS_PORT",
	"redis.db":                       "REDIS_DB",
	"redis.pool_size":                "REDIS_POOL_SIZE",
	"redis.timeout":                  "REDIS_TIMEOUT",
	"jwt.access_expiry":              "JWT_ACCESS_EXPIRY",
	"log.level":                      "LOG_LEVEL",
	"log.format":                     "LOG_FORMAT",
	"log.output":                     "LOG_OUTPUT",
	"log.file_path":                  "LOG_FILE_PATH",
	"billing.interval":               "BILLING_INTERVAL",
	"billing.low_balance_intervals":  "LOW_BALANCE_INTERVALS",
	"billing.platform_fee_bps":       "PLATFORM_FEE_BPS",
	"billing.gift_provider_bps":      "GIFT_PROVIDER_BPS",
	"billing.ledger_retries":         "LEDGER_RETRIES",
	"billing.owner_lock_ttl":         "BILLING_OWNER_LOCK_TTL",
	"signaling.heartbeat_interval":   "HEARTBEAT_INTERVAL",
	"signaling.heartbeat_max_missed": "HEARTBEAT_MAX_MISSED",
	"signaling.grace_period":         "GRACE_PERIOD",
	"signaling.pending_timeout":      "PENDING_TIMEOUT",
	"signaling.max_connections":      "WS_MAX_SIGNALING_CONNECTIONS",
	"signaling.messages_per_second":  "WS_MESSAGES_PER_SECOND",
	"signaling.message_burst":        "WS_MESSAGE_BURST",
	"push.provider":                  "PUSH_PROVIDER",
	"push.firebase_project_id":       "FIREBASE_PROJECT_ID",
	"push.firebase_credentials":      "FIREBASE_CREDENTIALS_PATH",
	"push.apns_key_path":             "APNS_KEY_PATH",
	"push.apns_key_id":               "APNS_KEY_ID",
	"push.apns_team_id":              "APNS_TEAM_ID",
	"push.apns_bundle_id":            "APNS_BUNDLE_ID",
	"push.apns_production":           "APNS_PRODUCTION",
	"webhook.url":                    "WEBHOOK_URL",
	"webhook.timeout":                "WEBHOOK_TIMEOUT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.service_name", "session-service")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 26257)
	v.SetDefault("database.user", "root")
	v.SetDefault("database.name", "liveconsult")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.timeout", "5s")

	v.SetDefault("jwt.access_expiry", "15m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "/logs/app.log")

	v.SetDefault("billing.interval", "60s")
	v.SetDefault("billing.low_balance_intervals", 2)
	v.SetDefault("billing.platform_fee_bps", 2000)
	v.SetDefault("billing.gift_provider_bps", 7000)
	v.SetDefault("billing.ledger_retries", 5)
	v.SetDefault("billing.owner_lock_ttl", "3m")

	v.SetDefault("signaling.heartbeat_interval", "15s")
	v.SetDefault("signaling.heartbeat_max_missed", 3)
	v.SetDefault("signaling.grace_period", "30s")
	v.SetDefault("signaling.pending_timeout", "10m")
	v.SetDefault("signaling.max_connections", 1000)
	v.SetDefault("signaling.messages_per_second", 20)
	v.SetDefault("signaling.message_burst", 40)

	v.SetDefault("push.provider", "mock")
	v.SetDefault("push.apns_production", false)

	v.SetDefault("webhook.timeout", "5s")
}

// Load reads defaults, an optional YAML file named by CONFIG_FILE, then the environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, name := range envBindings {
		if err := v.BindEnv(key, name); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", name, err)
		}
	}

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Secrets support Docker _FILE indirection
	cfg.Database.Password = env.GetStringFromFile("DB_PASSWORD", cfg.Database.Password)
	cfg.Redis.Password = env.GetStringFromFile("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.JWT.Secret = env.GetStringFromFile("JWT_SECRET", cfg.JWT.Secret)
	cfg.Webhook.Secret = env.GetStringFromFile("WEBHOOK_SECRET", cfg.Webhook.Secret)
	cfg.Webhook.PaymentSecret = env.GetStringFromFile("PAYMENT_WEBHOOK_SECRET", cfg.Webhook.PaymentSecret)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.Webhook.PaymentSecret == "" {
			return fmt.Errorf("PAYMENT_WEBHOOK_SECRET must be set in production")
		}
	}

	if c.Billing.Interval <= 0 {
		return fmt.Errorf("BILLING_INTERVAL must be positive")
	}
	if c.Billing.PlatformFeeBps < 0 || c.Billing.PlatformFeeBps > 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be within 0..10000")
	}
	if c.Billing.GiftProviderBps < 0 || c.Billing.GiftProviderBps > 10000 {
		return fmt.Errorf("GIFT_PROVIDER_BPS must be within 0..10000")
	}
	if c.Billing.LedgerRetries < 1 {
		return fmt.Errorf("LEDGER_RETRIES must be at least 1")
	}
	if c.Signaling.HeartbeatInterval <= 0 || c.Signaling.HeartbeatMaxMiss < 1 {
		return fmt.Errorf("heartbeat interval and max missed must be positive")
	}
	if c.Signaling.GracePeriod <= 0 {
		return fmt.Errorf("GRACE_PERIOD must be positive")
	}

	return nil
}

// DSN builds the pgx connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// Addr returns host:port for the Redis client
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
