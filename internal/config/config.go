// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Enables distributed trade locks when set

	// Notification outbox
	KafkaBrokers           []string
	KafkaNotificationTopic string
	NotifyQueueSize        int

	// Tracing
	OTLPEndpoint string

	// Accounts
	PlatformAccountID int64 // Credited with escrow lock fees
	OpsUserID         int64 // Receives operations alerts
	GatewaySecret     string

	// Trade rules
	PaymentTimeLimit    time.Duration
	NegotiationWindow   time.Duration
	TradeCreationWindow time.Duration
	MaxOpenNegotiations int
	MaxOpenTrades       int
	ReconcileInterval   time.Duration

	// Fee rows seeded in memory mode, currency -> ESCROW_LOCK fee
	EscrowLockFees map[string]decimal.Decimal

	// Rate limiting
	RateLimitRPS   int
	RateLimitBurst int

	// HTTP surface
	CORSAllowedOrigins []string
	MaxBodyBytes       int64
}

const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "text"
	DefaultKafkaNotificationTopic = "trade-notifications"
	DefaultNotifyQueueSize        = 1024
	DefaultPlatformAccountID      = 1
	DefaultPaymentTimeLimit       = 30 * time.Minute
	DefaultNegotiationWindow      = 24 * time.Hour
	DefaultTradeCreationWindow    = 24 * time.Hour
	DefaultMaxOpenNegotiations    = 3
	DefaultMaxOpenTrades          = 3
	DefaultReconcileInterval      = 30 * time.Second
	DefaultRateLimit              = 100
	DefaultRateLimitBurst         = 20
	DefaultMaxBodyBytes           = 1 << 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	fees, err := parseFees(os.Getenv("ESCROW_LOCK_FEES"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:               os.Getenv("REDIS_URL"),
		KafkaBrokers:           getEnvList("KAFKA_BROKERS"),
		KafkaNotificationTopic: getEnv("KAFKA_NOTIFICATION_TOPIC", DefaultKafkaNotificationTopic),
		NotifyQueueSize:        int(getEnvInt64("NOTIFY_QUEUE_SIZE", DefaultNotifyQueueSize)),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		PlatformAccountID:      getEnvInt64("PLATFORM_ACCOUNT_ID", DefaultPlatformAccountID),
		OpsUserID:              getEnvInt64("OPS_USER_ID", 0),
		GatewaySecret:          os.Getenv("GATEWAY_SECRET"),
		PaymentTimeLimit:       getEnvDuration("PAYMENT_TIME_LIMIT", DefaultPaymentTimeLimit),
		NegotiationWindow:      getEnvDuration("NEGOTIATION_WINDOW", DefaultNegotiationWindow),
		TradeCreationWindow:    getEnvDuration("TRADE_CREATION_WINDOW", DefaultTradeCreationWindow),
		MaxOpenNegotiations:    int(getEnvInt64("MAX_OPEN_NEGOTIATIONS", DefaultMaxOpenNegotiations)),
		MaxOpenTrades:          int(getEnvInt64("MAX_OPEN_TRADES", DefaultMaxOpenTrades)),
		ReconcileInterval:      getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		EscrowLockFees:         fees,
		RateLimitRPS:           int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		RateLimitBurst:         int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSAllowedOrigins:     getEnvList("CORS_ALLOWED_ORIGINS"),
		MaxBodyBytes:           getEnvInt64("MAX_BODY_BYTES", DefaultMaxBodyBytes),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PlatformAccountID <= 0 {
		return fmt.Errorf("PLATFORM_ACCOUNT_ID must be a positive user ID")
	}
	if c.OpsUserID < 0 {
		return fmt.Errorf("OPS_USER_ID must not be negative")
	}
	if c.PaymentTimeLimit <= 0 || c.NegotiationWindow <= 0 || c.TradeCreationWindow <= 0 {
		return fmt.Errorf("PAYMENT_TIME_LIMIT, NEGOTIATION_WINDOW and TRADE_CREATION_WINDOW must be positive")
	}
	if c.MaxOpenNegotiations <= 0 || c.MaxOpenTrades <= 0 {
		return fmt.Errorf("MAX_OPEN_NEGOTIATIONS and MAX_OPEN_TRADES must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaNotificationTopic == "" {
		return fmt.Errorf("KAFKA_NOTIFICATION_TOPIC is required when KAFKA_BROKERS is set")
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.GatewaySecret == "" {
			return fmt.Errorf("GATEWAY_SECRET is required in production")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// parseFees reads "NGN:50,CAD:1" into a fee per currency.
func parseFees(raw string) (map[string]decimal.Decimal, error) {
	fees := make(map[string]decimal.Decimal)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		currency, amount, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("ESCROW_LOCK_FEES entry %q must look like CUR:amount", part)
		}
		fee, err := decimal.NewFromString(strings.TrimSpace(amount))
		if err != nil || !fee.IsPositive() {
			return nil, fmt.Errorf("ESCROW_LOCK_FEES entry %q needs a positive amount", part)
		}
		fees[strings.ToUpper(strings.TrimSpace(currency))] = fee
	}
	return fees, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
