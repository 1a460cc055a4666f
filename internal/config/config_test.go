package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		Env:                 DefaultEnv,
		PlatformAccountID:   1,
		PaymentTimeLimit:    DefaultPaymentTimeLimit,
		NegotiationWindow:   DefaultNegotiationWindow,
		TradeCreationWindow: DefaultTradeCreationWindow,
		MaxOpenNegotiations: DefaultMaxOpenNegotiations,
		MaxOpenTrades:       DefaultMaxOpenTrades,
		MaxBodyBytes:        DefaultMaxBodyBytes,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "ENV", "")
	setEnv(t, "ESCROW_LOCK_FEES", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultPaymentTimeLimit, cfg.PaymentTimeLimit)
	assert.Equal(t, DefaultMaxOpenTrades, cfg.MaxOpenTrades)
	assert.Equal(t, int64(DefaultPlatformAccountID), cfg.PlatformAccountID)
	assert.Empty(t, cfg.EscrowLockFees)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PAYMENT_TIME_LIMIT", "45m")
	setEnv(t, "MAX_OPEN_TRADES", "5")
	setEnv(t, "KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	setEnv(t, "ESCROW_LOCK_FEES", "ngn:50, CAD:1.25")
	setEnv(t, "OPS_USER_ID", "900")
	setEnv(t, "CORS_ALLOWED_ORIGINS", "https://app.azaripay.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Minute, cfg.PaymentTimeLimit)
	assert.Equal(t, 5, cfg.MaxOpenTrades)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, int64(900), cfg.OpsUserID)
	assert.Equal(t, []string{"https://app.azaripay.com"}, cfg.CORSAllowedOrigins)
	require.Len(t, cfg.EscrowLockFees, 2)
	assert.True(t, cfg.EscrowLockFees["NGN"].Equal(decimal.NewFromInt(50)))
	assert.True(t, cfg.EscrowLockFees["CAD"].Equal(decimal.RequireFromString("1.25")))
}

func TestLoad_BadFees(t *testing.T) {
	setEnv(t, "ESCROW_LOCK_FEES", "NGN=50")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "CUR:amount")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{
			name:    "missing platform account",
			mutate:  func(c *Config) { c.PlatformAccountID = 0 },
			wantErr: "PLATFORM_ACCOUNT_ID",
		},
		{
			name:    "zero payment time limit",
			mutate:  func(c *Config) { c.PaymentTimeLimit = 0 },
			wantErr: "must be positive",
		},
		{
			name:    "zero trade limit",
			mutate:  func(c *Config) { c.MaxOpenTrades = 0 },
			wantErr: "MAX_OPEN_TRADES",
		},
		{
			name:    "zero body limit",
			mutate:  func(c *Config) { c.MaxBodyBytes = 0 },
			wantErr: "MAX_BODY_BYTES",
		},
		{
			name: "kafka without topic",
			mutate: func(c *Config) {
				c.KafkaBrokers = []string{"kafka:9092"}
				c.KafkaNotificationTopic = ""
			},
			wantErr: "KAFKA_NOTIFICATION_TOPIC",
		},
		{
			name:    "production without database",
			mutate:  func(c *Config) { c.Env = "production"; c.GatewaySecret = "s" },
			wantErr: "DATABASE_URL is required",
		},
		{
			name: "production without gateway secret",
			mutate: func(c *Config) {
				c.Env = "production"
				c.DatabaseURL = "postgres://localhost/azaripay"
			},
			wantErr: "GATEWAY_SECRET is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")
	setEnv(t, "TEST_DURATION", "90s")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_INVALID", time.Second))
	assert.Nil(t, getEnvList("NONEXISTENT_VAR"))
}
