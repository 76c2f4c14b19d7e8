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
	old, had := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value))
	t.Cleanup(func() {
		if had {
			_ = os.Setenv(key, old)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "BOT_TOKEN", "12345:test-token")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultXionRESTURL, cfg.XionRESTURL)
	assert.Equal(t, DefaultPaymentDenom, cfg.PaymentDenom)
	assert.Equal(t, int32(DefaultPaymentDecimals), cfg.PaymentDecimals)
	assert.Equal(t, DefaultRateMaxAge, cfg.RateMaxAge)
	assert.Equal(t, "0.01", cfg.PaymentTolerance.String())
	assert.Equal(t, "12345:test-token", cfg.InvoiceSecret)
	assert.Equal(t, "12345:test-token", cfg.SessionSecret)
	assert.False(t, cfg.ArbiterEnabled())
}

func TestLoad_MissingBotToken(t *testing.T) {
	setEnv(t, "BOT_TOKEN", "")

	_, err := Load()
	assert.ErrorContains(t, err, "BOT_TOKEN")
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "BOT_TOKEN", "12345:test-token")
	setEnv(t, "BOT_USERNAME", "@payxpaybot")
	setEnv(t, "SESSION_SECRET", "other-secret")
	setEnv(t, "SESSION_TTL", "30m")
	setEnv(t, "RATE_MAX_AGE", "120")
	setEnv(t, "PAYMENT_TOLERANCE", "0.005")
	setEnv(t, "ALLOWED_ORIGINS", "https://a.test, https://b.test ,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "payxpaybot", cfg.BotUsername)
	assert.Equal(t, "other-secret", cfg.SessionSecret)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 120*time.Second, cfg.RateMaxAge)
	assert.Equal(t, "0.005", cfg.PaymentTolerance.String())
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.AllowedOrigins)
}

func TestLoad_BadTolerance(t *testing.T) {
	setEnv(t, "BOT_TOKEN", "12345:test-token")
	setEnv(t, "PAYMENT_TOLERANCE", "lots")

	_, err := Load()
	assert.ErrorContains(t, err, "PAYMENT_TOLERANCE")
}

func validConfig() *Config {
	return &Config{
		BotToken:         "t",
		InvoiceSecret:    "t",
		SessionSecret:    "t",
		XionRESTURL:      DefaultXionRESTURL,
		SessionTTL:       time.Hour,
		InitDataTTL:      time.Minute,
		RateMaxAge:       time.Minute,
		PaymentDecimals:  6,
		PaymentTolerance: decimal.RequireFromString("0.01"),
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"zero tolerance", func(c *Config) { c.PaymentTolerance = decimal.Zero }, "PAYMENT_TOLERANCE"},
		{"short arbiter key", func(c *Config) { c.ArbiterKey = "0xabc" }, "ARBITER_PRIVATE_KEY"},
		{"arbiter without contract", func(c *Config) {
			c.ArbiterKey = "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
			c.ArbiterAddress = "xion1arbiter"
		}, "ESCROW_CONTRACT"},
		{"relative app url", func(c *Config) { c.AppURL = "/app" }, "APP_URL"},
		{"http app url in production", func(c *Config) {
			c.Env = "production"
			c.AppURL = "http://app.test"
		}, "https"},
		{"no decimals", func(c *Config) { c.PaymentDecimals = 0 }, "PAYMENT_DECIMALS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	setEnv(t, "PAYXPAY_TEST_DURATION", "nonsense")
	assert.Equal(t, time.Second, getEnvDuration("PAYXPAY_TEST_DURATION", time.Second))

	setEnv(t, "PAYXPAY_TEST_INT", "abc")
	assert.Equal(t, int64(7), getEnvInt64("PAYXPAY_TEST_INT", 7))

	assert.Nil(t, getEnvList("PAYXPAY_TEST_UNSET_LIST"))
}
