// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
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
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // rate cache (optional)

	// Telegram
	BotToken    string
	BotUsername string
	BotAPIURL   string
	AppURL      string // Mini-App base URL

	// Secrets. Both fall back to the bot token.
	InvoiceSecret string
	SessionSecret string

	SessionTTL  time.Duration
	InitDataTTL time.Duration

	// Xion
	XionRESTURL     string
	XionChainID     string
	EscrowContract  string
	ArbiterKey      string // hex secp256k1 key, optional
	ArbiterAddress  string
	PaymentDenom    string
	PaymentDecimals int32
	GasLimit        uint64
	FeeAmount       int64
	FeeDenom        string
	FeeGranter      string
	ExplorerURL     string

	// Pricing
	HermesURL        string
	RateMaxAge       time.Duration
	RateCacheTTL     time.Duration
	PaymentTolerance decimal.Decimal

	// HTTP surface
	AllowedOrigins []string
	RateLimitRPM   int

	OTLPEndpoint string
}

// Xion testnet defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultXionRESTURL     = "https://api.xion-testnet-2.burnt.com"
	DefaultXionChainID     = "xion-testnet-2"
	DefaultPaymentDenom    = "ibc/57097251ED81A232CE3C9D899E7C8096D6D87EF84BA203E12E424AA4C9B57A64"
	DefaultPaymentDecimals = 6
	DefaultGasLimit        = 400000
	DefaultFeeAmount       = 0
	DefaultFeeDenom        = "uxion"
	DefaultHermesURL       = "https://hermes.pyth.network"
	DefaultExplorerURL     = "https://testnet.xion.explorers.guru"
	DefaultRateLimitRPM    = 120
	DefaultSessionTTL      = time.Hour
	DefaultInitDataTTL     = 15 * time.Minute
	DefaultRateMaxAge      = 200 * time.Second
	DefaultRateCacheTTL    = 10 * time.Second
	DefaultTolerance       = "0.01"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	botToken := os.Getenv("BOT_TOKEN")
	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		BotToken:        botToken,
		BotUsername:     strings.TrimPrefix(os.Getenv("BOT_USERNAME"), "@"),
		BotAPIURL:       os.Getenv("BOT_API_URL"),
		AppURL:          os.Getenv("APP_URL"),
		InvoiceSecret:   getEnv("INVOICE_SECRET", botToken),
		SessionSecret:   getEnv("SESSION_SECRET", botToken),
		SessionTTL:      getEnvDuration("SESSION_TTL", DefaultSessionTTL),
		InitDataTTL:     getEnvDuration("INIT_DATA_TTL", DefaultInitDataTTL),
		XionRESTURL:     getEnv("XION_REST_URL", DefaultXionRESTURL),
		XionChainID:     getEnv("XION_CHAIN_ID", DefaultXionChainID),
		EscrowContract:  os.Getenv("ESCROW_CONTRACT"),
		ArbiterKey:      os.Getenv("ARBITER_PRIVATE_KEY"),
		ArbiterAddress:  os.Getenv("ARBITER_ADDRESS"),
		PaymentDenom:    getEnv("PAYMENT_DENOM", DefaultPaymentDenom),
		PaymentDecimals: int32(getEnvInt64("PAYMENT_DECIMALS", DefaultPaymentDecimals)),
		GasLimit:        uint64(getEnvInt64("GAS_LIMIT", DefaultGasLimit)),
		FeeAmount:       getEnvInt64("FEE_AMOUNT", DefaultFeeAmount),
		FeeDenom:        getEnv("FEE_DENOM", DefaultFeeDenom),
		FeeGranter:      os.Getenv("FEE_GRANTER"),
		ExplorerURL:     getEnv("EXPLORER_URL", DefaultExplorerURL),
		HermesURL:       getEnv("HERMES_URL", DefaultHermesURL),
		RateMaxAge:      getEnvDuration("RATE_MAX_AGE", DefaultRateMaxAge),
		RateCacheTTL:    getEnvDuration("RATE_CACHE_TTL", DefaultRateCacheTTL),
		AllowedOrigins:  getEnvList("ALLOWED_ORIGINS"),
		RateLimitRPM:    int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	tol, err := decimal.NewFromString(getEnv("PAYMENT_TOLERANCE", DefaultTolerance))
	if err != nil {
		return nil, fmt.Errorf("PAYMENT_TOLERANCE: %w", err)
	}
	cfg.PaymentTolerance = tol

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("BOT_TOKEN is required")
	}
	if c.InvoiceSecret == "" || c.SessionSecret == "" {
		return fmt.Errorf("INVOICE_SECRET and SESSION_SECRET must not be empty")
	}
	if c.XionRESTURL == "" {
		return fmt.Errorf("XION_REST_URL is required")
	}
	if c.SessionTTL <= 0 || c.InitDataTTL <= 0 {
		return fmt.Errorf("SESSION_TTL and INIT_DATA_TTL must be positive")
	}
	if c.RateMaxAge <= 0 {
		return fmt.Errorf("RATE_MAX_AGE must be positive")
	}
	if !c.PaymentTolerance.IsPositive() || c.PaymentTolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("PAYMENT_TOLERANCE must be between 0 and 1, got %s", c.PaymentTolerance)
	}
	if c.PaymentDecimals <= 0 || c.PaymentDecimals > 18 {
		return fmt.Errorf("PAYMENT_DECIMALS must be between 1 and 18")
	}

	if c.ArbiterKey != "" {
		key := strings.TrimPrefix(c.ArbiterKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("ARBITER_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.ArbiterAddress == "" || c.EscrowContract == "" {
			return fmt.Errorf("ARBITER_ADDRESS and ESCROW_CONTRACT are required with ARBITER_PRIVATE_KEY")
		}
	}

	if c.AppURL != "" {
		u, err := url.Parse(c.AppURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("APP_URL must be an absolute URL")
		}
		if c.IsProduction() && u.Scheme != "https" {
			return fmt.Errorf("APP_URL must use https in production")
		}
	}

	return nil
}

// ArbiterEnabled reports whether escrow approve/refund can be executed.
func (c *Config) ArbiterEnabled() bool {
	return c.ArbiterKey != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
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

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
