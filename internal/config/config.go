// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Gateway settings
	GatewayProvider   string // "simulator" or "stripe"
	StripeAPIKey      string
	CallbackSecret    string // HMAC secret for gateway callback verification
	CallbackMaxSkew   time.Duration
	SimulatorFailRate float64 // 0..1, failure injection for the simulator gateway

	// Ledger settings
	LockTimeout      time.Duration // per-entity lock acquisition bound
	RetryAttempts    int           // bounded retries for retryable failures
	RetryBaseDelay   time.Duration
	DefaultTermDays  int     // credit payment term when an account doesn't set one
	MonthlyRate      float64 // default credit interest rate per month (e.g. 0.025)
	OverdraftFee     string  // flat fee charged when a hold dips into overdraft
	LowBalanceThresh string  // default wallet low-balance threshold

	// Sweeps
	OverdueSweepInterval   time.Duration
	ReconcileSweepInterval time.Duration
	ProcessingGracePeriod  time.Duration // payments stuck in processing longer than this get reconciled

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLockTimeout           = 5 * time.Second
	DefaultRetryAttempts         = 3
	DefaultRetryBaseDelay        = 50 * time.Millisecond
	DefaultTermDays              = 30
	DefaultMonthlyRate           = 0.025
	DefaultOverdraftFee          = "15.00"
	DefaultCallbackMaxSkew       = 5 * time.Minute
	DefaultOverdueSweep          = 1 * time.Hour
	DefaultReconcileSweep        = 5 * time.Minute
	DefaultProcessingGracePeriod = 30 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", "text"),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		GatewayProvider:        getEnv("GATEWAY_PROVIDER", "simulator"),
		StripeAPIKey:           os.Getenv("STRIPE_API_KEY"),
		CallbackSecret:         os.Getenv("CALLBACK_SECRET"),
		CallbackMaxSkew:        getEnvDuration("CALLBACK_MAX_SKEW", DefaultCallbackMaxSkew),
		SimulatorFailRate:      getEnvFloat("SIMULATOR_FAIL_RATE", 0),
		LockTimeout:            getEnvDuration("LOCK_TIMEOUT", DefaultLockTimeout),
		RetryAttempts:          int(getEnvInt64("RETRY_ATTEMPTS", DefaultRetryAttempts)),
		RetryBaseDelay:         getEnvDuration("RETRY_BASE_DELAY", DefaultRetryBaseDelay),
		DefaultTermDays:        int(getEnvInt64("CREDIT_TERM_DAYS", DefaultTermDays)),
		MonthlyRate:            getEnvFloat("CREDIT_MONTHLY_RATE", DefaultMonthlyRate),
		OverdraftFee:           getEnv("CREDIT_OVERDRAFT_FEE", DefaultOverdraftFee),
		LowBalanceThresh:       getEnv("WALLET_LOW_BALANCE_THRESHOLD", "0.00"),
		OverdueSweepInterval:   getEnvDuration("OVERDUE_SWEEP_INTERVAL", DefaultOverdueSweep),
		ReconcileSweepInterval: getEnvDuration("RECONCILE_SWEEP_INTERVAL", DefaultReconcileSweep),
		ProcessingGracePeriod:  getEnvDuration("PROCESSING_GRACE_PERIOD", DefaultProcessingGracePeriod),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is consistent
func (c *Config) Validate() error {
	switch c.GatewayProvider {
	case "simulator":
	case "stripe":
		if c.StripeAPIKey == "" {
			return fmt.Errorf("STRIPE_API_KEY is required when GATEWAY_PROVIDER=stripe")
		}
	default:
		return fmt.Errorf("unknown GATEWAY_PROVIDER %q", c.GatewayProvider)
	}

	if c.SimulatorFailRate < 0 || c.SimulatorFailRate > 1 {
		return fmt.Errorf("SIMULATOR_FAIL_RATE must be in [0,1]")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1")
	}
	if c.DefaultTermDays < 1 {
		return fmt.Errorf("CREDIT_TERM_DAYS must be at least 1")
	}
	if c.MonthlyRate < 0 {
		return fmt.Errorf("CREDIT_MONTHLY_RATE must not be negative")
	}
	if c.IsProduction() && c.CallbackSecret == "" {
		return fmt.Errorf("CALLBACK_SECRET is required in production")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
