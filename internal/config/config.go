// Package config provides configuration management for the lead router.
// It loads configuration from environment variables and .env files.
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
	Server      ServerConfig
	Database    DatabaseConfig
	Pricing     PricingConfig
	Dispatch    DispatchConfig
	Webhook     WebhookConfig
	Email       EmailConfig
	Maintenance MaintenanceConfig
	RateLimit   RateLimitConfig
	Logging     LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	AdminToken      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Backend  string // "postgres" or "memory"
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by golang-migrate
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis configuration. An empty Host disables Redis.
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
	LockTTL        time.Duration
}

// PricingConfig holds the price table inputs for the payment classifier
type PricingConfig struct {
	Currency        string
	SingleLeadPrice decimal.Decimal
	Packs           []PackConfig
	Subscription    PackConfig
	Tolerance       decimal.Decimal
	PerksRenewal    time.Duration
}

// PackConfig describes one purchasable credit product
type PackConfig struct {
	ID      string
	Price   decimal.Decimal
	Credits int
	Perks   bool
}

// DispatchConfig holds lead dispatch configuration
type DispatchConfig struct {
	CreditsPerLead int
	PaymentLinkURL string
	OpsEmail       string
}

// WebhookConfig holds payment webhook configuration
type WebhookConfig struct {
	SigningSecret      string
	TimestampTolerance time.Duration
}

// EmailConfig holds SMTP configuration. An empty Host logs mail instead of sending it.
type EmailConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	From     string
	Timeout  time.Duration
}

// MaintenanceConfig holds batch sweep configuration
type MaintenanceConfig struct {
	Interval          time.Duration
	DanglingAfter     time.Duration
	ResendBatchSize   int
	ResendMaxAttempts int
}

// RateLimitConfig holds public endpoint throttling configuration
type RateLimitConfig struct {
	PublicRPS   int
	PublicBurst int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	pricing, err := loadPricing()
	if err != nil {
		return nil, err
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			AdminToken:      getEnv("ADMIN_TOKEN", ""),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Backend: getEnv("STORE_BACKEND", "postgres"),
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "lead_router"),
				User:           getEnv("POSTGRES_USER", "router"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", ""),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
				LockTTL:        getEnvAsDuration("PAYMENT_LOCK_TTL", 30*time.Second),
			},
		},
		Pricing: pricing,
		Dispatch: DispatchConfig{
			CreditsPerLead: getEnvAsInt("CREDITS_PER_LEAD", 1),
			PaymentLinkURL: getEnv("PAYMENT_LINK_URL", "https://pay.example.com/lead"),
			OpsEmail:       getEnv("OPS_EMAIL", ""),
		},
		Webhook: WebhookConfig{
			SigningSecret:      getEnv("WEBHOOK_SIGNING_SECRET", ""),
			TimestampTolerance: getEnvAsDuration("WEBHOOK_TIMESTAMP_TOLERANCE", 5*time.Minute),
		},
		Email: EmailConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnv("SMTP_PORT", "587"),
			User:     getEnv("SMTP_USER", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "leads@example.com"),
			Timeout:  getEnvAsDuration("SMTP_TIMEOUT", 10*time.Second),
		},
		Maintenance: MaintenanceConfig{
			Interval:          getEnvAsDuration("MAINTENANCE_INTERVAL", 15*time.Minute),
			DanglingAfter:     getEnvAsDuration("DELIVERY_DANGLING_AFTER", 10*time.Minute),
			ResendBatchSize:   getEnvAsInt("RESEND_BATCH_SIZE", 50),
			ResendMaxAttempts: getEnvAsInt("RESEND_MAX_ATTEMPTS", 5),
		},
		RateLimit: RateLimitConfig{
			PublicRPS:   getEnvAsInt("RATE_LIMIT_PUBLIC_RPS", 5),
			PublicBurst: getEnvAsInt("RATE_LIMIT_PUBLIC_BURST", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q (must be 'postgres' or 'memory')", c.Database.Backend)
	}
	if c.Dispatch.CreditsPerLead <= 0 {
		return fmt.Errorf("CREDITS_PER_LEAD must be positive")
	}
	if c.Pricing.Tolerance.IsNegative() {
		return fmt.Errorf("PRICE_TOLERANCE must not be negative")
	}
	return nil
}

// loadPricing reads the price table. Packs use the form "id:price:credits[:perks]" separated by commas.
func loadPricing() (PricingConfig, error) {
	single, err := getEnvAsDecimal("PRICE_SINGLE_LEAD", "40")
	if err != nil {
		return PricingConfig{}, err
	}
	tolerance, err := getEnvAsDecimal("PRICE_TOLERANCE", "5")
	if err != nil {
		return PricingConfig{}, err
	}

	packs, err := ParsePacks(getEnv("PRICE_PACKS", "pack_5:200:5,pack_12:450:12:perks,pack_30:1000:30:perks"))
	if err != nil {
		return PricingConfig{}, fmt.Errorf("invalid PRICE_PACKS: %w", err)
	}

	subs, err := ParsePacks(getEnv("PRICE_SUBSCRIPTION", "subscription_monthly:99:3:perks"))
	if err != nil {
		return PricingConfig{}, fmt.Errorf("invalid PRICE_SUBSCRIPTION: %w", err)
	}
	if len(subs) != 1 {
		return PricingConfig{}, fmt.Errorf("PRICE_SUBSCRIPTION must describe exactly one product")
	}

	return PricingConfig{
		Currency:        getEnv("PRICE_CURRENCY", "usd"),
		SingleLeadPrice: single,
		Packs:           packs,
		Subscription:    subs[0],
		Tolerance:       tolerance,
		PerksRenewal:    getEnvAsDuration("PERKS_RENEWAL_PERIOD", 30*24*time.Hour),
	}, nil
}

// ParsePacks parses a comma-separated list of "id:price:credits[:perks]" products
func ParsePacks(raw string) ([]PackConfig, error) {
	var packs []PackConfig
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		parts := strings.Split(item, ":")
		if len(parts) < 3 || len(parts) > 4 {
			return nil, fmt.Errorf("product %q: expected id:price:credits[:perks]", item)
		}

		price, err := decimal.NewFromString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("product %q: bad price: %w", item, err)
		}
		credits, err := strconv.Atoi(parts[2])
		if err != nil || credits < 0 {
			return nil, fmt.Errorf("product %q: bad credit count", item)
		}

		packs = append(packs, PackConfig{
			ID:      parts[0],
			Price:   price,
			Credits: credits,
			Perks:   len(parts) == 4 && parts[3] == "perks",
		})
	}
	return packs, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDecimal parses a money amount. A malformed value is an error, never a default.
func getEnvAsDecimal(key, defaultValue string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(getEnv(key, defaultValue))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}
