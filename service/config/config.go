package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/vitrine/service/payment"
	"github.com/shopspring/decimal"
)

// Storage drivers.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Event bus backends.
const (
	EventsNATS  = "nats"
	EventsKafka = "kafka"
	EventsNone  = "none"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr        string
	WorkerMetricsAddr string
	LogLevel          string

	// Storage configuration
	StorageDriver string
	DatabaseURL   string
	SeedFile      string // optional JSON catalog of listings and users loaded at startup

	// Event bus configuration
	EventsBackend string
	NATSURL       string
	KafkaBrokers  []string
	KafkaTopic    string

	// Sales graph configuration (optional)
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Expiry sweep configuration
	ExpirySweepInterval time.Duration
	ExpiryBatchSize     int

	// PIX configuration
	PixKey            string
	PixMerchantName   string
	PixMerchantCity   string
	PixPaymentTimeout time.Duration

	// Fee rates
	PlatformFeeRate decimal.Decimal
	PixFeeRate      decimal.Decimal
	PixFeeCap       decimal.Decimal
	CardFeeRate     decimal.Decimal
	CardFeeFixed    decimal.Decimal
	BankFeeRate     decimal.Decimal
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.WorkerMetricsAddr = getEnvOrDefault("WORKER_METRICS_ADDR", ":9091")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Storage configuration
	cfg.StorageDriver = getEnvOrDefault("STORAGE_DRIVER", StoragePostgres)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.SeedFile = os.Getenv("SEED_FILE")
	switch cfg.StorageDriver {
	case StoragePostgres:
		if cfg.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER=postgres"))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", StoragePostgres, StorageMemory, cfg.StorageDriver))
	}

	// Event bus configuration
	cfg.EventsBackend = getEnvOrDefault("EVENTS_BACKEND", EventsNATS)
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")
	cfg.KafkaBrokers = splitList(getEnvOrDefault("KAFKA_BROKERS", "localhost:9092"))
	cfg.KafkaTopic = getEnvOrDefault("KAFKA_TOPIC", "marketplace.transactions")
	switch cfg.EventsBackend {
	case EventsNATS, EventsKafka, EventsNone:
	default:
		errs = append(errs, fmt.Errorf("EVENTS_BACKEND must be one of nats, kafka, none, got %q", cfg.EventsBackend))
	}
	if cfg.EventsBackend == EventsKafka && len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required when EVENTS_BACKEND=kafka"))
	}

	// Sales graph configuration
	cfg.Neo4jURI = os.Getenv("NEO4J_URI")
	cfg.Neo4jUser = os.Getenv("NEO4J_USER")
	cfg.Neo4jPassword = os.Getenv("NEO4J_PASSWORD")
	cfg.Neo4jDatabase = getEnvOrDefault("NEO4J_DATABASE", "neo4j")

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "vitrine-transactions")

	// Expiry sweep configuration
	sweepInterval, err := parseDuration("EXPIRY_SWEEP_INTERVAL", "1m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ExpirySweepInterval = sweepInterval
	}

	batchSize, err := parseInt("EXPIRY_BATCH_SIZE", 100)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ExpiryBatchSize = batchSize
	}

	// PIX configuration
	cfg.PixKey = getEnvOrDefault("PIX_KEY", "pagamentos@vitrine.com.br")
	cfg.PixMerchantName = getEnvOrDefault("PIX_MERCHANT_NAME", "Vitrine")
	cfg.PixMerchantCity = getEnvOrDefault("PIX_MERCHANT_CITY", "Sao Paulo")
	pixTimeout, err := parseDuration("PIX_PAYMENT_TIMEOUT", "30m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.PixPaymentTimeout = pixTimeout
	}

	// Fee rates, defaulting to the standard policy
	defaults := payment.DefaultFeePolicy()
	rates := []struct {
		key string
		def decimal.Decimal
		dst *decimal.Decimal
	}{
		{"PLATFORM_FEE_RATE", defaults.PlatformRate, &cfg.PlatformFeeRate},
		{"PIX_FEE_RATE", defaults.PixRate, &cfg.PixFeeRate},
		{"PIX_FEE_CAP", defaults.PixCap, &cfg.PixFeeCap},
		{"CARD_FEE_RATE", defaults.CardRate, &cfg.CardFeeRate},
		{"CARD_FEE_FIXED", defaults.CardFixed, &cfg.CardFeeFixed},
		{"BANK_FEE_RATE", defaults.BankRate, &cfg.BankFeeRate},
	}
	for _, r := range rates {
		v, err := parseDecimal(r.key, r.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*r.dst = v
	}

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.StorageDriver == StoragePostgres && c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required for postgres storage"))
	}
	if c.StorageDriver != StoragePostgres && c.StorageDriver != StorageMemory {
		errs = append(errs, fmt.Errorf("StorageDriver %q is not supported", c.StorageDriver))
	}

	switch c.EventsBackend {
	case EventsNATS:
		if c.NATSURL == "" {
			errs = append(errs, fmt.Errorf("NATSURL is required for the nats backend"))
		}
	case EventsKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("KafkaBrokers is required for the kafka backend"))
		}
		if c.KafkaTopic == "" {
			errs = append(errs, fmt.Errorf("KafkaTopic is required for the kafka backend"))
		}
	case EventsNone:
	default:
		errs = append(errs, fmt.Errorf("EventsBackend %q is not supported", c.EventsBackend))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.ExpirySweepInterval < time.Second {
		errs = append(errs, fmt.Errorf("ExpirySweepInterval must be at least 1 second"))
	}

	if c.ExpiryBatchSize < 1 {
		errs = append(errs, fmt.Errorf("ExpiryBatchSize must be positive"))
	}

	if c.PixKey == "" {
		errs = append(errs, fmt.Errorf("PixKey is required"))
	}
	if len(c.PixKey) > payment.MaxPixKeyLength {
		errs = append(errs, fmt.Errorf("PixKey must be at most %d characters", payment.MaxPixKeyLength))
	}

	if c.PixPaymentTimeout < time.Minute {
		errs = append(errs, fmt.Errorf("PixPaymentTimeout must be at least 1 minute"))
	}

	if err := c.FeePolicy().Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// FeePolicy returns the configured fee rates.
func (c *Config) FeePolicy() payment.FeePolicy {
	return payment.FeePolicy{
		PlatformRate: c.PlatformFeeRate,
		PixRate:      c.PixFeeRate,
		PixCap:       c.PixFeeCap,
		CardRate:     c.CardFeeRate,
		CardFixed:    c.CardFeeFixed,
		BankRate:     c.BankFeeRate,
	}
}

// PixConfig returns the merchant settings embedded in PIX charges.
func (c *Config) PixConfig() payment.PixConfig {
	return payment.PixConfig{
		Key:          c.PixKey,
		MerchantName: c.PixMerchantName,
		MerchantCity: c.PixMerchantCity,
		Timeout:      c.PixPaymentTimeout,
	}
}

// GraphEnabled reports whether a sales graph is configured.
func (c *Config) GraphEnabled() bool {
	return c.Neo4jURI != ""
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseDecimal parses a decimal from an environment variable or uses a default.
func parseDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", key, value, err)
	}
	return result, nil
}

// splitList splits a comma-separated list, dropping empty entries.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
