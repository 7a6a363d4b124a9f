package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brojonat/solescrow/service/escrow"
	"github.com/brojonat/solescrow/service/payment"
	"github.com/brojonat/solescrow/service/solana"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	LogLevel    string
	AutoMigrate bool

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Solana configuration
	SolanaRPCURL  string
	SolanaNetwork string
	SolanaRPCRPS  float64

	// Escrow settings
	AdminWallet       string
	EscrowWallet      string
	EscrowKeypairPath string
	ServiceFee        uint64 // lamports

	// Payment configuration
	PayMaxAttempts      int
	PayRetryStep        time.Duration
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration
	ReleaseLease        time.Duration

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
	ReconcileInterval time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	autoMigrate, err := parseBool("AUTO_MIGRATE", false)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.AutoMigrate = autoMigrate

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Solana configuration
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}
	cfg.SolanaNetwork = getEnvOrDefault("SOLANA_NETWORK", "devnet")

	rps, err := parseFloat("SOLANA_RPC_RPS", 5)
	if err != nil {
		errs = append(errs, err)
	} else if rps <= 0 {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_RPS must be positive, got %v", rps))
	}
	cfg.SolanaRPCRPS = rps

	// Escrow settings
	cfg.AdminWallet = os.Getenv("ADMIN_WALLET")
	if cfg.AdminWallet == "" {
		errs = append(errs, fmt.Errorf("ADMIN_WALLET is required"))
	}
	cfg.EscrowWallet = os.Getenv("ESCROW_WALLET")
	if cfg.EscrowWallet == "" {
		errs = append(errs, fmt.Errorf("ESCROW_WALLET is required"))
	}
	cfg.EscrowKeypairPath = os.Getenv("ESCROW_KEYPAIR_PATH")

	feeStr := getEnvOrDefault("SERVICE_FEE", "0.001")
	fee, err := solana.ParseSOL(feeStr)
	if err != nil {
		errs = append(errs, fmt.Errorf("SERVICE_FEE: invalid SOL amount %q: %w", feeStr, err))
	}
	cfg.ServiceFee = fee

	if cfg.AdminWallet != "" && cfg.EscrowWallet != "" {
		if err := cfg.Settings().Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	// Payment configuration
	maxAttempts, err := parseInt("PAY_MAX_ATTEMPTS", 3)
	if err != nil {
		errs = append(errs, err)
	} else if maxAttempts < 1 {
		errs = append(errs, fmt.Errorf("PAY_MAX_ATTEMPTS must be at least 1, got %d", maxAttempts))
	}
	cfg.PayMaxAttempts = maxAttempts

	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"PAY_RETRY_STEP", "1s", &cfg.PayRetryStep},
		{"CONFIRM_TIMEOUT", "60s", &cfg.ConfirmTimeout},
		{"CONFIRM_POLL_INTERVAL", "2s", &cfg.ConfirmPollInterval},
		{"RELEASE_LEASE", "5m", &cfg.ReleaseLease},
		{"RECONCILE_INTERVAL", "5m", &cfg.ReconcileInterval},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dest = v
	}

	if cfg.ConfirmPollInterval > cfg.ConfirmTimeout {
		errs = append(errs, fmt.Errorf("CONFIRM_POLL_INTERVAL (%v) cannot be greater than CONFIRM_TIMEOUT (%v)",
			cfg.ConfirmPollInterval, cfg.ConfirmTimeout))
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "solescrow")

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

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.SolanaRPCRPS <= 0 {
		errs = append(errs, fmt.Errorf("SolanaRPCRPS must be positive"))
	}

	if err := c.Settings().Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.PayMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("PayMaxAttempts must be at least 1"))
	}

	if c.ConfirmTimeout < time.Second {
		errs = append(errs, fmt.Errorf("ConfirmTimeout must be at least 1 second"))
	}

	if c.ConfirmPollInterval > c.ConfirmTimeout {
		errs = append(errs, fmt.Errorf("ConfirmPollInterval cannot be greater than ConfirmTimeout"))
	}

	if c.ReleaseLease <= 0 {
		errs = append(errs, fmt.Errorf("ReleaseLease must be positive"))
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

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// Settings returns the escrow settings seeded from the environment.
func (c *Config) Settings() escrow.Settings {
	return escrow.Settings{
		AdminWallet:  c.AdminWallet,
		EscrowWallet: c.EscrowWallet,
		ServiceFee:   c.ServiceFee,
	}
}

// PaymentConfig returns the submitter configuration.
func (c *Config) PaymentConfig() payment.Config {
	return payment.Config{
		MaxAttempts:    c.PayMaxAttempts,
		RetryStep:      c.PayRetryStep,
		ConfirmTimeout: c.ConfirmTimeout,
	}
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

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}

func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}
