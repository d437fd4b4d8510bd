// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chain settings
	ChainNodeURL string  // UTXO chain node/indexer endpoint
	FeeRate      float64 // satoshis per byte
	MasterSecret string  // at-rest encryption secret for wallet private keys
	PlatformKey  string  // hex private key of the platform settlement wallet

	// Admin step-up authentication
	AdminKey               string
	AdminKeyPrevious       string // rotation: still accepted
	AdminKeyLegacy         string // rotation: still accepted
	AdminWalletAllowlist   []string
	AdminRequireWalletAuth bool

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"
	DefaultFeeRate  = 0.5
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
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ChainNodeURL:           os.Getenv("CHAIN_NODE_URL"),
		FeeRate:                getEnvFloat("FEE_RATE", DefaultFeeRate),
		MasterSecret:           os.Getenv("MASTER_SECRET"), // Required, no default
		PlatformKey:            os.Getenv("PLATFORM_KEY"),
		AdminKey:               os.Getenv("ADMIN_KEY"),
		AdminKeyPrevious:       os.Getenv("ADMIN_KEY_PREVIOUS"),
		AdminKeyLegacy:         os.Getenv("ADMIN_KEY_LEGACY"),
		AdminWalletAllowlist:   splitList(os.Getenv("ADMIN_WALLET_ALLOWLIST")),
		AdminRequireWalletAuth: getEnvBool("ADMIN_REQUIRE_WALLET_STEPUP", false),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.MasterSecret == "" {
		return fmt.Errorf("MASTER_SECRET is required")
	}
	if len(c.MasterSecret) < 16 {
		return fmt.Errorf("MASTER_SECRET must be at least 16 characters")
	}

	if c.PlatformKey != "" {
		key := strings.TrimPrefix(c.PlatformKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PLATFORM_KEY must be 64 hex characters")
		}
	}

	if c.AdminKey == "" {
		return fmt.Errorf("ADMIN_KEY is required")
	}

	if c.FeeRate <= 0 {
		return fmt.Errorf("FEE_RATE must be positive")
	}

	if c.AdminRequireWalletAuth && len(c.AdminWalletAllowlist) == 0 {
		return fmt.Errorf("ADMIN_WALLET_ALLOWLIST is required when ADMIN_REQUIRE_WALLET_STEPUP is enabled")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
