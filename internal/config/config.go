// Package config provides configuration management for the payment
// verification engine. It loads configuration from environment variables and
// .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Networks     NetworksConfig
	Verification VerificationConfig
	Rates        RatesConfig
	Logging      LoggingConfig
}

// ServerConfig holds operational API server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
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

// ClickHouseConfig holds ClickHouse configuration for the resolution audit
// trail. An empty Host disables audit writes.
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// NetworksConfig holds the per-network blockchain provider configuration
type NetworksConfig struct {
	Enabled  []string
	Networks map[string]NetworkConfig
}

// NetworkConfig holds provider settings for a single network
type NetworkConfig struct {
	RPCURL         string
	NativeAsset    string
	NativeDecimals int
}

// VerificationConfig holds the verification cycle configuration
type VerificationConfig struct {
	PollInterval    time.Duration // cadence of the verification cycle
	ExpiryWindow    time.Duration // age at which an unmatched payment fails
	RecentWindow    time.Duration // early-verification lookback for new payments
	TolerancePct    float64       // allowed amount deviation, e.g. 2.0 for 2%
	Workers         int           // bounded per-cycle concurrency
	ProviderTimeout time.Duration // per-request timeout on provider calls
	ErrorLogSize    int           // most-recent-N errors kept in job stats
	BatchLimit      int           // max candidates fetched per cycle per query
}

// RatesConfig holds exchange-rate provider configuration
type RatesConfig struct {
	Endpoint string
	CacheTTL time.Duration
	Timeout  time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "payment_verifier"),
				User:           getEnv("POSTGRES_USER", "verifier"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", ""),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "payment_verifier"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Verification: VerificationConfig{
			PollInterval:    getEnvAsDuration("VERIFY_POLL_INTERVAL", 2*time.Minute),
			ExpiryWindow:    getEnvAsDuration("VERIFY_EXPIRY_WINDOW", 10*time.Minute),
			RecentWindow:    getEnvAsDuration("VERIFY_RECENT_WINDOW", 10*time.Minute),
			TolerancePct:    getEnvAsFloat("VERIFY_TOLERANCE_PCT", 2.0),
			Workers:         getEnvAsInt("VERIFY_WORKERS", 4),
			ProviderTimeout: getEnvAsDuration("VERIFY_PROVIDER_TIMEOUT", 15*time.Second),
			ErrorLogSize:    getEnvAsInt("VERIFY_ERROR_LOG_SIZE", 50),
			BatchLimit:      getEnvAsInt("VERIFY_BATCH_LIMIT", 200),
		},
		Rates: RatesConfig{
			Endpoint: getEnv("RATES_ENDPOINT", "https://min-api.cryptocompare.com/data/price"),
			CacheTTL: getEnvAsDuration("RATES_CACHE_TTL", 5*time.Minute),
			Timeout:  getEnvAsDuration("RATES_TIMEOUT", 10*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Load network configurations
	config.Networks = loadNetworkConfigs()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime behavior
func (c *Config) Validate() error {
	if c.Verification.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.Verification.PollInterval)
	}
	if c.Verification.ExpiryWindow <= 0 {
		return fmt.Errorf("expiry window must be positive, got %v", c.Verification.ExpiryWindow)
	}
	if c.Verification.TolerancePct < 0 || c.Verification.TolerancePct >= 100 {
		return fmt.Errorf("tolerance percent must be in [0, 100), got %v", c.Verification.TolerancePct)
	}
	if c.Verification.Workers <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.Verification.Workers)
	}
	return nil
}

// loadNetworkConfigs loads network-specific provider configurations
func loadNetworkConfigs() NetworksConfig {
	enabled := strings.Split(getEnv("ENABLED_NETWORKS", "ethereum,polygon,arbitrum"), ",")

	// Native asset defaults per canonical network
	nativeAssets := map[string]string{
		"ethereum": "ETH",
		"polygon":  "POL",
		"arbitrum": "ETH",
	}

	networks := make(map[string]NetworkConfig)
	for _, network := range enabled {
		network = strings.TrimSpace(network)
		if network == "" {
			continue
		}

		prefix := strings.ToUpper(network)
		native := nativeAssets[network]
		if native == "" {
			native = "ETH"
		}

		networks[network] = NetworkConfig{
			RPCURL:         getEnv(prefix+"_RPC_URL", ""),
			NativeAsset:    getEnv(prefix+"_NATIVE_ASSET", native),
			NativeDecimals: getEnvAsInt(prefix+"_NATIVE_DECIMALS", 18),
		}
	}

	return NetworksConfig{
		Enabled:  enabled,
		Networks: networks,
	}
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

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
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
