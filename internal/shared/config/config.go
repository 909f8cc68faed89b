package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Vault      VaultConfig
	Aggregator AggregatorConfig
	RateLimit  RateLimitConfig
	Retry      RetryConfig
	TLS        TLSConfig
	Telemetry  TelemetryConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	AllowedHosts []string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type VaultConfig struct {
	MasterKey  string
	Iterations int
}

type AggregatorConfig struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	WebhookSecret string
	WebhookURL    string
	PageSize      int
	Timeout       time.Duration
}

type RateLimitConfig struct {
	SyncMaxRequests int
	SyncWindow      time.Duration
}

type RetryConfig struct {
	MaxRetries     int
	InitialDelay   time.Duration
	PerCallTimeout time.Duration
}

type TLSConfig struct {
	Enabled      bool
	CertPath     string
	KeyPath      string
	RedirectHTTP bool
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
}

func Load() (*Config, error) {
	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	vaultIterations, err := strconv.Atoi(getEnv("VAULT_KDF_ITERATIONS", "100000"))
	if err != nil {
		return nil, fmt.Errorf("invalid VAULT_KDF_ITERATIONS: %w", err)
	}

	pageSize, err := strconv.Atoi(getEnv("AGGREGATOR_PAGE_SIZE", "100"))
	if err != nil {
		return nil, fmt.Errorf("invalid AGGREGATOR_PAGE_SIZE: %w", err)
	}
	aggregatorTimeout, err := time.ParseDuration(getEnv("AGGREGATOR_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid AGGREGATOR_TIMEOUT: %w", err)
	}

	syncMaxRequests, err := strconv.Atoi(getEnv("RATELIMIT_SYNC_MAX_REQUESTS", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATELIMIT_SYNC_MAX_REQUESTS: %w", err)
	}
	syncWindow, err := time.ParseDuration(getEnv("RATELIMIT_SYNC_WINDOW", "1m"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATELIMIT_SYNC_WINDOW: %w", err)
	}

	maxRetries, err := strconv.Atoi(getEnv("RETRY_MAX_RETRIES", "3"))
	if err != nil {
		return nil, fmt.Errorf("invalid RETRY_MAX_RETRIES: %w", err)
	}
	initialDelay, err := time.ParseDuration(getEnv("RETRY_INITIAL_DELAY", "1s"))
	if err != nil {
		return nil, fmt.Errorf("invalid RETRY_INITIAL_DELAY: %w", err)
	}
	perCallTimeout, err := time.ParseDuration(getEnv("RETRY_PER_CALL_TIMEOUT", "25s"))
	if err != nil {
		return nil, fmt.Errorf("invalid RETRY_PER_CALL_TIMEOUT: %w", err)
	}

	// Parse allowed hosts (comma-separated list)
	allowedHostsStr := getEnv("ALLOWED_HOSTS", "")
	var allowedHosts []string
	if allowedHostsStr != "" {
		for _, host := range strings.Split(allowedHostsStr, ",") {
			host = strings.TrimSpace(host)
			if host != "" {
				allowedHosts = append(allowedHosts, host)
			}
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Host:         getEnv("HOST", "0.0.0.0"),
			AllowedHosts: allowedHosts,
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DB_USER", "finance"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "finance-dashboard"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
		},
		Vault: VaultConfig{
			MasterKey:  getEnv("VAULT_MASTER_KEY", ""),
			Iterations: vaultIterations,
		},
		Aggregator: AggregatorConfig{
			BaseURL:       getEnv("AGGREGATOR_BASE_URL", "https://sandbox.plaid.com"),
			ClientID:      getEnv("AGGREGATOR_CLIENT_ID", ""),
			ClientSecret:  getEnv("AGGREGATOR_CLIENT_SECRET", ""),
			WebhookSecret: getEnv("AGGREGATOR_WEBHOOK_SECRET", ""),
			WebhookURL:    getEnv("AGGREGATOR_WEBHOOK_URL", ""),
			PageSize:      pageSize,
			Timeout:       aggregatorTimeout,
		},
		RateLimit: RateLimitConfig{
			SyncMaxRequests: syncMaxRequests,
			SyncWindow:      syncWindow,
		},
		Retry: RetryConfig{
			MaxRetries:     maxRetries,
			InitialDelay:   initialDelay,
			PerCallTimeout: perCallTimeout,
		},
		TLS: TLSConfig{
			Enabled:      getBoolEnv("TLS_ENABLED", false),
			CertPath:     getEnv("TLS_CERT_PATH", ""),
			KeyPath:      getEnv("TLS_KEY_PATH", ""),
			RedirectHTTP: getBoolEnv("TLS_REDIRECT_HTTP", false),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getBoolEnv("OTEL_ENABLED", false),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "finance-sync-api"),
			Environment:  getEnv("OTEL_ENVIRONMENT", "development"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		},
	}

	// Validate required fields
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.Vault.MasterKey == "" {
		return nil, fmt.Errorf("VAULT_MASTER_KEY is required")
	}
	if cfg.Aggregator.WebhookSecret == "" {
		return nil, fmt.Errorf("AGGREGATOR_WEBHOOK_SECRET is required")
	}
	if cfg.Vault.Iterations < 10000 {
		return nil, fmt.Errorf("VAULT_KDF_ITERATIONS must be at least 10000")
	}

	if cfg.TLS.Enabled {
		if cfg.TLS.CertPath == "" {
			return nil, fmt.Errorf("TLS_CERT_PATH is required when TLS_ENABLED=true")
		}
		if cfg.TLS.KeyPath == "" {
			return nil, fmt.Errorf("TLS_KEY_PATH is required when TLS_ENABLED=true")
		}
	}

	return cfg, nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	// Accept: true, false, 1, 0, yes, no (case-insensitive)
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}
