package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every setting the client, the CLI and the sandbox ledger read from the environment.
type Config struct {
	LedgerBaseURL                string `mapstructure:"LEDGER_BASE_URL"`
	LedgerTimeoutMS              int    `mapstructure:"LEDGER_TIMEOUT_MS"`
	LedgerLookupRetryTimeoutMS   int    `mapstructure:"LEDGER_LOOKUP_RETRY_TIMEOUT_MS"`
	LedgerTransferRetryTimeoutMS int    `mapstructure:"LEDGER_TRANSFER_RETRY_TIMEOUT_MS"`
	LedgerMaxRetries             int    `mapstructure:"LEDGER_MAX_RETRIES"`

	CacheBackend     string `mapstructure:"CACHE_BACKEND"`
	RedisURL         string `mapstructure:"REDIS_URL"`
	CacheRedisPrefix string `mapstructure:"CACHE_REDIS_PREFIX"`
	CacheTTLSeconds  int    `mapstructure:"CACHE_TTL_SECONDS"`

	RabbitMQURL     string `mapstructure:"RABBITMQ_URL"`
	ReceiptExchange string `mapstructure:"RECEIPT_EXCHANGE"`

	DBSource string `mapstructure:"DB_SOURCE"`
	Port     string `mapstructure:"SERVER_PORT"`
	Env      string `mapstructure:"ENVIRONMENT"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
}

var keys = []string{
	"LEDGER_BASE_URL",
	"LEDGER_TIMEOUT_MS",
	"LEDGER_LOOKUP_RETRY_TIMEOUT_MS",
	"LEDGER_TRANSFER_RETRY_TIMEOUT_MS",
	"LEDGER_MAX_RETRIES",
	"CACHE_BACKEND",
	"REDIS_URL",
	"CACHE_REDIS_PREFIX",
	"CACHE_TTL_SECONDS",
	"RABBITMQ_URL",
	"RECEIPT_EXCHANGE",
	"DB_SOURCE",
	"SERVER_PORT",
	"ENVIRONMENT",
	"LOG_LEVEL",
}

// Load reads configuration from the environment, an optional .env file in the
// working directory and an optional .env file under path.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file in working directory, relying on environment")
	}

	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("LEDGER_BASE_URL", "http://localhost:8080/api")
	viper.SetDefault("LEDGER_TIMEOUT_MS", 10000)
	viper.SetDefault("LEDGER_LOOKUP_RETRY_TIMEOUT_MS", 15000)
	viper.SetDefault("LEDGER_TRANSFER_RETRY_TIMEOUT_MS", 20000)
	viper.SetDefault("LEDGER_MAX_RETRIES", 1)
	viper.SetDefault("CACHE_BACKEND", "memory")
	viper.SetDefault("CACHE_REDIS_PREFIX", "ledgerclient:balance")
	viper.SetDefault("CACHE_TTL_SECONDS", 300)
	viper.SetDefault("RECEIPT_EXCHANGE", "ledger.receipts")
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("LOG_LEVEL", "info")

	for _, key := range keys {
		_ = viper.BindEnv(key)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "error", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.LedgerBaseURL = strings.TrimRight(strings.TrimSpace(cfg.LedgerBaseURL), "/")
	cfg.CacheBackend = strings.ToLower(strings.TrimSpace(cfg.CacheBackend))
	cfg.RedisURL = strings.TrimSpace(cfg.RedisURL)
	cfg.RabbitMQURL = strings.TrimSpace(cfg.RabbitMQURL)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.LedgerBaseURL == "" {
		return fmt.Errorf("LEDGER_BASE_URL must not be empty")
	}
	if c.LedgerTimeoutMS <= 0 {
		return fmt.Errorf("LEDGER_TIMEOUT_MS must be positive, got %d", c.LedgerTimeoutMS)
	}
	if c.LedgerLookupRetryTimeoutMS <= 0 {
		return fmt.Errorf("LEDGER_LOOKUP_RETRY_TIMEOUT_MS must be positive, got %d", c.LedgerLookupRetryTimeoutMS)
	}
	if c.LedgerTransferRetryTimeoutMS <= 0 {
		return fmt.Errorf("LEDGER_TRANSFER_RETRY_TIMEOUT_MS must be positive, got %d", c.LedgerTransferRetryTimeoutMS)
	}
	if c.LedgerMaxRetries < 0 || c.LedgerMaxRetries > 1 {
		return fmt.Errorf("LEDGER_MAX_RETRIES must be 0 or 1, got %d", c.LedgerMaxRetries)
	}
	switch c.CacheBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CACHE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("CACHE_BACKEND must be memory or redis, got %q", c.CacheBackend)
	}
	return nil
}

// Timeout is the default per-attempt deadline.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.LedgerTimeoutMS) * time.Millisecond
}

func (c *Config) LookupRetryTimeout() time.Duration {
	return time.Duration(c.LedgerLookupRetryTimeoutMS) * time.Millisecond
}

func (c *Config) TransferRetryTimeout() time.Duration {
	return time.Duration(c.LedgerTransferRetryTimeoutMS) * time.Millisecond
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
