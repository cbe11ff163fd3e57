// Package config loads process configuration for the ingest CLI.
//
// Values are resolved in order: built-in defaults, an optional YAML file
// named by NHLE_CONFIG, then environment variables. Command-line flags are
// applied last by the caller.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/nhle-ingest/pkg/client"
	"github.com/Sternrassler/nhle-ingest/pkg/detail"
	"github.com/Sternrassler/nhle-ingest/pkg/logging"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Ledger backends.
const (
	LedgerFile     = "file"
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
)

// Store backends. StoreMemory is only usable programmatically: the CLI
// always pairs its store with a durable ledger.
const (
	StoreFile     = "file"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config is the resolved process configuration.
type Config struct {
	SourceURL     string `yaml:"source_url"`
	DetailBaseURL string `yaml:"detail_base_url"`
	UserAgent     string `yaml:"user_agent"`

	// Store is "file" or "postgres". Empty selects postgres when
	// DatabaseURL is set and the local journal otherwise.
	Store       string `yaml:"store"`
	StorePath   string `yaml:"store_path"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	Ledger       string `yaml:"ledger"`
	LedgerPath   string `yaml:"ledger_path"`
	HistoryLimit int    `yaml:"history_limit"`

	LogLevel    string `yaml:"log_level"`
	LogPretty   bool   `yaml:"log_pretty"`
	MetricsAddr string `yaml:"metrics_addr"`

	PageSize     int   `yaml:"page_size"`
	SampleTarget int64 `yaml:"sample_target"`
	Workers      int   `yaml:"workers"`
	Details      bool  `yaml:"details"`
	MaxAttempts  int   `yaml:"max_attempts"`

	SourceInterval time.Duration `yaml:"source_interval"`
	DetailInterval time.Duration `yaml:"detail_interval"`

	CacheTTL        time.Duration `yaml:"cache_ttl"`
	CacheMissingTTL time.Duration `yaml:"cache_missing_ttl"`

	S3 S3Config `yaml:"s3"`
}

// S3Config holds object storage settings for exports.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SourceURL:       client.DefaultBaseURL,
		DetailBaseURL:   detail.DefaultBaseURL,
		UserAgent:       "nhle-ingest/0.1.0",
		StorePath:       "nhle-store.ndjson",
		Ledger:          LedgerFile,
		LedgerPath:      "nhle-ledger.json",
		HistoryLimit:    500,
		LogLevel:        "info",
		PageSize:        1000,
		Workers:         4,
		Details:         true,
		MaxAttempts:     5,
		SourceInterval:  500 * time.Millisecond,
		DetailInterval:  1 * time.Second,
		CacheTTL:        7 * 24 * time.Hour,
		CacheMissingTTL: 24 * time.Hour,
		S3:              S3Config{Secure: true},
	}
}

// Load resolves defaults, the NHLE_CONFIG file and the environment.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("NHLE_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.SourceURL = getEnv("NHLE_BASE_URL", c.SourceURL)
	c.DetailBaseURL = getEnv("NHLE_DETAIL_BASE_URL", c.DetailBaseURL)
	c.UserAgent = getEnv("USER_AGENT", c.UserAgent)
	c.Store = getEnv("STORE", c.Store)
	c.StorePath = getEnv("STORE_PATH", c.StorePath)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.Ledger = getEnv("LEDGER", c.Ledger)
	c.LedgerPath = getEnv("LEDGER_PATH", c.LedgerPath)
	c.HistoryLimit = getEnvInt("HISTORY_LIMIT", c.HistoryLimit)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogPretty = getEnvBool("LOG_PRETTY", c.LogPretty)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.PageSize = getEnvInt("PAGE_SIZE", c.PageSize)
	c.Workers = getEnvInt("WORKERS", c.Workers)
	c.Details = getEnvBool("DETAILS", c.Details)
	c.MaxAttempts = getEnvInt("MAX_ATTEMPTS", c.MaxAttempts)
	c.SourceInterval = getEnvDuration("SOURCE_INTERVAL", c.SourceInterval)
	c.DetailInterval = getEnvDuration("DETAIL_INTERVAL", c.DetailInterval)
	c.CacheTTL = getEnvDuration("CACHE_TTL", c.CacheTTL)
	c.CacheMissingTTL = getEnvDuration("CACHE_MISSING_TTL", c.CacheMissingTTL)
	c.S3.Endpoint = getEnv("S3_ENDPOINT", c.S3.Endpoint)
	c.S3.AccessKey = getEnv("S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = getEnv("S3_SECRET_KEY", c.S3.SecretKey)
	c.S3.Region = getEnv("S3_REGION", c.S3.Region)
	c.S3.Secure = getEnvBool("S3_SECURE", c.S3.Secure)
}

// StoreKind returns the effective store backend.
func (c Config) StoreKind() string {
	if c.Store != "" {
		return c.Store
	}
	if c.DatabaseURL != "" {
		return StorePostgres
	}
	return StoreFile
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.SourceURL == "" {
		return fmt.Errorf("source url is required")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be > 0 (got %d)", c.PageSize)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0 (got %d)", c.Workers)
	}
	if c.SampleTarget < 0 {
		return fmt.Errorf("sample_target must be >= 0 (got %d)", c.SampleTarget)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be > 0 (got %d)", c.MaxAttempts)
	}
	if c.SourceInterval < 0 || c.DetailInterval < 0 {
		return fmt.Errorf("request intervals must be >= 0")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	switch c.StoreKind() {
	case StoreFile:
		if c.StorePath == "" {
			return fmt.Errorf("store %q requires a path", StoreFile)
		}
	case StoreMemory:
		return fmt.Errorf("store %q does not survive the process and cannot back a durable ledger", StoreMemory)
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("store %q requires DATABASE_URL", StorePostgres)
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}

	switch c.Ledger {
	case LedgerFile:
		if c.LedgerPath == "" {
			return fmt.Errorf("ledger %q requires a path", LedgerFile)
		}
	case LedgerPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("ledger %q requires DATABASE_URL", LedgerPostgres)
		}
	case LedgerRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("ledger %q requires REDIS_URL", LedgerRedis)
		}
	default:
		return fmt.Errorf("unknown ledger %q", c.Ledger)
	}
	return nil
}

// RedisOptions parses RedisURL, accepting either a redis:// URL or a bare
// host:port address.
func (c Config) RedisOptions() (*redis.Options, error) {
	if c.RedisURL == "" {
		return nil, fmt.Errorf("redis url is empty")
	}
	if strings.Contains(c.RedisURL, "://") {
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: c.RedisURL}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
