package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"NHLE_CONFIG", "NHLE_BASE_URL", "NHLE_DETAIL_BASE_URL", "USER_AGENT", "STORE", "STORE_PATH",
	"DATABASE_URL", "REDIS_URL", "LEDGER", "LEDGER_PATH", "HISTORY_LIMIT",
	"LOG_LEVEL", "LOG_PRETTY", "METRICS_ADDR", "PAGE_SIZE", "WORKERS", "DETAILS",
	"MAX_ATTEMPTS", "SOURCE_INTERVAL", "DETAIL_INTERVAL", "CACHE_TTL",
	"CACHE_MISSING_TTL", "S3_ENDPOINT", "S3_ACCESS_KEY", "S3_SECRET_KEY",
	"S3_REGION", "S3_SECURE",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ledger != LedgerFile {
		t.Errorf("Ledger = %q, want %q", cfg.Ledger, LedgerFile)
	}
	if cfg.StoreKind() != StoreFile {
		t.Errorf("StoreKind = %q, want %q", cfg.StoreKind(), StoreFile)
	}
	if cfg.StorePath == "" {
		t.Error("StorePath should have a default")
	}
	if cfg.PageSize != 1000 || cfg.Workers != 4 || !cfg.Details {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "nhle.yaml")
	content := `
source_url: http://file.example/FeatureServer/0
page_size: 250
workers: 8
ledger: redis
redis_url: redis://localhost:6379/2
source_interval: 2s
cache_ttl: 48h
s3:
  endpoint: minio:9000
  secure: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NHLE_CONFIG", path)
	t.Setenv("PAGE_SIZE", "500")
	t.Setenv("LOG_PRETTY", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.SourceURL != "http://file.example/FeatureServer/0" {
		t.Errorf("SourceURL = %q", cfg.SourceURL)
	}
	if cfg.PageSize != 500 {
		t.Errorf("PageSize = %d, want env override 500", cfg.PageSize)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8 from file", cfg.Workers)
	}
	if cfg.SourceInterval != 2*time.Second {
		t.Errorf("SourceInterval = %s, want 2s", cfg.SourceInterval)
	}
	if cfg.CacheTTL != 48*time.Hour {
		t.Errorf("CacheTTL = %s, want 48h", cfg.CacheTTL)
	}
	if cfg.S3.Endpoint != "minio:9000" || cfg.S3.Secure {
		t.Errorf("S3 = %+v", cfg.S3)
	}
	if !cfg.LogPretty {
		t.Error("LogPretty should be set from env")
	}
	if cfg.UserAgent == "" {
		t.Error("UserAgent default should survive file load")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_BadFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("page_size: [nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NHLE_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}

	t.Setenv("NHLE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected read error")
	}
}

func TestLoad_InvalidEnvKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("WORKERS", "many")
	t.Setenv("CACHE_TTL", "forever")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want default 4", cfg.Workers)
	}
	if cfg.CacheTTL != 7*24*time.Hour {
		t.Errorf("CacheTTL = %s, want default", cfg.CacheTTL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"page size", func(c *Config) { c.PageSize = 0 }, "page_size"},
		{"workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"sample", func(c *Config) { c.SampleTarget = -1 }, "sample_target"},
		{"attempts", func(c *Config) { c.MaxAttempts = 0 }, "max_attempts"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log level"},
		{"user agent", func(c *Config) { c.UserAgent = "" }, "user agent"},
		{"unknown ledger", func(c *Config) { c.Ledger = "etcd" }, "unknown ledger"},
		{"postgres ledger", func(c *Config) { c.Ledger = LedgerPostgres }, "DATABASE_URL"},
		{"redis ledger", func(c *Config) { c.Ledger = LedgerRedis }, "REDIS_URL"},
		{"postgres store", func(c *Config) { c.Store = StorePostgres }, "DATABASE_URL"},
		{"unknown store", func(c *Config) { c.Store = "sqlite" }, "unknown store"},
		{"memory store", func(c *Config) { c.Store = StoreMemory }, "durable ledger"},
		{"file store path", func(c *Config) { c.StorePath = "" }, "requires a path"},
		{"file ledger path", func(c *Config) { c.LedgerPath = "" }, "path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestStoreKind(t *testing.T) {
	cfg := Default()
	if cfg.StoreKind() != StoreFile {
		t.Errorf("StoreKind = %q, want file", cfg.StoreKind())
	}
	cfg.DatabaseURL = "postgres://localhost/nhle"
	if cfg.StoreKind() != StorePostgres {
		t.Errorf("StoreKind = %q, want postgres", cfg.StoreKind())
	}
	cfg.Store = StoreFile
	if cfg.StoreKind() != StoreFile {
		t.Errorf("explicit store should win, got %q", cfg.StoreKind())
	}
}

func TestRedisOptions(t *testing.T) {
	cfg := Default()
	if _, err := cfg.RedisOptions(); err == nil {
		t.Error("expected error for empty url")
	}

	cfg.RedisURL = "localhost:6379"
	opts, err := cfg.RedisOptions()
	if err != nil {
		t.Fatalf("RedisOptions: %v", err)
	}
	if opts.Addr != "localhost:6379" {
		t.Errorf("Addr = %q", opts.Addr)
	}

	cfg.RedisURL = "redis://cache:6380/3"
	opts, err = cfg.RedisOptions()
	if err != nil {
		t.Fatalf("RedisOptions: %v", err)
	}
	if opts.Addr != "cache:6380" || opts.DB != 3 {
		t.Errorf("opts = %s db %d", opts.Addr, opts.DB)
	}
}
