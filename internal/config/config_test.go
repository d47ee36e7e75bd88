package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/evyataryagoni/ipgeo/internal/ingest"
)

var envKeys = []string{
	"CONFIG_FILE", "DATASTORE_TYPE", "DATASTORE_PATH", "MYSQL_DSN",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_PREFIX", "PEBBLE_CACHE_BYTES",
	"INPUT_PATH", "INPUT_HEADER", "BATCH_SIZE", "STRICT_NUMERIC", "REJECT_OVERLAPS",
	"LOOKUP_CACHE_SIZE", "LOG_LEVEL", "LOG_PRETTY",
}

// clearEnv blanks every key Load reads; t.Setenv restores them afterwards
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatastoreType != "sqlite" || cfg.DatastorePath != "./data/ipgeo.db" {
		t.Errorf("unexpected datastore defaults %s %s", cfg.DatastoreType, cfg.DatastorePath)
	}
	if cfg.BatchSize != ingest.DefaultBatchSize {
		t.Errorf("expected batch size %d, got %d", ingest.DefaultBatchSize, cfg.BatchSize)
	}
	if cfg.StrictNumeric || cfg.RejectOverlaps || cfg.LookupCacheSize != 0 {
		t.Errorf("expected lenient defaults, got %+v", cfg)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected info log level, got %s", cfg.LogLevel)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATASTORE_TYPE", "Pebble")
	t.Setenv("DATASTORE_PATH", "/var/lib/ipgeo")
	t.Setenv("PEBBLE_CACHE_BYTES", "128MiB")
	t.Setenv("BATCH_SIZE", "5000")
	t.Setenv("STRICT_NUMERIC", "true")
	t.Setenv("REJECT_OVERLAPS", "1")
	t.Setenv("LOOKUP_CACHE_SIZE", "1024")
	t.Setenv("INPUT_HEADER", "absent")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatastoreType != "pebble" || cfg.DatastorePath != "/var/lib/ipgeo" {
		t.Errorf("unexpected datastore %s %s", cfg.DatastoreType, cfg.DatastorePath)
	}
	if cfg.PebbleCacheBytes != 128<<20 {
		t.Errorf("expected 128MiB, got %d", cfg.PebbleCacheBytes)
	}
	if cfg.BatchSize != 5000 || !cfg.StrictNumeric || !cfg.RejectOverlaps || cfg.LookupCacheSize != 1024 {
		t.Errorf("unexpected overrides %+v", cfg)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected debug, got %s", cfg.LogLevel)
	}
	if cfg.RedisDB != 0 {
		t.Errorf("invalid integer should keep the default, got %d", cfg.RedisDB)
	}

	opts, err := cfg.IngestOptions()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.BatchSize != 5000 || !opts.StrictNumeric || !opts.RejectOverlaps || opts.Header != ingest.HeaderAbsent {
		t.Errorf("unexpected ingest options %+v", opts)
	}

	sc := cfg.StoreConfig(true)
	if sc.Type != "pebble" || sc.Path != "/var/lib/ipgeo" || sc.PebbleCacheBytes != 128<<20 || !sc.ReadOnly {
		t.Errorf("unexpected store config %+v", sc)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "ipgeo.yaml")
	content := strings.Join([]string{
		"datastore_type: redis",
		"redis_addr: cache:6379",
		"redis_prefix: geo",
		"batch_size: 250",
		"lookup_cache_size: 64",
		"log_pretty: false",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("BATCH_SIZE", "500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatastoreType != "redis" || cfg.RedisAddr != "cache:6379" || cfg.RedisPrefix != "geo" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.BatchSize != 500 {
		t.Errorf("environment should win over the file, got %d", cfg.BatchSize)
	}
	if cfg.LookupCacheSize != 64 || cfg.LogPretty {
		t.Errorf("unexpected values %+v", cfg)
	}
	if cfg.DatastorePath != "./data/ipgeo.db" {
		t.Errorf("omitted keys should keep defaults, got %s", cfg.DatastorePath)
	}
	found := false
	for _, src := range cfg.Sources {
		if src == path {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s in sources %v", path, cfg.Sources)
	}
}

func TestLoad_ConfigFileErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Error("expected an error for a missing config file")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("batch_size: [1, 2"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", bad)
	if _, err := Load(); err == nil {
		t.Error("expected an error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"unknown datastore", func(c *Config) { c.DatastoreType = "csv" }, true},
		{"mysql without dsn", func(c *Config) { c.DatastoreType = "mysql" }, true},
		{"mysql with dsn", func(c *Config) { c.DatastoreType = "mysql"; c.MySQLDSN = "user:pw@tcp(db:3306)/geo" }, false},
		{"redis without addr", func(c *Config) { c.DatastoreType = "redis"; c.RedisAddr = "" }, true},
		{"memory without path", func(c *Config) { c.DatastoreType = "memory"; c.DatastorePath = "" }, false},
		{"sqlite without path", func(c *Config) { c.DatastorePath = "" }, true},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }, true},
		{"negative cache", func(c *Config) { c.LookupCacheSize = -1 }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, true},
		{"bad header mode", func(c *Config) { c.InputHeader = "maybe" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("IPGEO_TEST_INT", "42")
	t.Setenv("IPGEO_TEST_BOOL", "false")
	t.Setenv("IPGEO_TEST_BYTES", "1 GB")
	t.Setenv("IPGEO_TEST_BAD", "oops")

	if got := getEnvAsInt("IPGEO_TEST_INT", 1); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	if got := getEnvAsInt("IPGEO_TEST_BAD", 1); got != 1 {
		t.Errorf("expected default 1, got %d", got)
	}
	if got := getEnvAsBool("IPGEO_TEST_BOOL", true); got {
		t.Error("expected false")
	}
	if got := getEnvAsBool("IPGEO_TEST_BAD", true); !got {
		t.Error("expected default true")
	}
	if got := getEnvAsBytes("IPGEO_TEST_BYTES", 0); got != 1000000000 {
		t.Errorf("expected 1000000000, got %d", got)
	}
	if got := getEnvAsBytes("IPGEO_TEST_BAD", 7); got != 7 {
		t.Errorf("expected default 7, got %d", got)
	}
	if got := getEnv("IPGEO_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %s", got)
	}
}

func TestNormalize(t *testing.T) {
	cfg := Default()
	cfg.DatastoreType = " Pebble "
	cfg.LogLevel = "WARN"
	cfg.Normalize()
	if cfg.DatastoreType != "pebble" || cfg.LogLevel != "warn" {
		t.Errorf("unexpected normalized values %q, %q", cfg.DatastoreType, cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("normalized config should validate: %v", err)
	}
}
