package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/evyataryagoni/ipgeo/internal/ingest"
	"github.com/evyataryagoni/ipgeo/internal/logger"
	"github.com/evyataryagoni/ipgeo/internal/store"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
// Values come from defaults, then the optional YAML file named by
// CONFIG_FILE, then environment variables (a .env file is loaded first)
type Config struct {
	// Datastore configuration
	DatastoreType string `yaml:"datastore_type" validate:"oneof=sqlite mysql pebble redis memory mmdb sqlscript"`
	DatastorePath string `yaml:"datastore_path"` // file or directory for sqlite, pebble, mmdb, sqlscript

	// MySQL configuration
	MySQLDSN string `yaml:"mysql_dsn" validate:"required_if=DatastoreType mysql"`

	// Redis configuration
	RedisAddr     string `yaml:"redis_addr" validate:"required_if=DatastoreType redis"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" validate:"min=0"`
	RedisPrefix   string `yaml:"redis_prefix"`

	// Pebble configuration
	PebbleCacheBytes int64 `yaml:"pebble_cache_bytes" validate:"min=0"`

	// Ingestion
	InputPath      string `yaml:"input_path"`
	InputHeader    string `yaml:"input_header" validate:"omitempty,oneof=auto present absent"`
	BatchSize      int    `yaml:"batch_size" validate:"min=1"`
	StrictNumeric  bool   `yaml:"strict_numeric"`
	RejectOverlaps bool   `yaml:"reject_overlaps"`

	// Lookup
	LookupCacheSize int `yaml:"lookup_cache_size" validate:"min=0"`

	// Logging
	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogPretty bool   `yaml:"log_pretty"`

	// Sources records where values were read from, for startup logging
	Sources []string `yaml:"-"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		DatastoreType:    store.TypeSQLite,
		DatastorePath:    "./data/ipgeo.db",
		RedisAddr:        "localhost:6379",
		RedisPrefix:      store.DefaultRedisPrefix,
		PebbleCacheBytes: 64 << 20,
		InputHeader:      "auto",
		BatchSize:        ingest.DefaultBatchSize,
		LookupCacheSize:  0,
		LogLevel:         "info",
		LogPretty:        true,
	}
}

// Load reads configuration from .env, CONFIG_FILE and the environment,
// in increasing order of precedence, and validates the result
func Load() (*Config, error) {
	cfg := Default()

	// Load .env file if it exists (for local development)
	// In production, environment variables are set directly
	if err := godotenv.Load(); err == nil {
		cfg.Sources = append(cfg.Sources, ".env")
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
		cfg.Sources = append(cfg.Sources, path)
	}

	cfg.applyEnv()
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile overlays the YAML document at path; keys it omits keep their value
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides every field whose variable is set
func (c *Config) applyEnv() {
	// Datastore config
	c.DatastoreType = getEnv("DATASTORE_TYPE", c.DatastoreType)
	c.DatastorePath = getEnv("DATASTORE_PATH", c.DatastorePath)

	// MySQL config
	c.MySQLDSN = getEnv("MYSQL_DSN", c.MySQLDSN)

	// Redis config
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvAsInt("REDIS_DB", c.RedisDB)
	c.RedisPrefix = getEnv("REDIS_PREFIX", c.RedisPrefix)

	// Pebble config
	c.PebbleCacheBytes = getEnvAsBytes("PEBBLE_CACHE_BYTES", c.PebbleCacheBytes)

	// Ingestion config
	c.InputPath = getEnv("INPUT_PATH", c.InputPath)
	c.InputHeader = getEnv("INPUT_HEADER", c.InputHeader)
	c.BatchSize = getEnvAsInt("BATCH_SIZE", c.BatchSize)
	c.StrictNumeric = getEnvAsBool("STRICT_NUMERIC", c.StrictNumeric)
	c.RejectOverlaps = getEnvAsBool("REJECT_OVERLAPS", c.RejectOverlaps)

	// Lookup config
	c.LookupCacheSize = getEnvAsInt("LOOKUP_CACHE_SIZE", c.LookupCacheSize)

	// Logging config
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogPretty = getEnvAsBool("LOG_PRETTY", c.LogPretty)
}

// Normalize lowercases and trims the enumerated settings
func (c *Config) Normalize() {
	c.DatastoreType = strings.ToLower(strings.TrimSpace(c.DatastoreType))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	switch c.DatastoreType {
	case store.TypeSQLite, store.TypePebble, store.TypeMMDB, store.TypeSQLScript:
		if strings.TrimSpace(c.DatastorePath) == "" {
			return fmt.Errorf("invalid configuration: DATASTORE_PATH is required for %s", c.DatastoreType)
		}
	}
	return nil
}

// StoreConfig returns the datastore factory configuration
func (c *Config) StoreConfig(readOnly bool) store.Config {
	return store.Config{
		Type:             c.DatastoreType,
		Path:             c.DatastorePath,
		MySQLDSN:         c.MySQLDSN,
		RedisAddr:        c.RedisAddr,
		RedisPassword:    c.RedisPassword,
		RedisDB:          c.RedisDB,
		RedisPrefix:      c.RedisPrefix,
		PebbleCacheBytes: c.PebbleCacheBytes,
		ReadOnly:         readOnly,
	}
}

// IngestOptions returns the pipeline options
func (c *Config) IngestOptions() (ingest.Options, error) {
	header, err := ingest.ParseHeaderMode(c.InputHeader)
	if err != nil {
		return ingest.Options{}, err
	}
	return ingest.Options{
		BatchSize:      c.BatchSize,
		StrictNumeric:  c.StrictNumeric,
		RejectOverlaps: c.RejectOverlaps,
		Header:         header,
	}, nil
}

// LoggerConfig returns the logger configuration
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{Level: c.LogLevel, Pretty: c.LogPretty}
}

// getEnv reads an environment variable or returns a default value
// This is a helper function (lowercase = private to this package)
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt reads an environment variable as an integer
// Returns default if not set or invalid
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsBytes reads a byte size such as "64MiB", "1 GB" or "1048576"
// Returns default if not set or invalid
func getEnvAsBytes(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := humanize.ParseBytes(valueStr)
	if err != nil || value > math.MaxInt64 {
		return defaultValue
	}

	return int64(value)
}

// getEnvAsBool reads an environment variable as a boolean
// Returns default if not set or invalid
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
