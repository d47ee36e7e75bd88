package store

import (
	"fmt"
	"strings"
)

// Supported datastore types
const (
	TypeSQLite    = "sqlite"
	TypeMySQL     = "mysql"
	TypePebble    = "pebble"
	TypeRedis     = "redis"
	TypeMemory    = "memory"
	TypeMMDB      = "mmdb"
	TypeSQLScript = "sqlscript"
)

// Types lists every datastore type New accepts
var Types = []string{TypeSQLite, TypeMySQL, TypePebble, TypeRedis, TypeMemory, TypeMMDB, TypeSQLScript}

// Config holds configuration for creating a store
type Config struct {
	Type string // one of Types; empty means sqlite
	Path string // database file or directory for sqlite, pebble, mmdb and sqlscript

	// MySQL-specific config
	MySQLDSN string

	// Redis-specific config
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Pebble-specific config
	PebbleCacheBytes int64

	// ReadOnly opens sqlite and pebble for lookups only and refuses write-only types
	ReadOnly bool
}

// New creates a store based on the configuration (factory pattern)
func New(cfg Config) (Store, error) {
	storeType := strings.ToLower(strings.TrimSpace(cfg.Type))

	switch storeType {
	case TypeSQLite, "":
		open := NewSQLiteStore
		if cfg.ReadOnly {
			open = OpenSQLiteReadOnly
		}
		s, err := open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite store: %w", err)
		}
		return s, nil

	case TypeMySQL:
		s, err := NewMySQLStore(cfg.MySQLDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create MySQL store: %w", err)
		}
		return s, nil

	case TypePebble:
		s, err := NewPebbleStore(cfg.Path, PebbleOptions{
			CacheBytes: cfg.PebbleCacheBytes,
			ReadOnly:   cfg.ReadOnly,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Pebble store: %w", err)
		}
		return s, nil

	case TypeRedis:
		s, err := NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis store: %w", err)
		}
		return s, nil

	case TypeMemory:
		return NewMemoryStore(), nil

	case TypeMMDB:
		s, err := NewMMDBStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create MMDB store: %w", err)
		}
		return s, nil

	case TypeSQLScript:
		if cfg.ReadOnly {
			return nil, fmt.Errorf("%s datastore is write-only: %w", TypeSQLScript, ErrUnsupported)
		}
		s, err := CreateSQLScriptStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQL script store: %w", err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown datastore type: %s (supported: %s)", cfg.Type, strings.Join(Types, ", "))
	}
}
