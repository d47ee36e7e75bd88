package store

import (
	"context"
	"errors"

	"github.com/evyataryagoni/ipgeo/internal/addrkey"
	"github.com/evyataryagoni/ipgeo/internal/models"
)

var (
	// ErrNotFound means no stored range contains the queried address.
	// It is an expected outcome, not a store fault.
	ErrNotFound = errors.New("IP address not found")

	// ErrUnsupported is returned by read-only or write-only backends
	ErrUnsupported = errors.New("operation not supported by this datastore")

	// ErrInvalidDatabase is returned when a database file cannot be opened as one
	ErrInvalidDatabase = errors.New("invalid database file")

	// ErrDuplicateEnd is returned when a batch writes a range whose end is already stored
	ErrDuplicateEnd = errors.New("duplicate range end")
)

// Store is the range index contract shared by every backend.
// Ranges are partitioned by family; keys of different families are never compared.
type Store interface {
	// CreateSchema prepares storage for one family. Safe to call on an existing schema.
	CreateSchema(ctx context.Context, family addrkey.Family) error

	// BeginBatch opens an atomic write batch
	BeginBatch(ctx context.Context) (Batch, error)

	// QueryContaining returns the record with Start <= point <= End,
	// preferring the smallest End, or ErrNotFound
	QueryContaining(ctx context.Context, family addrkey.Family, point addrkey.Key) (*models.RangeRecord, error)

	// Close cleans up resources (database connections, file handles, etc.)
	Close() error
}

// Batch groups appended records into one atomic commit.
// Either every appended record becomes visible on Commit or none does.
type Batch interface {
	Append(rec models.RangeRecord) error
	Len() int
	Commit() error
	Rollback() error
}
