package store

import (
	"context"
	"sync"

	"github.com/evyataryagoni/ipgeo/internal/addrkey"
	"github.com/evyataryagoni/ipgeo/internal/models"
)

// MockStore is a test double for the Store interface
// It keeps real data in a MemoryStore, tracks calls for verification in
// tests and lets tests inject errors at every step
type MockStore struct {
	*MemoryStore

	mu sync.Mutex

	// Track method calls for verification in tests
	SchemaCalls   []addrkey.Family
	QueryCalls    []addrkey.Key
	BeginCalls    int
	Commits       int
	CommittedRows []int // rows per successful commit, in order
	Rollbacks     int
	CloseCalled   bool

	// Control behavior for error scenarios
	CreateSchemaError error
	BeginError        error
	AppendError       error
	CommitError       error
	CommitErrorAt     int // fail the Nth commit (1-based); 0 means every commit when CommitError is set
	QueryError        error
	CloseError        error

	// QueryHook, when set, replaces the lookup result
	QueryHook func(family addrkey.Family, point addrkey.Key) (*models.RangeRecord, error)
}

// NewMockStore creates a mock store pre-populated with common test ranges:
// 8.8.8.0-8.8.8.255 (Mountain View), 1.1.1.0-1.1.1.255 (Sydney)
// and 2001:4860::-2001:4860::ffff (Mountain View)
func NewMockStore() *MockStore {
	m := NewEmptyMockStore()
	ctx := context.Background()
	for _, family := range addrkey.Families {
		_ = m.MemoryStore.CreateSchema(ctx, family)
	}
	batch, _ := m.MemoryStore.BeginBatch(ctx)
	for _, r := range []struct {
		start, end, city, country string
	}{
		{"8.8.8.0", "8.8.8.255", "Mountain View", "US"},
		{"1.1.1.0", "1.1.1.255", "Sydney", "AU"},
		{"2001:4860::", "2001:4860::ffff", "Mountain View", "US"},
	} {
		start, _ := addrkey.Parse(r.start)
		end, _ := addrkey.Parse(r.end)
		_ = batch.Append(models.RangeRecord{
			Start:      start,
			End:        end,
			Attributes: models.LocationAttributes{City: r.city, Country: r.country},
		})
	}
	_ = batch.Commit()
	return m
}

// NewEmptyMockStore creates a mock store with no schema and no data
// Useful for testing ingestion and "not found" scenarios
func NewEmptyMockStore() *MockStore {
	return &MockStore{MemoryStore: NewMemoryStore()}
}

// CreateSchema implements the Store interface
func (m *MockStore) CreateSchema(ctx context.Context, family addrkey.Family) error {
	m.mu.Lock()
	m.SchemaCalls = append(m.SchemaCalls, family)
	err := m.CreateSchemaError
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.MemoryStore.CreateSchema(ctx, family)
}

// BeginBatch implements the Store interface
func (m *MockStore) BeginBatch(ctx context.Context) (Batch, error) {
	m.mu.Lock()
	m.BeginCalls++
	err := m.BeginError
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	inner, err := m.MemoryStore.BeginBatch(ctx)
	if err != nil {
		return nil, err
	}
	return &mockBatch{Batch: inner, mock: m}, nil
}

// QueryContaining implements the Store interface
func (m *MockStore) QueryContaining(ctx context.Context, family addrkey.Family, point addrkey.Key) (*models.RangeRecord, error) {
	m.mu.Lock()
	m.QueryCalls = append(m.QueryCalls, point)
	err := m.QueryError
	hook := m.QueryHook
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if hook != nil {
		return hook(family, point)
	}
	return m.MemoryStore.QueryContaining(ctx, family, point)
}

// Close implements the Store interface
// Tracks that close was called and returns configured error if any
func (m *MockStore) Close() error {
	m.mu.Lock()
	m.CloseCalled = true
	err := m.CloseError
	m.mu.Unlock()
	return err
}

// QueryCount returns how many lookups reached the store
func (m *MockStore) QueryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.QueryCalls)
}

type mockBatch struct {
	Batch
	mock *MockStore
}

func (b *mockBatch) Append(rec models.RangeRecord) error {
	b.mock.mu.Lock()
	err := b.mock.AppendError
	b.mock.mu.Unlock()
	if err != nil {
		return err
	}
	return b.Batch.Append(rec)
}

func (b *mockBatch) Commit() error {
	b.mock.mu.Lock()
	attempt := b.mock.Commits + 1
	err := b.mock.CommitError
	if err != nil && b.mock.CommitErrorAt != 0 && b.mock.CommitErrorAt != attempt {
		err = nil
	}
	b.mock.mu.Unlock()
	if err != nil {
		_ = b.Batch.Rollback()
		return err
	}

	rows := b.Batch.Len()
	if err := b.Batch.Commit(); err != nil {
		return err
	}
	b.mock.mu.Lock()
	b.mock.Commits++
	b.mock.CommittedRows = append(b.mock.CommittedRows, rows)
	b.mock.mu.Unlock()
	return nil
}

func (b *mockBatch) Rollback() error {
	b.mock.mu.Lock()
	b.mock.Rollbacks++
	b.mock.mu.Unlock()
	return b.Batch.Rollback()
}
