package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/evyataryagoni/ipgeo/internal/addrkey"
	"github.com/evyataryagoni/ipgeo/internal/models"
)

// MemoryStore implements Store entirely in memory.
// Each family is a slice sorted by End; a batch commit builds a new slice
// and swaps it in, so readers see either the old or the new table.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[addrkey.Family]*memoryTable
	closed bool
}

type memoryTable struct {
	records []models.RangeRecord
	// minStart[i] is the smallest Start among records[i:]. Lookups stop
	// scanning once it exceeds the point, which keeps the smallest-End
	// tie-break exact even if ranges overlap.
	minStart []addrkey.Key
}

var errStoreClosed = errors.New("store is closed")

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[addrkey.Family]*memoryTable),
	}
}

// CreateSchema registers an empty table for the family if none exists
func (s *MemoryStore) CreateSchema(ctx context.Context, family addrkey.Family) error {
	if !family.Valid() {
		return fmt.Errorf("unknown address family %s", family)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	if _, ok := s.tables[family]; !ok {
		s.tables[family] = &memoryTable{}
	}
	return nil
}

// BeginBatch opens a batch that is applied on Commit
func (s *MemoryStore) BeginBatch(ctx context.Context) (Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}
	return &memoryBatch{store: s}, nil
}

// QueryContaining finds the smallest-End record that contains point
func (s *MemoryStore) QueryContaining(ctx context.Context, family addrkey.Family, point addrkey.Key) (*models.RangeRecord, error) {
	if point.Family() != family || !point.Valid() {
		return nil, fmt.Errorf("key %x is not a %s key", []byte(point), family)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}
	table, ok := s.tables[family]
	if !ok {
		return nil, ErrNotFound
	}

	recs := table.records
	i := sort.Search(len(recs), func(i int) bool {
		return recs[i].End.Compare(point) >= 0
	})
	for ; i < len(recs); i++ {
		if table.minStart[i].Compare(point) > 0 {
			break
		}
		if recs[i].Start.Compare(point) <= 0 {
			return cloneRecord(recs[i]), nil
		}
	}
	return nil, ErrNotFound
}

// Len returns the number of committed records for a family
func (s *MemoryStore) Len(family addrkey.Family) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if table, ok := s.tables[family]; ok {
		return len(table.records)
	}
	return 0
}

// Close drops all data
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.tables = nil
	return nil
}

// apply merges pending records into fresh tables and swaps them in
func (s *MemoryStore) apply(pending []models.RangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}

	byFamily := make(map[addrkey.Family][]models.RangeRecord)
	for _, rec := range pending {
		byFamily[rec.Family()] = append(byFamily[rec.Family()], rec)
	}

	next := make(map[addrkey.Family]*memoryTable, len(byFamily))
	for family, recs := range byFamily {
		table, ok := s.tables[family]
		if !ok {
			return fmt.Errorf("schema for %s not created", family)
		}
		merged, err := mergeTable(table.records, recs)
		if err != nil {
			return err
		}
		next[family] = merged
	}
	for family, table := range next {
		s.tables[family] = table
	}
	return nil
}

func mergeTable(existing, added []models.RangeRecord) (*memoryTable, error) {
	records := make([]models.RangeRecord, 0, len(existing)+len(added))
	records = append(records, existing...)
	records = append(records, added...)
	slices.SortStableFunc(records, func(a, b models.RangeRecord) int {
		return a.End.Compare(b.End)
	})
	for i := 1; i < len(records); i++ {
		if records[i].End.Compare(records[i-1].End) == 0 {
			return nil, fmt.Errorf("%w %s", ErrDuplicateEnd, records[i].End)
		}
	}

	minStart := make([]addrkey.Key, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		minStart[i] = records[i].Start
		if i+1 < len(records) && minStart[i+1].Compare(minStart[i]) < 0 {
			minStart[i] = minStart[i+1]
		}
	}
	return &memoryTable{records: records, minStart: minStart}, nil
}

func cloneRecord(rec models.RangeRecord) *models.RangeRecord {
	return &models.RangeRecord{
		Start:      slices.Clone(rec.Start),
		End:        slices.Clone(rec.End),
		Attributes: rec.Attributes.Clone(),
	}
}

type memoryBatch struct {
	store   *MemoryStore
	pending []models.RangeRecord
	done    bool
}

func (b *memoryBatch) Append(rec models.RangeRecord) error {
	if b.done {
		return errBatchDone
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	b.pending = append(b.pending, *cloneRecord(rec))
	return nil
}

func (b *memoryBatch) Len() int {
	return len(b.pending)
}

func (b *memoryBatch) Commit() error {
	if b.done {
		return errBatchDone
	}
	b.done = true
	if len(b.pending) == 0 {
		return nil
	}
	return b.store.apply(b.pending)
}

func (b *memoryBatch) Rollback() error {
	b.done = true
	b.pending = nil
	return nil
}

var errBatchDone = errors.New("batch already committed or rolled back")
