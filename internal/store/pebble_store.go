package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/evyataryagoni/ipgeo/internal/addrkey"
	"github.com/evyataryagoni/ipgeo/internal/models"
)

const (
	pebbleVersion = 1

	pebblePrefixV4 = byte('4')
	pebblePrefixV6 = byte('6')

	pebbleMetaVersion  = "meta|version"
	pebbleMetaSchema   = "meta|schema|"
	pebbleMetaOverlaps = "meta|overlaps|"
)

// PebbleOptions tunes the Pebble store
type PebbleOptions struct {
	CacheBytes int64 // block cache size; 0 disables the shared cache
	ReadOnly   bool
}

// PebbleStore implements Store on a Pebble key/value database.
// Keys are a family prefix byte followed by the range end key, so a family's
// ranges are sorted by end. The value holds the start key and the attributes.
// SeekGE(point) therefore lands on the smallest end >= point; with
// non-overlapping ranges that is the only candidate, checked by start <= point.
// Once a batch stores a range overlapping another, the family is marked and
// lookups scan forward to the first range that contains the point.
type PebbleStore struct {
	db    *pebble.DB
	cache *pebble.Cache
	path  string
}

// NewPebbleStore opens or creates a Pebble database at path
func NewPebbleStore(path string, opts PebbleOptions) (*PebbleStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("pebble path is empty")
	}
	pebbleOpts := &pebble.Options{
		ReadOnly:              opts.ReadOnly,
		MemTableSize:          64 << 20,
		L0CompactionThreshold: 4,
		L0StopWritesThreshold: 16,
	}
	if opts.CacheBytes > 0 {
		pebbleOpts.Cache = pebble.NewCache(opts.CacheBytes)
	}
	level := pebble.LevelOptions{
		FilterPolicy: bloom.FilterPolicy(10),
		FilterType:   pebble.TableFilter,
	}
	pebbleOpts.Levels = make([]pebble.LevelOptions, 7)
	for i := range pebbleOpts.Levels {
		pebbleOpts.Levels[i] = level
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		if pebbleOpts.Cache != nil {
			pebbleOpts.Cache.Unref()
		}
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	store := &PebbleStore{db: db, cache: pebbleOpts.Cache, path: path}

	version, err := store.readMetaInt(pebbleMetaVersion)
	switch {
	case err == nil && version != pebbleVersion:
		store.Close()
		return nil, fmt.Errorf("pebble store version %d unsupported (expected %d)", version, pebbleVersion)
	case err != nil && !errors.Is(err, pebble.ErrNotFound):
		store.Close()
		return nil, fmt.Errorf("pebble read version: %w", err)
	}
	return store, nil
}

// CreateSchema records the family and the store format version
func (s *PebbleStore) CreateSchema(ctx context.Context, family addrkey.Family) error {
	if !family.Valid() {
		return fmt.Errorf("unknown address family %s", family)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(pebbleMetaVersion), []byte(fmt.Sprintf("%d", pebbleVersion)), nil); err != nil {
		return err
	}
	if err := b.Set([]byte(pebbleMetaSchema+family.String()), []byte("1"), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble write schema: %w", err)
	}
	return nil
}

// BeginBatch opens an indexed Pebble write batch; Commit applies it atomically
func (s *PebbleStore) BeginBatch(ctx context.Context) (Batch, error) {
	return &pebbleBatch{
		batch:    s.db.NewIndexedBatch(),
		overlaps: make(map[addrkey.Family]bool),
	}, nil
}

// QueryContaining returns the smallest-end range that contains point
func (s *PebbleStore) QueryContaining(ctx context.Context, family addrkey.Family, point addrkey.Key) (*models.RangeRecord, error) {
	if point.Family() != family || !point.Valid() {
		return nil, fmt.Errorf("key %x is not a %s key", []byte(point), family)
	}
	overlapping, err := pebbleHasMeta(s.db, pebbleMetaOverlaps+family.String())
	if err != nil {
		return nil, fmt.Errorf("pebble read overlap marker: %w", err)
	}
	lower, upper := pebbleBounds(family)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("pebble iterator: %w", err)
	}
	defer iter.Close()

	width := family.Width()
	for valid := iter.SeekGE(makePebbleKey(family, point)); valid; valid = iter.Next() {
		value := iter.Value()
		if len(value) < width {
			return nil, fmt.Errorf("decode ip_start: value has %d bytes", len(value))
		}
		if addrkey.Key(value[:width]).Compare(point) <= 0 {
			end, err := addrkey.FromBytes(iter.Key()[1:], family)
			if err != nil {
				return nil, fmt.Errorf("decode ip_end: %w", err)
			}
			rec, err := decodePebbleValue(value, family)
			if err != nil {
				return nil, err
			}
			rec.End = end
			return rec, nil
		}
		if !overlapping {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebble seek: %w", err)
	}
	return nil, ErrNotFound
}

// Compact compacts the whole keyspace to minimize read amplification after a bulk load
func (s *PebbleStore) Compact() error {
	if err := s.db.Compact([]byte{0x00}, []byte{0xFF}, true); err != nil {
		return fmt.Errorf("pebble compact: %w", err)
	}
	return nil
}

// Close releases Pebble resources
func (s *PebbleStore) Close() error {
	if s == nil {
		return nil
	}
	var err error
	if s.db != nil {
		err = s.db.Close()
		s.db = nil
	}
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

func (s *PebbleStore) readMetaInt(key string) (int, error) {
	data, closer, err := s.db.Get([]byte(key))
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	var value int
	if _, err := fmt.Sscanf(string(data), "%d", &value); err != nil {
		return 0, err
	}
	return value, nil
}

// pebbleHasMeta reports whether a meta key is present in r
func pebbleHasMeta(r pebble.Reader, key string) (bool, error) {
	_, closer, err := r.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func pebblePrefix(family addrkey.Family) byte {
	if family == addrkey.V4 {
		return pebblePrefixV4
	}
	return pebblePrefixV6
}

func pebbleBounds(family addrkey.Family) ([]byte, []byte) {
	p := pebblePrefix(family)
	return []byte{p}, []byte{p + 1}
}

func makePebbleKey(family addrkey.Family, key addrkey.Key) []byte {
	out := make([]byte, 0, 1+len(key))
	out = append(out, pebblePrefix(family))
	return append(out, key...)
}

// encodePebbleValue lays out: start key, then attributes in AttributeColumns
// order. Strings are uvarint-length prefixed, floats are 8-byte IEEE bits,
// geoname_id is a varint, connection_type is a presence byte plus a string.
func encodePebbleValue(rec models.RangeRecord) []byte {
	a := rec.Attributes
	out := make([]byte, 0, len(rec.Start)+128)
	out = append(out, rec.Start...)
	out = appendPebbleString(out, a.Country)
	out = appendPebbleString(out, a.StateProv)
	out = appendPebbleString(out, a.District)
	out = appendPebbleString(out, a.City)
	out = appendPebbleString(out, a.ZipCode)
	out = binary.BigEndian.AppendUint64(out, math.Float64bits(a.Latitude))
	out = binary.BigEndian.AppendUint64(out, math.Float64bits(a.Longitude))
	out = binary.AppendVarint(out, a.GeonameID)
	out = binary.BigEndian.AppendUint64(out, math.Float64bits(a.TimezoneOffset))
	out = appendPebbleString(out, a.TimezoneName)
	out = appendPebbleString(out, a.ISPName)
	if a.ConnectionType == nil {
		out = append(out, 0)
	} else {
		out = append(out, 1)
		out = appendPebbleString(out, *a.ConnectionType)
	}
	out = appendPebbleString(out, a.OrganizationName)
	return out
}

func appendPebbleString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

// decodePebbleValue needs an intact start key; a truncated attribute tail
// defaults every field from the first unreadable one onward.
func decodePebbleValue(data []byte, family addrkey.Family) (*models.RangeRecord, error) {
	width := family.Width()
	if len(data) < width {
		return nil, fmt.Errorf("decode ip_start: value has %d bytes", len(data))
	}
	start, err := addrkey.FromBytes(data[:width], family)
	if err != nil {
		return nil, fmt.Errorf("decode ip_start: %w", err)
	}
	r := &pebbleValueReader{buf: data[width:], dec: &attributeDecoder{}}
	attrs := models.LocationAttributes{
		Country:        r.text(ColCountry),
		StateProv:      r.text(ColStateProv),
		District:       r.text(ColDistrict),
		City:           r.text(ColCity),
		ZipCode:        r.text(ColZipCode),
		Latitude:       r.float(ColLatitude),
		Longitude:      r.float(ColLongitude),
		GeonameID:      r.varint(ColGeonameID),
		TimezoneOffset: r.float(ColTimezoneOffset),
		TimezoneName:   r.text(ColTimezoneName),
		ISPName:        r.text(ColISPName),
	}
	if r.presence(ColConnectionType) {
		ct := r.text(ColConnectionType)
		attrs.ConnectionType = &ct
	}
	attrs.OrganizationName = r.text(ColOrganizationName)
	return &models.RangeRecord{
		Start:      start,
		Attributes: attrs,
		Defaulted:  r.dec.defaulted,
	}, nil
}

type pebbleValueReader struct {
	buf    []byte
	dec    *attributeDecoder
	broken bool
}

func (r *pebbleValueReader) text(col string) string {
	if r.broken {
		r.dec.fail(col)
		return ""
	}
	n, k := binary.Uvarint(r.buf)
	if k <= 0 || n > uint64(len(r.buf)-k) {
		r.broken = true
		r.dec.fail(col)
		return ""
	}
	s := string(r.buf[k : k+int(n)])
	r.buf = r.buf[k+int(n):]
	return s
}

func (r *pebbleValueReader) float(col string) float64 {
	if r.broken || len(r.buf) < 8 {
		r.broken = true
		r.dec.fail(col)
		return 0
	}
	f := math.Float64frombits(binary.BigEndian.Uint64(r.buf))
	r.buf = r.buf[8:]
	if math.IsNaN(f) || math.IsInf(f, 0) {
		r.dec.fail(col)
		return 0
	}
	return f
}

func (r *pebbleValueReader) varint(col string) int64 {
	if r.broken {
		r.dec.fail(col)
		return 0
	}
	v, k := binary.Varint(r.buf)
	if k <= 0 {
		r.broken = true
		r.dec.fail(col)
		return 0
	}
	r.buf = r.buf[k:]
	return v
}

func (r *pebbleValueReader) presence(col string) bool {
	if r.broken || len(r.buf) < 1 {
		r.broken = true
		r.dec.fail(col)
		return false
	}
	present := r.buf[0] == 1
	r.buf = r.buf[1:]
	return present
}

type pebbleBatch struct {
	batch *pebble.Batch
	// overlaps caches, per family, whether the overlap marker is already set
	overlaps map[addrkey.Family]bool
	n        int
	done     bool
}

func (b *pebbleBatch) Append(rec models.RangeRecord) error {
	if b.done {
		return errBatchDone
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	family := rec.Family()
	key := makePebbleKey(family, rec.End)

	lower, upper := pebbleBounds(family)
	iter, err := b.batch.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("pebble iterator: %w", err)
	}
	overlap, err := b.checkNeighbours(iter, family, key, rec)
	if cerr := iter.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if overlap {
		if err := b.batch.Set([]byte(pebbleMetaOverlaps+family.String()), []byte("1"), nil); err != nil {
			return err
		}
		b.overlaps[family] = true
	}

	if err := b.batch.Set(key, encodePebbleValue(rec), nil); err != nil {
		return err
	}
	b.n++
	return nil
}

// checkNeighbours rejects a stored end equal to rec.End and reports whether
// rec overlaps its neighbours in end order, across committed and batched ranges.
// Checking only the neighbours is enough: if a family holds any overlapping
// pair, some pair adjacent in end order overlaps too, and every adjacent pair
// is checked when it forms.
func (b *pebbleBatch) checkNeighbours(iter *pebble.Iterator, family addrkey.Family, key []byte, rec models.RangeRecord) (bool, error) {
	next := iter.SeekGE(key)
	if next && bytes.Equal(iter.Key(), key) {
		return false, fmt.Errorf("%w %s", ErrDuplicateEnd, rec.End)
	}
	if err := iter.Error(); err != nil {
		return false, fmt.Errorf("pebble seek: %w", err)
	}

	known, ok := b.overlaps[family]
	if !ok {
		var err error
		known, err = pebbleHasMeta(b.batch, pebbleMetaOverlaps+family.String())
		if err != nil {
			return false, fmt.Errorf("pebble read overlap marker: %w", err)
		}
		b.overlaps[family] = known
	}
	if known {
		return false, nil
	}

	width := family.Width()
	if next {
		value := iter.Value()
		if len(value) < width {
			return false, fmt.Errorf("decode ip_start: value has %d bytes", len(value))
		}
		if addrkey.Key(value[:width]).Compare(rec.End) <= 0 {
			return true, nil
		}
	}
	if iter.SeekLT(key) && addrkey.Key(iter.Key()[1:]).Compare(rec.Start) >= 0 {
		return true, nil
	}
	return false, iter.Error()
}

func (b *pebbleBatch) Len() int {
	return b.n
}

func (b *pebbleBatch) Commit() error {
	if b.done {
		return errBatchDone
	}
	b.done = true
	defer b.batch.Close()
	if b.n == 0 {
		return nil
	}
	if err := b.batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	return nil
}

func (b *pebbleBatch) Rollback() error {
	if b.done {
		return nil
	}
	b.done = true
	return b.batch.Close()
}
