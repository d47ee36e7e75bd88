package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/evyataryagoni/ipgeo/internal/addrkey"
	"github.com/evyataryagoni/ipgeo/internal/models"
)

func TestPebbleStore_Contract(t *testing.T) {
	s, err := NewPebbleStore(filepath.Join(t.TempDir(), "pebble"), PebbleOptions{CacheBytes: 8 << 20})
	if err != nil {
		t.Fatalf("NewPebbleStore: %v", err)
	}
	defer s.Close()
	runStoreContract(t, s)

	if err := s.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	rec, err := s.QueryContaining(context.Background(), addrkey.V4, mustKey(t, "5.58.93.247"))
	if err != nil {
		t.Fatalf("lookup after compaction: %v", err)
	}
	if rec.Attributes.City != "Los Angeles" {
		t.Errorf("expected Los Angeles, got %q", rec.Attributes.City)
	}
}

func TestPebbleStore_EmptyPath(t *testing.T) {
	if _, err := NewPebbleStore("", PebbleOptions{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestPebbleStore_ReopenReadOnly(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "pebble")
	s, err := NewPebbleStore(dir, PebbleOptions{})
	if err != nil {
		t.Fatalf("NewPebbleStore: %v", err)
	}
	_ = s.CreateSchema(ctx, addrkey.V4)
	b, _ := s.BeginBatch(ctx)
	_ = b.Append(testRange(t, "8.8.8.0", "8.8.8.255", models.LocationAttributes{City: "Mountain View", Country: "US"}))
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ro, err := NewPebbleStore(dir, PebbleOptions{ReadOnly: true})
	if err != nil {
		t.Fatalf("reopen read-only: %v", err)
	}
	defer ro.Close()
	rec, err := ro.QueryContaining(ctx, addrkey.V4, mustKey(t, "8.8.8.8"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Attributes.Country != "US" {
		t.Errorf("expected US, got %q", rec.Attributes.Country)
	}
}

func TestPebbleValue_RoundTrip(t *testing.T) {
	rec := testRange(t, "2001:db8::", "2001:db8::ff", models.LocationAttributes{
		Country:        "NL",
		City:           "Amsterdam",
		Latitude:       52.374,
		Longitude:      4.8897,
		GeonameID:      -1,
		TimezoneOffset: 1,
		ConnectionType: models.StringPtr(""),
	})
	got, err := decodePebbleValue(encodePebbleValue(rec), addrkey.V6)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Start.String() != "2001:db8::" {
		t.Errorf("expected start 2001:db8::, got %s", got.Start)
	}
	if got.Attributes.GeonameID != -1 || got.Attributes.Latitude != 52.374 {
		t.Errorf("numeric fields differ: %+v", got.Attributes)
	}
	if got.Attributes.ConnectionType == nil || *got.Attributes.ConnectionType != "" {
		t.Errorf("expected present empty connection_type, got %v", got.Attributes.ConnectionType)
	}
	if len(got.Defaulted) != 0 {
		t.Errorf("expected no defaulted columns, got %v", got.Defaulted)
	}
}

func TestPebbleValue_TruncatedTailDefaults(t *testing.T) {
	rec := testRange(t, "1.2.3.0", "1.2.3.255", losAngeles())
	value := encodePebbleValue(rec)
	// start key, then "US" as uvarint(2) + 2 bytes
	truncated := value[:4+3]

	got, err := decodePebbleValue(truncated, addrkey.V4)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Attributes.Country != "US" {
		t.Errorf("expected country US, got %q", got.Attributes.Country)
	}
	if got.Attributes.City != "" || got.Attributes.Latitude != 0 {
		t.Errorf("expected defaults after truncation, got %+v", got.Attributes)
	}
	if len(got.Defaulted) != len(AttributeColumns)-1 {
		t.Fatalf("expected %d defaulted columns, got %v", len(AttributeColumns)-1, got.Defaulted)
	}
	if got.Defaulted[0] != ColStateProv {
		t.Errorf("expected first defaulted column stateprov, got %s", got.Defaulted[0])
	}
}

func TestPebbleValue_ShortStartKeyFails(t *testing.T) {
	if _, err := decodePebbleValue([]byte{1, 2}, addrkey.V4); err == nil {
		t.Fatal("expected error for value shorter than the start key")
	}
}
