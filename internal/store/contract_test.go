package store

import (
	"context"
	"errors"
	"testing"

	"github.com/evyataryagoni/ipgeo/internal/addrkey"
	"github.com/evyataryagoni/ipgeo/internal/models"
)

func mustKey(t *testing.T, s string) addrkey.Key {
	t.Helper()
	k, err := addrkey.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return k
}

func testRange(t *testing.T, start, end string, attrs models.LocationAttributes) models.RangeRecord {
	t.Helper()
	return models.RangeRecord{
		Start:      mustKey(t, start),
		End:        mustKey(t, end),
		Attributes: attrs,
	}
}

func losAngeles() models.LocationAttributes {
	return models.LocationAttributes{
		Country:          "US",
		StateProv:        "California",
		District:         "Los Angeles County",
		City:             "Los Angeles",
		ZipCode:          "90001",
		Latitude:         34.0522,
		Longitude:        -118.244,
		GeonameID:        5368361,
		TimezoneOffset:   -7,
		TimezoneName:     "America/Los_Angeles",
		ISPName:          "Kyivstar",
		OrganizationName: "Kyivstar GSM",
	}
}

// contractRanges is a fixture with a gap between the first two v4 ranges
func contractRanges(t *testing.T) []models.RangeRecord {
	return []models.RangeRecord{
		testRange(t, "1.0.0.0", "1.0.0.255", models.LocationAttributes{
			Country: "AU", City: "Brisbane", ConnectionType: models.StringPtr("cable"),
		}),
		testRange(t, "1.0.4.0", "1.0.7.255", models.LocationAttributes{
			Country: "AU", City: "O'Connor", OrganizationName: "Joe's ISP",
		}),
		testRange(t, "5.58.93.0", "5.58.93.255", losAngeles()),
		testRange(t, "2001:db8::", "2001:db8::ffff", models.LocationAttributes{
			Country: "NL", City: "Amsterdam", GeonameID: 2759794,
		}),
	}
}

// runStoreContract exercises the Store contract every writable backend shares
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()
	for _, family := range addrkey.Families {
		if err := s.CreateSchema(ctx, family); err != nil {
			t.Fatalf("CreateSchema(%s): %v", family, err)
		}
		// idempotent
		if err := s.CreateSchema(ctx, family); err != nil {
			t.Fatalf("second CreateSchema(%s): %v", family, err)
		}
	}

	t.Run("empty store returns not found", func(t *testing.T) {
		_, err := s.QueryContaining(ctx, addrkey.V4, mustKey(t, "5.58.93.247"))
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	batch, err := s.BeginBatch(ctx)
	if err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}
	for _, rec := range contractRanges(t) {
		if err := batch.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if batch.Len() != 4 {
		t.Errorf("expected batch length 4, got %d", batch.Len())
	}

	t.Run("uncommitted rows are not visible", func(t *testing.T) {
		_, err := s.QueryContaining(ctx, addrkey.V4, mustKey(t, "1.0.0.1"))
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound before commit, got %v", err)
		}
	})

	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	t.Run("containing lookups", func(t *testing.T) {
		tests := []struct {
			ip   string
			city string
		}{
			{"1.0.0.0", "Brisbane"},
			{"1.0.0.128", "Brisbane"},
			{"1.0.0.255", "Brisbane"},
			{"1.0.4.0", "O'Connor"},
			{"1.0.7.255", "O'Connor"},
			{"5.58.93.247", "Los Angeles"},
			{"2001:db8::1", "Amsterdam"},
			{"2001:db8::ffff", "Amsterdam"},
		}
		for _, tt := range tests {
			t.Run(tt.ip, func(t *testing.T) {
				point := mustKey(t, tt.ip)
				rec, err := s.QueryContaining(ctx, point.Family(), point)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if rec.Attributes.City != tt.city {
					t.Errorf("expected city %q, got %q", tt.city, rec.Attributes.City)
				}
				if !rec.Contains(point) {
					t.Errorf("returned range %s-%s does not contain %s", rec.Start, rec.End, tt.ip)
				}
			})
		}
	})

	t.Run("gaps and outside points return not found", func(t *testing.T) {
		for _, ip := range []string{"0.0.0.0", "1.0.1.0", "1.0.3.255", "1.0.8.0", "255.255.255.255", "::1", "2001:db8::1:0"} {
			point := mustKey(t, ip)
			_, err := s.QueryContaining(ctx, point.Family(), point)
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("%s: expected ErrNotFound, got %v", ip, err)
			}
		}
	})

	t.Run("attributes survive the round trip", func(t *testing.T) {
		rec, err := s.QueryContaining(ctx, addrkey.V4, mustKey(t, "5.58.93.247"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := losAngeles()
		got := rec.Attributes
		if got.Country != want.Country || got.StateProv != want.StateProv || got.District != want.District ||
			got.City != want.City || got.ZipCode != want.ZipCode || got.TimezoneName != want.TimezoneName ||
			got.ISPName != want.ISPName || got.OrganizationName != want.OrganizationName {
			t.Errorf("text attributes differ: got %+v", got)
		}
		if got.Latitude != want.Latitude || got.Longitude != want.Longitude || got.TimezoneOffset != want.TimezoneOffset {
			t.Errorf("float attributes differ: got %v/%v/%v", got.Latitude, got.Longitude, got.TimezoneOffset)
		}
		if got.GeonameID != want.GeonameID {
			t.Errorf("expected geoname_id %d, got %d", want.GeonameID, got.GeonameID)
		}
		if got.ConnectionType != nil {
			t.Errorf("expected nil connection_type, got %q", *got.ConnectionType)
		}
		if len(rec.Defaulted) != 0 {
			t.Errorf("expected no defaulted columns, got %v", rec.Defaulted)
		}
		if rec.Start.String() != "5.58.93.0" || rec.End.String() != "5.58.93.255" {
			t.Errorf("unexpected bounds %s-%s", rec.Start, rec.End)
		}

		cable, err := s.QueryContaining(ctx, addrkey.V4, mustKey(t, "1.0.0.7"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cable.Attributes.ConnectionType == nil || *cable.Attributes.ConnectionType != "cable" {
			t.Errorf("expected connection_type cable, got %v", cable.Attributes.ConnectionType)
		}
	})

	t.Run("rolled back batch is discarded", func(t *testing.T) {
		b, err := s.BeginBatch(ctx)
		if err != nil {
			t.Fatalf("BeginBatch: %v", err)
		}
		if err := b.Append(testRange(t, "9.9.9.0", "9.9.9.255", models.LocationAttributes{City: "Berkeley"})); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if err := b.Rollback(); err != nil {
			t.Fatalf("Rollback: %v", err)
		}
		_, err = s.QueryContaining(ctx, addrkey.V4, mustKey(t, "9.9.9.9"))
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after rollback, got %v", err)
		}
		if err := b.Commit(); err == nil {
			t.Error("expected commit after rollback to fail")
		}
	})

	t.Run("inverted range is rejected on append", func(t *testing.T) {
		b, err := s.BeginBatch(ctx)
		if err != nil {
			t.Fatalf("BeginBatch: %v", err)
		}
		defer b.Rollback()
		rec := models.RangeRecord{Start: mustKey(t, "10.0.0.9"), End: mustKey(t, "10.0.0.1")}
		if err := b.Append(rec); err == nil {
			t.Error("expected error for start > end")
		}
	})

	t.Run("family mismatch on query is an error", func(t *testing.T) {
		_, err := s.QueryContaining(ctx, addrkey.V6, mustKey(t, "1.0.0.1"))
		if err == nil || errors.Is(err, ErrNotFound) {
			t.Errorf("expected family error, got %v", err)
		}
	})

	t.Run("overlapping ranges resolve to the smallest end", func(t *testing.T) {
		commitRanges(t, s, testRange(t, "10.0.0.0", "10.255.255.255", models.LocationAttributes{City: "outer"}))
		commitRanges(t, s, testRange(t, "10.1.0.0", "10.1.0.255", models.LocationAttributes{City: "inner"}))
		commitRanges(t, s,
			testRange(t, "2001:db9::", "2001:db9::ffff:ffff", models.LocationAttributes{City: "wide"}),
			testRange(t, "2001:db9::1:0", "2001:db9::1:ffff", models.LocationAttributes{City: "narrow"}),
		)

		tests := []struct {
			ip   string
			city string
		}{
			{"10.0.5.5", "outer"},
			{"10.1.0.7", "inner"},
			{"10.1.0.255", "inner"},
			{"10.1.1.0", "outer"},
			{"10.255.255.255", "outer"},
			{"2001:db9::9", "wide"},
			{"2001:db9::1:9", "narrow"},
			{"2001:db9::2:0", "wide"},
			// earlier non-overlapping data still resolves
			{"5.58.93.247", "Los Angeles"},
		}
		for _, tt := range tests {
			point := mustKey(t, tt.ip)
			rec, err := s.QueryContaining(ctx, point.Family(), point)
			if err != nil {
				t.Errorf("%s: unexpected error: %v", tt.ip, err)
				continue
			}
			if rec.Attributes.City != tt.city {
				t.Errorf("%s: expected %q, got %q", tt.ip, tt.city, rec.Attributes.City)
			}
		}
		for _, ip := range []string{"9.255.255.255", "11.0.0.0", "2001:db9::1:0:0"} {
			point := mustKey(t, ip)
			if _, err := s.QueryContaining(ctx, point.Family(), point); !errors.Is(err, ErrNotFound) {
				t.Errorf("%s: expected ErrNotFound, got %v", ip, err)
			}
		}
	})

	t.Run("duplicate end is rejected", func(t *testing.T) {
		commitRanges(t, s, testRange(t, "11.0.0.0", "11.0.0.255", models.LocationAttributes{City: "first"}))

		for name, recs := range map[string][]models.RangeRecord{
			"against stored": {
				testRange(t, "11.0.0.128", "11.0.0.255", models.LocationAttributes{City: "second"}),
			},
			"within one batch": {
				testRange(t, "11.0.1.0", "11.0.1.255", models.LocationAttributes{City: "a"}),
				testRange(t, "11.0.1.128", "11.0.1.255", models.LocationAttributes{City: "b"}),
			},
		} {
			b, err := s.BeginBatch(ctx)
			if err != nil {
				t.Fatalf("BeginBatch: %v", err)
			}
			for _, rec := range recs {
				if err = b.Append(rec); err != nil {
					break
				}
			}
			if err == nil {
				err = b.Commit()
			}
			_ = b.Rollback()
			if !errors.Is(err, ErrDuplicateEnd) {
				t.Errorf("%s: expected ErrDuplicateEnd, got %v", name, err)
			}
		}

		rec, err := s.QueryContaining(ctx, addrkey.V4, mustKey(t, "11.0.0.5"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Attributes.City != "first" || rec.Start.String() != "11.0.0.0" {
			t.Errorf("expected the first range to survive, got %q %s-%s", rec.Attributes.City, rec.Start, rec.End)
		}
		if _, err := s.QueryContaining(ctx, addrkey.V4, mustKey(t, "11.0.1.200")); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected the failed batch to leave nothing behind, got %v", err)
		}
	})
}

// commitRanges writes recs in one batch
func commitRanges(t *testing.T, s Store, recs ...models.RangeRecord) {
	t.Helper()
	b, err := s.BeginBatch(context.Background())
	if err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}
	for _, rec := range recs {
		if err := b.Append(rec); err != nil {
			_ = b.Rollback()
			t.Fatalf("Append %s-%s: %v", rec.Start, rec.End, err)
		}
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}
