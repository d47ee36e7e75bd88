package models

import (
	"testing"

	"github.com/evyataryagoni/ipgeo/internal/addrkey"
)

func mustKey(t *testing.T, s string) addrkey.Key {
	t.Helper()
	k, err := addrkey.Parse(s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return k
}

// TestRangeRecord_Validate tests the start/end invariants
func TestRangeRecord_Validate(t *testing.T) {
	tests := []struct {
		name    string
		start   string
		end     string
		wantErr bool
	}{
		{"v4 range", "1.0.0.0", "1.0.0.255", false},
		{"single address", "8.8.8.8", "8.8.8.8", false},
		{"v6 range", "2001:db8::", "2001:db8::ffff", false},
		{"inverted", "1.0.0.255", "1.0.0.0", true},
		{"mixed families", "1.0.0.0", "::ffff", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := RangeRecord{Start: mustKey(t, tt.start), End: mustKey(t, tt.end)}
			err := rec.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

// TestRangeRecord_ValidateBadWidth tests malformed keys
func TestRangeRecord_ValidateBadWidth(t *testing.T) {
	rec := RangeRecord{Start: addrkey.Key{1, 2}, End: addrkey.Key{1, 2}}
	if err := rec.Validate(); err == nil {
		t.Error("expected width error")
	}
}

// TestRangeRecord_Contains tests inclusive bounds
func TestRangeRecord_Contains(t *testing.T) {
	rec := RangeRecord{Start: mustKey(t, "5.58.93.0"), End: mustKey(t, "5.58.93.255")}

	for ip, want := range map[string]bool{
		"5.58.93.0":   true,
		"5.58.93.247": true,
		"5.58.93.255": true,
		"5.58.92.255": false,
		"5.58.94.0":   false,
	} {
		if got := rec.Contains(mustKey(t, ip)); got != want {
			t.Errorf("Contains(%s) = %v, want %v", ip, got, want)
		}
	}
}

// TestNewLocation_Copies tests that a Location shares nothing with the record
func TestNewLocation_Copies(t *testing.T) {
	rec := &RangeRecord{
		Start: mustKey(t, "5.58.93.0"),
		End:   mustKey(t, "5.58.93.255"),
		Attributes: LocationAttributes{
			Country:        "US",
			City:           "Los Angeles",
			ConnectionType: StringPtr("cable"),
		},
	}

	loc := NewLocation("5.58.93.247", rec)
	*rec.Attributes.ConnectionType = "changed"
	rec.Attributes.City = "changed"

	if loc.City != "Los Angeles" {
		t.Errorf("expected city to be copied, got %s", loc.City)
	}
	if loc.ConnectionType == nil || *loc.ConnectionType != "cable" {
		t.Error("expected connection type to be deep-copied")
	}
	if loc.RangeStart != "5.58.93.0" || loc.RangeEnd != "5.58.93.255" {
		t.Errorf("unexpected range %s-%s", loc.RangeStart, loc.RangeEnd)
	}
}
