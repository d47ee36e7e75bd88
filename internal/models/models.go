package models

import (
	"fmt"

	"github.com/evyataryagoni/ipgeo/internal/addrkey"
)

// LocationAttributes is the geolocation data attached to one address range.
// String fields are empty when absent; numeric fields are zero when unparsable.
// ConnectionType is nil when the dataset has no value for it, which is
// different from an empty string.
type LocationAttributes struct {
	Country          string  `json:"country"`
	StateProv        string  `json:"stateprov"`
	District         string  `json:"district"`
	City             string  `json:"city"`
	ZipCode          string  `json:"zipcode"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	GeonameID        int64   `json:"geoname_id"`
	TimezoneOffset   float64 `json:"timezone_offset"`
	TimezoneName     string  `json:"timezone_name"`
	ISPName          string  `json:"isp_name"`
	ConnectionType   *string `json:"connection_type"`
	OrganizationName string  `json:"organization_name"`
}

// Clone returns a deep copy (ConnectionType is not shared)
func (a LocationAttributes) Clone() LocationAttributes {
	out := a
	if a.ConnectionType != nil {
		ct := *a.ConnectionType
		out.ConnectionType = &ct
	}
	return out
}

// RangeRecord is one [Start, End] address interval and its attributes.
// Both keys belong to the same family.
type RangeRecord struct {
	Start      addrkey.Key
	End        addrkey.Key
	Attributes LocationAttributes

	// Defaulted lists attribute columns a store could not decode on lookup
	// and replaced with their zero value. Always empty on the write path.
	Defaulted []string
}

// Family returns the address family of the record
func (r RangeRecord) Family() addrkey.Family {
	return r.Start.Family()
}

// Contains reports whether point falls inside [Start, End]
func (r RangeRecord) Contains(point addrkey.Key) bool {
	return r.Start.Compare(point) <= 0 && point.Compare(r.End) <= 0
}

// Validate checks key widths, family agreement and Start <= End
func (r RangeRecord) Validate() error {
	if !r.Start.Valid() || !r.End.Valid() {
		return fmt.Errorf("range keys must be 4 or 16 bytes (start=%d, end=%d)", len(r.Start), len(r.End))
	}
	if r.Start.Family() != r.End.Family() {
		return fmt.Errorf("range mixes families: %s start, %s end", r.Start.Family(), r.End.Family())
	}
	if r.Start.Compare(r.End) > 0 {
		return fmt.Errorf("range start %s is after end %s", r.Start, r.End)
	}
	return nil
}

// Location is the lookup result handed to callers.
// It is a copy; nothing in it points back into a store.
type Location struct {
	IP         string `json:"ip"`
	RangeStart string `json:"range_start"`
	RangeEnd   string `json:"range_end"`
	LocationAttributes
}

// NewLocation materializes a Location from a matched record
func NewLocation(ip string, rec *RangeRecord) *Location {
	return &Location{
		IP:                 ip,
		RangeStart:         rec.Start.String(),
		RangeEnd:           rec.End.String(),
		LocationAttributes: rec.Attributes.Clone(),
	}
}

// StringPtr returns a pointer to s (for ConnectionType literals)
func StringPtr(s string) *string {
	return &s
}
