package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"time"

	"github.com/evyataryagoni/ipgeo/internal/addrkey"
	"github.com/evyataryagoni/ipgeo/internal/models"
	"github.com/oschwald/maxminddb-golang"
)

// mmdbRecord covers the DB-IP "city" and "ISP" editions and the MaxMind
// GeoIP2/GeoLite2 City layout. ISP fields live at the top level in some
// editions and under traits in others.
type mmdbRecord struct {
	City struct {
		GeoNameID uint64            `maxminddb:"geoname_id"`
		Names     map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`

	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`

	Subdivisions []struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`

	Postal struct {
		Code string `maxminddb:"code"`
	} `maxminddb:"postal"`

	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
		TimeZone  string  `maxminddb:"time_zone"`
	} `maxminddb:"location"`

	Traits struct {
		ISP            string `maxminddb:"isp"`
		Organization   string `maxminddb:"organization"`
		ConnectionType string `maxminddb:"connection_type"`
	} `maxminddb:"traits"`

	ISP            string `maxminddb:"isp"`
	Organization   string `maxminddb:"organization"`
	ConnectionType string `maxminddb:"connection_type"`
}

// MMDBStore is a read-only Store backed by a MaxMind DB file.
// The matched network becomes the record's [Start, End] range.
type MMDBStore struct {
	reader *maxminddb.Reader
	now    func() time.Time
}

// NewMMDBStore opens an .mmdb file.
// A missing or malformed file returns ErrInvalidDatabase.
func NewMMDBStore(path string) (*MMDBStore, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidDatabase, path)
		}
		if errors.As(err, &maxminddb.InvalidDatabaseError{}) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidDatabase, path)
		}
		return nil, fmt.Errorf("opening maxmind reader from location: %w", err)
	}
	return &MMDBStore{reader: reader, now: time.Now}, nil
}

// DatabaseType returns the type string from the file metadata
func (s *MMDBStore) DatabaseType() string {
	return s.reader.Metadata.DatabaseType
}

func (s *MMDBStore) CreateSchema(ctx context.Context, family addrkey.Family) error {
	return ErrUnsupported
}

func (s *MMDBStore) BeginBatch(ctx context.Context) (Batch, error) {
	return nil, ErrUnsupported
}

// QueryContaining returns the network containing point
func (s *MMDBStore) QueryContaining(ctx context.Context, family addrkey.Family, point addrkey.Key) (*models.RangeRecord, error) {
	if point.Family() != family || !point.Valid() {
		return nil, fmt.Errorf("key %x is not a %s key", []byte(point), family)
	}
	var rec mmdbRecord
	network, ok, err := s.reader.LookupNetwork(net.IP(point), &rec)
	if err != nil {
		return nil, fmt.Errorf("reading geolocation for ip: %w", err)
	}
	if !ok || network == nil {
		return nil, ErrNotFound
	}
	start, end, err := networkBounds(network, family)
	if err != nil {
		return nil, err
	}
	attrs, defaulted := mmdbAttributes(rec, s.now())
	return &models.RangeRecord{
		Start:      start,
		End:        end,
		Attributes: attrs,
		Defaulted:  defaulted,
	}, nil
}

func (s *MMDBStore) Close() error {
	if s.reader != nil {
		return s.reader.Close()
	}
	return nil
}

// networkBounds returns the first and last address of network as keys of family
func networkBounds(network *net.IPNet, family addrkey.Family) (addrkey.Key, addrkey.Key, error) {
	ip, mask := network.IP, network.Mask
	if family == addrkey.V4 {
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		if len(mask) == net.IPv6len {
			mask = mask[12:]
		}
	}
	// an IPv4-mapped V6 point comes back as an IPv4 network
	if family == addrkey.V6 && len(ip) == net.IPv4len && len(mask) == net.IPv4len {
		ip = ip.To16()
		mask = append(net.CIDRMask(96, 128)[:12:12], mask...)
	}
	if len(ip) != family.Width() || len(mask) != family.Width() {
		return nil, nil, fmt.Errorf("network %s does not match family %s", network, family)
	}
	start := make(addrkey.Key, len(ip))
	end := make(addrkey.Key, len(ip))
	for i := range ip {
		start[i] = ip[i] & mask[i]
		end[i] = ip[i] | ^mask[i]
	}
	return start, end, nil
}

// mmdbAttributes maps a decoded record into LocationAttributes.
// timezone_offset is the zone's UTC offset in hours at the given instant.
func mmdbAttributes(rec mmdbRecord, at time.Time) (models.LocationAttributes, []string) {
	attrs := models.LocationAttributes{
		Country:          rec.Country.ISOCode,
		City:             rec.City.Names["en"],
		ZipCode:          rec.Postal.Code,
		Latitude:         rec.Location.Latitude,
		Longitude:        rec.Location.Longitude,
		GeonameID:        int64(rec.City.GeoNameID),
		TimezoneName:     rec.Location.TimeZone,
		ISPName:          firstNonEmpty(rec.ISP, rec.Traits.ISP),
		OrganizationName: firstNonEmpty(rec.Organization, rec.Traits.Organization),
	}
	if len(rec.Subdivisions) > 0 {
		attrs.StateProv = rec.Subdivisions[0].Names["en"]
	}
	if len(rec.Subdivisions) > 1 {
		attrs.District = rec.Subdivisions[1].Names["en"]
	}
	if ct := firstNonEmpty(rec.ConnectionType, rec.Traits.ConnectionType); ct != "" {
		attrs.ConnectionType = &ct
	}

	var defaulted []string
	if rec.Location.TimeZone != "" {
		loc, err := time.LoadLocation(rec.Location.TimeZone)
		if err != nil {
			defaulted = append(defaulted, ColTimezoneOffset)
		} else {
			_, offset := at.In(loc).Zone()
			attrs.TimezoneOffset = float64(offset) / 3600
		}
	}
	return attrs, defaulted
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
