package ingest

import (
	"math"
	"strconv"
	"strings"

	"github.com/evyataryagoni/ipgeo/internal/addrkey"
	"github.com/evyataryagoni/ipgeo/internal/models"
)

// Fields is the input column order
var Fields = [FieldCount]string{
	"ip_start", "ip_end",
	"country", "stateprov", "district", "city", "zipcode",
	"latitude", "longitude", "geoname_id", "timezone_offset",
	"timezone_name", "isp_name", "connection_type", "organization_name",
}

// FieldCount is the number of fields a row must have; extra trailing fields are ignored
const FieldCount = 15

const (
	colIPStart = iota
	colIPEnd
	colCountry
	colStateProv
	colDistrict
	colCity
	colZipCode
	colLatitude
	colLongitude
	colGeonameID
	colTimezoneOffset
	colTimezoneName
	colISPName
	colConnectionType
	colOrganizationName
)

// NumericNotice records a numeric field that was replaced with its default
type NumericNotice struct {
	Row   int
	Field string
	Value string
}

// ParseRow turns one input row into a RangeRecord.
// Unparsable numeric fields default to zero and are reported as notices;
// with strict set, a non-blank unparsable numeric field is a NumericFieldError.
func ParseRow(row int, fields []string, strict bool) (models.RangeRecord, []NumericNotice, error) {
	var rec models.RangeRecord

	if len(fields) < 2 {
		return rec, nil, &MissingFieldError{Row: row, Field: Fields[len(fields)], Got: len(fields)}
	}
	start, startAddr, err := parseAddress(row, colIPStart, fields[colIPStart])
	if err != nil {
		return rec, nil, err
	}
	end, endAddr, err := parseAddress(row, colIPEnd, fields[colIPEnd])
	if err != nil {
		return rec, nil, err
	}
	if start.Family() != end.Family() {
		return rec, nil, &FamilyMismatchError{
			Row: row, Start: startAddr, End: endAddr,
			StartFam: start.Family(), EndFam: end.Family(),
		}
	}
	if start.Compare(end) > 0 {
		return rec, nil, &InvalidRangeError{Row: row, Start: startAddr, End: endAddr}
	}
	if len(fields) < FieldCount {
		return rec, nil, &MissingFieldError{Row: row, Field: Fields[len(fields)], Got: len(fields)}
	}

	p := numericParser{row: row, strict: strict}
	attrs := models.LocationAttributes{
		Country:          fields[colCountry],
		StateProv:        fields[colStateProv],
		District:         fields[colDistrict],
		City:             fields[colCity],
		ZipCode:          fields[colZipCode],
		Latitude:         p.float(colLatitude, fields[colLatitude]),
		Longitude:        p.float(colLongitude, fields[colLongitude]),
		GeonameID:        p.integer(colGeonameID, fields[colGeonameID]),
		TimezoneOffset:   p.float(colTimezoneOffset, fields[colTimezoneOffset]),
		TimezoneName:     fields[colTimezoneName],
		ISPName:          fields[colISPName],
		OrganizationName: fields[colOrganizationName],
	}
	if p.err != nil {
		return rec, nil, p.err
	}
	if ct := fields[colConnectionType]; ct != "" {
		attrs.ConnectionType = &ct
	}

	rec = models.RangeRecord{Start: start, End: end, Attributes: attrs}
	return rec, p.notices, nil
}

func parseAddress(row, col int, value string) (addrkey.Key, string, error) {
	key, err := addrkey.Parse(value)
	if err != nil {
		return nil, value, &AddressParseError{Row: row, Field: Fields[col], Value: value, Err: err}
	}
	return key, strings.TrimSpace(value), nil
}

// numericParser keeps the first strict-mode error and collects notices
type numericParser struct {
	row     int
	strict  bool
	notices []NumericNotice
	err     error
}

func (p *numericParser) fail(col int, value string, err error) {
	blank := strings.TrimSpace(value) == ""
	if p.strict && !blank {
		if p.err == nil {
			p.err = &NumericFieldError{Row: p.row, Field: Fields[col], Value: value, Err: err}
		}
		return
	}
	p.notices = append(p.notices, NumericNotice{Row: p.row, Field: Fields[col], Value: value})
}

func (p *numericParser) float(col int, value string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err == nil && (math.IsNaN(f) || math.IsInf(f, 0)) {
		err = strconv.ErrRange
	}
	if err != nil {
		p.fail(col, value, err)
		return 0
	}
	return f
}

func (p *numericParser) integer(col int, value string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		p.fail(col, value, err)
		return 0
	}
	return n
}
