package store

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/evyataryagoni/ipgeo/internal/addrkey"
	"github.com/evyataryagoni/ipgeo/internal/models"
)

// Column names shared by the SQL backends and the Redis JSON encoding
const (
	ColIPStart          = "ip_start"
	ColIPEnd            = "ip_end"
	ColCountry          = "country"
	ColStateProv        = "stateprov"
	ColDistrict         = "district"
	ColCity             = "city"
	ColZipCode          = "zipcode"
	ColLatitude         = "latitude"
	ColLongitude        = "longitude"
	ColGeonameID        = "geoname_id"
	ColTimezoneOffset   = "timezone_offset"
	ColTimezoneName     = "timezone_name"
	ColISPName          = "isp_name"
	ColConnectionType   = "connection_type"
	ColOrganizationName = "organization_name"
)

// AttributeColumns is the attribute column order used for inserts and selects
var AttributeColumns = []string{
	ColCountry, ColStateProv, ColDistrict, ColCity, ColZipCode,
	ColLatitude, ColLongitude, ColGeonameID, ColTimezoneOffset, ColTimezoneName,
	ColISPName, ColConnectionType, ColOrganizationName,
}

// TableName returns the per-family range table name
func TableName(family addrkey.Family) string {
	return "ip_location_" + family.String()
}

// attributeValues flattens attributes in AttributeColumns order.
// A nil ConnectionType becomes a SQL NULL.
func attributeValues(a models.LocationAttributes) []any {
	var connectionType any
	if a.ConnectionType != nil {
		connectionType = *a.ConnectionType
	}
	return []any{
		a.Country, a.StateProv, a.District, a.City, a.ZipCode,
		a.Latitude, a.Longitude, a.GeonameID, a.TimezoneOffset, a.TimezoneName,
		a.ISPName, connectionType, a.OrganizationName,
	}
}

// attributeDecoder converts loosely typed column values into LocationAttributes.
// A value it cannot read is replaced with the field's zero value and its
// column is recorded in defaulted; decoding never fails.
type attributeDecoder struct {
	defaulted []string
}

// decodeAttributes reads every attribute column from values.
// Columns missing from the map count as unreadable.
func decodeAttributes(values map[string]any) (models.LocationAttributes, []string) {
	d := &attributeDecoder{}
	attrs := models.LocationAttributes{
		Country:          d.text(values, ColCountry),
		StateProv:        d.text(values, ColStateProv),
		District:         d.text(values, ColDistrict),
		City:             d.text(values, ColCity),
		ZipCode:          d.text(values, ColZipCode),
		Latitude:         d.float(values, ColLatitude),
		Longitude:        d.float(values, ColLongitude),
		GeonameID:        d.integer(values, ColGeonameID),
		TimezoneOffset:   d.float(values, ColTimezoneOffset),
		TimezoneName:     d.text(values, ColTimezoneName),
		ISPName:          d.text(values, ColISPName),
		ConnectionType:   d.optionalText(values, ColConnectionType),
		OrganizationName: d.text(values, ColOrganizationName),
	}
	return attrs, d.defaulted
}

// decodeColumns pairs column names with scanned values
func decodeColumns(columns []string, raw []any) map[string]any {
	values := make(map[string]any, len(columns))
	for i, col := range columns {
		if i < len(raw) {
			values[strings.ToLower(col)] = raw[i]
		}
	}
	return values
}

func (d *attributeDecoder) fail(col string) {
	d.defaulted = append(d.defaulted, col)
}

func (d *attributeDecoder) text(values map[string]any, col string) string {
	v, ok := values[col]
	if !ok {
		d.fail(col)
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		d.fail(col)
		return ""
	}
}

func (d *attributeDecoder) optionalText(values map[string]any, col string) *string {
	v, ok := values[col]
	if !ok {
		d.fail(col)
		return nil
	}
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return &val
	case []byte:
		s := string(val)
		return &s
	default:
		d.fail(col)
		return nil
	}
}

func (d *attributeDecoder) float(values map[string]any, col string) float64 {
	v, ok := values[col]
	if !ok {
		d.fail(col)
		return 0
	}
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int64:
		return float64(val)
	case int:
		return float64(val)
	case string:
		return d.parseFloat(col, val)
	case []byte:
		return d.parseFloat(col, string(val))
	default:
		d.fail(col)
		return 0
	}
}

func (d *attributeDecoder) parseFloat(col, s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		d.fail(col)
		return 0
	}
	return f
}

// integer treats NULL as the documented default without flagging it,
// since geoname_id is a nullable column.
func (d *attributeDecoder) integer(values map[string]any, col string) int64 {
	v, ok := values[col]
	if !ok {
		d.fail(col)
		return 0
	}
	switch val := v.(type) {
	case nil:
		return 0
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		if val != math.Trunc(val) {
			d.fail(col)
			return 0
		}
		return int64(val)
	case string:
		return d.parseInt(col, val)
	case []byte:
		return d.parseInt(col, string(val))
	default:
		d.fail(col)
		return 0
	}
}

func (d *attributeDecoder) parseInt(col, s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		d.fail(col)
		return 0
	}
	return n
}

// decodeKey reads a stored endpoint as a key of the given family
func decodeKey(v any, family addrkey.Family) (addrkey.Key, error) {
	switch val := v.(type) {
	case []byte:
		return addrkey.FromBytes(val, family)
	case string:
		return addrkey.FromBytes([]byte(val), family)
	default:
		return nil, fmt.Errorf("unexpected key type %T", v)
	}
}
