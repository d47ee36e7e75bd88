package ingest

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

// HeaderMode controls how the first record of the input is treated
type HeaderMode int

const (
	// HeaderAuto skips the first record when its first field is "ip_start"
	HeaderAuto HeaderMode = iota
	// HeaderPresent always skips the first record
	HeaderPresent
	// HeaderAbsent treats every record as data
	HeaderAbsent
)

// ParseHeaderMode maps "auto", "present" or "absent" to a HeaderMode
func ParseHeaderMode(s string) (HeaderMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return HeaderAuto, nil
	case "present", "yes", "true":
		return HeaderPresent, nil
	case "absent", "no", "false":
		return HeaderAbsent, nil
	default:
		return HeaderAuto, errors.New("header mode must be auto, present or absent")
	}
}

const utf8BOM = "\ufeff"

// Source reads delimited records one at a time
type Source struct {
	name   string
	reader *csv.Reader
	header HeaderMode
	row    int
}

// NewSource reads comma-separated records from r. name identifies the input in errors.
func NewSource(r io.Reader, name string, header HeaderMode) *Source {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // row width is checked per row
	reader.LazyQuotes = true      // DB-IP text fields may carry bare quotes
	return &Source{name: name, reader: reader, header: header}
}

// Name returns the input name used in errors
func (s *Source) Name() string {
	return s.name
}

// Next returns the next data record and its row number, or io.EOF
func (s *Source) Next() (int, []string, error) {
	for {
		fields, err := s.reader.Read()
		if err == io.EOF {
			return s.row, nil, io.EOF
		}
		s.row++
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				return s.row, nil, &InputAccessError{Source: s.name, Row: s.row, Err: parseErr.Err}
			}
			return s.row, nil, &InputAccessError{Source: s.name, Row: s.row, Err: err}
		}
		if s.row == 1 {
			if len(fields) > 0 {
				fields[0] = strings.TrimPrefix(fields[0], utf8BOM)
			}
			if s.isHeader(fields) {
				continue
			}
		}
		return s.row, fields, nil
	}
}

func (s *Source) isHeader(fields []string) bool {
	switch s.header {
	case HeaderPresent:
		return true
	case HeaderAbsent:
		return false
	default:
		return len(fields) > 0 && strings.EqualFold(strings.TrimSpace(fields[0]), Fields[colIPStart])
	}
}
