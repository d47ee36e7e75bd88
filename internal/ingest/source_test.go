package ingest

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func readAll(t *testing.T, src *Source) ([]int, [][]string) {
	t.Helper()
	var rows []int
	var records [][]string
	for {
		row, fields, err := src.Next()
		if err == io.EOF {
			return rows, records
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		rows = append(rows, row)
		records = append(records, fields)
	}
}

func TestSource_HeaderModes(t *testing.T) {
	withHeader := "ip_start,ip_end\n1.0.0.0,1.0.0.255\n"
	without := "1.0.0.0,1.0.0.255\n2.0.0.0,2.0.0.255\n"

	tests := []struct {
		name     string
		input    string
		mode     HeaderMode
		wantRows []int
	}{
		{"auto detects header", withHeader, HeaderAuto, []int{2}},
		{"auto without header", without, HeaderAuto, []int{1, 2}},
		{"auto header case insensitive", "IP_START,IP_END\n1.0.0.0,1.0.0.255\n", HeaderAuto, []int{2}},
		{"present skips first record", without, HeaderPresent, []int{2}},
		{"absent keeps header as data", withHeader, HeaderAbsent, []int{1, 2}},
		{"bom before header", "\ufeffip_start,ip_end\n1.0.0.0,1.0.0.255\n", HeaderAuto, []int{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, _ := readAll(t, NewSource(strings.NewReader(tt.input), "test", tt.mode))
			if len(rows) != len(tt.wantRows) {
				t.Fatalf("expected rows %v, got %v", tt.wantRows, rows)
			}
			for i := range rows {
				if rows[i] != tt.wantRows[i] {
					t.Errorf("expected rows %v, got %v", tt.wantRows, rows)
				}
			}
		})
	}
}

func TestSource_BOMStrippedFromData(t *testing.T) {
	_, records := readAll(t, NewSource(strings.NewReader("\ufeff1.0.0.0,1.0.0.255\n"), "test", HeaderAuto))
	if len(records) != 1 || records[0][0] != "1.0.0.0" {
		t.Errorf("expected BOM to be stripped, got %q", records)
	}
}

func TestSource_QuotedFields(t *testing.T) {
	input := `1.0.0.0,1.0.0.255,"Washington, D.C.","say ""hi"""` + "\n"
	_, records := readAll(t, NewSource(strings.NewReader(input), "test", HeaderAbsent))
	if len(records) != 1 || len(records[0]) != 4 {
		t.Fatalf("unexpected records %q", records)
	}
	if records[0][2] != "Washington, D.C." || records[0][3] != `say "hi"` {
		t.Errorf("unexpected quoted values %q", records[0])
	}
}

func TestSource_VariableWidthRows(t *testing.T) {
	_, records := readAll(t, NewSource(strings.NewReader("a,b,c\nd\n"), "test", HeaderAbsent))
	if len(records) != 2 || len(records[1]) != 1 {
		t.Errorf("expected rows of different width to be returned as-is, got %q", records)
	}
}

// failAfter returns data on the first read and err on every later one
type failAfter struct {
	data string
	err  error
	done bool
}

func (f *failAfter) Read(p []byte) (int, error) {
	if f.done {
		return 0, f.err
	}
	f.done = true
	return copy(p, f.data), nil
}

func TestSource_ReadErrorCarriesRow(t *testing.T) {
	src := NewSource(&failAfter{data: "1.0.0.0,1.0.0.255\n", err: errors.New("connection reset")}, "dbip.csv", HeaderAbsent)
	if _, _, err := src.Next(); err != nil {
		t.Fatalf("unexpected error on first row: %v", err)
	}
	_, _, err := src.Next()
	var inputErr *InputAccessError
	if !errors.As(err, &inputErr) {
		t.Fatalf("expected InputAccessError, got %v", err)
	}
	if inputErr.Row != 2 || inputErr.Source != "dbip.csv" {
		t.Errorf("unexpected error details %+v", inputErr)
	}
}

func TestSource_BareQuotesAreText(t *testing.T) {
	input := "1.0.0.0,1.0.0.255,US,,,Kyiv,,0,0,,0,UTC,ISP \"Volia\" LLC,,org\n" +
		"1.0.1.0,1.0.1.255,US,,,\"Lviv\n"
	src := NewSource(strings.NewReader(input), "dbip.csv", HeaderAbsent)

	_, fields, err := src.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fields) != 15 || fields[12] != `ISP "Volia" LLC` {
		t.Errorf("expected the bare quotes to be kept, got %q", fields)
	}
	row, fields, err := src.Next()
	if err != nil {
		t.Fatalf("unexpected error on an unterminated quote: %v", err)
	}
	if row != 2 || fields[5] != "Lviv\n" {
		t.Errorf("unexpected row %d: %q", row, fields)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("device not ready") }

func TestSource_ReadError(t *testing.T) {
	_, _, err := NewSource(failingReader{}, "tape", HeaderAuto).Next()
	var inputErr *InputAccessError
	if !errors.As(err, &inputErr) {
		t.Fatalf("expected InputAccessError, got %v", err)
	}
}

func TestParseHeaderMode(t *testing.T) {
	tests := []struct {
		in      string
		want    HeaderMode
		wantErr bool
	}{
		{"", HeaderAuto, false},
		{"AUTO", HeaderAuto, false},
		{"present", HeaderPresent, false},
		{"true", HeaderPresent, false},
		{"absent", HeaderAbsent, false},
		{"no", HeaderAbsent, false},
		{"sometimes", HeaderAuto, true},
	}
	for _, tt := range tests {
		got, err := ParseHeaderMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: unexpected error state %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("%q: expected %v, got %v", tt.in, tt.want, got)
		}
	}
}
