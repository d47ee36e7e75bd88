package store

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/evyataryagoni/ipgeo/internal/addrkey"
	"github.com/evyataryagoni/ipgeo/internal/models"
)

// SQLScriptStore is a write-only Store that renders ingested ranges as a
// SQLite script. Each committed batch becomes one BEGIN/COMMIT block with a
// multi-row INSERT per family; feeding the script to sqlite3 produces the
// same tables SQLiteStore creates.
type SQLScriptStore struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// NewSQLScriptStore writes the script to w
func NewSQLScriptStore(w io.Writer) *SQLScriptStore {
	s := &SQLScriptStore{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// CreateSQLScriptStore creates (or truncates) the script file at path
func CreateSQLScriptStore(path string) (*SQLScriptStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create script directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQL script: %w", err)
	}
	return NewSQLScriptStore(f), nil
}

// CreateSchema writes the family's CREATE TABLE statement
func (s *SQLScriptStore) CreateSchema(ctx context.Context, family addrkey.Family) error {
	if !family.Valid() {
		return fmt.Errorf("unknown address family %s", family)
	}
	return s.write([]byte(fmt.Sprintf(sqliteSchema, TableName(family)) + "\n"))
}

func (s *SQLScriptStore) BeginBatch(ctx context.Context) (Batch, error) {
	return &sqlScriptBatch{store: s, pending: make(map[addrkey.Family][]models.RangeRecord)}, nil
}

func (s *SQLScriptStore) QueryContaining(ctx context.Context, family addrkey.Family, point addrkey.Key) (*models.RangeRecord, error) {
	return nil, ErrUnsupported
}

// Close flushes buffered output and closes the underlying writer if it is closable
func (s *SQLScriptStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.w.Flush()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
		s.closer = nil
	}
	return err
}

func (s *SQLScriptStore) write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	return s.w.Flush()
}

// sqlText quotes s as a SQL string literal, doubling single quotes
func sqlText(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// sqlBlob renders a key as a hex blob literal
func sqlBlob(k addrkey.Key) string {
	return "x'" + k.Hex() + "'"
}

func sqlFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// renderValues renders one VALUES tuple in insertSQL column order
func renderValues(rec models.RangeRecord) string {
	a := rec.Attributes
	connectionType := "NULL"
	if a.ConnectionType != nil {
		connectionType = sqlText(*a.ConnectionType)
	}
	fields := []string{
		sqlBlob(rec.Start),
		sqlBlob(rec.End),
		sqlText(a.Country),
		sqlText(a.StateProv),
		sqlText(a.District),
		sqlText(a.City),
		sqlText(a.ZipCode),
		sqlFloat(a.Latitude),
		sqlFloat(a.Longitude),
		strconv.FormatInt(a.GeonameID, 10),
		sqlFloat(a.TimezoneOffset),
		sqlText(a.TimezoneName),
		sqlText(a.ISPName),
		connectionType,
		sqlText(a.OrganizationName),
	}
	return "(" + strings.Join(fields, ",") + ")"
}

type sqlScriptBatch struct {
	store   *SQLScriptStore
	pending map[addrkey.Family][]models.RangeRecord
	n       int
	done    bool
}

func (b *sqlScriptBatch) Append(rec models.RangeRecord) error {
	if b.done {
		return errBatchDone
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	b.pending[rec.Family()] = append(b.pending[rec.Family()], rec)
	b.n++
	return nil
}

func (b *sqlScriptBatch) Len() int {
	return b.n
}

// Commit writes the whole block in one write so a failed batch leaves no partial block
func (b *sqlScriptBatch) Commit() error {
	if b.done {
		return errBatchDone
	}
	b.done = true
	if b.n == 0 {
		return nil
	}

	columns := strings.Join(append([]string{ColIPStart, ColIPEnd}, AttributeColumns...), ", ")
	var buf bytes.Buffer
	buf.WriteString("BEGIN;\n")
	for _, family := range addrkey.Families {
		recs := b.pending[family]
		if len(recs) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "INSERT INTO %s (%s) VALUES\n", TableName(family), columns)
		for i, rec := range recs {
			buf.WriteString(renderValues(rec))
			if i < len(recs)-1 {
				buf.WriteString(",\n")
			}
		}
		buf.WriteString(";\n")
	}
	buf.WriteString("COMMIT;\n")

	if err := b.store.write(buf.Bytes()); err != nil {
		return fmt.Errorf("write SQL script: %w", err)
	}
	return nil
}

func (b *sqlScriptBatch) Rollback() error {
	b.done = true
	b.pending = nil
	return nil
}
