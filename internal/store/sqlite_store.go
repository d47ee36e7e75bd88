package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/evyataryagoni/ipgeo/internal/addrkey"
	"github.com/evyataryagoni/ipgeo/internal/models"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements Store on a SQLite database file.
// Each family has its own table with BLOB endpoints; SQLite compares BLOBs
// bytewise, so range predicates on keys are numeric range predicates.
// The database runs in WAL mode so lookups read a committed snapshot while
// an ingestion transaction is open.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS %s (
	ip_start            BLOB NOT NULL,
	ip_end              BLOB NOT NULL UNIQUE,
	country             TEXT NOT NULL,
	stateprov           TEXT NOT NULL,
	district            TEXT NOT NULL,
	city                TEXT NOT NULL,
	zipcode             TEXT NOT NULL,
	latitude            REAL NOT NULL,
	longitude           REAL NOT NULL,
	geoname_id          INTEGER DEFAULT NULL,
	timezone_offset     REAL NOT NULL,
	timezone_name       TEXT NOT NULL,
	isp_name            TEXT NOT NULL,
	connection_type     TEXT DEFAULT NULL,
	organization_name   TEXT NOT NULL,
	PRIMARY KEY (ip_start, ip_end)
);`

// NewSQLiteStore opens (or creates) the database at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return openSQLite(path, path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
}

// OpenSQLiteReadOnly opens an existing database for lookups only.
// A missing file is an error rather than a new empty database.
func OpenSQLiteReadOnly(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open SQLite database: %w", err)
	}
	return openSQLite(path, "file:"+path+"?mode=ro&_pragma=busy_timeout(5000)")
}

func openSQLite(path, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// CreateSchema creates the family's range table if it does not exist
func (s *SQLiteStore) CreateSchema(ctx context.Context, family addrkey.Family) error {
	if !family.Valid() {
		return fmt.Errorf("unknown address family %s", family)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(sqliteSchema, TableName(family))); err != nil {
		return fmt.Errorf("create table %s: %w", TableName(family), err)
	}
	return nil
}

// BeginBatch starts a transaction; inserts are prepared lazily per family.
// The transaction is detached from ctx cancellation: the caller decides at
// batch boundaries whether to commit or roll back.
func (s *SQLiteStore) BeginBatch(ctx context.Context) (Batch, error) {
	ctx = context.WithoutCancel(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &sqlBatch{
		ctx:   ctx,
		tx:    tx,
		stmts: make(map[addrkey.Family]*sql.Stmt),
	}, nil
}

// QueryContaining runs the ? BETWEEN ip_start AND ip_end lookup with the
// smallest ip_end winning
func (s *SQLiteStore) QueryContaining(ctx context.Context, family addrkey.Family, point addrkey.Key) (*models.RangeRecord, error) {
	if point.Family() != family || !point.Valid() {
		return nil, fmt.Errorf("key %x is not a %s key", []byte(point), family)
	}
	rows, err := s.db.QueryContext(ctx, selectContainingSQL(family), []byte(point), []byte(point))
	if err != nil {
		return nil, fmt.Errorf("database query failed: %w", err)
	}
	defer rows.Close()
	return scanContaining(rows, family)
}

// QuickCheck runs SQLite's integrity quick_check
func (s *SQLiteStore) QuickCheck(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

// Path returns the database file path
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func selectContainingSQL(family addrkey.Family) string {
	columns := append([]string{ColIPStart, ColIPEnd}, AttributeColumns...)
	return fmt.Sprintf(
		"SELECT %s FROM %s WHERE ip_start <= ? AND ip_end >= ? ORDER BY ip_end LIMIT 1",
		strings.Join(columns, ", "), TableName(family),
	)
}

func insertSQL(family addrkey.Family) string {
	columns := append([]string{ColIPStart, ColIPEnd}, AttributeColumns...)
	placeholders := make([]string, len(columns))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		TableName(family), strings.Join(columns, ", "), strings.Join(placeholders, ","))
}

// scanContaining reads at most one row into a record. Attribute columns are
// scanned untyped and decoded one by one so a bad column only defaults itself.
func scanContaining(rows *sql.Rows, family addrkey.Family) (*models.RangeRecord, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("database query failed: %w", err)
		}
		return nil, ErrNotFound
	}
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	raw := make([]any, len(columns))
	dest := make([]any, len(columns))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan range row: %w", err)
	}
	values := decodeColumns(columns, raw)

	start, err := decodeKey(values[ColIPStart], family)
	if err != nil {
		return nil, fmt.Errorf("decode ip_start: %w", err)
	}
	end, err := decodeKey(values[ColIPEnd], family)
	if err != nil {
		return nil, fmt.Errorf("decode ip_end: %w", err)
	}
	attrs, defaulted := decodeAttributes(values)
	return &models.RangeRecord{
		Start:      start,
		End:        end,
		Attributes: attrs,
		Defaulted:  defaulted,
	}, nil
}

// sqlBatch is one database/sql transaction with a prepared insert per family
type sqlBatch struct {
	ctx   context.Context
	tx    *sql.Tx
	stmts map[addrkey.Family]*sql.Stmt
	n     int
	done  bool
}

func (b *sqlBatch) Append(rec models.RangeRecord) error {
	if b.done {
		return errBatchDone
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	family := rec.Family()
	stmt, ok := b.stmts[family]
	if !ok {
		var err error
		stmt, err = b.tx.PrepareContext(b.ctx, insertSQL(family))
		if err != nil {
			return fmt.Errorf("prepare insert for %s: %w", TableName(family), err)
		}
		b.stmts[family] = stmt
	}
	args := append([]any{[]byte(rec.Start), []byte(rec.End)}, attributeValues(rec.Attributes)...)
	if _, err := stmt.ExecContext(b.ctx, args...); err != nil {
		if isSQLiteUniqueViolation(err) {
			return fmt.Errorf("insert into %s: %w %s", TableName(family), ErrDuplicateEnd, rec.End)
		}
		return fmt.Errorf("insert into %s: %w", TableName(family), err)
	}
	b.n++
	return nil
}

func (b *sqlBatch) Len() int {
	return b.n
}

func (b *sqlBatch) Commit() error {
	if b.done {
		return errBatchDone
	}
	b.done = true
	b.closeStmts()
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (b *sqlBatch) Rollback() error {
	if b.done {
		return nil
	}
	b.done = true
	b.closeStmts()
	if err := b.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (b *sqlBatch) closeStmts() {
	for _, stmt := range b.stmts {
		stmt.Close()
	}
}

// isSQLiteUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure
func isSQLiteUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return strings.Contains(se.Error(), "UNIQUE constraint failed")
}
