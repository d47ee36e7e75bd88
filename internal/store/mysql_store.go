package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evyataryagoni/ipgeo/internal/addrkey"
	"github.com/evyataryagoni/ipgeo/internal/models"
	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// IPLocationModel is the GORM model for the ip_location_v4 / ip_location_v6 tables
// GORM uses struct tags to map to database columns
// Endpoints are raw big-endian octets stored as VARBINARY(16)
type IPLocationModel struct {
	IPStart          []byte  `gorm:"column:ip_start;type:varbinary(16);primaryKey"`
	IPEnd            []byte  `gorm:"column:ip_end;type:varbinary(16);primaryKey"`
	Country          string  `gorm:"column:country"`
	StateProv        string  `gorm:"column:stateprov"`
	District         string  `gorm:"column:district"`
	City             string  `gorm:"column:city"`
	ZipCode          string  `gorm:"column:zipcode"`
	Latitude         float64 `gorm:"column:latitude"`
	Longitude        float64 `gorm:"column:longitude"`
	GeonameID        int64   `gorm:"column:geoname_id"`
	TimezoneOffset   float64 `gorm:"column:timezone_offset"`
	TimezoneName     string  `gorm:"column:timezone_name"`
	ISPName          string  `gorm:"column:isp_name"`
	ConnectionType   *string `gorm:"column:connection_type"`
	OrganizationName string  `gorm:"column:organization_name"`
}

// newIPLocationModel converts a domain record to the GORM model
func newIPLocationModel(rec models.RangeRecord) IPLocationModel {
	a := rec.Attributes
	return IPLocationModel{
		IPStart:          []byte(rec.Start),
		IPEnd:            []byte(rec.End),
		Country:          a.Country,
		StateProv:        a.StateProv,
		District:         a.District,
		City:             a.City,
		ZipCode:          a.ZipCode,
		Latitude:         a.Latitude,
		Longitude:        a.Longitude,
		GeonameID:        a.GeonameID,
		TimezoneOffset:   a.TimezoneOffset,
		TimezoneName:     a.TimezoneName,
		ISPName:          a.ISPName,
		ConnectionType:   a.ConnectionType,
		OrganizationName: a.OrganizationName,
	}
}

const mysqlSchema = "CREATE TABLE IF NOT EXISTS `%s` (" +
	"`ip_start` VARBINARY(16) NOT NULL," +
	"`ip_end` VARBINARY(16) NOT NULL," +
	"`country` VARCHAR(255) NOT NULL," +
	"`stateprov` VARCHAR(255) NOT NULL," +
	"`district` VARCHAR(255) NOT NULL," +
	"`city` VARCHAR(255) NOT NULL," +
	"`zipcode` VARCHAR(64) NOT NULL," +
	"`latitude` DOUBLE NOT NULL," +
	"`longitude` DOUBLE NOT NULL," +
	"`geoname_id` BIGINT DEFAULT NULL," +
	"`timezone_offset` DOUBLE NOT NULL," +
	"`timezone_name` VARCHAR(64) NOT NULL," +
	"`isp_name` VARCHAR(255) NOT NULL," +
	"`connection_type` VARCHAR(64) DEFAULT NULL," +
	"`organization_name` VARCHAR(255) NOT NULL," +
	"PRIMARY KEY (`ip_start`, `ip_end`)," +
	"UNIQUE KEY `uq_%s_ip_end` (`ip_end`)" +
	") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"

// defaultInsertBatchSize bounds the rows per multi-row INSERT inside one batch
const defaultInsertBatchSize = 1000

// MySQLStore implements Store using MySQL with GORM
// GORM provides ORM features like automatic query building and connection pooling
type MySQLStore struct {
	db              *gorm.DB // GORM database instance
	insertBatchSize int
}

// NewMySQLStore creates a new MySQL store using GORM
//
// Parameters:
//   - dsn: Data Source Name (connection string)
//     Format: user:password@tcp(host:port)/dbname?parseTime=true
//     Example: root:password@tcp(localhost:3306)/ipgeo?parseTime=true
//
// Returns:
//   - *MySQLStore: pointer to the created store
//   - error: any error that occurred during connection
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	// Configure GORM
	// Batches manage their own transactions, so GORM's per-statement one is skipped
	config := &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	}

	db, err := gorm.Open(mysql.Open(dsn), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL with GORM: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	// Configure connection pool
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping MySQL database: %w", err)
	}

	return newMySQLStoreWithDB(db), nil
}

func newMySQLStoreWithDB(db *gorm.DB) *MySQLStore {
	return &MySQLStore{db: db, insertBatchSize: defaultInsertBatchSize}
}

// CreateSchema creates the family's range table
func (s *MySQLStore) CreateSchema(ctx context.Context, family addrkey.Family) error {
	if !family.Valid() {
		return fmt.Errorf("unknown address family %s", family)
	}
	table := TableName(family)
	if err := s.db.WithContext(ctx).Exec(fmt.Sprintf(mysqlSchema, table, table)).Error; err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// BeginBatch opens a GORM transaction; rows are buffered and inserted on Commit.
// The transaction ignores ctx cancellation so an interrupted load still
// rolls back or commits at a batch boundary.
func (s *MySQLStore) BeginBatch(ctx context.Context) (Batch, error) {
	tx := s.db.WithContext(context.WithoutCancel(ctx)).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("begin tx: %w", tx.Error)
	}
	return &mysqlBatch{
		tx:        tx,
		batchSize: s.insertBatchSize,
		pending:   make(map[addrkey.Family][]IPLocationModel),
	}, nil
}

// QueryContaining looks up the range containing point
//
// GORM query: SELECT ... FROM ip_location_vX WHERE ip_start <= ? AND ip_end >= ? ORDER BY ip_end LIMIT 1
func (s *MySQLStore) QueryContaining(ctx context.Context, family addrkey.Family, point addrkey.Key) (*models.RangeRecord, error) {
	if point.Family() != family || !point.Valid() {
		return nil, fmt.Errorf("key %x is not a %s key", []byte(point), family)
	}
	columns := append([]string{ColIPStart, ColIPEnd}, AttributeColumns...)
	rows, err := s.db.WithContext(ctx).
		Table(TableName(family)).
		Select(columns).
		Where("ip_start <= ? AND ip_end >= ?", []byte(point), []byte(point)).
		Order("ip_end").
		Limit(1).
		Rows()
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("database query failed: %w", err)
	}
	defer rows.Close()
	return scanContaining(rows, family)
}

// Close closes the database connection
// Should be called when the application shuts down
func (s *MySQLStore) Close() error {
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

type mysqlBatch struct {
	tx        *gorm.DB
	batchSize int
	pending   map[addrkey.Family][]IPLocationModel
	n         int
	done      bool
}

func (b *mysqlBatch) Append(rec models.RangeRecord) error {
	if b.done {
		return errBatchDone
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	b.pending[rec.Family()] = append(b.pending[rec.Family()], newIPLocationModel(rec))
	b.n++
	return nil
}

func (b *mysqlBatch) Len() int {
	return b.n
}

func (b *mysqlBatch) Commit() error {
	if b.done {
		return errBatchDone
	}
	b.done = true
	for _, family := range addrkey.Families {
		rows := b.pending[family]
		if len(rows) == 0 {
			continue
		}
		if err := b.tx.Table(TableName(family)).CreateInBatches(rows, b.batchSize).Error; err != nil {
			b.tx.Rollback()
			if isMySQLDuplicateKey(err) {
				return fmt.Errorf("insert into %s: %w: %w", TableName(family), ErrDuplicateEnd, err)
			}
			return fmt.Errorf("insert into %s: %w", TableName(family), err)
		}
	}
	if err := b.tx.Commit().Error; err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (b *mysqlBatch) Rollback() error {
	if b.done {
		return nil
	}
	b.done = true
	b.pending = nil
	return b.tx.Rollback().Error
}

// mysqlErrDupEntry is ER_DUP_ENTRY
const mysqlErrDupEntry = 1062

func isMySQLDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysqldriver.MySQLError
	return errors.As(err, &me) && me.Number == mysqlErrDupEntry
}
