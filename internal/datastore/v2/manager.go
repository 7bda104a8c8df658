// Package v2 owns the gorm connection and schema for the telemetry store.
package v2

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sensorvision/telemetry/internal/conf"
	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"
)

const (
	// DefaultSQLiteFile is used when Config.Path is empty.
	DefaultSQLiteFile = "telemetry.db"

	sqliteParams = "?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000"
)

// Dialects.
const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

// Config selects the backing database.
type Config struct {
	// DataDir holds the SQLite file when Path is empty.
	DataDir string
	// Path is an explicit SQLite file path.
	Path string
	// DSN is the MySQL data source name.
	DSN string
	// Debug enables gorm SQL logging.
	Debug bool
}

// Manager wraps the gorm handle and knows how to migrate the schema.
type Manager struct {
	db      *gorm.DB
	dialect string
}

func gormConfig(debug bool) *gorm.Config {
	level := gorm_logger.Silent
	if debug {
		level = gorm_logger.Info
	}
	return &gorm.Config{
		Logger:         gorm_logger.Default.LogMode(level),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
}

// NewSQLiteManager opens (creating if needed) a SQLite database file.
func NewSQLiteManager(cfg Config) (*Manager, error) {
	path := cfg.Path
	if path == "" {
		path = filepath.Join(cfg.DataDir, DefaultSQLiteFile)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, databaseError("create data directory", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path+sqliteParams), gormConfig(cfg.Debug))
	if err != nil {
		return nil, databaseError("open sqlite database", err)
	}

	// SQLite allows a single writer; serialising through one connection
	// avoids SQLITE_BUSY under concurrent ingestion.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, databaseError("get sql.DB", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return &Manager{db: db, dialect: DialectSQLite}, nil
}

// NewMySQLManager connects to MySQL using cfg.DSN.
func NewMySQLManager(cfg Config) (*Manager, error) {
	if cfg.DSN == "" {
		return nil, errors.Newf("mysql dsn is empty").
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
	db, err := gorm.Open(mysql.Open(cfg.DSN), gormConfig(cfg.Debug))
	if err != nil {
		return nil, databaseError("open mysql database", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, databaseError("get sql.DB", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	return &Manager{db: db, dialect: DialectMySQL}, nil
}

// NewManager opens the database described by settings.
func NewManager(settings conf.DatabaseSettings, debug bool) (*Manager, error) {
	switch settings.Type {
	case DialectMySQL:
		return NewMySQLManager(Config{DSN: settings.DSN, Debug: debug})
	case DialectSQLite, "":
		return NewSQLiteManager(Config{Path: settings.Path, Debug: debug})
	default:
		return nil, errors.Newf("unsupported database type %q", settings.Type).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// Initialize creates or updates all tables.
func (m *Manager) Initialize() error {
	if err := m.db.AutoMigrate(entities.All()...); err != nil {
		return databaseError("migrate schema", err)
	}
	return nil
}

// DB returns the gorm handle.
func (m *Manager) DB() *gorm.DB {
	return m.db
}

// Dialect returns DialectSQLite or DialectMySQL.
func (m *Manager) Dialect() string {
	return m.dialect
}

// Ping checks that the database is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return databaseError("get sql.DB", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return databaseError("ping database", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (m *Manager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return sqlDB.Close()
}

func databaseError(op string, err error) error {
	return errors.Newf("failed to %s: %w", op, err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", op).
		Build()
}
