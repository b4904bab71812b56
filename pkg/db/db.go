package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/fx"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/girosoft/giro-core/internal/config"
)

// Open opens the terminal database at the configured path. WAL keeps the
// writer from blocking mobile reads, busy_timeout covers sync bursts.
func Open(cfg config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", cfg.DatabasePath)
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	return conn, nil
}

// NewTest opens a shared in-memory database for tests.
func NewTest() (*gorm.DB, error) {
	return gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
}

var Module = fx.Module("db",
	fx.Provide(Open),
)
