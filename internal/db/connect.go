// Package db opens and migrates the Seshat persistent store.
package db

import (
	"fmt"
	"strings"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/zulandar/seshat/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// sqliteBusyTimeoutMS is how long a writer waits on a lock held by the web
// tier before giving up with SQLITE_BUSY.
const sqliteBusyTimeoutMS = 5000

// DSN builds a MySQL DSN for the store.
func DSN(host string, port int, user, password, database string) string {
	c := mysqldriver.NewConfig()
	c.User = user
	c.Passwd = password
	c.Net = "tcp"
	c.Addr = fmt.Sprintf("%s:%d", host, port)
	c.DBName = database
	c.ParseTime = true
	return c.FormatDSN()
}

// SQLiteDSN appends the busy timeout to a SQLite path unless the caller
// already supplied query parameters.
func SQLiteDSN(path string) string {
	if strings.Contains(path, "?") || path == ":memory:" {
		return path
	}
	return fmt.Sprintf("%s?_busy_timeout=%d", path, sqliteBusyTimeoutMS)
}

// Open connects to the store described by cfg.
func Open(cfg *config.Config) (*gorm.DB, error) {
	switch cfg.StoreDriver {
	case config.DriverMySQL:
		dsn := cfg.StoreDSN
		if dsn == "" {
			dsn = DSN(cfg.MySQL.Host, cfg.MySQL.Port, cfg.MySQL.User, cfg.MySQL.Password, cfg.MySQL.Database)
		}
		return ConnectMySQL(dsn)
	case config.DriverSQLite, "":
		return ConnectSQLite(cfg.StorePath)
	default:
		return nil, fmt.Errorf("db: unsupported store driver %q", cfg.StoreDriver)
	}
}

// ConnectSQLite opens a GORM connection to a SQLite file. SQLite has a single
// writer, so the pool is limited to one connection.
func ConnectSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(SQLiteDSN(path)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// ConnectMySQL opens a GORM connection to a MySQL-compatible server.
func ConnectMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect mysql: %w", err)
	}
	return db, nil
}
