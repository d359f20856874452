package storage

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PoolConfig holds connection pool configuration for the backing store.
type PoolConfig struct {
	// MaxOpenConns is the maximum number of open connections. Default: 25.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections. Default: 10.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum time a connection may be reused.
	// Default: 5 minutes.
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime is the maximum time a connection may sit idle.
	// Default: 1 minute.
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns pool defaults sized for a single engine
// instance with a handful of dispatcher workers.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// Open opens a GORM connection for the given driver ("sqlite" or
// "postgres") and applies pool settings. SQLite is the dev/test store;
// Postgres is the production target.
func Open(driver, dsn string, pool PoolConfig) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case "sqlite", "sqlite3":
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres", "postgresql":
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}

	if err := configurePool(db, pool); err != nil {
		return nil, err
	}
	return db, nil
}

func configurePool(db *gorm.DB, pool PoolConfig) error {
	if pool.MaxOpenConns == 0 && pool.MaxIdleConns == 0 {
		pool = DefaultPoolConfig()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("storage: get underlying *sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	return nil
}
