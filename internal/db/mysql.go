package db

import (
	"fmt"
	"log"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"queenbee/internal/config"
)

// Open connects to MySQL and configures the connection pool from the
// connection.* settings. The handle is passed explicitly to every consumer;
// there is no package-level singleton.
func Open(cfg *config.Config) (*gorm.DB, error) {
	gdb, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.Connection.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.Connection.MinConnections)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.Connection.TimeoutSec) * time.Minute)

	log.Println("✓ MySQL connected successfully")
	return gdb, nil
}

// Close closes the underlying connection pool.
func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
