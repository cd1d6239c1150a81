// Package database opens the gorm connection and runs schema migration for
// the core's persisted tables.
package database

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quantex/exchange-core/internal/config"
	"github.com/quantex/exchange-core/pkg/models"
)

// Open connects to the configured database and migrates the schema.
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	logger.Info("database ready", zap.String("driver", cfg.Driver))
	return db, nil
}

// Migrate creates or updates the persisted tables: account_balances,
// ledger_entries, transactions, orders, trades and the fund operation
// idempotency log. Lock records are in-process only and not persisted.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.AccountBalance{},
		&models.LedgerEntry{},
		&models.Transaction{},
		&models.Order{},
		&models.Trade{},
		&models.FundOperation{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
