package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/carryzone/carrymap/internal/accounts"
	"github.com/carryzone/carrymap/internal/pins"
	"github.com/carryzone/carrymap/internal/syncqueue"
)

// OpenAgentSQLite establishes the agent's on-device store and performs schema
// migrations for the pin table and the sync queue.
func OpenAgentSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	return open(path, logger, &pins.Record{}, &syncqueue.Entry{})
}

// OpenAPISQLite establishes the backend's store and performs schema
// migrations for the pin table and accounts.
func OpenAPISQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	return open(path, logger, &pins.Record{}, &accounts.Account{})
}

func open(path string, logger *zap.Logger, models ...any) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	models = append(models, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
