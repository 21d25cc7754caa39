package database

import (
	"fmt"

	"github.com/carecircle/backend/internal/circles"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes the cache store connection and performs schema
// migrations. The handle is opened once at startup and shared across
// requests; writes serialize through a single journaled connection.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
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

	if err := db.Exec("PRAGMA journal_mode = WAL;").Error; err != nil && logger != nil {
		logger.Warn("failed to enable WAL journal mode", zap.Error(err))
	}

	if err := db.AutoMigrate(
		&circles.Circle{},
		&circles.Member{},
		&circles.Task{},
		&circles.Invitation{},
		&migrationRecord{},
	); err != nil {
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
