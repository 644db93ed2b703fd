package database

import (
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase opens a connection based on the URL scheme. Postgres is the
// production store, sqlite is used for local mode and tests.
func NewDatabase(databaseURL string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		dialector = postgres.Open(databaseURL)
	case strings.HasPrefix(databaseURL, "sqlite://"):
		dialector = sqlite.Open(strings.TrimPrefix(databaseURL, "sqlite://"))
	default:
		return nil, fmt.Errorf("unsupported database url: %s", databaseURL)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := GetMigrator(db).Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	slog.Info("database connection established and migrations applied")

	return db, nil
}
