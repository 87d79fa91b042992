// Package dbtest opens throwaway in-memory SQLite databases for package tests.
package dbtest

import (
	"fmt"
	"testing"

	"transactai/internal/config"
	"transactai/internal/infrastructure/database"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// New returns a migrated database private to the calling test.
func New(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := database.Open(&config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}
