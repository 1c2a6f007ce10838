// Package dbtest opens throwaway databases for tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"github.com/ManuelReschke/FoxPay/internal/pkg/database"
	"github.com/ManuelReschke/FoxPay/internal/pkg/env"
)

// New opens a migrated SQLite database in a per-test directory.
func New(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := database.Open(env.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "foxpay_test.db"),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}
