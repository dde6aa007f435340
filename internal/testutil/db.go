package testutil

import (
	"testing"

	"gorm.io/gorm"

	"calendar-ingest-worker/internal/config"
	"calendar-ingest-worker/internal/db"
)

// NewTestDB opens an in-memory SQLite database with all migrations applied.
// It automatically closes the connection when the test completes.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	conn, err := db.Init(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("creating test database: %v", err)
	}

	t.Cleanup(func() {
		sqlDB, err := conn.DB()
		if err != nil {
			t.Errorf("getting test database handle: %v", err)
			return
		}
		if err := sqlDB.Close(); err != nil {
			t.Errorf("closing test database: %v", err)
		}
	})

	return conn
}
