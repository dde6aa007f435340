package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calendar-ingest-worker/internal/config"
	"calendar-ingest-worker/internal/model"
)

func TestInitSQLiteMigratesTables(t *testing.T) {
	conn, err := Init(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, _ := conn.DB()
		sqlDB.Close()
	})

	for _, table := range []interface{}{&model.Provider{}, &model.Event{}, &model.FilterRule{}, &model.IngestLog{}} {
		assert.True(t, conn.Migrator().HasTable(table))
	}
	assert.True(t, conn.Migrator().HasIndex(&model.Event{}, "ux_events_provider_external"))
	assert.True(t, conn.Migrator().HasColumn(&model.Provider{}, "runtime_cursor"))
}

func TestDialectorForUnknownDriver(t *testing.T) {
	_, err := dialectorFor(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)

	d, err := dialectorFor(config.DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432})
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())
}
