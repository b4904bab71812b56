package migration

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/girosoft/giro-core/pkg/db"
)

func TestRunMigrationsCreatesSchema(t *testing.T) {
	dbConn, err := db.NewTest()
	require.NoError(t, err)

	sqlDB, err := dbConn.DB()
	require.NoError(t, err)

	require.NoError(t, RunMigrations(sqlDB))

	for _, table := range []string{
		"sessions",
		"sync_pending",
		"sync_cursors",
		"entity_snapshots",
		"license_usage_days",
		"settings",
	} {
		var count int64
		err := dbConn.Raw(
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
			table,
		).Scan(&count).Error
		require.NoError(t, err)
		require.Equal(t, int64(1), count, "missing table %s", table)
	}

	// A second run must be a no-op.
	require.NoError(t, RunMigrations(sqlDB))
}

func TestRunMigrationsNilHandle(t *testing.T) {
	require.Error(t, RunMigrations(nil))
}
