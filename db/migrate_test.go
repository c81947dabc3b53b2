package db

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tessera/errors"
)

func TestMigrate(t *testing.T) {
	t.Run("creates history tables", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "history.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))

		for _, table := range []string{"schema_migrations", "item_executions"} {
			var n int
			err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
			require.NoError(t, err)
			assert.Equal(t, 1, n, table)
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "history.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))
		require.NoError(t, Migrate(db, nil))

		files, err := migrationFiles()
		require.NoError(t, err)
		var applied int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
		assert.Equal(t, len(files), applied)
	})

	t.Run("runs in name order", func(t *testing.T) {
		files, err := migrationFiles()
		require.NoError(t, err)
		require.NotEmpty(t, files)
		assert.Equal(t, "000_create_schema_migrations.sql", files[0])
	})
}

func TestOpenWithMigrations(t *testing.T) {
	t.Run("opens and migrates", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "history.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec(`INSERT INTO item_executions (id, namespace, job, executor, item, status, fire_time, started_at)
			VALUES ('x', 'ns', 'billing', 'exec-a', 0, 'completed', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
		require.NoError(t, err)
	})

	t.Run("missing directory carries a stack", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "missing", "history.db"), nil)
		require.Error(t, err)
		assert.Nil(t, db)
		assert.NotNil(t, errors.GetReportableStackTrace(err))
		assert.Contains(t, fmt.Sprintf("%+v", err), "connection.go")
	})
}

func TestIsDatabaseClosed(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = db.Exec("SELECT 1")
	assert.True(t, IsDatabaseClosed(err))
	assert.True(t, IsDatabaseClosed(errors.Wrap(ErrDatabaseClosed, "list")))
	assert.False(t, IsDatabaseClosed(nil))
	assert.False(t, IsDatabaseClosed(errors.New("disk full")))
}
