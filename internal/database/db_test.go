package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHistoryDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(Config{Path: filepath.Join(t.TempDir(), "history.db"), Name: "history"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func TestMigrate_CreatesHistoryTables(t *testing.T) {
	db := newHistoryDB(t)

	for _, table := range []string{"optimization_runs", "run_holdings"} {
		var name string
		err := db.Conn().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, table)
	}

	// Running it twice is harmless.
	assert.NoError(t, db.Migrate())
}

func TestMigrate_UnknownNameIsNoop(t *testing.T) {
	db, err := New(Config{Path: filepath.Join(t.TempDir(), "scratch.db"), Name: "scratch"})
	require.NoError(t, err)
	defer db.Close()

	assert.NoError(t, db.Migrate())
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	db := newHistoryDB(t)
	boom := errors.New("boom")

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO optimization_runs (id, created_at, source, asset_count, observation_count, risk_level, max_weight)
			VALUES ('r1', 1, 'http', 2, 30, 0.1, 0.5)`)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM optimization_runs").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestWithTransaction_RecoversPanic(t *testing.T) {
	db := newHistoryDB(t)

	err := WithTransaction(db.Conn(), func(*sql.Tx) error {
		panic("exploded")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exploded")
}

func TestSnapshot(t *testing.T) {
	db := newHistoryDB(t)
	_, err := db.Conn().Exec(`INSERT INTO optimization_runs (id, created_at, source, asset_count, observation_count, risk_level, max_weight)
		VALUES ('r1', 1, 'http', 2, 30, 0.1, 0.5)`)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "snap", "history.db")
	require.NoError(t, db.Snapshot(context.Background(), dest))
	assert.FileExists(t, dest)

	copyDB, err := New(Config{Path: dest, Name: "copy"})
	require.NoError(t, err)
	defer copyDB.Close()

	var count int
	require.NoError(t, copyDB.Conn().QueryRow("SELECT COUNT(*) FROM optimization_runs").Scan(&count))
	assert.Equal(t, 1, count)

	// Existing destinations are refused.
	assert.Error(t, db.Snapshot(context.Background(), dest))
}

func TestHealthCheckAndStats(t *testing.T) {
	db := newHistoryDB(t)

	assert.NoError(t, db.HealthCheck(context.Background()))

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Positive(t, stats.PageCount)
	assert.Positive(t, stats.PageSize)

	info, err := os.Stat(db.Path())
	require.NoError(t, err)
	assert.Equal(t, info.Size(), stats.SizeBytes)
}
