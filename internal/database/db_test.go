package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T, name string) *DB {
	t.Helper()

	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: ProfileStandard,
		Name:    name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNew_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "state.db")

	db, err := New(Config{Path: path, Profile: ProfileLedger, Name: "state"})

	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, ProfileLedger, db.Profile())
	assert.Equal(t, "state", db.Name())
}

func TestNew_DefaultsToStandardProfile(t *testing.T) {
	db, err := New(Config{Path: filepath.Join(t.TempDir(), "x.db"), Name: "x"})

	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, ProfileStandard, db.Profile())
}

func TestMigrate_StateSchema(t *testing.T) {
	db := newTestDB(t, "state")

	require.NoError(t, db.Migrate())

	_, err := db.Exec(
		"INSERT INTO entity_state (subject_key, category, last_fetch_at) VALUES (?, ?, ?)",
		"AAPL", "quotes", time.Now().Unix(),
	)
	assert.NoError(t, err)

	// Migrate is idempotent.
	assert.NoError(t, db.Migrate())
}

func TestMigrate_TasksSchema(t *testing.T) {
	db := newTestDB(t, "tasks")

	require.NoError(t, db.Migrate())

	_, err := db.Exec(
		"INSERT INTO task_history (task_id, task_type, queue, state, finished_at) VALUES (?, ?, ?, ?, ?)",
		"abc", "market_data_refresh", "market", "completed", time.Now().Unix(),
	)
	assert.NoError(t, err)
}

func TestMigrate_UnknownNameIsNoop(t *testing.T) {
	db := newTestDB(t, "scratch")

	assert.NoError(t, db.Migrate())
}

func TestWithTransaction_Commits(t *testing.T) {
	db := newTestDB(t, "tasks")
	require.NoError(t, db.Migrate())

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"INSERT INTO task_history (task_id, task_type, queue, state, finished_at) VALUES (?, ?, ?, ?, ?)",
			"tx-1", "risk_monitoring", "risk", "completed", time.Now().Unix(),
		)
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM task_history").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	db := newTestDB(t, "tasks")
	require.NoError(t, db.Migrate())

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, execErr := tx.Exec(
			"INSERT INTO task_history (task_id, task_type, queue, state, finished_at) VALUES (?, ?, ?, ?, ?)",
			"tx-2", "risk_monitoring", "risk", "completed", time.Now().Unix(),
		)
		require.NoError(t, execErr)
		return errors.New("abort")
	})
	require.Error(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM task_history").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestWithTransaction_RecoversFromPanic(t *testing.T) {
	db := newTestDB(t, "tasks")
	require.NoError(t, db.Migrate())

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		panic("boom")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in transaction")
}

func TestHealthCheck(t *testing.T) {
	db := newTestDB(t, "state")
	require.NoError(t, db.Migrate())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.NoError(t, db.HealthCheck(ctx))
	assert.NoError(t, db.QuickCheck(ctx))
}

func TestWALCheckpointAndVacuum(t *testing.T) {
	db := newTestDB(t, "tasks")
	require.NoError(t, db.Migrate())

	assert.NoError(t, db.WALCheckpoint(""))
	assert.NoError(t, db.WALCheckpoint("PASSIVE"))
	assert.NoError(t, db.Vacuum())
}

func TestGetStats(t *testing.T) {
	db := newTestDB(t, "state")
	require.NoError(t, db.Migrate())

	stats, err := db.GetStats()

	require.NoError(t, err)
	assert.Greater(t, stats.PageSize, int64(0))
	assert.Greater(t, stats.PageCount, int64(0))
}
