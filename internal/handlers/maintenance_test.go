package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/history"
	"github.com/aristath/vigil/internal/task"
	vigiltesting "github.com/aristath/vigil/internal/testing"
)

func newMaintenanceHandlers(t *testing.T) (*maintenanceHandlers, *history.Repository, *task.Store) {
	t.Helper()

	tasksDB, cleanup := vigiltesting.NewTestDB(t, "tasks")
	t.Cleanup(cleanup)
	hist := history.NewRepository(tasksDB.Conn(), zerolog.Nop())

	store, err := task.NewStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	h := &maintenanceHandlers{
		cfg:     &config.Config{HistoryRetentionDays: 30},
		history: hist,
		prices:  newPricesRepo(t),
		store:   store,
		tasksDB: tasksDB,
		log:     zerolog.Nop(),
	}
	return h, hist, store
}

func terminalRecord(t *testing.T, store *task.Store, completedAt time.Time) *task.Task {
	t.Helper()
	tk := task.NewFromDescriptor(&task.Descriptor{
		Type:  task.TypeRecommendationGeneration,
		Queue: task.QueueAnalysis,
	}, completedAt)
	tk.Begin(completedAt)
	tk.Complete(completedAt)
	require.NoError(t, store.Save(tk))
	return tk
}

func TestCleanupPrunesOldHistory(t *testing.T) {
	h, hist, _ := newMaintenanceHandlers(t)

	old := time.Now().UTC().AddDate(0, 0, -45)
	recent := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, hist.Record(history.Entry{TaskID: "old", TaskType: "news_monitoring", Queue: "news", State: "completed", FinishedAt: old}))
	require.NoError(t, hist.Record(history.Entry{TaskID: "recent", TaskType: "news_monitoring", Queue: "news", State: "completed", FinishedAt: recent}))

	require.NoError(t, h.cleanup(context.Background(), &task.Task{}))

	entries, err := hist.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "recent", entries[0].TaskID)
}

func TestCleanupRemovesStaleCloses(t *testing.T) {
	h, _, _ := newMaintenanceHandlers(t)

	now := time.Now().UTC()
	require.NoError(t, h.prices.SaveClose("AAPL", now.AddDate(0, 0, -500), 90))
	require.NoError(t, h.prices.SaveClose("AAPL", now.AddDate(0, 0, -1), 200))

	require.NoError(t, h.cleanup(context.Background(), &task.Task{}))

	closes, err := h.prices.RecentCloses("AAPL", 600)
	require.NoError(t, err)
	require.Len(t, closes, 1)
	assert.InDelta(t, 200, closes[0].Close, 0.001)
}

func TestCleanupSweepsOldTerminalRecords(t *testing.T) {
	h, _, store := newMaintenanceHandlers(t)

	old := terminalRecord(t, store, time.Now().UTC().AddDate(0, 0, -45))
	fresh := terminalRecord(t, store, time.Now().UTC().Add(-time.Hour))

	pending := task.NewFromDescriptor(&task.Descriptor{
		Type:  task.TypeNewsMonitoring,
		Queue: task.QueueNews,
		// Old but still live; the sweep must leave it alone.
	}, time.Now().UTC().AddDate(0, 0, -45))
	require.NoError(t, store.Save(pending))

	require.NoError(t, h.cleanup(context.Background(), &task.Task{}))

	remaining, err := store.Load()
	require.NoError(t, err)
	ids := make([]string, 0, len(remaining))
	for _, rec := range remaining {
		ids = append(ids, rec.ID)
	}
	assert.NotContains(t, ids, old.ID)
	assert.Contains(t, ids, fresh.ID)
	assert.Contains(t, ids, pending.ID)
}

func TestBackupTaskSkipsWhenUnconfigured(t *testing.T) {
	h, _, _ := newMaintenanceHandlers(t)
	require.NoError(t, h.runBackup(context.Background(), &task.Task{}))
}

func TestBackupTaskUploadsAndRotates(t *testing.T) {
	h, _, _ := newMaintenanceHandlers(t)
	backup := &fakeBackup{key: "backups/vigil-backup-20260825.tar.gz", removed: 2}
	h.backup = backup

	require.NoError(t, h.runBackup(context.Background(), &task.Task{}))
	assert.Equal(t, 1, backup.createCalls)
	assert.Equal(t, 1, backup.rotateCalls)
}

func TestBackupTaskUploadErrorFailsTask(t *testing.T) {
	h, _, _ := newMaintenanceHandlers(t)
	h.backup = &fakeBackup{createErr: errors.New("bucket unreachable")}

	err := h.runBackup(context.Background(), &task.Task{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket unreachable")
}

func TestBackupTaskRotationErrorIsNotFatal(t *testing.T) {
	h, _, _ := newMaintenanceHandlers(t)
	backup := &fakeBackup{key: "backups/x.tar.gz", rotateErr: errors.New("list failed")}
	h.backup = backup

	require.NoError(t, h.runBackup(context.Background(), &task.Task{}))
	assert.Equal(t, 1, backup.rotateCalls)
}
