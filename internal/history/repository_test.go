package history

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vigiltesting "github.com/aristath/vigil/internal/testing"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	db, cleanup := vigiltesting.NewTestDB(t, "tasks")
	t.Cleanup(cleanup)
	return NewRepository(db.Conn(), zerolog.Nop())
}

func entry(taskID, taskType, queue, state string, finishedAt time.Time) Entry {
	return Entry{
		TaskID:     taskID,
		TaskType:   taskType,
		Queue:      queue,
		State:      state,
		Attempt:    1,
		FinishedAt: finishedAt,
		Duration:   125,
	}
}

func TestRepository_RecordAndRecent(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Now()
	startedAt := now.Add(-time.Second).Truncate(time.Second)

	first := entry("task-1", "market_data_refresh", "market", "completed", now.Add(-2*time.Minute))
	second := entry("task-2", "risk_monitoring", "risk", "failed", now)
	second.Error = "deadline exceeded"
	second.StartedAt = &startedAt

	require.NoError(t, repo.Record(first))
	require.NoError(t, repo.Record(second))

	recent, err := repo.Recent(10)

	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "task-2", recent[0].TaskID)
	assert.Equal(t, "deadline exceeded", recent[0].Error)
	require.NotNil(t, recent[0].StartedAt)
	assert.WithinDuration(t, startedAt, *recent[0].StartedAt, time.Second)
	assert.Equal(t, "task-1", recent[1].TaskID)
	assert.Empty(t, recent[1].Error)
	assert.Nil(t, recent[1].StartedAt)
}

func TestRepository_RecentHonorsLimit(t *testing.T) {
	repo := newTestRepo(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Record(entry("task", "news_monitoring", "news", "completed", time.Now())))
	}

	recent, err := repo.Recent(3)

	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestRepository_RecentFailures(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Record(entry("ok-1", "news_monitoring", "news", "completed", time.Now())))
	failed := entry("bad-1", "news_monitoring", "news", "failed", time.Now())
	failed.Error = "boom"
	require.NoError(t, repo.Record(failed))

	failures, err := repo.RecentFailures(10)

	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "bad-1", failures[0].TaskID)
	assert.Equal(t, "boom", failures[0].Error)
}

func TestRepository_StateCounts(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Record(entry("a", "market_data_refresh", "market", "completed", time.Now())))
	require.NoError(t, repo.Record(entry("b", "market_data_refresh", "market", "completed", time.Now())))
	require.NoError(t, repo.Record(entry("c", "market_data_refresh", "market", "failed", time.Now())))
	require.NoError(t, repo.Record(entry("d", "sync_account_balances", "sync", "completed", time.Now())))

	counts, err := repo.StateCounts()

	require.NoError(t, err)
	assert.Equal(t, 2, counts["market"]["completed"])
	assert.Equal(t, 1, counts["market"]["failed"])
	assert.Equal(t, 1, counts["sync"]["completed"])
}

func TestRepository_Prune(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Record(entry("old", "history_cleanup", "maintenance", "completed", time.Now().AddDate(0, 0, -45))))
	require.NoError(t, repo.Record(entry("new", "history_cleanup", "maintenance", "completed", time.Now())))

	deleted, err := repo.Prune(time.Now().AddDate(0, 0, -30))

	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	recent, err := repo.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].TaskID)
}
