package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/task"
)

func makeTask(typ task.Type, queueName string, priority task.Priority, runAt time.Time) *task.Task {
	d := &task.Descriptor{
		Type:     typ,
		Queue:    queueName,
		Priority: priority,
	}
	return task.NewFromDescriptor(d, runAt)
}

func TestQueuePopReadyOrdersByPriority(t *testing.T) {
	q := newQueue("market")
	now := time.Now().UTC()

	medium := makeTask(task.TypeMarketDataRefresh, "market", task.PriorityMedium, now.Add(-time.Second))
	critical := makeTask(task.TypeRiskMonitoring, "market", task.PriorityCritical, now.Add(-time.Second))
	low := makeTask(task.TypeHistoryCleanup, "market", task.PriorityLow, now.Add(-time.Second))

	q.Enqueue(medium)
	q.Enqueue(critical)
	q.Enqueue(low)

	first := q.PopReady(now)
	require.NotNil(t, first)
	assert.Equal(t, critical.ID, first.ID)
	q.MarkDone()

	second := q.PopReady(now)
	require.NotNil(t, second)
	assert.Equal(t, medium.ID, second.ID)
	q.MarkDone()

	third := q.PopReady(now)
	require.NotNil(t, third)
	assert.Equal(t, low.ID, third.ID)
	q.MarkDone()

	assert.Nil(t, q.PopReady(now))
}

func TestQueueSamePriorityOrdersByNextExecution(t *testing.T) {
	q := newQueue("news")
	now := time.Now().UTC()

	later := makeTask(task.TypeNewsMonitoring, "news", task.PriorityMedium, now.Add(-time.Second))
	earlier := makeTask(task.TypeEarningsIngestion, "news", task.PriorityMedium, now.Add(-time.Minute))

	q.Enqueue(later)
	q.Enqueue(earlier)

	first := q.PopReady(now)
	require.NotNil(t, first)
	assert.Equal(t, earlier.ID, first.ID)
}

func TestQueuePopReadyBlocksWhileRunning(t *testing.T) {
	q := newQueue("sync")
	now := time.Now().UTC()

	q.Enqueue(makeTask(task.TypeSyncAccountBalances, "sync", task.PriorityHigh, now.Add(-time.Second)))
	q.Enqueue(makeTask(task.TypeSyncAccountBalances, "sync", task.PriorityHigh, now.Add(-time.Second)))

	first := q.PopReady(now)
	require.NotNil(t, first)

	// One task at a time per queue.
	assert.Nil(t, q.PopReady(now))

	q.MarkDone()
	assert.NotNil(t, q.PopReady(now))
}

func TestQueuePopReadySkipsFutureTasks(t *testing.T) {
	q := newQueue("market")
	now := time.Now().UTC()

	future := makeTask(task.TypeMarketDataRefresh, "market", task.PriorityCritical, now.Add(time.Hour))
	due := makeTask(task.TypeMarketDataRefresh, "market", task.PriorityLow, now.Add(-time.Second))

	q.Enqueue(future)
	q.Enqueue(due)

	// The critical task is not due yet, so the low one runs.
	got := q.PopReady(now)
	require.NotNil(t, got)
	assert.Equal(t, due.ID, got.ID)
	q.MarkDone()

	assert.Nil(t, q.PopReady(now))
	assert.NotNil(t, q.PopReady(now.Add(2*time.Hour)))
}

func TestQueuePopReadyFlipsElapsedRetry(t *testing.T) {
	q := newQueue("sync")
	now := time.Now().UTC()

	tsk := makeTask(task.TypeSyncAccountBalances, "sync", task.PriorityHigh, now)
	tsk.Begin(now)
	tsk.ScheduleRetry(now.Add(50*time.Millisecond), assert.AnError)
	q.Enqueue(tsk)

	// Backoff has not elapsed yet.
	assert.Nil(t, q.PopReady(now))
	assert.Equal(t, task.StateRetrying, tsk.State)

	got := q.PopReady(now.Add(100 * time.Millisecond))
	require.NotNil(t, got)
	assert.Equal(t, tsk.ID, got.ID)
	assert.Equal(t, task.StatePending, got.State)
}

func TestQueueCancel(t *testing.T) {
	t.Run("removes a pending task", func(t *testing.T) {
		q := newQueue("news")
		now := time.Now().UTC()
		tsk := makeTask(task.TypeNewsMonitoring, "news", task.PriorityMedium, now.Add(time.Hour))
		q.Enqueue(tsk)

		got := q.Cancel(tsk.ID)
		require.NotNil(t, got)
		assert.Equal(t, tsk.ID, got.ID)
		assert.Equal(t, 0, q.Pending())
	})

	t.Run("removes a retrying task", func(t *testing.T) {
		q := newQueue("news")
		now := time.Now().UTC()
		tsk := makeTask(task.TypeNewsMonitoring, "news", task.PriorityMedium, now)
		tsk.Begin(now)
		tsk.ScheduleRetry(now.Add(time.Minute), assert.AnError)
		q.Enqueue(tsk)

		assert.NotNil(t, q.Cancel(tsk.ID))
	})

	t.Run("leaves a running task alone", func(t *testing.T) {
		q := newQueue("news")
		now := time.Now().UTC()
		tsk := makeTask(task.TypeNewsMonitoring, "news", task.PriorityMedium, now.Add(-time.Second))
		q.Enqueue(tsk)

		require.NotNil(t, q.PopReady(now))
		assert.Nil(t, q.Cancel(tsk.ID))
	})

	t.Run("unknown id", func(t *testing.T) {
		q := newQueue("news")
		assert.Nil(t, q.Cancel("nope"))
	})
}

func TestQueueGetReturnsCopies(t *testing.T) {
	q := newQueue("risk")
	now := time.Now().UTC()

	waiting := makeTask(task.TypeRiskMonitoring, "risk", task.PriorityLow, now.Add(time.Hour))
	running := makeTask(task.TypeRiskMonitoring, "risk", task.PriorityHigh, now.Add(-time.Second))
	q.Enqueue(waiting)
	q.Enqueue(running)

	require.NotNil(t, q.PopReady(now))

	got, ok := q.Get(running.ID)
	require.True(t, ok)
	got.AttemptCount = 99
	again, _ := q.Get(running.ID)
	assert.Zero(t, again.AttemptCount)

	_, ok = q.Get(waiting.ID)
	assert.True(t, ok)

	_, ok = q.Get("missing")
	assert.False(t, ok)
}

func TestQueueNextDue(t *testing.T) {
	q := newQueue("maintenance")

	_, ok := q.NextDue()
	assert.False(t, ok)

	now := time.Now().UTC()
	q.Enqueue(makeTask(task.TypeHistoryCleanup, "maintenance", task.PriorityLow, now.Add(time.Hour)))
	q.Enqueue(makeTask(task.TypeStoreBackup, "maintenance", task.PriorityLow, now.Add(time.Minute)))

	due, ok := q.NextDue()
	require.True(t, ok)
	assert.WithinDuration(t, now.Add(time.Minute), due, time.Second)
}
