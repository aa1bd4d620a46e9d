package freshness

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vigiltesting "github.com/aristath/vigil/internal/testing"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()

	db, cleanup := vigiltesting.NewTestDB(t, "state")
	t.Cleanup(cleanup)
	return NewTracker(db.Conn())
}

func TestTracker_NeedsFetchWithoutRecord(t *testing.T) {
	tracker := newTestTracker(t)

	needed, err := tracker.NeedsFetch("AAPL", CategoryQuotes, time.Hour)

	require.NoError(t, err)
	assert.True(t, needed)
}

func TestTracker_NeedsFetchWithinWindow(t *testing.T) {
	tracker := newTestTracker(t)
	require.NoError(t, tracker.RecordFetch("AAPL", CategoryQuotes, time.Now(), true))

	needed, err := tracker.NeedsFetch("AAPL", CategoryQuotes, time.Hour)

	require.NoError(t, err)
	assert.False(t, needed)
}

func TestTracker_NeedsFetchAfterWindowExpires(t *testing.T) {
	tracker := newTestTracker(t)
	require.NoError(t, tracker.RecordFetch("AAPL", CategoryQuotes, time.Now().Add(-2*time.Hour), true))

	needed, err := tracker.NeedsFetch("AAPL", CategoryQuotes, time.Hour)

	require.NoError(t, err)
	assert.True(t, needed)
}

func TestTracker_CategoriesAreIndependent(t *testing.T) {
	tracker := newTestTracker(t)
	require.NoError(t, tracker.RecordFetch("AAPL", CategoryQuotes, time.Now(), true))

	quotesNeeded, err := tracker.NeedsFetch("AAPL", CategoryQuotes, time.Hour)
	require.NoError(t, err)
	newsNeeded, err := tracker.NeedsFetch("AAPL", CategoryNews, time.Hour)
	require.NoError(t, err)

	assert.False(t, quotesNeeded)
	assert.True(t, newsNeeded)
}

func TestTracker_RecordFetchSuccessCounts(t *testing.T) {
	tracker := newTestTracker(t)
	fetchedAt := time.Now().Truncate(time.Second)

	require.NoError(t, tracker.RecordFetch("MSFT", CategoryNews, fetchedAt, true))
	require.NoError(t, tracker.RecordFetch("MSFT", CategoryNews, fetchedAt.Add(time.Minute), true))

	rec, err := tracker.Get("MSFT", CategoryNews)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.FetchCount)
	assert.Equal(t, 0, rec.ErrorCount)
	assert.WithinDuration(t, fetchedAt.Add(time.Minute), rec.LastFetchAt, time.Second)
}

func TestTracker_RecordFetchFailureKeepsSubjectDue(t *testing.T) {
	tracker := newTestTracker(t)

	require.NoError(t, tracker.RecordFetch("MSFT", CategoryEarnings, time.Now(), false))

	needed, err := tracker.NeedsFetch("MSFT", CategoryEarnings, time.Hour)
	require.NoError(t, err)
	assert.True(t, needed)

	rec, err := tracker.Get("MSFT", CategoryEarnings)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 0, rec.FetchCount)
	assert.Equal(t, 1, rec.ErrorCount)
}

func TestTracker_FailureAfterSuccessPreservesLastFetch(t *testing.T) {
	tracker := newTestTracker(t)
	fetchedAt := time.Now().Truncate(time.Second)
	require.NoError(t, tracker.RecordFetch("AAPL", CategoryBalances, fetchedAt, true))

	require.NoError(t, tracker.RecordFetch("AAPL", CategoryBalances, time.Now(), false))

	rec, err := tracker.Get("AAPL", CategoryBalances)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.WithinDuration(t, fetchedAt, rec.LastFetchAt, time.Second)
	assert.Equal(t, 1, rec.ErrorCount)

	needed, err := tracker.NeedsFetch("AAPL", CategoryBalances, time.Hour)
	require.NoError(t, err)
	assert.False(t, needed)
}

func TestTracker_GetMissingRecord(t *testing.T) {
	tracker := newTestTracker(t)

	rec, err := tracker.Get("GOOG", CategoryQuotes)

	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestTracker_ConcurrentRecordFetch(t *testing.T) {
	tracker := newTestTracker(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tracker.RecordFetch("AAPL", CategoryQuotes, time.Now(), true)
		}()
	}
	wg.Wait()

	rec, err := tracker.Get("AAPL", CategoryQuotes)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 20, rec.FetchCount)
}
