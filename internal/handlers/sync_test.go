package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/clients/marketdata"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/freshness"
	"github.com/aristath/vigil/internal/task"
)

func newSyncHandlers(t *testing.T, market *fakeMarket) (*syncHandlers, *freshness.Tracker, *events.Bus) {
	t.Helper()
	tracker := newTracker(t)
	bus := events.NewBus(zerolog.Nop())
	h := &syncHandlers{
		cfg:     testConfig(),
		tracker: tracker,
		market:  market,
		bus:     bus,
		log:     zerolog.Nop(),
	}
	return h, tracker, bus
}

func TestSyncBalancesFetchesAndRecords(t *testing.T) {
	market := &fakeMarket{balances: []marketdata.AccountBalance{
		{Account: "main", Currency: "USD", Cash: 1200.50},
		{Account: "ira", Currency: "USD", Cash: 300},
	}}
	h, tracker, bus := newSyncHandlers(t, market)
	captured := captureEvents(bus, events.BalancesSynced)

	require.NoError(t, h.syncBalances(context.Background(), &task.Task{}))
	assert.Equal(t, 1, market.balanceCalls)

	evts := captured.waitFor(t, 1)
	assert.EqualValues(t, 2, evts[0].Data["accounts"])

	// The fetch is recorded, so the next run inside the window skips it.
	needs, err := tracker.NeedsFetch(balancesSubject, freshness.CategoryBalances, 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, needs)
}

func TestSyncBalancesSkipsWhenFresh(t *testing.T) {
	market := &fakeMarket{}
	h, tracker, _ := newSyncHandlers(t, market)
	require.NoError(t, tracker.RecordFetch(balancesSubject, freshness.CategoryBalances, time.Now().UTC(), true))

	require.NoError(t, h.syncBalances(context.Background(), &task.Task{}))
	assert.Zero(t, market.balanceCalls)
}

func TestSyncBalancesProviderErrorStaysDue(t *testing.T) {
	market := &fakeMarket{balancesErr: errors.New("broker unavailable")}
	h, tracker, _ := newSyncHandlers(t, market)

	err := h.syncBalances(context.Background(), &task.Task{})
	require.Error(t, err)

	// A failed fetch never advances the freshness window.
	needs, err := tracker.NeedsFetch(balancesSubject, freshness.CategoryBalances, 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, needs)

	rec, err := tracker.Get(balancesSubject, freshness.CategoryBalances)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.ErrorCount)
}
