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
	"github.com/aristath/vigil/internal/prices"
	"github.com/aristath/vigil/internal/task"
)

func newMarketHandlers(t *testing.T, market *fakeMarket, symbols ...string) (*marketHandlers, *freshness.Tracker, *prices.Repository, *events.Bus) {
	t.Helper()
	tracker := newTracker(t)
	repo := newPricesRepo(t)
	bus := events.NewBus(zerolog.Nop())
	h := &marketHandlers{
		cfg:     testConfig(symbols...),
		tracker: tracker,
		prices:  repo,
		market:  market,
		bus:     bus,
		log:     zerolog.Nop(),
	}
	return h, tracker, repo, bus
}

func TestMarketRefreshStoresCloses(t *testing.T) {
	now := time.Now().UTC()
	market := &fakeMarket{quotes: []marketdata.Quote{
		{Symbol: "AAPL", Price: 214.3, Timestamp: now},
		{Symbol: "MSFT", Price: 431.1, Timestamp: now},
	}}
	h, _, repo, bus := newMarketHandlers(t, market, "AAPL", "MSFT")
	captured := captureEvents(bus, events.PricesRefreshed)

	// Seed history so the first-sight backfill does not kick in.
	for _, symbol := range []string{"AAPL", "MSFT"} {
		require.NoError(t, repo.SaveClose(symbol, now.AddDate(0, 0, -1), 200))
	}

	require.NoError(t, h.refresh(context.Background(), &task.Task{}))

	require.Len(t, market.quoteCalls, 1)
	assert.Equal(t, []string{"AAPL", "MSFT"}, market.quoteCalls[0])

	latest, err := repo.LatestClose("AAPL")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.InDelta(t, 214.3, latest.Close, 0.001)

	evts := captured.waitFor(t, 1)
	assert.EqualValues(t, 2, evts[0].Data["symbols"])
	assert.EqualValues(t, 0, evts[0].Data["skipped"])
}

func TestMarketRefreshSkipsFreshSymbols(t *testing.T) {
	now := time.Now().UTC()
	market := &fakeMarket{quotes: []marketdata.Quote{{Symbol: "MSFT", Price: 431.1, Timestamp: now}}}
	h, tracker, repo, _ := newMarketHandlers(t, market, "AAPL", "MSFT")
	require.NoError(t, repo.SaveClose("MSFT", now.AddDate(0, 0, -1), 400))
	require.NoError(t, tracker.RecordFetch("AAPL", freshness.CategoryQuotes, now, true))

	require.NoError(t, h.refresh(context.Background(), &task.Task{}))

	require.Len(t, market.quoteCalls, 1)
	assert.Equal(t, []string{"MSFT"}, market.quoteCalls[0])
}

func TestMarketRefreshBackfillsNewSymbols(t *testing.T) {
	now := time.Now().UTC()
	history := make([]marketdata.PricePoint, 0, 20)
	for i := 20; i >= 1; i-- {
		history = append(history, marketdata.PricePoint{Date: now.AddDate(0, 0, -i), Close: 100 + float64(i)})
	}
	market := &fakeMarket{
		quotes:  []marketdata.Quote{{Symbol: "NVDA", Price: 128.5, Timestamp: now}},
		history: map[string][]marketdata.PricePoint{"NVDA": history},
	}
	h, _, repo, _ := newMarketHandlers(t, market, "NVDA")

	require.NoError(t, h.refresh(context.Background(), &task.Task{}))

	assert.Equal(t, []string{"NVDA"}, market.historyCalls)
	closes, err := repo.RecentCloses("NVDA", 30)
	require.NoError(t, err)
	// 20 backfilled days plus today's quote.
	assert.Len(t, closes, 21)
}

func TestMarketRefreshProviderErrorStaysDue(t *testing.T) {
	market := &fakeMarket{quotesErr: errors.New("provider down")}
	h, tracker, _, _ := newMarketHandlers(t, market, "AAPL")

	err := h.refresh(context.Background(), &task.Task{})
	require.Error(t, err)

	rec, err := tracker.Get("AAPL", freshness.CategoryQuotes)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.ErrorCount)

	needs, err := tracker.NeedsFetch("AAPL", freshness.CategoryQuotes, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestMarketRefreshUsesMetadataSymbols(t *testing.T) {
	now := time.Now().UTC()
	market := &fakeMarket{quotes: []marketdata.Quote{{Symbol: "AMD", Price: 152.2, Timestamp: now}}}
	h, _, repo, _ := newMarketHandlers(t, market, "AAPL", "MSFT")
	require.NoError(t, repo.SaveClose("AMD", now.AddDate(0, 0, -1), 150))

	tk := &task.Task{Metadata: map[string]interface{}{"symbols": []interface{}{"AMD"}}}
	require.NoError(t, h.refresh(context.Background(), tk))

	require.Len(t, market.quoteCalls, 1)
	assert.Equal(t, []string{"AMD"}, market.quoteCalls[0])
}
