package marketfeed

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/events"
)

func TestHandleMessage_SeedsCacheWithoutEvents(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	emitted := make(chan *events.Event, 4)
	bus.Subscribe(events.MarketOpened, func(e *events.Event) { emitted <- e })
	bus.Subscribe(events.MarketClosed, func(e *events.Event) { emitted <- e })

	feed := NewFeed("wss://unused.invalid/feed", bus, zerolog.Nop())

	err := feed.handleMessage([]byte(`{"markets":[
		{"code":"XNAS","name":"NASDAQ","status":"open"},
		{"code":"XNYS","name":"NYSE","status":"closed"}
	]}`))
	require.NoError(t, err)

	select {
	case e := <-emitted:
		t.Fatalf("initial snapshot should not emit, got %s", e.Type)
	case <-time.After(100 * time.Millisecond):
	}

	status, err := feed.MarketStatus("XNAS")
	require.NoError(t, err)
	assert.Equal(t, "open", status.Status)
	assert.Equal(t, "NASDAQ", status.Name)
}

func TestHandleMessage_EmitsOnTransition(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	opened := make(chan *events.Event, 1)
	closed := make(chan *events.Event, 1)
	bus.Subscribe(events.MarketOpened, func(e *events.Event) { opened <- e })
	bus.Subscribe(events.MarketClosed, func(e *events.Event) { closed <- e })

	feed := NewFeed("wss://unused.invalid/feed", bus, zerolog.Nop())

	require.NoError(t, feed.handleMessage([]byte(`{"markets":[{"code":"XNAS","status":"closed"}]}`)))
	require.NoError(t, feed.handleMessage([]byte(`{"markets":[{"code":"XNAS","status":"open"}]}`)))

	select {
	case e := <-opened:
		assert.Equal(t, events.MarketOpened, e.Type)
		assert.Equal(t, "XNAS", e.Data["market"])
		assert.Equal(t, "open", e.Data["status"])
	case <-time.After(time.Second):
		t.Fatal("expected market opened event")
	}

	require.NoError(t, feed.handleMessage([]byte(`{"markets":[{"code":"XNAS","status":"closed"}]}`)))

	select {
	case e := <-closed:
		assert.Equal(t, events.MarketClosed, e.Type)
	case <-time.After(time.Second):
		t.Fatal("expected market closed event")
	}
}

func TestHandleMessage_NoEventWhenStatusUnchanged(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	emitted := make(chan *events.Event, 2)
	bus.Subscribe(events.MarketOpened, func(e *events.Event) { emitted <- e })

	feed := NewFeed("wss://unused.invalid/feed", bus, zerolog.Nop())

	require.NoError(t, feed.handleMessage([]byte(`{"markets":[{"code":"XNAS","status":"open"}]}`)))
	require.NoError(t, feed.handleMessage([]byte(`{"markets":[{"code":"XNAS","status":"open"}]}`)))
	require.NoError(t, feed.handleMessage([]byte(`{"markets":[{"code":"XNAS","status":"open"}]}`)))

	select {
	case <-emitted:
		t.Fatal("unchanged status should not emit")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleMessage_NewMarketAfterSeedDoesNotEmit(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	emitted := make(chan *events.Event, 2)
	bus.Subscribe(events.MarketOpened, func(e *events.Event) { emitted <- e })

	feed := NewFeed("wss://unused.invalid/feed", bus, zerolog.Nop())

	require.NoError(t, feed.handleMessage([]byte(`{"markets":[{"code":"XNAS","status":"closed"}]}`)))
	// XLON appears for the first time already open. That is seeding, not
	// a transition.
	require.NoError(t, feed.handleMessage([]byte(`{"markets":[{"code":"XLON","status":"open"}]}`)))

	select {
	case <-emitted:
		t.Fatal("first sighting of a market should not emit")
	case <-time.After(100 * time.Millisecond):
	}

	assert.Len(t, feed.AllMarkets(), 2)
}

func TestHandleMessage_RejectsGarbage(t *testing.T) {
	feed := NewFeed("wss://unused.invalid/feed", nil, zerolog.Nop())

	assert.Error(t, feed.handleMessage([]byte("not json")))
	assert.NoError(t, feed.handleMessage([]byte(`{"markets":[]}`)))
}

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, "open", normalizeStatus("open"))
	assert.Equal(t, "closed", normalizeStatus("closed"))
	assert.Equal(t, "closed", normalizeStatus("pre"))
	assert.Equal(t, "closed", normalizeStatus("post"))
	assert.Equal(t, "closed", normalizeStatus(""))
}

func TestCalculateBackoff(t *testing.T) {
	feed := NewFeed("wss://unused.invalid/feed", nil, zerolog.Nop())

	assert.Equal(t, 5*time.Second, feed.calculateBackoff(1))
	assert.Equal(t, 10*time.Second, feed.calculateBackoff(2))
	assert.Equal(t, 40*time.Second, feed.calculateBackoff(4))
	assert.Equal(t, maxReconnectDelay, feed.calculateBackoff(12))
	assert.Equal(t, maxReconnectDelay, feed.calculateBackoff(50))
}

func TestIsCacheStale(t *testing.T) {
	feed := NewFeed("wss://unused.invalid/feed", nil, zerolog.Nop())

	assert.True(t, feed.IsCacheStale())

	require.NoError(t, feed.handleMessage([]byte(`{"markets":[{"code":"XNAS","status":"open"}]}`)))
	assert.False(t, feed.IsCacheStale())

	feed.cacheMu.Lock()
	feed.lastUpdate = time.Now().Add(-10 * time.Minute)
	feed.cacheMu.Unlock()
	assert.True(t, feed.IsCacheStale())
}

func TestMarketStatus_Unknown(t *testing.T) {
	feed := NewFeed("wss://unused.invalid/feed", nil, zerolog.Nop())

	_, err := feed.MarketStatus("XTKS")
	assert.Error(t, err)
}
