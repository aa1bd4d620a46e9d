package events

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBus(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	require.NotNil(t, bus)
}

func TestBus_EmitDeliversToSubscriber(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	received := make(chan *Event, 1)
	bus.Subscribe(MarketOpened, func(event *Event) {
		received <- event
	})

	bus.Emit(MarketOpened, "marketfeed", map[string]interface{}{"market": "XNAS"})

	select {
	case event := <-received:
		assert.Equal(t, MarketOpened, event.Type)
		assert.Equal(t, "marketfeed", event.Module)
		assert.Equal(t, "XNAS", event.Data["market"])
		assert.WithinDuration(t, time.Now(), event.Timestamp, time.Second)
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestBus_EmitDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var delivered atomic.Int32
	for i := 0; i < 3; i++ {
		bus.Subscribe(PortfolioChanged, func(event *Event) {
			delivered.Add(1)
		})
	}

	bus.Emit(PortfolioChanged, "test", nil)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), delivered.Load())
}

func TestBus_EmitIgnoresUnsubscribedTypes(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var delivered atomic.Int32
	bus.Subscribe(MarketClosed, func(event *Event) {
		delivered.Add(1)
	})

	bus.Emit(MarketOpened, "test", nil)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), delivered.Load())
}

func TestBus_EmitTyped(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	received := make(chan *Event, 1)
	bus.Subscribe(RiskAlert, func(event *Event) {
		received <- event
	})

	bus.EmitTyped("risk", &RiskAlertData{
		Symbol:     "NVDA",
		Volatility: 0.62,
		RSI:        81.5,
		Reason:     "overbought",
	})

	select {
	case event := <-received:
		assert.Equal(t, RiskAlert, event.Type)
		assert.Equal(t, "NVDA", event.Data["symbol"])
		assert.Equal(t, "overbought", event.Data["reason"])
		assert.InDelta(t, 0.62, event.Data["volatility"], 0.001)
	case <-time.After(time.Second):
		t.Fatal("typed event was not delivered")
	}
}

func TestBus_EmitTypedStatusDependentType(t *testing.T) {
	data := &TaskStatusData{Status: "failed"}
	assert.Equal(t, TaskFailed, data.EventType())

	data.Status = "completed"
	assert.Equal(t, TaskCompleted, data.EventType())

	data.Status = "retrying"
	assert.Equal(t, TaskRetrying, data.EventType())

	data.Status = "started"
	assert.Equal(t, TaskStarted, data.EventType())
}

func TestBus_ConcurrentSubscribeAndEmit(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				bus.Subscribe(NewsIngested, func(event *Event) {})
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				bus.Emit(NewsIngested, "test", nil)
			}
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		<-done
	}
}
