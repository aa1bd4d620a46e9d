// Package events provides the domain event bus that connects task execution,
// external feeds and the scheduler's event router.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types
type EventType string

const (
	// Domain events routed to task submissions
	PortfolioChanged EventType = "PORTFOLIO_CHANGED"
	MarketOpened     EventType = "MARKET_OPENED"
	MarketClosed     EventType = "MARKET_CLOSED"
	RiskAlert        EventType = "RISK_ALERT"
	EarningsUpcoming EventType = "EARNINGS_UPCOMING"

	// Events emitted by task handlers on success
	BalancesSynced       EventType = "BALANCES_SYNCED"
	PricesRefreshed      EventType = "PRICES_REFRESHED"
	NewsIngested         EventType = "NEWS_INGESTED"
	RecommendationsReady EventType = "RECOMMENDATIONS_READY"

	// Task lifecycle events emitted by the queue manager
	TaskStarted   EventType = "TASK_STARTED"
	TaskCompleted EventType = "TASK_COMPLETED"
	TaskFailed    EventType = "TASK_FAILED"
	TaskRetrying  EventType = "TASK_RETRYING"

	ErrorOccurred EventType = "ERROR_OCCURRED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// Handler is a subscription callback. Each delivery runs on its own goroutine,
// so handlers may block without stalling the emitter or other subscribers.
type Handler func(event *Event)

// Bus handles event subscription and emission
type Bus struct {
	subscribers map[EventType][]Handler
	mu          sync.RWMutex
	log         zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Handler),
		log:         log.With().Str("service", "events").Logger(),
	}
}

// Subscribe registers a handler for an event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Emit emits an event to all subscribers
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	b.mu.RLock()
	handlers := b.subscribers[eventType]
	b.mu.RUnlock()

	b.log.Debug().
		Str("event_type", string(eventType)).
		Str("module", module).
		Int("subscribers", len(handlers)).
		Msg("Event emitted")

	for _, handler := range handlers {
		go handler(event)
	}
}

// EmitTyped emits an event with a typed payload. The payload is flattened to
// a map through its JSON form so subscribers see the same Event shape as Emit.
func (b *Bus) EmitTyped(module string, data EventData) {
	payload, err := json.Marshal(data)
	if err != nil {
		b.log.Error().Err(err).
			Str("event_type", string(data.EventType())).
			Msg("Failed to marshal event data")
		return
	}

	var asMap map[string]interface{}
	if err := json.Unmarshal(payload, &asMap); err != nil {
		b.log.Error().Err(err).
			Str("event_type", string(data.EventType())).
			Msg("Failed to flatten event data")
		return
	}

	b.Emit(data.EventType(), module, asMap)
}

// EmitError emits an error event
func (b *Bus) EmitError(module string, err error, context map[string]interface{}) {
	data := map[string]interface{}{
		"error":   err.Error(),
		"context": context,
	}
	b.Emit(ErrorOccurred, module, data)
}
