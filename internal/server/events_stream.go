package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/events"
)

// streamEventTypes is every event the SSE surface forwards when no filter is
// given: the routed domain events, the handler success events and the task
// lifecycle events.
var streamEventTypes = []events.EventType{
	events.PortfolioChanged,
	events.MarketOpened,
	events.MarketClosed,
	events.RiskAlert,
	events.EarningsUpcoming,
	events.BalancesSynced,
	events.PricesRefreshed,
	events.NewsIngested,
	events.RecommendationsReady,
	events.TaskStarted,
	events.TaskCompleted,
	events.TaskFailed,
	events.TaskRetrying,
	events.ErrorOccurred,
}

// eventsStream streams bus events to HTTP clients over Server-Sent Events.
type eventsStream struct {
	bus *events.Bus
	log zerolog.Logger
}

func newEventsStream(bus *events.Bus, log zerolog.Logger) *eventsStream {
	return &eventsStream{
		bus: bus,
		log: log.With().Str("component", "events_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/events/stream requests (SSE). An optional
// ?types=A,B query restricts which event types are forwarded.
func (h *eventsStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	var allowedTypes map[events.EventType]bool
	if typesFilter := r.URL.Query().Get("types"); typesFilter != "" {
		allowedTypes = make(map[events.EventType]bool)
		for _, t := range strings.Split(typesFilter, ",") {
			allowedTypes[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	h.log.Info().Int("filtered_types", len(allowedTypes)).Msg("Client connected to event stream")

	// Buffered so a slow client drops events instead of blocking the bus.
	eventChan := make(chan *events.Event, 100)
	handler := func(event *events.Event) {
		select {
		case eventChan <- event:
		default:
			h.log.Warn().
				Str("event_type", string(event.Type)).
				Msg("Event channel full, dropping event")
		}
	}

	if allowedTypes == nil {
		for _, eventType := range streamEventTypes {
			h.bus.Subscribe(eventType, handler)
		}
	} else {
		for eventType := range allowedTypes {
			h.bus.Subscribe(eventType, handler)
		}
	}

	done := r.Context().Done()

	fmt.Fprintf(w, "data: %s\n\n", h.encodeEvent(map[string]interface{}{
		"type": "connected",
	}))
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			h.log.Info().Msg("Client disconnected from event stream")
			return

		case event := <-eventChan:
			eventJSON := h.encodeEvent(map[string]interface{}{
				"type":      string(event.Type),
				"module":    event.Module,
				"timestamp": event.Timestamp.Format(time.RFC3339),
				"data":      event.Data,
			})
			fmt.Fprintf(w, "data: %s\n\n", eventJSON)
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprintf(w, "data: %s\n\n", h.encodeEvent(map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().Format(time.RFC3339),
			}))
			flusher.Flush()
		}
	}
}

// encodeEvent encodes an event map to a JSON string.
func (h *eventsStream) encodeEvent(event map[string]interface{}) string {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		return `{"error":"failed to encode event"}`
	}
	return string(data)
}
