package scheduler

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/queue"
	"github.com/aristath/vigil/internal/task"
)

// RegisterEventRoutes wires domain events to task submissions. Every routed
// instance is one-shot regardless of the target type's recurring schedule;
// the recurring record keeps cycling on its own.
func RegisterEventRoutes(bus *events.Bus, mgr *queue.Manager, registry *task.Registry, log zerolog.Logger) {
	log = log.With().Str("component", "event_routes").Logger()

	submit := func(eventType events.EventType, taskType task.Type, priority task.Priority, data map[string]interface{}) {
		desc := registry.Get(taskType)
		if desc == nil {
			log.Error().
				Str("event_type", string(eventType)).
				Str("task_type", string(taskType)).
				Msg("Event route targets unregistered task type")
			return
		}

		t := task.NewFromDescriptor(desc, time.Now().UTC())
		t.Priority = priority
		t.Interval = 0
		for k, v := range data {
			t.Metadata[k] = v
		}

		if err := mgr.Submit(t); err != nil {
			log.Error().
				Err(err).
				Str("event_type", string(eventType)).
				Str("task_type", string(taskType)).
				Msg("Failed to submit task from event")
			return
		}

		log.Info().
			Str("event_type", string(eventType)).
			Str("task_type", string(taskType)).
			Str("task_id", t.ID).
			Msg("Task submitted from event")
	}

	// PortfolioChanged -> balance sync plus fresh recommendations for the
	// changed positions
	bus.Subscribe(events.PortfolioChanged, func(event *events.Event) {
		submit(events.PortfolioChanged, task.TypeSyncAccountBalances, task.PriorityHigh, event.Data)
		submit(events.PortfolioChanged, task.TypeRecommendationGeneration, task.PriorityHigh, event.Data)
	})

	// MarketOpened -> immediate quote refresh and a risk pass
	bus.Subscribe(events.MarketOpened, func(event *events.Event) {
		submit(events.MarketOpened, task.TypeMarketDataRefresh, task.PriorityCritical, event.Data)
		submit(events.MarketOpened, task.TypeRiskMonitoring, task.PriorityHigh, event.Data)
	})

	// MarketClosed -> full analysis batch over the finished session
	bus.Subscribe(events.MarketClosed, func(event *events.Event) {
		submit(events.MarketClosed, task.TypeAnalysisBatch, task.PriorityLow, event.Data)
	})

	// RiskAlert -> urgent recommendation for the flagged symbol
	bus.Subscribe(events.RiskAlert, func(event *events.Event) {
		submit(events.RiskAlert, task.TypeRecommendationGeneration, task.PriorityCritical, event.Data)
	})

	// EarningsUpcoming -> refresh the earnings calendar
	bus.Subscribe(events.EarningsUpcoming, func(event *events.Event) {
		submit(events.EarningsUpcoming, task.TypeEarningsIngestion, task.PriorityMedium, event.Data)
	})
}
