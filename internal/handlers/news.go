package handlers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/freshness"
	"github.com/aristath/vigil/internal/task"
)

const (
	// newsLookback bounds how far back articles are requested per symbol.
	newsLookback = 24 * time.Hour
	// newsFetchLimit caps articles per symbol per fetch.
	newsFetchLimit = 20
	// earningsSubject keys the freshness record for the earnings calendar.
	// The calendar is fetched for the whole universe in one call.
	earningsSubject = "calendar"
	// earningsHorizon is how far ahead the calendar is requested.
	earningsHorizon = 14 * 24 * time.Hour
)

type newsHandlers struct {
	cfg     *config.Config
	tracker *freshness.Tracker
	news    NewsProvider
	bus     *events.Bus
	log     zerolog.Logger
}

func registerNews(registry *task.Registry, d Deps) {
	h := &newsHandlers{
		cfg:     d.Config,
		tracker: d.Tracker,
		news:    d.News,
		bus:     d.Bus,
		log:     d.Log.With().Str("component", "news_handlers").Logger(),
	}

	registry.Register(&task.Descriptor{
		Type:        task.TypeNewsMonitoring,
		Queue:       task.QueueNews,
		Priority:    task.PriorityMedium,
		Interval:    30 * time.Minute,
		Timeout:     60 * time.Second,
		Description: "Ingest fresh news articles for the symbol universe",
		Handler:     h.monitorNews,
	})

	registry.Register(&task.Descriptor{
		Type:        task.TypeEarningsIngestion,
		Queue:       task.QueueNews,
		Priority:    task.PriorityLow,
		Interval:    6 * time.Hour,
		Timeout:     90 * time.Second,
		Description: "Refresh the upcoming earnings calendar",
		Handler:     h.ingestEarnings,
	})
}

// monitorNews fetches articles per symbol, gated by the freshness tracker. A
// provider failure aborts the run; already-fetched symbols stay fresh, so the
// retry picks up where this attempt stopped.
func (h *newsHandlers) monitorNews(ctx context.Context, t *task.Task) error {
	symbols := symbolsFromMetadata(t, h.cfg.Universe)
	if len(symbols) == 0 {
		h.log.Debug().Msg("No symbols to monitor")
		return nil
	}

	fetched := 0
	skipped := 0
	totalArticles := 0
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return err
		}

		needs, err := h.tracker.NeedsFetch(symbol, freshness.CategoryNews, h.cfg.NewsFreshness)
		if err != nil {
			h.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to read news fetch state, fetching anyway")
			needs = true
		}
		if !needs {
			skipped++
			continue
		}

		since := time.Now().UTC().Add(-newsLookback)
		articles, err := h.news.GetNews(ctx, symbol, since, newsFetchLimit)
		if err != nil {
			if rerr := h.tracker.RecordFetch(symbol, freshness.CategoryNews, time.Now().UTC(), false); rerr != nil {
				h.log.Warn().Err(rerr).Str("symbol", symbol).Msg("Failed to record news fetch failure")
			}
			return err
		}

		if err := h.tracker.RecordFetch(symbol, freshness.CategoryNews, time.Now().UTC(), true); err != nil {
			h.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to record news fetch")
		}

		h.bus.EmitTyped("news", &events.NewsIngestedData{Symbol: symbol, Articles: len(articles)})
		fetched++
		totalArticles += len(articles)
	}

	h.log.Info().
		Int("fetched", fetched).
		Int("skipped", skipped).
		Int("articles", totalArticles).
		Msg("News monitoring finished")
	return nil
}

func (h *newsHandlers) ingestEarnings(ctx context.Context, t *task.Task) error {
	needs, err := h.tracker.NeedsFetch(earningsSubject, freshness.CategoryEarnings, h.cfg.EarningsFreshness)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read earnings fetch state, fetching anyway")
		needs = true
	}
	if !needs {
		h.log.Debug().Msg("Earnings calendar still fresh, skipping fetch")
		return nil
	}

	now := time.Now().UTC()
	upcoming, err := h.news.GetEarningsCalendar(ctx, now, now.Add(earningsHorizon))
	if err != nil {
		if rerr := h.tracker.RecordFetch(earningsSubject, freshness.CategoryEarnings, now, false); rerr != nil {
			h.log.Warn().Err(rerr).Msg("Failed to record earnings fetch failure")
		}
		return err
	}

	if err := h.tracker.RecordFetch(earningsSubject, freshness.CategoryEarnings, time.Now().UTC(), true); err != nil {
		h.log.Warn().Err(err).Msg("Failed to record earnings fetch")
	}

	nearTerm := 0
	for _, e := range upcoming {
		if e.ReportDate.Before(now.Add(7 * 24 * time.Hour)) {
			nearTerm++
		}
	}

	h.log.Info().
		Int("events", len(upcoming)).
		Int("within_week", nearTerm).
		Msg("Earnings calendar refreshed")
	return nil
}
