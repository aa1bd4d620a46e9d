package handlers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/freshness"
	"github.com/aristath/vigil/internal/prices"
	"github.com/aristath/vigil/internal/task"
)

// historyBackfillDays is how much daily history is pulled for a symbol that
// has no stored closes yet. The risk monitor reads a 60-day window, so the
// backfill gives it a full one immediately.
const historyBackfillDays = 90

type marketHandlers struct {
	cfg     *config.Config
	tracker *freshness.Tracker
	prices  *prices.Repository
	market  MarketData
	bus     *events.Bus
	log     zerolog.Logger
}

func registerMarket(registry *task.Registry, d Deps) {
	h := &marketHandlers{
		cfg:     d.Config,
		tracker: d.Tracker,
		prices:  d.Prices,
		market:  d.Market,
		bus:     d.Bus,
		log:     d.Log.With().Str("component", "market_handlers").Logger(),
	}

	registry.Register(&task.Descriptor{
		Type:        task.TypeMarketDataRefresh,
		Queue:       task.QueueMarket,
		Priority:    task.PriorityMedium,
		Interval:    15 * time.Minute,
		Timeout:     45 * time.Second,
		Description: "Refresh quotes and daily closes for the symbol universe",
		Handler:     h.refresh,
	})
}

func (h *marketHandlers) refresh(ctx context.Context, t *task.Task) error {
	symbols := symbolsFromMetadata(t, h.cfg.Universe)
	if len(symbols) == 0 {
		h.log.Debug().Msg("No symbols to refresh")
		return nil
	}

	due := make([]string, 0, len(symbols))
	skipped := 0
	for _, symbol := range symbols {
		needs, err := h.tracker.NeedsFetch(symbol, freshness.CategoryQuotes, h.cfg.QuoteFreshness)
		if err != nil {
			h.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to read quote fetch state, fetching anyway")
			needs = true
		}
		if !needs {
			skipped++
			continue
		}
		due = append(due, symbol)
	}

	if len(due) == 0 {
		h.log.Debug().Int("skipped", skipped).Msg("All quotes fresh")
		h.bus.EmitTyped("market", &events.PricesRefreshedData{Symbols: 0, Skipped: skipped})
		return nil
	}

	quotes, err := h.market.GetQuotes(ctx, due)
	if err != nil {
		now := time.Now().UTC()
		for _, symbol := range due {
			if rerr := h.tracker.RecordFetch(symbol, freshness.CategoryQuotes, now, false); rerr != nil {
				h.log.Warn().Err(rerr).Str("symbol", symbol).Msg("Failed to record quote fetch failure")
			}
		}
		return err
	}

	refreshed := 0
	for _, q := range quotes {
		if err := ctx.Err(); err != nil {
			return err
		}

		latest, err := h.prices.LatestClose(q.Symbol)
		if err != nil {
			h.log.Warn().Err(err).Str("symbol", q.Symbol).Msg("Failed to look up stored closes")
		} else if latest == nil {
			h.backfill(ctx, q.Symbol)
		}

		ts := q.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if err := h.prices.SaveClose(q.Symbol, ts, q.Price); err != nil {
			h.log.Warn().Err(err).Str("symbol", q.Symbol).Msg("Failed to store close")
			if rerr := h.tracker.RecordFetch(q.Symbol, freshness.CategoryQuotes, time.Now().UTC(), false); rerr != nil {
				h.log.Warn().Err(rerr).Str("symbol", q.Symbol).Msg("Failed to record quote fetch failure")
			}
			continue
		}

		if err := h.tracker.RecordFetch(q.Symbol, freshness.CategoryQuotes, time.Now().UTC(), true); err != nil {
			h.log.Warn().Err(err).Str("symbol", q.Symbol).Msg("Failed to record quote fetch")
		}
		refreshed++
	}

	h.bus.EmitTyped("market", &events.PricesRefreshedData{Symbols: refreshed, Skipped: skipped})
	h.log.Info().Int("refreshed", refreshed).Int("skipped", skipped).Msg("Market data refreshed")
	return nil
}

// backfill loads daily history for a symbol seen for the first time. Failures
// are logged and left for the next cycle; the current quote still gets stored.
func (h *marketHandlers) backfill(ctx context.Context, symbol string) {
	points, err := h.market.GetDailyHistory(ctx, symbol, historyBackfillDays)
	if err != nil {
		h.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to backfill price history")
		return
	}
	if len(points) == 0 {
		return
	}

	closes := make([]prices.DailyClose, 0, len(points))
	for _, p := range points {
		closes = append(closes, prices.DailyClose{Date: p.Date, Close: p.Close})
	}
	if err := h.prices.SaveDailyCloses(symbol, closes); err != nil {
		h.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to store backfilled history")
		return
	}

	h.log.Info().Str("symbol", symbol).Int("days", len(closes)).Msg("Backfilled price history")
}
