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

// balancesSubject keys the freshness record for account balances. Balances
// are fetched for all accounts in one call, so a single subject covers them.
const balancesSubject = "accounts"

type syncHandlers struct {
	cfg     *config.Config
	tracker *freshness.Tracker
	market  MarketData
	bus     *events.Bus
	log     zerolog.Logger
}

func registerSync(registry *task.Registry, d Deps) {
	h := &syncHandlers{
		cfg:     d.Config,
		tracker: d.Tracker,
		market:  d.Market,
		bus:     d.Bus,
		log:     d.Log.With().Str("component", "sync_handlers").Logger(),
	}

	registry.Register(&task.Descriptor{
		Type:        task.TypeSyncAccountBalances,
		Queue:       task.QueueSync,
		Priority:    task.PriorityHigh,
		Interval:    30 * time.Minute,
		Timeout:     60 * time.Second,
		Description: "Refresh broker account balances",
		Handler:     h.syncBalances,
	})
}

func (h *syncHandlers) syncBalances(ctx context.Context, t *task.Task) error {
	needs, err := h.tracker.NeedsFetch(balancesSubject, freshness.CategoryBalances, h.cfg.BalancesFreshness)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read balance fetch state, fetching anyway")
		needs = true
	}
	if !needs {
		h.log.Debug().Msg("Balances still fresh, skipping fetch")
		return nil
	}

	balances, err := h.market.GetAccountBalances(ctx)
	if err != nil {
		if rerr := h.tracker.RecordFetch(balancesSubject, freshness.CategoryBalances, time.Now().UTC(), false); rerr != nil {
			h.log.Warn().Err(rerr).Msg("Failed to record balance fetch failure")
		}
		return err
	}

	if err := h.tracker.RecordFetch(balancesSubject, freshness.CategoryBalances, time.Now().UTC(), true); err != nil {
		h.log.Warn().Err(err).Msg("Failed to record balance fetch")
	}

	h.bus.EmitTyped("sync", &events.BalancesSyncedData{Accounts: len(balances)})
	h.log.Info().Int("accounts", len(balances)).Msg("Account balances synced")
	return nil
}
