package handlers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/history"
	"github.com/aristath/vigil/internal/prices"
	"github.com/aristath/vigil/internal/task"
)

// priceRetentionDays is how long daily closes are kept. Risk metrics use a
// 60-day window; a year-plus of history stays available for inspection.
const priceRetentionDays = 400

type maintenanceHandlers struct {
	cfg     *config.Config
	history *history.Repository
	prices  *prices.Repository
	store   *task.Store
	stateDB *database.DB
	tasksDB *database.DB
	backup  BackupRunner
	log     zerolog.Logger
}

func registerMaintenance(registry *task.Registry, d Deps) {
	h := &maintenanceHandlers{
		cfg:     d.Config,
		history: d.History,
		prices:  d.Prices,
		store:   d.Store,
		stateDB: d.StateDB,
		tasksDB: d.TasksDB,
		backup:  d.Backup,
		log:     d.Log.With().Str("component", "maintenance_handlers").Logger(),
	}

	registry.Register(&task.Descriptor{
		Type:        task.TypeHistoryCleanup,
		Queue:       task.QueueMaintenance,
		Priority:    task.PriorityLow,
		CronSpec:    "10 3 * * *",
		Timeout:     2 * time.Minute,
		Description: "Prune execution history, old closes and terminal task records",
		Handler:     h.cleanup,
	})

	registry.Register(&task.Descriptor{
		Type:        task.TypeStoreBackup,
		Queue:       task.QueueMaintenance,
		Priority:    task.PriorityLow,
		CronSpec:    "30 2 * * *",
		Timeout:     10 * time.Minute,
		Description: "Upload a store backup and rotate old ones",
		Handler:     h.runBackup,
	})
}

func (h *maintenanceHandlers) cleanup(ctx context.Context, t *task.Task) error {
	if err := h.integrityCheck(ctx); err != nil {
		return err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -h.cfg.HistoryRetentionDays)

	pruned, err := h.history.Prune(cutoff)
	if err != nil {
		return err
	}

	removed, err := h.prices.DeleteOlderThan(time.Now().UTC().AddDate(0, 0, -priceRetentionDays))
	if err != nil {
		return err
	}

	swept, err := h.sweepTerminalRecords(cutoff)
	if err != nil {
		return err
	}

	h.checkpoint()

	h.log.Info().
		Int64("history_pruned", pruned).
		Int64("closes_removed", removed).
		Int("records_swept", swept).
		Msg("Maintenance cleanup finished")
	return nil
}

// sweepTerminalRecords deletes store files for terminal tasks older than the
// cutoff. Live records are never touched.
func (h *maintenanceHandlers) sweepTerminalRecords(cutoff time.Time) (int, error) {
	tasks, err := h.store.Load()
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, rec := range tasks {
		if !rec.State.Terminal() {
			continue
		}
		if rec.CompletedAt == nil || rec.CompletedAt.After(cutoff) {
			continue
		}
		if err := h.store.Delete(rec.ID); err != nil {
			h.log.Warn().Err(err).Str("task_id", rec.ID).Msg("Failed to sweep task record")
			continue
		}
		swept++
	}
	return swept, nil
}

// integrityCheck verifies both databases. A corrupt database fails the task
// so it surfaces in the failure summaries.
func (h *maintenanceHandlers) integrityCheck(ctx context.Context) error {
	for _, db := range []*database.DB{h.stateDB, h.tasksDB} {
		if db == nil {
			continue
		}
		if err := db.HealthCheck(ctx); err != nil {
			return err
		}
	}
	return nil
}

// checkpoint truncates both database WALs so their size stays bounded.
func (h *maintenanceHandlers) checkpoint() {
	for _, db := range []*database.DB{h.stateDB, h.tasksDB} {
		if db == nil {
			continue
		}
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			h.log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
		}
	}
}

func (h *maintenanceHandlers) runBackup(ctx context.Context, t *task.Task) error {
	if h.backup == nil {
		h.log.Info().Msg("Backups not configured, skipping")
		return nil
	}

	key, err := h.backup.CreateAndUploadBackup(ctx)
	if err != nil {
		return err
	}
	h.log.Info().Str("key", key).Msg("Backup uploaded")

	removed, err := h.backup.RotateOldBackups(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("Backup rotation failed")
		return nil
	}
	if removed > 0 {
		h.log.Info().Int("removed", removed).Msg("Old backups rotated")
	}
	return nil
}
